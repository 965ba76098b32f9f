package discovery

import (
	"errors"
	"maps"
	"slices"

	"github.com/joeshaw/envdecode"
)

// Manifest keys every deployment must advertise.
const (
	KeyAuthBase   = "auth_base"
	KeyMemoryBase = "memory_base"
	KeyMCPHTTP    = "mcp_http"
	KeyMCPWS      = "mcp_ws"
	KeyMCPSSE     = "mcp_sse"
)

// RequiredKeys lists the keys a manifest needs before it may be persisted.
var RequiredKeys = []string{KeyAuthBase, KeyMemoryBase, KeyMCPHTTP, KeyMCPWS, KeyMCPSSE}

// Manifest maps endpoint names to URLs.
type Manifest map[string]string

// Entry is one manifest key and its URL.
type Entry struct {
	Key string
	URL string
}

// Missing returns the required keys that are absent or empty, in
// RequiredKeys order.
func (m Manifest) Missing() []string {
	var out []string
	for _, k := range RequiredKeys {
		if m[k] == "" {
			out = append(out, k)
		}
	}
	return out
}

// Complete reports whether every required key is present.
func (m Manifest) Complete() bool { return len(m.Missing()) == 0 }

// Sorted returns the entries ordered by key.
func (m Manifest) Sorted() []Entry {
	keys := slices.Sorted(maps.Keys(m))
	out := make([]Entry, 0, len(keys))
	for _, k := range keys {
		out = append(out, Entry{Key: k, URL: m[k]})
	}
	return out
}

// Clone returns a copy that is never nil.
func (m Manifest) Clone() Manifest {
	out := make(Manifest, len(m))
	maps.Copy(out, m)
	return out
}

// Merge returns m with every non-empty value of other laid over it.
func (m Manifest) Merge(other Manifest) Manifest {
	out := m.Clone()
	for k, v := range other {
		if v != "" {
			out[k] = v
		}
	}
	return out
}

// Endpoints is the fallback manifest. Each field can be overridden from the
// environment; the defaults point at the hosted deployment.
type Endpoints struct {
	AuthBase   string `env:"MEMLINK_AUTH_BASE,default=https://auth.memlink.dev"`
	MemoryBase string `env:"MEMLINK_MEMORY_BASE,default=https://api.memlink.dev"`
	MCPHTTP    string `env:"MEMLINK_MCP_HTTP_URL,default=https://mcp.memlink.dev/mcp"`
	MCPWS      string `env:"MEMLINK_MCP_WS_URL,default=wss://mcp.memlink.dev/ws"`
	MCPSSE     string `env:"MEMLINK_MCP_SSE_URL,default=https://mcp.memlink.dev/sse"`
}

// Manifest converts e to a Manifest.
func (e Endpoints) Manifest() Manifest {
	return Manifest{
		KeyAuthBase:   e.AuthBase,
		KeyMemoryBase: e.MemoryBase,
		KeyMCPHTTP:    e.MCPHTTP,
		KeyMCPWS:      e.MCPWS,
		KeyMCPSSE:     e.MCPSSE,
	}
}

// EnvEndpoints decodes the fallback endpoints from the environment,
// defaults included.
func EnvEndpoints() (Endpoints, error) {
	var e Endpoints
	if err := envdecode.Decode(&e); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Endpoints{}, err
	}
	return e, nil
}

// DefaultEndpoints returns the hardcoded fallback, ignoring the environment.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		AuthBase:   "https://auth.memlink.dev",
		MemoryBase: "https://api.memlink.dev",
		MCPHTTP:    "https://mcp.memlink.dev/mcp",
		MCPWS:      "wss://mcp.memlink.dev/ws",
		MCPSSE:     "https://mcp.memlink.dev/sse",
	}
}

type urlEnv struct {
	DiscoveryURL string `env:"MEMLINK_DISCOVERY_URL"`
}

// EnvDiscoveryURL returns MEMLINK_DISCOVERY_URL, or "" when unset.
func EnvDiscoveryURL() string {
	var u urlEnv
	_ = envdecode.Decode(&u)
	return u.DiscoveryURL
}
