package mcp

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"

	"github.com/mark3labs/mcp-go/client/transport"

	"github.com/go-ports/memlink/internal/apperr"
	"github.com/go-ports/memlink/internal/config"
	"github.com/go-ports/memlink/internal/discovery"
)

// Kind names a transport variant.
type Kind string

const (
	KindWebSocket Kind = "websocket"
	KindSSE       Kind = "sse"
	KindHTTP      Kind = "http"
	KindStdio     Kind = "stdio"
)

// DefaultKinds is the preference order used when none is configured.
var DefaultKinds = []Kind{KindWebSocket, KindSSE, KindHTTP, KindStdio}

// ParseKinds converts configured names, rejecting unknown ones with a
// Config error.
func ParseKinds(names []string) ([]Kind, error) {
	if len(names) == 0 {
		return DefaultKinds, nil
	}
	out := make([]Kind, 0, len(names))
	for _, n := range names {
		k := Kind(strings.ToLower(strings.TrimSpace(n)))
		switch k {
		case KindWebSocket, KindSSE, KindHTTP, KindStdio:
			out = append(out, k)
		default:
			return nil, apperr.Config("mcp.transports", fmt.Errorf("unknown transport %q", n)).
				WithHint("valid transports are websocket, sse, http and stdio")
		}
	}
	return out, nil
}

// Server is one remote tool server and the address it exposes for each
// transport. For KindStdio the address is the command line to spawn.
type Server struct {
	Name      string
	Endpoints map[Kind]string
}

// Endpoint is one server address on one transport.
type Endpoint struct {
	Server  string
	Kind    Kind
	Address string
}

var errNoServers = errors.New("no MCP servers configured")

// ResolveServers builds the failover list. Configured servers come first in
// order; a configured server with no addresses, or an empty list, takes its
// addresses from the manifest. stdioCommand fills in a missing command.
func ResolveServers(cfg config.MCPConfig, manifest discovery.Manifest) ([]Server, error) {
	fromManifest := func(name string) Server {
		return Server{Name: name, Endpoints: compact(map[Kind]string{
			KindWebSocket: manifest[discovery.KeyMCPWS],
			KindSSE:       manifest[discovery.KeyMCPSSE],
			KindHTTP:      manifest[discovery.KeyMCPHTTP],
			KindStdio:     cfg.StdioCommand,
		})}
	}

	if len(cfg.Servers) == 0 {
		s := fromManifest("default")
		if len(s.Endpoints) == 0 {
			return nil, apperr.Config("mcp.servers", errNoServers).
				WithHint("add mcp.servers to config.yaml or run `memlink config services` to check discovery")
		}
		return []Server{s}, nil
	}

	out := make([]Server, 0, len(cfg.Servers))
	for _, sc := range cfg.Servers {
		s := Server{Name: sc.Name, Endpoints: compact(map[Kind]string{
			KindWebSocket: sc.WebSocketURL,
			KindSSE:       sc.SSEURL,
			KindHTTP:      sc.HTTPURL,
			KindStdio:     sc.Command,
		})}
		if len(s.Endpoints) == 0 {
			s = fromManifest(sc.Name)
		} else if _, ok := s.Endpoints[KindStdio]; !ok && cfg.StdioCommand != "" {
			s.Endpoints[KindStdio] = cfg.StdioCommand
		}
		if len(s.Endpoints) == 0 {
			return nil, apperr.Config("mcp.servers", fmt.Errorf("server %q has no address", sc.Name))
		}
		out = append(out, s)
	}
	return out, nil
}

func compact(m map[Kind]string) map[Kind]string {
	maps.DeleteFunc(m, func(_ Kind, v string) bool { return strings.TrimSpace(v) == "" })
	return m
}

// DialFunc builds an unstarted transport for ep carrying headers.
type DialFunc func(ep Endpoint, headers map[string]string) (transport.Interface, error)

// Dialer returns the production DialFunc.
func Dialer(logger *slog.Logger) DialFunc {
	return func(ep Endpoint, headers map[string]string) (transport.Interface, error) {
		switch ep.Kind {
		case KindWebSocket:
			return NewWebSocket(ep.Address, headers, logger), nil
		case KindSSE:
			return transport.NewSSE(ep.Address, transport.WithHeaders(headers))
		case KindHTTP:
			return transport.NewStreamableHTTP(ep.Address, transport.WithHTTPHeaders(headers))
		case KindStdio:
			argv := strings.Fields(ep.Address)
			if len(argv) == 0 {
				return nil, apperr.Config("mcp.stdio", errors.New("empty command"))
			}
			return transport.NewStdio(argv[0], stdioEnv(headers), argv[1:]...), nil
		default:
			return nil, apperr.Config("mcp.dial", fmt.Errorf("unknown transport %q", ep.Kind))
		}
	}
}

// stdioEnv passes the credential to a local server process through its
// environment, since a pipe has no request headers. The transport appends
// these to the inherited environment.
func stdioEnv(headers map[string]string) []string {
	var env []string
	if v := headers["X-API-Key"]; v != "" {
		env = append(env, "MEMLINK_API_KEY="+v)
	}
	if v, ok := strings.CutPrefix(headers["Authorization"], "Bearer "); ok {
		env = append(env, "MEMLINK_TOKEN="+v)
	}
	return env
}
