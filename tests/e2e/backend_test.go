// Fake memlink backend used by the CLI tests.
//
// One httptest server plays discovery, auth and the memory API; a second
// one is a real mcp-go SSE server with an "echo" tool.

package e2e_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"

	qt "github.com/frankban/quicktest"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

const (
	testKey      = "pk_test123.sk_secret456"
	discoverPath = "/.well-known/memlink.json"
)

type backend struct {
	api      *httptest.Server
	mcp      *httptest.Server
	searches atomic.Int32
}

// newBackend starts the fake services and points MEMLINK_DISCOVERY_URL at
// them. HOME is moved to a temp dir so nothing touches the real global
// config.
func newBackend(c *qt.C) *backend {
	c.TB.Helper()

	b := &backend{}

	s := mcpserver.NewMCPServer("fake-memlink", "0.0.1", mcpserver.WithToolCapabilities(true))
	s.AddTool(mcp.NewTool("echo",
		mcp.WithDescription("Echo the text argument"),
		mcp.WithString("text", mcp.Required()),
	), func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultText(req.GetString("text", "")), nil
	})
	b.mcp = mcpserver.NewTestServer(s)
	c.TB.Cleanup(b.mcp.Close)

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+discoverPath, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"auth_base":   b.api.URL,
			"memory_base": b.api.URL,
			"mcp_sse":     b.mcp.URL + "/sse",
			"mcp_http":    b.mcp.URL + "/mcp",
			"mcp_ws":      "ws://127.0.0.1:1/ws",
		})
	})
	mux.HandleFunc("GET /v1/auth/health", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid key"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("POST /v1/memories/search", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid key"})
			return
		}
		b.searches.Add(1)
		var q struct {
			Query string `json:"query"`
		}
		_ = json.NewDecoder(r.Body).Decode(&q)
		writeJSON(w, http.StatusOK, map[string]any{
			"results": []map[string]any{{
				"id":        "mem-1",
				"title":     "Lock file handling",
				"what":      "Matched " + q.Query,
				"why":       "Concurrent CLI runs",
				"category":  "decision",
				"project":   "memlink",
				"createdAt": "2026-03-01T10:00:00Z",
				"score":     0.92,
			}},
		})
	})
	b.api = httptest.NewServer(mux)
	c.TB.Cleanup(b.api.Close)

	c.TB.Setenv("MEMLINK_DISCOVERY_URL", b.api.URL+discoverPath)
	c.TB.Setenv("MEMLINK_HOME", "")
	c.TB.Setenv("HOME", c.TB.TempDir())
	return b
}

func authorized(r *http.Request) bool {
	return r.Header.Get("X-API-Key") == testKey
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeConfig writes <home>/config.yaml.
func writeConfig(c *qt.C, home, body string) {
	c.TB.Helper()
	c.Assert(os.MkdirAll(home, 0o700), qt.IsNil)
	c.Assert(os.WriteFile(filepath.Join(home, "config.yaml"), []byte(body), 0o600), qt.IsNil)
}

// sseOnly limits the client to the SSE transport and a single attempt.
const sseOnly = `mcp:
  transports: [sse]
  retry:
    max_attempts: 1
`
