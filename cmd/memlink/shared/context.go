// Package shared holds the context passed to all CLI commands and builds
// the services they share.
package shared

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/go-ports/memlink/internal/apperr"
	"github.com/go-ports/memlink/internal/config"
	"github.com/go-ports/memlink/internal/credential"
	"github.com/go-ports/memlink/internal/discovery"
	"github.com/go-ports/memlink/internal/mcp"
	"github.com/go-ports/memlink/internal/memoryapi"
	"github.com/go-ports/memlink/internal/session"
	"github.com/go-ports/memlink/internal/store"
)

// Context carries global CLI state (flags set on the root command) and
// lazily built services. One Context serves one command invocation.
type Context struct {
	// Home overrides the memlink home directory.
	// When empty, resolution falls through to MEMLINK_HOME env var → persisted config → ~/.memlink.
	Home string
	// LogLevel is the --log-level flag.
	LogLevel string

	Logger *slog.Logger

	prefs     *config.Preferences
	store     *store.Store
	discovery *discovery.Service
	session   *session.Manager
}

// ResolveHome returns the home directory and where it came from.
func (c *Context) ResolveHome() (path, source string) {
	if c.Home != "" {
		return c.Home, "flag"
	}
	return config.ResolveHome()
}

// SetupLogger installs the logger for --log-level writing to w.
func (c *Context) SetupLogger(w io.Writer) error {
	level, err := config.ParseLogLevel(c.LogLevel)
	if err != nil {
		return apperr.Validation("log-level", err)
	}
	c.Logger = config.NewLogger(w, level)
	return nil
}

func (c *Context) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// ConfigPath is <home>/config.yaml.
func (c *Context) ConfigPath() string {
	home, _ := c.ResolveHome()
	return filepath.Join(home, "config.yaml")
}

// Preferences loads config.yaml once.
func (c *Context) Preferences() (*config.Preferences, error) {
	if c.prefs != nil {
		return c.prefs, nil
	}
	p, err := config.Load(c.ConfigPath())
	if err != nil {
		return nil, apperr.Config("config.load", err).WithHint("fix or regenerate it with `memlink config init --force`")
	}
	c.prefs = p
	return p, nil
}

// Store opens the session document store.
func (c *Context) Store() (*store.Store, error) {
	if c.store != nil {
		return c.store, nil
	}
	p, err := c.Preferences()
	if err != nil {
		return nil, err
	}
	home, _ := c.ResolveHome()
	c.store = store.New(home, store.Options{
		LockTimeout:  p.Lock.Timeout,
		LockAttempts: p.Lock.Attempts,
		StaleAfter:   p.Lock.StaleAfter,
		Logger:       c.logger(),
	})
	return c.store, nil
}

// Discovery returns the service discovery client. MEMLINK_DISCOVERY_URL
// wins over discovery.url.
func (c *Context) Discovery() (*discovery.Service, error) {
	if c.discovery != nil {
		return c.discovery, nil
	}
	p, err := c.Preferences()
	if err != nil {
		return nil, err
	}
	st, err := c.Store()
	if err != nil {
		return nil, err
	}
	url := p.Discovery.URL
	if env := discovery.EnvDiscoveryURL(); env != "" {
		url = env
	}
	c.discovery = discovery.New(st, discovery.Options{
		URL:     url,
		TTL:     p.Discovery.TTL,
		Timeout: p.Discovery.Timeout,
		Logger:  c.logger(),
	})
	return c.discovery, nil
}

// Session returns the session manager.
func (c *Context) Session() (*session.Manager, error) {
	if c.session != nil {
		return c.session, nil
	}
	p, err := c.Preferences()
	if err != nil {
		return nil, err
	}
	st, err := c.Store()
	if err != nil {
		return nil, err
	}
	disc, err := c.Discovery()
	if err != nil {
		return nil, err
	}
	c.session = session.New(st, disc, session.Options{
		Bounds:        credential.Bounds{MinPublic: p.VendorKey.MinPublicLength, MinSecret: p.VendorKey.MinSecretLength},
		RefreshBuffer: p.Auth.RefreshBuffer,
		OAuthClientID: p.Auth.OAuthClientID,
		OAuthScopes:   p.Auth.OAuthScopes,
		Logger:        c.logger(),
	})
	return c.session, nil
}

// MemoryAPI returns the memory API client.
func (c *Context) MemoryAPI() (*memoryapi.Client, error) {
	disc, err := c.Discovery()
	if err != nil {
		return nil, err
	}
	sess, err := c.Session()
	if err != nil {
		return nil, err
	}
	return memoryapi.New(disc, sess, nil, c.logger()), nil
}

// MCPClient builds a disconnected protocol client over the configured or
// discovered servers.
func (c *Context) MCPClient(ctx context.Context) (*mcp.Client, error) {
	p, err := c.Preferences()
	if err != nil {
		return nil, err
	}
	sess, err := c.Session()
	if err != nil {
		return nil, err
	}

	var manifest discovery.Manifest
	if len(p.MCP.Servers) == 0 || needsManifest(p.MCP.Servers) {
		if manifest, err = sess.Manifest(ctx); err != nil {
			return nil, err
		}
	}
	servers, err := mcp.ResolveServers(p.MCP, manifest)
	if err != nil {
		return nil, err
	}
	opts, err := mcp.OptionsFromConfig(p.MCP, servers, sess, c.logger())
	if err != nil {
		return nil, err
	}
	return mcp.New(opts), nil
}

func needsManifest(servers []config.ServerConfig) bool {
	for _, s := range servers {
		if s.WebSocketURL == "" && s.SSEURL == "" && s.HTTPURL == "" && s.Command == "" {
			return true
		}
	}
	return false
}

// Wait blocks until background work such as a discovery refresh ends.
func (c *Context) Wait() {
	if c.discovery != nil {
		c.discovery.Wait()
	}
}

// Print writes v as yaml, or as indented json when asJSON is set.
func Print(w io.Writer, v any, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	b, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprint(w, string(b))
	return err
}

// EnsureHome creates the home directory with private permissions.
func (c *Context) EnsureHome() (string, error) {
	home, _ := c.ResolveHome()
	if err := os.MkdirAll(home, 0o700); err != nil {
		return "", apperr.Config("home", fmt.Errorf("create %s: %w", home, err))
	}
	return home, nil
}
