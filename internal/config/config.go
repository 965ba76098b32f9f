// Package config handles preference loading and memlink home resolution.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultDiscoveryURL is the well-known manifest location.
const DefaultDiscoveryURL = "https://api.memlink.dev/.well-known/memlink.json"

// ---------------------------------------------------------------------------
// Config types
// ---------------------------------------------------------------------------

// DiscoveryConfig controls service discovery.
type DiscoveryConfig struct {
	URL     string        `yaml:"url"`
	TTL     time.Duration `yaml:"ttl"`
	Timeout time.Duration `yaml:"timeout"`
}

// AuthConfig controls credential verification and refresh.
type AuthConfig struct {
	Verify        bool          `yaml:"verify"`
	RefreshBuffer time.Duration `yaml:"refresh_buffer"`
	OAuthClientID string        `yaml:"oauth_client_id"`
	OAuthScopes   []string      `yaml:"oauth_scopes"`
}

// VendorKeyConfig bounds the vendor key part lengths.
type VendorKeyConfig struct {
	MinPublicLength int `yaml:"min_public_length"`
	MinSecretLength int `yaml:"min_secret_length"`
}

// RetryConfig is the reconnect backoff schedule.
type RetryConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	MaxAttempts  int           `yaml:"max_attempts"`
}

// HealthConfig controls keepalive probing of a live connection.
type HealthConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// ServerConfig is one remote MCP server. A server with no URL and no
// command takes its addresses from the discovered manifest.
type ServerConfig struct {
	Name         string `yaml:"name"`
	WebSocketURL string `yaml:"websocket_url,omitempty"`
	SSEURL       string `yaml:"sse_url,omitempty"`
	HTTPURL      string `yaml:"http_url,omitempty"`
	Command      string `yaml:"command,omitempty"`
}

// MCPConfig configures the protocol client.
type MCPConfig struct {
	Servers        []ServerConfig `yaml:"servers"`
	Transports     []string       `yaml:"transports"` // "websocket" | "sse" | "http" | "stdio"
	StdioCommand   string         `yaml:"stdio_command"`
	ConnectTimeout time.Duration  `yaml:"connect_timeout"`
	Retry          RetryConfig    `yaml:"retry"`
	Health         HealthConfig   `yaml:"health"`
}

// LockConfig controls the session document lock.
type LockConfig struct {
	Timeout    time.Duration `yaml:"timeout"`
	Attempts   int           `yaml:"attempts"`
	StaleAfter time.Duration `yaml:"stale_after"`
}

// Preferences is the root per-home configuration (<home>/config.yaml).
type Preferences struct {
	Discovery DiscoveryConfig `yaml:"discovery"`
	Auth      AuthConfig      `yaml:"auth"`
	VendorKey VendorKeyConfig `yaml:"vendor_key"`
	MCP       MCPConfig       `yaml:"mcp"`
	Lock      LockConfig      `yaml:"lock"`
}

// Default returns Preferences populated with sensible defaults.
func Default() *Preferences {
	return &Preferences{
		Discovery: DiscoveryConfig{
			URL:     DefaultDiscoveryURL,
			TTL:     time.Hour,
			Timeout: 10 * time.Second,
		},
		Auth: AuthConfig{
			Verify:        true,
			RefreshBuffer: 5 * time.Minute,
			OAuthClientID: "memlink-cli",
			OAuthScopes:   []string{"memories:read", "memories:write", "mcp"},
		},
		VendorKey: VendorKeyConfig{MinPublicLength: 1, MinSecretLength: 1},
		MCP: MCPConfig{
			Transports:     []string{"websocket", "sse", "http", "stdio"},
			ConnectTimeout: 15 * time.Second,
			Retry: RetryConfig{
				InitialDelay: time.Second,
				Multiplier:   2.0,
				MaxDelay:     30 * time.Second,
				MaxAttempts:  5,
			},
			Health: HealthConfig{Interval: 30 * time.Second, Timeout: 5 * time.Second},
		},
		Lock: LockConfig{
			Timeout:    5 * time.Second,
			Attempts:   3,
			StaleAfter: 10 * time.Minute,
		},
	}
}

// Load reads <home>/config.yaml from path.
// If the file does not exist it returns Default() with no error.
// Missing keys retain their default values.
func Load(path string) (*Preferences, error) {
	prefs := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return prefs, nil
	}
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, prefs); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	prefs.fillZero()
	if err := prefs.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return prefs, nil
}

// fillZero restores defaults for values explicitly set to zero or empty.
func (p *Preferences) fillZero() {
	d := Default()
	if p.Discovery.URL == "" {
		p.Discovery.URL = d.Discovery.URL
	}
	if p.Discovery.TTL <= 0 {
		p.Discovery.TTL = d.Discovery.TTL
	}
	if p.Discovery.Timeout <= 0 {
		p.Discovery.Timeout = d.Discovery.Timeout
	}
	if p.Auth.OAuthClientID == "" {
		p.Auth.OAuthClientID = d.Auth.OAuthClientID
	}
	if len(p.MCP.Transports) == 0 {
		p.MCP.Transports = d.MCP.Transports
	}
	if p.MCP.ConnectTimeout <= 0 {
		p.MCP.ConnectTimeout = d.MCP.ConnectTimeout
	}
	r := &p.MCP.Retry
	if r.InitialDelay <= 0 {
		r.InitialDelay = d.MCP.Retry.InitialDelay
	}
	if r.Multiplier < 1 {
		r.Multiplier = d.MCP.Retry.Multiplier
	}
	if r.MaxDelay <= 0 {
		r.MaxDelay = d.MCP.Retry.MaxDelay
	}
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = d.MCP.Retry.MaxAttempts
	}
	if p.MCP.Health.Interval <= 0 {
		p.MCP.Health.Interval = d.MCP.Health.Interval
	}
	if p.MCP.Health.Timeout <= 0 {
		p.MCP.Health.Timeout = d.MCP.Health.Timeout
	}
	if p.Lock.Timeout <= 0 {
		p.Lock.Timeout = d.Lock.Timeout
	}
	if p.Lock.Attempts <= 0 {
		p.Lock.Attempts = d.Lock.Attempts
	}
	if p.Lock.StaleAfter <= 0 {
		p.Lock.StaleAfter = d.Lock.StaleAfter
	}
}

// maxRetryMultiplier bounds mcp.retry.multiplier.
const maxRetryMultiplier = 100

var validTransports = map[string]bool{"websocket": true, "sse": true, "http": true, "stdio": true}

// Validate rejects values that no amount of defaulting can repair.
func (p *Preferences) Validate() error {
	for _, t := range p.MCP.Transports {
		if !validTransports[t] {
			return fmt.Errorf("mcp.transports: unknown transport %q (valid: websocket, sse, http, stdio)", t)
		}
	}
	for i, s := range p.MCP.Servers {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("mcp.servers[%d]: name is required", i)
		}
	}
	if m := p.MCP.Retry.Multiplier; !(m >= 1 && m <= maxRetryMultiplier) {
		return fmt.Errorf("mcp.retry.multiplier: %v is out of range (1 to %d)", m, maxRetryMultiplier)
	}
	if p.VendorKey.MinPublicLength < 0 || p.VendorKey.MinSecretLength < 0 {
		return fmt.Errorf("vendor_key: minimum lengths must not be negative")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Home resolution
// ---------------------------------------------------------------------------

// HomeEnv overrides the memlink home directory.
const HomeEnv = "MEMLINK_HOME"

// globalConfigPath returns the path to the global memlink config file.
// This file stores only home (and future global settings).
func globalConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "memlink", "config.yaml"), nil
}

// normalizePath expands ~ and makes the path absolute.
func normalizePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[2:])
	}
	return filepath.Abs(os.ExpandEnv(path))
}

// ResolveHome returns the memlink home path and the source of the resolution.
// Priority: MEMLINK_HOME env → persisted global config → ~/.memlink
// source is one of "env", "config", or "default".
func ResolveHome() (path, source string) {
	if env := os.Getenv(HomeEnv); env != "" {
		p, err := normalizePath(env)
		if err == nil {
			return p, "env"
		}
	}

	if persisted, ok, _ := GetPersistedHome(); ok {
		return persisted, "config"
	}

	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".memlink"), "default"
}

// GetHome returns the resolved memlink home path.
func GetHome() string {
	path, _ := ResolveHome()
	return path
}

// GetPersistedHome reads home from the global config.
// Returns ("", false, nil) if not set.
func GetPersistedHome() (string, bool, error) {
	raw, err := readGlobal()
	if err != nil || raw == nil {
		return "", false, err
	}

	val, _ := raw["home"].(string)
	val = strings.TrimSpace(val)
	if val == "" {
		return "", false, nil
	}

	p, err := normalizePath(val)
	if err != nil {
		return "", false, err
	}
	return p, true, nil
}

// SetPersistedHome normalizes path and persists it in the global config.
// Returns the normalized path.
func SetPersistedHome(path string) (string, error) {
	normalized, err := normalizePath(path)
	if err != nil {
		return "", err
	}

	// Preserve any other keys already in the global config.
	raw, err := readGlobal()
	if err != nil {
		return "", err
	}
	if raw == nil {
		raw = make(map[string]any)
	}
	raw["home"] = normalized
	return normalized, writeGlobal(raw)
}

// ClearPersistedHome removes home from the global config.
// Returns true if the key was present and removed.
// If the file becomes empty after removal it is deleted.
func ClearPersistedHome() (bool, error) {
	raw, err := readGlobal()
	if err != nil || raw == nil {
		return false, err
	}
	if _, ok := raw["home"]; !ok {
		return false, nil
	}
	delete(raw, "home")

	if len(raw) == 0 {
		cfgPath, err := globalConfigPath()
		if err != nil {
			return false, err
		}
		_ = os.Remove(cfgPath)
		return true, nil
	}
	return true, writeGlobal(raw)
}

// readGlobal returns the parsed global config, or nil when it is missing
// or unparsable.
func readGlobal() (map[string]any, error) {
	cfgPath, err := globalConfigPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(cfgPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, nil
	}
	return raw, nil
}

func writeGlobal(raw map[string]any) error {
	cfgPath, err := globalConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
		return err
	}
	out, err := yaml.Marshal(raw)
	if err != nil {
		return err
	}
	return os.WriteFile(cfgPath, out, 0o600)
}
