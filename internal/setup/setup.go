// Package setup registers the memlink MCP relay (`memlink mcp serve`) with
// supported coding agents (Claude Code, Cursor, Codex, OpenCode) and removes
// it again.
package setup

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-ports/memlink/internal/apperr"
)

// ServerName is the key the relay is registered under in agent configs.
const ServerName = "memlink"

// Agent names a supported coding agent.
type Agent string

const (
	ClaudeCode Agent = "claude-code"
	Cursor     Agent = "cursor"
	Codex      Agent = "codex"
	OpenCode   Agent = "opencode"
)

// Agents lists every supported agent.
var Agents = []Agent{ClaudeCode, Cursor, Codex, OpenCode}

// Options locates the agent config and shapes the registered entry.
type Options struct {
	// UserHome replaces os.UserHomeDir.
	UserHome string
	// ConfigDir overrides the agent's config directory (.claude, .cursor,
	// .codex or the opencode config dir).
	ConfigDir string
	// Project, when set, is a project directory to register in instead of
	// the user-wide config.
	Project string
	// Command is the memlink executable; default "memlink".
	Command string
	// MemlinkHome is passed to the relay as --home when set.
	MemlinkHome string
}

// Result reports what Install or Uninstall did.
type Result struct {
	Agent   Agent  `json:"agent" yaml:"agent"`
	Path    string `json:"path" yaml:"path"`
	Changed bool   `json:"changed" yaml:"changed"`
	Message string `json:"message" yaml:"message"`
}

// ParseAgent accepts an agent name.
func ParseAgent(s string) (Agent, error) {
	for _, a := range Agents {
		if string(a) == strings.ToLower(strings.TrimSpace(s)) {
			return a, nil
		}
	}
	names := make([]string, len(Agents))
	for i, a := range Agents {
		names[i] = string(a)
	}
	return "", apperr.Validation("setup", fmt.Errorf("unknown agent %q", s)).
		WithHint("supported agents: " + strings.Join(names, ", "))
}

// Install registers the relay with agent. Re-running it is a no-op unless
// the entry changed, in which case it is rewritten.
func Install(agent Agent, opts Options) (Result, error) {
	path, err := configPath(agent, opts)
	if err != nil {
		return Result{}, err
	}
	res := Result{Agent: agent, Path: path}

	if agent == Codex {
		res.Changed, err = installTOML(path, opts)
	} else {
		res.Changed, err = installJSON(path, jsonSection(agent), entry(agent, opts))
	}
	if err != nil {
		return res, err
	}
	if res.Changed {
		res.Message = fmt.Sprintf("Registered %s MCP server in %s", ServerName, path)
	} else {
		res.Message = "Already installed"
	}
	return res, nil
}

// Uninstall removes the relay entry, deleting a JSON config file that ends
// up empty.
func Uninstall(agent Agent, opts Options) (Result, error) {
	path, err := configPath(agent, opts)
	if err != nil {
		return Result{}, err
	}
	res := Result{Agent: agent, Path: path}

	if agent == Codex {
		res.Changed, err = removeTOML(path)
	} else {
		res.Changed, err = uninstallJSON(path, jsonSection(agent))
	}
	if err != nil {
		return res, err
	}
	if res.Changed {
		res.Message = fmt.Sprintf("Removed %s MCP server from %s", ServerName, path)
	} else {
		res.Message = "Nothing to remove"
	}
	return res, nil
}

// ---------------------------------------------------------------------------
// Paths and entries
// ---------------------------------------------------------------------------

func configPath(agent Agent, opts Options) (string, error) {
	home := opts.UserHome
	if home == "" {
		h, err := os.UserHomeDir()
		if err != nil {
			return "", apperr.Config("setup", err)
		}
		home = h
	}
	dir := func(def string) string {
		if opts.ConfigDir != "" {
			return opts.ConfigDir
		}
		return def
	}

	switch agent {
	case ClaudeCode:
		if opts.Project != "" {
			return filepath.Join(opts.Project, ".mcp.json"), nil
		}
		if opts.ConfigDir != "" {
			return filepath.Join(opts.ConfigDir, ".claude.json"), nil
		}
		return filepath.Join(home, ".claude.json"), nil
	case Cursor:
		if opts.Project != "" {
			return filepath.Join(opts.Project, ".cursor", "mcp.json"), nil
		}
		return filepath.Join(dir(filepath.Join(home, ".cursor")), "mcp.json"), nil
	case Codex:
		if opts.Project != "" {
			return "", apperr.Validation("setup", errors.New("codex has no project-scoped MCP config"))
		}
		return filepath.Join(dir(filepath.Join(home, ".codex")), "config.toml"), nil
	case OpenCode:
		if opts.Project != "" {
			return filepath.Join(opts.Project, "opencode.json"), nil
		}
		return filepath.Join(dir(filepath.Join(home, ".config", "opencode")), "opencode.json"), nil
	default:
		_, err := ParseAgent(string(agent))
		return "", err
	}
}

func jsonSection(agent Agent) string {
	if agent == OpenCode {
		return "mcp"
	}
	return "mcpServers"
}

func relayArgs(opts Options) []any {
	var args []any
	if opts.MemlinkHome != "" {
		args = append(args, "--home", opts.MemlinkHome)
	}
	return append(args, "mcp", "serve")
}

func command(opts Options) string {
	if opts.Command != "" {
		return opts.Command
	}
	return "memlink"
}

func entry(agent Agent, opts Options) map[string]any {
	if agent == OpenCode {
		return map[string]any{
			"type":    "local",
			"command": append([]any{command(opts)}, relayArgs(opts)...),
		}
	}
	return map[string]any{
		"type":    "stdio",
		"command": command(opts),
		"args":    relayArgs(opts),
	}
}

// ---------------------------------------------------------------------------
// JSON configs (Claude Code, Cursor, OpenCode)
// ---------------------------------------------------------------------------

// readJSON returns the config object, or an empty one when the file does
// not exist. A file that is not a JSON object is left alone.
func readJSON(path string) (map[string]any, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- agent config path
	if os.IsNotExist(err) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, apperr.Config("setup", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil || m == nil {
		return nil, apperr.Config("setup", fmt.Errorf("%s is not a JSON object: %w", path, err)).
			WithHint("fix the file by hand, then run setup again")
	}
	return m, nil
}

func writeJSON(path string, data map[string]any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return apperr.Config("setup", err)
	}
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if err := os.WriteFile(path, b, 0o644); err != nil { // #nosec G306 -- agent config files (MCP server entries) do not contain secrets
		return apperr.Config("setup", err)
	}
	return nil
}

func sameJSON(a, b any) bool {
	x, errX := json.Marshal(a)
	y, errY := json.Marshal(b)
	return errX == nil && errY == nil && bytes.Equal(x, y)
}

func installJSON(path, section string, want map[string]any) (bool, error) {
	data, err := readJSON(path)
	if err != nil {
		return false, err
	}
	servers, _ := data[section].(map[string]any)
	if servers == nil {
		servers = make(map[string]any)
		data[section] = servers
	}
	if sameJSON(servers[ServerName], want) {
		return false, nil
	}
	servers[ServerName] = want
	return true, writeJSON(path, data)
}

func uninstallJSON(path, section string) (bool, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return false, nil
	}
	data, err := readJSON(path)
	if err != nil {
		return false, err
	}
	servers, _ := data[section].(map[string]any)
	if _, exists := servers[ServerName]; !exists {
		return false, nil
	}
	delete(servers, ServerName)
	if len(servers) == 0 {
		delete(data, section)
	}
	if len(data) == 0 {
		return true, os.Remove(path)
	}
	return true, writeJSON(path, data)
}

// ---------------------------------------------------------------------------
// TOML config (Codex). Text based; only the [mcp_servers.memlink] table is
// touched.
// ---------------------------------------------------------------------------

const tomlHeader = "[mcp_servers." + ServerName + "]"

func tomlSection(opts Options) string {
	args := relayArgs(opts)
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = strconv.Quote(a.(string))
	}
	return fmt.Sprintf("\n%s\ncommand = %s\nargs = [%s]\n",
		tomlHeader, strconv.Quote(command(opts)), strings.Join(quoted, ", "))
}

// splitTOML returns the file without the memlink table, and the table.
func splitTOML(content string) (rest, section string) {
	lines := strings.Split(content, "\n")
	var kept, table []string
	in := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == tomlHeader {
			in = true
		} else if in && strings.HasPrefix(trimmed, "[") {
			in = false
		}
		if in {
			table = append(table, line)
		} else {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n"), strings.Join(table, "\n")
}

func installTOML(path string, opts Options) (bool, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- agent config path
	if err != nil && !os.IsNotExist(err) {
		return false, apperr.Config("setup", err)
	}
	want := tomlSection(opts)
	rest, current := splitTOML(string(data))
	if strings.TrimSpace(current) == strings.TrimSpace(want) {
		return false, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, apperr.Config("setup", err)
	}
	content := strings.TrimRight(rest, "\n")
	if content != "" {
		content += "\n"
	}
	content += want
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil { // #nosec G306 -- agent TOML config is not a sensitive credential file
		return false, apperr.Config("setup", err)
	}
	return true, nil
}

func removeTOML(path string) (bool, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- agent config path
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, apperr.Config("setup", err)
	}
	rest, current := splitTOML(string(data))
	if current == "" {
		return false, nil
	}
	cleaned := strings.TrimRight(rest, "\n") + "\n"
	if err := os.WriteFile(path, []byte(cleaned), 0o644); err != nil { // #nosec G306 -- agent TOML config is not a sensitive credential file
		return false, apperr.Config("setup", err)
	}
	return true, nil
}
