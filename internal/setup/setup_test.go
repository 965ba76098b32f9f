package setup_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/go-ports/memlink/internal/apperr"
	"github.com/go-ports/memlink/internal/checkers"
	"github.com/go-ports/memlink/internal/setup"
)

func readFile(c *qt.C, path string) string {
	c.TB.Helper()
	data, err := os.ReadFile(path)
	c.Assert(err, qt.IsNil)
	return string(data)
}

// ---------------------------------------------------------------------------
// Claude Code / Cursor
// ---------------------------------------------------------------------------

func TestInstallJSON_HappyPath(t *testing.T) {
	c := qt.New(t)

	c.Run("first install writes the relay entry", func(c *qt.C) {
		home := c.TB.TempDir()
		res, err := setup.Install(setup.ClaudeCode, setup.Options{UserHome: home})
		c.Assert(err, qt.IsNil)
		c.Assert(res.Changed, qt.IsTrue)
		c.Assert(res.Path, qt.Equals, filepath.Join(home, ".claude.json"))

		data := readFile(c, res.Path)
		c.Assert(data, checkers.JSONPathEquals("$.mcpServers.memlink.command"), "memlink")
		c.Assert(data, checkers.JSONPathEquals("$.mcpServers.memlink.type"), "stdio")
		c.Assert(data, checkers.JSONPathEquals("$.mcpServers.memlink.args"), []string{"mcp", "serve"})
	})

	c.Run("second install is idempotent", func(c *qt.C) {
		home := c.TB.TempDir()
		opts := setup.Options{UserHome: home}
		_, err := setup.Install(setup.Cursor, opts)
		c.Assert(err, qt.IsNil)

		res, err := setup.Install(setup.Cursor, opts)
		c.Assert(err, qt.IsNil)
		c.Assert(res.Changed, qt.IsFalse)
		c.Assert(res.Message, qt.Equals, "Already installed")
	})

	c.Run("a changed home rewrites the entry", func(c *qt.C) {
		home := c.TB.TempDir()
		_, err := setup.Install(setup.Cursor, setup.Options{UserHome: home})
		c.Assert(err, qt.IsNil)

		res, err := setup.Install(setup.Cursor, setup.Options{UserHome: home, MemlinkHome: "/data/memlink"})
		c.Assert(err, qt.IsNil)
		c.Assert(res.Changed, qt.IsTrue)
		c.Assert(readFile(c, res.Path), checkers.JSONPathEquals("$.mcpServers.memlink.args"),
			[]string{"--home", "/data/memlink", "mcp", "serve"})
	})

	c.Run("other servers and keys are preserved", func(c *qt.C) {
		project := c.TB.TempDir()
		path := filepath.Join(project, ".mcp.json")
		c.Assert(os.WriteFile(path, []byte(`{"mcpServers":{"other":{"command":"x"}},"theme":"dark"}`), 0o600), qt.IsNil)

		_, err := setup.Install(setup.ClaudeCode, setup.Options{Project: project})
		c.Assert(err, qt.IsNil)
		data := readFile(c, path)
		c.Assert(data, checkers.JSONPathEquals("$.mcpServers.other.command"), "x")
		c.Assert(data, checkers.JSONPathEquals("$.theme"), "dark")
		c.Assert(data, checkers.JSONPathEquals("$.mcpServers.memlink.command"), "memlink")
	})

	c.Run("uninstall removes the entry and an emptied file", func(c *qt.C) {
		home := c.TB.TempDir()
		res, err := setup.Install(setup.ClaudeCode, setup.Options{UserHome: home})
		c.Assert(err, qt.IsNil)

		res, err = setup.Uninstall(setup.ClaudeCode, setup.Options{UserHome: home})
		c.Assert(err, qt.IsNil)
		c.Assert(res.Changed, qt.IsTrue)
		_, statErr := os.Stat(res.Path)
		c.Assert(os.IsNotExist(statErr), qt.IsTrue)

		res, err = setup.Uninstall(setup.ClaudeCode, setup.Options{UserHome: home})
		c.Assert(err, qt.IsNil)
		c.Assert(res.Message, qt.Equals, "Nothing to remove")
	})
}

func TestInstallJSON_FailurePath(t *testing.T) {
	c := qt.New(t)

	c.Run("malformed config is not overwritten", func(c *qt.C) {
		home := c.TB.TempDir()
		path := filepath.Join(home, ".claude.json")
		c.Assert(os.WriteFile(path, []byte("{not json"), 0o600), qt.IsNil)

		_, err := setup.Install(setup.ClaudeCode, setup.Options{UserHome: home})
		c.Assert(apperr.KindOf(err), qt.Equals, apperr.KindConfig)
		c.Assert(readFile(c, path), qt.Equals, "{not json")
	})

	c.Run("unknown agent", func(c *qt.C) {
		_, err := setup.ParseAgent("vim")
		c.Assert(apperr.KindOf(err), qt.Equals, apperr.KindValidation)
		c.Assert(apperr.HintOf(err), qt.Contains, "claude-code")
	})
}

// ---------------------------------------------------------------------------
// OpenCode
// ---------------------------------------------------------------------------

func TestInstallOpenCode_HappyPath(t *testing.T) {
	c := qt.New(t)

	project := c.TB.TempDir()
	res, err := setup.Install(setup.OpenCode, setup.Options{Project: project, Command: "/usr/local/bin/memlink"})
	c.Assert(err, qt.IsNil)
	c.Assert(res.Path, qt.Equals, filepath.Join(project, "opencode.json"))

	data := readFile(c, res.Path)
	c.Assert(data, checkers.JSONPathEquals("$.mcp.memlink.type"), "local")
	c.Assert(data, checkers.JSONPathEquals("$.mcp.memlink.command"),
		[]string{"/usr/local/bin/memlink", "mcp", "serve"})
}

// ---------------------------------------------------------------------------
// Codex
// ---------------------------------------------------------------------------

func TestInstallCodex_HappyPath(t *testing.T) {
	c := qt.New(t)

	dir := c.TB.TempDir()
	path := filepath.Join(dir, "config.toml")
	c.Assert(os.WriteFile(path, []byte("model = \"o4\"\n\n[mcp_servers.other]\ncommand = \"x\"\n"), 0o600), qt.IsNil)
	opts := setup.Options{ConfigDir: dir}

	res, err := setup.Install(setup.Codex, opts)
	c.Assert(err, qt.IsNil)
	c.Assert(res.Changed, qt.IsTrue)
	content := readFile(c, path)
	c.Assert(content, qt.Contains, "[mcp_servers.memlink]\ncommand = \"memlink\"\nargs = [\"mcp\", \"serve\"]\n")
	c.Assert(content, qt.Contains, "[mcp_servers.other]")

	res, err = setup.Install(setup.Codex, opts)
	c.Assert(err, qt.IsNil)
	c.Assert(res.Changed, qt.IsFalse)

	res, err = setup.Install(setup.Codex, setup.Options{ConfigDir: dir, MemlinkHome: "/srv/ml"})
	c.Assert(err, qt.IsNil)
	c.Assert(res.Changed, qt.IsTrue)
	content = readFile(c, path)
	c.Assert(strings.Count(content, "[mcp_servers.memlink]"), qt.Equals, 1)
	c.Assert(content, qt.Contains, `args = ["--home", "/srv/ml", "mcp", "serve"]`)

	res, err = setup.Uninstall(setup.Codex, opts)
	c.Assert(err, qt.IsNil)
	c.Assert(res.Changed, qt.IsTrue)
	content = readFile(c, path)
	c.Assert(content, qt.Not(qt.Contains), "mcp_servers.memlink")
	c.Assert(content, qt.Contains, "model = \"o4\"")
	c.Assert(content, qt.Contains, "[mcp_servers.other]\ncommand = \"x\"")
}

func TestInstallCodex_FailurePath(t *testing.T) {
	c := qt.New(t)

	_, err := setup.Install(setup.Codex, setup.Options{Project: c.TB.TempDir()})
	c.Assert(apperr.KindOf(err), qt.Equals, apperr.KindValidation)

	res, err := setup.Uninstall(setup.Codex, setup.Options{ConfigDir: c.TB.TempDir()})
	c.Assert(err, qt.IsNil)
	c.Assert(res.Changed, qt.IsFalse)
}
