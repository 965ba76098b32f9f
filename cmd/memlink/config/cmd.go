// Package configcmd implements the `memlink config` command group.
package configcmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/go-ports/memlink/cmd/memlink/shared"
	"github.com/go-ports/memlink/internal/config"
	"github.com/go-ports/memlink/internal/discovery"
)

const configTemplate = `# memlink configuration
# Every key is optional; missing keys take the defaults shown.

discovery:
  url: https://api.memlink.dev/.well-known/memlink.json
  ttl: 1h
  timeout: 10s

auth:
  verify: true                  # confirm credentials with the auth server before storing
  refresh_buffer: 5m            # refresh OAuth tokens this long before expiry
  oauth_client_id: memlink-cli

vendor_key:
  min_public_length: 1
  min_secret_length: 1

mcp:
  servers: []                   # empty: use the discovered endpoints
  # servers:
  #   - name: primary
  #     websocket_url: wss://mcp.example.com/ws
  #     sse_url: https://mcp.example.com/sse
  #   - name: backup
  #     http_url: https://mcp-backup.example.com/mcp
  transports: [websocket, sse, http, stdio]
  stdio_command: ""             # e.g. "memlink-mcp --stdio"
  connect_timeout: 15s
  retry:
    initial_delay: 1s
    multiplier: 2
    max_delay: 30s
    max_attempts: 5
  health:
    interval: 30s
    timeout: 5s

lock:
  timeout: 5s
  attempts: 3
  stale_after: 10m
`

// Command implements `memlink config`.
type Command struct {
	ctx *shared.Context
	cmd *cobra.Command
}

// New creates the config command group.
func New(ctx *shared.Context) *Command {
	c := &Command{ctx: ctx}
	c.cmd = &cobra.Command{
		Use:   "config",
		Short: "Show or manage configuration",
		RunE:  c.runShow,
	}
	c.cmd.AddCommand(
		newConfigInit(ctx),
		newSetHome(ctx),
		newClearHome(ctx),
		newServices(ctx),
		newSetService(ctx),
	)
	return c
}

// Cmd returns the cobra command.
func (c *Command) Cmd() *cobra.Command { return c.cmd }

func (c *Command) runShow(cmd *cobra.Command, _ []string) error {
	home, source := c.ctx.ResolveHome()
	prefs, err := c.ctx.Preferences()
	if err != nil {
		return err
	}
	data := map[string]any{
		"home":        home,
		"home_source": source,
		"preferences": prefs,
	}
	return shared.Print(cmd.OutOrStdout(), data, false)
}

// ---------------------------------------------------------------------------
// config init
// ---------------------------------------------------------------------------

func newConfigInit(ctx *shared.Context) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a starter config.yaml",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfgPath := ctx.ConfigPath()
			out := cmd.OutOrStdout()
			if _, err := os.Stat(cfgPath); err == nil && !force {
				fmt.Fprintf(out, "Config already exists at %s\n", cfgPath)
				fmt.Fprintln(out, "Use --force to overwrite.")
				return nil
			}
			if _, err := ctx.EnsureHome(); err != nil {
				return err
			}
			if err := os.WriteFile(cfgPath, []byte(configTemplate), 0o600); err != nil {
				return err
			}
			fmt.Fprintf(out, "Created %s\n", cfgPath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing config")
	return cmd
}

// ---------------------------------------------------------------------------
// config set-home
// ---------------------------------------------------------------------------

func newSetHome(_ *shared.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "set-home <path>",
		Short: "Persist memlink home location (used when MEMLINK_HOME is unset)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resolved, err := config.SetPersistedHome(args[0])
			if err != nil {
				return err
			}
			if err := os.MkdirAll(resolved, 0o700); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Persisted memlink home: %s\n", resolved)
			fmt.Fprintf(out, "Override anytime with %s.\n", config.HomeEnv)
			return nil
		},
	}
}

// ---------------------------------------------------------------------------
// config clear-home
// ---------------------------------------------------------------------------

func newClearHome(_ *shared.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-home",
		Short: "Remove persisted memlink home location from global config",
		RunE: func(cmd *cobra.Command, _ []string) error {
			changed, err := config.ClearPersistedHome()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if changed {
				fmt.Fprintln(out, "Cleared persisted memlink home setting.")
			} else {
				fmt.Fprintln(out, "No persisted memlink home setting was found.")
			}
			return nil
		},
	}
}

// ---------------------------------------------------------------------------
// config services
// ---------------------------------------------------------------------------

type servicesView struct {
	Source       string            `yaml:"source" json:"source"`
	Warning      string            `yaml:"warning,omitempty" json:"warning,omitempty"`
	DiscoveryURL string            `yaml:"discovery_url" json:"discoveryUrl"`
	Services     map[string]string `yaml:"services" json:"services"`
}

func newServices(ctx *shared.Context) *cobra.Command {
	var (
		refresh bool
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "services",
		Short: "Show the discovered service endpoints",
		RunE: func(cmd *cobra.Command, _ []string) error {
			disc, err := ctx.Discovery()
			if err != nil {
				return err
			}
			res, err := disc.Discover(cmd.Context(), refresh)
			if err != nil {
				return err
			}
			view := servicesView{
				Source:       string(res.Source),
				Warning:      res.Warning,
				DiscoveryURL: disc.URL(),
				Services:     res.Manifest,
			}
			return shared.Print(cmd.OutOrStdout(), view, asJSON)
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "Ignore the cache and fetch the manifest now")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of YAML")
	return cmd
}

// ---------------------------------------------------------------------------
// config set-service
// ---------------------------------------------------------------------------

func newSetService(ctx *shared.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "set-service <key> <url>",
		Short: "Override one service endpoint in the session document",
		Long: "Override one service endpoint. Known keys: " + fmt.Sprint(discovery.RequiredKeys) +
			". The override lasts until the next successful discovery returns that key.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := ctx.EnsureHome(); err != nil {
				return err
			}
			disc, err := ctx.Discovery()
			if err != nil {
				return err
			}
			if err := disc.Override(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", args[0], args[1])
			return nil
		},
	}
}
