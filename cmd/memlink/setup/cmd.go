// Package setupcmd implements the `memlink setup` command group.
package setupcmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/go-ports/memlink/cmd/memlink/shared"
	"github.com/go-ports/memlink/internal/setup"
)

// Command implements `memlink setup`.
type Command struct {
	ctx *shared.Context
	cmd *cobra.Command
}

// New creates the setup command group.
func New(ctx *shared.Context) *Command {
	c := &Command{ctx: ctx}
	c.cmd = &cobra.Command{
		Use:   "setup",
		Short: "Register the memlink MCP relay with a coding agent",
		RunE:  func(cmd *cobra.Command, _ []string) error { return cmd.Help() },
	}
	for _, agent := range setup.Agents {
		c.cmd.AddCommand(newAgent(ctx, agent))
	}
	return c
}

// Cmd returns the cobra command.
func (c *Command) Cmd() *cobra.Command { return c.cmd }

// ---------------------------------------------------------------------------
// setup <agent>
// ---------------------------------------------------------------------------

func newAgent(ctx *shared.Context, agent setup.Agent) *cobra.Command {
	var (
		configDir string
		project   bool
		remove    bool
		command   string
	)
	cmd := &cobra.Command{
		Use:   string(agent),
		Short: fmt.Sprintf("Register `memlink mcp serve` with %s", agent),
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := setup.Options{ConfigDir: configDir, Command: command}
			if project {
				cwd, err := os.Getwd()
				if err != nil {
					return err
				}
				opts.Project = cwd
			}
			// An explicit --home is passed through to the relay.
			if home, source := ctx.ResolveHome(); source == "flag" {
				opts.MemlinkHome = home
			}

			var (
				res setup.Result
				err error
			)
			if remove {
				res, err = setup.Uninstall(agent, opts)
			} else {
				res, err = setup.Install(agent, opts)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Message)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&configDir, "config-dir", "", "Path to the agent's config directory")
	f.BoolVar(&project, "project", false, "Register in the current project instead of globally")
	f.BoolVar(&remove, "remove", false, "Remove the registration instead")
	f.StringVar(&command, "command", "", "memlink executable to register (default: memlink)")
	return cmd
}
