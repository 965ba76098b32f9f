// Package mcpcmd implements the `memlink mcp` command group.
package mcpcmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/spf13/cobra"

	"github.com/go-ports/memlink/cmd/memlink/shared"
	"github.com/go-ports/memlink/internal/apperr"
	memmcp "github.com/go-ports/memlink/internal/mcp"
)

// Command implements `memlink mcp`.
type Command struct {
	ctx *shared.Context
	cmd *cobra.Command
}

// New creates the mcp command group.
func New(ctx *shared.Context) *Command {
	c := &Command{ctx: ctx}
	c.cmd = &cobra.Command{
		Use:   "mcp",
		Short: "Connect to the remote MCP tool server",
	}
	c.cmd.AddCommand(
		newConnect(ctx),
		newStatus(ctx),
		newTools(ctx),
		newCall(ctx),
		newServe(ctx),
	)
	return c
}

// Cmd returns the cobra command.
func (c *Command) Cmd() *cobra.Command { return c.cmd }

// ---------------------------------------------------------------------------
// mcp connect
// ---------------------------------------------------------------------------

func newConnect(ctx *shared.Context) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect, retrying and failing over as configured",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cl, err := ctx.MCPClient(cmd.Context())
			if err != nil {
				return err
			}
			defer cl.Close()

			if err := cl.Connect(cmd.Context()); err != nil {
				return err
			}
			st := cl.Status()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Connected to %s via %s (attempt %d, %s)\n",
				st.Server, st.Transport, st.Attempt, st.LastLatency)
			if !watch {
				return nil
			}

			fmt.Fprintln(out, "Watching connection health; press Ctrl-C to stop.")
			err = cl.Monitor(cmd.Context())
			if cmd.Context().Err() != nil {
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "Keep the connection open with health checks until interrupted")
	return cmd
}

// ---------------------------------------------------------------------------
// mcp status
// ---------------------------------------------------------------------------

func newStatus(ctx *shared.Context) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Attempt a connection and report its state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cl, err := ctx.MCPClient(cmd.Context())
			if err != nil {
				return err
			}
			defer cl.Close()

			connErr := cl.Connect(cmd.Context())
			if err := shared.Print(cmd.OutOrStdout(), cl.Status(), asJSON); err != nil {
				return err
			}
			return connErr
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of YAML")
	return cmd
}

// ---------------------------------------------------------------------------
// mcp tools
// ---------------------------------------------------------------------------

func newTools(ctx *shared.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the tools offered by the connected server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cl, err := ctx.MCPClient(cmd.Context())
			if err != nil {
				return err
			}
			defer cl.Close()

			if err := cl.Connect(cmd.Context()); err != nil {
				return err
			}
			tools, err := cl.ListTools(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(tools) == 0 {
				fmt.Fprintln(out, "No tools offered.")
				return nil
			}
			for _, t := range tools {
				fmt.Fprintf(out, "%s\t%s\n", t.Name, t.Description)
			}
			return nil
		},
	}
}

// ---------------------------------------------------------------------------
// mcp call
// ---------------------------------------------------------------------------

func newCall(ctx *shared.Context) *cobra.Command {
	var rawArgs string
	cmd := &cobra.Command{
		Use:   "call <tool>",
		Short: "Call a tool on the connected server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var toolArgs map[string]any
			if rawArgs != "" {
				if err := json.Unmarshal([]byte(rawArgs), &toolArgs); err != nil {
					return apperr.Validation("mcp.call", fmt.Errorf("--args must be a JSON object: %w", err))
				}
			}

			cl, err := ctx.MCPClient(cmd.Context())
			if err != nil {
				return err
			}
			defer cl.Close()

			if err := cl.Connect(cmd.Context()); err != nil {
				return err
			}
			res, err := cl.CallTool(cmd.Context(), args[0], toolArgs)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, content := range res.Content {
				if tc, ok := mcp.AsTextContent(content); ok {
					fmt.Fprintln(out, tc.Text)
					continue
				}
				b, err := json.Marshal(content)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(b))
			}
			if res.IsError {
				return apperr.Protocol("mcp.call", errors.New("tool reported an error"))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&rawArgs, "args", "", `Tool arguments as a JSON object, e.g. '{"query":"lock"}'`)
	return cmd
}

// ---------------------------------------------------------------------------
// mcp serve
// ---------------------------------------------------------------------------

func newServe(ctx *shared.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the remote tools to a local agent over stdio",
		Long: "Run a local MCP server on stdin/stdout that relays every tool of the remote server, " +
			"keeping the remote connection healthy and reconnecting as configured.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cl, err := ctx.MCPClient(cmd.Context())
			if err != nil {
				return err
			}
			defer cl.Close()
			return memmcp.Serve(cmd.Context(), cl, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}
