// Package initcmd implements the `memlink init` command.
package initcmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/go-ports/memlink/cmd/memlink/shared"
)

// Command implements `memlink init`.
type Command struct {
	ctx *shared.Context
	cmd *cobra.Command
}

// New creates the init command.
func New(ctx *shared.Context) *Command {
	c := &Command{ctx: ctx}
	c.cmd = &cobra.Command{
		Use:   "init",
		Short: "Create the memlink home and session document",
		RunE:  c.run,
	}
	return c
}

// Cmd returns the cobra command.
func (c *Command) Cmd() *cobra.Command { return c.cmd }

func (c *Command) run(cmd *cobra.Command, _ []string) error {
	home, err := c.ctx.EnsureHome()
	if err != nil {
		return err
	}
	st, err := c.ctx.Store()
	if err != nil {
		return err
	}
	existed := st.Exists()
	doc, err := st.Init(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if existed {
		fmt.Fprintf(out, "memlink already initialized at %s\n", home)
	} else {
		fmt.Fprintf(out, "memlink initialized at %s\n", home)
	}
	fmt.Fprintf(out, "Device ID: %s\n", doc.DeviceID)
	return nil
}
