// Package resetcmd implements the `memlink reset` command.
package resetcmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/go-ports/memlink/cmd/memlink/shared"
)

// Command implements `memlink reset`.
type Command struct {
	ctx *shared.Context
	cmd *cobra.Command

	noBackup bool
}

// New creates the reset command.
func New(ctx *shared.Context) *Command {
	c := &Command{ctx: ctx}
	c.cmd = &cobra.Command{
		Use:   "reset",
		Short: "Clear the credential, counters and discovered services, keeping the device ID",
		RunE:  c.run,
	}
	c.cmd.Flags().BoolVar(&c.noBackup, "no-backup", false, "Do not back up the session document first")
	return c
}

// Cmd returns the cobra command.
func (c *Command) Cmd() *cobra.Command { return c.cmd }

func (c *Command) run(cmd *cobra.Command, _ []string) error {
	st, err := c.ctx.Store()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if !c.noBackup && st.Exists() {
		path, err := st.Backup(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Backed up to %s\n", path)
	}
	if err := st.Reset(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintln(out, "Session reset.")
	return nil
}
