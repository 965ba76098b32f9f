// Package backupcmd implements the `memlink backup` command.
package backupcmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/go-ports/memlink/cmd/memlink/shared"
)

// Command implements `memlink backup`.
type Command struct {
	ctx *shared.Context
	cmd *cobra.Command

	list bool
}

// New creates the backup command.
func New(ctx *shared.Context) *Command {
	c := &Command{ctx: ctx}
	c.cmd = &cobra.Command{
		Use:   "backup",
		Short: "Snapshot the session document",
		RunE:  c.run,
	}
	c.cmd.Flags().BoolVar(&c.list, "list", false, "List existing backups instead of creating one")
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

	if c.list {
		paths, err := st.Backups()
		if err != nil {
			return err
		}
		if len(paths) == 0 {
			fmt.Fprintln(out, "No backups found.")
			return nil
		}
		for _, p := range paths {
			fmt.Fprintln(out, p)
		}
		return nil
	}

	path, err := st.Backup(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Backed up to %s\n", path)
	return nil
}
