// Package restorecmd implements the `memlink restore` command.
package restorecmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/go-ports/memlink/cmd/memlink/shared"
	"github.com/go-ports/memlink/internal/apperr"
)

// Command implements `memlink restore`.
type Command struct {
	ctx *shared.Context
	cmd *cobra.Command
}

// New creates the restore command.
func New(ctx *shared.Context) *Command {
	c := &Command{ctx: ctx}
	c.cmd = &cobra.Command{
		Use:   "restore [path]",
		Short: "Replace the session document with a backup (default: the latest)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  c.run,
	}
	return c
}

// Cmd returns the cobra command.
func (c *Command) Cmd() *cobra.Command { return c.cmd }

func (c *Command) run(cmd *cobra.Command, args []string) error {
	st, err := c.ctx.Store()
	if err != nil {
		return err
	}

	var path string
	if len(args) == 1 {
		path = args[0]
	} else {
		if path, err = st.LatestBackup(); err != nil {
			return err
		}
		if path == "" {
			return apperr.Config("restore", errors.New("no backups found")).
				WithHint("create one with `memlink backup`")
		}
	}

	if err := st.Restore(cmd.Context(), path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Restored %s\n", path)
	return nil
}
