// Package rootcmd wires the root cobra.Command for the memlink CLI binary.
package rootcmd

import (
	"github.com/spf13/cobra"

	authcmd "github.com/go-ports/memlink/cmd/memlink/auth"
	backupcmd "github.com/go-ports/memlink/cmd/memlink/backup"
	configcmd "github.com/go-ports/memlink/cmd/memlink/config"
	initcmd "github.com/go-ports/memlink/cmd/memlink/init"
	mcpcmd "github.com/go-ports/memlink/cmd/memlink/mcp"
	resetcmd "github.com/go-ports/memlink/cmd/memlink/reset"
	restorecmd "github.com/go-ports/memlink/cmd/memlink/restore"
	searchcmd "github.com/go-ports/memlink/cmd/memlink/search"
	setupcmd "github.com/go-ports/memlink/cmd/memlink/setup"
	"github.com/go-ports/memlink/cmd/memlink/shared"
	"github.com/go-ports/memlink/internal/buildinfo"
)

// New creates and returns the root cobra.Command for the memlink CLI.
func New() *cobra.Command {
	ctx := &shared.Context{}

	root := &cobra.Command{
		Use:           "memlink",
		Short:         "memlink: session, credentials and MCP connection for the remote memory service",
		Version:       buildinfo.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return ctx.SetupLogger(cmd.ErrOrStderr())
		},
		PersistentPostRun: func(*cobra.Command, []string) { ctx.Wait() },
		RunE:              func(cmd *cobra.Command, _ []string) error { return cmd.Help() },
	}

	f := root.PersistentFlags()
	f.StringVar(&ctx.Home, "home", "",
		"Override memlink home directory (default: $MEMLINK_HOME env → persisted config → ~/.memlink)")
	f.StringVar(&ctx.LogLevel, "log-level", "warn", "Log level: trace, debug, info, warn, error")

	root.AddCommand(
		initcmd.New(ctx).Cmd(),
		authcmd.New(ctx).Cmd(),
		mcpcmd.New(ctx).Cmd(),
		configcmd.New(ctx).Cmd(),
		searchcmd.New(ctx).Cmd(),
		resetcmd.New(ctx).Cmd(),
		backupcmd.New(ctx).Cmd(),
		restorecmd.New(ctx).Cmd(),
		setupcmd.New(ctx).Cmd(),
	)

	return root
}
