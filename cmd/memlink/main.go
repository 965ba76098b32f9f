package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	rootcmd "github.com/go-ports/memlink/cmd/memlink/root"
	"github.com/go-ports/memlink/internal/apperr"
	"github.com/go-ports/memlink/internal/redaction"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", redaction.Redact(err.Error()))
		if hint := apperr.HintOf(err); hint != "" {
			fmt.Fprintln(os.Stderr, "Hint:", redaction.Redact(hint))
		}
		os.Exit(apperr.KindOf(err).ExitCode())
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return rootcmd.New().ExecuteContext(ctx)
}
