package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run returns the process exit code so deferred cleanup always runs.
func run(args []string) int {
	cfg, err := parseConfig(args)
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "honeyshell:", err)
		return 2
	}

	logs, err := newLoggers(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "honeyshell: logger:", err)
		return 1
	}
	defer logs.sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runServer(ctx, cfg, logs); err != nil {
		logs.app.Error("server stopped", zap.Error(err))
		return 1
	}
	logs.app.Info("shutting down")
	return 0
}
