package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/authgraph/rebac/server"
)

func run(ctx context.Context, log *slog.Logger) error {
	undo, err := maxprocs.Set(maxprocs.Logger(func(format string, a ...any) {
		log.Info(fmt.Sprintf(format, a...))
	}))
	defer undo()
	if err != nil {
		return fmt.Errorf("setting GOMAXPROCS: %w", err)
	}

	rootCmd := &cobra.Command{
		Use:   "rebac action [flags]",
		Short: "Relationship-based authorization engine",
	}
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	rootCmd.AddCommand(server.NewServerCmd(log.WithGroup("server")))
	rootCmd.AddCommand(server.NewMigrateCmd(log.WithGroup("migrate")))

	return rootCmd.ExecuteContext(ctx)
}

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	// SIGINT/SIGTERM cancel the command context, which drives the server's
	// graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, log); err != nil {
		log.Error("command failed", slog.Any("error", err))
		os.Exit(1)
	}
}
