package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tidesync/tidesync/internal/config"
	"github.com/tidesync/tidesync/internal/engine"
	"github.com/tidesync/tidesync/internal/webhook"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	ConfigFile string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync engine until interrupted",
		Long: `Open the state store, start the worker pool and the cron scheduler, and
run until SIGINT/SIGTERM. Scheduled sync configs trigger on their cron
expressions; manual triggers (tidesync run) work against the same store
from another process only when this one is stopped, the store has a single
writer.

Example:
  tidesync serve --db ./tidesync.db
  tidesync serve --config /etc/tidesync/tidesync.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ConfigFile, "config", "", "path to tidesync.yaml (default: search working directory)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	settings, err := config.Load(opts.ConfigFile)
	if err != nil {
		return WrapExitError(ExitCommandError, "load configuration", err)
	}
	// An explicit --db wins over the config file.
	if !cmd.Flags().Changed("db") && settings.DatabasePath != "" {
		opts.Database = settings.DatabasePath
	}

	st, err := openStore(opts.RootOptions, false)
	if err != nil {
		return err
	}
	defer closeStore(st)

	engOpts := []engine.Option{
		engine.WithPoolSize(settings.PoolSize),
		engine.WithPageQuota(settings.PageQuota),
		engine.WithSchemaTTL(settings.SchemaTTL),
		engine.WithMaxJobErrors(settings.MaxJobErrors),
	}
	var notifier *webhook.Notifier
	if settings.WebhookURL != "" {
		notifier = webhook.New(settings.WebhookURL, webhook.WithTimeout(settings.WebhookTimeout))
		engOpts = append(engOpts, engine.WithNotifier(notifier))
	}
	eng := engine.New(st, engOpts...)

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	// Jobs a previous process left behind stay resumable; say so up front.
	if _, err := eng.RecoverInterrupted(ctx); err != nil {
		return WrapExitError(ExitFailure, "scan for interrupted jobs", err)
	}

	eng.Start(ctx)

	scheduler, err := engine.NewScheduler(ctx, eng, slog.Default())
	if err != nil {
		return WrapExitError(ExitFailure, "register schedules", err)
	}
	scheduler.Start()

	slog.Info("tidesync serving", "db", opts.Database, "pool_size", settings.PoolSize)
	fmt.Fprintln(cmd.OutOrStdout(), "Engine started. Press Ctrl-C to stop.")

	<-ctx.Done()
	scheduler.Stop()
	eng.Wait()
	if notifier != nil {
		notifier.Flush()
	}
	slog.Info("engine stopped")
	return nil
}
