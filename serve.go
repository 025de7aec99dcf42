package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ragsync/ragsync/internal/engine"
	"github.com/ragsync/ragsync/internal/supervisor"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync supervisor for all active datasources",
		Long: `Start one detector and engine per active datasource and keep the
downstream indexes in sync until interrupted. Event-capable sources stream
changes; all sources additionally reconcile on their refresh interval.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()

	store, err := openStore(logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	writers := engine.NewLogWriters(logger)
	writers.WriteTimeout = time.Duration(appCfg.WriteTimeoutSeconds) * time.Second
	writers.ApplyWorkers = appCfg.ApplyWorkers

	sup := supervisor.New(store, writers, logger)
	if err := sup.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()

	logger.Info("shutting down")
	sup.Stop()

	return store.Checkpoint()
}
