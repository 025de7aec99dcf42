package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show sync status for every datasource",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, _ []string) error {
	store, err := openStore(buildLogger())
	if err != nil {
		return err
	}
	defer store.Close()

	configs, err := store.ListConfigs(cmd.Context())
	if err != nil {
		return fmt.Errorf("listing datasources: %w", err)
	}

	if flagJSON {
		return printJSON(configsToViews(configs))
	}

	if len(configs) == 0 {
		fmt.Println("No datasources configured. Run 'ragsync source add' to register one.")
		return nil
	}

	for _, cfg := range configs {
		lastSync := "never"
		if cfg.LastSyncCompletedAt != nil {
			lastSync = time.Unix(0, *cfg.LastSyncCompletedAt).Format(time.RFC3339)
		}

		fmt.Printf("%-36s  %-12s  %-8s  last sync %s\n",
			cfg.ConfigID, cfg.SourceType, cfg.SyncStatus, lastSync)

		if cfg.LastError != "" {
			fmt.Printf("%38slast error: %s\n", "", cfg.LastError)
		}
	}

	return nil
}
