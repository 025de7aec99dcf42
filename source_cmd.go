package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ragsync/ragsync/internal/state"
)

// Flags for "source add".
var (
	flagSourceType   string
	flagSourceName   string
	flagProjectID    string
	flagParams       string
	flagParamsFile   string
	flagInterval     int
	flagChangeStream bool
	flagSkipGraph    bool
	flagInactive     bool
)

func newSourceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "source",
		Short: "Manage datasource configurations",
	}

	cmd.AddCommand(newSourceAddCmd())
	cmd.AddCommand(newSourceListCmd())
	cmd.AddCommand(newSourceShowCmd())
	cmd.AddCommand(newSourceEnableCmd())
	cmd.AddCommand(newSourceDisableCmd())
	cmd.AddCommand(newSourceRemoveCmd())

	return cmd
}

func newSourceAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a new datasource",
		Long: `Register a datasource for monitoring. Connection parameters are a JSON
bag interpreted by the source type's detector, e.g. for filesystem:

  ragsync source add --type filesystem --name docs --params '{"paths": ["/srv/docs"]}'`,
		Args: cobra.NoArgs,
		RunE: runSourceAdd,
	}

	cmd.Flags().StringVar(&flagSourceType, "type", "", "source type (filesystem, s3, azure_blob, gcs, google_drive, alfresco, box, msgraph)")
	cmd.Flags().StringVar(&flagSourceName, "name", "", "human-readable source label")
	cmd.Flags().StringVar(&flagProjectID, "project", "default", "project/tenant tag")
	cmd.Flags().StringVar(&flagParams, "params", "", "connection parameters as inline JSON")
	cmd.Flags().StringVar(&flagParamsFile, "params-file", "", "connection parameters read from a JSON file")
	cmd.Flags().IntVar(&flagInterval, "interval", 300, "reconciliation interval in seconds")
	cmd.Flags().BoolVar(&flagChangeStream, "change-stream", true, "attempt event-driven mode when the source supports it")
	cmd.Flags().BoolVar(&flagSkipGraph, "skip-graph", false, "bypass the knowledge-graph writer for this source")
	cmd.Flags().BoolVar(&flagInactive, "inactive", false, "register without starting to monitor")

	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func runSourceAdd(cmd *cobra.Command, _ []string) error {
	params, err := resolveParams()
	if err != nil {
		return err
	}

	if flagInterval < 1 {
		return fmt.Errorf("interval must be >= 1 second")
	}

	logger := buildLogger()

	store, err := openStore(logger)
	if err != nil {
		return err
	}
	defer store.Close()

	cfg := &state.DatasourceConfig{
		ConfigID:               uuid.NewString(),
		ProjectID:              flagProjectID,
		SourceType:             state.SourceType(flagSourceType),
		SourceName:             flagSourceName,
		ConnectionParams:       params,
		RefreshIntervalSeconds: flagInterval,
		EnableChangeStream:     flagChangeStream,
		SkipGraph:              flagSkipGraph,
		IsActive:               !flagInactive,
		SyncStatus:             state.StatusIdle,
	}

	if err := validateSourceType(cfg.SourceType); err != nil {
		return err
	}

	id, err := store.UpsertConfig(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("saving datasource: %w", err)
	}

	fmt.Println(id)

	return nil
}

// resolveParams returns the connection params JSON from --params or
// --params-file, validating that it parses.
func resolveParams() (string, error) {
	if flagParams != "" && flagParamsFile != "" {
		return "", fmt.Errorf("--params and --params-file are mutually exclusive")
	}

	raw := flagParams

	if flagParamsFile != "" {
		data, err := os.ReadFile(flagParamsFile)
		if err != nil {
			return "", fmt.Errorf("reading params file: %w", err)
		}

		raw = string(data)
	}

	if raw == "" {
		raw = "{}"
	}

	var probe map[string]any
	if err := json.Unmarshal([]byte(raw), &probe); err != nil {
		return "", fmt.Errorf("connection params must be a JSON object: %w", err)
	}

	return raw, nil
}

// validateSourceType rejects unknown source types at registration time
// instead of at first engine start.
func validateSourceType(st state.SourceType) error {
	switch st {
	case state.SourceFilesystem, state.SourceS3, state.SourceAzureBlob, state.SourceGCS,
		state.SourceGoogleDrive, state.SourceAlfresco, state.SourceBox, state.SourceMSGraph:
		return nil
	default:
		return fmt.Errorf("unknown source type %q", st)
	}
}

func newSourceListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all datasources",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
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
				fmt.Printf("%-36s  %-12s  %-8s  %-7s  %s\n",
					cfg.ConfigID, cfg.SourceType, cfg.SyncStatus, activeLabel(cfg.IsActive), cfg.SourceName)
			}

			return nil
		},
	}
}

func newSourceShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <config-id>",
		Short: "Show one datasource in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(buildLogger())
			if err != nil {
				return err
			}
			defer store.Close()

			cfg, err := store.GetConfig(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if flagJSON {
				return printJSON(configView(cfg))
			}

			printConfigText(cfg)

			return nil
		},
	}
}

func newSourceEnableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enable <config-id>",
		Short: "Activate a datasource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setActive(cmd.Context(), args[0], true)
		},
	}
}

func newSourceDisableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable <config-id>",
		Short: "Deactivate a datasource without removing its indexed documents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setActive(cmd.Context(), args[0], false)
		},
	}
}

func setActive(ctx context.Context, configID string, active bool) error {
	store, err := openStore(buildLogger())
	if err != nil {
		return err
	}
	defer store.Close()

	cfg, err := store.GetConfig(ctx, configID)
	if err != nil {
		return err
	}

	cfg.IsActive = active

	if _, err := store.UpsertConfig(ctx, cfg); err != nil {
		return fmt.Errorf("updating datasource: %w", err)
	}

	// Upserts do not touch status fields; re-enabling an errored source
	// resets its status explicitly.
	if active && cfg.SyncStatus == state.StatusError {
		if err := store.UpdateConfigStatus(ctx, configID, state.StatusUpdate{
			Status: state.StatusIdle,
			Error:  state.StringPtr(""),
		}); err != nil {
			return fmt.Errorf("resetting datasource status: %w", err)
		}
	}

	return nil
}

func newSourceRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <config-id>",
		Short: "Stop monitoring a datasource",
		Long: `Remove a datasource configuration. Monitoring stops; documents already
written to the indexes are left in place.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(buildLogger())
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.DeleteConfig(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("removing datasource: %w", err)
			}

			return nil
		},
	}
}

// sourceView is the JSON shape for list/show output.
type sourceView struct {
	ConfigID            string `json:"config_id"`
	ProjectID           string `json:"project_id"`
	SourceType          string `json:"source_type"`
	SourceName          string `json:"source_name"`
	RefreshInterval     int    `json:"refresh_interval_seconds"`
	EnableChangeStream  bool   `json:"enable_change_stream"`
	SkipGraph           bool   `json:"skip_graph"`
	IsActive            bool   `json:"is_active"`
	SyncStatus          string `json:"sync_status"`
	LastSyncOrdinal     int64  `json:"last_sync_ordinal"`
	LastSyncCompletedAt string `json:"last_sync_completed_at,omitempty"`
	LastError           string `json:"last_error,omitempty"`
}

func configView(cfg *state.DatasourceConfig) sourceView {
	v := sourceView{
		ConfigID:           cfg.ConfigID,
		ProjectID:          cfg.ProjectID,
		SourceType:         string(cfg.SourceType),
		SourceName:         cfg.SourceName,
		RefreshInterval:    cfg.RefreshIntervalSeconds,
		EnableChangeStream: cfg.EnableChangeStream,
		SkipGraph:          cfg.SkipGraph,
		IsActive:           cfg.IsActive,
		SyncStatus:         string(cfg.SyncStatus),
		LastSyncOrdinal:    cfg.LastSyncOrdinal,
		LastError:          cfg.LastError,
	}

	if cfg.LastSyncCompletedAt != nil {
		v.LastSyncCompletedAt = time.Unix(0, *cfg.LastSyncCompletedAt).Format(time.RFC3339)
	}

	return v
}

func configsToViews(configs []*state.DatasourceConfig) []sourceView {
	views := make([]sourceView, len(configs))
	for i, cfg := range configs {
		views[i] = configView(cfg)
	}

	return views
}

func printConfigText(cfg *state.DatasourceConfig) {
	fmt.Printf("ID:             %s\n", cfg.ConfigID)
	fmt.Printf("Name:           %s\n", cfg.SourceName)
	fmt.Printf("Type:           %s\n", cfg.SourceType)
	fmt.Printf("Project:        %s\n", cfg.ProjectID)
	fmt.Printf("Active:         %v\n", cfg.IsActive)
	fmt.Printf("Status:         %s\n", cfg.SyncStatus)
	fmt.Printf("Interval:       %ds\n", cfg.RefreshIntervalSeconds)
	fmt.Printf("Change stream:  %v\n", cfg.EnableChangeStream)
	fmt.Printf("Skip graph:     %v\n", cfg.SkipGraph)
	fmt.Printf("Params:         %s\n", cfg.ConnectionParams)

	if cfg.LastSyncCompletedAt != nil {
		fmt.Printf("Last sync:      %s (ordinal %d)\n",
			time.Unix(0, *cfg.LastSyncCompletedAt).Format(time.RFC3339), cfg.LastSyncOrdinal)
	}

	if cfg.LastError != "" {
		fmt.Printf("Last error:     %s\n", strings.TrimSpace(cfg.LastError))
	}
}

func activeLabel(active bool) string {
	if active {
		return "active"
	}

	return "off"
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding JSON output: %w", err)
	}

	return nil
}
