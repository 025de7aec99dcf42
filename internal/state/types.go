// Package state implements the persistent sync-state store: datasource
// configurations and per-document sync state, backed by an embedded SQLite
// database. All other components read and write sync state only through the
// Store interface defined here.
package state

import (
	"context"
	"time"
)

// SourceType identifies the kind of external repository a datasource monitors.
type SourceType string

// Source types as stored in the datasource_config source_type column.
const (
	SourceFilesystem  SourceType = "filesystem"
	SourceS3          SourceType = "s3"
	SourceAzureBlob   SourceType = "azure_blob"
	SourceGCS         SourceType = "gcs"
	SourceGoogleDrive SourceType = "google_drive"
	SourceAlfresco    SourceType = "alfresco"
	SourceBox         SourceType = "box"
	SourceMSGraph     SourceType = "msgraph"
)

// SyncStatus is the coarse per-datasource sync state.
type SyncStatus string

// Values for the sync_status column.
const (
	StatusIdle    SyncStatus = "idle"
	StatusSyncing SyncStatus = "syncing"
	StatusError   SyncStatus = "error"
)

// DatasourceConfig is one monitored source. ConnectionParams is an opaque
// JSON bag interpreted only by the matching detector.
type DatasourceConfig struct {
	ConfigID               string
	ProjectID              string
	SourceType             SourceType
	SourceName             string
	ConnectionParams       string // JSON
	RefreshIntervalSeconds int
	EnableChangeStream     bool
	SkipGraph              bool
	IsActive               bool
	SyncStatus             SyncStatus
	LastSyncOrdinal        int64
	LastSyncCompletedAt    *int64 // Unix nanoseconds
	LastError              string
	CreatedAt              int64 // Unix nanoseconds
	UpdatedAt              int64 // Unix nanoseconds
}

// RefreshInterval returns the reconciliation cadence as a duration.
func (c *DatasourceConfig) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalSeconds) * time.Second
}

// DocumentState is one (datasource, document) pair the core has observed.
// DocID is "{config_id}:{source_path}" and is also the key used against all
// three index writers. A row with any per-target timestamp nil is partially
// synced and eligible for resume.
type DocumentState struct {
	DocID             string
	ConfigID          string
	SourcePath        string
	SourceID          string // source-native opaque ID, empty when unavailable
	Ordinal           int64  // strictly increasing per config, Unix microseconds
	ContentHash       string // hex SHA-256 of the processed bytes
	ModifiedTimestamp *int64 // source-reported, advisory, Unix nanoseconds
	VectorSyncedAt    *int64
	SearchSyncedAt    *int64
	GraphSyncedAt     *int64
	CreatedAt         int64
	UpdatedAt         int64
}

// TargetStatus reports which index writers succeeded during an apply.
type TargetStatus struct {
	Vector bool
	Search bool
	Graph  bool
}

// FullySynced reports whether all required targets have non-nil timestamps.
// When skipGraph is set, the graph timestamp is not required.
func (d *DocumentState) FullySynced(skipGraph bool) bool {
	if d.VectorSyncedAt == nil || d.SearchSyncedAt == nil {
		return false
	}

	if skipGraph {
		return true
	}

	return d.GraphSyncedAt != nil
}

// ApplyRecord carries everything CommitApply persists for one document.
type ApplyRecord struct {
	DocID             string
	ConfigID          string
	SourcePath        string
	SourceID          string
	Ordinal           int64
	ContentHash       string
	ModifiedTimestamp *int64
	Targets           TargetStatus // timestamps set only for successful targets
}

// StatusUpdate carries the optional fields of UpdateConfigStatus. Nil fields
// are left unchanged.
type StatusUpdate struct {
	Status      SyncStatus
	Ordinal     *int64 // new last_sync_ordinal; never applied if lower than current
	CompletedAt *int64
	Error       *string // empty string clears last_error
}

// Store is the interface for the sync state database. All components operate
// against this interface rather than the concrete SQLite implementation.
type Store interface {
	// Datasource configs
	ListActiveConfigs(ctx context.Context) ([]*DatasourceConfig, error)
	ListConfigs(ctx context.Context) ([]*DatasourceConfig, error)
	GetConfig(ctx context.Context, configID string) (*DatasourceConfig, error)
	UpsertConfig(ctx context.Context, cfg *DatasourceConfig) (string, error)
	DeleteConfig(ctx context.Context, configID string) error
	UpdateConfigStatus(ctx context.Context, configID string, upd StatusUpdate) error

	// Document state
	GetDocumentState(ctx context.Context, configID, docID string) (*DocumentState, error)
	// ListDocumentStates streams every row for the config through fn without
	// materializing the full set. Returning an error from fn stops iteration.
	ListDocumentStates(ctx context.Context, configID string, fn func(*DocumentState) error) error
	CommitApply(ctx context.Context, rec *ApplyRecord) error
	CommitDelete(ctx context.Context, docID string) error

	// AllocateOrdinal returns a microsecond timestamp strictly greater than
	// any previously allocated ordinal for the config.
	AllocateOrdinal(ctx context.Context, configID string) (int64, error)

	// Maintenance
	Checkpoint() error
	Close() error
}

// DocID builds the globally-unique document key for a config and source path.
func DocID(configID, sourcePath string) string {
	return configID + ":" + sourcePath
}

// NowNano returns the current time as Unix nanoseconds. All row timestamps
// use int64 Unix nanoseconds; conversion happens at system boundaries only.
func NowNano() int64 {
	return time.Now().UnixNano()
}

// Int64Ptr returns a pointer to the given int64 value.
// Used for nullable database columns.
func Int64Ptr(v int64) *int64 {
	return &v
}

// StringPtr returns a pointer to the given string value.
func StringPtr(v string) *string {
	return &v
}
