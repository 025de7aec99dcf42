package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

// walJournalSizeLimit caps the WAL journal at 64 MiB.
const walJournalSizeLimit = 67108864

// SQLiteStore implements the Store interface using an embedded SQLite database
// with WAL mode. Datasource configs, per-document sync state, and ordinal
// high-water marks are persisted here.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	configStmts configStatements
	docStmts    documentStatements
	ordinalStmt *sql.Stmt
}

type configStatements struct {
	get, upsert, delete, listActive, listAll, updateStatus *sql.Stmt
}

type documentStatements struct {
	get, list, commitApply, commitDelete *sql.Stmt
}

// NewStore creates a SQLiteStore, opening the database at dbPath, applying
// migrations, and preparing all repeated statements. Use ":memory:" for tests.
func NewStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("opening sync state database", "path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("state: open sqlite: %w", err)
	}

	// Engine decisions are read-check-write per doc_id; a single connection
	// serializes them and avoids SQLITE_BUSY between goroutines.
	db.SetMaxOpenConns(1)

	if err := setPragmas(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLiteStore{db: db, logger: logger}

	if err := s.prepareAllStatements(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("state: prepare statements: %w", err)
	}

	logger.Info("sync state database ready", "path", dbPath)

	return s, nil
}

// setPragmas configures SQLite for WAL mode and safety.
func setPragmas(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	pragmas := []struct {
		sql  string
		desc string
	}{
		{"PRAGMA journal_mode = WAL", "WAL mode"},
		{"PRAGMA synchronous = FULL", "synchronous FULL"},
		{"PRAGMA foreign_keys = ON", "foreign keys"},
		{fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit), "journal size limit"},
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p.sql); err != nil {
			return fmt.Errorf("state: set pragma %s: %w", p.desc, err)
		}

		logger.Debug("pragma set", "pragma", p.desc)
	}

	return nil
}

// --- SQL query constants ---

const (
	sqlConfigColumns = `config_id, project_id, source_type, source_name,
		connection_params, refresh_interval_seconds, enable_change_stream,
		skip_graph, is_active, sync_status, last_sync_ordinal,
		last_sync_completed_at, last_error, created_at, updated_at`

	sqlGetConfig = `SELECT ` + sqlConfigColumns +
		` FROM datasource_config WHERE config_id = ?`

	sqlUpsertConfig = `INSERT INTO datasource_config (` + sqlConfigColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(config_id) DO UPDATE SET
			project_id               = excluded.project_id,
			source_type              = excluded.source_type,
			source_name              = excluded.source_name,
			connection_params        = excluded.connection_params,
			refresh_interval_seconds = excluded.refresh_interval_seconds,
			enable_change_stream     = excluded.enable_change_stream,
			skip_graph               = excluded.skip_graph,
			is_active                = excluded.is_active,
			updated_at               = excluded.updated_at`

	sqlDeleteConfig = `DELETE FROM datasource_config WHERE config_id = ?`

	sqlListActiveConfigs = `SELECT ` + sqlConfigColumns +
		` FROM datasource_config WHERE is_active = 1 ORDER BY created_at`

	sqlListAllConfigs = `SELECT ` + sqlConfigColumns +
		` FROM datasource_config ORDER BY created_at`

	// Optional fields arrive as NULL and leave the column unchanged. The
	// ordinal is applied only when it advances the high-water mark.
	sqlUpdateConfigStatus = `UPDATE datasource_config SET
			sync_status = ?,
			last_sync_ordinal = CASE
				WHEN ? IS NOT NULL AND ? > last_sync_ordinal THEN ?
				ELSE last_sync_ordinal END,
			last_sync_completed_at = COALESCE(?, last_sync_completed_at),
			last_error = COALESCE(?, last_error),
			updated_at = ?
		WHERE config_id = ?`
)

const (
	sqlDocumentColumns = `doc_id, config_id, source_path, source_id, ordinal,
		content_hash, modified_timestamp, vector_synced_at, search_synced_at,
		graph_synced_at, created_at, updated_at`

	sqlGetDocument = `SELECT ` + sqlDocumentColumns +
		` FROM document_state WHERE config_id = ? AND doc_id = ?`

	sqlListDocuments = `SELECT ` + sqlDocumentColumns +
		` FROM document_state WHERE config_id = ? ORDER BY source_path`

	// Per-target timestamps are written only for targets reported successful;
	// on update, a false flag preserves the existing value (which stays NULL
	// for a target that has never succeeded). A previously-learned source_id
	// is never clobbered by an empty one.
	sqlCommitApply = `INSERT INTO document_state (` + sqlDocumentColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?,
			CASE WHEN ? THEN ? END,
			CASE WHEN ? THEN ? END,
			CASE WHEN ? THEN ? END,
			?, ?)
		ON CONFLICT(doc_id) DO UPDATE SET
			source_path        = excluded.source_path,
			source_id          = CASE WHEN excluded.source_id != ''
				THEN excluded.source_id ELSE document_state.source_id END,
			ordinal            = excluded.ordinal,
			content_hash       = excluded.content_hash,
			modified_timestamp = excluded.modified_timestamp,
			vector_synced_at   = CASE WHEN ?
				THEN ? ELSE document_state.vector_synced_at END,
			search_synced_at   = CASE WHEN ?
				THEN ? ELSE document_state.search_synced_at END,
			graph_synced_at    = CASE WHEN ?
				THEN ? ELSE document_state.graph_synced_at END,
			updated_at         = excluded.updated_at`

	sqlCommitDelete = `DELETE FROM document_state WHERE doc_id = ?`
)

// Ordinals are microsecond wall-clock, forced strictly monotonic per config:
// on clock regression the previous value advances by one microsecond.
const sqlAllocateOrdinal = `INSERT INTO config_ordinals (config_id, last_ordinal)
	VALUES (?, ?)
	ON CONFLICT(config_id) DO UPDATE SET
		last_ordinal = max(config_ordinals.last_ordinal + 1, excluded.last_ordinal)
	RETURNING last_ordinal`

// stmtDef maps a SQL string to the prepared statement pointer it should populate.
type stmtDef struct {
	dest **sql.Stmt
	sql  string
	name string
}

// prepareAll prepares a batch of statements, returning on first error.
func prepareAll(ctx context.Context, db *sql.DB, defs []stmtDef) error {
	for i := range defs {
		stmt, err := db.PrepareContext(ctx, defs[i].sql)
		if err != nil {
			return fmt.Errorf("prepare %s: %w", defs[i].name, err)
		}

		*defs[i].dest = stmt
	}

	return nil
}

func (s *SQLiteStore) prepareAllStatements(ctx context.Context) error {
	return prepareAll(ctx, s.db, []stmtDef{
		{&s.configStmts.get, sqlGetConfig, "getConfig"},
		{&s.configStmts.upsert, sqlUpsertConfig, "upsertConfig"},
		{&s.configStmts.delete, sqlDeleteConfig, "deleteConfig"},
		{&s.configStmts.listActive, sqlListActiveConfigs, "listActiveConfigs"},
		{&s.configStmts.listAll, sqlListAllConfigs, "listAllConfigs"},
		{&s.configStmts.updateStatus, sqlUpdateConfigStatus, "updateConfigStatus"},
		{&s.docStmts.get, sqlGetDocument, "getDocumentState"},
		{&s.docStmts.list, sqlListDocuments, "listDocumentStates"},
		{&s.docStmts.commitApply, sqlCommitApply, "commitApply"},
		{&s.docStmts.commitDelete, sqlCommitDelete, "commitDelete"},
		{&s.ordinalStmt, sqlAllocateOrdinal, "allocateOrdinal"},
	})
}

// --- Scanning helpers ---

// scanConfig scans a full config row into a DatasourceConfig.
func scanConfig(row interface{ Scan(...any) error }) (*DatasourceConfig, error) {
	cfg := &DatasourceConfig{}

	var sourceType, status string

	err := row.Scan(
		&cfg.ConfigID, &cfg.ProjectID, &sourceType, &cfg.SourceName,
		&cfg.ConnectionParams, &cfg.RefreshIntervalSeconds,
		&cfg.EnableChangeStream, &cfg.SkipGraph, &cfg.IsActive,
		&status, &cfg.LastSyncOrdinal, &cfg.LastSyncCompletedAt,
		&cfg.LastError, &cfg.CreatedAt, &cfg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	cfg.SourceType = SourceType(sourceType)
	cfg.SyncStatus = SyncStatus(status)

	return cfg, nil
}

// scanConfigRows iterates over sql.Rows and collects configs.
func scanConfigRows(rows *sql.Rows) ([]*DatasourceConfig, error) {
	var configs []*DatasourceConfig

	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("scan config row: %w", err)
		}

		configs = append(configs, cfg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate config rows: %w", err)
	}

	return configs, nil
}

// scanDocument scans a full document_state row into a DocumentState.
func scanDocument(row interface{ Scan(...any) error }) (*DocumentState, error) {
	d := &DocumentState{}

	err := row.Scan(
		&d.DocID, &d.ConfigID, &d.SourcePath, &d.SourceID, &d.Ordinal,
		&d.ContentHash, &d.ModifiedTimestamp,
		&d.VectorSyncedAt, &d.SearchSyncedAt, &d.GraphSyncedAt,
		&d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return d, nil
}

// --- Config methods ---

// ListActiveConfigs returns all configs with is_active set.
func (s *SQLiteStore) ListActiveConfigs(ctx context.Context) ([]*DatasourceConfig, error) {
	s.logger.Debug("listing active configs")

	rows, err := s.configStmts.listActive.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("state: list active configs: %w", err)
	}
	defer rows.Close()

	return scanConfigRows(rows)
}

// ListConfigs returns all configs regardless of active flag.
func (s *SQLiteStore) ListConfigs(ctx context.Context) ([]*DatasourceConfig, error) {
	s.logger.Debug("listing all configs")

	rows, err := s.configStmts.listAll.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("state: list configs: %w", err)
	}
	defer rows.Close()

	return scanConfigRows(rows)
}

// GetConfig retrieves a single config by ID. Returns ErrNotFound when no
// row exists.
func (s *SQLiteStore) GetConfig(ctx context.Context, configID string) (*DatasourceConfig, error) {
	s.logger.Debug("getting config", "config_id", configID)

	cfg, err := scanConfig(s.configStmts.get.QueryRowContext(ctx, configID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("state: config %s: %w", configID, ErrNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("state: get config %s: %w", configID, err)
	}

	return cfg, nil
}

// UpsertConfig inserts or updates a datasource configuration, returning the
// config ID. Status fields (sync_status, last_sync_ordinal, last_error) are
// not touched on update; those belong to UpdateConfigStatus.
func (s *SQLiteStore) UpsertConfig(ctx context.Context, cfg *DatasourceConfig) (string, error) {
	s.logger.Debug("upserting config",
		"config_id", cfg.ConfigID, "source_type", cfg.SourceType)

	now := NowNano()
	if cfg.CreatedAt == 0 {
		cfg.CreatedAt = now
	}

	cfg.UpdatedAt = now

	if cfg.SyncStatus == "" {
		cfg.SyncStatus = StatusIdle
	}

	_, err := s.configStmts.upsert.ExecContext(ctx,
		cfg.ConfigID, cfg.ProjectID, string(cfg.SourceType), cfg.SourceName,
		cfg.ConnectionParams, cfg.RefreshIntervalSeconds,
		cfg.EnableChangeStream, cfg.SkipGraph, cfg.IsActive,
		string(cfg.SyncStatus), cfg.LastSyncOrdinal, cfg.LastSyncCompletedAt,
		cfg.LastError, cfg.CreatedAt, cfg.UpdatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("state: upsert config %s: %w", cfg.ConfigID, err)
	}

	return cfg.ConfigID, nil
}

// DeleteConfig removes a datasource configuration. Already-indexed documents
// are intentionally left in place; deletion only stops monitoring.
func (s *SQLiteStore) DeleteConfig(ctx context.Context, configID string) error {
	s.logger.Info("deleting config", "config_id", configID)

	_, err := s.configStmts.delete.ExecContext(ctx, configID)
	if err != nil {
		return fmt.Errorf("state: delete config %s: %w", configID, err)
	}

	return nil
}

// UpdateConfigStatus atomically updates the status fields of a config.
// Nil optional fields are left unchanged; the ordinal never regresses.
func (s *SQLiteStore) UpdateConfigStatus(ctx context.Context, configID string, upd StatusUpdate) error {
	s.logger.Debug("updating config status",
		"config_id", configID, "status", upd.Status)

	_, err := s.configStmts.updateStatus.ExecContext(ctx,
		string(upd.Status),
		upd.Ordinal, upd.Ordinal, upd.Ordinal,
		upd.CompletedAt, upd.Error,
		NowNano(), configID,
	)
	if err != nil {
		return fmt.Errorf("state: update config status %s: %w", configID, err)
	}

	return nil
}

// --- Document state methods ---

// GetDocumentState retrieves a single document row.
// Returns (nil, nil) if no row exists — the engine uses the nil row to
// distinguish "new document" from "known document".
func (s *SQLiteStore) GetDocumentState(ctx context.Context, configID, docID string) (*DocumentState, error) {
	s.logger.Debug("getting document state", "doc_id", docID)

	d, err := scanDocument(s.docStmts.get.QueryRowContext(ctx, configID, docID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("state: get document state %s: %w", docID, err)
	}

	return d, nil
}

// ListDocumentStates streams every document row for the config through fn.
// Rows are scanned one at a time; a 1M-document source reconciles in bounded
// memory. Returning an error from fn stops iteration and is returned.
func (s *SQLiteStore) ListDocumentStates(ctx context.Context, configID string, fn func(*DocumentState) error) error {
	s.logger.Debug("listing document states", "config_id", configID)

	rows, err := s.docStmts.list.QueryContext(ctx, configID)
	if err != nil {
		return fmt.Errorf("state: list document states %s: %w", configID, err)
	}
	defer rows.Close()

	for rows.Next() {
		d, scanErr := scanDocument(rows)
		if scanErr != nil {
			return fmt.Errorf("state: scan document row: %w", scanErr)
		}

		if fnErr := fn(d); fnErr != nil {
			return fnErr
		}
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("state: iterate document rows: %w", err)
	}

	return nil
}

// CommitApply inserts or updates a document row after an apply. Per-target
// timestamps are set only for targets reported successful; other targets
// keep their previous value (NULL when never synced), which marks the row
// as partially synced and eligible for resume.
func (s *SQLiteStore) CommitApply(ctx context.Context, rec *ApplyRecord) error {
	s.logger.Debug("committing apply",
		"doc_id", rec.DocID, "ordinal", rec.Ordinal,
		"vector", rec.Targets.Vector, "search", rec.Targets.Search,
		"graph", rec.Targets.Graph)

	now := NowNano()

	_, err := s.docStmts.commitApply.ExecContext(ctx,
		rec.DocID, rec.ConfigID, rec.SourcePath, rec.SourceID,
		rec.Ordinal, rec.ContentHash, rec.ModifiedTimestamp,
		rec.Targets.Vector, now,
		rec.Targets.Search, now,
		rec.Targets.Graph, now,
		now, now,
		rec.Targets.Vector, now,
		rec.Targets.Search, now,
		rec.Targets.Graph, now,
	)
	if err != nil {
		return fmt.Errorf("state: commit apply %s: %w", rec.DocID, err)
	}

	return nil
}

// CommitDelete removes a document row. History is not retained; a later
// CREATE for the same path starts a fresh row. Deleting an unknown doc_id
// is a no-op.
func (s *SQLiteStore) CommitDelete(ctx context.Context, docID string) error {
	s.logger.Debug("committing delete", "doc_id", docID)

	_, err := s.docStmts.commitDelete.ExecContext(ctx, docID)
	if err != nil {
		return fmt.Errorf("state: commit delete %s: %w", docID, err)
	}

	return nil
}

// AllocateOrdinal returns a microsecond timestamp strictly greater than any
// previously allocated ordinal for the config. On clock regression the prior
// value advances by one microsecond instead.
func (s *SQLiteStore) AllocateOrdinal(ctx context.Context, configID string) (int64, error) {
	var ordinal int64

	err := s.ordinalStmt.QueryRowContext(ctx, configID, time.Now().UnixMicro()).Scan(&ordinal)
	if err != nil {
		return 0, fmt.Errorf("state: allocate ordinal %s: %w", configID, err)
	}

	return ordinal, nil
}

// --- Maintenance methods ---

// Checkpoint forces a WAL checkpoint to consolidate the WAL file into the
// main database.
func (s *SQLiteStore) Checkpoint() error {
	s.logger.Debug("running WAL checkpoint")

	_, err := s.db.ExecContext(context.Background(), "PRAGMA wal_checkpoint(TRUNCATE)")
	if err != nil {
		return fmt.Errorf("state: wal checkpoint: %w", err)
	}

	return nil
}

// Close closes all prepared statements and the database connection.
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing sync state database")

	if err := s.closeStatements(); err != nil {
		s.logger.Error("error closing statements", "error", err)
	}

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("state: close database: %w", err)
	}

	return nil
}

// closeStatements closes all prepared statements, collecting errors.
func (s *SQLiteStore) closeStatements() error {
	stmts := []*sql.Stmt{
		s.configStmts.get, s.configStmts.upsert, s.configStmts.delete,
		s.configStmts.listActive, s.configStmts.listAll,
		s.configStmts.updateStatus,
		s.docStmts.get, s.docStmts.list,
		s.docStmts.commitApply, s.docStmts.commitDelete,
		s.ordinalStmt,
	}

	var errs []string

	for _, stmt := range stmts {
		if stmt != nil {
			if err := stmt.Close(); err != nil {
				errs = append(errs, err.Error())
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close statements: %s", strings.Join(errs, "; "))
	}

	return nil
}

// Compile-time interface check.
var _ Store = (*SQLiteStore)(nil)
