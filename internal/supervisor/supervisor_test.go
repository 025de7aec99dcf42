package supervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragsync/ragsync/internal/engine"
	"github.com/ragsync/ragsync/internal/state"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newFilesystemConfig inserts an active filesystem datasource watching its
// own temp directory and returns the config with the directory path.
func newFilesystemConfig(t *testing.T, store state.Store, id string) (*state.DatasourceConfig, string) {
	t.Helper()

	dir := t.TempDir()

	cfg := &state.DatasourceConfig{
		ConfigID:               id,
		ProjectID:              "proj-1",
		SourceType:             state.SourceFilesystem,
		SourceName:             "dir " + id,
		ConnectionParams:       fmt.Sprintf(`{"paths": [%q]}`, dir),
		RefreshIntervalSeconds: 3600,
		EnableChangeStream:     false,
		IsActive:               true,
	}

	_, err := store.UpsertConfig(context.Background(), cfg)
	require.NoError(t, err)

	return cfg, dir
}

func newTestSupervisor(t *testing.T) (*Supervisor, state.Store) {
	t.Helper()

	store, err := state.NewStore(":memory:", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	sup := New(store, engine.NewLogWriters(testLogger()), testLogger())
	t.Cleanup(sup.Stop)

	return sup, store
}

func TestStartRunsActiveConfigs(t *testing.T) {
	sup, store := newTestSupervisor(t)

	cfgA, dirA := newFilesystemConfig(t, store, "cfg-a")
	cfgB, _ := newFilesystemConfig(t, store, "cfg-b")

	require.NoError(t, os.WriteFile(filepath.Join(dirA, "a.txt"), []byte("hello"), 0o644))

	require.NoError(t, sup.Start(context.Background()))
	assert.Equal(t, 2, sup.Len())

	_, err := sup.SyncNow(context.Background(), cfgA.ConfigID)
	require.NoError(t, err)

	ds, err := store.GetDocumentState(context.Background(), cfgA.ConfigID, state.DocID(cfgA.ConfigID, filepath.Join(dirA, "a.txt")))
	require.NoError(t, err)
	require.NotNil(t, ds)
	assert.NotNil(t, ds.VectorSyncedAt)

	_, ok := sup.Stats(cfgB.ConfigID)
	assert.True(t, ok)
}

func TestStartIsolatesBrokenConfig(t *testing.T) {
	sup, store := newTestSupervisor(t)

	good, dir := newFilesystemConfig(t, store, "cfg-good")

	bad := &state.DatasourceConfig{
		ConfigID:               "cfg-bad",
		SourceType:             state.SourceFilesystem,
		SourceName:             "broken",
		ConnectionParams:       `{"paths": []}`,
		RefreshIntervalSeconds: 3600,
		IsActive:               true,
	}
	_, err := store.UpsertConfig(context.Background(), bad)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0o644))
	require.NoError(t, sup.Start(context.Background()))

	// The broken config is marked errored; the good one still progresses.
	assert.Equal(t, 1, sup.Len())

	got, err := store.GetConfig(context.Background(), bad.ConfigID)
	require.NoError(t, err)
	assert.Equal(t, state.StatusError, got.SyncStatus)
	assert.NotEmpty(t, got.LastError)

	_, err = sup.SyncNow(context.Background(), good.ConfigID)
	require.NoError(t, err)
}

func TestSyncNowUnknownConfig(t *testing.T) {
	sup, _ := newTestSupervisor(t)

	require.NoError(t, sup.Start(context.Background()))

	_, err := sup.SyncNow(context.Background(), "missing")
	assert.Error(t, err)
}

func TestSyncNowAll(t *testing.T) {
	sup, store := newTestSupervisor(t)

	cfgA, dirA := newFilesystemConfig(t, store, "cfg-a")
	cfgB, dirB := newFilesystemConfig(t, store, "cfg-b")

	require.NoError(t, os.WriteFile(filepath.Join(dirA, "a.txt"), []byte("aaa"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dirB, "b.txt"), []byte("bbb"), 0o644))

	require.NoError(t, sup.Start(context.Background()))
	require.NoError(t, sup.SyncNowAll(context.Background()))

	for _, tc := range []struct {
		cfg  *state.DatasourceConfig
		path string
	}{
		{cfgA, filepath.Join(dirA, "a.txt")},
		{cfgB, filepath.Join(dirB, "b.txt")},
	} {
		ds, err := store.GetDocumentState(context.Background(), tc.cfg.ConfigID, state.DocID(tc.cfg.ConfigID, tc.path))
		require.NoError(t, err)
		require.NotNil(t, ds)
	}
}

func TestDisableAndEnable(t *testing.T) {
	sup, store := newTestSupervisor(t)

	cfg, _ := newFilesystemConfig(t, store, "cfg-a")

	require.NoError(t, sup.Start(context.Background()))
	require.Equal(t, 1, sup.Len())

	require.NoError(t, sup.Disable(context.Background(), cfg.ConfigID))
	assert.Equal(t, 0, sup.Len())

	got, err := store.GetConfig(context.Background(), cfg.ConfigID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)

	require.NoError(t, sup.Enable(context.Background(), cfg.ConfigID))
	assert.Equal(t, 1, sup.Len())

	got, err = store.GetConfig(context.Background(), cfg.ConfigID)
	require.NoError(t, err)
	assert.True(t, got.IsActive)
}

func TestReloadRebuildsRunner(t *testing.T) {
	sup, store := newTestSupervisor(t)

	cfg, dir := newFilesystemConfig(t, store, "cfg-a")

	require.NoError(t, sup.Start(context.Background()))

	cfg.RefreshIntervalSeconds = 7200
	_, err := store.UpsertConfig(context.Background(), cfg)
	require.NoError(t, err)

	require.NoError(t, sup.Reload(context.Background(), cfg.ConfigID))
	assert.Equal(t, 1, sup.Len())

	// The rebuilt runner still syncs.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0o644))

	_, err = sup.SyncNow(context.Background(), cfg.ConfigID)
	require.NoError(t, err)
}

func TestReloadInactiveStopsRunner(t *testing.T) {
	sup, store := newTestSupervisor(t)

	cfg, _ := newFilesystemConfig(t, store, "cfg-a")

	require.NoError(t, sup.Start(context.Background()))

	cfg.IsActive = false
	_, err := store.UpsertConfig(context.Background(), cfg)
	require.NoError(t, err)

	require.NoError(t, sup.Reload(context.Background(), cfg.ConfigID))
	assert.Equal(t, 0, sup.Len())
}

func TestStopIsIdempotent(t *testing.T) {
	sup, store := newTestSupervisor(t)

	newFilesystemConfig(t, store, "cfg-a")

	require.NoError(t, sup.Start(context.Background()))

	sup.Stop()
	sup.Stop()

	assert.Equal(t, 0, sup.Len())
}

func TestSecondStartRejected(t *testing.T) {
	sup, _ := newTestSupervisor(t)

	require.NoError(t, sup.Start(context.Background()))
	assert.Error(t, sup.Start(context.Background()))
}
