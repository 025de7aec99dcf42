package state

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testLogger returns a logger that discards output unless -v is set.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	if testing.Verbose() {
		return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestStore creates an in-memory SQLiteStore for testing.
func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewStore(":memory:", testLogger(t))
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	return store
}

// makeTestConfig creates a minimal DatasourceConfig for testing.
func makeTestConfig(configID string, sourceType SourceType) *DatasourceConfig {
	return &DatasourceConfig{
		ConfigID:               configID,
		ProjectID:              "proj1",
		SourceType:             sourceType,
		SourceName:             "test source",
		ConnectionParams:       `{"paths":["/data"]}`,
		RefreshIntervalSeconds: 60,
		IsActive:               true,
	}
}

func TestUpsertConfig(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	t.Run("insert then get", func(t *testing.T) {
		cfg := makeTestConfig("cfg1", SourceFilesystem)

		id, err := store.UpsertConfig(ctx, cfg)
		require.NoError(t, err)
		assert.Equal(t, "cfg1", id)

		got, err := store.GetConfig(ctx, "cfg1")
		require.NoError(t, err)
		assert.Equal(t, SourceFilesystem, got.SourceType)
		assert.Equal(t, StatusIdle, got.SyncStatus)
		assert.True(t, got.IsActive)
		assert.NotZero(t, got.CreatedAt)
	})

	t.Run("update preserves status fields", func(t *testing.T) {
		cfg := makeTestConfig("cfg2", SourceS3)
		_, err := store.UpsertConfig(ctx, cfg)
		require.NoError(t, err)

		require.NoError(t, store.UpdateConfigStatus(ctx, "cfg2", StatusUpdate{
			Status:  StatusError,
			Error:   StringPtr("boom"),
			Ordinal: Int64Ptr(42),
		}))

		// Admin update: change the name only.
		cfg.SourceName = "renamed"
		_, err = store.UpsertConfig(ctx, cfg)
		require.NoError(t, err)

		got, err := store.GetConfig(ctx, "cfg2")
		require.NoError(t, err)
		assert.Equal(t, "renamed", got.SourceName)
		assert.Equal(t, StatusError, got.SyncStatus)
		assert.Equal(t, "boom", got.LastError)
		assert.Equal(t, int64(42), got.LastSyncOrdinal)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := store.GetConfig(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestListActiveConfigs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	active := makeTestConfig("active1", SourceFilesystem)
	inactive := makeTestConfig("inactive1", SourceGCS)
	inactive.IsActive = false

	_, err := store.UpsertConfig(ctx, active)
	require.NoError(t, err)
	_, err = store.UpsertConfig(ctx, inactive)
	require.NoError(t, err)

	got, err := store.ListActiveConfigs(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "active1", got[0].ConfigID)

	all, err := store.ListConfigs(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestUpdateConfigStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.UpsertConfig(ctx, makeTestConfig("cfg1", SourceFilesystem))
	require.NoError(t, err)

	t.Run("ordinal never regresses", func(t *testing.T) {
		require.NoError(t, store.UpdateConfigStatus(ctx, "cfg1", StatusUpdate{
			Status:  StatusIdle,
			Ordinal: Int64Ptr(100),
		}))
		require.NoError(t, store.UpdateConfigStatus(ctx, "cfg1", StatusUpdate{
			Status:  StatusIdle,
			Ordinal: Int64Ptr(50),
		}))

		got, err := store.GetConfig(ctx, "cfg1")
		require.NoError(t, err)
		assert.Equal(t, int64(100), got.LastSyncOrdinal)
	})

	t.Run("nil fields unchanged", func(t *testing.T) {
		require.NoError(t, store.UpdateConfigStatus(ctx, "cfg1", StatusUpdate{
			Status: StatusSyncing,
			Error:  StringPtr("transient failure"),
		}))
		require.NoError(t, store.UpdateConfigStatus(ctx, "cfg1", StatusUpdate{
			Status: StatusIdle,
		}))

		got, err := store.GetConfig(ctx, "cfg1")
		require.NoError(t, err)
		assert.Equal(t, StatusIdle, got.SyncStatus)
		assert.Equal(t, "transient failure", got.LastError)
	})

	t.Run("error cleared with empty string", func(t *testing.T) {
		require.NoError(t, store.UpdateConfigStatus(ctx, "cfg1", StatusUpdate{
			Status: StatusIdle,
			Error:  StringPtr(""),
		}))

		got, err := store.GetConfig(ctx, "cfg1")
		require.NoError(t, err)
		assert.Empty(t, got.LastError)
	})
}

func TestCommitApply(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	docID := DocID("cfg1", "/data/a.txt")

	t.Run("insert with all targets", func(t *testing.T) {
		err := store.CommitApply(ctx, &ApplyRecord{
			DocID:       docID,
			ConfigID:    "cfg1",
			SourcePath:  "/data/a.txt",
			SourceID:    "id-1",
			Ordinal:     1000,
			ContentHash: "abc",
			Targets:     TargetStatus{Vector: true, Search: true, Graph: true},
		})
		require.NoError(t, err)

		got, err := store.GetDocumentState(ctx, "cfg1", docID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, int64(1000), got.Ordinal)
		assert.Equal(t, "abc", got.ContentHash)
		assert.NotNil(t, got.VectorSyncedAt)
		assert.NotNil(t, got.SearchSyncedAt)
		assert.NotNil(t, got.GraphSyncedAt)
		assert.True(t, got.FullySynced(false))
	})

	t.Run("partial apply leaves failed target nil", func(t *testing.T) {
		partial := DocID("cfg1", "/data/b.txt")

		err := store.CommitApply(ctx, &ApplyRecord{
			DocID:       partial,
			ConfigID:    "cfg1",
			SourcePath:  "/data/b.txt",
			Ordinal:     1001,
			ContentHash: "def",
			Targets:     TargetStatus{Vector: false, Search: true, Graph: true},
		})
		require.NoError(t, err)

		got, err := store.GetDocumentState(ctx, "cfg1", partial)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Nil(t, got.VectorSyncedAt)
		assert.NotNil(t, got.SearchSyncedAt)
		assert.False(t, got.FullySynced(false))
	})

	t.Run("resume sets only missing target", func(t *testing.T) {
		partial := DocID("cfg1", "/data/b.txt")

		before, err := store.GetDocumentState(ctx, "cfg1", partial)
		require.NoError(t, err)

		err = store.CommitApply(ctx, &ApplyRecord{
			DocID:       partial,
			ConfigID:    "cfg1",
			SourcePath:  "/data/b.txt",
			Ordinal:     1002,
			ContentHash: "def",
			Targets:     TargetStatus{Vector: true},
		})
		require.NoError(t, err)

		got, err := store.GetDocumentState(ctx, "cfg1", partial)
		require.NoError(t, err)
		assert.NotNil(t, got.VectorSyncedAt)
		// Search timestamp preserved from the earlier apply, not rewritten.
		assert.Equal(t, *before.SearchSyncedAt, *got.SearchSyncedAt)
		assert.Equal(t, int64(1002), got.Ordinal)
	})

	t.Run("empty source_id does not clobber known id", func(t *testing.T) {
		err := store.CommitApply(ctx, &ApplyRecord{
			DocID:       docID,
			ConfigID:    "cfg1",
			SourcePath:  "/data/a.txt",
			SourceID:    "",
			Ordinal:     2000,
			ContentHash: "abc2",
			Targets:     TargetStatus{Vector: true, Search: true, Graph: true},
		})
		require.NoError(t, err)

		got, err := store.GetDocumentState(ctx, "cfg1", docID)
		require.NoError(t, err)
		assert.Equal(t, "id-1", got.SourceID)
	})
}

func TestCommitDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	docID := DocID("cfg1", "/data/a.txt")

	require.NoError(t, store.CommitApply(ctx, &ApplyRecord{
		DocID: docID, ConfigID: "cfg1", SourcePath: "/data/a.txt",
		Ordinal: 1, ContentHash: "x",
		Targets: TargetStatus{Vector: true, Search: true, Graph: true},
	}))

	require.NoError(t, store.CommitDelete(ctx, docID))

	got, err := store.GetDocumentState(ctx, "cfg1", docID)
	require.NoError(t, err)
	assert.Nil(t, got)

	t.Run("delete unknown doc is a no-op", func(t *testing.T) {
		assert.NoError(t, store.CommitDelete(ctx, "cfg1:/never/seen"))
	})
}

func TestListDocumentStates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, path := range []string{"/a", "/b", "/c"} {
		require.NoError(t, store.CommitApply(ctx, &ApplyRecord{
			DocID: DocID("cfg1", path), ConfigID: "cfg1", SourcePath: path,
			Ordinal: 1, ContentHash: "x",
			Targets: TargetStatus{Vector: true, Search: true, Graph: true},
		}))
	}

	require.NoError(t, store.CommitApply(ctx, &ApplyRecord{
		DocID: DocID("cfg2", "/other"), ConfigID: "cfg2", SourcePath: "/other",
		Ordinal: 1, ContentHash: "y",
		Targets: TargetStatus{Vector: true, Search: true, Graph: true},
	}))

	t.Run("streams rows for one config only", func(t *testing.T) {
		var paths []string

		err := store.ListDocumentStates(ctx, "cfg1", func(d *DocumentState) error {
			paths = append(paths, d.SourcePath)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"/a", "/b", "/c"}, paths)
	})

	t.Run("callback error stops iteration", func(t *testing.T) {
		sentinel := errors.New("stop")
		count := 0

		err := store.ListDocumentStates(ctx, "cfg1", func(*DocumentState) error {
			count++
			return sentinel
		})
		assert.ErrorIs(t, err, sentinel)
		assert.Equal(t, 1, count)
	})
}

func TestAllocateOrdinal(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	t.Run("strictly increasing", func(t *testing.T) {
		var prev int64

		for range 100 {
			ord, err := store.AllocateOrdinal(ctx, "cfg1")
			require.NoError(t, err)
			assert.Greater(t, ord, prev)
			prev = ord
		}
	})

	t.Run("independent per config", func(t *testing.T) {
		a, err := store.AllocateOrdinal(ctx, "cfgA")
		require.NoError(t, err)
		b, err := store.AllocateOrdinal(ctx, "cfgB")
		require.NoError(t, err)

		assert.NotZero(t, a)
		assert.NotZero(t, b)
	})

	t.Run("advances past a future high-water mark", func(t *testing.T) {
		// Simulate clock regression: seed a high-water mark far in the future,
		// then allocate. The allocator must advance by one microsecond instead
		// of going backwards.
		future := int64(1) << 60
		_, err := store.db.ExecContext(ctx,
			`INSERT INTO config_ordinals (config_id, last_ordinal) VALUES ('cfgR', ?)`, future)
		require.NoError(t, err)

		ord, err := store.AllocateOrdinal(ctx, "cfgR")
		require.NoError(t, err)
		assert.Equal(t, future+1, ord)
	})
}
