package source

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFsDetector(t *testing.T, rawParams string) *FilesystemDetector {
	t.Helper()

	d, err := NewFilesystemDetector(rawParams, true, testLogger())
	require.NoError(t, err)

	return d
}

func TestNewFilesystemDetector(t *testing.T) {
	t.Run("requires paths", func(t *testing.T) {
		_, err := NewFilesystemDetector(`{}`, true, testLogger())
		require.Error(t, err)
		assert.True(t, IsFatal(err))
	})

	t.Run("rejects malformed params", func(t *testing.T) {
		_, err := NewFilesystemDetector(`{broken`, true, testLogger())
		require.Error(t, err)
		assert.True(t, IsFatal(err))
	})

	t.Run("defaults", func(t *testing.T) {
		d := newFsDetector(t, `{"paths": ["/tmp"]}`)
		assert.Equal(t, 60*time.Second, d.params.quietPeriod())
		assert.True(t, d.params.recursive())
	})

	t.Run("explicit quiet period and non-recursive", func(t *testing.T) {
		d := newFsDetector(t, `{"paths": ["/tmp"], "quiet_period_seconds": 5, "recursive": false}`)
		assert.Equal(t, 5*time.Second, d.params.quietPeriod())
		assert.False(t, d.params.recursive())
	})
}

func TestRecordPendingMergeRules(t *testing.T) {
	tests := []struct {
		name string
		seq  []ChangeType
		want ChangeType
	}{
		{"create then write storm stays create", []ChangeType{ChangeCreate, ChangeUpdate, ChangeUpdate}, ChangeCreate},
		{"update stays update", []ChangeType{ChangeUpdate, ChangeUpdate}, ChangeUpdate},
		{"delete is never swallowed", []ChangeType{ChangeCreate, ChangeDelete}, ChangeDelete},
		{"update then delete is delete", []ChangeType{ChangeUpdate, ChangeDelete}, ChangeDelete},
		{"delete then create is replace", []ChangeType{ChangeDelete, ChangeCreate}, ChangeUpdate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newFsDetector(t, `{"paths": ["/tmp"]}`)

			for _, typ := range tt.seq {
				d.recordPending("a/b.txt", typ)
			}

			require.Contains(t, d.pending, "a/b.txt")
			assert.Equal(t, tt.want, d.pending["a/b.txt"].typ)
		})
	}
}

func TestFlushQuiet(t *testing.T) {
	t.Run("holds events inside the quiet period", func(t *testing.T) {
		d := newFsDetector(t, `{"paths": ["/tmp"], "quiet_period_seconds": 3600}`)
		d.recordPending("a.txt", ChangeUpdate)

		d.flushQuiet(context.Background())

		assert.Len(t, d.pending, 1)
		assert.Empty(t, d.events)
	})

	t.Run("emits once the quiet period elapses", func(t *testing.T) {
		dir := t.TempDir()
		file := filepath.Join(dir, "a.txt")
		require.NoError(t, os.WriteFile(file, []byte("hello"), 0o644))

		d := newFsDetector(t, `{"paths": ["`+filepath.ToSlash(dir)+`"], "quiet_period_seconds": 1}`)
		d.recordPending(filepath.ToSlash(file), ChangeUpdate)
		d.pending[filepath.ToSlash(file)].lastSeen = time.Now().Add(-2 * time.Second)

		d.flushQuiet(context.Background())

		require.Len(t, d.events, 1)

		ev := <-d.events
		assert.Equal(t, ChangeUpdate, ev.Type)
		assert.Equal(t, filepath.ToSlash(file), ev.Meta.Path)
		require.NotNil(t, ev.Meta.Size)
		assert.Equal(t, int64(5), *ev.Meta.Size)
		assert.Empty(t, d.pending)
	})

	t.Run("vanished file becomes delete", func(t *testing.T) {
		d := newFsDetector(t, `{"paths": ["/tmp"], "quiet_period_seconds": 1}`)
		d.recordPending("/tmp/definitely-gone-ragsync-test.txt", ChangeCreate)
		d.pending["/tmp/definitely-gone-ragsync-test.txt"].lastSeen = time.Now().Add(-2 * time.Second)

		d.flushQuiet(context.Background())

		require.Len(t, d.events, 1)

		ev := <-d.events
		assert.Equal(t, ChangeDelete, ev.Type)
	})
}

func TestFilesystemListAll(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.md"), []byte("b"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "c.txt"), []byte("c"), 0o644))

	t.Run("recursive with suffix filter", func(t *testing.T) {
		d := newFsDetector(t, `{"paths": ["`+filepath.ToSlash(dir)+`"], "suffix": ".txt"}`)

		var paths []string
		err := d.ListAll(context.Background(), func(meta FileMetadata) error {
			paths = append(paths, meta.Path)
			require.NotNil(t, meta.ModifiedTimestamp)
			require.NotNil(t, meta.Size)
			return nil
		})
		require.NoError(t, err)

		assert.ElementsMatch(t, []string{
			filepath.ToSlash(filepath.Join(dir, "a.txt")),
			filepath.ToSlash(filepath.Join(dir, "sub", "c.txt")),
		}, paths)
	})

	t.Run("non-recursive skips subdirectories", func(t *testing.T) {
		d := newFsDetector(t, `{"paths": ["`+filepath.ToSlash(dir)+`"], "recursive": false}`)

		var paths []string
		err := d.ListAll(context.Background(), func(meta FileMetadata) error {
			paths = append(paths, meta.Path)
			return nil
		})
		require.NoError(t, err)

		assert.Len(t, paths, 2)
	})

	t.Run("callback error stops enumeration", func(t *testing.T) {
		d := newFsDetector(t, `{"paths": ["`+filepath.ToSlash(dir)+`"]}`)

		count := 0
		err := d.ListAll(context.Background(), func(FileMetadata) error {
			count++
			return assert.AnError
		})
		require.ErrorIs(t, err, assert.AnError)
		assert.Equal(t, 1, count)
	})
}

func TestFilesystemLoad(t *testing.T) {
	t.Run("reads file bytes", func(t *testing.T) {
		dir := t.TempDir()
		file := filepath.Join(dir, "a.txt")
		require.NoError(t, os.WriteFile(file, []byte("content"), 0o644))

		d := newFsDetector(t, `{"paths": ["`+filepath.ToSlash(dir)+`"]}`)

		data, err := d.Load(context.Background(), FileMetadata{Path: filepath.ToSlash(file)})
		require.NoError(t, err)
		assert.Equal(t, []byte("content"), data)
	})

	t.Run("missing file is not found", func(t *testing.T) {
		d := newFsDetector(t, `{"paths": ["/tmp"]}`)

		_, err := d.Load(context.Background(), FileMetadata{Path: "/tmp/no-such-ragsync-file.txt"})
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestFilesystemStreamDisabled(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644))

	d, err := NewFilesystemDetector(`{"paths": ["`+filepath.ToSlash(dir)+`"]}`, false, testLogger())
	require.NoError(t, err)

	require.NoError(t, d.Start(context.Background()))
	defer d.Stop() //nolint:errcheck

	// No watcher, no events; reconciliation through ListAll still works.
	assert.Nil(t, d.watcher)

	var paths []string
	require.NoError(t, d.ListAll(context.Background(), func(meta FileMetadata) error {
		paths = append(paths, meta.Path)
		return nil
	}))
	assert.Len(t, paths, 1)
}

func TestFilesystemLifecycle(t *testing.T) {
	dir := t.TempDir()
	d := newFsDetector(t, `{"paths": ["`+filepath.ToSlash(dir)+`"], "quiet_period_seconds": 1}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, d.Start(ctx))
	require.NoError(t, d.Stop())

	// Channel closed, no further events.
	_, open := <-d.Subscribe()
	assert.False(t, open)

	// Stop is idempotent.
	require.NoError(t, d.Stop())
}
