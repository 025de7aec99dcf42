package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Filesystem detector defaults.
const (
	defaultQuietPeriod = 60 * time.Second
	flushTick          = 1 * time.Second
	fsEventBuf         = 256
	// maxReadRetryWindow bounds retries on locked files (Windows sharing
	// violations surface as transient open errors).
	maxReadRetryWindow = 5 * time.Second
)

// FilesystemParams is the connection_params bag for filesystem sources.
type FilesystemParams struct {
	Paths             []string `json:"paths"`
	QuietPeriodSecs   int      `json:"quiet_period_seconds"`
	Recursive         *bool    `json:"recursive"`
	Prefix            string   `json:"prefix"`
	Suffix            string   `json:"suffix"`
}

// quietPeriod returns the configured debounce window or the default.
func (p *FilesystemParams) quietPeriod() time.Duration {
	if p.QuietPeriodSecs > 0 {
		return time.Duration(p.QuietPeriodSecs) * time.Second
	}

	return defaultQuietPeriod
}

// recursive defaults to true.
func (p *FilesystemParams) recursive() bool {
	return p.Recursive == nil || *p.Recursive
}

// pendingChange is a debounced event waiting for its quiet period to elapse.
type pendingChange struct {
	typ      ChangeType
	lastSeen time.Time
}

// FilesystemDetector watches one or more local directory trees with fsnotify
// and enumerates them with a recursive walk. A quiet-period debounce
// collapses editor save storms into a single event per path.
type FilesystemDetector struct {
	params FilesystemParams
	filter Filter
	stream bool
	logger *slog.Logger

	events  chan ChangeEvent
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*pendingChange

	stopOnce sync.Once
	stopped  chan struct{}
	wg       sync.WaitGroup
}

// NewFilesystemDetector builds a detector from raw connection params.
func NewFilesystemDetector(rawParams string, streamEnabled bool, logger *slog.Logger) (*FilesystemDetector, error) {
	var params FilesystemParams
	if err := json.Unmarshal([]byte(rawParams), &params); err != nil {
		return nil, Fatal(fmt.Errorf("filesystem params: %w", err))
	}

	if len(params.Paths) == 0 {
		return nil, Fatal(errors.New("filesystem params: paths is required"))
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &FilesystemDetector{
		params:  params,
		filter:  Filter{Prefix: params.Prefix, Suffix: params.Suffix},
		stream:  streamEnabled,
		logger:  logger,
		events:  make(chan ChangeEvent, fsEventBuf),
		pending: make(map[string]*pendingChange),
		stopped: make(chan struct{}),
	}, nil
}

// Start creates the fsnotify watcher and begins the watch and flush loops.
// When the watcher cannot be created the detector downgrades to periodic-only
// mode: ListAll keeps working and the downgrade is logged once.
func (d *FilesystemDetector) Start(ctx context.Context) error {
	for _, root := range d.params.Paths {
		info, err := os.Stat(root)
		if err != nil {
			return Fatal(fmt.Errorf("filesystem root %s: %w", root, err))
		}

		if !info.IsDir() {
			return Fatal(fmt.Errorf("filesystem root %s is not a directory", root))
		}
	}

	if !d.stream {
		d.logger.Info("change stream disabled, running in periodic-only mode")
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.logger.Info("filesystem watch unavailable, downgrading to periodic-only mode",
			slog.String("error", err.Error()))
		return nil
	}

	d.watcher = watcher

	for _, root := range d.params.Paths {
		if err := d.addWatchTree(root); err != nil {
			d.logger.Warn("failed to register watch tree",
				slog.String("root", root), slog.String("error", err.Error()))
		}
	}

	d.wg.Add(2)

	go d.watchLoop(ctx)
	go d.flushLoop(ctx)

	d.logger.Info("filesystem detector started",
		slog.Int("roots", len(d.params.Paths)),
		slog.Duration("quiet_period", d.params.quietPeriod()),
	)

	return nil
}

// addWatchTree registers root and, when recursive, every subdirectory.
func (d *FilesystemDetector) addWatchTree(root string) error {
	if err := d.watcher.Add(root); err != nil {
		return fmt.Errorf("watch %s: %w", root, err)
	}

	if !d.params.recursive() {
		return nil
	}

	return filepath.WalkDir(root, func(p string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil || !entry.IsDir() || p == root {
			return nil
		}

		if err := d.watcher.Add(p); err != nil {
			d.logger.Warn("failed to watch subdirectory",
				slog.String("path", p), slog.String("error", err.Error()))
		}

		return nil
	})
}

// watchLoop reads fsnotify events and records them as pending changes.
func (d *FilesystemDetector) watchLoop(ctx context.Context) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopped:
			return

		case ev, ok := <-d.watcher.Events:
			if !ok {
				return
			}

			d.handleFsEvent(ev)

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}

			d.logger.Warn("filesystem watcher error", slog.String("error", err.Error()))
		}
	}
}

// handleFsEvent classifies a single fsnotify event into a pending change.
// Chmod-only events are noise and dropped.
func (d *FilesystemDetector) handleFsEvent(ev fsnotify.Event) {
	if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}

	p := filepath.ToSlash(ev.Name)
	if !d.filter.Match(p) {
		return
	}

	// New directories need a watch registered before their contents settle.
	if ev.Has(fsnotify.Create) && d.params.recursive() {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := d.watcher.Add(ev.Name); err != nil {
				d.logger.Warn("failed to watch new directory",
					slog.String("path", p), slog.String("error", err.Error()))
			}

			return
		}
	}

	var typ ChangeType

	switch {
	case ev.Has(fsnotify.Create):
		typ = ChangeCreate
	case ev.Has(fsnotify.Write):
		typ = ChangeUpdate
	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		typ = ChangeDelete
	default:
		return
	}

	d.recordPending(p, typ)
}

// recordPending merges an event into the debounce map. A CREATE followed by
// rapid UPDATEs stays a CREATE; any event followed by DELETE becomes DELETE;
// a DELETE followed by a CREATE becomes an UPDATE (replace-by-rename).
func (d *FilesystemDetector) recordPending(p string, typ ChangeType) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()

	existing, ok := d.pending[p]
	if !ok {
		d.pending[p] = &pendingChange{typ: typ, lastSeen: now}
		return
	}

	existing.lastSeen = now

	switch {
	case typ == ChangeDelete:
		existing.typ = ChangeDelete
	case existing.typ == ChangeDelete:
		existing.typ = ChangeUpdate
	case existing.typ == ChangeCreate:
		// create + write storms stay a single create
	default:
		existing.typ = typ
	}
}

// flushLoop emits pending changes whose quiet period has elapsed.
func (d *FilesystemDetector) flushLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(flushTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopped:
			return
		case <-ticker.C:
			d.flushQuiet(ctx)
		}
	}
}

// flushQuiet emits every pending change older than the quiet period.
func (d *FilesystemDetector) flushQuiet(ctx context.Context) {
	quiet := d.params.quietPeriod()
	now := time.Now()

	d.mu.Lock()

	var ready []ChangeEvent

	for p, pc := range d.pending {
		if now.Sub(pc.lastSeen) < quiet {
			continue
		}

		ev := NewEvent(pc.typ, FileMetadata{Path: p})

		if pc.typ != ChangeDelete {
			if info, err := os.Stat(p); err == nil {
				ev.Meta.ModifiedTimestamp = int64Ptr(info.ModTime().UnixNano())
				ev.Meta.Size = int64Ptr(info.Size())
			} else if os.IsNotExist(err) {
				ev.Type = ChangeDelete
			}
		}

		ready = append(ready, ev)
		delete(d.pending, p)
	}

	d.mu.Unlock()

	for i := range ready {
		select {
		case d.events <- ready[i]:
		case <-ctx.Done():
			return
		case <-d.stopped:
			return
		}
	}
}

// Stop releases the watcher and closes the event channel.
func (d *FilesystemDetector) Stop() error {
	d.stopOnce.Do(func() {
		close(d.stopped)

		if d.watcher != nil {
			if err := d.watcher.Close(); err != nil {
				d.logger.Warn("error closing watcher", slog.String("error", err.Error()))
			}
		}

		d.wg.Wait()
		close(d.events)

		d.logger.Info("filesystem detector stopped")
	})

	return nil
}

// Subscribe returns the event channel.
func (d *FilesystemDetector) Subscribe() <-chan ChangeEvent {
	return d.events
}

// ListAll walks every configured root and streams file metadata through fn.
func (d *FilesystemDetector) ListAll(ctx context.Context, fn func(FileMetadata) error) error {
	for _, root := range d.params.Paths {
		if err := d.walkRoot(ctx, root, fn); err != nil {
			return err
		}
	}

	return nil
}

// walkRoot enumerates a single root directory.
func (d *FilesystemDetector) walkRoot(ctx context.Context, root string, fn func(FileMetadata) error) error {
	return filepath.WalkDir(root, func(p string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			d.logger.Warn("walk error", slog.String("path", p), slog.String("error", walkErr.Error()))
			if entry != nil && entry.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if entry.IsDir() {
			if p != root && !d.params.recursive() {
				return filepath.SkipDir
			}

			return nil
		}

		// Symlinks are never indexed.
		if entry.Type()&fs.ModeSymlink != 0 {
			return nil
		}

		slashPath := filepath.ToSlash(p)
		if !d.filter.Match(slashPath) {
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			// File disappeared between readdir and stat.
			return nil
		}

		return fn(FileMetadata{
			Path:              slashPath,
			ModifiedTimestamp: int64Ptr(info.ModTime().UnixNano()),
			Size:              int64Ptr(info.Size()),
		})
	})
}

// Load reads the file's current bytes. Locked files (Windows sharing
// violations) are retried with exponential backoff for up to five seconds.
func (d *FilesystemDetector) Load(ctx context.Context, meta FileMetadata) ([]byte, error) {
	deadline := time.Now().Add(maxReadRetryWindow)

	var attempt int
	for {
		data, err := os.ReadFile(filepath.FromSlash(meta.Path))
		if err == nil {
			return data, nil
		}

		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}

		backoff := calcBackoff(attempt)
		if time.Now().Add(backoff).After(deadline) {
			return nil, Transient(fmt.Errorf("reading %s: %w", meta.Path, err))
		}

		d.logger.Debug("read failed, retrying",
			slog.String("path", meta.Path),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()),
		)

		if sleepErr := sleepCtx(ctx, backoff); sleepErr != nil {
			return nil, Transient(sleepErr)
		}

		attempt++
	}
}

// int64Ptr returns a pointer to the given value.
func int64Ptr(v int64) *int64 {
	return &v
}

// Compile-time interface check.
var _ Detector = (*FilesystemDetector)(nil)
