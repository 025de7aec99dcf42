package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ragsync/ragsync/internal/source"
	"github.com/ragsync/ragsync/internal/state"
)

// Retry and backoff constants for transient apply failures. Documents that
// exhaust their retries are left partially synced; the periodic reconciler
// picks them up again.
const (
	maxApplyRetries = 5
	baseBackoff     = 1 * time.Second
	maxBackoff      = 60 * time.Second
	backoffFactor   = 2.0
	jitterFraction  = 0.2
)

// Stats counts engine activity since start. Read through Snapshot.
type Stats struct {
	Applied        atomic.Int64
	ShortCircuited atomic.Int64
	Deleted        atomic.Int64
	Failed         atomic.Int64
	Passes         atomic.Int64
}

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	Applied        int64
	ShortCircuited int64
	Deleted        int64
	Failed         int64
	Passes         int64
	Suppressed     int
}

// Engine drives the incremental sync for one datasource config: it consumes
// the detector's event stream, runs the periodic reconciler, and applies
// each change to the index writers under per-document serialization.
type Engine struct {
	cfg      *state.DatasourceConfig
	store    state.Store
	detector source.Detector
	writers  *Writers
	logger   *slog.Logger

	lanes    *laneSet
	failures *failureTracker
	syncNow  singleflight.Group
	stats    Stats

	// onFatal, when set, is invoked at most once with the first fatal
	// source error. The supervisor uses it to stop the engine and mark the
	// config as errored; the engine itself never writes sync_status=error.
	onFatal   func(error)
	fatalOnce sync.Once

	// syncing tracks whether sync_status=syncing has been written for the
	// current burst of work.
	syncing atomic.Bool

	// sleepFunc is called to wait between retries. Tests override this to
	// avoid real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates an engine for one datasource. The detector must already be
// constructed (but not necessarily started); the supervisor owns both
// lifecycles.
func New(cfg *state.DatasourceConfig, store state.Store, detector source.Detector, writers *Writers, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		cfg:       cfg,
		store:     store,
		detector:  detector,
		writers:   writers,
		logger:    logger.With(slog.String("config_id", cfg.ConfigID)),
		lanes:     newLaneSet(writers.applyWorkers()),
		failures:  newFailureTracker(),
		sleepFunc: sleepCtx,
	}
}

// OnFatal registers a handler for unrecoverable source errors. Must be
// called before Start. The handler runs on its own goroutine so it may call
// Stop without deadlocking.
func (e *Engine) OnFatal(fn func(error)) {
	e.onFatal = fn
}

// Start launches the event consumer and the periodic reconciler.
func (e *Engine) Start(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(2)

	go e.eventLoop()
	go e.reconcileLoop()

	e.logger.Info("engine started",
		slog.String("source_type", string(e.cfg.SourceType)),
		slog.Duration("refresh_interval", e.cfg.RefreshInterval()),
	)

	return nil
}

// Stop cancels the loops and drains the lanes. In-flight applies finish;
// queued work for untouched documents runs to completion against the
// already-canceled context and fails fast, leaving partial-sync rows for the
// next start.
func (e *Engine) Stop() error {
	e.stopOnce.Do(func() {
		e.cancel()
		e.wg.Wait()
		e.lanes.Close()

		e.logger.Info("engine stopped")
	})

	return nil
}

// StatsSnapshot returns current counter values.
func (e *Engine) StatsSnapshot() StatsSnapshot {
	return StatsSnapshot{
		Applied:        e.stats.Applied.Load(),
		ShortCircuited: e.stats.ShortCircuited.Load(),
		Deleted:        e.stats.Deleted.Load(),
		Failed:         e.stats.Failed.Load(),
		Passes:         e.stats.Passes.Load(),
		Suppressed:     e.failures.Len(),
	}
}

// eventLoop consumes the detector's subscription stream.
func (e *Engine) eventLoop() {
	defer e.wg.Done()

	events := e.detector.Subscribe()

	for {
		select {
		case <-e.ctx.Done():
			return

		case ev, ok := <-events:
			if !ok {
				return
			}

			if ev.Type == source.ChangeResync {
				e.logger.Warn("detector lost continuity, running reconciliation")

				if _, err := e.SyncNow(e.ctx); err != nil && e.ctx.Err() == nil {
					e.logger.Error("resync reconciliation failed", slog.String("error", err.Error()))
					e.noteFatal(err)
				}

				continue
			}

			e.enqueue(ev)
		}
	}
}

// reconcileLoop fires a reconciliation pass every refresh interval.
func (e *Engine) reconcileLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.RefreshInterval())
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.SyncNow(e.ctx); err != nil && e.ctx.Err() == nil {
				e.logger.Error("reconciliation pass failed", slog.String("error", err.Error()))
				e.noteFatal(err)
			}
		}
	}
}

// SyncNow runs exactly one reconciliation pass and returns when it finishes.
// Concurrent invocations collapse into the in-flight pass; followers share
// its outcome. Forced passes also clear the permanent-failure suppression
// set so operators can retry stuck documents.
func (e *Engine) SyncNow(ctx context.Context) (StatsSnapshot, error) {
	_, err, _ := e.syncNow.Do("pass", func() (any, error) {
		return nil, e.reconcilePass(ctx)
	})

	return e.StatsSnapshot(), err
}

// ForceSync clears failure suppression and runs a pass.
func (e *Engine) ForceSync(ctx context.Context) (StatsSnapshot, error) {
	e.failures.Reset()
	return e.SyncNow(ctx)
}

// enqueue routes an event to its document's lane.
func (e *Engine) enqueue(ev source.ChangeEvent) {
	docID := state.DocID(e.cfg.ConfigID, ev.Meta.Path)

	e.lanes.Submit(docID, func() {
		e.apply(e.ctx, docID, ev, 0)
	})
}

// enqueueWait is enqueue plus pass-accounting: wg is released when the apply
// (including retries) finishes. Used by reconciliation so a pass can await
// its synthetic events.
func (e *Engine) enqueueWait(ev source.ChangeEvent, wg *sync.WaitGroup) {
	docID := state.DocID(e.cfg.ConfigID, ev.Meta.Path)

	wg.Add(1)

	if !e.lanes.Submit(docID, func() {
		defer wg.Done()
		e.apply(e.ctx, docID, ev, 0)
	}) {
		wg.Done()
	}
}

// apply executes one change event under the document's lane.
func (e *Engine) apply(ctx context.Context, docID string, ev source.ChangeEvent, attempt int) {
	if ctx.Err() != nil {
		return
	}

	var err error

	switch ev.Type {
	case source.ChangeDelete:
		err = e.applyDelete(ctx, docID, ev)
	default:
		err = e.applyUpsert(ctx, docID, ev, attempt)
	}

	if err != nil && ctx.Err() == nil {
		e.stats.Failed.Add(1)
		e.logger.Warn("apply failed",
			slog.String("doc_id", docID),
			slog.String("change", ev.Type.String()),
			slog.String("error", err.Error()),
		)

		e.recordError(ctx, err)
		e.noteFatal(err)
	}
}

// noteFatal escalates the first fatal source error to the registered
// handler. Runs the handler on its own goroutine: the handler is expected to
// call Stop, which waits for in-flight work.
func (e *Engine) noteFatal(err error) {
	if e.onFatal == nil || !source.IsFatal(err) {
		return
	}

	e.fatalOnce.Do(func() {
		go e.onFatal(err)
	})
}

// applyUpsert handles CREATE and UPDATE events. CREATE for a known document
// and UPDATE for an unknown one follow the same path; the distinction only
// exists at the source.
func (e *Engine) applyUpsert(ctx context.Context, docID string, ev source.ChangeEvent, attempt int) error {
	data, err := e.detector.Load(ctx, ev.Meta)
	if err != nil {
		switch {
		case source.IsNotFound(err):
			// Vanished between event and load.
			return e.applyDelete(ctx, docID, ev)

		case source.IsTransient(err) && attempt < maxApplyRetries:
			e.requeue(docID, ev, attempt)
			return nil

		default:
			return fmt.Errorf("load %s: %w", ev.Meta.Path, err)
		}
	}

	sum := sha256.Sum256(data)
	newHash := hex.EncodeToString(sum[:])

	if e.failures.Suppressed(docID, newHash) {
		return nil
	}

	prev, err := e.store.GetDocumentState(ctx, e.cfg.ConfigID, docID)
	if err != nil {
		return fmt.Errorf("reading state: %w", err)
	}

	ordinal, err := e.store.AllocateOrdinal(ctx, e.cfg.ConfigID)
	if err != nil {
		return fmt.Errorf("allocating ordinal: %w", err)
	}

	e.markSyncing(ctx)

	rec := &state.ApplyRecord{
		DocID:             docID,
		ConfigID:          e.cfg.ConfigID,
		SourcePath:        ev.Meta.Path,
		SourceID:          ev.Meta.SourceID,
		Ordinal:           ordinal,
		ContentHash:       newHash,
		ModifiedTimestamp: ev.Meta.ModifiedTimestamp,
	}

	// Unchanged content with every target already synced: touch only the
	// ordinal and timestamps, invoke nothing.
	if prev != nil && prev.ContentHash == newHash && prev.FullySynced(e.cfg.SkipGraph) {
		if err := e.store.CommitApply(ctx, rec); err != nil {
			return fmt.Errorf("commit short-circuit: %w", err)
		}

		e.stats.ShortCircuited.Add(1)
		e.finishApply(ctx, ordinal)

		return nil
	}

	// Unchanged content, partially synced: write only the missing targets.
	need := state.TargetStatus{Vector: true, Search: true, Graph: !e.cfg.SkipGraph}
	if prev != nil && prev.ContentHash == newHash {
		need = state.TargetStatus{
			Vector: prev.VectorSyncedAt == nil,
			Search: prev.SearchSyncedAt == nil,
			Graph:  !e.cfg.SkipGraph && prev.GraphSyncedAt == nil,
		}
	}

	payload, err := e.writers.Processor.Process(ctx, e.documentMeta(docID, ev, ordinal), data)
	if err != nil {
		if isPermanent(err) {
			e.failures.MarkFailed(docID, newHash)
			return fmt.Errorf("processing %s: %w", ev.Meta.Path, err)
		}

		if attempt < maxApplyRetries {
			e.requeue(docID, ev, attempt)
			return nil
		}

		return fmt.Errorf("processing %s: %w", ev.Meta.Path, err)
	}

	got, writeErr := e.writeTargets(ctx, payload, need)
	rec.Targets = got

	if err := e.store.CommitApply(ctx, rec); err != nil {
		return fmt.Errorf("commit apply: %w", err)
	}

	if writeErr != nil {
		if isPermanent(writeErr) {
			e.failures.MarkFailed(docID, newHash)
		}

		// Failed targets keep null timestamps; the reconciler resumes them.
		return fmt.Errorf("writing %s: %w", ev.Meta.Path, writeErr)
	}

	e.failures.Clear(docID)
	e.stats.Applied.Add(1)
	e.finishApply(ctx, ordinal)

	return nil
}

// writeTargets fans the payload out to the targets marked in need, each
// under its own deadline. All needed targets are attempted even when an
// earlier one fails; the returned status records which succeeded.
func (e *Engine) writeTargets(ctx context.Context, payload *IndexPayload, need state.TargetStatus) (state.TargetStatus, error) {
	var (
		got      state.TargetStatus
		firstErr error
	)

	call := func(name string, fn func(context.Context) error) bool {
		wctx, cancel := context.WithTimeout(ctx, e.writers.writeTimeout())
		defer cancel()

		if err := fn(wctx); err != nil {
			e.logger.Warn("target write failed",
				slog.String("doc_id", payload.Meta.DocID),
				slog.String("target", name),
				slog.String("error", err.Error()),
			)

			if firstErr == nil || (isPermanent(err) && !isPermanent(firstErr)) {
				firstErr = fmt.Errorf("%s: %w", name, err)
			}

			return false
		}

		return true
	}

	if need.Vector {
		got.Vector = call("vector", func(c context.Context) error {
			return e.writers.Vector.Upsert(c, payload)
		})
	}

	if need.Search {
		got.Search = call("search", func(c context.Context) error {
			return e.writers.Search.Upsert(c, payload)
		})
	}

	if need.Graph && e.writers.Graph != nil {
		got.Graph = call("graph", func(c context.Context) error {
			return e.writers.Graph.Replace(c, payload)
		})
	}

	return got, firstErr
}

// applyDelete handles DELETE events. Writer deletes are issued even for
// unknown documents; a missing row makes the state commit a no-op.
func (e *Engine) applyDelete(ctx context.Context, docID string, ev source.ChangeEvent) error {
	if _, err := e.store.AllocateOrdinal(ctx, e.cfg.ConfigID); err != nil {
		return fmt.Errorf("allocating ordinal: %w", err)
	}

	e.markSyncing(ctx)

	var firstErr error

	del := func(name string, fn func(context.Context) error) {
		wctx, cancel := context.WithTimeout(ctx, e.writers.writeTimeout())
		defer cancel()

		if err := fn(wctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%s: %w", name, err)
		}
	}

	del("vector", func(c context.Context) error { return e.writers.Vector.Delete(c, docID) })
	del("search", func(c context.Context) error { return e.writers.Search.Delete(c, docID) })

	if !e.cfg.SkipGraph && e.writers.Graph != nil {
		del("graph", func(c context.Context) error { return e.writers.Graph.Delete(c, docID) })
	}

	if firstErr != nil {
		// The row survives so the next pass retries the delete.
		return fmt.Errorf("deleting %s: %w", docID, firstErr)
	}

	if err := e.store.CommitDelete(ctx, docID); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}

	e.failures.Clear(docID)
	e.stats.Deleted.Add(1)
	e.finishApply(ctx, 0)

	return nil
}

// requeue schedules the event for another attempt after backoff, keeping the
// document's lane ordering.
func (e *Engine) requeue(docID string, ev source.ChangeEvent, attempt int) {
	backoff := calcBackoff(attempt)

	e.logger.Debug("requeueing after transient failure",
		slog.String("doc_id", docID),
		slog.Int("attempt", attempt+1),
		slog.Duration("backoff", backoff),
	)

	e.wg.Add(1)

	go func() {
		defer e.wg.Done()

		if e.sleepFunc(e.ctx, backoff) != nil {
			return
		}

		e.lanes.Submit(docID, func() {
			e.apply(e.ctx, docID, ev, attempt+1)
		})
	}()
}

// documentMeta builds the writer-facing identity for one apply.
func (e *Engine) documentMeta(docID string, ev source.ChangeEvent, ordinal int64) DocumentMeta {
	return DocumentMeta{
		DocID:             docID,
		ConfigID:          e.cfg.ConfigID,
		ProjectID:         e.cfg.ProjectID,
		SourcePath:        ev.Meta.Path,
		SourceName:        e.cfg.SourceName,
		Ordinal:           ordinal,
		ModifiedTimestamp: ev.Meta.ModifiedTimestamp,
	}
}

// markSyncing flips the config to sync_status=syncing once per work burst.
func (e *Engine) markSyncing(ctx context.Context) {
	if e.syncing.Swap(true) {
		return
	}

	if err := e.store.UpdateConfigStatus(ctx, e.cfg.ConfigID, state.StatusUpdate{
		Status: state.StatusSyncing,
	}); err != nil && ctx.Err() == nil {
		e.logger.Warn("failed to mark syncing", slog.String("error", err.Error()))
	}
}

// finishApply records the high-water ordinal and returns the config to idle.
// A zero ordinal only updates completion time.
func (e *Engine) finishApply(ctx context.Context, ordinal int64) {
	e.syncing.Store(false)

	upd := state.StatusUpdate{
		Status:      state.StatusIdle,
		CompletedAt: state.Int64Ptr(state.NowNano()),
		Error:       state.StringPtr(""),
	}

	if ordinal > 0 {
		upd.Ordinal = state.Int64Ptr(ordinal)
	}

	if err := e.store.UpdateConfigStatus(ctx, e.cfg.ConfigID, upd); err != nil && ctx.Err() == nil {
		e.logger.Warn("failed to record completion", slog.String("error", err.Error()))
	}
}

// recordError notes a per-document failure on the config without changing
// sync_status: individual documents failing never halts the engine.
func (e *Engine) recordError(ctx context.Context, applyErr error) {
	e.syncing.Store(false)

	if err := e.store.UpdateConfigStatus(ctx, e.cfg.ConfigID, state.StatusUpdate{
		Status: state.StatusIdle,
		Error:  state.StringPtr(applyErr.Error()),
	}); err != nil && ctx.Err() == nil {
		e.logger.Warn("failed to record error", slog.String("error", err.Error()))
	}
}

// isPermanent reports whether the error is unretryable for this revision.
// Source-level fatal errors also count: retrying an auth failure per
// document is pointless.
func isPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe) || source.IsFatal(err)
}

// calcBackoff computes exponential backoff with ±20% jitter for the given
// zero-based attempt number.
func calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	return time.Duration(backoff)
}

// sleepCtx waits for the given duration or until the context is canceled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
