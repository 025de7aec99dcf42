package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ragsync/ragsync/internal/source"
	"github.com/ragsync/ragsync/internal/state"
)

// docSummary is the compact per-row snapshot the reconciler joins against.
// Full rows are never materialized; the summary is a few dozen bytes per
// document, which keeps million-object sources in bounded memory.
type docSummary struct {
	sourceID    string
	modified    *int64
	fullySynced bool
}

// reconcilePass joins the detector's full enumeration against the stored
// document states and synthesizes the missing events: CREATE for unseen
// documents, UPDATE for changed or partially-synced ones, DELETE for rows
// whose document no longer exists in the source. The pass waits for all its
// synthetic events to finish applying.
func (e *Engine) reconcilePass(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	e.stats.Passes.Add(1)
	e.markSyncing(ctx)

	e.logger.Info("reconciliation pass started")

	known := make(map[string]docSummary)

	err := e.store.ListDocumentStates(ctx, e.cfg.ConfigID, func(ds *state.DocumentState) error {
		known[ds.DocID] = docSummary{
			sourceID:    ds.SourceID,
			modified:    ds.ModifiedTimestamp,
			fullySynced: ds.FullySynced(e.cfg.SkipGraph),
		}

		return nil
	})
	if err != nil {
		e.passFailed(ctx, err)
		return fmt.Errorf("listing document states: %w", err)
	}

	var (
		wg   sync.WaitGroup
		seen = make(map[string]struct{}, len(known))

		creates, updates, deletes int
	)

	err = e.detector.ListAll(ctx, func(meta source.FileMetadata) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		docID := state.DocID(e.cfg.ConfigID, meta.Path)
		seen[docID] = struct{}{}

		prev, exists := known[docID]

		switch {
		case !exists:
			creates++

			e.enqueueWait(source.NewEvent(source.ChangeCreate, meta), &wg)
		case !prev.fullySynced || summaryChanged(prev, meta):
			updates++

			e.enqueueWait(source.NewEvent(source.ChangeUpdate, meta), &wg)
		}

		return nil
	})
	if err != nil {
		wg.Wait()
		e.passFailed(ctx, err)

		return fmt.Errorf("enumerating source: %w", err)
	}

	for docID, prev := range known {
		if _, still := seen[docID]; still {
			continue
		}

		deletes++

		ev := source.NewEvent(source.ChangeDelete, source.FileMetadata{
			Path:     strings.TrimPrefix(docID, e.cfg.ConfigID+":"),
			SourceID: prev.sourceID,
		})
		e.enqueueWait(ev, &wg)
	}

	wg.Wait()

	e.passDone(ctx)

	e.logger.Info("reconciliation pass finished",
		slog.Int("creates", creates),
		slog.Int("updates", updates),
		slog.Int("deletes", deletes),
		slog.Int("unchanged", len(seen)-creates-updates),
	)

	return ctx.Err()
}

// summaryChanged reports whether the source's view of a document suggests
// its content may have changed. The content hash is the final arbiter
// during apply; this only decides whether an apply is worth scheduling.
// A document with no usable signal is left alone.
func summaryChanged(prev docSummary, meta source.FileMetadata) bool {
	if meta.SourceID != "" && prev.sourceID != "" && meta.SourceID != prev.sourceID {
		return true
	}

	if meta.ModifiedTimestamp != nil {
		if prev.modified == nil || *meta.ModifiedTimestamp != *prev.modified {
			return true
		}
	}

	return false
}

// passDone returns the config to idle with a fresh completion timestamp.
// last_error is left alone: applies within the pass own it.
func (e *Engine) passDone(ctx context.Context) {
	e.syncing.Store(false)

	if err := e.store.UpdateConfigStatus(ctx, e.cfg.ConfigID, state.StatusUpdate{
		Status:      state.StatusIdle,
		CompletedAt: state.Int64Ptr(state.NowNano()),
	}); err != nil && ctx.Err() == nil {
		e.logger.Warn("failed to record pass completion", slog.String("error", err.Error()))
	}
}

// passFailed records a pass-level failure without flipping sync_status to
// error; only the supervisor escalates to error on fatal conditions.
func (e *Engine) passFailed(ctx context.Context, passErr error) {
	e.syncing.Store(false)

	if err := e.store.UpdateConfigStatus(ctx, e.cfg.ConfigID, state.StatusUpdate{
		Status: state.StatusIdle,
		Error:  state.StringPtr(passErr.Error()),
	}); err != nil && ctx.Err() == nil {
		e.logger.Warn("failed to record pass failure", slog.String("error", err.Error()))
	}
}
