// Package supervisor runs one detector+engine pair per active datasource
// config. It owns their lifecycles (start, stop, reload, sync-now) and is the
// only component that writes sync_status=error: engines record per-document
// failures in last_error, the supervisor escalates fatal source failures.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ragsync/ragsync/internal/engine"
	"github.com/ragsync/ragsync/internal/source"
	"github.com/ragsync/ragsync/internal/state"
)

// runner is one managed detector+engine pair.
type runner struct {
	cfg      *state.DatasourceConfig
	detector source.Detector
	engine   *engine.Engine
	cancel   context.CancelFunc
}

// Supervisor orchestrates all engines in the process. Safe for concurrent
// use; the map of runners is guarded so at most one engine ever runs per
// config.
type Supervisor struct {
	store   state.Store
	writers *engine.Writers
	logger  *slog.Logger

	mu      sync.Mutex
	runners map[string]*runner
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// New creates a supervisor over the given store. The writers bundle is
// shared by every engine; per-config skip_graph is honored by the engines
// themselves.
func New(store state.Store, writers *engine.Writers, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}

	return &Supervisor{
		store:   store,
		writers: writers,
		logger:  logger,
		runners: make(map[string]*runner),
	}
}

// Start reads every active config and launches a runner for each. A single
// config failing to start marks that config as errored and does not affect
// the others.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()

	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: already started")
	}

	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	configs, err := s.store.ListActiveConfigs(ctx)
	if err != nil {
		return fmt.Errorf("supervisor: listing active configs: %w", err)
	}

	for _, cfg := range configs {
		if err := s.startRunner(cfg); err != nil {
			s.logger.Error("datasource failed to start",
				slog.String("config_id", cfg.ConfigID),
				slog.String("source_type", string(cfg.SourceType)),
				slog.String("error", err.Error()),
			)

			s.markError(ctx, cfg.ConfigID, err)
		}
	}

	s.logger.Info("supervisor started", slog.Int("datasources", s.Len()))

	return nil
}

// startRunner builds and starts the detector+engine pair for one config.
// Callers hold no lock; the runner map insertion is the serialization point
// that guarantees a single engine per config.
func (s *Supervisor) startRunner(cfg *state.DatasourceConfig) error {
	s.mu.Lock()

	if _, running := s.runners[cfg.ConfigID]; running {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: engine already running for %s", cfg.ConfigID)
	}

	// Reserve the slot before the (slow) detector start.
	s.runners[cfg.ConfigID] = nil
	ctx := s.ctx

	s.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}

	release := func() {
		s.mu.Lock()
		delete(s.runners, cfg.ConfigID)
		s.mu.Unlock()
	}

	det, err := source.New(cfg, s.logger)
	if err != nil {
		release()
		return fmt.Errorf("building detector: %w", err)
	}

	rctx, cancel := context.WithCancel(ctx)

	if err := det.Start(rctx); err != nil {
		cancel()
		release()

		return fmt.Errorf("starting detector: %w", err)
	}

	eng := engine.New(cfg, s.store, det, s.writers, s.logger)

	eng.OnFatal(func(fatalErr error) {
		s.logger.Error("fatal source error, stopping datasource",
			slog.String("config_id", cfg.ConfigID),
			slog.String("error", fatalErr.Error()),
		)

		s.stopRunner(cfg.ConfigID)
		s.markError(context.Background(), cfg.ConfigID, fatalErr)
	})

	if err := eng.Start(rctx); err != nil {
		_ = det.Stop()
		cancel()
		release()

		return fmt.Errorf("starting engine: %w", err)
	}

	s.mu.Lock()
	s.runners[cfg.ConfigID] = &runner{cfg: cfg, detector: det, engine: eng, cancel: cancel}
	s.mu.Unlock()

	return nil
}

// stopRunner stops and removes one runner. Engine first so in-flight applies
// drain, then the detector. No-op for unknown or still-starting configs.
func (s *Supervisor) stopRunner(configID string) {
	s.mu.Lock()
	r := s.runners[configID]
	delete(s.runners, configID)
	s.mu.Unlock()

	if r == nil {
		return
	}

	r.cancel()

	if err := r.engine.Stop(); err != nil {
		s.logger.Warn("engine stop failed", slog.String("config_id", configID), slog.String("error", err.Error()))
	}

	if err := r.detector.Stop(); err != nil {
		s.logger.Warn("detector stop failed", slog.String("config_id", configID), slog.String("error", err.Error()))
	}
}

// Stop shuts every runner down and releases the supervisor context.
func (s *Supervisor) Stop() {
	s.mu.Lock()

	ids := make([]string, 0, len(s.runners))
	for id := range s.runners {
		ids = append(ids, id)
	}

	cancel := s.cancel

	s.mu.Unlock()

	for _, id := range ids {
		s.stopRunner(id)
	}

	if cancel != nil {
		cancel()
	}

	s.logger.Info("supervisor stopped")
}

// SyncNow runs one reconciliation pass for the config, clearing its
// permanent-failure suppression first. Blocks until the pass completes.
func (s *Supervisor) SyncNow(ctx context.Context, configID string) (engine.StatsSnapshot, error) {
	s.mu.Lock()
	r := s.runners[configID]
	s.mu.Unlock()

	if r == nil {
		return engine.StatsSnapshot{}, fmt.Errorf("supervisor: no running engine for %s", configID)
	}

	snap, err := r.engine.ForceSync(ctx)
	if err != nil {
		s.logger.Warn("sync-now failed", slog.String("config_id", configID), slog.String("error", err.Error()))
	}

	return snap, err
}

// SyncNowAll triggers a pass on every running engine in parallel and waits
// for all of them. One datasource failing does not stop the others; the
// first error is returned after all passes finish.
func (s *Supervisor) SyncNowAll(ctx context.Context) error {
	s.mu.Lock()

	ids := make([]string, 0, len(s.runners))
	for id, r := range s.runners {
		if r != nil {
			ids = append(ids, id)
		}
	}

	s.mu.Unlock()

	var g errgroup.Group

	for _, id := range ids {
		g.Go(func() error {
			_, err := s.SyncNow(ctx, id)
			return err
		})
	}

	return g.Wait()
}

// Reload rebuilds the config's runner with freshly-read parameters. Used
// after an admin update to connection params, intervals, or flags.
func (s *Supervisor) Reload(ctx context.Context, configID string) error {
	cfg, err := s.store.GetConfig(ctx, configID)
	if err != nil {
		return fmt.Errorf("supervisor: reloading %s: %w", configID, err)
	}

	s.stopRunner(configID)

	if !cfg.IsActive {
		return nil
	}

	if err := s.startRunner(cfg); err != nil {
		s.markError(ctx, configID, err)
		return fmt.Errorf("supervisor: restarting %s: %w", configID, err)
	}

	return nil
}

// Enable activates the config and starts its runner. Enabling a config that
// is already running is a no-op.
func (s *Supervisor) Enable(ctx context.Context, configID string) error {
	s.mu.Lock()
	_, running := s.runners[configID]
	s.mu.Unlock()

	if running {
		return nil
	}

	cfg, err := s.store.GetConfig(ctx, configID)
	if err != nil {
		return fmt.Errorf("supervisor: enabling %s: %w", configID, err)
	}

	if !cfg.IsActive {
		cfg.IsActive = true

		if _, err := s.store.UpsertConfig(ctx, cfg); err != nil {
			return fmt.Errorf("supervisor: activating %s: %w", configID, err)
		}
	}

	// Upserts do not touch status fields; an errored config needs an
	// explicit status reset when re-enabled.
	if cfg.SyncStatus == state.StatusError {
		if err := s.store.UpdateConfigStatus(ctx, configID, state.StatusUpdate{
			Status: state.StatusIdle,
			Error:  state.StringPtr(""),
		}); err != nil {
			return fmt.Errorf("supervisor: clearing error on %s: %w", configID, err)
		}
	}

	if err := s.startRunner(cfg); err != nil {
		s.markError(ctx, configID, err)
		return fmt.Errorf("supervisor: starting %s: %w", configID, err)
	}

	return nil
}

// Disable stops the config's runner and deactivates it. Already-indexed
// documents are left in place.
func (s *Supervisor) Disable(ctx context.Context, configID string) error {
	s.stopRunner(configID)

	cfg, err := s.store.GetConfig(ctx, configID)
	if err != nil {
		return fmt.Errorf("supervisor: disabling %s: %w", configID, err)
	}

	if !cfg.IsActive {
		return nil
	}

	cfg.IsActive = false

	if _, err := s.store.UpsertConfig(ctx, cfg); err != nil {
		return fmt.Errorf("supervisor: deactivating %s: %w", configID, err)
	}

	return nil
}

// Stats returns the engine counters for a running config.
func (s *Supervisor) Stats(configID string) (engine.StatsSnapshot, bool) {
	s.mu.Lock()
	r := s.runners[configID]
	s.mu.Unlock()

	if r == nil {
		return engine.StatsSnapshot{}, false
	}

	return r.engine.StatsSnapshot(), true
}

// Len reports how many runners are currently managed.
func (s *Supervisor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0

	for _, r := range s.runners {
		if r != nil {
			n++
		}
	}

	return n
}

// markError flips the config to sync_status=error with the failure recorded.
// The supervisor is the sole writer of the error status.
func (s *Supervisor) markError(ctx context.Context, configID string, cause error) {
	if err := s.store.UpdateConfigStatus(ctx, configID, state.StatusUpdate{
		Status: state.StatusError,
		Error:  state.StringPtr(cause.Error()),
	}); err != nil {
		s.logger.Warn("failed to mark config errored",
			slog.String("config_id", configID),
			slog.String("error", err.Error()),
		)
	}
}
