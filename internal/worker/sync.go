package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/steamquest/internal/config"
	"github.com/steamquest/internal/domain"
)

// StandingsSource lists every player's authoritative total
type StandingsSource interface {
	AllStandings(ctx context.Context) ([]domain.LeaderboardEntry, error)
}

// MirrorWriter replaces the realtime leaderboard wholesale
type MirrorWriter interface {
	Rebuild(ctx context.Context, standings []domain.LeaderboardEntry) error
}

// SyncWorker periodically rebuilds the Redis mirror from PostgreSQL so that
// awards whose post-commit mirror write failed are eventually visible.
type SyncWorker struct {
	source  StandingsSource
	mirror  MirrorWriter
	config  *config.SyncConfig
	clock   clockwork.Clock
	logger  *slog.Logger
	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
}

// NewSyncWorker creates a new sync worker
func NewSyncWorker(
	source StandingsSource,
	mirror MirrorWriter,
	cfg *config.SyncConfig,
	clock clockwork.Clock,
	logger *slog.Logger,
) *SyncWorker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &SyncWorker{
		source: source,
		mirror: mirror,
		config: cfg,
		clock:  clock,
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the background sync process
func (w *SyncWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	w.logger.Info("sync worker started", "interval", w.config.Interval)

	go w.run(ctx)
	return nil
}

// Stop stops the background sync process
func (w *SyncWorker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.logger.Info("sync worker stopped")
	return nil
}

func (w *SyncWorker) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := w.clock.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.Chan():
			if err := w.RebuildMirror(ctx); err != nil {
				w.logger.Error("sync cycle failed", "error", err)
			}
		}
	}
}

// RebuildMirror replaces the mirror with the current database standings
func (w *SyncWorker) RebuildMirror(ctx context.Context) error {
	started := w.clock.Now()

	standings, err := w.source.AllStandings(ctx)
	if err != nil {
		return fmt.Errorf("loading standings: %w", err)
	}
	if err := w.mirror.Rebuild(ctx, standings); err != nil {
		return fmt.Errorf("rebuilding mirror: %w", err)
	}

	w.logger.Info("sync cycle completed",
		"duration", w.clock.Since(started),
		"players", len(standings),
	)
	return nil
}

// IsRunning returns whether the worker is currently running
func (w *SyncWorker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}
