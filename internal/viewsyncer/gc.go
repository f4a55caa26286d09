package viewsyncer

import (
	"context"
	"log/slog"
	"time"

	"github.com/viewsyncd/viewsyncer/internal/cvr/cvrpostgres"
)

// IdleGroupSource is the read-only view into group last-activity the sweep
// needs. cvrpostgres.Store satisfies this via its ListIdleGroups method;
// the core Store interface does not carry it since no other component
// needs a cross-group scan.
type IdleGroupSource interface {
	ListIdleGroups(ctx context.Context, olderThan time.Time) ([]cvrpostgres.IdleGroup, error)
}

// IdleSweepConfig tunes the periodic idle-group scan.
type IdleSweepConfig struct {
	Interval  time.Duration
	Threshold time.Duration
}

// IdleSweeper periodically logs client groups that have gone Threshold
// without activity. The core never deletes a group's CVR itself; deletion
// is left to an external GC this sweep only surfaces candidates for.
type IdleSweeper struct {
	source IdleGroupSource
	cfg    IdleSweepConfig
	logger *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewIdleSweeper builds a sweeper (not started) over source.
func NewIdleSweeper(source IdleGroupSource, cfg IdleSweepConfig, logger *slog.Logger) *IdleSweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &IdleSweeper{
		source: source,
		cfg:    cfg,
		logger: logger.With("component", "idle_sweeper"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start runs the sweep loop in a background goroutine until Stop is called
// or ctx is cancelled.
func (s *IdleSweeper) Start(ctx context.Context) {
	go s.run(ctx)
}

func (s *IdleSweeper) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *IdleSweeper) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.Threshold)
	groups, err := s.source.ListIdleGroups(ctx, cutoff)
	if err != nil {
		s.logger.Error("idle sweep failed", "error", err)
		return
	}
	for _, g := range groups {
		s.logger.Warn("client group idle past threshold",
			"client_group_id", g.ClientGroupID,
			"last_active", g.LastActive,
			"idle_for", time.Since(g.LastActive),
		)
	}
	if len(groups) > 0 {
		s.logger.Info("idle sweep complete", "idle_groups", len(groups))
	}
}

// Stop blocks until the sweep loop exits. Safe to call once.
func (s *IdleSweeper) Stop() {
	close(s.stopCh)
	<-s.doneCh
}
