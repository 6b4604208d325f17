package services

import (
	"context"
	"time"

	"mediaforge/logger"
)

// SnapshotSweeper drops terminal progress snapshots older than a retention.
type SnapshotSweeper interface {
	Sweep(retention time.Duration) int
}

// JobEvictor forgets finished jobs older than a retention.
type JobEvictor interface {
	Evict(retention time.Duration) int
}

// Sweeper periodically expires finished jobs and their snapshots so the
// registries stay bounded on a long-running server.
type Sweeper struct {
	registry  SnapshotSweeper
	jobs      JobEvictor
	retention time.Duration
	interval  time.Duration
}

func NewSweeper(registry SnapshotSweeper, jobs JobEvictor, retention, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{registry: registry, jobs: jobs, retention: retention, interval: interval}
}

func (s *Sweeper) Serve(ctx context.Context) error {
	logger.Infof("Sweeper started: retention %v, every %v", s.retention, s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Sweeper) sweep() {
	var jobs, snapshots int
	if s.jobs != nil {
		jobs = s.jobs.Evict(s.retention)
	}
	if s.registry != nil {
		snapshots = s.registry.Sweep(s.retention)
	}
	if jobs > 0 || snapshots > 0 {
		logger.Debugf("Swept %d finished jobs and %d progress snapshots", jobs, snapshots)
	}
}

func (s *Sweeper) String() string {
	return "retention-sweeper"
}
