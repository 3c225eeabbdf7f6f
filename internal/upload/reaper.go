package upload

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/peximo/stitch/internal/logging"
	"github.com/peximo/stitch/internal/metrics"
)

// ReaperConfig bounds how long abandoned and expired work is kept.
type ReaperConfig struct {
	// Interval between reaper passes.
	Interval time.Duration
	// StaleThreshold after which a non-terminal session is aborted.
	StaleThreshold time.Duration
	// Retention after which a completed session's artifacts are removed.
	Retention time.Duration
}

// DefaultReaperConfig matches the documented defaults.
func DefaultReaperConfig() ReaperConfig {
	return ReaperConfig{
		Interval:       5 * time.Minute,
		StaleThreshold: 30 * time.Minute,
		Retention:      30 * 24 * time.Hour,
	}
}

// Reaper periodically aborts stale sessions and purges expired completed
// uploads. It re-reads each candidate under the manager's per-handle lock
// (via Manager methods) before acting, so a session touched after the scan
// snapshot is never reaped.
type Reaper struct {
	cfg     ReaperConfig
	manager *Manager
	cron    *cron.Cron
}

// NewReaper builds a reaper over the manager's registry and store.
func NewReaper(cfg ReaperConfig, manager *Manager) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = 30 * time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * 24 * time.Hour
	}
	return &Reaper{cfg: cfg, manager: manager}
}

// Start schedules periodic passes until Stop is called.
func (r *Reaper) Start() error {
	r.cron = cron.New()
	spec := fmt.Sprintf("@every %s", r.cfg.Interval)
	if _, err := r.cron.AddFunc(spec, r.RunOnce); err != nil {
		return fmt.Errorf("scheduling reaper: %w", err)
	}
	r.cron.Start()
	logging.Info("Reaper scheduled",
		zap.Duration("interval", r.cfg.Interval),
		zap.Duration("stale_threshold", r.cfg.StaleThreshold),
		zap.Duration("retention", r.cfg.Retention))
	return nil
}

// Stop halts the schedule; a pass in progress finishes.
func (r *Reaper) Stop() {
	if r.cron != nil {
		ctx := r.cron.Stop()
		<-ctx.Done()
	}
}

// RunOnce performs a single reaper pass. Exported so tests and operators
// can trigger reclamation deterministically.
func (r *Reaper) RunOnce() {
	start := r.manager.now()
	defer func() {
		metrics.ReaperRunDuration.Observe(r.manager.now().Sub(start).Seconds())
	}()

	r.reapStale()
	r.reapExpired()
}

// reapStale aborts sessions with no activity beyond the threshold.
func (r *Reaper) reapStale() {
	cutoff := r.manager.now().Add(-r.cfg.StaleThreshold)
	for _, rec := range r.manager.registry.ScanLastActivityBefore(cutoff) {
		switch rec.Status {
		case StatusInitialized, StatusReceiving:
		default:
			continue
		}
		// abortIfStale re-reads under the per-handle lock; a session that
		// became active (or terminal) since the scan is left alone.
		reaped, err := r.manager.abortIfStale(rec.Handle, cutoff, "reaped: inactive beyond stale threshold")
		if err != nil {
			if !IsKind(err, KindNotFound) {
				logging.Warn("Failed to reap stale session",
					zap.String("handle", shortHandle(rec.Handle)), zap.Error(err))
			}
			continue
		}
		if reaped {
			metrics.ReapedSessionsTotal.WithLabelValues("stale").Inc()
		}
	}
}

// reapExpired removes artifacts and records of completed sessions older
// than the retention bound.
func (r *Reaper) reapExpired() {
	cutoff := r.manager.now().Add(-r.cfg.Retention)
	for _, rec := range r.manager.registry.ScanCompletedBefore(cutoff) {
		if err := r.manager.Remove(rec.Handle); err != nil {
			logging.Warn("Failed to purge expired session",
				zap.String("handle", shortHandle(rec.Handle)), zap.Error(err))
			continue
		}
		metrics.ReapedSessionsTotal.WithLabelValues("retention").Inc()
	}
}
