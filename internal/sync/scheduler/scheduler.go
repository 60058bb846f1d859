// Package scheduler runs background sync maintenance: periodic queue drain
// wake-ups and retention pruning of synced rows.
package scheduler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/fitsync/backend/internal/errors"
	"github.com/kimhsiao/fitsync/backend/internal/logging"
	"github.com/kimhsiao/fitsync/backend/internal/models"
)

// Drainer is the part of the queue manager the scheduler drives.
type Drainer interface {
	Trigger()
	ForceSyncAll(ctx context.Context) ([]models.SyncResult, error)
	GetSyncStatus(ctx context.Context) (models.QueueStatus, error)
}

// Pruner removes synced rows older than a cutoff. An empty userID covers all users.
type Pruner interface {
	Table() string
	PruneSynced(ctx context.Context, userID string, olderThan time.Time) (int, error)
}

// Scheduler manages background sync operations.
type Scheduler struct {
	drainer           Drainer
	pruners           []Pruner
	wakeInterval      time.Duration
	retentionWindow   time.Duration
	retentionInterval time.Duration
	now               func() time.Time

	mu              sync.RWMutex
	isRunning       bool
	cancel          context.CancelFunc
	group           *errgroup.Group
	lastSyncTime    time.Time
	lastPruneTime   time.Time
	syncInProgress  bool
	pruneInProgress bool
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	WakeInterval      time.Duration // How often to request a queue drain (default: 1 minute)
	RetentionWindow   time.Duration // Synced rows older than this are pruned; 0 disables pruning
	RetentionInterval time.Duration // How often to prune (default: 24 hours)
	Now               func() time.Time
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		WakeInterval:      time.Minute,
		RetentionWindow:   90 * 24 * time.Hour,
		RetentionInterval: 24 * time.Hour,
	}
}

// NewScheduler creates a new Scheduler.
func NewScheduler(drainer Drainer, pruners []Pruner, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	d := DefaultSchedulerConfig()

	s := &Scheduler{
		drainer:           drainer,
		pruners:           pruners,
		wakeInterval:      config.WakeInterval,
		retentionWindow:   config.RetentionWindow,
		retentionInterval: config.RetentionInterval,
		now:               config.Now,
	}
	if s.wakeInterval <= 0 {
		s.wakeInterval = d.WakeInterval
	}
	if s.retentionInterval <= 0 {
		s.retentionInterval = d.RetentionInterval
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Start starts the background loops. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isRunning {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return s.wakeLoop(gctx) })
	if s.retentionWindow > 0 && len(s.pruners) > 0 {
		g.Go(func() error { return s.retentionLoop(gctx) })
	}

	s.isRunning = true
	s.cancel = cancel
	s.group = g

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"wake_interval":    s.wakeInterval.String(),
		"retention_window": s.retentionWindow.String(),
	})
}

// Stop stops the background loops and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	cancel, g := s.cancel, s.group
	s.mu.Unlock()

	cancel()
	g.Wait()

	logging.Info("Background sync scheduler stopped")
}

// wakeLoop requests a drain on every tick. The queue decides whether to run
// it based on connectivity and backoff.
func (s *Scheduler) wakeLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.wakeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.drainer.Trigger()
		}
	}
}

func (s *Scheduler) retentionLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.retentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.PruneNow(ctx); err != nil {
				logging.ErrorWithCode("Retention pruning failed", string(errors.CodeOf(err)), err)
			}
		}
	}
}

// TriggerSync requests an immediate drain.
// Returns false if a manual sync is already in progress.
func (s *Scheduler) TriggerSync() bool {
	s.mu.RLock()
	isSyncing := s.syncInProgress
	s.mu.RUnlock()

	if isSyncing {
		return false
	}
	s.drainer.Trigger()
	return true
}

// SyncNow drains the whole queue, ignoring backoff, and waits for completion.
func (s *Scheduler) SyncNow(ctx context.Context) ([]models.SyncResult, error) {
	s.mu.Lock()
	if s.syncInProgress {
		s.mu.Unlock()
		return nil, errors.New(errors.ErrSyncFailed, "manual sync already in progress")
	}
	s.syncInProgress = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.syncInProgress = false
		s.mu.Unlock()
	}()

	syncCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	results, err := s.drainer.ForceSyncAll(syncCtx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.lastSyncTime = s.now()
	s.mu.Unlock()

	succeeded := 0
	for _, r := range results {
		if r.Success {
			succeeded++
		}
	}
	logging.Info("Manual sync completed", map[string]interface{}{
		"processed": len(results),
		"succeeded": succeeded,
	})
	return results, nil
}

// PruneNow removes synced rows older than the retention window from every
// pruner and returns the total removed.
func (s *Scheduler) PruneNow(ctx context.Context) (int, error) {
	if s.retentionWindow <= 0 {
		return 0, nil
	}

	s.mu.Lock()
	if s.pruneInProgress {
		s.mu.Unlock()
		return 0, nil
	}
	s.pruneInProgress = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.pruneInProgress = false
		s.mu.Unlock()
	}()

	cutoff := s.now().Add(-s.retentionWindow)
	total := 0
	for _, p := range s.pruners {
		n, err := p.PruneSynced(ctx, "", cutoff)
		if err != nil {
			return total, errors.Wrap(errors.CodeOf(err), "prune "+p.Table(), err)
		}
		if n > 0 {
			logging.Debug("Pruned synced rows", map[string]interface{}{
				"table": p.Table(),
				"count": n,
			})
		}
		total += n
	}

	s.mu.Lock()
	s.lastPruneTime = s.now()
	s.mu.Unlock()

	if total > 0 {
		logging.Info("Retention pruning completed", map[string]interface{}{
			"removed": total,
			"cutoff":  cutoff.Format(time.RFC3339),
		})
	}
	return total, nil
}

// SchedulerStatus is a point-in-time view of the scheduler and the queue.
type SchedulerStatus struct {
	IsRunning       bool
	LastSyncTime    *time.Time
	LastPruneTime   *time.Time
	SyncInProgress  bool
	PruneInProgress bool
	Queue           models.QueueStatus
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus(ctx context.Context) (SchedulerStatus, error) {
	queueStatus, err := s.drainer.GetSyncStatus(ctx)
	if err != nil {
		return SchedulerStatus{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{
		IsRunning:       s.isRunning,
		SyncInProgress:  s.syncInProgress,
		PruneInProgress: s.pruneInProgress,
		Queue:           queueStatus,
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	if !s.lastPruneTime.IsZero() {
		t := s.lastPruneTime
		status.LastPruneTime = &t
	}
	return status, nil
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
