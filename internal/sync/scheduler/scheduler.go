// Package scheduler runs background drains: periodically while online, on
// reconnect, and whenever new operations are queued.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/vetpulse/vetsync/internal/errors"
	"github.com/vetpulse/vetsync/internal/logging"
	"github.com/vetpulse/vetsync/internal/models"
	syncpkg "github.com/vetpulse/vetsync/internal/sync"
	"github.com/vetpulse/vetsync/internal/sync/queue"
	"github.com/vetpulse/vetsync/internal/tenant"
)

// Scheduler manages background sync operations.
type Scheduler struct {
	engine        syncpkg.SyncEngineInterface
	queue         *queue.SyncQueue
	session       *tenant.Session
	syncInterval  time.Duration
	queueInterval time.Duration
	runTimeout    time.Duration

	stopCh      chan struct{}
	wg          sync.WaitGroup
	mu          sync.RWMutex
	isRunning   bool
	lastSync    time.Time
	lastResult  *syncpkg.SyncResult
	unsubscribe func()
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval  time.Duration // How often to drain when online (default: 5 minutes)
	QueueInterval time.Duration // How often to look for newly queued work (default: 30 seconds)
	RunTimeout    time.Duration // Upper bound for one drain (default: 5 minutes)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval:  5 * time.Minute,
		QueueInterval: 30 * time.Second,
		RunTimeout:    5 * time.Minute,
	}
}

// NewScheduler creates a new Scheduler.
func NewScheduler(engine syncpkg.SyncEngineInterface, q *queue.SyncQueue, session *tenant.Session, config *SchedulerConfig) *Scheduler {
	defaults := DefaultSchedulerConfig()
	if config == nil {
		config = defaults
	}
	s := &Scheduler{
		engine:        engine,
		queue:         q,
		session:       session,
		syncInterval:  config.SyncInterval,
		queueInterval: config.QueueInterval,
		runTimeout:    config.RunTimeout,
	}
	if s.syncInterval <= 0 {
		s.syncInterval = defaults.SyncInterval
	}
	if s.queueInterval <= 0 {
		s.queueInterval = defaults.QueueInterval
	}
	if s.runTimeout <= 0 {
		s.runTimeout = defaults.RunTimeout
	}
	return s
}

// Start starts the background loops and subscribes to connectivity changes.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.unsubscribe = s.session.OnConnectivityChange(func(online bool) {
		if online && s.trigger(ctx, true) {
			logging.Info("Back online, draining queue", nil)
		}
	})
	s.wg.Add(2)
	s.mu.Unlock()

	go s.periodicSyncLoop(ctx, stopCh)
	go s.queueWatchLoop(ctx, stopCh)

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"sync_interval":  s.syncInterval.String(),
		"queue_interval": s.queueInterval.String(),
	})
}

// Stop stops the background loops and waits for any drain they started.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopCh)
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	s.wg.Wait()

	logging.Info("Background sync scheduler stopped", nil)
}

// periodicSyncLoop drains on every tick while online.
func (s *Scheduler) periodicSyncLoop(ctx context.Context, stopCh chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			s.runSync(ctx, "periodic")
		}
	}
}

// queueWatchLoop drains as soon as pending work appears, without waiting for
// the next periodic tick.
func (s *Scheduler) queueWatchLoop(ctx context.Context, stopCh chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.queueInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if s.pendingCount(ctx) > 0 {
				s.runSync(ctx, "queue")
			}
		}
	}
}

func (s *Scheduler) pendingCount(ctx context.Context) int {
	scope, err := s.session.Scope()
	if err != nil {
		return 0
	}
	stats, err := s.queue.GetStats(ctx, scope)
	if err != nil {
		logging.Warn("Failed to read queue stats", map[string]interface{}{"error": err.Error()})
		return 0
	}
	return stats.Pending
}

// runSync performs one drain if online and no run is active.
func (s *Scheduler) runSync(ctx context.Context, trigger string) *syncpkg.SyncResult {
	if !s.session.IsOnline() {
		logging.Debug("Skipping sync - offline", map[string]interface{}{"trigger": trigger})
		return nil
	}
	if s.engine.IsSyncing() {
		logging.Debug("Sync already in progress, skipping", map[string]interface{}{"trigger": trigger})
		return nil
	}

	syncCtx, cancel := context.WithTimeout(ctx, s.runTimeout)
	defer cancel()

	result, err := s.engine.PerformSync(syncCtx)
	if err != nil {
		logging.ErrorWithCode("Background sync failed", string(errors.CodeOf(err)), err,
			map[string]interface{}{"trigger": trigger})
		return result
	}
	if result == nil {
		return nil
	}
	s.remember(result)

	logging.Info("Background sync completed", map[string]interface{}{
		"trigger":   trigger,
		"status":    string(result.Status),
		"synced":    result.Synced,
		"failed":    result.Failed,
		"conflicts": result.Conflicts,
	})
	return result
}

func (s *Scheduler) remember(result *syncpkg.SyncResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastResult = result
	if result.Status != syncpkg.StatusCancelled {
		s.lastSync = result.EndTime
	}
}

// TriggerSync starts a drain in the background.
// Returns false if offline or a drain is already in progress. Stop waits for
// drains triggered while the scheduler is running.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	return s.trigger(ctx, false)
}

// trigger starts a drain goroutine. When onlyRunning is set nothing starts
// once Stop has begun.
func (s *Scheduler) trigger(ctx context.Context, onlyRunning bool) bool {
	if !s.session.IsOnline() || s.engine.IsSyncing() {
		return false
	}

	s.mu.Lock()
	tracked := s.isRunning
	if !tracked && onlyRunning {
		s.mu.Unlock()
		return false
	}
	if tracked {
		s.wg.Add(1)
	}
	s.mu.Unlock()

	go func() {
		if tracked {
			defer s.wg.Done()
		}
		s.runSync(context.WithoutCancel(ctx), "trigger")
	}()
	return true
}

// SyncNow drains immediately and waits for completion. It fails with
// SYNC_IN_PROGRESS when another run is active and TRANSPORT_ERROR when offline.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.SyncResult, error) {
	if !s.session.IsOnline() {
		return nil, errors.New(errors.ErrTransport, "cannot sync while offline")
	}

	syncCtx, cancel := context.WithTimeout(ctx, s.runTimeout)
	defer cancel()

	result, err := s.engine.PerformSync(syncCtx)
	if err != nil {
		return result, err
	}
	if result == nil {
		return nil, errors.New(errors.ErrSyncInProgress, "a sync run is in progress")
	}
	s.remember(result)

	logging.Info("Manual sync completed", map[string]interface{}{
		"status":    string(result.Status),
		"synced":    result.Synced,
		"failed":    result.Failed,
		"conflicts": result.Conflicts,
	})
	return result, nil
}

// SchedulerStatus is a snapshot of scheduler and engine state.
type SchedulerStatus struct {
	IsRunning      bool                `json:"is_running"`
	IsOnline       bool                `json:"is_online"`
	SyncInProgress bool                `json:"sync_in_progress"`
	EngineStatus   syncpkg.Status      `json:"engine_status"`
	LastSyncTime   *time.Time          `json:"last_sync_time,omitempty"`
	LastResult     *syncpkg.SyncResult `json:"last_result,omitempty"`
	LastError      string              `json:"last_error,omitempty"`
	QueueStats     *models.QueueStats  `json:"queue_stats,omitempty"`
}

// Status returns the current status. Queue stats are omitted when no tenant is active.
func (s *Scheduler) Status(ctx context.Context) SchedulerStatus {
	s.mu.RLock()
	status := SchedulerStatus{
		IsRunning:  s.isRunning,
		LastResult: s.lastResult,
	}
	if !s.lastSync.IsZero() {
		t := s.lastSync
		status.LastSyncTime = &t
	}
	s.mu.RUnlock()

	status.IsOnline = s.session.IsOnline()
	status.SyncInProgress = s.engine.IsSyncing()
	status.EngineStatus = s.engine.Status()
	if err := s.engine.LastError(); err != nil {
		status.LastError = err.Error()
	}

	if scope, err := s.session.Scope(); err == nil {
		if stats, err := s.queue.GetStats(ctx, scope); err == nil {
			status.QueueStats = &stats
		}
	}
	return status
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
