// Package scheduler tests for background sync scheduling functionality.
package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vetpulse/vetsync/internal/db/dbtest"
	"github.com/vetpulse/vetsync/internal/errors"
	"github.com/vetpulse/vetsync/internal/models"
	syncpkg "github.com/vetpulse/vetsync/internal/sync"
	"github.com/vetpulse/vetsync/internal/sync/queue"
	"github.com/vetpulse/vetsync/internal/tenant"
)

// =====================================================
// Test Helpers
// =====================================================

var scope = tenant.Scope{TenantID: "clinic-a"}

// fakeEngine counts runs and can hold a run open until released.
type fakeEngine struct {
	runs    atomic.Int32
	syncing atomic.Bool
	hold    chan struct{}
	err     error
	mu      sync.Mutex
	handler syncpkg.SyncEventHandler
}

func (f *fakeEngine) PerformSync(ctx context.Context) (*syncpkg.SyncResult, error) {
	if !f.syncing.CompareAndSwap(false, true) {
		return nil, nil
	}
	defer f.syncing.Store(false)
	f.runs.Add(1)
	if f.hold != nil {
		select {
		case <-f.hold:
		case <-ctx.Done():
		}
	}
	if f.err != nil {
		return &syncpkg.SyncResult{Status: syncpkg.StatusError}, f.err
	}
	now := time.Now()
	return &syncpkg.SyncResult{Success: true, Status: syncpkg.StatusSuccess, EndTime: now}, nil
}

func (f *fakeEngine) CancelSync() bool { return false }

func (f *fakeEngine) SetEventHandler(h syncpkg.SyncEventHandler) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

func (f *fakeEngine) Status() syncpkg.Status { return syncpkg.StatusIdle }
func (f *fakeEngine) LastSync() *time.Time   { return nil }
func (f *fakeEngine) LastError() error       { return f.err }
func (f *fakeEngine) IsSyncing() bool        { return f.syncing.Load() }

// createTestScheduler creates a scheduler over a real queue and a fake engine.
func createTestScheduler(t *testing.T, online bool) (*fakeEngine, *queue.SyncQueue, *tenant.Session, *Scheduler) {
	t.Helper()
	q := queue.NewSyncQueue(dbtest.Open(t), queue.DefaultOptions())
	session := tenant.NewSession(online)
	if err := session.SetScope(scope); err != nil {
		t.Fatalf("SetScope() error = %v", err)
	}
	engine := &fakeEngine{}

	config := &SchedulerConfig{
		SyncInterval:  time.Hour,
		QueueInterval: 20 * time.Millisecond,
		RunTimeout:    time.Second,
	}
	s := NewScheduler(engine, q, session, config)
	t.Cleanup(s.Stop)
	return engine, q, session, s
}

func enqueue(t *testing.T, q *queue.SyncQueue) {
	t.Helper()
	_, err := q.AddOperation(context.Background(), scope, queue.OperationRequest{
		EntityType: models.EntityRooms,
		EntityID:   "r1",
		Operation:  models.OperationUpdate,
		Data:       json.RawMessage(`{"name":"Exam"}`),
	})
	if err != nil {
		t.Fatalf("AddOperation() error = %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// =====================================================
// Configuration Tests
// =====================================================

// TestDefaultSchedulerConfig verifies default configuration.
func TestDefaultSchedulerConfig(t *testing.T) {
	config := DefaultSchedulerConfig()

	if config.SyncInterval != 5*time.Minute {
		t.Errorf("SyncInterval = %v, want 5m", config.SyncInterval)
	}
	if config.QueueInterval != 30*time.Second {
		t.Errorf("QueueInterval = %v, want 30s", config.QueueInterval)
	}
	if config.RunTimeout != 5*time.Minute {
		t.Errorf("RunTimeout = %v, want 5m", config.RunTimeout)
	}
}

// TestNewScheduler_nilConfig verifies default config is used.
func TestNewScheduler_nilConfig(t *testing.T) {
	s := NewScheduler(&fakeEngine{}, nil, tenant.NewSession(true), nil)

	if s.syncInterval != 5*time.Minute {
		t.Errorf("syncInterval = %v, want 5m (default)", s.syncInterval)
	}
	if s.queueInterval != 30*time.Second {
		t.Errorf("queueInterval = %v, want 30s (default)", s.queueInterval)
	}
}

// =====================================================
// Start/Stop Tests
// =====================================================

// TestScheduler_StartStop verifies lifecycle and idempotence.
func TestScheduler_StartStop(t *testing.T) {
	_, _, _, s := createTestScheduler(t, false)

	s.Start(context.Background())
	s.Start(context.Background())
	if !s.IsRunning() {
		t.Error("Start() should set isRunning to true")
	}

	s.Stop()
	s.Stop()
	if s.IsRunning() {
		t.Error("Stop() should set isRunning to false")
	}

	// A stopped scheduler can be started again.
	s.Start(context.Background())
	if !s.IsRunning() {
		t.Error("restart should set isRunning to true")
	}
}

// TestScheduler_Stop_withoutStart verifies Stop works without Start.
func TestScheduler_Stop_withoutStart(t *testing.T) {
	_, _, _, s := createTestScheduler(t, true)
	s.Stop()
	if s.IsRunning() {
		t.Error("Stop() without Start should keep scheduler not running")
	}
}

// =====================================================
// Trigger Tests
// =====================================================

// TestScheduler_DrainsQueuedWork verifies that pending operations trigger a drain.
func TestScheduler_DrainsQueuedWork(t *testing.T) {
	engine, q, _, s := createTestScheduler(t, true)
	s.Start(context.Background())

	time.Sleep(60 * time.Millisecond)
	if n := engine.runs.Load(); n != 0 {
		t.Fatalf("runs = %d with an empty queue, want 0", n)
	}

	enqueue(t, q)
	waitFor(t, func() bool { return engine.runs.Load() > 0 })
}

// TestScheduler_OfflineDoesNotDrain verifies nothing runs while offline.
func TestScheduler_OfflineDoesNotDrain(t *testing.T) {
	engine, q, _, s := createTestScheduler(t, false)
	enqueue(t, q)
	s.Start(context.Background())

	time.Sleep(80 * time.Millisecond)
	if n := engine.runs.Load(); n != 0 {
		t.Errorf("runs = %d while offline, want 0", n)
	}
	if s.TriggerSync(context.Background()) {
		t.Error("TriggerSync() should refuse while offline")
	}
}

// TestScheduler_ReconnectDrains verifies an offline to online transition starts a drain.
func TestScheduler_ReconnectDrains(t *testing.T) {
	engine, _, session, s := createTestScheduler(t, false)
	s.Start(context.Background())

	session.SetOnline(true)
	waitFor(t, func() bool { return engine.runs.Load() == 1 })

	// No further transition, no further drain.
	session.SetOnline(true)
	time.Sleep(40 * time.Millisecond)
	if n := engine.runs.Load(); n != 1 {
		t.Errorf("runs = %d, want 1", n)
	}
}

// TestScheduler_TriggerSync_inProgress verifies a second trigger is refused.
func TestScheduler_TriggerSync_inProgress(t *testing.T) {
	engine, _, _, s := createTestScheduler(t, true)
	engine.hold = make(chan struct{})

	if !s.TriggerSync(context.Background()) {
		t.Fatal("first TriggerSync() should start a drain")
	}
	waitFor(t, engine.IsSyncing)

	if s.TriggerSync(context.Background()) {
		t.Error("TriggerSync() should refuse while a drain is running")
	}
	if _, err := s.SyncNow(context.Background()); !errors.Is(err, errors.ErrSyncInProgress) {
		t.Errorf("SyncNow() error = %v, want SYNC_IN_PROGRESS", err)
	}

	close(engine.hold)
	waitFor(t, func() bool { return !engine.IsSyncing() })
	if n := engine.runs.Load(); n != 1 {
		t.Errorf("runs = %d, want 1", n)
	}
}

// TestScheduler_StopWaitsForTriggeredDrain verifies Stop blocks until a
// drain triggered while running has finished.
func TestScheduler_StopWaitsForTriggeredDrain(t *testing.T) {
	engine, _, _, s := createTestScheduler(t, true)
	engine.hold = make(chan struct{})
	s.Start(context.Background())

	if !s.TriggerSync(context.Background()) {
		t.Fatal("TriggerSync() should start a drain")
	}
	waitFor(t, engine.IsSyncing)

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop() returned while a triggered drain was running")
	case <-time.After(40 * time.Millisecond):
	}

	close(engine.hold)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() did not return after the drain finished")
	}
}

// TestScheduler_TriggerSyncDuringStop verifies triggers racing Stop neither
// panic nor leave Stop waiting.
func TestScheduler_TriggerSyncDuringStop(t *testing.T) {
	_, _, _, s := createTestScheduler(t, true)

	for i := 0; i < 50; i++ {
		s.Start(context.Background())

		var wg sync.WaitGroup
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.TriggerSync(context.Background())
			}()
		}
		s.Stop()
		wg.Wait()
	}
	if s.IsRunning() {
		t.Error("scheduler should be stopped")
	}
}

// TestScheduler_ReconnectAfterStop verifies a stopped scheduler ignores
// connectivity changes.
func TestScheduler_ReconnectAfterStop(t *testing.T) {
	engine, _, session, s := createTestScheduler(t, false)
	s.Start(context.Background())
	s.Stop()

	session.SetOnline(true)
	time.Sleep(40 * time.Millisecond)
	if n := engine.runs.Load(); n != 0 {
		t.Errorf("runs = %d after Stop, want 0", n)
	}
}

// =====================================================
// SyncNow / Status Tests
// =====================================================

// TestScheduler_SyncNow verifies a manual drain records its result.
func TestScheduler_SyncNow(t *testing.T) {
	_, q, _, s := createTestScheduler(t, true)
	enqueue(t, q)

	result, err := s.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("SyncNow() error = %v", err)
	}
	if result.Status != syncpkg.StatusSuccess {
		t.Errorf("Status = %s, want success", result.Status)
	}

	status := s.Status(context.Background())
	if status.LastSyncTime == nil {
		t.Error("LastSyncTime should be set after SyncNow()")
	}
	if status.LastResult != result {
		t.Error("LastResult should be the SyncNow() result")
	}
	if status.QueueStats == nil || status.QueueStats.Pending != 1 {
		t.Errorf("QueueStats = %+v, want 1 pending", status.QueueStats)
	}
}

// TestScheduler_SyncNow_offline verifies a manual drain is refused offline.
func TestScheduler_SyncNow_offline(t *testing.T) {
	engine, _, _, s := createTestScheduler(t, false)

	_, err := s.SyncNow(context.Background())
	if !errors.Is(err, errors.ErrTransport) {
		t.Errorf("SyncNow() error = %v, want TRANSPORT_ERROR", err)
	}
	if engine.runs.Load() != 0 {
		t.Error("engine should not run while offline")
	}
}

// TestScheduler_SyncNow_error verifies engine errors are returned.
func TestScheduler_SyncNow_error(t *testing.T) {
	engine, _, _, s := createTestScheduler(t, true)
	engine.err = errors.TenantRequired()

	if _, err := s.SyncNow(context.Background()); !errors.Is(err, errors.ErrTenantContext) {
		t.Errorf("SyncNow() error = %v, want TENANT_CONTEXT_REQUIRED", err)
	}
	status := s.Status(context.Background())
	if status.LastError == "" {
		t.Error("LastError should surface the engine error")
	}
	if status.LastSyncTime != nil {
		t.Error("a failed run must not set LastSyncTime")
	}
}

// TestScheduler_Status_noTenant verifies queue stats are omitted without a tenant.
func TestScheduler_Status_noTenant(t *testing.T) {
	_, _, session, s := createTestScheduler(t, true)
	session.Clear()

	status := s.Status(context.Background())
	if status.QueueStats != nil {
		t.Error("QueueStats should be nil without an active tenant")
	}
	if !status.IsOnline {
		t.Error("IsOnline should be true")
	}
}
