// Package sync drains the operation queue against the host API and
// reconciles the answers into the local entity store.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/vetpulse/vetsync/internal/db"
	apperrors "github.com/vetpulse/vetsync/internal/errors"
	"github.com/vetpulse/vetsync/internal/ids"
	"github.com/vetpulse/vetsync/internal/logging"
	"github.com/vetpulse/vetsync/internal/metrics"
	"github.com/vetpulse/vetsync/internal/models"
	"github.com/vetpulse/vetsync/internal/store"
	"github.com/vetpulse/vetsync/internal/sync/conflict"
	"github.com/vetpulse/vetsync/internal/sync/queue"
	"github.com/vetpulse/vetsync/internal/sync/remote"
	"github.com/vetpulse/vetsync/internal/tenant"
)

// RemoteAPI is the subset of the host API the engine needs.
type RemoteAPI interface {
	List(ctx context.Context, scope tenant.Scope, et models.EntityType) ([]models.RemoteRecord, error)
	Get(ctx context.Context, scope tenant.Scope, et models.EntityType, id string) (*models.RemoteRecord, error)
	Create(ctx context.Context, scope tenant.Scope, et models.EntityType, data json.RawMessage) (*models.RemoteRecord, error)
	Update(ctx context.Context, scope tenant.Scope, et models.EntityType, id string, data json.RawMessage, baseVersion int64) (*models.RemoteRecord, error)
	Delete(ctx context.Context, scope tenant.Scope, et models.EntityType, id string) error
}

// Options configures an Engine. The zero value is usable.
type Options struct {
	// RetryLimit parks operations that failed this many times; 0 means unbounded.
	RetryLimit int
	// AutoRetryFailed moves failed operations back to pending at the start of each run.
	AutoRetryFailed bool
	// LockPath enables the cross-process drain lock when set.
	LockPath   string
	OnProgress ProgressCallback
	OnConflict ConflictCallback
}

// Dependencies are the collaborators an Engine drives.
type Dependencies struct {
	DB        *db.DB
	Session   *tenant.Session
	Records   *store.Store
	Queue     *queue.SyncQueue
	Conflicts *conflict.Store
	Remote    RemoteAPI
}

// Engine performs sync runs. At most one run is active per Engine.
type Engine struct {
	deps Dependencies
	opts Options
	lock *drainLock

	running atomic.Bool

	mu       sync.RWMutex
	status   Status
	lastSync *time.Time
	lastErr  error
	cancel   context.CancelFunc
	handler  SyncEventHandler
}

// NewEngine creates an Engine.
func NewEngine(deps Dependencies, opts Options) *Engine {
	return &Engine{
		deps:   deps,
		opts:   opts,
		lock:   newDrainLock(opts.LockPath),
		status: StatusIdle,
	}
}

// SetEventHandler sets the handler for sync notifications; nil disables them.
func (e *Engine) SetEventHandler(handler SyncEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = handler
}

// Status returns the state of the current or last run.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// LastSync returns the end time of the last completed run in this process.
func (e *Engine) LastSync() *time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastSync
}

// LastError returns the error that aborted the last run, if any.
func (e *Engine) LastError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastErr
}

// IsSyncing reports whether a run is active.
func (e *Engine) IsSyncing() bool {
	return e.running.Load()
}

// LastSyncAt returns the persisted end time of the tenant's last completed run.
func (e *Engine) LastSyncAt(ctx context.Context, scope tenant.Scope) (*time.Time, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	v, ok, err := getState(ctx, e.deps.DB, scope, stateLastSyncAt)
	if err != nil || !ok {
		return nil, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "corrupt last sync timestamp", err)
	}
	t := time.UnixMilli(ms)
	return &t, nil
}

func (e *Engine) setStatus(s Status) {
	e.mu.Lock()
	e.status = s
	e.mu.Unlock()
}

func (e *Engine) emitEvent(event SyncEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	e.mu.RLock()
	h := e.handler
	e.mu.RUnlock()
	if h != nil {
		h.OnSyncEvent(event)
	}
}

// CancelSync stops the active run after the operation in progress. Operations
// already completed stay completed. It reports whether a run was cancelled.
func (e *Engine) CancelSync() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel == nil {
		return false
	}
	e.cancel()
	e.cancel = nil
	e.status = StatusCancelled
	return true
}

// PerformSync drains the active tenant's queue once. It returns (nil, nil)
// when another run holds the in-process guard or the cross-process lock.
func (e *Engine) PerformSync(ctx context.Context) (*SyncResult, error) {
	if !e.running.CompareAndSwap(false, true) {
		logging.Debug("Sync already in progress, skipping")
		return nil, nil
	}
	defer e.running.Store(false)

	locked, err := e.lock.tryLock()
	if err != nil {
		return nil, err
	}
	if !locked {
		logging.Info("Sync lock held by another process, skipping")
		return nil, nil
	}
	defer e.lock.unlock()

	result := &SyncResult{StartTime: time.Now(), IDMappings: []IDMapping{}}

	scope, err := e.deps.Session.Scope()
	if err != nil {
		return e.abort(result, err), err
	}
	result.TenantID = scope.TenantID

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.mu.Lock()
	e.cancel = cancel
	e.status = StatusPreparing
	e.lastErr = nil
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.cancel = nil
		e.mu.Unlock()
	}()

	metrics.SetSyncInProgress(true)
	defer metrics.SetSyncInProgress(false)

	e.emitEvent(SyncEvent{Type: SyncEventStarted, TenantID: scope.TenantID})
	logging.Info("Sync started", map[string]interface{}{"tenant_id": scope.TenantID})

	ops, err := e.prepare(runCtx, scope)
	if err != nil {
		return e.abort(result, err), err
	}

	r := newRun(e, scope, ops, result)
	e.setStatus(StatusSyncing)
	for _, op := range ops {
		if runCtx.Err() != nil {
			break
		}
		r.process(runCtx, op)
	}

	status := StatusSuccess
	switch {
	case runCtx.Err() != nil:
		status = StatusCancelled
	case result.Failed > 0 || result.Conflicts > 0:
		status = StatusPartialSuccess
	}
	result.finish(status)

	if status != StatusCancelled {
		if err := setState(context.Background(), e.deps.DB, scope, stateLastSyncAt,
			strconv.FormatInt(result.EndTime.UnixMilli(), 10)); err != nil {
			logging.Warn("Failed to persist last sync time", map[string]interface{}{"error": err.Error()})
		}
	}

	e.mu.Lock()
	e.status = status
	if status != StatusCancelled {
		end := result.EndTime
		e.lastSync = &end
	}
	e.mu.Unlock()

	e.publishQueueDepth(scope)
	metrics.RecordSyncRun(scope.TenantID, string(status), result.Duration.Seconds())

	eventType := SyncEventCompleted
	if status == StatusCancelled {
		eventType = SyncEventCancelled
	}
	e.emitEvent(SyncEvent{Type: eventType, TenantID: scope.TenantID, Result: result})
	logging.Info("Sync finished", map[string]interface{}{
		"tenant_id": scope.TenantID,
		"status":    string(status),
		"synced":    result.Synced,
		"failed":    result.Failed,
		"conflicts": result.Conflicts,
		"skipped":   result.Skipped,
		"duration":  result.Duration.String(),
	})
	return result, nil
}

func (e *Engine) prepare(ctx context.Context, scope tenant.Scope) ([]models.SyncOperation, error) {
	if n, err := e.deps.Queue.ResetInFlight(ctx, scope); err != nil {
		return nil, err
	} else if n > 0 {
		logging.Warn("Recovered interrupted operations", map[string]interface{}{"count": n})
	}
	if e.opts.AutoRetryFailed {
		if _, err := e.deps.Queue.RetryFailed(ctx, scope); err != nil {
			return nil, err
		}
	}
	return e.deps.Queue.GetPending(ctx, scope)
}

func (e *Engine) abort(result *SyncResult, err error) *SyncResult {
	result.Error = err.Error()
	result.finish(StatusError)

	e.mu.Lock()
	e.status = StatusError
	e.lastErr = err
	e.mu.Unlock()

	metrics.RecordSyncRun(result.TenantID, string(StatusError), result.Duration.Seconds())
	e.emitEvent(SyncEvent{Type: SyncEventFailed, TenantID: result.TenantID, Message: err.Error(), Result: result})
	logging.ErrorWithCode("Sync aborted", string(apperrors.CodeOf(err)), err, map[string]interface{}{
		"tenant_id": result.TenantID,
	})
	return result
}

func (e *Engine) publishQueueDepth(scope tenant.Scope) {
	stats, err := e.deps.Queue.GetStats(context.Background(), scope)
	if err != nil {
		return
	}
	metrics.SetQueueDepth(scope.TenantID, string(models.OperationPending), stats.Pending)
	metrics.SetQueueDepth(scope.TenantID, string(models.OperationFailed), stats.Failed)
	metrics.SetQueueDepth(scope.TenantID, string(models.OperationConflicted), stats.Conflicted)
}

// RefreshEntityType pulls every server record of et into the store as synced.
// Records with unsynced local changes are left untouched. It fails with
// SYNC_IN_PROGRESS while a drain is running.
func (e *Engine) RefreshEntityType(ctx context.Context, et models.EntityType) (int, error) {
	if !et.Valid() {
		return 0, apperrors.Newf(apperrors.ErrUnknownEntityType, "unknown entity type %q", et)
	}
	if !e.running.CompareAndSwap(false, true) {
		return 0, apperrors.New(apperrors.ErrSyncInProgress, "a sync run is in progress")
	}
	defer e.running.Store(false)

	scope, err := e.deps.Session.Scope()
	if err != nil {
		return 0, err
	}
	return e.refresh(ctx, scope, et)
}

// RefreshAll pulls every entity type, parents first.
func (e *Engine) RefreshAll(ctx context.Context) (map[models.EntityType]int, error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, apperrors.New(apperrors.ErrSyncInProgress, "a sync run is in progress")
	}
	defer e.running.Store(false)

	scope, err := e.deps.Session.Scope()
	if err != nil {
		return nil, err
	}
	out := make(map[models.EntityType]int)
	for _, et := range models.EntityTypes() {
		n, err := e.refresh(ctx, scope, et)
		if err != nil {
			return out, err
		}
		out[et] = n
	}
	return out, nil
}

func (e *Engine) refresh(ctx context.Context, scope tenant.Scope, et models.EntityType) (int, error) {
	recs, err := e.deps.Remote.List(ctx, scope, et)
	if err != nil {
		return 0, apperrors.Transport(fmt.Sprintf("failed to list %s", et), err)
	}

	n := 0
	err = e.deps.DB.WithTx(ctx, func(tx *sqlx.Tx) error {
		rs := e.deps.Records.WithTx(tx)
		qs := e.deps.Queue.WithTx(tx)
		for _, rr := range recs {
			local, err := qs.ListForEntity(ctx, scope, et, rr.ID,
				models.OperationPending, models.OperationInFlight, models.OperationFailed, models.OperationConflicted)
			if err != nil {
				return err
			}
			if len(local) > 0 {
				continue
			}
			if err := checkServerRecord(et, &rr); err != nil {
				logging.Warn("Skipping invalid server record", map[string]interface{}{
					"tenant_id": scope.TenantID,
					"entity":    models.EntityKey(et, rr.ID),
					"error":     err.Error(),
				})
				continue
			}
			rec := models.EntityRecord{ID: rr.ID, EntityType: et, Payload: rr.Data, Version: rr.Version}
			rec.SyncStatus = models.SyncStatusSynced
			if err := rs.Put(ctx, scope, rec); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	logging.Info("Entity type refreshed", map[string]interface{}{
		"tenant_id":   scope.TenantID,
		"entity_type": string(et),
		"fetched":     len(recs),
		"stored":      n,
	})
	return n, nil
}

type outcome int

const (
	outcomeSynced outcome = iota
	outcomeFailed
	outcomeConflict
	outcomeCancelled
	outcomeSkipped
)

// run holds the state of one drain.
type run struct {
	e      *Engine
	scope  tenant.Scope
	result *SyncResult

	progress Progress
	done     map[int64]bool
	blocked  map[string]bool
	byEntity map[string][]models.SyncOperation
	creates  map[string]models.SyncOperation
}

func newRun(e *Engine, scope tenant.Scope, ops []models.SyncOperation, result *SyncResult) *run {
	r := &run{
		e:        e,
		scope:    scope,
		result:   result,
		done:     make(map[int64]bool, len(ops)),
		blocked:  make(map[string]bool),
		byEntity: make(map[string][]models.SyncOperation),
		creates:  make(map[string]models.SyncOperation),
	}
	for _, op := range ops {
		key := op.EntityKey()
		r.byEntity[key] = append(r.byEntity[key], op)
		if op.Operation == models.OperationCreate && ids.IsTemp(op.EntityID) {
			r.creates[op.EntityID] = op
		}
	}
	result.Total = len(ops)
	r.progress = Progress{Status: StatusSyncing, Total: len(ops)}
	return r
}

// process runs op after any earlier operation on the same entity and any
// pending create its payload references by temporary id.
func (r *run) process(ctx context.Context, op models.SyncOperation) {
	if r.done[op.ID] {
		return
	}
	r.done[op.ID] = true

	for _, prev := range r.byEntity[op.EntityKey()] {
		if prev.ID < op.ID && !r.done[prev.ID] {
			r.process(ctx, prev)
		}
	}
	for _, ref := range tempRefs(op.Data) {
		if parent, ok := r.creates[ref]; ok && !r.done[parent.ID] {
			r.process(ctx, parent)
		}
	}
	if ctx.Err() != nil {
		return
	}

	out := r.execute(ctx, op)
	r.record(op, out)
}

func (r *run) execute(ctx context.Context, loaded models.SyncOperation) outcome {
	qs := r.e.deps.Queue

	// Earlier operations may have remapped or coalesced this one.
	op, err := qs.Get(ctx, r.scope, loaded.ID)
	if err != nil {
		r.opFailed(loaded, err)
		return outcomeFailed
	}
	if op == nil || op.Status != models.OperationPending {
		return outcomeSkipped
	}
	key := op.EntityKey()
	if r.blocked[key] || r.blocked[loaded.EntityKey()] {
		return outcomeSkipped
	}
	held, err := r.held(ctx, op)
	if err != nil {
		r.opFailed(*op, err)
		return outcomeFailed
	}
	if held {
		r.blocked[key] = true
		return outcomeSkipped
	}

	if limit := r.e.opts.RetryLimit; limit > 0 && op.RetryCount >= limit {
		reason := fmt.Sprintf("retry limit %d reached", limit)
		if err := qs.MarkExhausted(ctx, r.scope, op.ID, reason); err != nil {
			logging.Error("Failed to park exhausted operation", err, map[string]interface{}{"operation_id": op.ID})
		}
		r.blocked[key] = true
		return outcomeSkipped
	}

	if err := qs.MarkInFlight(ctx, r.scope, op.ID); err != nil {
		r.opFailed(*op, err)
		return outcomeFailed
	}

	var out outcome
	switch op.Operation {
	case models.OperationCreate:
		err = r.create(ctx, op)
	case models.OperationUpdate:
		out, err = r.update(ctx, op)
	case models.OperationDelete:
		err = r.delete(ctx, op)
	default:
		err = apperrors.Newf(apperrors.ErrInvalid, "unknown operation %q", op.Operation)
	}

	switch {
	case err == nil && out == outcomeConflict:
		r.blocked[key] = true
		return outcomeConflict
	case err == nil:
		return outcomeSynced
	case ctx.Err() != nil:
		// Leave the operation for the next run.
		if _, rerr := qs.ResetInFlight(context.Background(), r.scope); rerr != nil {
			logging.Error("Failed to requeue interrupted operation", rerr, map[string]interface{}{"operation_id": op.ID})
		}
		return outcomeCancelled
	default:
		r.blocked[key] = true
		r.opFailed(*op, err)
		return outcomeFailed
	}
}

// held reports whether an earlier run left the entity blocked: an unresolved
// conflict, or an older operation that failed or conflicted.
func (r *run) held(ctx context.Context, op *models.SyncOperation) (bool, error) {
	open, err := r.e.deps.Conflicts.HasUnresolved(ctx, r.scope, op.EntityType, op.EntityID)
	if err != nil || open {
		return open, err
	}
	stuck, err := r.e.deps.Queue.ListForEntity(ctx, r.scope, op.EntityType, op.EntityID,
		models.OperationFailed, models.OperationConflicted)
	if err != nil {
		return false, err
	}
	for _, prev := range stuck {
		if prev.ID < op.ID {
			return true, nil
		}
	}
	return false, nil
}

func (r *run) opFailed(op models.SyncOperation, cause error) {
	if err := r.e.deps.Queue.MarkFailed(context.Background(), r.scope, op.ID, cause.Error()); err != nil {
		logging.Error("Failed to mark operation failed", err, map[string]interface{}{"operation_id": op.ID})
	}
	if op.Operation == models.OperationCreate || op.Operation == models.OperationUpdate {
		if err := r.e.deps.Records.SetSyncStatus(context.Background(), r.scope, op.EntityType, op.EntityID, models.SyncStatusError); err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
			logging.Debug("Could not flag record", map[string]interface{}{"entity": op.EntityKey(), "error": err.Error()})
		}
	}
	logging.Warn("Sync operation failed", map[string]interface{}{
		"operation_id": op.ID,
		"entity":       op.EntityKey(),
		"operation":    string(op.Operation),
		"error":        cause.Error(),
	})
	r.e.emitEvent(SyncEvent{
		Type:     SyncEventOperationFailed,
		TenantID: r.scope.TenantID,
		Message:  fmt.Sprintf("%s %s: %v", op.Operation, op.EntityKey(), cause),
	})
}

func (r *run) record(op models.SyncOperation, out outcome) {
	switch out {
	case outcomeCancelled:
		return
	case outcomeSkipped:
		r.result.Skipped++
		metrics.RecordOperation(string(op.EntityType), string(op.Operation), "skipped")
	case outcomeSynced:
		r.result.Synced++
		r.progress.Successful++
		metrics.RecordOperation(string(op.EntityType), string(op.Operation), "synced")
	case outcomeFailed:
		r.result.Failed++
		r.progress.Failed++
		metrics.RecordOperation(string(op.EntityType), string(op.Operation), "failed")
	case outcomeConflict:
		r.result.Conflicts++
		r.progress.Conflicts++
		metrics.RecordOperation(string(op.EntityType), string(op.Operation), "conflicted")
	}

	r.progress.Processed++
	if r.progress.Total > 0 {
		r.progress.Percentage = float64(r.progress.Processed) / float64(r.progress.Total) * 100
	}
	p := r.progress
	if r.e.opts.OnProgress != nil {
		r.e.opts.OnProgress(p)
	}
	r.e.emitEvent(SyncEvent{Type: SyncEventProgress, TenantID: r.scope.TenantID, Progress: &p})
}

func (r *run) outboundPayload(ctx context.Context, op *models.SyncOperation) (json.RawMessage, error) {
	data := op.Data
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	data, err := resolveTempRefs(ctx, r.e.deps.DB, r.scope, data)
	if err != nil {
		return nil, err
	}
	data, err = models.StripServerFields(data)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "operation payload is not a JSON object", err)
	}
	return data, nil
}

func (r *run) create(ctx context.Context, op *models.SyncOperation) error {
	data, err := r.outboundPayload(ctx, op)
	if err != nil {
		return err
	}
	if !ids.IsTemp(op.EntityID) {
		idField, _ := json.Marshal(map[string]string{"id": op.EntityID})
		if data, err = models.MergePayloads(data, idField); err != nil {
			return err
		}
	}

	rec, err := r.e.deps.Remote.Create(ctx, r.scope, op.EntityType, data)
	if err != nil {
		return err
	}

	// The server has accepted the record; the local bookkeeping must not be
	// abandoned by a cancellation or the create would be sent twice.
	ctx = context.WithoutCancel(ctx)
	remapped := rec.ID != op.EntityID
	err = r.e.deps.DB.WithTx(ctx, func(tx *sqlx.Tx) error {
		rs := r.e.deps.Records.WithTx(tx)
		qs := r.e.deps.Queue.WithTx(tx)

		var local *models.EntityRecord
		if remapped {
			var err error
			if local, err = rs.Get(ctx, r.scope, op.EntityType, op.EntityID); err != nil {
				return err
			}
			if err := saveMapping(ctx, tx, r.scope, op.EntityType, op.EntityID, rec.ID); err != nil {
				return err
			}
			if err := rs.Delete(ctx, r.scope, op.EntityType, op.EntityID); err != nil {
				return err
			}
			if _, err := remapStoredReferences(ctx, rs, r.scope, op.EntityType, op.EntityID, rec.ID); err != nil {
				return err
			}
		}
		if _, err := qs.RemapEntityID(ctx, r.scope, op.EntityType, op.EntityID, rec.ID, rec.Version); err != nil {
			return err
		}
		if err := r.putCanonical(ctx, rs, qs, op.EntityType, rec, op.ID, local); err != nil {
			return err
		}
		return qs.MarkCompleted(ctx, r.scope, op.ID)
	})
	if err != nil {
		return err
	}

	if remapped {
		m := IDMapping{EntityType: op.EntityType, TempID: op.EntityID, RealID: rec.ID}
		r.result.IDMappings = append(r.result.IDMappings, m)
		r.e.emitEvent(SyncEvent{Type: SyncEventIDMapped, TenantID: r.scope.TenantID, Mapping: &m})
		logging.Debug("Temporary id mapped", map[string]interface{}{
			"entity_type": string(op.EntityType),
			"temp_id":     op.EntityID,
			"real_id":     rec.ID,
		})
	}
	return nil
}

// putCanonical stores the server's record. When further local operations on
// the entity are still queued, the local payload is kept and only the version
// advances so those edits stay visible. local, when set, is the record as it
// was stored under a temporary id.
func (r *run) putCanonical(ctx context.Context, rs *store.Store, qs *queue.SyncQueue, et models.EntityType, rec *models.RemoteRecord, opID int64, local *models.EntityRecord) error {
	queued, err := qs.ListForEntity(ctx, r.scope, et, rec.ID,
		models.OperationPending, models.OperationFailed, models.OperationConflicted)
	if err != nil {
		return err
	}
	hasMore := false
	for _, q := range queued {
		if q.ID != opID {
			hasMore = true
			break
		}
	}

	// The server already applied the write, so a payload it answers with that
	// breaks the entity rules is not stored; the record is flagged instead.
	invalid := checkServerRecord(et, rec)
	if invalid != nil {
		logging.Warn("Server answered with an invalid record", map[string]interface{}{
			"tenant_id": r.scope.TenantID,
			"entity":    models.EntityKey(et, rec.ID),
			"error":     invalid.Error(),
		})
	}

	if hasMore || invalid != nil {
		if local == nil {
			if local, err = rs.Get(ctx, r.scope, et, rec.ID); err != nil {
				return err
			}
		}
		if local != nil {
			kept := *local
			kept.ID = rec.ID
			kept.Version = rec.Version
			kept.SyncStatus = models.SyncStatusPending
			if invalid != nil {
				kept.SyncStatus = models.SyncStatusError
			}
			return rs.Put(ctx, r.scope, kept)
		}
		if invalid != nil {
			return nil
		}
	}

	canonical := models.EntityRecord{ID: rec.ID, EntityType: et, Payload: rec.Data, Version: rec.Version}
	canonical.SyncStatus = models.SyncStatusSynced
	return rs.Put(ctx, r.scope, canonical)
}

func (r *run) update(ctx context.Context, op *models.SyncOperation) (outcome, error) {
	api := r.e.deps.Remote

	current, err := api.Get(ctx, r.scope, op.EntityType, op.EntityID)
	if errors.Is(err, remote.ErrNotFound) {
		return outcomeFailed, apperrors.Wrap(apperrors.ErrNotFound, "record no longer exists on the server", err)
	}
	if err != nil {
		return outcomeFailed, err
	}
	if current.Version > op.BaseVersion {
		return outcomeConflict, r.conflict(ctx, op, current)
	}

	data, err := r.outboundPayload(ctx, op)
	if err != nil {
		return outcomeFailed, err
	}

	rec, err := api.Update(ctx, r.scope, op.EntityType, op.EntityID, data, op.BaseVersion)
	if errors.Is(err, remote.ErrConflict) {
		current := remote.CurrentRecord(err)
		if current == nil {
			if current, err = api.Get(ctx, r.scope, op.EntityType, op.EntityID); err != nil {
				return outcomeFailed, err
			}
		}
		return outcomeConflict, r.conflict(ctx, op, current)
	}
	if err != nil {
		return outcomeFailed, err
	}

	ctx = context.WithoutCancel(ctx)
	err = r.e.deps.DB.WithTx(ctx, func(tx *sqlx.Tx) error {
		rs := r.e.deps.Records.WithTx(tx)
		qs := r.e.deps.Queue.WithTx(tx)
		// Later edits of this entity were captured against the old version.
		if _, err := qs.RemapEntityID(ctx, r.scope, op.EntityType, op.EntityID, op.EntityID, rec.Version); err != nil {
			return err
		}
		if err := r.putCanonical(ctx, rs, qs, op.EntityType, rec, op.ID, nil); err != nil {
			return err
		}
		return qs.MarkCompleted(ctx, r.scope, op.ID)
	})
	return outcomeSynced, err
}

func (r *run) conflict(ctx context.Context, op *models.SyncOperation, current *models.RemoteRecord) error {
	if err := checkServerRecord(op.EntityType, current); err != nil {
		return err
	}
	c := models.Conflict{
		EntityType:    op.EntityType,
		EntityID:      op.EntityID,
		OperationID:   op.ID,
		Priority:      op.Priority,
		LocalData:     op.Data,
		LocalPatch:    op.Data,
		LocalVersion:  op.BaseVersion,
		RemoteData:    current.Data,
		RemoteVersion: current.Version,
	}

	err := r.e.deps.DB.WithTx(ctx, func(tx *sqlx.Tx) error {
		local, err := r.e.deps.Records.WithTx(tx).Get(ctx, r.scope, op.EntityType, op.EntityID)
		if err != nil {
			return err
		}
		if local != nil {
			c.LocalData = local.Payload
		}
		if err := r.e.deps.Conflicts.WithTx(tx).Create(ctx, r.scope, &c); err != nil {
			return err
		}
		reason := fmt.Sprintf("server version %d is newer than base version %d", current.Version, op.BaseVersion)
		return r.e.deps.Queue.WithTx(tx).MarkConflicted(ctx, r.scope, op.ID, reason)
	})
	if err != nil {
		return err
	}

	metrics.RecordConflict(r.scope.TenantID, string(op.EntityType))
	if r.e.opts.OnConflict != nil {
		r.e.opts.OnConflict(c)
	}
	r.e.emitEvent(SyncEvent{Type: SyncEventConflictDetected, TenantID: r.scope.TenantID, Conflict: &c})
	return nil
}

func (r *run) delete(ctx context.Context, op *models.SyncOperation) error {
	// A temporary id never reached the server.
	if !ids.IsTemp(op.EntityID) {
		err := r.e.deps.Remote.Delete(ctx, r.scope, op.EntityType, op.EntityID)
		if err != nil && !errors.Is(err, remote.ErrNotFound) {
			return err
		}
	}

	ctx = context.WithoutCancel(ctx)
	return r.e.deps.DB.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := r.e.deps.Records.WithTx(tx).Delete(ctx, r.scope, op.EntityType, op.EntityID); err != nil {
			return err
		}
		return r.e.deps.Queue.WithTx(tx).MarkCompleted(ctx, r.scope, op.ID)
	})
}

// checkServerRecord validates a record received from the host API against the
// payload rules of its entity type.
func checkServerRecord(et models.EntityType, rec *models.RemoteRecord) error {
	if _, err := models.DecodePayload(et, rec.Data); err != nil {
		return apperrors.Wrap(apperrors.ErrValidation,
			fmt.Sprintf("server returned an invalid record for %s", models.EntityKey(et, rec.ID)), err)
	}
	return nil
}
