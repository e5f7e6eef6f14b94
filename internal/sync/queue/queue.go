// Package queue provides the durable, tenant-scoped sync operation queue.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"

	"github.com/vetpulse/vetsync/internal/db"
	apperrors "github.com/vetpulse/vetsync/internal/errors"
	"github.com/vetpulse/vetsync/internal/logging"
	"github.com/vetpulse/vetsync/internal/models"
	"github.com/vetpulse/vetsync/internal/tenant"
)

const (
	operationsTable = "sync_operations"
	conflictsTable  = "conflicts"
)

var operationStruct = sqlbuilder.NewStruct(new(models.SyncOperation)).For(sqlbuilder.SQLite)

// Options configures a SyncQueue.
type Options struct {
	// Coalesce merges a new update into a pending create or update for the same entity.
	Coalesce bool
	// PriorityWeights overrides models.DefaultPriorityWeights for ordering.
	PriorityWeights map[models.Priority]int
}

// DefaultOptions returns coalescing on with default weights.
func DefaultOptions() Options {
	return Options{Coalesce: true}
}

// OperationRequest describes a mutation to enqueue.
type OperationRequest struct {
	EntityType  models.EntityType
	EntityID    string
	Operation   models.OperationType
	Data        json.RawMessage
	BaseVersion int64
	Priority    models.Priority
	// NoCoalesce forces a new operation even when coalescing is enabled.
	NoCoalesce bool
}

// SyncQueue manages pending sync operations.
type SyncQueue struct {
	db   *db.DB
	q    sqlx.ExtContext
	inTx bool
	opts Options
}

// NewSyncQueue creates a new SyncQueue.
func NewSyncQueue(d *db.DB, opts Options) *SyncQueue {
	return &SyncQueue{db: d, q: d, opts: opts}
}

// WithTx returns a SyncQueue bound to tx.
func (q *SyncQueue) WithTx(tx *sqlx.Tx) *SyncQueue {
	c := *q
	c.q = tx
	c.inTx = true
	return &c
}

func (q *SyncQueue) rank(p models.Priority) int {
	return p.Weight(q.opts.PriorityWeights)
}

// run executes fn in a transaction unless q is already bound to one.
func (q *SyncQueue) run(ctx context.Context, fn func(tq *SyncQueue) error) error {
	if q.inTx {
		return fn(q)
	}
	return q.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		return fn(q.WithTx(tx))
	})
}

// AddOperation enqueues a mutation for the scope's tenant. It is rejected when
// no tenant is active and when the entity has an unresolved conflict.
func (q *SyncQueue) AddOperation(ctx context.Context, scope tenant.Scope, req OperationRequest) (*models.SyncOperation, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if err := validateRequest(&req); err != nil {
		return nil, err
	}

	var out *models.SyncOperation
	err := q.run(ctx, func(tq *SyncQueue) error {
		blocked, err := tq.hasUnresolvedConflict(ctx, scope, req.EntityType, req.EntityID)
		if err != nil {
			return err
		}
		if blocked {
			return apperrors.Newf(apperrors.ErrEntityConflicted,
				"%s has an unresolved conflict", models.EntityKey(req.EntityType, req.EntityID))
		}

		if tq.opts.Coalesce && !req.NoCoalesce && req.Operation == models.OperationUpdate {
			merged, err := tq.coalesce(ctx, scope, req)
			if err != nil {
				return err
			}
			if merged != nil {
				out = merged
				return nil
			}
		}

		out, err = tq.insert(ctx, scope, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func validateRequest(req *OperationRequest) error {
	if !req.EntityType.Valid() {
		return apperrors.Newf(apperrors.ErrUnknownEntityType, "unknown entity type %q", req.EntityType)
	}
	if !req.Operation.Valid() {
		return apperrors.Newf(apperrors.ErrInvalid, "unknown operation %q", req.Operation)
	}
	if req.EntityID == "" {
		return apperrors.New(apperrors.ErrInvalid, "entity id is required")
	}
	if req.Operation != models.OperationDelete && len(req.Data) == 0 {
		return apperrors.Newf(apperrors.ErrInvalid, "%s requires a payload", req.Operation)
	}
	if req.Priority == "" {
		req.Priority = models.PriorityNormal
	}
	if _, err := models.ParsePriority(string(req.Priority)); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "invalid priority", err)
	}
	return nil
}

// coalesce folds req into the newest pending create or update for the same
// entity. It returns nil when there is nothing to fold into.
func (q *SyncQueue) coalesce(ctx context.Context, scope tenant.Scope, req OperationRequest) (*models.SyncOperation, error) {
	sb := operationStruct.SelectFrom(operationsTable)
	sb.Where(
		sb.Equal("tenant_id", scope.TenantID),
		sb.Equal("entity_type", string(req.EntityType)),
		sb.Equal("entity_id", req.EntityID),
		sb.Equal("status", string(models.OperationPending)),
	)
	sb.OrderBy("id").Desc().Limit(1)
	query, args := sb.Build()

	var prev models.SyncOperation
	err := sqlx.GetContext(ctx, q.q, &prev, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Storage("failed to look up pending operation", err)
	}
	if prev.Operation == models.OperationDelete {
		return nil, nil
	}

	data, err := models.MergePayloads(prev.Data, req.Data)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to coalesce payloads", err)
	}
	priority := prev.Priority
	if q.rank(req.Priority) > q.rank(priority) {
		priority = req.Priority
	}

	now := time.Now().UnixMilli()
	ub := sqlbuilder.SQLite.NewUpdateBuilder()
	ub.Update(operationsTable).
		Set(
			ub.Assign("data", db.Blob(data)),
			ub.Assign("priority", string(priority)),
			ub.Assign("priority_rank", q.rank(priority)),
			ub.Assign("updated_at", now),
		).
		Where(ub.Equal("id", prev.ID), ub.Equal("tenant_id", scope.TenantID))
	query, args = ub.Build()
	if _, err := q.q.ExecContext(ctx, query, args...); err != nil {
		return nil, apperrors.Storage("failed to coalesce operation", err)
	}

	prev.Data = data
	prev.Priority = priority
	prev.UpdatedAt = now
	logging.Debug("Coalesced update into pending operation", map[string]interface{}{
		"operation_id": prev.ID,
		"operation":    prev.Operation,
		"entity":       prev.EntityKey(),
	})
	return &prev, nil
}

func (q *SyncQueue) insert(ctx context.Context, scope tenant.Scope, req OperationRequest) (*models.SyncOperation, error) {
	now := time.Now().UnixMilli()
	op := models.SyncOperation{
		TenantID:    scope.TenantID,
		EntityType:  req.EntityType,
		EntityID:    req.EntityID,
		Operation:   req.Operation,
		Data:        req.Data,
		BaseVersion: req.BaseVersion,
		Priority:    req.Priority,
		Status:      models.OperationPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	ib := sqlbuilder.SQLite.NewInsertBuilder()
	ib.InsertInto(operationsTable).
		Cols("tenant_id", "entity_type", "entity_id", "operation", "data", "base_version",
			"priority", "priority_rank", "status", "created_at", "updated_at").
		Values(op.TenantID, string(op.EntityType), op.EntityID, string(op.Operation), db.Blob(op.Data), op.BaseVersion,
			string(op.Priority), q.rank(op.Priority), string(op.Status), op.CreatedAt, op.UpdatedAt)
	query, args := ib.Build()

	res, err := q.q.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Storage("failed to enqueue operation", err)
	}
	op.ID, err = res.LastInsertId()
	if err != nil {
		return nil, apperrors.Storage("failed to read operation id", err)
	}

	logging.Debug("Enqueued operation", map[string]interface{}{
		"operation_id": op.ID,
		"operation":    op.Operation,
		"entity":       op.EntityKey(),
		"priority":     op.Priority,
	})
	return &op, nil
}

func (q *SyncQueue) hasUnresolvedConflict(ctx context.Context, scope tenant.Scope, et models.EntityType, id string) (bool, error) {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select("COUNT(*)").From(conflictsTable).Where(
		sb.Equal("tenant_id", scope.TenantID),
		sb.Equal("entity_type", string(et)),
		sb.Equal("entity_id", id),
		sb.Equal("resolution", ""),
	)
	query, args := sb.Build()

	var n int
	if err := sqlx.GetContext(ctx, q.q, &n, query, args...); err != nil {
		return false, apperrors.Storage("failed to check conflicts", err)
	}
	return n > 0, nil
}

func (q *SyncQueue) list(ctx context.Context, scope tenant.Scope, statuses ...models.OperationStatus) ([]models.SyncOperation, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	sb := operationStruct.SelectFrom(operationsTable)
	sb.Where(sb.Equal("tenant_id", scope.TenantID))
	if len(statuses) > 0 {
		vals := make([]interface{}, len(statuses))
		for i, s := range statuses {
			vals[i] = string(s)
		}
		sb.Where(sb.In("status", vals...))
	}
	sb.OrderBy("priority_rank DESC", "id ASC")
	query, args := sb.Build()

	ops := []models.SyncOperation{}
	if err := sqlx.SelectContext(ctx, q.q, &ops, query, args...); err != nil {
		return nil, apperrors.Storage("failed to list operations", err)
	}
	return ops, nil
}

// GetPending returns pending operations ordered by priority then enqueue order.
func (q *SyncQueue) GetPending(ctx context.Context, scope tenant.Scope) ([]models.SyncOperation, error) {
	return q.list(ctx, scope, models.OperationPending)
}

// GetFailed returns failed operations ordered by priority then enqueue order.
func (q *SyncQueue) GetFailed(ctx context.Context, scope tenant.Scope) ([]models.SyncOperation, error) {
	return q.list(ctx, scope, models.OperationFailed)
}

// GetConflicted returns conflicted operations ordered by priority then enqueue order.
func (q *SyncQueue) GetConflicted(ctx context.Context, scope tenant.Scope) ([]models.SyncOperation, error) {
	return q.list(ctx, scope, models.OperationConflicted)
}

// List returns operations in the given statuses, or all when none are given.
func (q *SyncQueue) List(ctx context.Context, scope tenant.Scope, statuses ...models.OperationStatus) ([]models.SyncOperation, error) {
	return q.list(ctx, scope, statuses...)
}

// Get returns an operation by id, or nil if it does not exist.
func (q *SyncQueue) Get(ctx context.Context, scope tenant.Scope, id int64) (*models.SyncOperation, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	sb := operationStruct.SelectFrom(operationsTable)
	sb.Where(sb.Equal("tenant_id", scope.TenantID), sb.Equal("id", id))
	query, args := sb.Build()

	var op models.SyncOperation
	err := sqlx.GetContext(ctx, q.q, &op, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Storage(fmt.Sprintf("failed to get operation %d", id), err)
	}
	return &op, nil
}

// ListForEntity returns the entity's operations in enqueue order, filtered by status when given.
func (q *SyncQueue) ListForEntity(ctx context.Context, scope tenant.Scope, et models.EntityType, entityID string, statuses ...models.OperationStatus) ([]models.SyncOperation, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	sb := operationStruct.SelectFrom(operationsTable)
	sb.Where(
		sb.Equal("tenant_id", scope.TenantID),
		sb.Equal("entity_type", string(et)),
		sb.Equal("entity_id", entityID),
	)
	if len(statuses) > 0 {
		vals := make([]interface{}, len(statuses))
		for i, s := range statuses {
			vals[i] = string(s)
		}
		sb.Where(sb.In("status", vals...))
	}
	sb.OrderBy("id").Asc()
	query, args := sb.Build()

	ops := []models.SyncOperation{}
	if err := sqlx.SelectContext(ctx, q.q, &ops, query, args...); err != nil {
		return nil, apperrors.Storage("failed to list entity operations", err)
	}
	return ops, nil
}

func (q *SyncQueue) setStatus(ctx context.Context, scope tenant.Scope, id int64, status models.OperationStatus, lastError *string, bumpRetry bool) error {
	if err := scope.Validate(); err != nil {
		return err
	}

	ub := sqlbuilder.SQLite.NewUpdateBuilder()
	ub.Update(operationsTable).Set(
		ub.Assign("status", string(status)),
		ub.Assign("updated_at", time.Now().UnixMilli()),
	)
	if lastError != nil {
		ub.SetMore(ub.Assign("last_error", *lastError))
	}
	if bumpRetry {
		ub.SetMore(ub.Incr("retry_count"))
	}
	ub.Where(ub.Equal("tenant_id", scope.TenantID), ub.Equal("id", id))
	query, args := ub.Build()

	res, err := q.q.ExecContext(ctx, query, args...)
	if err != nil {
		return apperrors.Storage(fmt.Sprintf("failed to mark operation %d %s", id, status), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.Newf(apperrors.ErrNotFound, "operation %d not found", id)
	}
	return nil
}

// MarkInFlight records that an operation is being transmitted.
func (q *SyncQueue) MarkInFlight(ctx context.Context, scope tenant.Scope, id int64) error {
	return q.setStatus(ctx, scope, id, models.OperationInFlight, nil, false)
}

// MarkCompleted records a successful replay and clears the last error.
func (q *SyncQueue) MarkCompleted(ctx context.Context, scope tenant.Scope, id int64) error {
	empty := ""
	return q.setStatus(ctx, scope, id, models.OperationCompleted, &empty, false)
}

// MarkFailed records a failed attempt and increments the retry count.
func (q *SyncQueue) MarkFailed(ctx context.Context, scope tenant.Scope, id int64, reason string) error {
	return q.setStatus(ctx, scope, id, models.OperationFailed, &reason, true)
}

// MarkExhausted parks an operation as failed without counting another attempt.
func (q *SyncQueue) MarkExhausted(ctx context.Context, scope tenant.Scope, id int64, reason string) error {
	return q.setStatus(ctx, scope, id, models.OperationFailed, &reason, false)
}

// MarkConflicted records that the server version diverged from the operation's base.
func (q *SyncQueue) MarkConflicted(ctx context.Context, scope tenant.Scope, id int64, reason string) error {
	return q.setStatus(ctx, scope, id, models.OperationConflicted, &reason, false)
}

// Delete removes an operation regardless of status.
func (q *SyncQueue) Delete(ctx context.Context, scope tenant.Scope, id int64) error {
	if err := scope.Validate(); err != nil {
		return err
	}

	dbd := sqlbuilder.SQLite.NewDeleteBuilder()
	dbd.DeleteFrom(operationsTable).Where(dbd.Equal("tenant_id", scope.TenantID), dbd.Equal("id", id))
	query, args := dbd.Build()

	if _, err := q.q.ExecContext(ctx, query, args...); err != nil {
		return apperrors.Storage(fmt.Sprintf("failed to delete operation %d", id), err)
	}
	return nil
}

func (q *SyncQueue) transition(ctx context.Context, scope tenant.Scope, from, to models.OperationStatus) (int64, error) {
	if err := scope.Validate(); err != nil {
		return 0, err
	}

	ub := sqlbuilder.SQLite.NewUpdateBuilder()
	ub.Update(operationsTable).
		Set(ub.Assign("status", string(to)), ub.Assign("updated_at", time.Now().UnixMilli())).
		Where(ub.Equal("tenant_id", scope.TenantID), ub.Equal("status", string(from)))
	query, args := ub.Build()

	res, err := q.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, apperrors.Storage(fmt.Sprintf("failed to move %s operations to %s", from, to), err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RetryFailed moves every failed operation back to pending. Retry counts are kept.
func (q *SyncQueue) RetryFailed(ctx context.Context, scope tenant.Scope) (int64, error) {
	n, err := q.transition(ctx, scope, models.OperationFailed, models.OperationPending)
	if err == nil && n > 0 {
		logging.Info("Failed operations requeued", map[string]interface{}{"count": n})
	}
	return n, err
}

// ResetInFlight returns operations left in flight by an interrupted drain to pending.
func (q *SyncQueue) ResetInFlight(ctx context.Context, scope tenant.Scope) (int64, error) {
	n, err := q.transition(ctx, scope, models.OperationInFlight, models.OperationPending)
	if err == nil && n > 0 {
		logging.Warn("Recovered in-flight operations", map[string]interface{}{"count": n})
	}
	return n, err
}

// ClearCompleted deletes completed operations only.
func (q *SyncQueue) ClearCompleted(ctx context.Context, scope tenant.Scope) (int64, error) {
	if err := scope.Validate(); err != nil {
		return 0, err
	}

	dbd := sqlbuilder.SQLite.NewDeleteBuilder()
	dbd.DeleteFrom(operationsTable).Where(
		dbd.Equal("tenant_id", scope.TenantID),
		dbd.Equal("status", string(models.OperationCompleted)),
	)
	query, args := dbd.Build()

	res, err := q.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, apperrors.Storage("failed to clear completed operations", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RemapEntityID points operations queued against tempID at realID. Base
// versions below version are raised to it so follow-up updates are not
// mistaken for conflicts with the record they created.
func (q *SyncQueue) RemapEntityID(ctx context.Context, scope tenant.Scope, et models.EntityType, tempID, realID string, version int64) (int64, error) {
	if err := scope.Validate(); err != nil {
		return 0, err
	}

	ub := sqlbuilder.SQLite.NewUpdateBuilder()
	ub.Update(operationsTable).
		Set(
			ub.Assign("entity_id", realID),
			fmt.Sprintf("base_version = MAX(base_version, %s)", ub.Var(version)),
			ub.Assign("updated_at", time.Now().UnixMilli()),
		).
		Where(
			ub.Equal("tenant_id", scope.TenantID),
			ub.Equal("entity_type", string(et)),
			ub.Equal("entity_id", tempID),
		)
	query, args := ub.Build()

	res, err := q.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, apperrors.Storage("failed to remap queued operations", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// GetStats returns operation counts per status.
func (q *SyncQueue) GetStats(ctx context.Context, scope tenant.Scope) (models.QueueStats, error) {
	var stats models.QueueStats
	if err := scope.Validate(); err != nil {
		return stats, err
	}

	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select("status", "COUNT(*) AS n").
		From(operationsTable).
		Where(sb.Equal("tenant_id", scope.TenantID)).
		GroupBy("status")
	query, args := sb.Build()

	var rows []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	if err := sqlx.SelectContext(ctx, q.q, &rows, query, args...); err != nil {
		return stats, apperrors.Storage("failed to compute queue stats", err)
	}

	for _, r := range rows {
		switch models.OperationStatus(r.Status) {
		case models.OperationPending:
			stats.Pending = r.N
		case models.OperationInFlight:
			stats.InFlight = r.N
		case models.OperationCompleted:
			stats.Completed = r.N
		case models.OperationFailed:
			stats.Failed = r.N
		case models.OperationConflicted:
			stats.Conflicted = r.N
		}
		stats.Total += r.N
	}
	return stats, nil
}
