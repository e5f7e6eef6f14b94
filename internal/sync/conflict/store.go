// Package conflict persists sync conflicts and applies user resolutions.
package conflict

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"

	"github.com/vetpulse/vetsync/internal/db"
	apperrors "github.com/vetpulse/vetsync/internal/errors"
	"github.com/vetpulse/vetsync/internal/ids"
	"github.com/vetpulse/vetsync/internal/logging"
	"github.com/vetpulse/vetsync/internal/models"
	"github.com/vetpulse/vetsync/internal/tenant"
)

const conflictsTable = "conflicts"

var conflictStruct = sqlbuilder.NewStruct(new(models.Conflict)).For(sqlbuilder.SQLite)

// Store persists conflicts per tenant.
type Store struct {
	q sqlx.ExtContext
}

// NewStore creates a conflict Store.
func NewStore(d *db.DB) *Store {
	return &Store{q: d}
}

// WithTx returns a Store bound to tx.
func (s *Store) WithTx(tx *sqlx.Tx) *Store {
	return &Store{q: tx}
}

// Create records a new unresolved conflict. ID and DetectedAt are assigned when empty.
func (s *Store) Create(ctx context.Context, scope tenant.Scope, c *models.Conflict) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	if c.ID == "" {
		c.ID = ids.NewUUID()
	}
	if c.DetectedAt == 0 {
		c.DetectedAt = time.Now().UnixMilli()
	}
	if c.Priority == "" {
		c.Priority = models.PriorityNormal
	}
	c.TenantID = scope.TenantID
	c.Resolution = ""
	c.ResolvedAt = nil

	ib := sqlbuilder.SQLite.NewInsertBuilder()
	ib.InsertInto(conflictsTable).
		Cols("id", "tenant_id", "entity_type", "entity_id", "operation_id", "priority",
			"local_data", "local_patch", "local_version", "remote_data", "remote_version", "detected_at").
		Values(c.ID, c.TenantID, string(c.EntityType), c.EntityID, c.OperationID, string(c.Priority),
			db.Blob(c.LocalData), db.Blob(c.LocalPatch), c.LocalVersion, db.Blob(c.RemoteData), c.RemoteVersion, c.DetectedAt)
	query, args := ib.Build()

	if _, err := s.q.ExecContext(ctx, query, args...); err != nil {
		return apperrors.Storage("failed to record conflict", err)
	}

	logging.Warn("Sync conflict recorded", map[string]interface{}{
		"conflict_id":    c.ID,
		"entity":         models.EntityKey(c.EntityType, c.EntityID),
		"local_version":  c.LocalVersion,
		"remote_version": c.RemoteVersion,
	})
	return nil
}

// Get returns a conflict by id, or nil if it does not exist.
func (s *Store) Get(ctx context.Context, scope tenant.Scope, id string) (*models.Conflict, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	sb := conflictStruct.SelectFrom(conflictsTable)
	sb.Where(sb.Equal("tenant_id", scope.TenantID), sb.Equal("id", id))
	query, args := sb.Build()

	var c models.Conflict
	err := sqlx.GetContext(ctx, s.q, &c, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Storage(fmt.Sprintf("failed to get conflict %s", id), err)
	}
	return &c, nil
}

func (s *Store) list(ctx context.Context, scope tenant.Scope, unresolvedOnly bool) ([]models.Conflict, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	sb := conflictStruct.SelectFrom(conflictsTable)
	sb.Where(sb.Equal("tenant_id", scope.TenantID))
	if unresolvedOnly {
		sb.Where(sb.Equal("resolution", ""))
	}
	sb.OrderBy("detected_at DESC", "id")
	query, args := sb.Build()

	out := []models.Conflict{}
	if err := sqlx.SelectContext(ctx, s.q, &out, query, args...); err != nil {
		return nil, apperrors.Storage("failed to list conflicts", err)
	}
	return out, nil
}

// GetAllConflicts returns every conflict of the tenant, newest first.
func (s *Store) GetAllConflicts(ctx context.Context, scope tenant.Scope) ([]models.Conflict, error) {
	return s.list(ctx, scope, false)
}

// GetUnresolvedConflicts returns conflicts still awaiting a decision, newest first.
func (s *Store) GetUnresolvedConflicts(ctx context.Context, scope tenant.Scope) ([]models.Conflict, error) {
	return s.list(ctx, scope, true)
}

// HasUnresolved reports whether the entity has a conflict awaiting a decision.
func (s *Store) HasUnresolved(ctx context.Context, scope tenant.Scope, et models.EntityType, entityID string) (bool, error) {
	if err := scope.Validate(); err != nil {
		return false, err
	}

	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select("COUNT(*)").From(conflictsTable).Where(
		sb.Equal("tenant_id", scope.TenantID),
		sb.Equal("entity_type", string(et)),
		sb.Equal("entity_id", entityID),
		sb.Equal("resolution", ""),
	)
	query, args := sb.Build()

	var n int
	if err := sqlx.GetContext(ctx, s.q, &n, query, args...); err != nil {
		return false, apperrors.Storage("failed to check conflicts", err)
	}
	return n > 0, nil
}

// CountUnresolved returns the number of conflicts awaiting a decision.
func (s *Store) CountUnresolved(ctx context.Context, scope tenant.Scope) (int, error) {
	if err := scope.Validate(); err != nil {
		return 0, err
	}

	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select("COUNT(*)").From(conflictsTable).Where(
		sb.Equal("tenant_id", scope.TenantID),
		sb.Equal("resolution", ""),
	)
	query, args := sb.Build()

	var n int
	if err := sqlx.GetContext(ctx, s.q, &n, query, args...); err != nil {
		return 0, apperrors.Storage("failed to count conflicts", err)
	}
	return n, nil
}

func (s *Store) markResolved(ctx context.Context, scope tenant.Scope, id string, resolution models.Resolution) (int64, error) {
	now := time.Now().UnixMilli()

	ub := sqlbuilder.SQLite.NewUpdateBuilder()
	ub.Update(conflictsTable).
		Set(ub.Assign("resolution", string(resolution)), ub.Assign("resolved_at", now)).
		Where(
			ub.Equal("tenant_id", scope.TenantID),
			ub.Equal("id", id),
			ub.Equal("resolution", ""),
		)
	query, args := ub.Build()

	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, apperrors.Storage(fmt.Sprintf("failed to resolve conflict %s", id), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, apperrors.Newf(apperrors.ErrConflictResolved, "conflict %s is already resolved", id)
	}
	return now, nil
}
