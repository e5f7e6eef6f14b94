// Package store implements the local entity store: one logical partition
// per (tenant, entity type) in SQLite, fronted by a read cache.
package store

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
	"github.com/vetpulse/vetsync/internal/logging"
	"github.com/vetpulse/vetsync/internal/models"
	"github.com/vetpulse/vetsync/internal/tenant"
)

const recordsTable = "entity_records"

type recordRow struct {
	TenantID     string `db:"tenant_id"`
	EntityType   string `db:"entity_type"`
	ID           string `db:"id"`
	Payload      []byte `db:"payload"`
	Encoding     string `db:"encoding"`
	Version      int64  `db:"version"`
	SyncStatus   string `db:"sync_status"`
	LastModified int64  `db:"last_modified"`
	PracticeID   string `db:"practice_id"`
	UserID       string `db:"user_id"`
}

var recordStruct = sqlbuilder.NewStruct(new(recordRow)).For(sqlbuilder.SQLite)

// Options configures a Store.
type Options struct {
	// CompressThreshold is the payload size above which payloads are snappy-compressed; 0 disables it.
	CompressThreshold int
	CacheEnabled      bool
}

// Store is the local entity store.
type Store struct {
	db    *db.DB
	q     sqlx.ExtContext
	inTx  bool
	cache *readCache
	opts  Options
}

// New creates a Store over d.
func New(d *db.DB, opts Options) *Store {
	return &Store{
		db:    d,
		q:     d,
		cache: newReadCache(),
		opts:  opts,
	}
}

// WithTx returns a Store bound to tx. Reads through it bypass the cache;
// writes still invalidate it.
func (s *Store) WithTx(tx *sqlx.Tx) *Store {
	c := *s
	c.q = tx
	c.inTx = true
	return &c
}

// AttachSession purges the read cache whenever the session switches tenant.
// It returns a function that detaches the listener.
func (s *Store) AttachSession(session *tenant.Session) func() {
	return session.OnTenantChange(func(prev, next tenant.Scope) {
		s.cache.purge()
		logging.Debug("Entity cache purged on tenant switch", map[string]interface{}{
			"previous_tenant": prev.TenantID,
			"tenant":          next.TenantID,
		})
	})
}

// InvalidateCache drops every cached read.
func (s *Store) InvalidateCache() {
	s.cache.purge()
}

func (s *Store) cacheUsable() bool {
	return s.opts.CacheEnabled && !s.inTx
}

func checkType(et models.EntityType) error {
	if !et.Valid() {
		return apperrors.Newf(apperrors.ErrUnknownEntityType, "unknown entity type %q", et)
	}
	return nil
}

// Get returns the record or nil when it does not exist.
func (s *Store) Get(ctx context.Context, scope tenant.Scope, et models.EntityType, id string) (*models.EntityRecord, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if err := checkType(et); err != nil {
		return nil, err
	}

	if s.cacheUsable() {
		if rec, ok := s.cache.get(scope.TenantID, et, id); ok {
			return &rec, nil
		}
	}

	sb := recordStruct.SelectFrom(recordsTable)
	sb.Where(
		sb.Equal("tenant_id", scope.TenantID),
		sb.Equal("entity_type", string(et)),
		sb.Equal("id", id),
	)
	query, args := sb.Build()

	var row recordRow
	err := sqlx.GetContext(ctx, s.q, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Storage(fmt.Sprintf("failed to get %s/%s", et, id), err)
	}

	rec, err := row.toModel()
	if err != nil {
		return nil, apperrors.Storage(fmt.Sprintf("failed to decode %s/%s", et, id), err)
	}
	if s.cacheUsable() {
		s.cache.put(rec)
	}
	return &rec, nil
}

// GetAll returns every record of et for the scope's tenant, most recently modified first.
func (s *Store) GetAll(ctx context.Context, scope tenant.Scope, et models.EntityType) ([]models.EntityRecord, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if err := checkType(et); err != nil {
		return nil, err
	}

	if s.cacheUsable() {
		if recs, ok := s.cache.getAll(scope.TenantID, et); ok {
			return recs, nil
		}
	}

	sb := recordStruct.SelectFrom(recordsTable)
	sb.Where(sb.Equal("tenant_id", scope.TenantID), sb.Equal("entity_type", string(et)))
	sb.OrderBy("last_modified DESC", "id")
	query, args := sb.Build()

	var rows []recordRow
	if err := sqlx.SelectContext(ctx, s.q, &rows, query, args...); err != nil {
		return nil, apperrors.Storage(fmt.Sprintf("failed to list %s", et), err)
	}

	recs := make([]models.EntityRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.toModel()
		if err != nil {
			return nil, apperrors.Storage(fmt.Sprintf("failed to decode %s/%s", et, row.ID), err)
		}
		recs = append(recs, rec)
	}
	if s.cacheUsable() {
		s.cache.putAll(scope.TenantID, et, recs)
	}
	return recs, nil
}

const upsertRecord = `
INSERT INTO entity_records
    (tenant_id, entity_type, id, payload, encoding, version, sync_status, last_modified, practice_id, user_id)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (tenant_id, entity_type, id) DO UPDATE SET
    payload = excluded.payload,
    encoding = excluded.encoding,
    version = excluded.version,
    sync_status = excluded.sync_status,
    last_modified = excluded.last_modified,
    practice_id = excluded.practice_id,
    user_id = excluded.user_id`

// Put writes rec as a full replacement of any existing record with the same key.
// Tenant, practice and user metadata always come from scope; a zero
// LastModified is set to now and an empty SyncStatus defaults to pending.
func (s *Store) Put(ctx context.Context, scope tenant.Scope, rec models.EntityRecord) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	return s.put(ctx, s.q, scope, rec)
}

func (s *Store) put(ctx context.Context, q sqlx.ExecerContext, scope tenant.Scope, rec models.EntityRecord) error {
	if err := checkType(rec.EntityType); err != nil {
		return err
	}
	if rec.ID == "" {
		return apperrors.New(apperrors.ErrInvalid, "record id is required")
	}

	rec.TenantID = scope.TenantID
	rec.PracticeID = scope.PracticeID
	rec.UserID = scope.UserID
	if rec.LastModified == 0 {
		rec.LastModified = time.Now().UnixMilli()
	}
	if rec.SyncStatus == "" {
		rec.SyncStatus = models.SyncStatusPending
	}

	data, encoding := encodePayload(rec.Payload, s.opts.CompressThreshold)
	_, err := q.ExecContext(ctx, upsertRecord,
		rec.TenantID, string(rec.EntityType), rec.ID, db.Blob(data), encoding, rec.Version,
		string(rec.SyncStatus), rec.LastModified, rec.PracticeID, rec.UserID)
	s.cache.invalidate(scope.TenantID, rec.EntityType)
	if err != nil {
		return apperrors.Storage(fmt.Sprintf("failed to put %s", rec.Key()), err)
	}
	return nil
}

// PutBatch writes all records in a single transaction.
func (s *Store) PutBatch(ctx context.Context, scope tenant.Scope, recs []models.EntityRecord) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	if len(recs) == 0 {
		return nil
	}
	if s.inTx {
		for _, rec := range recs {
			if err := s.put(ctx, s.q, scope, rec); err != nil {
				return err
			}
		}
		return nil
	}
	return s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		for _, rec := range recs {
			if err := s.put(ctx, tx, scope, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// Delete removes a record. Deleting a missing record is not an error.
func (s *Store) Delete(ctx context.Context, scope tenant.Scope, et models.EntityType, id string) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	if err := checkType(et); err != nil {
		return err
	}

	dbd := sqlbuilder.SQLite.NewDeleteBuilder()
	dbd.DeleteFrom(recordsTable).Where(
		dbd.Equal("tenant_id", scope.TenantID),
		dbd.Equal("entity_type", string(et)),
		dbd.Equal("id", id),
	)
	query, args := dbd.Build()

	_, err := s.q.ExecContext(ctx, query, args...)
	s.cache.invalidate(scope.TenantID, et)
	if err != nil {
		return apperrors.Storage(fmt.Sprintf("failed to delete %s/%s", et, id), err)
	}
	return nil
}

// SetSyncStatus updates only the sync status of a record.
func (s *Store) SetSyncStatus(ctx context.Context, scope tenant.Scope, et models.EntityType, id string, status models.SyncStatus) error {
	if err := scope.Validate(); err != nil {
		return err
	}

	ub := sqlbuilder.SQLite.NewUpdateBuilder()
	ub.Update(recordsTable).
		Set(ub.Assign("sync_status", string(status))).
		Where(
			ub.Equal("tenant_id", scope.TenantID),
			ub.Equal("entity_type", string(et)),
			ub.Equal("id", id),
		)
	query, args := ub.Build()

	_, err := s.q.ExecContext(ctx, query, args...)
	s.cache.invalidate(scope.TenantID, et)
	if err != nil {
		return apperrors.Storage(fmt.Sprintf("failed to update status of %s/%s", et, id), err)
	}
	return nil
}

// Clear deletes every record of the scope's tenant and returns how many were removed.
func (s *Store) Clear(ctx context.Context, scope tenant.Scope) (int64, error) {
	if err := scope.Validate(); err != nil {
		return 0, err
	}

	dbd := sqlbuilder.SQLite.NewDeleteBuilder()
	dbd.DeleteFrom(recordsTable).Where(dbd.Equal("tenant_id", scope.TenantID))
	query, args := dbd.Build()

	res, err := s.q.ExecContext(ctx, query, args...)
	s.cache.invalidateTenant(scope.TenantID)
	if err != nil {
		return 0, apperrors.Storage("failed to clear tenant records", err)
	}
	n, _ := res.RowsAffected()
	logging.Info("Cleared local records", map[string]interface{}{
		"tenant_id": scope.TenantID,
		"removed":   n,
	})
	return n, nil
}

// CountByStatus returns record counts per sync status for the scope's tenant.
func (s *Store) CountByStatus(ctx context.Context, scope tenant.Scope) (map[models.SyncStatus]int, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select("sync_status", "COUNT(*) AS n").
		From(recordsTable).
		Where(sb.Equal("tenant_id", scope.TenantID)).
		GroupBy("sync_status")
	query, args := sb.Build()

	var rows []struct {
		Status string `db:"sync_status"`
		N      int    `db:"n"`
	}
	if err := sqlx.SelectContext(ctx, s.q, &rows, query, args...); err != nil {
		return nil, apperrors.Storage("failed to count records", err)
	}

	out := make(map[models.SyncStatus]int, len(rows))
	for _, r := range rows {
		out[models.SyncStatus(r.Status)] = r.N
	}
	return out, nil
}

func (r recordRow) toModel() (models.EntityRecord, error) {
	payload, err := decodePayload(r.Payload, r.Encoding)
	if err != nil {
		return models.EntityRecord{}, err
	}
	return models.EntityRecord{
		ID:         r.ID,
		EntityType: models.EntityType(r.EntityType),
		Payload:    payload,
		Version:    r.Version,
		RecordMetadata: models.RecordMetadata{
			LastModified: r.LastModified,
			SyncStatus:   models.SyncStatus(r.SyncStatus),
			TenantID:     r.TenantID,
			PracticeID:   r.PracticeID,
			UserID:       r.UserID,
		},
	}, nil
}
