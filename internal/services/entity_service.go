// Package services provides the local write path for entities: every change
// lands in the store and the sync queue in one transaction.
package services

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/jmoiron/sqlx"

	"github.com/vetpulse/vetsync/internal/db"
	"github.com/vetpulse/vetsync/internal/errors"
	"github.com/vetpulse/vetsync/internal/ids"
	"github.com/vetpulse/vetsync/internal/logging"
	"github.com/vetpulse/vetsync/internal/models"
	"github.com/vetpulse/vetsync/internal/store"
	"github.com/vetpulse/vetsync/internal/sync/queue"
	"github.com/vetpulse/vetsync/internal/tenant"
)

// ChangeKind says what a local write did to the queue.
type ChangeKind string

const (
	ChangeQueued    ChangeKind = "queued"
	ChangeDiscarded ChangeKind = "discarded" // a never-synced entity was deleted
)

// Change describes a completed local write.
type Change struct {
	Kind       ChangeKind
	EntityType models.EntityType
	EntityID   string
	Operation  *models.SyncOperation
}

// EntityService performs optimistic local writes and queues them for sync.
type EntityService struct {
	db      *db.DB
	session *tenant.Session
	records *store.Store
	queue   *queue.SyncQueue

	// Callback for the daemon's event stream and sync trigger
	onChange func(Change)

	mu sync.RWMutex
}

// NewEntityService creates a new EntityService.
func NewEntityService(d *db.DB, session *tenant.Session, records *store.Store, q *queue.SyncQueue) *EntityService {
	return &EntityService{db: d, session: session, records: records, queue: q}
}

// SetOnChange registers a callback invoked after each committed write.
func (s *EntityService) SetOnChange(fn func(Change)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

func (s *EntityService) notify(c Change) {
	s.mu.RLock()
	fn := s.onChange
	s.mu.RUnlock()
	if fn != nil {
		fn(c)
	}
}

func (s *EntityService) scope(et models.EntityType) (tenant.Scope, error) {
	if !et.Valid() {
		return tenant.Scope{}, errors.Newf(errors.ErrUnknownEntityType, "unknown entity type %q", et)
	}
	return s.session.Scope()
}

func validatePayload(et models.EntityType, raw json.RawMessage) error {
	if _, err := models.DecodePayload(et, raw); err != nil {
		return errors.Wrap(errors.ErrValidation, err.Error(), err)
	}
	return nil
}

// Create stores a new entity under a temporary id and queues its create.
func (s *EntityService) Create(ctx context.Context, et models.EntityType, data json.RawMessage, priority models.Priority) (*models.EntityRecord, error) {
	scope, err := s.scope(et)
	if err != nil {
		return nil, err
	}
	payload, err := models.StripServerFields(data)
	if err != nil {
		return nil, errors.Wrap(errors.ErrValidation, "payload must be a JSON object", err)
	}
	if err := validatePayload(et, payload); err != nil {
		return nil, err
	}

	rec := models.EntityRecord{ID: ids.NewTemp(), EntityType: et, Payload: payload}
	rec.SyncStatus = models.SyncStatusPending
	var op *models.SyncOperation
	err = s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.records.WithTx(tx).Put(ctx, scope, rec); err != nil {
			return err
		}
		op, err = s.queue.WithTx(tx).AddOperation(ctx, scope, queue.OperationRequest{
			EntityType: et,
			EntityID:   rec.ID,
			Operation:  models.OperationCreate,
			Data:       payload,
			Priority:   priority,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	logging.Debug("Entity created locally", map[string]interface{}{"entity": rec.Key(), "operation_id": op.ID})
	s.notify(Change{Kind: ChangeQueued, EntityType: et, EntityID: rec.ID, Operation: op})
	return s.Get(ctx, et, rec.ID)
}

// Update applies a partial change to an entity and queues it. The queued
// operation carries only the patch; its base version is the record's last
// server version.
func (s *EntityService) Update(ctx context.Context, et models.EntityType, id string, patch json.RawMessage, priority models.Priority) (*models.EntityRecord, error) {
	scope, err := s.scope(et)
	if err != nil {
		return nil, err
	}
	patch, err = models.StripServerFields(patch)
	if err != nil {
		return nil, errors.Wrap(errors.ErrValidation, "patch must be a JSON object", err)
	}

	var op *models.SyncOperation
	err = s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		rs := s.records.WithTx(tx)
		rec, err := rs.Get(ctx, scope, et, id)
		if err != nil {
			return err
		}
		if rec == nil {
			return errors.Newf(errors.ErrNotFound, "%s not found", models.EntityKey(et, id))
		}
		merged, err := models.MergePayloads(rec.Payload, patch)
		if err != nil {
			return errors.Wrap(errors.ErrValidation, "cannot merge patch", err)
		}
		if err := validatePayload(et, merged); err != nil {
			return err
		}

		op, err = s.queue.WithTx(tx).AddOperation(ctx, scope, queue.OperationRequest{
			EntityType:  et,
			EntityID:    id,
			Operation:   models.OperationUpdate,
			Data:        patch,
			BaseVersion: rec.Version,
			Priority:    priority,
		})
		if err != nil {
			return err
		}

		rec.Payload = merged
		rec.SyncStatus = models.SyncStatusPending
		rec.LastModified = 0
		return rs.Put(ctx, scope, *rec)
	})
	if err != nil {
		return nil, err
	}

	s.notify(Change{Kind: ChangeQueued, EntityType: et, EntityID: id, Operation: op})
	return s.Get(ctx, et, id)
}

// Delete removes an entity locally and queues its delete. An entity that
// never reached the server is discarded with its queued operations instead.
func (s *EntityService) Delete(ctx context.Context, et models.EntityType, id string, priority models.Priority) error {
	scope, err := s.scope(et)
	if err != nil {
		return err
	}

	change := Change{Kind: ChangeQueued, EntityType: et, EntityID: id}
	err = s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		rs := s.records.WithTx(tx)
		qs := s.queue.WithTx(tx)

		rec, err := rs.Get(ctx, scope, et, id)
		if err != nil {
			return err
		}
		if rec == nil {
			return errors.Newf(errors.ErrNotFound, "%s not found", models.EntityKey(et, id))
		}

		if ids.IsTemp(id) {
			discarded, err := discardUnsent(ctx, qs, scope, et, id)
			if err != nil {
				return err
			}
			if discarded {
				change.Kind = ChangeDiscarded
				return rs.Delete(ctx, scope, et, id)
			}
		}

		change.Operation, err = qs.AddOperation(ctx, scope, queue.OperationRequest{
			EntityType:  et,
			EntityID:    id,
			Operation:   models.OperationDelete,
			BaseVersion: rec.Version,
			Priority:    priority,
		})
		if err != nil {
			return err
		}
		return rs.Delete(ctx, scope, et, id)
	})
	if err != nil {
		return err
	}

	s.notify(change)
	return nil
}

// discardUnsent drops every queued operation of a temp entity whose create
// has not been sent. It reports false when the create is in flight.
func discardUnsent(ctx context.Context, qs *queue.SyncQueue, scope tenant.Scope, et models.EntityType, id string) (bool, error) {
	ops, err := qs.ListForEntity(ctx, scope, et, id,
		models.OperationPending, models.OperationInFlight, models.OperationFailed)
	if err != nil {
		return false, err
	}
	for _, op := range ops {
		if op.Status == models.OperationInFlight {
			return false, nil
		}
	}
	for _, op := range ops {
		if err := qs.Delete(ctx, scope, op.ID); err != nil {
			return false, err
		}
	}
	return true, nil
}

// Get returns one entity.
func (s *EntityService) Get(ctx context.Context, et models.EntityType, id string) (*models.EntityRecord, error) {
	scope, err := s.scope(et)
	if err != nil {
		return nil, err
	}
	rec, err := s.records.Get(ctx, scope, et, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, errors.Newf(errors.ErrNotFound, "%s not found", models.EntityKey(et, id))
	}
	return rec, nil
}

// List returns every entity of et for the active tenant.
func (s *EntityService) List(ctx context.Context, et models.EntityType) ([]models.EntityRecord, error) {
	scope, err := s.scope(et)
	if err != nil {
		return nil, err
	}
	return s.records.GetAll(ctx, scope, et)
}
