package conflict

import (
	"context"
	"encoding/json"

	"github.com/jmoiron/sqlx"

	"github.com/vetpulse/vetsync/internal/db"
	apperrors "github.com/vetpulse/vetsync/internal/errors"
	"github.com/vetpulse/vetsync/internal/logging"
	"github.com/vetpulse/vetsync/internal/metrics"
	"github.com/vetpulse/vetsync/internal/models"
	"github.com/vetpulse/vetsync/internal/store"
	"github.com/vetpulse/vetsync/internal/sync/queue"
	"github.com/vetpulse/vetsync/internal/tenant"
)

// ResolveResult describes the outcome of a single resolution.
type ResolveResult struct {
	Conflict models.Conflict       `json:"conflict"`
	Record   models.EntityRecord   `json:"record"`
	Requeued *models.SyncOperation `json:"requeued,omitempty"`
}

// BulkResult reports per-id outcomes of a bulk resolution.
type BulkResult struct {
	Resolved []string         `json:"resolved"`
	Failed   map[string]error `json:"-"`
}

// FailedIDs returns the ids that could not be resolved.
func (b *BulkResult) FailedIDs() []string {
	out := make([]string, 0, len(b.Failed))
	for id := range b.Failed {
		out = append(out, id)
	}
	return out
}

// Resolver applies conflict resolutions to the entity store and sync queue.
type Resolver struct {
	db        *db.DB
	conflicts *Store
	records   *store.Store
	queue     *queue.SyncQueue
}

// NewResolver creates a Resolver.
func NewResolver(d *db.DB, conflicts *Store, records *store.Store, q *queue.SyncQueue) *Resolver {
	return &Resolver{db: d, conflicts: conflicts, records: records, queue: q}
}

// Conflicts returns the underlying conflict Store.
func (r *Resolver) Conflicts() *Store {
	return r.conflicts
}

// ResolveConflict applies resolution to conflict id in a single transaction.
// merged is only used for ResolutionMerge; when nil the fields changed by the
// conflicting operation are applied over the remote snapshot.
func (r *Resolver) ResolveConflict(ctx context.Context, scope tenant.Scope, id string, resolution models.Resolution, merged json.RawMessage) (*ResolveResult, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if _, err := models.ParseResolution(string(resolution)); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalidResolution, err.Error(), err)
	}

	var result *ResolveResult
	err := r.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		result, err = r.resolve(ctx, tx, scope, id, resolution, merged)
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordResolution(string(resolution))
	logging.Info("Conflict resolved", map[string]interface{}{
		"conflict_id": id,
		"entity":      models.EntityKey(result.Conflict.EntityType, result.Conflict.EntityID),
		"resolution":  string(resolution),
	})
	return result, nil
}

func (r *Resolver) resolve(ctx context.Context, tx *sqlx.Tx, scope tenant.Scope, id string, resolution models.Resolution, merged json.RawMessage) (*ResolveResult, error) {
	cs := r.conflicts.WithTx(tx)
	rs := r.records.WithTx(tx)
	qs := r.queue.WithTx(tx)

	c, err := cs.Get(ctx, scope, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, apperrors.Newf(apperrors.ErrConflictNotFound, "conflict %s not found", id)
	}
	if c.IsResolved() {
		return nil, apperrors.Newf(apperrors.ErrConflictResolved, "conflict %s is already resolved", id)
	}

	resolvedAt, err := cs.markResolved(ctx, scope, id, resolution)
	if err != nil {
		return nil, err
	}
	c.Resolution = resolution
	c.ResolvedAt = &resolvedAt

	if err := qs.Delete(ctx, scope, c.OperationID); err != nil {
		return nil, err
	}

	result := &ResolveResult{Conflict: *c}

	if resolution == models.ResolutionKeepRemote {
		rec := models.EntityRecord{
			ID:         c.EntityID,
			EntityType: c.EntityType,
			Payload:    c.RemoteData,
			Version:    c.RemoteVersion,
		}
		rec.SyncStatus = models.SyncStatusSynced
		if err := rs.Put(ctx, scope, rec); err != nil {
			return nil, err
		}
		result.Record = rec
		return result, nil
	}

	payload, err := winningPayload(c, resolution, merged)
	if err != nil {
		return nil, err
	}

	// Edits queued behind the conflicting operation are folded into the
	// resolved payload so they are not replayed against the old base.
	later, err := qs.ListForEntity(ctx, scope, c.EntityType, c.EntityID,
		models.OperationPending, models.OperationFailed)
	if err != nil {
		return nil, err
	}
	var deleteAfter *models.SyncOperation
	for i := range later {
		op := later[i]
		switch op.Operation {
		case models.OperationUpdate:
			if payload, err = models.MergePayloads(payload, op.Data); err != nil {
				return nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to fold queued update", err)
			}
		case models.OperationDelete:
			deleteAfter = &op
		}
		if err := qs.Delete(ctx, scope, op.ID); err != nil {
			return nil, err
		}
	}

	rec := models.EntityRecord{
		ID:         c.EntityID,
		EntityType: c.EntityType,
		Payload:    payload,
		Version:    c.RemoteVersion,
	}
	rec.SyncStatus = models.SyncStatusPending
	if err := rs.Put(ctx, scope, rec); err != nil {
		return nil, err
	}
	result.Record = rec

	data, err := models.StripServerFields(payload)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "resolved payload is not a JSON object", err)
	}
	op, err := qs.AddOperation(ctx, scope, queue.OperationRequest{
		EntityType:  c.EntityType,
		EntityID:    c.EntityID,
		Operation:   models.OperationUpdate,
		Data:        data,
		BaseVersion: c.RemoteVersion,
		Priority:    c.Priority,
		NoCoalesce:  true,
	})
	if err != nil {
		return nil, err
	}
	result.Requeued = op

	if deleteAfter != nil {
		if _, err := qs.AddOperation(ctx, scope, queue.OperationRequest{
			EntityType:  c.EntityType,
			EntityID:    c.EntityID,
			Operation:   models.OperationDelete,
			BaseVersion: c.RemoteVersion,
			Priority:    deleteAfter.Priority,
		}); err != nil {
			return nil, err
		}
	}

	return result, nil
}

func winningPayload(c *models.Conflict, resolution models.Resolution, merged json.RawMessage) (json.RawMessage, error) {
	if resolution == models.ResolutionKeepLocal {
		return c.LocalData, nil
	}

	if merged == nil {
		// Only the fields the local operation changed override the server copy.
		patch := c.LocalPatch
		if len(patch) == 0 {
			patch = c.LocalData
		}
		out, err := models.MergePayloads(c.RemoteData, patch)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInvalidResolution, "failed to merge snapshots", err)
		}
		return out, nil
	}

	if _, err := models.DecodePayload(c.EntityType, merged); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "merged payload rejected", err)
	}
	return merged, nil
}

// BulkResolveConflicts applies one resolution to every id. Each conflict is
// resolved in its own transaction; failures are reported per id.
func (r *Resolver) BulkResolveConflicts(ctx context.Context, scope tenant.Scope, ids []string, resolution models.Resolution) (*BulkResult, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if _, err := models.ParseResolution(string(resolution)); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalidResolution, err.Error(), err)
	}

	result := &BulkResult{Resolved: []string{}, Failed: map[string]error{}}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			result.Failed[id] = err
			continue
		}
		if _, err := r.ResolveConflict(ctx, scope, id, resolution, nil); err != nil {
			result.Failed[id] = err
			continue
		}
		result.Resolved = append(result.Resolved, id)
	}

	if len(result.Failed) > 0 {
		logging.Warn("Bulk conflict resolution incomplete", map[string]interface{}{
			"resolved": len(result.Resolved),
			"failed":   len(result.Failed),
		})
	}
	return result, nil
}
