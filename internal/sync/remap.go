package sync

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"

	apperrors "github.com/vetpulse/vetsync/internal/errors"
	"github.com/vetpulse/vetsync/internal/ids"
	"github.com/vetpulse/vetsync/internal/models"
	"github.com/vetpulse/vetsync/internal/store"
	"github.com/vetpulse/vetsync/internal/tenant"
)

const (
	mappingsTable = "id_mappings"
	stateTable    = "sync_state"

	stateLastSyncAt = "last_sync_at"
)

var mappingStruct = sqlbuilder.NewStruct(new(models.IDMapping)).For(sqlbuilder.SQLite)

// saveMapping persists tempID -> realID. Re-saving the same temp id overwrites it.
func saveMapping(ctx context.Context, q sqlx.ExecerContext, scope tenant.Scope, et models.EntityType, tempID, realID string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO id_mappings (tenant_id, entity_type, temp_id, real_id, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, temp_id) DO UPDATE SET real_id = excluded.real_id`,
		scope.TenantID, string(et), tempID, realID, time.Now().UnixMilli())
	if err != nil {
		return apperrors.Storage("failed to save id mapping", err)
	}
	return nil
}

func lookupMappings(ctx context.Context, q sqlx.QueryerContext, scope tenant.Scope, tempIDs []string) (map[string]string, error) {
	out := make(map[string]string, len(tempIDs))
	if len(tempIDs) == 0 {
		return out, nil
	}

	vals := make([]interface{}, len(tempIDs))
	for i, id := range tempIDs {
		vals[i] = id
	}
	sb := mappingStruct.SelectFrom(mappingsTable)
	sb.Where(sb.Equal("tenant_id", scope.TenantID), sb.In("temp_id", vals...))
	query, args := sb.Build()

	var rows []models.IDMapping
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, apperrors.Storage("failed to load id mappings", err)
	}
	for _, m := range rows {
		out[m.TempID] = m.RealID
	}
	return out, nil
}

// ListMappings returns every id mapping recorded for the tenant, oldest first.
func ListMappings(ctx context.Context, q sqlx.QueryerContext, scope tenant.Scope) ([]models.IDMapping, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	sb := mappingStruct.SelectFrom(mappingsTable)
	sb.Where(sb.Equal("tenant_id", scope.TenantID))
	sb.OrderBy("created_at", "temp_id")
	query, args := sb.Build()

	out := []models.IDMapping{}
	if err := sqlx.SelectContext(ctx, q, &out, query, args...); err != nil {
		return nil, apperrors.Storage("failed to list id mappings", err)
	}
	return out, nil
}

// tempRefs returns the temporary ids held by top-level string fields of data.
func tempRefs(data json.RawMessage) []string {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil
	}

	seen := make(map[string]bool)
	var out []string
	for _, raw := range obj {
		var s string
		if json.Unmarshal(raw, &s) != nil || !ids.IsTemp(s) || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// substituteIDs rewrites top-level string fields whose value is a key of swap.
func substituteIDs(data json.RawMessage, swap map[string]string) (json.RawMessage, bool, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, false, err
	}

	changed := false
	for k, raw := range obj {
		var s string
		if json.Unmarshal(raw, &s) != nil {
			continue
		}
		to, ok := swap[s]
		if !ok {
			continue
		}
		enc, err := json.Marshal(to)
		if err != nil {
			return nil, false, err
		}
		obj[k] = enc
		changed = true
	}
	if !changed {
		return data, false, nil
	}
	out, err := json.Marshal(obj)
	return out, true, err
}

// resolveTempRefs replaces temp id references in data with their mapped real
// ids. It fails with ErrUnresolvedTemporaryID when any reference has no mapping.
func resolveTempRefs(ctx context.Context, q sqlx.QueryerContext, scope tenant.Scope, data json.RawMessage) (json.RawMessage, error) {
	refs := tempRefs(data)
	if len(refs) == 0 {
		return data, nil
	}
	mapped, err := lookupMappings(ctx, q, scope, refs)
	if err != nil {
		return nil, err
	}
	for _, ref := range refs {
		if _, ok := mapped[ref]; !ok {
			return nil, apperrors.Newf(apperrors.ErrUnresolvedTemporaryID, "reference %s has not been synced", ref)
		}
	}
	out, _, err := substituteIDs(data, mapped)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to rewrite references", err)
	}
	return out, nil
}

// remapStoredReferences rewrites local records of every type that references
// et so they point at realID instead of tempID. Sync status is preserved.
func remapStoredReferences(ctx context.Context, rs *store.Store, scope tenant.Scope, et models.EntityType, tempID, realID string) (int, error) {
	swap := map[string]string{tempID: realID}
	n := 0
	for _, t := range models.EntityTypes() {
		refers := false
		for _, ref := range models.ReferencesOf(t) {
			if ref.Target == et {
				refers = true
				break
			}
		}
		if !refers {
			continue
		}

		recs, err := rs.GetAll(ctx, scope, t)
		if err != nil {
			return n, err
		}
		for _, rec := range recs {
			payload, changed, err := substituteIDs(rec.Payload, swap)
			if err != nil || !changed {
				continue
			}
			rec.Payload = payload
			if err := rs.Put(ctx, scope, rec); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

func setState(ctx context.Context, q sqlx.ExecerContext, scope tenant.Scope, key, value string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO sync_state (tenant_id, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (tenant_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		scope.TenantID, key, value, time.Now().UnixMilli())
	if err != nil {
		return apperrors.Storage("failed to save sync state", err)
	}
	return nil
}

func getState(ctx context.Context, q sqlx.QueryerContext, scope tenant.Scope, key string) (string, bool, error) {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select("value").From(stateTable).Where(sb.Equal("tenant_id", scope.TenantID), sb.Equal("key", key))
	query, args := sb.Build()

	var v string
	err := sqlx.GetContext(ctx, q, &v, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, apperrors.Storage("failed to read sync state", err)
	}
	return v, true, nil
}
