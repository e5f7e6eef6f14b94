package services

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vetpulse/vetsync/internal/db/dbtest"
	"github.com/vetpulse/vetsync/internal/errors"
	"github.com/vetpulse/vetsync/internal/ids"
	"github.com/vetpulse/vetsync/internal/models"
	"github.com/vetpulse/vetsync/internal/store"
	"github.com/vetpulse/vetsync/internal/sync/conflict"
	"github.com/vetpulse/vetsync/internal/sync/queue"
	"github.com/vetpulse/vetsync/internal/tenant"
)

var clinic = tenant.Scope{TenantID: "clinic-a", PracticeID: "main"}

type fixture struct {
	svc       *EntityService
	records   *store.Store
	queue     *queue.SyncQueue
	conflicts *conflict.Store
	session   *tenant.Session
	changes   []Change
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	d := dbtest.Open(t)
	session := tenant.NewSession(false)
	require.NoError(t, session.SetScope(clinic))

	f := &fixture{
		records:   store.New(d, store.Options{}),
		queue:     queue.NewSyncQueue(d, queue.DefaultOptions()),
		conflicts: conflict.NewStore(d),
		session:   session,
	}
	f.svc = NewEntityService(d, session, f.records, f.queue)
	f.svc.SetOnChange(func(c Change) { f.changes = append(f.changes, c) })
	return f
}

func (f *fixture) ops(t *testing.T) []models.SyncOperation {
	t.Helper()
	ops, err := f.queue.List(context.Background(), clinic)
	require.NoError(t, err)
	return ops
}

const rex = `{"client_id":"c1","name":"Rex","species":"canine"}`

func TestCreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.svc.Create(ctx, models.EntityPets, json.RawMessage(rex), models.PriorityHigh)
	require.NoError(t, err)
	assert.True(t, ids.IsTemp(rec.ID))
	assert.Equal(t, models.SyncStatusPending, rec.SyncStatus)
	assert.Equal(t, "clinic-a", rec.TenantID)
	assert.Zero(t, rec.Version)

	ops := f.ops(t)
	require.Len(t, ops, 1)
	assert.Equal(t, models.OperationCreate, ops[0].Operation)
	assert.Equal(t, rec.ID, ops[0].EntityID)
	assert.Equal(t, models.PriorityHigh, ops[0].Priority)

	require.Len(t, f.changes, 1)
	assert.Equal(t, ChangeQueued, f.changes[0].Kind)
}

func TestCreateStripsServerFields(t *testing.T) {
	f := newFixture(t)

	rec, err := f.svc.Create(context.Background(), models.EntityRooms,
		json.RawMessage(`{"id":"99","version":4,"name":"Exam"}`), "")
	require.NoError(t, err)
	assert.NotEqual(t, "99", rec.ID)

	var obj map[string]interface{}
	require.NoError(t, json.Unmarshal(f.ops(t)[0].Data, &obj))
	assert.NotContains(t, obj, "id")
	assert.NotContains(t, obj, "version")
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		et   models.EntityType
		data string
		code errors.ErrorCode
	}{
		{"missing required field", models.EntityPets, `{"name":"Rex","species":"canine"}`, errors.ErrValidation},
		{"bad enum", models.EntityPets, `{"client_id":"c1","name":"Rex","species":"dragon"}`, errors.ErrValidation},
		{"not an object", models.EntityRooms, `[1,2]`, errors.ErrValidation},
		{"unknown type", "invoices", `{}`, errors.ErrUnknownEntityType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Create(ctx, tt.et, json.RawMessage(tt.data), "")
			assert.True(t, errors.Is(err, tt.code), "got %v", err)
		})
	}
	assert.Empty(t, f.ops(t))
}

func TestNoTenant(t *testing.T) {
	f := newFixture(t)
	f.session.Clear()

	_, err := f.svc.Create(context.Background(), models.EntityRooms, json.RawMessage(`{"name":"Exam"}`), "")
	assert.True(t, errors.Is(err, errors.ErrTenantContext))
	_, err = f.svc.List(context.Background(), models.EntityRooms)
	assert.True(t, errors.Is(err, errors.ErrTenantContext))
}

func TestUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	synced := models.EntityRecord{ID: "p1", EntityType: models.EntityPets, Payload: json.RawMessage(rex), Version: 3}
	synced.SyncStatus = models.SyncStatusSynced
	require.NoError(t, f.records.Put(ctx, clinic, synced))

	rec, err := f.svc.Update(ctx, models.EntityPets, "p1", json.RawMessage(`{"breed":"Lab"}`), "")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusPending, rec.SyncStatus)
	assert.Equal(t, int64(3), rec.Version)

	var obj map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Payload, &obj))
	assert.Equal(t, "Rex", obj["name"])
	assert.Equal(t, "Lab", obj["breed"])

	ops := f.ops(t)
	require.Len(t, ops, 1)
	assert.JSONEq(t, `{"breed":"Lab"}`, string(ops[0].Data))
	assert.Equal(t, int64(3), ops[0].BaseVersion)

	// A second edit coalesces into the pending update.
	_, err = f.svc.Update(ctx, models.EntityPets, "p1", json.RawMessage(`{"name":"Max"}`), "")
	require.NoError(t, err)
	ops = f.ops(t)
	require.Len(t, ops, 1)
	assert.JSONEq(t, `{"breed":"Lab","name":"Max"}`, string(ops[0].Data))
}

func TestUpdateErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Update(ctx, models.EntityPets, "missing", json.RawMessage(`{"name":"Max"}`), "")
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	require.NoError(t, f.records.Put(ctx, clinic, models.EntityRecord{ID: "p1", EntityType: models.EntityPets, Payload: json.RawMessage(rex)}))
	_, err = f.svc.Update(ctx, models.EntityPets, "p1", json.RawMessage(`{"species":"dragon"}`), "")
	assert.True(t, errors.Is(err, errors.ErrValidation))

	rec, err := f.svc.Get(ctx, models.EntityPets, "p1")
	require.NoError(t, err)
	assert.JSONEq(t, rex, string(rec.Payload), "rejected patch must not be stored")
}

func TestUpdateBlockedByConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.records.Put(ctx, clinic, models.EntityRecord{ID: "p1", EntityType: models.EntityPets, Payload: json.RawMessage(rex), Version: 1}))
	require.NoError(t, f.conflicts.Create(ctx, clinic, &models.Conflict{
		EntityType: models.EntityPets, EntityID: "p1",
		LocalData: json.RawMessage(rex), RemoteData: json.RawMessage(rex), RemoteVersion: 2,
	}))

	_, err := f.svc.Update(ctx, models.EntityPets, "p1", json.RawMessage(`{"name":"Max"}`), "")
	assert.True(t, errors.Is(err, errors.ErrEntityConflicted))

	rec, err := f.svc.Get(ctx, models.EntityPets, "p1")
	require.NoError(t, err)
	assert.JSONEq(t, rex, string(rec.Payload))
}

func TestDeleteSynced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.records.Put(ctx, clinic, models.EntityRecord{ID: "r1", EntityType: models.EntityRooms, Payload: json.RawMessage(`{"name":"Exam"}`), Version: 7}))

	require.NoError(t, f.svc.Delete(ctx, models.EntityRooms, "r1", ""))

	_, err := f.svc.Get(ctx, models.EntityRooms, "r1")
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	ops := f.ops(t)
	require.Len(t, ops, 1)
	assert.Equal(t, models.OperationDelete, ops[0].Operation)
	assert.Equal(t, int64(7), ops[0].BaseVersion)
}

func TestDeleteUnsentDiscards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.svc.Create(ctx, models.EntityRooms, json.RawMessage(`{"name":"Exam"}`), "")
	require.NoError(t, err)
	_, err = f.svc.Update(ctx, rec.EntityType, rec.ID, json.RawMessage(`{"kind":"surgery"}`), "")
	require.NoError(t, err)

	require.NoError(t, f.svc.Delete(ctx, rec.EntityType, rec.ID, ""))
	assert.Empty(t, f.ops(t))
	assert.Equal(t, ChangeDiscarded, f.changes[len(f.changes)-1].Kind)

	all, err := f.svc.List(ctx, models.EntityRooms)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestDeleteWhileCreateInFlight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.svc.Create(ctx, models.EntityRooms, json.RawMessage(`{"name":"Exam"}`), "")
	require.NoError(t, err)
	create := f.ops(t)[0]
	require.NoError(t, f.queue.MarkInFlight(ctx, clinic, create.ID))

	require.NoError(t, f.svc.Delete(ctx, rec.EntityType, rec.ID, ""))

	ops := f.ops(t)
	require.Len(t, ops, 2)
	assert.Equal(t, models.OperationDelete, ops[1].Operation)
	assert.Equal(t, ChangeQueued, f.changes[len(f.changes)-1].Kind)
}

func TestListIsTenantScoped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, models.EntityRooms, json.RawMessage(`{"name":"A"}`), "")
	require.NoError(t, err)

	require.NoError(t, f.session.SetScope(tenant.Scope{TenantID: "clinic-b"}))
	all, err := f.svc.List(ctx, models.EntityRooms)
	require.NoError(t, err)
	assert.Empty(t, all)
}
