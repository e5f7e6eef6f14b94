// Package models provides data model definitions for vetsync.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EntityType names a synchronized entity collection. The set is closed.
type EntityType string

const (
	EntityAppointments         EntityType = "appointments"
	EntityPets                 EntityType = "pets"
	EntityClients              EntityType = "clients"
	EntityRooms                EntityType = "rooms"
	EntityKennels              EntityType = "kennels"
	EntityVaccineTypes         EntityType = "vaccine_types"
	EntityVaccinations         EntityType = "vaccinations"
	EntitySoapNotes            EntityType = "soap_notes"
	EntityBoardingReservations EntityType = "boarding_reservations"
	EntityBoardingMedications  EntityType = "boarding_medications"
	EntityInventoryItems       EntityType = "inventory_items"
)

// EntityTypes returns every known entity type.
func EntityTypes() []EntityType {
	return append([]EntityType(nil), registryOrder...)
}

// Valid reports whether t belongs to the closed set.
func (t EntityType) Valid() bool {
	_, ok := registry[t]
	return ok
}

// String returns the string representation of the entity type.
func (t EntityType) String() string {
	return string(t)
}

// ParseEntityType converts s into an EntityType.
func ParseEntityType(s string) (EntityType, error) {
	t := EntityType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown entity type %q", s)
	}
	return t, nil
}

// SyncStatus is the per-record synchronization state.
type SyncStatus string

const (
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusPending SyncStatus = "pending"
	SyncStatusError   SyncStatus = "error"
)

// RecordMetadata is attached to every locally stored record.
type RecordMetadata struct {
	LastModified int64      `db:"last_modified" json:"last_modified"` // unix millis
	SyncStatus   SyncStatus `db:"sync_status" json:"sync_status"`
	TenantID     string     `db:"tenant_id" json:"tenant_id"`
	PracticeID   string     `db:"practice_id" json:"practice_id,omitempty"`
	UserID       string     `db:"user_id" json:"user_id,omitempty"`
}

// EntityRecord is a local copy of a domain entity.
type EntityRecord struct {
	ID         string          `db:"id" json:"id"`
	EntityType EntityType      `db:"entity_type" json:"entity_type"`
	Payload    json.RawMessage `db:"payload" json:"payload"`
	Version    int64           `db:"version" json:"version"` // last server version seen, 0 if never synced
	RecordMetadata
}

// TableName returns the table name for EntityRecord.
func (EntityRecord) TableName() string {
	return "entity_records"
}

// LastModifiedTime returns LastModified as time.Time.
func (r *EntityRecord) LastModifiedTime() time.Time {
	return time.UnixMilli(r.LastModified)
}

// Touch updates LastModified to the current time.
func (r *EntityRecord) Touch() {
	r.LastModified = time.Now().UnixMilli()
}

// Key identifies a record within a tenant.
func (r *EntityRecord) Key() string {
	return EntityKey(r.EntityType, r.ID)
}

// EntityKey builds the per-tenant key for an entity.
func EntityKey(t EntityType, id string) string {
	return string(t) + "/" + id
}

// RemoteRecord is the canonical server representation of an entity.
type RemoteRecord struct {
	ID        string
	Version   int64
	UpdatedAt string
	Data      json.RawMessage
}
