package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Resolution is the user's choice for a detected conflict.
type Resolution string

const (
	ResolutionKeepLocal  Resolution = "keep-local"
	ResolutionKeepRemote Resolution = "keep-remote"
	ResolutionMerge      Resolution = "merge"
)

// ParseResolution converts s into a Resolution.
func ParseResolution(s string) (Resolution, error) {
	switch r := Resolution(s); r {
	case ResolutionKeepLocal, ResolutionKeepRemote, ResolutionMerge:
		return r, nil
	}
	return "", fmt.Errorf("unknown resolution %q", s)
}

// Conflict records a divergence between a queued local change and the server.
type Conflict struct {
	ID            string          `db:"id" json:"id"`
	TenantID      string          `db:"tenant_id" json:"tenant_id"`
	EntityType    EntityType      `db:"entity_type" json:"entity_type"`
	EntityID      string          `db:"entity_id" json:"entity_id"`
	OperationID   int64           `db:"operation_id" json:"operation_id"`
	Priority      Priority        `db:"priority" json:"priority"`
	LocalData     json.RawMessage `db:"local_data" json:"local_data"`
	LocalPatch    json.RawMessage `db:"local_patch" json:"local_patch,omitempty"` // fields the queued operation changed
	LocalVersion  int64           `db:"local_version" json:"local_version"`
	RemoteData    json.RawMessage `db:"remote_data" json:"remote_data"`
	RemoteVersion int64           `db:"remote_version" json:"remote_version"`
	Resolution    Resolution      `db:"resolution" json:"resolution,omitempty"` // empty until resolved
	ResolvedAt    *int64          `db:"resolved_at" json:"resolved_at,omitempty"`
	DetectedAt    int64           `db:"detected_at" json:"detected_at"`
}

// TableName returns the table name for Conflict.
func (Conflict) TableName() string {
	return "conflicts"
}

// IsResolved reports whether a resolution has been applied.
func (c *Conflict) IsResolved() bool {
	return c.Resolution != ""
}

// DetectedAtTime returns DetectedAt as time.Time.
func (c *Conflict) DetectedAtTime() time.Time {
	return time.UnixMilli(c.DetectedAt)
}

// IDMapping records the server id assigned to a temporary id.
type IDMapping struct {
	TenantID   string     `db:"tenant_id" json:"tenant_id"`
	EntityType EntityType `db:"entity_type" json:"entity_type"`
	TempID     string     `db:"temp_id" json:"temp_id"`
	RealID     string     `db:"real_id" json:"real_id"`
	CreatedAt  int64      `db:"created_at" json:"created_at"`
}

// TableName returns the table name for IDMapping.
func (IDMapping) TableName() string {
	return "id_mappings"
}
