package models

import (
	"encoding/json"
	"fmt"
)

// OperationType is the kind of mutation replayed against the server.
type OperationType string

const (
	OperationCreate OperationType = "create"
	OperationUpdate OperationType = "update"
	OperationDelete OperationType = "delete"
)

// Valid reports whether o is a known operation type.
func (o OperationType) Valid() bool {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// OperationStatus is the lifecycle state of a queued operation.
// pending -> in_flight -> completed | failed | conflicted; failed -> pending on retry.
type OperationStatus string

const (
	OperationPending    OperationStatus = "pending"
	OperationInFlight   OperationStatus = "in_flight"
	OperationCompleted  OperationStatus = "completed"
	OperationFailed     OperationStatus = "failed"
	OperationConflicted OperationStatus = "conflicted"
)

// Priority orders operations within a drain.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// DefaultPriorityWeights ranks priorities when no override is configured.
var DefaultPriorityWeights = map[Priority]int{
	PriorityHigh:   3,
	PriorityNormal: 2,
	PriorityLow:    1,
}

// ParsePriority converts s into a Priority, defaulting empty input to normal.
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(s); p {
	case "":
		return PriorityNormal, nil
	case PriorityHigh, PriorityNormal, PriorityLow:
		return p, nil
	}
	return "", fmt.Errorf("unknown priority %q", s)
}

// Weight returns the rank of p under weights, falling back to the defaults.
func (p Priority) Weight(weights map[Priority]int) int {
	if w, ok := weights[p]; ok {
		return w
	}
	return DefaultPriorityWeights[p]
}

// SyncOperation is a durable record of a local mutation awaiting replay.
type SyncOperation struct {
	ID          int64           `db:"id" json:"id"`
	TenantID    string          `db:"tenant_id" json:"tenant_id"`
	EntityType  EntityType      `db:"entity_type" json:"entity_type"`
	EntityID    string          `db:"entity_id" json:"entity_id"`
	Operation   OperationType   `db:"operation" json:"operation"`
	Data        json.RawMessage `db:"data" json:"data,omitempty"`
	BaseVersion int64           `db:"base_version" json:"base_version"`
	Priority    Priority        `db:"priority" json:"priority"`
	Status      OperationStatus `db:"status" json:"status"`
	RetryCount  int             `db:"retry_count" json:"retry_count"`
	LastError   string          `db:"last_error" json:"last_error,omitempty"`
	CreatedAt   int64           `db:"created_at" json:"created_at"`
	UpdatedAt   int64           `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for SyncOperation.
func (SyncOperation) TableName() string {
	return "sync_operations"
}

// EntityKey identifies the entity the operation targets.
func (o *SyncOperation) EntityKey() string {
	return EntityKey(o.EntityType, o.EntityID)
}

// QueueStats summarizes queue contents by status.
type QueueStats struct {
	Pending    int `json:"pending"`
	InFlight   int `json:"in_flight"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Conflicted int `json:"conflicted"`
	Total      int `json:"total"`
}
