package sync

import (
	"time"

	"github.com/vetpulse/vetsync/internal/models"
)

// SyncEventType identifies a sync notification.
type SyncEventType string

const (
	SyncEventStarted          SyncEventType = "sync.started"
	SyncEventProgress         SyncEventType = "sync.progress"
	SyncEventCompleted        SyncEventType = "sync.completed"
	SyncEventFailed           SyncEventType = "sync.failed"
	SyncEventCancelled        SyncEventType = "sync.cancelled"
	SyncEventConflictDetected SyncEventType = "sync.conflict_detected"
	SyncEventIDMapped         SyncEventType = "sync.id_mapped"
	SyncEventOperationFailed  SyncEventType = "sync.operation_failed"
)

// Progress is reported after each processed operation.
type Progress struct {
	Status     Status  `json:"status"`
	Total      int     `json:"total"`
	Processed  int     `json:"processed"`
	Successful int     `json:"successful"`
	Failed     int     `json:"failed"`
	Conflicts  int     `json:"conflicts"`
	Percentage float64 `json:"percentage"`
}

// IDMapping pairs a temporary id with the id the server assigned.
type IDMapping struct {
	EntityType models.EntityType `json:"entity_type"`
	TempID     string            `json:"temp_id"`
	RealID     string            `json:"real_id"`
}

// SyncEvent is delivered to a SyncEventHandler in the order things happen.
type SyncEvent struct {
	Type      SyncEventType    `json:"type"`
	TenantID  string           `json:"tenant_id,omitempty"`
	Message   string           `json:"message,omitempty"`
	Progress  *Progress        `json:"progress,omitempty"`
	Conflict  *models.Conflict `json:"conflict,omitempty"`
	Mapping   *IDMapping       `json:"mapping,omitempty"`
	Result    *SyncResult      `json:"result,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// SyncEventHandler receives sync notifications.
type SyncEventHandler interface {
	OnSyncEvent(event SyncEvent)
}

// SyncEventHandlerFunc adapts a function to SyncEventHandler.
type SyncEventHandlerFunc func(event SyncEvent)

// OnSyncEvent calls f(event).
func (f SyncEventHandlerFunc) OnSyncEvent(event SyncEvent) {
	f(event)
}

// ProgressCallback is called after each processed operation.
type ProgressCallback func(p Progress)

// ConflictCallback is called for each conflict detected during a run.
type ConflictCallback func(c models.Conflict)
