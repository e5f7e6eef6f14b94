package sync

import (
	"context"
	"time"
)

// SyncEngineInterface is the surface the scheduler and daemon drive.
// This interface allows for mocking in tests.
type SyncEngineInterface interface {
	// PerformSync drains the active tenant's queue once.
	// It returns (nil, nil) when a run is already active.
	PerformSync(ctx context.Context) (*SyncResult, error)

	// CancelSync stops the active run, reporting whether one was running.
	CancelSync() bool

	// SetEventHandler sets the event handler for sync notifications.
	SetEventHandler(handler SyncEventHandler)

	// Status returns the state of the current or last run.
	Status() Status

	// LastSync returns the timestamp of the last completed run.
	LastSync() *time.Time

	// LastError returns the error that aborted the last run.
	LastError() error

	// IsSyncing reports whether a run is active.
	IsSyncing() bool
}

var _ SyncEngineInterface = (*Engine)(nil)
