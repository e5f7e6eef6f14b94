package sync

import "time"

// Status is the engine's run state.
type Status string

const (
	StatusIdle           Status = "idle"
	StatusPreparing      Status = "preparing"
	StatusSyncing        Status = "syncing"
	StatusSuccess        Status = "success"
	StatusPartialSuccess Status = "partial-success"
	StatusError          Status = "error"
	StatusCancelled      Status = "cancelled"
)

// Terminal reports whether s ends a run.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusPartialSuccess, StatusError, StatusCancelled:
		return true
	}
	return false
}

// SyncResult summarizes one drain of the queue.
type SyncResult struct {
	Success    bool          `json:"success"`
	Status     Status        `json:"status"`
	TenantID   string        `json:"tenant_id"`
	Total      int           `json:"total"`
	Synced     int           `json:"synced"`
	Failed     int           `json:"failed"`
	Conflicts  int           `json:"conflicts"`
	Skipped    int           `json:"skipped"`
	IDMappings []IDMapping   `json:"id_mappings"`
	Error      string        `json:"error,omitempty"`
	StartTime  time.Time     `json:"start_time"`
	EndTime    time.Time     `json:"end_time"`
	Duration   time.Duration `json:"duration"`
}

func (r *SyncResult) finish(status Status) {
	r.Status = status
	r.Success = status == StatusSuccess
	r.EndTime = time.Now()
	r.Duration = r.EndTime.Sub(r.StartTime)
}
