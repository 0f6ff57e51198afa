package models

import "time"

// HealthStatus is the liveness of the two backing stores at a point in time.
type HealthStatus struct {
	Redis    bool `json:"redis"`
	Database bool `json:"database"`
}

// Stats are the top-level counters of one processor run.
// Processed counts jobs the run took responsibility for; claim conflicts and
// duplicates are not included.
type Stats struct {
	Processed int `json:"processed"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
}

// SourceStats break a run down by where jobs came from.
type SourceStats struct {
	Attempted int `json:"attempted"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// ResultDetails carries the per-source breakdown and the pre-flight health check.
type ResultDetails struct {
	Redis       SourceStats  `json:"redis"`
	Database    SourceStats  `json:"database"`
	Suppressed  int          `json:"suppressed"`
	HealthCheck HealthStatus `json:"healthCheck"`
	Error       string       `json:"error,omitempty"`
}

// ProcessingResult is returned by every processor run. It is never persisted.
type ProcessingResult struct {
	Success   bool          `json:"success"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  int64         `json:"duration"`
	Stats     Stats         `json:"stats"`
	Details   ResultDetails `json:"details"`
}

// Source returns the breakdown bucket for src.
func (d *ResultDetails) Source(src JobSource) *SourceStats {
	if src == SourceRedis {
		return &d.Redis
	}
	return &d.Database
}

// TaskReport is the outcome of one maintenance task.
type TaskReport struct {
	Task     string `json:"task"`
	Status   string `json:"status"`
	Count    int    `json:"count"`
	Duration int64  `json:"duration"`
	Error    string `json:"error,omitempty"`
}

// Task report statuses
const (
	TaskStatusOK    = "ok"
	TaskStatusError = "error"
)
