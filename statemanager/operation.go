package statemanager

import "time"

// OperationState represents a tracked operation
type OperationState struct {
	ID           string                 `json:"id"`
	ServiceName  string                 `json:"service_name"`
	Operation    string                 `json:"operation"` // e.g., "xquery", "s3-upload", "template-render"
	Status       Status                 `json:"status"`
	RepositoryID int64                  `json:"repository_id,omitempty"`
	EntityKind   string                 `json:"entity_kind,omitempty"`
	Category     string                 `json:"category,omitempty"` // pipeline.ErrorCategory on failure
	StartedAt    time.Time              `json:"started_at"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
	Duration     string                 `json:"duration,omitempty"`
	Error        string                 `json:"error,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"` // Service-specific data
}

// Status represents the state of an operation
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
)

// OperationStats provides aggregated statistics
type OperationStats struct {
	TotalOperations int            `json:"total_operations"`
	ByStatus        map[Status]int `json:"by_status"`
	ByOperation     map[string]int `json:"by_operation"`
	AverageDuration string         `json:"average_duration,omitempty"`
}

// HealthReport summarizes engine health over a trailing window: per-category
// error counts, average execution time for completed runs, how many runs hit
// a rate limit, and how many state-store rows are currently stuck in
// "running" past the sweep threshold.
type HealthReport struct {
	WindowStart          time.Time      `json:"window_start"`
	TotalRuns            int            `json:"total_runs"`
	ErrorsByCategory     map[string]int `json:"errors_by_category"`
	RateLimitedCount     int            `json:"rate_limited_count"`
	AverageExecutionTime string         `json:"average_execution_time,omitempty"`
	StuckCount           int            `json:"stuck_count"`
	StuckCountError      string         `json:"stuck_count_error,omitempty"`
}
