package models

import (
	"time"
)

// JobStatus enumerates lifecycle states persisted in Postgres.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// validTransitions is the full transition graph. Terminal states have no
// outgoing edges, so any attempt to leave them is illegal.
var validTransitions = map[string][]string{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusFailed},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to string) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a status has no outgoing transitions.
func IsTerminal(status string) bool {
	return len(validTransitions[status]) == 0
}

// Job represents one unit of asynchronous work tied to one owner and one
// input reference. Status is mutated exclusively through the job facade.
type Job struct {
	ID        string         `json:"id"`
	Owner     string         `json:"owner"`
	Role      string         `json:"role"`
	InputRef  string         `json:"input_ref"`
	Params    map[string]any `json:"params"`
	Status    string         `json:"status"`
	Result    map[string]any `json:"result,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Outcome is the immutable record appended when a job reaches a terminal
// state. It survives independently of the job row until the job is deleted.
type Outcome struct {
	ID           int64     `json:"id"`
	JobID        string    `json:"job_id"`
	Owner        string    `json:"owner"`
	InputRef     string    `json:"input_ref"`
	OutputRef    *string   `json:"output_ref,omitempty"`
	DurationMs   int64     `json:"duration_ms"`
	Success      bool      `json:"success"`
	ErrorMessage *string   `json:"error_message,omitempty"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// Stats holds the rolling aggregates maintained alongside the outcome log.
type Stats struct {
	UnitsProcessed int64     `json:"units_processed"`
	AvgDurationMs  float64   `json:"avg_duration_ms"`
	UpdatedAt      time.Time `json:"updated_at"`
}
