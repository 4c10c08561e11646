package model

import "time"

// JobKind selects what a long-running job does to each eligible prospect.
type JobKind string

const (
	// JobKindEnrichment runs the full fetch/extract/icebreaker/classify
	// pipeline over pending prospects.
	JobKindEnrichment JobKind = "enrichment"
	// JobKindIcebreaker generates icebreakers for prospects that already
	// have contacts but no opener.
	JobKindIcebreaker JobKind = "icebreaker"
)

// Valid reports whether k is a known job kind.
func (k JobKind) Valid() bool {
	return k == JobKindEnrichment || k == JobKindIcebreaker
}

// JobStatus is the state of a batch job: running ⇄ paused → completed.
type JobStatus string

const (
	JobStatusRunning   JobStatus = "running"
	JobStatusPaused    JobStatus = "paused"
	JobStatusCompleted JobStatus = "completed"
)

// CanTransition reports whether a job may move from s to next.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case JobStatusRunning:
		return next == JobStatusPaused || next == JobStatusCompleted
	case JobStatusPaused:
		return next == JobStatusRunning
	default:
		return false
	}
}

// Job tracks a long-running batch over prospects and its resume cursor.
type Job struct {
	ID                    string     `json:"id" yaml:"id"`
	Kind                  JobKind    `json:"kind" yaml:"kind"`
	Status                JobStatus  `json:"status" yaml:"status"`
	TotalCount            int        `json:"total_count" yaml:"total_count"`
	ProcessedCount        int        `json:"processed_count" yaml:"processed_count"`
	SuccessCount          int        `json:"success_count" yaml:"success_count"`
	FailureCount          int        `json:"failure_count" yaml:"failure_count"`
	BatchSize             int        `json:"batch_size" yaml:"batch_size"`
	Chain                 bool       `json:"chain" yaml:"chain"`
	ForceRegenerate       bool       `json:"force_regenerate" yaml:"force_regenerate"`
	LastProcessedReportID string     `json:"last_processed_report_id,omitempty" yaml:"last_processed_report_id,omitempty"`
	LastError             string     `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	CreatedAt             time.Time  `json:"created_at" yaml:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at" yaml:"updated_at"`
	CompletedAt           *time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
}

// JobProgress is recorded after every processed prospect.
type JobProgress struct {
	ProspectID string
	Success    bool
	Failure    bool
}

// JobFailure is a per-record failure reason kept for operators.
type JobFailure struct {
	ID         string    `json:"id" yaml:"id"`
	JobID      string    `json:"job_id" yaml:"job_id"`
	ProspectID string    `json:"prospect_id" yaml:"prospect_id"`
	Domain     string    `json:"domain" yaml:"domain"`
	Attempts   int       `json:"attempts" yaml:"attempts"`
	Error      string    `json:"error" yaml:"error"`
	ErrorType  string    `json:"error_type" yaml:"error_type"` // "transient", "resource_exhausted", "permanent"
	CreatedAt  time.Time `json:"created_at" yaml:"created_at"`
}
