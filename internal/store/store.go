// Package store persists prospects, contacts, jobs and the audit trail.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/prospect-enricher/internal/model"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = eris.New("store: not found")

// ProspectFilter specifies criteria for listing prospects.
type ProspectFilter struct {
	Status model.ProspectStatus `json:"status,omitempty"`
	Limit  int                  `json:"limit,omitempty"`
	Offset int                  `json:"offset,omitempty"`
}

// EligibleQuery selects the next page of prospects for a job. Records are
// ordered by (created_at DESC, id DESC); AfterID is the resume cursor and only
// records strictly after it in that order are returned.
type EligibleQuery struct {
	Kind       model.JobKind
	Force      bool // icebreaker kind: include prospects that already have one
	MaxRetries int  // enrichment kind: exclude prospects at or over budget; 0 = no cap
	AfterID    string
	Limit      int
}

// LockParams describes a conditional lock acquisition. The lock is granted
// only when the prospect is unlocked or its lock predates StaleBefore, and
// (unless AllowTerminal) the prospect is not in a terminal status.
type LockParams struct {
	ProspectID    string
	WorkerID      string
	Now           time.Time
	StaleBefore   time.Time
	AllowTerminal bool
}

// JobFilter specifies criteria for listing jobs.
type JobFilter struct {
	Status model.JobStatus `json:"status,omitempty"`
	Kind   model.JobKind   `json:"kind,omitempty"`
	Limit  int             `json:"limit,omitempty"`
}

// AuditFilter specifies criteria for listing audit entries.
type AuditFilter struct {
	TableName string `json:"table_name,omitempty"`
	RecordID  string `json:"record_id,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// Store defines the persistence interface for the enrichment pipeline.
type Store interface {
	// Prospects
	CreateProspects(ctx context.Context, prospects []model.Prospect) (int, error)
	GetProspect(ctx context.Context, id string) (*model.Prospect, error)
	GetProspectByDomain(ctx context.Context, domain string) (*model.Prospect, error)
	ListProspects(ctx context.Context, filter ProspectFilter) ([]model.Prospect, error)
	UpdateProspect(ctx context.Context, id string, upd model.ProspectUpdate, note, actor string) (bool, error)
	IncrementRetryCount(ctx context.Context, id, note, actor string) (int, error)
	ListEligible(ctx context.Context, q EligibleQuery) ([]model.Prospect, error)
	CountEligible(ctx context.Context, q EligibleQuery) (int, error)
	ListStaleLocked(ctx context.Context, lockedBefore time.Time) ([]model.Prospect, error)
	ListOrphaned(ctx context.Context) ([]model.Prospect, error)

	// Locks
	TryLockProspect(ctx context.Context, p LockParams) (bool, error)
	UnlockProspect(ctx context.Context, id string) error
	UnlockAll(ctx context.Context) (int, error)

	// Contacts
	ListContacts(ctx context.Context, prospectID string) ([]model.Contact, error)
	InsertContacts(ctx context.Context, prospectID string, contacts []model.Contact) (int, error)

	// Jobs
	CreateJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error)
	SetJobStatus(ctx context.Context, id string, from []model.JobStatus, to model.JobStatus, lastError string) (bool, error)
	RecordJobProgress(ctx context.Context, id string, p model.JobProgress) error
	PauseRunningJobs(ctx context.Context, reason string) (int, error)
	RecordJobFailure(ctx context.Context, f model.JobFailure) error
	ListJobFailures(ctx context.Context, jobID string) ([]model.JobFailure, error)

	// Audit
	ListAudit(ctx context.Context, filter AuditFilter) ([]model.AuditEntry, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100

func listLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	return n
}
