package model

import "time"

// Audited table names.
const (
	AuditTableProspects = "prospects"
	AuditTableContacts  = "contacts"
	AuditTableJobs      = "jobs"
)

// AuditEntry records a single field change together with the business
// context that caused it.
type AuditEntry struct {
	ID        string    `json:"id" yaml:"id"`
	TableName string    `json:"table_name" yaml:"table_name"`
	RecordID  string    `json:"record_id" yaml:"record_id"`
	Field     string    `json:"field" yaml:"field"`
	OldValue  string    `json:"old_value" yaml:"old_value"`
	NewValue  string    `json:"new_value" yaml:"new_value"`
	Note      string    `json:"note,omitempty" yaml:"note,omitempty"`
	Actor     string    `json:"actor,omitempty" yaml:"actor,omitempty"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}
