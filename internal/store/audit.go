package store

import (
	"strconv"
	"time"

	"github.com/sells-group/prospect-enricher/internal/model"
)

// fieldChange is one audited column change.
type fieldChange struct {
	Column string
	Old    string
	New    string
	Value  any // value bound to the UPDATE
}

// diffProspect compares upd against the current row and returns only the
// fields that actually change. An empty result means the update is a no-op.
func diffProspect(cur model.Prospect, upd model.ProspectUpdate) []fieldChange {
	var changes []fieldChange
	add := func(col, oldV, newV string, val any) {
		if oldV != newV {
			changes = append(changes, fieldChange{Column: col, Old: oldV, New: newV, Value: val})
		}
	}

	if upd.Status != nil {
		add("status", string(cur.Status), string(*upd.Status), string(*upd.Status))
	}
	if upd.CompanyName != nil {
		add("company_name", cur.CompanyName, *upd.CompanyName, *upd.CompanyName)
	}
	if upd.IcebreakerText != nil {
		add("icebreaker_text", cur.IcebreakerText, *upd.IcebreakerText, *upd.IcebreakerText)
	}
	if upd.IcebreakerGeneratedAt != nil {
		t := upd.IcebreakerGeneratedAt.UTC()
		add("icebreaker_generated_at", formatTime(cur.IcebreakerGeneratedAt), formatTime(&t), t)
	}
	if upd.Notes != nil {
		add("notes", cur.Notes, *upd.Notes, *upd.Notes)
	}
	if upd.EnrichmentRetryCount != nil {
		add("enrichment_retry_count", strconv.Itoa(cur.EnrichmentRetryCount), strconv.Itoa(*upd.EnrichmentRetryCount), *upd.EnrichmentRetryCount)
	}
	return changes
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// auditRows expands field changes into audit entries sharing one note.
func auditRows(table, recordID string, changes []fieldChange, note, actor string, now time.Time) []model.AuditEntry {
	out := make([]model.AuditEntry, 0, len(changes))
	for _, c := range changes {
		out = append(out, model.AuditEntry{
			ID:        newID(),
			TableName: table,
			RecordID:  recordID,
			Field:     c.Column,
			OldValue:  c.Old,
			NewValue:  c.New,
			Note:      note,
			Actor:     actor,
			CreatedAt: now,
		})
	}
	return out
}
