package store

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sells-group/prospect-enricher/internal/model"
)

func newID() string {
	return uuid.New().String()
}

// sqlQuery accumulates a statement and its bound arguments for either
// placeholder dialect.
type sqlQuery struct {
	sb     strings.Builder
	args   []any
	dollar bool
}

func newQuery(dollar bool, base string) *sqlQuery {
	q := &sqlQuery{dollar: dollar}
	q.sb.WriteString(base)
	return q
}

// arg binds v and returns its placeholder.
func (q *sqlQuery) arg(v any) string {
	q.args = append(q.args, v)
	if q.dollar {
		return fmt.Sprintf("$%d", len(q.args))
	}
	return "?"
}

func (q *sqlQuery) add(format string, vals ...any) {
	q.sb.WriteString(" ")
	q.sb.WriteString(fmt.Sprintf(format, vals...))
}

func (q *sqlQuery) String() string {
	return q.sb.String()
}

// terminalStatusList renders the terminal statuses as a SQL literal list.
func terminalStatusList() string {
	parts := make([]string, len(model.TerminalProspectStatuses))
	for i, s := range model.TerminalProspectStatuses {
		parts[i] = "'" + string(s) + "'"
	}
	return strings.Join(parts, ", ")
}

// eligibleWhere appends the per-kind eligibility predicate and, when
// withCursor is set, the keyset condition after q.AfterID.
func eligibleWhere(q *sqlQuery, eq EligibleQuery, withCursor bool) {
	switch eq.Kind {
	case model.JobKindIcebreaker:
		q.add("WHERE contact_count > 0 AND status IN (%s, %s)",
			q.arg(string(model.ProspectStatusPending)), q.arg(string(model.ProspectStatusEnriched)))
		if !eq.Force {
			q.add("AND icebreaker_text = ''")
		}
	default:
		q.add("WHERE status = %s", q.arg(string(model.ProspectStatusPending)))
		if eq.MaxRetries > 0 {
			q.add("AND enrichment_retry_count < %s", q.arg(eq.MaxRetries))
		}
	}
	if withCursor && eq.AfterID != "" {
		q.add("AND (created_at, id) < (SELECT c.created_at, c.id FROM prospects c WHERE c.id = %s)", q.arg(eq.AfterID))
	}
}

// contactKey identifies a contact within a prospect: the lower-cased email,
// or the name and phone for contacts without one.
func contactKey(c model.Contact) string {
	if k := c.EmailKey(); k != "" {
		return k
	}
	name := strings.ToLower(strings.TrimSpace(c.FirstName + " " + c.LastName))
	phone := strings.TrimSpace(c.Phone)
	if name == "" && phone == "" {
		return ""
	}
	return "name:" + name + "|" + phone
}

// dedupeContacts drops incoming contacts that are empty, already stored, or
// repeated earlier in the batch. Emails compare case-insensitively.
func dedupeContacts(existing, incoming []model.Contact) []model.Contact {
	seen := make(map[string]bool, len(existing)+len(incoming))
	for _, c := range existing {
		seen[contactKey(c)] = true
	}
	var out []model.Contact
	for _, c := range incoming {
		key := contactKey(c)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
	}
	return out
}

const prospectColumns = `id, domain, company_name, status, source, contact_count, icebreaker_text,
	icebreaker_generated_at, enrichment_retry_count, enrichment_locked_at, enrichment_locked_by,
	last_enrichment_attempt, notes, created_at, updated_at`

const contactColumns = `id, prospect_id, email, first_name, last_name, title, phone, source,
	confidence_score, contact_type, is_primary, is_decision_maker, created_at`

const jobColumns = `id, kind, status, total_count, processed_count, success_count, failure_count,
	batch_size, chain, force_regenerate, last_processed_report_id, last_error, created_at, updated_at, completed_at`

const jobFailureColumns = `id, job_id, prospect_id, domain, attempts, error, error_type, created_at`

const auditColumns = `id, table_name, record_id, field, old_value, new_value, note, actor, created_at`

func statusIn(s model.JobStatus, set []model.JobStatus) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}

// prepareProspect fills defaults for a new prospect row.
func prepareProspect(p model.Prospect, now time.Time) model.Prospect {
	if p.ID == "" {
		p.ID = newID()
	}
	if p.Status == "" {
		p.Status = model.ProspectStatusPending
	}
	if p.Source == "" {
		p.Source = model.ProspectSourceManual
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.CreatedAt
	return p
}

// applyChanges mirrors a written diff onto the in-memory prospect.
func applyChanges(p *model.Prospect, changes []fieldChange) {
	for _, c := range changes {
		switch c.Column {
		case "status":
			p.Status = model.ProspectStatus(c.New)
		case "company_name":
			p.CompanyName = c.New
		case "icebreaker_text":
			p.IcebreakerText = c.New
		case "icebreaker_generated_at":
			if t, ok := c.Value.(time.Time); ok {
				p.IcebreakerGeneratedAt = &t
			}
		case "notes":
			p.Notes = c.New
		case "enrichment_retry_count":
			if n, ok := c.Value.(int); ok {
				p.EnrichmentRetryCount = n
			}
		}
	}
}

// prepareContacts dedupes incoming contacts against existing ones and fills
// ids and defaults. At most one contact per prospect is primary.
func prepareContacts(prospectID string, existing, incoming []model.Contact, now time.Time) []model.Contact {
	fresh := dedupeContacts(existing, incoming)

	hasPrimary := false
	for _, c := range existing {
		if c.IsPrimary {
			hasPrimary = true
			break
		}
	}

	for i := range fresh {
		c := &fresh[i]
		c.ID = newID()
		c.ProspectID = prospectID
		c.Email = c.EmailKey()
		c.CreatedAt = now
		if c.Source == "" {
			c.Source = model.ContactSourceWebsite
		}
		if c.ContactType == "" {
			c.ContactType = model.ContactTypePersonal
		}
		if c.IsPrimary {
			if hasPrimary {
				c.IsPrimary = false
			}
			hasPrimary = true
		}
	}
	return fresh
}

func contactAudit(c model.Contact) model.AuditEntry {
	return model.AuditEntry{
		ID:        newID(),
		TableName: model.AuditTableContacts,
		RecordID:  c.ID,
		Field:     "email",
		NewValue:  c.Email,
		Note:      "contact added by " + c.Source,
		CreatedAt: c.CreatedAt,
	}
}

func contactCountAudit(prospectID string, oldCount, newCount int, now time.Time) model.AuditEntry {
	return model.AuditEntry{
		ID:        newID(),
		TableName: model.AuditTableProspects,
		RecordID:  prospectID,
		Field:     "contact_count",
		OldValue:  strconv.Itoa(oldCount),
		NewValue:  strconv.Itoa(newCount),
		Note:      "contacts inserted",
		CreatedAt: now,
	}
}

// prepareJob fills defaults for a new job row.
func prepareJob(j *model.Job, now time.Time) {
	if j.ID == "" {
		j.ID = newID()
	}
	if j.Status == "" {
		j.Status = model.JobStatusRunning
	}
	if j.Kind == "" {
		j.Kind = model.JobKindEnrichment
	}
	j.CreatedAt = now
	j.UpdatedAt = now
}
