package model

import (
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// ProspectStatus represents where a prospect sits in the enrichment lifecycle.
type ProspectStatus string

const (
	ProspectStatusPending       ProspectStatus = "pending"   // new, enrichment pending
	ProspectStatusEnriching     ProspectStatus = "enriching" // locked, in progress
	ProspectStatusEnriched      ProspectStatus = "enriched"
	ProspectStatusReview        ProspectStatus = "review"
	ProspectStatusMissingEmails ProspectStatus = "missing_emails"
	ProspectStatusNotViable     ProspectStatus = "not_viable"
)

// AllProspectStatuses lists every valid status in lifecycle order.
var AllProspectStatuses = []ProspectStatus{
	ProspectStatusPending,
	ProspectStatusEnriching,
	ProspectStatusEnriched,
	ProspectStatusReview,
	ProspectStatusMissingEmails,
	ProspectStatusNotViable,
}

// TerminalProspectStatuses are the statuses the pipeline never automatically
// moves a prospect out of.
var TerminalProspectStatuses = []ProspectStatus{
	ProspectStatusEnriched,
	ProspectStatusReview,
	ProspectStatusMissingEmails,
	ProspectStatusNotViable,
}

// IsTerminal reports whether the pipeline will not attempt further enrichment.
func (s ProspectStatus) IsTerminal() bool {
	switch s {
	case ProspectStatusEnriched, ProspectStatusReview, ProspectStatusMissingEmails, ProspectStatusNotViable:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s ProspectStatus) Valid() bool {
	for _, v := range AllProspectStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// ProspectSource records how a prospect entered the system.
type ProspectSource string

const (
	ProspectSourceManual    ProspectSource = "manual"
	ProspectSourceCSV       ProspectSource = "csv"
	ProspectSourceDiscovery ProspectSource = "discovery"
	ProspectSourceAPI       ProspectSource = "api"
)

// Prospect is a candidate business domain tracked through enrichment.
type Prospect struct {
	ID                    string         `json:"id" yaml:"id"`
	Domain                string         `json:"domain" yaml:"domain"`
	CompanyName           string         `json:"company_name,omitempty" yaml:"company_name,omitempty"`
	Status                ProspectStatus `json:"status" yaml:"status"`
	Source                ProspectSource `json:"source,omitempty" yaml:"source,omitempty"`
	ContactCount          int            `json:"contact_count" yaml:"contact_count"`
	IcebreakerText        string         `json:"icebreaker_text,omitempty" yaml:"icebreaker_text,omitempty"`
	IcebreakerGeneratedAt *time.Time     `json:"icebreaker_generated_at,omitempty" yaml:"icebreaker_generated_at,omitempty"`
	EnrichmentRetryCount  int            `json:"enrichment_retry_count" yaml:"enrichment_retry_count"`
	EnrichmentLockedAt    *time.Time     `json:"enrichment_locked_at,omitempty" yaml:"enrichment_locked_at,omitempty"`
	EnrichmentLockedBy    string         `json:"enrichment_locked_by,omitempty" yaml:"enrichment_locked_by,omitempty"`
	LastEnrichmentAttempt *time.Time     `json:"last_enrichment_attempt,omitempty" yaml:"last_enrichment_attempt,omitempty"`
	Notes                 string         `json:"notes,omitempty" yaml:"notes,omitempty"`
	CreatedAt             time.Time      `json:"created_at" yaml:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at" yaml:"updated_at"`
}

// HasIcebreaker reports whether an icebreaker has been persisted.
func (p Prospect) HasIcebreaker() bool {
	return strings.TrimSpace(p.IcebreakerText) != ""
}

// IsLocked reports whether any worker has recorded a lock on the prospect.
func (p Prospect) IsLocked() bool {
	return p.EnrichmentLockedAt != nil
}

// ProspectUpdate is a partial update. Nil fields are left untouched.
type ProspectUpdate struct {
	Status                *ProspectStatus
	CompanyName           *string
	IcebreakerText        *string
	IcebreakerGeneratedAt *time.Time
	Notes                 *string
	EnrichmentRetryCount  *int
}

// IsEmpty reports whether the update sets no fields.
func (u ProspectUpdate) IsEmpty() bool {
	return u.Status == nil && u.CompanyName == nil && u.IcebreakerText == nil &&
		u.IcebreakerGeneratedAt == nil && u.Notes == nil && u.EnrichmentRetryCount == nil
}

// Ptr returns a pointer to v. Handy for building ProspectUpdate literals.
func Ptr[T any](v T) *T {
	return &v
}

// NormalizeDomain reduces a raw website value (URL, host, or "www." host) to a
// bare lower-case host such as "acme.com".
func NormalizeDomain(raw string) (string, error) {
	s := strings.TrimSpace(strings.ToLower(raw))
	if s == "" {
		return "", eris.New("domain: empty value")
	}
	if !strings.Contains(s, "://") {
		s = "http://" + s
	}

	u, err := url.Parse(s)
	if err != nil {
		return "", eris.Wrapf(err, "domain: parse %q", raw)
	}

	host := u.Hostname()
	host = strings.TrimSuffix(host, ".")
	host = strings.TrimPrefix(host, "www.")

	if host == "" || !strings.Contains(host, ".") || strings.ContainsAny(host, " _") {
		return "", eris.Errorf("domain: invalid host in %q", raw)
	}
	return host, nil
}
