package enrich

import (
	"strings"

	"github.com/sells-group/prospect-enricher/internal/model"
)

// Facts are the accumulated data the classifier decides on. They carry no
// information about which pipeline produced them.
type Facts struct {
	ContactCount       int
	AcceptedEmailCount int
	HasIcebreaker      bool
}

// Decision is the classifier's verdict for one prospect.
type Decision struct {
	Status         model.ProspectStatus
	Terminal       bool
	IcebreakerOwed bool
	Reason         string
}

// Classify maps facts to a status:
//
//	contacts == 0                      -> review
//	accepted emails == 0               -> missing_emails
//	accepted emails > 0, icebreaker    -> enriched
//	accepted emails > 0, no icebreaker -> pending (icebreaker owed)
func Classify(f Facts) Decision {
	switch {
	case f.ContactCount == 0:
		return Decision{Status: model.ProspectStatusReview, Terminal: true, Reason: "no contacts found"}
	case f.AcceptedEmailCount == 0:
		return Decision{Status: model.ProspectStatusMissingEmails, Terminal: true, Reason: "no usable email addresses"}
	case f.HasIcebreaker:
		return Decision{Status: model.ProspectStatusEnriched, Terminal: true, Reason: "enriched"}
	default:
		return Decision{Status: model.ProspectStatusPending, IcebreakerOwed: true, Reason: "icebreaker owed"}
	}
}

// FactsFor derives classifier facts from freshly loaded contacts and prospect.
func FactsFor(contacts []model.Contact, p model.Prospect) Facts {
	f := Facts{ContactCount: len(contacts), HasIcebreaker: p.HasIcebreaker()}
	for _, c := range contacts {
		if IsAcceptedEmail(c.Email) {
			f.AcceptedEmailCount++
		}
	}
	return f
}

// rejectedLocalParts are legal, compliance and system mailboxes that never
// reach a decision maker.
var rejectedLocalParts = map[string]bool{
	"info":         true,
	"legal":        true,
	"dmca":         true,
	"privacy":      true,
	"compliance":   true,
	"abuse":        true,
	"gdpr":         true,
	"copyright":    true,
	"noreply":      true,
	"no-reply":     true,
	"donotreply":   true,
	"postmaster":   true,
	"webmaster":    true,
	"security":     true,
	"do-not-reply": true,
}

var rejectedTLDs = []string{".gov", ".edu", ".mil"}

// IsAcceptedEmail reports whether email may be used for outreach.
func IsAcceptedEmail(email string) bool {
	email = strings.ToLower(strings.TrimSpace(email))
	local, domain, ok := strings.Cut(email, "@")
	if !ok || local == "" || domain == "" {
		return false
	}
	// Plus-addressing does not change the mailbox.
	if base, _, found := strings.Cut(local, "+"); found {
		local = base
	}
	if rejectedLocalParts[local] {
		return false
	}
	for _, tld := range rejectedTLDs {
		if strings.HasSuffix(domain, tld) {
			return false
		}
	}
	return true
}
