package enrich

import (
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sells-group/prospect-enricher/internal/model"
)

var emailRe = regexp.MustCompile(`^[a-z0-9._%+\-']+@[a-z0-9.\-]+\.[a-z]{2,}$`)

// genericMailboxes are shared inboxes with no named owner.
var genericMailboxes = map[string]bool{
	"info": true, "hello": true, "hi": true, "contact": true, "contactus": true,
	"sales": true, "office": true, "admin": true, "support": true, "team": true,
	"enquiries": true, "enquiry": true, "inquiries": true, "inquiry": true,
	"mail": true, "general": true, "help": true, "service": true, "customerservice": true,
	"reception": true, "frontdesk": true, "bookings": true, "orders": true,
	"noreply": true, "no-reply": true, "webmaster": true, "postmaster": true,
}

// departmentMailboxes belong to a function rather than a person.
var departmentMailboxes = map[string]bool{
	"marketing": true, "hr": true, "careers": true, "jobs": true, "recruiting": true,
	"billing": true, "accounts": true, "accounting": true, "finance": true,
	"press": true, "media": true, "pr": true, "legal": true, "compliance": true,
	"partners": true, "partnerships": true, "operations": true, "ops": true,
	"purchasing": true, "procurement": true, "it": true, "tech": true,
	"privacy": true, "dmca": true, "abuse": true, "security": true,
}

// Confidence caps for mailboxes that are unlikely to reach a buyer.
const (
	genericConfidenceCap    = 40
	departmentConfidenceCap = 60
)

// decisionMakerTitleWords mark a contact as a decision maker when they
// appear as whole words in the title.
var decisionMakerTitleWords = []string{
	"owner", "founder", "cofounder", "co-founder", "ceo", "coo", "cfo", "cto", "cmo",
	"president", "director", "head", "vp", "chief", "partner", "principal",
}

var titleCaser = cases.Title(language.English)

// rawContact is one element of the record_contacts tool input.
type rawContact struct {
	Email           string `json:"email"`
	FirstName       string `json:"first_name"`
	LastName        string `json:"last_name"`
	Title           string `json:"title"`
	Phone           string `json:"phone"`
	ContactType     string `json:"contact_type"`
	ConfidenceScore int    `json:"confidence_score"`
}

// normalizeContacts turns model output into contacts. The mailbox
// classification is derived from the address alone and overrides the
// model's label for generic and department inboxes. The first contact with
// the highest confidence among accepted emails is marked primary.
func normalizeContacts(raw []rawContact) []model.Contact {
	out := make([]model.Contact, 0, len(raw))
	seen := map[string]bool{}
	for _, r := range raw {
		email := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(r.Email), "mailto:")))
		if email != "" && !emailRe.MatchString(email) {
			continue
		}
		c := model.Contact{
			Email:           email,
			FirstName:       normalizeName(r.FirstName),
			LastName:        normalizeName(r.LastName),
			Title:           strings.TrimSpace(r.Title),
			Phone:           strings.TrimSpace(r.Phone),
			Source:          model.ContactSourceWebsite,
			ConfidenceScore: clampConfidence(r.ConfidenceScore),
		}
		if c.Email == "" && c.FirstName == "" && c.LastName == "" && c.Phone == "" {
			continue
		}
		if c.Email != "" {
			if seen[c.Email] {
				continue
			}
			seen[c.Email] = true
		}

		c.IsDecisionMaker = isDecisionMakerTitle(c.Title)
		c.ContactType = contactTypeFor(c.Email, model.ContactType(strings.ToLower(strings.TrimSpace(r.ContactType))), c.IsDecisionMaker)
		switch c.ContactType {
		case model.ContactTypeGeneric:
			c.ConfidenceScore = min(c.ConfidenceScore, genericConfidenceCap)
		case model.ContactTypeDepartment:
			c.ConfidenceScore = min(c.ConfidenceScore, departmentConfidenceCap)
		}
		out = append(out, c)
	}

	primary := -1
	for i, c := range out {
		if !IsAcceptedEmail(c.Email) {
			continue
		}
		if primary < 0 || c.ConfidenceScore > out[primary].ConfidenceScore {
			primary = i
		}
	}
	if primary >= 0 {
		out[primary].IsPrimary = true
	}
	return out
}

// contactTypeFor classifies by local part. Personal addresses keep the
// model's personal/decision_maker label.
func contactTypeFor(email string, modelType model.ContactType, decisionMaker bool) model.ContactType {
	local, _, _ := strings.Cut(email, "@")
	if base, _, ok := strings.Cut(local, "+"); ok {
		local = base
	}
	switch {
	case local == "":
		if decisionMaker {
			return model.ContactTypeDecisionMaker
		}
		return model.ContactTypePersonal
	case genericMailboxes[local]:
		return model.ContactTypeGeneric
	case departmentMailboxes[local]:
		return model.ContactTypeDepartment
	case decisionMaker || modelType == model.ContactTypeDecisionMaker:
		return model.ContactTypeDecisionMaker
	default:
		return model.ContactTypePersonal
	}
}

func isDecisionMakerTitle(title string) bool {
	words := strings.FieldsFunc(strings.ToLower(title), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && r != '-'
	})
	for _, w := range words {
		for _, dm := range decisionMakerTitleWords {
			if w == dm {
				return true
			}
		}
	}
	return false
}

// normalizeName title-cases names the model returned in a single case and
// leaves mixed-case names ("McDonald", "van der Berg") alone.
func normalizeName(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return ""
	}
	if s == strings.ToLower(s) || s == strings.ToUpper(s) {
		return titleCaser.String(strings.ToLower(s))
	}
	return s
}

func clampConfidence(n int) int {
	switch {
	case n < 1:
		return 1
	case n > 100:
		return 100
	default:
		return n
	}
}
