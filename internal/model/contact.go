package model

import (
	"strings"
	"time"
)

// ContactType classifies a contact by the kind of mailbox it represents.
type ContactType string

const (
	ContactTypeGeneric       ContactType = "generic"    // info@, sales@, ...
	ContactTypeDepartment    ContactType = "department" // marketing@, hr@, ...
	ContactTypePersonal      ContactType = "personal"
	ContactTypeDecisionMaker ContactType = "decision_maker"
)

// ContactTypes lists every contact type in the order used by the extraction schema.
var ContactTypes = []ContactType{
	ContactTypeGeneric,
	ContactTypeDepartment,
	ContactTypePersonal,
	ContactTypeDecisionMaker,
}

// ContactSourceWebsite marks contacts extracted from the prospect's own site.
const ContactSourceWebsite = "website_extraction"

// Contact is a person or mailbox associated with a prospect.
type Contact struct {
	ID              string      `json:"id" yaml:"id"`
	ProspectID      string      `json:"prospect_id" yaml:"prospect_id"`
	Email           string      `json:"email" yaml:"email"`
	FirstName       string      `json:"first_name,omitempty" yaml:"first_name,omitempty"`
	LastName        string      `json:"last_name,omitempty" yaml:"last_name,omitempty"`
	Title           string      `json:"title,omitempty" yaml:"title,omitempty"`
	Phone           string      `json:"phone,omitempty" yaml:"phone,omitempty"`
	Source          string      `json:"source" yaml:"source"`
	ConfidenceScore int         `json:"confidence_score" yaml:"confidence_score"`
	ContactType     ContactType `json:"contact_type" yaml:"contact_type"`
	IsPrimary       bool        `json:"is_primary" yaml:"is_primary"`
	IsDecisionMaker bool        `json:"is_decision_maker" yaml:"is_decision_maker"`
	CreatedAt       time.Time   `json:"created_at" yaml:"created_at"`
}

// EmailKey returns the case-insensitive identity of the contact's email.
func (c Contact) EmailKey() string {
	return strings.ToLower(strings.TrimSpace(c.Email))
}
