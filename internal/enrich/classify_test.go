package enrich

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/prospect-enricher/internal/model"
)

func TestClassify_DecisionTable(t *testing.T) {
	tests := []struct {
		name     string
		facts    Facts
		want     model.ProspectStatus
		terminal bool
		owed     bool
	}{
		{"no contacts", Facts{}, model.ProspectStatusReview, true, false},
		{"no contacts ignores icebreaker", Facts{HasIcebreaker: true}, model.ProspectStatusReview, true, false},
		{"contacts without accepted emails", Facts{ContactCount: 3}, model.ProspectStatusMissingEmails, true, false},
		{"missing emails ignores icebreaker", Facts{ContactCount: 1, HasIcebreaker: true}, model.ProspectStatusMissingEmails, true, false},
		{"enriched", Facts{ContactCount: 2, AcceptedEmailCount: 1, HasIcebreaker: true}, model.ProspectStatusEnriched, true, false},
		{"icebreaker owed", Facts{ContactCount: 2, AcceptedEmailCount: 2}, model.ProspectStatusPending, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Classify(tt.facts)
			assert.Equal(t, tt.want, d.Status)
			assert.Equal(t, tt.terminal, d.Terminal)
			assert.Equal(t, tt.owed, d.IcebreakerOwed)
			assert.NotEmpty(t, d.Reason)
			assert.Equal(t, d.Terminal, d.Status.IsTerminal())
		})
	}
}

func TestClassify_Deterministic(t *testing.T) {
	for contacts := 0; contacts < 3; contacts++ {
		for accepted := 0; accepted <= contacts; accepted++ {
			for _, ice := range []bool{false, true} {
				f := Facts{ContactCount: contacts, AcceptedEmailCount: accepted, HasIcebreaker: ice}
				assert.Equal(t, Classify(f), Classify(f))
			}
		}
	}
}

func TestIsAcceptedEmail(t *testing.T) {
	accepted := []string{
		"jane@acme.com",
		"Sales@Acme.com",
		"jane.doe+crm@acme.co.uk",
		" owner@acme.io ",
	}
	for _, e := range accepted {
		assert.True(t, IsAcceptedEmail(e), e)
	}

	rejected := []string{
		"",
		"not-an-email",
		"@acme.com",
		"jane@",
		"info@acme.com",
		"legal@acme.com",
		"DMCA@acme.com",
		"privacy@acme.com",
		"no-reply@acme.com",
		"noreply+x@acme.com",
		"jane@city.gov",
		"prof@state.edu",
		"officer@army.mil",
	}
	for _, e := range rejected {
		assert.False(t, IsAcceptedEmail(e), e)
	}
}

func TestFactsFor(t *testing.T) {
	contacts := []model.Contact{
		{Email: "jane@acme.com"},
		{Email: "info@acme.com"},
		{FirstName: "Bob", Phone: "555"},
	}
	f := FactsFor(contacts, model.Prospect{IcebreakerText: "  "})
	assert.Equal(t, Facts{ContactCount: 3, AcceptedEmailCount: 1, HasIcebreaker: false}, f)

	f = FactsFor(nil, model.Prospect{IcebreakerText: "Hi", ContactCount: 5})
	assert.Equal(t, Facts{HasIcebreaker: true}, f, "facts come from loaded contacts, not the cached count")
}
