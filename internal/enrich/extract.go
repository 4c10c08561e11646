package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-enricher/internal/model"
	"github.com/sells-group/prospect-enricher/pkg/anthropic"
)

// ErrParse means the model's structured output could not be used.
var ErrParse = eris.New("enrich: unparseable extraction")

// ContactsToolName is the tool every extraction call is forced to use.
const ContactsToolName = "record_contacts"

const (
	defaultExtractMaxTokens = 2048
	defaultMaxInputChars    = 24000
)

const extractSystemPrompt = `You extract B2B contact information from the text of a company website.
Only report people and mailboxes that literally appear in the text. Never guess or construct email addresses.
Use contact_type "generic" for shared inboxes (info@, sales@), "department" for functional inboxes (marketing@, hr@),
"decision_maker" for owners, founders and executives, and "personal" for other named people.
confidence_score is 1-100: how sure you are that the contact belongs to this company and is current.`

// ContactsTool returns the record_contacts tool definition.
func ContactsTool() anthropic.Tool {
	return anthropic.Tool{
		Name:        ContactsToolName,
		Description: "Record the company name and every contact found on the website.",
		Properties: map[string]any{
			"company_name": map[string]any{
				"type":        "string",
				"description": "The company's name as it presents itself on the website.",
			},
			"contacts": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"email":      map[string]any{"type": "string"},
						"first_name": map[string]any{"type": "string"},
						"last_name":  map[string]any{"type": "string"},
						"title":      map[string]any{"type": "string"},
						"phone":      map[string]any{"type": "string"},
						"contact_type": map[string]any{
							"type": "string",
							"enum": []string{
								string(model.ContactTypeGeneric),
								string(model.ContactTypeDepartment),
								string(model.ContactTypePersonal),
								string(model.ContactTypeDecisionMaker),
							},
						},
						"confidence_score": map[string]any{
							"type":    "integer",
							"minimum": 1,
							"maximum": 100,
						},
					},
					"required": []string{"email", "contact_type", "confidence_score"},
				},
			},
		},
		Required: []string{"contacts"},
	}
}

// Extraction is the normalized result of one extraction call.
type Extraction struct {
	CompanyName string
	Contacts    []model.Contact
	Usage       anthropic.TokenUsage
}

// ExtractorConfig configures an Extractor.
type ExtractorConfig struct {
	Model         string
	MaxTokens     int64
	MaxInputChars int
}

// Extractor pulls the company name and contacts out of website text.
type Extractor struct {
	client anthropic.Client
	cfg    ExtractorConfig
}

// NewExtractor creates an Extractor.
func NewExtractor(client anthropic.Client, cfg ExtractorConfig) *Extractor {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultExtractMaxTokens
	}
	if cfg.MaxInputChars <= 0 {
		cfg.MaxInputChars = defaultMaxInputChars
	}
	return &Extractor{client: client, cfg: cfg}
}

// Extract calls the model with the forced record_contacts tool. Unusable
// output returns ErrParse; gateway errors are returned as classified by the
// client.
func (e *Extractor) Extract(ctx context.Context, domain, text string) (*Extraction, error) {
	resp, err := e.client.Extract(ctx, anthropic.StructuredRequest{
		Model:     e.cfg.Model,
		MaxTokens: e.cfg.MaxTokens,
		System:    extractSystemPrompt,
		Prompt:    buildExtractPrompt(domain, truncate(text, e.cfg.MaxInputChars)),
		Tool:      ContactsTool(),
	})
	if errors.Is(err, anthropic.ErrNoToolCall) {
		return nil, eris.Wrapf(ErrParse, "enrich: extract %s: no tool call", domain)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "enrich: extract %s", domain)
	}

	out, err := parseExtraction(resp.Input)
	if err != nil {
		return nil, eris.Wrapf(err, "enrich: extract %s", domain)
	}
	out.Usage = resp.Usage

	zap.L().Debug("enrich: extraction parsed",
		zap.String("domain", domain),
		zap.Int("contacts", len(out.Contacts)),
		zap.Bool("has_company_name", out.CompanyName != ""),
	)
	return out, nil
}

func parseExtraction(input json.RawMessage) (*Extraction, error) {
	var raw struct {
		CompanyName string          `json:"company_name"`
		Contacts    json.RawMessage `json:"contacts"`
	}
	if err := json.Unmarshal(input, &raw); err != nil {
		return nil, eris.Wrapf(ErrParse, "decode tool input: %v", err)
	}
	if len(raw.Contacts) == 0 || string(raw.Contacts) == "null" {
		return nil, eris.Wrap(ErrParse, "tool input has no contacts field")
	}

	var contacts []rawContact
	if err := json.Unmarshal(raw.Contacts, &contacts); err != nil {
		// Some responses encode the array as a JSON string.
		var encoded string
		if json.Unmarshal(raw.Contacts, &encoded) != nil || json.Unmarshal([]byte(encoded), &contacts) != nil {
			return nil, eris.Wrapf(ErrParse, "decode contacts: %v", err)
		}
	}

	return &Extraction{
		CompanyName: strings.TrimSpace(raw.CompanyName),
		Contacts:    normalizeContacts(contacts),
	}, nil
}

func buildExtractPrompt(domain, text string) string {
	return fmt.Sprintf("Website: %s\n\nWebsite text:\n<website>\n%s\n</website>\n\nCall %s with the company name and every contact you find.",
		domain, text, ContactsToolName)
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
