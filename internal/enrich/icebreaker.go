package enrich

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-enricher/internal/model"
	"github.com/sells-group/prospect-enricher/pkg/anthropic"
)

const (
	defaultIcebreakerMaxTokens = 400
	defaultWebSearchMaxUses    = 3
	icebreakerContextChars     = 4000
)

const icebreakerSystemPrompt = `You write the opening line of a cold sales email.
Write one or two sentences that reference something specific and recent about the company: a project, a hire, an expansion, an award.
Search the web when the website text is not enough. Do not mention that you searched.
Reply with the opening line only: no greeting, no quotes, no sign-off.`

// IcebreakerStore is the persistence the generator needs.
type IcebreakerStore interface {
	UpdateProspect(ctx context.Context, id string, upd model.ProspectUpdate, note, actor string) (bool, error)
}

// IcebreakerConfig configures an IcebreakerGenerator.
type IcebreakerConfig struct {
	Model         string
	MaxTokens     int64
	MaxSearchUses int64
	Actor         string
}

// IcebreakerGenerator writes a personalized opening line for a prospect.
type IcebreakerGenerator struct {
	client anthropic.Client
	store  IcebreakerStore
	cfg    IcebreakerConfig
	now    func() time.Time
}

// NewIcebreakerGenerator creates an IcebreakerGenerator.
func NewIcebreakerGenerator(client anthropic.Client, s IcebreakerStore, cfg IcebreakerConfig) *IcebreakerGenerator {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultIcebreakerMaxTokens
	}
	if cfg.MaxSearchUses <= 0 {
		cfg.MaxSearchUses = defaultWebSearchMaxUses
	}
	return &IcebreakerGenerator{client: client, store: s, cfg: cfg, now: time.Now}
}

// Generate returns the prospect's icebreaker. An existing one is returned
// as-is unless force is set. A new one is persisted together with its
// generation time.
func (g *IcebreakerGenerator) Generate(ctx context.Context, p model.Prospect, companyName, scrapedText string, force bool) (string, error) {
	if p.HasIcebreaker() && !force {
		return p.IcebreakerText, nil
	}
	if companyName == "" {
		companyName = p.CompanyName
	}

	resp, err := g.client.Generate(ctx, anthropic.TextRequest{
		Model:         g.cfg.Model,
		MaxTokens:     g.cfg.MaxTokens,
		System:        icebreakerSystemPrompt,
		Prompt:        buildIcebreakerPrompt(p.Domain, companyName, scrapedText),
		WebSearch:     true,
		MaxSearchUses: g.cfg.MaxSearchUses,
	})
	if err != nil {
		return "", eris.Wrapf(err, "enrich: icebreaker %s", p.Domain)
	}

	text := cleanIcebreaker(resp.Text)
	if text == "" {
		return "", eris.Errorf("enrich: icebreaker %s: empty output", p.Domain)
	}

	now := g.now().UTC()
	if _, err := g.store.UpdateProspect(ctx, p.ID, model.ProspectUpdate{
		IcebreakerText:        &text,
		IcebreakerGeneratedAt: &now,
	}, "icebreaker generated", g.cfg.Actor); err != nil {
		return "", eris.Wrapf(err, "enrich: save icebreaker %s", p.Domain)
	}

	zap.L().Info("enrich: icebreaker generated",
		zap.String("prospect_id", p.ID),
		zap.String("domain", p.Domain),
		zap.Bool("forced", force),
		zap.Int64("web_searches", resp.Usage.WebSearchRequests),
	)
	return text, nil
}

func buildIcebreakerPrompt(domain, companyName, scrapedText string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Company website: %s\n", domain)
	if companyName != "" {
		fmt.Fprintf(&b, "Company name: %s\n", companyName)
	}
	if scrapedText != "" {
		fmt.Fprintf(&b, "\nWebsite text:\n<website>\n%s\n</website>\n", truncate(scrapedText, icebreakerContextChars))
	}
	b.WriteString("\nWrite the opening line.")
	return b.String()
}

// cleanIcebreaker strips wrapping quotes and collapses whitespace.
func cleanIcebreaker(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	s = strings.Trim(s, "\"'“” ")
	return strings.TrimSpace(s)
}
