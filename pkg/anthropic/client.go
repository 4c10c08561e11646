package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/prospect-enricher/internal/metrics"
	"github.com/sells-group/prospect-enricher/internal/resilience"
)

// ErrNoToolCall means a structured call came back without the forced
// tool_use block.
var ErrNoToolCall = eris.New("anthropic: response has no tool_use block")

// ErrEmptyText means a free-text call returned no text blocks.
var ErrEmptyText = eris.New("anthropic: response has no text")

// Client defines the model gateway operations used by the pipeline.
type Client interface {
	// Extract forces a single call of req.Tool and returns its JSON input.
	Extract(ctx context.Context, req StructuredRequest) (*StructuredResponse, error)
	// Generate returns free text, optionally grounded with web search.
	Generate(ctx context.Context, req TextRequest) (*TextResponse, error)
}

// Tool describes the single tool a structured call is forced to use.
type Tool struct {
	Name        string
	Description string
	Properties  map[string]any
	Required    []string
}

// StructuredRequest is the request type for Extract.
type StructuredRequest struct {
	Model       string
	MaxTokens   int64
	System      string
	Prompt      string
	Tool        Tool
	Temperature *float64
}

// StructuredResponse carries the raw tool input.
type StructuredResponse struct {
	ID         string
	Model      string
	Input      json.RawMessage
	StopReason string
	Usage      TokenUsage
}

// TextRequest is the request type for Generate.
type TextRequest struct {
	Model       string
	MaxTokens   int64
	System      string
	Prompt      string
	Temperature *float64
	// WebSearch attaches the web_search server tool, limited to MaxSearchUses
	// searches per call.
	WebSearch     bool
	MaxSearchUses int64
}

// TextResponse carries the concatenated text blocks.
type TextResponse struct {
	ID         string
	Model      string
	Text       string
	StopReason string
	Usage      TokenUsage
}

// TokenUsage tracks token consumption.
type TokenUsage struct {
	InputTokens              int64
	OutputTokens             int64
	CacheCreationInputTokens int64
	CacheReadInputTokens     int64
	WebSearchRequests        int64
}

// modelPricing holds per-million-token pricing for known models.
var modelPricing = map[string][2]float64{
	// model → {input $/MTok, output $/MTok}
	"claude-haiku-4-5-20251001":  {0.80, 4.00},
	"claude-sonnet-4-5-20250929": {3.00, 15.00},
	"claude-opus-4-6":            {15.00, 75.00},
}

// webSearchCostPerRequest is the flat price of one server-side search.
const webSearchCostPerRequest = 0.01

// EstimateCost computes an estimated cost in USD from a TokenUsage and model ID.
// Token costs are 0 for unknown models.
func (u TokenUsage) EstimateCost(model string) float64 {
	searchCost := float64(u.WebSearchRequests) * webSearchCostPerRequest
	pricing, ok := modelPricing[model]
	if !ok {
		return searchCost
	}
	inCost := (float64(u.InputTokens) / 1e6) * pricing[0]
	outCost := (float64(u.OutputTokens) / 1e6) * pricing[1]
	cacheWriteCost := (float64(u.CacheCreationInputTokens) / 1e6) * pricing[0] * 1.25
	cacheReadCost := (float64(u.CacheReadInputTokens) / 1e6) * pricing[0] * 0.1
	return inCost + outCost + cacheWriteCost + cacheReadCost + searchCost
}

// LogCost logs token usage and estimated cost with structured zap fields.
func (u TokenUsage) LogCost(model, phase string) {
	zap.L().Info("cost attribution",
		zap.String("model", model),
		zap.String("phase", phase),
		zap.Int64("input_tokens", u.InputTokens),
		zap.Int64("output_tokens", u.OutputTokens),
		zap.Int64("cache_write_tokens", u.CacheCreationInputTokens),
		zap.Int64("cache_read_tokens", u.CacheReadInputTokens),
		zap.Int64("web_search_requests", u.WebSearchRequests),
		zap.Float64("estimated_cost_usd", u.EstimateCost(model)),
	)
}

// Config configures the SDK-backed client.
type Config struct {
	APIKey            string
	BaseURL           string
	RequestsPerSecond float64
	Timeout           time.Duration
	// Breaker, when set, guards every call. An open circuit surfaces as a
	// ResourceExhaustedError.
	Breaker *resilience.CircuitBreaker
	Metrics *metrics.Metrics
}

// sdkClient implements Client using the official anthropic-sdk-go.
type sdkClient struct {
	client  sdk.Client
	limiter *AdaptiveLimiter
	breaker *resilience.CircuitBreaker
	metrics *metrics.Metrics
}

// NewClient creates a Client backed by the SDK. SDK retries are disabled:
// the job runner owns the retry budget.
func NewClient(cfg Config) Client {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 2
	}
	return &sdkClient{
		client:  sdk.NewClient(opts...),
		limiter: NewAdaptiveLimiter(rate.Limit(rps), int(max(rps, 1))),
		breaker: cfg.Breaker,
		metrics: cfg.Metrics,
	}
}

func (c *sdkClient) Extract(ctx context.Context, req StructuredRequest) (*StructuredResponse, error) {
	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: req.MaxTokens,
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt))},
		Tools: []sdk.ToolUnionParam{{OfTool: &sdk.ToolParam{
			Name:        req.Tool.Name,
			Description: sdk.String(req.Tool.Description),
			InputSchema: sdk.ToolInputSchemaParam{
				Properties: req.Tool.Properties,
				Required:   req.Tool.Required,
			},
		}}},
		ToolChoice: sdk.ToolChoiceParamOfTool(req.Tool.Name),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}

	msg, err := c.send(ctx, "extract", params)
	if err != nil {
		return nil, err
	}

	resp := &StructuredResponse{
		ID:         msg.ID,
		Model:      string(msg.Model),
		StopReason: string(msg.StopReason),
		Usage:      usageFrom(msg.Usage),
	}
	for _, b := range msg.Content {
		if b.Type == "tool_use" && b.Name == req.Tool.Name {
			resp.Input = b.Input
			break
		}
	}
	if len(resp.Input) == 0 {
		return resp, eris.Wrapf(ErrNoToolCall, "anthropic: extract with %s (stop_reason %s)", req.Tool.Name, resp.StopReason)
	}
	return resp, nil
}

func (c *sdkClient) Generate(ctx context.Context, req TextRequest) (*TextResponse, error) {
	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: req.MaxTokens,
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt))},
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}
	if req.WebSearch {
		search := &sdk.WebSearchTool20250305Param{}
		if req.MaxSearchUses > 0 {
			search.MaxUses = sdk.Int(req.MaxSearchUses)
		}
		params.Tools = []sdk.ToolUnionParam{{OfWebSearchTool20250305: search}}
	}

	msg, err := c.send(ctx, "generate", params)
	if err != nil {
		return nil, err
	}

	var parts []string
	for _, b := range msg.Content {
		if b.Type == "text" && strings.TrimSpace(b.Text) != "" {
			parts = append(parts, b.Text)
		}
	}
	resp := &TextResponse{
		ID:         msg.ID,
		Model:      string(msg.Model),
		Text:       strings.TrimSpace(strings.Join(parts, "")),
		StopReason: string(msg.StopReason),
		Usage:      usageFrom(msg.Usage),
	}
	if resp.Text == "" {
		return resp, eris.Wrapf(ErrEmptyText, "anthropic: generate (stop_reason %s)", resp.StopReason)
	}
	return resp, nil
}

// send waits for the limiter, runs the call through the breaker, and maps
// gateway errors onto the resilience types.
func (c *sdkClient) send(ctx context.Context, kind string, params sdk.MessageNewParams) (*sdk.Message, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrapf(err, "anthropic: %s: wait for rate limiter", kind)
	}

	call := func(ctx context.Context) (*sdk.Message, error) {
		msg, err := c.client.Messages.New(ctx, params)
		if err != nil {
			return nil, c.mapError(kind, err)
		}
		return msg, nil
	}

	var (
		msg *sdk.Message
		err error
	)
	if c.breaker != nil {
		msg, err = resilience.ExecuteVal(ctx, c.breaker, call)
	} else {
		msg, err = call(ctx)
	}
	if err != nil {
		c.metrics.ModelCall(kind, resilience.ClassifyError(err))
		return nil, err
	}

	c.limiter.OnSuccess()
	c.metrics.ModelCall(kind, "ok")
	c.metrics.Tokens(string(msg.Model), msg.Usage.InputTokens, msg.Usage.OutputTokens)
	usageFrom(msg.Usage).LogCost(string(msg.Model), kind)
	return msg, nil
}

func (c *sdkClient) mapError(kind string, err error) error {
	wrapped := eris.Wrapf(err, "anthropic: %s", kind)

	var apiErr *sdk.Error
	if !errors.As(err, &apiErr) {
		// Network-level failures keep their type; resilience.IsTransient
		// recognizes timeouts and resets.
		return wrapped
	}

	switch code := apiErr.StatusCode; {
	case code == http.StatusTooManyRequests:
		c.limiter.OnRateLimit()
		return resilience.NewResourceExhaustedError(wrapped, code)
	case code == http.StatusPaymentRequired:
		return resilience.NewResourceExhaustedError(wrapped, code)
	case resilience.IsTransientHTTPStatus(code):
		return resilience.NewTransientError(wrapped, code)
	default:
		return wrapped
	}
}

func usageFrom(u sdk.Usage) TokenUsage {
	return TokenUsage{
		InputTokens:              u.InputTokens,
		OutputTokens:             u.OutputTokens,
		CacheCreationInputTokens: u.CacheCreationInputTokens,
		CacheReadInputTokens:     u.CacheReadInputTokens,
		WebSearchRequests:        u.ServerToolUse.WebSearchRequests,
	}
}
