// Package fetch retrieves the plain text of a prospect's website from a small
// ordered set of candidate URLs.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/prospect-enricher/internal/metrics"
)

var (
	// ErrAllFailed means no candidate URL produced a usable page.
	ErrAllFailed = eris.New("fetch: all candidate urls failed")
	// ErrInsufficientContent means pages were fetched but their combined text
	// is below the minimum length.
	ErrInsufficientContent = eris.New("fetch: insufficient content")
)

const (
	DefaultTimeout         = 10 * time.Second
	DefaultMinContentChars = 100
	DefaultMaxBodyBytes    = 512 * 1024
	DefaultConcurrency     = 3
	DefaultUserAgent       = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
)

// DefaultPaths are fetched after the root variants.
var DefaultPaths = []string{"/about", "/contact", "/team"}

// Config configures a Fetcher.
type Config struct {
	Timeout         time.Duration // per attempt
	UserAgent       string
	Paths           []string
	AllowHTTP       bool
	MinContentChars int
	MaxBodyBytes    int64
	Concurrency     int
}

// AttemptError records why one candidate URL produced nothing.
type AttemptError struct {
	URL string
	Err error
}

func (e AttemptError) Error() string { return e.URL + ": " + e.Err.Error() }

// Page is the combined result of all attempts for one domain.
type Page struct {
	Text        string
	FetchedURLs []string
	Errors      []AttemptError
}

// Summary is a one-line description of the attempts, used in audit notes.
func (p *Page) Summary() string {
	return fmt.Sprintf("%d of %d urls fetched, %d chars", len(p.FetchedURLs), len(p.FetchedURLs)+len(p.Errors), utf8.RuneCountInString(p.Text))
}

// Fetcher fetches candidate URLs with one independent timeout per attempt.
// There are no retries: each candidate is tried exactly once.
type Fetcher struct {
	client     *http.Client
	cfg        Config
	metrics    *metrics.Metrics
	candidates func(domain string) []string
}

// New creates a Fetcher. Zero config values take the package defaults.
func New(cfg Config, m *metrics.Metrics) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Paths == nil {
		cfg.Paths = DefaultPaths
	}
	if cfg.MinContentChars <= 0 {
		cfg.MinContentChars = DefaultMinContentChars
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}

	f := &Fetcher{
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: cfg.Timeout,
				}).DialContext,
				TLSHandshakeTimeout: cfg.Timeout,
				MaxIdleConnsPerHost: 2,
			},
		},
		cfg:     cfg,
		metrics: m,
	}
	f.candidates = f.candidateURLs
	return f
}

// candidateURLs returns root, www, then each path, for https and (when
// allowed) http.
func (f *Fetcher) candidateURLs(domain string) []string {
	schemes := []string{"https"}
	if f.cfg.AllowHTTP {
		schemes = append(schemes, "http")
	}

	var out []string
	for _, scheme := range schemes {
		out = append(out, scheme+"://"+domain, scheme+"://www."+domain)
		for _, p := range f.cfg.Paths {
			if !strings.HasPrefix(p, "/") {
				p = "/" + p
			}
			out = append(out, scheme+"://"+domain+p)
		}
	}
	return out
}

// Candidates returns the ordered URL list for domain.
func (f *Fetcher) Candidates(domain string) []string {
	return f.candidates(domain)
}

// Fetch tries every candidate URL and concatenates the text of the pages that
// succeeded, in candidate order. It returns ErrAllFailed when nothing was
// fetched and ErrInsufficientContent (with the partial page) when the text is
// shorter than the configured minimum.
func (f *Fetcher) Fetch(ctx context.Context, domain string) (*Page, error) {
	log := zap.L().With(zap.String("domain", domain))
	urls := f.candidates(domain)

	texts := make([]string, len(urls))
	errs := make([]error, len(urls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.cfg.Concurrency)
	for i, u := range urls {
		g.Go(func() error {
			texts[i], errs[i] = f.fetchOne(gctx, u)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, eris.Wrapf(err, "fetch: %s", domain)
	}

	page := &Page{}
	var parts []string
	seen := make(map[string]bool, len(urls))
	for i, u := range urls {
		if errs[i] != nil {
			page.Errors = append(page.Errors, AttemptError{URL: u, Err: errs[i]})
			f.metrics.FetchAttempt("error")
			continue
		}
		f.metrics.FetchAttempt("ok")
		page.FetchedURLs = append(page.FetchedURLs, u)
		// Root and www usually serve the same document.
		if texts[i] == "" || seen[texts[i]] {
			continue
		}
		seen[texts[i]] = true
		parts = append(parts, texts[i])
	}
	page.Text = strings.Join(parts, "\n\n")
	chars := utf8.RuneCountInString(page.Text)

	log.Debug("fetch: done",
		zap.Int("fetched", len(page.FetchedURLs)),
		zap.Int("failed", len(page.Errors)),
		zap.Int("chars", chars),
	)

	if len(page.FetchedURLs) == 0 {
		return page, eris.Wrapf(ErrAllFailed, "fetch: %s: %s", domain, firstError(page.Errors))
	}
	if chars < f.cfg.MinContentChars {
		return page, eris.Wrapf(ErrInsufficientContent, "fetch: %s: %d chars", domain, chars)
	}
	return page, nil
}

func (f *Fetcher) fetchOne(ctx context.Context, target string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", eris.Wrap(err, "create request")
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", eris.Wrap(err, "get")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBodyBytes))
	if err != nil {
		return "", eris.Wrap(err, "read body")
	}

	if blocked, kind := DetectBlock(resp, body); blocked {
		return "", eris.Errorf("blocked (%s)", kind)
	}
	if resp.StatusCode >= 400 {
		return "", eris.Errorf("status %d", resp.StatusCode)
	}

	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	body = decodeCharset(body, ct)
	switch {
	case ct == "" || strings.Contains(ct, "html"):
		return htmlToText(body)
	case strings.HasPrefix(ct, "text/"):
		return collapseWhitespace(string(body)), nil
	default:
		return "", eris.Errorf("unsupported content type %q", ct)
	}
}

func firstError(errs []AttemptError) string {
	if len(errs) == 0 {
		return "no candidates"
	}
	return errs[0].Error()
}
