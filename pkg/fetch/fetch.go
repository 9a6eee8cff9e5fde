// Copyright Open Responses Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Package fetch retrieves web pages as readable text. Fetcher handles one
// URL with caching; BulkFetcher fans out over many with a concurrency
// ceiling and per-URL failure isolation.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/leseb/deepsearch-gw/pkg/cache"
	"github.com/leseb/deepsearch-gw/pkg/fetch/extractor"
	"github.com/leseb/deepsearch-gw/pkg/observability/logging"
)

// Defaults for Options.
const (
	DefaultTimeout     = 15 * time.Second
	DefaultMaxChars    = 32000
	DefaultMaxBytes    = 5 << 20
	DefaultConcurrency = 5
	DefaultUserAgent   = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

	// Namespace is the cache namespace for fetched pages.
	Namespace = "fetch"

	// TruncationMarker ends text cut at MaxChars.
	TruncationMarker = "\n\n[TRUNCATED]"

	maxRedirects = 5
)

// Options configures a Fetcher.
type Options struct {
	// Timeout bounds each URL, connection to last byte.
	Timeout time.Duration
	// MaxChars caps the extracted text; longer text is cut and marked.
	MaxChars int
	// MaxBytes caps how much of a response body is read.
	MaxBytes int64
	UserAgent string
	// AllowPrivate disables the loopback/private address guard.
	AllowPrivate bool
}

func (o *Options) applyDefaults() {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.MaxChars <= 0 {
		o.MaxChars = DefaultMaxChars
	}
	if o.MaxBytes <= 0 {
		o.MaxBytes = DefaultMaxBytes
	}
	if o.UserAgent == "" {
		o.UserAgent = DefaultUserAgent
	}
}

// FetchOutcome is the terminal result for one URL. Exactly one of Content
// and ErrorMessage is meaningful, selected by Succeeded.
type FetchOutcome struct {
	URL          string `json:"url"`
	Succeeded    bool   `json:"success"`
	Content      string `json:"content,omitempty"`
	ErrorMessage string `json:"error,omitempty"`
	Title        string `json:"title,omitempty"`
	ContentType  string `json:"contentType,omitempty"`
	Truncated    bool   `json:"truncated,omitempty"`
}

// Page is the cached form of a successful fetch.
type Page struct {
	URL         string `json:"url"`
	FinalURL    string `json:"finalUrl"`
	Title       string `json:"title,omitempty"`
	SiteName    string `json:"siteName,omitempty"`
	ContentType string `json:"contentType"`
	Text        string `json:"text"`
	Truncated   bool   `json:"truncated,omitempty"`
}

// Fetcher downloads and extracts single URLs.
type Fetcher struct {
	opts   Options
	client *http.Client
	logger *logging.Logger
	get    func(context.Context, string) (Page, error)
}

// New creates a Fetcher. A nil cache disables memoization.
func New(opts Options, c *cache.Cache, logger *logging.Logger) *Fetcher {
	opts.applyDefaults()

	dialer := &net.Dialer{Timeout: opts.Timeout}
	if !opts.AllowPrivate {
		dialer.Control = dialControl
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext
	transport.Proxy = nil

	f := &Fetcher{
		opts:   opts,
		logger: logging.OrDiscard(logger),
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
	}
	f.get = f.download
	if c != nil {
		f.get = cache.Memoize(c, Namespace, f.download)
	}
	return f
}

// Fetch retrieves one URL. Failures are reported in the outcome.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) FetchOutcome {
	if err := ctx.Err(); err != nil {
		return failure(rawURL, err)
	}
	page, err := f.get(ctx, rawURL)
	if err != nil {
		f.logger.Debug("fetch failed", "url", rawURL, "error", err)
		return failure(rawURL, err)
	}
	return FetchOutcome{
		URL:         rawURL,
		Succeeded:   true,
		Content:     page.Text,
		Title:       page.Title,
		ContentType: page.ContentType,
		Truncated:   page.Truncated,
	}
}

func failure(rawURL string, err error) FetchOutcome {
	return FetchOutcome{URL: rawURL, ErrorMessage: err.Error()}
}

// download performs the request under the per-URL timeout and extracts
// the body.
func (f *Fetcher) download(ctx context.Context, rawURL string) (Page, error) {
	u, err := checkURL(rawURL, f.opts.AllowPrivate)
	if err != nil {
		return Page{}, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Page{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,application/pdf,text/plain;q=0.8,*/*;q=0.5")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := f.client.Do(req)
	if err != nil {
		return Page{}, f.classify(ctx, reqCtx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Page{}, fmt.Errorf("http %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.MaxBytes))
	if err != nil {
		return Page{}, f.classify(ctx, reqCtx, err)
	}

	contentType := resp.Header.Get("Content-Type")
	doc, err := extractor.Extract(body, contentType, u.Path)
	if err != nil {
		return Page{}, err
	}

	text, truncated := truncate(doc.Text, f.opts.MaxChars)
	finalURL := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	return Page{
		URL:         rawURL,
		FinalURL:    finalURL,
		Title:       doc.Title,
		SiteName:    doc.SiteName,
		ContentType: normalizeContentType(contentType, doc.Format),
		Text:        text,
		Truncated:   truncated,
	}, nil
}

// classify distinguishes our own per-URL timeout from caller cancellation.
func (f *Fetcher) classify(parent, reqCtx context.Context, err error) error {
	if parent.Err() == nil && errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("timed out after %s", f.opts.Timeout)
	}
	if errors.Is(err, ErrBlockedAddress) {
		return ErrBlockedAddress
	}
	return err
}

// normalizeContentType strips parameters, falling back to the extractor
// format when the server sent no type.
func normalizeContentType(header, format string) string {
	if mt, _, err := mime.ParseMediaType(header); err == nil {
		return mt
	}
	return format
}

// truncate cuts s to at most max runes and appends the marker.
func truncate(s string, max int) (string, bool) {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s, false
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i] + TruncationMarker, true
		}
		n++
	}
	return s, false
}
