// Package collyfetcher retrieves publisher documents for adapters using gocolly.
// Compliance is decided before an adapter runs, so the collector never
// consults robots.txt itself.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gocolly/colly/v2"
)

// ErrMIMENotAllowed is returned when a response's media type is outside the
// source's allow list.
var ErrMIMENotAllowed = errors.New("mime type not allowed")

// ErrHostBlocked is returned when a fetch or one of its redirects targets a
// blocklisted host. Nothing is sent to that host.
var ErrHostBlocked = errors.New("host is blocklisted")

const maxRedirects = 10

// Config controls collector behavior. Blocked, when set, reports hosts that
// must never be contacted.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	Blocked   func(host string) bool
}

// Table is an HTML table flattened to text cells.
type Table struct {
	Caption string
	Header  []string
	Rows    [][]string
}

// Document is one fetched publisher response.
type Document struct {
	URL         string
	StatusCode  int
	ContentType string
	Body        []byte
	Tables      []Table
	Duration    time.Duration
}

// Fetcher issues single GETs through a shared Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnHTML(string, colly.HTMLCallback)
	OnError(colly.ErrorCallback)
}

// Option customizes a Fetcher.
type Option func(*colly.Collector)

// WithTransport replaces the collector transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *colly.Collector) {
		if rt != nil {
			c.WithTransport(rt)
		}
	}
}

// New builds a Fetcher.
func New(cfg Config, opts ...Option) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
	)
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)
	// Clones share the base backend, so the redirect policy covers every fetch.
	c.SetRedirectHandler(redirectPolicy(cfg.Blocked))
	for _, opt := range opts {
		opt(c)
	}
	return &Fetcher{cfg: cfg, baseCollector: c}
}

func redirectPolicy(blocked func(string) bool) func(*http.Request, []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if blocked != nil && blocked(req.URL.Hostname()) {
			return fmt.Errorf("%w: redirect to %s", ErrHostBlocked, req.URL.Hostname())
		}
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		return nil
	}
}

// Fetch GETs rawURL and checks the response media type against allowed.
// An empty allow list accepts any type.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, allowed []string) (Document, error) {
	var (
		doc      Document
		fetchErr error
	)
	target, err := url.Parse(rawURL)
	if err != nil {
		return Document{}, fmt.Errorf("parse fetch url: %w", err)
	}
	if f.cfg.Blocked != nil && f.cfg.Blocked(target.Hostname()) {
		return Document{}, fmt.Errorf("%w: %s", ErrHostBlocked, target.Hostname())
	}

	start := time.Now()
	collector := f.baseCollector.Clone()
	colly.StdlibContext(ctx)(collector)
	f.configureCollectorHooks(collector, start, &doc, &fetchErr)

	if err := f.runCollector(ctx, collector, rawURL, &fetchErr); err != nil {
		return Document{}, err
	}
	if doc.StatusCode == 0 {
		return Document{}, fmt.Errorf("colly fetch %s: no response", rawURL)
	}
	if !MIMEAllowed(doc.ContentType, allowed) {
		return Document{}, fmt.Errorf("%w: %s returned %s", ErrMIMENotAllowed, rawURL, doc.ContentType)
	}
	return doc, nil
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	start time.Time,
	doc *Document,
	fetchErr *error,
) {
	hooks.OnResponse(func(r *colly.Response) {
		contentType := ""
		if r.Headers != nil {
			contentType = r.Headers.Get("Content-Type")
		}
		*doc = Document{
			URL:         r.Request.URL.String(),
			StatusCode:  r.StatusCode,
			ContentType: mediaType(contentType, r.Body),
			Body:        append([]byte(nil), r.Body...),
			Duration:    time.Since(start),
		}
	})

	hooks.OnHTML("table", func(e *colly.HTMLElement) {
		table := Table{Caption: strings.TrimSpace(e.ChildText("caption"))}
		e.ForEach("tr", func(_ int, row *colly.HTMLElement) {
			if header := row.ChildTexts("th"); len(header) > 0 && len(table.Header) == 0 {
				table.Header = trimAll(header)
				return
			}
			if cells := row.ChildTexts("td"); len(cells) > 0 {
				table.Rows = append(table.Rows, trimAll(cells))
			}
		})
		doc.Tables = append(doc.Tables, table)
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			*fetchErr = fmt.Errorf("status %d: %w", r.StatusCode, err)
			return
		}
		*fetchErr = err
	})
}

// runCollector visits target. The collector carries ctx, so cancellation
// also aborts the in-flight request.
func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, target string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

// MIMEAllowed reports whether contentType matches one of allowed. Entries may
// be exact ("application/json") or wildcards ("text/*").
func MIMEAllowed(contentType string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	media := strings.ToLower(contentType)
	if parsed, _, err := mime.ParseMediaType(contentType); err == nil {
		media = parsed
	}
	for _, candidate := range allowed {
		candidate = strings.ToLower(strings.TrimSpace(candidate))
		switch {
		case candidate == media:
			return true
		case strings.HasSuffix(candidate, "/*") && strings.HasPrefix(media, strings.TrimSuffix(candidate, "*")):
			return true
		}
	}
	return false
}

// mediaType prefers the declared header and sniffs the body when the header
// is missing or generic.
func mediaType(header string, body []byte) string {
	if parsed, _, err := mime.ParseMediaType(header); err == nil && parsed != "application/octet-stream" {
		return parsed
	}
	detected := mimetype.Detect(body).String()
	if parsed, _, err := mime.ParseMediaType(detected); err == nil {
		return parsed
	}
	return detected
}

func trimAll(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = strings.Join(strings.Fields(v), " ")
	}
	return out
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
