package compliance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/scholar-harvester/internal/harvest"
	"github.com/JakeFAU/scholar-harvester/internal/metrics"
)

const (
	defaultRobotsTimeout = 10 * time.Second
	maxRobotsBytes       = 1 << 20
)

// Config configures a Gate.
type Config struct {
	UserAgent string
	Blocklist []string
	Timeout   time.Duration
}

// Gate evaluates URLs against the blocklist and cached robots decisions.
type Gate struct {
	blocklist *Blocklist
	store     harvest.DecisionStore
	client    *http.Client
	clock     harvest.Clock
	userAgent string
	timeout   time.Duration
	logger    *zap.Logger
	inflight  singleflight.Group
}

// Option customizes a Gate.
type Option func(*Gate)

// WithHTTPClient overrides the client used for robots fetches.
func WithHTTPClient(client *http.Client) Option {
	return func(g *Gate) {
		if client != nil {
			g.client = client
		}
	}
}

// WithClock overrides the clock used to stamp decisions.
func WithClock(clock harvest.Clock) Option {
	return func(g *Gate) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// WithLogger sets the gate logger.
func WithLogger(logger *zap.Logger) Option {
	return func(g *Gate) {
		if logger != nil {
			g.logger = logger
		}
	}
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }

// NewGate builds a Gate. A nil store gets a fresh MemoryStore.
func NewGate(cfg Config, store harvest.DecisionStore, opts ...Option) *Gate {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRobotsTimeout
	}
	if store == nil {
		store = NewMemoryStore()
	}
	g := &Gate{
		blocklist: NewBlocklist(cfg.Blocklist),
		store:     store,
		client:    &http.Client{Timeout: timeout},
		clock:     utcClock{},
		userAgent: cfg.UserAgent,
		timeout:   timeout,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.client.Timeout <= 0 {
		g.client.Timeout = timeout
	}
	return g
}

// Evaluate returns the robots decision for rawURL. A blocklisted host fails
// with harvest.ErrPolicyViolation before any cache lookup or network access.
// Robots fetch failures produce a deny decision, not an error. A cancelled
// ctx returns its error without disturbing a fetch other callers share.
func (g *Gate) Evaluate(ctx context.Context, rawURL string) (harvest.RobotsDecision, error) {
	target, err := g.check(rawURL)
	if err != nil {
		return harvest.RobotsDecision{}, err
	}
	robotsURL := RobotsURL(target)

	cached, ok, err := g.store.GetDecision(ctx, robotsURL)
	if err != nil {
		return harvest.RobotsDecision{}, fmt.Errorf("load robots decision: %w", err)
	}
	if ok {
		metrics.ObserveRobotsDecision(target.Host, cached.Allowed, true)
		return cached, nil
	}

	// The shared fetch outlives any single caller; each caller stops waiting
	// on its own cancellation.
	shared := context.WithoutCancel(ctx)
	ch := g.inflight.DoChan(robotsURL, func() (any, error) {
		// A concurrent caller may have stored the decision while we waited.
		if existing, found, gerr := g.store.GetDecision(shared, robotsURL); gerr == nil && found {
			return existing, nil
		}
		fetchCtx, cancel := context.WithTimeout(shared, g.timeout)
		defer cancel()
		decision := g.decide(fetchCtx, target, robotsURL)
		if perr := g.store.PutDecision(shared, decision); perr != nil {
			return harvest.RobotsDecision{}, fmt.Errorf("store robots decision: %w", perr)
		}
		metrics.ObserveRobotsDecision(target.Host, decision.Allowed, false)
		g.logger.Info("robots decision cached",
			zap.String("robots_url", robotsURL),
			zap.Bool("allowed", decision.Allowed),
			zap.String("reason", decision.Reason),
		)
		return decision, nil
	})

	select {
	case <-ctx.Done():
		return harvest.RobotsDecision{}, fmt.Errorf("robots evaluation interrupted: %w", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return harvest.RobotsDecision{}, res.Err
		}
		decision, _ := res.Val.(harvest.RobotsDecision)
		return decision, nil
	}
}

// Lookup returns the cached decision for rawURL's host without fetching.
func (g *Gate) Lookup(ctx context.Context, rawURL string) (harvest.RobotsDecision, bool, error) {
	target, err := parseTarget(rawURL)
	if err != nil {
		return harvest.RobotsDecision{}, false, err
	}
	d, ok, err := g.store.GetDecision(ctx, RobotsURL(target))
	if err != nil {
		return harvest.RobotsDecision{}, false, fmt.Errorf("load robots decision: %w", err)
	}
	return d, ok, nil
}

// Invalidate drops the cached decision for rawURL's host.
func (g *Gate) Invalidate(ctx context.Context, rawURL string) error {
	target, err := parseTarget(rawURL)
	if err != nil {
		return err
	}
	if err := g.store.DeleteDecision(ctx, RobotsURL(target)); err != nil {
		return fmt.Errorf("delete robots decision: %w", err)
	}
	g.logger.Info("robots decision invalidated", zap.String("robots_url", RobotsURL(target)))
	return nil
}

// Refresh invalidates and re-evaluates rawURL.
func (g *Gate) Refresh(ctx context.Context, rawURL string) (harvest.RobotsDecision, error) {
	if _, err := g.check(rawURL); err != nil {
		return harvest.RobotsDecision{}, err
	}
	if err := g.Invalidate(ctx, rawURL); err != nil {
		return harvest.RobotsDecision{}, err
	}
	return g.Evaluate(ctx, rawURL)
}

// Blocked reports whether rawURL's host is blocklisted.
func (g *Gate) Blocked(rawURL string) bool {
	target, err := parseTarget(rawURL)
	if err != nil {
		return false
	}
	return g.blocklist.IsBlocked(target.Hostname())
}

func (g *Gate) check(rawURL string) (*url.URL, error) {
	target, err := parseTarget(rawURL)
	if err != nil {
		return nil, err
	}
	if g.blocklist.IsBlocked(target.Hostname()) {
		metrics.ObservePolicyViolation(target.Host)
		g.logger.Warn("blocklisted host refused", zap.String("host", target.Hostname()))
		return nil, harvest.Wrap(harvest.ErrPolicyViolation, "host %s is blocklisted", target.Hostname())
	}
	return target, nil
}

// decide fetches and interprets robots rules. ctx is never tied to a caller,
// so every fetch failure, its deadline included, is a deny.
func (g *Gate) decide(ctx context.Context, target *url.URL, robotsURL string) harvest.RobotsDecision {
	decision := harvest.RobotsDecision{URL: robotsURL, DecidedAt: g.clock.Now()}
	body, status, err := g.fetch(ctx, robotsURL)
	switch {
	case err != nil:
		decision.Reason = fmt.Sprintf("robots fetch failed: %v", err)
		return decision
	case status < 200 || status > 299:
		decision.Reason = fmt.Sprintf("robots fetch returned HTTP %d", status)
		return decision
	}
	data, err := robotstxt.FromBytes(body)
	if err != nil {
		decision.Reason = fmt.Sprintf("robots parse failed: %v", err)
		return decision
	}
	path := target.EscapedPath()
	if path == "" {
		path = "/"
	}
	if group := data.FindGroup(g.userAgent); group != nil && !group.Test(path) {
		decision.Reason = fmt.Sprintf("disallowed by robots.txt for %s", path)
		return decision
	}
	decision.Allowed = true
	decision.Reason = "allowed by robots.txt"
	return decision
}

func (g *Gate) fetch(ctx context.Context, robotsURL string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("new robots request: %w", err)
	}
	if g.userAgent != "" {
		req.Header.Set("User-Agent", g.userAgent)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			g.logger.Debug("failed to close robots response body", zap.Error(cerr))
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read robots body: %w", err)
	}
	return body, resp.StatusCode, nil
}

// RobotsURL returns scheme://host/robots.txt for target.
func RobotsURL(target *url.URL) string {
	u := url.URL{Scheme: strings.ToLower(target.Scheme), Host: strings.ToLower(target.Host), Path: "/robots.txt"}
	return u.String()
}

var errNotAbsolute = errors.New("url must be absolute http(s)")

func parseTarget(rawURL string) (*url.URL, error) {
	target, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, harvest.WrapCause(harvest.ErrPolicyViolation, err, "parse url")
	}
	scheme := strings.ToLower(target.Scheme)
	if (scheme != "http" && scheme != "https") || target.Hostname() == "" {
		return nil, harvest.WrapCause(harvest.ErrPolicyViolation, errNotAbsolute, rawURL)
	}
	return target, nil
}
