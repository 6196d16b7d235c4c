// Package throttle enforces a fixed minimum spacing between requests to the
// same host. There is no burst allowance: every caller reserves the next free
// slot under a lock, so concurrent callers for one host are strictly
// serialized even when they arrive at the same instant.
package throttle

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scholar-harvester/internal/metrics"
)

// Limiter tracks the last reserved request start per host.
type Limiter struct {
	mu     sync.Mutex
	last   map[string]time.Time
	now    func() time.Time
	logger *zap.Logger
}

// New creates an empty Limiter backed by the monotonic wall clock.
func New(logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		last:   make(map[string]time.Time),
		now:    time.Now,
		logger: logger,
	}
}

// Reserve claims the next request slot for host and returns its start time.
// The slot is at least interval after the previously reserved slot; a host
// with no history gets now.
func (l *Limiter) Reserve(host string, interval time.Duration) time.Time {
	host = normalizeHost(host)
	l.mu.Lock()
	defer l.mu.Unlock()
	start := l.now()
	if prev, ok := l.last[host]; ok && interval > 0 {
		if next := prev.Add(interval); next.After(start) {
			start = next
		}
	}
	l.last[host] = start
	return start
}

// Acquire blocks until the caller may issue a request to host. A cancelled
// context returns its error; the reserved slot stays consumed so later
// callers never move earlier than it.
func (l *Limiter) Acquire(ctx context.Context, host string, interval time.Duration) error {
	start := l.Reserve(host, interval)
	delay := time.Until(start)
	if delay <= 0 {
		return nil
	}
	l.logger.Debug("throttling host",
		zap.String("host", normalizeHost(host)),
		zap.Duration("delay", delay),
	)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("throttle wait for %s: %w", host, ctx.Err())
	case <-timer.C:
	}
	if delay > time.Millisecond {
		metrics.ObserveThrottleDelay(host, delay)
	}
	return nil
}

// Reset forgets every host. Intended for tests and operator tooling.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.last = make(map[string]time.Time)
}

// Last returns the most recent reserved start for host.
func (l *Limiter) Last(host string) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.last[normalizeHost(host)]
	return t, ok
}

func normalizeHost(host string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
}
