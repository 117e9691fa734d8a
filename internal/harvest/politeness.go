package harvest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// domainLimiter enforces the polite inter-request delay per domain. Each
// domain gets its own token bucket, so waiting on one slow host never stalls
// workers visiting another.
type domainLimiter struct {
	qps      float64
	limiters sync.Map
}

func newDomainLimiter(qps float64) *domainLimiter {
	return &domainLimiter{qps: qps}
}

// Wait blocks the calling worker until the domain's budget allows a request.
func (l *domainLimiter) Wait(ctx context.Context, domain string) error {
	if l == nil || l.qps <= 0 {
		return nil
	}
	key := strings.ToLower(domain)
	val, _ := l.limiters.LoadOrStore(key, rate.NewLimiter(rate.Limit(l.qps), 1))
	limiter, ok := val.(*rate.Limiter)
	if !ok {
		return fmt.Errorf("unexpected limiter type %T", val)
	}
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait domain budget: %w", err)
	}
	return nil
}

// forbiddenBlocker blocks a domain after repeated 403 responses so the pool
// stops hammering a host that has shut the crawler out.
type forbiddenBlocker struct {
	mu        sync.Mutex
	threshold int
	counts    map[string]int
	blocked   map[string]struct{}
}

func newForbiddenBlocker(threshold int) *forbiddenBlocker {
	if threshold <= 0 {
		threshold = 3
	}
	return &forbiddenBlocker{
		threshold: threshold,
		counts:    make(map[string]int),
		blocked:   make(map[string]struct{}),
	}
}

func (b *forbiddenBlocker) IsBlocked(domain string) bool {
	if b == nil || domain == "" {
		return false
	}
	key := strings.ToLower(domain)
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.blocked[key]
	return ok
}

// MarkForbidden counts a 403 for domain and reports whether it is now blocked.
func (b *forbiddenBlocker) MarkForbidden(domain string) bool {
	if b == nil || domain == "" {
		return false
	}
	key := strings.ToLower(domain)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, done := b.blocked[key]; done {
		return true
	}
	b.counts[key]++
	if b.counts[key] >= b.threshold {
		b.blocked[key] = struct{}{}
		return true
	}
	return false
}
