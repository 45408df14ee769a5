// Package throttle provides fixed-window admission control per provider.
// Counting is keyed by (provider, floor(now/windowLength)) so every caller
// lands in the same bucket regardless of when it first arrived.
package throttle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/j-veylop/quotagate/internal/clock"
	"github.com/j-veylop/quotagate/internal/models"
)

type bucketKey struct {
	provider string
	bucket   int64
}

type bucket struct {
	requests int64
	tokens   int64
}

// Throttler decides whether a call may proceed now, and if not, how long
// the caller must wait for the current window to roll over.
type Throttler struct {
	mu        sync.Mutex
	providers map[string]models.Provider
	buckets   map[bucketKey]*bucket
	clk       clock.Clock
}

// New builds a throttler for the configured providers.
func New(providers []models.Provider, clk clock.Clock) *Throttler {
	byName := make(map[string]models.Provider, len(providers))
	for _, p := range providers {
		byName[p.Name] = p
	}
	return &Throttler{
		providers: byName,
		buckets:   make(map[bucketKey]*bucket),
		clk:       clk,
	}
}

// TryAdmit attempts to admit one call consuming the given token estimate.
// On success the window counters are incremented and wait is zero. On
// refusal wait is the time remaining until the window rolls over.
func (t *Throttler) TryAdmit(provider string, tokens int64) (bool, time.Duration, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.providers[provider]
	if !ok {
		return false, 0, fmt.Errorf("throttle: unknown provider %q", provider)
	}

	now := t.clk.Now()
	window := p.WindowLength
	current := now.UnixNano() / int64(window)

	t.pruneLocked(provider, current)

	key := bucketKey{provider: provider, bucket: current}
	b, ok := t.buckets[key]
	if !ok {
		b = &bucket{}
		t.buckets[key] = b
	}

	windowEnd := time.Unix(0, (current+1)*int64(window))
	if b.requests >= p.RequestsPerWindow {
		return false, windowEnd.Sub(now), nil
	}
	if p.HasTokenBudget() && (b.tokens >= p.TokensPerWindow || b.tokens+tokens > p.TokensPerWindow) {
		return false, windowEnd.Sub(now), nil
	}

	b.requests++
	b.tokens += tokens
	return true, 0, nil
}

// pruneLocked discards counts belonging to expired windows.
func (t *Throttler) pruneLocked(provider string, current int64) {
	for key := range t.buckets {
		if key.provider == provider && key.bucket < current {
			delete(t.buckets, key)
		}
	}
}

// SetTokens folds recorded or observed token consumption into the current
// window, so zero-estimate admission still refuses once the token budget is
// spent. The count only moves up: a higher local estimate is kept.
func (t *Throttler) SetTokens(provider string, tokens int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.providers[provider]
	if !ok || !p.HasTokenBudget() {
		return
	}

	current := t.clk.Now().UnixNano() / int64(p.WindowLength)
	t.pruneLocked(provider, current)

	key := bucketKey{provider: provider, bucket: current}
	b, ok := t.buckets[key]
	if !ok {
		b = &bucket{}
		t.buckets[key] = b
	}
	if tokens > b.tokens {
		b.tokens = tokens
	}
}

// Admit blocks until admission is granted or the context is done. Waiting
// re-checks after each window rollover: another caller may have consumed
// the newly opened window, so this is a loop, not a single wait.
func (t *Throttler) Admit(ctx context.Context, provider string, tokens int64) error {
	for {
		granted, wait, err := t.TryAdmit(provider, tokens)
		if err != nil {
			return err
		}
		if granted {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.clk.After(wait):
		}
	}
}

// Pending returns the request count of the current window, for inspection.
func (t *Throttler) Pending(provider string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.providers[provider]
	if !ok {
		return 0
	}
	current := t.clk.Now().UnixNano() / int64(p.WindowLength)
	if b, ok := t.buckets[bucketKey{provider: provider, bucket: current}]; ok {
		return b.requests
	}
	return 0
}
