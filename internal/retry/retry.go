// Package retry computes backoff delays for rate-limited provider calls.
package retry

import (
	"errors"
	"math/rand"
	"sync"
	"time"
)

// ErrRetriesExhausted is returned once a request has used up its retry
// budget. The caller sees it as a terminal failure.
var ErrRetriesExhausted = errors.New("retry attempts exhausted")

// Defaults per engine policy.
const (
	DefaultBaseDelay  = time.Second
	DefaultMaxDelay   = 32 * time.Second
	DefaultMaxRetries = 5

	// jitterRange bounds the random component added to computed delays.
	jitterRange = time.Second
)

// Policy computes exponential-backoff-with-jitter delays, honoring
// server-provided retry hints when present.
type Policy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int

	mu     sync.Mutex
	rng    *rand.Rand
	jitter func() time.Duration
}

// New creates a retry policy. Zero values fall back to defaults.
func New(base, maxDelay time.Duration, maxRetries int) *Policy {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	p := &Policy{
		BaseDelay:  base,
		MaxDelay:   maxDelay,
		MaxRetries: maxRetries,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	p.jitter = p.randomJitter
	return p
}

// Default returns a policy with the standard 1s base, 32s cap and 5 retries.
func Default() *Policy {
	return New(DefaultBaseDelay, DefaultMaxDelay, DefaultMaxRetries)
}

func (p *Policy) randomJitter() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Duration(p.rng.Int63n(int64(jitterRange)))
}

// NextDelay returns how long to wait before the given attempt (starting at
// 1). A server Retry-After hint takes precedence over computed backoff and
// is honored exactly, without jitter.
func (p *Policy) NextDelay(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return retryAfter
	}
	if attempt < 1 {
		attempt = 1
	}

	delay := p.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	return delay + p.jitter()
}

// Exhausted reports whether the attempt counter has passed the retry budget.
func (p *Policy) Exhausted(attempt int) bool {
	return attempt > p.MaxRetries
}
