// Package ledger tracks quota consumption per (provider, kind) across fixed
// windows. It is the authoritative usage record: deltas that push a counter
// past its limit are still recorded, and reacting to overruns is the
// threshold engine's job.
package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/j-veylop/quotagate/internal/clock"
	"github.com/j-veylop/quotagate/internal/models"
)

// Key identifies one counter.
type Key struct {
	Provider string
	Kind     models.QuotaKind
}

// entry owns one counter. The per-entry mutex serializes read-modify-write
// cycles so concurrent increments never interleave.
type entry struct {
	mu    sync.Mutex
	usage models.QuotaUsage
}

// Ledger holds all counters for the configured providers.
type Ledger struct {
	mu       sync.RWMutex
	entries  map[Key]*entry
	clk      clock.Clock
	onUpdate func(models.QuotaUsage)
}

// New builds a ledger with one requests counter per provider, plus a tokens
// counter for providers carrying a token budget. Windows are fixed-origin:
// the first window starts at now truncated to the window length.
func New(providers []models.Provider, clk clock.Clock) *Ledger {
	l := &Ledger{
		entries: make(map[Key]*entry),
		clk:     clk,
	}

	now := clk.Now()
	for _, p := range providers {
		l.addEntry(p, models.KindRequests, p.RequestsPerWindow, now)
		if p.HasTokenBudget() {
			l.addEntry(p, models.KindTokens, p.TokensPerWindow, now)
		}
	}
	return l
}

func (l *Ledger) addEntry(p models.Provider, kind models.QuotaKind, limit int64, now time.Time) {
	start := now.Truncate(p.WindowLength)
	l.entries[Key{Provider: p.Name, Kind: kind}] = &entry{
		usage: models.QuotaUsage{
			Provider:    p.Name,
			Kind:        kind,
			Limit:       limit,
			WindowStart: start,
			WindowEnd:   start.Add(p.WindowLength),
		},
	}
}

// OnUpdate registers a callback invoked after every recorded or observed
// change, with a copy of the updated usage. Must be set before concurrent use.
func (l *Ledger) OnUpdate(fn func(models.QuotaUsage)) {
	l.onUpdate = fn
}

func (l *Ledger) lookup(provider string, kind models.QuotaKind) (*entry, error) {
	l.mu.RLock()
	e, ok := l.entries[Key{Provider: provider, Kind: kind}]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("ledger: unknown counter %s/%s", provider, kind)
	}
	return e, nil
}

// rollover resets an expired window. Windows advance by whole window lengths
// from their original start, not from the access time, so bursty access
// cannot drift the origin. Must be called with e.mu held.
func rollover(e *entry, now time.Time) {
	window := e.usage.WindowEnd.Sub(e.usage.WindowStart)
	if window <= 0 {
		return
	}
	for !now.Before(e.usage.WindowEnd) {
		e.usage.WindowStart = e.usage.WindowEnd
		e.usage.WindowEnd = e.usage.WindowEnd.Add(window)
		e.usage.Current = 0
	}
}

// Get returns a copy of the current usage for one counter.
func (l *Ledger) Get(provider string, kind models.QuotaKind) (models.QuotaUsage, error) {
	e, err := l.lookup(provider, kind)
	if err != nil {
		return models.QuotaUsage{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	rollover(e, l.clk.Now())
	return e.usage, nil
}

// Record adds a delta to one counter and returns the updated usage. The
// delta is recorded even when it overruns the limit.
func (l *Ledger) Record(provider string, kind models.QuotaKind, delta int64) (models.QuotaUsage, error) {
	e, err := l.lookup(provider, kind)
	if err != nil {
		return models.QuotaUsage{}, err
	}

	e.mu.Lock()
	rollover(e, l.clk.Now())
	e.usage.Current += delta
	usage := e.usage
	e.mu.Unlock()

	if l.onUpdate != nil {
		l.onUpdate(usage)
	}
	return usage, nil
}

// Observe overwrites a counter with authoritative server-reported usage.
// Providers that return usage headers are ground truth; the local estimate
// is discarded. A non-zero reset time realigns the window end.
func (l *Ledger) Observe(provider string, kind models.QuotaKind, used, limit int64, reset time.Time) error {
	e, err := l.lookup(provider, kind)
	if err != nil {
		return err
	}

	e.mu.Lock()
	rollover(e, l.clk.Now())
	e.usage.Current = used
	if limit > 0 {
		e.usage.Limit = limit
	}
	if !reset.IsZero() && reset.After(e.usage.WindowStart) {
		window := e.usage.WindowEnd.Sub(e.usage.WindowStart)
		e.usage.WindowEnd = reset
		e.usage.WindowStart = reset.Add(-window)
	}
	usage := e.usage
	e.mu.Unlock()

	if l.onUpdate != nil {
		l.onUpdate(usage)
	}
	return nil
}

// PercentUsed returns usage as a percentage of the limit for one counter.
func (l *Ledger) PercentUsed(provider string, kind models.QuotaKind) (float64, error) {
	usage, err := l.Get(provider, kind)
	if err != nil {
		return 0, err
	}
	return usage.PercentUsed(), nil
}

// MaxPercentUsed returns the highest usage percentage across a provider's
// counters. This is the signal the threshold engine evaluates.
func (l *Ledger) MaxPercentUsed(provider string) float64 {
	maxPct := 0.0
	for _, kind := range []models.QuotaKind{models.KindRequests, models.KindTokens} {
		if pct, err := l.PercentUsed(provider, kind); err == nil && pct > maxPct {
			maxPct = pct
		}
	}
	return maxPct
}

// Snapshot returns copies of every counter, for persistence.
func (l *Ledger) Snapshot() []models.QuotaUsage {
	l.mu.RLock()
	entries := make([]*entry, 0, len(l.entries))
	for _, e := range l.entries {
		entries = append(entries, e)
	}
	l.mu.RUnlock()

	now := l.clk.Now()
	out := make([]models.QuotaUsage, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		rollover(e, now)
		out = append(out, e.usage)
		e.mu.Unlock()
	}
	return out
}
