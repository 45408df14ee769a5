// Package threshold tracks per-provider quota pressure as a five-level
// state machine driven by ledger percentages. The level is a pure function
// of the current percentage: transitions fire both upward and downward over
// the same boundaries.
package threshold

import (
	"fmt"
	"sync"
	"time"

	"github.com/j-veylop/quotagate/internal/clock"
	"github.com/j-veylop/quotagate/internal/models"
)

// Boundaries are the upward trigger percentages for one provider. Maximum
// is always 100.
type Boundaries struct {
	Warning   float64
	Critical  float64
	Emergency float64
}

// DefaultBoundaries returns the standard 80/90/95 configuration.
func DefaultBoundaries() Boundaries {
	return Boundaries{Warning: 80, Critical: 90, Emergency: 95}
}

// Validate rejects boundaries that are not strictly increasing in [0,100].
func (b Boundaries) Validate() error {
	if b.Warning < 0 || b.Emergency > 100 {
		return fmt.Errorf("threshold boundaries outside [0,100]: %+v", b)
	}
	if b.Critical <= b.Warning || b.Emergency <= b.Critical {
		return fmt.Errorf("threshold boundaries must be strictly increasing: %+v", b)
	}
	return nil
}

// Level returns the level a percentage maps to.
func (b Boundaries) Level(pct float64) models.ThresholdLevel {
	switch {
	case pct >= 100:
		return models.LevelMaximum
	case pct >= b.Emergency:
		return models.LevelEmergency
	case pct >= b.Critical:
		return models.LevelCritical
	case pct >= b.Warning:
		return models.LevelWarning
	default:
		return models.LevelNormal
	}
}

// Transition describes one level change.
type Transition struct {
	Provider   string
	From       models.ThresholdLevel
	To         models.ThresholdLevel
	Percentage float64
	At         time.Time
}

// Engine owns the threshold state for every configured provider.
type Engine struct {
	mu         sync.Mutex
	states     map[string]*models.ThresholdState
	boundaries map[string]Boundaries
	clk        clock.Clock
}

// New builds an engine with default boundaries for each provider.
func New(providers []string, clk clock.Clock) *Engine {
	e := &Engine{
		states:     make(map[string]*models.ThresholdState),
		boundaries: make(map[string]Boundaries),
		clk:        clk,
	}
	now := clk.Now()
	for _, p := range providers {
		e.states[p] = &models.ThresholdState{Provider: p, Level: models.LevelNormal, EnteredAt: now}
		e.boundaries[p] = DefaultBoundaries()
	}
	return e
}

// SetBoundaries replaces the boundaries for one provider.
func (e *Engine) SetBoundaries(provider string, b Boundaries) error {
	if err := b.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.states[provider]; !ok {
		return fmt.Errorf("threshold: unknown provider %q", provider)
	}
	e.boundaries[provider] = b
	return nil
}

// BoundariesFor returns the configured boundaries for a provider.
func (e *Engine) BoundariesFor(provider string) Boundaries {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.boundaries[provider]; ok {
		return b
	}
	return DefaultBoundaries()
}

// Evaluate recomputes the level from the given percentage. It returns the
// transition and true when the level changed. Re-evaluating at a percentage
// mapping to the current level only refreshes the recorded percentage and
// emits nothing.
func (e *Engine) Evaluate(provider string, pct float64) (Transition, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.states[provider]
	if !ok {
		return Transition{}, false
	}

	level := e.boundaries[provider].Level(pct)
	st.Percentage = pct
	if level == st.Level {
		return Transition{}, false
	}

	tr := Transition{
		Provider:   provider,
		From:       st.Level,
		To:         level,
		Percentage: pct,
		At:         e.clk.Now(),
	}
	st.Level = level
	st.EnteredAt = tr.At
	return tr, true
}

// State returns a copy of the current state for a provider.
func (e *Engine) State(provider string) (models.ThresholdState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.states[provider]; ok {
		return *st, true
	}
	return models.ThresholdState{}, false
}
