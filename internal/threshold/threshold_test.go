package threshold

import (
	"testing"
	"time"

	"github.com/j-veylop/quotagate/internal/clock"
	"github.com/j-veylop/quotagate/internal/models"
)

func newEngine(t *testing.T) (*Engine, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	return New([]string{"claude"}, clk), clk
}

func TestLevelBoundaries(t *testing.T) {
	b := DefaultBoundaries()

	tests := []struct {
		pct  float64
		want models.ThresholdLevel
	}{
		{0, models.LevelNormal},
		{79.9, models.LevelNormal},
		{80, models.LevelWarning},
		{89.9, models.LevelWarning},
		{90, models.LevelCritical},
		{95, models.LevelEmergency},
		{99.9, models.LevelEmergency},
		{100, models.LevelMaximum},
		{130, models.LevelMaximum},
	}

	for _, tt := range tests {
		if got := b.Level(tt.pct); got != tt.want {
			t.Errorf("Level(%v) = %v, want %v", tt.pct, got, tt.want)
		}
	}
}

func TestUpwardTransitions(t *testing.T) {
	e, _ := newEngine(t)

	steps := []struct {
		pct  float64
		from models.ThresholdLevel
		to   models.ThresholdLevel
	}{
		{82, models.LevelNormal, models.LevelWarning},
		{91, models.LevelWarning, models.LevelCritical},
		{96, models.LevelCritical, models.LevelEmergency},
		{100, models.LevelEmergency, models.LevelMaximum},
	}

	for _, s := range steps {
		tr, changed := e.Evaluate("claude", s.pct)
		if !changed {
			t.Fatalf("Evaluate(%v) emitted nothing", s.pct)
		}
		if tr.From != s.from || tr.To != s.to {
			t.Errorf("Evaluate(%v) = %v->%v, want %v->%v", s.pct, tr.From, tr.To, s.from, s.to)
		}
	}
}

func TestDownwardTransitionsSymmetric(t *testing.T) {
	e, _ := newEngine(t)

	e.Evaluate("claude", 96) // Normal -> Emergency (skipping levels is fine)

	tr, changed := e.Evaluate("claude", 85)
	if !changed || tr.To != models.LevelWarning {
		t.Fatalf("Evaluate(85) = %v/%v, want transition to warning", tr.To, changed)
	}

	tr, changed = e.Evaluate("claude", 10)
	if !changed || tr.To != models.LevelNormal {
		t.Fatalf("Evaluate(10) = %v/%v, want transition to normal", tr.To, changed)
	}
}

func TestIdempotentReEvaluation(t *testing.T) {
	e, _ := newEngine(t)

	if _, changed := e.Evaluate("claude", 92); !changed {
		t.Fatal("first crossing should emit")
	}
	if _, changed := e.Evaluate("claude", 92); changed {
		t.Error("re-evaluating at the same percentage must not re-emit")
	}
	if _, changed := e.Evaluate("claude", 93); changed {
		t.Error("same level at a different percentage must not re-emit")
	}

	st, _ := e.State("claude")
	if st.Percentage != 93 {
		t.Errorf("State percentage = %v, want refreshed 93", st.Percentage)
	}
}

func TestSetBoundaries(t *testing.T) {
	e, _ := newEngine(t)

	if err := e.SetBoundaries("claude", Boundaries{Warning: 50, Critical: 60, Emergency: 70}); err != nil {
		t.Fatalf("SetBoundaries() failed: %v", err)
	}
	if tr, changed := e.Evaluate("claude", 55); !changed || tr.To != models.LevelWarning {
		t.Error("custom boundaries not applied")
	}

	if err := e.SetBoundaries("claude", Boundaries{Warning: 90, Critical: 80, Emergency: 95}); err == nil {
		t.Error("non-increasing boundaries should be rejected")
	}
	if err := e.SetBoundaries("openai", DefaultBoundaries()); err == nil {
		t.Error("unknown provider should be rejected")
	}
}

func TestEnteredAtTracksTransitions(t *testing.T) {
	e, clk := newEngine(t)

	e.Evaluate("claude", 85)
	first, _ := e.State("claude")

	clk.Advance(time.Minute)
	e.Evaluate("claude", 86) // same level
	st, _ := e.State("claude")
	if !st.EnteredAt.Equal(first.EnteredAt) {
		t.Error("EnteredAt must not move without a transition")
	}

	clk.Advance(time.Minute)
	e.Evaluate("claude", 91)
	st, _ = e.State("claude")
	if !st.EnteredAt.After(first.EnteredAt) {
		t.Error("EnteredAt should advance on transition")
	}
}
