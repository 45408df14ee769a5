package clock

import (
	"testing"
	"time"
)

func TestFakeAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)

	if !f.Now().Equal(start) {
		t.Fatalf("Now() = %v, want %v", f.Now(), start)
	}

	ch := f.After(time.Minute)
	select {
	case <-ch:
		t.Fatal("timer fired before Advance")
	default:
	}

	f.Advance(30 * time.Second)
	select {
	case <-ch:
		t.Fatal("timer fired halfway through the wait")
	default:
	}

	f.Advance(30 * time.Second)
	select {
	case fired := <-ch:
		if !fired.Equal(start.Add(time.Minute)) {
			t.Errorf("timer fired at %v, want %v", fired, start.Add(time.Minute))
		}
	default:
		t.Fatal("timer did not fire after full Advance")
	}
}

func TestFakeAfterNonPositive(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	select {
	case <-f.After(0):
	default:
		t.Fatal("After(0) should fire immediately")
	}
}

func TestRealClock(t *testing.T) {
	c := Real()
	before := time.Now()
	now := c.Now()
	if now.Before(before.Add(-time.Second)) {
		t.Errorf("Real clock is far in the past: %v", now)
	}
}
