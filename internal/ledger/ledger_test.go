package ledger

import (
	"sync"
	"testing"
	"time"

	"github.com/j-veylop/quotagate/internal/clock"
	"github.com/j-veylop/quotagate/internal/models"
)

func testProviders() []models.Provider {
	return []models.Provider{
		{Name: "claude", RequestsPerWindow: 50, TokensPerWindow: 100000, WindowLength: time.Minute},
		{Name: "cursor", RequestsPerWindow: 100, WindowLength: time.Minute},
	}
}

func TestRecordAndPercent(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	l := New(testProviders(), clk)

	if _, err := l.Record("claude", models.KindRequests, 25); err != nil {
		t.Fatalf("Record() failed: %v", err)
	}

	pct, err := l.PercentUsed("claude", models.KindRequests)
	if err != nil {
		t.Fatalf("PercentUsed() failed: %v", err)
	}
	if pct != 50 {
		t.Errorf("PercentUsed() = %v, want 50", pct)
	}
}

func TestUnknownCounter(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	l := New(testProviders(), clk)

	if _, err := l.Record("openai", models.KindRequests, 1); err == nil {
		t.Error("recording against an unconfigured provider should fail")
	}
	// cursor has no token budget, so no token counter exists.
	if _, err := l.Get("cursor", models.KindTokens); err == nil {
		t.Error("token counter should not exist for a provider without a token budget")
	}
}

func TestWindowRollover(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFake(start)
	l := New(testProviders(), clk)

	l.Record("claude", models.KindRequests, 40)

	// Still inside the window: count retained.
	clk.Advance(59 * time.Second)
	usage, _ := l.Get("claude", models.KindRequests)
	if usage.Current != 40 {
		t.Errorf("Current = %d before rollover, want 40", usage.Current)
	}

	// Window expires: counter resets and the window advances by exactly one
	// window length from the old end, not from the access time.
	clk.Advance(2 * time.Second)
	usage, _ = l.Get("claude", models.KindRequests)
	if usage.Current != 0 {
		t.Errorf("Current = %d after rollover, want 0", usage.Current)
	}
	if !usage.WindowStart.Equal(start.Add(time.Minute)) {
		t.Errorf("WindowStart = %v, want %v", usage.WindowStart, start.Add(time.Minute))
	}
}

func TestRolloverSkipsWholeWindows(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFake(start)
	l := New(testProviders(), clk)

	// Jump several windows ahead; the origin must stay minute-aligned.
	clk.Advance(3*time.Minute + 30*time.Second)
	usage, _ := l.Get("claude", models.KindRequests)
	if !usage.WindowStart.Equal(start.Add(3 * time.Minute)) {
		t.Errorf("WindowStart = %v, want %v", usage.WindowStart, start.Add(3*time.Minute))
	}
	if !usage.WindowEnd.Equal(start.Add(4 * time.Minute)) {
		t.Errorf("WindowEnd = %v, want %v", usage.WindowEnd, start.Add(4*time.Minute))
	}
}

func TestOverLimitStillRecorded(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	l := New(testProviders(), clk)

	usage, err := l.Record("claude", models.KindRequests, 60)
	if err != nil {
		t.Fatalf("Record() failed: %v", err)
	}
	if usage.Current != 60 {
		t.Errorf("Current = %d, want 60 (ledger reflects reality, not policy)", usage.Current)
	}
	if pct := usage.PercentUsed(); pct != 120 {
		t.Errorf("PercentUsed() = %v, want 120", pct)
	}
}

func TestObserveOverwritesEstimate(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFake(start)
	l := New(testProviders(), clk)

	l.Record("claude", models.KindRequests, 10)

	reset := start.Add(45 * time.Second)
	if err := l.Observe("claude", models.KindRequests, 30, 50, reset); err != nil {
		t.Fatalf("Observe() failed: %v", err)
	}

	usage, _ := l.Get("claude", models.KindRequests)
	if usage.Current != 30 {
		t.Errorf("Current = %d after Observe, want 30", usage.Current)
	}
	if !usage.WindowEnd.Equal(reset) {
		t.Errorf("WindowEnd = %v, want %v", usage.WindowEnd, reset)
	}
}

func TestConcurrentIncrementsAreAdditive(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	l := New(testProviders(), clk)

	const workers = 50
	const perWorker = 20

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				l.Record("claude", models.KindTokens, 1)
			}
		}()
	}
	wg.Wait()

	usage, _ := l.Get("claude", models.KindTokens)
	if usage.Current != workers*perWorker {
		t.Errorf("Current = %d, want %d (lost increments)", usage.Current, workers*perWorker)
	}
}

func TestMaxPercentUsed(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	l := New(testProviders(), clk)

	l.Record("claude", models.KindRequests, 10)  // 20%
	l.Record("claude", models.KindTokens, 90000) // 90%

	if pct := l.MaxPercentUsed("claude"); pct != 90 {
		t.Errorf("MaxPercentUsed() = %v, want 90", pct)
	}
}

func TestOnUpdateCallback(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	l := New(testProviders(), clk)

	var got []models.QuotaUsage
	l.OnUpdate(func(u models.QuotaUsage) { got = append(got, u) })

	l.Record("claude", models.KindRequests, 5)
	l.Observe("claude", models.KindRequests, 7, 0, time.Time{})

	if len(got) != 2 {
		t.Fatalf("OnUpdate fired %d times, want 2", len(got))
	}
	if got[1].Current != 7 {
		t.Errorf("callback usage Current = %d, want 7", got[1].Current)
	}
}

func TestSnapshot(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	l := New(testProviders(), clk)

	snaps := l.Snapshot()
	// claude requests + tokens, cursor requests.
	if len(snaps) != 3 {
		t.Errorf("Snapshot() returned %d entries, want 3", len(snaps))
	}
}
