package engine

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/j-veylop/quotagate/internal/alert"
	"github.com/j-veylop/quotagate/internal/clock"
	"github.com/j-veylop/quotagate/internal/detect"
	"github.com/j-veylop/quotagate/internal/models"
	"github.com/j-veylop/quotagate/internal/policy"
)

func testEngine(t *testing.T, requestLimit int64, retrySpec policy.RetrySpec) (*Engine, *clock.Fake) {
	t.Helper()

	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	pol := &policy.Policy{
		Providers: []models.Provider{
			{Name: "claude", RequestsPerWindow: requestLimit, WindowLength: time.Minute},
		},
		Retry: retrySpec,
		AutoPause: models.AutoPausePolicy{
			Enabled:    true,
			AutoResume: true,
		},
	}

	e, err := New(pol, Options{Clock: clk})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e, clk
}

func testTokenEngine(t *testing.T, requestLimit, tokenLimit int64) (*Engine, *clock.Fake) {
	t.Helper()

	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	pol := &policy.Policy{
		Providers: []models.Provider{
			{Name: "claude", RequestsPerWindow: requestLimit, TokensPerWindow: tokenLimit, WindowLength: time.Minute},
		},
		AutoPause: models.AutoPausePolicy{
			Enabled:    true,
			AutoResume: true,
		},
	}

	e, err := New(pol, Options{Clock: clk})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e, clk
}

// drain empties the main event channel.
func drain(e *Engine) []Event {
	var out []Event
	for {
		select {
		case ev := <-e.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func dispatchedIDs(events []Event) []string {
	var ids []string
	for _, ev := range events {
		if d, ok := ev.(RequestDispatchedEvent); ok {
			ids = append(ids, d.Request.ID)
		}
	}
	return ids
}

// waitFor polls until the condition holds, for work done on goroutines
// kicked off by the fake clock.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestDispatchRespectsWindowLimit(t *testing.T) {
	e, clk := testEngine(t, 2, policy.RetrySpec{})

	for i := 0; i < 3; i++ {
		if _, err := e.EnqueueRequest(models.QueuedRequest{Provider: "claude", Priority: 5}); err != nil {
			t.Fatalf("EnqueueRequest() failed: %v", err)
		}
	}

	e.dispatchProvider("claude")
	if got := len(dispatchedIDs(drain(e))); got != 2 {
		t.Fatalf("dispatched %d requests, want 2", got)
	}
	if size := e.QueueSize("claude"); size != 1 {
		t.Fatalf("QueueSize() = %d, want 1", size)
	}

	// Same window: the third request stays queued.
	e.dispatchProvider("claude")
	if got := len(dispatchedIDs(drain(e))); got != 0 {
		t.Fatalf("dispatched %d requests inside an exhausted window, want 0", got)
	}

	clk.Advance(time.Minute)
	e.dispatchProvider("claude")
	if got := len(dispatchedIDs(drain(e))); got != 1 {
		t.Fatalf("dispatched %d requests after rollover, want 1", got)
	}
}

func TestDispatchOrdersByPriorityThenArrival(t *testing.T) {
	e, clk := testEngine(t, 10, policy.RetrySpec{})

	lowID, _ := e.EnqueueRequest(models.QueuedRequest{Provider: "claude", Priority: 1})
	clk.Advance(time.Second)
	highID, _ := e.EnqueueRequest(models.QueuedRequest{Provider: "claude", Priority: 9})
	clk.Advance(time.Second)
	midID, _ := e.EnqueueRequest(models.QueuedRequest{Provider: "claude", Priority: 5})

	e.dispatchProvider("claude")

	ids := dispatchedIDs(drain(e))
	want := []string{highID, midID, lowID}
	if len(ids) != 3 {
		t.Fatalf("dispatched %d requests, want 3", len(ids))
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("dispatch[%d] = %s, want %s", i, ids[i], want[i])
		}
	}
}

func TestRateLimitRetryFlow(t *testing.T) {
	e, clk := testEngine(t, 10, policy.RetrySpec{MaxRetries: 5})

	id, _ := e.EnqueueRequest(models.QueuedRequest{Provider: "claude", Priority: 5})
	e.dispatchProvider("claude")
	drain(e)

	header := http.Header{}
	header.Set("Retry-After", "5")
	err := e.ReportProviderResponse(id, detect.Response{StatusCode: 429, Header: header})
	if err != nil {
		t.Fatalf("ReportProviderResponse() failed: %v", err)
	}

	var detected *RateLimitDetectedEvent
	for _, ev := range drain(e) {
		if d, ok := ev.(RateLimitDetectedEvent); ok {
			detected = &d
		}
	}
	if detected == nil {
		t.Fatal("no RateLimitDetectedEvent after a 429")
	}
	if detected.Event.RetryAfter != 5*time.Second {
		t.Errorf("RetryAfter = %v, want 5s", detected.Event.RetryAfter)
	}
	if detected.Event.Attempt != 1 {
		t.Errorf("Attempt = %d, want 1", detected.Event.Attempt)
	}

	// The retry is not queued until the server-provided delay elapses.
	if size := e.QueueSize("claude"); size != 0 {
		t.Fatalf("QueueSize() = %d before the retry delay, want 0", size)
	}
	clk.Advance(5 * time.Second)
	waitFor(t, func() bool { return e.QueueSize("claude") == 1 })

	e.dispatchProvider("claude")
	var retried *RequestDispatchedEvent
	for _, ev := range drain(e) {
		if d, ok := ev.(RequestDispatchedEvent); ok {
			retried = &d
		}
	}
	if retried == nil {
		t.Fatal("retry was not dispatched")
	}
	if retried.Request.Attempt != 1 {
		t.Errorf("retry Attempt = %d, want 1", retried.Request.Attempt)
	}

	// Success on retry resolves the open incident.
	if err := e.ReportProviderResponse(id, detect.Response{StatusCode: 200}); err != nil {
		t.Fatalf("ReportProviderResponse() failed: %v", err)
	}
	var resolved, completed bool
	for _, ev := range drain(e) {
		switch ev.(type) {
		case RateLimitResolvedEvent:
			resolved = true
		case RequestCompletedEvent:
			completed = true
		}
	}
	if !resolved {
		t.Error("no RateLimitResolvedEvent after successful retry")
	}
	if !completed {
		t.Error("no RequestCompletedEvent after successful retry")
	}
}

func TestRetriesExhausted(t *testing.T) {
	e, clk := testEngine(t, 10, policy.RetrySpec{MaxRetries: 1})

	id, _ := e.EnqueueRequest(models.QueuedRequest{Provider: "claude", Priority: 5})
	e.dispatchProvider("claude")
	drain(e)

	header := http.Header{}
	header.Set("Retry-After", "2")

	if err := e.ReportProviderResponse(id, detect.Response{StatusCode: 429, Header: header}); err != nil {
		t.Fatal(err)
	}
	drain(e)
	clk.Advance(2 * time.Second)
	waitFor(t, func() bool { return e.QueueSize("claude") == 1 })
	e.dispatchProvider("claude")
	drain(e)

	// Second limit hit exceeds the budget of one retry.
	if err := e.ReportProviderResponse(id, detect.Response{StatusCode: 429, Header: header}); err != nil {
		t.Fatal(err)
	}

	var failed *RequestFailedEvent
	for _, ev := range drain(e) {
		if f, ok := ev.(RequestFailedEvent); ok {
			failed = &f
		}
	}
	if failed == nil {
		t.Fatal("no RequestFailedEvent after exhausting retries")
	}
	if failed.Reason != "retry attempts exhausted" {
		t.Errorf("Reason = %q", failed.Reason)
	}
	if size := e.QueueSize("claude"); size != 0 {
		t.Errorf("exhausted request still queued")
	}
}

type fakeAlertChannel struct {
	mu   sync.Mutex
	sent []alert.Alert
}

func (f *fakeAlertChannel) Name() string { return "fake" }

func (f *fakeAlertChannel) Send(_ context.Context, a alert.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, a)
	return nil
}

func (f *fakeAlertChannel) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeAlertChannel) last() alert.Alert {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

func TestEmergencyPausesLowestPriorityConsumer(t *testing.T) {
	e, _ := testEngine(t, 100, policy.RetrySpec{})

	ch := &fakeAlertChannel{}
	e.AddAlertChannel(ch, models.LevelWarning)

	e.RegisterConsumer(models.Consumer{ProjectID: "a", Provider: "claude", Priority: 1, UsageRate: 50, CanPause: true})
	e.RegisterConsumer(models.Consumer{ProjectID: "b", Provider: "claude", Priority: 2, UsageRate: 30, CanPause: true})
	e.RegisterConsumer(models.Consumer{ProjectID: "c", Provider: "claude", Priority: 3, UsageRate: 20, CanPause: true})

	// Jump straight into Emergency.
	if _, err := e.ledger.Record("claude", models.KindRequests, 96); err != nil {
		t.Fatal(err)
	}

	pauses := e.ActivePauses("claude")
	if len(pauses) != 1 {
		t.Fatalf("got %d active pauses, want 1", len(pauses))
	}
	if pauses[0].ProjectID != "a" {
		t.Errorf("paused %s, want the lowest-priority project a", pauses[0].ProjectID)
	}
	if pauses[0].Trigger != models.PauseTriggerEmergency {
		t.Errorf("Trigger = %s", pauses[0].Trigger)
	}

	waitFor(t, func() bool { return ch.count() >= 1 })
	if got := ch.last().Level; got != models.LevelEmergency {
		t.Errorf("alert level = %s, want emergency", got)
	}

	var sawTransition bool
	for _, ev := range drain(e) {
		if tr, ok := ev.(ThresholdChangedEvent); ok && tr.Transition.To == models.LevelEmergency {
			sawTransition = true
		}
	}
	if !sawTransition {
		t.Error("no ThresholdChangedEvent for the emergency transition")
	}
}

func TestMaximumHaltsDispatchAndRecovers(t *testing.T) {
	e, clk := testEngine(t, 100, policy.RetrySpec{})

	e.RegisterConsumer(models.Consumer{ProjectID: "a", Provider: "claude", Priority: 1, UsageRate: 10, CanPause: true})

	if _, err := e.ledger.Record("claude", models.KindRequests, 100); err != nil {
		t.Fatal(err)
	}
	if st, _ := e.ThresholdState("claude"); st.Level != models.LevelMaximum {
		t.Fatalf("level = %s, want maximum", st.Level)
	}
	if len(e.ActivePauses("claude")) != 1 {
		t.Fatal("maximum should pause every consumer")
	}

	id, _ := e.EnqueueRequest(models.QueuedRequest{Provider: "claude", Priority: 5})
	e.dispatchProvider("claude")
	if got := len(dispatchedIDs(drain(e))); got != 0 {
		t.Fatalf("dispatched %d requests at maximum, want 0", got)
	}

	// Window rollover recovers the provider and auto-resumes consumers.
	clk.Advance(time.Minute)
	e.dispatchProvider("claude")

	if st, _ := e.ThresholdState("claude"); st.Level != models.LevelNormal {
		t.Errorf("level after rollover = %s, want normal", st.Level)
	}
	if len(e.ActivePauses("claude")) != 0 {
		t.Error("consumers should auto-resume after recovery")
	}
	ids := dispatchedIDs(drain(e))
	if len(ids) != 1 || ids[0] != id {
		t.Errorf("queued request should dispatch after recovery, got %v", ids)
	}
}

func TestManualPauseGatesProjectRequests(t *testing.T) {
	e, _ := testEngine(t, 10, policy.RetrySpec{})

	e.ManualPause("claude", "proj-x", "operator")
	drain(e)

	xID, _ := e.EnqueueRequest(models.QueuedRequest{Provider: "claude", ProjectID: "proj-x", Priority: 9})
	yID, _ := e.EnqueueRequest(models.QueuedRequest{Provider: "claude", ProjectID: "proj-y", Priority: 1})

	e.dispatchProvider("claude")
	ids := dispatchedIDs(drain(e))
	if len(ids) != 1 || ids[0] != yID {
		t.Fatalf("dispatched %v, want only %s", ids, yID)
	}
	if size := e.QueueSize("claude"); size != 1 {
		t.Fatalf("QueueSize() = %d, want the paused project's request queued", size)
	}

	if _, ok := e.ManualResume("claude", "proj-x"); !ok {
		t.Fatal("ManualResume() found no pause")
	}
	e.dispatchProvider("claude")
	ids = dispatchedIDs(drain(e))
	if len(ids) != 1 || ids[0] != xID {
		t.Errorf("dispatched %v after resume, want %s", ids, xID)
	}
}

func TestQueuedRequestTimesOut(t *testing.T) {
	e, clk := testEngine(t, 10, policy.RetrySpec{})

	start := clk.Now()
	id, _ := e.EnqueueRequest(models.QueuedRequest{
		Provider:  "claude",
		Priority:  5,
		TimeoutAt: start.Add(10 * time.Second),
	})

	clk.Advance(11 * time.Second)
	e.dispatchProvider("claude")

	var failed *RequestFailedEvent
	for _, ev := range drain(e) {
		if f, ok := ev.(RequestFailedEvent); ok {
			failed = &f
		}
	}
	if failed == nil {
		t.Fatal("no RequestFailedEvent for the expired request")
	}
	if failed.Request.ID != id || failed.Reason != "queue timeout" {
		t.Errorf("failed = %+v", failed)
	}
}

func TestCancelAndAdjustPriority(t *testing.T) {
	e, _ := testEngine(t, 10, policy.RetrySpec{})

	aID, _ := e.EnqueueRequest(models.QueuedRequest{Provider: "claude", Priority: 5})
	bID, _ := e.EnqueueRequest(models.QueuedRequest{Provider: "claude", Priority: 9})

	if !e.CancelRequest(bID) {
		t.Fatal("CancelRequest() failed for a queued request")
	}
	if e.CancelRequest(bID) {
		t.Error("CancelRequest() succeeded twice for the same id")
	}

	cID, _ := e.EnqueueRequest(models.QueuedRequest{Provider: "claude", Priority: 1})
	if !e.AdjustPriority(cID, 8) {
		t.Fatal("AdjustPriority() failed for a queued request")
	}

	e.dispatchProvider("claude")
	ids := dispatchedIDs(drain(e))
	want := []string{cID, aID}
	if len(ids) != 2 || ids[0] != want[0] || ids[1] != want[1] {
		t.Errorf("dispatch order %v, want %v", ids, want)
	}
}

func TestTokenEstimateGatesDispatch(t *testing.T) {
	e, clk := testTokenEngine(t, 10, 1000)

	aID, _ := e.EnqueueRequest(models.QueuedRequest{Provider: "claude", Priority: 9, EstimatedTokens: 600})
	bID, _ := e.EnqueueRequest(models.QueuedRequest{Provider: "claude", Priority: 5, EstimatedTokens: 600})

	// Request slots remain, but the second estimate would blow the token
	// window.
	e.dispatchProvider("claude")
	ids := dispatchedIDs(drain(e))
	if len(ids) != 1 || ids[0] != aID {
		t.Fatalf("dispatched %v, want only %s", ids, aID)
	}
	if size := e.QueueSize("claude"); size != 1 {
		t.Fatalf("QueueSize() = %d, want 1", size)
	}

	clk.Advance(time.Minute)
	e.dispatchProvider("claude")
	ids = dispatchedIDs(drain(e))
	if len(ids) != 1 || ids[0] != bID {
		t.Errorf("dispatched %v after rollover, want %s", ids, bID)
	}
}

func TestReportedTokenUsageCountsAgainstAdmission(t *testing.T) {
	e, clk := testTokenEngine(t, 10, 1000)

	aID, _ := e.EnqueueRequest(models.QueuedRequest{Provider: "claude", Priority: 5})
	e.dispatchProvider("claude")
	drain(e)

	if err := e.ReportProviderResponse(aID, detect.Response{StatusCode: 200, TokensUsed: 600}); err != nil {
		t.Fatal(err)
	}
	drain(e)

	// The actual usage leaves only 400 tokens in the window.
	bID, _ := e.EnqueueRequest(models.QueuedRequest{Provider: "claude", Priority: 5, EstimatedTokens: 500})
	e.dispatchProvider("claude")
	if got := len(dispatchedIDs(drain(e))); got != 0 {
		t.Fatalf("dispatched %d requests past the token budget, want 0", got)
	}

	clk.Advance(time.Minute)
	e.dispatchProvider("claude")
	ids := dispatchedIDs(drain(e))
	if len(ids) != 1 || ids[0] != bID {
		t.Errorf("dispatched %v after rollover, want %s", ids, bID)
	}
}

func TestHeaderUsageDrivesThresholds(t *testing.T) {
	e, _ := testEngine(t, 100, policy.RetrySpec{})

	id, _ := e.EnqueueRequest(models.QueuedRequest{Provider: "claude", Priority: 5})
	e.dispatchProvider("claude")
	drain(e)

	// Server-reported usage overrides the local estimate of one request.
	header := http.Header{}
	header.Set("Anthropic-Ratelimit-Requests-Remaining", "8")
	header.Set("Anthropic-Ratelimit-Requests-Limit", "100")
	if err := e.ReportProviderResponse(id, detect.Response{StatusCode: 200, Header: header}); err != nil {
		t.Fatal(err)
	}

	u, err := e.Usage("claude", models.KindRequests)
	if err != nil {
		t.Fatal(err)
	}
	if u.Current != 92 {
		t.Errorf("Current = %d, want 92 from headers", u.Current)
	}
	if st, _ := e.ThresholdState("claude"); st.Level != models.LevelCritical {
		t.Errorf("level = %s, want critical at 92%%", st.Level)
	}

	var completed *RequestCompletedEvent
	for _, ev := range drain(e) {
		if c, ok := ev.(RequestCompletedEvent); ok {
			completed = &c
		}
	}
	if completed == nil {
		t.Fatal("no RequestCompletedEvent")
	}
	if completed.Outcome != detect.OutcomeApproaching {
		t.Errorf("Outcome = %s, want approaching above the warning boundary", completed.Outcome)
	}
}

func TestSetAlertConfigRejectsInvalid(t *testing.T) {
	e, _ := testEngine(t, 10, policy.RetrySpec{})

	bad := models.AlertConfig{Provider: "claude", WarningPercent: 90, CriticalPercent: 85, EmergencyPercent: 95}
	if err := e.SetAlertConfig(bad); err == nil {
		t.Error("SetAlertConfig() accepted a non-increasing ordering")
	}

	unknown := models.DefaultAlertConfig("nope")
	if err := e.SetAlertConfig(unknown); err == nil {
		t.Error("SetAlertConfig() accepted an unknown provider")
	}

	good := models.AlertConfig{Provider: "claude", WarningPercent: 70, CriticalPercent: 85, EmergencyPercent: 93, Channels: models.AlertChannels{Dashboard: true}}
	if err := e.SetAlertConfig(good); err != nil {
		t.Errorf("SetAlertConfig() rejected a valid config: %v", err)
	}
}
