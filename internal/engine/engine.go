// Package engine wires the ledger, queue, throttler, detector, threshold
// state machine, auto-pause controller and alert dispatcher into one
// admission engine. The engine never executes provider calls itself: it
// emits RequestDispatchedEvent when a request wins admission, and the host
// reports the outcome back through ReportProviderResponse.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/j-veylop/quotagate/internal/alert"
	"github.com/j-veylop/quotagate/internal/autopause"
	"github.com/j-veylop/quotagate/internal/clock"
	"github.com/j-veylop/quotagate/internal/detect"
	"github.com/j-veylop/quotagate/internal/ledger"
	"github.com/j-veylop/quotagate/internal/logger"
	"github.com/j-veylop/quotagate/internal/models"
	"github.com/j-veylop/quotagate/internal/policy"
	"github.com/j-veylop/quotagate/internal/queue"
	"github.com/j-veylop/quotagate/internal/retry"
	"github.com/j-veylop/quotagate/internal/store"
	"github.com/j-veylop/quotagate/internal/threshold"
	"github.com/j-veylop/quotagate/internal/throttle"
)

// Default intervals, overridable through Options.
const (
	// DefaultDispatchInterval bounds how often a saturated provider's queue
	// is re-scanned when no wake signal arrives.
	DefaultDispatchInterval = 250 * time.Millisecond
	DefaultSnapshotInterval = 30 * time.Second
)

// Options configures optional engine collaborators.
type Options struct {
	Clock            clock.Clock
	Store            *store.Store
	DispatchInterval time.Duration
	SnapshotInterval time.Duration
}

// Engine orchestrates admission control for all configured providers.
type Engine struct {
	mu        sync.Mutex
	providers map[string]models.Provider
	alertCfgs map[string]models.AlertConfig
	inflight  map[string]*models.QueuedRequest
	// openEvents maps a request id to its open rate-limit event, so the
	// incident closes when the retried request finally succeeds or fails.
	openEvents map[string]string
	wakes      map[string]chan struct{}

	ledger     *ledger.Ledger
	queue      *queue.Queue
	throttler  *throttle.Throttler
	detector   *detect.Detector
	thresholds *threshold.Engine
	pauser     *autopause.Controller
	backoff    *retry.Policy
	alerts     *alert.Dispatcher
	db         *store.Store

	clk              clock.Clock
	dispatchInterval time.Duration
	snapshotInterval time.Duration

	events   *broadcaster
	stopChan chan struct{}
	cancel   context.CancelFunc
	group    *errgroup.Group
	wg       sync.WaitGroup
}

// New builds an engine from a validated policy.
func New(pol *policy.Policy, opts Options) (*Engine, error) {
	if len(pol.Providers) == 0 {
		return nil, fmt.Errorf("engine: policy has no providers")
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	dispatchInterval := opts.DispatchInterval
	if dispatchInterval <= 0 {
		dispatchInterval = DefaultDispatchInterval
	}
	snapshotInterval := opts.SnapshotInterval
	if snapshotInterval <= 0 {
		snapshotInterval = DefaultSnapshotInterval
	}

	names := make([]string, 0, len(pol.Providers))
	byName := make(map[string]models.Provider, len(pol.Providers))
	for _, p := range pol.Providers {
		names = append(names, p.Name)
		byName[p.Name] = p
	}

	e := &Engine{
		providers:        byName,
		alertCfgs:        make(map[string]models.AlertConfig),
		inflight:         make(map[string]*models.QueuedRequest),
		openEvents:       make(map[string]string),
		wakes:            make(map[string]chan struct{}),
		clk:              clk,
		dispatchInterval: dispatchInterval,
		snapshotInterval: snapshotInterval,
		db:               opts.Store,
		events:           newBroadcaster(),
		stopChan:         make(chan struct{}),
	}

	e.ledger = ledger.New(pol.Providers, clk)
	e.queue = queue.New(clk)
	e.throttler = throttle.New(pol.Providers, clk)
	e.detector = detect.NewDetector(e.ledger, clk)
	e.thresholds = threshold.New(names, clk)
	e.pauser = autopause.New(pol.AutoPause, clk)
	e.backoff = retry.New(
		time.Duration(pol.Retry.BaseDelayMs)*time.Millisecond,
		time.Duration(pol.Retry.MaxDelayMs)*time.Millisecond,
		pol.Retry.MaxRetries,
	)
	e.alerts = alert.NewDispatcher(clk)

	for _, name := range names {
		e.wakes[name] = make(chan struct{}, 1)
		cfg, ok := pol.Alerts[name]
		if !ok {
			cfg = models.DefaultAlertConfig(name)
		}
		if err := e.applyAlertConfigLocked(cfg); err != nil {
			return nil, err
		}
	}

	e.ledger.OnUpdate(e.handleUsage)
	e.queue.OnTimeout(e.handleTimeout)
	e.pauser.OnPause(e.handlePause)
	e.pauser.OnResume(e.handleResume)
	e.pauser.OnNoCapacity(e.handleNoCapacity)

	return e, nil
}

// Start launches the per-provider dispatch loops and the snapshot loop.
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)
	e.group = g

	for name := range e.providers {
		g.Go(func() error {
			e.dispatchLoop(gctx, name)
			return nil
		})
	}
	g.Go(func() error {
		e.snapshotLoop(gctx)
		return nil
	})
}

// Close stops all loops and closes subscriber channels.
func (e *Engine) Close() error {
	close(e.stopChan)
	if e.cancel != nil {
		e.cancel()
	}
	if e.group != nil {
		_ = e.group.Wait()
	}
	e.wg.Wait()
	e.events.close()
	return nil
}

// Events returns the engine's main event channel.
func (e *Engine) Events() <-chan Event {
	return e.events.eventChan
}

// Subscribe creates an additional channel for receiving engine events.
func (e *Engine) Subscribe() chan Event {
	return e.events.subscribe()
}

// Unsubscribe removes a subscriber channel.
func (e *Engine) Unsubscribe(ch chan Event) {
	e.events.unsubscribe(ch)
}

// AddAlertChannel registers an alert delivery channel that receives alerts
// at or above minLevel.
func (e *Engine) AddAlertChannel(ch alert.Channel, minLevel models.ThresholdLevel) {
	e.alerts.AddChannel(ch, minLevel)
}

// SetAlertCooldown overrides the alert dedupe window.
func (e *Engine) SetAlertCooldown(cd time.Duration) {
	e.alerts.SetCooldown(cd)
}

// EnqueueRequest queues a request for admission and returns its id. An
// empty id is assigned; a zero EnqueuedAt is stamped with the current time.
func (e *Engine) EnqueueRequest(req models.QueuedRequest) (string, error) {
	if _, ok := e.providers[req.Provider]; !ok {
		return "", fmt.Errorf("engine: unknown provider %q", req.Provider)
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = e.clk.Now()
	}

	e.queue.Enqueue(&req)
	e.kick(req.Provider)
	return req.ID, nil
}

// CancelRequest removes a still-queued request. Returns false when the
// request already dispatched or never existed.
func (e *Engine) CancelRequest(id string) bool {
	return e.queue.Cancel(id)
}

// AdjustPriority changes the priority of a queued request.
func (e *Engine) AdjustPriority(id string, priority int) bool {
	return e.queue.AdjustPriority(id, priority)
}

// ReportProviderResponse feeds the outcome of a dispatched call back into
// the engine: usage is recorded, rate limits are detected and retries are
// scheduled.
func (e *Engine) ReportProviderResponse(requestID string, resp detect.Response) error {
	e.mu.Lock()
	req, ok := e.inflight[requestID]
	if ok {
		delete(e.inflight, requestID)
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("engine: no in-flight request %q", requestID)
	}

	cl := e.detector.Classify(req.Provider, resp)

	// Header-observed token usage is authoritative and already folded in by
	// the detector; manually tracked providers rely on the host's count.
	if resp.TokensUsed > 0 && (cl.Usage == nil || !cl.Usage.HasTokenData) {
		if p := e.providers[req.Provider]; p.HasTokenBudget() {
			if _, err := e.ledger.Record(req.Provider, models.KindTokens, resp.TokensUsed); err != nil {
				logger.Error("failed to record token usage", "provider", req.Provider, "error", err)
			}
		}
	}

	// Keep the throttler's window in step with the ledger so admission
	// refuses once the token budget is actually spent, not just estimated.
	if p := e.providers[req.Provider]; p.HasTokenBudget() {
		if u, err := e.ledger.Get(req.Provider, models.KindTokens); err == nil {
			e.throttler.SetTokens(req.Provider, u.Current)
		}
	}

	if cl.Outcome == detect.OutcomeLimited {
		e.handleLimited(req, resp, cl)
	} else {
		e.resolveOpenEvent(req)
		e.events.broadcast(RequestCompletedEvent{Request: *req, Outcome: cl.Outcome})
	}

	e.kick(req.Provider)
	return nil
}

// ManualPause suspends a project on human request. Manual pauses survive
// automatic recovery and only lift through ManualResume.
func (e *Engine) ManualPause(provider, projectID, by string) models.AutoPauseRecord {
	return e.pauser.ManualPause(provider, projectID, by)
}

// ManualResume lifts any pause on a project.
func (e *Engine) ManualResume(provider, projectID string) (models.AutoPauseRecord, bool) {
	rec, ok := e.pauser.ManualResume(provider, projectID)
	if ok {
		e.kick(provider)
	}
	return rec, ok
}

// RegisterConsumer adds or updates a workload in the auto-pause registry.
func (e *Engine) RegisterConsumer(c models.Consumer) {
	e.pauser.RegisterConsumer(c)
}

// UpdateUsageRate refreshes the tokens/hour rate for one consumer.
func (e *Engine) UpdateUsageRate(provider, projectID string, rate float64) {
	e.pauser.UpdateUsageRate(provider, projectID, rate)
}

// ActivePauses returns the active pause records for a provider.
func (e *Engine) ActivePauses(provider string) []models.AutoPauseRecord {
	return e.pauser.ActivePauses(provider)
}

// SetAlertConfig replaces the alert configuration for one provider. The new
// boundaries take effect on the next evaluation.
func (e *Engine) SetAlertConfig(cfg models.AlertConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if _, ok := e.providers[cfg.Provider]; !ok {
		return fmt.Errorf("engine: unknown provider %q", cfg.Provider)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.applyAlertConfigLocked(cfg)
}

func (e *Engine) applyAlertConfigLocked(cfg models.AlertConfig) error {
	if err := e.thresholds.SetBoundaries(cfg.Provider, threshold.Boundaries{
		Warning:   cfg.WarningPercent,
		Critical:  cfg.CriticalPercent,
		Emergency: cfg.EmergencyPercent,
	}); err != nil {
		return err
	}
	e.detector.SetWarningPercent(cfg.Provider, cfg.WarningPercent)
	e.alertCfgs[cfg.Provider] = cfg
	return nil
}

func (e *Engine) alertConfigFor(provider string) models.AlertConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cfg, ok := e.alertCfgs[provider]; ok {
		return cfg
	}
	return models.DefaultAlertConfig(provider)
}

// Usage returns the current usage for one counter.
func (e *Engine) Usage(provider string, kind models.QuotaKind) (models.QuotaUsage, error) {
	return e.ledger.Get(provider, kind)
}

// Snapshot returns the current usage of every counter.
func (e *Engine) Snapshot() []models.QuotaUsage {
	return e.ledger.Snapshot()
}

// ThresholdState returns the current threshold state for a provider.
func (e *Engine) ThresholdState(provider string) (models.ThresholdState, bool) {
	return e.thresholds.State(provider)
}

// QueueSize returns the number of queued requests for a provider.
func (e *Engine) QueueSize(provider string) int {
	return e.queue.Size(provider)
}

// SetClassifier overrides the response classifier for one provider.
func (e *Engine) SetClassifier(provider string, c detect.Classifier) {
	e.detector.SetClassifier(provider, c)
}

// kick wakes the provider's dispatch loop without blocking.
func (e *Engine) kick(provider string) {
	if ch, ok := e.wakes[provider]; ok {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (e *Engine) dispatchLoop(ctx context.Context, provider string) {
	wake := e.wakes[provider]
	for {
		e.dispatchProvider(provider)

		select {
		case <-ctx.Done():
			return
		case <-wake:
		case <-e.clk.After(e.dispatchInterval):
		}
	}
}

// dispatchProvider drains the provider's queue until admission is refused,
// the queue runs dry, or the provider sits at Maximum.
func (e *Engine) dispatchProvider(provider string) {
	for {
		e.evaluateProvider(provider)
		if st, ok := e.thresholds.State(provider); ok && st.Level == models.LevelMaximum {
			return
		}

		req := e.queue.DequeueNext(provider, func(r *models.QueuedRequest) bool {
			return e.pauser.IsPaused(provider, r.ProjectID)
		})
		if req == nil {
			return
		}

		granted, _, err := e.throttler.TryAdmit(provider, req.EstimatedTokens)
		if err != nil {
			e.events.broadcast(ErrorEvent{Scope: "throttle", Error: err})
			return
		}
		if !granted {
			// Re-enqueueing keeps EnqueuedAt, so the request re-competes at
			// its original position once the window rolls over.
			e.queue.Enqueue(req)
			return
		}

		if _, err := e.ledger.Record(provider, models.KindRequests, 1); err != nil {
			e.events.broadcast(ErrorEvent{Scope: "ledger", Error: err})
		}

		e.mu.Lock()
		e.inflight[req.ID] = req
		e.mu.Unlock()

		e.events.broadcast(RequestDispatchedEvent{Request: *req})
	}
}

// handleUsage runs after every ledger change.
func (e *Engine) handleUsage(u models.QuotaUsage) {
	e.events.broadcast(QuotaUpdatedEvent{Usage: u})
	e.evaluateProvider(u.Provider)
}

// evaluateProvider recomputes the threshold level from the ledger and
// reacts to any transition. Also called from the dispatch loop so window
// rollover produces downward transitions even when no responses arrive.
func (e *Engine) evaluateProvider(provider string) {
	pct := e.ledger.MaxPercentUsed(provider)
	tr, changed := e.thresholds.Evaluate(provider, pct)
	if !changed {
		return
	}

	e.events.broadcast(ThresholdChangedEvent{Transition: tr})

	cfg := e.alertConfigFor(provider)
	e.pauser.HandleTransition(tr, cfg.EmergencyPercent)

	switch {
	case tr.To > tr.From && tr.To >= models.LevelWarning:
		e.sendAlert(alert.Alert{
			Provider: tr.Provider,
			Level:    tr.To,
			Title:    fmt.Sprintf("%s quota %s", tr.Provider, tr.To),
			Body:     fmt.Sprintf("usage at %.1f%% (was %s)", tr.Percentage, tr.From),
			Channels: &cfg.Channels,
		})
	case tr.To == models.LevelNormal && tr.From >= models.LevelCritical:
		e.sendAlert(alert.Alert{
			Provider: tr.Provider,
			Level:    models.LevelNormal,
			Title:    fmt.Sprintf("%s quota recovered", tr.Provider),
			Body:     fmt.Sprintf("usage back to %.1f%%", tr.Percentage),
			Channels: &cfg.Channels,
		})
	}
}

// sendAlert delivers asynchronously so channel latency never stalls the
// response path.
func (e *Engine) sendAlert(a alert.Alert) {
	a.ID = uuid.NewString()
	a.At = e.clk.Now()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		delivered := e.alerts.Notify(context.Background(), a)
		if len(delivered) == 0 {
			return
		}
		if e.db != nil {
			if err := e.db.InsertAlert(a.ID, a.Provider, a.Level.String(), a.Title, a.Body, delivered, a.At); err != nil {
				logger.Error("failed to persist alert", "error", err)
			}
		}
		e.events.broadcast(AlertSentEvent{Alert: a, Channels: delivered})
	}()
}

func (e *Engine) handleTimeout(req *models.QueuedRequest) {
	e.events.broadcast(RequestFailedEvent{Request: *req, Reason: queue.ErrQueueTimeout.Error()})
}

func (e *Engine) handlePause(rec models.AutoPauseRecord) {
	if e.db != nil {
		if _, err := e.db.InsertAutoPause(rec); err != nil {
			logger.Error("failed to persist pause", "project", rec.ProjectID, "error", err)
		}
	}
	e.events.broadcast(ConsumerPausedEvent{Record: rec})
}

func (e *Engine) handleResume(rec models.AutoPauseRecord) {
	if e.db != nil {
		if err := e.db.CloseAutoPause(rec.ProjectID, rec.Provider, rec.ResumedAt, rec.OverrideBy); err != nil {
			logger.Error("failed to close pause record", "project", rec.ProjectID, "error", err)
		}
	}
	e.events.broadcast(ConsumerResumedEvent{Record: rec})
	e.kick(rec.Provider)
}

// handleNoCapacity fires when pausing every eligible consumer still cannot
// shed the required usage rate.
func (e *Engine) handleNoCapacity(provider string, deficit float64) {
	cfg := e.alertConfigFor(provider)
	e.sendAlert(alert.Alert{
		Provider: provider,
		Level:    models.LevelEmergency,
		Title:    fmt.Sprintf("%s auto-pause exhausted", provider),
		Body:     fmt.Sprintf("pausable consumers cannot shed %.0f tokens/hour", deficit),
		Channels: &cfg.Channels,
	})
}

// handleLimited records the rate-limit incident and schedules the retry.
// One incident spans all retries of a request: repeated 429s reuse the open
// event instead of opening new ones.
func (e *Engine) handleLimited(req *models.QueuedRequest, resp detect.Response, cl detect.Classification) {
	attempt := req.Attempt + 1
	now := e.clk.Now()

	e.mu.Lock()
	evID, existing := e.openEvents[req.ID]
	e.mu.Unlock()

	ev := models.RateLimitEvent{
		ID:         evID,
		RequestID:  req.ID,
		Provider:   req.Provider,
		DetectedAt: now,
		HTTPStatus: resp.StatusCode,
		RetryAfter: cl.RetryAfter,
		Attempt:    attempt,
	}
	if !existing {
		ev.ID = uuid.NewString()
		e.mu.Lock()
		e.openEvents[req.ID] = ev.ID
		e.mu.Unlock()
		if e.db != nil {
			if err := e.db.InsertRateLimitEvent(ev); err != nil {
				logger.Error("failed to persist rate limit event", "provider", req.Provider, "error", err)
			}
		}
	}
	e.events.broadcast(RateLimitDetectedEvent{Event: ev})

	if e.backoff.Exhausted(attempt) {
		e.mu.Lock()
		delete(e.openEvents, req.ID)
		e.mu.Unlock()
		if e.db != nil {
			if err := e.db.FailRateLimitEvent(ev.ID, now); err != nil {
				logger.Error("failed to mark rate limit event failed", "error", err)
			}
		}
		e.events.broadcast(RequestFailedEvent{Request: *req, Reason: retry.ErrRetriesExhausted.Error()})
		return
	}

	delay := e.backoff.NextDelay(attempt, cl.RetryAfter)
	retryReq := *req
	retryReq.Attempt = attempt

	timer := e.clk.After(delay)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		select {
		case <-e.stopChan:
		case <-timer:
			e.queue.Enqueue(&retryReq)
			e.kick(retryReq.Provider)
		}
	}()
}

func (e *Engine) resolveOpenEvent(req *models.QueuedRequest) {
	e.mu.Lock()
	evID, ok := e.openEvents[req.ID]
	if ok {
		delete(e.openEvents, req.ID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	now := e.clk.Now()
	if e.db != nil {
		if err := e.db.ResolveRateLimitEvent(evID, now); err != nil {
			logger.Error("failed to resolve rate limit event", "error", err)
		}
	}
	e.events.broadcast(RateLimitResolvedEvent{Event: models.RateLimitEvent{
		ID:         evID,
		RequestID:  req.ID,
		Provider:   req.Provider,
		Attempt:    req.Attempt,
		ResolvedAt: now,
	}})
}

func (e *Engine) snapshotLoop(ctx context.Context) {
	if e.db == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.clk.After(e.snapshotInterval):
			now := e.clk.Now()
			for _, u := range e.ledger.Snapshot() {
				if err := e.db.InsertQuotaSnapshot(u, now); err != nil {
					logger.Error("failed to persist quota snapshot", "error", err)
				}
			}
		}
	}
}
