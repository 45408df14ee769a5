// Package autopause suspends low-priority consumers when a provider enters
// Emergency, and halts everything at Maximum. Consumers are ranked lowest
// priority first, heaviest usage first within a tier, so the single pause
// with the largest impact is taken before many small ones.
package autopause

import (
	"sort"
	"sync"

	"github.com/j-veylop/quotagate/internal/clock"
	"github.com/j-veylop/quotagate/internal/models"
	"github.com/j-veylop/quotagate/internal/threshold"
)

type pauseKey struct {
	provider  string
	projectID string
}

// Controller owns the consumer registry and active pause records.
type Controller struct {
	mu        sync.Mutex
	policy    models.AutoPausePolicy
	consumers map[pauseKey]*models.Consumer
	paused    map[pauseKey]*models.AutoPauseRecord
	clk       clock.Clock

	onPause  func(models.AutoPauseRecord)
	onResume func(models.AutoPauseRecord)
	// onNoCapacity fires when the remaining pausable consumers cannot meet
	// the savings target. A standing alert, not a failure.
	onNoCapacity func(provider string, deficit float64)
}

// New builds a controller with the given policy.
func New(policy models.AutoPausePolicy, clk clock.Clock) *Controller {
	return &Controller{
		policy:    policy,
		consumers: make(map[pauseKey]*models.Consumer),
		paused:    make(map[pauseKey]*models.AutoPauseRecord),
		clk:       clk,
	}
}

// OnPause registers a callback for every pause taken.
func (c *Controller) OnPause(fn func(models.AutoPauseRecord)) { c.onPause = fn }

// OnResume registers a callback for every resume.
func (c *Controller) OnResume(fn func(models.AutoPauseRecord)) { c.onResume = fn }

// OnNoCapacity registers the standing-alert callback.
func (c *Controller) OnNoCapacity(fn func(string, float64)) { c.onNoCapacity = fn }

// RegisterConsumer adds or updates a consumer of a provider.
func (c *Controller) RegisterConsumer(consumer models.Consumer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := pauseKey{provider: consumer.Provider, projectID: consumer.ProjectID}
	c.consumers[key] = &consumer
}

// UpdateUsageRate refreshes the tokens/hour rate for one consumer.
func (c *Controller) UpdateUsageRate(provider, projectID string, rate float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if consumer, ok := c.consumers[pauseKey{provider: provider, projectID: projectID}]; ok {
		consumer.UsageRate = rate
	}
}

// IsPaused reports whether a project is currently paused for a provider.
func (c *Controller) IsPaused(provider, projectID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.paused[pauseKey{provider: provider, projectID: projectID}]
	return ok
}

// HandleTransition reacts to a threshold transition. Entering Emergency
// pauses consumers until enough usage rate is shed; entering Maximum pauses
// every consumer of the provider; recovering to Warning or below resumes
// controller-paused consumers when the policy allows.
func (c *Controller) HandleTransition(tr threshold.Transition, emergencyPercent float64) {
	if !c.policy.Enabled {
		return
	}
	switch {
	case tr.To == models.LevelMaximum:
		c.PauseAll(tr.Provider, tr.Percentage)
	case tr.To == models.LevelEmergency && tr.To > tr.From:
		target := c.requiredSavings(tr.Provider, tr.Percentage, emergencyPercent)
		c.PauseToSave(tr.Provider, models.PauseTriggerEmergency, tr.Percentage, target)
	case tr.To <= models.LevelWarning:
		if c.policy.AutoResume {
			c.ResumeAuto(tr.Provider)
		}
	}
}

// requiredSavings derives the usage rate that must be shed for the provider
// to fall back under the emergency boundary, proportional to the overshoot.
func (c *Controller) requiredSavings(provider string, pct, emergencyPercent float64) float64 {
	if pct <= emergencyPercent || pct <= 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	total := 0.0
	for key, consumer := range c.consumers {
		if key.provider != provider {
			continue
		}
		if _, isPaused := c.paused[key]; isPaused {
			continue
		}
		total += consumer.UsageRate
	}
	return total * (pct - emergencyPercent) / pct
}

// PauseToSave pauses consumers one at a time, lowest priority and heaviest
// first, until the accumulated usage rate meets the target or no pausable
// consumers remain. Returns the records created.
func (c *Controller) PauseToSave(provider, trigger string, thresholdPercent, target float64) []models.AutoPauseRecord {
	c.mu.Lock()

	candidates := c.rankedCandidatesLocked(provider)
	saved := 0.0
	var records []models.AutoPauseRecord
	for _, consumer := range candidates {
		if saved >= target {
			break
		}
		rec := c.pauseLocked(consumer, trigger, thresholdPercent)
		records = append(records, rec)
		saved += consumer.UsageRate
	}
	deficit := target - saved
	c.mu.Unlock()

	for _, rec := range records {
		if c.onPause != nil {
			c.onPause(rec)
		}
	}
	if deficit > 0 && c.onNoCapacity != nil {
		c.onNoCapacity(provider, deficit)
	}
	return records
}

// PauseAll is the hard stop at Maximum: every consumer of the provider is
// paused regardless of priority or pausability.
func (c *Controller) PauseAll(provider string, thresholdPercent float64) []models.AutoPauseRecord {
	c.mu.Lock()
	var records []models.AutoPauseRecord
	for key, consumer := range c.consumers {
		if key.provider != provider {
			continue
		}
		if _, isPaused := c.paused[key]; isPaused {
			continue
		}
		records = append(records, c.pauseLocked(consumer, models.PauseTriggerMaximum, thresholdPercent))
	}
	c.mu.Unlock()

	for _, rec := range records {
		if c.onPause != nil {
			c.onPause(rec)
		}
	}
	return records
}

// rankedCandidatesLocked returns unpaused, pausable consumers of the
// provider ordered by (priority asc, usage rate desc).
func (c *Controller) rankedCandidatesLocked(provider string) []*models.Consumer {
	var out []*models.Consumer
	for key, consumer := range c.consumers {
		if key.provider != provider {
			continue
		}
		if _, isPaused := c.paused[key]; isPaused {
			continue
		}
		if !consumer.CanPause || !c.policy.Pausable(consumer.Priority) {
			continue
		}
		out = append(out, consumer)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		if out[i].UsageRate != out[j].UsageRate {
			return out[i].UsageRate > out[j].UsageRate
		}
		return out[i].ProjectID < out[j].ProjectID
	})
	return out
}

func (c *Controller) pauseLocked(consumer *models.Consumer, trigger string, thresholdPercent float64) models.AutoPauseRecord {
	rec := models.AutoPauseRecord{
		ProjectID:        consumer.ProjectID,
		Provider:         consumer.Provider,
		Trigger:          trigger,
		ThresholdPercent: thresholdPercent,
		PriorityAtPause:  consumer.Priority,
		PausedAt:         c.clk.Now(),
	}
	key := pauseKey{provider: consumer.Provider, projectID: consumer.ProjectID}
	c.paused[key] = &rec
	return rec
}

// ManualPause pauses a project on human request. Manual pauses are never
// auto-resumed.
func (c *Controller) ManualPause(provider, projectID, by string) models.AutoPauseRecord {
	c.mu.Lock()
	rec := models.AutoPauseRecord{
		ProjectID:  projectID,
		Provider:   provider,
		Trigger:    models.PauseTriggerManual,
		PausedAt:   c.clk.Now(),
		OverrideBy: by,
	}
	if consumer, ok := c.consumers[pauseKey{provider: provider, projectID: projectID}]; ok {
		rec.PriorityAtPause = consumer.Priority
	}
	c.paused[pauseKey{provider: provider, projectID: projectID}] = &rec
	c.mu.Unlock()

	if c.onPause != nil {
		c.onPause(rec)
	}
	return rec
}

// ManualResume lifts any pause on a project, manual or automatic.
func (c *Controller) ManualResume(provider, projectID string) (models.AutoPauseRecord, bool) {
	c.mu.Lock()
	key := pauseKey{provider: provider, projectID: projectID}
	rec, ok := c.paused[key]
	if !ok {
		c.mu.Unlock()
		return models.AutoPauseRecord{}, false
	}
	rec.ResumedAt = c.clk.Now()
	closed := *rec
	delete(c.paused, key)
	c.mu.Unlock()

	if c.onResume != nil {
		c.onResume(closed)
	}
	return closed, true
}

// ResumeAuto resumes every consumer this controller paused for the
// provider. Manual pauses stay in place.
func (c *Controller) ResumeAuto(provider string) []models.AutoPauseRecord {
	c.mu.Lock()
	now := c.clk.Now()
	var resumed []models.AutoPauseRecord
	for key, rec := range c.paused {
		if key.provider != provider || rec.Trigger == models.PauseTriggerManual {
			continue
		}
		rec.ResumedAt = now
		resumed = append(resumed, *rec)
		delete(c.paused, key)
	}
	c.mu.Unlock()

	for _, rec := range resumed {
		if c.onResume != nil {
			c.onResume(rec)
		}
	}
	return resumed
}

// ActivePauses returns copies of the active records for a provider.
func (c *Controller) ActivePauses(provider string) []models.AutoPauseRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []models.AutoPauseRecord
	for key, rec := range c.paused {
		if key.provider == provider {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID < out[j].ProjectID })
	return out
}

// UnpausedRate sums the usage rates of the provider's unpaused consumers.
func (c *Controller) UnpausedRate(provider string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := 0.0
	for key, consumer := range c.consumers {
		if key.provider != provider {
			continue
		}
		if _, isPaused := c.paused[key]; isPaused {
			continue
		}
		total += consumer.UsageRate
	}
	return total
}
