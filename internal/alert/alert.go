// Package alert fans threshold and pause notifications out to configured
// channels. Channels are attempted independently: one failing delivery
// never blocks or fails the others.
package alert

import (
	"context"
	"sync"
	"time"

	"github.com/j-veylop/quotagate/internal/clock"
	"github.com/j-veylop/quotagate/internal/logger"
	"github.com/j-veylop/quotagate/internal/models"
)

// DefaultCooldown suppresses duplicate (provider, level) alerts during
// rapid threshold oscillation.
const DefaultCooldown = 60 * time.Second

// Alert is one notification to deliver.
type Alert struct {
	ID       string
	Provider string
	Level    models.ThresholdLevel
	Title    string
	Body     string
	At       time.Time
	// Channels restricts delivery to the provider's enabled channels.
	// Nil means every registered channel is eligible.
	Channels *models.AlertChannels
}

func (a Alert) channelEnabled(name string) bool {
	if a.Channels == nil {
		return true
	}
	switch name {
	case "dashboard":
		return a.Channels.Dashboard
	case "desktop":
		return a.Channels.Desktop
	case "email":
		return a.Channels.Email
	case "webhook":
		return a.Channels.Webhook
	default:
		return true
	}
}

// Channel delivers alerts to one destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, a Alert) error
}

type channelEntry struct {
	ch Channel
	// minLevel gates noisy channels: email and webhook default to
	// critical-and-above so warnings stay dashboard-only.
	minLevel models.ThresholdLevel
}

type dedupeKey struct {
	provider string
	level    models.ThresholdLevel
}

// Dispatcher routes alerts to channels with per-(provider, level) dedupe.
type Dispatcher struct {
	mu       sync.Mutex
	channels []channelEntry
	lastSent map[dedupeKey]time.Time
	cooldown time.Duration
	clk      clock.Clock
}

// NewDispatcher creates a dispatcher with the default cooldown.
func NewDispatcher(clk clock.Clock) *Dispatcher {
	return &Dispatcher{
		lastSent: make(map[dedupeKey]time.Time),
		cooldown: DefaultCooldown,
		clk:      clk,
	}
}

// SetCooldown overrides the dedupe window.
func (d *Dispatcher) SetCooldown(cd time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cooldown = cd
}

// AddChannel registers a channel that receives alerts at or above minLevel.
func (d *Dispatcher) AddChannel(ch Channel, minLevel models.ThresholdLevel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channels = append(d.channels, channelEntry{ch: ch, minLevel: minLevel})
}

// Notify delivers the alert to every eligible channel and returns the names
// of the channels that accepted it. A duplicate (provider, level) inside
// the cooldown window is dropped entirely.
func (d *Dispatcher) Notify(ctx context.Context, a Alert) []string {
	d.mu.Lock()
	key := dedupeKey{provider: a.Provider, level: a.Level}
	now := d.clk.Now()
	if last, ok := d.lastSent[key]; ok && now.Sub(last) < d.cooldown {
		d.mu.Unlock()
		return nil
	}
	d.lastSent[key] = now
	channels := make([]channelEntry, len(d.channels))
	copy(channels, d.channels)
	d.mu.Unlock()

	var delivered []string
	for _, entry := range channels {
		if a.Level < entry.minLevel {
			continue
		}
		if !a.channelEnabled(entry.ch.Name()) {
			continue
		}
		if err := entry.ch.Send(ctx, a); err != nil {
			logger.Warn("alert delivery failed", "channel", entry.ch.Name(), "provider", a.Provider, "error", err)
			continue
		}
		delivered = append(delivered, entry.ch.Name())
	}
	return delivered
}
