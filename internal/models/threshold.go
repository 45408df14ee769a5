package models

import (
	"fmt"
	"time"
)

// ThresholdLevel classifies how close a provider is to exhausting quota.
type ThresholdLevel int

const (
	LevelNormal ThresholdLevel = iota
	LevelWarning
	LevelCritical
	LevelEmergency
	LevelMaximum
)

// String returns the lowercase name of the level.
func (l ThresholdLevel) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	case LevelEmergency:
		return "emergency"
	case LevelMaximum:
		return "maximum"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ThresholdState is the current classification for one provider, plus the
// percentage that produced it.
type ThresholdState struct {
	Provider   string         `json:"provider"`
	Level      ThresholdLevel `json:"level"`
	Percentage float64        `json:"percentage"`
	EnteredAt  time.Time      `json:"enteredAt"`
}

// AlertConfig carries per-provider threshold boundaries (percent, strictly
// increasing) and channel toggles. Read-only to the engine core.
type AlertConfig struct {
	Provider         string         `json:"provider"`
	WarningPercent   float64        `json:"warning"`
	CriticalPercent  float64        `json:"critical"`
	EmergencyPercent float64        `json:"emergency"`
	Channels         AlertChannels  `json:"channels"`
	MinExternalLevel ThresholdLevel `json:"-"`
}

// AlertChannels toggles individual delivery channels.
type AlertChannels struct {
	Dashboard bool `json:"dashboard"`
	Desktop   bool `json:"desktop"`
	Email     bool `json:"email"`
	Webhook   bool `json:"webhook"`
}

// DefaultAlertConfig returns the standard 80/90/95 boundaries with only the
// dashboard channel enabled.
func DefaultAlertConfig(provider string) AlertConfig {
	return AlertConfig{
		Provider:         provider,
		WarningPercent:   80,
		CriticalPercent:  90,
		EmergencyPercent: 95,
		Channels:         AlertChannels{Dashboard: true},
		MinExternalLevel: LevelCritical,
	}
}

// Validate rejects threshold orderings that are not strictly increasing or
// fall outside [0, 100]. Invalid configs are a startup failure, never
// silently clamped.
func (c AlertConfig) Validate() error {
	for _, v := range []float64{c.WarningPercent, c.CriticalPercent, c.EmergencyPercent} {
		if v < 0 || v > 100 {
			return fmt.Errorf("alert config %s: threshold %.1f outside [0,100]", c.Provider, v)
		}
	}
	if c.CriticalPercent <= c.WarningPercent {
		return fmt.Errorf("alert config %s: critical (%.1f) must exceed warning (%.1f)",
			c.Provider, c.CriticalPercent, c.WarningPercent)
	}
	if c.EmergencyPercent <= c.CriticalPercent {
		return fmt.Errorf("alert config %s: emergency (%.1f) must exceed critical (%.1f)",
			c.Provider, c.EmergencyPercent, c.CriticalPercent)
	}
	return nil
}
