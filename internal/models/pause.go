package models

import "time"

// Consumer is an active workload drawing quota from a provider. Priority
// follows the queue convention: higher value means more urgent, and the
// auto-pause controller pauses low values first.
type Consumer struct {
	ProjectID string  `json:"projectId"`
	Provider  string  `json:"provider"`
	Priority  int     `json:"priority"`
	UsageRate float64 `json:"usageRate"` // tokens per hour
	CanPause  bool    `json:"canPause"`
}

// Pause triggers recorded on AutoPauseRecord.
const (
	PauseTriggerEmergency = "emergency"
	PauseTriggerMaximum   = "maximum"
	PauseTriggerManual    = "manual"
)

// AutoPauseRecord documents one pause of a consumer. Closed by setting
// ResumedAt when usage recovers or a human override resumes the project.
type AutoPauseRecord struct {
	ProjectID        string    `json:"projectId"`
	Provider         string    `json:"provider"`
	Trigger          string    `json:"trigger"`
	ThresholdPercent float64   `json:"thresholdPercent"`
	PriorityAtPause  int       `json:"priorityAtPause"`
	PausedAt         time.Time `json:"pausedAt"`
	ResumedAt        time.Time `json:"resumedAt,omitzero"`
	OverrideBy       string    `json:"overrideBy,omitempty"`
}

// Active reports whether the pause is still in effect.
func (r *AutoPauseRecord) Active() bool {
	return r.ResumedAt.IsZero()
}

// AutoPausePolicy configures the auto-pause controller.
type AutoPausePolicy struct {
	Enabled            bool  `json:"enabled"`
	AutoResume         bool  `json:"autoResume"`
	PausablePriorities []int `json:"pausablePriorities,omitempty"`
}

// Pausable reports whether a consumer at the given priority may be paused
// automatically. An empty list means every priority is pausable.
func (p AutoPausePolicy) Pausable(priority int) bool {
	if len(p.PausablePriorities) == 0 {
		return true
	}
	for _, v := range p.PausablePriorities {
		if v == priority {
			return true
		}
	}
	return false
}
