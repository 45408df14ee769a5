// Package policy loads and validates the engine policy file: provider
// limits, alert thresholds, retry budgets and the auto-pause policy.
package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/j-veylop/quotagate/internal/models"
)

// ProviderSpec is the wire shape of one provider entry.
type ProviderSpec struct {
	Name              string `json:"name"`
	RequestsPerWindow int64  `json:"requestsPerWindow"`
	TokensPerWindow   int64  `json:"tokensPerWindow,omitempty"`
	WindowMs          int64  `json:"windowMs"`
}

// AlertSpec is the wire shape of per-provider alert configuration.
type AlertSpec struct {
	Warning   float64              `json:"warning"`
	Critical  float64              `json:"critical"`
	Emergency float64              `json:"emergency"`
	Channels  models.AlertChannels `json:"channels"`
}

// RetrySpec configures the backoff policy.
type RetrySpec struct {
	BaseDelayMs int64 `json:"baseDelayMs"`
	MaxDelayMs  int64 `json:"maxDelayMs"`
	MaxRetries  int   `json:"maxRetries"`
}

// File is the on-disk policy document.
type File struct {
	Version   int                    `json:"version,omitempty"`
	Providers []ProviderSpec         `json:"providers"`
	Alerts    map[string]AlertSpec   `json:"alerts,omitempty"`
	Retry     RetrySpec              `json:"retry"`
	AutoPause models.AutoPausePolicy `json:"autoPause"`
}

// Policy is the validated, engine-facing form.
type Policy struct {
	Providers []models.Provider
	Alerts    map[string]models.AlertConfig
	Retry     RetrySpec
	AutoPause models.AutoPausePolicy
}

// Parse validates a policy document. Invalid threshold orderings and
// unknown providers are rejected here, at load time, never clamped.
func Parse(data []byte) (*Policy, error) {
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}

	if len(f.Providers) == 0 {
		return nil, fmt.Errorf("policy: no providers configured")
	}

	p := &Policy{
		Alerts:    make(map[string]models.AlertConfig),
		Retry:     f.Retry,
		AutoPause: f.AutoPause,
	}

	seen := make(map[string]bool)
	for _, spec := range f.Providers {
		if spec.Name == "" {
			return nil, fmt.Errorf("policy: provider with empty name")
		}
		if seen[spec.Name] {
			return nil, fmt.Errorf("policy: duplicate provider %q", spec.Name)
		}
		seen[spec.Name] = true
		if spec.RequestsPerWindow <= 0 {
			return nil, fmt.Errorf("policy: provider %q needs a positive request limit", spec.Name)
		}
		if spec.WindowMs <= 0 {
			return nil, fmt.Errorf("policy: provider %q needs a positive window", spec.Name)
		}
		p.Providers = append(p.Providers, models.Provider{
			Name:              spec.Name,
			RequestsPerWindow: spec.RequestsPerWindow,
			TokensPerWindow:   spec.TokensPerWindow,
			WindowLength:      time.Duration(spec.WindowMs) * time.Millisecond,
		})
	}

	for name, spec := range f.Alerts {
		if !seen[name] {
			return nil, fmt.Errorf("policy: alert config for unknown provider %q", name)
		}
		cfg := models.AlertConfig{
			Provider:         name,
			WarningPercent:   spec.Warning,
			CriticalPercent:  spec.Critical,
			EmergencyPercent: spec.Emergency,
			Channels:         spec.Channels,
			MinExternalLevel: models.LevelCritical,
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		p.Alerts[name] = cfg
	}

	// Providers without explicit alert config get the defaults.
	for _, prov := range p.Providers {
		if _, ok := p.Alerts[prov.Name]; !ok {
			p.Alerts[prov.Name] = models.DefaultAlertConfig(prov.Name)
		}
	}

	if p.Retry.MaxRetries < 0 || p.Retry.BaseDelayMs < 0 || p.Retry.MaxDelayMs < 0 {
		return nil, fmt.Errorf("policy: retry values must not be negative")
	}

	return p, nil
}

// LoadFile reads and parses a policy file from disk.
func LoadFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return Parse(data)
}

// Provider returns the configured provider by name.
func (p *Policy) Provider(name string) (models.Provider, bool) {
	for _, prov := range p.Providers {
		if prov.Name == name {
			return prov, true
		}
	}
	return models.Provider{}, false
}
