// Package models defines data structures and domain types.
package models

import "time"

// QuotaKind identifies which counter a quota tracks.
type QuotaKind string

const (
	// KindRequests counts API calls per window.
	KindRequests QuotaKind = "requests"
	// KindTokens counts tokens consumed per window.
	KindTokens QuotaKind = "tokens"
)

// Provider describes an external LLM API and its static limits.
// Loaded at startup from the policy file; immutable afterwards.
type Provider struct {
	Name              string        `json:"name"`
	RequestsPerWindow int64         `json:"requestsPerWindow"`
	TokensPerWindow   int64         `json:"tokensPerWindow,omitempty"`
	WindowLength      time.Duration `json:"-"`
}

// HasTokenBudget reports whether the provider enforces a token limit in
// addition to the request limit.
func (p Provider) HasTokenBudget() bool {
	return p.TokensPerWindow > 0
}

// Limit returns the configured limit for the given quota kind.
func (p Provider) Limit(kind QuotaKind) int64 {
	if kind == KindTokens {
		return p.TokensPerWindow
	}
	return p.RequestsPerWindow
}

// QuotaUsage holds the mutable counters for one (provider, kind) pair.
// Owned exclusively by the ledger; callers receive copies.
type QuotaUsage struct {
	Provider    string    `json:"provider"`
	Kind        QuotaKind `json:"kind"`
	Current     int64     `json:"current"`
	Limit       int64     `json:"limit"`
	WindowStart time.Time `json:"windowStart"`
	WindowEnd   time.Time `json:"windowEnd"`
}

// PercentUsed returns usage as a percentage of the limit (0-100 range,
// may exceed 100 when the recorded count has overrun the limit).
func (u QuotaUsage) PercentUsed() float64 {
	if u.Limit <= 0 {
		return 0
	}
	return float64(u.Current) / float64(u.Limit) * 100
}

// Remaining returns how much of the limit is left, never negative.
func (u QuotaUsage) Remaining() int64 {
	if u.Current >= u.Limit {
		return 0
	}
	return u.Limit - u.Current
}
