package models

import "time"

// QueuedRequest is a unit of work waiting for admission to a provider.
// The queue owns its lifecycle until dispatch; afterwards the in-flight
// call belongs to the caller's execution context.
type QueuedRequest struct {
	ID         string    `json:"id"`
	Provider   string    `json:"provider"`
	Priority   int       `json:"priority"`
	ProjectID  string    `json:"projectId"`
	AgentID    string    `json:"agentId"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	TimeoutAt  time.Time `json:"timeoutAt"`
	Attempt    int       `json:"attempt"`
	// EstimatedTokens is the host's token cost estimate, checked against
	// the provider's token window at admission. Zero means unknown.
	EstimatedTokens int64 `json:"estimatedTokens,omitempty"`
	Payload         any   `json:"-"`
}

// Expired reports whether the request timed out before dispatch.
func (r *QueuedRequest) Expired(now time.Time) bool {
	return !r.TimeoutAt.IsZero() && !now.Before(r.TimeoutAt)
}

// RateLimitEvent records a detected rate-limit condition. Created on
// detection, mutated only to set ResolvedAt or FailedAt.
type RateLimitEvent struct {
	ID         string        `json:"id"`
	RequestID  string        `json:"requestId,omitempty"`
	Provider   string        `json:"provider"`
	DetectedAt time.Time     `json:"detectedAt"`
	HTTPStatus int           `json:"httpStatus"`
	RetryAfter time.Duration `json:"retryAfterMs,omitempty"`
	Attempt    int           `json:"attempt"`
	ResolvedAt time.Time     `json:"resolvedAt,omitzero"`
	FailedAt   time.Time     `json:"failedAt,omitzero"`
}

// Open reports whether the event has neither resolved nor failed.
func (e *RateLimitEvent) Open() bool {
	return e.ResolvedAt.IsZero() && e.FailedAt.IsZero()
}
