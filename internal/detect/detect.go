// Package detect classifies provider responses as ok, approaching-limit or
// rate-limited, extracting usage and retry hints when the provider supplies
// them.
package detect

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Outcome is the classification of one provider response.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeApproaching
	OutcomeLimited
)

// String returns the lowercase name of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeApproaching:
		return "approaching"
	case OutcomeLimited:
		return "limited"
	default:
		return "unknown"
	}
}

// Response is the boundary shape the host reports after executing a call.
type Response struct {
	StatusCode int
	Header     http.Header
	ErrorBody  string
	// TokensUsed is the token cost of the call as reported by the host,
	// recorded into the ledger for manually tracked providers.
	TokensUsed int64
}

// ObservedUsage carries authoritative usage parsed from response headers.
type ObservedUsage struct {
	RequestsUsed   int64
	RequestsLimit  int64
	RequestsReset  time.Time
	TokensUsed     int64
	TokensLimit    int64
	TokensReset    time.Time
	HasRequestData bool
	HasTokenData   bool
}

// Classification is the detector's verdict on one response.
type Classification struct {
	Outcome    Outcome
	RetryAfter time.Duration
	Usage      *ObservedUsage
}

// Classifier classifies responses for one provider. Implementations are
// selected from a lookup table, one value per provider.
type Classifier interface {
	Classify(resp Response) Classification
}

// retryAfter parses the Retry-After header, either delta-seconds or an
// HTTP date.
func retryAfter(h http.Header, now time.Time) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

func headerInt(h http.Header, key string) (int64, bool) {
	v := h.Get(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func headerTime(h http.Header, key string) time.Time {
	v := h.Get(key)
	if v == "" {
		return time.Time{}
	}
	if at, err := time.Parse(time.RFC3339, v); err == nil {
		return at
	}
	if unix, err := strconv.ParseInt(v, 10, 64); err == nil && unix > 0 {
		return time.Unix(unix, 0)
	}
	return time.Time{}
}

// errorBodyMatches reports whether the error payload names one of the known
// rate-limit error codes for the provider.
func errorBodyMatches(body string, codes []string) bool {
	if body == "" {
		return false
	}
	lower := strings.ToLower(body)
	for _, code := range codes {
		if strings.Contains(lower, code) {
			return true
		}
	}
	return false
}
