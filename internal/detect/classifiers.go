package detect

import (
	"net/http"

	"github.com/j-veylop/quotagate/internal/clock"
)

// headerScheme names the usage headers one provider family emits.
type headerScheme struct {
	requestsRemaining string
	requestsLimit     string
	requestsReset     string
	tokensRemaining   string
	tokensLimit       string
	tokensReset       string
}

var anthropicScheme = headerScheme{
	requestsRemaining: "Anthropic-Ratelimit-Requests-Remaining",
	requestsLimit:     "Anthropic-Ratelimit-Requests-Limit",
	requestsReset:     "Anthropic-Ratelimit-Requests-Reset",
	tokensRemaining:   "Anthropic-Ratelimit-Tokens-Remaining",
	tokensLimit:       "Anthropic-Ratelimit-Tokens-Limit",
	tokensReset:       "Anthropic-Ratelimit-Tokens-Reset",
}

var openAIScheme = headerScheme{
	requestsRemaining: "X-Ratelimit-Remaining-Requests",
	requestsLimit:     "X-Ratelimit-Limit-Requests",
	requestsReset:     "X-Ratelimit-Reset-Requests",
	tokensRemaining:   "X-Ratelimit-Remaining-Tokens",
	tokensLimit:       "X-Ratelimit-Limit-Tokens",
	tokensReset:       "X-Ratelimit-Reset-Tokens",
}

// headerClassifier handles providers that return authoritative usage
// headers. Parsed usage is ground truth and overwrites the local estimate.
type headerClassifier struct {
	scheme headerScheme
	codes  []string
	clk    clock.Clock
}

func (c *headerClassifier) Classify(resp Response) Classification {
	cl := Classification{
		RetryAfter: retryAfter(resp.Header, c.clk.Now()),
		Usage:      c.parseUsage(resp.Header),
	}
	if resp.StatusCode == http.StatusTooManyRequests || errorBodyMatches(resp.ErrorBody, c.codes) {
		cl.Outcome = OutcomeLimited
	}
	return cl
}

func (c *headerClassifier) parseUsage(h http.Header) *ObservedUsage {
	usage := &ObservedUsage{}

	if remaining, ok := headerInt(h, c.scheme.requestsRemaining); ok {
		if limit, ok := headerInt(h, c.scheme.requestsLimit); ok && limit > 0 {
			usage.RequestsUsed = limit - remaining
			usage.RequestsLimit = limit
			usage.RequestsReset = headerTime(h, c.scheme.requestsReset)
			usage.HasRequestData = true
		}
	}
	if remaining, ok := headerInt(h, c.scheme.tokensRemaining); ok {
		if limit, ok := headerInt(h, c.scheme.tokensLimit); ok && limit > 0 {
			usage.TokensUsed = limit - remaining
			usage.TokensLimit = limit
			usage.TokensReset = headerTime(h, c.scheme.tokensReset)
			usage.HasTokenData = true
		}
	}

	if !usage.HasRequestData && !usage.HasTokenData {
		return nil
	}
	return usage
}

// manualClassifier handles providers without usage headers. Limited is
// inferred only from the status code or a known error payload; there is no
// pre-emptive signal beyond the ledger's own percentage.
type manualClassifier struct {
	codes []string
	clk   clock.Clock
}

func (c *manualClassifier) Classify(resp Response) Classification {
	cl := Classification{RetryAfter: retryAfter(resp.Header, c.clk.Now())}
	if resp.StatusCode == http.StatusTooManyRequests || errorBodyMatches(resp.ErrorBody, c.codes) {
		cl.Outcome = OutcomeLimited
	}
	return cl
}

// defaultClassifiers builds the per-provider lookup table.
func defaultClassifiers(clk clock.Clock) map[string]Classifier {
	return map[string]Classifier{
		"claude": &headerClassifier{
			scheme: anthropicScheme,
			codes:  []string{"rate_limit_error", "overloaded_error"},
			clk:    clk,
		},
		"openai": &headerClassifier{
			scheme: openAIScheme,
			codes:  []string{"rate_limit_exceeded", "insufficient_quota"},
			clk:    clk,
		},
		"gemini": &manualClassifier{
			codes: []string{"resource_exhausted", "quota exceeded"},
			clk:   clk,
		},
		"cursor": &manualClassifier{
			codes: []string{"rate_limit"},
			clk:   clk,
		},
	}
}
