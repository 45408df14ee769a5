package detect

import (
	"sync"

	"github.com/j-veylop/quotagate/internal/clock"
	"github.com/j-veylop/quotagate/internal/ledger"
	"github.com/j-veylop/quotagate/internal/models"
)

// Detector routes responses to per-provider classifiers, folds observed
// usage back into the ledger and promotes successful calls to "approaching"
// once the ledger crosses the warning boundary.
type Detector struct {
	mu          sync.RWMutex
	classifiers map[string]Classifier
	fallback    Classifier
	ledger      *ledger.Ledger
	warnPercent map[string]float64
}

// NewDetector builds a detector over the default classifier table.
func NewDetector(l *ledger.Ledger, clk clock.Clock) *Detector {
	return &Detector{
		classifiers: defaultClassifiers(clk),
		fallback:    &manualClassifier{codes: []string{"rate limit", "rate_limit", "too many requests"}, clk: clk},
		ledger:      l,
		warnPercent: make(map[string]float64),
	}
}

// SetClassifier overrides the classifier for one provider.
func (d *Detector) SetClassifier(provider string, c Classifier) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.classifiers[provider] = c
}

// SetWarningPercent sets the boundary at which successful calls are
// reported as approaching. Defaults to 80 when unset.
func (d *Detector) SetWarningPercent(provider string, pct float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.warnPercent[provider] = pct
}

func (d *Detector) classifierFor(provider string) Classifier {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if c, ok := d.classifiers[provider]; ok {
		return c
	}
	return d.fallback
}

func (d *Detector) warningFor(provider string) float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if pct, ok := d.warnPercent[provider]; ok {
		return pct
	}
	return 80
}

// Classify runs the provider's classifier and applies observed usage to the
// ledger. A successful call is reported as approaching once the provider's
// highest counter has crossed the warning boundary; this fires before any
// call actually fails.
func (d *Detector) Classify(provider string, resp Response) Classification {
	cl := d.classifierFor(provider).Classify(resp)

	if d.ledger != nil && cl.Usage != nil {
		if cl.Usage.HasRequestData {
			_ = d.ledger.Observe(provider, models.KindRequests,
				cl.Usage.RequestsUsed, cl.Usage.RequestsLimit, cl.Usage.RequestsReset)
		}
		if cl.Usage.HasTokenData {
			_ = d.ledger.Observe(provider, models.KindTokens,
				cl.Usage.TokensUsed, cl.Usage.TokensLimit, cl.Usage.TokensReset)
		}
	}

	if cl.Outcome == OutcomeOK && d.ledger != nil {
		if d.ledger.MaxPercentUsed(provider) >= d.warningFor(provider) {
			cl.Outcome = OutcomeApproaching
		}
	}
	return cl
}
