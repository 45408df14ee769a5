package engine

import (
	"sync"

	"github.com/j-veylop/quotagate/internal/alert"
	"github.com/j-veylop/quotagate/internal/detect"
	"github.com/j-veylop/quotagate/internal/models"
	"github.com/j-veylop/quotagate/internal/threshold"
)

type (
	// RequestDispatchedEvent is emitted when a request wins admission. The
	// host executes the call and reports the outcome back through
	// ReportProviderResponse.
	RequestDispatchedEvent struct {
		Request models.QueuedRequest
	}

	// RequestCompletedEvent is emitted when a dispatched request finishes
	// without hitting a rate limit.
	RequestCompletedEvent struct {
		Request models.QueuedRequest
		Outcome detect.Outcome
	}

	// RequestFailedEvent is emitted when a request is dropped: its deadline
	// passed while queued, or its retry budget ran out.
	RequestFailedEvent struct {
		Request models.QueuedRequest
		Reason  string
	}

	// QuotaUpdatedEvent is emitted after every ledger change.
	QuotaUpdatedEvent struct {
		Usage models.QuotaUsage
	}

	// ThresholdChangedEvent is emitted when a provider changes level.
	ThresholdChangedEvent struct {
		Transition threshold.Transition
	}

	// RateLimitDetectedEvent is emitted when a provider response classifies
	// as rate-limited.
	RateLimitDetectedEvent struct {
		Event models.RateLimitEvent
	}

	// RateLimitResolvedEvent is emitted when a previously limited request
	// succeeds on retry.
	RateLimitResolvedEvent struct {
		Event models.RateLimitEvent
	}

	// ConsumerPausedEvent is emitted for every pause, automatic or manual.
	ConsumerPausedEvent struct {
		Record models.AutoPauseRecord
	}

	// ConsumerResumedEvent is emitted for every resume.
	ConsumerResumedEvent struct {
		Record models.AutoPauseRecord
	}

	// AlertSentEvent is emitted after an alert reached at least one channel.
	AlertSentEvent struct {
		Alert    alert.Alert
		Channels []string
	}

	// ErrorEvent is emitted when a subsystem reports an error.
	ErrorEvent struct {
		Scope string
		Error error
	}
)

// Event is the interface implemented by all engine events.
type Event interface {
	isEngineEvent()
}

func (RequestDispatchedEvent) isEngineEvent() {}
func (RequestCompletedEvent) isEngineEvent()  {}
func (RequestFailedEvent) isEngineEvent()     {}
func (QuotaUpdatedEvent) isEngineEvent()      {}
func (ThresholdChangedEvent) isEngineEvent()  {}
func (RateLimitDetectedEvent) isEngineEvent() {}
func (RateLimitResolvedEvent) isEngineEvent() {}
func (ConsumerPausedEvent) isEngineEvent()    {}
func (ConsumerResumedEvent) isEngineEvent()   {}
func (AlertSentEvent) isEngineEvent()         {}
func (ErrorEvent) isEngineEvent()             {}

// broadcaster fans events out to the main channel and subscribers without
// ever blocking the emitting goroutine.
type broadcaster struct {
	mu          sync.RWMutex
	eventChan   chan Event
	subscribers []chan<- Event
	closed      bool
}

func newBroadcaster() *broadcaster {
	return &broadcaster{
		eventChan: make(chan Event, 100),
	}
}

func (b *broadcaster) broadcast(event Event) {
	select {
	case b.eventChan <- event:
	default:
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber channel full, skip
		}
	}
}

func (b *broadcaster) subscribe() chan Event {
	ch := make(chan Event, 50)

	b.mu.Lock()
	b.subscribers = append(b.subscribers, ch)
	b.mu.Unlock()

	return ch
}

func (b *broadcaster) unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subscribers {
		if sub == ch {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			close(ch)
			break
		}
	}
}

func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subscribers {
		close(sub)
	}
	b.subscribers = nil
}
