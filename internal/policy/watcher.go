package policy

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/j-veylop/quotagate/internal/logger"
)

// EventType defines the type of policy event.
type EventType int

const (
	EventPolicyLoaded EventType = iota
	EventPolicyChanged
	EventError
)

// Event represents a policy service event.
type Event struct {
	Type   EventType
	Policy *Policy
	Error  error
}

// Service loads the policy file, watches it for changes and publishes
// reloads. A reload that fails validation keeps the previous policy in
// effect and reports the error instead.
type Service struct {
	mu            sync.RWMutex
	current       *Policy
	filePath      string
	watcher       *fsnotify.Watcher
	eventChan     chan Event
	stopChan      chan struct{}
	debounceTimer *time.Timer
}

// New loads the policy file and starts watching it. A missing or invalid
// file is a startup failure.
func New(filePath string) (*Service, error) {
	p, err := LoadFile(filePath)
	if err != nil {
		return nil, err
	}

	s := &Service{
		current:   p,
		filePath:  filePath,
		eventChan: make(chan Event, 100),
		stopChan:  make(chan struct{}),
	}

	if err := s.startWatcher(); err != nil {
		return nil, err
	}

	s.sendEvent(Event{Type: EventPolicyLoaded, Policy: p})
	return s, nil
}

// Events returns the event channel for subscribing to policy changes.
func (s *Service) Events() <-chan Event {
	return s.eventChan
}

// Current returns the policy in effect.
func (s *Service) Current() *Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func (s *Service) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	s.watcher = watcher

	// Watch the directory so renames over the file are caught.
	dir := filepath.Dir(s.filePath)
	if err := watcher.Add(dir); err != nil {
		if closeErr := watcher.Close(); closeErr != nil {
			logger.Error("failed to close watcher", "error", closeErr)
		}
		return err
	}

	go s.watchLoop()
	return nil
}

func (s *Service) watchLoop() {
	const debounceInterval = 100 * time.Millisecond

	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(s.filePath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if s.debounceTimer != nil {
					s.debounceTimer.Stop()
				}
				s.debounceTimer = time.AfterFunc(debounceInterval, s.handleFileChange)
			}

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.sendEvent(Event{Type: EventError, Error: err})

		case <-s.stopChan:
			return
		}
	}
}

func (s *Service) handleFileChange() {
	p, err := LoadFile(s.filePath)
	if err != nil {
		// Previous policy stays in effect.
		s.sendEvent(Event{Type: EventError, Error: err})
		return
	}

	s.mu.Lock()
	s.current = p
	s.mu.Unlock()

	s.sendEvent(Event{Type: EventPolicyChanged, Policy: p})
}

// sendEvent sends an event to the event channel non-blocking.
func (s *Service) sendEvent(event Event) {
	select {
	case s.eventChan <- event:
	default:
		select {
		case <-s.eventChan:
		default:
		}
		select {
		case s.eventChan <- event:
		default:
		}
	}
}

// Close stops the file watcher.
func (s *Service) Close() error {
	close(s.stopChan)

	if s.debounceTimer != nil {
		s.debounceTimer.Stop()
	}
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}
