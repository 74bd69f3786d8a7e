package resolver

import (
	"sync"

	"github.com/joao-brasil/poolcore/pkg/backend"
)

// Static is a fixed-membership resolver: it reports the backends it was
// constructed with, reaches steady state immediately, and only changes
// when a caller explicitly calls Add/Remove — useful for tests and for
// any logical service whose backend list genuinely never changes.
type Static struct {
	mu       sync.Mutex
	backends map[string]backend.Backend
	events   chan Event
	started  bool
}

// NewStatic creates a Static resolver seeded with the given backends.
func NewStatic(initial ...backend.Backend) *Static {
	s := &Static{
		backends: make(map[string]backend.Backend, len(initial)),
		events:   make(chan Event, 16),
	}
	for _, b := range initial {
		s.backends[b.Key()] = b
	}
	return s
}

// Start reaches steady state on its own goroutine: the caller must not
// block here waiting for a reader to drain Events(), since the dispatcher
// that owns this resolver calls Start() before it starts draining (spec §5
// entry point) — a resolver seeded with more backends than the events
// channel's buffer would otherwise deadlock pool startup.
func (s *Static) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	snapshot := make([]backend.Backend, 0, len(s.backends))
	for _, b := range s.backends {
		snapshot = append(snapshot, b)
	}
	s.mu.Unlock()

	go func() {
		for _, b := range snapshot {
			s.mu.Lock()
			if !s.started {
				s.mu.Unlock()
				return
			}
			s.events <- Event{Kind: Added, Backend: b}
			s.mu.Unlock()
		}
		s.mu.Lock()
		if s.started {
			s.events <- Event{Kind: Steady}
		}
		s.mu.Unlock()
	}()
	return nil
}

func (s *Static) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.started = false
	close(s.events)
}

func (s *Static) List() []backend.Backend {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]backend.Backend, 0, len(s.backends))
	for _, b := range s.backends {
		out = append(out, b)
	}
	return out
}

func (s *Static) Events() <-chan Event {
	return s.events
}

// Add reports a new backend, mirroring what a DNS resolver would do on the
// next successful lookup that includes a new A record.
func (s *Static) Add(b backend.Backend) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.backends[b.Key()]; ok {
		return
	}
	s.backends[b.Key()] = b
	if s.started {
		s.events <- Event{Kind: Added, Backend: b}
	}
}

// Remove reports a backend dropping out of the resolved set.
func (s *Static) Remove(b backend.Backend) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.backends[b.Key()]; !ok {
		return
	}
	delete(s.backends, b.Key())
	if s.started {
		s.events <- Event{Kind: Removed, Backend: b}
	}
}
