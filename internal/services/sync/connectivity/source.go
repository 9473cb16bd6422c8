// Package connectivity turns online/offline transitions into sync drains.
package connectivity

import "sync"

// Event is a connectivity transition.
type Event int

const (
	BecameOffline Event = iota
	BecameOnline
)

func (e Event) String() string {
	switch e {
	case BecameOnline:
		return "online"
	case BecameOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// Source reports connectivity and delivers transition events.
type Source interface {
	IsOnline() bool
	// OnChange registers listener and returns a function that removes it.
	OnChange(listener func(Event)) (unsubscribe func())
}

// Switch is an in-process Source that the host flips directly.
type Switch struct {
	mu        sync.Mutex
	online    bool
	nextID    int
	listeners map[int]func(Event)
}

// NewSwitch returns a Switch in the given initial state.
func NewSwitch(online bool) *Switch {
	return &Switch{online: online, listeners: make(map[int]func(Event))}
}

// IsOnline reports the current state.
func (s *Switch) IsOnline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// OnChange registers listener.
func (s *Switch) OnChange(listener func(Event)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = listener
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// Set changes the state and notifies listeners. Setting the current state
// again still notifies, mirroring platforms that repeat "online" events.
func (s *Switch) Set(online bool) {
	s.mu.Lock()
	s.online = online
	listeners := make([]func(Event), 0, len(s.listeners))
	for _, listener := range s.listeners {
		listeners = append(listeners, listener)
	}
	s.mu.Unlock()

	event := BecameOffline
	if online {
		event = BecameOnline
	}
	for _, listener := range listeners {
		listener(event)
	}
}

// Listeners reports how many listeners are registered.
func (s *Switch) Listeners() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}
