package syncer

import (
	"sync"

	"github.com/codefionn/pilink/internal/listeners"
	"github.com/codefionn/pilink/internal/logger"
)

// Connectivity reports whether the client is online and notifies on change.
type Connectivity interface {
	IsOnline() bool
	Subscribe(fn func(online bool)) listeners.ID
	Unsubscribe(id listeners.ID)
}

// Signal is a settable Connectivity.
type Signal struct {
	mu        sync.Mutex
	online    bool
	listeners *listeners.Registry[bool]
}

// NewSignal creates an offline signal.
func NewSignal(log *logger.Logger) *Signal {
	return &Signal{listeners: listeners.New[bool]("connectivity", log)}
}

// SetOnline updates the state and notifies subscribers when it changed.
func (s *Signal) SetOnline(online bool) {
	s.mu.Lock()
	changed := s.online != online
	s.online = online
	s.mu.Unlock()

	if changed {
		s.listeners.Emit(online)
	}
}

func (s *Signal) IsOnline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

func (s *Signal) Subscribe(fn func(online bool)) listeners.ID {
	return s.listeners.Add(fn)
}

func (s *Signal) Unsubscribe(id listeners.ID) {
	s.listeners.Remove(id)
}
