// Package listeners provides subscriber registries keyed by opaque tokens.
//
// Every emitter in pilink (transport, rpc client, delta mapper, outbox, sync
// coordinator) keeps its callbacks in a Registry. Removing a subscriber by
// its ID never changes the identity of any other subscriber, and a panicking
// subscriber is recovered so the remaining ones still receive the value.
package listeners

import (
	"sync"

	"github.com/codefionn/pilink/internal/logger"
)

// ID identifies one subscription. The zero ID is never handed out.
type ID uint64

type entry[T any] struct {
	id ID
	fn func(T)
}

// Registry holds the subscribers for values of type T.
type Registry[T any] struct {
	mu      sync.RWMutex
	name    string
	nextID  ID
	entries []entry[T]
	log     *logger.Logger
}

// New creates a registry. name is used when logging recovered panics.
func New[T any](name string, log *logger.Logger) *Registry[T] {
	if log == nil {
		log = logger.Global().WithPrefix("listeners")
	}
	return &Registry[T]{name: name, log: log}
}

// Add registers fn and returns its subscription ID.
func (r *Registry[T]) Add(fn func(T)) ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.entries = append(r.entries, entry[T]{id: r.nextID, fn: fn})
	return r.nextID
}

// Remove unregisters the subscription. It reports whether it was present.
func (r *Registry[T]) Remove(id ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.id == id {
			r.entries = append(r.entries[:i:i], r.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of current subscribers.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Emit delivers v to every subscriber in subscription order. Subscribers are
// invoked without holding the registry lock, so they may Add or Remove.
func (r *Registry[T]) Emit(v T) {
	r.mu.RLock()
	snapshot := make([]entry[T], len(r.entries))
	copy(snapshot, r.entries)
	r.mu.RUnlock()

	for _, e := range snapshot {
		r.call(e, v)
	}
}

func (r *Registry[T]) call(e entry[T], v T) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("%s listener %d panicked: %v", r.name, e.id, rec)
		}
	}()
	e.fn(v)
}
