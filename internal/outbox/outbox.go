// Package outbox is a durable FIFO queue of user messages that could not be
// delivered yet.
//
// Entries are written to a Store and read back ordered by their timestamp.
// The outbox never touches the network; the sync coordinator drains it.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codefionn/pilink/internal/listeners"
	"github.com/codefionn/pilink/internal/logger"
)

// Status is the delivery state of a queued message.
type Status string

const (
	StatusPending Status = "pending"
	StatusSending Status = "sending"
	StatusFailed  Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSending, StatusFailed:
		return true
	}
	return false
}

// ErrNotFound is returned for unknown message ids.
var ErrNotFound = errors.New("outbox: message not found")

// QueuedMessage is one undelivered user message.
type QueuedMessage struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	Status     Status    `json:"status"`
	RetryCount int       `json:"retryCount"`
}

// Store persists queued messages.
type Store interface {
	// Put inserts or replaces the message with m.ID.
	Put(ctx context.Context, m QueuedMessage) error
	// Get returns ErrNotFound for unknown ids.
	Get(ctx context.Context, id string) (QueuedMessage, error)
	// Delete returns ErrNotFound for unknown ids.
	Delete(ctx context.Context, id string) error
	// List returns every message ordered by timestamp ascending.
	List(ctx context.Context) ([]QueuedMessage, error)
	Close() error
}

// Option configures an Outbox.
type Option func(*Outbox)

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(o *Outbox) { o.log = l }
}

// WithOnlineFunc supplies the connectivity check. Change notifications are
// suppressed while it reports true.
func WithOnlineFunc(fn func() bool) Option {
	return func(o *Outbox) { o.online = fn }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Outbox) { o.now = now }
}

// Outbox is the queue facade over a Store.
type Outbox struct {
	store  Store
	log    *logger.Logger
	online func() bool
	now    func() time.Time

	mu   sync.Mutex
	last time.Time

	listeners *listeners.Registry[[]QueuedMessage]
}

// New creates an outbox on top of store.
func New(store Store, opts ...Option) *Outbox {
	o := &Outbox{
		store:  store,
		online: func() bool { return false },
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.log == nil {
		o.log = logger.Global().WithPrefix("outbox")
	}
	o.listeners = listeners.New[[]QueuedMessage]("outbox", o.log)
	return o
}

// Subscribe registers fn for change notifications carrying the full list.
func (o *Outbox) Subscribe(fn func([]QueuedMessage)) listeners.ID {
	return o.listeners.Add(fn)
}

// Unsubscribe removes a subscription.
func (o *Outbox) Unsubscribe(id listeners.ID) {
	o.listeners.Remove(id)
}

// Add queues content as a pending message and returns its id.
func (o *Outbox) Add(ctx context.Context, content string) (string, error) {
	o.mu.Lock()
	ts := o.now()
	if !ts.After(o.last) {
		ts = o.last.Add(time.Nanosecond)
	}
	o.last = ts

	m := QueuedMessage{
		ID:        uuid.NewString(),
		Content:   content,
		Timestamp: ts,
		Status:    StatusPending,
	}
	err := o.store.Put(ctx, m)
	o.mu.Unlock()

	if err != nil {
		return "", fmt.Errorf("failed to queue message: %w", err)
	}
	o.log.Debug("queued message %s", m.ID)
	o.notify(ctx)
	return m.ID, nil
}

// Get returns one message.
func (o *Outbox) Get(ctx context.Context, id string) (QueuedMessage, error) {
	return o.store.Get(ctx, id)
}

// GetAll returns every message in FIFO order.
func (o *Outbox) GetAll(ctx context.Context) ([]QueuedMessage, error) {
	msgs, err := o.store.List(ctx)
	if err != nil {
		return nil, err
	}
	sortFIFO(msgs)
	return msgs, nil
}

// GetByStatus returns the messages with the given status in FIFO order.
func (o *Outbox) GetByStatus(ctx context.Context, status Status) ([]QueuedMessage, error) {
	all, err := o.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]QueuedMessage, 0, len(all))
	for _, m := range all {
		if m.Status == status {
			out = append(out, m)
		}
	}
	return out, nil
}

// Count returns the number of queued messages.
func (o *Outbox) Count(ctx context.Context) (int, error) {
	all, err := o.store.List(ctx)
	if err != nil {
		return 0, err
	}
	return len(all), nil
}

// UpdateStatus moves a message to status. A transition into StatusSending
// increments its retry count.
func (o *Outbox) UpdateStatus(ctx context.Context, id string, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("outbox: invalid status %q", status)
	}

	o.mu.Lock()
	m, err := o.store.Get(ctx, id)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	if status == StatusSending && m.Status != StatusSending {
		m.RetryCount++
	}
	m.Status = status
	err = o.store.Put(ctx, m)
	o.mu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to update message %s: %w", id, err)
	}
	o.notify(ctx)
	return nil
}

// Retry puts a message back to pending with a fresh retry budget.
func (o *Outbox) Retry(ctx context.Context, id string) error {
	o.mu.Lock()
	m, err := o.store.Get(ctx, id)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	m.Status = StatusPending
	m.RetryCount = 0
	err = o.store.Put(ctx, m)
	o.mu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to reset message %s: %w", id, err)
	}
	o.notify(ctx)
	return nil
}

// Remove deletes a message.
func (o *Outbox) Remove(ctx context.Context, id string) error {
	o.mu.Lock()
	err := o.store.Delete(ctx, id)
	o.mu.Unlock()
	if err != nil {
		return err
	}
	o.notify(ctx)
	return nil
}

// Clear deletes every message.
func (o *Outbox) Clear(ctx context.Context) (int, error) {
	o.mu.Lock()
	all, err := o.store.List(ctx)
	if err != nil {
		o.mu.Unlock()
		return 0, err
	}
	removed := 0
	for _, m := range all {
		if err := o.store.Delete(ctx, m.ID); err != nil && !errors.Is(err, ErrNotFound) {
			o.mu.Unlock()
			return removed, err
		}
		removed++
	}
	o.mu.Unlock()

	o.notify(ctx)
	return removed, nil
}

// Close closes the store.
func (o *Outbox) Close() error {
	return o.store.Close()
}

func (o *Outbox) notify(ctx context.Context) {
	if o.listeners.Len() == 0 || o.online() {
		return
	}
	all, err := o.GetAll(ctx)
	if err != nil {
		o.log.Warn("failed to list messages for notification: %v", err)
		return
	}
	o.listeners.Emit(all)
}

func sortFIFO(msgs []QueuedMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
}
