// Package syncer drains the outbox whenever connectivity returns.
//
// Each offline to online transition schedules one pass over the queued
// messages in FIFO order. A pass never retries a message itself: a failed
// delivery that still has retries left is moved back to pending by a timer,
// which in turn triggers another pass if the client is online and idle.
package syncer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codefionn/pilink/internal/listeners"
	"github.com/codefionn/pilink/internal/logger"
	"github.com/codefionn/pilink/internal/outbox"
)

// ErrSyncInProgress is returned by SyncNow while another pass runs.
var ErrSyncInProgress = errors.New("sync already in progress")

// SendFunc delivers one queued message.
type SendFunc func(ctx context.Context, content string) error

// Config holds coordinator settings.
type Config struct {
	// MaxRetries caps the delivery attempts per message.
	MaxRetries int
	// BaseDelay scales the requeue delay of failed messages.
	BaseDelay time.Duration
	// SendTimeout bounds a single delivery.
	SendTimeout time.Duration
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		MaxRetries:  3,
		BaseDelay:   time.Second,
		SendTimeout: 30 * time.Second,
	}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithConfig replaces DefaultConfig.
func WithConfig(cfg Config) Option {
	return func(c *Coordinator) { c.cfg = cfg }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// Coordinator runs sync passes.
type Coordinator struct {
	outbox *outbox.Outbox
	conn   Connectivity
	send   SendFunc
	cfg    Config
	log    *logger.Logger

	running atomic.Bool
	rerun   atomic.Bool

	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	started   bool
	stopped   bool
	wasOnline bool
	subID     listeners.ID
	timers    map[string]*time.Timer
	wg        sync.WaitGroup

	listeners *listeners.Registry[Event]
}

// New creates a coordinator. It does nothing until Start is called.
func New(ob *outbox.Outbox, conn Connectivity, send SendFunc, opts ...Option) *Coordinator {
	c := &Coordinator{
		outbox: ob,
		conn:   conn,
		send:   send,
		cfg:    DefaultConfig(),
		timers: make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logger.Global().WithPrefix("sync")
	}
	if c.cfg.SendTimeout <= 0 {
		c.cfg.SendTimeout = DefaultConfig().SendTimeout
	}
	c.listeners = listeners.New[Event]("sync", c.log)
	return c
}

// Subscribe registers fn for pass events.
func (c *Coordinator) Subscribe(fn func(Event)) listeners.ID {
	return c.listeners.Add(fn)
}

// Unsubscribe removes a subscription.
func (c *Coordinator) Unsubscribe(id listeners.ID) {
	c.listeners.Remove(id)
}

// IsSyncing reports whether a pass is running.
func (c *Coordinator) IsSyncing() bool {
	return c.running.Load()
}

// PendingRetries returns the number of scheduled requeues.
func (c *Coordinator) PendingRetries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// Start recovers messages left over by a previous process and begins
// watching connectivity. Messages stuck in sending become pending again and
// failed messages with retries left are scheduled for requeue.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	all, err := c.outbox.GetAll(ctx)
	if err != nil {
		return err
	}
	for _, m := range all {
		switch {
		case m.Status == outbox.StatusSending:
			c.log.Info("recovering interrupted message %s", m.ID)
			if err := c.outbox.UpdateStatus(ctx, m.ID, outbox.StatusPending); err != nil {
				return err
			}
		case m.Status == outbox.StatusFailed && m.RetryCount < c.cfg.MaxRetries:
			c.scheduleRequeue(m.ID, c.requeueDelay(m.RetryCount))
		}
	}

	online := c.conn.IsOnline()
	c.mu.Lock()
	c.wasOnline = online
	c.subID = c.conn.Subscribe(c.onConnectivity)
	c.mu.Unlock()

	if online {
		c.trigger()
	}
	return nil
}

// Stop cancels scheduled requeues, detaches from connectivity and waits for
// a running pass to finish.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.stopped || !c.started {
		c.stopped = true
		c.mu.Unlock()
		return
	}
	c.stopped = true
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
	c.conn.Unsubscribe(c.subID)
	c.cancel()
	c.mu.Unlock()

	c.wg.Wait()
}

// SyncNow runs a pass on the calling goroutine.
func (c *Coordinator) SyncNow(ctx context.Context) (Completed, error) {
	res, ran := c.runPass(ctx)
	if !ran {
		return Completed{}, ErrSyncInProgress
	}
	return res, nil
}

func (c *Coordinator) onConnectivity(online bool) {
	c.mu.Lock()
	transition := online && !c.wasOnline
	c.wasOnline = online
	c.mu.Unlock()

	if transition {
		c.log.Debug("online, scheduling sync")
		c.trigger()
	}
}

// trigger schedules one asynchronous pass.
func (c *Coordinator) trigger() {
	c.mu.Lock()
	if c.stopped || c.ctx == nil {
		c.mu.Unlock()
		return
	}
	ctx := c.ctx
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		c.runPass(ctx)
	}()
}

func (c *Coordinator) runPass(ctx context.Context) (Completed, bool) {
	if !c.running.CompareAndSwap(false, true) {
		return Completed{}, false
	}
	c.rerun.Store(false)
	res := c.pass(ctx)
	c.running.Store(false)

	// a requeue that fired mid-pass asked for another one
	if c.rerun.Swap(false) && c.conn.IsOnline() {
		c.trigger()
	}
	return res, true
}

func (c *Coordinator) pass(ctx context.Context) Completed {
	work, err := c.workList(ctx)
	if err != nil {
		c.log.Error("failed to load outbox: %v", err)
		return Completed{}
	}

	c.listeners.Emit(Started{Pending: len(work)})
	total := len(work)
	var res Completed

	for _, m := range work {
		if ctx.Err() != nil {
			break
		}

		if m.RetryCount >= c.cfg.MaxRetries {
			if m.Status != outbox.StatusFailed {
				if err := c.outbox.UpdateStatus(ctx, m.ID, outbox.StatusFailed); err != nil {
					c.log.Warn("failed to mark %s failed: %v", m.ID, err)
				}
			}
			res.Failed++
			continue
		}

		if err := c.outbox.UpdateStatus(ctx, m.ID, outbox.StatusSending); err != nil {
			if errors.Is(err, outbox.ErrNotFound) {
				continue
			}
			c.log.Warn("failed to mark %s sending: %v", m.ID, err)
			res.Failed++
			continue
		}
		retryCount := m.RetryCount + 1

		sendCtx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
		err := c.send(sendCtx, m.Content)
		cancel()

		if err == nil {
			if err := c.outbox.Remove(ctx, m.ID); err != nil && !errors.Is(err, outbox.ErrNotFound) {
				c.log.Warn("delivered %s but could not remove it: %v", m.ID, err)
			}
			res.Sent++
			c.listeners.Emit(Progress{MessageID: m.ID, Sent: res.Sent, Failed: res.Failed, Total: total})
			continue
		}

		c.log.Warn("delivery of %s failed (attempt %d/%d): %v", m.ID, retryCount, c.cfg.MaxRetries, err)
		if uerr := c.outbox.UpdateStatus(ctx, m.ID, outbox.StatusFailed); uerr != nil {
			c.log.Warn("failed to mark %s failed: %v", m.ID, uerr)
		}
		res.Failed++

		willRetry := retryCount < c.cfg.MaxRetries
		c.listeners.Emit(Error{MessageID: m.ID, Err: err, RetryCount: retryCount, WillRetry: willRetry})
		if willRetry {
			c.scheduleRequeue(m.ID, c.requeueDelay(m.RetryCount))
		}
	}

	c.log.Info("sync finished: %d sent, %d failed", res.Sent, res.Failed)
	c.listeners.Emit(res)
	return res
}

// workList returns the pending messages plus failed messages that are out
// of retries, in FIFO order.
func (c *Coordinator) workList(ctx context.Context) ([]outbox.QueuedMessage, error) {
	all, err := c.outbox.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	work := make([]outbox.QueuedMessage, 0, len(all))
	for _, m := range all {
		switch {
		case m.Status == outbox.StatusPending:
			work = append(work, m)
		case m.Status == outbox.StatusFailed && m.RetryCount >= c.cfg.MaxRetries:
			work = append(work, m)
		}
	}
	return work, nil
}

// requeueDelay is BaseDelay × (retries before the failed attempt + 1).
func (c *Coordinator) requeueDelay(retryCount int) time.Duration {
	return c.cfg.BaseDelay * time.Duration(retryCount+1)
}

func (c *Coordinator) scheduleRequeue(id string, delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	if t, ok := c.timers[id]; ok {
		t.Stop()
	}
	c.log.Debug("requeueing %s in %s", id, delay)
	c.timers[id] = time.AfterFunc(delay, func() { c.requeue(id) })
}

func (c *Coordinator) requeue(id string) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	delete(c.timers, id)
	ctx := c.ctx
	c.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	if err := c.outbox.UpdateStatus(ctx, id, outbox.StatusPending); err != nil {
		if !errors.Is(err, outbox.ErrNotFound) {
			c.log.Warn("failed to requeue %s: %v", id, err)
		}
		return
	}

	if !c.conn.IsOnline() {
		return
	}
	c.rerun.Store(true)
	if c.running.Load() {
		return
	}
	c.trigger()
}
