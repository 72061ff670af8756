// Package rpcclient multiplexes request/response commands and a stream of
// server events over one transport.
//
// Every command is tagged with a fresh correlation id and parked in a pending
// table until the matching response arrives, its timeout fires, or the client
// is disconnected. Inbound frames without a pending match are fanned out to
// event subscribers.
package rpcclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codefionn/pilink/internal/listeners"
	"github.com/codefionn/pilink/internal/logger"
	"github.com/codefionn/pilink/internal/protocol"
	"github.com/codefionn/pilink/internal/transport"
)

// DefaultRequestTimeout applies when no timeout is configured.
const DefaultRequestTimeout = 30 * time.Second

// Request outcomes reported to an Observer.
const (
	OutcomeSuccess    = "success"
	OutcomeError      = "error"
	OutcomeTimeout    = "timeout"
	OutcomeClosed     = "closed"
	OutcomeSendFailed = "send_failed"
	OutcomeCanceled   = "canceled"
)

// Reasons for dropped inbound frames.
const (
	DropMalformed    = "malformed"
	DropUnrecognized = "unrecognized"
	DropUnmatched    = "unmatched"
)

// Transport is the connection the client sends over. *transport.Transport
// implements it.
type Transport interface {
	Connect()
	Disconnect()
	Send(data []byte) error
	State() transport.State
	Subscribe(fn func(transport.Event)) listeners.ID
	Unsubscribe(id listeners.ID)
}

// Observer receives request and frame statistics.
type Observer interface {
	RequestFinished(command, outcome string, duration time.Duration)
	FrameDropped(reason string)
}

type result struct {
	data json.RawMessage
	err  error
}

type pendingRequest struct {
	id      string
	command string
	ch      chan result
	timer   *time.Timer
	started time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithRequestTimeout overrides DefaultRequestTimeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithObserver installs an observer for request metrics.
func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

// Client correlates commands with their responses.
type Client struct {
	transport Transport
	timeout   time.Duration
	log       *logger.Logger
	observer  Observer

	mu      sync.Mutex
	pending map[string]*pendingRequest

	events *listeners.Registry[*protocol.Event]
	subID  listeners.ID
}

// New creates a client bound to t. The client subscribes to t's message
// events immediately.
func New(t Transport, opts ...Option) *Client {
	c := &Client{
		transport: t,
		timeout:   DefaultRequestTimeout,
		pending:   make(map[string]*pendingRequest),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logger.Global().WithPrefix("rpc")
	}
	c.events = listeners.New[*protocol.Event]("rpc event", c.log)
	c.subID = t.Subscribe(c.handleTransportEvent)
	return c
}

// Transport returns the underlying transport.
func (c *Client) Transport() Transport {
	return c.transport
}

// Connect opens the transport.
func (c *Client) Connect() {
	c.transport.Connect()
}

// Disconnect fails every outstanding request with ErrConnectionClosed and
// then closes the transport. All failures have been delivered when it
// returns.
func (c *Client) Disconnect() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingRequest)
	c.mu.Unlock()

	if len(pending) > 0 {
		c.log.Debug("rejecting %d pending requests", len(pending))
	}
	for _, p := range pending {
		p.timer.Stop()
		p.ch <- result{err: ErrConnectionClosed}
		c.finished(p, OutcomeClosed)
	}

	c.transport.Disconnect()
}

// Close disconnects and detaches the client from its transport.
func (c *Client) Close() {
	c.Disconnect()
	c.transport.Unsubscribe(c.subID)
}

// Pending returns the number of outstanding requests.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Subscribe registers fn for every inbound event frame.
func (c *Client) Subscribe(fn func(*protocol.Event)) listeners.ID {
	return c.events.Add(fn)
}

// Unsubscribe removes an event subscription.
func (c *Client) Unsubscribe(id listeners.ID) {
	c.events.Remove(id)
}

// SendCommand sends cmd with a fresh correlation id and blocks until the
// response arrives, the request times out, the client disconnects or ctx is
// done. A successful response yields its data field, or the whole response
// frame when data is absent.
func (c *Client) SendCommand(ctx context.Context, cmd protocol.Command) (json.RawMessage, error) {
	id := uuid.NewString()
	command := cmd.Type()

	data, err := json.Marshal(cmd.WithID(id))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s command: %w", command, err)
	}

	p := &pendingRequest{
		id:      id,
		command: command,
		ch:      make(chan result, 1),
		started: time.Now(),
	}

	c.mu.Lock()
	c.pending[id] = p
	p.timer = time.AfterFunc(c.timeout, func() { c.expire(id) })
	c.mu.Unlock()

	c.log.Debug("sending %s (%s)", command, id)
	if err := c.transport.Send(data); err != nil {
		if c.take(id) != nil {
			c.finished(p, OutcomeSendFailed)
			return nil, err
		}
		// lost the race against a timeout or disconnect
		r := <-p.ch
		return r.data, r.err
	}

	select {
	case r := <-p.ch:
		return r.data, r.err
	case <-ctx.Done():
		if c.take(id) != nil {
			c.finished(p, OutcomeCanceled)
			return nil, ctx.Err()
		}
		r := <-p.ch
		return r.data, r.err
	}
}

// take removes and returns the pending request for id, or nil when it has
// already been settled.
func (c *Client) take(id string) *pendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	if p.timer != nil {
		p.timer.Stop()
	}
	return p
}

func (c *Client) expire(id string) {
	p := c.take(id)
	if p == nil {
		return
	}
	c.log.Warn("request %s (%s) timed out after %s", p.command, id, c.timeout)
	p.ch <- result{err: &TimeoutError{Command: p.command, Timeout: c.timeout}}
	c.finished(p, OutcomeTimeout)
}

func (c *Client) finished(p *pendingRequest, outcome string) {
	if c.observer != nil {
		c.observer.RequestFinished(p.command, outcome, time.Since(p.started))
	}
}

func (c *Client) dropped(reason string) {
	if c.observer != nil {
		c.observer.FrameDropped(reason)
	}
}

func (c *Client) handleTransportEvent(ev transport.Event) {
	if msg, ok := ev.(transport.MessageEvent); ok {
		c.handleMessage(msg.Data)
	}
}

func (c *Client) handleMessage(data []byte) {
	frames, errs := protocol.ParseFrames(data)
	for _, err := range errs {
		c.log.Warn("dropping frame: %v", err)
		if errors.Is(err, protocol.ErrUnrecognizedFrame) {
			c.dropped(DropUnrecognized)
		} else {
			c.dropped(DropMalformed)
		}
	}

	for _, frame := range frames {
		switch f := frame.(type) {
		case *protocol.Response:
			c.handleResponse(f)
		case *protocol.Event:
			c.events.Emit(f)
		}
	}
}

func (c *Client) handleResponse(resp *protocol.Response) {
	p := c.take(resp.ID)
	if p == nil {
		c.log.Debug("discarding response for unknown request %q (%s)", resp.ID, resp.Command)
		c.dropped(DropUnmatched)
		return
	}

	if resp.Success {
		p.ch <- result{data: resp.Result()}
		c.finished(p, OutcomeSuccess)
		return
	}

	command := resp.Command
	if command == "" {
		command = p.command
	}
	p.ch <- result{err: &RequestError{Command: command, Message: resp.Error}}
	c.finished(p, OutcomeError)
}
