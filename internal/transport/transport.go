package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codefionn/pilink/internal/listeners"
	"github.com/codefionn/pilink/internal/logger"
)

// State represents the current state of the connection
type State int

const (
	// StateDisconnected indicates no socket and no pending reconnection
	StateDisconnected State = iota
	// StateConnecting indicates the first dial is in progress
	StateConnecting
	// StateConnected indicates the socket is open and Send is permitted
	StateConnected
	// StateReconnecting indicates a reconnection is scheduled or dialing
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// ErrNotConnected is returned by Send unless the state is StateConnected.
var ErrNotConnected = errors.New("transport: not connected")

// ErrSendFailed wraps the write error when the socket breaks during Send.
// The connection is dropped and reconnection starts.
var ErrSendFailed = errors.New("transport: send failed")

// Config holds transport configuration
type Config struct {
	// URL is the websocket endpoint, e.g. ws://localhost:3000/ws
	URL string
	// Token is sent as the "token" query parameter
	Token string
	// Header is added to the handshake request
	Header http.Header

	// MaxRetries is the number of reconnection attempts before giving up
	MaxRetries int
	// InitialDelay is the delay before the first reconnection attempt
	InitialDelay time.Duration
	// MaxDelay caps the exponential backoff
	MaxDelay time.Duration
	// BackoffMultiplier is the growth factor between attempts
	BackoffMultiplier float64

	// ConnectTimeout bounds a single dial
	ConnectTimeout time.Duration
	// WriteTimeout bounds a single write
	WriteTimeout time.Duration
	// PingInterval is the keep-alive period; zero disables pings
	PingInterval time.Duration
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		MaxRetries:        5,
		InitialDelay:      1000 * time.Millisecond,
		MaxDelay:          30000 * time.Millisecond,
		BackoffMultiplier: 2,
		ConnectTimeout:    10 * time.Second,
		WriteTimeout:      10 * time.Second,
		PingInterval:      30 * time.Second,
	}
}

func (c Config) backoff() Backoff {
	return Backoff{Initial: c.InitialDelay, Max: c.MaxDelay, Multiplier: c.BackoffMultiplier}
}

// Option configures a Transport.
type Option func(*Transport)

// WithDialer replaces the gorilla/websocket dialer.
func WithDialer(d Dialer) Option {
	return func(t *Transport) { t.dialer = d }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(t *Transport) { t.log = l }
}

// Transport owns one logical websocket connection and reconnects it with
// exponential backoff after it drops.
type Transport struct {
	mu         sync.Mutex
	cfg        Config
	dialer     Dialer
	state      State
	conn       Conn
	gen        uint64 // bumped by Connect and Disconnect to orphan stale goroutines
	attempt    int
	timer      *time.Timer
	dialCancel context.CancelFunc

	writeMu sync.Mutex

	listeners *listeners.Registry[Event]
	log       *logger.Logger
}

// New creates a transport in StateDisconnected.
func New(cfg Config, opts ...Option) *Transport {
	t := &Transport{
		cfg:    cfg,
		dialer: WebsocketDialer{},
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.log == nil {
		t.log = logger.Global().WithPrefix("transport")
	}
	t.listeners = listeners.New[Event]("transport", t.log)
	return t
}

// Subscribe registers fn for all lifecycle events.
func (t *Transport) Subscribe(fn func(Event)) listeners.ID {
	return t.listeners.Add(fn)
}

// Unsubscribe removes a subscription.
func (t *Transport) Unsubscribe(id listeners.ID) {
	t.listeners.Remove(id)
}

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Attempt returns the reconnection attempt counter.
func (t *Transport) Attempt() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempt
}

// SetToken replaces the token used by subsequent dials.
func (t *Transport) SetToken(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cfg.Token = token
}

// Connect starts dialing. It is a no-op unless the state is
// StateDisconnected. Progress is reported through events.
func (t *Transport) Connect() {
	t.mu.Lock()
	if t.state != StateDisconnected {
		t.mu.Unlock()
		return
	}
	t.gen++
	t.state = StateConnecting
	gen := t.gen
	t.mu.Unlock()

	t.log.Debug("connecting to %s", t.cfg.URL)
	go t.dial(gen)
}

// Disconnect cancels any pending reconnection, resets the retry counter,
// closes the socket and forces StateDisconnected. It is always safe to call.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if t.dialCancel != nil {
		t.dialCancel()
		t.dialCancel = nil
	}
	t.attempt = 0
	conn := t.conn
	t.conn = nil
	t.state = StateDisconnected
	t.mu.Unlock()

	if conn == nil {
		return
	}

	t.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(CloseNormal, "client disconnect"),
		time.Now().Add(time.Second))
	t.writeMu.Unlock()
	_ = conn.Close()

	t.log.Info("disconnected")
	t.listeners.Emit(CloseEvent{Code: CloseNormal, Reason: "client disconnect"})
}

// Send writes one text message. It does no queuing: unless the state is
// StateConnected it returns ErrNotConnected.
func (t *Transport) Send(data []byte) error {
	t.mu.Lock()
	if t.state != StateConnected || t.conn == nil {
		t.mu.Unlock()
		return ErrNotConnected
	}
	conn := t.conn
	gen := t.gen
	timeout := t.cfg.WriteTimeout
	t.mu.Unlock()

	t.writeMu.Lock()
	if timeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	err := conn.WriteMessage(websocket.TextMessage, data)
	t.writeMu.Unlock()

	if err != nil {
		t.log.Warn("write failed: %v", err)
		t.handleDrop(gen, conn,
			ErrorEvent{Err: err},
			CloseEvent{Code: CloseAbnormal, Reason: err.Error()})
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	return nil
}

func (t *Transport) dialURL() (string, error) {
	t.mu.Lock()
	raw, token := t.cfg.URL, t.cfg.Token
	t.mu.Unlock()

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid server url %q: %w", raw, err)
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (t *Transport) dial(gen uint64) {
	target, err := t.dialURL()
	if err != nil {
		t.handleDrop(gen, nil, ErrorEvent{Err: err}, CloseEvent{Code: CloseAbnormal, Reason: err.Error()})
		return
	}

	timeout := t.cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().ConnectTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		cancel()
		return
	}
	t.dialCancel = cancel
	t.mu.Unlock()

	conn, resp, err := t.dialer.Dial(ctx, target, t.cfg.Header)
	cancel()
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			t.log.Warn("server rejected token (HTTP %d)", resp.StatusCode)
			t.handleDrop(gen, nil, CloseEvent{Code: CloseUnauthorized, Reason: http.StatusText(resp.StatusCode)})
			return
		}
		t.log.Warn("dial %s failed: %v", t.cfg.URL, err)
		t.handleDrop(gen, nil, ErrorEvent{Err: err}, CloseEvent{Code: CloseAbnormal, Reason: err.Error()})
		return
	}

	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		_ = conn.Close()
		return
	}
	t.dialCancel = nil
	wasReconnecting := t.state == StateReconnecting
	t.conn = conn
	t.state = StateConnected
	t.attempt = 0
	ping := t.cfg.PingInterval
	writeTimeout := t.cfg.WriteTimeout
	t.mu.Unlock()

	if ping > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(2 * ping))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(2 * ping))
		})
	}

	t.log.Info("connected to %s", t.cfg.URL)
	t.listeners.Emit(OpenEvent{})
	if wasReconnecting {
		t.listeners.Emit(ReconnectedEvent{})
	}

	done := make(chan struct{})
	if ping > 0 {
		go t.pingLoop(conn, ping, writeTimeout, done)
	}
	t.readLoop(gen, conn, ping)
	close(done)
}

func (t *Transport) readLoop(gen uint64, conn Conn, ping time.Duration) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				t.handleDrop(gen, conn, CloseEvent{Code: closeErr.Code, Reason: closeErr.Text})
			} else {
				t.handleDrop(gen, conn,
					ErrorEvent{Err: err},
					CloseEvent{Code: CloseAbnormal, Reason: err.Error()})
			}
			return
		}
		if ping > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(2 * ping))
		}
		t.listeners.Emit(MessageEvent{Data: data})
	}
}

func (t *Transport) pingLoop(conn Conn, interval, writeTimeout time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(writeTimeout)
			if writeTimeout <= 0 {
				deadline = time.Now().Add(DefaultConfig().WriteTimeout)
			}
			t.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, deadline)
			t.writeMu.Unlock()
			if err != nil {
				t.log.Debug("ping failed: %v", err)
				return
			}
		}
	}
}

// handleDrop processes the loss of conn (nil for a failed dial). Only the
// first report for the current connection is acted upon; it emits the given
// events followed by the reconnecting or failed event, and arms the
// reconnect timer only after they have been delivered.
func (t *Transport) handleDrop(gen uint64, conn Conn, events ...Event) {
	t.mu.Lock()
	if gen != t.gen || t.state == StateDisconnected {
		t.mu.Unlock()
		return
	}
	if conn != nil {
		if t.conn != conn {
			t.mu.Unlock()
			return
		}
		_ = conn.Close()
		t.conn = nil
	} else if t.conn != nil {
		t.mu.Unlock()
		return
	}
	next, delay, retry := t.scheduleReconnectLocked()
	t.mu.Unlock()

	for _, ev := range events {
		t.listeners.Emit(ev)
	}
	t.listeners.Emit(next)

	if retry {
		t.armReconnect(gen, delay)
	}
}

// scheduleReconnectLocked advances the attempt counter and moves to
// StateReconnecting, or to StateDisconnected once retries are exhausted.
func (t *Transport) scheduleReconnectLocked() (Event, time.Duration, bool) {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}

	if t.attempt >= t.cfg.MaxRetries {
		reason := fmt.Sprintf("giving up after %d reconnection attempts", t.attempt)
		t.attempt = 0
		t.state = StateDisconnected
		t.log.Error("%s", reason)
		return FailedEvent{Reason: reason}, 0, false
	}

	delay := t.cfg.backoff().Delay(t.attempt)
	t.attempt++
	t.state = StateReconnecting

	t.log.Info("reconnecting in %s (attempt %d/%d)", delay, t.attempt, t.cfg.MaxRetries)
	return ReconnectingEvent{Attempt: t.attempt, Delay: delay}, delay, true
}

func (t *Transport) armReconnect(gen uint64, delay time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen || t.state != StateReconnecting || t.timer != nil {
		return
	}
	t.timer = time.AfterFunc(delay, func() { t.reconnect(gen) })
}

func (t *Transport) reconnect(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || t.state != StateReconnecting {
		t.mu.Unlock()
		return
	}
	t.timer = nil
	t.mu.Unlock()

	t.dial(gen)
}
