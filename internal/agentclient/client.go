// Package agentclient composes the transport, rpc client, delta mapper,
// outbox and sync coordinator into the client a UI talks to.
package agentclient

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/codefionn/pilink/internal/config"
	"github.com/codefionn/pilink/internal/delta"
	"github.com/codefionn/pilink/internal/listeners"
	"github.com/codefionn/pilink/internal/lockfile"
	"github.com/codefionn/pilink/internal/logger"
	"github.com/codefionn/pilink/internal/metrics"
	"github.com/codefionn/pilink/internal/outbox"
	"github.com/codefionn/pilink/internal/rpcclient"
	"github.com/codefionn/pilink/internal/syncer"
	"github.com/codefionn/pilink/internal/transport"
)

// Delivery reports what SendPrompt did with a prompt.
type Delivery struct {
	// Queued is true when the prompt went to the outbox instead of the wire.
	Queued bool
	// OutboxID identifies the queued message.
	OutboxID string
}

type options struct {
	log     *logger.Logger
	metrics *metrics.Metrics
	store   outbox.Store
	dialer  transport.Dialer
}

// Option configures a Client.
type Option func(*options)

// WithLogger sets the base logger. Components log under their own prefix.
func WithLogger(l *logger.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithMetrics feeds the given collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithStore overrides the outbox store selected by the config.
func WithStore(s outbox.Store) Option {
	return func(o *options) { o.store = s }
}

// WithDialer replaces the websocket dialer.
func WithDialer(d transport.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// Client is the agent session client.
type Client struct {
	mu  sync.RWMutex
	cfg *config.Config

	log     *logger.Logger
	metrics *metrics.Metrics

	transport *transport.Transport
	rpc       *rpcclient.Client
	mapper    *delta.Mapper
	outbox    *outbox.Outbox
	signal    *syncer.Signal
	sync      *syncer.Coordinator

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	startErr  error

	// lock is held for file-backed sqlite outboxes.
	lock *lockfile.Lock
}

// OpenStore opens the outbox store selected by cfg.
func OpenStore(cfg config.OutboxConfig) (outbox.Store, error) {
	switch cfg.Driver {
	case config.DriverSQLite, "":
		return outbox.NewSQLiteStore(cfg.Path)
	case config.DriverRedis:
		return outbox.NewRedisStore(cfg.RedisURL, cfg.RedisPrefix)
	case config.DriverMemory:
		return outbox.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown outbox driver %q", cfg.Driver)
	}
}

// New builds a client from cfg. Nothing connects until Connect.
func New(cfg *config.Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.log == nil {
		o.log = logger.Global()
	}

	var lock *lockfile.Lock
	store := o.store
	if store == nil {
		if cfg.Outbox.Driver == config.DriverSQLite && cfg.Outbox.Path != ":memory:" {
			var err error
			lock, err = lockfile.Acquire(lockfile.PathFor(cfg.Outbox.Path))
			if err != nil {
				return nil, err
			}
		}
		var err error
		store, err = OpenStore(cfg.Outbox)
		if err != nil {
			_ = lock.Release()
			return nil, fmt.Errorf("failed to open outbox: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:     cfg,
		log:     o.log.WithPrefix("client"),
		metrics: o.metrics,
		ctx:     ctx,
		cancel:  cancel,
		lock:    lock,
	}

	tcfg := transport.DefaultConfig()
	tcfg.URL = cfg.ServerURL
	tcfg.Token = cfg.AuthToken
	tcfg.MaxRetries = cfg.Reconnect.MaxRetries
	tcfg.InitialDelay = cfg.Reconnect.InitialDelay()
	tcfg.MaxDelay = cfg.Reconnect.MaxDelay()
	tcfg.BackoffMultiplier = cfg.Reconnect.BackoffMultiplier
	tcfg.ConnectTimeout = cfg.ConnectTimeout()
	tcfg.PingInterval = cfg.PingInterval()

	topts := []transport.Option{transport.WithLogger(o.log.WithPrefix("transport"))}
	if o.dialer != nil {
		topts = append(topts, transport.WithDialer(o.dialer))
	}
	c.transport = transport.New(tcfg, topts...)

	ropts := []rpcclient.Option{
		rpcclient.WithLogger(o.log.WithPrefix("rpc")),
		rpcclient.WithRequestTimeout(cfg.RequestTimeout()),
	}
	if o.metrics != nil {
		ropts = append(ropts, rpcclient.WithObserver(o.metrics))
	}
	c.rpc = rpcclient.New(c.transport, ropts...)

	c.mapper = delta.New(delta.WithLogger(o.log.WithPrefix("delta")))
	c.signal = syncer.NewSignal(o.log.WithPrefix("connectivity"))
	c.outbox = outbox.New(store,
		outbox.WithLogger(o.log.WithPrefix("outbox")),
		outbox.WithOnlineFunc(c.signal.IsOnline))

	c.sync = syncer.New(c.outbox, c.signal, c.deliver,
		syncer.WithLogger(o.log.WithPrefix("sync")),
		syncer.WithConfig(syncer.Config{
			MaxRetries:  cfg.Outbox.MaxRetries,
			BaseDelay:   cfg.Outbox.BaseDelay(),
			SendTimeout: cfg.RequestTimeout(),
		}))

	c.transport.Subscribe(c.handleTransportEvent)
	c.rpc.Subscribe(c.mapper.Handle)
	c.outbox.Subscribe(c.metrics.ObserveOutbox)
	c.sync.Subscribe(c.handleSyncEvent)

	return c, nil
}

// Connect starts the sync coordinator (first call only) and opens the
// connection. Progress is reported to SubscribeConnection subscribers.
func (c *Client) Connect(ctx context.Context) error {
	c.startOnce.Do(func() {
		c.startErr = c.sync.Start(c.ctx)
		if c.startErr == nil {
			c.refreshOutboxMetrics(ctx)
		}
	})
	if c.startErr != nil {
		return fmt.Errorf("failed to start sync: %w", c.startErr)
	}
	c.rpc.Connect()
	return nil
}

// Disconnect closes the connection and fails outstanding requests.
func (c *Client) Disconnect() {
	c.rpc.Disconnect()
	c.signal.SetOnline(false)
}

// Close disconnects, stops background work and closes the outbox store.
func (c *Client) Close() error {
	c.Disconnect()
	c.cancel()
	c.sync.Stop()
	c.rpc.Close()
	c.wg.Wait()
	err := c.outbox.Close()
	if relErr := c.lock.Release(); relErr != nil {
		err = errors.Join(err, relErr)
	}
	return err
}

// SendPrompt sends text to the agent. While offline, or when the send finds
// the connection gone, the prompt is queued in the outbox instead.
func (c *Client) SendPrompt(ctx context.Context, text string) (Delivery, error) {
	if c.transport.State() != transport.StateConnected {
		return c.enqueue(ctx, text)
	}

	err := c.rpc.Prompt(ctx, text, nil)
	if errors.Is(err, transport.ErrNotConnected) || errors.Is(err, transport.ErrSendFailed) {
		c.log.Warn("send failed, queueing prompt: %v", err)
		return c.enqueue(ctx, text)
	}
	if err != nil {
		return Delivery{}, err
	}
	return Delivery{}, nil
}

func (c *Client) enqueue(ctx context.Context, text string) (Delivery, error) {
	id, err := c.outbox.Add(ctx, text)
	if err != nil {
		return Delivery{}, err
	}
	c.log.Info("offline, queued prompt %s", id)
	return Delivery{Queued: true, OutboxID: id}, nil
}

func (c *Client) deliver(ctx context.Context, content string) error {
	return c.rpc.Prompt(ctx, content, nil)
}

func (c *Client) handleTransportEvent(ev transport.Event) {
	c.metrics.ObserveTransport(ev, c.transport.State())

	switch e := ev.(type) {
	case transport.OpenEvent:
		c.signal.SetOnline(true)
	case transport.CloseEvent:
		if e.Code == transport.CloseUnauthorized {
			c.log.Error("server rejected the auth token")
		}
		c.signal.SetOnline(false)
	case transport.FailedEvent:
		c.signal.SetOnline(false)
	case transport.ReconnectedEvent:
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.Resync(c.ctx)
		}()
	}
}

func (c *Client) handleSyncEvent(ev syncer.Event) {
	c.metrics.ObserveSync(ev)
	if _, ok := ev.(syncer.Completed); ok {
		c.refreshOutboxMetrics(c.ctx)
	}
}

func (c *Client) refreshOutboxMetrics(ctx context.Context) {
	if c.metrics == nil {
		return
	}
	all, err := c.outbox.GetAll(ctx)
	if err != nil {
		c.log.Warn("failed to read outbox: %v", err)
		return
	}
	c.metrics.ObserveOutbox(all)
}

// Resync replaces the mapper's message log with the server's.
func (c *Client) Resync(ctx context.Context) error {
	msgs, err := c.rpc.GetMessages(ctx)
	if err != nil {
		c.log.Warn("failed to resync messages: %v", err)
		return err
	}
	c.mapper.SetMessages(msgs)
	c.log.Debug("resynced %d messages", len(msgs))
	return nil
}

// ApplyConfig takes over settings that can change at runtime: the auth token
// for the next dial and the log level.
func (c *Client) ApplyConfig(cfg *config.Config) {
	c.mu.Lock()
	prev := c.cfg
	c.cfg = cfg
	c.mu.Unlock()

	if cfg.AuthToken != prev.AuthToken {
		c.log.Info("auth token changed")
		c.transport.SetToken(cfg.AuthToken)
	}
	if cfg.LogLevel != prev.LogLevel {
		c.log.SetLevel(logger.ParseLevel(cfg.LogLevel))
	}
	if cfg.ServerURL != prev.ServerURL {
		c.log.Warn("server_url changes take effect after restart")
	}
}

// Config returns the active configuration.
func (c *Client) Config() *config.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// State returns the connection state.
func (c *Client) State() transport.State {
	return c.transport.State()
}

// Subscribe registers fn for normalized session events.
func (c *Client) Subscribe(fn func(delta.Event)) listeners.ID {
	return c.mapper.Subscribe(fn)
}

// SubscribeConnection registers fn for transport lifecycle events.
func (c *Client) SubscribeConnection(fn func(transport.Event)) listeners.ID {
	return c.transport.Subscribe(fn)
}

// SubscribeSync registers fn for sync pass events.
func (c *Client) SubscribeSync(fn func(syncer.Event)) listeners.ID {
	return c.sync.Subscribe(fn)
}

// SubscribeOutbox registers fn for outbox changes.
func (c *Client) SubscribeOutbox(fn func([]outbox.QueuedMessage)) listeners.ID {
	return c.outbox.Subscribe(fn)
}

// RPC returns the underlying request client.
func (c *Client) RPC() *rpcclient.Client { return c.rpc }

// Mapper returns the delta mapper holding the message log.
func (c *Client) Mapper() *delta.Mapper { return c.mapper }

// Outbox returns the durable prompt queue.
func (c *Client) Outbox() *outbox.Outbox { return c.outbox }

// Syncer returns the outbox sync coordinator.
func (c *Client) Syncer() *syncer.Coordinator { return c.sync }

// Transport returns the websocket transport.
func (c *Client) Transport() *transport.Transport { return c.transport }
