package agentclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/pilink/internal/config"
	"github.com/codefionn/pilink/internal/delta"
	"github.com/codefionn/pilink/internal/lockfile"
	"github.com/codefionn/pilink/internal/logger"
	"github.com/codefionn/pilink/internal/metrics"
	"github.com/codefionn/pilink/internal/syncer"
	"github.com/codefionn/pilink/internal/transport"
)

var quiet = logger.NewWithWriter(logger.LevelNone, io.Discard, "test")

// agentServer is a minimal agent endpoint. Every command gets a success
// response; prompts additionally stream a short assistant reply.
type agentServer struct {
	srv     *httptest.Server
	prompts chan string
	conns   atomic.Int32

	// dropFirst closes the first connection right after the handshake.
	dropFirst bool
}

func newAgentServer(t *testing.T, dropFirst bool) *agentServer {
	t.Helper()
	a := &agentServer{prompts: make(chan string, 16), dropFirst: dropFirst}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	a.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if n := a.conns.Add(1); n == 1 && a.dropFirst {
			return
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var cmd struct {
				ID      string `json:"id"`
				Type    string `json:"type"`
				Message string `json:"message"`
			}
			if err := json.Unmarshal(data, &cmd); err != nil {
				continue
			}
			if err := a.reply(conn, cmd.ID, cmd.Type, cmd.Message); err != nil {
				return
			}
		}
	}))
	t.Cleanup(a.srv.Close)
	return a
}

func (a *agentServer) reply(conn *websocket.Conn, id, command, message string) error {
	var frames []string
	switch command {
	case "get_messages":
		frames = append(frames, `{"type":"response","id":"`+id+`","command":"get_messages","success":true,`+
			`"data":{"messages":[{"role":"user","content":"earlier","timestamp":1}]}}`)
	case "prompt":
		a.prompts <- message
		frames = append(frames,
			`{"type":"response","id":"`+id+`","command":"prompt","success":true}`,
			`{"type":"agent_start"}`,
			`{"type":"message_start","message":{"role":"assistant","content":[],"timestamp":2000}}`,
			`{"type":"message_update","message":{"role":"assistant","content":[],"timestamp":2000},`+
				`"assistantMessageEvent":{"type":"text_delta","contentIndex":0,"delta":"Hello"}}`,
			`{"type":"message_end","message":{"role":"assistant","content":[{"type":"text","text":"Hello"}],"timestamp":2000}}`,
			`{"type":"agent_end","messages":[{"role":"user","content":"hi","timestamp":1000},`+
				`{"role":"assistant","content":[{"type":"text","text":"Hello"}],"timestamp":2000}]}`,
		)
	default:
		frames = append(frames, `{"type":"response","id":"`+id+`","command":"`+command+`","success":true}`)
	}
	return conn.WriteMessage(websocket.TextMessage, []byte(strings.Join(frames, "\n")))
}

func (a *agentServer) url() string {
	return "ws" + strings.TrimPrefix(a.srv.URL, "http") + "/ws"
}

func testConfig(url string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.ServerURL = url
	cfg.PingIntervalMs = 0
	cfg.RequestTimeoutMs = 2000
	cfg.Reconnect.InitialDelayMs = 5
	cfg.Reconnect.MaxDelayMs = 50
	cfg.Outbox.Driver = config.DriverMemory
	cfg.Outbox.BaseDelayMs = 10
	return cfg
}

func newClient(t *testing.T, url string, opts ...Option) *Client {
	t.Helper()
	c, err := New(testConfig(url), append([]Option{WithLogger(quiet)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitConnected(t *testing.T, c *Client) {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.State() == transport.StateConnected
	}, 3*time.Second, 5*time.Millisecond)
}

func TestSendPromptStreamsReply(t *testing.T) {
	srv := newAgentServer(t, false)
	c := newClient(t, srv.url(), WithMetrics(metrics.New(prometheus.NewRegistry())))

	ended := make(chan delta.MessageEnd, 1)
	c.Subscribe(func(ev delta.Event) {
		if e, ok := ev.(delta.MessageEnd); ok {
			ended <- e
		}
	})

	require.NoError(t, c.Connect(context.Background()))
	waitConnected(t, c)

	d, err := c.SendPrompt(context.Background(), "hi")
	require.NoError(t, err)
	assert.False(t, d.Queued)
	assert.Equal(t, "hi", <-srv.prompts)

	select {
	case e := <-ended:
		assert.Equal(t, "Hello", e.Message.Content.Text())
	case <-time.After(3 * time.Second):
		t.Fatal("no message_end")
	}
	require.Eventually(t, func() bool {
		return len(c.Mapper().Messages()) == 2
	}, 3*time.Second, 5*time.Millisecond)
}

func TestOfflinePromptIsQueuedAndDrained(t *testing.T) {
	srv := newAgentServer(t, false)
	c := newClient(t, srv.url())

	completed := make(chan syncer.Completed, 4)
	c.SubscribeSync(func(ev syncer.Event) {
		if e, ok := ev.(syncer.Completed); ok {
			completed <- e
		}
	})

	d, err := c.SendPrompt(context.Background(), "while offline")
	require.NoError(t, err)
	assert.True(t, d.Queued)
	assert.NotEmpty(t, d.OutboxID)

	n, err := c.Outbox().Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, c.Connect(context.Background()))

	select {
	case got := <-srv.prompts:
		assert.Equal(t, "while offline", got)
	case <-time.After(3 * time.Second):
		t.Fatal("queued prompt was not delivered")
	}

	select {
	case e := <-completed:
		assert.Equal(t, 1, e.Sent)
		assert.Equal(t, 0, e.Failed)
	case <-time.After(3 * time.Second):
		t.Fatal("sync pass did not complete")
	}

	n, err = c.Outbox().Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReconnectResyncsMessages(t *testing.T) {
	srv := newAgentServer(t, true)
	c := newClient(t, srv.url())

	reconnected := make(chan struct{}, 1)
	c.SubscribeConnection(func(ev transport.Event) {
		if _, ok := ev.(transport.ReconnectedEvent); ok {
			select {
			case reconnected <- struct{}{}:
			default:
			}
		}
	})

	require.NoError(t, c.Connect(context.Background()))

	select {
	case <-reconnected:
	case <-time.After(3 * time.Second):
		t.Fatal("client did not reconnect")
	}

	require.Eventually(t, func() bool {
		msgs := c.Mapper().Messages()
		return len(msgs) == 1 && msgs[0].Content.Text() == "earlier"
	}, 3*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, srv.conns.Load(), int32(2))
}

func TestDisconnectGoesOffline(t *testing.T) {
	srv := newAgentServer(t, false)
	c := newClient(t, srv.url())

	require.NoError(t, c.Connect(context.Background()))
	waitConnected(t, c)

	c.Disconnect()
	assert.Equal(t, transport.StateDisconnected, c.State())

	d, err := c.SendPrompt(context.Background(), "later")
	require.NoError(t, err)
	assert.True(t, d.Queued)
}

func TestApplyConfigUpdatesTokenAndLevel(t *testing.T) {
	c := newClient(t, "ws://127.0.0.1:1/ws")

	next := *c.Config()
	next.AuthToken = "rotated"
	next.LogLevel = "debug"
	c.ApplyConfig(&next)

	assert.Equal(t, "rotated", c.Config().AuthToken)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig("http://not-a-websocket")
	_, err := New(cfg, WithLogger(quiet))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ws or wss")
}

func TestOpenStore(t *testing.T) {
	s, err := OpenStore(config.OutboxConfig{Driver: config.DriverMemory})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenStore(config.OutboxConfig{Driver: config.DriverSQLite, Path: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = OpenStore(config.OutboxConfig{Driver: "etcd"})
	assert.Error(t, err)
}

func TestSQLiteOutboxIsExclusive(t *testing.T) {
	cfg := testConfig("ws://127.0.0.1:1/ws")
	cfg.Outbox.Driver = config.DriverSQLite
	cfg.Outbox.Path = filepath.Join(t.TempDir(), "outbox.db")

	first, err := New(cfg, WithLogger(quiet))
	require.NoError(t, err)

	_, err = New(cfg, WithLogger(quiet))
	require.ErrorIs(t, err, lockfile.ErrLocked)

	require.NoError(t, first.Close())

	second, err := New(cfg, WithLogger(quiet))
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

// deadConn completes the handshake but every write fails.
type deadConn struct {
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *deadConn) ReadMessage() (int, []byte, error) {
	<-c.closed
	return 0, nil, errors.New("connection closed")
}

func (c *deadConn) WriteMessage(int, []byte) error { return errors.New("broken pipe") }

func (c *deadConn) WriteControl(int, []byte, time.Time) error { return nil }

func (c *deadConn) SetReadDeadline(time.Time) error { return nil }

func (c *deadConn) SetWriteDeadline(time.Time) error { return nil }

func (c *deadConn) SetPongHandler(func(string) error) {}

func (c *deadConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

type deadDialer struct{}

func (deadDialer) Dial(context.Context, string, http.Header) (transport.Conn, *http.Response, error) {
	return &deadConn{closed: make(chan struct{})}, nil, nil
}

func TestPromptIsQueuedWhenWriteFails(t *testing.T) {
	c := newClient(t, "ws://unused/ws", WithDialer(deadDialer{}))

	require.NoError(t, c.Connect(context.Background()))
	waitConnected(t, c)

	d, err := c.SendPrompt(context.Background(), "hello")
	require.NoError(t, err)
	assert.True(t, d.Queued)

	msg, err := c.Outbox().Get(context.Background(), d.OutboxID)
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.Content)
}
