package syncer

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/pilink/internal/logger"
	"github.com/codefionn/pilink/internal/outbox"
)

var quiet = logger.NewWithWriter(logger.LevelNone, io.Discard, "test")

type fakeSender struct {
	mu    sync.Mutex
	fail  map[string]bool
	sent  []string
	block chan struct{}
}

func (s *fakeSender) send(ctx context.Context, content string) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, content)
	if s.fail[content] {
		return errors.New("send failed")
	}
	return nil
}

func (s *fakeSender) delivered() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
	done   chan Completed
}

func newEventLog() *eventLog {
	return &eventLog{done: make(chan Completed, 8)}
}

func (l *eventLog) record(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
	if c, ok := ev.(Completed); ok {
		l.done <- c
	}
}

func (l *eventLog) waitCompleted(t *testing.T) Completed {
	t.Helper()
	select {
	case c := <-l.done:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("no sync pass completed")
		return Completed{}
	}
}

func (l *eventLog) snapshot() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func setup(t *testing.T, sender *fakeSender, cfg Config) (*outbox.Outbox, *Signal, *Coordinator, *eventLog) {
	t.Helper()
	sig := NewSignal(quiet)
	ob := outbox.New(outbox.NewMemoryStore(), outbox.WithLogger(quiet), outbox.WithOnlineFunc(sig.IsOnline))
	c := New(ob, sig, sender.send, WithConfig(cfg), WithLogger(quiet))
	log := newEventLog()
	c.Subscribe(log.record)
	t.Cleanup(c.Stop)
	return ob, sig, c, log
}

func testConfig() Config {
	return Config{MaxRetries: 3, BaseDelay: time.Hour, SendTimeout: time.Second}
}

func TestOnlineTransitionDrainsInOrder(t *testing.T) {
	ctx := context.Background()
	sender := &fakeSender{}
	ob, sig, c, log := setup(t, sender, testConfig())

	for _, s := range []string{"one", "two", "three"} {
		_, err := ob.Add(ctx, s)
		require.NoError(t, err)
	}
	require.NoError(t, c.Start(ctx))

	sig.SetOnline(true)
	res := log.waitCompleted(t)

	assert.Equal(t, Completed{Sent: 3, Failed: 0}, res)
	assert.Equal(t, []string{"one", "two", "three"}, sender.delivered())
	n, _ := ob.Count(ctx)
	assert.Equal(t, 0, n)

	events := log.snapshot()
	require.Len(t, events, 5)
	assert.Equal(t, Started{Pending: 3}, events[0])
	assert.Equal(t, Progress{MessageID: events[1].(Progress).MessageID, Sent: 1, Total: 3}, events[1])
	assert.Equal(t, 3, events[3].(Progress).Sent)
}

func TestFailedDeliverySchedulesOneRetry(t *testing.T) {
	ctx := context.Background()
	sender := &fakeSender{fail: map[string]bool{"B": true}}
	ob, _, c, log := setup(t, sender, testConfig())

	_, err := ob.Add(ctx, "A")
	require.NoError(t, err)
	idB, err := ob.Add(ctx, "B")
	require.NoError(t, err)

	res, err := c.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, Completed{Sent: 1, Failed: 1}, res)

	all, err := ob.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, idB, all[0].ID)
	assert.Equal(t, outbox.StatusFailed, all[0].Status)
	assert.Equal(t, 1, all[0].RetryCount)
	assert.Equal(t, 1, c.PendingRetries())

	var errEvents []Error
	for _, ev := range log.snapshot() {
		if e, ok := ev.(Error); ok {
			errEvents = append(errEvents, e)
		}
	}
	require.Len(t, errEvents, 1)
	assert.Equal(t, idB, errEvents[0].MessageID)
	assert.Equal(t, 1, errEvents[0].RetryCount)
	assert.True(t, errEvents[0].WillRetry)
}

func TestRequeueTriggersPassWhenOnline(t *testing.T) {
	ctx := context.Background()
	sender := &fakeSender{fail: map[string]bool{"flaky": true}}
	cfg := testConfig()
	cfg.BaseDelay = 5 * time.Millisecond
	ob, sig, c, log := setup(t, sender, cfg)

	_, err := ob.Add(ctx, "flaky")
	require.NoError(t, err)
	require.NoError(t, c.Start(ctx))
	sig.SetOnline(true)

	// three attempts, each followed by a requeue until the cap is reached
	for i := 0; i < 3; i++ {
		res := log.waitCompleted(t)
		assert.Equal(t, 1, res.Failed)
	}

	all, err := ob.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, 3, all[0].RetryCount)
	assert.Equal(t, outbox.StatusFailed, all[0].Status)
	assert.Equal(t, []string{"flaky", "flaky", "flaky"}, sender.delivered())

	var last Error
	for _, ev := range log.snapshot() {
		if e, ok := ev.(Error); ok {
			last = e
		}
	}
	assert.False(t, last.WillRetry)
	assert.Eventually(t, func() bool { return c.PendingRetries() == 0 }, time.Second, 5*time.Millisecond)
}

func TestExhaustedMessagesAreSkipped(t *testing.T) {
	ctx := context.Background()
	sender := &fakeSender{}
	ob, _, c, _ := setup(t, sender, testConfig())

	id, err := ob.Add(ctx, "tired")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, ob.UpdateStatus(ctx, id, outbox.StatusSending))
		require.NoError(t, ob.UpdateStatus(ctx, id, outbox.StatusPending))
	}
	_, err = ob.Add(ctx, "fresh")
	require.NoError(t, err)

	res, err := c.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, Completed{Sent: 1, Failed: 1}, res)
	assert.Equal(t, []string{"fresh"}, sender.delivered())

	m, err := ob.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusFailed, m.Status)
	assert.Equal(t, 3, m.RetryCount)
	assert.Equal(t, 0, c.PendingRetries())
}

func TestConcurrentPassIsRejected(t *testing.T) {
	ctx := context.Background()
	sender := &fakeSender{block: make(chan struct{})}
	ob, _, c, log := setup(t, sender, testConfig())

	_, err := ob.Add(ctx, "slow")
	require.NoError(t, err)

	first := make(chan error, 1)
	go func() {
		_, err := c.SyncNow(ctx)
		first <- err
	}()
	require.Eventually(t, c.IsSyncing, time.Second, time.Millisecond)

	_, err = c.SyncNow(ctx)
	assert.ErrorIs(t, err, ErrSyncInProgress)

	close(sender.block)
	require.NoError(t, <-first)
	assert.Equal(t, Completed{Sent: 1}, log.waitCompleted(t))
}

func TestStartRecoversInterruptedMessages(t *testing.T) {
	ctx := context.Background()
	sender := &fakeSender{}
	ob, _, c, _ := setup(t, sender, testConfig())

	stuck, err := ob.Add(ctx, "stuck")
	require.NoError(t, err)
	require.NoError(t, ob.UpdateStatus(ctx, stuck, outbox.StatusSending))

	failed, err := ob.Add(ctx, "failed")
	require.NoError(t, err)
	require.NoError(t, ob.UpdateStatus(ctx, failed, outbox.StatusSending))
	require.NoError(t, ob.UpdateStatus(ctx, failed, outbox.StatusFailed))

	require.NoError(t, c.Start(ctx))

	m, err := ob.Get(ctx, stuck)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusPending, m.Status)
	assert.Equal(t, 1, m.RetryCount)
	assert.Equal(t, 1, c.PendingRetries())
	assert.Empty(t, sender.delivered(), "offline start must not send")
}

func TestDuplicateOnlineSignalsAreAbsorbed(t *testing.T) {
	ctx := context.Background()
	sender := &fakeSender{}
	_, sig, c, log := setup(t, sender, testConfig())
	require.NoError(t, c.Start(ctx))

	sig.SetOnline(true)
	sig.SetOnline(true)
	log.waitCompleted(t)

	sig.SetOnline(false)
	sig.SetOnline(true)
	log.waitCompleted(t)

	select {
	case <-log.done:
		t.Fatal("unexpected extra sync pass")
	case <-time.After(30 * time.Millisecond):
	}
}

func TestStopCancelsRequeues(t *testing.T) {
	ctx := context.Background()
	sender := &fakeSender{fail: map[string]bool{"x": true}}
	ob, _, c, _ := setup(t, sender, testConfig())
	require.NoError(t, c.Start(ctx))

	_, err := ob.Add(ctx, "x")
	require.NoError(t, err)
	_, err = c.SyncNow(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, c.PendingRetries())

	c.Stop()
	assert.Equal(t, 0, c.PendingRetries())
}
