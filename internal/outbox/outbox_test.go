package outbox

import (
	"context"
	"io"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/pilink/internal/logger"
)

var quiet = logger.NewWithWriter(logger.LevelNone, io.Discard, "test")

type storeFactory func(t *testing.T) Store

func stores() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLiteStore(":memory:")
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
		"redis": func(t *testing.T) Store {
			mr := miniredis.RunT(t)
			client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			return NewRedisStoreFromClient(client, "test:outbox")
		},
	}
}

func fixedClock() func() time.Time {
	ts := time.Unix(1700000000, 0)
	return func() time.Time { return ts }
}

func TestStoreContract(t *testing.T) {
	for name, factory := range stores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)

			base := time.Unix(1700000000, 0)
			b := QueuedMessage{ID: "b", Content: "second", Timestamp: base.Add(2), Status: StatusPending}
			a := QueuedMessage{ID: "a", Content: "first", Timestamp: base.Add(1), Status: StatusPending}
			require.NoError(t, s.Put(ctx, b))
			require.NoError(t, s.Put(ctx, a))

			got, err := s.Get(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, "first", got.Content)
			assert.True(t, got.Timestamp.Equal(a.Timestamp))

			list, err := s.List(ctx)
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "a", list[0].ID)
			assert.Equal(t, "b", list[1].ID)

			a.Status = StatusFailed
			a.RetryCount = 2
			require.NoError(t, s.Put(ctx, a))
			got, err = s.Get(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, StatusFailed, got.Status)
			assert.Equal(t, 2, got.RetryCount)

			list, err = s.List(ctx)
			require.NoError(t, err)
			assert.Len(t, list, 2, "replacing must not duplicate")

			require.NoError(t, s.Delete(ctx, "a"))
			assert.ErrorIs(t, s.Delete(ctx, "a"), ErrNotFound)
			_, err = s.Get(ctx, "a")
			assert.ErrorIs(t, err, ErrNotFound)

			list, err = s.List(ctx)
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.Equal(t, "b", list[0].ID)
		})
	}
}

func TestOutboxFIFOWithStrictTimestamps(t *testing.T) {
	for name, factory := range stores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			o := New(factory(t), WithLogger(quiet), WithClock(fixedClock()))

			ids := make([]string, 3)
			for i, content := range []string{"one", "two", "three"} {
				id, err := o.Add(ctx, content)
				require.NoError(t, err)
				ids[i] = id
			}

			all, err := o.GetAll(ctx)
			require.NoError(t, err)
			require.Len(t, all, 3)
			for i, m := range all {
				assert.Equal(t, ids[i], m.ID)
				assert.Equal(t, StatusPending, m.Status)
				assert.Equal(t, 0, m.RetryCount)
				if i > 0 {
					assert.True(t, m.Timestamp.After(all[i-1].Timestamp), "timestamps must increase")
				}
			}
		})
	}
}

func TestUpdateStatusCountsRetries(t *testing.T) {
	ctx := context.Background()
	o := New(NewMemoryStore(), WithLogger(quiet))

	id, err := o.Add(ctx, "hello")
	require.NoError(t, err)

	require.NoError(t, o.UpdateStatus(ctx, id, StatusSending))
	require.NoError(t, o.UpdateStatus(ctx, id, StatusFailed))
	require.NoError(t, o.UpdateStatus(ctx, id, StatusPending))
	require.NoError(t, o.UpdateStatus(ctx, id, StatusSending))

	m, err := o.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, m.RetryCount)
	assert.Equal(t, StatusSending, m.Status)

	failed, err := o.GetByStatus(ctx, StatusFailed)
	require.NoError(t, err)
	assert.Empty(t, failed)

	assert.ErrorIs(t, o.UpdateStatus(ctx, "missing", StatusFailed), ErrNotFound)
	assert.Error(t, o.UpdateStatus(ctx, id, Status("lost")))
}

func TestRetryResetsBudget(t *testing.T) {
	ctx := context.Background()
	o := New(NewMemoryStore(), WithLogger(quiet))

	id, err := o.Add(ctx, "again")
	require.NoError(t, err)
	require.NoError(t, o.UpdateStatus(ctx, id, StatusSending))
	require.NoError(t, o.UpdateStatus(ctx, id, StatusFailed))

	require.NoError(t, o.Retry(ctx, id))
	m, err := o.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, m.Status)
	assert.Zero(t, m.RetryCount)

	assert.ErrorIs(t, o.Retry(ctx, "missing"), ErrNotFound)
}

func TestRemoveAndClear(t *testing.T) {
	ctx := context.Background()
	o := New(NewMemoryStore(), WithLogger(quiet))

	a, _ := o.Add(ctx, "a")
	_, _ = o.Add(ctx, "b")
	_, _ = o.Add(ctx, "c")

	require.NoError(t, o.Remove(ctx, a))
	assert.ErrorIs(t, o.Remove(ctx, a), ErrNotFound)

	n, err := o.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	removed, err := o.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	n, _ = o.Count(ctx)
	assert.Equal(t, 0, n)
}

func TestNotificationsSuppressedWhileOnline(t *testing.T) {
	ctx := context.Background()
	var online atomic.Bool
	o := New(NewMemoryStore(), WithLogger(quiet), WithOnlineFunc(online.Load))

	var notified [][]QueuedMessage
	o.Subscribe(func(all []QueuedMessage) { notified = append(notified, all) })

	id, err := o.Add(ctx, "offline")
	require.NoError(t, err)
	require.Len(t, notified, 1)
	assert.Len(t, notified[0], 1)

	online.Store(true)
	require.NoError(t, o.UpdateStatus(ctx, id, StatusSending))
	require.NoError(t, o.Remove(ctx, id))
	assert.Len(t, notified, 1)

	online.Store(false)
	_, err = o.Add(ctx, "again")
	require.NoError(t, err)
	require.Len(t, notified, 2)
	assert.Equal(t, "again", notified[1][0].Content)
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "outbox.db")

	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	o := New(s, WithLogger(quiet))
	id, err := o.Add(ctx, "persist me")
	require.NoError(t, err)
	require.NoError(t, o.UpdateStatus(ctx, id, StatusSending))
	require.NoError(t, o.Close())

	s, err = NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()
	m, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "persist me", m.Content)
	assert.Equal(t, StatusSending, m.Status)
	assert.Equal(t, 1, m.RetryCount)
}

func TestNewRedisStoreValidatesURL(t *testing.T) {
	_, err := NewRedisStore("", "")
	assert.Error(t, err)
	_, err = NewRedisStore("not a url", "")
	assert.Error(t, err)

	mr := miniredis.RunT(t)
	s, err := NewRedisStore("redis://"+mr.Addr()+"/0", "")
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Put(context.Background(), QueuedMessage{ID: "x", Timestamp: time.Unix(0, 5), Status: StatusPending}))
	assert.True(t, mr.Exists(DefaultRedisPrefix+":msg:x"))
}
