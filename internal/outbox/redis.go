package outbox

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix is the key prefix used when none is configured.
const DefaultRedisPrefix = "pilink:outbox"

// RedisStore keeps each message in a hash and orders them with a sorted set
// whose members start with the zero padded timestamp.
type RedisStore struct {
	client *goredis.Client
	prefix string
	owned  bool
}

// NewRedisStore connects to the Redis server at url.
// Format: redis://[:password@]host:port[/db]
func NewRedisStore(url, prefix string) (*RedisStore, error) {
	if url == "" {
		return nil, errors.New("redis outbox requires a URL")
	}
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis outbox: invalid URL: %w", err)
	}
	s := NewRedisStoreFromClient(goredis.NewClient(opts), prefix)
	s.owned = true
	return s, nil
}

// NewRedisStoreFromClient wraps an existing client. Close does not close it.
func NewRedisStoreFromClient(client *goredis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":index"
}

func (s *RedisStore) messageKey(id string) string {
	return s.prefix + ":msg:" + id
}

func indexMember(ts time.Time, id string) string {
	return fmt.Sprintf("%020d|%s", ts.UnixNano(), id)
}

func (s *RedisStore) Put(ctx context.Context, m QueuedMessage) error {
	prevTS, err := s.client.HGet(ctx, s.messageKey(m.ID), "timestamp").Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return fmt.Errorf("redis: load message: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		if prevTS != "" {
			if ns, perr := strconv.ParseInt(prevTS, 10, 64); perr == nil && ns != m.Timestamp.UnixNano() {
				pipe.ZRem(ctx, s.indexKey(), indexMember(time.Unix(0, ns), m.ID))
			}
		}
		pipe.HSet(ctx, s.messageKey(m.ID),
			"content", m.Content,
			"timestamp", strconv.FormatInt(m.Timestamp.UnixNano(), 10),
			"status", string(m.Status),
			"retry_count", strconv.Itoa(m.RetryCount),
		)
		pipe.ZAdd(ctx, s.indexKey(), goredis.Z{Score: 0, Member: indexMember(m.Timestamp, m.ID)})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: store message: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (QueuedMessage, error) {
	fields, err := s.client.HGetAll(ctx, s.messageKey(id)).Result()
	if err != nil {
		return QueuedMessage{}, fmt.Errorf("redis: load message: %w", err)
	}
	if len(fields) == 0 {
		return QueuedMessage{}, ErrNotFound
	}
	return decodeHash(id, fields)
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	ts, err := s.client.HGet(ctx, s.messageKey(id), "timestamp").Result()
	if errors.Is(err, goredis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("redis: load message: %w", err)
	}
	ns, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("redis: corrupt timestamp for %s: %w", id, err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, s.messageKey(id))
		pipe.ZRem(ctx, s.indexKey(), indexMember(time.Unix(0, ns), id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: delete message: %w", err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context) ([]QueuedMessage, error) {
	members, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list messages: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(members))
	cmds := make([]*goredis.MapStringStringCmd, 0, len(members))
	_, err = s.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, member := range members {
			_, id, ok := strings.Cut(member, "|")
			if !ok {
				continue
			}
			ids = append(ids, id)
			cmds = append(cmds, pipe.HGetAll(ctx, s.messageKey(id)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis: list messages: %w", err)
	}

	out := make([]QueuedMessage, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		m, err := decodeHash(ids[i], fields)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *RedisStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

func decodeHash(id string, fields map[string]string) (QueuedMessage, error) {
	ns, err := strconv.ParseInt(fields["timestamp"], 10, 64)
	if err != nil {
		return QueuedMessage{}, fmt.Errorf("redis: corrupt timestamp for %s: %w", id, err)
	}
	retries, err := strconv.Atoi(fields["retry_count"])
	if err != nil {
		return QueuedMessage{}, fmt.Errorf("redis: corrupt retry count for %s: %w", id, err)
	}
	return QueuedMessage{
		ID:         id,
		Content:    fields["content"],
		Timestamp:  time.Unix(0, ns),
		Status:     Status(fields["status"]),
		RetryCount: retries,
	}, nil
}
