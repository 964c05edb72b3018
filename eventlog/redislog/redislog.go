// Package redislog stores session event logs in Redis streams.
//
// Each session gets one stream. Stream entry ids are derived from the
// sequence number (`<seq>-1`) so replay is a plain XRANGE. Keys carry a
// per-process instance segment: a restarted process never sees the streams of
// its predecessor, and Close deletes the stream when the session ends.
package redislog

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"sync"

	"github.com/ggoodman/mcp-sessions-go/eventlog"
	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

const replayBatch = 256

// Config for the Redis-backed event store. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: EVENTLOG_KEY_PREFIX
	KeyPrefix string `env:"EVENTLOG_KEY_PREFIX,default=mcp:eventlog:"`
	// MaxLen bounds each stream; 0 keeps everything. ENV: EVENTLOG_MAXLEN
	MaxLen int64 `env:"EVENTLOG_MAXLEN,default=0"`
}

// Store creates per-session logs sharing one Redis client.
type Store struct {
	client   *redis.Client
	prefix   string
	maxLen   int64
	instance string
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewWithClient(cl, cfg), nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv(ctx context.Context) (*Store, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode redis config: %w", err)
	}
	return New(ctx, cfg)
}

// NewWithClient wraps an existing client. The Store takes ownership of it.
func NewWithClient(cl *redis.Client, cfg Config) *Store {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "mcp:eventlog:"
	}
	return &Store{
		client:   cl,
		prefix:   prefix,
		maxLen:   cfg.MaxLen,
		instance: uuid.NewString(),
	}
}

// Close closes the Redis client.
func (s *Store) Close() error { return s.client.Close() }

// Factory returns an eventlog.Factory backed by this store.
func (s *Store) Factory() eventlog.Factory {
	return func(ctx context.Context, sessionID string) (eventlog.Log, error) {
		return s.NewLog(ctx, sessionID)
	}
}

// NewLog returns the log for sessionID, removing any stale stream under the
// same key.
func (s *Store) NewLog(ctx context.Context, sessionID string) (*Log, error) {
	key := s.streamKey(sessionID)
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return nil, fmt.Errorf("redis del %s: %w", key, err)
	}
	return &Log{client: s.client, key: key, maxLen: s.maxLen}, nil
}

func (s *Store) streamKey(sessionID string) string {
	return s.prefix + s.instance + ":" + sessionID
}

// Log is one session's stream.
type Log struct {
	client *redis.Client
	key    string
	maxLen int64

	mu     sync.Mutex
	last   uint64
	closed bool
}

var _ eventlog.Log = (*Log)(nil)

func (l *Log) Append(ctx context.Context, ev eventlog.Event) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, eventlog.ErrClosed
	}

	seq := l.last + 1
	args := &redis.XAddArgs{
		Stream: l.key,
		ID:     streamID(seq),
		Values: map[string]any{"r": ev.RequestID, "d": ev.Data},
	}
	if l.maxLen > 0 {
		args.MaxLen = l.maxLen
	}
	if err := l.client.XAdd(ctx, args).Err(); err != nil {
		return 0, fmt.Errorf("redis xadd: %w", err)
	}
	l.last = seq
	return seq, nil
}

func (l *Log) ReplayFrom(ctx context.Context, seq uint64) iter.Seq2[eventlog.Event, error] {
	return func(yield func(eventlog.Event, error) bool) {
		if seq == 0 {
			seq = 1
		}

		l.mu.Lock()
		last, closed := l.last, l.closed
		l.mu.Unlock()

		if closed {
			yield(eventlog.Event{}, eventlog.ErrClosed)
			return
		}
		if seq > last {
			return
		}
		if l.maxLen > 0 && last > uint64(l.maxLen) {
			if oldest := eventlog.Oldest(last, int(l.maxLen)); seq < oldest {
				yield(eventlog.Event{}, &eventlog.TruncatedError{Oldest: oldest})
				return
			}
		}

		next := seq
		for next <= last {
			msgs, err := l.client.XRangeN(ctx, l.key, streamID(next), streamID(last), replayBatch).Result()
			if err != nil {
				yield(eventlog.Event{}, fmt.Errorf("redis xrange: %w", err))
				return
			}
			if len(msgs) == 0 {
				return
			}
			for _, m := range msgs {
				ev, err := decodeMessage(m)
				if err != nil {
					yield(eventlog.Event{}, err)
					return
				}
				if !yield(ev, nil) {
					return
				}
				next = ev.Seq + 1
			}
		}
	}
}

func (l *Log) Last() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

func (l *Log) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	if err := l.client.Del(ctx, l.key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", l.key, err)
	}
	return nil
}

func streamID(seq uint64) string {
	return strconv.FormatUint(seq, 10) + "-1"
}

func decodeMessage(m redis.XMessage) (eventlog.Event, error) {
	ms, _, ok := strings.Cut(m.ID, "-")
	if !ok {
		return eventlog.Event{}, fmt.Errorf("unexpected stream id %q", m.ID)
	}
	seq, err := strconv.ParseUint(ms, 10, 64)
	if err != nil {
		return eventlog.Event{}, fmt.Errorf("unexpected stream id %q: %w", m.ID, err)
	}

	ev := eventlog.Event{Seq: seq}
	// Robust payload decoding: accept string or []byte
	switch v := m.Values["d"].(type) {
	case string:
		ev.Data = []byte(v)
	case []byte:
		ev.Data = v
	default:
		return eventlog.Event{}, fmt.Errorf("stream entry %s has no payload", m.ID)
	}
	if r, ok := m.Values["r"].(string); ok {
		ev.RequestID = r
	}
	return ev, nil
}
