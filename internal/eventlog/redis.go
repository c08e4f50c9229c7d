package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/flexinfer/flowtest/internal/provider"
	"github.com/flexinfer/flowtest/pkg/types"
)

// RedisLog implements Log with one Redis Stream per task and an INCR
// counter for sequence numbers.
type RedisLog struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	maxLen int64
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is the Redis connection URL (redis://host:port/db)
	URL string

	// Password for Redis authentication
	Password string

	// DB is the database number
	DB int

	// Prefix for all keys (default: "tasks")
	Prefix string

	// TTL for task logs (default: 7 days)
	TTL time.Duration

	// EventMaxLen caps each stream (approximate trimming)
	EventMaxLen int64

	// Connection pool settings
	PoolSize     int
	MinIdleConns int

	// Timeouts
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		URL:          "redis://localhost:6379/0",
		Prefix:       "tasks",
		TTL:          7 * 24 * time.Hour,
		EventMaxLen:  5000,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewRedisClient builds a client from cfg and checks connectivity.
func NewRedisClient(cfg *RedisConfig) (*redis.Client, error) {
	opts := &redis.Options{
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Password:     cfg.Password,
		DB:           cfg.DB,
	}
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts.Addr = parsed.Addr
		if parsed.Password != "" && cfg.Password == "" {
			opts.Password = parsed.Password
		}
		if parsed.DB != 0 && cfg.DB == 0 {
			opts.DB = parsed.DB
		}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// NewRedisLog creates a Redis-backed log.
func NewRedisLog(cfg *RedisConfig, logger *slog.Logger) (*RedisLog, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}
	client, err := NewRedisClient(cfg)
	if err != nil {
		return nil, err
	}
	return NewRedisLogWithClient(client, cfg, logger), nil
}

// NewRedisLogWithClient wraps an existing client.
func NewRedisLogWithClient(client *redis.Client, cfg *RedisConfig, logger *slog.Logger) *RedisLog {
	if logger == nil {
		logger = slog.Default()
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "tasks"
	}
	return &RedisLog{
		client: client,
		prefix: prefix,
		ttl:    cfg.TTL,
		maxLen: cfg.EventMaxLen,
		logger: logger,
	}
}

func (l *RedisLog) keyEvents(taskID string) string { return fmt.Sprintf("%s:%s:events", l.prefix, taskID) }
func (l *RedisLog) keySeq(taskID string) string    { return fmt.Sprintf("%s:%s:seq", l.prefix, taskID) }

func brokerError(err error) error {
	return &provider.ExternalCallError{Provider: "redis", Retryable: true, Err: err}
}

// appendScript assigns the next sequence number and appends the entry in one
// step, so stream order always matches sequence order.
var appendScript = redis.NewScript(`
local seq = redis.call('INCR', KEYS[2])
local fields = {'seq', tostring(seq), 'id', ARGV[1], 'key', ARGV[2], 'ts', ARGV[3], 'type', ARGV[4], 'nodeId', ARGV[5], 'data', ARGV[6]}
if tonumber(ARGV[7]) > 0 then
  redis.call('XADD', KEYS[1], 'MAXLEN', '~', ARGV[7], '*', unpack(fields))
else
  redis.call('XADD', KEYS[1], '*', unpack(fields))
end
if tonumber(ARGV[8]) > 0 then
  redis.call('EXPIRE', KEYS[1], ARGV[8])
  redis.call('EXPIRE', KEYS[2], ARGV[8])
end
return seq
`)

func (l *RedisLog) Append(ctx context.Context, taskID string, in types.EventInput) (*types.Event, error) {
	if l.isClosed() {
		return nil, ErrClosed
	}

	data, err := json.Marshal(in.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}

	key := in.Key
	if key == "" {
		key = types.EventKey(taskID, "", in.NodeID, in.Type)
	}
	event := &types.Event{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Key:       key,
		Type:      in.Type,
		NodeID:    in.NodeID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	seq, err := appendScript.Run(ctx, l.client,
		[]string{l.keyEvents(taskID), l.keySeq(taskID)},
		event.ID, key, event.Timestamp.Format(time.RFC3339Nano), string(in.Type), in.NodeID, string(data),
		l.maxLen, int64(l.ttl/time.Second),
	).Int64()
	if err != nil {
		return nil, brokerError(fmt.Errorf("append: %w", err))
	}
	event.Seq = seq
	return event, nil
}

func (l *RedisLog) Read(ctx context.Context, taskID string, fromOffset int64) ([]*types.Event, error) {
	entries, err := l.client.XRange(ctx, l.keyEvents(taskID), "-", "+").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*types.Event{}, nil
		}
		return nil, brokerError(fmt.Errorf("xrange: %w", err))
	}

	events := make([]*types.Event, 0, len(entries))
	for _, entry := range entries {
		e := decodeEntry(taskID, entry)
		if e.Seq > fromOffset {
			events = append(events, e)
		}
	}
	return events, nil
}

func (l *RedisLog) Subscribe(ctx context.Context, taskID string, fromOffset int64) (<-chan *types.Event, error) {
	if l.isClosed() {
		return nil, ErrClosed
	}

	ch := make(chan *types.Event, 100)
	go l.streamReader(ctx, taskID, fromOffset, ch)
	return ch, nil
}

// streamReader tails the task stream from its first entry, skipping
// entries at or below fromOffset.
func (l *RedisLog) streamReader(ctx context.Context, taskID string, fromOffset int64, ch chan<- *types.Event) {
	defer close(ch)
	lastID := "0-0"

	for {
		if ctx.Err() != nil || l.isClosed() {
			return
		}

		streams, err := l.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{l.keyEvents(taskID), lastID},
			Count:   100,
			Block:   time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			l.logger.Warn("event stream read failed", "task_id", taskID, "error", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				lastID = entry.ID
				e := decodeEntry(taskID, entry)
				if e.Seq <= fromOffset {
					continue
				}
				select {
				case ch <- e:
				case <-ctx.Done():
					return
				}
				if e.Type.IsTerminal() {
					return
				}
			}
		}
	}
}

func decodeEntry(taskID string, entry redis.XMessage) *types.Event {
	str := func(k string) string {
		s, _ := entry.Values[k].(string)
		return s
	}
	seq, _ := strconv.ParseInt(str("seq"), 10, 64)
	ts, _ := time.Parse(time.RFC3339Nano, str("ts"))
	return &types.Event{
		ID:        str("id"),
		TaskID:    taskID,
		Seq:       seq,
		Key:       str("key"),
		Type:      types.EventType(str("type")),
		NodeID:    str("nodeId"),
		Timestamp: ts,
		Data:      json.RawMessage(str("data")),
	}
}

func (l *RedisLog) Info(ctx context.Context) (map[string]any, error) {
	pingStart := time.Now()
	if err := l.client.Ping(ctx).Err(); err != nil {
		return map[string]any{
			"adapter": "redis",
			"healthy": false,
			"error":   err.Error(),
		}, nil
	}
	pingLatency := time.Since(pingStart)
	poolStats := l.client.PoolStats()

	return map[string]any{
		"adapter": "redis",
		"healthy": true,
		"details": map[string]any{
			"prefix":       l.prefix,
			"ttl_hours":    l.ttl.Hours(),
			"max_events":   l.maxLen,
			"ping_latency": pingLatency.String(),
			"pool": map[string]any{
				"hits":       poolStats.Hits,
				"misses":     poolStats.Misses,
				"timeouts":   poolStats.Timeouts,
				"total_conn": poolStats.TotalConns,
				"idle_conn":  poolStats.IdleConns,
			},
		},
	}, nil
}

func (l *RedisLog) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Close closes the Redis connection.
func (l *RedisLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.client.Close()
}

var _ Log = (*RedisLog)(nil)
