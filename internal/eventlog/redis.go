package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flexinfer/mentatlab/services/taskflow/pkg/types"
)

// appendScript performs the optimistic check-and-append atomically.
// Stream entry ids are "<sequence>-0" so XRANGE can seek by sequence.
//
// KEYS: seq counter, events stream, workflow index set
// ARGV: expected sequence, workflow id, ttl seconds, event json...
var appendScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if cur ~= tonumber(ARGV[1]) then
  return {0, cur}
end
for i = 4, #ARGV do
  cur = cur + 1
  redis.call('XADD', KEYS[2], cur .. '-0', 'data', ARGV[i])
end
redis.call('SET', KEYS[1], cur)
redis.call('SADD', KEYS[3], ARGV[2])
local ttl = tonumber(ARGV[3])
if ttl > 0 then
  redis.call('EXPIRE', KEYS[1], ttl)
  redis.call('EXPIRE', KEYS[2], ttl)
end
return {1, cur}
`)

// RedisStore implements Store backed by Redis.
// Each workflow log is a Redis Stream plus a sequence counter.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	config *Config
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

	// Prefix for all keys (default: "taskflow")
	Prefix string

	// TTL for workflow logs (0 = keep forever)
	TTL time.Duration

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
		Prefix:       "taskflow",
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewRedisStore creates a new Redis-backed Store.
func NewRedisStore(cfg *RedisConfig, storeCfg *Config, logger *slog.Logger) (*RedisStore, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}
	if storeCfg == nil {
		storeCfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

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
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "taskflow"
	}

	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    cfg.TTL,
		config: storeCfg,
		logger: logger,
	}, nil
}

// Key helpers
func (s *RedisStore) keyEvents(wf string) string { return fmt.Sprintf("%s:wf:%s:events", s.prefix, wf) }
func (s *RedisStore) keySeq(wf string) string    { return fmt.Sprintf("%s:wf:%s:seq", s.prefix, wf) }
func (s *RedisStore) keyIndex() string           { return fmt.Sprintf("%s:workflows", s.prefix) }

// Append writes events through the check-and-append script.
func (s *RedisStore) Append(ctx context.Context, workflowID string, expectedSeq int64, events ...*types.Event) ([]*types.Event, error) {
	prepared, err := prepare(workflowID, expectedSeq, s.config.now(), events)
	if err != nil {
		return nil, err
	}

	args := make([]interface{}, 0, len(prepared)+3)
	args = append(args, expectedSeq, workflowID, int64(s.ttl/time.Second))
	for _, evt := range prepared {
		data, err := json.Marshal(evt)
		if err != nil {
			return nil, fmt.Errorf("encode event: %w", err)
		}
		args = append(args, string(data))
	}

	keys := []string{s.keySeq(workflowID), s.keyEvents(workflowID), s.keyIndex()}
	res, err := appendScript.Run(ctx, s.client, keys, args...).Slice()
	if err != nil {
		return nil, fmt.Errorf("append %s: %w", workflowID, err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("append %s: unexpected script reply %v", workflowID, res)
	}
	ok, _ := res[0].(int64)
	cur, _ := res[1].(int64)
	if ok != 1 {
		return nil, conflict(workflowID, expectedSeq, cur)
	}

	return cloneAll(prepared), nil
}

// Read returns events with Sequence >= fromSequence.
func (s *RedisStore) Read(ctx context.Context, workflowID string, fromSequence int64) ([]*types.Event, error) {
	if fromSequence < 1 {
		fromSequence = 1
	}
	start := strconv.FormatInt(fromSequence, 10) + "-0"

	entries, err := s.client.XRange(ctx, s.keyEvents(workflowID), start, "+").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*types.Event{}, nil
		}
		return nil, fmt.Errorf("xrange: %w", err)
	}

	events := make([]*types.Event, 0, len(entries))
	for _, entry := range entries {
		data, _ := entry.Values["data"].(string)
		var evt types.Event
		if err := json.Unmarshal([]byte(data), &evt); err != nil {
			return nil, fmt.Errorf("decode event %s/%s: %w", workflowID, entry.ID, err)
		}
		events = append(events, &evt)
	}
	return events, nil
}

func (s *RedisStore) LastSequence(ctx context.Context, workflowID string) (int64, error) {
	seq, err := s.client.Get(ctx, s.keySeq(workflowID)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("get seq: %w", err)
	}
	return seq, nil
}

func (s *RedisStore) Workflows(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.keyIndex()).Result()
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	if s.ttl > 0 {
		// Expired logs leave stale index entries behind.
		live := ids[:0]
		for _, id := range ids {
			n, err := s.client.Exists(ctx, s.keySeq(id)).Result()
			if err != nil {
				return nil, fmt.Errorf("check workflow exists: %w", err)
			}
			if n > 0 {
				live = append(live, id)
			} else {
				s.client.SRem(ctx, s.keyIndex(), id)
			}
		}
		ids = live
	}
	sort.Strings(ids)
	return ids, nil
}

// AdapterInfo returns diagnostic information.
func (s *RedisStore) AdapterInfo(ctx context.Context) (map[string]interface{}, error) {
	pingStart := time.Now()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return map[string]interface{}{
			"adapter": "redis",
			"healthy": false,
			"error":   err.Error(),
		}, nil
	}
	pingLatency := time.Since(pingStart)

	poolStats := s.client.PoolStats()

	return map[string]interface{}{
		"adapter": "redis",
		"healthy": true,
		"details": map[string]interface{}{
			"prefix":       s.prefix,
			"ttl_hours":    s.ttl.Hours(),
			"ping_latency": pingLatency.String(),
			"pool": map[string]interface{}{
				"hits":       poolStats.Hits,
				"misses":     poolStats.Misses,
				"timeouts":   poolStats.Timeouts,
				"total_conn": poolStats.TotalConns,
				"idle_conn":  poolStats.IdleConns,
				"stale_conn": poolStats.StaleConns,
			},
		},
	}, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	return s.client.Close()
}

// Ensure RedisStore implements Store
var _ Store = (*RedisStore)(nil)
