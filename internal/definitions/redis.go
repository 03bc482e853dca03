package definitions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces definition keys.
const DefaultRedisPrefix = "taskflow"

// RedisStore keeps definitions as JSON strings plus an id set.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// NewRedisStore connects to the redis server at url (redis://...).
func NewRedisStore(url, prefix string, logger *slog.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewRedisStoreWithClient(client, prefix, logger), nil
}

// NewRedisStoreWithClient creates a store on an existing client.
func NewRedisStoreWithClient(client *redis.Client, prefix string, logger *slog.Logger) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{client: client, prefix: prefix, logger: logger}
}

func (s *RedisStore) key(id string) string { return fmt.Sprintf("%s:def:%s", s.prefix, id) }
func (s *RedisStore) indexKey() string     { return s.prefix + ":defs" }

// Create saves a new definition. SETNX makes the existence check atomic.
func (s *RedisStore) Create(ctx context.Context, req *CreateRequest) (*Definition, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	def := newDefinition(id, req, time.Now().UTC())
	data, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("marshal definition: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.key(id), data, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("save definition: %w", err)
	}
	if !ok {
		return nil, ErrDefinitionExists
	}
	if err := s.client.SAdd(ctx, s.indexKey(), id).Err(); err != nil {
		return nil, fmt.Errorf("index definition: %w", err)
	}
	return clone(def)
}

// Get retrieves a definition by id.
func (s *RedisStore) Get(ctx context.Context, id string) (*Definition, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrDefinitionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get definition: %w", err)
	}

	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("unmarshal definition %s: %w", id, err)
	}
	return &def, nil
}

// Update modifies an existing definition under WATCH so concurrent updates
// do not lose writes.
func (s *RedisStore) Update(ctx context.Context, id string, req *UpdateRequest) (*Definition, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var updated *Definition
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, s.key(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrDefinitionNotFound
		}
		if err != nil {
			return fmt.Errorf("get definition: %w", err)
		}
		var def Definition
		if err := json.Unmarshal(data, &def); err != nil {
			return fmt.Errorf("unmarshal definition %s: %w", id, err)
		}
		def.apply(req, time.Now().UTC())

		out, err := json.Marshal(&def)
		if err != nil {
			return fmt.Errorf("marshal definition: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.key(id), out, 0)
			return nil
		})
		updated = &def
		return err
	}

	for i := 0; i < 3; i++ {
		err := s.client.Watch(ctx, txf, s.key(id))
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("update definition %s: too much contention", id)
}

// Delete removes a definition.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	del := pipe.Del(ctx, s.key(id))
	pipe.SRem(ctx, s.indexKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete definition: %w", err)
	}
	if del.Val() == 0 {
		return ErrDefinitionNotFound
	}
	return nil
}

// List returns definitions matching opts.
func (s *RedisStore) List(ctx context.Context, opts *ListOptions) ([]*Definition, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list definition ids: %w", err)
	}

	all := make([]*Definition, 0, len(ids))
	for _, id := range ids {
		def, err := s.Get(ctx, id)
		if errors.Is(err, ErrDefinitionNotFound) {
			// Stale index entry.
			s.client.SRem(ctx, s.indexKey(), id)
			continue
		}
		if err != nil {
			s.logger.Warn("skipping unreadable definition", slog.String("id", id), slog.String("error", err.Error()))
			continue
		}
		all = append(all, def)
	}
	return page(all, opts), nil
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
