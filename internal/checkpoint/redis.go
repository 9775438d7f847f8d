package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store backed by Redis, giving checkpoints that
// survive process restarts and are shared across pipeline runners.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisStoreConfig holds configuration for the Redis checkpoint store.
type RedisStoreConfig struct {
	Addr      string        // Redis address (e.g. "localhost:6379")
	Password  string        // Redis password
	DB        int           // Redis database number
	KeyPrefix string        // Key prefix for namespacing (default: "ragpipe:checkpoint:")
	TTL       time.Duration // Snapshot expiry (default: 1h)
}

// NewRedisStore creates a new Redis-backed checkpoint store.
func NewRedisStore(cfg RedisStoreConfig) *RedisStore {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "ragpipe:checkpoint:"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

// NewRedisStoreFromClient creates a Redis store using an existing client.
func NewRedisStoreFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "ragpipe:checkpoint:"
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) key(id string) string {
	return s.prefix + id
}

// Save implements Store.
func (s *RedisStore) Save(ctx context.Context, snap *Snapshot) error {
	cp := cloneSnapshot(snap)
	cp.Timestamp = time.Now().UTC()
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint %q: %w", snap.ID, err)
	}
	return s.client.Set(ctx, s.key(snap.ID), data, s.ttl).Err()
}

// Load implements Store.
func (s *RedisStore) Load(ctx context.Context, id string) (*Snapshot, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint %q: %w", id, err)
	}
	return &snap, nil
}

// List implements Store via SCAN over the key prefix.
func (s *RedisStore) List(ctx context.Context) ([]Summary, error) {
	var out []Summary
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}
		var snap Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			continue
		}
		out = append(out, Summary{
			ID:        snap.ID,
			Timestamp: snap.Timestamp,
			Nodes:     len(snap.Results),
			Errors:    len(snap.Errors),
		})
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Clear implements Store.
func (s *RedisStore) Clear(ctx context.Context, id string) error {
	return s.client.Del(ctx, s.key(id)).Err()
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
