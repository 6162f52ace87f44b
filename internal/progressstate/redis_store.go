// Package progressstate mirrors search progress records into Redis so other
// replicas can serve status reads.
package progressstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"shoprank/internal/config"
	"shoprank/pkg/types"
)

const (
	defaultKey        = "shoprank:progress"
	connectionTimeout = 5 * time.Second
)

// ErrEmptyAddress is returned when no Redis address is configured.
var ErrEmptyAddress = errors.New("redis address is required")

// RedisStore keeps one hash field per tracked item.
type RedisStore struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisStore connects and pings Redis. ttl bounds how long the hash
// survives without writes.
func NewRedisStore(cfg config.RedisConfig, ttl time.Duration) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, ErrEmptyAddress
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		ReadTimeout:  cfg.Timeout.Duration,
		WriteTimeout: cfg.Timeout.Duration,
	})

	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisStoreFromClient(client, cfg.Key, ttl), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, key string, ttl time.Duration) *RedisStore {
	if key == "" {
		key = defaultKey
	}
	return &RedisStore{client: client, key: key, ttl: ttl}
}

// Put writes p and refreshes the hash expiry.
func (s *RedisStore) Put(ctx context.Context, p types.SearchProgress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.key, field(p.ItemID), data)
	if s.ttl > 0 {
		pipe.Expire(ctx, s.key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write progress %d: %w", p.ItemID, err)
	}
	return nil
}

// Delete removes the record of itemID.
func (s *RedisStore) Delete(ctx context.Context, itemID int64) error {
	if err := s.client.HDel(ctx, s.key, field(itemID)).Err(); err != nil {
		return fmt.Errorf("delete progress %d: %w", itemID, err)
	}
	return nil
}

// List returns every mirrored record ordered by start time. Undecodable
// fields are skipped.
func (s *RedisStore) List(ctx context.Context) ([]types.SearchProgress, error) {
	values, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("list progress: %w", err)
	}
	out := make([]types.SearchProgress, 0, len(values))
	for _, raw := range values {
		var p types.SearchProgress
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ItemID < out[j].ItemID
	})
	return out, nil
}

// Close releases the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func field(itemID int64) string {
	return strconv.FormatInt(itemID, 10)
}
