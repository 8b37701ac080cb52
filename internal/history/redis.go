package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	backend "github.com/redis/go-redis/v9"

	"marl-mappo/internal/train"
)

// Redis stores each run as a list of JSON rounds plus a sorted index of
// run ids scored by start time.
type Redis struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// RedisOption configures a Redis store.
type RedisOption func(*Redis)

// WithTTL expires a run's rounds ttl after its last append.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *Redis) {
		s.ttl = ttl
	}
}

// WithPrefix sets the namespace shared by run lists and the index.
func WithPrefix(prefix string) RedisOption {
	return func(s *Redis) {
		s.prefix = prefix
	}
}

// NewRedis connects to address.
func NewRedis(address, password string, db int, opts ...RedisOption) *Redis {
	client := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewRedisFromClient(client, opts...)
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client *backend.Client, opts ...RedisOption) *Redis {
	s := &Redis{
		client: client,
		prefix: "mappo:",
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run lists live under prefix+"run:" and the index at prefix+"runs", so no
// run id can name the index.
func (s *Redis) key(runID string) string {
	return s.prefix + "run:" + runID
}

func (s *Redis) indexKey() string {
	return s.prefix + "runs"
}

func (s *Redis) Append(ctx context.Context, runID string, m train.RoundMetrics) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal round: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, s.key(runID), data)
	if s.ttl > 0 {
		pipe.Expire(ctx, s.key(runID), s.ttl)
	}
	pipe.ZAddNX(ctx, s.indexKey(), backend.Z{
		Score:  float64(s.now().UnixNano()),
		Member: runID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append round: %w", err)
	}
	return nil
}

func (s *Redis) Load(ctx context.Context, runID string) ([]train.RoundMetrics, error) {
	raw, err := s.client.LRange(ctx, s.key(runID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	if len(raw) == 0 {
		return nil, ErrRunNotFound
	}
	out := make([]train.RoundMetrics, len(raw))
	for i, r := range raw {
		if err := json.Unmarshal([]byte(r), &out[i]); err != nil {
			return nil, fmt.Errorf("failed to unmarshal round %d: %w", i, err)
		}
	}
	return out, nil
}

// List implements Store. Ids whose rounds expired are pruned from the index.
func (s *Redis) List(ctx context.Context) ([]string, error) {
	ids, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	live := ids[:0]
	for _, id := range ids {
		n, err := s.client.Exists(ctx, s.key(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to check run %s: %w", id, err)
		}
		if n == 0 {
			if err := s.client.ZRem(ctx, s.indexKey(), id).Err(); err != nil {
				return nil, fmt.Errorf("failed to prune run %s: %w", id, err)
			}
			continue
		}
		live = append(live, id)
	}
	return live, nil
}

func (s *Redis) Close() error {
	return s.client.Close()
}
