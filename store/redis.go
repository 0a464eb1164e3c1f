package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/distributedstatemachine/folding/job"
)

// DefaultBacklogKey is the sorted set holding queued PDB codes.
const DefaultBacklogKey = "folding:backlog"

// RedisStore keeps the backlog in a Redis sorted set scored by priority, so
// several validators, or the enqueue CLI, can feed one queue.
type RedisStore struct {
	counters
	rdb      *redis.Client
	key      string
	template Template
}

// NewRedis creates a RedisStore. An empty key uses DefaultBacklogKey.
func NewRedis(rdb *redis.Client, key string, t Template) *RedisStore {
	if key == "" {
		key = DefaultBacklogKey
	}
	return &RedisStore{rdb: rdb, key: key, template: t}
}

// Enqueue adds pdbID with the given priority. Lower priority pops first.
// Re-enqueueing an id only updates its priority.
func (s *RedisStore) Enqueue(ctx context.Context, pdbID string, priority int) error {
	id, err := NormalizePDBID(pdbID)
	if err != nil {
		return err
	}
	return s.rdb.ZAdd(ctx, s.key, redis.Z{
		Score:  float64(priority),
		Member: id,
	}).Err()
}

// Len returns the number of queued ids.
func (s *RedisStore) Len(ctx context.Context) (int64, error) {
	return s.rdb.ZCard(ctx, s.key).Result()
}

// NextSpec atomically pops the lowest-scored id and mints a spec from it.
func (s *RedisStore) NextSpec(ctx context.Context) (job.Spec, error) {
	zs, err := s.rdb.ZPopMin(ctx, s.key, 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return job.Spec{}, fmt.Errorf("popping backlog %s: %w", s.key, err)
	}
	if len(zs) == 0 {
		return job.Spec{}, ErrEmpty
	}

	member, ok := zs[0].Member.(string)
	if !ok {
		s.rejected.Add(1)
		return job.Spec{}, fmt.Errorf("%w: non-string member %v", ErrMalformedSpec, zs[0].Member)
	}
	return s.admit(ctx, s.template, member)
}
