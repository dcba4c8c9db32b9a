// Package store persists completed audit runs for later retrieval by the
// API and external report renderers.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trinhvq/breachscope/internal/audit/pipeline"
)

// Common errors.
var (
	ErrRunNotFound = errors.New("run not found")
)

// RunMeta is the lightweight listing entry for a stored run.
type RunMeta struct {
	ID            string    `json:"id"`
	StartedAt     time.Time `json:"started_at"`
	CompletedAt   time.Time `json:"completed_at"`
	IdentityCount int       `json:"identity_count"`
	PatternCount  int       `json:"pattern_count"`
}

// Store persists audit run results.
type Store interface {
	SaveRun(ctx context.Context, result *pipeline.RunResult) error
	GetRun(ctx context.Context, id string) (*pipeline.RunResult, error)
	ListRuns(ctx context.Context) ([]RunMeta, error)
}

const (
	runKeyPrefix = "breachscope:run:"
	runIndexKey  = "breachscope:runs"
)

// RedisStore stores run results as JSON values with a TTL, indexed by
// start time.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a redis-backed run store.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

// SaveRun stores the full result and adds it to the run index.
func (s *RedisStore) SaveRun(ctx context.Context, result *pipeline.RunResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode run: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, runKeyPrefix+result.ID, data, s.ttl)
	pipe.ZAdd(ctx, runIndexKey, redis.Z{
		Score:  float64(result.StartedAt.UnixMilli()),
		Member: result.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store run: %w", err)
	}
	return nil
}

// GetRun fetches a stored run by ID.
func (s *RedisStore) GetRun(ctx context.Context, id string) (*pipeline.RunResult, error) {
	data, err := s.client.Get(ctx, runKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch run: %w", err)
	}

	var result pipeline.RunResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to decode run: %w", err)
	}
	return &result, nil
}

// ListRuns returns metadata for stored runs, newest first. Runs whose
// values have expired out from under the index are pruned as they are
// encountered.
func (s *RedisStore) ListRuns(ctx context.Context) ([]RunMeta, error) {
	ids, err := s.client.ZRevRange(ctx, runIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	metas := make([]RunMeta, 0, len(ids))
	for _, id := range ids {
		result, err := s.GetRun(ctx, id)
		if errors.Is(err, ErrRunNotFound) {
			s.client.ZRem(ctx, runIndexKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		metas = append(metas, RunMeta{
			ID:            result.ID,
			StartedAt:     result.StartedAt,
			CompletedAt:   result.CompletedAt,
			IdentityCount: len(result.Identities),
			PatternCount:  len(result.Patterns),
		})
	}
	return metas, nil
}
