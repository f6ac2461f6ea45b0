// Package redis provides a caching store.CheckpointStore decorator: Latest
// lookups are served from Redis when present, falling back to and then
// populating from the wrapped durable store on a miss. Save writes through
// to both. This matches the gateway's cacheConfig knobs (TTL, persistence)
// for the checkpoint hot path, where Resume and approval/command handling
// repeatedly re-fetch the same workflow's latest checkpoint.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"hypermcp/gateway/internal/scheduler"
	"hypermcp/gateway/internal/store"
)

// Client is the subset of *redis.Client the decorator needs.
type Client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Store decorates a durable store.CheckpointStore with a Redis-backed
// cache of each workflow's latest checkpoint.
type Store struct {
	client Client
	next   store.CheckpointStore
	ttl    time.Duration
}

var _ store.CheckpointStore = (*Store)(nil)

// New wraps next with a Redis cache of its Latest results, each entry
// expiring after ttl (0 disables expiration).
func New(client Client, next store.CheckpointStore, ttl time.Duration) *Store {
	return &Store{client: client, next: next, ttl: ttl}
}

func cacheKey(workflowID string) string {
	return "gateway:checkpoint:latest:" + workflowID
}

// Save writes cp to the durable store, then refreshes (rather than merely
// invalidates) the cache entry, since the caller already has the new
// latest value in hand and a subsequent Latest would otherwise take a
// guaranteed miss.
func (s *Store) Save(ctx context.Context, cp scheduler.Checkpoint) error {
	if err := s.next.Save(ctx, cp); err != nil {
		return err
	}
	payload, err := json.Marshal(cp)
	if err != nil {
		// Cache population is best-effort; the durable write already
		// succeeded, so a marshal failure here must not fail Save.
		return nil
	}
	_ = s.client.Set(ctx, cacheKey(cp.WorkflowID), payload, s.ttl)
	return nil
}

// Latest returns the cached checkpoint when present, else falls back to
// next and populates the cache on a hit there.
func (s *Store) Latest(ctx context.Context, workflowID string) (scheduler.Checkpoint, bool, error) {
	raw, err := s.client.Get(ctx, cacheKey(workflowID)).Bytes()
	if err == nil {
		var cp scheduler.Checkpoint
		if jsonErr := json.Unmarshal(raw, &cp); jsonErr == nil {
			return cp, true, nil
		}
		// A corrupt cache entry falls through to the durable store rather
		// than surfacing a decode error for what is, from the caller's
		// perspective, a cache implementation detail.
	} else if err != redis.Nil {
		return scheduler.Checkpoint{}, false, fmt.Errorf("redis get checkpoint %q: %w", workflowID, err)
	}

	cp, ok, err := s.next.Latest(ctx, workflowID)
	if err != nil || !ok {
		return cp, ok, err
	}
	if payload, marshalErr := json.Marshal(cp); marshalErr == nil {
		_ = s.client.Set(ctx, cacheKey(workflowID), payload, s.ttl)
	}
	return cp, true, nil
}

// History always reads through to the durable store; checkpoint history is
// an audit/debugging path, not the hot path this cache targets.
func (s *Store) History(ctx context.Context, workflowID string) ([]scheduler.Checkpoint, error) {
	return s.next.History(ctx, workflowID)
}
