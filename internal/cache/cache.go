// Package cache is the retrieval result cache: a Redis-backed store with a
// small in-process LRU in front. Store failures are never fatal; they
// degrade to a miss and the pipeline proceeds.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fathomhq/fathom/internal/metrics"
	"github.com/fathomhq/fathom/internal/sources"
)

// Entry is one cached retrieval result. Entries are read-only once written;
// an entry past its TTL is treated as absent even if the store still holds it.
type Entry struct {
	Sources     []sources.Source  `json:"sources"`
	Answer      string            `json:"answer,omitempty"`
	Diagnostics map[string]string `json:"diagnostics,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	TTLSeconds  int               `json:"ttl_seconds"`
}

// Age returns how long ago the entry was created.
func (e *Entry) Age() time.Duration {
	return time.Since(e.CreatedAt)
}

// expired reports whether the entry has outlived its TTL.
func (e *Entry) expired(now time.Time) bool {
	return now.Sub(e.CreatedAt) > time.Duration(e.TTLSeconds)*time.Second
}

// Key derives the cache key for a sub-query in the context of its entity.
func Key(queryText, entityContext string) string {
	h := sha256.Sum256([]byte(queryText + "\x00" + entityContext))
	return "research:" + hex.EncodeToString(h[:16])
}

// Store is a TTL-bearing result cache over Redis with an LRU read-through
// layer. Concurrent writers to the same key may race; last-write-wins is
// acceptable because entries are idempotent for a given key.
type Store struct {
	client *redis.Client
	local  *lru.Cache[string, *Entry]
	logger *zap.Logger
}

// NewStore creates a store on an existing Redis client.
func NewStore(client *redis.Client, localSize int, logger *zap.Logger) (*Store, error) {
	if localSize <= 0 {
		localSize = 512
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	local, err := lru.New[string, *Entry](localSize)
	if err != nil {
		return nil, fmt.Errorf("create local cache: %w", err)
	}
	return &Store{client: client, local: local, logger: logger}, nil
}

// Get returns the entry for key, or nil on miss, expiry, or store error.
func (s *Store) Get(ctx context.Context, key string) *Entry {
	now := time.Now()

	if e, ok := s.local.Get(key); ok {
		if !e.expired(now) {
			metrics.CacheHits.Inc()
			return e
		}
		s.local.Remove(key)
	}

	if s.client == nil {
		metrics.CacheMisses.Inc()
		return nil
	}

	raw, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		metrics.CacheMisses.Inc()
		return nil
	}
	if err != nil {
		// Unreachable store is an unconditional miss.
		metrics.CacheErrors.Inc()
		s.logger.Warn("cache get failed, treating as miss", zap.String("key", key), zap.Error(err))
		return nil
	}

	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		metrics.CacheErrors.Inc()
		s.logger.Warn("cache entry corrupt, treating as miss", zap.String("key", key), zap.Error(err))
		return nil
	}
	if e.expired(now) {
		metrics.CacheMisses.Inc()
		return nil
	}

	metrics.CacheHits.Inc()
	s.local.Add(key, &e)
	return &e
}

// Put writes the entry under key with the given TTL. Failures are logged and
// swallowed; the local layer is updated regardless so the current request
// still benefits.
func (s *Store) Put(ctx context.Context, key string, e *Entry, ttl time.Duration) {
	if e == nil {
		return
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	e.TTLSeconds = int(ttl / time.Second)

	s.local.Add(key, e)

	if s.client == nil {
		return
	}
	raw, err := json.Marshal(e)
	if err != nil {
		s.logger.Warn("cache entry marshal failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := s.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		metrics.CacheErrors.Inc()
		s.logger.Warn("cache put failed", zap.String("key", key), zap.Error(err))
	}
}
