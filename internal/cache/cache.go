package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quantpulse/assetscope/internal/telemetry"
)

const keyPrefix = "cache:"

// Entry is one cached analysis payload for a (subject, analysis type) pair.
type Entry struct {
	Payload   json.RawMessage `json:"payload"`
	Quality   int             `json:"quality"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Manager is a tiered cache: a process-local map in front of Redis. The
// local tier only accelerates repeat reads within one process; Redis is the
// tier that survives process churn. A nil Redis client yields a memory-only
// manager, used in development and tests.
type Manager struct {
	rdb     *redis.Client
	metrics *telemetry.Metrics
	logger  *log.Logger

	mu    sync.RWMutex
	local map[string]Entry

	now func() time.Time
}

// NewManager builds a Manager over the given Redis client (nil for memory-only).
func NewManager(rdb *redis.Client, metrics *telemetry.Metrics) *Manager {
	return &Manager{
		rdb:     rdb,
		metrics: metrics,
		logger:  log.New(log.Writer(), "[CACHE] ", log.LstdFlags),
		local:   make(map[string]Entry),
		now:     time.Now,
	}
}

func key(subject, analysisType string) string {
	return keyPrefix + subject + ":" + analysisType
}

// Get returns the cached entry for (subject, analysisType). A miss (absent
// or expired in every tier) is reported via found=false, never as an error.
func (m *Manager) Get(ctx context.Context, subject, analysisType string) (Entry, bool, error) {
	k := key(subject, analysisType)
	now := m.now()

	m.mu.RLock()
	entry, ok := m.local[k]
	m.mu.RUnlock()
	if ok && entry.ExpiresAt.After(now) {
		m.metrics.CacheHit("local")
		return entry, true, nil
	}

	if m.rdb == nil {
		m.metrics.CacheMiss()
		return Entry{}, false, nil
	}

	raw, err := m.rdb.Get(ctx, k).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			m.metrics.CacheMiss()
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("cache get: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return Entry{}, false, fmt.Errorf("decode cache entry: %w", err)
	}
	if !entry.ExpiresAt.After(now) {
		m.metrics.CacheMiss()
		return Entry{}, false, nil
	}

	m.mu.Lock()
	m.local[k] = entry
	m.mu.Unlock()
	m.metrics.CacheHit("redis")
	return entry, true, nil
}

// Set upserts the entry with a fresh TTL. The Redis SET is the atomic
// last-write-wins point; the local tier is only updated after the durable
// tier accepted the write.
func (m *Manager) Set(ctx context.Context, subject, analysisType string, payload json.RawMessage, ttl time.Duration, quality int) error {
	if ttl <= 0 {
		return fmt.Errorf("ttl must be positive")
	}
	if quality < 0 {
		quality = 0
	}
	if quality > 100 {
		quality = 100
	}
	now := m.now()
	entry := Entry{
		Payload:   payload,
		Quality:   quality,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	k := key(subject, analysisType)

	if m.rdb != nil {
		raw, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("encode cache entry: %w", err)
		}
		if err := m.rdb.Set(ctx, k, raw, ttl).Err(); err != nil {
			return fmt.Errorf("cache set: %w", err)
		}
	}

	m.mu.Lock()
	m.local[k] = entry
	m.mu.Unlock()
	return nil
}

// Invalidate deletes one entry, or every entry for the subject when
// analysisType is empty. Cached data is fungible across consumers of the
// same subject, so invalidation is always subject-global at minimum.
func (m *Manager) Invalidate(ctx context.Context, subject, analysisType string) error {
	if analysisType != "" {
		k := key(subject, analysisType)
		m.mu.Lock()
		delete(m.local, k)
		m.mu.Unlock()
		if m.rdb != nil {
			if err := m.rdb.Del(ctx, k).Err(); err != nil && !errors.Is(err, redis.Nil) {
				return fmt.Errorf("cache invalidate: %w", err)
			}
		}
		return nil
	}

	prefix := keyPrefix + subject + ":"
	m.mu.Lock()
	for k := range m.local {
		if strings.HasPrefix(k, prefix) {
			delete(m.local, k)
		}
	}
	m.mu.Unlock()

	if m.rdb == nil {
		return nil
	}
	// Cursor-based scan so a large keyspace never blocks the server.
	var keys []string
	iter := m.rdb.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("cache scan: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := m.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache invalidate subject: %w", err)
	}
	m.logger.Printf("invalidated %d entries for subject %s", len(keys), subject)
	return nil
}
