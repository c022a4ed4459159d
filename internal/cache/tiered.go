package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/oyvindek/nordlex/pkg/config"
	apperrors "github.com/oyvindek/nordlex/pkg/errors"
	"github.com/oyvindek/nordlex/pkg/logger"
	"github.com/oyvindek/nordlex/pkg/metrics"
)

// KeyPrefix namespaces persisted cache records in Redis.
const KeyPrefix = "nordlex:search:"

const persistTimeout = 3 * time.Second

// persistentStore is the subset of the Redis client the cache needs. Tests
// substitute an in-memory fake.
type persistentStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Scan(ctx context.Context, pattern string) ([]string, error)
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	HotHits        int64 `json:"hot_hits"`
	OverflowHits   int64 `json:"overflow_hits"`
	PersistentHits int64 `json:"persistent_hits"`
	Misses         int64 `json:"misses"`
	HotBlocks      int   `json:"hot_blocks"`
	HotBytes       int64 `json:"hot_bytes"`
	OverflowBlocks int   `json:"overflow_blocks"`
}

// Tiered composes the three cache tiers behind a single get/put surface.
// Reads walk hot, then overflow, then the persistent store, promoting hits
// back into the hot tier. Writes land in the hot tier synchronously and reach
// the persistent store on a best-effort background write; a persistence
// failure is logged, never surfaced to the caller.
type Tiered struct {
	hot      *Manager
	overflow *overflow
	persist  persistentStore
	ttl      time.Duration
	group    singleflight.Group
	logger   *slog.Logger
	metrics  *metrics.Metrics
	clock    func() time.Time

	// Keys found expired in the persistent store. Deleted lazily on the
	// next write rather than inline on the read path.
	pendingMu sync.Mutex
	pending   []string

	hotHits        atomic.Int64
	overflowHits   atomic.Int64
	persistentHits atomic.Int64
	misses         atomic.Int64
}

// NewTiered builds the tiered cache. persist may be nil, which disables the
// persistent tier (used by tests and degraded startup).
func NewTiered(cfg config.CacheConfig, persist persistentStore, m *metrics.Metrics) (*Tiered, error) {
	ov, err := newOverflow(cfg.OverflowCap)
	if err != nil {
		return nil, fmt.Errorf("creating overflow tier: %w", err)
	}
	return &Tiered{
		hot:      NewManager(cfg.MemoryCeiling, cfg.EvictFraction),
		overflow: ov,
		persist:  persist,
		ttl:      cfg.TTL,
		logger:   logger.WithComponent("cache"),
		metrics:  m,
		clock:    time.Now,
	}, nil
}

// Get walks the tiers for key. A record older than the TTL is a miss in
// every tier.
func (t *Tiered) Get(ctx context.Context, key string) (*Record, bool) {
	if rec, ok := t.hot.Get(key); ok {
		if t.expired(rec) {
			t.hot.Delete(key)
			t.queueLazyDelete(key)
		} else {
			t.hotHits.Add(1)
			t.countHit("hot")
			return rec, true
		}
	}

	if rec, ok := t.overflow.get(key); ok {
		t.overflow.delete(key)
		if t.expired(rec) {
			t.queueLazyDelete(key)
		} else {
			t.overflowHits.Add(1)
			t.countHit("overflow")
			t.promote(rec)
			return rec, true
		}
	}

	if t.persist != nil {
		if rec, ok := t.persistentGet(ctx, key); ok {
			t.persistentHits.Add(1)
			t.countHit("persistent")
			t.promote(rec)
			return rec, true
		}
	}

	t.misses.Add(1)
	if t.metrics != nil {
		t.metrics.CacheMissesTotal.Inc()
	}
	return nil, false
}

// Put stores a freshly computed result in the hot tier and kicks off the
// background persistent write. Blocks evicted to make room move into the
// compressed overflow tier.
func (t *Tiered) Put(ctx context.Context, key string, ids []string) {
	rec := &Record{
		Key:      key,
		IDs:      ids,
		CachedAt: t.clock(),
		Size:     recordSize(key, ids),
	}
	t.insertHot(rec)

	if t.persist == nil {
		return
	}
	go func() {
		if err := t.persistWrite(rec); err != nil {
			t.logger.Warn("persistent cache write failed", "key", rec.Key, "error", err)
		}
	}()
}

// GetOrCompute returns the cached result for key, computing and caching it on
// a miss. Concurrent callers for the same key share one computation. The
// returned bool reports whether the result came from cache.
func (t *Tiered) GetOrCompute(ctx context.Context, key string, compute func(context.Context) ([]string, error)) ([]string, bool, error) {
	if rec, ok := t.Get(ctx, key); ok {
		return rec.IDs, true, nil
	}

	v, err, _ := t.group.Do(key, func() (interface{}, error) {
		ids, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		t.Put(ctx, key, ids)
		return ids, nil
	})
	if err != nil {
		return nil, false, err
	}
	// Even a shared computation was not served from a cache tier, so every
	// caller on this path reports a miss.
	return v.([]string), false, nil
}

// InvalidateOlderThan removes persistent records whose CachedAt precedes
// now-age, returning the number removed. Hot and overflow records past the
// TTL already miss on read, so the sweep only needs to reclaim Redis space.
func (t *Tiered) InvalidateOlderThan(ctx context.Context, age time.Duration) (int, error) {
	if t.persist == nil {
		return 0, nil
	}
	cutoff := t.clock().Add(-age)
	keys, err := t.persist.Scan(ctx, KeyPrefix+"*")
	if err != nil {
		return 0, fmt.Errorf("scanning persistent cache: %w", err)
	}
	removed := 0
	for _, k := range keys {
		raw, err := t.persist.Get(ctx, k)
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil || rec.CachedAt.Before(cutoff) {
			if err := t.persist.Del(ctx, k); err != nil {
				t.logger.Warn("sweep delete failed", "key", k, "error", err)
				continue
			}
			removed++
		}
	}
	return removed, nil
}

// Purge drops every record from all tiers.
func (t *Tiered) Purge(ctx context.Context) error {
	t.hot.Reset()
	t.overflow.reset()
	if t.metrics != nil {
		t.metrics.CacheHotBytes.Set(0)
	}
	if t.persist == nil {
		return nil
	}
	keys, err := t.persist.Scan(ctx, KeyPrefix+"*")
	if err != nil {
		return fmt.Errorf("scanning persistent cache: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := t.persist.Del(ctx, keys...); err != nil {
		return fmt.Errorf("purging persistent cache: %w", err)
	}
	return nil
}

// Stats returns current hit/miss counters and tier occupancy.
func (t *Tiered) Stats() Stats {
	return Stats{
		HotHits:        t.hotHits.Load(),
		OverflowHits:   t.overflowHits.Load(),
		PersistentHits: t.persistentHits.Load(),
		Misses:         t.misses.Load(),
		HotBlocks:      t.hot.Len(),
		HotBytes:       t.hot.Used(),
		OverflowBlocks: t.overflow.len(),
	}
}

// insertHot puts a record into the hot tier and spills any evicted blocks
// into the overflow tier.
func (t *Tiered) insertHot(rec *Record) {
	evicted := t.hot.Put(rec)
	for _, ev := range evicted {
		if t.expired(ev) {
			t.queueLazyDelete(ev.Key)
			continue
		}
		if err := t.overflow.put(ev); err != nil {
			t.logger.Warn("overflow spill failed", "key", ev.Key, "error", err)
		}
	}
	if t.metrics != nil {
		t.metrics.CacheEvictionsTotal.Add(float64(len(evicted)))
		t.metrics.CacheHotBytes.Set(float64(t.hot.Used()))
	}
}

func (t *Tiered) promote(rec *Record) {
	t.insertHot(rec)
}

// persistentGet reads and validates one record from the persistent tier.
// An expired record is queued for lazy deletion and reported as a miss.
func (t *Tiered) persistentGet(ctx context.Context, key string) (*Record, bool) {
	raw, err := t.persist.Get(ctx, KeyPrefix+key)
	if err != nil {
		return nil, false
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		t.logger.Warn("corrupt persistent record", "key", key, "error", err)
		t.queueLazyDelete(key)
		return nil, false
	}
	if t.expired(&rec) {
		t.queueLazyDelete(key)
		return nil, false
	}
	return &rec, true
}

// persistWrite pushes a record to the persistent store and flushes any
// queued lazy deletes. Runs on its own goroutine with its own deadline so a
// slow Redis never stalls the caller. A failed write comes back as an
// ErrCacheWrite for the caller to log.
func (t *Tiered) persistWrite(rec *Record) error {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: marshaling record %s: %v", apperrors.ErrCacheWrite, rec.Key, err)
	}
	if err := t.persist.Set(ctx, KeyPrefix+rec.Key, payload, t.ttl); err != nil {
		return fmt.Errorf("%w: %s: %v", apperrors.ErrCacheWrite, rec.Key, err)
	}
	t.flushLazyDeletes(ctx)
	return nil
}

func (t *Tiered) queueLazyDelete(key string) {
	if t.persist == nil {
		return
	}
	t.pendingMu.Lock()
	t.pending = append(t.pending, KeyPrefix+key)
	t.pendingMu.Unlock()
}

func (t *Tiered) flushLazyDeletes(ctx context.Context) {
	t.pendingMu.Lock()
	keys := t.pending
	t.pending = nil
	t.pendingMu.Unlock()
	if len(keys) == 0 {
		return
	}
	if err := t.persist.Del(ctx, keys...); err != nil {
		t.logger.Warn("lazy delete failed", "keys", len(keys), "error", err)
	}
}

func (t *Tiered) expired(rec *Record) bool {
	return t.ttl > 0 && t.clock().Sub(rec.CachedAt) > t.ttl
}

func (t *Tiered) countHit(tier string) {
	if t.metrics != nil {
		t.metrics.CacheHitsTotal.WithLabelValues(tier).Inc()
	}
}

// recordSize estimates the in-memory footprint of a cached result.
func recordSize(key string, ids []string) int64 {
	size := int64(len(key) + 64)
	for _, id := range ids {
		size += int64(len(id) + 16)
	}
	return size
}
