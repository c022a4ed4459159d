package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oyvindek/nordlex/pkg/config"
	apperrors "github.com/oyvindek/nordlex/pkg/errors"
)

var errNotFound = errors.New("key not found")

// fakeStore is an in-memory stand-in for the Redis persistent tier.
type fakeStore struct {
	mu      sync.Mutex
	data    map[string]string
	failSet error
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: make(map[string]string)}
}

func (f *fakeStore) Get(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return "", errNotFound
	}
	return v, nil
}

func (f *fakeStore) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSet != nil {
		return f.failSet
	}
	switch v := value.(type) {
	case []byte:
		f.data[key] = string(v)
	case string:
		f.data[key] = v
	default:
		return fmt.Errorf("unsupported value type %T", value)
	}
	return nil
}

func (f *fakeStore) Del(ctx context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.data, k)
	}
	return nil
}

func (f *fakeStore) Scan(ctx context.Context, pattern string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := strings.TrimSuffix(pattern, "*")
	keys := make([]string, 0)
	for k := range f.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (f *fakeStore) seed(t *testing.T, rec *Record) {
	t.Helper()
	payload, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshaling seed record: %v", err)
	}
	f.mu.Lock()
	f.data[KeyPrefix+rec.Key] = string(payload)
	f.mu.Unlock()
}

func testCacheConfig() config.CacheConfig {
	return config.CacheConfig{
		MemoryCeiling: 1024,
		OverflowCap:   16,
		TTL:           24 * time.Hour,
		EvictFraction: 0.3,
	}
}

func TestManagerEvictsBatchBeforeInsert(t *testing.T) {
	m := NewManager(1000, 0.3)
	for i := 0; i < 10; i++ {
		evicted := m.Put(&Record{Key: fmt.Sprintf("k%d", i), Size: 100})
		if len(evicted) != 0 {
			t.Fatalf("unexpected eviction while filling: %d records at i=%d", len(evicted), i)
		}
	}

	evicted := m.Put(&Record{Key: "overflowing", Size: 100})
	if len(evicted) != 3 {
		t.Fatalf("expected 3 evicted records (30%% of 10), got %d", len(evicted))
	}
	if m.Used() > 1000 {
		t.Fatalf("usage %d exceeds ceiling after eviction", m.Used())
	}
	// Oldest inserts go first.
	for i, rec := range evicted {
		want := fmt.Sprintf("k%d", i)
		if rec.Key != want {
			t.Errorf("evicted[%d] = %q, want %q", i, rec.Key, want)
		}
	}
}

func TestManagerNeverExceedsCeiling(t *testing.T) {
	m := NewManager(100, 0.3)
	for i := 0; i < 8; i++ {
		m.Put(&Record{Key: fmt.Sprintf("k%d", i), Size: 10})
	}

	// The 30% batch alone frees 20 bytes; fitting a 90-byte record needs
	// more, so eviction must continue until the bound holds.
	evicted := m.Put(&Record{Key: "big", Size: 90})
	if m.Used() > 100 {
		t.Fatalf("usage %d exceeds ceiling 100", m.Used())
	}
	if _, ok := m.Get("big"); !ok {
		t.Fatal("fitting record was not inserted")
	}
	total := int64(0)
	for _, rec := range evicted {
		total += rec.Size
	}
	if total+m.Used() != 170 {
		t.Errorf("evicted %d + used %d bytes, want all 170 accounted for", total, m.Used())
	}
}

func TestManagerOversizedRecordBypassesHotTier(t *testing.T) {
	m := NewManager(100, 0.3)
	m.Put(&Record{Key: "small", Size: 10})

	evicted := m.Put(&Record{Key: "huge", Size: 150})
	if len(evicted) != 1 || evicted[0].Key != "huge" {
		t.Fatalf("evicted = %v, want the oversized record handed back", evicted)
	}
	if _, ok := m.Get("huge"); ok {
		t.Error("oversized record was inserted")
	}
	if _, ok := m.Get("small"); !ok {
		t.Error("existing record displaced by a record that never fit")
	}
	if m.Used() != 10 {
		t.Errorf("usage = %d, want 10", m.Used())
	}
}

func TestTieredOversizedRecordLandsInOverflow(t *testing.T) {
	cfg := testCacheConfig()
	cfg.MemoryCeiling = 50
	c, err := NewTiered(cfg, nil, nil)
	if err != nil {
		t.Fatalf("NewTiered: %v", err)
	}
	ctx := context.Background()

	ids := make([]string, 20)
	for i := range ids {
		ids[i] = fmt.Sprintf("id-%d", i)
	}
	c.Put(ctx, "wide", ids)

	if c.hot.Used() != 0 {
		t.Errorf("hot tier holds %d bytes for a record over its ceiling", c.hot.Used())
	}
	rec, ok := c.Get(ctx, "wide")
	if !ok {
		t.Fatal("oversized record lost")
	}
	if len(rec.IDs) != 20 {
		t.Errorf("round-tripped %d IDs, want 20", len(rec.IDs))
	}
}

func TestManagerGetRefreshesRecency(t *testing.T) {
	m := NewManager(1000, 0.3)
	for i := 0; i < 10; i++ {
		m.Put(&Record{Key: fmt.Sprintf("k%d", i), Size: 100})
	}
	if _, ok := m.Get("k0"); !ok {
		t.Fatal("k0 missing before eviction")
	}

	m.Put(&Record{Key: "trigger", Size: 100})
	if _, ok := m.Get("k0"); !ok {
		t.Error("recently touched k0 was evicted")
	}
	if _, ok := m.Get("k1"); ok {
		t.Error("k1 should have been evicted as least recently used")
	}
}

func TestOverflowRoundTripAndBound(t *testing.T) {
	ov, err := newOverflow(4)
	if err != nil {
		t.Fatalf("newOverflow: %v", err)
	}
	for i := 0; i < 6; i++ {
		rec := &Record{Key: fmt.Sprintf("k%d", i), IDs: []string{"a", "b"}, CachedAt: time.Now()}
		if err := ov.put(rec); err != nil {
			t.Fatalf("put k%d: %v", i, err)
		}
	}
	if ov.len() != 4 {
		t.Fatalf("overflow holds %d entries, cap is 4", ov.len())
	}
	if _, ok := ov.get("k0"); ok {
		t.Error("k0 should have been displaced")
	}
	rec, ok := ov.get("k5")
	if !ok {
		t.Fatal("k5 missing from overflow")
	}
	if len(rec.IDs) != 2 || rec.IDs[0] != "a" {
		t.Errorf("round-tripped IDs = %v", rec.IDs)
	}
}

func TestTieredHitAfterPut(t *testing.T) {
	c, err := NewTiered(testCacheConfig(), nil, nil)
	if err != nil {
		t.Fatalf("NewTiered: %v", err)
	}
	ctx := context.Background()

	if _, ok := c.Get(ctx, "q1"); ok {
		t.Fatal("hit on empty cache")
	}
	c.Put(ctx, "q1", []string{"id-1", "id-2"})
	rec, ok := c.Get(ctx, "q1")
	if !ok {
		t.Fatal("miss after put")
	}
	if len(rec.IDs) != 2 {
		t.Fatalf("got %d IDs, want 2", len(rec.IDs))
	}

	stats := c.Stats()
	if stats.HotHits != 1 || stats.Misses != 1 {
		t.Errorf("stats = %+v, want 1 hot hit and 1 miss", stats)
	}
}

func TestTieredTTLExpiry(t *testing.T) {
	c, err := NewTiered(testCacheConfig(), nil, nil)
	if err != nil {
		t.Fatalf("NewTiered: %v", err)
	}
	ctx := context.Background()

	now := time.Now()
	c.clock = func() time.Time { return now }
	c.Put(ctx, "stale", []string{"id-1"})

	now = now.Add(23 * time.Hour)
	if _, ok := c.Get(ctx, "stale"); !ok {
		t.Fatal("record expired before TTL elapsed")
	}

	now = now.Add(2 * time.Hour)
	if _, ok := c.Get(ctx, "stale"); ok {
		t.Fatal("record older than TTL still served")
	}
}

func TestTieredOverflowPromotion(t *testing.T) {
	cfg := testCacheConfig()
	cfg.MemoryCeiling = 200
	c, err := NewTiered(cfg, nil, nil)
	if err != nil {
		t.Fatalf("NewTiered: %v", err)
	}
	ctx := context.Background()

	// Each record is ~80+ bytes; the third insert forces an eviction that
	// spills the oldest record into the overflow tier.
	c.Put(ctx, "first", []string{"id-1"})
	c.Put(ctx, "second", []string{"id-2"})
	c.Put(ctx, "third", []string{"id-3"})

	if c.overflow.len() == 0 {
		t.Fatal("no records spilled to overflow")
	}
	rec, ok := c.Get(ctx, "first")
	if !ok {
		t.Fatal("spilled record lost")
	}
	if rec.IDs[0] != "id-1" {
		t.Errorf("promoted record IDs = %v", rec.IDs)
	}
	if c.Stats().OverflowHits != 1 {
		t.Errorf("overflow hits = %d, want 1", c.Stats().OverflowHits)
	}
	// Promotion moves the record back to hot.
	if _, ok := c.hot.Get("first"); !ok {
		t.Error("record not promoted to hot tier")
	}
}

func TestTieredPersistentFallback(t *testing.T) {
	store := newFakeStore()
	c, err := NewTiered(testCacheConfig(), store, nil)
	if err != nil {
		t.Fatalf("NewTiered: %v", err)
	}
	ctx := context.Background()

	store.seed(t, &Record{Key: "warm", IDs: []string{"id-9"}, CachedAt: time.Now(), Size: 80})

	rec, ok := c.Get(ctx, "warm")
	if !ok {
		t.Fatal("persistent record not found")
	}
	if rec.IDs[0] != "id-9" {
		t.Errorf("IDs = %v", rec.IDs)
	}
	if c.Stats().PersistentHits != 1 {
		t.Errorf("persistent hits = %d, want 1", c.Stats().PersistentHits)
	}
	// Second read comes from the hot tier.
	if _, ok := c.Get(ctx, "warm"); !ok {
		t.Fatal("promoted record missing from hot tier")
	}
	if c.Stats().HotHits != 1 {
		t.Errorf("hot hits = %d, want 1", c.Stats().HotHits)
	}
}

func TestTieredExpiredPersistentRecordIsMiss(t *testing.T) {
	store := newFakeStore()
	c, err := NewTiered(testCacheConfig(), store, nil)
	if err != nil {
		t.Fatalf("NewTiered: %v", err)
	}
	ctx := context.Background()

	store.seed(t, &Record{Key: "old", IDs: []string{"id-1"}, CachedAt: time.Now().Add(-25 * time.Hour)})
	if _, ok := c.Get(ctx, "old"); ok {
		t.Fatal("expired persistent record served as hit")
	}

	// The expired key is deleted lazily when the next write flushes.
	c.Put(ctx, "fresh", []string{"id-2"})
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := store.Get(ctx, KeyPrefix+"old"); err != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expired record never lazily deleted")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestGetOrComputeDeduplicates(t *testing.T) {
	c, err := NewTiered(testCacheConfig(), nil, nil)
	if err != nil {
		t.Fatalf("NewTiered: %v", err)
	}
	ctx := context.Background()

	calls := 0
	compute := func(ctx context.Context) ([]string, error) {
		calls++
		return []string{"id-1"}, nil
	}

	ids, cached, err := c.GetOrCompute(ctx, "q", compute)
	if err != nil {
		t.Fatalf("GetOrCompute: %v", err)
	}
	if cached {
		t.Error("first call reported as cached")
	}
	if len(ids) != 1 || ids[0] != "id-1" {
		t.Errorf("ids = %v", ids)
	}

	_, cached, err = c.GetOrCompute(ctx, "q", compute)
	if err != nil {
		t.Fatalf("GetOrCompute: %v", err)
	}
	if !cached {
		t.Error("second call missed the cache")
	}
	if calls != 1 {
		t.Errorf("compute ran %d times, want 1", calls)
	}
}

func TestGetOrComputeError(t *testing.T) {
	c, err := NewTiered(testCacheConfig(), nil, nil)
	if err != nil {
		t.Fatalf("NewTiered: %v", err)
	}
	wantErr := errors.New("boom")
	_, _, err = c.GetOrCompute(context.Background(), "q", func(ctx context.Context) ([]string, error) {
		return nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
	// Failures are not cached.
	if _, ok := c.Get(context.Background(), "q"); ok {
		t.Error("failed computation left a cache record")
	}
}

func TestGetOrComputeConcurrentCallersReportMiss(t *testing.T) {
	c, err := NewTiered(testCacheConfig(), nil, nil)
	if err != nil {
		t.Fatalf("NewTiered: %v", err)
	}
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	compute := func(ctx context.Context) ([]string, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		return []string{"id-1"}, nil
	}

	results := make(chan bool, 2)
	go func() {
		_, cached, err := c.GetOrCompute(ctx, "q", compute)
		if err != nil {
			t.Errorf("GetOrCompute: %v", err)
		}
		results <- cached
	}()
	<-started
	go func() {
		_, cached, err := c.GetOrCompute(ctx, "q", compute)
		if err != nil {
			t.Errorf("GetOrCompute: %v", err)
		}
		results <- cached
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)

	// Neither caller was served from a tier, so both count as misses even
	// though they shared one computation.
	for i := 0; i < 2; i++ {
		if cached := <-results; cached {
			t.Error("computed result reported as a cache hit")
		}
	}
	if calls.Load() != 1 {
		t.Errorf("compute ran %d times, want 1", calls.Load())
	}
}

func TestPersistWriteFailureIsCacheWriteError(t *testing.T) {
	store := newFakeStore()
	store.failSet = errors.New("connection refused")
	c, err := NewTiered(testCacheConfig(), store, nil)
	if err != nil {
		t.Fatalf("NewTiered: %v", err)
	}

	werr := c.persistWrite(&Record{Key: "q", IDs: []string{"id-1"}, CachedAt: time.Now()})
	if !errors.Is(werr, apperrors.ErrCacheWrite) {
		t.Fatalf("err = %v, want ErrCacheWrite", werr)
	}
}

func TestInvalidateOlderThan(t *testing.T) {
	store := newFakeStore()
	c, err := NewTiered(testCacheConfig(), store, nil)
	if err != nil {
		t.Fatalf("NewTiered: %v", err)
	}
	ctx := context.Background()

	store.seed(t, &Record{Key: "recent", IDs: []string{"a"}, CachedAt: time.Now().Add(-1 * time.Hour)})
	store.seed(t, &Record{Key: "ancient", IDs: []string{"b"}, CachedAt: time.Now().Add(-48 * time.Hour)})

	removed, err := c.InvalidateOlderThan(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("InvalidateOlderThan: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed %d records, want 1", removed)
	}
	if _, err := store.Get(ctx, KeyPrefix+"recent"); err != nil {
		t.Error("recent record swept")
	}
	if _, err := store.Get(ctx, KeyPrefix+"ancient"); err == nil {
		t.Error("ancient record survived sweep")
	}
}

func TestPurge(t *testing.T) {
	store := newFakeStore()
	c, err := NewTiered(testCacheConfig(), store, nil)
	if err != nil {
		t.Fatalf("NewTiered: %v", err)
	}
	ctx := context.Background()

	store.seed(t, &Record{Key: "persisted", IDs: []string{"a"}, CachedAt: time.Now()})
	c.insertHot(&Record{Key: "hot", IDs: []string{"b"}, CachedAt: time.Now(), Size: 80})

	if err := c.Purge(ctx); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if _, ok := c.Get(ctx, "hot"); ok {
		t.Error("hot record survived purge")
	}
	if _, ok := c.Get(ctx, "persisted"); ok {
		t.Error("persistent record survived purge")
	}
}
