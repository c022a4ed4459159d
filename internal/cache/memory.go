// Package cache implements the three-tier result cache: hot in-memory blocks
// under an LRU memory ceiling, a compressed overflow tier, and a persistent
// Redis tier with a shared 24-hour TTL.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// Record is a cached query result: the ordered entry IDs for one normalised
// query, stamped at computation time for TTL checks.
type Record struct {
	Key      string    `json:"key"`
	IDs      []string  `json:"ids"`
	CachedAt time.Time `json:"cached_at"`
	Size     int64     `json:"size"`
}

type block struct {
	record     *Record
	lastAccess time.Time
	elem       *list.Element
}

// Manager tracks hot-tier blocks against a memory ceiling. When an insert
// would push usage past the ceiling it evicts the least-recently-accessed
// fraction of blocks in one batch, before the insert, and hands the evicted
// records back to the caller. Touch and evict are O(1) per block.
type Manager struct {
	mu            sync.Mutex
	ceiling       int64
	used          int64
	evictFraction float64
	blocks        map[string]*block
	lru           *list.List // front = most recent
	clock         func() time.Time
}

// NewManager creates a Manager with the given memory ceiling in bytes.
// evictFraction is the share of tracked blocks removed per eviction pass.
func NewManager(ceiling int64, evictFraction float64) *Manager {
	if evictFraction <= 0 || evictFraction > 1 {
		evictFraction = 0.3
	}
	return &Manager{
		ceiling:       ceiling,
		evictFraction: evictFraction,
		blocks:        make(map[string]*block),
		lru:           list.New(),
		clock:         time.Now,
	}
}

// Get returns the record for key and marks it most recently used.
func (m *Manager) Get(key string) (*Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blocks[key]
	if !ok {
		return nil, false
	}
	b.lastAccess = m.clock()
	m.lru.MoveToFront(b.elem)
	return b.record, true
}

// Put inserts a record, evicting first if the insert would breach the
// ceiling. Tracked usage never exceeds the ceiling after a Put: the batch
// eviction runs first, then single blocks go until the record fits. A
// record larger than the ceiling on its own is not inserted at all; it is
// returned with the evicted records for the caller to spill. Evicted
// records come back oldest first.
func (m *Manager) Put(rec *Record) []*Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.blocks[rec.Key]; ok {
		m.remove(old)
	}
	if rec.Size > m.ceiling {
		return []*Record{rec}
	}
	var evicted []*Record
	if m.used+rec.Size > m.ceiling {
		evicted = m.evictBatch()
	}
	for m.used+rec.Size > m.ceiling {
		back := m.lru.Back()
		if back == nil {
			break
		}
		b := back.Value.(*block)
		m.remove(b)
		evicted = append(evicted, b.record)
	}
	b := &block{record: rec, lastAccess: m.clock()}
	b.elem = m.lru.PushFront(b)
	m.blocks[rec.Key] = b
	m.used += rec.Size
	return evicted
}

// Delete removes the record for key if present.
func (m *Manager) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.blocks[key]; ok {
		m.remove(b)
	}
}

// Used returns the current tracked size in bytes.
func (m *Manager) Used() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used
}

// Len returns the number of tracked blocks.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blocks)
}

// Reset drops every tracked block.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks = make(map[string]*block)
	m.lru.Init()
	m.used = 0
}

// evictBatch removes the least-recently-accessed evictFraction of blocks.
// Batching amortises eviction cost over many future writes at the price of
// temporary under-utilisation. Caller holds m.mu.
func (m *Manager) evictBatch() []*Record {
	count := int(float64(len(m.blocks)) * m.evictFraction)
	if count < 1 {
		count = 1
	}
	evicted := make([]*Record, 0, count)
	for i := 0; i < count; i++ {
		back := m.lru.Back()
		if back == nil {
			break
		}
		b := back.Value.(*block)
		m.remove(b)
		evicted = append(evicted, b.record)
	}
	return evicted
}

// remove unlinks a block. Caller holds m.mu.
func (m *Manager) remove(b *block) {
	m.lru.Remove(b.elem)
	delete(m.blocks, b.record.Key)
	m.used -= b.record.Size
}
