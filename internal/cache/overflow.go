package cache

import (
	"container/list"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// overflow is the middle tier: records evicted from the hot tier are kept
// zstd-compressed, bounded by entry count rather than bytes. A hit is
// decompressed and handed back for promotion into the hot tier.
type overflow struct {
	mu      sync.Mutex
	cap     int
	entries map[string]*overflowEntry
	order   *list.List // front = most recent
	enc     *zstd.Encoder
	dec     *zstd.Decoder
}

type overflowEntry struct {
	key  string
	data []byte
	elem *list.Element
}

func newOverflow(capacity int) (*overflow, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &overflow{
		cap:     capacity,
		entries: make(map[string]*overflowEntry),
		order:   list.New(),
		enc:     enc,
		dec:     dec,
	}, nil
}

func (o *overflow) put(rec *Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling overflow record: %w", err)
	}
	compressed := o.enc.EncodeAll(raw, nil)

	o.mu.Lock()
	defer o.mu.Unlock()
	if existing, ok := o.entries[rec.Key]; ok {
		o.order.Remove(existing.elem)
		delete(o.entries, rec.Key)
	}
	for o.cap > 0 && len(o.entries) >= o.cap {
		back := o.order.Back()
		if back == nil {
			break
		}
		oldest := back.Value.(*overflowEntry)
		o.order.Remove(back)
		delete(o.entries, oldest.key)
	}
	e := &overflowEntry{key: rec.Key, data: compressed}
	e.elem = o.order.PushFront(e)
	o.entries[rec.Key] = e
	return nil
}

func (o *overflow) get(key string) (*Record, bool) {
	o.mu.Lock()
	e, ok := o.entries[key]
	if ok {
		o.order.MoveToFront(e.elem)
	}
	o.mu.Unlock()
	if !ok {
		return nil, false
	}
	raw, err := o.dec.DecodeAll(e.data, nil)
	if err != nil {
		return nil, false
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false
	}
	return &rec, true
}

func (o *overflow) delete(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if e, ok := o.entries[key]; ok {
		o.order.Remove(e.elem)
		delete(o.entries, key)
	}
}

func (o *overflow) reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entries = make(map[string]*overflowEntry)
	o.order.Init()
}

func (o *overflow) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}
