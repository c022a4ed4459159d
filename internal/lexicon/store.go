package lexicon

import (
	"fmt"
	"log/slog"
	"sync"

	apperrors "github.com/oyvindek/nordlex/pkg/errors"
)

// MergeStats summarises one AddAll call.
type MergeStats struct {
	Added      int
	Duplicates int
	Rejected   int
}

// Store is the append-only owner of all Entry data. Entries are added during
// ingestion and never mutated; duplicates (same normalised term pair) are
// discarded with first-write-wins semantics. The index and cache hold only
// IDs back into the store, never copies.
type Store struct {
	mu     sync.RWMutex
	order  []*Entry
	byID   map[string]*Entry
	byPair map[string]struct{}
	nextID uint64
	logger *slog.Logger
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		byID:   make(map[string]*Entry),
		byPair: make(map[string]struct{}),
		logger: slog.Default().With("component", "lexicon-store"),
	}
}

// AddAll validates and merges raw records into the store, assigning IDs to
// records that carry none. The first record seen for a given normalised
// (sourceTerm, targetTerm) pair wins; later ones are dropped. Returns the
// entries actually added, in insertion order.
func (s *Store) AddAll(records []RawRecord, defaultSource string) ([]*Entry, MergeStats) {
	var stats MergeStats
	added := make([]*Entry, 0, len(records))

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, raw := range records {
		entry, err := NewEntry(raw, defaultSource)
		if err != nil {
			stats.Rejected++
			s.logger.Debug("record rejected", "error", err)
			continue
		}
		key := entry.PairKey()
		if _, dup := s.byPair[key]; dup {
			stats.Duplicates++
			continue
		}
		if entry.ID == "" {
			s.nextID++
			entry.ID = fmt.Sprintf("%s-%d", entry.Source, s.nextID)
		} else if _, taken := s.byID[entry.ID]; taken {
			// Colliding explicit IDs get a fresh one rather than clobbering.
			s.nextID++
			entry.ID = fmt.Sprintf("%s-%d", entry.Source, s.nextID)
		}
		entry.Position = len(s.order)
		s.order = append(s.order, entry)
		s.byID[entry.ID] = entry
		s.byPair[key] = struct{}{}
		added = append(added, entry)
		stats.Added++
	}
	return added, stats
}

// GetByID returns the entry with the given ID in O(1).
func (s *Store) GetByID(id string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrEntryNotFound, id)
	}
	return entry, nil
}

// All returns the loaded entries in insertion order. The returned slice is a
// copy; the entries themselves are shared and must not be mutated.
func (s *Store) All() []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Entry, len(s.order))
	copy(out, s.order)
	return out
}

// Len returns the number of stored entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}
