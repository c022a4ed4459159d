// Package index implements the in-memory inverted index mapping normalised
// terms to the set of entry IDs whose keywords contain them.
package index

import (
	"sync"

	"github.com/oyvindek/nordlex/internal/lexicon"
)

type Inverted struct {
	mu    sync.RWMutex
	terms map[string]map[string]struct{}
	size  int64
}

func New() *Inverted {
	return &Inverted{
		terms: make(map[string]map[string]struct{}),
	}
}

// Build replaces all index state with the postings derived from entries.
// Cost is linear in the total keyword count.
func (ix *Inverted) Build(entries []*lexicon.Entry) {
	fresh := make(map[string]map[string]struct{})
	var size int64
	for _, entry := range entries {
		for _, term := range entry.Keywords {
			ids, ok := fresh[term]
			if !ok {
				ids = make(map[string]struct{})
				fresh[term] = ids
			}
			if _, dup := ids[entry.ID]; !dup {
				ids[entry.ID] = struct{}{}
				size += int64(len(term) + len(entry.ID) + 16)
			}
		}
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.terms = fresh
	ix.size = size
}

// Update adds postings for entries without rebuilding, so that a partially
// ingested dataset is searchable immediately.
func (ix *Inverted) Update(entries []*lexicon.Entry) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, entry := range entries {
		for _, term := range entry.Keywords {
			ids, ok := ix.terms[term]
			if !ok {
				ids = make(map[string]struct{})
				ix.terms[term] = ids
			}
			if _, dup := ids[entry.ID]; !dup {
				ids[entry.ID] = struct{}{}
				ix.size += int64(len(term) + len(entry.ID) + 16)
			}
		}
	}
}

// Lookup returns the IDs indexed under the exact normalised term. An absent
// term yields an empty slice, never an error.
func (ix *Inverted) Lookup(term string) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	ids, ok := ix.terms[term]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	return out
}

// Contains reports whether term maps to id.
func (ix *Inverted) Contains(term, id string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	ids, ok := ix.terms[term]
	if !ok {
		return false
	}
	_, found := ids[id]
	return found
}

// TermCount returns the number of distinct indexed terms.
func (ix *Inverted) TermCount() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.terms)
}

// Size returns the estimated memory footprint of the index in bytes.
func (ix *Inverted) Size() int64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.size
}

// Reset drops all index state.
func (ix *Inverted) Reset() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.terms = make(map[string]map[string]struct{})
	ix.size = 0
}
