// Package lexicon holds the canonical lexical entry type and the append-only
// store that owns all entry data. Raw records from snapshots and remote
// sources are validated into Entry values exactly once, at the ingestion
// boundary; every other component operates on the validated type.
package lexicon

import (
	"fmt"
	"strings"

	"github.com/oyvindek/nordlex/internal/tokenizer"
)

// RawRecord is the loosely-shaped form a record takes in snapshot files and
// remote source payloads.
type RawRecord struct {
	ID         string   `json:"id,omitempty"`
	SourceTerm string   `json:"no"`
	TargetTerm string   `json:"ru"`
	Keywords   []string `json:"keywords,omitempty"`
	Category   string   `json:"category,omitempty"`
	Level      string   `json:"level,omitempty"`
	Source     string   `json:"source,omitempty"`
	Frequency  int      `json:"freq,omitempty"`
	Answer     string   `json:"answer,omitempty"`
}

// Entry is the atomic lexical unit: a word or phrase pair plus metadata.
// Entries are immutable once stored.
type Entry struct {
	ID         string   `json:"id"`
	SourceTerm string   `json:"source_term"`
	TargetTerm string   `json:"target_term"`
	Keywords   []string `json:"keywords"`
	Category   string   `json:"category,omitempty"`
	Level      string   `json:"level,omitempty"`
	Source     string   `json:"source,omitempty"`
	Frequency  int      `json:"frequency,omitempty"`
	Answer     string   `json:"answer,omitempty"`

	// Position is the insertion index within the store, used as the final
	// ranking tiebreak.
	Position int `json:"-"`
}

// NewEntry validates a raw record into a canonical Entry. The returned entry
// has no ID or Position; the store assigns both at insertion. Records whose
// normalised keyword set comes out empty are rejected: an entry nothing can
// ever find has no business being stored.
func NewEntry(raw RawRecord, defaultSource string) (*Entry, error) {
	sourceTerm := strings.TrimSpace(raw.SourceTerm)
	targetTerm := strings.TrimSpace(raw.TargetTerm)
	if sourceTerm == "" || targetTerm == "" {
		return nil, fmt.Errorf("record missing source or target term (%q, %q)", raw.SourceTerm, raw.TargetTerm)
	}

	texts := append([]string{sourceTerm, targetTerm}, raw.Keywords...)
	keywords := tokenizer.UniqueTerms(texts...)
	if len(keywords) == 0 {
		return nil, fmt.Errorf("record %q/%q normalises to no indexable keywords", sourceTerm, targetTerm)
	}

	source := raw.Source
	if source == "" {
		source = defaultSource
	}
	return &Entry{
		ID:         raw.ID,
		SourceTerm: sourceTerm,
		TargetTerm: targetTerm,
		Keywords:   keywords,
		Category:   raw.Category,
		Level:      raw.Level,
		Source:     source,
		Frequency:  raw.Frequency,
		Answer:     raw.Answer,
	}, nil
}

// PairKey returns the normalised (sourceTerm, targetTerm) duplicate-detection
// key for the entry.
func (e *Entry) PairKey() string {
	return pairKey(e.SourceTerm, e.TargetTerm)
}

// DisplayAnswer returns the pre-formatted answer string, deriving one from
// the term pair when the record carried none.
func (e *Entry) DisplayAnswer() string {
	if e.Answer != "" {
		return e.Answer
	}
	if e.Level != "" {
		return fmt.Sprintf("%s — %s (%s)", e.SourceTerm, e.TargetTerm, e.Level)
	}
	return fmt.Sprintf("%s — %s", e.SourceTerm, e.TargetTerm)
}

func pairKey(sourceTerm, targetTerm string) string {
	return tokenizer.Normalize(sourceTerm) + "\x00" + tokenizer.Normalize(targetTerm)
}
