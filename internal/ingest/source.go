// Package ingest implements the streaming ingestion pipeline: snapshot-first
// loading, isolated concurrent source fetches, and chunked merging into the
// store and index so partial data is searchable while loading continues.
package ingest

import (
	"sync"
	"time"

	"github.com/oyvindek/nordlex/pkg/config"
)

// State is a source's position in the pipeline lifecycle.
type State int

const (
	StatePending State = iota
	StateFetching
	StateProcessing
	StateMerged
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateFetching:
		return "fetching"
	case StateProcessing:
		return "processing"
	case StateMerged:
		return "merged"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// source tracks one data source through a pipeline run. A source failure
// never escapes its own tracker; the run continues with the remaining
// sources.
type source struct {
	desc config.SourceDescriptor

	mu         sync.Mutex
	state      State
	fetched    int
	added      int
	duplicates int
	rejected   int
	chunksDone int
	chunks     int
	err        error
	startedAt  time.Time
	finishedAt time.Time
}

// SourceStatus is the externally visible snapshot of one source tracker.
type SourceStatus struct {
	Name       string  `json:"name"`
	State      string  `json:"state"`
	Fetched    int     `json:"fetched"`
	Added      int     `json:"added"`
	Duplicates int     `json:"duplicates"`
	Rejected   int     `json:"rejected"`
	Progress   float64 `json:"progress"`
	Error      string  `json:"error,omitempty"`
	ElapsedMS  int64   `json:"elapsed_ms"`
}

func newSource(desc config.SourceDescriptor) *source {
	return &source{desc: desc, state: StatePending}
}

func (s *source) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	switch state {
	case StateFetching:
		s.startedAt = time.Now()
	case StateMerged, StateFailed:
		s.finishedAt = time.Now()
	}
}

func (s *source) setFetched(n, chunks int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetched = n
	s.chunks = chunks
}

func (s *source) recordChunk(added, duplicates, rejected int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.added += added
	s.duplicates += duplicates
	s.rejected += rejected
	s.chunksDone++
}

func (s *source) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.setState(StateFailed)
}

// status builds a consistent point-in-time view of the tracker.
func (s *source) status() SourceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	var progress float64
	switch s.state {
	case StateMerged:
		progress = 1
	case StateProcessing:
		if s.chunks > 0 {
			progress = float64(s.chunksDone) / float64(s.chunks)
		}
	}
	var elapsed time.Duration
	if !s.startedAt.IsZero() {
		end := s.finishedAt
		if end.IsZero() {
			end = time.Now()
		}
		elapsed = end.Sub(s.startedAt)
	}
	st := SourceStatus{
		Name:       s.desc.Name,
		State:      s.state.String(),
		Fetched:    s.fetched,
		Added:      s.added,
		Duplicates: s.duplicates,
		Rejected:   s.rejected,
		Progress:   progress,
		ElapsedMS:  elapsed.Milliseconds(),
	}
	if s.err != nil {
		st.Error = s.err.Error()
	}
	return st
}
