package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oyvindek/nordlex/internal/cache"
	"github.com/oyvindek/nordlex/internal/index"
	"github.com/oyvindek/nordlex/internal/lexicon"
	"github.com/oyvindek/nordlex/pkg/config"
	apperrors "github.com/oyvindek/nordlex/pkg/errors"
	"github.com/oyvindek/nordlex/pkg/logger"
	"github.com/oyvindek/nordlex/pkg/metrics"
)

// ErrAlreadyRunning is returned when a run is requested while one is active.
var ErrAlreadyRunning = errors.New("ingestion run already in progress")

// Progress is a point-in-time view of a running pipeline, delivered to the
// optional progress callback after every merged chunk.
type Progress struct {
	SourceName       string        `json:"source_name"`
	SourceProgress   float64       `json:"source_progress"`
	OverallProgress  float64       `json:"overall_progress"`
	CompletedSources int           `json:"completed_sources"`
	TotalSources     int           `json:"total_sources"`
	Elapsed          time.Duration `json:"elapsed"`
}

// RunReport summarises one completed pipeline run.
type RunReport struct {
	FromSnapshot bool           `json:"from_snapshot"`
	Sources      []SourceStatus `json:"sources"`
	Added        int            `json:"added"`
	Duplicates   int            `json:"duplicates"`
	Rejected     int            `json:"rejected"`
	Elapsed      time.Duration  `json:"elapsed"`
}

// Status is the externally visible pipeline state for the status endpoint.
type Status struct {
	Running    bool           `json:"running"`
	LastRun    time.Time      `json:"last_run,omitzero"`
	Entries    int            `json:"entries"`
	IndexTerms int            `json:"index_terms"`
	Sources    []SourceStatus `json:"sources"`
}

// Pipeline loads the lexicon: a bundled snapshot when present, otherwise the
// configured remote sources fetched in isolation. Records merge into the
// store and index chunk by chunk, so partial data is searchable while the
// run is still going. One run at a time.
type Pipeline struct {
	cfg        config.IngestConfig
	store      *lexicon.Store
	index      *index.Inverted
	cache      *cache.Tiered
	fetcher    Fetcher
	events     *EventRecorder
	metrics    *metrics.Metrics
	logger     *slog.Logger
	onProgress func(Progress)

	mu      sync.Mutex
	running bool
	sources []*source
	lastRun time.Time
}

// NewPipeline wires the pipeline to its collaborators. cache and m may be
// nil; events must not be (use an inert recorder).
func NewPipeline(
	cfg config.IngestConfig,
	store *lexicon.Store,
	ix *index.Inverted,
	c *cache.Tiered,
	fetcher Fetcher,
	events *EventRecorder,
	m *metrics.Metrics,
) *Pipeline {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 500
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Pipeline{
		cfg:     cfg,
		store:   store,
		index:   ix,
		cache:   c,
		fetcher: fetcher,
		events:  events,
		metrics: m,
		logger:  logger.WithComponent("ingest"),
	}
}

// SetProgressFunc registers a callback invoked after every merged chunk.
// Must be called before LoadAll.
func (p *Pipeline) SetProgressFunc(fn func(Progress)) {
	p.onProgress = fn
}

// ShouldRefresh reports whether the dataset is stale relative to the
// configured refresh interval. A zero lastUpdate always refreshes.
func (p *Pipeline) ShouldRefresh(lastUpdate time.Time) bool {
	if lastUpdate.IsZero() {
		return true
	}
	return time.Since(lastUpdate) >= p.cfg.RefreshInterval
}

// LoadAll executes one pipeline run. A readable snapshot short-circuits the
// remote sources entirely; otherwise every configured source is fetched
// concurrently and merged, with per-source failures contained. The run fails
// only when nothing at all could be loaded, or on cancellation.
func (p *Pipeline) LoadAll(ctx context.Context) (*RunReport, error) {
	if err := p.begin(); err != nil {
		return nil, err
	}
	defer p.finish()

	start := time.Now()
	p.events.Record("run_started", "pipeline", nil)

	report, err := p.run(ctx, start)

	if report != nil {
		report.Elapsed = time.Since(start)
		p.events.Record("run_completed", "pipeline", map[string]any{
			"added":         report.Added,
			"duplicates":    report.Duplicates,
			"from_snapshot": report.FromSnapshot,
			"elapsed_ms":    report.Elapsed.Milliseconds(),
		})
	}
	p.events.Flush(ctx)
	p.observeRun(report, time.Since(start))

	if err != nil {
		return report, err
	}

	// New entries can change what an already-cached query should return.
	if p.cache != nil && report.Added > 0 {
		if perr := p.cache.Purge(ctx); perr != nil {
			p.logger.Warn("cache purge after ingest failed", "error", perr)
		}
	}
	return report, nil
}

func (p *Pipeline) run(ctx context.Context, start time.Time) (*RunReport, error) {
	snap, err := LoadSnapshot(p.cfg.SnapshotPath)
	switch {
	case err == nil:
		return p.runFromSnapshot(ctx, snap, start)
	case errors.Is(err, os.ErrNotExist):
		p.logger.Info("no snapshot file, loading from sources", "path", p.cfg.SnapshotPath)
	default:
		p.logger.Warn("snapshot unusable, loading from sources", "error", err)
	}
	return p.runFromSources(ctx, start)
}

func (p *Pipeline) runFromSnapshot(ctx context.Context, snap *Snapshot, start time.Time) (*RunReport, error) {
	p.logger.Info("loading from snapshot",
		"version", snap.Metadata.Version,
		"records", len(snap.Data),
	)
	src := newSource(config.SourceDescriptor{Name: "snapshot"})
	p.setSources([]*source{src})

	src.setState(StateFetching)
	p.loadSource(ctx, src, snap.Data, start)

	report := p.buildReport(true)
	if ctx.Err() != nil {
		return report, fmt.Errorf("%w: %v", apperrors.ErrIngestCancelled, ctx.Err())
	}
	if report.Added == 0 && src.status().State == StateFailed.String() {
		return report, fmt.Errorf("%w: snapshot merge failed", apperrors.ErrSnapshotInvalid)
	}
	return report, nil
}

func (p *Pipeline) runFromSources(ctx context.Context, start time.Time) (*RunReport, error) {
	if len(p.cfg.Sources) == 0 {
		return p.buildReport(false), errors.New("no snapshot and no sources configured")
	}

	// Higher-priority sources start first, so when two sources carry the
	// same term pair the dominant one usually claims it.
	descs := make([]config.SourceDescriptor, len(p.cfg.Sources))
	copy(descs, p.cfg.Sources)
	sort.SliceStable(descs, func(i, j int) bool { return descs[i].Priority > descs[j].Priority })

	sources := make([]*source, len(descs))
	for i, d := range descs {
		sources[i] = newSource(d)
	}
	p.setSources(sources)

	// Each source runs to completion independently; one source failing
	// never aborts its siblings. The worker limit bounds how many sources
	// fetch and merge at once.
	var g errgroup.Group
	g.SetLimit(p.cfg.Workers)
	for _, src := range sources {
		src := src
		g.Go(func() error {
			p.fetchAndLoad(ctx, src, start)
			return nil
		})
	}
	g.Wait()

	report := p.buildReport(false)
	if ctx.Err() != nil {
		return report, fmt.Errorf("%w: %v", apperrors.ErrIngestCancelled, ctx.Err())
	}
	merged := 0
	for _, st := range report.Sources {
		if st.State == StateMerged.String() {
			merged++
		}
	}
	if merged == 0 {
		return report, fmt.Errorf("%w: every source failed", apperrors.ErrSourceFetch)
	}
	return report, nil
}

// fetchAndLoad drives one source through fetch and merge, containing any
// failure in its tracker.
func (p *Pipeline) fetchAndLoad(ctx context.Context, src *source, start time.Time) {
	src.setState(StateFetching)
	p.setSourceStateMetric(src)

	records, err := p.fetcher.Fetch(ctx, src.desc)
	if err != nil {
		p.logger.Error("source fetch failed", "source", src.desc.Name, "error", err)
		src.fail(err)
		p.setSourceStateMetric(src)
		p.events.Record("source_failed", src.desc.Name, map[string]any{"error": err.Error()})
		return
	}
	if exp := src.desc.ExpectedRecords; exp > 0 && len(records) < exp/2 {
		p.logger.Warn("source yielded far fewer records than expected",
			"source", src.desc.Name,
			"fetched", len(records),
			"expected", exp,
		)
	}
	p.loadSource(ctx, src, records, start)
}

// loadSource merges fetched records chunk by chunk, strictly in fetch
// order: insertion order, assigned IDs, and duplicate winners within one
// source must not depend on scheduling. Every chunk lands in the store and
// index before the next one starts, so searches see a growing dataset
// rather than an empty one. Cancellation is checked between chunks.
func (p *Pipeline) loadSource(ctx context.Context, src *source, records []lexicon.RawRecord, start time.Time) {
	chunks := chunkRecords(records, p.cfg.ChunkSize)
	src.setFetched(len(records), len(chunks))
	src.setState(StateProcessing)
	p.setSourceStateMetric(src)

	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			src.fail(fmt.Errorf("%w: %v", apperrors.ErrIngestCancelled, err))
			p.setSourceStateMetric(src)
			return
		}
		added, stats := p.store.AddAll(chunk, src.desc.Name)
		p.index.Update(added)
		src.recordChunk(stats.Added, stats.Duplicates, stats.Rejected)
		p.observeChunk(src, stats)
		p.events.Record("chunk_merged", src.desc.Name, map[string]any{
			"added":      stats.Added,
			"duplicates": stats.Duplicates,
		})
		p.reportProgress(src, start)
	}

	src.setState(StateMerged)
	p.setSourceStateMetric(src)
	st := src.status()
	p.logger.Info("source merged",
		"source", st.Name,
		"fetched", st.Fetched,
		"added", st.Added,
		"duplicates", st.Duplicates,
		"rejected", st.Rejected,
	)
	p.events.Record("source_merged", st.Name, map[string]any{
		"added":      st.Added,
		"duplicates": st.Duplicates,
		"rejected":   st.Rejected,
	})
}

// Status returns the current pipeline and per-source state.
func (p *Pipeline) Status() Status {
	p.mu.Lock()
	running := p.running
	lastRun := p.lastRun
	sources := p.sources
	p.mu.Unlock()

	statuses := make([]SourceStatus, len(sources))
	for i, s := range sources {
		statuses[i] = s.status()
	}
	return Status{
		Running:    running,
		LastRun:    lastRun,
		Entries:    p.store.Len(),
		IndexTerms: p.index.TermCount(),
		Sources:    statuses,
	}
}

func (p *Pipeline) begin() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return ErrAlreadyRunning
	}
	p.running = true
	return nil
}

func (p *Pipeline) finish() {
	p.mu.Lock()
	p.running = false
	p.lastRun = time.Now()
	p.mu.Unlock()
}

func (p *Pipeline) setSources(sources []*source) {
	p.mu.Lock()
	p.sources = sources
	p.mu.Unlock()
}

func (p *Pipeline) buildReport(fromSnapshot bool) *RunReport {
	p.mu.Lock()
	sources := p.sources
	p.mu.Unlock()

	report := &RunReport{FromSnapshot: fromSnapshot}
	for _, s := range sources {
		st := s.status()
		report.Sources = append(report.Sources, st)
		report.Added += st.Added
		report.Duplicates += st.Duplicates
		report.Rejected += st.Rejected
	}
	return report
}

func (p *Pipeline) reportProgress(src *source, start time.Time) {
	if p.onProgress == nil {
		return
	}
	p.mu.Lock()
	sources := p.sources
	p.mu.Unlock()

	completed := 0
	var overall float64
	for _, s := range sources {
		st := s.status()
		overall += st.Progress
		if st.State == StateMerged.String() || st.State == StateFailed.String() {
			completed++
		}
	}
	if len(sources) > 0 {
		overall /= float64(len(sources))
	}
	p.onProgress(Progress{
		SourceName:       src.desc.Name,
		SourceProgress:   src.status().Progress,
		OverallProgress:  overall,
		CompletedSources: completed,
		TotalSources:     len(sources),
		Elapsed:          time.Since(start),
	})
}

func (p *Pipeline) observeChunk(src *source, stats lexicon.MergeStats) {
	if p.metrics == nil {
		return
	}
	p.metrics.IngestChunksTotal.WithLabelValues(src.desc.Name, "merged").Inc()
	p.metrics.IngestRecordsTotal.WithLabelValues(src.desc.Name, "added").Add(float64(stats.Added))
	p.metrics.IngestRecordsTotal.WithLabelValues(src.desc.Name, "duplicate").Add(float64(stats.Duplicates))
	p.metrics.IngestRecordsTotal.WithLabelValues(src.desc.Name, "rejected").Add(float64(stats.Rejected))
}

func (p *Pipeline) observeRun(report *RunReport, took time.Duration) {
	if p.metrics == nil || report == nil {
		return
	}
	p.metrics.IngestDuration.Observe(took.Seconds())
	p.metrics.EntriesTotal.Set(float64(p.store.Len()))
	p.metrics.IndexTermsTotal.Set(float64(p.index.TermCount()))
}

func (p *Pipeline) setSourceStateMetric(src *source) {
	if p.metrics == nil {
		return
	}
	src.mu.Lock()
	state := src.state
	src.mu.Unlock()
	p.metrics.IngestSourceState.WithLabelValues(src.desc.Name).Set(float64(state))
}

// chunkRecords splits records into ChunkSize pieces, preserving order.
func chunkRecords(records []lexicon.RawRecord, size int) [][]lexicon.RawRecord {
	if len(records) == 0 {
		return nil
	}
	chunks := make([][]lexicon.RawRecord, 0, (len(records)+size-1)/size)
	for start := 0; start < len(records); start += size {
		end := start + size
		if end > len(records) {
			end = len(records)
		}
		chunks = append(chunks, records[start:end])
	}
	return chunks
}
