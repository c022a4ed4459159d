package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/oyvindek/nordlex/internal/index"
	"github.com/oyvindek/nordlex/internal/lexicon"
	"github.com/oyvindek/nordlex/pkg/config"
	apperrors "github.com/oyvindek/nordlex/pkg/errors"
)

// fakeFetcher serves canned records per source name.
type fakeFetcher struct {
	mu      sync.Mutex
	records map[string][]lexicon.RawRecord
	errs    map[string]error
	delay   time.Duration
	calls   []string
}

func (f *fakeFetcher) Fetch(ctx context.Context, desc config.SourceDescriptor) ([]lexicon.RawRecord, error) {
	f.mu.Lock()
	f.calls = append(f.calls, desc.Name)
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err, ok := f.errs[desc.Name]; ok {
		return nil, err
	}
	return f.records[desc.Name], nil
}

func testIngestConfig(snapshotPath string, sources ...config.SourceDescriptor) config.IngestConfig {
	return config.IngestConfig{
		SnapshotPath:    snapshotPath,
		ChunkSize:       2,
		Workers:         2,
		FetchTimeout:    time.Second,
		RefreshInterval: 24 * time.Hour,
		Sources:         sources,
	}
}

func newTestPipeline(cfg config.IngestConfig, fetcher Fetcher) (*Pipeline, *lexicon.Store, *index.Inverted) {
	store := lexicon.NewStore()
	ix := index.New()
	events := NewEventRecorder(config.KafkaConfig{Enabled: false})
	p := NewPipeline(cfg, store, ix, nil, fetcher, events, nil)
	return p, store, ix
}

func makeRecords(prefix string, n int) []lexicon.RawRecord {
	records := make([]lexicon.RawRecord, n)
	for i := range records {
		records[i] = lexicon.RawRecord{
			SourceTerm: fmt.Sprintf("%sord%d", prefix, i),
			TargetTerm: fmt.Sprintf("%sслово%d", prefix, i),
		}
	}
	return records
}

func writeSnapshot(t *testing.T, records []lexicon.RawRecord) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "snapshot.json")
	snap := Snapshot{
		Metadata: SnapshotMetadata{Version: "test", CreatedAt: time.Now()},
		Data:     records,
	}
	data, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("marshaling snapshot: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("writing snapshot: %v", err)
	}
	return path
}

func TestSnapshotShortCircuitsSources(t *testing.T) {
	path := writeSnapshot(t, makeRecords("snap", 5))
	fetcher := &fakeFetcher{records: map[string][]lexicon.RawRecord{
		"live": makeRecords("live", 3),
	}}
	cfg := testIngestConfig(path, config.SourceDescriptor{Name: "live"})
	p, store, _ := newTestPipeline(cfg, fetcher)

	report, err := p.LoadAll(context.Background())
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if !report.FromSnapshot {
		t.Error("report not marked as snapshot-sourced")
	}
	if report.Added != 5 {
		t.Errorf("added %d records, want 5", report.Added)
	}
	if store.Len() != 5 {
		t.Errorf("store holds %d entries, want 5", store.Len())
	}
	if len(fetcher.calls) != 0 {
		t.Errorf("live sources fetched despite snapshot: %v", fetcher.calls)
	}
}

func TestMissingSnapshotFallsThroughToSources(t *testing.T) {
	fetcher := &fakeFetcher{records: map[string][]lexicon.RawRecord{
		"live": makeRecords("live", 4),
	}}
	cfg := testIngestConfig(
		filepath.Join(t.TempDir(), "absent.json"),
		config.SourceDescriptor{Name: "live"},
	)
	p, store, ix := newTestPipeline(cfg, fetcher)

	report, err := p.LoadAll(context.Background())
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if report.FromSnapshot {
		t.Error("report claims snapshot despite missing file")
	}
	if store.Len() != 4 {
		t.Errorf("store holds %d entries, want 4", store.Len())
	}
	if ix.TermCount() == 0 {
		t.Error("index empty after merge")
	}
}

func TestCorruptSnapshotFallsThroughToSources(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.json")
	if err := os.WriteFile(path, []byte("{nope"), 0o644); err != nil {
		t.Fatalf("writing file: %v", err)
	}
	fetcher := &fakeFetcher{records: map[string][]lexicon.RawRecord{
		"live": makeRecords("live", 2),
	}}
	cfg := testIngestConfig(path, config.SourceDescriptor{Name: "live"})
	p, store, _ := newTestPipeline(cfg, fetcher)

	if _, err := p.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if store.Len() != 2 {
		t.Errorf("store holds %d entries, want 2", store.Len())
	}
}

func TestSourceFailureIsIsolated(t *testing.T) {
	fetcher := &fakeFetcher{
		records: map[string][]lexicon.RawRecord{
			"good": makeRecords("good", 3),
		},
		errs: map[string]error{
			"bad": errors.New("connection refused"),
		},
	}
	cfg := testIngestConfig(
		filepath.Join(t.TempDir(), "absent.json"),
		config.SourceDescriptor{Name: "good"},
		config.SourceDescriptor{Name: "bad"},
	)
	p, store, _ := newTestPipeline(cfg, fetcher)

	report, err := p.LoadAll(context.Background())
	if err != nil {
		t.Fatalf("LoadAll should tolerate a partial failure, got %v", err)
	}
	if store.Len() != 3 {
		t.Errorf("store holds %d entries, want 3 from the healthy source", store.Len())
	}

	states := make(map[string]string)
	for _, st := range report.Sources {
		states[st.Name] = st.State
	}
	if states["good"] != "merged" {
		t.Errorf("good source state = %q, want merged", states["good"])
	}
	if states["bad"] != "failed" {
		t.Errorf("bad source state = %q, want failed", states["bad"])
	}
}

func TestAllSourcesFailingIsAnError(t *testing.T) {
	fetcher := &fakeFetcher{errs: map[string]error{
		"a": errors.New("down"),
		"b": errors.New("also down"),
	}}
	cfg := testIngestConfig(
		filepath.Join(t.TempDir(), "absent.json"),
		config.SourceDescriptor{Name: "a"},
		config.SourceDescriptor{Name: "b"},
	)
	p, _, _ := newTestPipeline(cfg, fetcher)

	_, err := p.LoadAll(context.Background())
	if !errors.Is(err, apperrors.ErrSourceFetch) {
		t.Fatalf("err = %v, want ErrSourceFetch", err)
	}
}

func TestDuplicatePairsAcrossSourcesCollapse(t *testing.T) {
	shared := lexicon.RawRecord{SourceTerm: "hund", TargetTerm: "собака"}
	fetcher := &fakeFetcher{records: map[string][]lexicon.RawRecord{
		"first":  {shared, {SourceTerm: "katt", TargetTerm: "кошка"}},
		"second": {shared, {SourceTerm: "hus", TargetTerm: "дом"}},
	}}
	cfg := testIngestConfig(
		filepath.Join(t.TempDir(), "absent.json"),
		config.SourceDescriptor{Name: "first", Priority: 2},
		config.SourceDescriptor{Name: "second", Priority: 1},
	)
	p, store, _ := newTestPipeline(cfg, fetcher)

	report, err := p.LoadAll(context.Background())
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if store.Len() != 3 {
		t.Errorf("store holds %d entries, want 3 after cross-source dedup", store.Len())
	}
	if report.Duplicates != 1 {
		t.Errorf("report counts %d duplicates, want 1", report.Duplicates)
	}
}

func TestChunksMergeInFetchOrder(t *testing.T) {
	records := makeRecords("p", 200)
	fetcher := &fakeFetcher{records: map[string][]lexicon.RawRecord{
		"ordered": records,
	}}
	cfg := testIngestConfig(
		filepath.Join(t.TempDir(), "absent.json"),
		config.SourceDescriptor{Name: "ordered"},
	)
	p, store, _ := newTestPipeline(cfg, fetcher)

	if _, err := p.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	// Insertion order and positions must match payload order exactly, so
	// repeated runs over the same payload assign identical IDs.
	all := store.All()
	if len(all) != len(records) {
		t.Fatalf("store holds %d entries, want %d", len(all), len(records))
	}
	for i, entry := range all {
		if entry.SourceTerm != records[i].SourceTerm {
			t.Fatalf("entry %d is %q, want %q", i, entry.SourceTerm, records[i].SourceTerm)
		}
		if entry.Position != i {
			t.Fatalf("entry %d has position %d", i, entry.Position)
		}
	}
}

func TestCancellationStopsAtChunkBoundary(t *testing.T) {
	fetcher := &fakeFetcher{
		records: map[string][]lexicon.RawRecord{
			"slow": makeRecords("slow", 100),
		},
		delay: 50 * time.Millisecond,
	}
	cfg := testIngestConfig(
		filepath.Join(t.TempDir(), "absent.json"),
		config.SourceDescriptor{Name: "slow"},
	)
	p, _, _ := newTestPipeline(cfg, fetcher)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.LoadAll(ctx)
	if !errors.Is(err, apperrors.ErrIngestCancelled) {
		t.Fatalf("err = %v, want ErrIngestCancelled", err)
	}
}

func TestConcurrentRunsRejected(t *testing.T) {
	fetcher := &fakeFetcher{
		records: map[string][]lexicon.RawRecord{"live": makeRecords("live", 10)},
		delay:   100 * time.Millisecond,
	}
	cfg := testIngestConfig(
		filepath.Join(t.TempDir(), "absent.json"),
		config.SourceDescriptor{Name: "live"},
	)
	p, _, _ := newTestPipeline(cfg, fetcher)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := p.LoadAll(context.Background()); err != nil {
			t.Errorf("first run failed: %v", err)
		}
	}()

	// Wait until the first run is underway.
	deadline := time.Now().Add(time.Second)
	for !p.Status().Running {
		if time.Now().After(deadline) {
			t.Fatal("first run never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := p.LoadAll(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("overlapping run err = %v, want ErrAlreadyRunning", err)
	}
	<-done
}

func TestProgressReportsReachCompletion(t *testing.T) {
	fetcher := &fakeFetcher{records: map[string][]lexicon.RawRecord{
		"live": makeRecords("live", 10),
	}}
	cfg := testIngestConfig(
		filepath.Join(t.TempDir(), "absent.json"),
		config.SourceDescriptor{Name: "live"},
	)
	p, _, _ := newTestPipeline(cfg, fetcher)

	var mu sync.Mutex
	var reports []Progress
	p.SetProgressFunc(func(pr Progress) {
		mu.Lock()
		reports = append(reports, pr)
		mu.Unlock()
	})

	if _, err := p.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	// 10 records at chunk size 2 means 5 chunks, one report each.
	if len(reports) != 5 {
		t.Fatalf("got %d progress reports, want 5", len(reports))
	}
	for _, pr := range reports {
		if pr.TotalSources != 1 || pr.SourceName != "live" {
			t.Errorf("unexpected progress shape: %+v", pr)
		}
	}
}

func TestShouldRefresh(t *testing.T) {
	p, _, _ := newTestPipeline(testIngestConfig(""), &fakeFetcher{})
	if !p.ShouldRefresh(time.Time{}) {
		t.Error("zero last update should refresh")
	}
	if p.ShouldRefresh(time.Now().Add(-1 * time.Hour)) {
		t.Error("hour-old data refreshed before the 24h interval")
	}
	if !p.ShouldRefresh(time.Now().Add(-25 * time.Hour)) {
		t.Error("day-old data not refreshed")
	}
}
