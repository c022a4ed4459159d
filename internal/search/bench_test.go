package search

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/oyvindek/nordlex/internal/cache"
	"github.com/oyvindek/nordlex/internal/index"
	"github.com/oyvindek/nordlex/internal/lexicon"
	"github.com/oyvindek/nordlex/pkg/config"
)

func benchCorpus(b *testing.B, n int) (*lexicon.Store, *index.Inverted) {
	b.Helper()
	records := make([]lexicon.RawRecord, n)
	for i := range records {
		records[i] = lexicon.RawRecord{
			SourceTerm: fmt.Sprintf("ord%d felles", i),
			TargetTerm: fmt.Sprintf("слово%d", i),
			Frequency:  i % 100,
		}
	}
	store := lexicon.NewStore()
	added, _ := store.AddAll(records, "bench")
	ix := index.New()
	ix.Build(added)
	return store, ix
}

func BenchmarkSearchUncached(b *testing.B) {
	store, ix := benchCorpus(b, 10000)
	e := NewEngine(store, ix, nil, config.SearchConfig{
		DefaultLimit: 20, MaxResults: 100, MaxTerms: 10,
	}, nil)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := e.Search(ctx, "felles", Options{}); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkSearchCached(b *testing.B) {
	store, ix := benchCorpus(b, 10000)
	c, err := cache.NewTiered(config.CacheConfig{
		MemoryCeiling: 16 << 20,
		OverflowCap:   1024,
		TTL:           24 * time.Hour,
		EvictFraction: 0.3,
	}, nil, nil)
	if err != nil {
		b.Fatal(err)
	}
	e := NewEngine(store, ix, c, config.SearchConfig{
		DefaultLimit: 20, MaxResults: 100, MaxTerms: 10,
	}, nil)
	ctx := context.Background()
	if _, err := e.Search(ctx, "felles", Options{}); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := e.Search(ctx, "felles", Options{}); err != nil {
			b.Fatal(err)
		}
	}
}
