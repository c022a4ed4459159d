// Package search executes ranked lookups against the inverted index, with
// results memoised in the tiered cache.
package search

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/oyvindek/nordlex/internal/cache"
	"github.com/oyvindek/nordlex/internal/index"
	"github.com/oyvindek/nordlex/internal/lexicon"
	"github.com/oyvindek/nordlex/internal/tokenizer"
	"github.com/oyvindek/nordlex/pkg/config"
	apperrors "github.com/oyvindek/nordlex/pkg/errors"
	"github.com/oyvindek/nordlex/pkg/logger"
	"github.com/oyvindek/nordlex/pkg/metrics"
)

// Options controls one search invocation.
type Options struct {
	// Limit caps the number of results. Zero means the configured default.
	Limit int
}

// Result is one ranked search hit in response shape.
type Result struct {
	ID         string `json:"id"`
	SourceTerm string `json:"source_term"`
	TargetTerm string `json:"target_term"`
	Answer     string `json:"answer"`
	Category   string `json:"category,omitempty"`
	Level      string `json:"level,omitempty"`
	Source     string `json:"source,omitempty"`
}

// Response bundles the hits with query metadata.
type Response struct {
	Query   string   `json:"query"`
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Cached  bool     `json:"cached"`
	TookMS  float64  `json:"took_ms"`
}

// Engine ranks entries by how many query terms match their keywords.
// Ranking is deterministic: match count first, then frequency, then store
// insertion order.
type Engine struct {
	store   *lexicon.Store
	index   *index.Inverted
	cache   *cache.Tiered
	cfg     config.SearchConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewEngine wires the engine to its store, index, and cache. cache and m may
// be nil; a nil cache disables memoisation.
func NewEngine(store *lexicon.Store, ix *index.Inverted, c *cache.Tiered, cfg config.SearchConfig, m *metrics.Metrics) *Engine {
	return &Engine{
		store:   store,
		index:   ix,
		cache:   c,
		cfg:     cfg,
		logger:  logger.WithComponent("search"),
		metrics: m,
	}
}

// Search runs a ranked query. A blank query is an ErrInvalidQuery. A query
// that yields no indexable terms, like punctuation or single letters, cannot
// match anything and returns an empty result set; so does a valid query with
// no matches.
func (e *Engine) Search(ctx context.Context, query string, opts Options) (*Response, error) {
	start := time.Now()

	limit, err := e.resolveLimit(opts)
	if err != nil {
		e.countQuery("error")
		return nil, err
	}
	if strings.TrimSpace(query) == "" {
		e.countQuery("error")
		return nil, fmt.Errorf("%w: empty query", apperrors.ErrInvalidQuery)
	}
	normalized := tokenizer.Normalize(query)
	terms := tokenizer.TokenizeQuery(normalized, e.cfg.MaxTerms)
	if len(terms) == 0 {
		resp := &Response{
			Query:   query,
			Results: []Result{},
			TookMS:  float64(time.Since(start).Microseconds()) / 1000,
		}
		e.observe(resp, time.Since(start))
		return resp, nil
	}

	ids, cached, err := e.rankedIDs(ctx, normalized, terms, limit)
	if err != nil {
		e.countQuery("error")
		return nil, err
	}

	results := e.resolve(ids)
	resp := &Response{
		Query:   query,
		Results: results,
		Total:   len(results),
		Cached:  cached,
		TookMS:  float64(time.Since(start).Microseconds()) / 1000,
	}
	e.observe(resp, time.Since(start))
	return resp, nil
}

// rankedIDs returns the ranked, truncated entry IDs for the term set, served
// from cache when a fresh record exists.
func (e *Engine) rankedIDs(ctx context.Context, normalized string, terms []string, limit int) ([]string, bool, error) {
	if e.cache == nil {
		ids, err := e.rank(terms, limit)
		return ids, false, err
	}
	return e.cache.GetOrCompute(ctx, cacheKey(normalized, limit), func(ctx context.Context) ([]string, error) {
		return e.rank(terms, limit)
	})
}

// rank scores candidates by distinct matching terms and orders them
// deterministically.
func (e *Engine) rank(terms []string, limit int) ([]string, error) {
	matches := make(map[string]int)
	for _, term := range terms {
		for _, id := range e.index.Lookup(term) {
			matches[id]++
		}
	}
	if len(matches) == 0 {
		return []string{}, nil
	}

	type scored struct {
		id        string
		count     int
		frequency int
		position  int
	}
	candidates := make([]scored, 0, len(matches))
	for id, count := range matches {
		entry, err := e.store.GetByID(id)
		if err != nil {
			// An indexed ID with no backing entry means the index and store
			// diverged. Skip it and keep serving.
			e.logger.Warn("index references unknown entry", "id", id)
			continue
		}
		candidates = append(candidates, scored{
			id:        id,
			count:     count,
			frequency: entry.Frequency,
			position:  entry.Position,
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].count != candidates[j].count {
			return candidates[i].count > candidates[j].count
		}
		if candidates[i].frequency != candidates[j].frequency {
			return candidates[i].frequency > candidates[j].frequency
		}
		return candidates[i].position < candidates[j].position
	})

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.id
	}
	return ids, nil
}

// resolve maps ranked IDs back to response results. IDs that no longer
// resolve (a cached record outliving a store rebuild) are dropped.
func (e *Engine) resolve(ids []string) []Result {
	results := make([]Result, 0, len(ids))
	for _, id := range ids {
		entry, err := e.store.GetByID(id)
		if err != nil {
			e.logger.Warn("cached result references unknown entry", "id", id)
			continue
		}
		results = append(results, Result{
			ID:         entry.ID,
			SourceTerm: entry.SourceTerm,
			TargetTerm: entry.TargetTerm,
			Answer:     entry.DisplayAnswer(),
			Category:   entry.Category,
			Level:      entry.Level,
			Source:     entry.Source,
		})
	}
	return results
}

func (e *Engine) resolveLimit(opts Options) (int, error) {
	if opts.Limit < 0 {
		return 0, fmt.Errorf("%w: negative limit %d", apperrors.ErrInvalidOptions, opts.Limit)
	}
	limit := opts.Limit
	if limit == 0 {
		limit = e.cfg.DefaultLimit
	}
	if e.cfg.MaxResults > 0 && limit > e.cfg.MaxResults {
		limit = e.cfg.MaxResults
	}
	return limit, nil
}

func (e *Engine) observe(resp *Response, took time.Duration) {
	if e.metrics == nil {
		return
	}
	switch {
	case resp.Total == 0:
		e.countQuery("zero_result")
	case resp.Cached:
		e.countQuery("hit")
	default:
		e.countQuery("miss")
	}
	status := "miss"
	if resp.Cached {
		status = "hit"
	}
	e.metrics.SearchLatency.WithLabelValues(status).Observe(took.Seconds())
	e.metrics.SearchResultsCount.Observe(float64(resp.Total))
}

func (e *Engine) countQuery(resultType string) {
	if e.metrics != nil {
		e.metrics.SearchQueriesTotal.WithLabelValues(resultType).Inc()
	}
}

// cacheKey derives a stable cache key from the normalised query and limit.
func cacheKey(normalized string, limit int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%d", normalized, limit)))
	return hex.EncodeToString(sum[:])
}
