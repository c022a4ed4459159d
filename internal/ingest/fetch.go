package ingest

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/oyvindek/nordlex/internal/lexicon"
	"github.com/oyvindek/nordlex/pkg/config"
	apperrors "github.com/oyvindek/nordlex/pkg/errors"
	"github.com/oyvindek/nordlex/pkg/logger"
	"github.com/oyvindek/nordlex/pkg/resilience"
)

const maxResponseBytes = 32 << 20

// Fetcher retrieves the raw records of one source. The pipeline depends on
// this interface; tests substitute an in-memory implementation.
type Fetcher interface {
	Fetch(ctx context.Context, desc config.SourceDescriptor) ([]lexicon.RawRecord, error)
}

// HTTPFetcher fetches source payloads over HTTP with retry and a per-source
// circuit breaker. Each source lists fallback endpoints tried in order; the
// first endpoint that yields parseable records wins.
type HTTPFetcher struct {
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger

	mu       sync.Mutex
	breakers map[string]*resilience.CircuitBreaker
}

// NewHTTPFetcher creates an HTTPFetcher with the given per-fetch timeout.
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPFetcher{
		client:   &http.Client{Timeout: timeout},
		timeout:  timeout,
		logger:   logger.WithComponent("fetcher"),
		breakers: make(map[string]*resilience.CircuitBreaker),
	}
}

// Fetch retrieves and parses desc's payload. All endpoint failures for a
// source roll up into one ErrSourceFetch.
func (f *HTTPFetcher) Fetch(ctx context.Context, desc config.SourceDescriptor) ([]lexicon.RawRecord, error) {
	if len(desc.Endpoints) == 0 {
		return nil, fmt.Errorf("%w: source %s has no endpoints", apperrors.ErrSourceFetch, desc.Name)
	}
	breaker := f.breakerFor(desc.Name)

	var lastErr error
	for _, endpoint := range desc.Endpoints {
		var records []lexicon.RawRecord
		err := breaker.Execute(func() error {
			return resilience.Retry(ctx, "fetch "+desc.Name, resilience.RetryConfig{}, func() error {
				var fetchErr error
				records, fetchErr = f.fetchOnce(ctx, endpoint, desc.Strategy)
				return fetchErr
			})
		})
		if err == nil {
			return records, nil
		}
		lastErr = err
		f.logger.Warn("endpoint failed", "source", desc.Name, "endpoint", endpoint, "error", err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("%w: source %s: %v", apperrors.ErrSourceFetch, desc.Name, lastErr)
}

func (f *HTTPFetcher) fetchOnce(ctx context.Context, endpoint, strategy string) ([]lexicon.RawRecord, error) {
	var records []lexicon.RawRecord
	err := resilience.WithTimeout(ctx, f.timeout, "fetch "+endpoint, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return fmt.Errorf("building request for %s: %w", endpoint, err)
		}
		resp, err := f.client.Do(req)
		if err != nil {
			return fmt.Errorf("fetching %s: %w", endpoint, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("fetching %s: status %d", endpoint, resp.StatusCode)
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return fmt.Errorf("reading %s: %w", endpoint, err)
		}
		records, err = parsePayload(body, strategy)
		return err
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (f *HTTPFetcher) breakerFor(name string) *resilience.CircuitBreaker {
	f.mu.Lock()
	defer f.mu.Unlock()
	cb, ok := f.breakers[name]
	if !ok {
		cb = resilience.NewCircuitBreaker("source-"+name, resilience.CircuitBreakerConfig{})
		f.breakers[name] = cb
	}
	return cb
}

// parsePayload decodes a source payload per its declared strategy.
func parsePayload(body []byte, strategy string) ([]lexicon.RawRecord, error) {
	switch strategy {
	case "", "json", "api":
		return parseJSONPayload(body)
	case "text":
		return parseTextPayload(body), nil
	case "rss":
		return parseRSSPayload(body)
	default:
		return nil, fmt.Errorf("unknown parse strategy %q", strategy)
	}
}

// parseJSONPayload accepts either a bare record array or the snapshot-style
// wrapper with a data field.
func parseJSONPayload(body []byte) ([]lexicon.RawRecord, error) {
	var records []lexicon.RawRecord
	if err := json.Unmarshal(body, &records); err == nil {
		return records, nil
	}
	var wrapped struct {
		Data []lexicon.RawRecord `json:"data"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, fmt.Errorf("parsing json payload: %w", err)
	}
	if wrapped.Data == nil {
		return nil, fmt.Errorf("json payload has no record array")
	}
	return wrapped.Data, nil
}

// parseRSSPayload reads vocabulary feeds where each item carries the source
// term in the title and the target term in the description. Items missing
// either side fail record validation downstream.
func parseRSSPayload(body []byte) ([]lexicon.RawRecord, error) {
	var feed struct {
		Channel struct {
			Items []struct {
				Title       string `xml:"title"`
				Description string `xml:"description"`
				Category    string `xml:"category"`
			} `xml:"item"`
		} `xml:"channel"`
	}
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, fmt.Errorf("parsing rss payload: %w", err)
	}
	records := make([]lexicon.RawRecord, 0, len(feed.Channel.Items))
	for _, item := range feed.Channel.Items {
		records = append(records, lexicon.RawRecord{
			SourceTerm: strings.TrimSpace(item.Title),
			TargetTerm: strings.TrimSpace(item.Description),
			Category:   strings.TrimSpace(item.Category),
		})
	}
	return records, nil
}

// parseTextPayload reads line-oriented payloads: one record per line, source
// and target terms separated by a pipe or tab. Blank lines and # comments
// are skipped.
func parseTextPayload(body []byte) []lexicon.RawRecord {
	lines := strings.Split(string(body), "\n")
	records := make([]lexicon.RawRecord, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		sep := "|"
		if !strings.Contains(line, sep) {
			sep = "\t"
		}
		parts := strings.SplitN(line, sep, 2)
		if len(parts) != 2 {
			continue
		}
		records = append(records, lexicon.RawRecord{
			SourceTerm: strings.TrimSpace(parts[0]),
			TargetTerm: strings.TrimSpace(parts[1]),
		})
	}
	return records
}
