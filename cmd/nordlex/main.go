// Command nordlex runs the vocabulary lookup service: it loads the lexicon
// through the ingestion pipeline, serves ranked search over HTTP, and keeps
// the dataset fresh on a daily cycle.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oyvindek/nordlex/internal/api"
	"github.com/oyvindek/nordlex/internal/archive"
	"github.com/oyvindek/nordlex/internal/cache"
	"github.com/oyvindek/nordlex/internal/index"
	"github.com/oyvindek/nordlex/internal/ingest"
	"github.com/oyvindek/nordlex/internal/lexicon"
	"github.com/oyvindek/nordlex/internal/search"
	"github.com/oyvindek/nordlex/pkg/config"
	"github.com/oyvindek/nordlex/pkg/health"
	"github.com/oyvindek/nordlex/pkg/logger"
	"github.com/oyvindek/nordlex/pkg/metrics"
	"github.com/oyvindek/nordlex/pkg/middleware"
	"github.com/oyvindek/nordlex/pkg/postgres"
	"github.com/oyvindek/nordlex/pkg/redis"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	log := logger.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shutdownMetrics(sctx)
		}()
	}

	// Redis and Postgres are optional at startup: without Redis the cache
	// runs on its in-memory tiers, without Postgres every start is a full
	// ingest. The service still comes up.
	redisClient, err := redis.NewClient(cfg.Redis)
	if err != nil {
		log.Warn("redis unavailable, persistent cache tier disabled", "error", err)
		redisClient = nil
	} else {
		defer redisClient.Close()
	}

	var arch *archive.Archive
	pgClient, err := postgres.New(cfg.Postgres)
	if err != nil {
		log.Warn("postgres unavailable, entry archive disabled", "error", err)
	} else {
		defer pgClient.Close()
		arch, err = archive.New(ctx, pgClient)
		if err != nil {
			return fmt.Errorf("initialising archive: %w", err)
		}
	}

	store := lexicon.NewStore()
	ix := index.New()

	var tiered *cache.Tiered
	if redisClient != nil {
		tiered, err = cache.NewTiered(cfg.Cache, redisClient, m)
	} else {
		tiered, err = cache.NewTiered(cfg.Cache, nil, m)
	}
	if err != nil {
		return fmt.Errorf("building cache: %w", err)
	}

	engine := search.NewEngine(store, ix, tiered, cfg.Search, m)
	events := ingest.NewEventRecorder(cfg.Kafka)
	defer events.Close()
	fetcher := ingest.NewHTTPFetcher(cfg.Ingest.FetchTimeout)
	pipeline := ingest.NewPipeline(cfg.Ingest, store, ix, tiered, fetcher, events, m)
	pipeline.SetProgressFunc(func(p ingest.Progress) {
		log.Debug("ingest progress",
			"source", p.SourceName,
			"overall", fmt.Sprintf("%.0f%%", p.OverallProgress*100),
			"completed_sources", p.CompletedSources,
			"total_sources", p.TotalSources,
		)
	})

	if err := loadInitialData(ctx, log, pipeline, arch, store, ix); err != nil {
		return err
	}
	stampLastUpdate(ctx, redisClient, log)

	checker := buildHealthChecker(store, redisClient, pgClient)
	srv := buildServer(cfg.Server, m, engine, store, tiered, pipeline, checker)

	go refreshLoop(ctx, cfg.Ingest.RefreshInterval, log, pipeline, arch, store, redisClient)
	go sweepLoop(ctx, cfg.Cache, log, tiered)

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// loadInitialData populates the store and index: from the archive when the
// last generation is still fresh, otherwise through a full pipeline run
// whose result is archived for the next restart.
func loadInitialData(
	ctx context.Context,
	log *slog.Logger,
	pipeline *ingest.Pipeline,
	arch *archive.Archive,
	store *lexicon.Store,
	ix *index.Inverted,
) error {
	if arch != nil {
		lastUpdate, err := arch.LastUpdate(ctx)
		if err != nil {
			log.Warn("reading archive freshness failed", "error", err)
		} else if !pipeline.ShouldRefresh(lastUpdate) {
			if err := loadFromArchive(ctx, arch, store, ix); err == nil {
				log.Info("loaded from archive",
					"entries", store.Len(),
					"age", time.Since(lastUpdate).Round(time.Minute),
				)
				return nil
			} else {
				log.Warn("archive load failed, running full ingest", "error", err)
			}
		}
	}

	started := time.Now()
	report, err := pipeline.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("initial ingest: %w", err)
	}
	log.Info("initial ingest complete",
		"added", report.Added,
		"duplicates", report.Duplicates,
		"from_snapshot", report.FromSnapshot,
		"elapsed", report.Elapsed.Round(time.Millisecond),
	)
	if arch != nil {
		if err := arch.Save(ctx, store.All(), started, report.FromSnapshot); err != nil {
			log.Warn("archiving generation failed", "error", err)
		}
	}
	return nil
}

func loadFromArchive(ctx context.Context, arch *archive.Archive, store *lexicon.Store, ix *index.Inverted) error {
	gen, err := arch.Latest(ctx)
	if err != nil {
		return err
	}
	if gen == nil {
		return errors.New("archive is empty")
	}
	records, err := arch.Load(ctx, gen.RunID)
	if err != nil {
		return err
	}
	added, _ := store.AddAll(records, "archive")
	ix.Build(added)
	return nil
}

// metaLastUpdateKey mirrors the dataset's last-update time into Redis for
// sibling services that want the freshness stamp without a Postgres client.
const metaLastUpdateKey = "nordlex:meta:last_update"

func stampLastUpdate(ctx context.Context, redisClient *redis.Client, log *slog.Logger) {
	if redisClient == nil {
		return
	}
	stamp := time.Now().UTC().Format(time.RFC3339)
	if err := redisClient.Set(ctx, metaLastUpdateKey, stamp, 0); err != nil {
		log.Warn("writing last-update stamp failed", "error", err)
	}
}

// refreshLoop re-runs the pipeline on the configured interval and archives
// each successful run.
func refreshLoop(ctx context.Context, interval time.Duration, log *slog.Logger, pipeline *ingest.Pipeline, arch *archive.Archive, store *lexicon.Store, redisClient *redis.Client) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		started := time.Now()
		report, err := pipeline.LoadAll(ctx)
		if err != nil {
			if errors.Is(err, ingest.ErrAlreadyRunning) {
				continue
			}
			log.Error("scheduled refresh failed", "error", err)
			continue
		}
		log.Info("scheduled refresh complete", "added", report.Added)
		stampLastUpdate(ctx, redisClient, log)
		if arch != nil && report.Added > 0 {
			if err := arch.Save(ctx, store.All(), started, report.FromSnapshot); err != nil {
				log.Warn("archiving refreshed generation failed", "error", err)
			}
		}
	}
}

// sweepLoop periodically reclaims persistent cache records older than the
// TTL.
func sweepLoop(ctx context.Context, cfg config.CacheConfig, log *slog.Logger, tiered *cache.Tiered) {
	if cfg.SweepInterval <= 0 {
		return
	}
	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		removed, err := tiered.InvalidateOlderThan(ctx, cfg.TTL)
		if err != nil {
			log.Warn("cache sweep failed", "error", err)
			continue
		}
		if removed > 0 {
			log.Info("cache sweep complete", "removed", removed)
		}
	}
}

func buildHealthChecker(store *lexicon.Store, redisClient *redis.Client, pgClient *postgres.Client) *health.Checker {
	checker := health.NewChecker()
	checker.Register("lexicon", func(ctx context.Context) health.ComponentHealth {
		if store.Len() == 0 {
			return health.ComponentHealth{Status: health.StatusDown, Message: "no entries loaded"}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	})
	if redisClient != nil {
		checker.Register("redis", func(ctx context.Context) health.ComponentHealth {
			if err := redisClient.Ping(ctx); err != nil {
				return health.ComponentHealth{Status: health.StatusDegraded, Message: err.Error()}
			}
			return health.ComponentHealth{Status: health.StatusUp}
		})
	}
	if pgClient != nil {
		checker.Register("postgres", func(ctx context.Context) health.ComponentHealth {
			if err := pgClient.DB.PingContext(ctx); err != nil {
				return health.ComponentHealth{Status: health.StatusDegraded, Message: err.Error()}
			}
			return health.ComponentHealth{Status: health.StatusUp}
		})
	}
	return checker
}

func buildServer(
	cfg config.ServerConfig,
	m *metrics.Metrics,
	engine *search.Engine,
	store *lexicon.Store,
	tiered *cache.Tiered,
	pipeline *ingest.Pipeline,
	checker *health.Checker,
) *http.Server {
	mux := http.NewServeMux()
	api.NewHandler(engine, store, tiered, pipeline).Register(mux)
	mux.HandleFunc("GET /healthz", checker.LiveHandler())
	mux.HandleFunc("GET /readyz", checker.ReadyHandler())

	var handler http.Handler = mux
	if m != nil {
		handler = middleware.Metrics(m)(handler)
	}
	handler = middleware.Timeout(cfg.WriteTimeout)(handler)
	handler = middleware.RequestID(handler)

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
}
