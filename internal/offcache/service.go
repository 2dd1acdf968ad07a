package offcache

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"offcache/internal/cachestore"
)

// Service wires the cache store, the engine, the lifecycle controller and
// the HTTP interceptor for one build.
type Service struct {
	cfg    Config
	logger *slog.Logger

	store       cachestore.Store
	bg          *background
	generations *Generations
	loader      *Loader
	engine      *Engine
	controller  *Controller
	interceptor *Interceptor

	stats   *statsCollector
	latency *latencyTracker

	cancel context.CancelFunc
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewService(cfg Config, logger *slog.Logger) (*Service, error) {
	store, err := openStore(cfg.Storage)
	if err != nil {
		return nil, err
	}
	latency := newLatencyTracker(0.01)
	client := &http.Client{Timeout: cfg.Fetch.timeoutDur}
	fetcher := NewOriginFetcher(client, cfg.Server.Origin, cfg.Fetch.maxBodyBytes, latency)
	s := newService(cfg, store, fetcher, logger)
	s.latency = latency
	return s, nil
}

func openStore(cfg StorageConfig) (cachestore.Store, error) {
	switch cfg.Driver {
	case "memory":
		return cachestore.NewMemory(), nil
	case "leveldb":
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
		return cachestore.OpenLevelDB(cfg.Path, cachestore.LevelDBOptions{
			WriteBuffer:        int(cfg.writeBufferBytes),
			BlockCacheCapacity: int(cfg.blockCacheBytes),
		})
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}

func newService(cfg Config, store cachestore.Store, fetcher Fetcher, logger *slog.Logger) *Service {
	build := cfg.Build()
	logger = logger.With("generation", string(build.Generation()))

	bg := newBackground(cfg.Fetch.Concurrency)
	generations := NewGenerations(build, store, logger)
	loader := NewLoader(cfg.Server.scope, generations, fetcher, cfg.Fetch.Concurrency, logger)
	engine := NewEngine(EngineConfig{
		Scope:       cfg.Server.scope,
		Generations: generations,
		Fetcher:     fetcher,
		Fallbacks:   cfg.Offline.Fallbacks,
		Logger:      logger,
	}, bg)
	controller := NewController(loader, generations, cfg.Manifest(), bg, cfg.Lifecycle.SkipWaiting, logger)

	var stats *statsCollector
	if cfg.Logging.statsEveryDur > 0 {
		stats = newStatsCollector()
	}

	return &Service{
		cfg:         cfg,
		logger:      logger,
		store:       store,
		bg:          bg,
		generations: generations,
		loader:      loader,
		engine:      engine,
		controller:  controller,
		interceptor: NewInterceptor(engine, controller, fetcher, cfg.Server.ControlPath, stats, logger),
		stats:       stats,
		stopCh:      make(chan struct{}),
	}
}

func (s *Service) Handler() http.Handler {
	return s.interceptor
}

func (s *Service) Controller() *Controller {
	return s.controller
}

// Start runs the lifecycle in the background: install, then activate as
// soon as waiting is skipped.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.controller.Run(ctx); err != nil {
			s.logger.Warn("lifecycle stopped before activation", "state", s.controller.State().String(), "error", err)
		}
	}()

	if s.stats != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(s.cfg.Logging.statsEveryDur)
		}()
	}
}

// Close stops the lifecycle, waits for background refreshes to finish and
// closes the store.
func (s *Service) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	close(s.stopCh)
	s.wg.Wait()
	s.bg.Wait()
	return s.store.Close()
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	ss := s.stats.Snapshot()
	args := []any{
		"state", s.controller.State().String(),
		"responses", ss.TotalResponses,
		"outcomes", formatOutcomes(ss.Outcomes),
		"resp_min", humanSize(ss.MinRespBytes),
		"resp_avg", humanSize(ss.AvgRespBytes),
		"resp_p50", humanSize(ss.P50RespBytes),
		"resp_p99", humanSize(ss.P99RespBytes),
		"resp_max", humanSize(ss.MaxRespBytes),
	}
	if rss, ok := processRSSBytes(); ok {
		args = append(args, "rss", humanSize(rss))
	}
	if s.latency != nil {
		var parts []string
		for _, st := range s.latency.Snapshot() {
			parts = append(parts, st.String())
		}
		args = append(args, "origin_latency", strings.Join(parts, "; "))
	}
	s.logger.Info("stats", args...)
}
