package offcache

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"golang.org/x/sync/errgroup"
)

// PrecacheManifest is the ordered set of URLs warmed at install time.
type PrecacheManifest struct {
	urls []string
}

func NewPrecacheManifest(urls ...string) PrecacheManifest {
	return PrecacheManifest{urls: normalizeURLList(urls)}
}

func (m PrecacheManifest) URLs() []string {
	return append([]string(nil), m.urls...)
}

func (m PrecacheManifest) Len() int { return len(m.urls) }

type PrecacheReport struct {
	Stored int
	Failed []string
}

type Loader struct {
	scope       *url.URL
	generations *Generations
	fetcher     Fetcher
	concurrency int
	logger      *slog.Logger
}

func NewLoader(scope *url.URL, generations *Generations, fetcher Fetcher, concurrency int, logger *slog.Logger) *Loader {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Loader{
		scope:       scope,
		generations: generations,
		fetcher:     fetcher,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Precache fetches every manifest URL from the origin with revalidation and
// stores the successful ones in the current generation. Failing assets are
// logged and reported, never returned as an error; only a cache store that
// cannot be opened fails the call.
func (l *Loader) Precache(ctx context.Context, m PrecacheManifest) (PrecacheReport, error) {
	return l.load(ctx, m, FetchReload)
}

// Refresh re-runs fetch-and-store for the manifest against the current
// generation.
func (l *Loader) Refresh(ctx context.Context, m PrecacheManifest) (PrecacheReport, error) {
	return l.load(ctx, m, FetchDefault)
}

func (l *Loader) load(ctx context.Context, m PrecacheManifest, mode FetchMode) (PrecacheReport, error) {
	cache, err := l.generations.Open(ctx)
	if err != nil {
		return PrecacheReport{}, fmt.Errorf("open %s: %w", l.generations.Current(), err)
	}

	var (
		mu     sync.Mutex
		report PrecacheReport
	)
	fail := func(ref string, err error) {
		l.logger.Warn("precache asset skipped", "url", ref, "mode", mode.String(), "error", err)
		mu.Lock()
		report.Failed = append(report.Failed, ref)
		mu.Unlock()
	}

	var g errgroup.Group
	g.SetLimit(l.concurrency)
	for _, ref := range m.urls {
		ref := ref
		g.Go(func() error {
			u, err := resolveInScope(l.scope, ref)
			if err != nil {
				fail(ref, err)
				return nil
			}
			if !sameOrigin(u, l.scope) {
				fail(ref, fmt.Errorf("%w: %s is not same-origin", ErrPrecacheAssetUnavailable, u))
				return nil
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
			if err != nil {
				fail(ref, err)
				return nil
			}
			ent, err := l.fetcher.Fetch(ctx, req, mode)
			if err != nil {
				fail(ref, fmt.Errorf("%w: %w", ErrPrecacheAssetUnavailable, err))
				return nil
			}
			if !isStorable(ent.Status) {
				fail(ref, fmt.Errorf("%w: status %d", ErrPrecacheAssetUnavailable, ent.Status))
				return nil
			}
			if err := cache.Put(ctx, requestKey(u), ent); err != nil {
				fail(ref, err)
				return nil
			}
			mu.Lock()
			report.Stored++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	l.logger.Info("precache done",
		"generation", string(l.generations.Current()),
		"mode", mode.String(),
		"stored", report.Stored,
		"failed", len(report.Failed),
	)
	return report, nil
}
