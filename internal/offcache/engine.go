package offcache

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/sync/singleflight"

	"offcache/internal/cachestore"
)

// Outcome describes how a response was produced. It is sent to clients in
// the X-Offcache header.
type Outcome string

const (
	OutcomeHit            Outcome = "hit"
	OutcomeMiss           Outcome = "miss"
	OutcomeIgnoreByStatus Outcome = "ignore-by-status"
	OutcomeFallback       Outcome = "fallback"
	OutcomeOffline        Outcome = "offline"
	OutcomeBypass         Outcome = "bypass"
	OutcomeDegraded       Outcome = "degraded"
	OutcomeBadGateway     Outcome = "bad-gateway"
)

// Response is what the engine answers with: the entry to write and how it
// was produced.
type Response struct {
	cachestore.Entry
	Outcome Outcome
}

// EngineConfig holds the collaborators of an Engine.
type EngineConfig struct {
	Scope       *url.URL
	Generations *Generations
	Fetcher     Fetcher
	// Fallbacks are tried in order when the network fails and nothing is
	// cached for the request.
	Fallbacks []string
	Logger    *slog.Logger
}

// Engine answers same-origin GET requests stale-while-revalidate: cached
// entries are served at once and refreshed in the background; misses go to
// the network and fall back to cached documents when it is unreachable.
type Engine struct {
	scope       *url.URL
	generations *Generations
	fetcher     Fetcher
	fallbacks   []string
	logger      *slog.Logger
	refreshLog  *rateLimitedLogger

	bg        *background
	refreshes singleflight.Group
}

// NewEngine builds an engine whose background refreshes are registered
// with bg.
func NewEngine(cfg EngineConfig, bg *background) *Engine {
	return &Engine{
		scope:       cfg.Scope,
		generations: cfg.Generations,
		fetcher:     cfg.Fetcher,
		fallbacks:   cfg.Fallbacks,
		logger:      cfg.Logger,
		refreshLog:  newRateLimitedLogger(cfg.Logger, time.Minute),
		bg:          bg,
	}
}

// Handles reports whether r is a request the engine answers.
func (e *Engine) Handles(r *http.Request) bool {
	return r.Method == http.MethodGet && sameOrigin(effectiveURL(r), e.scope)
}

// Handle produces the response for r. It returns ErrNotHandled for
// requests that are not same-origin GETs; those never touch the cache.
func (e *Engine) Handle(ctx context.Context, r *http.Request) (*Response, error) {
	if !e.Handles(r) {
		return nil, ErrNotHandled
	}
	u := effectiveURL(r)
	key := requestKey(u)
	logger := e.logger.With("key", key)

	cache, err := e.generations.Open(ctx)
	if err != nil {
		logger.Warn("open cache failed, serving from network", "error", err)
		return e.degraded(ctx, r), nil
	}
	ent, ok, err := cache.Match(ctx, key)
	if err != nil {
		logger.Warn("cache lookup failed, serving from network", "error", err)
		return e.degraded(ctx, r), nil
	}
	if ok {
		res := &Response{Entry: ent, Outcome: OutcomeHit}
		h := r.Header.Clone()
		stripPartialHeaders(h)
		e.scheduleRefresh(key, u, h)
		return res, nil
	}

	ent, err = e.fetcher.Fetch(ctx, wholeRequest(r), FetchDefault)
	if err != nil {
		if !errors.Is(err, ErrNetworkUnavailable) {
			logger.Warn("origin response unusable", "error", err)
			return badGatewayResponse(), nil
		}
		logger.Info("network fetch failed", "error", err)
		return e.offline(ctx, cache), nil
	}
	if !isStorable(ent.Status) {
		return &Response{Entry: ent, Outcome: OutcomeIgnoreByStatus}, nil
	}
	if err := cache.Put(ctx, key, ent); err != nil {
		logger.Warn("cache put failed", "error", err)
	}
	return &Response{Entry: ent, Outcome: OutcomeMiss}, nil
}

// degraded serves straight from the network when the cache store itself
// is failing. Nothing is written.
func (e *Engine) degraded(ctx context.Context, r *http.Request) *Response {
	ent, err := e.fetcher.Fetch(ctx, r, FetchDefault)
	if errors.Is(err, ErrNetworkUnavailable) {
		return offlineResponse()
	}
	if err != nil {
		return badGatewayResponse()
	}
	return &Response{Entry: ent, Outcome: OutcomeDegraded}
}

func (e *Engine) offline(ctx context.Context, cache cachestore.Cache) *Response {
	for _, ref := range e.fallbacks {
		u, err := resolveInScope(e.scope, ref)
		if err != nil {
			continue
		}
		ent, ok, err := cache.Match(ctx, requestKey(u))
		if err != nil {
			e.logger.Warn("fallback lookup failed", "fallback", ref, "error", err)
			break
		}
		if ok {
			return &Response{Entry: ent, Outcome: OutcomeFallback}
		}
	}
	return offlineResponse()
}

func offlineResponse() *Response {
	return &Response{
		Entry: cachestore.Entry{
			Status: http.StatusServiceUnavailable,
			Header: http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
			Body:   []byte("Offline"),
		},
		Outcome: OutcomeOffline,
	}
}

func badGatewayResponse() *Response {
	return &Response{
		Entry: cachestore.Entry{
			Status: http.StatusBadGateway,
			Header: http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
			Body:   []byte("Bad Gateway"),
		},
		Outcome: OutcomeBadGateway,
	}
}

// partialHeaders make the origin answer with a fragment or a 304 instead of
// the whole representation.
var partialHeaders = []string{
	"Range",
	"If-Range",
	"If-Match",
	"If-None-Match",
	"If-Modified-Since",
	"If-Unmodified-Since",
}

func stripPartialHeaders(h http.Header) {
	for _, k := range partialHeaders {
		h.Del(k)
	}
}

// wholeRequest copies r without the headers that would keep the origin
// from sending a complete, storable response.
func wholeRequest(r *http.Request) *http.Request {
	out := r.Clone(r.Context())
	stripPartialHeaders(out.Header)
	return out
}

// scheduleRefresh starts a background refetch of u. Refreshes of the same
// key that overlap share one network request.
func (e *Engine) scheduleRefresh(key string, u *url.URL, h http.Header) {
	e.bg.Go(func() {
		_, _, _ = e.refreshes.Do(key, func() (any, error) {
			e.bg.withSlot(func() {
				e.refresh(key, u, h)
			})
			return nil, nil
		})
	})
}

func (e *Engine) refresh(key string, u *url.URL, h http.Header) {
	ctx := context.Background()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return
	}
	req.Header = h

	ent, err := e.fetcher.Fetch(ctx, req, FetchNoStore)
	if err != nil {
		e.refreshLog.Warn("background refresh failed", "key", key, "error", err)
		return
	}
	if !isStorable(ent.Status) {
		e.logger.Debug("background refresh not stored", "key", key, "status", ent.Status)
		return
	}

	cache, err := e.generations.Open(ctx)
	if err != nil {
		e.refreshLog.Warn("background refresh: open cache failed", "key", key, "error", err)
		return
	}
	cur, ok, err := cache.Match(ctx, key)
	if err == nil && ok && cur.Status == ent.Status && cur.Hash32 == ent.Hash32 && bytes.Equal(cur.Body, ent.Body) {
		return
	}
	if err := cache.Put(ctx, key, ent); err != nil {
		e.refreshLog.Warn("background refresh: cache put failed", "key", key, "error", err)
		return
	}
	e.logger.Debug("background refresh stored", "key", key)
}

// Wait blocks until every scheduled background refresh has finished.
func (e *Engine) Wait() {
	e.bg.Wait()
}
