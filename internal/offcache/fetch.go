package offcache

import (
	"context"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"strings"
	"time"

	"offcache/internal/cachestore"
)

// FetchMode selects how a request treats intermediate HTTP caches between
// offcache and the origin.
type FetchMode int

const (
	FetchDefault FetchMode = iota
	// FetchReload asks every intermediate cache to revalidate with the
	// origin. Used by precache.
	FetchReload
	// FetchNoStore bypasses intermediate caches entirely. Used by
	// background refreshes.
	FetchNoStore
)

func (m FetchMode) String() string {
	switch m {
	case FetchReload:
		return "reload"
	case FetchNoStore:
		return "no-store"
	}
	return "default"
}

// Fetcher performs network requests. Transport failures are reported as
// errors wrapping ErrNetworkUnavailable; any HTTP status is a successful
// fetch.
type Fetcher interface {
	Fetch(ctx context.Context, r *http.Request, mode FetchMode) (cachestore.Entry, error)
}

type FetcherFunc func(ctx context.Context, r *http.Request, mode FetchMode) (cachestore.Entry, error)

func (f FetcherFunc) Fetch(ctx context.Context, r *http.Request, mode FetchMode) (cachestore.Entry, error) {
	return f(ctx, r, mode)
}

// OriginFetcher sends requests to the configured origin server, keeping the
// path and query of the inbound request.
type OriginFetcher struct {
	client  *http.Client
	origin  string
	maxBody int64
	latency *latencyTracker
}

func NewOriginFetcher(client *http.Client, origin string, maxBody int64, latency *latencyTracker) *OriginFetcher {
	return &OriginFetcher{
		client:  client,
		origin:  strings.TrimRight(origin, "/"),
		maxBody: maxBody,
		latency: latency,
	}
}

func (f *OriginFetcher) Fetch(ctx context.Context, r *http.Request, mode FetchMode) (cachestore.Entry, error) {
	originURL := f.origin + r.URL.RequestURI()

	var body io.Reader
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		body = r.Body
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, originURL, body)
	if err != nil {
		return cachestore.Entry{}, err
	}
	if body != nil {
		req.ContentLength = r.ContentLength
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")
	switch mode {
	case FetchReload:
		req.Header.Set("Cache-Control", "no-cache")
		req.Header.Set("Pragma", "no-cache")
	case FetchNoStore:
		req.Header.Set("Cache-Control", "no-store")
		req.Header.Set("Pragma", "no-cache")
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return cachestore.Entry{}, fmt.Errorf("%w: %s %s: %w", ErrNetworkUnavailable, r.Method, originURL, err)
	}
	defer resp.Body.Close()

	var rd io.Reader = resp.Body
	if f.maxBody > 0 {
		rd = io.LimitReader(resp.Body, f.maxBody+1)
	}
	b, err := io.ReadAll(rd)
	if err != nil {
		return cachestore.Entry{}, fmt.Errorf("%w: read %s: %w", ErrNetworkUnavailable, originURL, err)
	}
	if f.maxBody > 0 && int64(len(b)) > f.maxBody {
		return cachestore.Entry{}, fmt.Errorf("%w: %s exceeds %s", ErrBodyTooLarge, originURL, humanSize(uint64(f.maxBody)))
	}
	if f.latency != nil {
		f.latency.Record("origin_"+mode.String(), time.Since(start))
	}

	ent := cachestore.Entry{
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     b,
		StoredAt: time.Now().Unix(),
		Hash32:   crc32.ChecksumIEEE(b),
	}
	ent.Header.Del("Content-Length")
	return ent, nil
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

// isStorable reports whether a response may become a cache entry: a full
// 2xx representation, never a 206 fragment.
func isStorable(status int) bool {
	return isSuccess(status) && status != http.StatusPartialContent
}

var hopByHop = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	for _, h := range hopByHop {
		dst.Del(h)
	}
}

func cloneHeader(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		out = make(http.Header)
	}
	for _, k := range hopByHop {
		out.Del(k)
	}
	return out
}
