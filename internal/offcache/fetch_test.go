package offcache

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOriginFetcher(t *testing.T) {
	var (
		mu       sync.Mutex
		last     *http.Request
		lastBody string
	)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		last = r.Clone(context.Background())
		lastBody = string(b)
		mu.Unlock()
		switch r.URL.Path {
		case "/big":
			_, _ = w.Write([]byte(strings.Repeat("x", 64)))
		case "/missing":
			http.NotFound(w, r)
		default:
			w.Header().Set("Content-Type", "text/css")
			w.Header().Set("Connection", "close")
			_, _ = w.Write([]byte("body{}"))
		}
	}))
	defer origin.Close()

	received := func() (*http.Request, string) {
		mu.Lock()
		defer mu.Unlock()
		return last, lastBody
	}

	latency := newLatencyTracker(0.01)
	f := NewOriginFetcher(origin.Client(), origin.URL+"/", 32, latency)
	ctx := context.Background()

	t.Run("rewrites to origin and keeps path and query", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "http://app.test/a.css?v=2", nil)
		r.Header.Set("X-Trace", "abc")
		ent, err := f.Fetch(ctx, r, FetchDefault)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, ent.Status)
		assert.Equal(t, "body{}", string(ent.Body))
		assert.Equal(t, "text/css", ent.Header.Get("Content-Type"))
		assert.Empty(t, ent.Header.Get("Content-Length"))
		assert.Empty(t, ent.Header.Get("Connection"))
		assert.NotZero(t, ent.Hash32)
		assert.NotZero(t, ent.StoredAt)

		got, _ := received()
		assert.Equal(t, "/a.css", got.URL.Path)
		assert.Equal(t, "v=2", got.URL.RawQuery)
		assert.Equal(t, "abc", got.Header.Get("X-Trace"))
		assert.Equal(t, "identity", got.Header.Get("Accept-Encoding"))
		assert.Empty(t, got.Header.Get("Cache-Control"))
	})

	t.Run("reload asks caches to revalidate", func(t *testing.T) {
		_, err := f.Fetch(ctx, httptest.NewRequest(http.MethodGet, "http://app.test/", nil), FetchReload)
		require.NoError(t, err)
		got, _ := received()
		assert.Equal(t, "no-cache", got.Header.Get("Cache-Control"))
		assert.Equal(t, "no-cache", got.Header.Get("Pragma"))
	})

	t.Run("no-store bypasses caches", func(t *testing.T) {
		_, err := f.Fetch(ctx, httptest.NewRequest(http.MethodGet, "http://app.test/", nil), FetchNoStore)
		require.NoError(t, err)
		got, _ := received()
		assert.Equal(t, "no-store", got.Header.Get("Cache-Control"))
	})

	t.Run("forwards method and body", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "http://app.test/form", strings.NewReader("a=1"))
		_, err := f.Fetch(ctx, r, FetchDefault)
		require.NoError(t, err)
		got, body := received()
		assert.Equal(t, http.MethodPost, got.Method)
		assert.Equal(t, "a=1", body)
		assert.Equal(t, int64(3), got.ContentLength)
		assert.Empty(t, got.TransferEncoding)
	})

	t.Run("error statuses are not errors", func(t *testing.T) {
		ent, err := f.Fetch(ctx, httptest.NewRequest(http.MethodGet, "http://app.test/missing", nil), FetchDefault)
		require.NoError(t, err)
		assert.Equal(t, http.StatusNotFound, ent.Status)
	})

	t.Run("oversized body", func(t *testing.T) {
		_, err := f.Fetch(ctx, httptest.NewRequest(http.MethodGet, "http://app.test/big", nil), FetchDefault)
		assert.ErrorIs(t, err, ErrBodyTooLarge)
		assert.NotErrorIs(t, err, ErrNetworkUnavailable)
	})

	t.Run("latency is recorded per mode", func(t *testing.T) {
		ops := map[string]bool{}
		for _, st := range latency.Snapshot() {
			ops[st.Operation] = true
		}
		assert.True(t, ops["origin_default"])
		assert.True(t, ops["origin_reload"])
		assert.True(t, ops["origin_no-store"])
	})
}

func TestOriginFetcherUnreachable(t *testing.T) {
	origin := httptest.NewServer(http.NotFoundHandler())
	url := origin.URL
	origin.Close()

	f := NewOriginFetcher(http.DefaultClient, url, 0, nil)
	_, err := f.Fetch(context.Background(), httptest.NewRequest(http.MethodGet, "http://app.test/", nil), FetchDefault)
	assert.ErrorIs(t, err, ErrNetworkUnavailable)
}

func TestIsStorable(t *testing.T) {
	assert.True(t, isStorable(http.StatusOK))
	assert.True(t, isStorable(http.StatusNoContent))
	assert.False(t, isStorable(http.StatusPartialContent))
	assert.False(t, isStorable(http.StatusNotModified))
	assert.False(t, isStorable(http.StatusNotFound))
}

func TestFetchModeString(t *testing.T) {
	assert.Equal(t, "default", FetchDefault.String())
	assert.Equal(t, "reload", FetchReload.String())
	assert.Equal(t, "no-store", FetchNoStore.String())
}
