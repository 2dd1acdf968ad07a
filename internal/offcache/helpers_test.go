package offcache

import (
	"context"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"offcache/internal/cachestore"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func textEntry(status int, body string) cachestore.Entry {
	return cachestore.Entry{
		Status: status,
		Header: http.Header{"Content-Type": []string{"text/plain"}},
		Body:   []byte(body),
		Hash32: crc32.ChecksumIEEE([]byte(body)),
	}
}

type fetchCall struct {
	method string
	path   string
	mode   FetchMode
}

// fakeNetwork serves canned responses by path. Unknown paths get a 404.
type fakeNetwork struct {
	mu        sync.Mutex
	responses map[string]cachestore.Entry
	offline   bool
	block     chan struct{}
	calls     []fetchCall
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{responses: map[string]cachestore.Entry{}}
}

func (n *fakeNetwork) set(path string, status int, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.responses[path] = textEntry(status, body)
}

func (n *fakeNetwork) setOffline(v bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offline = v
}

// hold makes every fetch wait until the returned release func is called.
func (n *fakeNetwork) hold() (release func()) {
	ch := make(chan struct{})
	n.mu.Lock()
	n.block = ch
	n.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			n.block = nil
			n.mu.Unlock()
			close(ch)
		})
	}
}

func (n *fakeNetwork) callsFor(path string, mode FetchMode) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, c := range n.calls {
		if c.path == path && c.mode == mode {
			count++
		}
	}
	return count
}

func (n *fakeNetwork) totalCalls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

func (n *fakeNetwork) Fetch(ctx context.Context, r *http.Request, mode FetchMode) (cachestore.Entry, error) {
	n.mu.Lock()
	n.calls = append(n.calls, fetchCall{method: r.Method, path: r.URL.Path, mode: mode})
	block := n.block
	n.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return cachestore.Entry{}, fmt.Errorf("%w: %w", ErrNetworkUnavailable, ctx.Err())
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.offline {
		return cachestore.Entry{}, fmt.Errorf("%w: offline", ErrNetworkUnavailable)
	}
	ent, ok := n.responses[r.URL.Path]
	if !ok {
		return textEntry(http.StatusNotFound, "not found"), nil
	}
	return ent.Clone(), nil
}

// countingStore records every call that reaches the wrapped store.
type countingStore struct {
	cachestore.Store

	mu    sync.Mutex
	calls int
}

func (s *countingStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *countingStore) inc() {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
}

func (s *countingStore) Open(ctx context.Context, name string) (cachestore.Cache, error) {
	s.inc()
	return s.Store.Open(ctx, name)
}

func (s *countingStore) Keys(ctx context.Context) ([]string, error) {
	s.inc()
	return s.Store.Keys(ctx)
}

// brokenStore fails Open, and Delete for the listed namespaces.
type brokenStore struct {
	cachestore.Store
	failOpen   bool
	failDelete map[string]bool
}

func (s *brokenStore) Open(ctx context.Context, name string) (cachestore.Cache, error) {
	if s.failOpen {
		return nil, fmt.Errorf("%w: disk on fire", cachestore.ErrUnavailable)
	}
	return s.Store.Open(ctx, name)
}

func (s *brokenStore) Delete(ctx context.Context, name string) (bool, error) {
	if s.failDelete[name] {
		return false, fmt.Errorf("%w: cannot delete %s", cachestore.ErrUnavailable, name)
	}
	return s.Store.Delete(ctx, name)
}

func seed(t *testing.T, store cachestore.Store, generation Generation, key string, ent cachestore.Entry) {
	t.Helper()
	c, err := store.Open(context.Background(), string(generation))
	require.NoError(t, err)
	require.NoError(t, c.Put(context.Background(), key, ent))
}

func lookup(t *testing.T, store cachestore.Store, generation Generation, key string) (cachestore.Entry, bool) {
	t.Helper()
	c, err := store.Open(context.Background(), string(generation))
	require.NoError(t, err)
	ent, ok, err := c.Match(context.Background(), key)
	require.NoError(t, err)
	return ent, ok
}
