package offcache

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offcache/internal/cachestore"
)

func newTestLoader(t *testing.T, network Fetcher, store cachestore.Store) *Loader {
	t.Helper()
	logger := discardLogger()
	return NewLoader(mustURL(t, "http://app.test"), NewGenerations(testBuild, store, logger), network, 2, logger)
}

func TestPrecacheManifest(t *testing.T) {
	m := NewPrecacheManifest(" /index.html", "/a.css", "", "/index.html", "/b.js")
	assert.Equal(t, []string{"/index.html", "/a.css", "/b.js"}, m.URLs())
	assert.Equal(t, 3, m.Len())

	urls := m.URLs()
	urls[0] = "/changed"
	assert.Equal(t, "/index.html", m.URLs()[0], "manifest is read-only")
}

func TestPrecache(t *testing.T) {
	ctx := context.Background()

	t.Run("stores manifest then serves it offline", func(t *testing.T) {
		store := cachestore.NewMemory()
		network := newFakeNetwork()
		network.set("/index.html", 200, "<html>index</html>")

		report, err := newTestLoader(t, network, store).Precache(ctx, NewPrecacheManifest("/index.html"))
		require.NoError(t, err)
		assert.Equal(t, 1, report.Stored)
		assert.Empty(t, report.Failed)
		assert.Equal(t, 1, network.callsFor("/index.html", FetchReload))

		c, err := store.Open(ctx, string(testBuild.Generation()))
		require.NoError(t, err)
		keys, err := c.Keys(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"GET http://app.test/index.html"}, keys)

		network.setOffline(true)
		engine := newTestEngine(t, network, store)
		res, err := engine.Handle(ctx, get("/index.html"))
		require.NoError(t, err)
		engine.Wait()
		assert.Equal(t, OutcomeHit, res.Outcome)
		assert.Equal(t, "<html>index</html>", string(res.Body))
	})

	t.Run("failing assets are skipped", func(t *testing.T) {
		store := cachestore.NewMemory()
		network := newFakeNetwork()
		network.set("/", 200, "home")
		network.set("/broken.css", http.StatusInternalServerError, "oops")

		report, err := newTestLoader(t, network, store).Precache(ctx,
			NewPrecacheManifest("/", "/missing.js", "/broken.css", "http://cdn.test/lib.js"))
		require.NoError(t, err)
		assert.Equal(t, 1, report.Stored)
		assert.ElementsMatch(t, []string{"/missing.js", "/broken.css", "http://cdn.test/lib.js"}, report.Failed)

		_, ok := lookup(t, store, testBuild.Generation(), "GET http://app.test/")
		assert.True(t, ok)
		_, ok = lookup(t, store, testBuild.Generation(), "GET http://app.test/broken.css")
		assert.False(t, ok)
		assert.Zero(t, network.callsFor("/lib.js", FetchReload), "cross-origin assets are never fetched")
	})

	t.Run("network down is not fatal", func(t *testing.T) {
		store := cachestore.NewMemory()
		network := newFakeNetwork()
		network.setOffline(true)

		report, err := newTestLoader(t, network, store).Precache(ctx, NewPrecacheManifest("/", "/index.html"))
		require.NoError(t, err)
		assert.Zero(t, report.Stored)
		assert.Len(t, report.Failed, 2)
	})

	t.Run("unavailable store is returned", func(t *testing.T) {
		store := &brokenStore{Store: cachestore.NewMemory(), failOpen: true}
		_, err := newTestLoader(t, newFakeNetwork(), store).Precache(ctx, NewPrecacheManifest("/"))
		assert.ErrorIs(t, err, cachestore.ErrUnavailable)
	})

	t.Run("refresh uses the default fetch mode", func(t *testing.T) {
		store := cachestore.NewMemory()
		network := newFakeNetwork()
		network.set("/index.html", 200, "new")
		seed(t, store, testBuild.Generation(), "GET http://app.test/index.html", textEntry(200, "old"))

		report, err := newTestLoader(t, network, store).Refresh(ctx, NewPrecacheManifest("/index.html"))
		require.NoError(t, err)
		assert.Equal(t, 1, report.Stored)
		assert.Equal(t, 1, network.callsFor("/index.html", FetchDefault))

		ent, ok := lookup(t, store, testBuild.Generation(), "GET http://app.test/index.html")
		require.True(t, ok)
		assert.Equal(t, "new", string(ent.Body))
	})
}
