package offcache

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceLevelDB(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = fmt.Fprintf(w, "page %s", r.URL.Path)
	}))
	defer origin.Close()

	dir := filepath.Join(t.TempDir(), "leveldb")
	cfg, err := ParseConfig([]byte(fmt.Sprintf(`
app:
  name: app
  version: v1
server:
  origin: %s
  scope: http://app.test
storage:
  driver: leveldb
  path: %s
  writeBuffer: 1mb
precache:
  - /
`, origin.URL, dir)))
	require.NoError(t, err)

	svc, err := NewService(cfg, discardLogger())
	require.NoError(t, err)
	svc.Start(context.Background())
	waitActive(t, svc)

	rec := serve(svc.Handler(), get("/"))
	assert.Equal(t, "hit", rec.Header().Get(headerOutcome))
	assert.Equal(t, "page /", rec.Body.String())

	rec = serve(svc.Handler(), get("/about"))
	assert.Equal(t, "miss", rec.Header().Get(headerOutcome))
	rec = serve(svc.Handler(), get("/about"))
	assert.Equal(t, "hit", rec.Header().Get(headerOutcome))
	require.NoError(t, svc.Close())

	// Entries survive a restart on disk.
	svc, err = NewService(cfg, discardLogger())
	require.NoError(t, err)
	defer func() { _ = svc.Close() }()
	svc.Start(context.Background())
	waitActive(t, svc)

	origin.Close()
	rec = serve(svc.Handler(), get("/about"))
	assert.Equal(t, "hit", rec.Header().Get(headerOutcome))
	assert.Equal(t, "page /about", rec.Body.String())
}
