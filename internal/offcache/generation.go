package offcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"offcache/internal/cachestore"
)

// Version is the build's cache version. Override at link time with
// -ldflags "-X offcache/internal/offcache.Version=v1.2.3".
var Version = "v1.0.0"

// Generation names one cache namespace.
type Generation string

// Build identifies the running code. It is immutable; everything derived
// from it is recomputed on use.
type Build struct {
	AppName string
	Version string
}

func (b Build) Generation() Generation {
	return Generation(fmt.Sprintf("%s-cache-%s", b.AppName, b.Version))
}

// Generations owns the set of cache namespaces in a store.
type Generations struct {
	build  Build
	store  cachestore.Store
	logger *slog.Logger
}

func NewGenerations(build Build, store cachestore.Store, logger *slog.Logger) *Generations {
	return &Generations{build: build, store: store, logger: logger}
}

func (g *Generations) Current() Generation {
	return g.build.Generation()
}

// Open opens the current generation's namespace.
func (g *Generations) Open(ctx context.Context) (cachestore.Cache, error) {
	return g.store.Open(ctx, string(g.Current()))
}

// PurgeStale deletes every namespace other than the current one. A failure
// on one namespace does not stop the others; all failures are returned
// joined once every namespace was attempted.
func (g *Generations) PurgeStale(ctx context.Context) ([]string, error) {
	keys, err := g.store.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}

	cur := string(g.Current())
	var deleted []string
	var errs []error
	for _, name := range keys {
		if name == cur {
			continue
		}
		if _, err := g.store.Delete(ctx, name); err != nil {
			g.logger.Warn("delete stale generation failed", "generation", name, "error", err)
			errs = append(errs, fmt.Errorf("delete %s: %w", name, err))
			continue
		}
		g.logger.Info("deleted stale generation", "generation", name)
		deleted = append(deleted, name)
	}
	return deleted, errors.Join(errs...)
}
