package cachestore

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/jellydator/ttlcache/v3"
)

// Memory is a Store kept entirely in process memory. Entries never expire;
// they go away only when their namespace is deleted.
type Memory struct {
	mu     sync.RWMutex
	spaces map[string]*memoryCache
}

func NewMemory() *Memory {
	return &Memory{spaces: map[string]*memoryCache{}}
}

func (m *Memory) Open(ctx context.Context, name string) (Cache, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.spaces[name]; ok {
		return c, nil
	}
	c := &memoryCache{
		name: name,
		items: ttlcache.New[string, Entry](
			ttlcache.WithTTL[string, Entry](ttlcache.NoTTL),
		),
	}
	m.spaces[name] = c
	return c, nil
}

func (m *Memory) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.spaces[name]
	return ok, nil
}

func (m *Memory) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.spaces[name]
	if !ok {
		return false, nil
	}
	delete(m.spaces, name)
	c.deleted.Store(true)
	c.items.DeleteAll()
	return true, nil
}

func (m *Memory) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.spaces))
	for k := range m.spaces {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.spaces {
		c.items.DeleteAll()
	}
	m.spaces = map[string]*memoryCache{}
	return nil
}

type memoryCache struct {
	name    string
	items   *ttlcache.Cache[string, Entry]
	deleted atomic.Bool
}

func (c *memoryCache) Name() string { return c.name }

func (c *memoryCache) Match(ctx context.Context, key string) (Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, false, err
	}
	it := c.items.Get(key)
	if it == nil {
		return Entry{}, false, nil
	}
	return it.Value().Clone(), true, nil
}

func (c *memoryCache) Put(ctx context.Context, key string, ent Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.deleted.Load() {
		return unavailable("put "+c.name, errNamespaceDeleted)
	}
	c.items.Set(key, ent.Clone(), ttlcache.NoTTL)
	return nil
}

func (c *memoryCache) Delete(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !c.items.Has(key) {
		return false, nil
	}
	c.items.Delete(key)
	return true, nil
}

func (c *memoryCache) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	keys := c.items.Keys()
	sort.Strings(keys)
	return keys, nil
}
