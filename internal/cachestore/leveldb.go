package cachestore

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	n:<namespace>              -> namespaceMeta
//	e:<namespace>\x00<key>     -> Entry
const (
	nsPrefix    = "n:"
	entryPrefix = "e:"
	keySep      = "\x00"
)

var errNamespaceDeleted = errors.New("namespace deleted")

type namespaceMeta struct {
	CreatedAt int64
}

type LevelDBOptions struct {
	WriteBuffer        int
	BlockCacheCapacity int
}

// LevelDB is a Store persisted in a LevelDB database.
type LevelDB struct {
	db *leveldb.DB

	// Held for writing while a namespace is created or dropped so a Put
	// cannot land in a namespace that is being deleted.
	nsMu sync.RWMutex
}

func OpenLevelDB(path string, o LevelDBOptions) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{
		WriteBuffer:        o.WriteBuffer,
		BlockCacheCapacity: o.BlockCacheCapacity,
	})
	if err != nil {
		return nil, unavailable("open "+path, err)
	}
	return &LevelDB{db: db}, nil
}

// OpenLevelDBMemory opens a LevelDB store that lives in memory only.
func OpenLevelDBMemory() (*LevelDB, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, unavailable("open memory", err)
	}
	return &LevelDB{db: db}, nil
}

func (s *LevelDB) Close() error {
	return s.db.Close()
}

func (s *LevelDB) Open(ctx context.Context, name string) (Cache, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.nsMu.Lock()
	defer s.nsMu.Unlock()

	ok, err := s.db.Has([]byte(nsPrefix+name), nil)
	if err != nil {
		return nil, unavailable("open "+name, err)
	}
	if !ok {
		b, err := encodeGob(namespaceMeta{CreatedAt: time.Now().Unix()})
		if err != nil {
			return nil, unavailable("open "+name, err)
		}
		if err := s.db.Put([]byte(nsPrefix+name), b, nil); err != nil {
			return nil, unavailable("open "+name, err)
		}
	}
	return &levelCache{s: s, name: name}, nil
}

func (s *LevelDB) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	ok, err := s.db.Has([]byte(nsPrefix+name), nil)
	if err != nil {
		return false, unavailable("has "+name, err)
	}
	return ok, nil
}

func (s *LevelDB) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.nsMu.Lock()
	defer s.nsMu.Unlock()

	existed, err := s.db.Has([]byte(nsPrefix+name), nil)
	if err != nil {
		return false, unavailable("delete "+name, err)
	}

	batch := new(leveldb.Batch)
	batch.Delete([]byte(nsPrefix + name))
	it := s.db.NewIterator(util.BytesPrefix(entryKey(name, "")), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, unavailable("delete "+name, err)
	}
	if err := s.db.Write(batch, nil); err != nil {
		return false, unavailable("delete "+name, err)
	}
	return existed, nil
}

func (s *LevelDB) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	it := s.db.NewIterator(util.BytesPrefix([]byte(nsPrefix)), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), []byte(nsPrefix))))
	}
	if err := it.Error(); err != nil {
		return nil, unavailable("keys", err)
	}
	sort.Strings(out)
	return out, nil
}

func entryKey(namespace, key string) []byte {
	return []byte(entryPrefix + namespace + keySep + key)
}

type levelCache struct {
	s    *LevelDB
	name string
}

func (c *levelCache) Name() string { return c.name }

func (c *levelCache) Match(ctx context.Context, key string) (Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, false, err
	}
	b, err := c.s.db.Get(entryKey(c.name, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, unavailable("match", err)
	}
	var ent Entry
	if err := decodeGob(b, &ent); err != nil {
		return Entry{}, false, unavailable("decode", err)
	}
	return ent, true, nil
}

func (c *levelCache) Put(ctx context.Context, key string, ent Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := encodeGob(ent)
	if err != nil {
		return unavailable("encode", err)
	}

	c.s.nsMu.RLock()
	defer c.s.nsMu.RUnlock()
	ok, err := c.s.db.Has([]byte(nsPrefix+c.name), nil)
	if err != nil {
		return unavailable("put", err)
	}
	if !ok {
		return unavailable("put "+c.name, errNamespaceDeleted)
	}
	if err := c.s.db.Put(entryKey(c.name, key), b, nil); err != nil {
		return unavailable("put", err)
	}
	return nil
}

func (c *levelCache) Delete(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	k := entryKey(c.name, key)
	ok, err := c.s.db.Has(k, nil)
	if err != nil {
		return false, unavailable("delete", err)
	}
	if !ok {
		return false, nil
	}
	if err := c.s.db.Delete(k, nil); err != nil {
		return false, unavailable("delete", err)
	}
	return true, nil
}

func (c *levelCache) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := entryKey(c.name, "")
	it := c.s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	if err := it.Error(); err != nil {
		return nil, unavailable("keys", err)
	}
	return out, nil
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}

func init() {
	gob.Register(http.Header{})
}
