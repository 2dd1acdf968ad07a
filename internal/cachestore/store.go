// Package cachestore holds cached HTTP responses in named namespaces.
//
// A Store is a set of namespaces; each namespace is a Cache mapping a
// request key to an immutable Entry. Entries are replaced whole on Put and
// never partially updated. Deleting a namespace drops every entry in it.
package cachestore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrUnavailable wraps every failure of the underlying storage.
var ErrUnavailable = errors.New("cache store unavailable")

type Entry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
	Hash32   uint32
}

// Clone returns a copy that shares nothing mutable with e.
func (e Entry) Clone() Entry {
	out := e
	out.Header = e.Header.Clone()
	if e.Body != nil {
		out.Body = append([]byte(nil), e.Body...)
	}
	return out
}

type Store interface {
	// Open returns the namespace called name, creating it when missing.
	Open(ctx context.Context, name string) (Cache, error)
	Has(ctx context.Context, name string) (bool, error)
	// Delete removes the namespace and all of its entries. It reports
	// whether the namespace existed.
	Delete(ctx context.Context, name string) (bool, error)
	// Keys lists namespace names in lexical order.
	Keys(ctx context.Context) ([]string, error)
	Close() error
}

type Cache interface {
	Name() string
	Match(ctx context.Context, key string) (Entry, bool, error)
	Put(ctx context.Context, key string, ent Entry) error
	Delete(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}
