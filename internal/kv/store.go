// Package kv abstracts the host's persistent key-value store (spec.md
// §4.1, C1). Two backends are provided: an in-process MemBackend for
// tests and single-tab deployments, and a BoltBackend over go.etcd.io/bbolt
// for durable, transactional storage shared across peers on one host.
package kv

import (
	"context"
	"errors"

	"github.com/npiesco/absurder/internal/absurderr"
)

var errReadOnlyTx = errors.New("kv: write attempted inside a read-only transaction")

// Backend opens named stores. A store is the KV substrate's unit of
// isolation — one per database's blocks, one global registry, one global
// backup store, per spec.md §6.
type Backend interface {
	OpenStore(ctx context.Context, name string) (Store, error)
	Close() error
}

// Store is a single named KV store: get/put/delete plus ordered range scans
// and transactions, exactly as spec.md §4.1 specifies.
type Store interface {
	Get(ctx context.Context, key []byte) ([]byte, bool, error)
	Put(ctx context.Context, key, value []byte) error
	Delete(ctx context.Context, key []byte) error
	// Range returns entries with lo <= key < hi (hi == nil means unbounded),
	// ordered ascending by key.
	Range(ctx context.Context, lo, hi []byte) ([]Entry, error)
	// Update runs fn inside a single read-write transaction that commits
	// atomically, or not at all, on fn's return.
	Update(ctx context.Context, fn func(Tx) error) error
	// View runs fn inside a read-only transaction against a consistent
	// snapshot.
	View(ctx context.Context, fn func(Tx) error) error
	// Stats reports the store's current key count and total value bytes,
	// used by the root package's GetAllDatabases to report each database's
	// block store size.
	Stats(ctx context.Context) (keys int, bytes int64, err error)
}

// Tx is the transactional handle passed to Update/View bodies.
type Tx interface {
	Get(key []byte) ([]byte, bool, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	Range(lo, hi []byte) ([]Entry, error)
}

// Entry is one (key, value) pair from a Range scan.
type Entry struct {
	Key   []byte
	Value []byte
}

const op = "kv"

func errNotFound(cause error) error { return absurderr.IoError(op, absurderr.IoNotFound, cause) }
func errBackend(cause error) error  { return absurderr.IoError(op, absurderr.IoBackend, cause) }
