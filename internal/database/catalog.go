// Package database wires C2 through C9 into the per-database cell the
// facade publishes through the Connection Registry (spec.md §4.10, C10).
package database

import (
	"sync"

	"github.com/npiesco/absurder/internal/blockcache"
	"github.com/npiesco/absurder/internal/blockstore"
	"github.com/npiesco/absurder/internal/sqlitevfs"
)

// catalog resolves a logical database name to the blockcache/blockstore
// pair sqlitevfs.VFS needs on every Open/Access call. It is a package-level
// singleton: sqlitevfs.Register takes one Opener for the life of the
// process, so every Database registers its pair here instead of each
// holding its own VFS registration.
type catalog struct {
	mu      sync.RWMutex
	entries map[string]catalogEntry
}

type catalogEntry struct {
	cache *blockcache.Cache
	store *blockstore.Store
}

var vfsCatalog = &catalog{entries: make(map[string]catalogEntry)}

func init() {
	sqlitevfs.Register(vfsCatalog)
}

// Open implements sqlitevfs.Opener.
func (c *catalog) Open(name string) (*blockcache.Cache, *blockstore.Store, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[name]
	return e.cache, e.store, ok
}

func (c *catalog) register(name string, cache *blockcache.Cache, store *blockstore.Store) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[name] = catalogEntry{cache: cache, store: store}
}

func (c *catalog) unregister(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, name)
}
