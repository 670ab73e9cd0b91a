// Package blockcache is an LRU read-through/write-through cache in front of
// the block store (spec.md §4.3, C3), partitioned per database the same way
// the retrieval pack's content-addressed cache (helios/cas) partitions by
// store, built on hashicorp/golang-lru/v2.
package blockcache

import (
	"context"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/npiesco/absurder/internal/absurderr"
	"github.com/npiesco/absurder/internal/blockstore"
)

const op = "blockcache"

type entry struct {
	bytes []byte
	dirty bool
}

// Cache fronts one database's Store with an LRU of up to capacity blocks.
// Eviction of a dirty entry flushes it to the Store before it's dropped;
// durability itself is owed to the caller's sync, not to this cache.
type Cache struct {
	mu       sync.Mutex
	store    *blockstore.Store
	capacity int
	lru      *lru.Cache[uint64, *entry]
	flushErr error

	hits   atomic.Int64
	misses atomic.Int64
}

// Stats reports cumulative hit/miss counters, used by the facade's
// read-only Stats() surface.
type Stats struct {
	Hits   int64
	Misses int64
}

// Stats returns a snapshot of this cache's hit/miss counters.
func (c *Cache) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}

// New builds a Cache of the given capacity in front of store. Capacity
// should come from config.CacheBlocks (default 128, spec.md §4.3).
func New(store *blockstore.Store, capacity int) *Cache {
	c := &Cache{store: store, capacity: capacity}
	l, err := lru.NewWithEvict[uint64, *entry](capacity, c.onEvict)
	if err != nil {
		// Only returned by a non-positive size; config validation should
		// have caught this, but fall back to the spec default rather than
		// panic deep inside a cache constructor.
		l, _ = lru.NewWithEvict[uint64, *entry](128, c.onEvict)
	}
	c.lru = l
	return c
}

// onEvict is invoked synchronously by the LRU while c.mu is held (Add and
// Purge are the only callers), so it can safely flush through c.store.
func (c *Cache) onEvict(index uint64, e *entry) {
	if !e.dirty {
		return
	}
	if err := c.store.WriteBlock(context.Background(), index, e.bytes); err != nil {
		c.flushErr = err
	}
}

// ReadBlock serves from cache on hit; on miss, fetches through the block
// store, inserts clean, and returns it.
func (c *Cache) ReadBlock(ctx context.Context, index uint64) ([]byte, error) {
	c.mu.Lock()
	if e, ok := c.lru.Get(index); ok {
		out := append([]byte(nil), e.bytes...)
		c.mu.Unlock()
		c.hits.Add(1)
		return out, nil
	}
	c.mu.Unlock()

	b, err := c.store.ReadBlock(ctx, index)
	if err != nil {
		return nil, err
	}
	c.misses.Add(1)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.lru.Get(index); !ok {
		c.lru.Add(index, &entry{bytes: append([]byte(nil), b...)})
		if err := c.checkFlushErr(); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// WriteBlock updates the cache entry and writes through to the block store
// within the same call, per spec.md §4.3 — no pure write-back is permitted.
func (c *Cache) WriteBlock(ctx context.Context, index uint64, b []byte) error {
	if err := c.store.WriteBlock(ctx, index, b); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(index, &entry{bytes: append([]byte(nil), b...), dirty: false})
	return c.checkFlushErr()
}

// WriteBlocks batches a multi-block write through the block store and
// refreshes every touched entry in the cache.
func (c *Cache) WriteBlocks(ctx context.Context, blocks []blockstore.IndexedBlock) error {
	if err := c.store.WriteBlocks(ctx, blocks); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, blk := range blocks {
		c.lru.Add(blk.Index, &entry{bytes: append([]byte(nil), blk.Bytes...)})
	}
	return c.checkFlushErr()
}

// Invalidate drops every cached block for this database. tableHint is
// accepted but ignored: table-level precision is advisory only per
// spec.md §9, preserved purely for caller API compatibility with the
// Change Event's optional tables_touched field.
func (c *Cache) Invalidate(_ string, _ ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

// Len reports the number of blocks currently cached, mostly for tests.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *Cache) checkFlushErr() error {
	if c.flushErr == nil {
		return nil
	}
	err := c.flushErr
	c.flushErr = nil
	return absurderr.IoError(op, absurderr.IoBackend, err)
}
