// Package registry is the process-wide map from database name to live
// connection cell (spec.md §4.6, C6). It enforces at-most-one live handle
// per name: concurrent Open calls for an absent name race through a
// singleflight.Group so the constructor runs exactly once, rather than
// relying on a post-hoc check after a lock is released. singleflight only
// collapses the construct() call, not the callers, so every caller still
// adds its own reference to the resulting cell after the shared call
// returns.
package registry

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/npiesco/absurder/internal/absurderr"
)

const op = "registry"

// Closer is satisfied by the value type a Registry manages; Close tears
// down the underlying resources once the last handle is released.
type Closer interface {
	Close() error
}

type cell[V Closer] struct {
	mu       sync.Mutex
	value    V
	refcount int
	closed   bool
}

// Registry maps names to refcounted cells holding a V. V is typically the
// database package's *Database, but the registry itself knows nothing
// about SQL, blocks, or coordination — only lifetime and sharing.
type Registry[V Closer] struct {
	cells sync.Map // string -> *cell[V]
	sf    singleflight.Group
}

// New constructs an empty registry.
func New[V Closer]() *Registry[V] {
	return &Registry[V]{}
}

// Open returns the existing live handle for name, incrementing its
// refcount, or constructs one via construct if absent. Concurrent Open
// calls for the same absent name all block on the same construction and
// receive the same value (spec.md testable property 2).
func (r *Registry[V]) Open(ctx context.Context, name string, construct func(ctx context.Context) (V, error)) (V, error) {
	for {
		if c, ok := r.cells.Load(name); ok {
			cl := c.(*cell[V])
			cl.mu.Lock()
			if !cl.closed {
				cl.refcount++
				v := cl.value
				cl.mu.Unlock()
				return v, nil
			}
			cl.mu.Unlock()
			// Closed cell still present (teardown race); evict and retry.
			r.cells.CompareAndDelete(name, c)
			continue
		}

		v, err, _ := r.sf.Do(name, func() (any, error) {
			if c, ok := r.cells.Load(name); ok {
				return c.(*cell[V]).value, nil
			}
			val, err := construct(ctx)
			if err != nil {
				var zero V
				return zero, err
			}
			r.cells.Store(name, &cell[V]{value: val, refcount: 0})
			return val, nil
		})
		if err != nil {
			var zero V
			return zero, err
		}

		// singleflight collapses N concurrent callers into one construct()
		// call, but it does not collapse the callers themselves: each of
		// the N still holds a distinct handle and must add its own
		// reference, or a single Close from any one of them would tear the
		// cell down under the other N-1. Retry from the top if the cell was
		// torn down before this caller could claim its share.
		c, ok := r.cells.Load(name)
		if !ok {
			continue
		}
		cl := c.(*cell[V])
		cl.mu.Lock()
		if cl.closed {
			cl.mu.Unlock()
			continue
		}
		cl.refcount++
		cl.mu.Unlock()
		return v.(V), nil
	}
}

// Close decrements name's refcount; at zero it invokes value.Close() and
// removes the cell. Closing a name with no cell is a no-op.
func (r *Registry[V]) Close(name string) error {
	c, ok := r.cells.Load(name)
	if !ok {
		return nil
	}
	cl := c.(*cell[V])
	cl.mu.Lock()
	cl.refcount--
	if cl.refcount > 0 || cl.closed {
		cl.mu.Unlock()
		return nil
	}
	cl.closed = true
	v := cl.value
	cl.mu.Unlock()

	r.cells.CompareAndDelete(name, c)
	return v.Close()
}

// ForceClose removes name's cell regardless of refcount, closing the
// underlying value. Reserved for test cleanup and DeleteDatabase
// (spec.md §4.6).
func (r *Registry[V]) ForceClose(name string) error {
	c, ok := r.cells.LoadAndDelete(name)
	if !ok {
		return nil
	}
	cl := c.(*cell[V])
	cl.mu.Lock()
	if cl.closed {
		cl.mu.Unlock()
		return nil
	}
	cl.closed = true
	v := cl.value
	cl.mu.Unlock()
	return v.Close()
}

// Get returns the live value for name without affecting its refcount, for
// callers (e.g. the coordinator) that already hold a handle.
func (r *Registry[V]) Get(name string) (V, bool) {
	var zero V
	c, ok := r.cells.Load(name)
	if !ok {
		return zero, false
	}
	cl := c.(*cell[V])
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.closed {
		return zero, false
	}
	return cl.value, true
}

// RequireAbsentOrClosed returns an error unless name has no live cell,
// matching DeleteDatabase's precondition (spec.md §4.6).
func (r *Registry[V]) RequireAbsentOrClosed(name string) error {
	if _, ok := r.Get(name); ok {
		return absurderr.New(op, absurderr.CodeInvalidArgument, errStillOpen)
	}
	return nil
}

var errStillOpen = stillOpenErr{}

type stillOpenErr struct{}

func (stillOpenErr) Error() string { return "registry: database is still open" }
