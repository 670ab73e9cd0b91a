package sqlengine

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/npiesco/absurder/internal/absurderr"
	"github.com/npiesco/absurder/internal/blockcache"
	"github.com/npiesco/absurder/internal/blockstore"
	"github.com/npiesco/absurder/internal/kv"
	"github.com/npiesco/absurder/internal/sqlitevfs"
)

type testCatalog struct {
	mu      sync.RWMutex
	entries map[string][2]any
}

func (c *testCatalog) Open(name string) (*blockcache.Cache, *blockstore.Store, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[name]
	if !ok {
		return nil, nil, false
	}
	return e[0].(*blockcache.Cache), e[1].(*blockstore.Store), true
}

func (c *testCatalog) register(name string, cache *blockcache.Cache, store *blockstore.Store) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[name] = [2]any{cache, store}
}

var (
	testCatalogOnce sync.Once
	cat             = &testCatalog{entries: make(map[string][2]any)}
)

func newTestEngine(t *testing.T, name string) *Engine {
	t.Helper()
	testCatalogOnce.Do(func() { sqlitevfs.Register(cat) })

	backend := kv.NewMemBackend()
	store, err := backend.OpenStore(context.Background(), "blocks_"+name)
	require.NoError(t, err)
	bs := blockstore.New(store, 4096)
	cache := blockcache.New(bs, 64)
	cat.register(name, cache, bs)

	e, err := Open(name)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestExecuteSelectFromMissingTableReturnsNotFound(t *testing.T) {
	e := newTestEngine(t, "missing_table_db")

	_, err := e.Execute(context.Background(), "SELECT * FROM missing_table", nil)
	require.Error(t, err)
	require.Equal(t, absurderr.CodeNotFound, absurderr.CodeOf(err))
}

func TestExecuteSyntaxErrorReturnsInvalidArgument(t *testing.T) {
	e := newTestEngine(t, "syntax_error_db")

	_, err := e.Execute(context.Background(), "SELEKT * FROM t", nil)
	require.Error(t, err)
	require.Equal(t, absurderr.CodeInvalidArgument, absurderr.CodeOf(err))
}

func TestExecuteCreateInsertSelectRoundTrip(t *testing.T) {
	e := newTestEngine(t, "roundtrip_db")
	ctx := context.Background()

	_, err := e.Execute(ctx, "CREATE TABLE t (id INTEGER PRIMARY KEY, name TEXT)", nil)
	require.NoError(t, err)

	res, err := e.Execute(ctx, "INSERT INTO t (name) VALUES ('a')", nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), res.RowsAffected)

	res, err = e.Execute(ctx, "SELECT name FROM t", nil)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
}
