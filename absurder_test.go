package absurder

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/npiesco/absurder/internal/config"
	"github.com/npiesco/absurder/internal/hostenv"
	"github.com/npiesco/absurder/internal/kv"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	backend := kv.NewMemBackend()
	host := hostenv.NewLocal(nil)
	eng := New(backend, host, config.Default())
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

func TestNewDatabaseReturnsSameCellForRepeatedOpens(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)

	h1, err := eng.NewDatabase(ctx, "shared")
	require.NoError(t, err)
	h2, err := eng.NewDatabase(ctx, "shared")
	require.NoError(t, err)
	require.Same(t, h1.Database, h2.Database)

	require.NoError(t, h1.Close())
	_, err = h2.Execute(ctx, "SELECT 1")
	require.NoError(t, err, "the cell must stay live while h2 still holds a reference")

	require.NoError(t, h2.Close())
}

func TestGetAllDatabasesReportsOpenedDatabase(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)

	h, err := eng.NewDatabase(ctx, "listed")
	require.NoError(t, err)
	_, err = h.Execute(ctx, "CREATE TABLE t (id INTEGER PRIMARY KEY)")
	require.NoError(t, err)
	require.NoError(t, h.Close())

	infos, err := eng.GetAllDatabases(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Equal(t, "listed", infos[0].Name)
	require.Greater(t, infos[0].Bytes, int64(0))
}

func TestDeleteDatabaseRequiresClosedCell(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)

	h, err := eng.NewDatabase(ctx, "todelete")
	require.NoError(t, err)

	err = eng.DeleteDatabase(ctx, "todelete")
	require.Error(t, err, "deleting a database with a live cell must fail")

	require.NoError(t, h.Close())
	require.NoError(t, eng.DeleteDatabase(ctx, "todelete"))

	infos, err := eng.GetAllDatabases(ctx)
	require.NoError(t, err)
	require.Empty(t, infos)
}

func TestForceCloseConnectionIgnoresRefcount(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)

	h1, err := eng.NewDatabase(ctx, "forced")
	require.NoError(t, err)
	_, err = eng.NewDatabase(ctx, "forced")
	require.NoError(t, err)

	require.NoError(t, eng.ForceCloseConnection("forced"))

	_, err = h1.Execute(ctx, "SELECT 1")
	require.Error(t, err)
}
