package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/npiesco/absurder/internal/config"
	"github.com/npiesco/absurder/internal/coordinator"
	"github.com/npiesco/absurder/internal/hostenv"
	"github.com/npiesco/absurder/internal/kv"
)

func newTestDatabase(t *testing.T, name string) *Database {
	t.Helper()
	backend := kv.NewMemBackend()
	host := hostenv.NewLocal(nil)
	cfg := config.Default()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.LeaderTimeout = 100 * time.Millisecond

	d, err := New(context.Background(), Options{Name: name, Backend: backend, Host: host, Config: cfg})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestNewDatabaseBecomesLiveAndLeader(t *testing.T) {
	d := newTestDatabase(t, "db1")
	require.True(t, d.IsLeader(), "sole instance must claim leadership immediately")
}

func TestExecuteCreateAndInsertAndSelect(t *testing.T) {
	ctx := context.Background()
	d := newTestDatabase(t, "db2")

	_, err := d.Execute(ctx, "CREATE TABLE t (id INTEGER PRIMARY KEY, name TEXT)")
	require.NoError(t, err)

	res, err := d.Execute(ctx, "INSERT INTO t (name) VALUES ('a')")
	require.NoError(t, err)
	require.Equal(t, int64(1), res.RowsAffected)

	res, err = d.Execute(ctx, "SELECT id, name FROM t")
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
}

func TestCloseIsIdempotent(t *testing.T) {
	d := newTestDatabase(t, "db3")
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
}

func TestExecuteAfterCloseIsAborted(t *testing.T) {
	d := newTestDatabase(t, "db4")
	require.NoError(t, d.Close())

	_, err := d.Execute(context.Background(), "SELECT 1")
	require.Error(t, err)
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	d := newTestDatabase(t, "db5")

	_, err := d.Execute(ctx, "CREATE TABLE t (id INTEGER PRIMARY KEY)")
	require.NoError(t, err)
	_, err = d.Execute(ctx, "INSERT INTO t (id) VALUES (1)")
	require.NoError(t, err)

	data, err := d.ExportToFile(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	require.NoError(t, d.ImportFromFile(ctx, data))

	res, err := d.Execute(ctx, "SELECT id FROM t")
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
}

func TestStatsReportsPageCount(t *testing.T) {
	ctx := context.Background()
	d := newTestDatabase(t, "db6")

	_, err := d.Execute(ctx, "CREATE TABLE t (id INTEGER PRIMARY KEY)")
	require.NoError(t, err)

	stats, err := d.Stats(ctx)
	require.NoError(t, err)
	require.Greater(t, stats.PageCount, uint64(0))
}

func TestOnDataChangeObserverInvokedAfterWrite(t *testing.T) {
	ctx := context.Background()
	d := newTestDatabase(t, "db7")

	fired := make(chan coordinator.ChangeEvent, 1)
	d.OnDataChange(func(ev coordinator.ChangeEvent) {
		select {
		case fired <- ev:
		default:
		}
	})

	_, err := d.Execute(ctx, "CREATE TABLE t (id INTEGER PRIMARY KEY)")
	require.NoError(t, err)

	select {
	case ev := <-fired:
		require.Equal(t, "db7", ev.DBName)
	case <-time.After(time.Second):
		t.Fatal("on_data_change observer was not invoked after a committing write")
	}
}
