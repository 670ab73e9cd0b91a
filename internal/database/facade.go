package database

import (
	"context"
	"time"

	"github.com/npiesco/absurder/internal/absurderr"
	"github.com/npiesco/absurder/internal/coordinator"
	"github.com/npiesco/absurder/internal/exportimport"
	"github.com/npiesco/absurder/internal/hostenv"
	"github.com/npiesco/absurder/internal/sqlengine"
)

// Execute runs sql with no bound parameters, classifying it as a read or
// write and routing writes through the coordinator when this instance is
// a follower (spec.md §4.5/§4.10).
func (d *Database) Execute(ctx context.Context, sql string) (sqlengine.Result, error) {
	return d.ExecuteWithParams(ctx, sql, nil)
}

func (d *Database) ExecuteWithParams(ctx context.Context, sql string, params []sqlengine.ColumnValue) (sqlengine.Result, error) {
	adm, err := d.core.Enter()
	if err != nil {
		return sqlengine.Result{}, err
	}
	defer d.core.Release(adm)
	if !d.importing.TryLock() {
		return sqlengine.Result{}, absurderr.New(op, absurderr.CodeBusy, nil)
	}
	d.importing.Unlock()

	if sqlengine.IsWrite(sql) && !d.coord.IsLeader() && !d.cfg.AllowNonLeaderWrites {
		return d.coord.QueueWrite(ctx, sql, params, d.cfg.WriteForwardTimeout)
	}
	res, err := d.currentEngine().Execute(ctx, sql, params)
	if err == nil && sqlengine.IsWrite(sql) {
		d.coord.BroadcastChange(ctx, nil)
	}
	return res, err
}

// QueueWrite hands sql to the coordinator's write-queue path without
// classifying it first: the coordinator executes it locally when this
// instance is leader (or non-leader writes are allowed) and forwards it to
// the leader otherwise (spec.md §4.10).
func (d *Database) QueueWrite(ctx context.Context, sql string, params []sqlengine.ColumnValue, timeout time.Duration) (sqlengine.Result, error) {
	adm, err := d.core.Enter()
	if err != nil {
		return sqlengine.Result{}, err
	}
	defer d.core.Release(adm)
	return d.coord.QueueWrite(ctx, sql, params, timeout)
}

// Sync runs a WAL checkpoint and durable flush (spec.md §4.10).
func (d *Database) Sync(ctx context.Context) error {
	adm, err := d.core.Enter()
	if err != nil {
		return err
	}
	defer d.core.Release(adm)
	return d.currentEngine().Checkpoint(ctx)
}

// ExportToFile assembles a byte-exact SQLite image from this database's
// current blocks, per spec.md §4.9.
func (d *Database) ExportToFile(ctx context.Context) ([]byte, error) {
	adm, err := d.core.Enter()
	if err != nil {
		return nil, err
	}
	defer d.core.Release(adm)

	if err := d.currentEngine().Checkpoint(ctx); err != nil {
		return nil, err
	}
	data, err := exportimport.Export(ctx, d.store, d.cfg.PageSize)
	if err != nil {
		return nil, err
	}
	_ = d.backupStore.Put(ctx, []byte(d.name), data)
	return data, nil
}

// ImportFromFile validates data, atomically replaces this database's
// blocks, then closes and reopens the SQL engine instance against the new
// image — skipping the reopen has been observed to corrupt the database,
// so it is never skipped (spec.md §4.9 step 4).
func (d *Database) ImportFromFile(ctx context.Context, data []byte) error {
	if err := exportimport.Validate(data, d.cfg.PageSize); err != nil {
		return err
	}

	adm, err := d.core.Enter()
	if err != nil {
		return err
	}
	defer d.core.Release(adm)

	d.importing.Lock()
	defer d.importing.Unlock()

	if err := exportimport.Import(ctx, d.store, d.cfg.PageSize, data); err != nil {
		return err
	}

	d.cache.Invalidate(d.name)

	d.engineMu.Lock()
	old := d.engine
	d.engineMu.Unlock()
	_ = old.Close()

	newEngine, err := sqlengine.Open(d.name)
	if err != nil {
		return absurderr.New(op, absurderr.CodeInternal, err)
	}
	d.engineMu.Lock()
	d.engine = newEngine
	d.engineMu.Unlock()

	return nil
}

// WaitForLeadership/RequestLeadership/GetLeaderInfo/IsLeader proxy the
// coordinator's election surface (spec.md §4.10).
func (d *Database) WaitForLeadership(ctx context.Context) error { return d.coord.WaitForLeadership(ctx) }
func (d *Database) RequestLeadership(ctx context.Context)       { d.coord.RequestLeadership(ctx) }
func (d *Database) GetLeaderInfo() (hostenv.LeaderInfo, bool)   { return d.coord.GetLeaderInfo() }
func (d *Database) IsLeader() bool                              { return d.coord.IsLeader() }

// OnDataChange registers cb to be invoked on every Change Event this
// instance observes (spec.md §4.10); returns a handle for
// CancelOnDataChange.
func (d *Database) OnDataChange(cb func(coordinator.ChangeEvent)) int {
	return d.coord.OnDataChange(cb)
}
func (d *Database) CancelOnDataChange(handle int) { d.coord.CancelOnDataChange(handle) }

// Optimistic update surface (spec.md §4.10).
func (d *Database) EnableOptimisticUpdates(v bool)      { d.coord.EnableOptimisticUpdates(v) }
func (d *Database) IsOptimisticMode() bool              { return d.coord.IsOptimisticMode() }
func (d *Database) TrackOptimisticWrite(sql string) string {
	return d.coord.TrackOptimisticWrite(sql)
}
func (d *Database) ResolveOptimisticWrite(token string) { d.coord.ResolveOptimisticWrite(token) }
func (d *Database) GetPendingWritesCount() int          { return d.coord.PendingWritesCount() }
func (d *Database) ClearOptimisticWrites()              { d.coord.ClearOptimisticWrites() }

// Coordination metrics surface (spec.md §4.10).
func (d *Database) EnableCoordinationMetrics(v bool)   { d.coord.EnableCoordinationMetrics(v) }
func (d *Database) IsCoordinationMetricsEnabled() bool { return d.coord.IsCoordinationMetricsEnabled() }
func (d *Database) RecordLeadershipChange()            { d.coord.RecordLeadershipChange() }
func (d *Database) RecordNotificationLatency(ms time.Duration) {
	d.coord.RecordNotificationLatency(ms)
}
func (d *Database) RecordWriteConflict()                { d.coord.RecordWriteConflict() }
func (d *Database) RecordFollowerRefresh()               { d.coord.RecordFollowerRefresh() }
func (d *Database) GetCoordinationMetrics() coordinator.Metrics { return d.coord.GetCoordinationMetrics() }
func (d *Database) ResetCoordinationMetrics()            { d.coord.ResetCoordinationMetrics() }

// Stats reports page count, cache hit/miss counters, and an estimate of
// the current WAL size in bytes — read-only and additive, absent from
// spec.md's facade but present in the systems it distills from.
type Stats struct {
	PageCount  uint64
	CacheHits  int64
	CacheMisses int64
	WALBytes   int64
}

func (d *Database) Stats(ctx context.Context) (Stats, error) {
	adm, err := d.core.Enter()
	if err != nil {
		return Stats{}, err
	}
	defer d.core.Release(adm)

	size, err := d.store.FileSize(ctx)
	if err != nil {
		return Stats{}, err
	}
	cacheStats := d.cache.Stats()

	var walBytes int64
	res, err := d.currentEngine().Execute(ctx, "PRAGMA wal_checkpoint(PASSIVE)", nil)
	if err == nil && len(res.Rows) == 1 && len(res.Rows[0]) >= 2 {
		if logFrames := res.Rows[0][1]; logFrames.Kind == sqlengine.KindInteger {
			walBytes = logFrames.Integer * int64(d.cfg.PageSize)
		}
	}

	return Stats{
		PageCount:   size / uint64(d.cfg.PageSize),
		CacheHits:   cacheStats.Hits,
		CacheMisses: cacheStats.Misses,
		WALBytes:    walBytes,
	}, nil
}
