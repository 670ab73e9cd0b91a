package database

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/npiesco/absurder/internal/absurderr"
	"github.com/npiesco/absurder/internal/blockcache"
	"github.com/npiesco/absurder/internal/blockstore"
	"github.com/npiesco/absurder/internal/config"
	"github.com/npiesco/absurder/internal/coordinator"
	"github.com/npiesco/absurder/internal/exportimport"
	"github.com/npiesco/absurder/internal/hostenv"
	"github.com/npiesco/absurder/internal/kv"
	"github.com/npiesco/absurder/internal/lifecycle"
	"github.com/npiesco/absurder/internal/sqlengine"
)

const op = "database"

const schemaVersion = 1

// metaPageSizeKey/metaSchemaVersionKey are the keys spec.md §6's
// absurder_<db>_meta store records; this implementation keeps them in a
// store separate from the blocks store (which already tracks file_size
// internally, see blockstore.Store), so every layout spec.md §6 names has
// a concrete backing key.
var (
	metaPageSizeKey      = []byte("page_size")
	metaSchemaVersionKey = []byte("schema_version")
)

// Options configures a Database cell. Name, Backend and Host are required;
// a Config whose PageSize is zero is replaced by config.Default(), and an
// empty InstanceID by a fresh UUID.
type Options struct {
	Name    string
	Backend kv.Backend
	Host    hostenv.Host
	Config  config.Config

	InstanceID string
}

// RegistryRecord is the value stored under a database's name in the
// global absurder_registry store (spec.md §6), exported so the root
// facade's get_all_databases can decode it directly.
type RegistryRecord struct {
	CreatedAt    time.Time `json:"created_at"`
	LastOpenedAt time.Time `json:"last_opened_at"`
}

// Database is one connection cell: lifecycle state machine, block
// cache/store, SQL engine, and coordinator wired together under a single
// gated facade (spec.md §4.10, C10).
type Database struct {
	name string
	cfg  config.Config

	core *lifecycle.Core

	blocksStore kv.Store
	metaStore   kv.Store
	registryStore kv.Store
	backupStore kv.Store

	store *blockstore.Store
	cache *blockcache.Cache

	engineMu sync.RWMutex
	engine   *sqlengine.Engine

	importing sync.Mutex // held for the duration of import_from_file

	coord *coordinator.Coordinator
}

// engineExecutor forwards Executor calls to whatever *sqlengine.Engine is
// currently installed on d, so the Coordinator (constructed once, before
// the first engine swap a future import_from_file performs) never holds a
// stale pointer.
type engineExecutor struct{ d *Database }

func (e engineExecutor) Execute(ctx context.Context, sql string, params []sqlengine.ColumnValue) (sqlengine.Result, error) {
	return e.d.currentEngine().Execute(ctx, sql, params)
}

func (d *Database) currentEngine() *sqlengine.Engine {
	d.engineMu.RLock()
	defer d.engineMu.RUnlock()
	return d.engine
}

// New constructs, opens, and joins the coordination group for opts.Name,
// transitioning the cell Initializing -> Live exactly as spec.md §4.6
// describes. Callers reach this only through the Connection Registry.
func New(ctx context.Context, opts Options) (*Database, error) {
	if opts.Name == "" {
		return nil, absurderr.New(op, absurderr.CodeInvalidArgument, nil)
	}
	if opts.InstanceID == "" {
		opts.InstanceID = uuid.NewString()
	}
	cfg := opts.Config
	if cfg.PageSize == 0 {
		cfg = config.Default()
	}

	blocksStore, err := opts.Backend.OpenStore(ctx, "absurder_"+opts.Name+"_blocks")
	if err != nil {
		return nil, err
	}
	metaStore, err := opts.Backend.OpenStore(ctx, "absurder_"+opts.Name+"_meta")
	if err != nil {
		return nil, err
	}
	registryStore, err := opts.Backend.OpenStore(ctx, "absurder_registry")
	if err != nil {
		return nil, err
	}
	backupStore, err := opts.Backend.OpenStore(ctx, "absurder_backup")
	if err != nil {
		return nil, err
	}

	if err := checkOrWriteMeta(ctx, metaStore, cfg.PageSize); err != nil {
		return nil, err
	}

	bs := blockstore.New(blocksStore, cfg.PageSize)
	cache := blockcache.New(bs, cfg.CacheBlocks)
	vfsCatalog.register(opts.Name, cache, bs)

	engine, err := sqlengine.Open(opts.Name)
	if err != nil {
		vfsCatalog.unregister(opts.Name)
		return nil, err
	}

	d := &Database{
		name:          opts.Name,
		cfg:           cfg,
		core:          lifecycle.New(),
		blocksStore:   blocksStore,
		metaStore:     metaStore,
		registryStore: registryStore,
		backupStore:   backupStore,
		store:         bs,
		cache:         cache,
		engine:        engine,
	}

	d.coord = coordinator.New(coordinator.Options{
		DBName:               opts.Name,
		InstanceID:           opts.InstanceID,
		Host:                 opts.Host,
		Executor:             engineExecutor{d: d},
		HeartbeatInterval:    cfg.HeartbeatInterval,
		LeaderTimeout:        cfg.LeaderTimeout,
		WriteForwardTimeout:  cfg.WriteForwardTimeout,
		AllowNonLeaderWrites: cfg.AllowNonLeaderWrites,
	})
	d.coord.OnDataChange(func(ev coordinator.ChangeEvent) {
		if ev.FromInstance != opts.InstanceID {
			d.cache.Invalidate(d.name)
		}
	})
	if err := d.coord.Start(ctx); err != nil {
		_ = engine.Close()
		vfsCatalog.unregister(opts.Name)
		return nil, err
	}
	d.coord.EnableOptimisticUpdates(cfg.OptimisticUpdates)
	d.coord.EnableCoordinationMetrics(cfg.CoordinationMetrics)

	_ = touchRegistry(ctx, registryStore, opts.Name)

	d.core.MarkLive()
	return d, nil
}

func checkOrWriteMeta(ctx context.Context, metaStore kv.Store, pageSize int) error {
	v, ok, err := metaStore.Get(ctx, metaPageSizeKey)
	if err != nil {
		return err
	}
	if !ok {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(pageSize))
		if err := metaStore.Put(ctx, metaPageSizeKey, b[:]); err != nil {
			return err
		}
		var sv [4]byte
		binary.BigEndian.PutUint32(sv[:], schemaVersion)
		return metaStore.Put(ctx, metaSchemaVersionKey, sv[:])
	}
	if int(binary.BigEndian.Uint32(v)) != pageSize {
		return absurderr.New(op, absurderr.CodeCorrupt, nil)
	}
	return nil
}

func touchRegistry(ctx context.Context, registryStore kv.Store, name string) error {
	now := time.Now()
	rec := RegistryRecord{CreatedAt: now, LastOpenedAt: now}
	if v, ok, err := registryStore.Get(ctx, []byte(name)); err == nil && ok {
		var existing RegistryRecord
		if json.Unmarshal(v, &existing) == nil {
			rec.CreatedAt = existing.CreatedAt
		}
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return registryStore.Put(ctx, []byte(name), b)
}

// Close runs the teardown sequence exactly as spec.md §4.7 prescribes:
// drain, unsubscribe, checkpoint, close the engine, release the VFS
// catalog entry.
func (d *Database) Close() error {
	if !d.core.BeginDrain() {
		return nil
	}
	_ = d.coord.Stop()
	d.core.WaitDrained()

	d.cache.Invalidate(d.name)
	_ = d.currentEngine().Checkpoint(context.Background())
	_ = d.currentEngine().Close()
	vfsCatalog.unregister(d.name)

	d.core.MarkClosed()
	return nil
}

// Name returns the logical database name this cell was opened under.
func (d *Database) Name() string { return d.name }
