// Package absurder is the public API surface for the browser-resident
// SQLite storage engine: open databases by name, execute SQL against
// them, coordinate across peers sharing one host, and export/import a
// byte-exact SQLite image (spec.md §4.10, C10).
package absurder

import (
	"context"
	"encoding/json"

	"github.com/npiesco/absurder/internal/config"
	"github.com/npiesco/absurder/internal/database"
	"github.com/npiesco/absurder/internal/hostenv"
	"github.com/npiesco/absurder/internal/kv"
	"github.com/npiesco/absurder/internal/registry"
)

// Engine is the process-wide entry point: one Backend, one Host, one
// Connection Registry shared by every database opened through it.
type Engine struct {
	backend kv.Backend
	host    hostenv.Host
	cfg     config.Config
	reg     *registry.Registry[*database.Database]
}

// New constructs an Engine over backend and host with cfg applied to
// every database opened through it.
func New(backend kv.Backend, host hostenv.Host, cfg config.Config) *Engine {
	return &Engine{backend: backend, host: host, cfg: cfg, reg: registry.New[*database.Database]()}
}

// Handle is the reference-counted connection returned by NewDatabase; its
// embedded *database.Database carries the full facade surface (Execute,
// Sync, ExportToFile, leadership, optimistic, and metrics methods).
// Close decrements the shared cell's refcount; the underlying engine is
// only torn down when the last Handle for a name closes (spec.md §4.6).
type Handle struct {
	*database.Database
	eng  *Engine
	name string
}

// Close releases this handle's reference. The underlying connection cell
// is torn down only when every handle for this name has closed.
func (h *Handle) Close() error { return h.eng.reg.Close(h.name) }

// NewDatabase opens name, constructing a fresh Connection Cell if none is
// live, or returning a new handle onto the existing one (spec.md §4.6).
func (e *Engine) NewDatabase(ctx context.Context, name string) (*Handle, error) {
	db, err := e.reg.Open(ctx, name, func(ctx context.Context) (*database.Database, error) {
		return database.New(ctx, database.Options{Name: name, Backend: e.backend, Host: e.host, Config: e.cfg})
	})
	if err != nil {
		return nil, err
	}
	return &Handle{Database: db, eng: e, name: name}, nil
}

// ForceCloseConnection removes name's cell regardless of refcount,
// reserved for test cleanup and DeleteDatabase (spec.md §4.6).
func (e *Engine) ForceCloseConnection(name string) error {
	return e.reg.ForceClose(name)
}

// DatabaseInfo summarises one entry from get_all_databases.
type DatabaseInfo struct {
	Name         string `json:"name"`
	CreatedAt    string `json:"created_at"`
	LastOpenedAt string `json:"last_opened_at"`
	Keys         int    `json:"keys"`
	Bytes        int64  `json:"bytes"`
}

const registryStoreName = "absurder_registry"

// GetAllDatabases reads the global registry store and reports each known
// database's creation/open timestamps plus its block store's size
// (spec.md §4.10; per-database size is the supplemental Stats()
// extension C1 describes).
func (e *Engine) GetAllDatabases(ctx context.Context) ([]DatabaseInfo, error) {
	store, err := e.backend.OpenStore(ctx, registryStoreName)
	if err != nil {
		return nil, err
	}
	entries, err := store.Range(ctx, nil, nil)
	if err != nil {
		return nil, err
	}

	out := make([]DatabaseInfo, 0, len(entries))
	for _, entry := range entries {
		var rec database.RegistryRecord
		if json.Unmarshal(entry.Value, &rec) != nil {
			continue
		}
		name := string(entry.Key)
		info := DatabaseInfo{
			Name:         name,
			CreatedAt:    rec.CreatedAt.Format(rfc3339Milli),
			LastOpenedAt: rec.LastOpenedAt.Format(rfc3339Milli),
		}
		if blocksStore, err := e.backend.OpenStore(ctx, "absurder_"+name+"_blocks"); err == nil {
			info.Keys, info.Bytes, _ = blocksStore.Stats(ctx)
		}
		out = append(out, info)
	}
	return out, nil
}

const rfc3339Milli = "2006-01-02T15:04:05.000Z07:00"

// DeleteDatabase requires name's cell be Closed or absent, then drops
// every block and metadata key and removes the registry entry (spec.md
// §4.6).
func (e *Engine) DeleteDatabase(ctx context.Context, name string) error {
	if err := e.reg.RequireAbsentOrClosed(name); err != nil {
		return err
	}

	for _, storeName := range []string{"absurder_" + name + "_blocks", "absurder_" + name + "_meta"} {
		store, err := e.backend.OpenStore(ctx, storeName)
		if err != nil {
			return err
		}
		entries, err := store.Range(ctx, nil, nil)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if err := store.Delete(ctx, entry.Key); err != nil {
				return err
			}
		}
	}

	registryStore, err := e.backend.OpenStore(ctx, registryStoreName)
	if err != nil {
		return err
	}
	return registryStore.Delete(ctx, []byte(name))
}

// Close releases resources the Engine itself owns: the Host (NATS
// connection/server, bbolt file for a Networked host) and the Backend.
// Databases must be closed individually first; Close does not force them.
func (e *Engine) Close() error {
	if err := e.host.Close(); err != nil {
		return err
	}
	return e.backend.Close()
}
