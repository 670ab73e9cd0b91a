// Package sqlitevfs implements the page-level I/O contract
// github.com/ncruces/go-sqlite3 expects from a storage substrate
// (spec.md §4.4, C4), backed by a blockcache.Cache per open file. Locking
// collapses to in-process exclusion: C6's connection registry already
// guarantees at most one opener per database name, and C8's coordinator
// guarantees at most one writer across peers, so the VFS itself never has
// to arbitrate.
package sqlitevfs

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ncruces/go-sqlite3/vfs"

	"github.com/npiesco/absurder/internal/absurderr"
	"github.com/npiesco/absurder/internal/blockcache"
	"github.com/npiesco/absurder/internal/blockstore"
)

const op = "sqlitevfs"

// Name is the scheme this VFS registers under; DSNs open databases with
// "vfs=absurder" to route through it.
const Name = "absurder"

var registerOnce sync.Once

// Register installs the VFS under Name exactly once per process. Opener
// resolves a logical database name to its Cache; it is consulted on every
// Open call, which lets the registry add and remove databases over the
// VFS's lifetime without re-registering.
func Register(opener Opener) {
	registerOnce.Do(func() {
		vfs.Register(Name, &VFS{opener: opener})
	})
}

// Opener resolves a database name (as passed in the DSN path) to the
// backing cache it should read and write through.
type Opener interface {
	Open(name string) (*blockcache.Cache, *blockstore.Store, bool)
}

// VFS adapts the page-oriented calls go-sqlite3 makes into Cache/Store
// operations. One VFS instance serves every database opened under Name.
type VFS struct {
	opener Opener
	log    *slog.Logger
}

var _ vfs.VFS = (*VFS)(nil)

func (v *VFS) logger() *slog.Logger {
	if v.log != nil {
		return v.log
	}
	return slog.Default()
}

// Open resolves name to its Cache/Store pair and hands back a File handle.
// Multiple opens of the same logical name are expected to return distinct
// handles sharing the same underlying Cache — C6 is what prevents two live
// Database cells for one name, not this method.
func (v *VFS) Open(name string, flags vfs.OpenFlag) (vfs.File, vfs.OpenFlag, error) {
	cache, store, ok := v.opener.Open(name)
	if !ok {
		return nil, flags, absurderr.New(op, absurderr.CodeNotFound, nil)
	}
	f := &File{name: name, cache: cache, store: store, pageSize: 4096, log: v.logger()}
	return f, flags | vfs.OpenExclusive, nil
}

// Delete is a no-op: database removal goes through the registry's
// DeleteDatabase, which drops every block directly via the block store.
func (v *VFS) Delete(name string, syncDir bool) error {
	return nil
}

// Access reports whether name is known to the opener. The SQL engine uses
// this mainly to probe for journal/WAL sidecar files, which this VFS
// folds into the main file's block space, so they never independently
// "exist".
func (v *VFS) Access(name string, flag vfs.AccessFlag) (bool, error) {
	_, _, ok := v.opener.Open(name)
	return ok, nil
}

func (v *VFS) FullPathname(name string) (string, error) {
	return name, nil
}

// File is the per-open handle. offset/length windows are translated to
// block ranges and served through Cache; writes batch every touched block
// into one call so partial head/tail blocks are read-modify-written
// consistently (spec.md §4.4 ordering guarantee).
type File struct {
	mu       sync.Mutex
	name     string
	cache    *blockcache.Cache
	store    *blockstore.Store
	pageSize int
	locked   bool
	log      *slog.Logger
}

var _ vfs.File = (*File)(nil)

func (f *File) Close() error {
	return nil
}

func (f *File) ReadAt(p []byte, off int64) (int, error) {
	ctx := context.Background()
	n := 0
	for n < len(p) {
		blockIndex := uint64(off+int64(n)) / uint64(f.pageSize)
		blockOff := int(uint64(off+int64(n)) % uint64(f.pageSize))
		b, err := f.cache.ReadBlock(ctx, blockIndex)
		if err != nil {
			if absurderr.CodeOf(err) == absurderr.CodeNotFound {
				// Past EOF: zero the remainder and report the full length,
				// so a read beyond the file's current size yields zeros up
				// to the requested length.
				for i := n; i < len(p); i++ {
					p[i] = 0
				}
				return len(p), nil
			}
			return n, err
		}
		copied := copy(p[n:], b[blockOff:])
		n += copied
	}
	return n, nil
}

func (f *File) WriteAt(p []byte, off int64) (int, error) {
	ctx := context.Background()
	f.mu.Lock()
	defer f.mu.Unlock()

	firstBlock := uint64(off) / uint64(f.pageSize)
	lastBlock := uint64(off+int64(len(p))-1) / uint64(f.pageSize)

	blocks := make([]blockstore.IndexedBlock, 0, lastBlock-firstBlock+1)
	for bi := firstBlock; bi <= lastBlock; bi++ {
		page, err := f.cache.ReadBlock(ctx, bi)
		if err != nil && absurderr.CodeOf(err) != absurderr.CodeNotFound {
			return 0, err
		}
		if err != nil {
			page = make([]byte, f.pageSize)
		} else {
			page = append([]byte(nil), page...)
		}

		blockStart := int64(bi) * int64(f.pageSize)
		srcStart := blockStart - off
		dstStart := int64(0)
		if srcStart < 0 {
			dstStart = -srcStart
			srcStart = 0
		}
		n := copy(page[dstStart:], p[srcStart:])
		_ = n
		blocks = append(blocks, blockstore.IndexedBlock{Index: bi, Bytes: page})
	}

	if err := f.cache.WriteBlocks(ctx, blocks); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (f *File) Truncate(size int64) error {
	ctx := context.Background()
	newBlockCount := uint64(size) / uint64(f.pageSize)
	if uint64(size)%uint64(f.pageSize) != 0 {
		newBlockCount++
	}
	if err := f.store.Truncate(ctx, newBlockCount); err != nil {
		return err
	}
	f.cache.Invalidate(f.name)
	return nil
}

func (f *File) Sync(flag vfs.SyncFlag) error {
	// Every write is already committed through Cache/Store by the time
	// WriteAt returns; there is no separate flush buffer to drain here.
	return nil
}

func (f *File) Size() (int64, error) {
	size, err := f.store.FileSize(context.Background())
	if err != nil {
		return 0, err
	}
	return int64(size), nil
}

func (f *File) Lock(lock vfs.LockLevel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locked = lock >= vfs.LockReserved
	return nil
}

func (f *File) Unlock(lock vfs.LockLevel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if lock == vfs.LockNone {
		f.locked = false
	}
	return nil
}

func (f *File) CheckReservedLock() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.locked, nil
}

func (f *File) SectorSize() int {
	return f.pageSize
}

func (f *File) DeviceCharacteristics() vfs.DeviceCharacteristic {
	return vfs.IOCAP_ATOMIC | vfs.IOCAP_SAFE_APPEND | vfs.IOCAP_SEQUENTIAL
}
