// Package blockstore translates between page-index space and the KV
// substrate (spec.md §4.2, C2). Each Database gets its own blocks store,
// keyed by an 8-byte big-endian block index so kv.Store.Range returns
// blocks in file order, plus a single metadata key tracking file size.
package blockstore

import (
	"context"
	"encoding/binary"

	"github.com/npiesco/absurder/internal/absurderr"
	"github.com/npiesco/absurder/internal/kv"
)

const op = "blockstore"

// sizeKey is the metadata key holding the file's current size in bytes.
// It never collides with a block-index key because block keys are always
// 8 bytes and this one is distinguishable by a leading sentinel byte.
var sizeKey = []byte{0xff, 'f', 'i', 'l', 'e', '_', 's', 'i', 'z', 'e'}

// Store owns one database's blocks inside a shared kv.Store.
type Store struct {
	kv       kv.Store
	pageSize int
}

// New wraps a kv.Store (already opened for this database's name) with
// block-addressed access at the given page size.
func New(store kv.Store, pageSize int) *Store {
	return &Store{kv: store, pageSize: pageSize}
}

func blockKey(i uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], i)
	return b[:]
}

// ReadBlock returns the page_size bytes at block index i, zero-filled if
// the block was never written but falls within the file's current size,
// per spec.md §4.2.
func (s *Store) ReadBlock(ctx context.Context, i uint64) ([]byte, error) {
	v, ok, err := s.kv.Get(ctx, blockKey(i))
	if err != nil {
		return nil, absurderr.IoError(op, absurderr.IoBackend, err)
	}
	if ok {
		return v, nil
	}
	size, err := s.fileSize(ctx)
	if err != nil {
		return nil, err
	}
	if i*uint64(s.pageSize) >= size {
		return nil, absurderr.New(op, absurderr.CodeNotFound, nil)
	}
	return make([]byte, s.pageSize), nil
}

// WriteBlock writes a single block and updates file size atomically.
func (s *Store) WriteBlock(ctx context.Context, i uint64, b []byte) error {
	return s.WriteBlocks(ctx, []IndexedBlock{{Index: i, Bytes: b}})
}

// IndexedBlock pairs a block index with its bytes for a batched write.
type IndexedBlock struct {
	Index uint64
	Bytes []byte
}

// WriteBlocks commits every block in one KV write transaction, updating
// file size in the same transaction so readers never observe a size that
// doesn't match the highest written block (spec.md §4.2 invariant).
func (s *Store) WriteBlocks(ctx context.Context, blocks []IndexedBlock) error {
	if len(blocks) == 0 {
		return nil
	}
	for _, blk := range blocks {
		if len(blk.Bytes) != s.pageSize {
			return absurderr.New(op, absurderr.CodeInvalidArgument, nil)
		}
	}
	err := s.kv.Update(ctx, func(tx kv.Tx) error {
		size, err := readSizeTx(tx)
		if err != nil {
			return err
		}
		for _, blk := range blocks {
			if len(blk.Bytes) != s.pageSize {
				return absurderr.New(op, absurderr.CodeInvalidArgument, nil)
			}
			if err := tx.Put(blockKey(blk.Index), blk.Bytes); err != nil {
				return err
			}
			end := (blk.Index + 1) * uint64(s.pageSize)
			if end > size {
				size = end
			}
		}
		return writeSizeTx(tx, size)
	})
	if err != nil {
		return absurderr.IoError(op, absurderr.IoBackend, err)
	}
	return nil
}

// Truncate deletes every block with index >= newBlockCount and updates
// file size to newBlockCount * page_size.
func (s *Store) Truncate(ctx context.Context, newBlockCount uint64) error {
	err := s.kv.Update(ctx, func(tx kv.Tx) error {
		entries, err := tx.Range(blockKey(newBlockCount), nil)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if len(e.Key) != 8 {
				continue // the size metadata key can fall in this range; block keys are always 8 bytes
			}
			if err := tx.Delete(e.Key); err != nil {
				return err
			}
		}
		return writeSizeTx(tx, newBlockCount*uint64(s.pageSize))
	})
	if err != nil {
		return absurderr.IoError(op, absurderr.IoBackend, err)
	}
	return nil
}

// FileSize returns the database's current file size in bytes.
func (s *Store) FileSize(ctx context.Context) (uint64, error) {
	return s.fileSize(ctx)
}

// ReplaceAll atomically discards every existing block and installs
// blocks in its place, in one KV write transaction, updating file size to
// match. This is the operation import_from_file needs (spec.md §4.9 step
// 3): delete-all and insert-new must be indivisible, or a crash between
// them would leave the database with neither the old nor the new image.
func (s *Store) ReplaceAll(ctx context.Context, blocks []IndexedBlock) error {
	err := s.kv.Update(ctx, func(tx kv.Tx) error {
		entries, err := tx.Range(nil, nil)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if len(e.Key) != 8 {
				continue
			}
			if err := tx.Delete(e.Key); err != nil {
				return err
			}
		}

		var size uint64
		for _, blk := range blocks {
			if len(blk.Bytes) != s.pageSize {
				return absurderr.New(op, absurderr.CodeInvalidArgument, nil)
			}
			if err := tx.Put(blockKey(blk.Index), blk.Bytes); err != nil {
				return err
			}
			end := (blk.Index + 1) * uint64(s.pageSize)
			if end > size {
				size = end
			}
		}
		return writeSizeTx(tx, size)
	})
	if err != nil {
		return absurderr.IoError(op, absurderr.IoBackend, err)
	}
	return nil
}

func (s *Store) fileSize(ctx context.Context) (uint64, error) {
	v, ok, err := s.kv.Get(ctx, sizeKey)
	if err != nil {
		return 0, absurderr.IoError(op, absurderr.IoBackend, err)
	}
	if !ok {
		return 0, nil
	}
	return binary.BigEndian.Uint64(v), nil
}

func readSizeTx(tx kv.Tx) (uint64, error) {
	v, ok, err := tx.Get(sizeKey)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return binary.BigEndian.Uint64(v), nil
}

func writeSizeTx(tx kv.Tx, size uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], size)
	return tx.Put(sizeKey, b[:])
}
