package blockstore

import (
	"bytes"
	"context"
	"testing"

	"github.com/npiesco/absurder/internal/absurderr"
	"github.com/npiesco/absurder/internal/kv"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	backend := kv.NewMemBackend()
	s, err := backend.OpenStore(context.Background(), "blocks")
	require.NoError(t, err)
	return New(s, 4096)
}

func page(b byte) []byte {
	p := make([]byte, 4096)
	for i := range p {
		p[i] = b
	}
	return p
}

func TestReadBlockZeroFillWithinSize(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.WriteBlock(ctx, 2, page(0xAA)))

	b, err := s.ReadBlock(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, make([]byte, 4096), b)

	b, err = s.ReadBlock(ctx, 2)
	require.NoError(t, err)
	require.True(t, bytes.Equal(b, page(0xAA)))
}

func TestReadBlockPastEOF(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.WriteBlock(ctx, 0, page(0x01)))

	_, err := s.ReadBlock(ctx, 5)
	require.Error(t, err)
	require.Equal(t, absurderr.CodeNotFound, absurderr.CodeOf(err))
}

func TestWriteBlocksAtomicFileSize(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.WriteBlocks(ctx, []IndexedBlock{
		{Index: 0, Bytes: page(1)},
		{Index: 3, Bytes: page(2)},
	}))

	size, err := s.FileSize(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(4*4096), size)

	b, err := s.ReadBlock(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, make([]byte, 4096), b)
}

func TestWriteBlocksRejectsWrongLength(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	err := s.WriteBlocks(ctx, []IndexedBlock{{Index: 0, Bytes: []byte("short")}})
	require.Error(t, err)
	require.Equal(t, absurderr.CodeInvalidArgument, absurderr.CodeOf(err))

	size, err := s.FileSize(ctx)
	require.NoError(t, err)
	require.Zero(t, size, "a rejected write must not update file size")
}

func TestTruncate(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.WriteBlocks(ctx, []IndexedBlock{
		{Index: 0, Bytes: page(1)},
		{Index: 1, Bytes: page(2)},
		{Index: 2, Bytes: page(3)},
	}))

	require.NoError(t, s.Truncate(ctx, 1))

	size, err := s.FileSize(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(4096), size)

	b, err := s.ReadBlock(ctx, 0)
	require.NoError(t, err)
	require.True(t, bytes.Equal(b, page(1)))

	_, err = s.ReadBlock(ctx, 1)
	require.Error(t, err)
	require.Equal(t, absurderr.CodeNotFound, absurderr.CodeOf(err))
}

func TestReplaceAllDiscardsOldBlocks(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.WriteBlocks(ctx, []IndexedBlock{
		{Index: 0, Bytes: page(1)},
		{Index: 1, Bytes: page(2)},
		{Index: 2, Bytes: page(3)},
	}))

	require.NoError(t, s.ReplaceAll(ctx, []IndexedBlock{
		{Index: 0, Bytes: page(9)},
	}))

	size, err := s.FileSize(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(4096), size)

	b, err := s.ReadBlock(ctx, 0)
	require.NoError(t, err)
	require.True(t, bytes.Equal(b, page(9)))

	_, err = s.ReadBlock(ctx, 1)
	require.Error(t, err)
	require.Equal(t, absurderr.CodeNotFound, absurderr.CodeOf(err))
}
