package sqlitevfs

import (
	"bytes"
	"context"
	"testing"

	"github.com/npiesco/absurder/internal/blockcache"
	"github.com/npiesco/absurder/internal/blockstore"
	"github.com/npiesco/absurder/internal/kv"
	"github.com/stretchr/testify/require"
)

func newFile(t *testing.T) *File {
	t.Helper()
	backend := kv.NewMemBackend()
	s, err := backend.OpenStore(context.Background(), "blocks")
	require.NoError(t, err)
	bs := blockstore.New(s, 4096)
	c := blockcache.New(bs, 8)
	return &File{name: "test", cache: c, store: bs, pageSize: 4096}
}

func TestFileWriteReadRoundTrip(t *testing.T) {
	f := newFile(t)

	payload := bytes.Repeat([]byte{0x5A}, 100)
	n, err := f.WriteAt(payload, 4096+10)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	out := make([]byte, len(payload))
	n, err = f.ReadAt(out, 4096+10)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.True(t, bytes.Equal(out, payload))
}

func TestFileWriteSpansMultipleBlocks(t *testing.T) {
	f := newFile(t)

	payload := bytes.Repeat([]byte{0x11}, 4096*2+50)
	_, err := f.WriteAt(payload, 4000)
	require.NoError(t, err)

	out := make([]byte, len(payload))
	_, err = f.ReadAt(out, 4000)
	require.NoError(t, err)
	require.True(t, bytes.Equal(out, payload))
}

func TestFileReadPastEOFReturnsZeros(t *testing.T) {
	f := newFile(t)

	out := make([]byte, 16)
	for i := range out {
		out[i] = 0xFF
	}
	n, err := f.ReadAt(out, 0)
	require.NoError(t, err)
	require.Equal(t, len(out), n)
	require.Equal(t, make([]byte, 16), out)
}

func TestFileSizeTracksWrites(t *testing.T) {
	f := newFile(t)

	_, err := f.WriteAt(bytes.Repeat([]byte{1}, 10), 4096*3)
	require.NoError(t, err)

	size, err := f.Size()
	require.NoError(t, err)
	require.Equal(t, int64(4096*4), size)
}

func TestFileTruncate(t *testing.T) {
	f := newFile(t)

	_, err := f.WriteAt(bytes.Repeat([]byte{1}, 4096*3), 0)
	require.NoError(t, err)

	require.NoError(t, f.Truncate(4096))

	size, err := f.Size()
	require.NoError(t, err)
	require.Equal(t, int64(4096), size)
}

func TestFileLockUnlock(t *testing.T) {
	f := newFile(t)

	ok, err := f.CheckReservedLock()
	require.NoError(t, err)
	require.False(t, ok)
}
