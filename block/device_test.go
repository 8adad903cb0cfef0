package block_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"

	"github.com/go-babyfs/babyfs"
	"github.com/go-babyfs/babyfs/block"
)

func newTestDevice(t *testing.T, blockSize, totalBlocks uint32) *block.Device {
	t.Helper()
	backing := make([]byte, uint64(blockSize)*uint64(totalBlocks))
	stream := bytesextra.NewReadWriteSeeker(backing)
	return block.NewDevice(stream, blockSize, totalBlocks)
}

func TestDevice_ReadZeroFilledImage(t *testing.T) {
	dev := newTestDevice(t, 1024, 16)

	buf, err := dev.Read(3)
	require.NoError(t, err)
	require.Len(t, buf.Data, 1024)
	for _, b := range buf.Data {
		require.Zero(t, b)
	}
	dev.Release(buf)
	require.Zero(t, dev.PinCount(3))
}

func TestDevice_WriteMarkDirtySyncRoundTrip(t *testing.T) {
	dev := newTestDevice(t, 1024, 16)

	buf, err := dev.GetOrCreate(5)
	require.NoError(t, err)
	copy(buf.Data, []byte("hello babyfs"))
	dev.MarkDirty(buf)
	require.NoError(t, dev.Sync(buf))
	dev.Release(buf)

	// A fresh read of the same device sees the flushed bytes.
	reread, err := dev.Read(5)
	require.NoError(t, err)
	require.Equal(t, []byte("hello babyfs"), reread.Data[:12])
	dev.Release(reread)
}

func TestDevice_PinCountTracksOutstandingReferences(t *testing.T) {
	dev := newTestDevice(t, 1024, 4)

	first, err := dev.Read(0)
	require.NoError(t, err)
	second, err := dev.Read(0)
	require.NoError(t, err)
	require.EqualValues(t, 2, dev.PinCount(0))

	dev.Release(first)
	require.EqualValues(t, 1, dev.PinCount(0))
	dev.Release(second)
	require.Zero(t, dev.PinCount(0))
}

func TestDevice_ReadOutOfBoundsReturnsIOError(t *testing.T) {
	dev := newTestDevice(t, 1024, 4)

	_, err := dev.Read(4)
	require.Error(t, err)
	require.True(t, errors.Is(err, babyfs.ErrIO))
}

func TestDevice_SyncAllFlushesOnlyDirtyBlocks(t *testing.T) {
	dev := newTestDevice(t, 1024, 4)

	clean, err := dev.GetOrCreate(1)
	require.NoError(t, err)
	dirty, err := dev.GetOrCreate(2)
	require.NoError(t, err)
	copy(dirty.Data, []byte("dirty"))
	dev.MarkDirty(dirty)

	require.NoError(t, dev.SyncAll())
	dev.Release(clean)
	dev.Release(dirty)

	reread, err := dev.Read(2)
	require.NoError(t, err)
	require.Equal(t, []byte("dirty"), reread.Data[:5])
	dev.Release(reread)
}
