// Package testing holds fixture helpers shared by the babyfs package tests:
// random backing images, blank devices, and freshly formatted filesystems.
package testing

import (
	"crypto/rand"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"

	"github.com/go-babyfs/babyfs/block"
	"github.com/go-babyfs/babyfs/fs"
	"github.com/go-babyfs/babyfs/super"
)

// CreateRandomImage returns bytesPerBlock*totalBlocks random bytes. It is
// guaranteed to either return a valid slice or fail the test and abort.
func CreateRandomImage(bytesPerBlock, totalBlocks uint, t *testing.T) []byte {
	backingData := make([]byte, bytesPerBlock*totalBlocks)
	_, err := rand.Read(backingData)
	require.NoErrorf(t, err, "failed to initialize %d blocks of size %d with random bytes",
		totalBlocks, bytesPerBlock)
	return backingData
}

// NewDevice wraps backingData (or, if nil, a zero-filled buffer) in a
// block.Device of the given geometry.
func NewDevice(t *testing.T, blockSize, totalBlocks uint32, backingData []byte) *block.Device {
	t.Helper()
	if backingData == nil {
		backingData = make([]byte, uint64(blockSize)*uint64(totalBlocks))
	}
	require.Len(t, backingData, int(uint64(blockSize)*uint64(totalBlocks)), "backing data is the wrong size")
	stream := bytesextra.NewReadWriteSeeker(backingData)
	return block.NewDevice(stream, blockSize, totalBlocks)
}

// NewBackingStream returns a zero-filled stream sized to hold a formatted
// babyfs image of totalBlocks data blocks, along with the device block count
// Format needs.
func NewBackingStream(totalBlocks uint32) (io.ReadWriteSeeker, uint32) {
	dbmBlocks := super.DataBitmapBlocks(totalBlocks)
	dataBase := super.BlockInodeTable + super.InodeTableBlocks + dbmBlocks
	totalDeviceBlocks := dataBase + totalBlocks
	backing := make([]byte, uint64(super.BlockSize)*uint64(totalDeviceBlocks))
	return bytesextra.NewReadWriteSeeker(backing), totalDeviceBlocks
}

// NewFormattedFS formats and mounts a fresh babyfs image of totalBlocks data
// blocks backed entirely by memory, failing the test on any error.
func NewFormattedFS(t *testing.T, totalBlocks uint32) *fs.FS {
	t.Helper()
	stream, _ := NewBackingStream(totalBlocks)
	image, err := fs.Format(stream, totalBlocks)
	require.NoError(t, err)
	return image
}
