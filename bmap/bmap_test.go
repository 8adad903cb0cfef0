package bmap_test

import (
	"testing"

	"github.com/go-babyfs/babyfs/alloc"
	"github.com/go-babyfs/babyfs/bmap"
	"github.com/go-babyfs/babyfs/block"
	"github.com/go-babyfs/babyfs/inode"
	"github.com/go-babyfs/babyfs/super"
	babyfstesting "github.com/go-babyfs/babyfs/testing"
)

// bitmapAdapter mirrors the fs package's alloc.BitmapSource adapter; kept
// local so bmap's tests don't need the higher-level fs package.
type bitmapAdapter struct {
	dev *block.Device
	sb  *super.Superblock
}

func (a *bitmapAdapter) DataBitmapBuffer(idx uint32) (*block.Buffer, error) {
	return a.dev.Read(a.sb.DataBitmapBase() + idx)
}
func (a *bitmapAdapter) ReleaseBitmapBuffer(buf *block.Buffer) { a.dev.Release(buf) }
func (a *bitmapAdapter) MarkBitmapDirty(buf *block.Buffer)     { a.dev.MarkDirty(buf) }
func (a *bitmapAdapter) NrBlocks() uint32                      { return a.sb.NrBlocks }
func (a *bitmapAdapter) LastBitmapBits() uint32                { return a.sb.LastBitmapBits }
func (a *bitmapAdapter) BitsPerBitmap() uint32                 { return super.BlockSize * 8 }
func (a *bitmapAdapter) AddFreeBlocks(delta int64)             { a.sb.AddFreeBlocks(delta) }
func (a *bitmapAdapter) ReservationTree() *alloc.ReservationTree { return a.sb.ReservationRoot }

// newTestMapper returns a Mapper over a blank device with totalBlocks data
// blocks available, plus a fresh regular-file inode ready for block mapping.
func newTestMapper(t *testing.T, totalBlocks uint32) (*bmap.Mapper, *inode.Inode, *block.Device) {
	t.Helper()
	dbmBlocks := super.DataBitmapBlocks(totalBlocks)
	dataBase := super.BlockInodeTable + super.InodeTableBlocks + dbmBlocks
	totalDeviceBlocks := dataBase + totalBlocks
	dev := babyfstesting.NewDevice(t, super.BlockSize, totalDeviceBlocks, nil)
	sb := super.NewFormatted(super.FormatOptions{TotalBlocks: totalBlocks})

	src := &bitmapAdapter{dev: dev, sb: sb}
	mapper := bmap.New(dev, sb, src)

	ino := &inode.Inode{Kind: inode.KindRegular, LastAllocLogical: -1, AllocInfo: alloc.InitBlockAllocInfo()}
	return mapper, ino, dev
}
