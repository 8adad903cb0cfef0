package fs

import (
	"github.com/go-babyfs/babyfs/alloc"
	"github.com/go-babyfs/babyfs/block"
	"github.com/go-babyfs/babyfs/super"
)

// bitmapAdapter implements alloc.BitmapSource over a superblock and its
// backing device, translating logical data-bitmap indices into physical
// block numbers in the data-bitmap region (§6's "block nr_dstore_blocks -
// nr_bfree_blocks .." layout).
type bitmapAdapter struct {
	dev *block.Device
	sb  *super.Superblock
}

func newBitmapAdapter(dev *block.Device, sb *super.Superblock) *bitmapAdapter {
	return &bitmapAdapter{dev: dev, sb: sb}
}

func (a *bitmapAdapter) DataBitmapBuffer(bitmapIndex uint32) (*block.Buffer, error) {
	return a.dev.Read(a.sb.DataBitmapBase() + bitmapIndex)
}

func (a *bitmapAdapter) ReleaseBitmapBuffer(buf *block.Buffer) {
	a.dev.Release(buf)
}

func (a *bitmapAdapter) MarkBitmapDirty(buf *block.Buffer) {
	a.dev.MarkDirty(buf)
}

func (a *bitmapAdapter) NrBlocks() uint32 {
	return a.sb.NrBlocks
}

func (a *bitmapAdapter) LastBitmapBits() uint32 {
	return a.sb.LastBitmapBits
}

func (a *bitmapAdapter) BitsPerBitmap() uint32 {
	return super.BlockSize * 8
}

func (a *bitmapAdapter) AddFreeBlocks(delta int64) {
	a.sb.AddFreeBlocks(delta)
}

func (a *bitmapAdapter) ReservationTree() *alloc.ReservationTree {
	return a.sb.ReservationRoot
}
