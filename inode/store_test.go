package inode_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-babyfs/babyfs"
	"github.com/go-babyfs/babyfs/alloc"
	"github.com/go-babyfs/babyfs/block"
	"github.com/go-babyfs/babyfs/inode"
	"github.com/go-babyfs/babyfs/super"
	babyfstesting "github.com/go-babyfs/babyfs/testing"
)

// bitmapAdapter mirrors the fs package's alloc.BitmapSource adapter, kept
// local so inode's own tests don't need to import the higher-level fs
// package just to exercise eviction's reservation-discard path.
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

func newTestStore(t *testing.T, totalBlocks uint32) *inode.Store {
	t.Helper()
	dbmBlocks := super.DataBitmapBlocks(totalBlocks)
	dataBase := super.BlockInodeTable + super.InodeTableBlocks + dbmBlocks
	totalDeviceBlocks := dataBase + totalBlocks
	dev := babyfstesting.NewDevice(t, super.BlockSize, totalDeviceBlocks, nil)
	sb := super.NewFormatted(super.FormatOptions{TotalBlocks: totalBlocks})

	store := inode.New(dev, sb)
	store.SetBitmapSource(&bitmapAdapter{dev: dev, sb: sb})
	store.SetReleaseAllBlocks(func(ino *inode.Inode) error { return nil })
	return store
}

func TestStore_NewInodeClaimsDistinctNumbers(t *testing.T) {
	store := newTestStore(t, 64)

	a, err := store.NewInode(0, 0, babyfs.S_IFREG|0o644)
	require.NoError(t, err)
	b, err := store.NewInode(0, 0, babyfs.S_IFREG|0o644)
	require.NoError(t, err)

	require.NotEqual(t, a.Ino, b.Ino)
	require.True(t, a.IsRegular())
	require.NotNil(t, a.AllocInfo)
}

func TestStore_WriteGetRoundTrip(t *testing.T) {
	store := newTestStore(t, 64)

	created, err := store.NewInode(7, 9, babyfs.S_IFREG|0o640)
	require.NoError(t, err)
	created.Size = 4096
	created.Nlink = 2
	require.NoError(t, store.Write(created, true))
	require.NoError(t, store.Release(created))

	got, gerr := store.Get(created.Ino)
	require.NoError(t, gerr)
	require.EqualValues(t, 4096, got.Size)
	require.EqualValues(t, 2, got.Nlink)
	require.EqualValues(t, 7, got.Uid)
	require.EqualValues(t, 9, got.Gid)
}

func TestStore_GetCachesWhileReferenced(t *testing.T) {
	store := newTestStore(t, 64)

	created, err := store.NewInode(0, 0, babyfs.S_IFREG|0o644)
	require.NoError(t, err)
	require.NoError(t, store.Write(created, true))

	first, err := store.Get(created.Ino)
	require.NoError(t, err)
	second, err := store.Get(created.Ino)
	require.NoError(t, err)
	require.Same(t, first, second, "concurrent Get calls on a live inode must return the same cached object")

	require.NoError(t, store.Release(second))
	require.NoError(t, store.Release(first))
}

func TestStore_EvictFreesInodeBitmapBitOnZeroLinks(t *testing.T) {
	store := newTestStore(t, 64)

	created, err := store.NewInode(0, 0, babyfs.S_IFREG|0o644)
	require.NoError(t, err)
	ino := created.Ino
	created.Nlink = 0
	require.NoError(t, store.Write(created, true))
	require.NoError(t, store.Release(created))

	again, cerr := store.NewInode(0, 0, babyfs.S_IFREG|0o644)
	require.NoError(t, cerr)
	require.EqualValues(t, ino, again.Ino, "freed inode number must be reclaimable")
}
