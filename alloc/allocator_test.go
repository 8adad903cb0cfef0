package alloc_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-babyfs/babyfs"
	"github.com/go-babyfs/babyfs/alloc"
	"github.com/go-babyfs/babyfs/block"
	babyfstesting "github.com/go-babyfs/babyfs/testing"
)

// fakeSource implements alloc.BitmapSource directly over a block.Device, for
// allocator tests that don't need a full mounted filesystem.
type fakeSource struct {
	dev      *block.Device
	nrBlocks uint32
	lastBits uint32
	tree     *alloc.ReservationTree
	freeLeft int64
}

const bitsPerBitmap = 1024 * 8

func newFakeSource(t *testing.T, nrBlocks uint32) *fakeSource {
	t.Helper()
	bitmapBlocks := (nrBlocks + bitsPerBitmap - 1) / bitsPerBitmap
	dev := babyfstesting.NewDevice(t, 1024, bitmapBlocks, nil)
	last := nrBlocks % bitsPerBitmap
	if last == 0 {
		last = bitsPerBitmap
	}
	return &fakeSource{dev: dev, nrBlocks: nrBlocks, lastBits: last, tree: alloc.NewReservationTree(), freeLeft: int64(nrBlocks)}
}

func (f *fakeSource) DataBitmapBuffer(idx uint32) (*block.Buffer, error) { return f.dev.Read(idx) }
func (f *fakeSource) ReleaseBitmapBuffer(buf *block.Buffer)              { f.dev.Release(buf) }
func (f *fakeSource) MarkBitmapDirty(buf *block.Buffer)                  { f.dev.MarkDirty(buf) }
func (f *fakeSource) NrBlocks() uint32                                   { return f.nrBlocks }
func (f *fakeSource) LastBitmapBits() uint32                             { return f.lastBits }
func (f *fakeSource) BitsPerBitmap() uint32                              { return bitsPerBitmap }
func (f *fakeSource) AddFreeBlocks(delta int64)                          { f.freeLeft += delta }
func (f *fakeSource) ReservationTree() *alloc.ReservationTree            { return f.tree }

func TestNewBlocks_TwoFilesGetNonOverlappingAdjacentWindows(t *testing.T) {
	src := newFakeSource(t, 4096)

	rsv1 := alloc.InitBlockAllocInfo()
	first1, actual1, err := alloc.NewBlocks(src, 0, rsv1, 0, 4)
	require.NoError(t, err)
	require.EqualValues(t, 4, actual1)
	require.EqualValues(t, rsv1.Start, first1)

	rsv2 := alloc.InitBlockAllocInfo()
	first2, actual2, err := alloc.NewBlocks(src, 0, rsv2, 0, 4)
	require.NoError(t, err)
	require.EqualValues(t, 4, actual2)
	require.EqualValues(t, rsv2.Start, first2)

	require.False(t, rsv1.Start <= rsv2.Start && rsv2.Start <= rsv1.End && rsv1.Start != rsv2.Start+1,
		"windows must not overlap")
	require.Less(t, rsv1.End, rsv2.Start, "second file's window must start after the first's")
	require.EqualValues(t, rsv1.End+1, rsv2.Start)
}

func TestNewBlocks_ExhaustsSpaceReturnsErrNoSpace(t *testing.T) {
	src := newFakeSource(t, 4)
	rsv := alloc.InitBlockAllocInfo()

	_, actual, err := alloc.NewBlocks(src, 0, rsv, 0, 4)
	require.NoError(t, err)
	require.EqualValues(t, 4, actual)

	rsv2 := alloc.InitBlockAllocInfo()
	_, _, err = alloc.NewBlocks(src, 0, rsv2, 0, 1)
	require.Error(t, err)
	require.ErrorIs(t, err, babyfs.ErrNoSpace)
}

func TestFreeBlocks_ReturnsBitsAndCounter(t *testing.T) {
	src := newFakeSource(t, 64)
	rsv := alloc.InitBlockAllocInfo()

	first, actual, err := alloc.NewBlocks(src, 0, rsv, 0, 8)
	require.NoError(t, err)
	require.EqualValues(t, 8, actual)

	before := src.freeLeft
	ferr := alloc.FreeBlocks(src, first, actual)
	require.NoError(t, ferr)
	require.EqualValues(t, before+int64(actual), src.freeLeft)

	// Blocks are free again: a fresh allocation can reclaim them.
	rsv2 := alloc.InitBlockAllocInfo()
	first2, actual2, err := alloc.NewBlocks(src, 0, rsv2, 0, 8)
	require.NoError(t, err)
	require.EqualValues(t, 8, actual2)
	require.EqualValues(t, first, first2)
}

func TestDiscardReservation_ResetsGoalSizeAndUnlinks(t *testing.T) {
	src := newFakeSource(t, 64)
	rsv := alloc.InitBlockAllocInfo()

	_, _, err := alloc.NewBlocks(src, 0, rsv, 0, 8)
	require.NoError(t, err)
	require.False(t, rsv.IsEmpty())

	alloc.DiscardReservation(src, rsv)
	require.True(t, rsv.IsEmpty())
	require.EqualValues(t, alloc.DefaultReservationSize, rsv.GoalSize)
}

func TestReservationWindow_FindNextReservableSkipsHeldWindow(t *testing.T) {
	tree := alloc.NewReservationTree()

	held := alloc.NewReservationWindow()
	held.Start, held.End = 0, 9
	tree.Add(held)

	seeker := alloc.NewReservationWindow()
	seeker.GoalSize = 4
	ok := tree.FindNextReservable(tree.Search(0), seeker, 0, 20)
	require.True(t, ok)
	require.GreaterOrEqual(t, seeker.Start, uint32(10))
	require.Greater(t, seeker.Start, held.End)
}

// TestReservationWindow_FindNextReservableWrapsToPrefix is spec.md §8
// scenario 2: the goal sits near the tail of the device, the only held
// window spans up to the tail, and the sole free gap is the prefix before
// it. The forward pass from the goal can't find anything before endBlock;
// only the wrap pass over [0, searchHead.Start) can.
func TestReservationWindow_FindNextReservableWrapsToPrefix(t *testing.T) {
	tree := alloc.NewReservationTree()

	held := alloc.NewReservationWindow()
	held.Start, held.End = 8, 63
	tree.Add(held)

	seeker := alloc.NewReservationWindow()
	seeker.GoalSize = 8
	ok := tree.FindNextReservable(tree.Search(63), seeker, 63, 64)
	require.True(t, ok, "must wrap around to the free prefix instead of failing")
	require.EqualValues(t, 0, seeker.Start)
	require.EqualValues(t, 7, seeker.End)
}

// TestNewBlocks_WrapsAroundToPrefixWhenGoalNearEnd is the same scenario
// exercised end-to-end through NewBlocks/AllocateWithReservation, rather than
// the tree in isolation.
func TestNewBlocks_WrapsAroundToPrefixWhenGoalNearEnd(t *testing.T) {
	src := newFakeSource(t, 64)

	held := alloc.InitBlockAllocInfo()
	_, actual, err := alloc.NewBlocks(src, 0, held, 8, 56)
	require.NoError(t, err)
	require.EqualValues(t, 56, actual)

	rsv := alloc.InitBlockAllocInfo()
	first, actual, err := alloc.NewBlocks(src, 0, rsv, 63, 4)
	require.NoError(t, err, "must wrap around to the free prefix instead of ErrNoSpace")
	require.EqualValues(t, 4, actual)
	require.Less(t, first, uint32(8), "the only free space left is the prefix before the held window")
}
