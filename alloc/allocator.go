package alloc

import (
	"github.com/hashicorp/go-multierror"

	"github.com/go-babyfs/babyfs"
	"github.com/go-babyfs/babyfs/block"
)

// BitmapSource supplies the allocator with pinned bitmap buffers and the
// layout constants it needs to translate logical data-block numbers into
// physical bitmap-buffer/bit coordinates. Implemented by super.Superblock
// together with a block.Device in the fs package; kept as an interface here
// so alloc does not need to import super (which itself imports alloc for
// the reservation tree).
type BitmapSource interface {
	// DataBitmapBuffer pins and returns the bitmap buffer covering logical
	// blocks [bitmapIndex*BitsPerBitmap, (bitmapIndex+1)*BitsPerBitmap).
	DataBitmapBuffer(bitmapIndex uint32) (*block.Buffer, error)
	ReleaseBitmapBuffer(buf *block.Buffer)
	MarkBitmapDirty(buf *block.Buffer)

	// NrBlocks is the total count of logical data blocks in the filesystem.
	NrBlocks() uint32
	// LastBitmapBits is the number of valid bits in the final data bitmap.
	LastBitmapBits() uint32
	// BitsPerBitmap is the bit width of one full bitmap buffer (BlockSize*8).
	BitsPerBitmap() uint32

	AddFreeBlocks(delta int64)
	ReservationTree() *ReservationTree
}

// bitmapIndexAndOffset splits a logical block number into which bitmap
// buffer covers it and the bit offset within that buffer.
func bitmapIndexAndOffset(logical uint32, bitsPerBitmap uint32) (uint32, int) {
	return logical / bitsPerBitmap, int(logical % bitsPerBitmap)
}

// validBitsIn returns the number of valid (non-reserved-forever) bits in
// bitmap buffer index idx, per §3's last-bitmap invariant.
func validBitsIn(src BitmapSource, idx uint32) int {
	lastIdx := (src.NrBlocks() - 1) / src.BitsPerBitmap()
	if idx == lastIdx {
		return int(src.LastBitmapBits())
	}
	return int(src.BitsPerBitmap())
}

// AllocateWithReservation implements allocate_with_reservation (§4.4.3): the
// inner loop of the allocator. goal and count are both in logical
// data-block terms (0-based from the start of the data region). Returns the
// first logical block allocated and the actual run length.
func AllocateWithReservation(
	src BitmapSource, goal int64, myRsv *ReservationWindow, count uint32,
) (uint32, uint32, *babyfs.DriverError) {
	tree := src.ReservationTree()
	failuresInARow := 0

	for {
		goalInWindow := !myRsv.IsEmpty() && goal >= 0 &&
			uint32(goal) >= myRsv.Start && uint32(goal) <= myRsv.End

		if myRsv.IsEmpty() || !goalInWindow {
			if myRsv.GoalSize < count {
				myRsv.GoalSize = count
			}
			ok := allocNewReservation(src, tree, myRsv, goal)
			if !ok {
				failuresInARow++
				if failuresInARow >= 2 {
					first, actual, err := allocateNoWindow(src, goal, count)
					return first, actual, err
				}
				continue
			}
			failuresInARow = 0
			if goal >= 0 && (uint32(goal) < myRsv.Start || uint32(goal) > myRsv.End) {
				goal = -1
			}
		} else {
			tail := myRsv.End - uint32(goal) + 1
			if tail < count {
				tree.TryToExtend(myRsv, count-tail, src.NrBlocks()-1)
			}
		}

		first, actual, ok := tryAllocateInWindow(src, myRsv, goal, count)
		if ok {
			myRsv.AllocHit += actual
			return first, actual, nil
		}
		// Placement didn't pan out (raced with another allocator); discard
		// and retry with a fresh placement next iteration.
		tree.Remove(myRsv)
	}
}

// allocNewReservation implements alloc_new_reservation (§4.4.3).
func allocNewReservation(src BitmapSource, tree *ReservationTree, myRsv *ReservationWindow, goal int64) bool {
	if !myRsv.IsEmpty() {
		windowSize := myRsv.End - myRsv.Start + 1
		if windowSize > 0 && myRsv.AllocHit*2 > windowSize {
			newSize := myRsv.GoalSize * 2
			if newSize > MaxReservationWindow {
				newSize = MaxReservationWindow
			}
			myRsv.GoalSize = newSize
		}
	}

	start := uint32(0)
	if goal >= 0 {
		start = uint32(goal)
	}

	tree.Lock.Lock()
	searchHead := tree.Search(start)
	ok := tree.FindNextReservable(searchHead, myRsv, start, src.NrBlocks())
	tree.Lock.Unlock()
	if !ok {
		return false
	}

	// Verify at least one clear bit exists inside the candidate window;
	// adjust Start forward to the first clear bit, per §4.4.3 step 1.b.
	first, ok := firstClearInRange(src, myRsv.Start, myRsv.End)
	if !ok {
		tree.Lock.Lock()
		tree.Remove(myRsv)
		tree.Lock.Unlock()
		return false
	}
	myRsv.Start = first
	return true
}

// firstClearInRange scans the data bitmap(s) for the first clear bit in
// [lo, hi], reading whichever bitmap buffers the range touches.
func firstClearInRange(src BitmapSource, lo, hi uint32) (uint32, bool) {
	bitsPerBitmap := src.BitsPerBitmap()

	for logical := lo; logical <= hi; logical++ {
		idx, off := bitmapIndexAndOffset(logical, bitsPerBitmap)
		buf, err := src.DataBitmapBuffer(idx)
		if err != nil {
			return 0, false
		}
		bm := WrapBitmap(buf.Data)
		clear := !bm.Get(off)
		src.ReleaseBitmapBuffer(buf)
		if clear {
			return logical, true
		}
	}
	return 0, false
}

// tryAllocateInWindow pre-reads the one or two bitmap buffers myRsv spans
// and calls TryToAllocate against them, per §4.4.3 step 3.
func tryAllocateInWindow(
	src BitmapSource, myRsv *ReservationWindow, goal int64, count uint32,
) (uint32, uint32, bool) {
	bitsPerBitmap := src.BitsPerBitmap()
	idx0, _ := bitmapIndexAndOffset(myRsv.Start, bitsPerBitmap)
	idx1, _ := bitmapIndexAndOffset(myRsv.End, bitsPerBitmap)

	buf0, err := src.DataBitmapBuffer(idx0)
	if err != nil {
		return 0, 0, false
	}
	defer src.ReleaseBitmapBuffer(buf0)
	bm0 := WrapBitmap(buf0.Data)

	winStartOff := int(myRsv.Start - idx0*bitsPerBitmap)
	buf0End := validBitsIn(src, idx0)
	interval0 := Interval{Start: winStartOff, End: buf0End}

	var bm1ptr *Bitmap
	var interval1 Interval
	var buf1 *block.Buffer
	if idx1 != idx0 {
		var err error
		buf1, err = src.DataBitmapBuffer(idx1)
		if err != nil {
			return 0, 0, false
		}
		defer src.ReleaseBitmapBuffer(buf1)
		bm1 := WrapBitmap(buf1.Data)
		bm1ptr = &bm1
		winEndOff := int(myRsv.End-idx1*bitsPerBitmap) + 1
		interval1 = Interval{Start: 0, End: winEndOff}
	}

	localGoal := -1
	if goal >= 0 {
		g := uint32(goal)
		if g >= myRsv.Start && g <= myRsv.End {
			localGoal = int(g - idx0*bitsPerBitmap)
		}
	}

	local, actual := TryToAllocate(bm0, interval0, bm1ptr, interval1, int(bitsPerBitmap), localGoal, int(count))
	if local < 0 {
		return 0, 0, false
	}

	src.MarkBitmapDirty(buf0)
	if buf1 != nil {
		src.MarkBitmapDirty(buf1)
	}
	first := idx0*bitsPerBitmap + uint32(local)
	src.AddFreeBlocks(-int64(actual))
	return first, uint32(actual), true
}

// allocateNoWindow falls back to a window-less allocation (my_rsv = null)
// per §4.4.3's "caller falls back to an allocation with no window" rule.
// Scans forward from goal's bitmap to the end of the device, then wraps and
// scans the bitmaps before it, mirroring FindNextReservable's own two-pass
// forward-then-wrap search — without a wrap pass here, a goal near the end
// of the device with free space only near the start would spuriously fail
// with ErrNoSpace even though reservation-based allocation would have found
// it.
func allocateNoWindow(src BitmapSource, goal int64, count uint32) (uint32, uint32, *babyfs.DriverError) {
	bitsPerBitmap := src.BitsPerBitmap()
	lo := uint32(0)
	if goal >= 0 {
		lo = uint32(goal)
	}
	startIdx := lo / bitsPerBitmap
	nrBitmaps := (src.NrBlocks() + bitsPerBitmap - 1) / bitsPerBitmap

	tryBitmap := func(idx uint32, localGoal int) (uint32, uint32, bool, *babyfs.DriverError) {
		buf, err := src.DataBitmapBuffer(idx)
		if err != nil {
			return 0, 0, false, babyfs.ErrIO
		}
		bm := WrapBitmap(buf.Data)
		validEnd := validBitsIn(src, idx)
		local, actual := TryToAllocate(bm, Interval{Start: 0, End: validEnd}, nil, Interval{}, int(bitsPerBitmap), localGoal, int(count))
		if local < 0 {
			src.ReleaseBitmapBuffer(buf)
			return 0, 0, false, nil
		}
		src.MarkBitmapDirty(buf)
		src.ReleaseBitmapBuffer(buf)
		first := idx*bitsPerBitmap + uint32(local)
		src.AddFreeBlocks(-int64(actual))
		return first, uint32(actual), true, nil
	}

	for idx := startIdx; idx < nrBitmaps; idx++ {
		localGoal := -1
		if idx == startIdx {
			localGoal = int(lo - idx*bitsPerBitmap)
		}
		first, actual, ok, err := tryBitmap(idx, localGoal)
		if err != nil {
			return 0, 0, err
		}
		if ok {
			return first, actual, nil
		}
	}

	for idx := uint32(0); idx < startIdx; idx++ {
		first, actual, ok, err := tryBitmap(idx, -1)
		if err != nil {
			return 0, 0, err
		}
		if ok {
			return first, actual, nil
		}
	}

	return 0, 0, babyfs.ErrNoSpace
}

// NewBlocks implements the public entry new_blocks (§4.4.4). physicalGoal is
// a physical block number hint (may be 0/unknown); it is normalized to a
// logical goal internally.
func NewBlocks(
	src BitmapSource, dataBase uint32, myRsv *ReservationWindow, physicalGoal uint32, count uint32,
) (firstPhysical uint32, actual uint32, err *babyfs.DriverError) {
	var logicalGoal int64 = -1
	if physicalGoal >= dataBase {
		g := physicalGoal - dataBase
		if g < src.NrBlocks() {
			logicalGoal = int64(g)
		}
	}

	firstLogical, actual, err := AllocateWithReservation(src, logicalGoal, myRsv, count)
	if err != nil {
		return 0, 0, err
	}
	return dataBase + firstLogical, actual, nil
}

// FreeBlocks implements free_blocks (§4.4.5): clear count bits starting at
// logical block first, crossing bitmap boundaries as needed, aggregating
// any independent per-bitmap failures with multierror rather than abandoning
// the remaining releases on the first error.
func FreeBlocks(src BitmapSource, first uint32, count uint32) error {
	bitsPerBitmap := src.BitsPerBitmap()
	var errs *multierror.Error
	var totalFreed int64

	remaining := count
	logical := first
	for remaining > 0 {
		idx, off := bitmapIndexAndOffset(logical, bitsPerBitmap)
		buf, ioErr := src.DataBitmapBuffer(idx)
		if ioErr != nil {
			errs = multierror.Append(errs, ioErr)
			// Can't determine how many bits this bitmap would have covered;
			// abandon accounting for the rest of this bitmap's span and
			// move on to the next one so a single read failure doesn't
			// silently leak every later bitmap's releases too.
			span := int(bitsPerBitmap) - off
			if uint32(span) > remaining {
				span = int(remaining)
			}
			remaining -= uint32(span)
			logical += uint32(span)
			continue
		}

		bm := WrapBitmap(buf.Data)
		validEnd := validBitsIn(src, idx)
		n := uint32(0)
		for off < validEnd && n < remaining {
			bm.Set(off, false)
			off++
			n++
		}
		src.MarkBitmapDirty(buf)
		src.ReleaseBitmapBuffer(buf)

		totalFreed += int64(n)
		remaining -= n
		logical += n
		if n == 0 {
			// Nothing left to clear in this bitmap (shouldn't normally
			// happen); advance past it to avoid spinning.
			logical = (idx + 1) * bitsPerBitmap
		}
	}

	src.AddFreeBlocks(totalFreed)
	return errs.ErrorOrNil()
}

// DiscardReservation implements discard_reservation (§4.4.5): take the tree
// lock, unlink the window if non-empty, and reset goal_size to the default.
func DiscardReservation(src BitmapSource, myRsv *ReservationWindow) {
	tree := src.ReservationTree()
	tree.Lock.Lock()
	defer tree.Lock.Unlock()

	if !myRsv.IsEmpty() {
		tree.Remove(myRsv)
	}
	myRsv.GoalSize = DefaultReservationSize
	myRsv.AllocHit = 0
}

// InitBlockAllocInfo implements init_block_alloc_info (§4.4.5).
func InitBlockAllocInfo() *ReservationWindow {
	return NewReservationWindow()
}
