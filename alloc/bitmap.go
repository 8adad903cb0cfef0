// Package alloc implements the block allocator: the bitmap primitive of
// §4.4.1 and the reservation-window layer of §4.4.2-§4.4.5.
package alloc

import (
	"github.com/boljen/go-bitmap"
)

// Interval is a half-open bit range [Start, End) inside a single bitmap
// buffer, used to constrain a search to a reservation window or to the last
// bitmap's valid-bit count.
type Interval struct {
	Start int
	End   int // exclusive
}

func (iv Interval) Len() int { return iv.End - iv.Start }

// Bitmap wraps github.com/boljen/go-bitmap over a block buffer's byte slice,
// providing the windowed, goal-seeking search §4.4.1 requires. Bit 1 means
// allocated, per §3.
type Bitmap struct {
	bits bitmap.Bitmap
}

// WrapBitmap views raw (a block's raw bytes) as a Bitmap without copying.
func WrapBitmap(raw []byte) Bitmap {
	return Bitmap{bits: bitmap.Bitmap(raw)}
}

func (b Bitmap) Get(i int) bool    { return b.bits.Get(i) }
func (b Bitmap) Set(i int, v bool) { b.bits.Set(i, v) }

// TestAndSet checks whether bit i is clear and, if so, sets it, returning
// whether the bit was claimed. Concurrent claims on the same buffer are
// serialized by the block buffer's owning pin, per §5. Exported for the
// inode package's bitmap (bit=1 means allocated, same convention as the
// data bitmap) in addition to this package's own internal use.
func (b Bitmap) TestAndSet(i int) bool {
	if b.bits.Get(i) {
		return false
	}
	b.bits.Set(i, true)
	return true
}

func (b Bitmap) testAndSet(i int) bool { return b.TestAndSet(i) }

// span concatenates buf0's legal interval with buf1's (if buf1 is non-nil)
// into one virtual bit sequence, so the two-buffer case of §4.4.1 ("the
// two-buffer case concatenates the tail of the first bitmap with the head of
// the second") can be searched uniformly. Every "local" index below is
// relative to the logical block that bit 0 of buf0 represents; bitsPerBuf is
// the full width (in bits) of one bitmap buffer, used to tell which buffer a
// local index beyond buf0's own span falls into.
type span struct {
	buf0, buf1           Bitmap
	hasBuf1              bool
	interval0, interval1 Interval
	bitsPerBuf           int
}

func (s span) length() int {
	n := s.interval0.Len()
	if s.hasBuf1 {
		n += s.interval1.Len()
	}
	return n
}

func (s span) get(v int) bool {
	if v < s.interval0.Len() {
		return s.buf0.Get(s.interval0.Start + v)
	}
	return s.buf1.Get(s.interval1.Start + (v - s.interval0.Len()))
}

func (s span) testAndSet(v int) bool {
	if v < s.interval0.Len() {
		return s.buf0.testAndSet(s.interval0.Start + v)
	}
	return s.buf1.testAndSet(s.interval1.Start + (v - s.interval0.Len()))
}

// toLocal converts virtual index v into a local index (relative to buf0's
// logical base), spanning into buf1's numbering space (local index
// bitsPerBuf + k corresponds to bit k of buf1) once v runs past buf0.
func (s span) toLocal(v int) int {
	if v < s.interval0.Len() {
		return s.interval0.Start + v
	}
	return s.bitsPerBuf + s.interval1.Start + (v - s.interval0.Len())
}

// toVirtual is the inverse of toLocal, clamped into [0, length()) when local
// falls outside either buffer's legal interval.
func (s span) toVirtual(local int) int {
	if local < s.bitsPerBuf {
		v := local - s.interval0.Start
		if v < 0 || v >= s.interval0.Len() {
			return -1
		}
		return v
	}
	if !s.hasBuf1 {
		return -1
	}
	k := local - s.bitsPerBuf
	v := s.interval0.Len() + (k - s.interval1.Start)
	if k < s.interval1.Start || k >= s.interval1.End {
		return -1
	}
	return v
}

// TryToAllocate implements §4.4.1: find the first clear bit at or after
// goal (falling back to the window start on failure, i.e. wrapping within
// the legal interval), test-and-set it, then greedily extend the run
// forward until count is reached, the interval ends, or a set bit is hit.
//
// goal is a local bit index (see span.toLocal) or negative for "no goal".
// bitsPerBuf is the full bit width of one bitmap buffer (e.g. BlockSize*8).
// Returns the first local bit index allocated and the actual run length;
// (-1, 0) if nothing could be claimed.
func TryToAllocate(
	buf0 Bitmap, interval0 Interval,
	buf1 *Bitmap, interval1 Interval,
	bitsPerBuf int, goal int, count int,
) (int, int) {
	s := span{buf0: buf0, interval0: interval0, bitsPerBuf: bitsPerBuf}
	if buf1 != nil {
		s.buf1 = *buf1
		s.hasBuf1 = true
		s.interval1 = interval1
	}

	total := s.length()
	if total <= 0 || count <= 0 {
		return -1, 0
	}

	startVirtual := 0
	if goal >= 0 {
		if v := s.toVirtual(goal); v >= 0 {
			startVirtual = v
		}
	}

	first := firstClearVirtual(s, startVirtual, total)
	if first < 0 {
		first = firstClearVirtual(s, 0, startVirtual)
	}
	if first < 0 {
		return -1, 0
	}

	if !s.testAndSet(first) {
		return -1, 0
	}
	claimed := 1
	for v := first + 1; claimed < count && v < total; v++ {
		if !s.testAndSet(v) {
			break
		}
		claimed++
	}

	return s.toLocal(first), claimed
}

func firstClearVirtual(s span, from, to int) int {
	for v := from; v < to; v++ {
		if !s.get(v) {
			return v
		}
	}
	return -1
}
