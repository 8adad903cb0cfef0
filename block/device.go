// Package block adapts a backing io.ReadWriteSeeker into the minimal
// synchronous block-buffer cache the rest of the module is built against:
// read, get-or-create, mark-dirty, sync, release. Every acquisition method
// pins its buffer; callers must call Release on every exit path, including
// error paths.
package block

import (
	"fmt"
	"io"
	"sync"

	"github.com/boljen/go-bitmap"

	"github.com/go-babyfs/babyfs"
)

// Buffer is a pinned, reference-counted view onto one block of a Device. Its
// Data slice aliases the device's in-core mirror directly; callers write
// through it and call Device.MarkDirty to schedule the block for Sync.
type Buffer struct {
	device  *Device
	BlockNo uint32
	Data    []byte
}

// Device is the block I/O shim of §4.1: a fixed-size-block view over a
// backing store, with a pinned, dirty-tracked in-core mirror of every block
// that has been touched so far.
type Device struct {
	backing     io.ReadWriteSeeker
	blockSize   uint32
	totalBlocks uint32

	mu     sync.Mutex
	data   []byte
	loaded bitmap.Bitmap
	dirty  bitmap.Bitmap
	pins   []int32
}

// NewDevice wraps backing as a Device of totalBlocks blocks, each blockSize
// bytes. backing must be at least blockSize*totalBlocks bytes long.
func NewDevice(backing io.ReadWriteSeeker, blockSize, totalBlocks uint32) *Device {
	return &Device{
		backing:     backing,
		blockSize:   blockSize,
		totalBlocks: totalBlocks,
		data:        make([]byte, uint64(blockSize)*uint64(totalBlocks)),
		loaded:      bitmap.NewSlice(int(totalBlocks)),
		dirty:       bitmap.NewSlice(int(totalBlocks)),
		pins:        make([]int32, totalBlocks),
	}
}

func (d *Device) BlockSize() uint32   { return d.blockSize }
func (d *Device) TotalBlocks() uint32 { return d.totalBlocks }

func (d *Device) checkBounds(n uint32) error {
	if n >= d.totalBlocks {
		return babyfs.ErrIO.WithMessage(
			fmt.Sprintf("block %d out of range [0, %d)", n, d.totalBlocks))
	}
	return nil
}

func (d *Device) slice(n uint32) []byte {
	start := uint64(n) * uint64(d.blockSize)
	return d.data[start : start+uint64(d.blockSize)]
}

func (d *Device) fetch(n uint32) error {
	offset := int64(n) * int64(d.blockSize)
	if _, err := d.backing.Seek(offset, io.SeekStart); err != nil {
		return babyfs.ErrIO.WithMessage(err.Error())
	}
	if _, err := io.ReadFull(d.backing, d.slice(n)); err != nil {
		return babyfs.ErrIO.WithMessage(err.Error())
	}
	return nil
}

func (d *Device) flush(n uint32) error {
	offset := int64(n) * int64(d.blockSize)
	if _, err := d.backing.Seek(offset, io.SeekStart); err != nil {
		return babyfs.ErrIO.WithMessage(err.Error())
	}
	if _, err := d.backing.Write(d.slice(n)); err != nil {
		return babyfs.ErrIO.WithMessage(err.Error())
	}
	return nil
}

// Read returns a pinned buffer holding block n's on-disk contents, reading
// it from the backing store the first time it is touched.
func (d *Device) Read(n uint32) (*Buffer, error) {
	if err := d.checkBounds(n); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.loaded.Get(int(n)) {
		if err := d.fetch(n); err != nil {
			return nil, err
		}
		d.loaded.Set(int(n), true)
	}
	d.pins[n]++
	return &Buffer{device: d, BlockNo: n, Data: d.slice(n)}, nil
}

// GetOrCreate returns a pinned buffer for block n without reading it from
// the backing store; its contents are undefined (zeroed) until written.
func (d *Device) GetOrCreate(n uint32) (*Buffer, error) {
	if err := d.checkBounds(n); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.loaded.Get(int(n)) {
		buf := d.slice(n)
		for i := range buf {
			buf[i] = 0
		}
		d.loaded.Set(int(n), true)
	}
	d.pins[n]++
	return &Buffer{device: d, BlockNo: n, Data: d.slice(n)}, nil
}

// MarkDirty schedules b's block to be written back on the next Sync.
func (d *Device) MarkDirty(b *Buffer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dirty.Set(int(b.BlockNo), true)
}

// Sync flushes b's block to the backing store if dirty.
func (d *Device) Sync(b *Buffer) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.dirty.Get(int(b.BlockNo)) {
		return nil
	}
	if err := d.flush(b.BlockNo); err != nil {
		return err
	}
	d.dirty.Set(int(b.BlockNo), false)
	return nil
}

// SyncAll flushes every dirty block to the backing store, in ascending
// block-number order.
func (d *Device) SyncAll() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for n := uint32(0); n < d.totalBlocks; n++ {
		if !d.dirty.Get(int(n)) {
			continue
		}
		if err := d.flush(n); err != nil {
			return err
		}
		d.dirty.Set(int(n), false)
	}
	return nil
}

// Release decrements b's pin count. It does not evict or discard the
// in-core mirror; babyfs keeps every touched block resident for the
// lifetime of the mount, consistent with the external block-buffer cache
// owning eviction policy (§4.1's contract is pin/release bookkeeping, not
// cache replacement).
func (d *Device) Release(b *Buffer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pins[b.BlockNo] > 0 {
		d.pins[b.BlockNo]--
	}
}

// PinCount reports how many outstanding references a block currently has.
// Used by tests to assert every Read/GetOrCreate was paired with a Release.
func (d *Device) PinCount(n uint32) int32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pins[n]
}
