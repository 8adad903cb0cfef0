// Package super loads and persists the babyfs on-disk superblock, tracks the
// mount-time free-inode/free-block counters, and owns the filesystem-wide
// reservation-window tree and its lock.
package super

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/go-babyfs/babyfs"
	"github.com/go-babyfs/babyfs/alloc"
	"github.com/go-babyfs/babyfs/block"
)

// Layout constants, §6.
const (
	BlockSize       = 1024
	InodeSize       = 128
	NameMax         = 250
	DirRecordSize   = 256
	InodesPerBlock  = BlockSize / InodeSize // 8
	InodeTableBlocks = 1024
	TotalInodes     = InodeTableBlocks * InodesPerBlock // 8192
	DirectSlots     = 12
	TotalIndexSlots = 15

	Magic = 0x1234

	superblockOnDiskSize = 38
)

// Root inode number, fixed by convention (§6: "Root inode is inode 0").
const RootIno uint32 = 0

// Block layout base offsets, §6. The inode table and inode bitmap size are
// fixed; the data bitmap size depends on nr_blocks and is computed at
// format/mount time.
const (
	BlockInodeBitmap = 1
	InodeBitmapBlocks = 1 // ceil(8192 / (1024*8))
	BlockInodeTable   = BlockInodeBitmap + InodeBitmapBlocks // 2
)

// Superblock is the in-memory mirror of the on-disk superblock record plus
// the mount-time reservation tree. Counter mutation must hold mu; spec.md §5
// requires the same discipline as the reservation tree since the original
// source updates these without per-field locking.
type Superblock struct {
	mu sync.Mutex

	magic uint16

	NrBlocks        uint32
	NrInodes        uint32
	NrIStoreBlocks  uint32
	NrDStoreBlocks  uint32
	NrIFreeBlocks   uint32 // inode bitmap blocks
	NrBFreeBlocks   uint32 // data bitmap blocks
	NrFreeInodes    uint32
	NrFreeBlocks    uint32
	LastBitmapBits  uint32

	// ReservationRoot is the filesystem-wide reservation-window tree
	// (§4.4.2). It carries its own lock (distinct from mu) since
	// try_to_extend takes a non-blocking acquisition independent of the
	// counter fields below.
	ReservationRoot *alloc.ReservationTree
}

// FormatOptions describes a freshly-formatted image; mkfs (out of scope per
// spec.md §1) is expected to honor this exact layout, but tests build images
// in memory using these same numbers.
type FormatOptions struct {
	TotalBlocks uint32
}

// DataBitmapBlocks returns ceil(nrBlocks / (BlockSize*8)), the number of
// blocks the data bitmap occupies.
func DataBitmapBlocks(nrBlocks uint32) uint32 {
	bitsPerBlock := uint32(BlockSize * 8)
	return (nrBlocks + bitsPerBlock - 1) / bitsPerBlock
}

// lastBitmapBits returns the number of valid bits in the final data bitmap
// block, per §3's invariant.
func lastBitmapBits(nrBlocks uint32) uint32 {
	bitsPerBlock := uint32(BlockSize * 8)
	rem := nrBlocks % bitsPerBlock
	if rem == 0 {
		return bitsPerBlock
	}
	return rem
}

// NewFormatted builds the in-memory superblock for a freshly formatted image
// of opts.TotalBlocks data blocks, with the reservation tree initialized to
// just its sentinel head.
func NewFormatted(opts FormatOptions) *Superblock {
	dbmBlocks := DataBitmapBlocks(opts.TotalBlocks)
	dataBase := BlockInodeTable + InodeTableBlocks + dbmBlocks

	sb := &Superblock{
		magic:          Magic,
		NrBlocks:       opts.TotalBlocks,
		NrInodes:       TotalInodes,
		NrIStoreBlocks: InodeTableBlocks,
		NrDStoreBlocks: dataBase,
		NrIFreeBlocks:  InodeBitmapBlocks,
		NrBFreeBlocks:  dbmBlocks,
		NrFreeInodes:   TotalInodes - 1, // root inode pre-allocated
		NrFreeBlocks:   opts.TotalBlocks,
		LastBitmapBits: lastBitmapBits(opts.TotalBlocks),
	}
	sb.ReservationRoot = alloc.NewReservationTree()
	return sb
}

// DataBase returns the physical block number of the first data block.
func (sb *Superblock) DataBase() uint32 {
	return sb.NrDStoreBlocks
}

// DataBitmapBase returns the physical block number of the first data
// bitmap block.
func (sb *Superblock) DataBitmapBase() uint32 {
	return sb.NrDStoreBlocks - sb.NrBFreeBlocks
}

// Encode serializes the superblock record to exactly superblockOnDiskSize
// bytes, little-endian, per §6's byte table.
func (sb *Superblock) Encode() []byte {
	buf := make([]byte, BlockSize)
	w := bytes.NewBuffer(buf[:0])

	binary.Write(w, binary.LittleEndian, sb.magic)
	binary.Write(w, binary.LittleEndian, sb.NrBlocks)
	binary.Write(w, binary.LittleEndian, sb.NrInodes)
	binary.Write(w, binary.LittleEndian, sb.NrIStoreBlocks)
	binary.Write(w, binary.LittleEndian, sb.NrDStoreBlocks)
	binary.Write(w, binary.LittleEndian, sb.NrIFreeBlocks)
	binary.Write(w, binary.LittleEndian, sb.NrBFreeBlocks)
	binary.Write(w, binary.LittleEndian, sb.NrFreeInodes)
	binary.Write(w, binary.LittleEndian, sb.NrFreeBlocks)
	binary.Write(w, binary.LittleEndian, sb.LastBitmapBits)

	out := w.Bytes()
	copy(buf, out)
	return buf
}

// Decode parses a superblock record out of a freshly read block-0 buffer and
// validates it per §4.2's mount-time rules. It does not allocate the
// reservation tree; callers must do that once after a successful Decode.
func Decode(raw []byte) (*Superblock, error) {
	if len(raw) < superblockOnDiskSize {
		return nil, babyfs.ErrCorrupted.WithMessage("superblock buffer too short")
	}

	r := bytes.NewReader(raw)
	sb := &Superblock{}

	fields := []interface{}{
		&sb.magic,
		&sb.NrBlocks,
		&sb.NrInodes,
		&sb.NrIStoreBlocks,
		&sb.NrDStoreBlocks,
		&sb.NrIFreeBlocks,
		&sb.NrBFreeBlocks,
		&sb.NrFreeInodes,
		&sb.NrFreeBlocks,
		&sb.LastBitmapBits,
	}
	for _, f := range fields {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return nil, babyfs.ErrIO.WithMessage(err.Error())
		}
	}

	if err := sb.validate(); err != nil {
		return nil, err
	}

	sb.ReservationRoot = alloc.NewReservationTree()
	return sb, nil
}

// validate enforces §4.2's mount-time checks: magic, base-block ordering,
// device-size bounds.
func (sb *Superblock) validate() error {
	if sb.magic != Magic {
		return babyfs.ErrCorrupted.WithMessage(
			fmt.Sprintf("bad magic 0x%04x, expected 0x%04x", sb.magic, Magic))
	}

	bitmapI := uint32(BlockInodeBitmap)
	tableI := uint32(BlockInodeTable)
	bitmapD := sb.NrDStoreBlocks - sb.NrBFreeBlocks
	dataBase := sb.NrDStoreBlocks

	if !(bitmapI < tableI && tableI < bitmapD && bitmapD < dataBase) {
		return babyfs.ErrCorrupted.WithMessage(
			"base block pointers out of prescribed order bitmap_i < table_i < bitmap_d < data")
	}

	if sb.NrDStoreBlocks+sb.NrBlocks < sb.NrDStoreBlocks {
		return babyfs.ErrCorrupted.WithMessage("nr_blocks overflow")
	}

	return nil
}

// MaxFileSize computes max_file_size() per §4.2, clamped to free data
// blocks and further clamped by the caller against host file-size limits.
func (sb *Superblock) MaxFileSize() int64 {
	p := int64(BlockSize / 4)
	addressable := int64(DirectSlots) + p + p*p + p*p*p
	// Subtract the index blocks themselves (1 single + (1+P) double-indirect
	// index blocks + (1+P+P^2) triple-indirect index blocks).
	indexBlocks := int64(1) + (1 + p) + (1 + p + p*p)
	usable := addressable - indexBlocks
	if free := int64(sb.NrFreeBlocks); usable > free {
		usable = free
	}
	return usable * BlockSize
}

// SyncCounters persists the counter fields (but not the reservation tree,
// which is purely in-memory) into block 0 of dev.
func (sb *Superblock) SyncCounters(dev *block.Device) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	buf, err := dev.GetOrCreate(0)
	if err != nil {
		return err
	}
	defer dev.Release(buf)

	copy(buf.Data, sb.Encode())
	dev.MarkDirty(buf)
	return dev.Sync(buf)
}

// AddFreeBlocks atomically adjusts the free-block counter by delta (may be
// negative), guarded by mu per §5's "serialize these with ... the same
// spinlock used for the reservation tree" guidance -- reusing mu rather than
// RsvLock since counter updates never need to be coherent with a tree walk.
func (sb *Superblock) AddFreeBlocks(delta int64) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.NrFreeBlocks = uint32(int64(sb.NrFreeBlocks) + delta)
}

// AddFreeInodes atomically adjusts the free-inode counter by delta.
func (sb *Superblock) AddFreeInodes(delta int64) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.NrFreeInodes = uint32(int64(sb.NrFreeInodes) + delta)
}

func (sb *Superblock) FreeBlocks() uint32 {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.NrFreeBlocks
}

func (sb *Superblock) FreeInodes() uint32 {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.NrFreeInodes
}
