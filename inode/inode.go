package inode

import (
	"sync"
	"time"

	"github.com/go-babyfs/babyfs/alloc"
)

// Inode is the in-memory materialization of an on-disk inode record,
// augmented with the live block-index array, a subdirectory counter, and
// (lazily, for regular files) the per-inode block-allocation info (§3).
type Inode struct {
	Ino  uint32
	Kind Kind

	Size        uint64
	Ctime       time.Time
	Atime       time.Time
	Mtime       time.Time
	BlockCount  uint32
	Blocks      [NumBlockPtrs]uint32
	Mode        uint16
	Uid         uint16
	Gid         uint16
	Nlink       uint16
	SubdirCount uint16

	// AllocInfo is non-nil only for regular files and directories (both
	// stream their content through the block map), lazily created on first
	// data-block allocation, per §3's lifecycle note.
	AllocInfo *alloc.ReservationWindow

	// LastAllocLogical/LastAllocPhysical cache the most recent allocation
	// for next-block goal hinting, per §3.
	LastAllocLogical  int64
	LastAllocPhysical uint32

	dirty bool
	refs  int32
	mu    sync.Mutex
}

// ToOnDisk serializes the live fields back into an OnDisk record for
// persistence.
func (ino *Inode) ToOnDisk() *OnDisk {
	return &OnDisk{
		Size:        ino.Size,
		Ctime:       serializeTime(ino.Ctime),
		Atime:       serializeTime(ino.Atime),
		Mtime:       serializeTime(ino.Mtime),
		BlockCount:  ino.BlockCount,
		Blocks:      ino.Blocks,
		Mode:        ino.Mode,
		Uid:         ino.Uid,
		Gid:         ino.Gid,
		Nlink:       ino.Nlink,
		SubdirCount: ino.SubdirCount,
	}
}

// fromOnDisk populates ino's live fields from a freshly decoded on-disk
// record.
func fromOnDisk(ino uint32, rec *OnDisk) *Inode {
	return &Inode{
		Ino:         ino,
		Kind:        kindFromMode(rec.Mode),
		Size:        rec.Size,
		Ctime:       deserializeTime(rec.Ctime),
		Atime:       deserializeTime(rec.Atime),
		Mtime:       deserializeTime(rec.Mtime),
		BlockCount:  rec.BlockCount,
		Blocks:      rec.Blocks,
		Mode:        rec.Mode,
		Uid:         rec.Uid,
		Gid:         rec.Gid,
		Nlink:       rec.Nlink,
		SubdirCount: rec.SubdirCount,
		LastAllocLogical: -1,
	}
}

// MarkDirty flags ino for persistence on the next Store.Write(ino, ...).
func (ino *Inode) MarkDirty() {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	ino.dirty = true
}

func (ino *Inode) isDirty() bool {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	return ino.dirty
}

func (ino *Inode) clearDirty() {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	ino.dirty = false
}

// IsDir reports whether ino is a directory.
func (ino *Inode) IsDir() bool { return ino.Kind == KindDirectory }

// IsRegular reports whether ino is a regular file.
func (ino *Inode) IsRegular() bool { return ino.Kind == KindRegular }

// IsSymlink reports whether ino is a symbolic link.
func (ino *Inode) IsSymlink() bool { return ino.Kind == KindSymlink }
