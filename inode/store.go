package inode

import (
	"sync"
	"time"

	"github.com/go-babyfs/babyfs"
	"github.com/go-babyfs/babyfs/alloc"
	"github.com/go-babyfs/babyfs/block"
	"github.com/go-babyfs/babyfs/super"
)

type cacheEntry struct {
	ino  *Inode
	refs int32
}

// Store implements §4.3: reads/writes fixed-size on-disk inode records,
// maintains the inode bitmap, allocates/frees inode numbers, and caches
// materialized in-memory inodes by number while referenced.
type Store struct {
	dev *block.Device
	sb  *super.Superblock

	mu    sync.Mutex
	cache map[uint32]*cacheEntry

	releaseAllBlocks TruncateToZeroFunc
	bitmapSource     alloc.BitmapSource
}

// New returns a Store backed by dev and sb.
func New(dev *block.Device, sb *super.Superblock) *Store {
	return &Store{dev: dev, sb: sb, cache: make(map[uint32]*cacheEntry)}
}

func inodeLocation(ino uint32) (blockNo uint32, offset int) {
	blockNo = super.BlockInodeTable + ino/super.InodesPerBlock
	offset = int(ino%super.InodesPerBlock) * OnDiskSize
	return
}

func (s *Store) inodeBitmap() (alloc.Bitmap, *block.Buffer, error) {
	buf, err := s.dev.Read(super.BlockInodeBitmap)
	if err != nil {
		return alloc.Bitmap{}, nil, err
	}
	return alloc.WrapBitmap(buf.Data), buf, nil
}

// Get reads the on-disk record for ino and materializes it, returning the
// same cached object for a second call on the still-referenced ino.
func (s *Store) Get(ino uint32) (*Inode, error) {
	s.mu.Lock()
	if entry, ok := s.cache[ino]; ok {
		entry.refs++
		s.mu.Unlock()
		return entry.ino, nil
	}
	s.mu.Unlock()

	blockNo, offset := inodeLocation(ino)
	buf, err := s.dev.Read(blockNo)
	if err != nil {
		return nil, err.(*babyfs.DriverError)
	}
	rec, decErr := DecodeOnDisk(buf.Data[offset : offset+OnDiskSize])
	s.dev.Release(buf)
	if decErr != nil {
		return nil, decErr.(*babyfs.DriverError)
	}

	live := fromOnDisk(ino, rec)
	if live.IsRegular() || live.IsDir() {
		live.AllocInfo = alloc.InitBlockAllocInfo()
	}

	s.mu.Lock()
	s.cache[ino] = &cacheEntry{ino: live, refs: 1}
	s.mu.Unlock()
	return live, nil
}

// NewInode claims the lowest clear bit in the inode bitmap, initializes a
// fresh in-memory record, and inserts it into the cache. Fails with
// ErrNoSpace (OUT_OF_INODES) when no bit is clear.
func (s *Store) NewInode(parentUid, parentGid uint16, mode uint16) (*Inode, *babyfs.DriverError) {
	bm, buf, err := s.inodeBitmap()
	if err != nil {
		return nil, err.(*babyfs.DriverError)
	}
	defer s.dev.Release(buf)

	claimed := -1
	for i := 0; i < super.TotalInodes; i++ {
		if bm.TestAndSet(i) {
			claimed = i
			break
		}
	}
	if claimed < 0 {
		return nil, babyfs.ErrNoSpace
	}
	s.dev.MarkDirty(buf)
	s.sb.AddFreeInodes(-1)

	now := time.Now()
	live := &Inode{
		Ino:              uint32(claimed),
		Kind:             kindFromMode(mode),
		Ctime:            now,
		Atime:            now,
		Mtime:            now,
		Mode:             mode,
		Uid:              parentUid,
		Gid:              parentGid,
		Nlink:            1,
		LastAllocLogical: -1,
	}
	if live.IsRegular() || live.IsDir() {
		live.AllocInfo = alloc.InitBlockAllocInfo()
	}
	live.MarkDirty()

	s.mu.Lock()
	s.cache[live.Ino] = &cacheEntry{ino: live, refs: 1}
	s.mu.Unlock()
	return live, nil
}

// ClaimSpecific marks ino.Ino's bit in the inode bitmap as used and
// registers ino in the cache, for callers (format) that construct a
// specific inode number directly rather than going through NewInode.
func (s *Store) ClaimSpecific(ino *Inode) *babyfs.DriverError {
	bm, buf, err := s.inodeBitmap()
	if err != nil {
		return err.(*babyfs.DriverError)
	}
	bm.Set(int(ino.Ino), true)
	s.dev.MarkDirty(buf)
	s.dev.Release(buf)

	if ino.IsRegular() || ino.IsDir() {
		if ino.AllocInfo == nil {
			ino.AllocInfo = alloc.InitBlockAllocInfo()
		}
	}
	ino.MarkDirty()

	s.mu.Lock()
	s.cache[ino.Ino] = &cacheEntry{ino: ino, refs: 1}
	s.mu.Unlock()
	return nil
}

// Write serializes ino's in-memory view back to its on-disk slot.
// syncNow additionally waits for the underlying buffer to be flushed.
func (s *Store) Write(ino *Inode, syncNow bool) *babyfs.DriverError {
	blockNo, offset := inodeLocation(ino.Ino)
	buf, err := s.dev.Read(blockNo)
	if err != nil {
		return err.(*babyfs.DriverError)
	}
	defer s.dev.Release(buf)

	copy(buf.Data[offset:offset+OnDiskSize], ino.ToOnDisk().Encode())
	s.dev.MarkDirty(buf)
	ino.clearDirty()

	if syncNow {
		if err := s.dev.Sync(buf); err != nil {
			return err.(*babyfs.DriverError)
		}
	}
	return nil
}

// Release drops a reference to ino. If the reference count hits zero, Evict
// runs automatically (§4.3's "invoked when the last reference drops").
func (s *Store) Release(ino *Inode) *babyfs.DriverError {
	s.mu.Lock()
	entry, ok := s.cache[ino.Ino]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	entry.refs--
	last := entry.refs <= 0
	if last {
		delete(s.cache, ino.Ino)
	}
	s.mu.Unlock()

	if !last {
		return nil
	}
	return s.evict(ino)
}

// TruncateToZero is supplied by the bmap package via a callback so that
// inode does not need to import bmap (which itself imports inode); set once
// at Store construction time by the fs package's wiring step.
type TruncateToZeroFunc func(ino *Inode) error

// evict implements §4.3's eviction rule. releaseAllBlocks must truncate ino
// to size 0, releasing every indexed block; it is injected by the fs
// package to avoid a bmap<->inode import cycle.
func (s *Store) evict(ino *Inode) *babyfs.DriverError {
	if ino.Nlink == 0 {
		if s.releaseAllBlocks != nil {
			if err := s.releaseAllBlocks(ino); err != nil {
				return babyfs.ErrIO.WithMessage(err.Error())
			}
		}

		bm, buf, err := s.inodeBitmap()
		if err != nil {
			return err.(*babyfs.DriverError)
		}
		bm.Set(int(ino.Ino), false)
		s.dev.MarkDirty(buf)
		s.dev.Release(buf)
		s.sb.AddFreeInodes(1)
	}

	if ino.AllocInfo != nil {
		alloc.DiscardReservation(s.bitmapSourceForDiscard(), ino.AllocInfo)
	}
	return nil
}

// SetReleaseAllBlocks installs the bmap-package callback used by evict to
// truncate an about-to-be-freed inode's content to zero.
func (s *Store) SetReleaseAllBlocks(fn TruncateToZeroFunc) {
	s.releaseAllBlocks = fn
}

// SetBitmapSource installs the alloc.BitmapSource adapter (implemented in
// the fs package) used to discard an evicted inode's reservation window.
func (s *Store) SetBitmapSource(src alloc.BitmapSource) {
	s.bitmapSource = src
}

func (s *Store) bitmapSourceForDiscard() alloc.BitmapSource {
	return s.bitmapSource
}
