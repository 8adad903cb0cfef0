package fs

import (
	"time"

	"github.com/go-babyfs/babyfs"
	"github.com/go-babyfs/babyfs/inode"
	"github.com/go-babyfs/babyfs/super"
)

// readAt reads up to len(p) bytes of ino's content starting at offset,
// resolving each logical block through the block map and returning zeros
// for holes.
func (f *FS) readAt(ino *inode.Inode, offset uint64, p []byte) (int, *babyfs.DriverError) {
	if offset >= ino.Size {
		return 0, nil
	}
	if end := offset + uint64(len(p)); end > ino.Size {
		p = p[:ino.Size-offset]
	}

	var n int
	for n < len(p) {
		cur := offset + uint64(n)
		logical := uint32(cur / super.BlockSize)
		inBlock := int(cur % super.BlockSize)

		want := len(p) - n
		if room := super.BlockSize - inBlock; want > room {
			want = room
		}

		phys, isHole, _, err := f.bmap.GetBlocks(ino, logical, 1, false)
		if err != nil {
			return n, err
		}
		if isHole {
			for i := 0; i < want; i++ {
				p[n+i] = 0
			}
			n += want
			continue
		}

		buf, rerr := f.dev.Read(phys)
		if rerr != nil {
			return n, rerr.(*babyfs.DriverError)
		}
		copy(p[n:n+want], buf.Data[inBlock:inBlock+want])
		f.dev.Release(buf)
		n += want
	}

	ino.Atime = time.Now()
	ino.MarkDirty()
	return n, nil
}

// writeAt writes p into ino's content starting at offset, allocating
// blocks on demand, and grows ino.Size as needed.
func (f *FS) writeAt(ino *inode.Inode, offset uint64, p []byte) (int, *babyfs.DriverError) {
	var n int
	for n < len(p) {
		cur := offset + uint64(n)
		logical := uint32(cur / super.BlockSize)
		inBlock := int(cur % super.BlockSize)

		want := len(p) - n
		if room := super.BlockSize - inBlock; want > room {
			want = room
		}

		phys, _, _, err := f.bmap.GetBlocks(ino, logical, 1, true)
		if err != nil {
			return n, err
		}

		buf, gerr := f.dev.GetOrCreate(phys)
		if gerr != nil {
			return n, gerr.(*babyfs.DriverError)
		}
		copy(buf.Data[inBlock:inBlock+want], p[n:n+want])
		f.dev.MarkDirty(buf)
		f.dev.Release(buf)

		n += want
		if newSize := cur + uint64(want); newSize > ino.Size {
			ino.Size = newSize
		}
	}

	now := time.Now()
	ino.Mtime = now
	ino.Ctime = now
	ino.MarkDirty()
	return n, nil
}
