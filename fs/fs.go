// Package fs mounts a babyfs image: it wires the block, super, alloc,
// inode, bmap, and dir packages together behind a path-based filesystem
// facade implementing create/read/write/truncate/unlink, mkdir/rmdir,
// symlink/hardlink, rename, and directory iteration (§2, §4.6).
package fs

import (
	"io"
	"time"

	"github.com/go-babyfs/babyfs"
	"github.com/go-babyfs/babyfs/alloc"
	"github.com/go-babyfs/babyfs/bmap"
	"github.com/go-babyfs/babyfs/block"
	"github.com/go-babyfs/babyfs/dir"
	"github.com/go-babyfs/babyfs/inode"
	"github.com/go-babyfs/babyfs/super"
)

// FS is a mounted babyfs image.
type FS struct {
	dev       *block.Device
	sb        *super.Superblock
	inodes    *inode.Store
	bmap      *bmap.Mapper
	dirEngine *dir.Engine
	bmSource  *bitmapAdapter

	readOnly bool
}

func wire(dev *block.Device, sb *super.Superblock) *FS {
	bmSrc := newBitmapAdapter(dev, sb)
	inodes := inode.New(dev, sb)
	mapper := bmap.New(dev, sb, bmSrc)
	engine := dir.New(dev, mapper)

	f := &FS{dev: dev, sb: sb, inodes: inodes, bmap: mapper, dirEngine: engine, bmSource: bmSrc}

	inodes.SetBitmapSource(bmSrc)
	inodes.SetReleaseAllBlocks(func(ino *inode.Inode) error {
		if err := mapper.TruncateBlocks(ino, 0); err != nil {
			return err
		}
		return nil
	})
	return f
}

// Format initializes a freshly zeroed image of totalBlocks data blocks on
// backing, writes the superblock, bitmaps, and the root inode/directory,
// and returns the mounted result.
func Format(backing io.ReadWriteSeeker, totalBlocks uint32) (*FS, *babyfs.DriverError) {
	dbmBlocks := super.DataBitmapBlocks(totalBlocks)
	dataBase := super.BlockInodeTable + super.InodeTableBlocks + dbmBlocks
	totalDeviceBlocks := dataBase + totalBlocks

	dev := block.NewDevice(backing, super.BlockSize, totalDeviceBlocks)
	sb := super.NewFormatted(super.FormatOptions{TotalBlocks: totalBlocks})

	if err := sb.SyncCounters(dev); err != nil {
		return nil, err.(*babyfs.DriverError)
	}

	ibBuf, ierr := dev.GetOrCreate(super.BlockInodeBitmap)
	if ierr != nil {
		return nil, ierr.(*babyfs.DriverError)
	}
	dev.MarkDirty(ibBuf)
	if err := dev.Sync(ibBuf); err != nil {
		return nil, err.(*babyfs.DriverError)
	}
	dev.Release(ibBuf)

	bitsPerBitmap := uint32(super.BlockSize * 8)
	for i := uint32(0); i < dbmBlocks; i++ {
		buf, err := dev.GetOrCreate(sb.DataBitmapBase() + i)
		if err != nil {
			return nil, err.(*babyfs.DriverError)
		}
		if i == dbmBlocks-1 {
			// Bits beyond LastBitmapBits don't back any real data block;
			// §6 requires they stay set to 1 forever so the allocator never
			// mistakes them for free space.
			bm := alloc.WrapBitmap(buf.Data)
			for bit := int(sb.LastBitmapBits); bit < int(bitsPerBitmap); bit++ {
				bm.Set(bit, true)
			}
		}
		dev.MarkDirty(buf)
		if serr := dev.Sync(buf); serr != nil {
			return nil, serr.(*babyfs.DriverError)
		}
		dev.Release(buf)
	}

	f := wire(dev, sb)

	now := time.Now()
	root := &inode.Inode{
		Ino:              super.RootIno,
		Kind:             inode.KindDirectory,
		Ctime:            now,
		Atime:            now,
		Mtime:            now,
		Mode:             babyfs.S_IFDIR | babyfs.S_IRWXU | babyfs.S_IRWXG | babyfs.S_IRWXO,
		Nlink:            2,
		LastAllocLogical: -1,
	}
	if err := f.inodes.ClaimSpecific(root); err != nil {
		return nil, err
	}

	if err := f.dirEngine.MakeEmpty(root, super.RootIno); err != nil {
		return nil, err
	}
	if err := f.inodes.Write(root, true); err != nil {
		return nil, err
	}
	if err := sb.SyncCounters(dev); err != nil {
		return nil, err.(*babyfs.DriverError)
	}
	if err := dev.SyncAll(); err != nil {
		return nil, err.(*babyfs.DriverError)
	}

	return f, nil
}

// Mount reads an existing image's superblock from backing and wires up the
// rest of the mounted filesystem state.
func Mount(backing io.ReadWriteSeeker, deviceBlocks uint32) (*FS, *babyfs.DriverError) {
	dev := block.NewDevice(backing, super.BlockSize, deviceBlocks)
	buf, err := dev.Read(0)
	if err != nil {
		return nil, err.(*babyfs.DriverError)
	}
	sb, derr := super.Decode(buf.Data)
	dev.Release(buf)
	if derr != nil {
		return nil, derr.(*babyfs.DriverError)
	}

	return wire(dev, sb), nil
}

// Sync flushes every dirty buffer and the superblock's counters to backing.
func (f *FS) Sync() *babyfs.DriverError {
	if err := f.sb.SyncCounters(f.dev); err != nil {
		return err.(*babyfs.DriverError)
	}
	if err := f.dev.SyncAll(); err != nil {
		return err.(*babyfs.DriverError)
	}
	return nil
}

// FSStat implements statfs: aggregate free-space/inode counters.
func (f *FS) FSStat() babyfs.FSStat {
	return babyfs.FSStat{
		BlockSize:       super.BlockSize,
		TotalBlocks:     uint64(f.sb.NrBlocks),
		BlocksFree:      uint64(f.sb.FreeBlocks()),
		BlocksAvailable: uint64(f.sb.FreeBlocks()),
		Files:           uint64(super.TotalInodes),
		FilesFree:       uint64(f.sb.FreeInodes()),
		MaxNameLength:   super.NameMax,
	}
}
