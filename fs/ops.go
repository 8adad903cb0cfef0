package fs

import (
	"io"
	"os"
	"time"

	"github.com/go-babyfs/babyfs"
	"github.com/go-babyfs/babyfs/dir"
	"github.com/go-babyfs/babyfs/inode"
	"github.com/go-babyfs/babyfs/super"
)

// File is an open handle onto a regular file's content, tracking its own
// read/write cursor independent of other handles on the same inode.
type File struct {
	fs     *FS
	ino    *inode.Inode
	flags  babyfs.IOFlags
	offset uint64
}

// Read implements io.Reader.
func (fh *File) Read(p []byte) (int, error) {
	n, err := fh.fs.readAt(fh.ino, fh.offset, p)
	fh.offset += uint64(n)
	if err != nil {
		return n, err
	}
	if n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

// Write implements io.Writer.
func (fh *File) Write(p []byte) (int, error) {
	if !fh.flags.RequiresWritePerm() {
		return 0, babyfs.ErrInvalid
	}
	if fh.flags.Append() {
		fh.offset = fh.ino.Size
	}
	n, err := fh.fs.writeAt(fh.ino, fh.offset, p)
	fh.offset += uint64(n)
	if err != nil {
		return n, err
	}
	return n, nil
}

// Seek repositions the handle's cursor.
func (fh *File) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = int64(fh.offset)
	case io.SeekEnd:
		base = int64(fh.ino.Size)
	default:
		return 0, babyfs.ErrInvalid
	}
	pos := base + offset
	if pos < 0 {
		return 0, babyfs.ErrInvalid
	}
	fh.offset = uint64(pos)
	return pos, nil
}

// Truncate resizes the underlying inode's content to size bytes.
func (fh *File) Truncate(size uint64) error {
	if size < fh.ino.Size {
		if err := fh.fs.bmap.TruncateBlocks(fh.ino, size); err != nil {
			return err
		}
	}
	fh.ino.Size = size
	fh.ino.Mtime = time.Now()
	fh.ino.Ctime = time.Now()
	fh.ino.MarkDirty()
	return nil
}

// Stat returns the handle's current inode metadata.
func (fh *File) Stat() babyfs.FileStat {
	return toFileStat(fh.ino)
}

// Close flushes the inode record and releases the reference.
func (fh *File) Close() error {
	if err := fh.fs.inodes.Write(fh.ino, false); err != nil {
		return err
	}
	return fh.fs.inodes.Release(fh.ino)
}

// goFileMode converts a raw on-disk UNIX mode word into the os.FileMode the
// rest of the stack (and the DirectoryEntry interface) expects, per the
// teacher's own FileStat.ModeFlags convention.
func goFileMode(raw uint16) os.FileMode {
	perm := os.FileMode(raw & 0o777)
	switch uint16(raw) & babyfs.S_IFMT {
	case babyfs.S_IFDIR:
		perm |= os.ModeDir
	case babyfs.S_IFLNK:
		perm |= os.ModeSymlink
	}
	if raw&babyfs.S_ISUID != 0 {
		perm |= os.ModeSetuid
	}
	if raw&babyfs.S_ISGID != 0 {
		perm |= os.ModeSetgid
	}
	if raw&babyfs.S_ISVTX != 0 {
		perm |= os.ModeSticky
	}
	return perm
}

func toFileStat(ino *inode.Inode) babyfs.FileStat {
	return babyfs.FileStat{
		InodeNumber:  uint64(ino.Ino),
		Nlinks:       uint64(ino.Nlink),
		ModeFlags:    goFileMode(ino.Mode),
		Uid:          uint32(ino.Uid),
		Gid:          uint32(ino.Gid),
		Size:         int64(ino.Size),
		BlockSize:    super.BlockSize,
		NumBlocks:    int64(ino.BlockCount),
		CreatedAt:    ino.Ctime,
		LastChanged:  ino.Ctime,
		LastAccessed: ino.Atime,
		LastModified: ino.Mtime,
	}
}

// Open resolves path and returns a handle, creating a new regular file when
// flags.Create() is set and the path doesn't exist.
func (f *FS) Open(path string, flags babyfs.IOFlags, mode uint16) (*File, *babyfs.DriverError) {
	ino, err := f.resolveFollow(path)
	if err == nil {
		if flags.Create() && flags.Exclusive() {
			f.inodes.Release(ino)
			return nil, babyfs.ErrExists
		}
		if ino.IsDir() {
			f.inodes.Release(ino)
			return nil, babyfs.ErrIsDir
		}
		if flags.Truncate() {
			if terr := f.bmap.TruncateBlocks(ino, 0); terr != nil {
				f.inodes.Release(ino)
				return nil, terr
			}
			ino.Size = 0
			ino.MarkDirty()
		}
		return &File{fs: f, ino: ino, flags: flags}, nil
	}
	if err.Errno() != babyfs.ErrNotFound.Errno() || !flags.Create() {
		return nil, err
	}

	parent, base, perr := f.resolveParent(path)
	if perr != nil {
		return nil, perr
	}
	defer f.inodes.Release(parent)

	child, cerr := f.inodes.NewInode(parent.Uid, parent.Gid, (mode&^uint16(babyfs.S_IFMT))|babyfs.S_IFREG)
	if cerr != nil {
		return nil, cerr
	}
	if aerr := f.dirEngine.AddEntry(parent, base, child.Ino, dir.FileTypeReg); aerr != nil {
		child.Nlink = 0
		f.inodes.Release(child)
		return nil, aerr
	}
	if werr := f.inodes.Write(child, true); werr != nil {
		return nil, werr
	}

	return &File{fs: f, ino: child, flags: flags}, nil
}

// Mkdir creates an empty directory at path.
func (f *FS) Mkdir(path string, mode uint16) *babyfs.DriverError {
	parent, base, err := f.resolveParent(path)
	if err != nil {
		return err
	}
	defer f.inodes.Release(parent)

	if _, lerr := f.lookupChild(parent, base); lerr == nil {
		return babyfs.ErrExists
	}

	child, cerr := f.inodes.NewInode(parent.Uid, parent.Gid, (mode&^uint16(babyfs.S_IFMT))|babyfs.S_IFDIR)
	if cerr != nil {
		return cerr
	}
	child.Nlink = 2

	if merr := f.dirEngine.MakeEmpty(child, parent.Ino); merr != nil {
		f.inodes.Release(child)
		return merr
	}
	if aerr := f.dirEngine.AddEntry(parent, base, child.Ino, dir.FileTypeDir); aerr != nil {
		f.inodes.Release(child)
		return aerr
	}
	parent.Nlink++
	parent.MarkDirty()

	if werr := f.inodes.Write(child, true); werr != nil {
		return werr
	}
	return f.inodes.Write(parent, true)
}

// Rmdir removes an empty directory at path.
func (f *FS) Rmdir(path string) *babyfs.DriverError {
	parent, base, err := f.resolveParent(path)
	if err != nil {
		return err
	}
	defer f.inodes.Release(parent)

	buf, slot, rec, ferr := f.dirEngine.FindEntry(parent, base)
	if ferr != nil {
		return ferr
	}
	child, gerr := f.inodes.Get(rec.InodeNo)
	if gerr != nil {
		f.dev.Release(buf)
		return gerr.(*babyfs.DriverError)
	}
	if !child.IsDir() {
		f.dev.Release(buf)
		f.inodes.Release(child)
		return babyfs.ErrNotDir
	}
	empty, eerr := f.dirEngine.EmptyDir(child)
	if eerr != nil {
		f.dev.Release(buf)
		f.inodes.Release(child)
		return eerr
	}
	if !empty {
		f.dev.Release(buf)
		f.inodes.Release(child)
		return babyfs.ErrNotEmpty
	}
	_ = slot

	if derr := f.dirEngine.DeleteEntry(parent, buf, slot); derr != nil {
		f.inodes.Release(child)
		return derr
	}
	parent.Nlink--
	parent.MarkDirty()

	child.Nlink = 0
	child.MarkDirty()
	if werr := f.inodes.Write(parent, true); werr != nil {
		f.inodes.Release(child)
		return werr
	}
	return f.inodes.Release(child)
}

// Unlink removes a directory entry and decrements the target's link count,
// freeing the inode's content on the last reference (§4.3's eviction rule).
func (f *FS) Unlink(path string) *babyfs.DriverError {
	parent, base, err := f.resolveParent(path)
	if err != nil {
		return err
	}
	defer f.inodes.Release(parent)

	buf, slot, rec, ferr := f.dirEngine.FindEntry(parent, base)
	if ferr != nil {
		return ferr
	}
	child, gerr := f.inodes.Get(rec.InodeNo)
	if gerr != nil {
		f.dev.Release(buf)
		return gerr.(*babyfs.DriverError)
	}
	if child.IsDir() {
		f.dev.Release(buf)
		f.inodes.Release(child)
		return babyfs.ErrIsDir
	}

	if derr := f.dirEngine.DeleteEntry(parent, buf, slot); derr != nil {
		f.inodes.Release(child)
		return derr
	}

	if child.Nlink > 0 {
		child.Nlink--
	}
	child.Ctime = time.Now()
	child.MarkDirty()
	if werr := f.inodes.Write(child, true); werr != nil {
		f.inodes.Release(child)
		return werr
	}
	return f.inodes.Release(child)
}

// Link creates a new hard link newPath pointing at oldPath's inode.
func (f *FS) Link(oldPath, newPath string) *babyfs.DriverError {
	target, err := f.resolveFollow(oldPath)
	if err != nil {
		return err
	}
	defer f.inodes.Release(target)
	if target.IsDir() {
		return babyfs.ErrIsDir
	}

	parent, base, perr := f.resolveParent(newPath)
	if perr != nil {
		return perr
	}
	defer f.inodes.Release(parent)

	if aerr := f.dirEngine.AddEntry(parent, base, target.Ino, fileTypeOf(target)); aerr != nil {
		return aerr
	}
	target.Nlink++
	target.Ctime = time.Now()
	target.MarkDirty()
	return f.inodes.Write(target, true)
}

// Symlink creates a new symbolic link at linkPath whose content is
// targetText.
func (f *FS) Symlink(targetText, linkPath string) *babyfs.DriverError {
	parent, base, err := f.resolveParent(linkPath)
	if err != nil {
		return err
	}
	defer f.inodes.Release(parent)

	child, cerr := f.inodes.NewInode(parent.Uid, parent.Gid, babyfs.S_IFLNK|babyfs.S_IRWXU|babyfs.S_IRWXG|babyfs.S_IRWXO)
	if cerr != nil {
		return cerr
	}
	if _, werr := f.writeAt(child, 0, []byte(targetText)); werr != nil {
		child.Nlink = 0
		f.inodes.Release(child)
		return werr
	}
	if aerr := f.dirEngine.AddEntry(parent, base, child.Ino, dir.FileTypeReg); aerr != nil {
		child.Nlink = 0
		f.inodes.Release(child)
		return aerr
	}
	if werr := f.inodes.Write(child, true); werr != nil {
		return werr
	}
	return f.inodes.Release(child)
}

// Readlink returns a symlink's target text.
func (f *FS) Readlink(path string) (string, *babyfs.DriverError) {
	link, err := f.resolveNoFollow(path)
	if err != nil {
		return "", err
	}
	defer f.inodes.Release(link)
	if !link.IsSymlink() {
		return "", babyfs.ErrInvalid
	}
	return f.readSymlinkTarget(link)
}

func (f *FS) readSymlinkTarget(link *inode.Inode) (string, *babyfs.DriverError) {
	buf := make([]byte, link.Size)
	if _, err := f.readAt(link, 0, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// Stat resolves path (following a final symlink) and returns its metadata.
func (f *FS) Stat(path string) (babyfs.FileStat, *babyfs.DriverError) {
	ino, err := f.resolveFollow(path)
	if err != nil {
		return babyfs.FileStat{}, err
	}
	defer f.inodes.Release(ino)
	return toFileStat(ino), nil
}

// Lstat is like Stat but does not follow a final symlink.
func (f *FS) Lstat(path string) (babyfs.FileStat, *babyfs.DriverError) {
	ino, err := f.resolveNoFollow(path)
	if err != nil {
		return babyfs.FileStat{}, err
	}
	defer f.inodes.Release(ino)
	return toFileStat(ino), nil
}

// dirEntryView adapts a dir.Entry plus its Stat into babyfs.DirectoryEntry.
type dirEntryView struct {
	name string
	stat babyfs.FileStat
}

func (d dirEntryView) Name() string          { return d.name }
func (d dirEntryView) IsDir() bool           { return d.stat.IsDir() }
func (d dirEntryView) Stat() babyfs.FileStat { return d.stat }

// Readdir lists the live entries of the directory at path.
func (f *FS) Readdir(path string) ([]babyfs.DirectoryEntry, *babyfs.DriverError) {
	dirIno, err := f.resolveFollow(path)
	if err != nil {
		return nil, err
	}
	defer f.inodes.Release(dirIno)
	if !dirIno.IsDir() {
		return nil, babyfs.ErrNotDir
	}

	var out []babyfs.DirectoryEntry
	cur := &dir.Cursor{}
	iterErr := f.dirEngine.Iterate(dirIno, cur, func(ent dir.Entry) error {
		child, gerr := f.inodes.Get(ent.Ino)
		if gerr != nil {
			return gerr
		}
		out = append(out, dirEntryView{name: ent.Name, stat: toFileStat(child)})
		return f.inodes.Release(child)
	})
	if iterErr != nil {
		return nil, iterErr
	}
	return out, nil
}

// Rename implements the §4.6 rename algorithm across (old_dir, old_name) ->
// (new_dir, new_name).
func (f *FS) Rename(oldPath, newPath string) *babyfs.DriverError {
	oldParent, oldName, err := f.resolveParent(oldPath)
	if err != nil {
		return err
	}
	defer f.inodes.Release(oldParent)

	newParent, newName, err := f.resolveParent(newPath)
	if err != nil {
		return err
	}
	defer f.inodes.Release(newParent)

	oldBuf, oldSlot, oldRec, ferr := f.dirEngine.FindEntry(oldParent, oldName)
	if ferr != nil {
		return ferr
	}
	movedIno := oldRec.InodeNo
	moved, gerr := f.inodes.Get(movedIno)
	if gerr != nil {
		f.dev.Release(oldBuf)
		return gerr.(*babyfs.DriverError)
	}
	defer f.inodes.Release(moved)

	// 2/3: overwrite or add the new-side record.
	dstBuf, dstSlot, dstRec, dstErr := f.dirEngine.FindEntry(newParent, newName)
	if dstErr == nil {
		prevIno := dstRec.InodeNo
		if serr := f.dirEngine.SetLink(newParent, dstBuf, dstSlot, movedIno, fileTypeOf(moved), true); serr != nil {
			f.dev.Release(oldBuf)
			return serr
		}
		prev, perr := f.inodes.Get(prevIno)
		if perr == nil {
			if prev.Nlink > 0 {
				prev.Nlink--
			}
			if moved.IsDir() && prev.Nlink > 0 {
				prev.Nlink--
			}
			prev.MarkDirty()
			f.inodes.Write(prev, true)
			f.inodes.Release(prev)
		}
	} else {
		if aerr := f.dirEngine.AddEntry(newParent, newName, movedIno, fileTypeOf(moved)); aerr != nil {
			f.dev.Release(oldBuf)
			return aerr
		}
		if moved.IsDir() {
			newParent.Nlink++
			newParent.MarkDirty()
		}
	}

	if derr := f.dirEngine.DeleteEntry(oldParent, oldBuf, oldSlot); derr != nil {
		return derr
	}

	if moved.IsDir() && oldParent.Ino != newParent.Ino {
		ddBuf, ddSlot, dderr := f.dirEngine.Dotdot(moved)
		if dderr != nil {
			return dderr
		}
		if serr := f.dirEngine.SetLink(moved, ddBuf, ddSlot, newParent.Ino, dir.FileTypeDir, false); serr != nil {
			return serr
		}
		if oldParent.Nlink > 0 {
			oldParent.Nlink--
		}
		oldParent.MarkDirty()
	}

	f.inodes.Write(newParent, true)
	f.inodes.Write(oldParent, true)
	return nil
}
