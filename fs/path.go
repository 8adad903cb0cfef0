package fs

import (
	posixpath "path"

	"github.com/go-babyfs/babyfs"
	"github.com/go-babyfs/babyfs/dir"
	"github.com/go-babyfs/babyfs/inode"
	"github.com/go-babyfs/babyfs/super"
)

const maxSymlinkHops = 32

// normalize mirrors the teacher driver's path handling: clean to a POSIX
// absolute path, treating "." as root.
func normalize(p string) string {
	p = posixpath.Clean(p)
	if p == "." || p == "" {
		p = "/"
	}
	if !posixpath.IsAbs(p) {
		p = "/" + p
	}
	return p
}

// lookupChild finds name inside dirIno and returns its inode number.
func (f *FS) lookupChild(dirIno *inode.Inode, name string) (uint32, *babyfs.DriverError) {
	buf, slot, rec, err := f.dirEngine.FindEntry(dirIno, name)
	if err != nil {
		return 0, err
	}
	ino := rec.InodeNo
	_ = slot
	f.dev.Release(buf)
	return ino, nil
}

// resolveNoFollow walks path component by component, following symlinks on
// every intermediate component but not the final one, returning the
// resolved inode (caller must Release it).
func (f *FS) resolveNoFollow(path string) (*inode.Inode, *babyfs.DriverError) {
	path = normalize(path)
	cur, err := f.inodes.Get(super.RootIno)
	if err != nil {
		return nil, err.(*babyfs.DriverError)
	}
	if path == "/" {
		return cur, nil
	}

	parts := splitParts(path)
	for i, name := range parts {
		if !cur.IsDir() {
			f.inodes.Release(cur)
			return nil, babyfs.ErrNotDir
		}
		childNo, lerr := f.lookupChild(cur, name)
		if lerr != nil {
			f.inodes.Release(cur)
			return nil, lerr
		}
		child, gerr := f.inodes.Get(childNo)
		if gerr != nil {
			f.inodes.Release(cur)
			return nil, gerr.(*babyfs.DriverError)
		}
		f.inodes.Release(cur)

		last := i == len(parts)-1
		if !last && child.IsSymlink() {
			resolved, rerr := f.followSymlink(child, 0)
			f.inodes.Release(child)
			if rerr != nil {
				return nil, rerr
			}
			cur = resolved
			continue
		}
		cur = child
	}
	return cur, nil
}

// resolveFollow is resolveNoFollow plus following the final component if it
// is itself a symlink.
func (f *FS) resolveFollow(path string) (*inode.Inode, *babyfs.DriverError) {
	target, err := f.resolveNoFollow(path)
	if err != nil {
		return nil, err
	}
	if !target.IsSymlink() {
		return target, nil
	}
	resolved, rerr := f.followSymlink(target, 0)
	f.inodes.Release(target)
	return resolved, rerr
}

// followSymlink reads a symlink's target and re-resolves it, detecting
// cycles via a hop counter (§7's ErrLinkCycle).
func (f *FS) followSymlink(link *inode.Inode, hops int) (*inode.Inode, *babyfs.DriverError) {
	if hops >= maxSymlinkHops {
		return nil, babyfs.ErrLinkCycle
	}
	target, err := f.readSymlinkTarget(link)
	if err != nil {
		return nil, err
	}
	resolved, rerr := f.resolveNoFollow(target)
	if rerr != nil {
		return nil, rerr
	}
	if resolved.IsSymlink() {
		next, nerr := f.followSymlink(resolved, hops+1)
		f.inodes.Release(resolved)
		return next, nerr
	}
	return resolved, nil
}

// resolveParent splits path into (parent inode, base name), resolving the
// parent directory fully (following symlinks) but leaving the base name
// unresolved for the caller to add/remove/replace.
func (f *FS) resolveParent(path string) (*inode.Inode, string, *babyfs.DriverError) {
	path = normalize(path)
	parentPath, base := posixpath.Split(path)
	if base == "" {
		return nil, "", babyfs.ErrInvalid
	}
	parent, err := f.resolveFollow(parentPath)
	if err != nil {
		return nil, "", err
	}
	if !parent.IsDir() {
		f.inodes.Release(parent)
		return nil, "", babyfs.ErrNotDir
	}
	return parent, base, nil
}

func splitParts(path string) []string {
	var parts []string
	start := 1 // skip leading '/'
	for i := 1; i <= len(path); i++ {
		if i == len(path) || path[i] == '/' {
			if i > start {
				parts = append(parts, path[start:i])
			}
			start = i + 1
		}
	}
	return parts
}

// fileTypeOf maps a tagged Kind onto the directory-record file type bits.
func fileTypeOf(ino *inode.Inode) uint8 {
	if ino.IsDir() {
		return dir.FileTypeDir
	}
	return dir.FileTypeReg
}
