package dir

import (
	"time"

	"golang.org/x/exp/slices"

	"github.com/go-babyfs/babyfs"
	"github.com/go-babyfs/babyfs/bmap"
	"github.com/go-babyfs/babyfs/block"
	"github.com/go-babyfs/babyfs/inode"
	"github.com/go-babyfs/babyfs/super"
)

// Engine implements §4.6's operations against a directory inode, reading and
// writing its content through the block map.
type Engine struct {
	dev *block.Device
	bm  *bmap.Mapper
}

// New returns an Engine backed by dev/bm.
func New(dev *block.Device, bm *bmap.Mapper) *Engine {
	return &Engine{dev: dev, bm: bm}
}

// Cursor is an iteration position, advanced 256 bytes per record (including
// tombstones), per §4.6's iterate().
type Cursor struct {
	Pos uint64
}

// slotBuffer fetches the on-disk block covering the record at seq (the
// global, zero-based record index), creating it if create is true and it is
// a hole at exactly dir.Size (end-of-file growth via prepare_chunk).
func (e *Engine) slotBuffer(dirIno *inode.Inode, seq uint64, create bool) (*block.Buffer, int, *babyfs.DriverError) {
	offset := seq * RecordSize
	logical := uint32(offset / super.BlockSize)
	slot := int((offset % super.BlockSize) / RecordSize)

	phys, isHole, _, err := e.bm.GetBlocks(dirIno, logical, 1, create && offset == dirIno.Size)
	if err != nil {
		return nil, 0, err
	}
	if isHole {
		return nil, 0, nil
	}

	var buf *block.Buffer
	var gerr error
	if create && offset == dirIno.Size && slot == 0 {
		buf, gerr = e.dev.GetOrCreate(phys)
	} else {
		buf, gerr = e.dev.Read(phys)
	}
	if gerr != nil {
		return nil, 0, gerr.(*babyfs.DriverError)
	}
	return buf, slot, nil
}

func recordAt(buf *block.Buffer, slot int) (*Record, *babyfs.DriverError) {
	off := slot * RecordSize
	rec, err := DecodeRecord(buf.Data[off : off+RecordSize])
	if err != nil {
		return nil, err.(*babyfs.DriverError)
	}
	return rec, nil
}

func writeRecordAt(buf *block.Buffer, slot int, rec *Record) {
	off := slot * RecordSize
	copy(buf.Data[off:off+RecordSize], rec.Encode())
}

func touch(dirIno *inode.Inode) {
	now := time.Now()
	dirIno.Mtime = now
	dirIno.Ctime = now
	dirIno.MarkDirty()
}

// AddEntry implements add_entry (§4.6): scans dir's pages in order, reusing
// the first free slot or extending the directory by one block at EOF, and
// fails with EEXIST on a name collision.
func (e *Engine) AddEntry(dirIno *inode.Inode, name string, childIno uint32, fileType uint8) *babyfs.DriverError {
	if len(name) > super.NameMax {
		return babyfs.ErrNameTooLong
	}

	var seq uint64
	for {
		offset := seq * RecordSize
		atEOF := offset >= dirIno.Size

		buf, slot, err := e.slotBuffer(dirIno, seq, true)
		if err != nil {
			return err
		}
		if buf == nil {
			// Hole mid-directory: treat as corruption per §4.6's "gaps
			// cannot appear mid-directory" invariant.
			return babyfs.ErrCorrupted.WithMessage("hole in directory content")
		}

		rec, rerr := recordAt(buf, slot)
		if rerr != nil {
			e.dev.Release(buf)
			return rerr
		}

		if atEOF || rec.IsFree() {
			newRec := &Record{InodeNo: childIno, FileType: fileType}
			if serr := setName(newRec, name); serr != nil {
				e.dev.Release(buf)
				return serr
			}
			writeRecordAt(buf, slot, newRec)
			e.dev.MarkDirty(buf)
			if atEOF {
				dirIno.Size = offset + RecordSize
			}
			if syncErr := e.dev.Sync(buf); syncErr != nil {
				e.dev.Release(buf)
				return syncErr.(*babyfs.DriverError)
			}
			e.dev.Release(buf)
			touch(dirIno)
			return nil
		}

		if rec.NameString() == name {
			e.dev.Release(buf)
			return babyfs.ErrExists
		}
		e.dev.Release(buf)
		seq++
	}
}

// FindEntry implements find_entry (§4.6). Returns the owning buffer, the
// slot within it, and the record; the caller must release buf.
func (e *Engine) FindEntry(dirIno *inode.Inode, name string) (*block.Buffer, int, *Record, *babyfs.DriverError) {
	var seq uint64
	for {
		offset := seq * RecordSize
		if offset >= dirIno.Size {
			return nil, 0, nil, babyfs.ErrNotFound
		}

		buf, slot, err := e.slotBuffer(dirIno, seq, false)
		if err != nil {
			return nil, 0, nil, err
		}
		if buf == nil {
			return nil, 0, nil, babyfs.ErrCorrupted.WithMessage("hole in directory content")
		}

		rec, rerr := recordAt(buf, slot)
		if rerr != nil {
			e.dev.Release(buf)
			return nil, 0, nil, rerr
		}

		if rec.IsFree() {
			e.dev.Release(buf)
			return nil, 0, nil, babyfs.ErrNotFound
		}
		if rec.NameString() == name {
			return buf, slot, rec, nil
		}
		e.dev.Release(buf)
		seq++
	}
}

// DeleteEntry implements delete_entry (§4.6): rewrite the record as a
// tombstone in place. buf must be the buffer FindEntry returned; it is
// released here.
func (e *Engine) DeleteEntry(dirIno *inode.Inode, buf *block.Buffer, slot int) *babyfs.DriverError {
	tomb := &Record{}
	writeRecordAt(buf, slot, tomb)
	e.dev.MarkDirty(buf)
	if err := e.dev.Sync(buf); err != nil {
		e.dev.Release(buf)
		return err.(*babyfs.DriverError)
	}
	e.dev.Release(buf)
	touch(dirIno)
	return nil
}

// Entry is one live record surfaced by Iterate.
type Entry struct {
	Name     string
	Ino      uint32
	FileType uint8
}

// Iterate implements iterate (§4.6): resumes from cur.Pos, calls fn for
// every live record, and advances cur.Pos by 256 bytes per record seen
// (including tombstones) until dir.Size is reached.
func (e *Engine) Iterate(dirIno *inode.Inode, cur *Cursor, fn func(Entry) error) *babyfs.DriverError {
	for cur.Pos < dirIno.Size {
		seq := cur.Pos / RecordSize
		buf, slot, err := e.slotBuffer(dirIno, seq, false)
		if err != nil {
			return err
		}
		if buf == nil {
			cur.Pos += RecordSize
			continue
		}

		rec, rerr := recordAt(buf, slot)
		if rerr != nil {
			e.dev.Release(buf)
			return rerr
		}
		live := !rec.IsFree()
		var entry Entry
		if live {
			entry = Entry{Name: rec.NameString(), Ino: rec.InodeNo, FileType: rec.FileType}
		}
		e.dev.Release(buf)
		cur.Pos += RecordSize

		if live {
			if cerr := fn(entry); cerr != nil {
				return babyfs.ErrIO.WithMessage(cerr.Error())
			}
		}
	}
	return nil
}

// MakeEmpty implements make_empty (§4.6): installs "." and ".." in slots 0
// and 1 of block 0.
func (e *Engine) MakeEmpty(dirIno *inode.Inode, parentIno uint32) *babyfs.DriverError {
	phys, _, _, err := e.bm.GetBlocks(dirIno, 0, 1, true)
	if err != nil {
		return err
	}
	buf, gerr := e.dev.GetOrCreate(phys)
	if gerr != nil {
		return gerr.(*babyfs.DriverError)
	}

	dot := &Record{InodeNo: dirIno.Ino, FileType: FileTypeDir}
	setName(dot, ".")
	writeRecordAt(buf, 0, dot)

	dotdot := &Record{InodeNo: parentIno, FileType: FileTypeDir}
	setName(dotdot, "..")
	writeRecordAt(buf, 1, dotdot)

	e.dev.MarkDirty(buf)
	if dirIno.Size < 2*RecordSize {
		dirIno.Size = 2 * RecordSize
	}
	if serr := e.dev.Sync(buf); serr != nil {
		e.dev.Release(buf)
		return serr.(*babyfs.DriverError)
	}
	e.dev.Release(buf)
	touch(dirIno)
	return nil
}

// EmptyDir implements empty_dir (§4.6): a directory is empty iff every live
// record is "." or ".." pointing at itself/its declared parent.
func (e *Engine) EmptyDir(dirIno *inode.Inode) (bool, *babyfs.DriverError) {
	dotNames := []string{".", ".."}
	empty := true
	cur := &Cursor{}
	err := e.Iterate(dirIno, cur, func(ent Entry) error {
		if !slices.Contains(dotNames, ent.Name) {
			empty = false
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return empty, nil
}

// SetLink implements set_link (§4.6): overwrite a record's inode number and
// file type in place. buf must be the buffer FindEntry/Dotdot returned; it
// is released here.
func (e *Engine) SetLink(dirIno *inode.Inode, buf *block.Buffer, slot int, newIno uint32, fileType uint8, updateTimes bool) *babyfs.DriverError {
	rec, err := recordAt(buf, slot)
	if err != nil {
		e.dev.Release(buf)
		return err
	}
	rec.InodeNo = newIno
	rec.FileType = fileType
	writeRecordAt(buf, slot, rec)
	e.dev.MarkDirty(buf)
	if serr := e.dev.Sync(buf); serr != nil {
		e.dev.Release(buf)
		return serr.(*babyfs.DriverError)
	}
	e.dev.Release(buf)
	if updateTimes {
		touch(dirIno)
	}
	return nil
}

// Dotdot implements dotdot (§4.6): returns the ".." record at slot 1 of
// block 0, for Rename to rewrite via SetLink.
func (e *Engine) Dotdot(dirIno *inode.Inode) (*block.Buffer, int, *babyfs.DriverError) {
	phys, isHole, _, err := e.bm.GetBlocks(dirIno, 0, 1, false)
	if err != nil {
		return nil, 0, err
	}
	if isHole {
		return nil, 0, babyfs.ErrCorrupted.WithMessage("directory missing block 0")
	}
	buf, rerr := e.dev.Read(phys)
	if rerr != nil {
		return nil, 0, rerr.(*babyfs.DriverError)
	}
	return buf, 1, nil
}
