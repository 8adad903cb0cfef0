// Package inode reads and writes fixed-size on-disk inode records,
// maintains the inode bitmap, and materializes the in-memory inode
// structure (§4.3, §6).
package inode

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/go-babyfs/babyfs"
)

// On-disk layout constants, §6.
const (
	OnDiskSize  = 128
	NumBlockPtrs = 15
	DirectSlots  = 12

	IndirectSingle = 12
	IndirectDouble = 13
	IndirectTriple = 14
)

// Kind tags the mode-dispatched operation set a mounted inode belongs to,
// per spec.md §9's "tagged variant" guidance in place of the original's
// per-file-type operation vtable.
type Kind int

const (
	KindRegular Kind = iota
	KindDirectory
	KindSymlink
	KindOther
)

// OnDisk is the raw, exactly-128-byte inode record of §6.
type OnDisk struct {
	Size        uint64
	Ctime       uint32
	Atime       uint32
	Mtime       uint32
	BlockCount  uint32
	Blocks      [NumBlockPtrs]uint32
	Mode        uint16
	Uid         uint16
	Gid         uint16
	Nlink       uint16
	SubdirCount uint16
}

// Encode serializes rec into exactly OnDiskSize bytes, little-endian,
// following the teacher's sequential binary.Write round-trip pattern.
func (rec *OnDisk) Encode() []byte {
	buf := make([]byte, OnDiskSize)
	w := bytes.NewBuffer(buf[:0])

	binary.Write(w, binary.LittleEndian, rec.Size)
	binary.Write(w, binary.LittleEndian, rec.Ctime)
	binary.Write(w, binary.LittleEndian, rec.Atime)
	binary.Write(w, binary.LittleEndian, rec.Mtime)
	binary.Write(w, binary.LittleEndian, rec.BlockCount)
	binary.Write(w, binary.LittleEndian, rec.Blocks)
	binary.Write(w, binary.LittleEndian, rec.Mode)
	binary.Write(w, binary.LittleEndian, rec.Uid)
	binary.Write(w, binary.LittleEndian, rec.Gid)
	binary.Write(w, binary.LittleEndian, rec.Nlink)
	binary.Write(w, binary.LittleEndian, rec.SubdirCount)

	out := w.Bytes()
	copy(buf, out)
	return buf
}

// DecodeOnDisk parses exactly OnDiskSize bytes of raw into an OnDisk record.
func DecodeOnDisk(raw []byte) (*OnDisk, error) {
	if len(raw) < OnDiskSize {
		return nil, babyfs.ErrCorrupted.WithMessage("inode record buffer too short")
	}

	r := bytes.NewReader(raw)
	rec := &OnDisk{}
	fields := []interface{}{
		&rec.Size, &rec.Ctime, &rec.Atime, &rec.Mtime, &rec.BlockCount,
		&rec.Blocks, &rec.Mode, &rec.Uid, &rec.Gid, &rec.Nlink, &rec.SubdirCount,
	}
	for _, f := range fields {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return nil, babyfs.ErrIO.WithMessage(err.Error())
		}
	}
	return rec, nil
}

func serializeTime(t time.Time) uint32 { return uint32(t.Unix()) }
func deserializeTime(v uint32) time.Time { return time.Unix(int64(v), 0) }

// kindFromMode derives the tagged Kind from the on-disk mode bits.
func kindFromMode(mode uint16) Kind {
	switch mode & babyfs.S_IFMT {
	case babyfs.S_IFDIR:
		return KindDirectory
	case babyfs.S_IFLNK:
		return KindSymlink
	case babyfs.S_IFREG:
		return KindRegular
	default:
		return KindOther
	}
}
