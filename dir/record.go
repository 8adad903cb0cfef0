// Package dir implements the directory engine of §4.6: fixed-size records
// packed across a directory inode's data blocks, addressed through the
// indexed block map.
package dir

import (
	"encoding/binary"

	"github.com/noxer/bytewriter"

	"github.com/go-babyfs/babyfs"
	"github.com/go-babyfs/babyfs/super"
)

// File types recorded alongside a directory entry's inode number; symbolic
// links are recorded as Reg, since only the target inode's mode
// distinguishes them (§4.6). Values match §6's on-disk encoding
// (1=dir, 2=regular).
const (
	FileTypeDir uint8 = 1
	FileTypeReg uint8 = 2
)

// RecordSize is the fixed on-disk size of one directory entry, §6.
const RecordSize = super.DirRecordSize

// recordsPerBlock is how many 256-byte slots fit in one BlockSize block.
const recordsPerBlock = super.BlockSize / RecordSize

// Record is one 256-byte directory entry. Field order mirrors §6's on-disk
// layout (inode_no@0, name@4, name_len@254, file_type@255), not declaration
// order.
type Record struct {
	InodeNo  uint32
	Name     [super.NameMax]byte
	NameLen  uint8
	FileType uint8
}

// IsFree reports whether this slot is an unused or tombstoned record
// ("inode_no == 0 && name_len == 0", §4.6).
func (r *Record) IsFree() bool {
	return r.InodeNo == 0 && r.NameLen == 0
}

// NameString returns the entry's name as a Go string.
func (r *Record) NameString() string {
	return string(r.Name[:r.NameLen])
}

// Encode serializes r into exactly RecordSize bytes, per §6's
// inode_no/name/name_len/file_type layout.
func (r *Record) Encode() []byte {
	buf := make([]byte, RecordSize)
	w := bytewriter.New(buf)
	binary.Write(w, binary.LittleEndian, r.InodeNo)
	binary.Write(w, binary.LittleEndian, r.Name)
	binary.Write(w, binary.LittleEndian, r.NameLen)
	binary.Write(w, binary.LittleEndian, r.FileType)
	return buf
}

// DecodeRecord parses exactly RecordSize bytes of raw into a Record.
func DecodeRecord(raw []byte) (*Record, error) {
	if len(raw) < RecordSize {
		return nil, babyfs.ErrCorrupted.WithMessage("directory record buffer too short")
	}
	rec := &Record{}
	rec.InodeNo = binary.LittleEndian.Uint32(raw[0:4])
	copy(rec.Name[:], raw[4:4+super.NameMax])
	rec.NameLen = raw[4+super.NameMax]
	rec.FileType = raw[4+super.NameMax+1]
	return rec, nil
}

func setName(rec *Record, name string) *babyfs.DriverError {
	if len(name) > super.NameMax {
		return babyfs.ErrNameTooLong
	}
	rec.NameLen = uint8(len(name))
	var buf [super.NameMax]byte
	copy(buf[:], name)
	rec.Name = buf
	return nil
}
