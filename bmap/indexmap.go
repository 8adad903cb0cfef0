// Package bmap translates a file's logical block index into a physical
// block number through the direct/indirect chain of §4.5, allocating
// missing index and data blocks together on write, and releasing
// sub-trees on truncation.
package bmap

import (
	"github.com/go-babyfs/babyfs"
	"github.com/go-babyfs/babyfs/alloc"
	"github.com/go-babyfs/babyfs/block"
	"github.com/go-babyfs/babyfs/inode"
	"github.com/go-babyfs/babyfs/super"
)

// PointersPerBlock is P = BS/4, the fan-out of one indirect block.
const PointersPerBlock = super.BlockSize / 4

// Mapper wires the block device, superblock, and allocator bitmap source
// together to resolve and extend an inode's block index.
type Mapper struct {
	dev      *block.Device
	sb       *super.Superblock
	allocSrc alloc.BitmapSource
}

// New returns a Mapper over dev/sb, allocating through src.
func New(dev *block.Device, sb *super.Superblock, src alloc.BitmapSource) *Mapper {
	return &Mapper{dev: dev, sb: sb, allocSrc: src}
}

// Address is the result of addressing a logical block number per §4.5.1.
type Address struct {
	Depth    int
	Offsets  [4]int
	Boundary int // distance from the computed slot to the last slot of its leaf index block
}

// Addressing implements §4.5.1.
func Addressing(b uint32) Address {
	const P = PointersPerBlock

	if b < inode.DirectSlots {
		return Address{Depth: 1, Offsets: [4]int{int(b), 0, 0, 0}, Boundary: inode.DirectSlots - 1 - int(b)}
	}
	if b < inode.DirectSlots+P {
		off := int(b) - inode.DirectSlots
		return Address{Depth: 2, Offsets: [4]int{inode.IndirectSingle, off, 0, 0}, Boundary: P - 1 - off}
	}
	if b < inode.DirectSlots+P+P*P {
		bp := int(b) - inode.DirectSlots - P
		return Address{
			Depth:    3,
			Offsets:  [4]int{inode.IndirectDouble, bp / P, bp % P, 0},
			Boundary: P - 1 - (bp % P),
		}
	}
	bpp := int(b) - inode.DirectSlots - P - P*P
	return Address{
		Depth:    4,
		Offsets:  [4]int{inode.IndirectTriple, bpp / (P * P), (bpp / P) % P, bpp % P},
		Boundary: P - 1 - (bpp % P),
	}
}

// link describes one hop of a resolved or partially resolved chain. Level d
// means: parentBuf is the buffer of "container_d" (nil when d == 0, i.e.
// the container is the inode's own Blocks array); slotIndex is the slot
// inside that container; childBlock is the value currently stored there
// (the block number of container_{d+1}, or, when d == Depth-1, the
// resolved data block itself).
type link struct {
	parentBuf  *block.Buffer
	slotIndex  int
	childBlock uint32
}

func (m *Mapper) releaseChain(chain []link) {
	for _, l := range chain {
		if l.parentBuf != nil {
			m.dev.Release(l.parentBuf)
		}
	}
}

func readPointer(buf *block.Buffer, slot int) uint32 {
	off := slot * 4
	return uint32(buf.Data[off]) | uint32(buf.Data[off+1])<<8 |
		uint32(buf.Data[off+2])<<16 | uint32(buf.Data[off+3])<<24
}

func writePointer(buf *block.Buffer, slot int, v uint32) {
	off := slot * 4
	buf.Data[off] = byte(v)
	buf.Data[off+1] = byte(v >> 8)
	buf.Data[off+2] = byte(v >> 16)
	buf.Data[off+3] = byte(v >> 24)
}

// getBranch implements get_branch (§4.5.2). Returns the chain walked so
// far (one link per level reached) and the level at which a zero pointer
// was found, or -1 if the chain is fully resolved. Callers must release
// every link's parentBuf via releaseChain.
func (m *Mapper) getBranch(ino *inode.Inode, addr Address) ([]link, int, *babyfs.DriverError) {
	root := ino.Blocks[addr.Offsets[0]]
	chain := []link{{parentBuf: nil, slotIndex: addr.Offsets[0], childBlock: root}}
	if root == 0 {
		return chain, 0, nil
	}
	if addr.Depth == 1 {
		return chain, -1, nil
	}

	cur := root
	for level := 1; level < addr.Depth; level++ {
		buf, err := m.dev.Read(cur)
		if err != nil {
			m.releaseChain(chain)
			return nil, 0, err.(*babyfs.DriverError)
		}
		slot := addr.Offsets[level]
		child := readPointer(buf, slot)
		chain = append(chain, link{parentBuf: buf, slotIndex: slot, childBlock: child})
		if child == 0 {
			return chain, level, nil
		}
		cur = child
	}
	return chain, -1, nil
}

// GetBlocks implements get_blocks(inode, b, max, create) (§4.5.3). It
// returns the physical block number for logical block b, whether it is a
// hole (only possible when create is false), and the actual contiguous run
// length newly mapped starting at b (1 when simply resolved or a hole).
func (m *Mapper) GetBlocks(ino *inode.Inode, b uint32, max uint32, create bool) (physical uint32, isHole bool, runLength uint32, err *babyfs.DriverError) {
	addr := Addressing(b)
	chain, missingAt, gerr := m.getBranch(ino, addr)
	if gerr != nil {
		return 0, false, 0, gerr
	}

	if missingAt < 0 {
		phys := chain[len(chain)-1].childBlock
		m.releaseChain(chain)
		ino.LastAllocLogical = int64(b)
		ino.LastAllocPhysical = phys
		return phys, false, 1, nil
	}

	if !create {
		m.releaseChain(chain)
		return 0, true, 0, nil
	}

	return m.allocateBranch(ino, b, addr, chain, missingAt, max)
}

// goalFor chooses the allocation goal per §4.5.3 step 4.
func (m *Mapper) goalFor(ino *inode.Inode, b uint32) uint32 {
	if ino.LastAllocLogical >= 0 && uint32(ino.LastAllocLogical) == b-1 && ino.LastAllocPhysical != 0 {
		return ino.LastAllocPhysical + 1
	}
	if ino.LastAllocPhysical != 0 {
		return ino.LastAllocPhysical + 1
	}
	return m.sb.DataBase()
}

// allocateBranch implements §4.5.3 steps 4-8. chain/missingAt come from a
// prior getBranch call; this function takes ownership of releasing chain.
func (m *Mapper) allocateBranch(
	ino *inode.Inode, b uint32, addr Address, chain []link, missingAt int, max uint32,
) (uint32, bool, uint32, *babyfs.DriverError) {
	goal := m.goalFor(ino, b)
	indirectNeeded := (addr.Depth - 1) - missingAt
	dataNeeded := max
	if bound := uint32(addr.Boundary) + 1; dataNeeded > bound {
		dataNeeded = bound
	}

	var claimed []uint32
	rollback := func() {
		for _, p := range claimed {
			alloc.FreeBlocks(m.allocSrc, p-m.sb.DataBase(), 1)
		}
		ino.MarkDirty()
		m.releaseChain(chain)
	}

	indirectBlocks := make([]uint32, 0, indirectNeeded)
	for i := 0; i < indirectNeeded; i++ {
		p, _, nerr := alloc.NewBlocks(m.allocSrc, m.sb.DataBase(), ino.AllocInfo, goal, 1)
		if nerr != nil {
			rollback()
			return 0, false, 0, nerr
		}
		claimed = append(claimed, p)
		indirectBlocks = append(indirectBlocks, p)
		goal = p + 1
	}

	firstData, actualData, nerr := alloc.NewBlocks(m.allocSrc, m.sb.DataBase(), ino.AllocInfo, goal, dataNeeded)
	if nerr != nil {
		rollback()
		return 0, false, 0, nerr
	}
	for i := uint32(0); i < actualData; i++ {
		claimed = append(claimed, firstData+i)
	}

	// Zero and wire each newly allocated index block, chaining them
	// together and linking the first one into the existing chain.
	var prevBuf *block.Buffer
	for i := 0; i < indirectNeeded; i++ {
		level := missingAt + 1 + i
		buf, cerr := m.dev.GetOrCreate(indirectBlocks[i])
		if cerr != nil {
			if prevBuf != nil {
				m.dev.Release(prevBuf)
			}
			rollback()
			return 0, false, 0, cerr.(*babyfs.DriverError)
		}
		for j := range buf.Data {
			buf.Data[j] = 0
		}

		if level == addr.Depth-1 {
			base := addr.Offsets[level]
			for k := uint32(0); k < actualData; k++ {
				writePointer(buf, base+int(k), firstData+k)
			}
		} else {
			writePointer(buf, addr.Offsets[level], indirectBlocks[i+1])
		}
		m.dev.MarkDirty(buf)
		if ino.IsDir() {
			if serr := m.dev.Sync(buf); serr != nil {
				m.dev.Release(buf)
				rollback()
				return 0, false, 0, serr.(*babyfs.DriverError)
			}
		}

		if i == 0 {
			m.spliceParent(chain[missingAt], ino, indirectBlocks[0])
		} else {
			writePointer(prevBuf, addr.Offsets[missingAt+i], indirectBlocks[i])
			m.dev.MarkDirty(prevBuf)
			m.dev.Release(prevBuf)
		}
		prevBuf = buf
	}

	if indirectNeeded == 0 {
		m.spliceParentRun(chain[missingAt], ino, firstData, actualData)
	} else if prevBuf != nil {
		m.dev.Release(prevBuf)
	}

	m.releaseChain(chain)

	ino.BlockCount += uint32(len(claimed))
	ino.LastAllocLogical = int64(b)
	ino.LastAllocPhysical = firstData
	ino.MarkDirty()

	return firstData, false, actualData, nil
}

// spliceParent writes newChild into the slot identified by parent,
// updating either the inode's own Blocks array or an existing indirect
// block buffer.
func (m *Mapper) spliceParent(parent link, ino *inode.Inode, newChild uint32) {
	if parent.parentBuf == nil {
		ino.Blocks[parent.slotIndex] = newChild
		ino.MarkDirty()
		return
	}
	writePointer(parent.parentBuf, parent.slotIndex, newChild)
	m.dev.MarkDirty(parent.parentBuf)
}

// spliceParentRun writes a contiguous run of actualData data-block numbers
// starting at firstData into parent's container, starting at parent's own
// slot, updating either the inode's own Blocks array or an existing
// indirect block buffer. Used when a leaf container already existed
// (indirectNeeded == 0): mirrors how the fresh-leaf branch above wires a
// multi-block run into a newly allocated leaf, for the case where the leaf
// was already there and only some of its slots needed filling.
func (m *Mapper) spliceParentRun(parent link, ino *inode.Inode, firstData uint32, actualData uint32) {
	if parent.parentBuf == nil {
		for k := uint32(0); k < actualData; k++ {
			ino.Blocks[parent.slotIndex+int(k)] = firstData + k
		}
		ino.MarkDirty()
		return
	}
	for k := uint32(0); k < actualData; k++ {
		writePointer(parent.parentBuf, parent.slotIndex+int(k), firstData+k)
	}
	m.dev.MarkDirty(parent.parentBuf)
}
