package bmap

import (
	"sort"

	"github.com/go-babyfs/babyfs"
	"github.com/go-babyfs/babyfs/alloc"
	"github.com/go-babyfs/babyfs/inode"
	"github.com/go-babyfs/babyfs/super"
)

const directBase = inode.DirectSlots

// TruncateBlocks implements truncate_blocks(inode, offset) (§4.5.4): frees
// every block whose logical index is >= ceil(offset/BS), coalescing
// contiguous physical runs into single free_blocks calls, and discards the
// inode's reservation window.
func (m *Mapper) TruncateBlocks(ino *inode.Inode, offset uint64) *babyfs.DriverError {
	ib := uint32((offset + super.BlockSize - 1) / super.BlockSize)

	var freed []uint32

	for i := int(ib); i < directBase; i++ {
		if ino.Blocks[i] != 0 {
			freed = append(freed, ino.Blocks[i])
			ino.Blocks[i] = 0
		}
	}

	const P = PointersPerBlock
	topLevels := []struct {
		slot  int
		level int
		base  uint32
		span  uint32
	}{
		{inode.IndirectSingle, 1, directBase, P},
		{inode.IndirectDouble, 2, directBase + P, P * P},
		{inode.IndirectTriple, 3, directBase + P + P*P, P * P * P},
	}

	for _, tl := range topLevels {
		child := ino.Blocks[tl.slot]
		if child == 0 {
			continue
		}
		if ib <= tl.base {
			sub, err := m.freeSubtreeFull(child, tl.level)
			if err != nil {
				return err
			}
			freed = append(freed, sub...)
			ino.Blocks[tl.slot] = 0
		} else if ib < tl.base+tl.span {
			sub, gone, err := m.freeSubtreePartial(child, tl.level, tl.base, ib)
			if err != nil {
				return err
			}
			freed = append(freed, sub...)
			if gone {
				ino.Blocks[tl.slot] = 0
			}
		}
	}

	if len(freed) > 0 {
		sort.Slice(freed, func(i, j int) bool { return freed[i] < freed[j] })
		i := 0
		for i < len(freed) {
			j := i + 1
			for j < len(freed) && freed[j] == freed[j-1]+1 {
				j++
			}
			run := uint32(j - i)
			alloc.FreeBlocks(m.allocSrc, freed[i]-m.sb.DataBase(), run)
			i = j
		}
		if ino.BlockCount >= uint32(len(freed)) {
			ino.BlockCount -= uint32(len(freed))
		} else {
			ino.BlockCount = 0
		}
	}

	if ino.AllocInfo != nil {
		alloc.DiscardReservation(m.allocSrc, ino.AllocInfo)
	}
	ino.MarkDirty()
	return nil
}

// freeSubtreeFull frees every block in the subtree rooted at blockNo,
// including blockNo itself, per §4.5.4's free_branches.
func (m *Mapper) freeSubtreeFull(blockNo uint32, level int) ([]uint32, *babyfs.DriverError) {
	buf, err := m.dev.Read(blockNo)
	if err != nil {
		return nil, err.(*babyfs.DriverError)
	}

	var freed []uint32
	for slot := 0; slot < PointersPerBlock; slot++ {
		child := readPointer(buf, slot)
		if child == 0 {
			continue
		}
		if level == 1 {
			freed = append(freed, child)
		} else {
			sub, serr := m.freeSubtreeFull(child, level-1)
			if serr != nil {
				m.dev.Release(buf)
				return nil, serr
			}
			freed = append(freed, sub...)
		}
	}
	m.dev.Release(buf)
	freed = append(freed, blockNo)
	return freed, nil
}

// freeSubtreePartial frees the portion of the subtree rooted at blockNo
// whose logical index is >= ib, where base is blockNo's own starting
// logical index. It reports whether blockNo itself ended up empty (and was
// therefore freed too).
func (m *Mapper) freeSubtreePartial(blockNo uint32, level int, base uint32, ib uint32) ([]uint32, bool, *babyfs.DriverError) {
	const P = PointersPerBlock
	span := uint32(1)
	for i := 0; i < level; i++ {
		span *= P
	}
	if ib <= base {
		freed, err := m.freeSubtreeFull(blockNo, level)
		return freed, true, err
	}
	if ib >= base+span {
		return nil, false, nil
	}

	buf, err := m.dev.Read(blockNo)
	if err != nil {
		return nil, false, err.(*babyfs.DriverError)
	}

	childSpan := span / P
	startChild := int((ib - base) / childSpan)

	var freed []uint32
	for slot := startChild + 1; slot < P; slot++ {
		child := readPointer(buf, slot)
		if child == 0 {
			continue
		}
		if level == 1 {
			freed = append(freed, child)
		} else {
			sub, serr := m.freeSubtreeFull(child, level-1)
			if serr != nil {
				m.dev.Release(buf)
				return nil, false, serr
			}
			freed = append(freed, sub...)
		}
		writePointer(buf, slot, 0)
	}

	childBase := base + uint32(startChild)*childSpan
	child := readPointer(buf, startChild)
	if child != 0 {
		if level == 1 {
			freed = append(freed, child)
			writePointer(buf, startChild, 0)
		} else {
			sub, childGone, serr := m.freeSubtreePartial(child, level-1, childBase, ib)
			if serr != nil {
				m.dev.Release(buf)
				return nil, false, serr
			}
			freed = append(freed, sub...)
			if childGone {
				writePointer(buf, startChild, 0)
			}
		}
	}
	m.dev.MarkDirty(buf)

	empty := true
	for slot := 0; slot < P; slot++ {
		if readPointer(buf, slot) != 0 {
			empty = false
			break
		}
	}
	m.dev.Release(buf)

	if empty {
		freed = append(freed, blockNo)
		return freed, true, nil
	}
	return freed, false, nil
}
