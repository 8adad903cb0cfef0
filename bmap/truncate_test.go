package bmap_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-babyfs/babyfs/inode"
	"github.com/go-babyfs/babyfs/super"
)

// TestMapper_TruncateFreesSingleIndirectLeaf writes 14 blocks (the 12 direct
// slots plus 2 reached through the single-indirect pointer) then truncates to
// exactly 12 blocks, matching the boundary case where the single-indirect
// index block itself becomes empty and must be freed along with its data.
func TestMapper_TruncateFreesSingleIndirectLeaf(t *testing.T) {
	mapper, ino, _ := newTestMapper(t, 64)

	for i := uint32(0); i < 14; i++ {
		_, isHole, _, err := mapper.GetBlocks(ino, i, 1, true)
		require.NoError(t, err)
		require.False(t, isHole)
	}
	require.NotZero(t, ino.Blocks[inode.IndirectSingle])
	require.EqualValues(t, 15, ino.BlockCount) // 12 direct + 1 leaf + 2 indirect data

	err := mapper.TruncateBlocks(ino, 12*uint64(super.BlockSize))
	require.NoError(t, err)

	require.Zero(t, ino.Blocks[12], "single-indirect pointer must be cleared")
	for i := 0; i < 12; i++ {
		require.NotZero(t, ino.Blocks[i], "direct blocks below the truncation point must survive")
	}
	require.EqualValues(t, 12, ino.BlockCount, "the leaf and its 2 data blocks must be released")
	require.True(t, ino.AllocInfo.IsEmpty(), "truncation discards the reservation window")
}

func TestMapper_TruncateToZeroFreesEverything(t *testing.T) {
	mapper, ino, _ := newTestMapper(t, 64)

	for i := uint32(0); i < 4; i++ {
		_, isHole, _, err := mapper.GetBlocks(ino, i, 1, true)
		require.NoError(t, err)
		require.False(t, isHole)
	}
	require.EqualValues(t, 4, ino.BlockCount)

	err := mapper.TruncateBlocks(ino, 0)
	require.NoError(t, err)

	require.Zero(t, ino.BlockCount)
	for i := 0; i < 12; i++ {
		require.Zero(t, ino.Blocks[i])
	}
}

func TestMapper_TruncatePartialLeafKeepsSurvivingPointers(t *testing.T) {
	mapper, ino, _ := newTestMapper(t, 512)

	// Allocate the first 4 blocks inside the single-indirect leaf (logical
	// 12..15); the leaf itself only spans as far as these writes reach.
	base := uint32(inode.DirectSlots)
	for i := uint32(0); i < 4; i++ {
		_, isHole, _, err := mapper.GetBlocks(ino, base+i, 1, true)
		require.NoError(t, err)
		require.False(t, isHole)
	}
	require.NotZero(t, ino.Blocks[inode.IndirectSingle])

	// Truncate so only logical blocks 0..(base+1) survive: the leaf must
	// stay allocated (it still holds a live pointer at slot 0) but slots 2
	// and 3 must be cleared.
	err := mapper.TruncateBlocks(ino, uint64(base+2)*uint64(super.BlockSize))
	require.NoError(t, err)

	require.NotZero(t, ino.Blocks[inode.IndirectSingle], "leaf still holds a live pointer and must survive")

	_, isHole, _, err := mapper.GetBlocks(ino, base+2, 1, false)
	require.NoError(t, err)
	require.True(t, isHole, "block at the truncation point must now be a hole")

	_, isHole, _, err = mapper.GetBlocks(ino, base, 1, false)
	require.NoError(t, err)
	require.False(t, isHole, "block before the truncation point must survive")
}
