/*
Copyright 2025 The llm-d Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package sequence_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yatoooon/tensorrt-llm-kvcache/pkg/kvcache/block"
	"github.com/yatoooon/tensorrt-llm-kvcache/pkg/kvcache/sequence"
)

func identityOffset(id block.ID) int32 { return int32(id) * 10 }

func TestTable_AddAndRemoveSequence(t *testing.T) {
	tbl := sequence.NewTable(4)
	require.NoError(t, tbl.AddSequence(1, 1))

	require.NoError(t, tbl.AppendBlock(1, 0, 5))
	require.NoError(t, tbl.AppendBlock(1, 0, 6))

	ids, err := tbl.RemoveSequence(1)
	require.NoError(t, err)
	assert.ElementsMatch(t, []block.ID{5, 6}, ids)

	_, err = tbl.RemoveSequence(1)
	assert.Error(t, err)
}

func TestTable_RemoveSequenceDeduplicatesSharedBlocksAcrossBeams(t *testing.T) {
	tbl := sequence.NewTable(4)
	require.NoError(t, tbl.AddSequence(1, 2))

	require.NoError(t, tbl.AppendBlock(1, 0, 5))
	require.NoError(t, tbl.AppendBlock(1, 1, 5))
	require.NoError(t, tbl.AppendBlock(1, 0, 6))
	require.NoError(t, tbl.AppendBlock(1, 1, 7))

	ids, err := tbl.RemoveSequence(1)
	require.NoError(t, err)
	assert.ElementsMatch(t, []block.ID{5, 6, 7}, ids)
}

func TestTable_AddAndRemoveTokens(t *testing.T) {
	tbl := sequence.NewTable(4)
	require.NoError(t, tbl.AddSequence(1, 1))

	require.NoError(t, tbl.AddToken(1))
	require.NoError(t, tbl.AddToken(1))
	n, err := tbl.NumTokens(1)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	require.NoError(t, tbl.RemoveTokens(1, 1))
	n, err = tbl.NumTokens(1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestTable_RemoveTokensClampsAtZero(t *testing.T) {
	tbl := sequence.NewTable(4)
	require.NoError(t, tbl.AddSequence(1, 1))
	require.NoError(t, tbl.RemoveTokens(1, 5))
	n, err := tbl.NumTokens(1)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestTable_RemoveLastBlock(t *testing.T) {
	tbl := sequence.NewTable(4)
	require.NoError(t, tbl.AddSequence(1, 1))
	require.NoError(t, tbl.AppendBlock(1, 0, 5))
	require.NoError(t, tbl.AppendBlock(1, 0, 6))

	id, err := tbl.RemoveLastBlock(1, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 6, id)

	ids, err := tbl.BlockIDs(1, 0)
	require.NoError(t, err)
	assert.Equal(t, []block.ID{5}, ids)
}

func TestTable_GetBlockOffsetsOfBatch(t *testing.T) {
	tbl := sequence.NewTable(4)
	require.NoError(t, tbl.AddSequence(1, 2))
	require.NoError(t, tbl.AppendBlock(1, 0, 1))
	require.NoError(t, tbl.AppendBlock(1, 0, 2))
	require.NoError(t, tbl.AppendBlock(1, 1, 3))

	offsets, err := tbl.GetBlockOffsetsOfBatch([]int32{1}, identityOffset)
	require.NoError(t, err)
	require.Len(t, offsets, 1)
	assert.Equal(t, []int32{10, 20}, offsets[0][0])
	assert.Equal(t, []int32{30}, offsets[0][1])
}

func TestTable_ClearBlocksResetsTokensAndTailWithoutUnregistering(t *testing.T) {
	tbl := sequence.NewTable(4)
	require.NoError(t, tbl.AddSequence(1, 2))
	require.NoError(t, tbl.AppendBlock(1, 0, 5))
	require.NoError(t, tbl.AppendBlock(1, 1, 5))
	require.NoError(t, tbl.AppendBlock(1, 0, 6))
	require.NoError(t, tbl.AddToken(1))
	require.NoError(t, tbl.SetTailTokens(1, 0, []block.UniqueToken{{TokenID: 1}}))

	ids, err := tbl.ClearBlocks(1)
	require.NoError(t, err)
	assert.ElementsMatch(t, []block.ID{5, 6}, ids)

	n, err := tbl.NumTokens(1)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	remaining, err := tbl.BlockIDs(1, 0)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	window, full, err := tbl.AppendTailToken(1, 0, block.UniqueToken{TokenID: 9}, 4)
	require.NoError(t, err)
	assert.False(t, full)
	assert.Nil(t, window)

	// AddSequence must still reject re-registering the now-cleared slot.
	assert.Error(t, tbl.AddSequence(1, 1))
}

func TestTable_AppendTailTokenFillsAndClearsAtTokensPerBlock(t *testing.T) {
	tbl := sequence.NewTable(4)
	require.NoError(t, tbl.AddSequence(1, 1))
	require.NoError(t, tbl.SetTailTokens(1, 0, []block.UniqueToken{{TokenID: 1}, {TokenID: 2}}))

	window, full, err := tbl.AppendTailToken(1, 0, block.UniqueToken{TokenID: 3}, 4)
	require.NoError(t, err)
	assert.False(t, full)
	assert.Nil(t, window)

	window, full, err = tbl.AppendTailToken(1, 0, block.UniqueToken{TokenID: 4}, 4)
	require.NoError(t, err)
	require.True(t, full)
	assert.Equal(t, []block.UniqueToken{{TokenID: 1}, {TokenID: 2}, {TokenID: 3}, {TokenID: 4}}, window)

	// The buffer is cleared once it fills, so the next token starts fresh.
	window, full, err = tbl.AppendTailToken(1, 0, block.UniqueToken{TokenID: 5}, 4)
	require.NoError(t, err)
	assert.False(t, full)
	assert.Nil(t, window)
}

func TestTable_SetTailTokensRejectsUnknownBeam(t *testing.T) {
	tbl := sequence.NewTable(4)
	require.NoError(t, tbl.AddSequence(1, 1))
	assert.Error(t, tbl.SetTailTokens(1, 1, []block.UniqueToken{{TokenID: 1}}))
}

func TestTable_CopyBlockOffsets(t *testing.T) {
	tbl := sequence.NewTable(4)
	require.NoError(t, tbl.AddSequence(1, 2))
	require.NoError(t, tbl.AppendBlock(1, 0, 1))
	require.NoError(t, tbl.AppendBlock(1, 1, 2))

	dst := make([][]int32, 4)
	require.NoError(t, tbl.CopyBlockOffsets(dst, 2, 1, identityOffset))
	assert.Equal(t, []int32{10}, dst[2])
	assert.Equal(t, []int32{20}, dst[3])
}
