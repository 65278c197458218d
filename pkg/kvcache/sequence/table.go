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

// Package sequence tracks, per active slot, which blocks hold each beam's
// KV cache and materializes the block-offset tables the attention kernel
// reads from.
package sequence

import (
	"fmt"
	"sync"

	"github.com/yatoooon/tensorrt-llm-kvcache/pkg/kvcache/block"
	"github.com/yatoooon/tensorrt-llm-kvcache/pkg/utils"
)

// entry is one slot's bookkeeping: a token count shared by every beam,
// per beam the ordered list of block ids that back it, and per beam the
// pending tokens not yet enough to fill the open tail block. Mirrors
// GenerationRequest's mNumTokens/mCacheBlockIds plus the partial window
// BlockManager::addToken accumulates before allocating the next block.
type entry struct {
	numTokens int32
	beams     [][]block.ID
	tail      [][]block.UniqueToken
}

// Table is the per-slot block-id bookkeeping for every sequence currently
// occupying the batch, addressed by slot index exactly as
// GenerationRequest is addressed by seqSlotIdx.
type Table struct {
	mu             sync.Mutex
	tokensPerBlock int32
	slots          map[int32]*entry
}

// NewTable constructs an empty table for a fixed per-block token window.
func NewTable(tokensPerBlock int32) *Table {
	return &Table{tokensPerBlock: tokensPerBlock, slots: make(map[int32]*entry)}
}

// AddSequence registers a new slot with beamWidth independent beams and no
// tokens yet.
func (t *Table) AddSequence(slotIdx int32, beamWidth int32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.slots[slotIdx]; exists {
		return fmt.Errorf("sequence: slot %d already occupied", slotIdx)
	}
	t.slots[slotIdx] = &entry{beams: make([][]block.ID, beamWidth), tail: make([][]block.UniqueToken, beamWidth)}
	return nil
}

// RemoveSequence unregisters a slot and returns every block id it held
// across all beams, deduplicated, so the caller can release each exactly
// once regardless of how many beams shared it.
func (t *Table) RemoveSequence(slotIdx int32) ([]block.ID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.slots[slotIdx]
	if !ok {
		return nil, fmt.Errorf("sequence: slot %d not found", slotIdx)
	}
	delete(t.slots, slotIdx)

	seen := make(map[block.ID]struct{})
	var ids []block.ID
	for _, beam := range e.beams {
		for _, id := range beam {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// ClearBlocks drops every block id a slot's beams reference (returned,
// deduplicated, for the caller to release) and resets its token count and
// tail buffers, without unregistering the slot. Used when a request is
// paused and rescheduled from its prompt, mirroring the block side of
// LlmRequest::pause.
func (t *Table) ClearBlocks(slotIdx int32) ([]block.ID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.slots[slotIdx]
	if !ok {
		return nil, fmt.Errorf("sequence: slot %d not found", slotIdx)
	}

	seen := make(map[block.ID]struct{})
	var ids []block.ID
	for _, beam := range e.beams {
		for _, id := range beam {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	for i := range e.beams {
		e.beams[i] = nil
	}
	for i := range e.tail {
		e.tail[i] = nil
	}
	e.numTokens = 0
	return ids, nil
}

// AddToken advances one beam's token count, mirroring
// GenerationRequest::addNewTokens(1) applied per beam by the caller.
func (t *Table) AddToken(slotIdx int32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.slots[slotIdx]
	if !ok {
		return fmt.Errorf("sequence: slot %d not found", slotIdx)
	}
	e.numTokens++
	return nil
}

// RemoveTokens rewinds a slot's token count, mirroring
// GenerationRequest::removeTokens, used for rewind-on-rejection paths.
func (t *Table) RemoveTokens(slotIdx int32, n int32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.slots[slotIdx]
	if !ok {
		return fmt.Errorf("sequence: slot %d not found", slotIdx)
	}
	e.numTokens -= n
	if e.numTokens < 0 {
		e.numTokens = 0
	}
	return nil
}

// NumTokens reports a slot's current token count.
func (t *Table) NumTokens(slotIdx int32) (int32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.slots[slotIdx]
	if !ok {
		return 0, fmt.Errorf("sequence: slot %d not found", slotIdx)
	}
	return e.numTokens, nil
}

// AppendBlock appends a newly allocated block id to one beam's chain,
// mirroring GenerationRequest::addCacheBlock.
func (t *Table) AppendBlock(slotIdx int32, beam int32, id block.ID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.slots[slotIdx]
	if !ok {
		return fmt.Errorf("sequence: slot %d not found", slotIdx)
	}
	if int(beam) >= len(e.beams) {
		return fmt.Errorf("sequence: slot %d has no beam %d", slotIdx, beam)
	}
	e.beams[beam] = append(e.beams[beam], id)
	return nil
}

// ReplaceLastBlock swaps a beam's last block id, mirroring
// GenerationRequest::changeCacheBlock, used when a context block that was
// partial becomes full and gets reinserted as a new block identity.
func (t *Table) ReplaceLastBlock(slotIdx int32, beam int32, id block.ID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.slots[slotIdx]
	if !ok {
		return fmt.Errorf("sequence: slot %d not found", slotIdx)
	}
	if int(beam) >= len(e.beams) || len(e.beams[beam]) == 0 {
		return fmt.Errorf("sequence: slot %d beam %d has no blocks", slotIdx, beam)
	}
	e.beams[beam][len(e.beams[beam])-1] = id
	return nil
}

// RemoveLastBlock pops and returns a beam's last block id, mirroring
// GenerationRequest::removeLastBlock, used when rewinding a rejected
// speculative block.
func (t *Table) RemoveLastBlock(slotIdx int32, beam int32) (block.ID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.slots[slotIdx]
	if !ok {
		return block.NoBlock, fmt.Errorf("sequence: slot %d not found", slotIdx)
	}
	if int(beam) >= len(e.beams) || len(e.beams[beam]) == 0 {
		return block.NoBlock, fmt.Errorf("sequence: slot %d beam %d has no blocks", slotIdx, beam)
	}
	last := len(e.beams[beam]) - 1
	id := e.beams[beam][last]
	e.beams[beam] = e.beams[beam][:last]
	return id, nil
}

// SetTailTokens seeds a beam's pending tail-block buffer, used right after
// StoreContextBlocks leaves a partial (or freshly opened empty) block open
// for the next decode tokens to fill.
func (t *Table) SetTailTokens(slotIdx int32, beam int32, tokens []block.UniqueToken) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.slots[slotIdx]
	if !ok {
		return fmt.Errorf("sequence: slot %d not found", slotIdx)
	}
	if int(beam) >= len(e.tail) {
		return fmt.Errorf("sequence: slot %d has no beam %d", slotIdx, beam)
	}
	e.tail[beam] = append([]block.UniqueToken(nil), tokens...)
	return nil
}

// AppendTailToken appends token to a beam's open tail-block buffer,
// mirroring the per-token accumulation BlockManager::addSequence performs
// ahead of allocating the next cache block. It reports the accumulated
// window and true once the buffer reaches tokensPerBlock, at which point
// the caller must promote that window into a real block and open a fresh
// tail; the buffer is cleared in that case.
func (t *Table) AppendTailToken(slotIdx, beam int32, token block.UniqueToken, tokensPerBlock int32) ([]block.UniqueToken, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.slots[slotIdx]
	if !ok {
		return nil, false, fmt.Errorf("sequence: slot %d not found", slotIdx)
	}
	if int(beam) >= len(e.tail) {
		return nil, false, fmt.Errorf("sequence: slot %d has no beam %d", slotIdx, beam)
	}
	e.tail[beam] = append(e.tail[beam], token)
	if int32(len(e.tail[beam])) < tokensPerBlock {
		return nil, false, nil
	}
	window := e.tail[beam]
	e.tail[beam] = nil
	return window, true, nil
}

// BlockIDs returns a copy of one beam's block-id chain.
func (t *Table) BlockIDs(slotIdx int32, beam int32) ([]block.ID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.slots[slotIdx]
	if !ok {
		return nil, fmt.Errorf("sequence: slot %d not found", slotIdx)
	}
	if int(beam) >= len(e.beams) {
		return nil, fmt.Errorf("sequence: slot %d has no beam %d", slotIdx, beam)
	}
	out := make([]block.ID, len(e.beams[beam]))
	copy(out, e.beams[beam])
	return out, nil
}

// GetBlockOffsetsOfBatch materializes the offset table the attention
// kernel reads from: for each requested slot, for each beam, the pool
// offset of each of its blocks, resolved through offsetOf. Mirrors
// KVCacheManager::getBlockOffsetsOfBatch.
func (t *Table) GetBlockOffsetsOfBatch(slotIdxs []int32, offsetOf func(block.ID) int32) ([][][]int32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	result := make([][][]int32, len(slotIdxs))
	for i, slotIdx := range slotIdxs {
		e, ok := t.slots[slotIdx]
		if !ok {
			return nil, fmt.Errorf("sequence: slot %d not found", slotIdx)
		}
		result[i] = utils.SliceMap(e.beams, func(beam []block.ID) []int32 {
			return utils.SliceMap(beam, offsetOf)
		})
	}
	return result, nil
}

// CopyBlockOffsets fills a single slot's offset rows into a pre-sized
// destination buffer starting at rowOffset, mirroring
// KVCacheManager::copyBlockOffsets's in-place batch update used when only
// one sequence in a batch has changed.
func (t *Table) CopyBlockOffsets(dst [][]int32, rowOffset int32, slotIdx int32, offsetOf func(block.ID) int32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.slots[slotIdx]
	if !ok {
		return fmt.Errorf("sequence: slot %d not found", slotIdx)
	}
	for beamIdx, beam := range e.beams {
		row := int(rowOffset) + beamIdx
		if row >= len(dst) {
			return fmt.Errorf("sequence: destination buffer too small for slot %d beam %d", slotIdx, beamIdx)
		}
		dst[row] = utils.SliceMap(beam, offsetOf)
	}
	return nil
}
