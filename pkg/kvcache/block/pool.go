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

package block

import (
	"context"
	"fmt"
)

// TensorPool abstracts the device-memory slab a tier of blocks is backed
// by. The block package never touches tensor memory directly; it only
// hands out and reclaims offsets into whichever TensorPool it was
// constructed with, so the same bookkeeping serves any attention-kernel
// memory layout.
type TensorPool interface {
	// NumBlocks reports the pool's fixed capacity in blocks.
	NumBlocks() int32
	// CopyBlock copies the full contents of block src into block dst
	// within this pool. Used for intra-tier compaction; cross-tier
	// onboarding goes through CopyFrom on the destination pool instead.
	CopyBlock(ctx context.Context, dst, src int32) error
	// CopyFrom copies the contents of block src in other into block dst
	// in this pool, used to onboard a secondary-tier block into primary.
	CopyFrom(ctx context.Context, dst int32, other TensorPool, src int32) error
}

// pool owns the block arena for one tier: a dense Metadata slab plus the
// free queue of currently unreferenced blocks in that tier. It never
// allocates or frees block IDs on its own; the Manager hands out capacity
// up front and pool only tracks which of those IDs are presently free.
type pool struct {
	tier   Tier
	tensor TensorPool
	blocks []*Metadata
	free   *freeQueue
}

func newPool(tier Tier, tensor TensorPool, firstID ID) *pool {
	n := tensor.NumBlocks()
	blocks := make([]*Metadata, n)
	fq := newFreeQueue(n)
	for i := int32(0); i < n; i++ {
		id := firstID + ID(i)
		blocks[i] = newMetadata(id, tier, i)
		fq.pushBack(id)
	}
	return &pool{tier: tier, tensor: tensor, blocks: blocks, free: fq}
}

func (p *pool) numBlocks() int32 { return int32(len(p.blocks)) }

func (p *pool) numFree() int32 { return int32(p.free.len()) }

// at returns the Metadata for a block that belongs to this pool, indexed by
// its offset within the pool (not its global ID).
func (p *pool) at(offset int32) *Metadata { return p.blocks[offset] }

// claimFront pops the least-recently-freed block, the eviction victim used
// when no better (already-leaf, already-unshared) candidate is found.
func (p *pool) claimFront() (*Metadata, bool) {
	id, ok := p.free.popFront()
	if !ok {
		return nil, false
	}
	m := p.blocks[id-p.blocks[0].id]
	m.inFreeQueue = false
	return m, true
}

// claim removes a specific block from the free queue, used when the
// manager has already picked a victim via its eviction policy rather than
// taking the queue's front.
func (p *pool) claim(m *Metadata) bool {
	if !p.free.remove(m.id) {
		return false
	}
	m.inFreeQueue = false
	return true
}

// release pushes a block back onto the free queue. Callers must ensure the
// block has no remaining references and is not already free.
func (p *pool) release(m *Metadata) {
	p.free.pushBack(m.id)
	m.inFreeQueue = true
}

// onboard copies srcBlock's contents (from src, a pool in another tier)
// into dst, a block already claimed in this pool.
func (p *pool) onboard(ctx context.Context, dst *Metadata, src *pool, srcBlock *Metadata) error {
	if err := p.tensor.CopyFrom(ctx, dst.poolOffset, src.tensor, srcBlock.poolOffset); err != nil {
		return fmt.Errorf("onboarding block %d from tier %d into block %d: %w", srcBlock.id, src.tier, dst.id, err)
	}
	return nil
}
