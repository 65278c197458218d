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
	"sync"

	"k8s.io/klog/v2"

	"github.com/yatoooon/tensorrt-llm-kvcache/pkg/utils/logging"
)

// Config describes the fixed shape of a Manager: how many blocks each tier
// holds and whether content-addressed reuse is enabled at all.
type Config struct {
	// Primary is the fast, attention-visible tier. Required.
	Primary TensorPool
	// Secondary is the optional offload tier. Nil disables onboarding.
	Secondary TensorPool
	// TokensPerBlock is the fixed number of token positions a full block
	// covers; it is informational here (the caller fills blocks) but is
	// surfaced through Stats.
	TokensPerBlock int32
	// EnableReuse turns on trie insertion/lookup for full blocks. When
	// false, AllocateBlock never consults or populates the trie: every
	// allocation is a miss, matching single-use (no prefix sharing)
	// deployments.
	EnableReuse bool
	// Events receives best-effort notifications of trie membership changes.
	// Nil disables event publishing entirely.
	Events EventPublisher
}

// EventPublisher receives best-effort notifications of trie insertions and
// evictions. Calls must not block; a Manager makes them while holding its
// single mutex. kvevents.Publisher satisfies this interface.
type EventPublisher interface {
	PublishBlockStored(hash uint64, parentHash *uint64, tokenIDs []uint32, blockSize int, loraID *int)
	PublishBlockRemoved(hash uint64)
}

// Stats is the point-in-time snapshot described by the statistics surface:
// pool occupancy plus the lifetime reuse counters.
type Stats struct {
	MaxNumBlocks    int32
	FreeNumBlocks   int32
	UsedNumBlocks   int32
	TokensPerBlock  int32
	AllocTotalBlocks uint64
	AllocNewBlocks   uint64
	ReusedBlocks     uint64
}

// Manager is the block-level allocator: tier pools, the free-queue eviction
// discipline, and the prefix trie, all under a single mutex. It has no
// notion of sequences or requests; those are layered on top by the
// sequence and request packages. This mirrors the reference
// implementation's separation between BlockManager (this type) and
// GenerationRequest/KVCacheManager (the layers above).
type Manager struct {
	mu sync.Mutex

	primary   *pool
	secondary *pool
	trie      *prefixTrie

	tokensPerBlock int32
	enableReuse    bool
	events         EventPublisher

	allocTotal uint64
	allocNew   uint64
	reused     uint64
}

// NewManager builds a Manager over the given tier pools. Secondary may be
// nil; onboarding is then unavailable and OnboardBlock always errors.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Primary == nil {
		return nil, fmt.Errorf("block: primary pool is required")
	}
	if cfg.TokensPerBlock <= 0 {
		return nil, fmt.Errorf("block: tokens per block must be positive, got %d", cfg.TokensPerBlock)
	}

	primary := newPool(Primary, cfg.Primary, 0)
	var secondary *pool
	if cfg.Secondary != nil {
		secondary = newPool(Secondary, cfg.Secondary, ID(primary.numBlocks()))
	}

	return &Manager{
		primary:        primary,
		secondary:      secondary,
		trie:           newPrefixTrie(),
		tokensPerBlock: cfg.TokensPerBlock,
		enableReuse:    cfg.EnableReuse,
		events:         cfg.Events,
	}, nil
}

// publishStored notifies the configured EventPublisher, if any, that mb was
// just inserted into the trie.
func (m *Manager) publishStored(mb *Metadata) {
	if m.events == nil {
		return
	}
	tokenIDs := make([]uint32, len(mb.key.Tokens))
	for i, t := range mb.key.Tokens {
		tokenIDs[i] = uint32(t.TokenID)
	}
	var parentHash *uint64
	if mb.parent != NoBlock {
		h := m.block(mb.parent).key.Hash()
		parentHash = &h
	}
	var loraID *int
	if mb.key.LoraTaskID != 0 {
		v := int(mb.key.LoraTaskID)
		loraID = &v
	}
	m.events.PublishBlockStored(mb.key.Hash(), parentHash, tokenIDs, len(mb.key.Tokens), loraID)
}

// publishRemoved notifies the configured EventPublisher, if any, that mb is
// about to be unlinked from the trie.
func (m *Manager) publishRemoved(mb *Metadata) {
	if m.events == nil {
		return
	}
	m.events.PublishBlockRemoved(mb.key.Hash())
}

func (m *Manager) poolFor(tier Tier) *pool {
	if tier == Secondary {
		return m.secondary
	}
	return m.primary
}

// block resolves an ID to its Metadata by scanning the tier it was
// allocated from; ids are dense per tier and contiguous across tiers
// (primary first, then secondary), so this is an O(1) slice index.
func (m *Manager) block(id ID) *Metadata {
	if m.secondary != nil && id >= ID(m.primary.numBlocks()) {
		return m.secondary.at(int32(id) - m.primary.numBlocks())
	}
	return m.primary.at(int32(id))
}

// AllocateBlock resolves one block in the matching chain: if reuse is
// enabled, isFull is true, and a block with this exact key already exists
// under parent, that block's reference count is incremented and it is
// returned with reused=true. Otherwise a fresh block is claimed from the
// free queue (evicting a cached leaf if necessary) and reused=false.
//
// The caller is responsible for having already matched as far as possible
// and for passing isFull=false for the sequence's tail partial block,
// which is never eligible for reuse or trie insertion.
func (m *Manager) AllocateBlock(ctx context.Context, tier Tier, parent ID, key Key, isFull bool) (id ID, reused bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	logger := klog.FromContext(ctx)

	if isFull && m.enableReuse {
		if existing, ok := m.trie.find(m.block, parent, key); ok {
			eb := m.block(existing)
			if eb.inFreeQueue {
				m.poolFor(eb.Tier()).claim(eb)
			}
			eb.incRef()
			m.allocTotal++
			m.reused++
			logger.V(logging.TRACE).Info("reused block", "id", existing, "parent", parent)
			return existing, true, nil
		}
	}

	mb, err := m.claimFreeOrEvict(tier)
	if err != nil {
		return NoBlock, false, err
	}

	mb.key = key
	mb.parent = parent
	mb.isFull = isFull
	mb.refCount = 1
	mb.schedRefCnt = 0

	if isFull && m.enableReuse {
		// The miss check above and this insert run under the same lock,
		// so no other allocation could have inserted this key first.
		m.trie.insert(m.block, parent, key, mb.id)
		mb.inTrie = true
		m.publishStored(mb)
	}

	m.allocTotal++
	m.allocNew++
	logger.V(logging.TRACE).Info("allocated new block", "id", mb.id, "parent", parent, "tier", tier)
	return mb.id, false, nil
}

// AllocateFreshBlock claims a new block for key under parent without ever
// consulting or populating the trie, even when reuse is enabled and a
// matching block already exists. Unlike AllocateBlock, the resulting block
// is deliberately never reachable by any future lookup — not just unused
// by the caller — since it is for the one window that must never be
// served from cache by anyone: the final full block of a prompt, whose
// last token still has to drive the first decode step.
func (m *Manager) AllocateFreshBlock(ctx context.Context, tier Tier, parent ID, key Key) (ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mb, err := m.claimFreeOrEvict(tier)
	if err != nil {
		return NoBlock, err
	}

	mb.key = key
	mb.parent = parent
	mb.isFull = true
	mb.refCount = 1
	mb.schedRefCnt = 0

	m.allocTotal++
	m.allocNew++
	klog.FromContext(ctx).V(logging.TRACE).Info("allocated fresh non-reusable block", "id", mb.id, "parent", parent, "tier", tier)
	return mb.id, nil
}

// claimFreeOrEvict pops a free block from tier's queue, evicting the
// least-recently-freed cached leaf if the queue is otherwise empty because
// every block is presently referenced — in that case there is nothing to
// evict and it returns an error.
func (m *Manager) claimFreeOrEvict(tier Tier) (*Metadata, error) {
	p := m.poolFor(tier)
	if p == nil {
		return nil, fmt.Errorf("block: tier %d has no pool configured", tier)
	}
	mb, ok := p.claimFront()
	if !ok {
		return nil, fmt.Errorf("block: tier %d has no free blocks", tier)
	}
	m.unlinkFromTrie(mb)
	mb.key = Key{}
	mb.parent = NoBlock
	mb.isFull = false
	mb.inTrie = false
	return mb, nil
}

// unlinkFromTrie removes a reclaimed block from the trie and, if that
// leaves its parent both unreferenced and childless, offers the parent up
// for the same treatment — the free-queue discipline only ever holds
// leaves, so reclaiming one can turn its parent into the new leaf. Blocks
// that were never inserted (AllocateFreshBlock's fresh-but-unreusable
// prompt-tail blocks) are skipped, since removing by key here would risk
// unlinking a different block that happens to share the same key+parent.
func (m *Manager) unlinkFromTrie(mb *Metadata) {
	if !mb.inTrie {
		return
	}
	m.publishRemoved(mb)
	parent := mb.parent
	m.trie.remove(m.block, parent, mb.key)
	mb.inTrie = false
	if parent == NoBlock {
		return
	}
	pb := m.block(parent)
	if pb.refCount == 0 && !m.hasChildren(pb) {
		m.maybeFree(pb)
	}
}

// ReleaseBlock drops one reference. When the count reaches zero the block
// becomes free only if it is a leaf (no cached children); otherwise it
// stays allocated, still reachable through the trie for a future reuse
// hit, until its last child is itself evicted.
func (m *Manager) ReleaseBlock(id ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked(id)
}

func (m *Manager) releaseLocked(id ID) {
	mb := m.block(id)
	mb.decRef()
	if mb.refCount > 0 {
		return
	}
	m.maybeFree(mb)
}

func (m *Manager) maybeFree(mb *Metadata) {
	if m.hasChildren(mb) {
		return
	}
	if mb.inFreeQueue {
		return
	}
	m.poolFor(mb.Tier()).release(mb)
}

func (m *Manager) hasChildren(mb *Metadata) bool {
	for _, bucket := range mb.children {
		if len(bucket) > 0 {
			return true
		}
	}
	return false
}

// StartScheduling snapshots every block's live reference count into its
// scheduling reference count, the baseline a dry-run admission check walks
// down from without mutating real reference counts.
func (m *Manager) StartScheduling() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mb := range m.primary.blocks {
		mb.startScheduling()
	}
	if m.secondary != nil {
		for _, mb := range m.secondary.blocks {
			mb.startScheduling()
		}
	}
}

// SchedulingReleaseBlock drops one scheduling-only reference, used by a
// dry-run admission walk to see whether a hypothetical sequence would fit
// without touching the real free queues.
func (m *Manager) SchedulingReleaseBlock(id ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.block(id).decSchedulingRef()
}

// OnboardBlock copies a secondary-tier block's contents into a freshly
// claimed primary-tier block and returns the primary block's id. The
// secondary block's own reference count and trie membership are
// untouched; callers that want the secondary copy released still need a
// separate ReleaseBlock call.
func (m *Manager) OnboardBlock(ctx context.Context, secondaryID ID) (ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.secondary == nil {
		return NoBlock, fmt.Errorf("block: no secondary tier configured")
	}
	src := m.block(secondaryID)
	if src.Tier() != Secondary {
		return NoBlock, fmt.Errorf("block: %d is not a secondary-tier block", secondaryID)
	}

	dst, err := m.claimFreeOrEvict(Primary)
	if err != nil {
		return NoBlock, fmt.Errorf("onboarding block %d: %w", secondaryID, err)
	}
	if err := m.primary.onboard(ctx, dst, m.secondary, src); err != nil {
		m.primary.release(dst)
		return NoBlock, err
	}

	dst.key = src.key
	dst.parent = src.parent
	dst.isFull = src.isFull
	dst.refCount = 1
	if dst.isFull && m.enableReuse {
		m.trie.insert(m.block, dst.parent, dst.key, dst.id)
		dst.inTrie = true
		m.publishStored(dst)
	}
	return dst.id, nil
}

// Stats returns a point-in-time snapshot of pool occupancy and lifetime
// counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	max := m.primary.numBlocks()
	free := m.primary.numFree()
	if m.secondary != nil {
		max += m.secondary.numBlocks()
		free += m.secondary.numFree()
	}
	return Stats{
		MaxNumBlocks:     max,
		FreeNumBlocks:    free,
		UsedNumBlocks:    max - free,
		TokensPerBlock:   m.tokensPerBlock,
		AllocTotalBlocks: m.allocTotal,
		AllocNewBlocks:   m.allocNew,
		ReusedBlocks:     m.reused,
	}
}

// NumFreeBlocks reports the number of immediately claimable blocks in tier,
// i.e. without evicting a cached leaf.
func (m *Manager) NumFreeBlocks(tier Tier) int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.poolFor(tier).numFree()
}

// Offset returns a block's offset within its tier's pool, the value the
// attention kernel indexes its memory slab with.
func (m *Manager) Offset(id ID) int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.block(id).PoolOffset()
}

// Tier returns which pool currently backs a block.
func (m *Manager) Tier(id ID) Tier {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.block(id).Tier()
}

// SchedulingFreeBlocks reports how many blocks in tier currently have no
// scheduling references, used by a dry-run admission pass after
// StartScheduling and a round of SchedulingReleaseBlock calls to see
// whether a hypothetical batch would fit without touching real state.
func (m *Manager) SchedulingFreeBlocks(tier Tier) int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.poolFor(tier)
	var n int32
	for _, mb := range p.blocks {
		if !mb.HasSchedulingRefs() {
			n++
		}
	}
	return n
}
