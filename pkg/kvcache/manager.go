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

// Package kvcache ties the block pool, per-sequence bookkeeping and
// per-request state machines together behind one facade, the way
// teacher's pkg/kvcache/indexer.go orchestrates its own sub-components
// behind Indexer.GetPodScores.
package kvcache

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/yatoooon/tensorrt-llm-kvcache/pkg/kvcache/block"
	"github.com/yatoooon/tensorrt-llm-kvcache/pkg/kvcache/request"
	"github.com/yatoooon/tensorrt-llm-kvcache/pkg/kvcache/sequence"
	"github.com/yatoooon/tensorrt-llm-kvcache/pkg/utils/logging"
)

// Config constructs a CacheManager. Block.TokensPerBlock is the single
// source of truth for the chunk size both the block manager and the
// sequence table use.
type Config struct {
	Block block.Config
}

// StatsSnapshot is the external statistics surface: pool occupancy,
// lifetime reuse counters, and the number of requests currently tracked.
type StatsSnapshot struct {
	block.Stats
	ActiveRequests int
}

// CacheManager is the top-level entry point: it owns one block.Manager, one
// sequence.Table keyed by request id, and the request.Request state
// machines for every request currently admitted.
type CacheManager struct {
	mu sync.Mutex

	blocks    *block.Manager
	sequences *sequence.Table
	requests  map[int64]*request.Request

	tokensPerBlock int32
}

// NewCacheManager constructs a CacheManager from cfg.
func NewCacheManager(cfg Config) (*CacheManager, error) {
	blocks, err := block.NewManager(cfg.Block)
	if err != nil {
		return nil, newError(InvalidArgument, "NewCacheManager", err)
	}
	return &CacheManager{
		blocks:         blocks,
		sequences:      sequence.NewTable(cfg.Block.TokensPerBlock),
		requests:       make(map[int64]*request.Request),
		tokensPerBlock: cfg.Block.TokensPerBlock,
	}, nil
}

// AddSequence admits a new request: it must not already be tracked. The
// caller constructs the request.Request itself (so it controls options
// like LoraTaskID and LookaheadConfig) and hands it to the manager here.
func (c *CacheManager) AddSequence(ctx context.Context, req *request.Request, beamWidth int32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.requests[req.ID]; exists {
		return newError(InvalidArgument, "AddSequence", fmt.Errorf("request %d already admitted", req.ID))
	}
	if err := c.sequences.AddSequence(int32(req.ID), beamWidth); err != nil {
		return newError(IllegalState, "AddSequence", err)
	}
	c.requests[req.ID] = req

	klog.FromContext(ctx).V(logging.DEBUG).Info("admitted request", "requestID", req.ID, "beamWidth", beamWidth)
	return nil
}

// StoreContextBlocks chunks the complete prompt into tokensPerBlock
// windows and allocates one block per window for the given beam, chaining
// each new block off the previous one. It must be called exactly once per
// beam, with the whole prompt: incremental chunked ingestion across
// multiple calls is not supported by this layer (Open Question, see
// DESIGN.md).
//
// The very last full window of the prompt is never served from the trie
// even on an exact match, since its last token still has to drive the
// first decode step (§4.2's reuse cap of promptLen-1 tokens). That
// exclusion only applies when this window is genuinely the end of the
// prompt, i.e. the prompt divides evenly by tokensPerBlock and no partial
// tail token follows it: when a partial tail does follow, every full
// window — including what would otherwise look like "the last one by
// index" — is a strict prefix of the prompt and is matched/inserted
// normally, exactly as spec.md's worked example requires (tokensPerBlock
// 4, prompt [1..9]: both [1..4] and [5..8] enter the trie, since token 9
// is the actual excluded position). The excluded window is still
// allocated as a full block, but it is never inserted into the trie —
// it is deliberately unreachable by any future lookup, not merely
// unreached by this request's own. A trailing partial window, or a
// freshly opened empty block when the prompt divides evenly, is left
// open for AddToken to fill during decode. Mirrors
// KVCacheManager::storeContextBlocks/findNewContextBlock.
func (c *CacheManager) StoreContextBlocks(ctx context.Context, requestID int64, beam int32, tokens []block.UniqueToken) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	req, ok := c.requests[requestID]
	if !ok {
		return newError(InvalidArgument, "StoreContextBlocks", fmt.Errorf("request %d not admitted", requestID))
	}

	ids, err := c.sequences.BlockIDs(int32(requestID), beam)
	if err != nil {
		return newError(IllegalState, "StoreContextBlocks", err)
	}
	parent := block.NoBlock
	if len(ids) > 0 {
		parent = ids[len(ids)-1]
	}

	exactDivision := len(tokens)%int(c.tokensPerBlock) == 0
	lastFullWindow := len(tokens)/int(c.tokensPerBlock) - 1

	lora := block.LoraTaskID(req.LoraTaskID())
	var tail []block.UniqueToken
	var prepopulated int32
	for start := 0; start < len(tokens); start += int(c.tokensPerBlock) {
		end := start + int(c.tokensPerBlock)
		isFull := end <= len(tokens)
		if !isFull {
			end = len(tokens)
		}
		window := tokens[start:end]
		key := block.Key{LoraTaskID: lora, Tokens: window}

		isTerminal := isFull && exactDivision && start/int(c.tokensPerBlock) == lastFullWindow

		var id block.ID
		var reused bool
		if isTerminal {
			id, err = c.blocks.AllocateFreshBlock(ctx, block.Primary, parent, key)
		} else {
			id, reused, err = c.blocks.AllocateBlock(ctx, block.Primary, parent, key, isFull)
		}
		if err != nil {
			return newError(OutOfCapacity, "StoreContextBlocks", err)
		}
		if reused {
			prepopulated += int32(len(window))
		}
		if err := c.sequences.AppendBlock(int32(requestID), beam, id); err != nil {
			return newError(IllegalState, "StoreContextBlocks", err)
		}
		parent = id
		if !isFull {
			tail = window
		}
	}

	if tail == nil {
		id, _, err := c.blocks.AllocateBlock(ctx, block.Primary, parent, block.Key{}, false)
		if err != nil {
			return newError(OutOfCapacity, "StoreContextBlocks", err)
		}
		if err := c.sequences.AppendBlock(int32(requestID), beam, id); err != nil {
			return newError(IllegalState, "StoreContextBlocks", err)
		}
	}
	if err := c.sequences.SetTailTokens(int32(requestID), beam, tail); err != nil {
		return newError(IllegalState, "StoreContextBlocks", err)
	}

	req.SetPrepopulatedPromptLen(prepopulated)
	return nil
}

// AddToken advances one decode step for one beam: it bumps the slot's
// shared token count (only once per step, on beam 0, since every beam
// advances in lockstep) and appends token to that beam's open tail block.
// Once the tail reaches tokensPerBlock, it is promoted into a real
// content-addressed block and a fresh empty tail is opened behind it,
// mirroring BlockManager::addSequence's per-token cache-block bookkeeping.
func (c *CacheManager) AddToken(ctx context.Context, requestID int64, beam int32, token block.UniqueToken) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	req, ok := c.requests[requestID]
	if !ok {
		return newError(InvalidArgument, "AddToken", fmt.Errorf("request %d not admitted", requestID))
	}

	if beam == 0 {
		if err := c.sequences.AddToken(int32(requestID)); err != nil {
			return newError(InvalidArgument, "AddToken", err)
		}
	}

	window, full, err := c.sequences.AppendTailToken(int32(requestID), beam, token, c.tokensPerBlock)
	if err != nil {
		return newError(IllegalState, "AddToken", err)
	}
	if !full {
		return nil
	}

	ids, err := c.sequences.BlockIDs(int32(requestID), beam)
	if err != nil {
		return newError(IllegalState, "AddToken", err)
	}
	oldTail := block.NoBlock
	parent := block.NoBlock
	if len(ids) > 0 {
		oldTail = ids[len(ids)-1]
	}
	if len(ids) > 1 {
		parent = ids[len(ids)-2]
	}

	key := block.Key{LoraTaskID: block.LoraTaskID(req.LoraTaskID()), Tokens: window}
	filled, _, err := c.blocks.AllocateBlock(ctx, block.Primary, parent, key, true)
	if err != nil {
		return newError(OutOfCapacity, "AddToken", err)
	}
	if oldTail == block.NoBlock {
		if err := c.sequences.AppendBlock(int32(requestID), beam, filled); err != nil {
			return newError(IllegalState, "AddToken", err)
		}
	} else if err := c.sequences.ReplaceLastBlock(int32(requestID), beam, filled); err != nil {
		return newError(IllegalState, "AddToken", err)
	}

	opened, _, err := c.blocks.AllocateBlock(ctx, block.Primary, filled, block.Key{}, false)
	if err != nil {
		return newError(OutOfCapacity, "AddToken", err)
	}
	if err := c.sequences.AppendBlock(int32(requestID), beam, opened); err != nil {
		return newError(IllegalState, "AddToken", err)
	}

	if oldTail != block.NoBlock {
		c.blocks.ReleaseBlock(oldTail)
	}
	return nil
}

// Pause clears a request's cache blocks and folds its generated tokens
// back into the prompt (clamped to maxInputLen), readying it to be
// rescheduled from the top. Mirrors the block-release half of
// LlmRequest::pause; the token-folding and state transition are delegated
// to request.Request.Pause.
func (c *CacheManager) Pause(ctx context.Context, requestID int64, maxInputLen int32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	req, ok := c.requests[requestID]
	if !ok {
		return newError(InvalidArgument, "Pause", fmt.Errorf("request %d not admitted", requestID))
	}
	generated, err := c.sequences.NumTokens(int32(requestID))
	if err != nil {
		return newError(IllegalState, "Pause", err)
	}
	ids, err := c.sequences.ClearBlocks(int32(requestID))
	if err != nil {
		return newError(IllegalState, "Pause", err)
	}
	for _, id := range ids {
		c.blocks.ReleaseBlock(id)
	}
	if err := req.Pause(maxInputLen, generated); err != nil {
		return newError(IllegalState, "Pause", err)
	}

	klog.FromContext(ctx).V(logging.DEBUG).Info("paused request", "requestID", requestID, "blocksReleased", len(ids))
	return nil
}

// ReleaseLastBlock pops and releases one beam's most recently appended
// block, used when rewinding a rejected speculative-decoding block.
// Mirrors GenerationRequest::removeLastBlock paired with
// BlockManager::releaseLastBlock.
func (c *CacheManager) ReleaseLastBlock(ctx context.Context, requestID int64, beam int32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.requests[requestID]; !ok {
		return newError(InvalidArgument, "ReleaseLastBlock", fmt.Errorf("request %d not admitted", requestID))
	}
	id, err := c.sequences.RemoveLastBlock(int32(requestID), beam)
	if err != nil {
		return newError(IllegalState, "ReleaseLastBlock", err)
	}
	c.blocks.ReleaseBlock(id)
	return nil
}

// RemoveSequence releases every block a request's beams reference and
// drops its tracking state. It is safe to call on an already-finished
// request; it is an error to call it on an unknown one.
func (c *CacheManager) RemoveSequence(ctx context.Context, requestID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.requests[requestID]; !ok {
		return newError(InvalidArgument, "RemoveSequence", fmt.Errorf("request %d not admitted", requestID))
	}
	ids, err := c.sequences.RemoveSequence(int32(requestID))
	if err != nil {
		return newError(IllegalState, "RemoveSequence", err)
	}
	for _, id := range ids {
		c.blocks.ReleaseBlock(id)
	}
	delete(c.requests, requestID)

	klog.FromContext(ctx).V(logging.DEBUG).Info("removed request", "requestID", requestID, "blocksReleased", len(ids))
	return nil
}

// GetBlockOffsetsOfBatch materializes the [request][beam][block] offset
// table a batch's attention kernel call reads from.
func (c *CacheManager) GetBlockOffsetsOfBatch(requestIDs []int64) ([][][]int32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	slots := make([]int32, len(requestIDs))
	for i, id := range requestIDs {
		slots[i] = int32(id)
	}
	offsets, err := c.sequences.GetBlockOffsetsOfBatch(slots, c.blocks.Offset)
	if err != nil {
		return nil, newError(InvalidArgument, "GetBlockOffsetsOfBatch", err)
	}
	return offsets, nil
}

// CopyBlockOffsets fills one request's offset rows into a pre-sized
// destination buffer, for the in-place single-sequence update path.
func (c *CacheManager) CopyBlockOffsets(dst [][]int32, rowOffset int32, requestID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.sequences.CopyBlockOffsets(dst, rowOffset, int32(requestID), c.blocks.Offset); err != nil {
		return newError(InvalidArgument, "CopyBlockOffsets", err)
	}
	return nil
}

// Stats returns a point-in-time snapshot of the statistics surface.
func (c *CacheManager) Stats() StatsSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return StatsSnapshot{Stats: c.blocks.Stats(), ActiveRequests: len(c.requests)}
}

// AdmissionCandidate is one hypothetical request a PlanAdmissions dry run
// evaluates: the blocks it would release if admitted (because they are
// shared with, or superseded by, the new request) and how many fresh
// blocks per tier it would need beyond those.
type AdmissionCandidate struct {
	RequestID    int64
	ReleaseIDs   []block.ID
	NeededBlocks map[block.Tier]int32
}

// PlanAdmissions runs a concurrent, read-only dry run of whether each
// candidate would fit, without mutating any request's real reference
// counts. It snapshots scheduling refcounts once, fans candidates out
// concurrently to simulate their releases, then serially checks each
// candidate's tier requirement against the post-simulation free count —
// the only part of the model allowed to run concurrently (§5).
func (c *CacheManager) PlanAdmissions(ctx context.Context, candidates []AdmissionCandidate) ([]bool, error) {
	c.blocks.StartScheduling()

	g, gctx := errgroup.WithContext(ctx)
	for _, cand := range candidates {
		cand := cand
		g.Go(func() error {
			for _, id := range cand.ReleaseIDs {
				c.blocks.SchedulingReleaseBlock(id)
			}
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, newError(Cancelled, "PlanAdmissions", err)
	}

	tiersNeeded := sets.New[block.Tier]()
	for _, cand := range candidates {
		for tier := range cand.NeededBlocks {
			tiersNeeded.Insert(tier)
		}
	}
	available := make(map[block.Tier]int32, tiersNeeded.Len())
	for tier := range tiersNeeded {
		available[tier] = c.blocks.SchedulingFreeBlocks(tier)
	}

	results := make([]bool, len(candidates))
	for i, cand := range candidates {
		fits := true
		for tier, needed := range cand.NeededBlocks {
			if available[tier] < needed {
				fits = false
				break
			}
		}
		if fits {
			for tier, needed := range cand.NeededBlocks {
				available[tier] -= needed
			}
		}
		results[i] = fits
	}
	return results, nil
}
