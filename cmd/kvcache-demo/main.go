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

// Command kvcache-demo runs a two-request prefix-reuse scenario end to end
// against an in-memory CacheManager and prints what got reused.
package main

import (
	"context"
	"fmt"
	"log"

	"github.com/yatoooon/tensorrt-llm-kvcache/pkg/kvcache"
	"github.com/yatoooon/tensorrt-llm-kvcache/pkg/kvcache/block"
	"github.com/yatoooon/tensorrt-llm-kvcache/pkg/kvcache/request"
)

// hostTensorPool is a host-memory stand-in for device memory: one byte per
// block, just enough to exercise CopyBlock/CopyFrom without a real
// attention kernel backing it.
type hostTensorPool struct {
	data [][]byte
}

func newHostTensorPool(numBlocks int32) *hostTensorPool {
	data := make([][]byte, numBlocks)
	for i := range data {
		data[i] = make([]byte, 1)
	}
	return &hostTensorPool{data: data}
}

func (p *hostTensorPool) NumBlocks() int32 { return int32(len(p.data)) }

func (p *hostTensorPool) CopyBlock(_ context.Context, dst, src int32) error {
	copy(p.data[dst], p.data[src])
	return nil
}

func (p *hostTensorPool) CopyFrom(_ context.Context, dst int32, other block.TensorPool, src int32) error {
	o := other.(*hostTensorPool)
	copy(p.data[dst], o.data[src])
	return nil
}

func tokensOf(ids ...int32) []block.UniqueToken {
	out := make([]block.UniqueToken, len(ids))
	for i, id := range ids {
		out[i] = block.UniqueToken{TokenID: id}
	}
	return out
}

func main() {
	ctx := context.Background()

	manager, err := kvcache.NewCacheManager(kvcache.Config{
		Block: block.Config{
			Primary:        newHostTensorPool(8),
			TokensPerBlock: 4,
			EnableReuse:    true,
		},
	})
	if err != nil {
		log.Fatalf("constructing cache manager: %v", err)
	}

	sharedPrefix := tokensOf(101, 102, 103, 104, 105, 106, 107, 108)

	reqA, err := request.Construct(1, 64, 256, 1, request.Options{})
	if err != nil {
		log.Fatalf("constructing request A: %v", err)
	}
	if err := manager.AddSequence(ctx, reqA, 1); err != nil {
		log.Fatalf("admitting request A: %v", err)
	}
	if err := manager.StoreContextBlocks(ctx, reqA.ID, 0, sharedPrefix); err != nil {
		log.Fatalf("storing context for request A: %v", err)
	}

	beforeB := manager.Stats()
	fmt.Printf("after request A: used=%d reused=%d\n", beforeB.UsedNumBlocks, beforeB.ReusedBlocks)

	reqB, err := request.Construct(2, 64, 256, 1, request.Options{})
	if err != nil {
		log.Fatalf("constructing request B: %v", err)
	}
	if err := manager.AddSequence(ctx, reqB, 1); err != nil {
		log.Fatalf("admitting request B: %v", err)
	}
	if err := manager.StoreContextBlocks(ctx, reqB.ID, 0, sharedPrefix); err != nil {
		log.Fatalf("storing context for request B: %v", err)
	}

	afterB := manager.Stats()
	fmt.Printf("after request B: used=%d reused=%d\n", afterB.UsedNumBlocks, afterB.ReusedBlocks)
	fmt.Printf("request B reused %d of request A's blocks instead of allocating fresh ones\n",
		afterB.ReusedBlocks-beforeB.ReusedBlocks)

	if err := manager.RemoveSequence(ctx, reqA.ID); err != nil {
		log.Fatalf("removing request A: %v", err)
	}
	if err := manager.RemoveSequence(ctx, reqB.ID); err != nil {
		log.Fatalf("removing request B: %v", err)
	}

	final := manager.Stats()
	fmt.Printf("after both requests finish: used=%d free=%d\n", final.UsedNumBlocks, final.FreeNumBlocks)
}
