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

// Package capacity sizes a paged KV cache's pools from a memory budget
// rather than a caller-supplied block count.
package capacity

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// DType is the element type the cache is stored in; its Size is the number
// of bytes one scalar occupies.
type DType struct {
	Name string
	Size int64
}

var (
	// FP16 is the common half-precision KV-cache dtype.
	FP16 = DType{Name: "fp16", Size: 2}
	// FP8 is the common 8-bit quantized KV-cache dtype.
	FP8 = DType{Name: "fp8", Size: 1}
)

// ModelDims is the subset of a model's architecture that determines KV
// cache size per token, mirroring the fields `calculateCacheSizePerToken`
// reads off the model config.
type ModelDims struct {
	NumLayers    int32
	NumKVHeads   int32
	SizePerHead  int32
}

// CacheSizePerToken returns the number of bytes one token occupies across
// every layer's key and value tensors: numLayers * 2 * numKvHeads *
// sizePerHead * dtype size, the same formula as
// `calculateCacheSizePerToken`.
func CacheSizePerToken(model ModelDims, dtype DType) int64 {
	return int64(model.NumLayers) * 2 * int64(model.NumKVHeads) * int64(model.SizePerHead) * dtype.Size
}

// PoolPlan is the sized result of a capacity plan: how many blocks each
// tier should hold and how many bytes that occupies.
type PoolPlan struct {
	TokensPerBlock   int32
	PrimaryBlocks    int32
	SecondaryBlocks  int32
	BytesPerBlock    int64
	PrimaryBytes     int64
	SecondaryBytes   int64
}

// Budget is the memory available to each tier, expressed as human-readable
// strings ("24GiB", "512MiB") the way teacher's
// `CostAwareMemoryIndexConfig.Size` field is configured. An empty
// SecondaryBudget means no secondary tier.
type Budget struct {
	PrimaryBudget   string
	SecondaryBudget string
}

// PlanPools derives primary/secondary block counts from a memory budget, a
// model's dimensions and a dtype, the same derivation as
// `calculateMaxNumBlocks`: bytesPerBlock = tokensPerBlock *
// cacheSizePerToken, blocks = budget / bytesPerBlock (floor).
func PlanPools(budget Budget, model ModelDims, dtype DType, tokensPerBlock int32) (PoolPlan, error) {
	if tokensPerBlock <= 0 {
		return PoolPlan{}, fmt.Errorf("capacity: tokens per block must be positive, got %d", tokensPerBlock)
	}

	primaryBytes, err := humanize.ParseBytes(budget.PrimaryBudget)
	if err != nil {
		return PoolPlan{}, fmt.Errorf("capacity: parsing primary budget %q: %w", budget.PrimaryBudget, err)
	}

	bytesPerBlock := CacheSizePerToken(model, dtype) * int64(tokensPerBlock)
	if bytesPerBlock <= 0 {
		return PoolPlan{}, fmt.Errorf("capacity: computed zero bytes per block from model dims %+v", model)
	}

	plan := PoolPlan{
		TokensPerBlock: tokensPerBlock,
		BytesPerBlock:  bytesPerBlock,
		PrimaryBlocks:  int32(int64(primaryBytes) / bytesPerBlock),
		PrimaryBytes:   int64(primaryBytes),
	}
	if plan.PrimaryBlocks <= 0 {
		return PoolPlan{}, fmt.Errorf("capacity: primary budget %q fits zero blocks of %d bytes", budget.PrimaryBudget, bytesPerBlock)
	}

	if budget.SecondaryBudget != "" {
		secondaryBytes, err := humanize.ParseBytes(budget.SecondaryBudget)
		if err != nil {
			return PoolPlan{}, fmt.Errorf("capacity: parsing secondary budget %q: %w", budget.SecondaryBudget, err)
		}
		plan.SecondaryBlocks = int32(int64(secondaryBytes) / bytesPerBlock)
		plan.SecondaryBytes = int64(secondaryBytes)
	}

	return plan, nil
}
