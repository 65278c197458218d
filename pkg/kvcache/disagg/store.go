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

// Package disagg hands ContextPhaseParams transfer handles from a
// context-only executor to the paired generation-only executor in
// disaggregated serving. It never holds KV-cache payload itself, only the
// opaque handle identifying where that payload lives.
package disagg

import (
	"context"

	"github.com/yatoooon/tensorrt-llm-kvcache/pkg/kvcache/request"
)

// Store is a single-handoff key-value store keyed by request id: one
// Put, at most one successful Take. Implementations must make Take
// destructive (the handle is consumed once) so a handle is never
// delivered to two generation-only executors.
type Store interface {
	Put(ctx context.Context, requestID int64, params request.ContextPhaseParams) error
	Take(ctx context.Context, requestID int64) (request.ContextPhaseParams, bool, error)
}
