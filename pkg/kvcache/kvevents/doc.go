// Copyright 2025 The llm-d Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build !ignore

// Package kvevents publishes and consumes block lifecycle events over ZMQ
// pub/sub. A Publisher sits next to a block.Manager and announces
// BlockStored/BlockRemoved/AllBlocksCleared events on trie insert and
// evict; a Pool subscribes, decodes batches, and hands decoded events to a
// Sink, letting an out-of-process observer track block admissions without
// depending on the in-process block.Manager API.
package kvevents
