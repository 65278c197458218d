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

package disagg

import (
	"context"
	"sync"

	"github.com/yatoooon/tensorrt-llm-kvcache/pkg/kvcache/request"
)

// InMemoryStore is the default Store backend, for a single-process
// deployment where the context-only and generation-only executors share
// one CacheManager.
type InMemoryStore struct {
	mu      sync.Mutex
	handles map[int64]request.ContextPhaseParams
}

// NewInMemoryStore constructs an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{handles: make(map[int64]request.ContextPhaseParams)}
}

func (s *InMemoryStore) Put(_ context.Context, requestID int64, params request.ContextPhaseParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[requestID] = params
	return nil
}

func (s *InMemoryStore) Take(_ context.Context, requestID int64) (request.ContextPhaseParams, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	params, ok := s.handles[requestID]
	if !ok {
		return request.ContextPhaseParams{}, false, nil
	}
	delete(s.handles, requestID)
	return params, true, nil
}
