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
	lru "github.com/hashicorp/golang-lru/v2"
)

// freeQueue is a strict-LRU free list: the block released longest ago is at
// the front, the block released most recently is at the back, and any
// member can be claimed in O(1) regardless of its position. It is the Go
// analogue of the reference implementation's std::list<BlockPtr> plus a
// per-block stored iterator for O(1) removal.
//
// It is implemented as a hashicorp/golang-lru/v2 cache used purely as an
// ordered map: sized exactly to the pool it serves, so it is never asked to
// hold more entries than it has room for and therefore never auto-evicts.
// Add always pushes to the back (most-recently-freed); GetOldest/Keys walk
// from the front (least-recently-freed, the LRU eviction candidate).
type freeQueue struct {
	cache *lru.Cache[ID, struct{}]
}

func newFreeQueue(capacity int32) *freeQueue {
	c, err := lru.New[ID, struct{}](int(capacity))
	if err != nil {
		// capacity is always >= 0 and New only fails for size <= 0; a
		// zero-capacity pool simply never holds free blocks.
		c, _ = lru.New[ID, struct{}](1)
	}
	return &freeQueue{cache: c}
}

// pushBack releases a block to the back of the queue (most recently freed).
func (q *freeQueue) pushBack(id ID) {
	q.cache.Add(id, struct{}{})
}

// remove claims a specific block out of the queue in O(1), wherever it sits.
func (q *freeQueue) remove(id ID) bool {
	return q.cache.Remove(id)
}

// contains reports whether a block currently sits in the queue.
func (q *freeQueue) contains(id ID) bool {
	return q.cache.Contains(id)
}

// popFront removes and returns the least-recently-freed block, or false if
// the queue is empty.
func (q *freeQueue) popFront() (ID, bool) {
	id, _, ok := q.cache.GetOldest()
	if !ok {
		return 0, false
	}
	q.cache.Remove(id)
	return id, true
}

// front returns the least-recently-freed block without removing it.
func (q *freeQueue) front() (ID, bool) {
	id, _, ok := q.cache.GetOldest()
	return id, ok
}

// walk visits every block in the queue from front (oldest) to back
// (newest), stopping early if visit returns false.
func (q *freeQueue) walk(visit func(ID) bool) {
	for _, id := range q.cache.Keys() {
		if !visit(id) {
			return
		}
	}
}

func (q *freeQueue) len() int {
	return q.cache.Len()
}
