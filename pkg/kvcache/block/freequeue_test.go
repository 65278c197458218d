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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFreeQueue_FIFOOrder(t *testing.T) {
	q := newFreeQueue(3)
	q.pushBack(1)
	q.pushBack(2)
	q.pushBack(3)

	id, ok := q.popFront()
	require.True(t, ok)
	assert.EqualValues(t, 1, id)

	id, ok = q.popFront()
	require.True(t, ok)
	assert.EqualValues(t, 2, id)
}

func TestFreeQueue_RemoveArbitraryMember(t *testing.T) {
	q := newFreeQueue(3)
	q.pushBack(1)
	q.pushBack(2)
	q.pushBack(3)

	assert.True(t, q.remove(2))
	assert.False(t, q.contains(2))
	assert.Equal(t, 2, q.len())

	id, ok := q.front()
	require.True(t, ok)
	assert.EqualValues(t, 1, id)
}

func TestFreeQueue_EmptyPopFrontFails(t *testing.T) {
	q := newFreeQueue(1)
	_, ok := q.popFront()
	assert.False(t, ok)
}
