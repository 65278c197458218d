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

package kvevents

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisher_PublishBlockStoredEnqueuesEvent(t *testing.T) {
	p := NewPublisher(&PublisherConfig{QueueSize: 4})

	parent := uint64(9)
	lora := 3
	p.PublishBlockStored(77, &parent, []uint32{1, 2}, 2, &lora)

	select {
	case ev := <-p.queue:
		bs, ok := ev.(BlockStored)
		require.True(t, ok)
		assert.Equal(t, []uint64{77}, bs.BlockHashes)
		require.NotNil(t, bs.ParentBlockHash)
		assert.EqualValues(t, 9, *bs.ParentBlockHash)
		assert.Equal(t, []uint32{1, 2}, bs.TokenIds)
		require.NotNil(t, bs.LoraID)
		assert.Equal(t, 3, *bs.LoraID)
	default:
		t.Fatal("expected an enqueued event")
	}
}

func TestPublisher_PublishBlockRemovedEnqueuesEvent(t *testing.T) {
	p := NewPublisher(&PublisherConfig{QueueSize: 4})
	p.PublishBlockRemoved(11)

	ev := <-p.queue
	br, ok := ev.(BlockRemoved)
	require.True(t, ok)
	assert.Equal(t, []uint64{11}, br.BlockHashes)
}

func TestPublisher_EnqueueDropsWhenQueueFull(t *testing.T) {
	p := NewPublisher(&PublisherConfig{QueueSize: 1})

	p.PublishBlockRemoved(1)
	p.PublishBlockRemoved(2) // queue already full, must drop rather than block

	assert.Len(t, p.queue, 1)
	ev := <-p.queue
	br := ev.(BlockRemoved)
	assert.Equal(t, []uint64{1}, br.BlockHashes)
}
