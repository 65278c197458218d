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

package request_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yatoooon/tensorrt-llm-kvcache/pkg/kvcache/request"
)

func TestGroup_SpawnsExpectedChildCount(t *testing.T) {
	n := int32(3)
	parent, err := request.Construct(1, 8, 16, 1, request.Options{NumReturnSequences: &n})
	require.NoError(t, err)

	g, err := request.NewGroup(parent, []int64{2, 3, 4})
	require.NoError(t, err)
	assert.Len(t, g.Children, 3)
	assert.False(t, g.AllFinal())
}

func TestGroup_WrongChildCountErrors(t *testing.T) {
	n := int32(3)
	parent, err := request.Construct(1, 8, 16, 1, request.Options{NumReturnSequences: &n})
	require.NoError(t, err)

	_, err = request.NewGroup(parent, []int64{2, 3})
	assert.Error(t, err)
}

func TestGroup_AllFinalOnceEveryChildCompletes(t *testing.T) {
	n := int32(2)
	parent, err := request.Construct(1, 8, 16, 1, request.Options{NumReturnSequences: &n})
	require.NoError(t, err)

	g, err := request.NewGroup(parent, []int64{2, 3})
	require.NoError(t, err)

	for _, child := range g.Children {
		require.NoError(t, child.StartContextChunk(0))
		require.NoError(t, child.ContextComplete())
		require.NoError(t, child.Finish(request.EndOfSequence))
		require.NoError(t, child.CompleteFinish())
	}

	require.NoError(t, g.MarkFinal(0))
	assert.False(t, g.AllFinal())
	require.NoError(t, g.MarkFinal(1))
	assert.True(t, g.AllFinal())
}

func TestGroup_SpawningFromAChildErrors(t *testing.T) {
	n := int32(2)
	parent, err := request.Construct(1, 8, 16, 1, request.Options{NumReturnSequences: &n})
	require.NoError(t, err)

	g, err := request.NewGroup(parent, []int64{2, 3})
	require.NoError(t, err)

	_, err = request.NewGroup(g.Children[0], []int64{4, 5})
	assert.Error(t, err)
}

func TestGroup_MarkFinalBeforeCompleteErrors(t *testing.T) {
	n := int32(1)
	parent, err := request.Construct(1, 8, 16, 1, request.Options{NumReturnSequences: &n})
	require.NoError(t, err)
	g, err := request.NewGroup(parent, []int64{2})
	require.NoError(t, err)

	assert.Error(t, g.MarkFinal(0))
}
