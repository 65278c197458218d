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

func TestConstruct_NoEncoderStartsAtContextInit(t *testing.T) {
	r, err := request.Construct(1, 8, 16, 1, request.Options{})
	require.NoError(t, err)
	assert.Equal(t, request.ContextInit, r.State)
}

func TestConstruct_WithEncoderStartsAtEncoderInit(t *testing.T) {
	n := int32(4)
	r, err := request.Construct(1, 8, 16, 1, request.Options{EncoderTokenCount: &n})
	require.NoError(t, err)
	assert.Equal(t, request.EncoderInit, r.State)
}

func TestConstruct_RejectsNonPositivePromptLen(t *testing.T) {
	_, err := request.Construct(1, 0, 16, 1, request.Options{})
	assert.Error(t, err)
}

func TestContextChunking_SingleChunkCompletesImmediately(t *testing.T) {
	r, err := request.Construct(1, 8, 16, 1, request.Options{})
	require.NoError(t, err)
	require.NoError(t, r.StartContextChunk(0))

	assert.True(t, r.IsFirstContextChunk())
	assert.True(t, r.IsLastContextChunk())
	require.NoError(t, r.ContextComplete())
	assert.Equal(t, request.GenerationInProgress, r.State)
}

func TestContextChunking_MultiChunkAdvancesCursor(t *testing.T) {
	r, err := request.Construct(1, 10, 16, 1, request.Options{})
	require.NoError(t, err)
	require.NoError(t, r.StartContextChunk(4))

	assert.True(t, r.IsFirstContextChunk())
	assert.False(t, r.IsLastContextChunk())

	require.NoError(t, r.MoveToNextContextChunk())
	assert.EqualValues(t, 4, r.ContextCurrentPosition())
	assert.False(t, r.IsLastContextChunk())

	require.NoError(t, r.MoveToNextContextChunk())
	assert.EqualValues(t, 8, r.ContextCurrentPosition())
	assert.False(t, r.IsLastContextChunk())

	require.NoError(t, r.MoveToNextContextChunk())
	assert.EqualValues(t, 10, r.ContextCurrentPosition())
	assert.True(t, r.IsLastContextChunk())

	require.NoError(t, r.ContextComplete())
	assert.Equal(t, request.GenerationInProgress, r.State)
}

func TestContextComplete_BeforeLastChunkErrors(t *testing.T) {
	r, err := request.Construct(1, 10, 16, 1, request.Options{})
	require.NoError(t, err)
	require.NoError(t, r.StartContextChunk(4))
	assert.Error(t, r.ContextComplete())
}

func TestFinish_RequiresGenerationInProgress(t *testing.T) {
	r, err := request.Construct(1, 8, 16, 1, request.Options{})
	require.NoError(t, err)
	assert.Error(t, r.Finish(request.EndOfSequence))

	require.NoError(t, r.StartContextChunk(0))
	require.NoError(t, r.ContextComplete())
	require.NoError(t, r.Finish(request.EndOfSequence))
	assert.Equal(t, request.GenerationToComplete, r.State)
	assert.Equal(t, request.EndOfSequence, r.FinishReason())
}

func TestCompleteFinish_RequiresGenerationToComplete(t *testing.T) {
	r, err := request.Construct(1, 8, 16, 1, request.Options{})
	require.NoError(t, err)
	assert.Error(t, r.CompleteFinish())

	require.NoError(t, r.StartContextChunk(0))
	require.NoError(t, r.ContextComplete())
	require.NoError(t, r.Finish(request.EndOfSequence))
	require.NoError(t, r.CompleteFinish())
	assert.Equal(t, request.GenerationComplete, r.State)
}

func TestPause_ResetsToContextInit(t *testing.T) {
	r, err := request.Construct(1, 8, 16, 1, request.Options{})
	require.NoError(t, err)
	require.NoError(t, r.StartContextChunk(0))
	require.NoError(t, r.ContextComplete())

	require.NoError(t, r.Pause(100, 0))
	assert.Equal(t, request.ContextInit, r.State)
	assert.EqualValues(t, 0, r.ContextCurrentPosition())
	assert.EqualValues(t, 8, r.PromptLen())
	assert.EqualValues(t, 16, r.MaxNewTokens())
}

// TestPause_FoldsGeneratedTokensIntoPromptClampedToMaxInputLen: a request
// that generated more tokens than maxInputLen has room for only absorbs
// up to the limit, and maxNewTokens shrinks by exactly that much.
func TestPause_FoldsGeneratedTokensIntoPromptClampedToMaxInputLen(t *testing.T) {
	r, err := request.Construct(1, 8, 16, 1, request.Options{})
	require.NoError(t, err)
	require.NoError(t, r.StartContextChunk(0))
	require.NoError(t, r.ContextComplete())

	require.NoError(t, r.Pause(10, 5))
	assert.EqualValues(t, 10, r.PromptLen())
	assert.EqualValues(t, 14, r.MaxNewTokens())
}

// TestPause_ReturnsToEncoderInitWhenEncoderInputPresent covers the
// encoder-aware half of the pause contract: a request admitted with
// encoder input returns to EncoderInit, not ContextInit.
func TestPause_ReturnsToEncoderInitWhenEncoderInputPresent(t *testing.T) {
	n := int32(4)
	r, err := request.Construct(1, 8, 16, 1, request.Options{EncoderTokenCount: &n})
	require.NoError(t, err)
	require.NoError(t, r.EncoderComplete())
	require.NoError(t, r.StartContextChunk(0))
	require.NoError(t, r.ContextComplete())

	require.NoError(t, r.Pause(100, 2))
	assert.Equal(t, request.EncoderInit, r.State)
}

func TestConstruct_RejectsPromptOverMaxInputLen(t *testing.T) {
	lim := request.Limits{MaxInputLen: 8}
	_, err := request.Construct(1, 8, 16, 1, request.Options{Limits: &lim})
	assert.NoError(t, err)

	_, err = request.Construct(2, 9, 16, 1, request.Options{Limits: &lim})
	assert.Error(t, err)
}

func TestConstruct_ClampsMaxNewTokensToMaxSequenceLen(t *testing.T) {
	lim := request.Limits{MaxSequenceLen: 20}
	r, err := request.Construct(1, 8, 16, 1, request.Options{Limits: &lim})
	require.NoError(t, err)
	assert.EqualValues(t, 12, r.MaxNewTokens())
}

func TestConstruct_RejectsDraftLenOverMaxDraftLen(t *testing.T) {
	lim := request.Limits{MaxDraftLen: 4}
	draft := int32(5)
	_, err := request.Construct(1, 8, 16, 1, request.Options{Limits: &lim, DraftLen: &draft})
	assert.Error(t, err)
}

func TestCancel_FromAnyNonTerminalState(t *testing.T) {
	r, err := request.Construct(1, 8, 16, 1, request.Options{})
	require.NoError(t, err)
	require.NoError(t, r.Cancel())
	assert.Equal(t, request.GenerationComplete, r.State)
	assert.Equal(t, request.Cancelled, r.FinishReason())
}

func TestCancel_AlreadyCompleteErrors(t *testing.T) {
	r, err := request.Construct(1, 8, 16, 1, request.Options{})
	require.NoError(t, err)
	require.NoError(t, r.Cancel())
	assert.Error(t, r.Cancel())
}

func TestDisaggregatedFlow(t *testing.T) {
	r, err := request.Construct(1, 8, 16, 1, request.Options{})
	require.NoError(t, err)

	require.NoError(t, r.StartDisaggContextTransfer())
	assert.Equal(t, request.DisaggContextTransInProgress, r.State)

	require.NoError(t, r.CompleteDisaggContextTransfer(request.ContextPhaseParams{ReqID: 1, Handle: []byte("handle")}))
	assert.Equal(t, request.DisaggContextComplete, r.State)

	gen, err := request.AdmitDisaggGeneration(2, 8, 16, 1, request.Options{})
	require.NoError(t, err)
	assert.Equal(t, request.DisaggGenerationInit, gen.State)

	require.NoError(t, gen.StartDisaggGenerationTransfer())
	assert.Equal(t, request.DisaggGenerationTransInProgress, gen.State)
	assert.True(t, gen.State.IsGenerationInProgressState())
}
