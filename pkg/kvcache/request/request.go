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

// Package request implements the per-request lifecycle state machine:
// construction, chunked context ingestion, generation, and completion.
package request

import (
	"fmt"

	"k8s.io/klog/v2"

	"github.com/yatoooon/tensorrt-llm-kvcache/pkg/utils/logging"
)

// LookaheadConfig is accepted and stored per request but never consulted
// by any transition or allocation path; speculative lookahead scheduling
// is not implemented by this core (Open Question, see DESIGN.md).
type LookaheadConfig struct {
	WindowSize int32
	NGramSize  int32
	VerificationSetSize int32
}

// ContextPhaseParams is the opaque transfer handle a context-only executor
// produces and a generation-only executor consumes in disaggregated
// serving. Its contents are never interpreted by this core; they are only
// carried through request.Request and handed to pkg/kvcache/disagg.
type ContextPhaseParams struct {
	ReqID   int64
	Handle  []byte
}

// Limits bounds request admission. MaxInputLen, MaxEncoderInputLen and
// MaxDraftLen are hard rejections: Construct errors if any is exceeded. A
// zero value disables the corresponding check. MaxSequenceLen is instead
// a silent accommodation: if promptLen+maxNewTokens+draftLen would exceed
// it, maxNewTokens is clamped down to fit and a warning is logged rather
// than the request being rejected.
type Limits struct {
	MaxInputLen        int32
	MaxEncoderInputLen int32
	MaxDraftLen        int32
	MaxSequenceLen     int32
}

// Options holds every optional field a request may be constructed with.
// Pointer fields are nil when absent; there are no magic-number sentinels
// (Design Note, spec.md §9).
type Options struct {
	LoraTaskID          *int64
	EncoderTokenCount    *int32
	NumReturnSequences   *int32
	LookaheadConfig      *LookaheadConfig
	ContextPhaseParams   *ContextPhaseParams
	Limits              *Limits
	DraftLen            *int32
}

// Request is the per-sequence lifecycle record, mirroring LlmRequest's
// state and chunked-context bookkeeping.
type Request struct {
	ID    int64
	State State

	loraTaskID  int64
	promptLen   int32
	maxNewTokens int32
	beamWidth   int32

	contextCurrentPosition int32
	contextChunkSize       int32

	prepopulatedPromptLen int32
	isChild               bool

	finishReason FinishReason
	opts         Options
}

// Construct builds a new Request and sets its initial state: EncoderInit
// if EncoderTokenCount is present, ContextInit otherwise — the same branch
// LlmRequest's constructor takes on mEncoderTokens/mEncoderInputFeatures.
// If opts.Limits is set, admission is validated against it first: a
// prompt, encoder input, or draft length over its hard limit is rejected
// outright; a total sequence length over MaxSequenceLen instead clamps
// maxNewTokens down to fit, logging a warning instead of rejecting.
func Construct(id int64, promptLen, maxNewTokens, beamWidth int32, opts Options) (*Request, error) {
	if promptLen <= 0 {
		return nil, fmt.Errorf("request: prompt length must be positive, got %d", promptLen)
	}
	if beamWidth <= 0 {
		return nil, fmt.Errorf("request: beam width must be positive, got %d", beamWidth)
	}
	if opts.Limits != nil {
		lim := opts.Limits
		if lim.MaxInputLen > 0 && promptLen > lim.MaxInputLen {
			return nil, fmt.Errorf("request %d: prompt length %d exceeds maxInputLen %d", id, promptLen, lim.MaxInputLen)
		}
		if lim.MaxEncoderInputLen > 0 && opts.EncoderTokenCount != nil && *opts.EncoderTokenCount > lim.MaxEncoderInputLen {
			return nil, fmt.Errorf("request %d: encoder input length %d exceeds maxEncoderInputLen %d", id, *opts.EncoderTokenCount, lim.MaxEncoderInputLen)
		}
		draftLen := int32(0)
		if opts.DraftLen != nil {
			draftLen = *opts.DraftLen
		}
		if lim.MaxDraftLen > 0 && draftLen > lim.MaxDraftLen {
			return nil, fmt.Errorf("request %d: draft length %d exceeds maxDraftLen %d", id, draftLen, lim.MaxDraftLen)
		}
		if lim.MaxSequenceLen > 0 && promptLen+maxNewTokens+draftLen > lim.MaxSequenceLen {
			clamped := lim.MaxSequenceLen - promptLen - draftLen
			if clamped < 0 {
				clamped = 0
			}
			klog.Background().V(logging.DEBUG).Info("clamping maxNewTokens to fit maxSequenceLen",
				"requestID", id, "requested", maxNewTokens, "clamped", clamped, "maxSequenceLen", lim.MaxSequenceLen)
			maxNewTokens = clamped
		}
	}

	r := &Request{
		ID:           id,
		promptLen:    promptLen,
		maxNewTokens: maxNewTokens,
		beamWidth:    beamWidth,
		opts:         opts,
	}
	if opts.LoraTaskID != nil {
		r.loraTaskID = *opts.LoraTaskID
	}
	if opts.EncoderTokenCount != nil {
		r.State = EncoderInit
	} else {
		r.State = ContextInit
	}
	return r, nil
}

func (r *Request) PromptLen() int32 { return r.promptLen }

func (r *Request) MaxNewTokens() int32 { return r.maxNewTokens }

func (r *Request) BeamWidth() int32 { return r.beamWidth }

func (r *Request) LoraTaskID() int64 { return r.loraTaskID }

func (r *Request) Options() Options { return r.opts }

func (r *Request) FinishReason() FinishReason { return r.finishReason }

// PrepopulatedPromptLen reports how many leading prompt tokens were
// served from already-cached blocks the last time context blocks were
// stored for this request, mirroring LlmRequest::getPrepopulatedPromptLen.
func (r *Request) PrepopulatedPromptLen() int32 { return r.prepopulatedPromptLen }

// SetPrepopulatedPromptLen records the prepopulated prefix length; called
// by the cache manager after resolving which of a request's context
// blocks were reuse hits.
func (r *Request) SetPrepopulatedPromptLen(n int32) { r.prepopulatedPromptLen = n }

// EncoderComplete advances an EncoderInit request into ContextInit, the
// transition taken once the encoder forward pass has produced its output.
func (r *Request) EncoderComplete() error {
	if !r.State.IsEncoderInitState() {
		return fmt.Errorf("request %d: EncoderComplete requires EncoderInit, was %s", r.ID, r.State)
	}
	r.State = ContextInit
	return nil
}

// StartContextChunk sets the chunk size a ContextInit or
// GenerationInProgress-pending request will ingest its prompt in.
// chunkSize <= 0 means "ingest the whole prompt in one chunk" — the
// non-chunked-prefill path.
func (r *Request) StartContextChunk(chunkSize int32) error {
	if !r.State.IsContextInitState() && !r.State.IsDisaggContextTransInProgressState() {
		return fmt.Errorf("request %d: StartContextChunk requires ContextInit, was %s", r.ID, r.State)
	}
	if chunkSize <= 0 {
		chunkSize = r.promptLen
	}
	r.contextChunkSize = chunkSize
	return nil
}

// IsFirstContextChunk reports whether no context tokens have been ingested
// yet.
func (r *Request) IsFirstContextChunk() bool { return r.contextCurrentPosition == 0 }

// IsLastContextChunk reports whether the current chunk ingests the
// remainder of the prompt.
func (r *Request) IsLastContextChunk() bool {
	return r.contextCurrentPosition+r.contextChunkSize >= r.promptLen
}

// MoveToNextContextChunk advances the chunk cursor by the configured chunk
// size, clamped to the prompt length, mirroring LlmRequest's context-chunk
// cursor advance. It errors if called once the prompt has already been
// fully ingested.
func (r *Request) MoveToNextContextChunk() error {
	if r.contextCurrentPosition >= r.promptLen {
		return fmt.Errorf("request %d: context already fully ingested", r.ID)
	}
	r.contextCurrentPosition += r.contextChunkSize
	if r.contextCurrentPosition > r.promptLen {
		r.contextCurrentPosition = r.promptLen
	}
	return nil
}

// ContextCurrentPosition returns how many prompt tokens have been ingested
// so far.
func (r *Request) ContextCurrentPosition() int32 { return r.contextCurrentPosition }

// ContextComplete advances a ContextInit request into
// GenerationInProgress, taken once the last context chunk has been
// ingested.
func (r *Request) ContextComplete() error {
	if !r.State.IsContextInitState() {
		return fmt.Errorf("request %d: ContextComplete requires ContextInit, was %s", r.ID, r.State)
	}
	if !r.IsLastContextChunk() {
		return fmt.Errorf("request %d: ContextComplete called before last context chunk", r.ID)
	}
	r.State = GenerationInProgress
	return nil
}

// StartDisaggContextTransfer moves a ContextInit request into
// DisaggContextTransInProgress: the context-only executor has finished the
// forward pass and is now handing its KV cache off.
func (r *Request) StartDisaggContextTransfer() error {
	if !r.State.IsContextInitState() {
		return fmt.Errorf("request %d: StartDisaggContextTransfer requires ContextInit, was %s", r.ID, r.State)
	}
	r.State = DisaggContextTransInProgress
	return nil
}

// CompleteDisaggContextTransfer moves a
// DisaggContextTransInProgress request into DisaggContextComplete once its
// ContextPhaseParams handle has been published.
func (r *Request) CompleteDisaggContextTransfer(params ContextPhaseParams) error {
	if !r.State.IsDisaggContextTransInProgressState() {
		return fmt.Errorf("request %d: CompleteDisaggContextTransfer requires DisaggContextTransInProgress, was %s", r.ID, r.State)
	}
	r.opts.ContextPhaseParams = &params
	r.State = DisaggContextComplete
	return nil
}

// AdmitDisaggGeneration constructs the generation-only counterpart of a
// context-only request, starting at DisaggGenerationInit.
func AdmitDisaggGeneration(id int64, promptLen, maxNewTokens, beamWidth int32, opts Options) (*Request, error) {
	r, err := Construct(id, promptLen, maxNewTokens, beamWidth, opts)
	if err != nil {
		return nil, err
	}
	r.State = DisaggGenerationInit
	return r, nil
}

// StartDisaggGenerationTransfer moves a DisaggGenerationInit request into
// DisaggGenerationTransInProgress once it has claimed the transferred KV
// cache and is ready to resume ordinary generation.
func (r *Request) StartDisaggGenerationTransfer() error {
	if !r.State.IsDisaggGenerationInitState() {
		return fmt.Errorf("request %d: StartDisaggGenerationTransfer requires DisaggGenerationInit, was %s", r.ID, r.State)
	}
	r.State = DisaggGenerationTransInProgress
	return nil
}

// Finish marks a GenerationInProgress request as done generating,
// recording why and moving it to GenerationToComplete. The scheduler
// detaches the request from the active batch on this same step but does
// not report it complete to the caller until CompleteFinish runs, once
// its blocks have actually been released.
func (r *Request) Finish(reason FinishReason) error {
	if !r.State.IsGenerationInProgressState() {
		return fmt.Errorf("request %d: Finish requires GenerationInProgress, was %s", r.ID, r.State)
	}
	if reason == NotFinished {
		return fmt.Errorf("request %d: Finish requires a finish reason", r.ID)
	}
	r.finishReason = reason
	r.State = GenerationToComplete
	return nil
}

// CompleteFinish advances a GenerationToComplete request into
// GenerationComplete, the step taken once its result has been flushed to
// the caller and its cache blocks released.
func (r *Request) CompleteFinish() error {
	if r.State != GenerationToComplete {
		return fmt.Errorf("request %d: CompleteFinish requires GenerationToComplete, was %s", r.ID, r.State)
	}
	r.State = GenerationComplete
	return nil
}

// Pause folds generatedTokens back into the prompt (clamped to
// maxInputLen so the new prompt never exceeds it), shrinks maxNewTokens
// by however many tokens were actually absorbed, resets the context-chunk
// cursor, and returns the request to EncoderInit (if it carries encoder
// input) or ContextInit otherwise, ready to be rescheduled from the top.
// Mirrors LlmRequest::pause. The caller is responsible for clearing the
// request's cache blocks first (see CacheManager.Pause); this method only
// touches lifecycle bookkeeping. For beamWidth > 1 this folds every beam's
// generated length uniformly rather than a beam-preserving swap (Open
// Question, see DESIGN.md).
func (r *Request) Pause(maxInputLen, generatedTokens int32) error {
	if !r.State.IsGenerationInProgressState() {
		return fmt.Errorf("request %d: Pause requires GenerationInProgress, was %s", r.ID, r.State)
	}
	newPromptLen := r.promptLen + generatedTokens
	if maxInputLen > 0 && newPromptLen > maxInputLen {
		newPromptLen = maxInputLen
	}
	absorbed := newPromptLen - r.promptLen
	r.promptLen = newPromptLen
	r.maxNewTokens -= absorbed
	if r.maxNewTokens < 0 {
		r.maxNewTokens = 0
	}

	r.contextCurrentPosition = 0
	r.contextChunkSize = 0
	if r.opts.EncoderTokenCount != nil {
		r.State = EncoderInit
	} else {
		r.State = ContextInit
	}
	return nil
}

// Cancel ends a request in any non-terminal state.
func (r *Request) Cancel() error {
	if r.State == GenerationComplete {
		return fmt.Errorf("request %d: already complete", r.ID)
	}
	r.finishReason = Cancelled
	r.State = GenerationComplete
	return nil
}
