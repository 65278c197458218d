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
	"github.com/cespare/xxhash/v2"
	"github.com/fxamacker/cbor/v2"
)

// UniqueToken is the hashing unit for block-key matching: a token id paired
// with an auxiliary extra id. Two tokens with identical TokenID but
// different ExtraID are distinct for cache-matching purposes.
type UniqueToken struct {
	TokenID int32
	ExtraID uint64
}

// LoraTaskID identifies the adapter routing a request's block keys belong
// to. Zero means "no adapter".
type LoraTaskID int64

// Key is a BlockKey: an adapter id plus the full unique-token window
// covering exactly tokensPerBlock positions. Two keys are equal iff the
// lora-task id and the full token vector match elementwise. Partial
// (not-yet-full) blocks never populate Tokens and are never inserted into
// the trie.
type Key struct {
	LoraTaskID LoraTaskID
	Tokens     []UniqueToken
}

// Equal reports full-vector equality, the only correct equality test for a
// Key; Hash is an index into a parent's child map and never substitutes for
// this comparison.
func (k Key) Equal(other Key) bool {
	if k.LoraTaskID != other.LoraTaskID || len(k.Tokens) != len(other.Tokens) {
		return false
	}
	for i := range k.Tokens {
		if k.Tokens[i] != other.Tokens[i] {
			return false
		}
	}
	return true
}

var canonicalEncMode = func() cbor.EncMode {
	mode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err) // the canonical option set is a compile-time constant; this cannot fail
	}
	return mode
}()

// Hash computes a deterministic uint64 mix of LoraTaskID and the packed
// (tokenId, extraId) sequence, with avalanche-grade finalization. It is the
// Go analogue of the SplitMix64-style BlockKeyHasher from the reference
// implementation: the per-token mix constants below are those exact
// constants, applied to a canonical encoding of the token digest rather
// than to the raw fields directly, so that variable-length token vectors
// hash in a single pass.
func (k Key) Hash() uint64 {
	digest := tokenDigest(k.Tokens)

	seed := uint64(len(k.Tokens))
	seed = mix(seed, digest)
	seed = mix(seed, avalanche(uint64(k.LoraTaskID)))
	return seed
}

// tokenDigest canonically encodes the token vector and reduces it to a
// single uint64 via xxhash, standing in for the per-token 32/64-bit mixes
// of the original hasher (which operate on a fixed-size vector known ahead
// of time; blocks here are always fixed-size once full, so a single digest
// over the whole window is equivalent and touches the vector once).
func tokenDigest(tokens []UniqueToken) uint64 {
	if len(tokens) == 0 {
		return 0
	}
	b, err := canonicalEncMode.Marshal(tokens)
	if err != nil {
		// tokens is a plain slice of plain structs; canonical CBOR encoding
		// of it cannot fail.
		panic(err)
	}
	return xxhash.Sum64(b)
}

// avalanche is the SplitMix64 finalizer, ported verbatim from the reference
// BlockKeyHasher's per-field mix.
func avalanche(x uint64) uint64 {
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	x ^= x >> 31
	return x
}

// mix folds a value into a running seed using the boost::hash_combine
// recipe the reference hasher also uses.
func mix(seed, value uint64) uint64 {
	seed ^= value + 0x9e3779b9 + (seed << 6) + (seed >> 2)
	return seed
}
