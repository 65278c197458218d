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
)

func TestKey_HashIsDeterministic(t *testing.T) {
	k := keyOf(1, 2, 3, 4)
	assert.Equal(t, k.Hash(), k.Hash())
}

func TestKey_EqualTokensHashEqual(t *testing.T) {
	a := keyOf(1, 2, 3, 4)
	b := keyOf(1, 2, 3, 4)
	assert.True(t, a.Equal(b))
	assert.Equal(t, a.Hash(), b.Hash())
}

func TestKey_DifferentLoraTaskIDChangesHash(t *testing.T) {
	a := keyOf(1, 2, 3, 4)
	b := a
	b.LoraTaskID = 7
	assert.False(t, a.Equal(b))
	assert.NotEqual(t, a.Hash(), b.Hash())
}

func TestKey_DifferentTokenOrderIsNotEqual(t *testing.T) {
	a := keyOf(1, 2, 3, 4)
	b := keyOf(4, 3, 2, 1)
	assert.False(t, a.Equal(b))
}
