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

package request

import "fmt"

// Group tracks a parent request's children when numReturnSequences > 1:
// one child per requested sequence, each sharing the parent's prompt but
// running generation independently, plus a parallel isFinal vector so the
// group can tell when every child has finished.
type Group struct {
	Parent   *Request
	Children []*Request
	isFinal  []bool
}

// NewGroup spawns numReturnSequences child requests from a parent's
// prompt, one generation request per requested sequence. The parent
// itself never generates; it exists only to own the group. parent must
// not itself be a previously spawned child: a group's children are never
// allowed to spawn grandchildren (IllegalState, §7).
func NewGroup(parent *Request, childIDs []int64) (*Group, error) {
	if parent.isChild {
		return nil, fmt.Errorf("request %d: cannot spawn a group from a child request", parent.ID)
	}

	n := 1
	if parent.opts.NumReturnSequences != nil {
		n = int(*parent.opts.NumReturnSequences)
	}
	if len(childIDs) != n {
		return nil, fmt.Errorf("request %d: expected %d child ids, got %d", parent.ID, n, len(childIDs))
	}

	g := &Group{Parent: parent, isFinal: make([]bool, n)}
	for _, cid := range childIDs {
		child, err := Construct(cid, parent.promptLen, parent.maxNewTokens, parent.beamWidth, parent.opts)
		if err != nil {
			return nil, fmt.Errorf("request %d: spawning child %d: %w", parent.ID, cid, err)
		}
		child.State = parent.State
		child.isChild = true
		g.Children = append(g.Children, child)
	}
	return g, nil
}

// MarkFinal records that the child at index idx has reached
// GenerationComplete.
func (g *Group) MarkFinal(idx int) error {
	if idx < 0 || idx >= len(g.isFinal) {
		return fmt.Errorf("request group %d: child index %d out of range", g.Parent.ID, idx)
	}
	if !g.Children[idx].State.IsGenerationCompleteState() {
		return fmt.Errorf("request group %d: child %d has not reached GenerationComplete", g.Parent.ID, g.Children[idx].ID)
	}
	g.isFinal[idx] = true
	return nil
}

// AllFinal reports whether every child in the group has finished.
func (g *Group) AllFinal() bool {
	for _, final := range g.isFinal {
		if !final {
			return false
		}
	}
	return true
}
