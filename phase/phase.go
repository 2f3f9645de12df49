// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package phase implements the Grouping-Set Phase Driver (spec §4.4):
// phase shape, sorted group-boundary detection by prefix equality, and
// the reset-which-sets-changed rule, grounded on
// original_source/src/backend/executor/nodeAgg.c's
// initialize_phase/agg_retrieve_direct phase loop (SPEC_FULL §D.1).
package phase

import "github.com/SnellerInc/nodeagg/aggval"

// Strategy selects how a phase retrieves/aggregates its input.
type Strategy int

const (
	Plain Strategy = iota
	Sorted
	Hashed
)

func (s Strategy) String() string {
	switch s {
	case Plain:
		return "plain"
	case Sorted:
		return "sorted"
	case Hashed:
		return "hashed"
	default:
		return "strategy"
	}
}

// GroupingSet is one grouping set within a sorted phase: the indices of
// its grouping columns (spec §3).
type GroupingSet struct {
	Columns []int
}

// Phase is one contiguous segment of execution using one sort order (or
// the hashed phase), per spec §3/§4.4.
//
// Sets is ordered most-specific first. boundary[k] is the precompiled
// equality expression over the first k+1 sets' shared prefix length —
// the original's grp_colnos/eqfunctions array, computed once per phase
// at initialize_phase time rather than recompiled on every input row
// (SPEC_FULL §D.1).
type Phase struct {
	Strategy Strategy
	Sets     []GroupingSet

	boundary []aggval.Equaler

	// OutputSort, when non-nil, is the key the driver must resort this
	// phase's output by before handing it to the next phase (spec
	// §4.4's inter-phase re-sort).
	OutputSort aggval.Comparator
}

// NewPhase builds a Phase. boundary must have the same length as sets;
// boundary[k] compares two rows' equality over set k's own grouping
// columns (the prefix at specificity level k).
func NewPhase(strategy Strategy, sets []GroupingSet, boundary []aggval.Equaler) *Phase {
	return &Phase{Strategy: strategy, Sets: sets, boundary: boundary}
}

// BoundaryAt returns the precompiled equality comparator for the
// grouping set at the given most-specific-first index (SPEC_FULL §D.1:
// "Phase.BoundaryAt(prefixLen int) aggval.Equaler").
func (p *Phase) BoundaryAt(index int) aggval.Equaler {
	if index < 0 || index >= len(p.boundary) {
		return nil
	}
	return p.boundary[index]
}

// ChangedPrefix returns the largest index k such that prev and cur
// differ on set k's own grouping columns, or len(p.Sets) if every set's
// boundary still matches (no boundary crossed). Spec §4.4 step 2: "a
// change at position k invalidates sets 0..k" — callers reset every set
// at index <= the returned k.
//
// Sets are ordered most-specific first, and (being a rollup chain) each
// set's column list is a subset of every more-specific set before it.
// That means the largest differing index is the one that matters: if a
// coarse set's own columns changed, every more-specific set — whose
// column list is a superset including those same columns — necessarily
// changed too, so scanning must find the coarsest boundary crossed, not
// just the first one encountered at index 0 (which, being the finest
// set with the most columns, differs on almost any change and would
// otherwise mask every coarser boundary).
func (p *Phase) ChangedPrefix(prev, cur aggval.Row) int {
	changed := -1
	for k := 0; k < len(p.Sets); k++ {
		eq := p.boundary[k]
		if eq == nil {
			continue
		}
		if !eq.Equal(prev, cur) {
			changed = k
		}
	}
	if changed == -1 {
		return len(p.Sets)
	}
	return changed
}

// ResetRange reports which set indices must be reset given a changed
// prefix at position k, per the "sets 0..k" rule above. Returns
// (0, k+1) as a half-open range, or (0, 0) if no boundary was crossed
// (k == len(p.Sets)).
func ResetRange(k, numSets int) (from, to int) {
	if k >= numSets {
		return 0, 0
	}
	return 0, k + 1
}

// EmptyInputSets implements spec §4.4's empty-input rule for
// grouping-set mode: when the child yields zero rows, every size-0
// (empty) grouping set still emits exactly one row; non-empty sets
// emit none. Returns the indices of this phase's size-0 sets.
func (p *Phase) EmptyInputSets() []int {
	var out []int
	for i, s := range p.Sets {
		if len(s.Columns) == 0 {
			out = append(out, i)
		}
	}
	return out
}
