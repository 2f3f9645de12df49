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

package aggexec

import (
	"github.com/SnellerInc/nodeagg/aggval"
	"github.com/SnellerInc/nodeagg/errs"
	"github.com/SnellerInc/nodeagg/hashagg"
	"github.com/SnellerInc/nodeagg/sortagg"
	"github.com/SnellerInc/nodeagg/transition"
)

// SetBinding is one grouping set's wiring: how to pull its grouping key
// and per-PerTrans argument tuple out of an input row, and — for a
// hashed set — the live Table it updates. Building these bindings from
// real SQL expressions is the externally-owned evaluator's job (spec
// §1); StdEvaluator only needs the compiled extractor functions.
type SetBinding struct {
	PerTrans []*transition.PerTrans

	GroupCols func(row aggval.Row) aggval.Row
	Args      func(row aggval.Row, transIdx int) aggval.Row

	// Hash is non-nil for a hashed grouping set.
	Hash *hashagg.Table
	// Spill is invoked when Hash reports "no new groups" and the
	// group key being inserted doesn't already exist — the caller
	// routes it to that set's spill partition instead.
	Spill func(row aggval.Row, key aggval.Row, hash uint32) error

	// Current holds the live GroupState array for a sorted set,
	// (re)initialized by the phase driver at each group boundary.
	Current []*transition.GroupState
	Arena   *aggval.Arena

	// buffers holds one sortagg.Buffer per PerTrans index that needs
	// DISTINCT/ORDER BY handling (transition.PerTrans.DistinctEqual
	// or SortKey set) — lazily allocated on first use and reset after
	// each DrainSorted. A hashed set never populates this: the
	// planner that builds SetBinding is expected to route a DISTINCT/
	// ORDER BY aggregate to a sorted grouping set instead, the same
	// restriction real SQL planners place on hash aggregation.
	buffers []*sortagg.Buffer
}

func (b *SetBinding) needsSort(pt *transition.PerTrans) bool {
	return pt.DistinctEqual != nil || pt.SortKey != nil
}

// StdEvaluator is the reference Evaluator this repo ships: it fuses
// argument extraction, hash-table lookup (when the target set is
// hashed), and transition.Advance invocation into one EvalTransition
// call, matching spec §6's "internally: evaluates argument expressions
// ... and performs all transition calls (including hash-table updates
// when dohash)". A real deployment would swap this for a compiled
// evaluator reaching into its own row format; StdEvaluator exists so
// the rest of this module (and its tests) has something concrete to
// dispatch through.
type StdEvaluator struct {
	Sets []*SetBinding
	Enc  func(aggval.Row) []byte
}

// EvalTransition implements Evaluator.
func (e *StdEvaluator) EvalTransition(setIdx int, row aggval.Row, tmp *aggval.Arena) error {
	b := e.Sets[setIdx]

	var states []*transition.GroupState
	if b.Hash != nil {
		key := b.GroupCols(row)
		h := hashagg.Hash(key, e.Enc)
		entry, created := b.Hash.Lookup(key, h)
		if entry == nil {
			if b.Spill != nil {
				return b.Spill(row, key, h)
			}
			return nil
		}
		if created {
			for i, pt := range b.PerTrans {
				transition.Initialize(pt, entry.States[i], b.Arena)
			}
		}
		states = entry.States
	} else {
		states = b.Current
	}

	for i, pt := range b.PerTrans {
		args := b.Args(row, i)
		if !b.needsSort(pt) {
			if err := transition.Advance(pt, states[i], args); err != nil {
				return err
			}
			continue
		}
		// DISTINCT/ORDER BY aggregate: buffer the argument tuple
		// instead of advancing directly (spec §4.2); DrainSorted
		// feeds the sorted/deduped survivors through at the group
		// boundary. Hash aggregation never reaches here in practice
		// (the planner routes such aggregates to a sorted grouping
		// set instead), but a misconfigured hashed binding fails
		// loudly rather than silently double-counting duplicates.
		if b.Hash != nil {
			return errs.NewConfigError("DISTINCT/ORDER BY aggregate bound to a hashed grouping set")
		}
		if b.buffers == nil {
			b.buffers = make([]*sortagg.Buffer, len(b.PerTrans))
		}
		if b.buffers[i] == nil {
			b.buffers[i] = sortagg.NewBuffer(pt.DistinctEqual != nil)
		}
		b.buffers[i].Add(args)
	}
	return nil
}

// DrainSorted runs setIdx's buffered DISTINCT/ORDER BY PerTrans entries
// through their sort/dedup pass and feeds the survivors to
// transition.Advance, fulfilling the step phase/driver.go's Finalize
// doc-comment promises ("run any buffered DISTINCT/ORDER BY sort"):
// spec §4.4 step 4, run once per group boundary before PerAgg
// finalization. Buffers are reset afterward regardless of outcome, so a
// HAVING-discarded group still releases them (spec §4.2's failure-
// semantics note).
func (e *StdEvaluator) DrainSorted(setIdx int) error {
	b := e.Sets[setIdx]
	for i, pt := range b.PerTrans {
		if b.buffers == nil || b.buffers[i] == nil {
			continue
		}
		buf := b.buffers[i]
		err := buf.Multi(pt, b.Current[i], pt.SortKey, pt.DistinctEqual)
		buf.Reset()
		if err != nil {
			return err
		}
	}
	return nil
}
