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

package phase

import "github.com/SnellerInc/nodeagg/aggval"

// RowSource pulls the next input tuple for a sorted phase, from either
// the child plan node or the previous phase's internal re-sorter. ok is
// false once exhausted.
type RowSource func() (row aggval.Row, ok bool, err error)

// Advance evaluates the precompiled transition expression for setIndex
// against row — argument evaluation, FILTER, and the transfn call,
// fused per spec §6's opaque EvalTransition. Owned by aggexec's
// Evaluator; the driver only calls it.
type Advance func(setIndex int, row aggval.Row) error

// HashAdvance additionally updates the hash tables during phase 1 of
// Mixed mode (spec §4.4: "Sorted phases run first (updating hash
// tables in parallel during phase 1)"). Nil when the phase has no
// hashed companion.
type HashAdvance func(row aggval.Row) error

// Finalize completes setIndex's current group: run any buffered
// DISTINCT/ORDER BY sort, call each PerAgg's final function, apply
// HAVING, and emit. groupKey is the representative row for the
// group being closed.
type Finalize func(setIndex int, groupKey aggval.Row) error

// Reset (re)initializes setIndex's transition state for the group that
// is about to start, called once before that set sees its first input
// tuple (spec §4.4 step 2: sets 0..k are reset at a boundary; every set
// is reset once before the very first row too).
type Reset func(setIndex int) error

// SortedDriver runs one sorted phase's retrieval loop (spec §4.4
// "Sorted processing within a phase").
type SortedDriver struct {
	phase *Phase
}

// NewSortedDriver returns a driver for phase.
func NewSortedDriver(phase *Phase) *SortedDriver {
	return &SortedDriver{phase: phase}
}

// Run drives the four-step loop of spec §4.4 to completion. hashAdv is
// nil unless this phase also feeds a hashed companion (Mixed mode,
// phase 1 only).
func (d *SortedDriver) Run(src RowSource, reset Reset, adv Advance, hashAdv HashAdvance, fin Finalize) error {
	var prev aggval.Row
	haveGroup := false

	closeGroup := func(upTo int) error {
		for k := 0; k < upTo; k++ {
			if err := fin(k, prev); err != nil {
				return err
			}
		}
		return nil
	}
	resetRange := func(from, to int) error {
		for k := from; k < to; k++ {
			if err := reset(k); err != nil {
				return err
			}
		}
		return nil
	}

	for {
		row, ok, err := src()
		if err != nil {
			return err
		}
		if !ok {
			break
		}

		if !haveGroup {
			if err := resetRange(0, len(d.phase.Sets)); err != nil {
				return err
			}
		} else {
			k := d.phase.ChangedPrefix(prev, row)
			from, to := ResetRange(k, len(d.phase.Sets))
			if to > from {
				if err := closeGroup(to); err != nil {
					return err
				}
				if err := resetRange(from, to); err != nil {
					return err
				}
			}
		}

		for setIdx := range d.phase.Sets {
			if err := adv(setIdx, row); err != nil {
				return err
			}
		}
		if hashAdv != nil {
			if err := hashAdv(row); err != nil {
				return err
			}
		}

		prev = row
		haveGroup = true
	}

	if haveGroup {
		if err := closeGroup(len(d.phase.Sets)); err != nil {
			return err
		}
	} else if len(d.phase.Sets) == 0 {
		// Plain aggregation, zero input rows: spec §4.4's empty-input
		// rule still emits one row with the initial/null state.
		return fin(0, nil)
	} else {
		for _, idx := range d.phase.EmptyInputSets() {
			if err := fin(idx, nil); err != nil {
				return err
			}
		}
	}
	return nil
}
