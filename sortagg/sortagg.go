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

// Package sortagg implements the Sort-Input Aggregator (spec §4.2): for
// aggregates marked DISTINCT and/or ORDER BY, buffer argument tuples,
// sort them, de-duplicate when DISTINCT, and feed the survivors to
// transition.Advance in order.
//
// Two entry points mirror the two-path design the teacher's sorter
// narrates for the same reason (a single-column comparison is cheap
// enough to fast-path separately from the general tuple case): Single
// sorts and dedups a one-column argument list directly against its
// abbreviated key before falling back to the full equality comparator,
// and Multi sorts full tuples and walks them with a current/previous
// pair of slots so the retained tuple is never copied.
package sortagg

import (
	"golang.org/x/exp/slices"

	"github.com/SnellerInc/nodeagg/aggval"
	"github.com/SnellerInc/nodeagg/errs"
	"github.com/SnellerInc/nodeagg/transition"
)

// AbbrevKey produces a cheap, order-preserving-enough surrogate for a
// Datum, used only to skip the full equality comparator on the common
// case where two adjacent sorted values are obviously distinct. A
// collision (two different values with the same abbreviated key) is
// always resolved by falling back to the real Equaler — AbbrevKey must
// never be the sole test for equality.
type AbbrevKey func(aggval.Datum) uint64

// Buffer accumulates argument tuples for one group's PerTrans between
// group boundaries. It is released (via Reset) deterministically when
// the group completes, even if the group is later discarded by HAVING
// (spec §4.2's failure-semantics note).
type Buffer struct {
	rows     []aggval.Row
	distinct bool
}

// NewBuffer returns an empty Buffer. distinct controls whether Drain
// suppresses duplicate tuples after sorting.
func NewBuffer(distinct bool) *Buffer {
	return &Buffer{distinct: distinct}
}

// Add appends one argument tuple, deep-copying any by-reference values
// so later mutation of the caller's tmp arena can't corrupt the buffer.
func (b *Buffer) Add(row aggval.Row) {
	b.rows = append(b.rows, row.Clone())
}

// Len reports the number of buffered tuples.
func (b *Buffer) Len() int { return len(b.rows) }

// Reset discards all buffered tuples, releasing the buffer for reuse by
// the next group.
func (b *Buffer) Reset() {
	b.rows = b.rows[:0]
}

// Single sorts a single-argument buffer by cmp and feeds the (optionally
// deduplicated) survivors to transition.Advance, in the order spec
// §4.2 describes: "scan in order; when DISTINCT, suppress runs of equal
// consecutive values using a precomputed abbreviated-key fast path plus
// a full equality comparator as tiebreaker."
func (b *Buffer) Single(pt *transition.PerTrans, gs *transition.GroupState, cmp aggval.Comparator, equal aggval.Equaler, abbrev AbbrevKey) error {
	if cmp != nil {
		slices.SortFunc(b.rows, func(a, c aggval.Row) bool { return cmp(a, c) < 0 })
	}

	var prevKey uint64
	var prevRow aggval.Row
	havePrev := false

	for _, row := range b.rows {
		if b.distinct && havePrev {
			k := abbrev(row[0])
			if k == prevKey && equal.Equal(row, prevRow) {
				continue
			}
			prevKey = k
		} else if b.distinct {
			prevKey = abbrev(row[0])
		}
		if err := transition.Advance(pt, gs, row); err != nil {
			return err
		}
		prevRow = row
		havePrev = true
	}
	return nil
}

// Multi sorts a multi-argument buffer by cmp and feeds the (optionally
// deduplicated) survivors to transition.Advance, using a current/
// previous slot pair so the retained tuple is never copied mid-scan
// (spec §4.2's "swap current<->previous slots to avoid copying the
// retained tuple").
func (b *Buffer) Multi(pt *transition.PerTrans, gs *transition.GroupState, cmp aggval.Comparator, equal aggval.Equaler) error {
	if cmp == nil {
		return errs.NewConfigError("multi-column sort requires a comparator")
	}
	slices.SortFunc(b.rows, func(a, c aggval.Row) bool { return cmp(a, c) < 0 })

	var current, previous aggval.Row
	havePrevious := false

	for _, row := range b.rows {
		current = row
		if b.distinct && havePrevious && equal.Equal(current, previous) {
			continue
		}
		if err := transition.Advance(pt, gs, current); err != nil {
			return err
		}
		previous, current = current, previous
		havePrevious = true
	}
	return nil
}
