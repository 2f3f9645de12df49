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

package hashagg

import "github.com/SnellerInc/nodeagg/aggval"

// Projection is the supplemented feature of SPEC_FULL §D.5, grounded on
// the original's find_hash_columns: the set of input columns that
// actually need to be materialized before a tuple is written to a spill
// tape (spec §4.3.5: "only columns needed downstream ... are
// materialized — others are stored as null placeholders"). Computed
// once at New time from the caller-supplied column list rather than
// recomputed on every spill write.
type Projection struct {
	needed []bool
}

// NewProjection builds a Projection over width columns, marking as
// needed every column index present in groupingCols, aggArgCols, or
// otherCols (columns referenced by the target list or a qual the
// caller still wants after a spill round-trip).
func NewProjection(width int, groupingCols, aggArgCols, otherCols []int) Projection {
	needed := make([]bool, width)
	mark := func(cols []int) {
		for _, c := range cols {
			if c >= 0 && c < width {
				needed[c] = true
			}
		}
	}
	mark(groupingCols)
	mark(aggArgCols)
	mark(otherCols)
	return Projection{needed: needed}
}

// Needed reports whether column i must be materialized.
func (p Projection) Needed(i int) bool {
	if i < 0 || i >= len(p.needed) {
		return false
	}
	return p.needed[i]
}

// Apply returns a copy of row with every non-needed column replaced by
// SQL NULL, shrinking what actually needs to be written to a spill
// tape without changing the tuple's shape (so the reader's column
// indexing stays valid).
func (p Projection) Apply(row aggval.Row) aggval.Row {
	out := make(aggval.Row, len(row))
	for i, d := range row {
		if p.Needed(i) {
			out[i] = d
		}
	}
	return out
}
