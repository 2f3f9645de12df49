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

import (
	"testing"

	"github.com/SnellerInc/nodeagg/aggval"
)

func TestProjectionNeeded(t *testing.T) {
	p := NewProjection(5, []int{0}, []int{2}, nil)
	want := map[int]bool{0: true, 1: false, 2: true, 3: false, 4: false}
	for i, w := range want {
		if got := p.Needed(i); got != w {
			t.Errorf("Needed(%d) = %v, want %v", i, got, w)
		}
	}
}

func TestProjectionNeededOutOfRange(t *testing.T) {
	p := NewProjection(3, []int{0}, nil, nil)
	if p.Needed(-1) || p.Needed(10) {
		t.Fatalf("Needed should return false for out-of-range indices")
	}
}

func TestProjectionApplyNullsUnneededColumns(t *testing.T) {
	p := NewProjection(4, []int{0, 3}, nil, nil)
	row := aggval.Row{"a", "b", "c", "d"}
	out := p.Apply(row)
	want := aggval.Row{"a", nil, nil, "d"}
	if len(out) != len(want) {
		t.Fatalf("Apply changed row width: got %d, want %d", len(out), len(want))
	}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("Apply()[%d] = %v, want %v", i, out[i], want[i])
		}
	}
	if row[1] != "b" {
		t.Fatalf("Apply mutated the original row")
	}
}
