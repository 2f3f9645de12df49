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
	"errors"
	"fmt"
	"testing"

	"github.com/SnellerInc/nodeagg/aggval"
	"github.com/SnellerInc/nodeagg/config"
	"github.com/SnellerInc/nodeagg/errs"
	"github.com/SnellerInc/nodeagg/hashagg"
	"github.com/SnellerInc/nodeagg/transition"
)

func countDistinctPerTrans() *transition.PerTrans {
	return &transition.PerTrans{
		TransFn: func(state aggval.Datum, args aggval.Row) (aggval.Datum, error) {
			n, _ := state.(int64)
			return n + 1, nil
		},
		Arity:            1,
		TransType:        "int8_count_state",
		InitialValue:     int64(0),
		InitialValueNull: false,
		DistinctEqual: aggval.EqualerFunc(func(a, b aggval.Row) bool {
			return a[0] == b[0]
		}),
		SortKey: func(a, b aggval.Row) int {
			av, bv := a[0].(int64), b[0].(int64)
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			default:
				return 0
			}
		},
	}
}

func sumInt64PerTrans() *transition.PerTrans {
	return &transition.PerTrans{
		TransFn: func(state aggval.Datum, args aggval.Row) (aggval.Datum, error) {
			acc, _ := state.(int64)
			v, _ := args[0].(int64)
			return acc + v, nil
		},
		Arity:            1,
		TransType:        "int8",
		InitialValue:     int64(0),
		InitialValueNull: false,
	}
}

func encRowFixture(r aggval.Row) []byte {
	return []byte(fmt.Sprintf("%v", r))
}

func TestEvalTransitionSortedSet(t *testing.T) {
	pt := sumInt64PerTrans()
	states := []*transition.GroupState{{}}
	arena := aggval.NewArena(aggval.KindOutput)
	transition.Initialize(pt, states[0], arena)

	eval := &StdEvaluator{
		Sets: []*SetBinding{
			{
				PerTrans: []*transition.PerTrans{pt},
				Args: func(row aggval.Row, transIdx int) aggval.Row {
					return aggval.Row{row[0]}
				},
				Current: states,
				Arena:   arena,
			},
		},
		Enc: encRowFixture,
	}

	if err := eval.EvalTransition(0, aggval.Row{int64(5)}, nil); err != nil {
		t.Fatalf("EvalTransition: %v", err)
	}
	if err := eval.EvalTransition(0, aggval.Row{int64(7)}, nil); err != nil {
		t.Fatalf("EvalTransition: %v", err)
	}
	if got := states[0].Value.(int64); got != 12 {
		t.Fatalf("accumulated value = %d, want 12", got)
	}
}

func TestEvalTransitionHashedSetCreatesAndInitializes(t *testing.T) {
	pt := sumInt64PerTrans()
	arena := aggval.NewArena(aggval.KindHash)
	cfg := config.Default()
	table := hashagg.New(cfg, encRowFixture, aggval.EqualerFunc(func(a, b aggval.Row) bool {
		return a[0] == b[0]
	}), 1, 64, arena)

	eval := &StdEvaluator{
		Sets: []*SetBinding{
			{
				PerTrans:  []*transition.PerTrans{pt},
				GroupCols: func(row aggval.Row) aggval.Row { return aggval.Row{row[0]} },
				Args: func(row aggval.Row, transIdx int) aggval.Row {
					return aggval.Row{row[1]}
				},
				Hash:  table,
				Arena: arena,
			},
		},
		Enc: encRowFixture,
	}

	rows := []aggval.Row{
		{"a", int64(1)},
		{"a", int64(2)},
		{"b", int64(10)},
	}
	for _, r := range rows {
		if err := eval.EvalTransition(0, r, nil); err != nil {
			t.Fatalf("EvalTransition: %v", err)
		}
	}

	if got := table.EntryCount(); got != 2 {
		t.Fatalf("EntryCount = %d, want 2", got)
	}
	for _, e := range table.Entries() {
		want := int64(10)
		if e.Key[0] == "a" {
			want = 3
		}
		if got := e.States[0].Value.(int64); got != want {
			t.Fatalf("group %v sum = %d, want %d", e.Key, got, want)
		}
	}
}

func TestEvalTransitionHashedSetNoNewGroupsRoutesToSpill(t *testing.T) {
	pt := sumInt64PerTrans()
	arena := aggval.NewArena(aggval.KindHash)
	cfg := config.Default()
	cfg.WorkMemBytes = 1000
	cfg.HashPartitionMemReservation = 0
	table := hashagg.New(cfg, encRowFixture, aggval.EqualerFunc(func(a, b aggval.Row) bool {
		return a[0] == b[0]
	}), 1, 1, arena)

	var spilled []aggval.Row
	eval := &StdEvaluator{
		Sets: []*SetBinding{
			{
				PerTrans:  []*transition.PerTrans{pt},
				GroupCols: func(row aggval.Row) aggval.Row { return aggval.Row{row[0]} },
				Args: func(row aggval.Row, transIdx int) aggval.Row {
					return aggval.Row{row[1]}
				},
				Hash: table,
				Spill: func(row aggval.Row, key aggval.Row, hash uint32) error {
					spilled = append(spilled, row)
					return nil
				},
				Arena: arena,
			},
		},
		Enc: encRowFixture,
	}

	// refreshMemory only runs on the entry-creation path inside Lookup, so
	// no_new_groups can only be raised as a side effect of creating a
	// group, never by looking one up. Grow the arena first, then let the
	// very first group's creation discover the overflow and raise the
	// flag for every group after it.
	arena.Grow(2000) // push the table over its byte limit before any group exists
	if err := eval.EvalTransition(0, aggval.Row{"a", int64(1)}, nil); err != nil {
		t.Fatalf("EvalTransition: %v", err)
	}
	if !table.NoNewGroups() {
		t.Fatalf("table should have raised no_new_groups once group a's creation saw the byte overflow")
	}
	if _, created := table.Lookup(aggval.Row{"a"}, hashagg.Hash(aggval.Row{"a"}, encRowFixture)); created {
		t.Fatalf("lookup of an existing key should not report created")
	}

	if err := eval.EvalTransition(0, aggval.Row{"b", int64(9)}, nil); err != nil {
		t.Fatalf("EvalTransition: %v", err)
	}
	if len(spilled) != 1 || spilled[0][0] != "b" {
		t.Fatalf("spilled = %v, want one row for group b", spilled)
	}
}

// TestEvalTransitionAndDrainSortedDistinctAggregate covers
// count(distinct x) on {1,1,2,3,3,3}, which must see only the three
// distinct values once EvalTransition buffers every row and DrainSorted
// runs the sort/dedup pass.
func TestEvalTransitionAndDrainSortedDistinctAggregate(t *testing.T) {
	pt := countDistinctPerTrans()
	states := []*transition.GroupState{{}}
	arena := aggval.NewArena(aggval.KindOutput)
	transition.Initialize(pt, states[0], arena)

	eval := &StdEvaluator{
		Sets: []*SetBinding{
			{
				PerTrans: []*transition.PerTrans{pt},
				Args: func(row aggval.Row, transIdx int) aggval.Row {
					return aggval.Row{row[0]}
				},
				Current: states,
				Arena:   arena,
			},
		},
		Enc: encRowFixture,
	}

	for _, v := range []int64{1, 1, 2, 3, 3, 3} {
		if err := eval.EvalTransition(0, aggval.Row{v}, nil); err != nil {
			t.Fatalf("EvalTransition: %v", err)
		}
	}
	if got := states[0].Value.(int64); got != 0 {
		t.Fatalf("EvalTransition should only buffer, not advance: Value = %v", got)
	}

	if err := eval.DrainSorted(0); err != nil {
		t.Fatalf("DrainSorted: %v", err)
	}
	if got := states[0].Value.(int64); got != 3 {
		t.Fatalf("distinct count = %d, want 3", got)
	}

	// a second group boundary with no buffered rows must be a no-op,
	// not a panic on a nil buffer.
	if err := eval.DrainSorted(0); err != nil {
		t.Fatalf("DrainSorted on an empty buffer: %v", err)
	}
}

// TestEvalTransitionHashedSetRejectsDistinctAggregate covers the
// restriction real SQL planners also enforce: DISTINCT/ORDER BY
// aggregates never bind to a hashed grouping set.
func TestEvalTransitionHashedSetRejectsDistinctAggregate(t *testing.T) {
	pt := countDistinctPerTrans()
	arena := aggval.NewArena(aggval.KindHash)
	table := hashagg.New(config.Default(), encRowFixture, aggval.EqualerFunc(func(a, b aggval.Row) bool {
		return a[0] == b[0]
	}), 1, 64, arena)

	eval := &StdEvaluator{
		Sets: []*SetBinding{
			{
				PerTrans:  []*transition.PerTrans{pt},
				GroupCols: func(row aggval.Row) aggval.Row { return aggval.Row{row[0]} },
				Args: func(row aggval.Row, transIdx int) aggval.Row {
					return aggval.Row{row[1]}
				},
				Hash:  table,
				Arena: arena,
			},
		},
		Enc: encRowFixture,
	}

	err := eval.EvalTransition(0, aggval.Row{"a", int64(1)}, nil)
	var cfgErr *errs.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("EvalTransition = %v, want a ConfigError", err)
	}
}
