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
	"testing"

	"github.com/SnellerInc/nodeagg/builtin"
	"github.com/SnellerInc/nodeagg/catalog"
)

func sumFloatDesc(aggOID catalog.FuncOID) *catalog.AggDescriptor {
	return &catalog.AggDescriptor{
		AggOID:     aggOID,
		TransFn:    10,
		FinalFn:    11,
		TransType:  "float8_sum_state",
		ArgTypes:   []string{"float8"},
		ResultType: "float8",
	}
}

// TestResolveAggsSharesSumAvgPerTrans covers spec §4.5's canonical
// example: SELECT sum(x), avg(x) FROM t needs two PerAggs (different
// final functions) but only one PerTrans (identical transfn/transtype).
func TestResolveAggsSharesSumAvgPerTrans(t *testing.T) {
	sumDesc := sumFloatDesc(1)
	avgDesc := sumFloatDesc(2)
	avgDesc.FinalFn = 12

	reg := catalog.NewRegistry()
	aggs, trans := ResolveAggs(reg, []AggCall{
		{Desc: sumDesc, Build: builtin.SumFloat},
		{Desc: avgDesc, Build: builtin.AvgFloat},
	})

	if len(aggs) != 2 {
		t.Fatalf("len(aggs) = %d, want 2", len(aggs))
	}
	if len(trans) != 1 {
		t.Fatalf("len(trans) = %d, want 1 (sum and avg share one PerTrans)", len(trans))
	}
	if aggs[0].Trans != aggs[1].Trans {
		t.Fatalf("sum's and avg's PerAgg should point at the same PerTrans")
	}
	if !aggs[0].Trans.Shared {
		t.Fatalf("the shared PerTrans should be marked Shared")
	}
	if aggs[0] == aggs[1] {
		t.Fatalf("sum and avg are distinct aggregates and must not share a PerAgg")
	}
}

// TestResolveAggsSharesIdenticalAggregateOutright covers two identical
// aggregate references (e.g. sum(x) appearing twice in the target list)
// collapsing to one PerAgg entirely, not merely one PerTrans.
func TestResolveAggsSharesIdenticalAggregateOutright(t *testing.T) {
	desc1 := sumFloatDesc(1)
	desc2 := sumFloatDesc(1)

	reg := catalog.NewRegistry()
	aggs, trans := ResolveAggs(reg, []AggCall{
		{Desc: desc1, Build: builtin.SumFloat},
		{Desc: desc2, Build: builtin.SumFloat},
	})

	if len(trans) != 1 {
		t.Fatalf("len(trans) = %d, want 1", len(trans))
	}
	if aggs[0] != aggs[1] {
		t.Fatalf("identical aggregate references should share one PerAgg")
	}
}

// TestResolveAggsThreeCallsMixedSharing exercises a third call landing
// after an already-shared pair: count(x) has neither sum's PerAgg nor
// its PerTrans shape, so it must get its own of each.
func TestResolveAggsThreeCallsMixedSharing(t *testing.T) {
	sumDesc := sumFloatDesc(1)
	avgDesc := sumFloatDesc(2)
	avgDesc.FinalFn = 12
	countDesc := &catalog.AggDescriptor{
		AggOID:     3,
		TransFn:    20,
		FinalFn:    21,
		TransType:  "int8_count_state",
		ResultType: "int8",
	}

	reg := catalog.NewRegistry()
	aggs, trans := ResolveAggs(reg, []AggCall{
		{Desc: sumDesc, Build: builtin.SumFloat},
		{Desc: avgDesc, Build: builtin.AvgFloat},
		{Desc: countDesc, Build: builtin.SumFloat}, // distinct TransType, so no dedup
	})

	if len(aggs) != 3 {
		t.Fatalf("len(aggs) = %d, want 3", len(aggs))
	}
	if len(trans) != 2 {
		t.Fatalf("len(trans) = %d, want 2 (sum/avg share one, count's descriptor forces a second)", len(trans))
	}
	if aggs[2].Trans == aggs[0].Trans {
		t.Fatalf("count's distinct TransType must not collapse into sum/avg's PerTrans")
	}
}
