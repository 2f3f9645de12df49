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

package builtin

import (
	"github.com/SnellerInc/nodeagg/aggval"
	"github.com/SnellerInc/nodeagg/transition"
)

// arrayAggState is ARRAY_AGG's by-reference transition value: a slice
// that grows one element per input row. It implements aggval.ByRef so
// adopt() deep-copies it on every transition rather than aliasing the
// caller's backing array, and aggval.ExpandedObject so the machinery
// is exercised end to end, though arena is always nil here: a TransFn
// is a pure (state, args) -> state function with no way to stamp the
// group's arena onto its result, so this type never actually takes the
// expanded-object fast path in transition.Advance — it always goes
// through the CloneDatum path, same as any other by-reference value.
type arrayAggState struct {
	items []aggval.Datum
	arena *aggval.Arena
}

func (s *arrayAggState) Copy() aggval.Datum {
	cp := make([]aggval.Datum, len(s.items))
	copy(cp, s.items)
	return &arrayAggState{items: cp}
}

func (s *arrayAggState) Arena() *aggval.Arena { return s.arena }

func arrayAggTransFn(state aggval.Datum, args aggval.Row) (aggval.Datum, error) {
	s, _ := state.(*arrayAggState)
	if s == nil {
		s = &arrayAggState{}
	}
	s.items = append(s.items, args[0])
	return s, nil
}

func arrayAggCombineFn(a, b aggval.Datum) (aggval.Datum, error) {
	sa, _ := a.(*arrayAggState)
	sb, _ := b.(*arrayAggState)
	if sa == nil {
		return sb, nil
	}
	if sb == nil {
		return sa, nil
	}
	sa.items = append(sa.items, sb.items...)
	return sa, nil
}

func arrayAggSerialFn(state aggval.Datum) (aggval.Datum, error) {
	s, _ := state.(*arrayAggState)
	if s == nil {
		return []aggval.Datum{}, nil
	}
	return append([]aggval.Datum{}, s.items...), nil
}

func arrayAggDeserialFn(serialized aggval.Datum) (aggval.Datum, error) {
	items, _ := serialized.([]aggval.Datum)
	return &arrayAggState{items: append([]aggval.Datum{}, items...)}, nil
}

func arrayAggFinalFn(state aggval.Datum, _ aggval.Row) (aggval.Datum, error) {
	s, _ := state.(*arrayAggState)
	if s == nil {
		// no input rows: ARRAY_AGG over zero rows is null, not an
		// empty array
		return nil, nil
	}
	return append([]aggval.Datum{}, s.items...), nil
}

// ArrayAgg returns ARRAY_AGG(x): non-strict (nulls are collected like
// any other element, matching the original's array_agg behavior),
// by-reference result, and not shareable — two ARRAY_AGG call sites
// over the same argument are still two independent accumulations
// because an ORDER BY or DISTINCT clause attached to one must not leak
// into the other (spec §3's shareable=false escape hatch).
func ArrayAgg() (*transition.PerTrans, *transition.PerAgg) {
	pt := &transition.PerTrans{
		TransFn:          arrayAggTransFn,
		Strict:           false,
		Arity:            1,
		TransType:        "array_agg_state",
		CombineFn:        arrayAggCombineFn,
		SerialFn:         arrayAggSerialFn,
		DeserialFn:       arrayAggDeserialFn,
		InitialValueNull: true,
	}
	pa := &transition.PerAgg{
		Trans:       pt,
		FinalFn:     arrayAggFinalFn,
		Shareable:   false,
		ResultByRef: true,
	}
	return pt, pa
}
