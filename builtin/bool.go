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
	"fmt"

	"github.com/SnellerInc/nodeagg/aggval"
	"github.com/SnellerInc/nodeagg/transition"
)

// boolState tracks whether any/all non-null inputs seen so far were
// true, plus whether any row has been seen at all (the null-until-one
// law: BOOL_AND/BOOL_OR over zero non-null rows finalizes to null, not
// true/false).
type boolState struct {
	value bool
	seen  bool
}

func (s boolState) Copy() aggval.Datum { return s }

func toBool(d aggval.Datum) (bool, bool) {
	b, ok := d.(bool)
	return b, ok
}

func boolAndTransFn(state aggval.Datum, args aggval.Row) (aggval.Datum, error) {
	s, _ := state.(boolState)
	x, ok := toBool(args[0])
	if !ok {
		return nil, fmt.Errorf("bool_and: non-boolean input %v", args[0])
	}
	if !s.seen {
		return boolState{value: x, seen: true}, nil
	}
	return boolState{value: s.value && x, seen: true}, nil
}

func boolOrTransFn(state aggval.Datum, args aggval.Row) (aggval.Datum, error) {
	s, _ := state.(boolState)
	x, ok := toBool(args[0])
	if !ok {
		return nil, fmt.Errorf("bool_or: non-boolean input %v", args[0])
	}
	if !s.seen {
		return boolState{value: x, seen: true}, nil
	}
	return boolState{value: s.value || x, seen: true}, nil
}

func boolAndCombineFn(a, b aggval.Datum) (aggval.Datum, error) {
	sa, _ := a.(boolState)
	sb, _ := b.(boolState)
	switch {
	case !sa.seen:
		return sb, nil
	case !sb.seen:
		return sa, nil
	default:
		return boolState{value: sa.value && sb.value, seen: true}, nil
	}
}

func boolOrCombineFn(a, b aggval.Datum) (aggval.Datum, error) {
	sa, _ := a.(boolState)
	sb, _ := b.(boolState)
	switch {
	case !sa.seen:
		return sb, nil
	case !sb.seen:
		return sa, nil
	default:
		return boolState{value: sa.value || sb.value, seen: true}, nil
	}
}

func boolFinalFn(state aggval.Datum, _ aggval.Row) (aggval.Datum, error) {
	s, _ := state.(boolState)
	if !s.seen {
		return nil, nil
	}
	return s.value, nil
}

// BoolAnd returns BOOL_AND(x): non-strict so the null-skip happens
// inside the transfn (tracking "seen" lets the transfn distinguish
// "no rows yet" from "false seen"), non-null zero boolState initial
// value.
func BoolAnd() (*transition.PerTrans, *transition.PerAgg) {
	pt := &transition.PerTrans{
		TransFn:          boolAndNullSkipTransFn,
		Strict:           false,
		Arity:            1,
		TransType:        "bool_state",
		CombineFn:        boolAndCombineFn,
		InitialValue:     boolState{},
		InitialValueNull: false,
	}
	pa := &transition.PerAgg{Trans: pt, FinalFn: boolFinalFn, Shareable: true}
	return pt, pa
}

// BoolOr returns BOOL_OR(x).
func BoolOr() (*transition.PerTrans, *transition.PerAgg) {
	pt := &transition.PerTrans{
		TransFn:          boolOrNullSkipTransFn,
		Strict:           false,
		Arity:            1,
		TransType:        "bool_state",
		CombineFn:        boolOrCombineFn,
		InitialValue:     boolState{},
		InitialValueNull: false,
	}
	pa := &transition.PerAgg{Trans: pt, FinalFn: boolFinalFn, Shareable: true}
	return pt, pa
}

func boolAndNullSkipTransFn(state aggval.Datum, args aggval.Row) (aggval.Datum, error) {
	if aggval.IsNull(args[0]) {
		return state, nil
	}
	return boolAndTransFn(state, args)
}

func boolOrNullSkipTransFn(state aggval.Datum, args aggval.Row) (aggval.Datum, error) {
	if aggval.IsNull(args[0]) {
		return state, nil
	}
	return boolOrTransFn(state, args)
}
