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

// Less orders two non-null Datums for MIN/MAX, the externally-owned
// evaluator's comparison operator in a real catalog; builtin needs a
// concrete one to be self-contained.
type Less func(a, b aggval.Datum) bool

func minTransFn(less Less) transition.TransFn {
	return func(state aggval.Datum, args aggval.Row) (aggval.Datum, error) {
		x := args[0]
		if aggval.IsNull(state) {
			return x, nil
		}
		if less(x, state) {
			return x, nil
		}
		return state, nil
	}
}

func maxTransFn(less Less) transition.TransFn {
	return func(state aggval.Datum, args aggval.Row) (aggval.Datum, error) {
		x := args[0]
		if aggval.IsNull(state) {
			return x, nil
		}
		if less(state, x) {
			return x, nil
		}
		return state, nil
	}
}

func minCombineFn(less Less) transition.CombineFn {
	return func(a, b aggval.Datum) (aggval.Datum, error) {
		if aggval.IsNull(a) {
			return b, nil
		}
		if aggval.IsNull(b) {
			return a, nil
		}
		if less(b, a) {
			return b, nil
		}
		return a, nil
	}
}

func maxCombineFn(less Less) transition.CombineFn {
	return func(a, b aggval.Datum) (aggval.Datum, error) {
		if aggval.IsNull(a) {
			return b, nil
		}
		if aggval.IsNull(b) {
			return a, nil
		}
		if less(a, b) {
			return b, nil
		}
		return a, nil
	}
}

func identityFinalFn(state aggval.Datum, _ aggval.Row) (aggval.Datum, error) {
	return state, nil
}

// Min returns MIN(x): strict transfn, null initial value — a direct
// instance of the strict-transfn law of spec §8 property 5 (the first
// non-null input becomes the state with no transfn call).
func Min(less Less) (*transition.PerTrans, *transition.PerAgg) {
	if less == nil {
		panic("builtin.Min: nil comparator")
	}
	pt := &transition.PerTrans{
		TransFn:          minTransFn(less),
		Strict:           true,
		Arity:            1,
		TransType:        "any",
		CombineFn:        minCombineFn(less),
		InitialValueNull: true,
	}
	pa := &transition.PerAgg{Trans: pt, FinalFn: identityFinalFn, Shareable: true}
	return pt, pa
}

// Max returns MAX(x): strict transfn, null initial value.
func Max(less Less) (*transition.PerTrans, *transition.PerAgg) {
	if less == nil {
		panic("builtin.Max: nil comparator")
	}
	pt := &transition.PerTrans{
		TransFn:          maxTransFn(less),
		Strict:           true,
		Arity:            1,
		TransType:        "any",
		CombineFn:        maxCombineFn(less),
		InitialValueNull: true,
	}
	pa := &transition.PerAgg{Trans: pt, FinalFn: identityFinalFn, Shareable: true}
	return pt, pa
}
