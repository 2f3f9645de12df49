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

func toInt64(d aggval.Datum) (int64, bool) {
	switch v := d.(type) {
	case int64:
		return v, true
	case int32:
		return int64(v), true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}

type bitOp func(a, b int64) int64

func bitAndOp(a, b int64) int64 { return a & b }
func bitOrOp(a, b int64) int64  { return a | b }
func bitXorOp(a, b int64) int64 { return a ^ b }

func bitTransFn(op bitOp, name string) transition.TransFn {
	return func(state aggval.Datum, args aggval.Row) (aggval.Datum, error) {
		x, ok := toInt64(args[0])
		if !ok {
			return nil, fmt.Errorf("%s: non-integer input %v", name, args[0])
		}
		if aggval.IsNull(state) {
			return x, nil
		}
		cur, _ := state.(int64)
		return op(cur, x), nil
	}
}

func bitCombineFn(op bitOp) transition.CombineFn {
	return func(a, b aggval.Datum) (aggval.Datum, error) {
		if aggval.IsNull(a) {
			return b, nil
		}
		if aggval.IsNull(b) {
			return a, nil
		}
		ca, _ := a.(int64)
		cb, _ := b.(int64)
		return op(ca, cb), nil
	}
}

// BitAnd returns BIT_AND(x): strict transfn over non-null int64 inputs,
// null initial state, same strict/no_value_yet shape as MIN/MAX.
func BitAnd() (*transition.PerTrans, *transition.PerAgg) {
	pt := &transition.PerTrans{
		TransFn:          bitTransFn(bitAndOp, "bit_and"),
		Strict:           true,
		Arity:            1,
		TransType:        "int8",
		CombineFn:        bitCombineFn(bitAndOp),
		InitialValueNull: true,
	}
	pa := &transition.PerAgg{Trans: pt, FinalFn: identityFinalFn, Shareable: true}
	return pt, pa
}

// BitOr returns BIT_OR(x).
func BitOr() (*transition.PerTrans, *transition.PerAgg) {
	pt := &transition.PerTrans{
		TransFn:          bitTransFn(bitOrOp, "bit_or"),
		Strict:           true,
		Arity:            1,
		TransType:        "int8",
		CombineFn:        bitCombineFn(bitOrOp),
		InitialValueNull: true,
	}
	pa := &transition.PerAgg{Trans: pt, FinalFn: identityFinalFn, Shareable: true}
	return pt, pa
}

// BitXor returns BIT_XOR(x).
func BitXor() (*transition.PerTrans, *transition.PerAgg) {
	pt := &transition.PerTrans{
		TransFn:          bitTransFn(bitXorOp, "bit_xor"),
		Strict:           true,
		Arity:            1,
		TransType:        "int8",
		CombineFn:        bitCombineFn(bitXorOp),
		InitialValueNull: true,
	}
	pa := &transition.PerAgg{Trans: pt, FinalFn: identityFinalFn, Shareable: true}
	return pt, pa
}
