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

// Package builtin supplies ready-to-use PerAgg/PerTrans constructors
// (SPEC_FULL §C, a supplemented feature grounded in
// original_source/src/backend/executor/nodeAgg.c's companion builtin C
// functions like float8_accum/numeric_avg) so the rest of this module
// has something concrete to dispatch through aggexec without a real SQL
// catalog behind it.
package builtin

import (
	"fmt"
	"math"

	"github.com/SnellerInc/nodeagg/aggval"
	"github.com/SnellerInc/nodeagg/transition"
)

// floatSumState is SUM(float)/AVG(float)'s transition value: a
// Kahan-Babushka-Neumaier compensated running sum plus a row count,
// ported to scalar per-group form from the teacher's
// vm/aggregate_sumf.go 16-lane SIMD implementation — this core advances
// one group at a time rather than a vector of lanes, so the lane-wise
// merge step collapses to plain scalar arithmetic.
type floatSumState struct {
	sum   float64
	c     float64 // compensation term
	count int64
}

func (s *floatSumState) Copy() aggval.Datum {
	cp := *s
	return &cp
}

// neumaierAdd folds x into (sum, c) using the Kahan-Babushka-Neumaier
// algorithm: unlike plain Kahan summation, this variant stays correct
// even when |x| > |sum|, which is the case the teacher's original
// Kahan-only implementation was replaced to fix.
func neumaierAdd(sum, c, x float64) (newSum, newC float64) {
	t := sum + x
	if math.Abs(sum) >= math.Abs(x) {
		c += (sum - t) + x
	} else {
		c += (x - t) + sum
	}
	return t, c
}

func sumFloatTransFn(state aggval.Datum, args aggval.Row) (aggval.Datum, error) {
	s, _ := state.(*floatSumState)
	if s == nil {
		s = &floatSumState{}
	}
	x, ok := toFloat64(args[0])
	if !ok {
		return nil, fmt.Errorf("sum(float): non-numeric input %v", args[0])
	}
	s.sum, s.c = neumaierAdd(s.sum, s.c, x)
	s.count++
	return s, nil
}

func sumFloatFinalFn(state aggval.Datum, _ aggval.Row) (aggval.Datum, error) {
	s, _ := state.(*floatSumState)
	if s == nil || s.count == 0 {
		return nil, nil
	}
	return s.sum + s.c, nil
}

func avgFloatFinalFn(state aggval.Datum, _ aggval.Row) (aggval.Datum, error) {
	s, _ := state.(*floatSumState)
	if s == nil || s.count == 0 {
		return nil, nil
	}
	return (s.sum + s.c) / float64(s.count), nil
}

func sumFloatCombineFn(a, b aggval.Datum) (aggval.Datum, error) {
	sa, _ := a.(*floatSumState)
	sb, _ := b.(*floatSumState)
	if sa == nil {
		sa = &floatSumState{}
	}
	if sb == nil {
		return sa, nil
	}
	sa.sum, sa.c = neumaierAdd(sa.sum, sa.c, sb.sum+sb.c)
	sa.count += sb.count
	return sa, nil
}

func sumFloatSerialFn(state aggval.Datum) (aggval.Datum, error) {
	s, _ := state.(*floatSumState)
	if s == nil {
		return []float64{0, 0, 0}, nil
	}
	return []float64{s.sum, s.c, float64(s.count)}, nil
}

func sumFloatDeserialFn(serialized aggval.Datum) (aggval.Datum, error) {
	arr, ok := serialized.([]float64)
	if !ok || len(arr) != 3 {
		return nil, fmt.Errorf("sum(float) deserialize: malformed payload")
	}
	return &floatSumState{sum: arr[0], c: arr[1], count: int64(arr[2])}, nil
}

func toFloat64(d aggval.Datum) (float64, bool) {
	switch v := d.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	default:
		return 0, false
	}
}

// SumFloat returns a PerTrans+PerAgg pair implementing SUM over a
// float-typed input column, with compensated summation.
func SumFloat() (*transition.PerTrans, *transition.PerAgg) {
	pt := &transition.PerTrans{
		TransFn:          sumFloatTransFn,
		Strict:           false,
		Arity:            1,
		TransType:        "float8_sum_state",
		CombineFn:        sumFloatCombineFn,
		SerialFn:         sumFloatSerialFn,
		DeserialFn:       sumFloatDeserialFn,
		InitialValueNull: true,
	}
	pa := &transition.PerAgg{
		Trans:       pt,
		FinalFn:     sumFloatFinalFn,
		Shareable:   true,
		ResultByRef: false,
	}
	return pt, pa
}

// AvgFloat returns a PerTrans+PerAgg pair implementing AVG over a
// float-typed input column. It shares SumFloat's PerTrans shape (same
// transfn/combinefn/serialfn) but a different final function, which is
// exactly the PerAgg/PerTrans split spec §4.5 exists to exploit for
// `SELECT sum(x), avg(x)`.
func AvgFloat() (*transition.PerTrans, *transition.PerAgg) {
	pt, _ := SumFloat()
	pa := &transition.PerAgg{
		Trans:     pt,
		FinalFn:   avgFloatFinalFn,
		Shareable: true,
	}
	return pt, pa
}
