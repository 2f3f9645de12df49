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

type countState int64

func (c countState) Copy() aggval.Datum { return c }

func countStarTransFn(state aggval.Datum, _ aggval.Row) (aggval.Datum, error) {
	n, _ := state.(countState)
	return n + 1, nil
}

func countColTransFn(state aggval.Datum, args aggval.Row) (aggval.Datum, error) {
	n, _ := state.(countState)
	if aggval.IsNull(args[0]) {
		return n, nil
	}
	return n + 1, nil
}

func countCombineFn(a, b aggval.Datum) (aggval.Datum, error) {
	na, _ := a.(countState)
	nb, _ := b.(countState)
	return na + nb, nil
}

func countFinalFn(state aggval.Datum, _ aggval.Row) (aggval.Datum, error) {
	n, _ := state.(countState)
	return int64(n), nil
}

func countBase() *transition.PerTrans {
	return &transition.PerTrans{
		TransType:        "int8_count_state",
		CombineFn:        countCombineFn,
		InitialValue:     countState(0),
		InitialValueNull: false,
	}
}

// CountStar returns COUNT(*): never strict, never null, initial value 0.
func CountStar() (*transition.PerTrans, *transition.PerAgg) {
	pt := countBase()
	pt.TransFn = countStarTransFn
	pa := &transition.PerAgg{Trans: pt, FinalFn: countFinalFn, Shareable: true}
	return pt, pa
}

// Count returns COUNT(x): counts non-null inputs.
func Count() (*transition.PerTrans, *transition.PerAgg) {
	pt := countBase()
	pt.TransFn = countColTransFn
	pt.Arity = 1
	pa := &transition.PerAgg{Trans: pt, FinalFn: countFinalFn, Shareable: true}
	return pt, pa
}
