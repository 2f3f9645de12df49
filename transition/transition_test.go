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

package transition

import (
	"fmt"
	"testing"

	"github.com/SnellerInc/nodeagg/aggval"
)

func sumPerTrans() *PerTrans {
	return &PerTrans{
		TransFn: func(state aggval.Datum, args aggval.Row) (aggval.Datum, error) {
			n, _ := state.(int64)
			x, _ := args[0].(int64)
			return n + x, nil
		},
		Strict:           false,
		Arity:            1,
		TransType:        "int8",
		CombineFn:        func(a, b aggval.Datum) (aggval.Datum, error) { return a.(int64) + b.(int64), nil },
		InitialValue:     int64(0),
		InitialValueNull: false,
	}
}

func TestInitializeNonNullInitial(t *testing.T) {
	pt := sumPerTrans()
	gs := &GroupState{}
	arena := aggval.NewArena(aggval.KindPerGroupSet)
	Initialize(pt, gs, arena)
	if gs.NoValueYet {
		t.Fatalf("NoValueYet should be false for a non-null initial value")
	}
	if gs.IsNull {
		t.Fatalf("IsNull should be false for a non-null initial value")
	}
	if gs.Value.(int64) != 0 {
		t.Fatalf("Value = %v, want 0", gs.Value)
	}
	if gs.Arena != arena {
		t.Fatalf("Arena was not recorded on GroupState")
	}
}

func TestAdvanceAccumulates(t *testing.T) {
	pt := sumPerTrans()
	gs := &GroupState{}
	Initialize(pt, gs, aggval.NewArena(aggval.KindPerGroupSet))

	for _, v := range []int64{1, 2, 3} {
		if err := Advance(pt, gs, aggval.Row{v}); err != nil {
			t.Fatalf("Advance: %v", err)
		}
	}
	if gs.Value.(int64) != 6 {
		t.Fatalf("Value = %v, want 6", gs.Value)
	}
}

func TestStrictTransFnSkipsNullArgs(t *testing.T) {
	pt := &PerTrans{
		Strict: true,
		TransFn: func(state aggval.Datum, args aggval.Row) (aggval.Datum, error) {
			return nil, fmt.Errorf("transfn should not be called")
		},
		InitialValueNull: true,
	}
	gs := &GroupState{}
	Initialize(pt, gs, aggval.NewArena(aggval.KindPerGroupSet))

	if err := Advance(pt, gs, aggval.Row{nil}); err != nil {
		t.Fatalf("Advance with null arg: %v", err)
	}
	if !gs.NoValueYet {
		t.Fatalf("strict transfn given only null input should leave NoValueYet true")
	}
}

func TestStrictTransFnAdoptsFirstValueVerbatim(t *testing.T) {
	called := false
	pt := &PerTrans{
		Strict: true,
		TransFn: func(state aggval.Datum, args aggval.Row) (aggval.Datum, error) {
			called = true
			return args[0], nil
		},
		InitialValueNull: true,
	}
	gs := &GroupState{}
	Initialize(pt, gs, aggval.NewArena(aggval.KindPerGroupSet))

	if err := Advance(pt, gs, aggval.Row{int64(5)}); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if called {
		t.Fatalf("strict transfn must not be called to adopt the first value")
	}
	if gs.Value.(int64) != 5 {
		t.Fatalf("Value = %v, want 5", gs.Value)
	}
	if gs.NoValueYet {
		t.Fatalf("NoValueYet should be false after adopting the first value")
	}

	// second call: now TransFn must be invoked
	if err := Advance(pt, gs, aggval.Row{int64(3)}); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if !called {
		t.Fatalf("TransFn should have been called on the second advance")
	}
}

func TestFinalizeUsesFinalFn(t *testing.T) {
	pt := sumPerTrans()
	gs := &GroupState{}
	Initialize(pt, gs, aggval.NewArena(aggval.KindPerGroupSet))
	Advance(pt, gs, aggval.Row{int64(10)})

	pa := &PerAgg{
		Trans: pt,
		FinalFn: func(state aggval.Datum, _ aggval.Row) (aggval.Datum, error) {
			return state.(int64) * 2, nil
		},
	}
	out, isNull, err := Finalize(pa, gs, aggval.NewArena(aggval.KindOutput))
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if isNull {
		t.Fatalf("result should not be null")
	}
	if out.(int64) != 20 {
		t.Fatalf("Finalize result = %v, want 20", out)
	}
}

func TestFinalizeNoFinalFnReturnsState(t *testing.T) {
	pt := sumPerTrans()
	gs := &GroupState{}
	Initialize(pt, gs, aggval.NewArena(aggval.KindPerGroupSet))
	Advance(pt, gs, aggval.Row{int64(7)})

	pa := &PerAgg{Trans: pt}
	out, isNull, err := Finalize(pa, gs, aggval.NewArena(aggval.KindOutput))
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if isNull || out.(int64) != 7 {
		t.Fatalf("Finalize result = %v (null=%v), want 7", out, isNull)
	}
}

func TestFinalizeDirectArgsAlwaysEvaluated(t *testing.T) {
	pt := sumPerTrans()
	gs := &GroupState{}
	Initialize(pt, gs, aggval.NewArena(aggval.KindPerGroupSet))

	sideEffect := 0
	pa := &PerAgg{
		Trans:       pt,
		FinalStrict: true, // state is null -> short-circuits before FinalFn
		DirectArgs: []DirectArg{
			func() (aggval.Datum, error) { sideEffect++; return int64(1), nil },
		},
	}
	gs.IsNull = true
	_, isNull, err := Finalize(pa, gs, aggval.NewArena(aggval.KindOutput))
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if !isNull {
		t.Fatalf("FinalStrict with null state should yield null")
	}
	if sideEffect != 1 {
		t.Fatalf("direct arg side effect ran %d times, want 1", sideEffect)
	}
}

func TestFinalizePartialSerializes(t *testing.T) {
	pt := sumPerTrans()
	pt.SerialFn = func(state aggval.Datum) (aggval.Datum, error) {
		return []int64{state.(int64)}, nil
	}
	gs := &GroupState{}
	Initialize(pt, gs, aggval.NewArena(aggval.KindPerGroupSet))
	Advance(pt, gs, aggval.Row{int64(4)})

	out, isNull, err := FinalizePartial(pt, gs)
	if err != nil {
		t.Fatalf("FinalizePartial: %v", err)
	}
	if isNull {
		t.Fatalf("should not be null")
	}
	arr := out.([]int64)
	if len(arr) != 1 || arr[0] != 4 {
		t.Fatalf("serialized = %v, want [4]", arr)
	}
}

func TestFinalizePartialNullStateSkipsSerialFn(t *testing.T) {
	called := false
	pt := sumPerTrans()
	pt.SerialFn = func(state aggval.Datum) (aggval.Datum, error) {
		called = true
		return state, nil
	}
	gs := &GroupState{IsNull: true}
	_, isNull, err := FinalizePartial(pt, gs)
	if err != nil {
		t.Fatalf("FinalizePartial: %v", err)
	}
	if !isNull {
		t.Fatalf("expected null result for null state")
	}
	if called {
		t.Fatalf("SerialFn must not be invoked on a null transition state")
	}
}

func TestDeserializeRoundTrip(t *testing.T) {
	pt := sumPerTrans()
	pt.SerialFn = func(state aggval.Datum) (aggval.Datum, error) {
		return []int64{state.(int64)}, nil
	}
	pt.DeserialFn = func(serialized aggval.Datum) (aggval.Datum, error) {
		return serialized.([]int64)[0], nil
	}
	gs := &GroupState{}
	Initialize(pt, gs, aggval.NewArena(aggval.KindPerGroupSet))
	Advance(pt, gs, aggval.Row{int64(9)})

	serialized, _, err := FinalizePartial(pt, gs)
	if err != nil {
		t.Fatalf("FinalizePartial: %v", err)
	}

	arena := aggval.NewArena(aggval.KindHash)
	restored, err := Deserialize(pt, serialized, arena)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if restored.Value.(int64) != 9 {
		t.Fatalf("restored value = %v, want 9", restored.Value)
	}
	if restored.Arena != arena {
		t.Fatalf("Deserialize did not bind the given arena")
	}
}

func TestDeserializeNullBecomesNoValueYet(t *testing.T) {
	pt := sumPerTrans()
	pt.SerialFn = func(state aggval.Datum) (aggval.Datum, error) { return []int64{0}, nil }
	pt.DeserialFn = func(serialized aggval.Datum) (aggval.Datum, error) { return int64(0), nil }

	arena := aggval.NewArena(aggval.KindHash)
	restored, err := Deserialize(pt, nil, arena)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if !restored.NoValueYet || !restored.IsNull {
		t.Fatalf("null serialized value should deserialize to an uninitialized state, got %+v", restored)
	}
}

func TestCombineMergesTwoStates(t *testing.T) {
	pt := sumPerTrans()

	a := &GroupState{}
	Initialize(pt, a, aggval.NewArena(aggval.KindPerGroupSet))
	Advance(pt, a, aggval.Row{int64(3)})

	b := &GroupState{}
	Initialize(pt, b, aggval.NewArena(aggval.KindPerGroupSet))
	Advance(pt, b, aggval.Row{int64(4)})

	if err := Combine(pt, a, b); err != nil {
		t.Fatalf("Combine: %v", err)
	}
	if a.Value.(int64) != 7 {
		t.Fatalf("combined value = %v, want 7", a.Value)
	}
}

func TestCombineNoValueYetAdoptsOtherVerbatim(t *testing.T) {
	combineCalled := false
	pt := &PerTrans{
		InitialValueNull: true,
		CombineFn: func(a, b aggval.Datum) (aggval.Datum, error) {
			combineCalled = true
			return b, nil
		},
	}
	a := &GroupState{}
	Initialize(pt, a, aggval.NewArena(aggval.KindPerGroupSet))

	other := &GroupState{Value: int64(42), IsNull: false}
	if err := Combine(pt, a, other); err != nil {
		t.Fatalf("Combine: %v", err)
	}
	if combineCalled {
		t.Fatalf("CombineFn must not be called when adopting the first partial state")
	}
	if a.Value.(int64) != 42 {
		t.Fatalf("a.Value = %v, want 42", a.Value)
	}
}

func TestCombineNullOtherIsNoop(t *testing.T) {
	pt := sumPerTrans()
	a := &GroupState{}
	Initialize(pt, a, aggval.NewArena(aggval.KindPerGroupSet))
	Advance(pt, a, aggval.Row{int64(5)})

	other := &GroupState{IsNull: true}
	if err := Combine(pt, a, other); err != nil {
		t.Fatalf("Combine: %v", err)
	}
	if a.Value.(int64) != 5 {
		t.Fatalf("a.Value changed on null-other combine: %v", a.Value)
	}
}

func TestCombineWithoutCombineFnErrors(t *testing.T) {
	pt := &PerTrans{TransType: "no_combine"}
	a := &GroupState{Value: int64(1)}
	other := &GroupState{Value: int64(2)}
	if err := Combine(pt, a, other); err == nil {
		t.Fatalf("expected an error when no CombineFn is configured")
	}
}

type arenaRootedValue struct {
	n     int
	arena *aggval.Arena
}

func (v *arenaRootedValue) Copy() aggval.Datum   { return &arenaRootedValue{n: v.n} }
func (v *arenaRootedValue) Arena() *aggval.Arena { return v.arena }

func TestAdoptExpandedObjectFastPath(t *testing.T) {
	arena := aggval.NewArena(aggval.KindHash)
	original := &arenaRootedValue{n: 1, arena: arena}

	pt := &PerTrans{
		TransFn: func(state aggval.Datum, args aggval.Row) (aggval.Datum, error) {
			v := state.(*arenaRootedValue)
			v.n++
			return v, nil // same pointer, already rooted in gs.Arena
		},
	}
	gs := &GroupState{Value: original, Arena: arena}
	if err := Advance(pt, gs, aggval.Row{}); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if gs.Value.(*arenaRootedValue) != original {
		t.Fatalf("expanded-object fast path should return the same pointer, not a clone")
	}
	if gs.Value.(*arenaRootedValue).n != 2 {
		t.Fatalf("mutation in place was not observed")
	}
}

func TestAdoptClonesWhenArenaDiffers(t *testing.T) {
	groupArena := aggval.NewArena(aggval.KindHash)
	otherArena := aggval.NewArena(aggval.KindTmp)
	original := &arenaRootedValue{n: 1, arena: otherArena}

	pt := &PerTrans{
		TransFn: func(state aggval.Datum, args aggval.Row) (aggval.Datum, error) {
			return original, nil
		},
	}
	gs := &GroupState{Arena: groupArena}
	if err := Advance(pt, gs, aggval.Row{}); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if gs.Value.(*arenaRootedValue) == original {
		t.Fatalf("value rooted in a different arena should have been cloned")
	}
}
