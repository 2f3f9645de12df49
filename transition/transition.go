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

// Package transition implements the Trans-State Manager (spec §4.1):
// PerAgg and PerTrans metadata, the mutable per-group transition state,
// and the five operations (Initialize, Advance, Finalize,
// FinalizePartial, Combine) that drive one aggregate's state through
// its lifecycle. Dynamic dispatch of transfn/finalfn/serialfn/
// deserialfn/combinefn is modeled as plain Go function values bundled
// with strictness metadata, resolved once at PerTrans/PerAgg
// construction time and never looked up per call (spec §9).
package transition

import (
	"fmt"

	"github.com/SnellerInc/nodeagg/aggval"
	"github.com/SnellerInc/nodeagg/errs"
)

// TransFn is a transition function: (state, args) -> new state.
type TransFn func(state aggval.Datum, args aggval.Row) (aggval.Datum, error)

// FinalFn is a final function: (state, directArgs+nullFillers) -> result.
type FinalFn func(state aggval.Datum, args aggval.Row) (aggval.Datum, error)

// SerialFn converts a transition state to its wire representation.
type SerialFn func(state aggval.Datum) (aggval.Datum, error)

// DeserialFn is SerialFn's inverse.
type DeserialFn func(serialized aggval.Datum) (aggval.Datum, error)

// CombineFn merges two transition states from parallel partial
// aggregation (supplemented feature, SPEC_FULL §D.4).
type CombineFn func(a, b aggval.Datum) (aggval.Datum, error)

// DirectArg is one pre-compiled direct-argument expression (spec §3).
// It is always evaluated during Finalize, even when its value is
// discarded, because evaluation may have side effects (SPEC_FULL §D.3,
// preserving the original's "always evaluate direct args" behavior for
// ordered-set/hypothetical-set finals).
type DirectArg func() (aggval.Datum, error)

// PerTrans is one distinct transition state shared by every PerAgg
// bound to it (spec §3's "multiple PerAggs may share one").
type PerTrans struct {
	TransFn TransFn
	Strict  bool
	Arity   int

	TransType string

	// DistinctEqual, when non-nil, is the (possibly multi-column)
	// equality comparator used by sortagg to suppress duplicate
	// argument tuples for a DISTINCT aggregate bound to this PerTrans.
	DistinctEqual aggval.Equaler
	// SortKey, when non-nil, orders buffered argument tuples for an
	// ORDER BY (or DISTINCT, which needs a total order to dedup
	// efficiently) aggregate.
	SortKey aggval.Comparator

	SerialFn   SerialFn
	DeserialFn DeserialFn
	CombineFn  CombineFn

	InitialValue     aggval.Datum
	InitialValueNull bool

	// Shared records whether catalog.Registry decided this PerTrans is
	// bound to more than one PerAgg (spec §3 invariant: a PerTrans with
	// shareable=false is never bound to more than one PerAgg — enforced
	// by the caller consulting catalog.Entry before sharing).
	Shared bool
}

// PerAgg is one aggregate reference's immutable descriptor (spec §3).
type PerAgg struct {
	Trans *PerTrans

	FinalFn     FinalFn
	FinalStrict bool
	FinalExtra  int // extra argument count beyond (state, directArgs...)

	DirectArgs []DirectArg

	// Shareable is false if the final function may mutate the
	// transition value (spec §3); FinalizePartial and Finalize must
	// not hand out the live state pointer to two callers when false.
	Shareable bool

	ResultByRef bool
}

// GroupState is the mutable (value, is_null, no_value_yet) triple of
// spec §3, scoped to one (group, PerTrans) pair.
type GroupState struct {
	Value      aggval.Datum
	IsNull     bool
	NoValueYet bool

	// Arena is the group's own arena: perGroupSet[i] when aggregating
	// sorted data, hash when hashing (spec §5). Advance consults it to
	// recognize the expanded-object fast path.
	Arena *aggval.Arena
}

// Initialize sets gs to pt's initial value, in arena (spec §4.1):
// "copy the initial value (deep copy if by-reference) into the group's
// arena; set no_value_yet = initValueIsNull".
func Initialize(pt *PerTrans, gs *GroupState, arena *aggval.Arena) {
	gs.Arena = arena
	if pt.InitialValueNull {
		gs.Value = nil
		gs.IsNull = true
	} else {
		gs.Value = aggval.CloneDatum(pt.InitialValue)
		gs.IsNull = false
	}
	gs.NoValueYet = pt.InitialValueNull
}

func anyNull(args aggval.Row) bool {
	for _, a := range args {
		if aggval.IsNull(a) {
			return true
		}
	}
	return false
}

// Advance applies one input tuple to gs (spec §4.1). Strict-function
// semantics (spec §8 property 5) are enforced here: a strict transfn
// given any null argument leaves gs untouched; a strict transfn still
// awaiting its first value (no_value_yet) adopts the first non-null
// argument verbatim, without ever calling TransFn.
func Advance(pt *PerTrans, gs *GroupState, args aggval.Row) error {
	if pt.Strict && anyNull(args) {
		return nil
	}
	if pt.Strict && gs.NoValueYet {
		if len(args) == 0 {
			return errs.NewConfigError("strict transfn with no arguments")
		}
		adopted := aggval.CloneDatum(args[0])
		gs.Value = adopted
		gs.IsNull = aggval.IsNull(adopted)
		gs.NoValueYet = false
		return nil
	}

	result, err := pt.TransFn(gs.Value, args)
	if err != nil {
		return &errs.RuntimeError{Phase: "transfn", Err: err}
	}

	gs.Value = adopt(result, gs.Arena)
	gs.IsNull = aggval.IsNull(gs.Value)
	gs.NoValueYet = false
	return nil
}

// adopt moves result into arena, taking the expanded-object fast path
// (spec §9) when result is already rooted there, and deep-copying
// otherwise for any by-reference value.
func adopt(result aggval.Datum, arena *aggval.Arena) aggval.Datum {
	if eo, ok := result.(aggval.ExpandedObject); ok && eo.Arena() == arena {
		return result
	}
	return aggval.CloneDatum(result)
}

// Finalize computes one group's output value (spec §4.1). Direct-arg
// expressions are evaluated unconditionally, even when the aggregate
// has no final function or honors strictness and will return null
// (SPEC_FULL §D.3) — they may have side effects the caller depends on.
func Finalize(pa *PerAgg, gs *GroupState, outArena *aggval.Arena) (aggval.Datum, bool, error) {
	direct := make(aggval.Row, len(pa.DirectArgs))
	for i, d := range pa.DirectArgs {
		v, err := d()
		if err != nil {
			return nil, true, &errs.RuntimeError{Phase: "directarg", Err: err}
		}
		direct[i] = v
	}

	if pa.FinalFn == nil {
		return aggval.CloneDatum(gs.Value), gs.IsNull, nil
	}

	if pa.FinalStrict && gs.IsNull {
		return nil, true, nil
	}

	args := make(aggval.Row, 0, 1+len(direct)+pa.FinalExtra)
	args = append(args, direct...)
	for len(args) < pa.FinalExtra {
		args = append(args, nil)
	}

	result, err := pa.FinalFn(gs.Value, args)
	if err != nil {
		return nil, true, &errs.RuntimeError{Phase: "finalfn", Err: err}
	}
	return aggval.CloneDatum(result), aggval.IsNull(result), nil
}

// FinalizePartial produces this node's partial-aggregate output for a
// parent combining node (spec §4.1): the serialized state if a
// serialize function exists, else the raw state.
func FinalizePartial(pt *PerTrans, gs *GroupState) (aggval.Datum, bool, error) {
	if pt.SerialFn == nil {
		return gs.Value, gs.IsNull, nil
	}
	if gs.IsNull {
		// nothing meaningful to serialize; a null transition state
		// serializes to null without invoking the user function
		return nil, true, nil
	}
	result, err := pt.SerialFn(gs.Value)
	if err != nil {
		return nil, true, &errs.RuntimeError{Phase: "serialfn", Err: err}
	}
	return result, aggval.IsNull(result), nil
}

// Deserialize reconstructs a GroupState from a serialized partial
// aggregate (the inverse side of FinalizePartial, consumed by a parent
// combining node before calling Combine). A null serialized value
// reconstructs to a not-yet-initialized state, consistent with
// FinalizePartial never invoking SerialFn on a null state.
func Deserialize(pt *PerTrans, serialized aggval.Datum, arena *aggval.Arena) (*GroupState, error) {
	if aggval.IsNull(serialized) {
		return &GroupState{IsNull: true, NoValueYet: true, Arena: arena}, nil
	}
	if pt.DeserialFn == nil {
		return &GroupState{Value: adopt(aggval.CloneDatum(serialized), arena), IsNull: false, Arena: arena}, nil
	}
	v, err := pt.DeserialFn(serialized)
	if err != nil {
		return nil, &errs.RuntimeError{Phase: "deserialfn", Err: err}
	}
	return &GroupState{Value: adopt(v, arena), IsNull: aggval.IsNull(v), Arena: arena}, nil
}

// Combine merges other (a deserialized partial state from a child
// combining node) into gs using pt's CombineFn (SPEC_FULL §D.4,
// grounded on the original's combine_aggregates). Strict-transfn-style
// semantics apply: combining with a null partial state is a no-op;
// combining into a not-yet-initialized state adopts the other state
// verbatim, without invoking CombineFn, mirroring Advance's
// no_value_yet handling for ordinary transfns.
func Combine(pt *PerTrans, gs *GroupState, other *GroupState) error {
	if pt.CombineFn == nil {
		return errs.NewConfigError(fmt.Sprintf("no combine function for transtype %s", pt.TransType))
	}
	if other.IsNull {
		return nil
	}
	if gs.NoValueYet {
		gs.Value = adopt(aggval.CloneDatum(other.Value), gs.Arena)
		gs.IsNull = aggval.IsNull(gs.Value)
		gs.NoValueYet = false
		return nil
	}
	result, err := pt.CombineFn(gs.Value, other.Value)
	if err != nil {
		return &errs.RuntimeError{Phase: "combinefn", Err: err}
	}
	gs.Value = adopt(result, gs.Arena)
	gs.IsNull = aggval.IsNull(gs.Value)
	return nil
}
