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

// Package aggexec implements the Dispatcher (spec §4.6) and the
// upstream/downstream/evaluator/aggregate-support contracts of spec §6.
// It is the one package that wires every other package in this module
// together into a single pull-model Next() state machine.
package aggexec

import (
	"context"

	"github.com/SnellerInc/nodeagg/aggval"
)

// Flags mirrors the upstream contract's init flags (spec §6).
type Flags int

const (
	FlagBackward Flags = 1 << iota
	FlagMark
	FlagRewind
)

// Child is the downstream pull-model contract (spec §6): "ChildNext()
// -> Row?, ChildRescan()". The child plan node's output-slot descriptor
// is captured at Init time by the caller that constructs a Node; if its
// format changes across a Rescan, the caller is responsible for
// recompiling/recreating the Evaluator (spec §6's "spill reintroduction
// forces the node to recompile its transition expression if the slot
// format changes").
type Child interface {
	Next(ctx context.Context) (aggval.Row, bool, error)
	Rescan() error
}

// Evaluator is the opaque "transition program" of spec §6/§9: one
// compiled object fusing argument evaluation, FILTER, and transfn
// invocation (including hash-table updates when hashing is enabled).
// Build flags select which side effects EvalTransition performs; it is
// a cache key, not an API surface (spec §9), so callers should rebuild
// rather than mutate one in place when (phase, sort, hash, spill)
// changes.
type Evaluator interface {
	// EvalTransition evaluates phase setIdx's argument+transfn program
	// against row, using tmp as scratch scoped to this one call.
	EvalTransition(setIdx int, row aggval.Row, tmp *aggval.Arena) error
}

// SortedDrainer is an optional capability an Evaluator implements when
// it buffers DISTINCT/ORDER BY aggregate inputs (spec §4.2) instead of
// feeding transition.Advance immediately. Node type-asserts for it and,
// when present, calls DrainSorted once per group boundary, before
// FinalizeSet — the same point phase/driver.go's Finalize callback
// documents as "run any buffered DISTINCT/ORDER BY sort".
type SortedDrainer interface {
	DrainSorted(setIdx int) error
}

// EvalBuildFlags selects an Evaluator variant (spec §6).
type EvalBuildFlags int

const (
	EvalSort EvalBuildFlags = 1 << iota
	EvalHash
	EvalSpill
)

// AggSupport is the aggregate-support API exposed to user-written
// aggregate functions (spec §6), reached from inside a transfn/finalfn
// via whatever per-call handle (fcinfo-equivalent) the caller's
// function-calling convention uses; this core treats it opaquely as
// `any`.
type AggSupport interface {
	// InAggregateContext reports which kind of node is driving the
	// current call and, when it is an aggregate context, the arena a
	// transition function may safely allocate an expanded object into
	// (SPEC_FULL §D.2).
	InAggregateContext(fcinfo any) (aggval.ContextKind, *aggval.Arena)
	// GetAggref returns the parse-node of the current aggregate call,
	// used by ordered-set finals to recover their direct arguments.
	GetAggref(fcinfo any) (aggref any, ok bool)
	// GetTempMemoryContext returns a short-lived arena safe to reset
	// after the current call returns.
	GetTempMemoryContext(fcinfo any) *aggval.Arena
	// StateIsShared conservatively reports true when destructive state
	// mutation would be unsafe (e.g. not in an aggregate context, or
	// this PerTrans is shared across PerAggs).
	StateIsShared(fcinfo any) bool
	// RegisterCallback registers a shutdown callback on the current
	// aggregate arena, run at the next Reset.
	RegisterCallback(fcinfo any, fn func(arg any), arg any)
}
