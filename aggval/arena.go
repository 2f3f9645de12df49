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

package aggval

import "sync/atomic"

// Kind distinguishes an Arena's role in the resource model of spec §5:
// tmp (reset per input tuple), PerGroupSet (reset at a group boundary),
// Output (reset per output tuple), Hash (reset per hash-table rebuild).
type Kind int

const (
	KindTmp Kind = iota
	KindPerGroupSet
	KindOutput
	KindHash
)

func (k Kind) String() string {
	switch k {
	case KindTmp:
		return "tmp"
	case KindPerGroupSet:
		return "perGroupSet"
	case KindOutput:
		return "output"
	case KindHash:
		return "hash"
	default:
		return "arena"
	}
}

// Arena stands in for PostgreSQL's manual memory contexts. Go has no
// manual allocator to scope, so Arena tracks two things a garbage
// collector doesn't give this core for free: (1) a byte count the
// hash-memory accounting of §4.3.2 polls by introspection rather than
// hand-bookkeeping, and (2) a shutdown-callback list, the Go analogue
// of MemoryContextCallback, invoked on Reset so that aggregates holding
// external resources (open files, pooled buffers) get a chance to
// release them at the same point PostgreSQL would free their context.
//
// Arena is not a real allocator: callers still let Go's GC reclaim the
// actual values. Reset drops references (so the GC can collect them)
// and runs callbacks; it does not return memory to an OS allocator.
type Arena struct {
	kind      Kind
	bytes     int64
	callbacks []func()
}

// NewArena returns an empty Arena of the given kind.
func NewArena(kind Kind) *Arena {
	return &Arena{kind: kind}
}

// Kind reports the arena's role.
func (a *Arena) Kind() Kind { return a.kind }

// Grow records n additional bytes as logically owned by this arena.
// The count only reflects what callers record here: hashagg reads it
// through Bytes but does not call Grow itself when it inserts an entry.
func (a *Arena) Grow(n int64) {
	atomic.AddInt64(&a.bytes, n)
}

// Bytes reports the arena's current byte count, polled by introspection
// per spec §5 ("the hash arena's byte count is polled via
// arena-introspection — not tracked by hand-bookkeeping").
func (a *Arena) Bytes() int64 {
	return atomic.LoadInt64(&a.bytes)
}

// RegisterCallback registers fn to run the next time the arena is
// reset, mirroring the aggregate-support API's RegisterCallback (spec
// §6) and PostgreSQL's MemoryContextCallback.
func (a *Arena) RegisterCallback(fn func()) {
	a.callbacks = append(a.callbacks, fn)
}

// Reset runs every registered callback (most-recently-registered
// first, matching MemoryContextCallback's LIFO teardown order), clears
// them, and zeroes the byte count. Reset must be safe to call when no
// allocations have ever happened.
func (a *Arena) Reset() {
	for i := len(a.callbacks) - 1; i >= 0; i-- {
		a.callbacks[i]()
	}
	a.callbacks = a.callbacks[:0]
	atomic.StoreInt64(&a.bytes, 0)
}

// ContextKind distinguishes the aggregate-support API's notion of which
// kind of node is driving the current call (spec §6 InAggregateContext,
// supplemented feature §D.2: AGG_CONTEXT_AGGREGATE vs
// AGG_CONTEXT_WINDOW in the original). Window functions are a Non-goal
// here, but a transition function should get a well-defined answer
// rather than an undefined one when it asks.
type ContextKind int

const (
	ContextNone ContextKind = iota
	ContextAggregate
	ContextWindow
)

func (k ContextKind) String() string {
	switch k {
	case ContextNone:
		return "none"
	case ContextAggregate:
		return "aggregate"
	case ContextWindow:
		return "window"
	default:
		return "unknown"
	}
}
