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

package aggexec

import (
	"context"
	"fmt"
	"log"

	"github.com/SnellerInc/nodeagg/aggval"
	"github.com/SnellerInc/nodeagg/config"
	"github.com/SnellerInc/nodeagg/errs"
	"github.com/SnellerInc/nodeagg/hashagg"
	"github.com/SnellerInc/nodeagg/phase"
	"github.com/SnellerInc/nodeagg/transition"
)

// Strategy is the top-level retrieval strategy the Dispatcher selects
// (spec §4.6): Plain/Sorted run a single sorted phase driver; Hashed
// drains the child straight into hash tables; Mixed runs the sorted
// phases first (feeding the hashed tables in parallel) and then drains
// the hashed tables.
type Strategy int

const (
	StrategyPlain Strategy = iota
	StrategySorted
	StrategyHashed
	StrategyMixed
)

// FinalizeSet runs a completed grouping set's finalization: buffered
// DISTINCT/ORDER BY drains, PerAgg final functions, HAVING, and
// returns the output row (nil, false if HAVING rejected it).
type FinalizeSet func(setIdx int, groupKey aggval.Row, states []*transition.GroupState) (aggval.Row, bool, error)

// Node is the Dispatcher (spec §4.6): the single Next() entry point
// driving sorted and/or hashed retrieval to completion.
type Node struct {
	strategy Strategy
	child    Child
	eval     Evaluator

	sortedPhases []*phase.Phase
	finalizeSet  FinalizeSet

	hashSets      []*hashagg.Table
	hashAdvanceFn func(row aggval.Row) error
	resetSet      func(setIdx int) error

	log *log.Logger

	tmpArena    *aggval.Arena
	outputArena *aggval.Arena

	rows   chan rowOrErr
	cancel context.CancelFunc

	hashCursor  []*hashagg.Entry
	hashSetIdx  int
	hashStarted bool

	// hashSpills[i]/hashRefillers[i] are nil unless EnableSpill was
	// called for grouping set i; each grouping set gets its own
	// spill.Set and Worklist rather than one literally shared across
	// all sets (spec §4.3.6 asks only that spilled work be collected
	// into *a* worklist, not that every hashed set share one — and
	// keeping them separate is what lets a refill round always be
	// finalized with the grouping set it actually belongs to; see
	// nextHashed).
	hashSpills    []*HashSetSpill
	hashRefillers []*hashagg.Refiller
	onHashMiss    func(entry *hashagg.Entry, row aggval.Row)

	ended bool
	err   error
}

type rowOrErr struct {
	row aggval.Row
	err error
}

// NewNode builds a Node. logger may be nil (no logging).
func NewNode(strategy Strategy, child Child, eval Evaluator, logger *log.Logger) *Node {
	return &Node{
		strategy:    strategy,
		child:       child,
		eval:        eval,
		log:         logger,
		tmpArena:    aggval.NewArena(aggval.KindTmp),
		outputArena: aggval.NewArena(aggval.KindOutput),
	}
}

// SetSortedPhases installs the sorted-phase plan (phase 0 absent in
// pure Sorted/Plain mode) and the finalize callback used at each group
// boundary.
func (n *Node) SetSortedPhases(phases []*phase.Phase, finalize FinalizeSet) {
	n.sortedPhases = phases
	n.finalizeSet = finalize
}

// SetHashTables installs the hashed grouping sets' tables, in the same
// order the Evaluator's bindings address them by index.
func (n *Node) SetHashTables(tables []*hashagg.Table) {
	n.hashSets = tables
}

// SetHashAdvance installs the callback Mixed mode uses to update the
// hashed grouping sets while the first sorted phase runs (spec §4.4:
// "Sorted phases run first (updating hash tables in parallel during
// phase 1)").
func (n *Node) SetHashAdvance(fn func(row aggval.Row) error) {
	n.hashAdvanceFn = fn
}

// SetResetSet installs the callback that (re)initializes a sorted
// grouping set's transition state at a group boundary (spec §4.4 step
// 2), typically transition.Initialize over that set's SetBinding.Current.
func (n *Node) SetResetSet(fn func(setIdx int) error) {
	n.resetSet = fn
}

// SetRefiller installs a pre-built spill-batch refiller for grouping
// set setIdx, for callers that already assembled their own spill.Set/
// Worklist (e.g. tests driving hashagg.Refiller directly). Most callers
// should use EnableSpill instead, which builds the Worklist, the
// SetBinding.Spill hook, and the Refiller together so the whole
// overflow pipeline of spec §4.3.2-§4.3.7 actually runs through Next().
func (n *Node) SetRefiller(setIdx int, r *hashagg.Refiller) {
	n.growHashAux(setIdx)
	n.hashRefillers[setIdx] = r
}

// EnableSpill wires automatic overflow handling for hashed grouping
// set setIdx (spec §4.3.2-§4.3.7): binding.Spill starts routing lookup
// misses to a freshly-opened spill.Set once binding.Hash raises
// NoNewGroups, and Next drains that set's own spill batches via a
// hashagg.Refiller once its in-memory entries (and any refilled round)
// are exhausted. groupsEstimate seeds spill.ChoosePartitions the first
// time this set overflows (spec §4.3.3); proj, if non-nil, trims each
// spilled tuple to the columns the downstream refill pass actually
// needs (spec §4.3.5).
func (n *Node) EnableSpill(setIdx int, binding *SetBinding, cfg config.Config, enc func(aggval.Row) []byte, dec hashagg.Decoder, equal aggval.Equaler, groupsEstimate int64, proj *hashagg.Projection) {
	n.growHashAux(setIdx)
	hs := newHashSetSpill(cfg, enc, proj, binding.Hash, setIdx, groupsEstimate)
	binding.Spill = hs.Write
	n.hashSpills[setIdx] = hs
	n.hashRefillers[setIdx] = hashagg.NewRefiller(cfg, enc, dec, equal, binding.GroupCols, binding.PerTrans, binding.Args, binding.Arena, hs.worklist)
}

func (n *Node) growHashAux(setIdx int) {
	need := setIdx + 1
	if len(n.hashSpills) < need {
		grown := make([]*HashSetSpill, need)
		copy(grown, n.hashSpills)
		n.hashSpills = grown
	}
	if len(n.hashRefillers) < need {
		grown := make([]*hashagg.Refiller, need)
		copy(grown, n.hashRefillers)
		n.hashRefillers = grown
	}
}

// SetOnHashMiss installs a diagnostic hook invoked once per tuple that
// a refill round routes into a newly-created entry; used by tests and
// by SPEC_FULL §A.1's "dedup collapsed N aggregates into M"-style
// logging hooks elsewhere in this node, not required for correctness.
func (n *Node) SetOnHashMiss(fn func(entry *hashagg.Entry, row aggval.Row)) {
	n.onHashMiss = fn
}

// Init validates flags (spec §6): BACKWARD and MARK must be rejected; a
// REWIND hint is accepted but has no effect in the hashed strategy
// (the node already buffers internally).
func (n *Node) Init(flags Flags) error {
	if flags&FlagBackward != 0 {
		return errs.NewConfigError("BACKWARD scan not supported")
	}
	if flags&FlagMark != 0 {
		return errs.NewConfigError("MARK/RESTORE not supported")
	}
	return nil
}

// Next implements the single pull entry point of spec §4.6.
func (n *Node) Next(ctx context.Context) (aggval.Row, bool, error) {
	if n.ended {
		return nil, false, n.err
	}
	if n.err != nil {
		n.ended = true
		return nil, false, n.err
	}

	switch n.strategy {
	case StrategyPlain, StrategySorted:
		return n.nextSorted(ctx)
	case StrategyHashed:
		return n.nextHashed(ctx)
	case StrategyMixed:
		row, ok, err := n.nextSorted(ctx)
		if err != nil {
			n.err = err
			n.ended = true
			return nil, false, err
		}
		if ok {
			return row, true, nil
		}
		// sorted phases exhausted; fall through to draining the
		// hashed tables they fed during phase 1 (spec §4.4 Mixed mode)
		n.strategy = StrategyHashed
		n.ended = false
		return n.nextHashed(ctx)
	default:
		return nil, false, fmt.Errorf("aggexec: unknown strategy %d", n.strategy)
	}
}

func (n *Node) nextSorted(ctx context.Context) (aggval.Row, bool, error) {
	if n.rows == nil {
		n.startSortedProducer(ctx)
	}
	re, ok := <-n.rows
	if !ok {
		n.ended = true
		return nil, false, nil
	}
	if re.err != nil {
		n.err = re.err
		n.ended = true
		return nil, false, re.err
	}
	return re.row, true, nil
}

// startSortedProducer runs the sorted phase drivers on a background
// goroutine, converting the push-style phase.Finalize callback into a
// pull-style Next() by way of a channel — idiomatic Go for bridging an
// internally-iterative algorithm to an external pull interface, and the
// only concurrency this single-threaded-cooperative node uses (spec
// §5: suspension, not parallelism).
func (n *Node) startSortedProducer(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.rows = make(chan rowOrErr)

	go func() {
		defer close(n.rows)
		send := func(row aggval.Row) bool {
			select {
			case n.rows <- rowOrErr{row: row}:
				return true
			case <-ctx.Done():
				return false
			}
		}
		fail := func(err error) {
			select {
			case n.rows <- rowOrErr{err: err}:
			case <-ctx.Done():
			}
		}

		src := func() (aggval.Row, bool, error) {
			n.tmpArena.Reset()
			row, ok, err := n.child.Next(ctx)
			if err != nil {
				return nil, false, err
			}
			if !ok {
				return nil, false, nil
			}
			return row, true, nil
		}

		for pIdx, ph := range n.sortedPhases {
			driver := phase.NewSortedDriver(ph)
			var hashAdv phase.HashAdvance
			if n.strategy == StrategyMixed && pIdx == 0 && n.hashAdvanceFn != nil {
				// phase 1 of Mixed mode: feed hash tables in parallel
				hashAdv = n.hashAdvanceFn
			}
			err := driver.Run(src, func(setIdx int) error {
				if n.resetSet != nil {
					return n.resetSet(setIdx)
				}
				return nil
			}, func(setIdx int, row aggval.Row) error {
				return n.eval.EvalTransition(setIdx, row, n.tmpArena)
			}, hashAdv, func(setIdx int, groupKey aggval.Row) error {
				if drainer, ok := n.eval.(SortedDrainer); ok {
					if derr := drainer.DrainSorted(setIdx); derr != nil {
						return derr
					}
				}
				row, passed, ferr := n.finalizeSet(setIdx, groupKey, nil)
				if ferr != nil {
					return ferr
				}
				if passed {
					if !send(row) {
						return context.Canceled
					}
				}
				return nil
			})
			if err != nil {
				if err == context.Canceled {
					return
				}
				fail(err)
				return
			}
			_ = pIdx
		}
	}()
}

func (n *Node) nextHashed(ctx context.Context) (aggval.Row, bool, error) {
	if !n.hashStarted {
		if err := n.drainChildIntoHash(ctx); err != nil {
			n.err = err
			n.ended = true
			return nil, false, err
		}
		n.hashStarted = true
	}

	for {
		if n.hashSetIdx >= len(n.hashSets) {
			n.ended = true
			return nil, false, nil
		}

		if n.hashCursor == nil {
			n.hashCursor = n.hashSets[n.hashSetIdx].Entries()
		}
		if len(n.hashCursor) > 0 {
			e := n.hashCursor[0]
			n.hashCursor = n.hashCursor[1:]
			row, passed, err := n.finalizeSet(n.hashSetIdx, e.Key, e.States)
			if err != nil {
				n.err = err
				n.ended = true
				return nil, false, err
			}
			if passed {
				return row, true, nil
			}
			continue
		}

		// This grouping set's in-memory entries are exhausted; try to
		// refill more of its own spill batches before moving to the
		// next set (spec §4.3.7: "continue draining the new in-memory
		// table before popping the next batch"). Finalizing always
		// uses n.hashSetIdx, the grouping set the batch actually came
		// from (spec §4.3.6's Batch.SetNo) — never another set's
		// bindings.
		if n.hashSetIdx < len(n.hashRefillers) && n.hashRefillers[n.hashSetIdx] != nil {
			round, ok, err := n.hashRefillers[n.hashSetIdx].Next(n.onHashMiss)
			if err != nil {
				n.err = err
				n.ended = true
				return nil, false, err
			}
			if ok {
				n.hashSets[n.hashSetIdx] = round.Table
				n.hashCursor = nil
				continue
			}
		}

		n.hashSetIdx++
		n.hashCursor = nil
	}
}

func (n *Node) drainChildIntoHash(ctx context.Context) error {
	for {
		n.tmpArena.Reset()
		row, ok, err := n.child.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return n.finishHashSpills()
		}
		for i := range n.hashSets {
			if err := n.eval.EvalTransition(i, row, n.tmpArena); err != nil {
				return err
			}
		}
	}
}

// finishHashSpills finishes every hashed grouping set's first-level
// spill tapes into its own Worklist (spec §4.3.6), once the child has
// been fully drained into the in-memory tables. A set that never
// EnableSpill'd, or never actually overflowed, contributes nothing.
func (n *Node) finishHashSpills() error {
	for i, hs := range n.hashSpills {
		if hs == nil {
			continue
		}
		if err := hs.finishBatches(); err != nil {
			return fmt.Errorf("aggexec: finishing spill batches for grouping set %d: %w", i, err)
		}
	}
	return nil
}

// Rescan implements the upstream contract (spec §6).
func (n *Node) Rescan() error {
	if n.cancel != nil {
		n.cancel()
	}
	n.rows = nil
	n.hashCursor = nil
	n.hashSetIdx = 0
	n.hashStarted = false
	n.ended = false
	n.err = nil
	n.tmpArena.Reset()
	n.outputArena.Reset()
	return n.child.Rescan()
}

// End releases every resource the node holds (spec §5: "the node's
// teardown releases arenas, closes tapes, and ends any open sorts").
func (n *Node) End() error {
	if n.cancel != nil {
		n.cancel()
	}
	n.tmpArena.Reset()
	n.outputArena.Reset()
	for _, t := range n.hashSets {
		t.Reset(0)
	}
	var firstErr error
	for _, hs := range n.hashSpills {
		if hs == nil {
			continue
		}
		if err := hs.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
