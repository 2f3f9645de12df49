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

package hashagg

import (
	"io"

	"github.com/SnellerInc/nodeagg/aggval"
	"github.com/SnellerInc/nodeagg/config"
	"github.com/SnellerInc/nodeagg/spill"
	"github.com/SnellerInc/nodeagg/transition"
)

// Decoder turns spilled tuple bytes back into a row holding both the
// grouping columns and every PerTrans's argument columns (whatever
// HashSetSpill.Write wrote — the externally-owned evaluator's concern —
// this core only moves bytes, spec §1).
type Decoder func(tuple []byte) (aggval.Row, error)

// Refiller drives spec §4.3.7's refill loop: pop a batch, rebuild a
// table seeded with the previous round's entry_size estimate, stream
// its tape, re-run Initialize/Advance for every decoded tuple exactly
// as the first hashing pass would have, and on miss lazily open this
// batch's own partition set to re-spill using the *next* hash-bit
// window. That partition set is sized with the batch's own tuple count
// as the groups estimate (a deliberate overestimate — see the "Open
// Question decisions" entry in DESIGN.md).
type Refiller struct {
	cfg   config.Config
	enc   func(aggval.Row) []byte
	dec   Decoder
	equal aggval.Equaler
	arena *aggval.Arena

	groupCols func(row aggval.Row) aggval.Row
	perTrans  []*transition.PerTrans
	args      func(row aggval.Row, transIdx int) aggval.Row

	worklist *spill.Worklist

	lastEntrySize int64
}

// NewRefiller builds a Refiller that pulls work from worklist. groupCols
// and args extract, from a decoded tuple, the same grouping-column and
// per-PerTrans argument rows the in-memory hashing pass extracted from
// the original input row — a refilled batch has to reconstruct a group's
// state the same way it was built the first time, not merely recreate
// empty entries.
func NewRefiller(cfg config.Config, enc func(aggval.Row) []byte, dec Decoder, equal aggval.Equaler, groupCols func(aggval.Row) aggval.Row, perTrans []*transition.PerTrans, args func(aggval.Row, int) aggval.Row, arena *aggval.Arena, worklist *spill.Worklist) *Refiller {
	return &Refiller{cfg: cfg, enc: enc, dec: dec, equal: equal, groupCols: groupCols, perTrans: perTrans, args: args, arena: arena, worklist: worklist}
}

// Round holds the outcome of one Refiller.Next call: the rebuilt table
// ready for the caller to finalize and emit from, plus housekeeping the
// caller must perform (closing the drained batch's tape, registering
// fresh re-spill batches).
type Round struct {
	Table *Table
	Batch spill.Batch
}

// Next pops the next batch and fully drains it into a fresh table,
// returning ok=false once the worklist is empty.
func (r *Refiller) Next(onMiss func(entry *Entry, row aggval.Row)) (Round, bool, error) {
	batch, ok := r.worklist.Pop()
	if !ok {
		return Round{}, false, nil
	}

	// the new table starts from the previous round's entry_size; the
	// batch's InputTuples is used below only as the groups estimate for
	// a re-spill partition set, where overestimating is the safe side
	// (underestimating yields larger-than-expected partitions).
	entrySizeHint := maxI64(r.lastEntrySize, 1)
	table := New(r.cfg, r.enc, r.equal, len(r.perTrans), entrySizeHint, r.arena)
	table.Reset(entrySizeHint)

	var reSpillSet *spill.Set
	var rePartitions, rePartitionBits int

	for {
		hash, tuple, err := batch.Set.Read(batch.Tape)
		if err == io.EOF {
			break
		}
		if err != nil {
			return Round{}, false, err
		}
		row, err := r.dec(tuple)
		if err != nil {
			return Round{}, false, err
		}
		key := r.groupCols(row)

		entry, created := table.Lookup(key, hash)
		if entry == nil {
			// table has raised "no new groups": lazily open this
			// batch's own partition set, sized from the batch's own
			// tuple count, consuming the next hash-bit window per
			// spec §4.3.4.
			if reSpillSet == nil {
				rePartitions, rePartitionBits = spill.ChoosePartitions(r.cfg, batch.InputTuples, maxI64(table.entrySize, 1))
				reSpillSet, err = spill.NewSet(rePartitions)
				if err != nil {
					return Round{}, false, err
				}
			}
			part := spill.PartitionOf(hash, batch.InputBits, rePartitionBits)
			if err := reSpillSet.Write(part, hash, tuple); err != nil {
				return Round{}, false, err
			}
			continue
		}
		if created {
			for i, pt := range r.perTrans {
				transition.Initialize(pt, entry.States[i], r.arena)
			}
		}
		for i, pt := range r.perTrans {
			if err := transition.Advance(pt, entry.States[i], r.args(row, i)); err != nil {
				return Round{}, false, err
			}
		}
		if created && onMiss != nil {
			onMiss(entry, row)
		}
	}

	if reSpillSet != nil {
		for tapeNo := 0; tapeNo < reSpillSet.GetTapeCount(); tapeNo++ {
			b, ok, err := spill.FinishTape(reSpillSet, tapeNo, batch.SetNo+1, batch.InputBits, rePartitionBits)
			if err != nil {
				return Round{}, false, err
			}
			if ok {
				r.worklist.Push(b)
			}
		}
	}

	// update the rolling entry_size estimate from this round's actual
	// occupancy, per spec §4.3.7's "update the rolling entry_size
	// estimate as current_bytes / current_entries".
	if table.EntryCount() > 0 {
		table.entrySize = table.ByteCount() / table.EntryCount()
		r.lastEntrySize = table.entrySize
	}

	return Round{Table: table, Batch: batch}, true, nil
}

func maxI64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
