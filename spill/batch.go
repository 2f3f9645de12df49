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

package spill

// Batch is a Spill Batch (spec §3/§4.3.6): a deferred unit of refill
// work created when a hash table's partition tape is finished. InputBits
// is the number of high-order hash bits already consumed by this
// batch's ancestors; the refill loop that processes this batch must
// partition using the next InputBits..InputBits+partitionBits window,
// never reusing a prefix (spec §4.3.4's disjointness invariant).
type Batch struct {
	Set         *Set
	Tape        int
	SetNo       int
	InputTuples int64
	InputBits   int
}

// Worklist is the FIFO queue of Spill Batches shared across all hashed
// grouping sets (spec §4.3.6: "batches are appended to a FIFO worklist
// shared across all hashed grouping sets").
type Worklist struct {
	items []Batch
}

// Push appends a batch to the back of the worklist.
func (w *Worklist) Push(b Batch) {
	w.items = append(w.items, b)
}

// Pop removes and returns the batch at the front of the worklist. ok is
// false when the worklist is empty.
func (w *Worklist) Pop() (b Batch, ok bool) {
	if len(w.items) == 0 {
		return Batch{}, false
	}
	b = w.items[0]
	w.items = w.items[1:]
	return b, true
}

// Len reports the number of pending batches.
func (w *Worklist) Len() int { return len(w.items) }

// FinishTape rewinds setNo's tape for reading and wraps it in a Batch,
// per spec §4.3.6: "each non-empty partition tape is rewound and
// wrapped in a Spill Batch with (tape, setno, ntuples, input_bits +
// partition_bits)". A tape with zero tuples is skipped (ok=false);
// there is nothing to refill from an empty partition.
func FinishTape(set *Set, tapeNo int, setNo int, inputBits, partitionBits int) (b Batch, ok bool, err error) {
	if set.TupleCount(tapeNo) == 0 {
		return Batch{}, false, nil
	}
	if err := set.RewindForRead(tapeNo); err != nil {
		return Batch{}, false, err
	}
	return Batch{
		Set:         set,
		Tape:        tapeNo,
		SetNo:       setNo,
		InputTuples: set.TupleCount(tapeNo),
		InputBits:   inputBits + partitionBits,
	}, true, nil
}
