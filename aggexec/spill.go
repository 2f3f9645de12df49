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
	"github.com/SnellerInc/nodeagg/aggval"
	"github.com/SnellerInc/nodeagg/config"
	"github.com/SnellerInc/nodeagg/hashagg"
	"github.com/SnellerInc/nodeagg/spill"
)

// HashSetSpill owns one hashed grouping set's first-level spill
// lifecycle (spec §4.3.2-§4.3.6): it lazily opens a spill.Set and
// chooses a partition count the first time its table raises
// NoNewGroups, writes lookup misses to the right partition, and — once
// the child is exhausted — finishes every non-empty tape into its own
// Worklist for hashagg.Refiller to drain.
type HashSetSpill struct {
	cfg            config.Config
	enc            func(aggval.Row) []byte
	proj           *hashagg.Projection
	table          *hashagg.Table
	setNo          int
	groupsEstimate int64

	worklist *spill.Worklist

	set           *spill.Set
	partitionBits int
}

func newHashSetSpill(cfg config.Config, enc func(aggval.Row) []byte, proj *hashagg.Projection, table *hashagg.Table, setNo int, groupsEstimate int64) *HashSetSpill {
	return &HashSetSpill{
		cfg:            cfg,
		enc:            enc,
		proj:           proj,
		table:          table,
		setNo:          setNo,
		groupsEstimate: groupsEstimate,
		worklist:       &spill.Worklist{},
	}
}

// Write implements SetBinding.Spill: it opens this set's spill.Set on
// the first miss (sizing partitions from the table's current rolling
// entry_size estimate, spec §4.3.3) and writes the row, trimmed by
// proj when configured, to the partition hash selects.
func (h *HashSetSpill) Write(row aggval.Row, key aggval.Row, hash uint32) error {
	if h.set == nil {
		partitions, bits := spill.ChoosePartitions(h.cfg, h.groupsEstimate, h.table.EntrySize())
		s, err := spill.NewSet(partitions)
		if err != nil {
			return err
		}
		h.set = s
		h.partitionBits = bits
	}
	if h.proj != nil {
		row = h.proj.Apply(row)
	}
	part := spill.PartitionOf(hash, 0, h.partitionBits)
	return h.set.Write(part, hash, h.enc(row))
}

// finishBatches wraps every non-empty tape into a Spill Batch and
// pushes it onto this set's own Worklist (spec §4.3.6). A no-op if the
// set never entered spill mode.
func (h *HashSetSpill) finishBatches() error {
	if h.set == nil {
		return nil
	}
	for tapeNo := 0; tapeNo < h.set.GetTapeCount(); tapeNo++ {
		b, ok, err := spill.FinishTape(h.set, tapeNo, h.setNo, 0, h.partitionBits)
		if err != nil {
			return err
		}
		if ok {
			h.worklist.Push(b)
		}
	}
	return nil
}

// Close releases the underlying spill.Set's temporary directory, if
// one was ever opened. Safe to call on a set that never overflowed.
func (h *HashSetSpill) Close() error {
	if h.set == nil {
		return nil
	}
	return h.set.Close()
}
