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

// Package hashagg implements the in-memory half of the Hash Table &
// Spill Engine (spec §4.3.1-§4.3.4): a per-grouping-set hash table
// keyed on grouping columns, memory accounting against a byte/entry
// budget, and the transition into spill mode. It is grounded on the
// teacher's vm/hash_aggregate.go aggtable design — a table that owns
// its aggregate slots and knows how to merge/finalize them — adapted
// from fixed-width SIMD byte-buffer slots to aggval.Row keys carrying
// transition.GroupState slots, one per PerTrans, so arbitrary
// (including array_agg-shaped) transition values are first-class
// instead of only fixed-width SIMD aggregate kinds.
package hashagg

import (
	"github.com/dchest/siphash"
	"golang.org/x/exp/slices"

	"github.com/SnellerInc/nodeagg/aggval"
	"github.com/SnellerInc/nodeagg/config"
	"github.com/SnellerInc/nodeagg/transition"
)

// siphashK0/siphashK1 are a fixed, process-local key. Unlike a network
// protocol, this hash never needs to be reproducible across processes
// (spilled tuples carry their own hash value, spec §4.3.5), so a fixed
// key is sufficient; it only needs to resist adversarial grouping-key
// input degrading the table into a handful of overloaded buckets.
const (
	siphashK0 uint64 = 0x6e6f646561676701
	siphashK1 uint64 = 0x68617368006b6579
)

// Hash computes the u32 hash of a grouping-column tuple (spec §4.3.1).
// Datums are hashed through enc, which the caller supplies because
// canonicalizing an aggval.Datum into bytes is the externally-owned
// expression evaluator's concern (spec §1), not this core's.
func Hash(key aggval.Row, enc func(aggval.Row) []byte) uint32 {
	b := enc(key)
	return uint32(siphash.Hash(siphashK0, siphashK1, b))
}

// Entry is one hash-table entry: the canonicalized representative
// tuple plus one transition.GroupState per PerTrans active for this
// grouping set (spec §3's "inline array of PerGroupState").
type Entry struct {
	Key    aggval.Row
	States []*transition.GroupState
	hash   uint32
}

// Table is a per-grouping-set hash table (spec §3/§4.3.1-§4.3.2).
type Table struct {
	cfg       config.Config
	enc       func(aggval.Row) []byte
	equal     aggval.Equaler
	nTrans    int
	entrySize int64 // rolling per-entry byte estimate

	buckets map[uint32][]*Entry
	arena   *aggval.Arena

	entryCount  int64
	byteCount   int64
	byteLimit   int64
	limitOn     bool
	noNewGroups bool
}

// New returns an empty Table. nTrans is the number of PerTrans slots
// each entry carries; entrySizeHint seeds the rolling entry_size
// estimate used for both the entry-limit computation (spec §4.3.2) and
// the partition-count formula (spec §4.3.3) before any entry has been
// inserted.
func New(cfg config.Config, enc func(aggval.Row) []byte, equal aggval.Equaler, nTrans int, entrySizeHint int64, arena *aggval.Arena) *Table {
	limit, enforced := cfg.ByteLimit()
	if entrySizeHint < 1 {
		entrySizeHint = 1
	}
	return &Table{
		cfg:       cfg,
		enc:       enc,
		equal:     equal,
		nTrans:    nTrans,
		entrySize: entrySizeHint,
		buckets:   make(map[uint32][]*Entry),
		arena:     arena,
		byteLimit: limit,
		limitOn:   enforced,
	}
}

// EntryLimit returns byte_limit / estimated_entry_size (spec §4.3.2).
func (t *Table) EntryLimit() int64 {
	if !t.limitOn {
		return 0
	}
	if t.entrySize < 1 {
		return t.byteLimit
	}
	return t.byteLimit / t.entrySize
}

// NoNewGroups reports whether the table has raised the "no new groups"
// flag (spec §4.3.1/§4.3.2): lookups may still update existing entries
// but must never insert a new one.
func (t *Table) NoNewGroups() bool { return t.noNewGroups }

// EntryCount and ByteCount report the table's current watermarks.
func (t *Table) EntryCount() int64 { return t.entryCount }
func (t *Table) ByteCount() int64  { return t.byteCount }

// EntrySize returns the rolling per-entry byte estimate (spec §4.3.2),
// the same value spill.ChoosePartitions needs to size a fresh partition
// set when this table first enters spill mode.
func (t *Table) EntrySize() int64 { return t.entrySize }

// Lookup finds or creates the entry for key, per spec §4.3.1: "the
// caller copies just the grouping columns into a dedicated hash slot,
// then requests Hash(slot) -> u32. Lookup uses the precomputed hash; on
// insert, the representative tuple is materialized ... When the 'no new
// groups' flag is set, lookup never creates; it either returns an
// existing entry or signals miss -> spill."
//
// created reports whether a new entry was inserted. If noNewGroups is
// set and no existing entry matches, Lookup returns (nil, false) —
// the caller must route the row to a spill partition instead.
func (t *Table) Lookup(key aggval.Row, hash uint32) (entry *Entry, created bool) {
	for _, e := range t.buckets[hash] {
		if t.equal.Equal(e.Key, key) {
			return e, false
		}
	}
	if t.noNewGroups {
		return nil, false
	}

	e := &Entry{
		Key:    key.Clone(),
		States: make([]*transition.GroupState, t.nTrans),
		hash:   hash,
	}
	for i := range e.States {
		e.States[i] = &transition.GroupState{}
	}
	t.buckets[hash] = append(t.buckets[hash], e)
	t.entryCount++
	t.refreshMemory()
	return e, true
}

// refreshMemory polls the arena's byte count (spec §5: "the hash
// arena's byte count is polled via arena-introspection — not tracked by
// hand-bookkeeping") and re-derives the rolling entry_size estimate,
// then enters spill mode if either limit is exceeded.
func (t *Table) refreshMemory() {
	t.byteCount = t.arena.Bytes()
	if t.entryCount > 0 {
		t.entrySize = t.byteCount / t.entryCount
		if t.entrySize < 1 {
			t.entrySize = 1
		}
	}
	if !t.limitOn || t.entryCount == 0 {
		return
	}
	overByBytes := t.byteCount > t.byteLimit
	overByEntries := t.EntryLimit() > 0 && t.entryCount > t.EntryLimit()
	if overByBytes || overByEntries {
		t.noNewGroups = true
	}
}

// Entries returns every entry currently in the table, in an
// implementation-defined order (spec §5: "for hashed output, order is
// implementation-defined"). The slice is freshly allocated each call;
// callers that need stable iteration across Reset should snapshot it.
func (t *Table) Entries() []*Entry {
	out := make([]*Entry, 0, t.entryCount)
	for _, bucket := range t.buckets {
		out = append(out, bucket...)
	}
	return out
}

// SortEntriesByKey orders entries deterministically by cmp, for callers
// that need a stable order. Production retrieval does not call it and
// emits in bucket order.
func SortEntriesByKey(entries []*Entry, cmp aggval.Comparator) {
	slices.SortFunc(entries, func(a, b *Entry) bool { return cmp(a.Key, b.Key) < 0 })
}

// Reset clears the table and its arena, for reuse after a batch has
// been fully drained during refill (spec §4.3.7: "reset the hash arena,
// rebuild a single hash table").
func (t *Table) Reset(entrySizeHint int64) {
	t.arena.Reset()
	t.buckets = make(map[uint32][]*Entry)
	t.entryCount = 0
	t.byteCount = 0
	t.noNewGroups = false
	if entrySizeHint > 0 {
		t.entrySize = entrySizeHint
	}
}
