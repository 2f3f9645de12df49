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

// Package catalog resolves aggregate metadata and deduplicates
// identical aggregate references and shareable transition states
// (spec §4.5), reached through the external lookup and permission
// contracts spec §6 names as collaborators owned outside this core.
package catalog

import (
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/exp/maps"

	"github.com/SnellerInc/nodeagg/errs"
)

// FuncOID identifies a callable function the way a SQL catalog would:
// opaquely, by identity. This core never inspects it beyond equality.
type FuncOID uint64

// FinalModify describes whether a final function may mutate the
// transition value it's handed, matching spec §3's `shareable` flag on
// PerAgg (false iff the final function may mutate the state).
type FinalModify int

const (
	// FinalReadOnly means the final function never mutates state; its
	// PerTrans may be shared across PerAggs.
	FinalReadOnly FinalModify = iota
	// FinalReadWrite means the final function may scribble on state;
	// its PerTrans must not be shared.
	FinalReadWrite
	// FinalShareable is a stronger guarantee some built-ins provide:
	// even a read-write final function is safe to share because it
	// always receives a private copy (e.g. built on CloneDatum).
	FinalShareable
)

// AggDescriptor is everything the catalog lookup contract of spec §6
// returns per aggregate OID, plus the PerAgg dedup key fields of
// spec §4.5.
type AggDescriptor struct {
	AggOID FuncOID

	TransFn     FuncOID
	FinalFn     FuncOID // zero means "no final function"
	CombineFn   FuncOID // zero means "no combine function"
	SerialFn    FuncOID // zero means "no serialize function"
	DeserialFn  FuncOID // zero means "no deserialize function"
	FinalExtra  int     // extra argument count the final function takes
	FinalModify FinalModify

	InputCollation string
	TransType      string
	Star           bool
	Variadic       bool
	Kind           string // e.g. "normal", "ordered-set", "hypothetical"
	ArgTypes       []string
	OrderBy        []string
	Distinct       []string
	Filter         string // empty means no FILTER clause
	ResultType     string
	ResultCollation string
	DirectArgs     []string

	InitialValue     string // text form; "" with InitialValueNull=true means NULL
	InitialValueNull bool

	HasVolatile bool // a volatile function anywhere in the call disables dedup
}

// dedupKey returns the comparable tuple spec §4.5 step 1 lists for
// PerAgg identity: two aggregates share a PerAgg iff every one of these
// fields matches and neither contains a volatile function.
type dedupKey struct {
	InputCollation, TransType                       string
	Star, Variadic                                  bool
	Kind                                             string
	ArgTypes, OrderBy, Distinct, DirectArgs          string // joined for comparability
	Filter, FuncOID, ResultType, ResultCollation     string
}

func joinTypes(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}

func (d *AggDescriptor) dedupKey() dedupKey {
	return dedupKey{
		InputCollation:  d.InputCollation,
		TransType:       d.TransType,
		Star:            d.Star,
		Variadic:        d.Variadic,
		Kind:            d.Kind,
		ArgTypes:        joinTypes(d.ArgTypes),
		OrderBy:         joinTypes(d.OrderBy),
		Distinct:        joinTypes(d.Distinct),
		DirectArgs:      joinTypes(d.DirectArgs),
		Filter:          d.Filter,
		FuncOID:         fmt.Sprintf("%d", d.AggOID),
		ResultType:      d.ResultType,
		ResultCollation: d.ResultCollation,
	}
}

// transKey is the transfn/transtype/serial/deserial/initval tuple that
// governs whether two PerTrans may be merged (spec §4.5 step 2).
// Resolve additionally requires a share candidate to match on every
// transition-phase input of dedupKey, i.e. all of it except the
// aggregate OID, result type/collation and direct arguments.
type transKey struct {
	TransFn, TransType, SerialFn, DeserialFn string
	InitialValue                            string
	InitialValueNull                        bool
}

func (d *AggDescriptor) transKey() transKey {
	return transKey{
		TransFn:          fmt.Sprintf("%d", d.TransFn),
		TransType:        d.TransType,
		SerialFn:         fmt.Sprintf("%d", d.SerialFn),
		DeserialFn:       fmt.Sprintf("%d", d.DeserialFn),
		InitialValue:     d.InitialValue,
		InitialValueNull: d.InitialValueNull,
	}
}

// fingerprint returns a blake2b-128 digest of the dedup-relevant fields
// of d, used as a cheap pre-filter before the full equality comparison
// in Registry.Resolve — avoids doing a full struct compare against
// every previously-installed descriptor when there are many of them.
func (d *AggDescriptor) fingerprint() [16]byte {
	h, _ := blake2b.New(16, nil)
	k := d.dedupKey()
	fmt.Fprintf(h, "%#v", k)
	var out [16]byte
	copy(out[:], h.Sum(nil))
	return out
}

func sameFingerprint(a, b [16]byte) bool {
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// Entry is one installed aggregate: its PerAgg index and the PerTrans
// index it was bound to, plus whether that PerTrans is marked shared.
type Entry struct {
	AggIndex   int
	TransIndex int
	Shared     bool
}

// Registry performs the two dedup passes of spec §4.5 across all
// aggregate references seen during one node's initialization.
type Registry struct {
	descs  []*AggDescriptor
	fps    [][16]byte
	transK []transKey

	// shareCandidates maps a transKey to the descriptor indices of the
	// already-installed, non-volatile, non-read-write aggregates that
	// own a PerTrans with that key, per spec §4.5 step 2's "record as a
	// share candidate" rule.
	shareCandidates map[transKey][]int
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{shareCandidates: make(map[transKey][]int)}
}

// Resolve installs d (looked up from the catalog by the caller) and
// returns the Entry describing which PerAgg/PerTrans index it landed
// on, performing both dedup passes of spec §4.5.
//
// A volatile aggregate (d.HasVolatile) is never deduplicated against
// anything, including itself in a future call: it always gets a fresh
// PerAgg and PerTrans.
func (r *Registry) Resolve(d *AggDescriptor) Entry {
	fp := d.fingerprint()

	if !d.HasVolatile {
		for i, existing := range r.descs {
			if existing.HasVolatile {
				continue
			}
			if sameFingerprint(fp, r.fps[i]) && aggEqual(existing, d) {
				// identical aggregate: share the PerAgg (and
				// therefore implicitly its PerTrans) entirely.
				return Entry{AggIndex: i, TransIndex: i, Shared: true}
			}
		}
	}

	aggIndex := len(r.descs)
	r.descs = append(r.descs, d)
	r.fps = append(r.fps, fp)
	tk := d.transKey()
	r.transK = append(r.transK, tk)

	transIndex := aggIndex
	shared := false
	canShare := !d.HasVolatile && d.FinalModify != FinalReadWrite
	if canShare {
		inK := d.dedupKey()
		inK.FuncOID, inK.ResultType, inK.ResultCollation, inK.DirectArgs = "", "", "", ""
		for _, candIdx := range r.shareCandidates[tk] {
			ck := r.descs[candIdx].dedupKey()
			ck.FuncOID, ck.ResultType, ck.ResultCollation, ck.DirectArgs = "", "", "", ""
			if ck == inK && transEqual(r.transK[candIdx], tk) {
				transIndex = candIdx
				shared = true
				break
			}
		}
	}
	if !shared && canShare {
		r.shareCandidates[tk] = append(r.shareCandidates[tk], aggIndex)
	}

	return Entry{AggIndex: aggIndex, TransIndex: transIndex, Shared: shared}
}

func aggEqual(a, b *AggDescriptor) bool {
	ak, bk := a.dedupKey(), b.dedupKey()
	return ak == bk
}

func transEqual(a, b transKey) bool {
	return a == b
}

// ShareGroups returns, for diagnostics/logging, the number of distinct
// PerTrans share-candidate buckets currently recorded and the largest
// bucket size — e.g. "dedup collapsed N aggregates into M" reporting
// per SPEC_FULL §A.1. It reads the live map (maps.Keys copies only the
// keys, in no particular order), so it must not run concurrently with
// Resolve.
func (r *Registry) ShareGroups() (buckets int, largest int) {
	keys := maps.Keys(r.shareCandidates)
	buckets = len(keys)
	for _, k := range keys {
		if n := len(r.shareCandidates[k]); n > largest {
			largest = n
		}
	}
	return buckets, largest
}

// Lookup is the external catalog contract of spec §6: resolve an
// aggregate OID to its AggDescriptor. Owned outside this core; this
// core only calls it.
type Lookup interface {
	LookupAgg(oid FuncOID) (*AggDescriptor, error)
}

// Access is the external permission-check contract of spec §6: the
// caller must have EXECUTE on the aggregate, and the aggregate's owner
// must have EXECUTE on each component function.
type Access interface {
	CanExecute(caller string, fn FuncOID) bool
}

// CheckPermissions verifies d against access per spec §7's permission
// error kind: fatal, carrying the denied function's identity.
func CheckPermissions(access Access, caller string, d *AggDescriptor) error {
	check := func(fn FuncOID, what string) error {
		if fn == 0 {
			return nil
		}
		if !access.CanExecute(caller, fn) {
			return &errs.PermissionError{
				Subject: fmt.Sprintf("function %d (%s)", fn, what),
				Action:  "EXECUTE",
			}
		}
		return nil
	}
	if !access.CanExecute(caller, d.AggOID) {
		return &errs.PermissionError{
			Subject: fmt.Sprintf("aggregate %d", d.AggOID),
			Action:  "EXECUTE",
		}
	}
	for _, c := range []struct {
		fn   FuncOID
		name string
	}{
		{d.TransFn, "transfn"},
		{d.FinalFn, "finalfn"},
		{d.CombineFn, "combinefn"},
		{d.SerialFn, "serialfn"},
		{d.DeserialFn, "deserialfn"},
	} {
		if err := check(c.fn, c.name); err != nil {
			return err
		}
	}
	return nil
}
