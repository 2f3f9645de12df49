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
	"github.com/SnellerInc/nodeagg/catalog"
	"github.com/SnellerInc/nodeagg/transition"
)

// AggCall is one aggregate reference a planner wants installed on a
// node, queued for catalog dedup (spec §4.5) before any PerTrans/PerAgg
// is actually built. Build constructs a fresh, unshared PerTrans/PerAgg
// pair for this call exactly as if no sibling aggregate existed;
// ResolveAggs only invokes it when the registry says this call isn't a
// full duplicate of an earlier one.
type AggCall struct {
	Desc  *catalog.AggDescriptor
	Build func() (*transition.PerTrans, *transition.PerAgg)
}

// ResolveAggs runs every call through reg in the order given (spec
// §4.5's two dedup passes: identical aggregates share a PerAgg outright,
// otherwise-distinct aggregates may still share a PerTrans) and returns
// one PerAgg per call, aligned with calls, plus the deduplicated list of
// PerTrans actually needed. This is the one place builtin PerAgg/PerTrans
// constructors (which always build a fresh, private pair, spec §3) and
// catalog.Registry meet: without it, Resolve's dedup decision is never
// acted on and every call gets its own PerTrans regardless of sharing.
func ResolveAggs(reg *catalog.Registry, calls []AggCall) ([]*transition.PerAgg, []*transition.PerTrans) {
	aggs := make([]*transition.PerAgg, len(calls))
	var trans []*transition.PerTrans

	// descCall[k] is the index into calls that produced the k-th
	// descriptor/transKey Registry.Resolve installed. Resolve skips
	// installing anything for a fully-duplicate aggregate, so descriptor
	// indices do not line up 1:1 with call indices once a duplicate has
	// been seen.
	var descCall []int
	// descTrans[k] is the index into trans of the PerTrans the k-th
	// installed descriptor is bound to: Entry.TransIndex is a descriptor
	// index too, and trans only grows for descriptors that did not share.
	var descTrans []int

	for i, call := range calls {
		entry := reg.Resolve(call.Desc)

		if entry.AggIndex < len(descCall) {
			// identical to an earlier call in every dedup-relevant
			// field: share its PerAgg (and therefore its PerTrans)
			// outright rather than building a new pair.
			aggs[i] = aggs[descCall[entry.AggIndex]]
			continue
		}

		pt, pa := call.Build()
		if entry.Shared && entry.TransIndex < len(descTrans) {
			ti := descTrans[entry.TransIndex]
			pt = trans[ti]
			pt.Shared = true
			pa.Trans = pt
			descTrans = append(descTrans, ti)
		} else {
			trans = append(trans, pt)
			descTrans = append(descTrans, len(trans)-1)
		}
		aggs[i] = pa
		descCall = append(descCall, i)
	}

	return aggs, trans
}
