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

import "github.com/SnellerInc/nodeagg/config"

// ChoosePartitions implements spec §4.3.3's partition-count formula,
// run once when a hash table first enters spill mode:
//
//	mem_needed    = HASH_PARTITION_FACTOR * groupsEstimate * entrySize
//	partitions    = ceil(mem_needed / work_mem)
//	partition_cap = floor(work_mem * 0.25 / BLOCK_SIZE)
//	partitions    = clamp(round_up_pow2(partitions), MIN, MAX, <=partition_cap)
//
// The result is always a power of two, and partitionBits =
// log2(partitions).
func ChoosePartitions(cfg config.Config, groupsEstimate int64, entrySize int64) (partitions int, partitionBits int) {
	if groupsEstimate < 1 {
		groupsEstimate = 1
	}
	if entrySize < 1 {
		entrySize = 1
	}

	memNeeded := cfg.HashPartitionFactor * float64(groupsEstimate) * float64(entrySize)
	workMem := float64(cfg.WorkMemBytes)
	if workMem < 1 {
		workMem = 1
	}
	need := int64(ceilDiv(memNeeded, workMem))

	partitionCap := int64(float64(cfg.WorkMemBytes) * 0.25 / float64(cfg.BlockSize))
	if partitionCap < 1 {
		partitionCap = 1
	}

	partitions64 := roundUpPow2(need)
	if partitions64 < int64(cfg.MinPartitions) {
		partitions64 = int64(roundUpPow2(int64(cfg.MinPartitions)))
	}
	if max := int64(cfg.MaxPartitions); partitions64 > max {
		partitions64 = int64(roundDownPow2(max))
	}
	if partitions64 > partitionCap {
		partitions64 = int64(roundDownPow2(partitionCap))
	}
	if partitions64 < 1 {
		partitions64 = 1
	}

	partitions = int(partitions64)
	partitionBits = Log2(partitions)
	return partitions, partitionBits
}

func ceilDiv(num, den float64) float64 {
	if den <= 0 {
		return 0
	}
	q := num / den
	if q != float64(int64(q)) {
		q = float64(int64(q) + 1)
	}
	if q < 1 {
		q = 1
	}
	return q
}

func roundUpPow2(n int64) int64 {
	if n <= 1 {
		return 1
	}
	p := int64(1)
	for p < n {
		p <<= 1
	}
	return p
}

func roundDownPow2(n int64) int64 {
	if n <= 1 {
		return 1
	}
	p := int64(1)
	for p<<1 <= n {
		p <<= 1
	}
	return p
}
