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

// Package config holds the tunables the hash aggregation engine needs:
// the memory budget (work_mem), whether to enforce it at all
// (hashagg_mem_overflow), and the partition-sizing constants of
// spec §4.3.3.
package config

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"
)

// Default partition-sizing constants, spec §4.3.3.
const (
	DefaultHashPartitionFactor = 1.5
	DefaultMinPartitions       = 4
	DefaultMaxPartitions       = 256
	DefaultBlockSize           = 8192

	// HashPartitionMemReservation is subtracted from work_mem before
	// computing the hash byte limit (spec §4.3.2), so the in-memory
	// table never claims the entire budget and leaves headroom for
	// partition buffers during spill setup.
	DefaultHashPartitionMemReservation = 64 * 1024
)

// Config is the subset of executor-wide configuration this node reads.
// All fields have the same meaning as the identically-named GUCs in
// spec §6.
type Config struct {
	// WorkMemBytes is the per-operator memory budget used to size the
	// hash table's byte limit.
	WorkMemBytes int64 `json:"workMemBytes"`

	// HashAggMemOverflow disables hash-memory enforcement: hash
	// entries grow unbounded and no spill is ever triggered. Intended
	// only for workloads that are known to fit and cannot tolerate
	// spilling (e.g. interactive debugging).
	HashAggMemOverflow bool `json:"hashAggMemOverflow"`

	HashPartitionFactor         float64 `json:"hashPartitionFactor,omitempty"`
	MinPartitions               int     `json:"minPartitions,omitempty"`
	MaxPartitions               int     `json:"maxPartitions,omitempty"`
	BlockSize                   int     `json:"blockSize,omitempty"`
	HashPartitionMemReservation int64   `json:"hashPartitionMemReservation,omitempty"`
}

// Default returns a Config with conservative defaults and a 64MiB
// work_mem budget.
func Default() Config {
	return Config{
		WorkMemBytes:                64 * 1024 * 1024,
		HashPartitionFactor:         DefaultHashPartitionFactor,
		MinPartitions:               DefaultMinPartitions,
		MaxPartitions:               DefaultMaxPartitions,
		BlockSize:                   DefaultBlockSize,
		HashPartitionMemReservation: DefaultHashPartitionMemReservation,
	}
}

// Load reads a Config from a YAML document, filling in any zero-valued
// tunable from Default().
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	// unmarshal onto a copy that already carries the defaults, so a
	// YAML document only needs to mention the fields it overrides
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	cfg.fillDefaults()
	return cfg, nil
}

func (c *Config) fillDefaults() {
	d := Default()
	if c.HashPartitionFactor == 0 {
		c.HashPartitionFactor = d.HashPartitionFactor
	}
	if c.MinPartitions == 0 {
		c.MinPartitions = d.MinPartitions
	}
	if c.MaxPartitions == 0 {
		c.MaxPartitions = d.MaxPartitions
	}
	if c.BlockSize == 0 {
		c.BlockSize = d.BlockSize
	}
	if c.HashPartitionMemReservation == 0 {
		c.HashPartitionMemReservation = d.HashPartitionMemReservation
	}
}

// ByteLimit computes the hash table's byte limit per spec §4.3.2:
// work_mem minus the reservation, but never below half of work_mem,
// and never enforced at all when HashAggMemOverflow is set.
func (c Config) ByteLimit() (limit int64, enforced bool) {
	if c.HashAggMemOverflow {
		return 0, false
	}
	limit = c.WorkMemBytes - c.HashPartitionMemReservation
	if limit < c.WorkMemBytes/2 {
		// never let the reservation eat more than half the budget;
		// degrade gracefully rather than starving the table
		limit = c.WorkMemBytes / 2
	}
	if limit <= 0 {
		limit = c.WorkMemBytes
	}
	return limit, true
}
