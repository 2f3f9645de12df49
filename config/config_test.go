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

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultByteLimit(t *testing.T) {
	cfg := Default()
	limit, enforced := cfg.ByteLimit()
	if !enforced {
		t.Fatalf("expected enforcement on by default")
	}
	if limit <= 0 || limit > cfg.WorkMemBytes {
		t.Fatalf("limit %d out of range for work_mem %d", limit, cfg.WorkMemBytes)
	}
}

func TestByteLimitOverflowDisabled(t *testing.T) {
	cfg := Default()
	cfg.HashAggMemOverflow = true
	limit, enforced := cfg.ByteLimit()
	if enforced {
		t.Fatalf("expected enforcement disabled")
	}
	if limit != 0 {
		t.Fatalf("expected zero limit when unenforced, got %d", limit)
	}
}

func TestByteLimitNeverStarves(t *testing.T) {
	cfg := Config{WorkMemBytes: 1000, HashPartitionMemReservation: 999}
	limit, enforced := cfg.ByteLimit()
	if !enforced {
		t.Fatalf("expected enforcement on")
	}
	if limit < cfg.WorkMemBytes/2 {
		t.Fatalf("reservation starved the budget: limit=%d work_mem=%d", limit, cfg.WorkMemBytes)
	}
}

func TestLoadFillsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	doc := "workMemBytes: 134217728\nhashAggMemOverflow: false\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WorkMemBytes != 134217728 {
		t.Errorf("WorkMemBytes = %d, want 134217728", cfg.WorkMemBytes)
	}
	if cfg.HashPartitionFactor != DefaultHashPartitionFactor {
		t.Errorf("HashPartitionFactor = %v, want default %v", cfg.HashPartitionFactor, DefaultHashPartitionFactor)
	}
	if cfg.MinPartitions != DefaultMinPartitions {
		t.Errorf("MinPartitions = %d, want default %d", cfg.MinPartitions, DefaultMinPartitions)
	}
	if cfg.BlockSize != DefaultBlockSize {
		t.Errorf("BlockSize = %d, want default %d", cfg.BlockSize, DefaultBlockSize)
	}
}

func TestLoadOverridesPartitionTunables(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	doc := "workMemBytes: 1048576\nminPartitions: 8\nmaxPartitions: 64\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MinPartitions != 8 {
		t.Errorf("MinPartitions = %d, want 8", cfg.MinPartitions)
	}
	if cfg.MaxPartitions != 64 {
		t.Errorf("MaxPartitions = %d, want 64", cfg.MaxPartitions)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err == nil {
		t.Fatalf("expected error for missing file")
	}
}
