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

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/SnellerInc/nodeagg/compr"
	"github.com/SnellerInc/nodeagg/errs"
)

// tape is one append-only byte stream backing a single partition.
type tape struct {
	file    *os.File
	writer  io.WriteCloser // compr-wrapped write side, nil once rewound
	reader  io.ReadCloser  // compr-wrapped read side, nil until RewindForRead
	tuples  int64
	bytes   int64
}

// Set is a logical tape set (spec §6's storage contract): a directory
// of append-only, densely numbered partition tapes, one Set per
// hash table instance (or per recursion level, since a batch's own
// re-spill allocates a fresh Set). Tape numbering is dense; Extend
// appends new tapes keeping old numbering stable.
type Set struct {
	mu   sync.Mutex
	id   uuid.UUID
	dir  string
	tape []*tape

	// BytesSpilled is a running total of the uncompressed record bytes
	// of every Write call this set has serviced. A batch's recursive
	// re-spill writes into its own fresh Set and is counted there, not
	// here; no total across sets is kept.
	BytesSpilled int64
}

// NewSet creates a fresh Set with n tapes, backed by a uniquely-named
// temporary directory (named with a fresh google/uuid per instance, the
// same role the teacher gives it for other unique-per-instance external
// identifiers).
func NewSet(n int) (*Set, error) {
	id := uuid.New()
	dir := filepath.Join(os.TempDir(), "nodeagg-spill-"+id.String())
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, &errs.IOError{Code: errs.IOWrite, Tape: -1, Err: err}
	}
	s := &Set{id: id, dir: dir}
	if err := s.extendLocked(n); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	return s, nil
}

// Create is an alias for the tape count passed to NewSet, kept to name
// the operation the spec's storage contract names explicitly
// (Create(n)); Go constructors can't be called post-hoc, so NewSet
// folds Create into construction.
func Create(n int) (*Set, error) { return NewSet(n) }

// Extend appends n new tapes, keeping existing tape numbers stable.
func (s *Set) Extend(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.extendLocked(n)
}

func (s *Set) extendLocked(n int) error {
	for i := 0; i < n; i++ {
		idx := len(s.tape)
		path := filepath.Join(s.dir, fmt.Sprintf("tape-%06d", idx))
		f, err := os.Create(path)
		if err != nil {
			return &errs.IOError{Code: errs.IOWrite, Tape: idx, Err: err}
		}
		hintSequential(f)
		s.tape = append(s.tape, &tape{file: f})
	}
	return nil
}

// GetTapeCount reports the number of tapes currently in the set.
func (s *Set) GetTapeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tape)
}

func (s *Set) at(tapeNo int) (*tape, error) {
	if tapeNo < 0 || tapeNo >= len(s.tape) {
		return nil, &errs.IOError{Code: errs.IOWrite, Tape: tapeNo, Err: fmt.Errorf("tape index out of range")}
	}
	return s.tape[tapeNo], nil
}

// Write appends one tuple to tapeNo in the wire format of spec §4.3.5.
func (s *Set) Write(tapeNo int, hash uint32, tupleBytes []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.at(tapeNo)
	if err != nil {
		return err
	}
	if t.writer == nil {
		t.writer = newBlockWriter(t.file, compr.SpillDefault(), tapeNo)
	}
	before := t.bytes
	if err := WriteTuple(t.writer, tapeNo, hash, tupleBytes); err != nil {
		return err
	}
	n := int64(8 + len(tupleBytes))
	t.bytes += n
	t.tuples++
	s.BytesSpilled += t.bytes - before
	return nil
}

// RewindForRead finishes writing tapeNo (flushing and closing its
// compressor) and positions it for reading from the start.
func (s *Set) RewindForRead(tapeNo int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.at(tapeNo)
	if err != nil {
		return err
	}
	if t.writer != nil {
		if err := t.writer.Close(); err != nil {
			return &errs.IOError{Code: errs.IOWrite, Tape: tapeNo, Err: err}
		}
		t.writer = nil
	}
	if _, err := t.file.Seek(0, io.SeekStart); err != nil {
		return &errs.IOError{Code: errs.IOSeek, Tape: tapeNo, Err: err}
	}
	t.reader = newBlockReader(t.file, compr.SpillDefaultDecompression(), tapeNo)
	return nil
}

// Read reads the next tuple from tapeNo, returning io.EOF when the tape
// is exhausted.
func (s *Set) Read(tapeNo int) (hash uint32, tuple []byte, err error) {
	s.mu.Lock()
	t, err := s.at(tapeNo)
	s.mu.Unlock()
	if err != nil {
		return 0, nil, err
	}
	if t.reader == nil {
		return 0, nil, &errs.IOError{Code: errs.IORead, Tape: tapeNo, Err: fmt.Errorf("tape not rewound for reading")}
	}
	return ReadTuple(t.reader, tapeNo)
}

// TupleCount and ByteCount report per-tape bookkeeping used when
// finishing a tape into a Spill Batch (spec §4.3.6).
func (s *Set) TupleCount(tapeNo int) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.at(tapeNo)
	if err != nil {
		return 0
	}
	return t.tuples
}

func (s *Set) ByteCount(tapeNo int) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.at(tapeNo)
	if err != nil {
		return 0
	}
	return t.bytes
}

// Close releases every tape's file handle and removes the set's
// backing directory. Safe to call once; a second call is a no-op error
// the caller is expected to ignore during teardown.
func (s *Set) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for i, t := range s.tape {
		if t.writer != nil {
			if err := t.writer.Close(); err != nil && firstErr == nil {
				firstErr = &errs.IOError{Code: errs.IOClose, Tape: i, Err: err}
			}
		}
		if t.reader != nil {
			if err := t.reader.Close(); err != nil && firstErr == nil {
				firstErr = &errs.IOError{Code: errs.IOClose, Tape: i, Err: err}
			}
		}
		if err := t.file.Close(); err != nil && firstErr == nil {
			firstErr = &errs.IOError{Code: errs.IOClose, Tape: i, Err: err}
		}
	}
	if err := os.RemoveAll(s.dir); err != nil && firstErr == nil {
		firstErr = &errs.IOError{Code: errs.IOClose, Tape: -1, Err: err}
	}
	return firstErr
}
