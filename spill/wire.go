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

// Package spill implements the Hash Table & Spill Engine's disk-facing
// half (spec §4.3.5-§4.3.7): the per-tuple wire format, a logical tape
// set addressed by (set, tape) per spec §6's storage contract, and the
// Spill Batch bookkeeping the refill loop consumes.
package spill

import (
	"encoding/binary"
	"io"

	"github.com/SnellerInc/nodeagg/errs"
)

// WriteTuple writes one spilled tuple in the wire format of spec
// §4.3.5: a u32 hash value, a u32 length, then the tuple bytes. length
// counts itself, matching the spec's "length includes the length
// field" — a reader can therefore always tell how many bytes remain in
// the record from the length field alone, without also remembering the
// width of the length field itself.
func WriteTuple(w io.Writer, tapeNo int, hash uint32, tuple []byte) error {
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], hash)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(tuple)+4))
	if _, err := w.Write(hdr[:]); err != nil {
		return &errs.IOError{Code: errs.IOWrite, Tape: tapeNo, Err: err}
	}
	if len(tuple) == 0 {
		return nil
	}
	if _, err := w.Write(tuple); err != nil {
		return &errs.IOError{Code: errs.IOWrite, Tape: tapeNo, Err: err}
	}
	return nil
}

// ReadTuple reads one tuple written by WriteTuple. io.EOF (unwrapped)
// is returned when the tape is exhausted cleanly at a record boundary;
// any other read failure, including a short read partway through a
// record, is reported as errs.IOError with code IOShortRead so the
// caller can distinguish "no more tuples" from "corrupt tape".
func ReadTuple(r io.Reader, tapeNo int) (hash uint32, tuple []byte, err error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return 0, nil, io.EOF
		}
		return 0, nil, &errs.IOError{Code: errs.IOShortRead, Tape: tapeNo, Err: err}
	}
	hash = binary.LittleEndian.Uint32(hdr[0:4])
	length := binary.LittleEndian.Uint32(hdr[4:8])
	if length < 4 {
		return 0, nil, &errs.IOError{Code: errs.IOShortRead, Tape: tapeNo, Err: io.ErrUnexpectedEOF}
	}
	payloadLen := length - 4
	tuple = make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(r, tuple); err != nil {
			return 0, nil, &errs.IOError{Code: errs.IOShortRead, Tape: tapeNo, Err: err}
		}
	}
	return hash, tuple, nil
}

// PartitionOf implements the hash-bit allocation of spec §4.3.4: the
// 32-bit hash is partitioned by high-order bits, consuming them
// left-to-right across recursion levels so a re-spill can never
// reproduce a parent's partitioning.
func PartitionOf(hash uint32, inputBits, partitionBits int) int {
	if inputBits+partitionBits > 32 {
		partitionBits = 32 - inputBits
	}
	if partitionBits <= 0 {
		return 0
	}
	return int((hash << uint(inputBits)) >> uint(32-partitionBits))
}

// Log2 returns the base-2 logarithm of n, which must be a power of two
// (partition counts always are, per spec §4.3.3).
func Log2(n int) int {
	bits := 0
	for n > 1 {
		n >>= 1
		bits++
	}
	return bits
}
