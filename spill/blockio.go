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
	"encoding/binary"
	"io"

	"github.com/SnellerInc/nodeagg/compr"
	"github.com/SnellerInc/nodeagg/errs"
)

// defaultBlockSize matches config.DefaultBlockSize. blockWriter always
// uses this fixed value; a Config's BlockSize does not reach it.
const defaultBlockSize = 8192

// blockWriter buffers WriteTuple's uncompressed byte stream into
// config.BlockSize-ish chunks and compresses each chunk independently
// with a compr.Compressor, since that interface compresses whole
// buffers rather than streaming. Each chunk is framed as
// u32 uncompressedLen | u32 compressedLen | compressed bytes.
type blockWriter struct {
	out       io.Writer
	comp      compr.Compressor
	buf       []byte
	blockSize int
	tapeNo    int
}

func newBlockWriter(out io.Writer, comp compr.Compressor, tapeNo int) *blockWriter {
	return &blockWriter{out: out, comp: comp, blockSize: defaultBlockSize, tapeNo: tapeNo}
}

func (w *blockWriter) Write(p []byte) (int, error) {
	total := len(p)
	w.buf = append(w.buf, p...)
	for len(w.buf) >= w.blockSize {
		if err := w.flush(w.buf[:w.blockSize]); err != nil {
			return 0, err
		}
		w.buf = append(w.buf[:0], w.buf[w.blockSize:]...)
	}
	return total, nil
}

func (w *blockWriter) flush(block []byte) error {
	if len(block) == 0 {
		return nil
	}
	compressed := w.comp.Compress(block, nil)
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(block)))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(compressed)))
	if _, err := w.out.Write(hdr[:]); err != nil {
		return &errs.IOError{Code: errs.IOWrite, Tape: w.tapeNo, Err: err}
	}
	if _, err := w.out.Write(compressed); err != nil {
		return &errs.IOError{Code: errs.IOWrite, Tape: w.tapeNo, Err: err}
	}
	return nil
}

// Close flushes any partial final block.
func (w *blockWriter) Close() error {
	if len(w.buf) == 0 {
		return nil
	}
	err := w.flush(w.buf)
	w.buf = nil
	return err
}

// blockReader is blockWriter's inverse.
type blockReader struct {
	in      io.Reader
	decomp  compr.Decompressor
	pending []byte
	tapeNo  int
}

func newBlockReader(in io.Reader, decomp compr.Decompressor, tapeNo int) *blockReader {
	return &blockReader{in: in, decomp: decomp, tapeNo: tapeNo}
}

func (r *blockReader) Read(p []byte) (int, error) {
	if len(r.pending) == 0 {
		if err := r.nextBlock(); err != nil {
			return 0, err
		}
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

func (r *blockReader) nextBlock() error {
	var hdr [8]byte
	if _, err := io.ReadFull(r.in, hdr[:]); err != nil {
		if err == io.EOF {
			return io.EOF
		}
		return &errs.IOError{Code: errs.IOShortRead, Tape: r.tapeNo, Err: err}
	}
	uncompressedLen := binary.LittleEndian.Uint32(hdr[0:4])
	compressedLen := binary.LittleEndian.Uint32(hdr[4:8])

	compressed := make([]byte, compressedLen)
	if compressedLen > 0 {
		if _, err := io.ReadFull(r.in, compressed); err != nil {
			return &errs.IOError{Code: errs.IOShortRead, Tape: r.tapeNo, Err: err}
		}
	}
	dst := make([]byte, uncompressedLen)
	if uncompressedLen > 0 {
		if err := r.decomp.Decompress(compressed, dst); err != nil {
			return &errs.IOError{Code: errs.IORead, Tape: r.tapeNo, Err: err}
		}
	}
	r.pending = dst
	return nil
}

func (r *blockReader) Close() error { return nil }
