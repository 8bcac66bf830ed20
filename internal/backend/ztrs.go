// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backend

import (
	"bytes"
	"compress/zlib"
	"io"
	"os"
	"sync"

	"tracelab/internal/errs"
	"tracelab/internal/trace"
)

// sentinelPrevLen marks the first record in a ZTRS file so backward walks
// can detect start-of-file (spec §6 "ZTRS framing").
const sentinelPrevLen uint32 = 0xFFFFFFFF

// ZTRS implements pipeline.Backend against a zlib-framed trace file: the
// same TLV header as TRS, followed by records framed with prev-length and
// this-length u32s, samples deflated. The wire-exact framing and
// zlib-specific compression (rather than a generic compression library) is
// required by spec §6 byte-for-byte, so this stays on the stdlib
// compress/zlib package rather than any pack third-party compressor.
type ZTRS struct {
	mu      sync.Mutex
	path    string
	f       *os.File
	hdr     Header
	dataAt  int64
	offsets []int64 // byte offset of each record's start (its prev-length field), built at open by indexRecords and extended by Write
	count   uint32
	write   bool
	lastLen uint32
}

// OpenZTRS mirrors OpenTRS's open-or-create semantics for the ztrs framing.
func OpenZTRS(path string, hdr Header) (*ZTRS, error) {
	if f, err := os.OpenFile(path, os.O_RDONLY, 0); err == nil {
		z := &ZTRS{path: path, f: f}
		if err := z.readHeader(); err != nil {
			f.Close()
			return nil, err
		}
		if err := z.indexRecords(); err != nil {
			f.Close()
			return nil, err
		}
		return z, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, errs.Wrap(errs.IO, "backend.OpenZTRS", err)
	}
	z := &ZTRS{path: path, f: f, hdr: hdr, write: true, lastLen: sentinelPrevLen}
	if err := z.writeHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return z, nil
}

func (z *ZTRS) writeHeader() error {
	t := &TRS{f: z.f, hdr: z.hdr}
	if err := t.writeHeader(); err != nil {
		return err
	}
	z.dataAt = t.dataAt
	return nil
}

func (z *ZTRS) readHeader() error {
	t := &TRS{f: z.f}
	if err := t.readHeader(); err != nil {
		return err
	}
	z.hdr = t.hdr
	z.dataAt = t.dataAt
	return nil
}

// indexRecords walks every framed record once to build an offset table,
// since ZTRS records are variable-length (deflated) and cannot be randomly
// addressed by a fixed stride the way TRS records can.
func (z *ZTRS) indexRecords() error {
	if _, err := z.f.Seek(z.dataAt, io.SeekStart); err != nil {
		return errs.Wrap(errs.IO, "backend.ZTRS.indexRecords", err)
	}
	for {
		off, err := z.f.Seek(0, io.SeekCurrent)
		if err != nil {
			return errs.Wrap(errs.IO, "backend.ZTRS.indexRecords", err)
		}
		var prevLen, thisLen [4]byte
		if _, err := io.ReadFull(z.f, prevLen[:]); err != nil {
			if err == io.EOF {
				break
			}
			return errs.Wrap(errs.Decode, "backend.ZTRS.indexRecords", err)
		}
		if _, err := io.ReadFull(z.f, thisLen[:]); err != nil {
			return errs.Wrap(errs.Decode, "backend.ZTRS.indexRecords", err)
		}
		n := le32(thisLen[:])
		z.offsets = append(z.offsets, off)
		if _, err := z.f.Seek(int64(n), io.SeekCurrent); err != nil {
			return errs.Wrap(errs.IO, "backend.ZTRS.indexRecords", err)
		}
	}
	z.count = uint32(len(z.offsets))
	return nil
}

// Read decodes the deflated record at tr.Index.
func (z *ZTRS) Read(tr *trace.Trace) error {
	z.mu.Lock()
	defer z.mu.Unlock()
	if tr.Index >= uint64(len(z.offsets)) {
		return errs.New(errs.NotFound, "backend.ZTRS.Read", "index out of range")
	}
	off := z.offsets[tr.Index]
	var thisLen [4]byte
	if _, err := z.f.Seek(off+4, io.SeekStart); err != nil {
		return errs.Wrap(errs.IO, "backend.ZTRS.Read", err)
	}
	if _, err := io.ReadFull(z.f, thisLen[:]); err != nil {
		return errs.Wrap(errs.Decode, "backend.ZTRS.Read", err)
	}
	n := le32(thisLen[:])
	compressed := make([]byte, n)
	if _, err := io.ReadFull(z.f, compressed); err != nil {
		return errs.Wrap(errs.IO, "backend.ZTRS.Read", err)
	}
	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return errs.Wrap(errs.Decode, "backend.ZTRS.Read", err)
	}
	defer zr.Close()
	plain, err := io.ReadAll(zr)
	if err != nil {
		return errs.Wrap(errs.Decode, "backend.ZTRS.Read", err)
	}
	titleSize := int(z.hdr.TitleSpace)
	dataSize := int(z.hdr.LengthData)
	tr.Title = append([]byte(nil), plain[:titleSize]...)
	tr.Data = append([]byte(nil), plain[titleSize:titleSize+dataSize]...)
	tr.Samples = trace.ToFloat32(z.hdr.SampleCoding, plain[titleSize+dataSize:], z.hdr.ScaleY)
	return nil
}

// Write deflates and appends one record, framed with prev/this length u32s.
func (z *ZTRS) Write(tr *trace.Trace) error {
	z.mu.Lock()
	defer z.mu.Unlock()

	titleSize := int(z.hdr.TitleSpace)
	dataSize := int(z.hdr.LengthData)
	plain := make([]byte, titleSize+dataSize+int(z.hdr.NumberSamples)*z.hdr.SampleCoding.Size())
	copy(plain[:titleSize], tr.Title)
	copy(plain[titleSize:titleSize+dataSize], tr.Data)
	raw := trace.FromFloat32(z.hdr.SampleCoding, tr.Samples, z.hdr.ScaleY)
	copy(plain[titleSize+dataSize:], raw)

	var compressed bytes.Buffer
	zw := zlib.NewWriter(&compressed)
	if _, err := zw.Write(plain); err != nil {
		return errs.Wrap(errs.IO, "backend.ZTRS.Write", err)
	}
	if err := zw.Close(); err != nil {
		return errs.Wrap(errs.IO, "backend.ZTRS.Write", err)
	}

	off, err := z.f.Seek(0, io.SeekEnd)
	if err != nil {
		return errs.Wrap(errs.IO, "backend.ZTRS.Write", err)
	}
	if _, err := z.f.Write(u32le(z.lastLen)); err != nil {
		return errs.Wrap(errs.IO, "backend.ZTRS.Write", err)
	}
	thisLen := uint32(compressed.Len())
	if _, err := z.f.Write(u32le(thisLen)); err != nil {
		return errs.Wrap(errs.IO, "backend.ZTRS.Write", err)
	}
	if _, err := z.f.Write(compressed.Bytes()); err != nil {
		return errs.Wrap(errs.IO, "backend.ZTRS.Write", err)
	}
	z.offsets = append(z.offsets, off)
	z.lastLen = thisLen
	z.count++
	return nil
}

// Close rewrites NUMBER_TRACES (same finalization rule as TRS) and closes.
func (z *ZTRS) Close() error {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.write && z.count != z.hdr.NumberTraces {
		f, err := os.OpenFile(z.path, os.O_RDWR, 0)
		if err != nil {
			z.f.Close()
			return errs.Wrap(errs.IO, "backend.ZTRS.Close", err)
		}
		_, werr := f.WriteAt(u32le(z.count), 2)
		f.Close()
		if werr != nil {
			z.f.Close()
			return errs.Wrap(errs.IO, "backend.ZTRS.Close", werr)
		}
	}
	if err := z.f.Close(); err != nil {
		return errs.Wrap(errs.IO, "backend.ZTRS.Close", err)
	}
	return nil
}

// Stat exposes the header, mirroring TRS.Stat.
func (z *ZTRS) Stat() Header { return z.hdr }
