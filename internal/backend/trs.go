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

// Package backend implements the pipeline.Backend drivers (spec §4.A,
// §6): trs (bit-exact TLV file format), ztrs (zlib-framed variant), net
// (length-prefixed encrypted/deflated wire protocol), and a Redis-backed
// mirrored cache warmer for the net backend.
package backend

import (
	"io"
	"math"
	"os"
	"sync"

	"tracelab/internal/errs"
	"tracelab/internal/trace"
)

// TLV tags, per spec §6.
const (
	tagNumberTraces  byte = 0x41
	tagNumberSamples byte = 0x42
	tagSampleCoding  byte = 0x43
	tagLengthData    byte = 0x44
	tagTitleSpace    byte = 0x45
	tagScaleY        byte = 0x4C
	tagTraceBlock    byte = 0x5F
)

// Header holds the parsed TLV header fields plus any unrecognized optional
// tags, preserved verbatim for write_inherited_headers.
type Header struct {
	NumberTraces  uint32
	NumberSamples uint32
	SampleCoding  trace.SampleEncoding
	LengthData    uint16
	TitleSpace    uint8
	ScaleY        float32
	Unknown       []rawTag
}

type rawTag struct {
	tag     byte
	payload []byte
}

func defaultHeader() Header {
	return Header{TitleSpace: 255, ScaleY: 1.0}
}

// TRS implements pipeline.Backend against an on-disk TRS file (spec §6 "TRS
// file format (bit-exact)").
type TRS struct {
	mu     sync.Mutex
	path   string
	f      *os.File
	hdr    Header
	dataAt int64 // byte offset of the first trace record
	recLen int64
	count  uint32 // traces actually written, rewritten into the header on Close
	write  bool
}

// OpenTRS opens path for reading if it exists, or creates it for writing
// with the given header if it does not (spec §6 write path). hdr is only
// consulted when creating.
func OpenTRS(path string, hdr Header) (*TRS, error) {
	if f, err := os.OpenFile(path, os.O_RDONLY, 0); err == nil {
		t := &TRS{path: path, f: f}
		if err := t.readHeader(); err != nil {
			f.Close()
			return nil, err
		}
		return t, nil
	}
	return CreateTRS(path, hdr)
}

// CreateTRS creates (or truncates) path as a new empty TRS set for writing
// under hdr's declared layout.
func CreateTRS(path string, hdr Header) (*TRS, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errs.Wrap(errs.IO, "backend.CreateTRS", err)
	}
	t := &TRS{path: path, f: f, hdr: hdr, write: true}
	if err := t.writeHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return t, nil
}

func putVarLen(w io.Writer, n int) error {
	if n < 128 {
		_, err := w.Write([]byte{byte(n)})
		return err
	}
	var buf []byte
	v := n
	for v > 0 {
		buf = append(buf, byte(v))
		v >>= 8
	}
	if _, err := w.Write([]byte{0x80 | byte(len(buf))}); err != nil {
		return err
	}
	_, err := w.Write(buf)
	return err
}

func getVarLen(r io.Reader) (int, error) {
	var lb [1]byte
	if _, err := io.ReadFull(r, lb[:]); err != nil {
		return 0, err
	}
	if lb[0]&0x80 == 0 {
		return int(lb[0]), nil
	}
	n := int(lb[0] & 0x7f)
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, err
	}
	v := 0
	for i := n - 1; i >= 0; i-- {
		v = v<<8 | int(buf[i])
	}
	return v, nil
}

func (t *TRS) writeHeader() error {
	write := func(tag byte, payload []byte) error {
		if _, err := t.f.Write([]byte{tag}); err != nil {
			return err
		}
		if err := putVarLen(t.f, len(payload)); err != nil {
			return err
		}
		_, err := t.f.Write(payload)
		return err
	}
	if err := write(tagNumberTraces, u32le(t.hdr.NumberTraces)); err != nil {
		return errs.Wrap(errs.IO, "backend.TRS.writeHeader", err)
	}
	if err := write(tagNumberSamples, u32le(t.hdr.NumberSamples)); err != nil {
		return errs.Wrap(errs.IO, "backend.TRS.writeHeader", err)
	}
	if err := write(tagSampleCoding, []byte{byte(t.hdr.SampleCoding)}); err != nil {
		return errs.Wrap(errs.IO, "backend.TRS.writeHeader", err)
	}
	if t.hdr.LengthData != 0 {
		if err := write(tagLengthData, u16le(t.hdr.LengthData)); err != nil {
			return errs.Wrap(errs.IO, "backend.TRS.writeHeader", err)
		}
	}
	if t.hdr.TitleSpace != 255 {
		if err := write(tagTitleSpace, []byte{t.hdr.TitleSpace}); err != nil {
			return errs.Wrap(errs.IO, "backend.TRS.writeHeader", err)
		}
	}
	if t.hdr.ScaleY != 1.0 {
		if err := write(tagScaleY, f32le(t.hdr.ScaleY)); err != nil {
			return errs.Wrap(errs.IO, "backend.TRS.writeHeader", err)
		}
	}
	for _, rt := range t.hdr.Unknown {
		if err := write(rt.tag, rt.payload); err != nil {
			return errs.Wrap(errs.IO, "backend.TRS.writeHeader", err)
		}
	}
	if err := write(tagTraceBlock, nil); err != nil {
		return errs.Wrap(errs.IO, "backend.TRS.writeHeader", err)
	}
	off, err := t.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return errs.Wrap(errs.IO, "backend.TRS.writeHeader", err)
	}
	t.dataAt = off
	t.recLen = int64(t.hdr.TitleSpace) + int64(t.hdr.LengthData) + int64(t.hdr.NumberSamples)*int64(t.hdr.SampleCoding.Size())
	return nil
}

func (t *TRS) readHeader() error {
	t.hdr = defaultHeader()
	for {
		var tb [1]byte
		if _, err := io.ReadFull(t.f, tb[:]); err != nil {
			return errs.Wrap(errs.Decode, "backend.TRS.readHeader", err)
		}
		n, err := getVarLen(t.f)
		if err != nil {
			return errs.Wrap(errs.Decode, "backend.TRS.readHeader", err)
		}
		payload := make([]byte, n)
		if n > 0 {
			if _, err := io.ReadFull(t.f, payload); err != nil {
				return errs.Wrap(errs.Decode, "backend.TRS.readHeader", err)
			}
		}
		switch tb[0] {
		case tagNumberTraces:
			t.hdr.NumberTraces = le32(payload)
		case tagNumberSamples:
			t.hdr.NumberSamples = le32(payload)
		case tagSampleCoding:
			t.hdr.SampleCoding = trace.SampleEncoding(payload[0])
		case tagLengthData:
			t.hdr.LengthData = le16(payload)
		case tagTitleSpace:
			t.hdr.TitleSpace = payload[0]
		case tagScaleY:
			t.hdr.ScaleY = lef32(payload)
		case tagTraceBlock:
			off, err := t.f.Seek(0, io.SeekCurrent)
			if err != nil {
				return errs.Wrap(errs.IO, "backend.TRS.readHeader", err)
			}
			t.dataAt = off
			t.recLen = int64(t.hdr.TitleSpace) + int64(t.hdr.LengthData) + int64(t.hdr.NumberSamples)*int64(t.hdr.SampleCoding.Size())
			return nil
		default:
			t.hdr.Unknown = append(t.hdr.Unknown, rawTag{tag: tb[0], payload: payload})
		}
	}
}

// Read implements pipeline.Backend by seeking to the trace record at t.Index
// and decoding it per the header's declared layout.
func (t *TRS) Read(tr *trace.Trace) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tr.Index >= uint64(t.hdr.NumberTraces) {
		return errs.New(errs.NotFound, "backend.TRS.Read", "index out of range")
	}
	off := t.dataAt + int64(tr.Index)*t.recLen
	if _, err := t.f.Seek(off, io.SeekStart); err != nil {
		return errs.Wrap(errs.IO, "backend.TRS.Read", err)
	}
	buf := make([]byte, t.recLen)
	if _, err := io.ReadFull(t.f, buf); err != nil {
		return errs.Wrap(errs.IO, "backend.TRS.Read", err)
	}
	titleSize := int(t.hdr.TitleSpace)
	dataSize := int(t.hdr.LengthData)
	tr.Title = append([]byte(nil), buf[:titleSize]...)
	tr.Data = append([]byte(nil), buf[titleSize:titleSize+dataSize]...)
	tr.Samples = trace.ToFloat32(t.hdr.SampleCoding, buf[titleSize+dataSize:], t.hdr.ScaleY)
	return nil
}

// Write appends one trace record at the current write cursor (sequential
// write path; TRS source nodes are write-only during a save pipeline run).
func (t *TRS) Write(tr *trace.Trace) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	off := t.dataAt + int64(t.count)*t.recLen
	if _, err := t.f.Seek(off, io.SeekStart); err != nil {
		return errs.Wrap(errs.IO, "backend.TRS.Write", err)
	}
	titleSize := int(t.hdr.TitleSpace)
	dataSize := int(t.hdr.LengthData)
	buf := make([]byte, t.recLen)
	copy(buf[:titleSize], tr.Title)
	copy(buf[titleSize:titleSize+dataSize], tr.Data)
	raw := trace.FromFloat32(t.hdr.SampleCoding, tr.Samples, t.hdr.ScaleY)
	copy(buf[titleSize+dataSize:], raw)
	if _, err := t.f.Write(buf); err != nil {
		return errs.Wrap(errs.IO, "backend.TRS.Write", err)
	}
	t.count++
	return nil
}

// Close rewrites NUMBER_TRACES to reflect the actual count written (spec §6
// "the finalization pass rewrites NUMBER_TRACES") and closes the file.
func (t *TRS) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.write && t.count != t.hdr.NumberTraces {
		if err := t.rewriteCountLocked(); err != nil {
			t.f.Close()
			return err
		}
	}
	if err := t.f.Close(); err != nil {
		return errs.Wrap(errs.IO, "backend.TRS.Close", err)
	}
	return nil
}

func (t *TRS) rewriteCountLocked() error {
	f, err := os.OpenFile(t.path, os.O_RDWR, 0)
	if err != nil {
		return errs.Wrap(errs.IO, "backend.TRS.rewriteCount", err)
	}
	defer f.Close()
	// NUMBER_TRACES is always the first tag written by writeHeader: tag
	// byte, one-byte length (u32 always fits the single-byte varlen form),
	// then four payload bytes.
	if _, err := f.WriteAt(u32le(t.count), 2); err != nil {
		return errs.Wrap(errs.IO, "backend.TRS.rewriteCount", err)
	}
	return nil
}

func u32le(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}
func u16le(v uint16) []byte { return []byte{byte(v), byte(v >> 8)} }
func f32le(v float32) []byte {
	return u32le(math.Float32bits(v))
}
func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
func le16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }
func lef32(b []byte) float32 {
	return math.Float32frombits(le32(b))
}

// Stat exposes the header for callers that need shape info before the first
// Read (pipeline.Controller.NewSource consults this when building a node's
// Shape).
func (t *TRS) Stat() Header { return t.hdr }
