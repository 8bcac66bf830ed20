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

// Package trace defines the core data model: a materialized Trace record,
// its SampleEncoding, and the NodeRef back-reference used to query a trace's
// owning node for shape without creating an import cycle with pipeline.
package trace

import "math"

// SampleEncoding is one of the four on-disk sample encodings.
type SampleEncoding uint8

const (
	EncodingByte    SampleEncoding = 0x01
	EncodingShort   SampleEncoding = 0x02
	EncodingInt     SampleEncoding = 0x04
	EncodingFloat32 SampleEncoding = 0x14
)

// Size returns the on-disk byte width of one sample under this encoding.
func (e SampleEncoding) Size() int {
	switch e {
	case EncodingByte:
		return 1
	case EncodingShort:
		return 2
	case EncodingInt:
		return 4
	case EncodingFloat32:
		return 4
	default:
		return 0
	}
}

func (e SampleEncoding) String() string {
	switch e {
	case EncodingByte:
		return "byte"
	case EncodingShort:
		return "short"
	case EncodingInt:
		return "int"
	case EncodingFloat32:
		return "float32"
	default:
		return "unknown"
	}
}

// NodeRef is the minimal shape-query surface a Trace needs from its owning
// node. pipeline.Node implements it; trace does not import pipeline to avoid
// a cycle (pipeline imports trace for the Trace type itself).
type NodeRef interface {
	ID() uint64
	NumSamples() int
	TitleSize() int
	DataSize() int
	Encoding() SampleEncoding
	YScale() float32
}

// Trace is a single materialized record at one index of a node. Any of
// Title, Data, Samples may be nil; per spec this means "not present at this
// index" and is interpreted downstream as a silent drop.
type Trace struct {
	Owner   NodeRef
	Index   uint64
	Title   []byte
	Data    []byte
	Samples []float32
}

// New allocates an empty trace bound to owner at index, with payload slices
// sized per the node's shape but left zero/uninitialized. Kernels call
// Get(trace) to populate them, or leave a field nil to signal absence.
func New(owner NodeRef, index uint64) *Trace {
	t := &Trace{Owner: owner, Index: index}
	if n := owner.TitleSize(); n > 0 {
		t.Title = make([]byte, n)
	}
	if n := owner.DataSize(); n > 0 {
		t.Data = make([]byte, n)
	}
	if n := owner.NumSamples(); n > 0 {
		t.Samples = make([]float32, n)
	}
	return t
}

// Clone returns a deep copy, used when a cache hands out a trace it still
// owns and the caller needs an independent mutable copy (e.g. static_align's
// circular shift).
func (t *Trace) Clone() *Trace {
	c := &Trace{Owner: t.Owner, Index: t.Index}
	if t.Title != nil {
		c.Title = append([]byte(nil), t.Title...)
	}
	if t.Data != nil {
		c.Data = append([]byte(nil), t.Data...)
	}
	if t.Samples != nil {
		c.Samples = append([]float32(nil), t.Samples...)
	}
	return c
}

// Empty reports whether all three payload fields are absent — the "no
// output at this index" sentinel per spec §3/§7.
func (t *Trace) Empty() bool {
	return t.Title == nil && t.Data == nil && t.Samples == nil
}

// ToFloat32 converts a raw on-disk sample buffer of the given encoding into
// float32 samples, applying the node's y-scale by multiplication (spec §3).
func ToFloat32(enc SampleEncoding, raw []byte, yscale float32) []float32 {
	n := len(raw) / enc.Size()
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		var v float32
		switch enc {
		case EncodingByte:
			v = float32(int8(raw[i]))
		case EncodingShort:
			u := uint16(raw[2*i]) | uint16(raw[2*i+1])<<8
			v = float32(int16(u))
		case EncodingInt:
			u := uint32(raw[4*i]) | uint32(raw[4*i+1])<<8 | uint32(raw[4*i+2])<<16 | uint32(raw[4*i+3])<<24
			v = float32(int32(u))
		case EncodingFloat32:
			u := uint32(raw[4*i]) | uint32(raw[4*i+1])<<8 | uint32(raw[4*i+2])<<16 | uint32(raw[4*i+3])<<24
			v = math.Float32frombits(u)
		}
		out[i] = v * yscale
	}
	return out
}

// FromFloat32 applies the inverse y-scale and casts to the on-disk encoding,
// truncating for integer encodings (spec §8 P6).
func FromFloat32(enc SampleEncoding, samples []float32, yscale float32) []byte {
	size := enc.Size()
	out := make([]byte, len(samples)*size)
	inv := float32(1.0)
	if yscale != 0 {
		inv = 1.0 / yscale
	}
	for i, s := range samples {
		scaled := s * inv
		switch enc {
		case EncodingByte:
			out[i] = byte(int8(scaled))
		case EncodingShort:
			u := uint16(int16(scaled))
			out[2*i] = byte(u)
			out[2*i+1] = byte(u >> 8)
		case EncodingInt:
			u := uint32(int32(scaled))
			out[4*i] = byte(u)
			out[4*i+1] = byte(u >> 8)
			out[4*i+2] = byte(u >> 16)
			out[4*i+3] = byte(u >> 24)
		case EncodingFloat32:
			u := math.Float32bits(scaled)
			out[4*i] = byte(u)
			out[4*i+1] = byte(u >> 8)
			out[4*i+2] = byte(u >> 16)
			out[4*i+3] = byte(u >> 24)
		}
	}
	return out
}

// CopyTitle is a passthrough helper: copies Title from src to dst.
func CopyTitle(dst, src *Trace) { dst.Title = append([]byte(nil), src.Title...) }

// CopyData is a passthrough helper: copies Data from src to dst.
func CopyData(dst, src *Trace) { dst.Data = append([]byte(nil), src.Data...) }

// CopySamples is a passthrough helper: copies Samples from src to dst.
func CopySamples(dst, src *Trace) { dst.Samples = append([]float32(nil), src.Samples...) }

// Passthrough copies all three fields in sequence (spec §4.D).
func Passthrough(dst, src *Trace) {
	CopyTitle(dst, src)
	CopyData(dst, src)
	CopySamples(dst, src)
}
