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

package block

import (
	"sync"
	"testing"

	"tracelab/internal/trace"
)

type fakeNode struct{ id uint64 }

func (f *fakeNode) ID() uint64                     { return f.id }
func (f *fakeNode) NumSamples() int                { return 4 }
func (f *fakeNode) TitleSize() int                 { return 0 }
func (f *fakeNode) DataSize() int                  { return 0 }
func (f *fakeNode) Encoding() trace.SampleEncoding  { return trace.EncodingFloat32 }
func (f *fakeNode) YScale() float32                 { return 1 }

type sumPayload struct {
	key   int
	total float64
	n     int
}

// sumClient groups inputs by key (embedded in title byte 0) and finalizes
// to the running sum, one output per block.
type sumClient struct {
	mu      sync.Mutex
	inits   int
	exits   int
	outputs int
}

func (c *sumClient) ConsumerInit() { c.mu.Lock(); c.inits++; c.mu.Unlock() }
func (c *sumClient) ConsumerExit() { c.mu.Lock(); c.exits++; c.mu.Unlock() }

func (c *sumClient) Initialize(t *trace.Trace) *Block {
	return &Block{Payload: &sumPayload{key: int(t.Title[0])}}
}

func (c *sumClient) TraceInteresting(t *trace.Trace) bool { return true }

func (c *sumClient) TraceMatches(t *trace.Trace, b *Block) bool {
	return b.Payload.(*sumPayload).key == int(t.Title[0])
}

func (c *sumClient) Accumulate(t *trace.Trace, b *Block) {
	p := b.Payload.(*sumPayload)
	p.total += float64(t.Samples[0])
	p.n++
}

func (c *sumClient) Finalize(traceOut *trace.Trace, b *Block) int {
	p := b.Payload.(*sumPayload)
	traceOut.Samples[0] = float32(p.total)
	c.mu.Lock()
	c.outputs++
	c.mu.Unlock()
	return 0
}

func newInput(node trace.NodeRef, idx uint64, key byte, v float32) *trace.Trace {
	t := trace.New(node, idx)
	t.Title = []byte{key}
	t.Samples[0] = v
	return t
}

// TestDoneSingularOnePerInput exercises property P7 under DoneSingular:
// every interesting input yields exactly one emitted output, and every
// created block is eventually retrievable.
func TestDoneSingularOnePerInput(t *testing.T) {
	n := &fakeNode{id: 1}
	client := &sumClient{}
	e := New("sum-singular", client, DoneSingular)

	const count = 20
	for i := uint64(0); i < count; i++ {
		e.Ingest(newInput(n, i, byte(i%3), float32(i)))
	}

	for i := int64(0); i < count; i++ {
		out := trace.New(n, uint64(i))
		if err := e.Get(out, i); err != nil {
			t.Fatalf("Get(%d): %v", i, err)
		}
	}
	if client.outputs != count {
		t.Fatalf("expected %d outputs, got %d", count, client.outputs)
	}
	e.Exit()
	if client.exits != 1 {
		t.Fatalf("expected ConsumerExit once, got %d", client.exits)
	}
}

// TestDoneListLenBounded exercises DoneListLen: ListLenBound-1 distinct keys
// all stay open, the distinct key that brings the list to ListLenBound forces
// the oldest block closed, and every closed block surfaces via Get with no
// duplicate or lost payloads.
func TestDoneListLenBounded(t *testing.T) {
	n := &fakeNode{id: 2}
	client := &sumClient{}
	e := New("sum-listlen", client, DoneListLen)

	// ListLenBound-1 distinct keys stay below the bound: all still open.
	for k := 0; k < ListLenBound-1; k++ {
		e.Ingest(newInput(n, uint64(k), byte(k), 1))
	}
	e.mu.Lock()
	open := 0
	for _, b := range e.blocks {
		if b.state == StateOpen {
			open++
		}
	}
	e.mu.Unlock()
	if open != ListLenBound-1 {
		t.Fatalf("expected %d open blocks, got %d", ListLenBound-1, open)
	}

	// Reaching the bound forces the oldest (key 0) closed.
	e.Ingest(newInput(n, uint64(ListLenBound-1), byte(ListLenBound-1), 1))

	out := trace.New(n, 0)
	if err := e.Get(out, 0); err != nil {
		t.Fatalf("Get(0): %v", err)
	}
	if client.outputs != 1 {
		t.Fatalf("expected 1 output after forcing closure, got %d", client.outputs)
	}

	e.CloseAllOpen()
	for i := int64(1); i < ListLenBound; i++ {
		out := trace.New(n, uint64(i))
		if err := e.Get(out, i); err != nil {
			t.Fatalf("Get(%d) after CloseAllOpen: %v", i, err)
		}
	}
	if client.outputs != ListLenBound {
		t.Fatalf("expected %d outputs total, got %d", ListLenBound, client.outputs)
	}
}

// TestDoneSingularKeepsMatchingInputsSeparate checks that under DoneSingular
// repeated inputs under the same key land in separate blocks, each holding
// only its own input, because every block is closed on creation.
func TestDoneSingularKeepsMatchingInputsSeparate(t *testing.T) {
	n := &fakeNode{id: 3}
	client := &sumClient{}
	e := New("sum-merge", client, DoneSingular)

	e.Ingest(newInput(n, 0, 7, 2))
	// DoneSingular closes on creation, so a later input with the same key
	// opens a fresh block rather than merging into the closed one.
	e.Ingest(newInput(n, 1, 7, 3))

	out0 := trace.New(n, 0)
	if err := e.Get(out0, 0); err != nil {
		t.Fatal(err)
	}
	if out0.Samples[0] != 2 {
		t.Fatalf("expected first block to hold only its own input, got %v", out0.Samples[0])
	}
	out1 := trace.New(n, 1)
	if err := e.Get(out1, 1); err != nil {
		t.Fatal(err)
	}
	if out1.Samples[0] != 3 {
		t.Fatalf("expected second block to hold only its own input, got %v", out1.Samples[0])
	}
}
