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

// Package block implements the generic block-engine scheduler (spec §4.F)
// used by reduce_along, select_along, sort_along, and extract_timing: group
// inputs into blocks sharing a predicate, then emit one or more outputs per
// finished block.
//
// The "accumulate until a condition fires, then flush" shape is grounded on
// the teacher's SShard.Ingest/maybeFlush/Flush (plugin/tfd/saccumulator.go):
// a shared table of in-progress groups, a completion check on every
// ingest, and an ordered emission of finished groups.
package block

import (
	"sync"

	"tracelab/internal/errs"
	"tracelab/internal/telemetry/metrics"
	"tracelab/internal/trace"
)

// Criterion declares when a block's output index is assigned.
type Criterion int

const (
	// DoneSingular assigns the output index immediately on block creation:
	// one output per input.
	DoneSingular Criterion = iota
	// DoneListLen assigns the output index once the in-flight block list
	// reaches ListLenBound; the oldest open block is then closed.
	DoneListLen
)

// ListLenBound is the fixed in-flight block list bound for DoneListLen (spec §4.F: L = 16).
const ListLenBound = 16

// State is one of open, done, finalized (spec §3 "Block").
type State int

const (
	StateOpen State = iota
	StateDone
	StateFinalized
)

// Block is a staging region collecting accumulated inputs for later
// finalization into one or more outputs. Payload is kernel-owned.
type Block struct {
	state      State
	outIndex   int64 // assigned once State != StateOpen; -1 until then
	createdSeq int64
	Payload    interface{}
}

// Client is the set of hooks a block-engine consumer supplies (spec §4.F).
type Client interface {
	ConsumerInit()
	ConsumerExit()
	Initialize(t *trace.Trace) *Block
	TraceInteresting(t *trace.Trace) bool
	TraceMatches(t *trace.Trace, b *Block) bool
	Accumulate(t *trace.Trace, b *Block)
	// Finalize populates traceOut from b. Returns 1 if more outputs remain
	// pending for the same block (the engine calls Finalize again for the
	// next output index), 0 when this was the last output.
	Finalize(traceOut *trace.Trace, b *Block) int
}

// Engine schedules calls into Client according to Criterion.
type Engine struct {
	label     string
	client    Client
	criterion Criterion

	mu          sync.Mutex
	cond        *sync.Cond
	nextIndex   uint64 // next input index to hand out
	seq         int64
	blocks      []*Block // in-flight + recently finalized, oldest first
	doneIndex   int64    // highest assigned output index that has become StateDone or finalized, -1 initially
	nextOutIdx  int64
	finished    bool // true once the producer has drained upstream and closed all open blocks
}

// New constructs a block-engine instance for client under criterion.
func New(label string, client Client, criterion Criterion) *Engine {
	e := &Engine{label: label, client: client, criterion: criterion, doneIndex: -1}
	e.cond = sync.NewCond(&e.mu)
	client.ConsumerInit()
	return e
}

// NextInputIndex hands out consecutive input indices to whichever worker
// calls Get next (spec §4.F "shared next_index counter").
func (e *Engine) NextInputIndex() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := e.nextIndex
	e.nextIndex++
	return i
}

// Ingest processes one input trace: drops uninteresting inputs, else finds
// a matching open block or creates one, accumulates, and applies the
// completion criterion.
func (e *Engine) Ingest(t *trace.Trace) {
	if !e.client.TraceInteresting(t) {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	var target *Block
	for _, b := range e.blocks {
		if b.state == StateOpen && e.client.TraceMatches(t, b) {
			target = b
			break
		}
	}
	if target == nil {
		target = e.client.Initialize(t)
		target.state = StateOpen
		target.outIndex = -1
		e.seq++
		target.createdSeq = e.seq
		e.blocks = append(e.blocks, target)
		if e.criterion == DoneSingular {
			e.closeLocked(target)
		}
	}
	e.client.Accumulate(t, target)

	if e.criterion == DoneListLen {
		openCount := 0
		var oldest *Block
		for _, b := range e.blocks {
			if b.state == StateOpen {
				openCount++
				if oldest == nil || b.createdSeq < oldest.createdSeq {
					oldest = b
				}
			}
		}
		if openCount >= ListLenBound && oldest != nil {
			e.closeLocked(oldest)
		}
	}
}

// closeLocked assigns the next output index and transitions b to done.
// Caller must hold e.mu.
func (e *Engine) closeLocked(b *Block) {
	b.state = StateDone
	b.outIndex = e.nextOutIdx
	e.nextOutIdx++
	e.cond.Broadcast()
}

// Get blocks until output index i has been assigned, then finalizes it
// into traceOut. If Finalize reports more outputs are pending for the same
// block, the block is re-assigned the next sequential output index so a
// later Get(traceOut, i+1) resumes it (spec §4.F: "the engine calls
// Finalize again for the next output index"). Returns errs.NotFound if the
// engine has permanently stopped producing before i was ever assigned.
func (e *Engine) Get(traceOut *trace.Trace, i int64) error {
	e.mu.Lock()
	var b *Block
	for {
		for _, cand := range e.blocks {
			if cand.state != StateOpen && cand.outIndex == i {
				b = cand
				break
			}
		}
		if b != nil {
			break
		}
		if e.finished {
			e.mu.Unlock()
			return errs.New(errs.NotFound, "block.Get", "output index never assigned")
		}
		e.cond.Wait()
	}
	e.mu.Unlock()

	more := e.client.Finalize(traceOut, b)
	if more != 0 && more != 1 {
		return errs.New(errs.Invalid, "block.Get", "Finalize must return 0 or 1")
	}

	e.mu.Lock()
	if more == 0 {
		b.state = StateFinalized
	} else {
		b.outIndex = e.nextOutIdx
		e.nextOutIdx++
		e.cond.Broadcast()
	}
	metrics.BlockOutputs.WithLabelValues(e.label).Inc()
	e.mu.Unlock()
	return nil
}

// CloseAllOpen forces every still-open block closed and marks the engine
// finished (used at end-of-stream so sort_along/reduce_along emit their
// final partial groups, and so a Get blocked on an index that will never
// be assigned can be woken with NotFound instead of hanging).
func (e *Engine) CloseAllOpen() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, b := range e.blocks {
		if b.state == StateOpen {
			e.closeLocked(b)
		}
	}
	e.finished = true
	e.cond.Broadcast()
}

// Exit tears down the client.
func (e *Engine) Exit() { e.client.ConsumerExit() }
