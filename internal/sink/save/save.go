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

// Package save implements the save sink driver (spec §4.I): a commit
// queue ordered by the upstream index a worker was assigned, drained by a
// dedicated commit thread into sequentially numbered backend records, with
// a sentinel barrier that freezes the output count once the upstream runs
// dry.
package save

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"

	"tracelab/internal/errs"
	"tracelab/internal/pipeline"
	"tracelab/internal/sidebus"
	"tracelab/internal/telemetry/metrics"
	"tracelab/internal/trace"
)

// commitTick is how often the commit thread wakes to drain a ready prefix
// (spec §4.I "the commit thread sleeps briefly (~1 ms)").
const commitTick = time.Millisecond

// entry is one (prev_index, maybe_trace) slot in the commit queue. sentinel
// entries carry no trace and mark end-of-stream at that prev_index; skip
// entries carry no trace either but mark an upstream index whose samples
// were absent (spec §3 "no-op record") and which therefore consumes no
// output index at all.
type entry struct {
	prevIndex int64
	trace     *trace.Trace
	sentinel  bool
	skip      bool
}

// entryHeap is a min-heap over entry.prevIndex, giving the commit thread
// O(log n) access to the lowest not-yet-written slot.
type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].prevIndex < h[j].prevIndex }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x interface{}) { *h = append(*h, x.(*entry)) }
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Save is the save(path) kernel (spec §4.I): every Get call claims the
// next prev_index from a shared counter, reads the upstream trace at that
// index, and inserts it into the commit queue; a background commit thread
// writes the longest ready prefix to Backend in order.
type Save struct {
	node    *pipeline.Node
	Backend pipeline.Backend

	nextPrev int64 // atomic: next upstream index to hand a caller

	mu          sync.Mutex
	queue       entryHeap
	nextWrite   int64
	written     int64
	sentinel    bool
	frozenCount int64
	writeErr    error

	done chan struct{} // closed once the sentinel barrier is committed
	stop chan struct{}
	wg   sync.WaitGroup
}

// Init starts the commit thread (spec §4.I "Writer").
func (k *Save) Init(n *pipeline.Node) error {
	k.node = n
	s := n.Upstream().Shape()
	n.SetShape(s)
	k.done = make(chan struct{})
	k.stop = make(chan struct{})
	k.wg.Add(1)
	go k.commitLoop()
	return nil
}

func (k *Save) InitWaiter(n *pipeline.Node, port sidebus.Port) error { return nil }

func (k *Save) TraceSize(n *pipeline.Node) int {
	return n.TitleSize() + n.DataSize() + n.NumSamples()*4
}

func (k *Save) Free(t *trace.Trace) {}

// Get claims the next upstream index, reads it, and enqueues it for the
// commit thread. The returned trace passes the upstream record through
// unchanged so a render sink driving this node sees normal Get semantics.
func (k *Save) Get(t *trace.Trace) error {
	idx := atomic.AddInt64(&k.nextPrev, 1) - 1

	up := k.node.Upstream()
	src, err := up.Get(uint64(idx))
	if err != nil {
		if errs.Is(err, errs.NotFound) {
			// Every index beyond the true upstream length reports NotFound,
			// and several may be claimed concurrently by the worker pool
			// before any of them observes it; each still pushes its own
			// sentinel entry so the one at the true boundary index is
			// present once the commit thread's nextWrite reaches it.
			k.mu.Lock()
			heap.Push(&k.queue, &entry{prevIndex: idx, sentinel: true})
			k.mu.Unlock()
		}
		return err
	}

	k.mu.Lock()
	if src.Samples == nil {
		// No samples at this index means "not present in the output" (spec
		// §3): the commit thread advances past it without writing a record
		// or consuming an output index, per the save-sentinel scenario.
		heap.Push(&k.queue, &entry{prevIndex: idx, skip: true})
	} else {
		heap.Push(&k.queue, &entry{prevIndex: idx, trace: src.Clone()})
	}
	k.mu.Unlock()

	trace.Passthrough(t, src)
	up.Free(src)
	return nil
}

// commitLoop is the dedicated commit thread (spec §4.I "Writer").
func (k *Save) commitLoop() {
	defer k.wg.Done()
	ticker := time.NewTicker(commitTick)
	defer ticker.Stop()

	for {
		select {
		case <-k.stop:
			return
		case <-ticker.C:
			if k.drainReady() {
				return
			}
		}
	}
}

// drainReady writes the longest contiguous ready prefix of the queue and
// reports whether the sentinel barrier was just committed.
func (k *Save) drainReady() bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	for len(k.queue) > 0 && k.queue[0].prevIndex == k.nextWrite {
		top := k.queue[0]
		if top.sentinel {
			heap.Pop(&k.queue)
			k.sentinel = true
			k.frozenCount = k.written
			close(k.done)
			return true
		}
		if top.skip {
			heap.Pop(&k.queue)
			k.nextWrite++
			continue
		}
		if top.trace == nil {
			break // claimed but not yet filled in
		}
		heap.Pop(&k.queue)
		out := top.trace
		out.Index = uint64(k.written)
		if err := k.Backend.Write(out); err != nil {
			k.writeErr = err
			k.sentinel = true
			k.frozenCount = k.written
			close(k.done)
			return true
		}
		metrics.SaveWritten.WithLabelValues(k.label()).Inc()
		k.written++
		k.nextWrite++
	}
	return false
}

func (k *Save) label() string {
	return "save-" + itoa64(k.node.ID())
}

func itoa64(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// Count returns the frozen output trace count once the sentinel has been
// committed, else the current provisional count and false (spec §4.I
// "any later worker that discovers the sentinel... returns the provisional
// trace count").
func (k *Save) Count() (int64, bool) {
	select {
	case <-k.done:
		k.mu.Lock()
		defer k.mu.Unlock()
		return k.frozenCount, true
	default:
		k.mu.Lock()
		defer k.mu.Unlock()
		return k.written, false
	}
}

// Exit stops the commit thread and closes the backend (spec §5
// "Cancellation": commit thread flagged then joined).
func (k *Save) Exit(n *pipeline.Node) error {
	select {
	case <-k.done:
	default:
		close(k.stop)
	}
	k.wg.Wait()
	k.mu.Lock()
	werr := k.writeErr
	k.mu.Unlock()
	if cerr := k.Backend.Close(); cerr != nil {
		return cerr
	}
	return werr
}
