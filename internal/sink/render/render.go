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

// Package render implements the render sink driver (spec §4.H): a
// fixed-size worker pool that pulls a node dry by repeatedly calling
// trace_get/trace_free, purely to exercise side effects (cache warming,
// side-bus pushes, save commits) downstream.
package render

import (
	"sync"

	"tracelab/internal/errs"
	"tracelab/internal/pipeline"
)

// shutdownIndex is a sentinel index a worker treats as "exit" (spec §4.H
// "clean shutdown"). Run itself never sends it: it stops the workers by
// closing their signal channels.
const shutdownIndex = -1

// Render drives a pipeline.Node to completion with nthreads workers: a
// dispatcher thread holds the monotonically increasing next index to hand
// out, workers block on their own signal channel, and a shared
// done-semaphore (freeWorkers) tells the dispatcher which worker to wake
// next (spec §4.H "Render").
type Render struct {
	node     *pipeline.Node
	nthreads int
}

// New builds a render sink bound to n with the configured worker count.
func New(n *pipeline.Node, nthreads int) *Render {
	if nthreads < 1 {
		nthreads = 1
	}
	return &Render{node: n, nthreads: nthreads}
}

// Run dispatches sequential indices to the worker pool until the node
// reports errs.NotFound (end of stream), then shuts every worker down
// cleanly and joins them. Returns the first non-NotFound error seen, if any.
func (r *Render) Run() error {
	signals := make([]chan int64, r.nthreads)
	freeWorkers := make(chan int, r.nthreads)
	var wg sync.WaitGroup
	var errMu sync.Mutex
	var firstErr error
	var eof bool

	recordErr := func(err error) {
		errMu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		errMu.Unlock()
	}
	recordEOF := func() {
		errMu.Lock()
		eof = true
		errMu.Unlock()
	}

	for i := 0; i < r.nthreads; i++ {
		signals[i] = make(chan int64)
		wg.Add(1)
		go func(id int, sig chan int64) {
			defer wg.Done()
			for idx := range sig {
				if idx == shutdownIndex {
					return
				}
				t, err := r.node.Get(uint64(idx))
				switch {
				case err == nil:
					r.node.Free(t)
				case errs.Is(err, errs.NotFound):
					recordEOF()
				default:
					recordErr(err)
				}
				freeWorkers <- id
			}
		}(i, signals[i])
		freeWorkers <- i // every worker starts idle
	}

	var currIndex uint64
	for {
		id := <-freeWorkers
		errMu.Lock()
		done := firstErr != nil || eof
		errMu.Unlock()
		if done {
			break
		}
		signals[id] <- int64(currIndex)
		currIndex++
	}

	for _, sig := range signals {
		close(sig)
	}
	wg.Wait()

	errMu.Lock()
	defer errMu.Unlock()
	return firstErr
}
