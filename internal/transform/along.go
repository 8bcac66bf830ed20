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

package transform

import (
	"sync"

	"tracelab/internal/block"
	"tracelab/internal/errs"
	"tracelab/internal/trace"
)

// Filter selects how reduce_along/select_along/sort_along group inputs
// into blocks (spec §4.E).
type Filter int

const (
	AlongNum Filter = iota
	AlongData
)

// Summary selects the per-group statistic reduce_along/select_along
// report (spec §4.E).
type Summary int

const (
	SummaryMean Summary = iota
	SummaryDev
	SummaryMin
	SummaryMax
)

// alongKey identifies the group a trace belongs to under Filter.
type alongKey struct {
	filter Filter
	num    int64
	data   string
}

func keyFor(t *trace.Trace, filter Filter, param int) alongKey {
	if filter == AlongNum {
		n := param
		if n <= 0 {
			n = 1
		}
		return alongKey{filter: filter, num: int64(t.Index) / int64(n)}
	}
	return alongKey{filter: filter, data: string(t.Data)}
}

func (a alongKey) equal(b alongKey) bool {
	if a.filter != b.filter {
		return false
	}
	if a.filter == AlongNum {
		return a.num == b.num
	}
	return a.data == b.data
}

// pumpUpstream sequentially pulls every upstream trace through
// NextInputIndex()/Ingest() until end-of-stream, then closes any
// still-open blocks (spec §4.F: a dedicated worker drives Ingest while Get
// calls block on the completion condition). Callers run it once per kernel
// through pumpState.start; returns the first non-NotFound upstream error,
// if any.
func pumpUpstream(up upstreamGetter, eng *block.Engine) error {
	var retErr error
	for {
		i := eng.NextInputIndex()
		t, err := up.Get(i)
		if err != nil {
			if !errs.Is(err, errs.NotFound) {
				retErr = err
			}
			break
		}
		eng.Ingest(t)
		up.Free(t)
	}
	eng.CloseAllOpen()
	return retErr
}

// upstreamGetter is the subset of *pipeline.Node the along-family kernels
// need from their upstream.
type upstreamGetter interface {
	Get(index uint64) (*trace.Trace, error)
	Free(t *trace.Trace)
}

// pumpState runs a producer function exactly once in a background
// goroutine, so Engine.Get's blocking wait overlaps with ingestion instead
// of forcing the caller to wait for the whole upstream to drain before the
// first output.
type pumpState struct {
	mu      sync.Mutex
	started bool
	err     error
}

func (p *pumpState) start(fn func() error) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	go func() {
		err := fn()
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
	}()
}

func (p *pumpState) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}
