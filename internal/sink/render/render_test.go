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

package render

import (
	"sync"
	"sync/atomic"
	"testing"

	"tracelab/internal/errs"
	"tracelab/internal/pipeline"
	"tracelab/internal/trace"
)

// countingBackend records every index read, safe for the concurrent worker
// pool Render drives.
type countingBackend struct {
	n int

	mu   sync.Mutex
	seen map[uint64]int
}

func (b *countingBackend) Read(t *trace.Trace) error {
	if t.Index >= uint64(b.n) {
		return errs.New(errs.NotFound, "countingBackend.Read", "index out of range")
	}
	b.mu.Lock()
	if b.seen == nil {
		b.seen = make(map[uint64]int)
	}
	b.seen[t.Index]++
	b.mu.Unlock()
	t.Title = []byte("t")
	t.Samples = []float32{float32(t.Index)}
	return nil
}
func (b *countingBackend) Write(t *trace.Trace) error { return nil }
func (b *countingBackend) Close() error               { return nil }

// TestRenderVisitsEveryIndexExactlyOnce drives a pool of workers over a
// fixed-size source and checks every index 0..n-1 was read exactly once,
// regardless of worker count (spec §4.H "Render").
func TestRenderVisitsEveryIndexExactlyOnce(t *testing.T) {
	const n = 200
	ctrl := pipeline.NewController()
	be := &countingBackend{n: n}
	src := ctrl.NewSource(be, pipeline.Shape{
		NumSamples: 1, Encoding: trace.EncodingFloat32, YScale: 1, NumTraces: n,
	})

	r := New(src, 8)
	if err := r.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	be.mu.Lock()
	defer be.mu.Unlock()
	if len(be.seen) != n {
		t.Fatalf("expected %d distinct indices visited, got %d", n, len(be.seen))
	}
	for i := 0; i < n; i++ {
		if be.seen[uint64(i)] != 1 {
			t.Fatalf("index %d visited %d times, want exactly 1", i, be.seen[uint64(i)])
		}
	}
}

// TestRenderSingleWorker exercises the nthreads<1 clamp and confirms a
// single-worker pool still drains the whole source.
func TestRenderSingleWorker(t *testing.T) {
	const n = 20
	ctrl := pipeline.NewController()
	be := &countingBackend{n: n}
	src := ctrl.NewSource(be, pipeline.Shape{
		NumSamples: 1, Encoding: trace.EncodingFloat32, YScale: 1, NumTraces: n,
	})

	r := New(src, 0)
	if r.nthreads != 1 {
		t.Fatalf("expected nthreads clamped to 1, got %d", r.nthreads)
	}
	if err := r.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	be.mu.Lock()
	defer be.mu.Unlock()
	if len(be.seen) != n {
		t.Fatalf("expected %d distinct indices visited, got %d", n, len(be.seen))
	}
}

// TestRenderPropagatesBackendError surfaces any non-NotFound backend error
// as Run's return value.
func TestRenderPropagatesBackendError(t *testing.T) {
	var calls int64
	ctrl := pipeline.NewController()
	src := ctrl.NewSource(failingBackend{calls: &calls}, pipeline.Shape{
		NumSamples: 1, Encoding: trace.EncodingFloat32, YScale: 1, NumTraces: pipeline.NumTracesUnknown,
	})

	r := New(src, 4)
	if err := r.Run(); err == nil || errs.Is(err, errs.NotFound) {
		t.Fatalf("expected a non-NotFound error, got %v", err)
	}
}

type failingBackend struct {
	calls *int64
}

func (b failingBackend) Read(t *trace.Trace) error {
	atomic.AddInt64(b.calls, 1)
	return errs.New(errs.Invalid, "failingBackend.Read", "always fails")
}
func (b failingBackend) Write(t *trace.Trace) error { return nil }
func (b failingBackend) Close() error               { return nil }
