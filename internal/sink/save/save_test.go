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

package save

import (
	"sync"
	"testing"
	"time"

	"tracelab/internal/errs"
	"tracelab/internal/pipeline"
	"tracelab/internal/trace"
)

// fakeUpstream is an in-memory pipeline.Backend over a fixed trace slice.
type fakeUpstream struct {
	traces []*trace.Trace
}

func (b *fakeUpstream) Read(t *trace.Trace) error {
	if t.Index >= uint64(len(b.traces)) {
		return errs.New(errs.NotFound, "fakeUpstream.Read", "index out of range")
	}
	trace.Passthrough(t, b.traces[t.Index])
	return nil
}
func (b *fakeUpstream) Write(t *trace.Trace) error { return nil }
func (b *fakeUpstream) Close() error               { return nil }

// fakeWriter records every trace written to it, in whatever order its
// concurrent callers arrive, guarded by a mutex.
type fakeWriter struct {
	mu      sync.Mutex
	written []*trace.Trace
	closed  bool
}

func (b *fakeWriter) Read(t *trace.Trace) error { return nil }
func (b *fakeWriter) Write(t *trace.Trace) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.written = append(b.written, t.Clone())
	return nil
}
func (b *fakeWriter) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func floatTrace(idx uint64, title, data []byte, samples []float32) *trace.Trace {
	return &trace.Trace{Index: idx, Title: title, Data: data, Samples: samples}
}

// TestSaveOrdersOutOfOrderWorkersSequentially exercises P4: any number of
// concurrent workers pulling the save node must still produce consecutive
// output indices 0..n in the file, regardless of the order they happened
// to claim and fill upstream indices in.
func TestSaveOrdersOutOfOrderWorkersSequentially(t *testing.T) {
	const n = 50
	upTraces := make([]*trace.Trace, n)
	for i := range upTraces {
		upTraces[i] = floatTrace(uint64(i), nil, nil, []float32{float32(i)})
	}

	ctrl := pipeline.NewController()
	srcNode := ctrl.NewSource(&fakeUpstream{traces: upTraces}, pipeline.Shape{
		NumSamples: 1, Encoding: trace.EncodingFloat32, YScale: 1, NumTraces: n,
	})

	writer := &fakeWriter{}
	sv := &Save{Backend: writer}
	dn, err := ctrl.NewDerived(srcNode, sv)
	if err != nil {
		t.Fatalf("NewDerived: %v", err)
	}

	const nworkers = 8
	var wg sync.WaitGroup
	for w := 0; w < nworkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				tr, err := dn.Get(0)
				if err != nil {
					return
				}
				dn.Free(tr)
			}
		}()
	}
	wg.Wait()

	deadline := time.After(time.Second)
	for {
		if count, done := sv.Count(); done {
			if count != n {
				t.Fatalf("expected frozen count %d, got %d", n, count)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for sentinel to commit")
		case <-time.After(time.Millisecond):
		}
	}

	if err := dn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	writer.mu.Lock()
	defer writer.mu.Unlock()
	if len(writer.written) != n {
		t.Fatalf("expected %d written records, got %d", n, len(writer.written))
	}
	for i, rec := range writer.written {
		if rec.Index != uint64(i) {
			t.Fatalf("record %d has output index %d, want consecutive %d", i, rec.Index, i)
		}
		if rec.Samples[0] != float32(i) {
			t.Fatalf("record %d carries sample %v, want upstream value %d (writer must preserve upstream order)", i, rec.Samples, i)
		}
	}
}

// TestSaveSkipsAbsentSamples mirrors spec scenario 5: an upstream with 2 of
// 5 indices carrying nil samples (a "no-op record", spec §3) must land in a
// saved file with exactly 3 records and no index gaps.
func TestSaveSkipsAbsentSamples(t *testing.T) {
	upTraces := []*trace.Trace{
		floatTrace(0, []byte("t0"), nil, []float32{1}),
		floatTrace(1, []byte("t1"), nil, nil), // dropped: no samples
		floatTrace(2, []byte("t2"), nil, []float32{2}),
		floatTrace(3, []byte("t3"), nil, nil), // dropped: no samples
		floatTrace(4, []byte("t4"), nil, []float32{3}),
	}

	ctrl := pipeline.NewController()
	srcNode := ctrl.NewSource(&fakeUpstream{traces: upTraces}, pipeline.Shape{
		TitleSize: 2, NumSamples: 1, Encoding: trace.EncodingFloat32, YScale: 1, NumTraces: 5,
	})

	writer := &fakeWriter{}
	sv := &Save{Backend: writer}
	dn, err := ctrl.NewDerived(srcNode, sv)
	if err != nil {
		t.Fatalf("NewDerived: %v", err)
	}

	for {
		if _, err := dn.Get(0); err != nil {
			break
		}
	}

	deadline := time.After(time.Second)
	for {
		if count, done := sv.Count(); done {
			if count != 3 {
				t.Fatalf("expected frozen count 3 after dropping 2 no-op records, got %d", count)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for sentinel to commit")
		case <-time.After(time.Millisecond):
		}
	}
	if err := dn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	writer.mu.Lock()
	defer writer.mu.Unlock()
	if len(writer.written) != 3 {
		t.Fatalf("expected 3 written records, got %d", len(writer.written))
	}
	wantSamples := []float32{1, 2, 3}
	for i, rec := range writer.written {
		if rec.Index != uint64(i) {
			t.Fatalf("record %d has output index %d, want %d", i, rec.Index, i)
		}
		if rec.Samples[0] != wantSamples[i] {
			t.Fatalf("record %d: got samples %v, want %v", i, rec.Samples, wantSamples[i])
		}
	}
}
