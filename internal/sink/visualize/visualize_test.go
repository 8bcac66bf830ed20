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

package visualize

import (
	"os"
	"path/filepath"
	"testing"

	"tracelab/internal/errs"
	"tracelab/internal/pipeline"
	"tracelab/internal/trace"
)

// fakeBackend produces n traces of constant shape, then reports NotFound.
type fakeBackend struct{ n uint64 }

func (b *fakeBackend) Read(t *trace.Trace) error {
	if t.Index >= b.n {
		return errs.New(errs.NotFound, "fakeBackend.Read", "exhausted")
	}
	for i := range t.Samples {
		t.Samples[i] = float32(t.Index)
	}
	return nil
}

func (b *fakeBackend) Write(t *trace.Trace) error { return nil }
func (b *fakeBackend) Close() error                { return nil }

func newSourceNode(n uint64) *pipeline.Node {
	ctrl := pipeline.NewController()
	return ctrl.NewSource(&fakeBackend{n: n}, pipeline.Shape{
		NumSamples: 4,
		Encoding:   trace.EncodingFloat32,
		YScale:     1,
		NumTraces:  int64(n),
	})
}

func TestPositionMixedRadixDecode(t *testing.T) {
	cfg := Config{Rows: 2, Cols: 3, Plots: 2, Order: [3]Axis{AxisRow, AxisCol, AxisPlot}}
	seen := map[[3]int]bool{}
	for off := 0; off < cfg.batchSize(); off++ {
		r, c, p := cfg.position(off)
		if r < 0 || r >= cfg.Rows || c < 0 || c >= cfg.Cols || p < 0 || p >= cfg.Plots {
			t.Fatalf("offset %d decoded out of range: row=%d col=%d plot=%d", off, r, c, p)
		}
		key := [3]int{r, c, p}
		if seen[key] {
			t.Fatalf("offset %d collided with an earlier offset at row=%d col=%d plot=%d", off, r, c, p)
		}
		seen[key] = true
	}
	if len(seen) != cfg.batchSize() {
		t.Fatalf("expected every offset to map to a distinct cell, got %d of %d", len(seen), cfg.batchSize())
	}
}

func TestPositionOrderChangesFastestVaryingAxis(t *testing.T) {
	rowFirst := Config{Rows: 2, Cols: 2, Plots: 1, Order: [3]Axis{AxisRow, AxisCol, AxisPlot}}
	colFirst := Config{Rows: 2, Cols: 2, Plots: 1, Order: [3]Axis{AxisCol, AxisRow, AxisPlot}}

	r0, c0, _ := rowFirst.position(1)
	if r0 != 1 || c0 != 0 {
		t.Fatalf("expected row to vary fastest at offset 1, got row=%d col=%d", r0, c0)
	}
	r1, c1, _ := colFirst.position(1)
	if r1 != 0 || c1 != 1 {
		t.Fatalf("expected col to vary fastest at offset 1, got row=%d col=%d", r1, c1)
	}
}

func TestBatchSize(t *testing.T) {
	cfg := Config{Rows: 3, Cols: 4, Plots: 2}
	if got := cfg.batchSize(); got != 24 {
		t.Fatalf("batchSize: got %d, want 24", got)
	}
}

func TestRunRendersExactMultipleOfBatchSize(t *testing.T) {
	dir := t.TempDir()
	n := newSourceNode(4)
	cfg := Config{Rows: 2, Cols: 1, Plots: 1, Samples: 4,
		Order:    [3]Axis{AxisRow, AxisCol, AxisPlot},
		Filename: filepath.Join(dir, "out"),
	}
	v := New(n, cfg)
	if err := v.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, base := range []int{0, 1} {
		path := filepath.Join(dir, "out-"+itoa(base)+".html")
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("expected batch file %s to exist: %v", path, err)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "out-2.html")); err == nil {
		t.Fatal("expected exactly 2 batches, found a third")
	}
}

func TestRunFlushesTrailingPartialBatch(t *testing.T) {
	dir := t.TempDir()
	n := newSourceNode(3)
	cfg := Config{Rows: 2, Cols: 1, Plots: 1, Samples: 4,
		Order:    [3]Axis{AxisRow, AxisCol, AxisPlot},
		Filename: filepath.Join(dir, "out"),
	}
	v := New(n, cfg)
	if err := v.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "out-0.html")); err != nil {
		t.Fatalf("expected full batch file: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "out-1.html")); err != nil {
		t.Fatalf("expected trailing partial batch to still render: %v", err)
	}
}

func TestRunRejectsZeroBatchSize(t *testing.T) {
	n := newSourceNode(1)
	cfg := Config{Rows: 0, Cols: 1, Plots: 1}
	v := New(n, cfg)
	if err := v.Run(); err == nil {
		t.Fatal("expected an error when rows*cols*plots is not positive")
	}
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [20]byte
	p := len(buf)
	for i > 0 {
		p--
		buf[p] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		p--
		buf[p] = '-'
	}
	return string(buf[p:])
}
