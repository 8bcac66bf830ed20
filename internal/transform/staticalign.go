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
	"math"
	"sync"

	"tracelab/internal/errs"
	"tracelab/internal/pipeline"
	"tracelab/internal/stats"
	"tracelab/internal/trace"
)

// StaticAlign finds a single integer shift d in [-MaxShift, MaxShift] that
// maximizes absolute Pearson between a window of each trace and the same
// window of a fixed reference trace, emitting a circularly-shifted copy
// when the peak confidence clears Confidence, else an empty trace (spec
// §4.E "static_align").
type StaticAlign struct {
	base
	RefTrace     uint64
	Lower, Upper int
	Confidence   float64
	MaxShift     int

	once   sync.Once
	ref    []float32
	refErr error
}

func (k *StaticAlign) Init(n *pipeline.Node) error {
	k.node = n
	n.SetShape(n.Upstream().Shape())
	return nil
}

func (k *StaticAlign) loadRef() {
	up := k.node.Upstream()
	rt, err := up.Get(k.RefTrace)
	if err != nil {
		k.refErr = err
		return
	}
	k.ref = append([]float32(nil), rt.Samples[k.Lower:k.Upper]...)
	up.Free(rt)
}

func (k *StaticAlign) Get(t *trace.Trace) error {
	k.once.Do(k.loadRef)
	if k.refErr != nil {
		return k.refErr
	}

	up, err := getUpstream(k.node, t.Index)
	if err != nil {
		return err
	}
	defer k.node.Upstream().Free(up)

	bestShift := 0
	bestAbs := -1.0
	for d := -k.MaxShift; d <= k.MaxShift; d++ {
		r, err := shiftedWindow(up.Samples, k.Lower, k.Upper, d)
		if err != nil {
			continue
		}
		p := pearson(r, k.ref)
		if a := math.Abs(p); a > bestAbs {
			bestAbs = a
			bestShift = d
		}
	}

	if bestAbs < k.Confidence {
		t.Title, t.Data, t.Samples = nil, nil, nil
		return nil
	}

	trace.CopyTitle(t, up)
	trace.CopyData(t, up)
	// bestShift is how far the reference pattern has drifted forward in
	// up.Samples relative to the reference window; undo the drift by
	// shifting the trace back by the same amount.
	t.Samples = circularShift(up.Samples, -bestShift)
	return nil
}

// shiftedWindow returns samples[lower+d : upper+d], erroring if it runs
// outside the trace bounds.
func shiftedWindow(samples []float32, lower, upper, d int) ([]float32, error) {
	lo, hi := lower+d, upper+d
	if lo < 0 || hi > len(samples) {
		return nil, errs.New(errs.Invalid, "transform.shiftedWindow", "window out of bounds")
	}
	return samples[lo:hi], nil
}

func circularShift(samples []float32, d int) []float32 {
	n := len(samples)
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		src := ((i-d)%n + n) % n
		out[i] = samples[src]
	}
	return out
}

// pearson computes the Pearson correlation coefficient between two equal-length
// vectors using the array accumulator's dual-stream machinery one pair at a
// time (spec §4.C DualArray, specialized to width 1x1).
func pearson(a, b []float32) float64 {
	da := stats.NewDualArray(stats.CapPearson, 1, 1)
	x0 := make([]float64, 1)
	x1 := make([]float64, 1)
	for i := range a {
		x0[0] = float64(a[i])
		x1[0] = float64(b[i])
		da.Update(x0, x1)
	}
	return da.Pearson()[0]
}
