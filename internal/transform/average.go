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

	"tracelab/internal/errs"
	"tracelab/internal/pipeline"
	"tracelab/internal/stats"
	"tracelab/internal/trace"
)

// Average computes either the per-sample mean across the whole upstream
// trace set (PerSample=true) or one output sample per upstream trace, each
// the mean of that trace's own samples (spec §4.E "average"). Both
// variants emit a single output trace, so the whole upstream is consumed
// eagerly the first time Get is called.
type Average struct {
	base
	PerSample bool

	once   sync.Once
	result []float32
	err    error
}

func (k *Average) Init(n *pipeline.Node) error {
	k.node = n
	s := n.Upstream().Shape()
	out := s
	out.NumTraces = 1
	if k.PerSample {
		out.NumSamples = s.NumSamples
	}
	n.SetShape(out)
	return nil
}

func (k *Average) compute() {
	up := k.node.Upstream()
	if k.PerSample {
		acc := stats.NewSingleArray(stats.CapMean, up.NumSamples())
		x := make([]float64, up.NumSamples())
		for i := uint64(0); ; i++ {
			t, err := up.Get(i)
			if err != nil {
				if errs.Is(err, errs.NotFound) {
					break
				}
				k.err = err
				return
			}
			if t.Samples == nil {
				// No samples at this index means "not present in the
				// output" (spec §3); skip rather than re-accumulate the
				// previous trace's stale values.
				up.Free(t)
				continue
			}
			for j, s := range t.Samples {
				x[j] = float64(s)
			}
			acc.Update(x)
			up.Free(t)
		}
		mean := acc.Mean()
		out := make([]float32, len(mean))
		for i, m := range mean {
			out[i] = float32(m)
		}
		k.result = out
		return
	}

	var means []float32
	for i := uint64(0); ; i++ {
		t, err := up.Get(i)
		if err != nil {
			if errs.Is(err, errs.NotFound) {
				break
			}
			k.err = err
			return
		}
		if t.Samples == nil {
			up.Free(t)
			continue
		}
		acc := stats.NewSingle(stats.CapMean)
		for _, s := range t.Samples {
			acc.Update(float64(s))
		}
		means = append(means, float32(acc.Mean()))
		up.Free(t)
	}
	k.result = means
}

func (k *Average) Get(t *trace.Trace) error {
	k.once.Do(k.compute)
	if k.err != nil {
		return k.err
	}
	t.Samples = append([]float32(nil), k.result...)
	return nil
}
