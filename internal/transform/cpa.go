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
	"tracelab/internal/sidebus"
	"tracelab/internal/stats"
	"tracelab/internal/telemetry/metrics"
	"tracelab/internal/trace"
)

// progressEvery is how often cpaCore.compute publishes PORT_CPA_PROGRESS,
// per spec §4.E "cpa".
const progressEvery = 100000

// Model maps a trace's associated data and a key guess to a scalar power
// estimate; aes_intermediate and io_correlation supply concrete models.
type Model interface {
	Value(data []byte, guess int) float64
}

// cpaCore is the shared engine behind cpa, aes_intermediate, aes_knownkey
// and io_correlation: one guesses-wide DualArray accumulator over the
// whole upstream trace set (spec §4.E "cpa").
type cpaCore struct {
	model  Model
	k      int
	filter func(*trace.Trace) bool // optional; false drops a trace from the accumulator

	once sync.Once
	n    int
	mat  []float64 // N x K Pearson matrix, row-major
	err  error
}

func newCPACore(model Model, k int) *cpaCore {
	return &cpaCore{model: model, k: k}
}

func newFilteredCPACore(model Model, k int, filter func(*trace.Trace) bool) *cpaCore {
	return &cpaCore{model: model, k: k, filter: filter}
}

func (c *cpaCore) ensure(up *pipeline.Node, bus *sidebus.Bus) error {
	c.once.Do(func() { c.compute(up, bus) })
	return c.err
}

func (c *cpaCore) compute(up *pipeline.Node, bus *sidebus.Bus) {
	n := up.NumSamples()
	c.n = n
	da := stats.NewDualArray(stats.CapPearson, n, c.k)
	x0 := make([]float64, n)
	x1 := make([]float64, c.k)

	var count int64
	for i := uint64(0); ; i++ {
		t, err := up.Get(i)
		if err != nil {
			if errs.Is(err, errs.NotFound) {
				break
			}
			c.err = err
			return
		}
		if c.filter != nil && !c.filter(t) {
			up.Free(t)
			continue
		}
		for j, s := range t.Samples {
			x0[j] = float64(s)
		}
		for g := 0; g < c.k; g++ {
			x1[g] = c.model.Value(t.Data, g)
		}
		da.Update(x0, x1)
		up.Free(t)

		count++
		if count%progressEvery == 0 {
			metrics.CPAProgress.WithLabelValues(cpaLabel(up.ID())).Set(float64(count))
			if bus != nil {
				bus.Push(sidebus.PortCPAProgress, uint64(count), nil, nil, nil)
			}
		}
	}

	c.mat = da.Pearson()
	if bus != nil {
		for g := 0; g < c.k; g++ {
			bus.Push(sidebus.PortCPASplitPM, uint64(g), nil, nil, c.column(g))
		}
	}
}

func cpaLabel(nodeID uint64) string {
	var buf [20]byte
	i := len(buf)
	if nodeID == 0 {
		return "cpa-0"
	}
	for nodeID > 0 {
		i--
		buf[i] = byte('0' + nodeID%10)
		nodeID /= 10
	}
	return "cpa-" + string(buf[i:])
}

func (c *cpaCore) column(g int) []float32 {
	out := make([]float32, c.n)
	for j := 0; j < c.n; j++ {
		out[j] = float32(c.mat[j*c.k+g])
	}
	return out
}

// CPA is the generic cpa(model, K) kernel: one output trace per guess,
// each the Pearson curve of samples against the model evaluated at that
// guess (spec §4.E "cpa").
type CPA struct {
	base
	Model Model
	K     int

	core *cpaCore
}

func (k *CPA) Init(n *pipeline.Node) error {
	k.node = n
	s := n.Upstream().Shape()
	s.NumTraces = int64(k.K)
	n.SetShape(s)
	k.core = newCPACore(k.Model, k.K)
	return nil
}

func (k *CPA) Get(t *trace.Trace) error {
	up := k.node.Upstream()
	if err := k.core.ensure(up, k.node.Bus()); err != nil {
		return err
	}
	if int(t.Index) >= k.K {
		return errs.New(errs.NotFound, "transform.CPA.Get", "guess index out of range")
	}
	t.Samples = k.core.column(int(t.Index))
	return nil
}
