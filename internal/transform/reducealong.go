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
	"tracelab/internal/block"
	"tracelab/internal/pipeline"
	"tracelab/internal/stats"
	"tracelab/internal/trace"
)

// reduceBucket is one in-flight group's accumulator (spec §4.E "reduce_along").
type reduceBucket struct {
	key   alongKey
	title []byte
	data  []byte
	acc   *stats.SingleArray
}

// reduceClient implements block.Client, grouping by keyFor and reducing
// each group's samples to the configured Summary (spec §4.E).
type reduceClient struct {
	filter  Filter
	param   int
	stat    Summary
	samples int
}

func (c *reduceClient) ConsumerInit() {}
func (c *reduceClient) ConsumerExit() {}

func (c *reduceClient) Initialize(t *trace.Trace) *block.Block {
	return &block.Block{Payload: &reduceBucket{
		key:   keyFor(t, c.filter, c.param),
		title: append([]byte(nil), t.Title...),
		data:  append([]byte(nil), t.Data...),
		acc:   stats.NewSingleArray(stats.CapAll, c.samples),
	}}
}

func (c *reduceClient) TraceInteresting(t *trace.Trace) bool { return !t.Empty() }

func (c *reduceClient) TraceMatches(t *trace.Trace, b *block.Block) bool {
	return b.Payload.(*reduceBucket).key.equal(keyFor(t, c.filter, c.param))
}

func (c *reduceClient) Accumulate(t *trace.Trace, b *block.Block) {
	bucket := b.Payload.(*reduceBucket)
	x := make([]float64, len(t.Samples))
	for i, s := range t.Samples {
		x[i] = float64(s)
	}
	bucket.acc.Update(x)
}

func (c *reduceClient) Finalize(out *trace.Trace, b *block.Block) int {
	bucket := b.Payload.(*reduceBucket)
	out.Title = append([]byte(nil), bucket.title...)
	out.Data = append([]byte(nil), bucket.data...)

	var vec []float64
	switch c.stat {
	case SummaryMean:
		vec = bucket.acc.Mean()
	case SummaryDev:
		vec = bucket.acc.Dev()
	case SummaryMin:
		vec = bucket.acc.Min()
	case SummaryMax:
		vec = bucket.acc.Max()
	}
	out.Samples = make([]float32, len(vec))
	for i, v := range vec {
		out.Samples[i] = float32(v)
	}
	return 0
}

// ReduceAlong is reduce_along(stat, filter, param) (spec §4.E): one output
// trace per group, carrying the chosen per-sample summary statistic.
type ReduceAlong struct {
	base
	Along Filter
	Param int
	Stat  Summary

	pump pumpState
	eng  *block.Engine
}

func (k *ReduceAlong) Init(n *pipeline.Node) error {
	k.node = n
	s := n.Upstream().Shape()
	s.NumTraces = pipeline.NumTracesUnknown
	n.SetShape(s)
	k.eng = block.New("reduce_along", &reduceClient{filter: k.Along, param: k.Param, stat: k.Stat, samples: s.NumSamples}, block.DoneListLen)
	return nil
}

func (k *ReduceAlong) Get(t *trace.Trace) error {
	k.pump.start(func() error { return pumpUpstream(k.node.Upstream(), k.eng) })
	if err := k.eng.Get(t, int64(t.Index)); err != nil {
		if perr := k.pump.Err(); perr != nil {
			return perr
		}
		return err
	}
	return nil
}
