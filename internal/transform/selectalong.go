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

// traceScalar reduces one trace's own samples to a scalar under Summary,
// shared by select_along (pick the extreme trace) and sort_along (order
// traces by it).
func traceScalar(t *trace.Trace, stat Summary) float64 {
	acc := stats.NewSingle(stats.CapAll)
	for _, s := range t.Samples {
		acc.Update(float64(s))
	}
	switch stat {
	case SummaryDev:
		return acc.Dev()
	case SummaryMin:
		return acc.Min()
	case SummaryMax:
		return acc.Max()
	default:
		return acc.Mean()
	}
}

// selectBucket tracks the best trace seen so far for one group.
type selectBucket struct {
	key       alongKey
	bestScore float64
	best      *trace.Trace
}

// selectClient implements block.Client for select_along: each group
// retains only the member trace with the largest traceScalar value (spec
// §4.E "select_along").
type selectClient struct {
	filter Filter
	param  int
	stat   Summary
}

func (c *selectClient) ConsumerInit() {}
func (c *selectClient) ConsumerExit() {}

func (c *selectClient) Initialize(t *trace.Trace) *block.Block {
	return &block.Block{Payload: &selectBucket{key: keyFor(t, c.filter, c.param), bestScore: traceScalar(t, c.stat) - 1}}
}

func (c *selectClient) TraceInteresting(t *trace.Trace) bool { return !t.Empty() }

func (c *selectClient) TraceMatches(t *trace.Trace, b *block.Block) bool {
	return b.Payload.(*selectBucket).key.equal(keyFor(t, c.filter, c.param))
}

func (c *selectClient) Accumulate(t *trace.Trace, b *block.Block) {
	bucket := b.Payload.(*selectBucket)
	score := traceScalar(t, c.stat)
	if bucket.best == nil || score > bucket.bestScore {
		bucket.bestScore = score
		bucket.best = t.Clone()
	}
}

func (c *selectClient) Finalize(out *trace.Trace, b *block.Block) int {
	bucket := b.Payload.(*selectBucket)
	trace.Passthrough(out, bucket.best)
	return 0
}

// SelectAlong is select_along(stat, filter, param) (spec §4.E): one output
// trace per group, the member achieving the extreme (largest) value of the
// configured scalar summary.
type SelectAlong struct {
	base
	Along Filter
	Param int
	Stat  Summary

	pump pumpState
	eng  *block.Engine
}

func (k *SelectAlong) Init(n *pipeline.Node) error {
	k.node = n
	s := n.Upstream().Shape()
	s.NumTraces = pipeline.NumTracesUnknown
	n.SetShape(s)
	k.eng = block.New("select_along", &selectClient{filter: k.Along, param: k.Param, stat: k.Stat}, block.DoneListLen)
	return nil
}

func (k *SelectAlong) Get(t *trace.Trace) error {
	k.pump.start(func() error { return pumpUpstream(k.node.Upstream(), k.eng) })
	if err := k.eng.Get(t, int64(t.Index)); err != nil {
		if perr := k.pump.Err(); perr != nil {
			return perr
		}
		return err
	}
	return nil
}
