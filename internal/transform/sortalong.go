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
	"sort"

	"tracelab/internal/block"
	"tracelab/internal/pipeline"
	"tracelab/internal/trace"
)

// sortBucket accumulates every group member, ordered lazily at Finalize
// time (spec §4.E "sort_along").
type sortBucket struct {
	key     alongKey
	members []*trace.Trace
	scores  []float64
	sorted  bool
	cursor  int
}

type sortClient struct {
	filter Filter
	param  int
	stat   Summary
}

func (c *sortClient) ConsumerInit() {}
func (c *sortClient) ConsumerExit() {}

func (c *sortClient) Initialize(t *trace.Trace) *block.Block {
	return &block.Block{Payload: &sortBucket{key: keyFor(t, c.filter, c.param)}}
}

func (c *sortClient) TraceInteresting(t *trace.Trace) bool { return !t.Empty() }

func (c *sortClient) TraceMatches(t *trace.Trace, b *block.Block) bool {
	return b.Payload.(*sortBucket).key.equal(keyFor(t, c.filter, c.param))
}

func (c *sortClient) Accumulate(t *trace.Trace, b *block.Block) {
	bucket := b.Payload.(*sortBucket)
	bucket.members = append(bucket.members, t.Clone())
	bucket.scores = append(bucket.scores, traceScalar(t, c.stat))
}

func (c *sortClient) Finalize(out *trace.Trace, b *block.Block) int {
	bucket := b.Payload.(*sortBucket)
	if !bucket.sorted {
		idx := make([]int, len(bucket.members))
		for i := range idx {
			idx[i] = i
		}
		sort.Slice(idx, func(i, j int) bool { return bucket.scores[idx[i]] < bucket.scores[idx[j]] })
		members := make([]*trace.Trace, len(idx))
		for i, j := range idx {
			members[i] = bucket.members[j]
		}
		bucket.members = members
		bucket.sorted = true
	}

	trace.Passthrough(out, bucket.members[bucket.cursor])
	bucket.cursor++
	if bucket.cursor >= len(bucket.members) {
		return 0
	}
	return 1
}

// SortAlong is sort_along(stat, filter, param) (spec §4.E): emits every
// group member, one call per member, in ascending order of traceScalar.
type SortAlong struct {
	base
	Along Filter
	Param int
	Stat  Summary

	pump pumpState
	eng  *block.Engine
}

func (k *SortAlong) Init(n *pipeline.Node) error {
	k.node = n
	s := n.Upstream().Shape()
	s.NumTraces = pipeline.NumTracesUnknown
	n.SetShape(s)
	k.eng = block.New("sort_along", &sortClient{filter: k.Along, param: k.Param, stat: k.Stat}, block.DoneListLen)
	return nil
}

func (k *SortAlong) Get(t *trace.Trace) error {
	k.pump.start(func() error { return pumpUpstream(k.node.Upstream(), k.eng) })
	if err := k.eng.Get(t, int64(t.Index)); err != nil {
		if perr := k.pump.Err(); perr != nil {
			return perr
		}
		return err
	}
	return nil
}
