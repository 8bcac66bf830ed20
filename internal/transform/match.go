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

	"tracelab/internal/patternmatch"
	"tracelab/internal/pipeline"
	"tracelab/internal/sidebus"
	"tracelab/internal/trace"
)

// Match is tfm_match (spec §4.E): sliding Pearson of each trace against a
// fixed reference pattern, emitting the Pearson curve as the output
// trace's samples and publishing local-maximum positions on
// sidebus.PortExtractPatternDebug for a waiter to inspect (spec §4.K
// "Match search").
type Match struct {
	base
	PatternNode  *pipeline.Node
	PatternIndex uint64
	First, Last  int
	AvgLen       float64
	MaxDev       int
	Confidence   float64
	Matcher      patternmatch.Matcher

	once       sync.Once
	pattern    []float32
	patternErr error
}

func (k *Match) Init(n *pipeline.Node) error {
	k.node = n
	if k.Matcher == nil {
		k.Matcher = patternmatch.PureGo{}
	}
	s := n.Upstream().Shape()
	s.NumSamples = 0 // left 0: Get sizes each output's samples to its Pearson curve; the shape is not updated
	n.SetShape(s)
	return nil
}

func (k *Match) loadPattern() {
	pn := k.PatternNode
	if pn == nil {
		pn = k.node.Upstream()
	}
	pt, err := pn.Get(k.PatternIndex)
	if err != nil {
		k.patternErr = err
		return
	}
	k.pattern = append([]float32(nil), pt.Samples[k.First:k.Last]...)
	pn.Free(pt)
}

func (k *Match) Get(t *trace.Trace) error {
	k.once.Do(k.loadPattern)
	if k.patternErr != nil {
		return k.patternErr
	}

	up, err := getUpstream(k.node, t.Index)
	if err != nil {
		return err
	}
	defer k.node.Upstream().Free(up)

	vec, err := k.Matcher.PearsonVector(up.Samples, k.pattern)
	if err != nil {
		return err
	}

	trace.CopyTitle(t, up)
	trace.CopyData(t, up)
	t.Samples = make([]float32, len(vec))
	for i, v := range vec {
		t.Samples[i] = float32(v)
	}

	if bus := k.node.Bus(); bus != nil {
		cfg := patternmatch.Config{AvgLen: k.AvgLen, MaxDev: k.MaxDev, Confidence: k.Confidence}
		for _, pos := range patternmatch.ConfidentMatches(vec, cfg) {
			bus.Push(sidebus.PortExtractPatternDebug, t.Index, nil, nil, []float32{float32(pos)})
		}
	}
	return nil
}
