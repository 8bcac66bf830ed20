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
	"tracelab/internal/pipeline"
	"tracelab/internal/trace"
)

// Narrow emits a rectangular window: input i maps to input i+T0, samples
// [S0, S0+NS) (spec §4.E "narrow").
type Narrow struct {
	base
	T0, NT, S0, NS int
}

func (k *Narrow) Init(n *pipeline.Node) error {
	k.node = n
	s := n.Upstream().Shape()
	s.NumSamples = k.NS
	if k.NT > 0 {
		s.NumTraces = int64(k.NT)
	}
	n.SetShape(s)
	return nil
}

func (k *Narrow) Get(t *trace.Trace) error {
	up, err := getUpstream(k.node, t.Index+uint64(k.T0))
	if err != nil {
		return err
	}
	trace.CopyTitle(t, up)
	trace.CopyData(t, up)
	t.Samples = append([]float32(nil), up.Samples[k.S0:k.S0+k.NS]...)
	k.node.Upstream().Free(up)
	return nil
}
