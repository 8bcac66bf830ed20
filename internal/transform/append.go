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
	"tracelab/internal/errs"
	"tracelab/internal/pipeline"
	"tracelab/internal/trace"
)

// Append concatenates a second trace set after the first, requiring
// matching shape (spec §4.E "append"). Unlike the single-upstream
// kernels, Append needs two node references; Other is wired at
// construction time since pipeline.Controller.NewDerived only attaches a
// single upstream.
type Append struct {
	base
	Other *pipeline.Node
}

func (k *Append) Init(n *pipeline.Node) error {
	k.node = n
	up := n.Upstream()
	s := up.Shape()
	other := k.Other.Shape()
	if s.NumSamples != other.NumSamples || s.TitleSize != other.TitleSize || s.DataSize != other.DataSize {
		return errs.New(errs.Invalid, "transform.Append.Init", "shape mismatch between appended trace sets")
	}
	if s.NumTraces != pipeline.NumTracesUnknown && other.NumTraces != pipeline.NumTracesUnknown {
		s.NumTraces += other.NumTraces
	} else {
		s.NumTraces = pipeline.NumTracesUnknown
	}
	n.SetShape(s)
	return nil
}

func (k *Append) Get(t *trace.Trace) error {
	up := k.node.Upstream()
	firstCount := up.Shape().NumTraces
	if firstCount != pipeline.NumTracesUnknown && t.Index >= uint64(firstCount) {
		other, err := k.Other.Get(t.Index - uint64(firstCount))
		if err != nil {
			return err
		}
		trace.Passthrough(t, other)
		k.Other.Free(other)
		return nil
	}
	src, err := up.Get(t.Index)
	if err == nil {
		trace.Passthrough(t, src)
		up.Free(src)
		return nil
	}
	if !errs.Is(err, errs.NotFound) {
		return err
	}
	if firstCount == pipeline.NumTracesUnknown {
		// First NotFound pins the first set's length: every index below
		// t.Index resolved upstream, so the boundary is t.Index itself.
		up.FinalizeCount(int64(t.Index))
		firstCount = int64(t.Index)
	}
	other, oerr := k.Other.Get(t.Index - uint64(firstCount))
	if oerr != nil {
		return oerr
	}
	trace.Passthrough(t, other)
	k.Other.Free(other)
	return nil
}
