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

// Package transform implements the fixed-contract transformation kernels
// (spec §4.E): each is a self-contained init/get/free triple bound to a
// pipeline.Node via pipeline.Controller.NewDerived.
package transform

import (
	"tracelab/internal/errs"
	"tracelab/internal/pipeline"
	"tracelab/internal/sidebus"
	"tracelab/internal/trace"
)

// base gives every kernel the common no-op hooks (InitWaiter, Exit, Free,
// TraceSize) and a place to stash the node it was attached to, since
// pipeline.Kernel.Get/Free take no node parameter.
type base struct {
	node *pipeline.Node
}

func (b *base) InitWaiter(n *pipeline.Node, port sidebus.Port) error { return nil }
func (b *base) Exit(n *pipeline.Node) error                          { return nil }
func (b *base) Free(t *trace.Trace)                                  {}
func (b *base) TraceSize(n *pipeline.Node) int {
	return n.TitleSize() + n.DataSize() + n.NumSamples()*4
}

// getUpstream fetches upstream's trace at index (the caller frees it), propagating
// errs.NotFound unchanged (callers use this to detect end-of-stream).
func getUpstream(n *pipeline.Node, index uint64) (*trace.Trace, error) {
	up := n.Upstream()
	if up == nil {
		return nil, errs.New(errs.Invalid, "transform.getUpstream", "node has no upstream")
	}
	return up.Get(index)
}
