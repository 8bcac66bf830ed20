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
	"bytes"

	"tracelab/internal/pipeline"
	"tracelab/internal/trace"
)

var (
	tvlaFixedPrefix  = []byte("TVLA set Fixed")
	tvlaRandomPrefix = []byte("TVLA set Random")
)

// SplitTVLA emits samples iff the input title begins with the configured
// TVLA class marker, else title/data pass through with nil samples (spec
// §4.E "split_tvla").
type SplitTVLA struct {
	base
	Which bool // true: keep "Fixed" class, false: keep "Random" class
}

func (k *SplitTVLA) Init(n *pipeline.Node) error {
	k.node = n
	n.SetShape(n.Upstream().Shape())
	return nil
}

func (k *SplitTVLA) Get(t *trace.Trace) error {
	up, err := getUpstream(k.node, t.Index)
	if err != nil {
		return err
	}
	trace.CopyTitle(t, up)
	trace.CopyData(t, up)

	want := tvlaRandomPrefix
	if k.Which {
		want = tvlaFixedPrefix
	}
	if bytes.HasPrefix(up.Title, want) {
		trace.CopySamples(t, up)
	} else {
		t.Samples = nil
	}
	k.node.Upstream().Free(up)
	return nil
}
