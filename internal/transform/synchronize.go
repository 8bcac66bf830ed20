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
	"tracelab/internal/sync2"
	"tracelab/internal/trace"
)

// Synchronize is the synchronize(max_distance) pass-through kernel (spec
// §4.J): it bounds how far concurrent worker-pool callers may spread across
// upstream indices before a downstream render/export/save sink drains them,
// by gating every Get through a sync2.Synchronizer.
type Synchronize struct {
	base
	Sync *sync2.Synchronizer
}

func (k *Synchronize) Init(n *pipeline.Node) error {
	k.node = n
	n.SetShape(n.Upstream().Shape())
	return nil
}

func (k *Synchronize) Get(t *trace.Trace) error {
	k.Sync.Begin(t.Index)
	defer k.Sync.End(t.Index)

	up, err := getUpstream(k.node, t.Index)
	if err != nil {
		return err
	}
	trace.Passthrough(t, up)
	k.node.Upstream().Free(up)
	return nil
}
