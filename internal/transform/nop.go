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

// Nop is the identity kernel (spec §4.E "nop").
type Nop struct{ base }

func (k *Nop) Init(n *pipeline.Node) error {
	k.node = n
	n.SetShape(n.Upstream().Shape())
	return nil
}

func (k *Nop) Get(t *trace.Trace) error {
	up, err := getUpstream(k.node, t.Index)
	if err != nil {
		return err
	}
	trace.Passthrough(t, up)
	k.node.Upstream().Free(up)
	return nil
}
