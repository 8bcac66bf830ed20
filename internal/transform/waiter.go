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
	"tracelab/internal/sidebus"
	"tracelab/internal/trace"
)

// Waiter is the wait_on(port) kernel (spec §4.G): rather than pulling
// upstream.Get directly, it blocks on upstream's side-bus until the
// producing kernel pushes the requested index on the named port. Built
// with pipeline.Controller.NewWaiter, which calls InitWaiter instead of
// Init since the node has no ordinary upstream-shaped Get path to probe.
type Waiter struct {
	base
	Port sidebus.Port
}

// InitWaiter records the port and inherits upstream's shape: a waiter
// relays whatever the producer published on that port, which for every
// known port (CPA progress, pattern/timing debug dumps, echo) carries the
// same per-trace layout as its producer.
func (k *Waiter) InitWaiter(n *pipeline.Node, port sidebus.Port) error {
	k.node = n
	k.Port = port
	n.SetShape(n.Upstream().Shape())
	return nil
}

// Init exists only to satisfy pipeline.Kernel for callers that construct a
// Waiter directly; pipeline.Controller.NewWaiter is the intended entry
// point and always calls InitWaiter instead.
func (k *Waiter) Init(n *pipeline.Node) error {
	return k.InitWaiter(n, k.Port)
}

// Get blocks on the upstream side-bus until index is pushed on k.Port
// (spec §4.G "a waiter's get blocks until the producer posts the matching
// index").
func (k *Waiter) Get(t *trace.Trace) error {
	up := k.node.Upstream()
	bus := up.Bus()
	if bus == nil {
		return errs.New(errs.Invalid, "transform.Waiter.Get", "upstream has no side bus")
	}
	e := bus.Get(k.Port, t.Index)
	t.Title = e.Title
	t.Data = e.Data
	t.Samples = e.Samples
	return nil
}
