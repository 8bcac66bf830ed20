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

// Package pipeline implements the trace-set graph (spec §4.D): Node, the
// Kernel/Backend hook contracts, and trace_get materialization. Node
// identity and cache identity use atomic counters scoped to a Controller
// value rather than process-wide globals, per spec §9's redesign note.
package pipeline

import (
	"sync"
	"sync/atomic"

	"tracelab/internal/cache"
	"tracelab/internal/errs"
	"tracelab/internal/sidebus"
	"tracelab/internal/trace"
)

// NumTracesUnknown marks a node whose total trace count is not yet known;
// it is finalized only when the producing kernel signals end-of-stream.
const NumTracesUnknown int64 = -1

// Backend is the byte-level read/write contract a source-like node binds
// to (spec §4.A). trs/ztrs/net backends implement this.
type Backend interface {
	Read(t *trace.Trace) error
	Write(t *trace.Trace) error
	Close() error
}

// Kernel is the per-transformation hook contract (spec §4.D): a derived
// node's six hooks, bound as an interface instead of a function-pointer
// table, per the opaque-variant redesign note in §9.
type Kernel interface {
	Init(n *Node) error
	InitWaiter(n *Node, port sidebus.Port) error
	TraceSize(n *Node) int
	Get(t *trace.Trace) error
	Free(t *trace.Trace)
	Exit(n *Node) error
}

// Shape describes a node's per-trace layout.
type Shape struct {
	TitleSize  int
	DataSize   int
	NumSamples int
	Encoding   trace.SampleEncoding
	YScale     float32
	NumTraces  int64 // NumTracesUnknown until finalized
}

// Node is a vertex in the pipeline DAG.
type Node struct {
	id uint64

	shape   Shape
	shapeMu sync.RWMutex

	backend  Backend   // source-like: backend != nil, upstream == nil
	upstream *Node     // derived: upstream != nil, backend == nil
	kernel   Kernel

	cache *cache.Cache
	bus   *sidebus.Bus

	closeOnce sync.Once
}

// Controller owns the atomic node/cache id counters for one pipeline run,
// constructed once by the driver (spec §9 "global state" redesign note).
type Controller struct {
	nextNodeID  atomic.Uint64
	nextCacheID atomic.Uint64
}

// NewController returns a fresh id-allocation scope.
func NewController() *Controller { return &Controller{} }

// NewSource creates a source-like node bound to backend.
func (c *Controller) NewSource(backend Backend, shape Shape) *Node {
	return &Node{id: c.nextNodeID.Add(1), backend: backend, shape: shape}
}

// NewDerived creates a derived node bound to upstream via kernel. The
// kernel's Init hook is invoked immediately to compute the node's shape,
// per spec §4.D ("init is invoked when the node is attached to an
// upstream").
func (c *Controller) NewDerived(upstream *Node, kernel Kernel) (*Node, error) {
	n := &Node{id: c.nextNodeID.Add(1), upstream: upstream, kernel: kernel}
	if err := kernel.Init(n); err != nil {
		return nil, errs.Wrap(errs.Invalid, "pipeline.NewDerived", err)
	}
	return n, nil
}

// NewWaiter creates a node that attaches to one of upstream's named
// side-bus ports instead of pulling upstream.Get directly (spec §4.G
// "wait_on"). InitWaiter, not Init, computes the node's shape: most waiter
// kernels simply inherit upstream's shape since they relay whatever the
// producer pushed on that port.
func (c *Controller) NewWaiter(upstream *Node, port sidebus.Port, kernel Kernel) (*Node, error) {
	if err := upstream.AttachBus().Attach(port); err != nil {
		return nil, errs.Wrap(errs.Invalid, "pipeline.NewWaiter", err)
	}
	n := &Node{id: c.nextNodeID.Add(1), upstream: upstream, kernel: kernel}
	if err := kernel.InitWaiter(n, port); err != nil {
		return nil, errs.Wrap(errs.Invalid, "pipeline.NewWaiter", err)
	}
	return n, nil
}

// AttachCache opts this node into a set-associative cache.
func (c *Controller) AttachCache(n *Node, nsets, nways int) {
	n.cache = cache.New(cacheLabel(c.nextCacheID.Add(1), n.id), nsets, nways)
}

func cacheLabel(cacheID, nodeID uint64) string {
	return "node-" + uitoa(nodeID) + "-cache-" + uitoa(cacheID)
}

func uitoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// AttachBus gives this node a side-channel bus for publishing named ports.
func (n *Node) AttachBus() *sidebus.Bus {
	if n.bus == nil {
		n.bus = sidebus.New()
	}
	return n.bus
}

// Bus returns this node's side-bus, or nil if it never published anything.
func (n *Node) Bus() *sidebus.Bus { return n.bus }

// ID returns the node's process-unique identifier.
func (n *Node) ID() uint64 { return n.id }

// NumSamples implements trace.NodeRef.
func (n *Node) NumSamples() int {
	n.shapeMu.RLock()
	defer n.shapeMu.RUnlock()
	return n.shape.NumSamples
}

// TitleSize implements trace.NodeRef.
func (n *Node) TitleSize() int {
	n.shapeMu.RLock()
	defer n.shapeMu.RUnlock()
	return n.shape.TitleSize
}

// DataSize implements trace.NodeRef.
func (n *Node) DataSize() int {
	n.shapeMu.RLock()
	defer n.shapeMu.RUnlock()
	return n.shape.DataSize
}

// Encoding implements trace.NodeRef.
func (n *Node) Encoding() trace.SampleEncoding {
	n.shapeMu.RLock()
	defer n.shapeMu.RUnlock()
	return n.shape.Encoding
}

// YScale implements trace.NodeRef.
func (n *Node) YScale() float32 {
	n.shapeMu.RLock()
	defer n.shapeMu.RUnlock()
	return n.shape.YScale
}

// Shape returns a copy of the node's current shape.
func (n *Node) Shape() Shape {
	n.shapeMu.RLock()
	defer n.shapeMu.RUnlock()
	return n.shape
}

// SetShape replaces the node's shape wholesale. Used by Init and
// InitWaiter, which may rewrite a downstream waiter's shape (spec §4.D).
func (n *Node) SetShape(s Shape) {
	n.shapeMu.Lock()
	defer n.shapeMu.Unlock()
	n.shape = s
}

// FinalizeCount sets NumTraces once a producing kernel signals end-of-stream.
func (n *Node) FinalizeCount(count int64) {
	n.shapeMu.Lock()
	defer n.shapeMu.Unlock()
	n.shape.NumTraces = count
}

// IsSourceLike reports whether this node reads directly from a backend.
func (n *Node) IsSourceLike() bool { return n.backend != nil }

// Upstream returns the upstream node, or nil for a source-like node.
func (n *Node) Upstream() *Node { return n.upstream }

// Cache returns this node's cache, or nil if it never opted in.
func (n *Node) Cache() *cache.Cache { return n.cache }

// Get materializes trace index from this node: cache lookup on a hit;
// otherwise allocate and delegate to the kernel (derived) or the backend
// (source-like), then store on the same miss (spec §4.D "trace_get"). The
// miss path runs under a single keep-lock Lookup so a logical miss counts
// exactly one access/miss, and concurrent Gets for the same index
// serialize on the per-set lock: the first caller fills, the rest block
// and then hit (spec §5).
func (n *Node) Get(index uint64) (*trace.Trace, error) {
	var tok *cache.Token
	if n.cache != nil {
		item, hit, t := n.cache.Lookup(index, true)
		if hit {
			t.Release()
			return item, nil
		}
		tok = t
	}

	t := trace.New(n, index)
	var err error
	if n.IsSourceLike() {
		err = n.backend.Read(t)
	} else {
		err = n.kernel.Get(t)
	}
	if err != nil {
		tok.Release()
		t.Title, t.Data, t.Samples = nil, nil, nil
		return nil, err
	}

	if n.cache != nil {
		if serr := n.cache.Store(index, t, tok); serr != nil {
			return t, nil // Exhausted: caller gets an uncached trace, per spec §4.B
		}
	}
	return t, nil
}

// Free releases a trace obtained from Get. Cached traces are dereferenced;
// uncached traces of a derived node are handed to the kernel's Free hook,
// and those of a source-like node are left for the GC.
func (n *Node) Free(t *trace.Trace) {
	if n.cache != nil {
		n.cache.Deref(t.Index, t)
		return
	}
	if n.kernel != nil {
		n.kernel.Free(t)
	}
}

// Close tears the node down, once: it runs the kernel's Exit hook (derived
// node) or closes the backend (source-like node) and returns that error.
// Close does not inspect the cache; traces still referenced there are not
// detected and do not block or fail Close.
func (n *Node) Close() error {
	var exitErr error
	n.closeOnce.Do(func() {
		if n.kernel != nil {
			exitErr = n.kernel.Exit(n)
		}
		if n.backend != nil {
			exitErr = n.backend.Close()
		}
	})
	return exitErr
}
