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

// Package sidebus implements the publish/subscribe side-channel between a
// producer node and its waiter attachments (spec §4.G). A waiter's Get
// consults the sorted "available" list first and, on a miss, blocks on a
// per-request channel until the producer posts the matching index.
//
// Ordering: pushes are FIFO per port per producer; no inter-port ordering
// is guaranteed (spec §4.G "Ordering").
package sidebus

import (
	"sort"
	"sync"

	"tracelab/internal/errs"
)

// Port is one of the enumerated side-bus ports (spec §4.G).
type Port string

const (
	PortEcho                  Port = "ECHO"
	PortCPAProgress           Port = "CPA_PROGRESS"
	PortCPASplitPM            Port = "CPA_SPLIT_PM"
	PortCPASplitPMProgress    Port = "CPA_SPLIT_PM_PROGRESS"
	PortExtractPatternDebug   Port = "EXTRACT_PATTERN_DEBUG"
	PortExtractTimingDebug    Port = "EXTRACT_TIMING_DEBUG"
)

// KnownPorts is the closed set of valid port names. A waiter attached to a
// name outside this set is a configuration error (spec §4.G).
var KnownPorts = map[Port]bool{
	PortEcho:                true,
	PortCPAProgress:         true,
	PortCPASplitPM:          true,
	PortCPASplitPMProgress:  true,
	PortExtractPatternDebug: true,
	PortExtractTimingDebug:  true,
}

// Entry is one pushed payload, keyed by index.
type Entry struct {
	Index   uint64
	Title   []byte
	Data    []byte
	Samples []float32
}

type waiterState struct {
	mu        sync.Mutex
	available []Entry // sorted by Index
	pending   map[uint64][]chan Entry
}

// Bus is attached to a producer node; waiters subscribe to one of its
// named ports.
type Bus struct {
	mu      sync.Mutex
	waiters map[Port]*waiterState
}

// New constructs an empty bus.
func New() *Bus {
	return &Bus{waiters: make(map[Port]*waiterState)}
}

// Attach registers a waiter on port, returning an error if port is not in
// KnownPorts.
func (b *Bus) Attach(port Port) error {
	if !KnownPorts[port] {
		return errs.New(errs.Invalid, "sidebus.Attach", "unknown port: "+string(port))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.waiters[port]; !ok {
		b.waiters[port] = &waiterState{pending: make(map[uint64][]chan Entry)}
	}
	return nil
}

func (b *Bus) stateFor(port Port) *waiterState {
	b.mu.Lock()
	defer b.mu.Unlock()
	ws, ok := b.waiters[port]
	if !ok {
		ws = &waiterState{pending: make(map[uint64][]chan Entry)}
		b.waiters[port] = ws
	}
	return ws
}

// Push publishes a new entry for port at index, waking any blocked waiter
// requesting that index and inserting into the sorted available list
// (spec §4.G "push semantics").
func (b *Bus) Push(port Port, index uint64, title, data []byte, samples []float32) {
	ws := b.stateFor(port)
	e := Entry{Index: index, Title: title, Data: data, Samples: samples}

	ws.mu.Lock()
	i := sort.Search(len(ws.available), func(i int) bool { return ws.available[i].Index >= index })
	ws.available = append(ws.available, Entry{})
	copy(ws.available[i+1:], ws.available[i:])
	ws.available[i] = e

	waitersFor := ws.pending[index]
	delete(ws.pending, index)
	ws.mu.Unlock()

	for _, ch := range waitersFor {
		ch <- e
	}
}

// Get returns the entry at index on port, consulting the available list
// first and blocking on a per-request channel if it hasn't been pushed yet.
func (b *Bus) Get(port Port, index uint64) Entry {
	ws := b.stateFor(port)

	ws.mu.Lock()
	if i := sort.Search(len(ws.available), func(i int) bool { return ws.available[i].Index >= index }); i < len(ws.available) && ws.available[i].Index == index {
		e := ws.available[i]
		ws.mu.Unlock()
		return e
	}
	ch := make(chan Entry, 1)
	ws.pending[index] = append(ws.pending[index], ch)
	ws.mu.Unlock()

	return <-ch
}
