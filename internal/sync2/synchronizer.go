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

// Package sync2 implements the Synchronizer pipeline node (spec §4.J),
// bounding the in-flight index distance between a producer and a consumer.
// Named sync2 to avoid shadowing the stdlib sync package it builds on.
//
// The gating shape — a small critical section computing an exact bound,
// with a fast allow-path and a blocking fallback — follows the teacher's
// VSA.TryConsume: check an invariant under a lock, block only when the
// invariant would be violated.
package sync2

import (
	"sync"
)

// request tracks concurrently in-flight callers at one index.
type request struct {
	index    uint64
	refcount int
}

// Synchronizer bounds max(active) - min(active) <= maxDistance at every
// instant (spec §4.J, property P5).
type Synchronizer struct {
	mu          sync.Mutex
	cond        *sync.Cond
	maxDistance uint64
	requests    []request // ordered by index, currently in flight
}

// New constructs a Synchronizer with the given max in-flight distance.
func New(maxDistance uint64) *Synchronizer {
	s := &Synchronizer{maxDistance: maxDistance}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *Synchronizer) minIndexLocked() (uint64, bool) {
	if len(s.requests) == 0 {
		return 0, false
	}
	min := s.requests[0].index
	for _, r := range s.requests[1:] {
		if r.index < min {
			min = r.index
		}
	}
	return min, true
}

// Begin registers a request at index i, blocking until admitting it would
// not push max(active)-min(active) beyond maxDistance.
func (s *Synchronizer) Begin(i uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		min, any := s.minIndexLocked()
		if !any {
			break
		}
		max := min
		for _, r := range s.requests {
			if r.index > max {
				max = r.index
			}
		}
		if i <= min+s.maxDistance && max <= i+s.maxDistance {
			break
		}
		s.cond.Wait()
	}
	for idx := range s.requests {
		if s.requests[idx].index == i {
			s.requests[idx].refcount++
			return
		}
	}
	s.requests = append(s.requests, request{index: i, refcount: 1})
}

// End marks one completion at index i. Every waiter whose requested index
// is now within maxDistance of the new minimum is woken (spec §4.J "every
// completion wakes every waiter whose i <= completed + max_distance").
func (s *Synchronizer) End(i uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for idx := range s.requests {
		if s.requests[idx].index == i {
			s.requests[idx].refcount--
			if s.requests[idx].refcount <= 0 {
				s.requests = append(s.requests[:idx], s.requests[idx+1:]...)
			}
			break
		}
	}
	s.cond.Broadcast()
}

// ActiveBounds returns (min, max, true) over currently in-flight indices,
// or (0, 0, false) if none are in flight. Exposed for property-based tests
// asserting max-min <= maxDistance at all times.
func (s *Synchronizer) ActiveBounds() (min, max uint64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) == 0 {
		return 0, 0, false
	}
	min, max = s.requests[0].index, s.requests[0].index
	for _, r := range s.requests[1:] {
		if r.index < min {
			min = r.index
		}
		if r.index > max {
			max = r.index
		}
	}
	return min, max, true
}
