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

// Package cache implements the multi-way set-associative trace cache
// (spec §4.B): per-set locking, LRU-rank + refcount eviction, lazy set
// initialization guarded by a cache-wide lock. One instance is created per
// pipeline node that opts in.
//
// Concurrency style (a cache-wide lock for lazy init, a finer per-shard lock
// for the hot path) follows the teacher's sync.Map-based Store.GetOrCreate:
// a fast path that avoids allocation, a slow path guarded by a narrower lock.
package cache

import (
	"sync"
	"sync/atomic"

	"tracelab/internal/errs"
	"tracelab/internal/telemetry/log"
	"tracelab/internal/telemetry/metrics"
	"tracelab/internal/trace"
)

// Item is anything the cache can hold: a materialized trace keyed by index.
type Item = *trace.Trace

type slot struct {
	valid    bool
	lru      int
	refcount int32
	item     Item
	index    uint64
}

type set struct {
	mu    sync.Mutex
	slots []slot
	inUse map[uint64]int // index -> slot position, for O(1) lookup within the set
}

// Cache is a multi-way set-associative cache of traces.
type Cache struct {
	label string // used as the "node" label on metrics
	nsets int
	nways int

	initMu sync.Mutex // guards lazy set initialization
	sets   []*set
	inited []int32 // atomic flags, 1 once sets[i] is initialized

	accesses  atomic.Int64
	hits      atomic.Int64
	misses    atomic.Int64
	stores    atomic.Int64
	evictions atomic.Int64
}

// New constructs a cache with nsets congruence classes of nways slots each.
func New(label string, nsets, nways int) *Cache {
	if nsets <= 0 {
		nsets = 1
	}
	if nways <= 0 {
		nways = 1
	}
	return &Cache{
		label:  label,
		nsets:  nsets,
		nways:  nways,
		sets:   make([]*set, nsets),
		inited: make([]int32, nsets),
	}
}

// SizeFor derives nsets for a target byte budget and associativity, per
// spec §4.B: repeatedly add per-set bookkeeping every `assoc` iterations
// plus one traceSize per iteration until the budget is exhausted.
func SizeFor(budgetBytes int64, assoc int, traceSize int64, perSetOverhead int64) (nsets int) {
	if assoc <= 0 {
		assoc = 1
	}
	if traceSize <= 0 {
		return 0
	}
	var used int64
	var fit int64
	for used < budgetBytes {
		if fit%int64(assoc) == 0 {
			used += perSetOverhead
			if used >= budgetBytes {
				break
			}
		}
		used += traceSize
		if used > budgetBytes {
			break
		}
		fit++
	}
	return int(fit) / assoc
}

func (c *Cache) setFor(index uint64) *set {
	i := int(index % uint64(c.nsets))
	if atomic.LoadInt32(&c.inited[i]) == 1 {
		return c.sets[i]
	}
	c.initMu.Lock()
	defer c.initMu.Unlock()
	if c.sets[i] == nil {
		s := &set{
			slots: make([]slot, c.nways),
			inUse: make(map[uint64]int, c.nways),
		}
		// Seed distinct ranks so eviction order is well defined before the
		// first hit ever differentiates the ways.
		for w := range s.slots {
			s.slots[w].lru = c.nways - 1 - w
		}
		c.sets[i] = s
		atomic.StoreInt32(&c.inited[i], 1)
	}
	return c.sets[i]
}

// touchLocked updates LRU ranks after an access to way w, per spec §4.B:
// w's rank becomes 0. On a hit, every other way whose rank was strictly
// less than w's old rank is incremented; on a miss/insert every other way
// is incremented unconditionally. Ranks saturate at nways-1. Callers on
// the insert path must invoke this against the victim's old state, before
// overwriting the slot.
func (s *set) touchLocked(w int, nways int, hit bool) {
	old := s.slots[w].lru
	for i := range s.slots {
		if i == w {
			continue
		}
		if hit && s.slots[i].lru >= old {
			continue
		}
		if s.slots[i].lru < nways-1 {
			s.slots[i].lru++
		}
	}
	s.slots[w].lru = 0
}

// Lookup returns a trace for index, with its refcount incremented, or false
// on a miss. When keepLock is true, the set's lock is left held and must be
// released by calling Unlock on the returned token — used by callers that
// need to atomically transition a miss into a Store (spec §4.B "keep_lock").
func (c *Cache) Lookup(index uint64, keepLock bool) (Item, bool, *Token) {
	n := c.accesses.Add(1)
	metrics.CacheAccesses.WithLabelValues(c.label).Inc()
	c.maybeSummarize(n)
	s := c.setFor(index)
	s.mu.Lock()
	if w, ok := s.inUse[index]; ok && s.slots[w].valid {
		s.slots[w].refcount++
		item := s.slots[w].item
		s.touchLocked(w, c.nways, true)
		c.hits.Add(1)
		metrics.CacheHits.WithLabelValues(c.label).Inc()
		if !keepLock {
			s.mu.Unlock()
			return item, true, nil
		}
		return item, true, &Token{s: s, held: true}
	}
	c.misses.Add(1)
	metrics.CacheMisses.WithLabelValues(c.label).Inc()
	if keepLock {
		return nil, false, &Token{s: s, held: true}
	}
	s.mu.Unlock()
	return nil, false, nil
}

// Token represents a per-set lock held across a Lookup-then-Store boundary.
type Token struct {
	s    *set
	held bool
}

// Release unlocks the held per-set lock without storing. No-op if already released.
func (tok *Token) Release() {
	if tok != nil && tok.held {
		tok.s.mu.Unlock()
		tok.held = false
	}
}

// Store inserts item at index on a miss, choosing a victim per spec §4.B's
// two-pass replacement policy. If tok is non-nil, the set lock it holds is
// reused and released on return; otherwise the set lock is acquired fresh.
func (c *Cache) Store(index uint64, item Item, tok *Token) error {
	var s *set
	if tok != nil && tok.held {
		s = tok.s
		defer func() { tok.held = false; s.mu.Unlock() }()
	} else {
		s = c.setFor(index)
		s.mu.Lock()
		defer s.mu.Unlock()
	}

	w, err := victimLocked(s, c.nways)
	if err != nil {
		return errs.Wrap(errs.Exhausted, "cache.Store", err)
	}
	if s.slots[w].valid {
		delete(s.inUse, s.slots[w].index)
		c.evictions.Add(1)
		metrics.CacheEvictions.WithLabelValues(c.label).Inc()
	}
	s.touchLocked(w, c.nways, false)
	s.slots[w] = slot{valid: true, lru: 0, refcount: 1, item: item, index: index}
	s.inUse[index] = w
	c.stores.Add(1)
	return nil
}

// victimLocked implements the two-pass victim search: first among invalid
// slots (largest LRU rank), else among refcount==0 slots (largest LRU
// rank). Returns errs.Exhausted if every slot is held (refcount > 0) and
// valid.
func victimLocked(s *set, nways int) (int, error) {
	best := -1
	bestLRU := -1
	for i := 0; i < nways; i++ {
		if !s.slots[i].valid {
			if s.slots[i].lru > bestLRU {
				best, bestLRU = i, s.slots[i].lru
			}
		}
	}
	if best >= 0 {
		return best, nil
	}
	for i := 0; i < nways; i++ {
		if s.slots[i].valid && s.slots[i].refcount == 0 {
			if s.slots[i].lru > bestLRU {
				best, bestLRU = i, s.slots[i].lru
			}
		}
	}
	if best >= 0 {
		return best, nil
	}
	return -1, errs.New(errs.Exhausted, "cache.victim", "all ways held")
}

// Deref decrements the refcount for index. If item disagrees with the
// cached pointer (the caller's trace is not the one currently resident),
// the passed trace is left for the caller to free; the cached entry is
// untouched (spec §4.B).
func (c *Cache) Deref(index uint64, item Item) {
	s := c.setFor(index)
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.inUse[index]
	if !ok || !s.slots[w].valid || s.slots[w].item != item {
		return
	}
	if s.slots[w].refcount > 0 {
		s.slots[w].refcount--
	}
}

// maybeSummarize logs a summary every 1,000,000 accesses, on both the hit
// and miss paths so a milestone landing on a hit isn't silently skipped
// (spec §4.B "emit a summary every 1,000,000 accesses").
func (c *Cache) maybeSummarize(n int64) {
	if n > 0 && n%1_000_000 == 0 {
		log.Infof("cache %s: %s accesses (%s hits, %s misses, %s evictions)",
			c.label, log.Comma(n), log.Comma(c.hits.Load()), log.Comma(c.misses.Load()), log.Comma(c.evictions.Load()))
	}
}

// Stats is a point-in-time snapshot of the cache counters.
type Stats struct {
	Accesses, Hits, Misses, Stores, Evictions int64
}

// Stats returns the current counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Accesses:  c.accesses.Load(),
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Stores:    c.stores.Load(),
		Evictions: c.evictions.Load(),
	}
}

// HitRate returns Hits/Accesses, or 0 if there have been no accesses.
func (s Stats) HitRate() float64 {
	if s.Accesses == 0 {
		return 0
	}
	return float64(s.Hits) / float64(s.Accesses)
}
