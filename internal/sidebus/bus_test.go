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

package sidebus

import (
	"testing"
	"time"

	"tracelab/internal/errs"
)

func TestAttachRejectsUnknownPort(t *testing.T) {
	b := New()
	if err := b.Attach(Port("NOT_A_PORT")); !errs.Is(err, errs.Invalid) {
		t.Fatalf("expected Invalid for an unknown port, got %v", err)
	}
	if err := b.Attach(PortEcho); err != nil {
		t.Fatalf("Attach(PortEcho): %v", err)
	}
}

// TestGetBeforePushBlocksThenUnblocks exercises the "miss" path: Get for an
// index that hasn't been pushed yet must block until the matching Push
// arrives, then return exactly that entry (spec §4.G push/get semantics).
func TestGetBeforePushBlocksThenUnblocks(t *testing.T) {
	b := New()
	if err := b.Attach(PortEcho); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	got := make(chan Entry, 1)
	go func() { got <- b.Get(PortEcho, 5) }()

	select {
	case <-got:
		t.Fatal("Get returned before its index was ever pushed")
	case <-time.After(20 * time.Millisecond):
	}

	b.Push(PortEcho, 5, []byte("t5"), nil, []float32{1, 2, 3})

	select {
	case e := <-got:
		if e.Index != 5 || string(e.Title) != "t5" || len(e.Samples) != 3 {
			t.Fatalf("unexpected entry: %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("Get never unblocked after Push")
	}
}

// TestGetAfterPushReturnsImmediately exercises the "hit" path against the
// sorted available list, independent of attach/pending bookkeeping.
func TestGetAfterPushReturnsImmediately(t *testing.T) {
	b := New()
	b.Push(PortCPAProgress, 3, nil, nil, []float32{9})
	b.Push(PortCPAProgress, 1, nil, nil, []float32{1})
	b.Push(PortCPAProgress, 2, nil, nil, []float32{2})

	for _, idx := range []uint64{1, 2, 3} {
		done := make(chan Entry, 1)
		go func() { done <- b.Get(PortCPAProgress, idx) }()
		select {
		case e := <-done:
			if e.Index != idx {
				t.Fatalf("Get(%d): got index %d", idx, e.Index)
			}
		case <-time.After(time.Second):
			t.Fatalf("Get(%d) blocked on an already-pushed index", idx)
		}
	}
}

// TestPushWakesMultipleWaitersOnSameIndex mirrors spec §4.G: several
// waiters blocked on the same (port, index) all observe the push.
func TestPushWakesMultipleWaitersOnSameIndex(t *testing.T) {
	b := New()
	const n = 5
	results := make(chan Entry, n)
	for i := 0; i < n; i++ {
		go func() { results <- b.Get(PortExtractPatternDebug, 42) }()
	}
	time.Sleep(20 * time.Millisecond)
	b.Push(PortExtractPatternDebug, 42, nil, nil, []float32{7})

	for i := 0; i < n; i++ {
		select {
		case e := <-results:
			if e.Index != 42 || e.Samples[0] != 7 {
				t.Fatalf("waiter %d got unexpected entry %+v", i, e)
			}
		case <-time.After(time.Second):
			t.Fatalf("waiter %d never woke", i)
		}
	}
}
