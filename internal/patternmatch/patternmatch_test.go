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

package patternmatch

import (
	"math"
	"math/rand"
	"testing"
)

// TestPearsonVectorFindsExactMatch embeds a pattern verbatim in a noisy
// trace and checks the Pearson vector peaks at the embedding offset.
func TestPearsonVectorFindsExactMatch(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	pattern := make([]float32, 12)
	for i := range pattern {
		pattern[i] = float32(math.Sin(float64(i)))
	}

	trace := make([]float32, 80)
	for i := range trace {
		trace[i] = float32(rng.NormFloat64() * 0.01)
	}
	embedAt := 30
	copy(trace[embedAt:], pattern)

	vec, err := (PureGo{}).PearsonVector(trace, pattern)
	if err != nil {
		t.Fatal(err)
	}
	if len(vec) != len(trace)-len(pattern) {
		t.Fatalf("expected length %d, got %d", len(trace)-len(pattern), len(vec))
	}

	best, bestVal := -1, math.Inf(-1)
	for k, v := range vec {
		if v > bestVal {
			bestVal, best = v, k
		}
	}
	if best != embedAt {
		t.Fatalf("expected peak at %d, got %d (val %v)", embedAt, best, bestVal)
	}
	if bestVal < 0.99 {
		t.Fatalf("expected near-perfect correlation at embed point, got %v", bestVal)
	}
}

// TestPearsonVectorRejectsOversizedPattern checks the length precondition.
func TestPearsonVectorRejectsOversizedPattern(t *testing.T) {
	_, err := (PureGo{}).PearsonVector(make([]float32, 4), make([]float32, 10))
	if err == nil {
		t.Fatal("expected error for oversized pattern")
	}
}

// TestSegmentFindsConfidentMatches checks that three well-separated spikes
// in a synthetic Pearson vector are all reported as Confident entries.
func TestSegmentFindsConfidentMatches(t *testing.T) {
	vec := make([]float64, 100)
	spikes := []int{10, 40, 70}
	for i := range vec {
		vec[i] = 0.1
	}
	for _, s := range spikes {
		vec[s] = 0.95
	}

	cfg := Config{AvgLen: 30, MaxDev: 5, Confidence: 0.8, RefMean: 30, RefDev: 1}
	entries, err := Segment(vec, len(spikes), cfg)
	if err != nil {
		t.Fatal(err)
	}
	var confident []int
	for _, e := range entries {
		if e.Kind == Confident {
			confident = append(confident, e.Index)
		}
	}
	if len(confident) != len(spikes) {
		t.Fatalf("expected %d confident matches, got %d (%v)", len(spikes), len(confident), confident)
	}
	for i, s := range spikes {
		if confident[i] != s {
			t.Fatalf("expected confident[%d]=%d, got %d", i, s, confident[i])
		}
	}
}

// TestSegmentRejectsNaN checks the counter-hygiene rule (spec §7): any NaN
// in the Pearson vector aborts segmentation.
func TestSegmentRejectsNaN(t *testing.T) {
	vec := []float64{0.1, 0.2, math.NaN(), 0.3}
	_, err := Segment(vec, 1, Config{AvgLen: 10, MaxDev: 2, Confidence: 0.5, RefMean: 10, RefDev: 1})
	if err == nil {
		t.Fatal("expected error for NaN in vector")
	}
}

// TestGapPredictableWithinTolerance checks that a gap close to an integer
// multiple of RefMean is classified predictable with the right count.
func TestGapPredictableWithinTolerance(t *testing.T) {
	cfg := Config{AvgLen: 10, MaxDev: 2, Confidence: 0.5, RefMean: 10, RefDev: 0.1}
	entry := gapSearch(make([]float64, 100), 0, 30, cfg)
	if entry.Kind != GapPredictable {
		t.Fatalf("expected GapPredictable, got %v", entry.Kind)
	}
	if entry.PredictedLen != 2 {
		t.Fatalf("expected 2 interior matches for a 3x gap, got %d", entry.PredictedLen)
	}
}
