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

// Package patternmatch implements the pattern-match core (spec §4.K): a
// Pearson vector between a trace and a reference pattern, followed by
// confident-match, gap-search, and tail-search segmentation into an
// ordered split list.
//
// Matcher is an interface so that a GPU or remote-service implementation
// can share the scalar contract (spec.md names gpu_pattern_match and
// net_pattern_match as pluggable alternatives); PureGo is the only
// concrete in-repo implementation, grounded on the teacher's scalar
// correlation code path — there is no GPU/RPC client in the retrieved
// pack, so no remote or GPU implementation exists, not even a stub; the
// interface is only the boundary one would plug into.
package patternmatch

import (
	"math"

	"tracelab/internal/errs"
	"tracelab/internal/stats"
)

// Kind classifies one entry in a split list (spec §4.K "Split list").
type Kind int

const (
	Confident Kind = iota
	GapPredictable
	GapUnpredictable
	Tail
)

func (k Kind) String() string {
	switch k {
	case Confident:
		return "Confident"
	case GapPredictable:
		return "GapPredictable"
	case GapUnpredictable:
		return "GapUnpredictable"
	case Tail:
		return "Tail"
	default:
		return "Unknown"
	}
}

// MatchEntry is one annotation in the ordered split list.
type MatchEntry struct {
	Kind         Kind
	Index        int
	PredictedLen int // meaningful for gap kinds; count of interior matches
}

// Matcher computes the Pearson vector for one trace against a reference
// pattern. GPU/remote variants implement this without changing the
// segmentation logic below.
type Matcher interface {
	PearsonVector(samples, pattern []float32) ([]float64, error)
}

// PureGo computes the Pearson vector directly via a dual-array Welford
// accumulator of shape (N-L, 1), per spec.md §4.K.
type PureGo struct{}

// PearsonVector feeds L shifted copies of samples into a dual-array
// accumulator against the single reference pattern stream.
func (PureGo) PearsonVector(samples, pattern []float32) ([]float64, error) {
	n, l := len(samples), len(pattern)
	if l == 0 || l > n {
		return nil, errs.New(errs.Invalid, "patternmatch.PearsonVector", "pattern longer than trace")
	}
	width := n - l
	da := stats.NewDualArray(stats.CapPearson, width, 1)
	x0 := make([]float64, width)
	x1 := [1]float64{}
	for j := 0; j < l; j++ {
		for k := 0; k < width; k++ {
			x0[k] = float64(samples[k+j])
		}
		x1[0] = float64(pattern[j])
		da.Update(x0, x1[:])
	}
	mat := da.Pearson()
	out := make([]float64, width)
	for k := 0; k < width; k++ {
		out[k] = mat[k]
		if math.IsNaN(out[k]) {
			return out, errs.New(errs.Invalid, "patternmatch.PearsonVector", "NaN in Pearson vector")
		}
	}
	return out, nil
}

// Config bundles the thresholds spec.md §4.K names for match search.
type Config struct {
	AvgLen     float64
	MaxDev     int
	Confidence float64
	RefMean    float64 // reference pattern's own mean inter-match spacing
	RefDev     float64
}

// Segment runs confident-match, gap-search, and tail-search over a
// Pearson vector, producing the ordered split list (spec §4.K).
func Segment(vec []float64, expecting int, cfg Config) ([]MatchEntry, error) {
	for i, v := range vec {
		if math.IsNaN(v) {
			return nil, errs.New(errs.Invalid, "patternmatch.Segment", "NaN at vector index "+itoa(i))
		}
	}

	confident := ConfidentMatches(vec, cfg)
	entries := make([]MatchEntry, 0, expecting)
	for _, c := range confident {
		entries = append(entries, MatchEntry{Kind: Confident, Index: c})
	}
	if len(confident) == 0 {
		return entries, nil
	}

	for i := 0; i < len(confident)-1; i++ {
		a, b := confident[i], confident[i+1]
		g := float64(b - a)
		lower, upper := cfg.AvgLen-float64(cfg.MaxDev), cfg.AvgLen+float64(cfg.MaxDev)
		if g >= lower && g <= upper {
			continue
		}
		gap := gapSearch(vec, a, b, cfg)
		entries = append(entries, gap)
	}

	missingBefore := int(math.Round(float64(confident[0]) / cfg.RefMean))
	if missingBefore > 0 {
		entries = append(entries, tailSearch(vec, -1, confident[0], missingBefore, cfg)...)
	}
	last := confident[len(confident)-1]
	missingAfter := int(math.Round(float64(len(vec)-1-last) / cfg.RefMean))
	if missingAfter > 0 {
		entries = append(entries, tailSearch(vec, last, len(vec), missingAfter, cfg)...)
	}

	return entries, nil
}

// ConfidentMatches scans the vector for strict local maxima above the
// confidence threshold, gated so no two confident entries fall within
// MaxDev samples of one another (spec §4.K "Match search"). Exposed
// directly for tfm_match, which runs local-maximum detection without the
// gap/tail segmentation Segment performs.
func ConfidentMatches(vec []float64, cfg Config) []int {
	var out []int
	lastAccepted := -1 - cfg.MaxDev
	for k := 1; k < len(vec)-1; k++ {
		cur := math.Abs(vec[k])
		if cur <= cfg.Confidence {
			continue
		}
		if !(cur > math.Abs(vec[k-1]) && cur > math.Abs(vec[k+1])) {
			continue
		}
		if k-lastAccepted <= cfg.MaxDev {
			continue
		}
		out = append(out, k)
		lastAccepted = k
	}
	return out
}

// gapSearch predicts the number of missed interior matches between two
// confident positions, preferring the predictable branch when the
// estimate is close to an integer within 1.96 sigma of the reference's
// mean spacing, else falling back to the unpredictable optimization
// (spec §4.K "Gap search", "Unpredictable optimization").
func gapSearch(vec []float64, a, b int, cfg Config) MatchEntry {
	g := float64(b - a)
	n := g / cfg.RefMean
	rounded := math.Round(n)
	dev := cfg.RefDev
	if dev == 0 {
		dev = 1
	}
	if math.Abs(n-rounded) <= 1.96*dev {
		return MatchEntry{Kind: GapPredictable, Index: a, PredictedLen: int(rounded) - 1}
	}

	forward := probeInward(vec, a, b, int(rounded)-1, cfg, true)
	backward := probeInward(vec, a, b, int(rounded)-1, cfg, false)
	if agreeWithinTolerance(forward, backward, cfg) {
		return MatchEntry{Kind: GapUnpredictable, Index: a, PredictedLen: int(rounded) - 1}
	}
	agree := countAgreeingPrefix(forward, backward)
	return MatchEntry{Kind: GapUnpredictable, Index: a, PredictedLen: agree}
}

// probeInward walks from one endpoint toward the other in steps of
// RefMean, finding a local maximum in each +-MaxDev window.
func probeInward(vec []float64, a, b, count int, cfg Config, forward bool) []int {
	var positions []int
	step := cfg.RefMean
	start := float64(a)
	if !forward {
		start = float64(b)
		step = -step
	}
	cur := start
	for i := 0; i < count; i++ {
		cur += step
		center := int(math.Round(cur))
		pos := localMaxNear(vec, center, cfg.MaxDev)
		if pos < 0 {
			break
		}
		positions = append(positions, pos)
	}
	return positions
}

func localMaxNear(vec []float64, center, maxDev int) int {
	lo, hi := center-maxDev, center+maxDev
	if lo < 0 {
		lo = 0
	}
	if hi >= len(vec) {
		hi = len(vec) - 1
	}
	best, bestVal := -1, math.Inf(-1)
	for k := lo; k <= hi; k++ {
		if vec[k] > bestVal {
			bestVal, best = vec[k], k
		}
	}
	return best
}

func agreeWithinTolerance(forward, backward []int, cfg Config) bool {
	if len(forward) != len(backward) || len(forward) == 0 {
		return false
	}
	dev := cfg.RefDev
	if dev == 0 {
		dev = 1
	}
	for i := range forward {
		j := len(backward) - 1 - i
		if math.Abs(float64(forward[i]-backward[j])) > 1.96*dev {
			return false
		}
	}
	return true
}

func countAgreeingPrefix(forward, backward []int) int {
	n := len(forward)
	if len(backward) < n {
		n = len(backward)
	}
	count := 0
	for i := 0; i < n; i++ {
		j := len(backward) - 1 - i
		if j < 0 {
			break
		}
		if forward[i] == backward[j] {
			count++
		} else {
			break
		}
	}
	return count
}

// tailSearch probes missing slots before the first or after the last
// confident match, validating candidates and choosing the contiguous run
// of highest mean Pearson value (spec §4.K "Tail search").
func tailSearch(vec []float64, anchor, boundary, missing int, cfg Config) []MatchEntry {
	var candidates []int
	step := cfg.RefMean
	start := float64(anchor)
	if anchor < 0 {
		start = float64(boundary)
		step = -step
	}
	cur := start
	for i := 0; i < missing; i++ {
		cur += step
		center := int(math.Round(cur))
		pos := localMaxNear(vec, center, cfg.MaxDev)
		if pos >= 0 {
			candidates = append(candidates, pos)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	bestStart, bestMean := 0, math.Inf(-1)
	for start := 0; start+missing <= len(candidates); start++ {
		sum := 0.0
		for k := start; k < start+missing; k++ {
			sum += vec[candidates[k]]
		}
		mean := sum / float64(missing)
		if mean > bestMean {
			bestMean, bestStart = mean, start
		}
	}
	out := make([]MatchEntry, 0, missing)
	end := bestStart + missing
	if end > len(candidates) {
		end = len(candidates)
	}
	for k := bestStart; k < end; k++ {
		out = append(out, MatchEntry{Kind: Tail, Index: candidates[k]})
	}
	return out
}

func itoa(v int) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
