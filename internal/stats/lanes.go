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

package stats

import "math"

// LaneWidths is the descending sequence of SIMD-style block widths the
// array accumulators process before falling through to a scalar tail, per
// spec §4.C and the REDESIGN FLAGS note replacing AVX intrinsics with a
// portable loop structure: process W lanes, advance by W, retry the next
// smaller width, end scalar. There is no actual vector hardware instruction
// involved — this only documents and enforces the block/tail decomposition
// so the reduction kernels below are trivially portable across platforms.
var LaneWidths = []int{16, 8, 4, 1}

// forEachLane walks [0, n) in blocks sized per LaneWidths, calling body with
// (offset, width) for each block. The final call(s) use width 1 (the scalar
// tail) to cover any remainder.
func forEachLane(n int, body func(offset, width int)) {
	i := 0
	for _, w := range LaneWidths {
		for n-i >= w {
			body(i, w)
			i += w
		}
	}
}

// SingleArray is N independent Single accumulators sharing one count,
// i.e. a 1-D array accumulator (spec §4.C).
type SingleArray struct {
	cap   Capability
	n     int
	count int64
	mean  []float64
	s     []float64
	min   []float64
	max   []float64
	absMn []float64
	absMx []float64
}

// NewSingleArray constructs a length-n array accumulator.
func NewSingleArray(cap Capability, n int) *SingleArray {
	sa := &SingleArray{cap: cap.resolved(), n: n, mean: make([]float64, n), s: make([]float64, n)}
	if sa.cap.has(CapMin) {
		sa.min = fill(n, math.Inf(1))
	}
	if sa.cap.has(CapMax) {
		sa.max = fill(n, math.Inf(-1))
	}
	if sa.cap.has(CapAbsMin) {
		sa.absMn = fill(n, math.Inf(1))
	}
	if sa.cap.has(CapAbsMax) {
		sa.absMx = make([]float64, n)
	}
	return sa
}

func fill(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// Update folds one length-n sample vector into the accumulator, processed
// in SIMD-style lanes per forEachLane.
func (sa *SingleArray) Update(x []float64) {
	sa.count++
	forEachLane(sa.n, func(off, w int) {
		for j := off; j < off+w; j++ {
			sa.updateOne(j, x[j])
		}
	})
}

func (sa *SingleArray) updateOne(j int, x float64) {
	if sa.cap.has(CapMean) || sa.cap.has(CapVariance) {
		if sa.count == 1 {
			sa.mean[j] = x
			sa.s[j] = 0
		} else {
			mOld := sa.mean[j]
			sa.mean[j] = mOld + (x-mOld)/float64(sa.count)
			if sa.cap.has(CapVariance) {
				sa.s[j] += (x - mOld) * (x - sa.mean[j])
			}
		}
	}
	if sa.cap.has(CapMin) && x < sa.min[j] {
		sa.min[j] = x
	}
	if sa.cap.has(CapMax) && x > sa.max[j] {
		sa.max[j] = x
	}
	if sa.cap.has(CapAbsMin) || sa.cap.has(CapAbsMax) {
		ax := math.Abs(x)
		if sa.cap.has(CapAbsMin) && ax < sa.absMn[j] {
			sa.absMn[j] = ax
		}
		if sa.cap.has(CapAbsMax) && ax > sa.absMx[j] {
			sa.absMx[j] = ax
		}
	}
}

// Count returns the number of vector samples folded in.
func (sa *SingleArray) Count() int64 { return sa.count }

// Mean returns the running per-index mean vector (caller must not mutate).
func (sa *SingleArray) Mean() []float64 { return sa.mean }

// Min returns the running per-index minimum vector (caller must not mutate).
func (sa *SingleArray) Min() []float64 { return sa.min }

// Max returns the running per-index maximum vector (caller must not mutate).
func (sa *SingleArray) Max() []float64 { return sa.max }

// Dev computes the per-index sample deviation vector using the vectorized
// sqrt/div reduction kernel (spec §4.C "reduction kernels").
func (sa *SingleArray) Dev() []float64 {
	out := make([]float64, sa.n)
	if sa.count < 2 {
		return out
	}
	denom := float64(sa.count - 1)
	forEachLane(sa.n, func(off, w int) {
		for j := off; j < off+w; j++ {
			out[j] = math.Sqrt(sa.s[j] / denom)
		}
	})
	return out
}

// DualArray holds two mean/variance vectors of lengths N and M and an NxM
// covariance matrix (spec §4.C). Covariance entry (i,j) updates with
// (val1[j]-m1_old)*(val0[i]-m0_new): new mean of the "first" variable
// (indexed i, length N), old mean of the "second" (indexed j, length M).
type DualArray struct {
	cap    Capability
	n, m   int
	count  int64
	mean0  []float64
	s0     []float64
	mean1  []float64
	s1     []float64
	cov    []float64 // row-major N x M
}

// NewDualArray constructs an accumulator over a length-n and length-m pair.
func NewDualArray(cap Capability, n, m int) *DualArray {
	cap = cap.resolved()
	da := &DualArray{cap: cap, n: n, m: m, mean0: make([]float64, n), s0: make([]float64, n), mean1: make([]float64, m), s1: make([]float64, m)}
	if cap.has(CapCovariance) {
		da.cov = make([]float64, n*m)
	}
	return da
}

// Update folds one pair of sample vectors (val0 of length N, val1 of length M).
func (da *DualArray) Update(val0, val1 []float64) {
	da.count++
	m1Old := append([]float64(nil), da.mean1...)

	forEachLane(da.n, func(off, w int) {
		for i := off; i < off+w; i++ {
			da.updateMeanVar(da.mean0, da.s0, i, val0[i])
		}
	})
	forEachLane(da.m, func(off, w int) {
		for j := off; j < off+w; j++ {
			da.updateMeanVar(da.mean1, da.s1, j, val1[j])
		}
	})

	if da.cap.has(CapCovariance) {
		for i := 0; i < da.n; i++ {
			m0New := da.mean0[i]
			base := i * da.m
			for j := 0; j < da.m; j++ {
				da.cov[base+j] += (val1[j] - m1Old[j]) * (val0[i] - m0New)
			}
		}
	}
}

func (da *DualArray) updateMeanVar(mean, s []float64, idx int, x float64) {
	if da.count == 1 {
		mean[idx] = x
		s[idx] = 0
		return
	}
	old := mean[idx]
	mean[idx] = old + (x-old)/float64(da.count)
	if da.cap.has(CapVariance) {
		s[idx] += (x - old) * (x - mean[idx])
	}
}

// Count returns the number of sample-pairs folded in.
func (da *DualArray) Count() int64 { return da.count }

// Dev0 returns the deviation vector for the first (length-N) stream.
func (da *DualArray) Dev0() []float64 { return devOf(da.s0, da.count) }

// Dev1 returns the deviation vector for the second (length-M) stream.
func (da *DualArray) Dev1() []float64 { return devOf(da.s1, da.count) }

func devOf(s []float64, count int64) []float64 {
	out := make([]float64, len(s))
	if count < 2 {
		return out
	}
	denom := float64(count - 1)
	forEachLane(len(s), func(off, w int) {
		for j := off; j < off+w; j++ {
			out[j] = math.Sqrt(s[j] / denom)
		}
	})
	return out
}

// Pearson returns the N x M Pearson matrix (row-major), using vectorized
// div/mul reduction over the covariance matrix and the two deviation
// vectors (spec §4.C).
func (da *DualArray) Pearson() []float64 {
	out := make([]float64, da.n*da.m)
	if da.count < 2 || da.cov == nil {
		return out
	}
	dev0 := da.Dev0()
	dev1 := da.Dev1()
	denom := float64(da.count - 1)
	for i := 0; i < da.n; i++ {
		base := i * da.m
		d0 := dev0[i]
		forEachLane(da.m, func(off, w int) {
			for j := off; j < off+w; j++ {
				d1 := dev1[j]
				if d0 == 0 || d1 == 0 {
					out[base+j] = 0
					continue
				}
				out[base+j] = da.cov[base+j] / (denom * d0 * d1)
			}
		})
	}
	return out
}

// At returns the covariance-matrix entry (i,j).
func (da *DualArray) At(i, j int) float64 {
	if da.cov == nil {
		return 0
	}
	return da.cov[i*da.m+j]
}
