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

// Package stats implements the incremental statistics engine (spec §4.C):
// Welford single/dual scalar accumulators, their 1-D/2-D array extensions,
// and Pearson-vector reduction kernels used by CPA and pattern-match. Inner
// loops are structured in SIMD-sized lanes (see lanes.go) per the REDESIGN
// FLAGS instruction to replace AVX intrinsics with a portable wide-lane
// abstraction rather than scalar-only code.
package stats

import "math"

// Capability is a bitset declaring which statistics an accumulator
// maintains. Dependencies: variance and covariance depend on mean; Pearson
// depends on mean, variance, and covariance. Min/max/abs-min/abs-max are
// independent of everything else.
type Capability uint8

const (
	CapMean Capability = 1 << iota
	CapVariance
	CapCovariance
	CapMin
	CapMax
	CapAbsMin
	CapAbsMax
	CapPearson // implies Mean|Variance|Covariance

	CapAll = CapMean | CapVariance | CapCovariance | CapMin | CapMax | CapAbsMin | CapAbsMax | CapPearson
)

func (c Capability) has(x Capability) bool { return c&x != 0 }

// resolved expands Pearson into its dependencies so callers only need to
// check the primitive flags.
func (c Capability) resolved() Capability {
	if c.has(CapPearson) {
		c |= CapMean | CapVariance | CapCovariance
	}
	return c
}

// Single is a scalar Welford accumulator: running mean and the Welford
// "M2"-like sum-of-squared-deviations term, plus min/max/abs extrema.
type Single struct {
	cap      Capability
	count    int64
	mean     float64
	s        float64 // sum of (x-mean_old)(x-mean_new)
	min, max float64
	absMin   float64
	absMax   float64
}

// NewSingle constructs an accumulator maintaining the given capabilities.
func NewSingle(cap Capability) *Single {
	return &Single{cap: cap.resolved(), min: math.Inf(1), max: math.Inf(-1), absMin: math.Inf(1), absMax: 0}
}

// Update folds one sample into the accumulator.
func (a *Single) Update(x float64) {
	a.count++
	if a.cap.has(CapMean) || a.cap.has(CapVariance) {
		if a.count == 1 {
			a.mean = x
			a.s = 0
		} else {
			mOld := a.mean
			a.mean = mOld + (x-mOld)/float64(a.count)
			if a.cap.has(CapVariance) {
				a.s += (x - mOld) * (x - a.mean)
			}
		}
	}
	if a.cap.has(CapMin) && x < a.min {
		a.min = x
	}
	if a.cap.has(CapMax) && x > a.max {
		a.max = x
	}
	if a.cap.has(CapAbsMin) || a.cap.has(CapAbsMax) {
		ax := math.Abs(x)
		if a.cap.has(CapAbsMin) && ax < a.absMin {
			a.absMin = ax
		}
		if a.cap.has(CapAbsMax) && ax > a.absMax {
			a.absMax = ax
		}
	}
}

// Count returns the number of samples folded in.
func (a *Single) Count() int64 { return a.count }

// Mean returns the running mean.
func (a *Single) Mean() float64 { return a.mean }

// Dev returns sqrt(s/(count-1)), the sample standard deviation. Returns 0 for count<2.
func (a *Single) Dev() float64 {
	if a.count < 2 {
		return 0
	}
	return math.Sqrt(a.s / float64(a.count-1))
}

// Min returns the running minimum.
func (a *Single) Min() float64 { return a.min }

// Max returns the running maximum.
func (a *Single) Max() float64 { return a.max }

// AbsMin returns the running minimum of |x|.
func (a *Single) AbsMin() float64 { return a.absMin }

// AbsMax returns the running maximum of |x|.
func (a *Single) AbsMax() float64 { return a.absMax }

// Dual maintains two scalar streams plus their running covariance, from
// which Pearson correlation is derived.
type Dual struct {
	cap  Capability
	a, b Single
	cov  float64
}

// NewDual constructs a dual accumulator maintaining the given capabilities.
func NewDual(cap Capability) *Dual {
	cap = cap.resolved()
	return &Dual{
		cap: cap,
		a:   Single{cap: cap, min: math.Inf(1), max: math.Inf(-1), absMin: math.Inf(1)},
		b:   Single{cap: cap, min: math.Inf(1), max: math.Inf(-1), absMin: math.Inf(1)},
	}
}

// Update folds one paired sample (x0, x1) into the accumulator. Covariance
// update order follows spec §4.C exactly: cov += (x0 - m0_old) * (x1 - m1_new).
func (d *Dual) Update(x0, x1 float64) {
	m0Old := d.a.mean
	d.a.Update(x0)
	d.b.Update(x1)
	if d.cap.has(CapCovariance) {
		if d.a.count == 1 {
			d.cov = 0
		} else {
			m1New := d.b.mean
			d.cov += (x0 - m0Old) * (x1 - m1New)
		}
	}
}

// Count returns the number of paired samples folded in.
func (d *Dual) Count() int64 { return d.a.count }

// Pearson returns cov / ((count-1) * dev0 * dev1). Returns 0 for degenerate
// (count<2, or either deviation is zero) inputs.
func (d *Dual) Pearson() float64 {
	if d.a.count < 2 {
		return 0
	}
	dev0, dev1 := d.a.Dev(), d.b.Dev()
	if dev0 == 0 || dev1 == 0 {
		return 0
	}
	return d.cov / (float64(d.a.count-1) * dev0 * dev1)
}

// Dev0 returns the first stream's sample deviation.
func (d *Dual) Dev0() float64 { return d.a.Dev() }

// Dev1 returns the second stream's sample deviation.
func (d *Dual) Dev1() float64 { return d.b.Dev() }

// Mean0 returns the first stream's running mean.
func (d *Dual) Mean0() float64 { return d.a.mean }

// Mean1 returns the second stream's running mean.
func (d *Dual) Mean1() float64 { return d.b.mean }

// NaiveMoments computes mean and sample standard deviation directly (not
// incrementally), used only by tests to cross-check the Welford
// accumulator against property P2. Grounded on original_source's
// lib/stats/oneshot.c, which the distilled spec.md does not mention.
func NaiveMoments(xs []float64) (mean, dev float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean = sum / float64(len(xs))
	if len(xs) < 2 {
		return mean, 0
	}
	var ss float64
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / float64(len(xs)-1))
}
