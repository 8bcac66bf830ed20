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
	"math"
	"math/rand"
	"testing"

	"tracelab/internal/crypto"
	"tracelab/internal/errs"
	"tracelab/internal/patternmatch"
	"tracelab/internal/pipeline"
	"tracelab/internal/trace"
)

// memBackend is an in-memory pipeline.Backend over a fixed trace slice,
// used as the source node every kernel test builds on.
type memBackend struct {
	traces []*trace.Trace
}

func (b *memBackend) Read(t *trace.Trace) error {
	if t.Index >= uint64(len(b.traces)) {
		return errs.New(errs.NotFound, "memBackend.Read", "index out of range")
	}
	src := b.traces[t.Index]
	trace.Passthrough(t, src)
	return nil
}

func (b *memBackend) Write(t *trace.Trace) error { return nil }
func (b *memBackend) Close() error               { return nil }

func floatTrace(owner trace.NodeRef, idx uint64, title []byte, data []byte, samples []float32) *trace.Trace {
	return &trace.Trace{Owner: owner, Index: idx, Title: title, Data: data, Samples: samples}
}

func TestNopPassesThrough(t *testing.T) {
	ctrl := pipeline.NewController()
	srcNode := ctrl.NewSource(&memBackend{traces: []*trace.Trace{
		floatTrace(nil, 0, []byte("a"), nil, []float32{1, 2, 3}),
	}}, pipeline.Shape{TitleSize: 1, NumSamples: 3, Encoding: trace.EncodingFloat32, YScale: 1, NumTraces: 1})

	n, err := ctrl.NewDerived(srcNode, &Nop{})
	if err != nil {
		t.Fatalf("NewDerived: %v", err)
	}
	out, err := n.Get(0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(out.Samples) != 3 || out.Samples[1] != 2 {
		t.Fatalf("unexpected samples: %v", out.Samples)
	}
	if _, err := n.Get(1); !errs.Is(err, errs.NotFound) {
		t.Fatalf("expected NotFound past end, got %v", err)
	}
}

func TestNarrowWindows(t *testing.T) {
	ctrl := pipeline.NewController()
	srcNode := ctrl.NewSource(&memBackend{traces: []*trace.Trace{
		floatTrace(nil, 0, nil, nil, []float32{0, 1, 2, 3, 4, 5}),
		floatTrace(nil, 1, nil, nil, []float32{10, 11, 12, 13, 14, 15}),
	}}, pipeline.Shape{NumSamples: 6, Encoding: trace.EncodingFloat32, YScale: 1, NumTraces: 2})

	n, err := ctrl.NewDerived(srcNode, &Narrow{T0: 1, NT: 1, S0: 2, NS: 3})
	if err != nil {
		t.Fatalf("NewDerived: %v", err)
	}
	out, err := n.Get(0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	want := []float32{12, 13, 14}
	for i, v := range want {
		if out.Samples[i] != v {
			t.Fatalf("sample %d: got %v want %v", i, out.Samples, want)
		}
	}
}

func TestAppendConcatenatesTraceSets(t *testing.T) {
	ctrl := pipeline.NewController()
	first := ctrl.NewSource(&memBackend{traces: []*trace.Trace{
		floatTrace(nil, 0, nil, nil, []float32{1}),
	}}, pipeline.Shape{NumSamples: 1, Encoding: trace.EncodingFloat32, YScale: 1, NumTraces: 1})
	second := ctrl.NewSource(&memBackend{traces: []*trace.Trace{
		floatTrace(nil, 0, nil, nil, []float32{2}),
	}}, pipeline.Shape{NumSamples: 1, Encoding: trace.EncodingFloat32, YScale: 1, NumTraces: 1})

	n, err := ctrl.NewDerived(first, &Append{Other: second})
	if err != nil {
		t.Fatalf("NewDerived: %v", err)
	}
	if n.Shape().NumTraces != 2 {
		t.Fatalf("expected combined count 2, got %d", n.Shape().NumTraces)
	}
	a, err := n.Get(0)
	if err != nil || a.Samples[0] != 1 {
		t.Fatalf("Get(0): %v %v", a, err)
	}
	b, err := n.Get(1)
	if err != nil || b.Samples[0] != 2 {
		t.Fatalf("Get(1): %v %v", b, err)
	}
}

func TestSplitTVLAKeepsOnlyMatchingClass(t *testing.T) {
	ctrl := pipeline.NewController()
	srcNode := ctrl.NewSource(&memBackend{traces: []*trace.Trace{
		floatTrace(nil, 0, []byte("TVLA set Fixed A"), nil, []float32{1, 2}),
		floatTrace(nil, 1, []byte("TVLA set Random B"), nil, []float32{3, 4}),
	}}, pipeline.Shape{TitleSize: 18, NumSamples: 2, Encoding: trace.EncodingFloat32, YScale: 1, NumTraces: 2})

	n, err := ctrl.NewDerived(srcNode, &SplitTVLA{Which: true})
	if err != nil {
		t.Fatalf("NewDerived: %v", err)
	}
	fixed, _ := n.Get(0)
	if fixed.Samples == nil {
		t.Fatalf("expected Fixed-class samples to survive")
	}
	random, _ := n.Get(1)
	if random.Samples != nil {
		t.Fatalf("expected Random-class samples dropped, got %v", random.Samples)
	}
}

func TestAveragePerSample(t *testing.T) {
	ctrl := pipeline.NewController()
	srcNode := ctrl.NewSource(&memBackend{traces: []*trace.Trace{
		floatTrace(nil, 0, nil, nil, []float32{0, 2}),
		floatTrace(nil, 1, nil, nil, []float32{2, 4}),
	}}, pipeline.Shape{NumSamples: 2, Encoding: trace.EncodingFloat32, YScale: 1, NumTraces: 2})

	n, err := ctrl.NewDerived(srcNode, &Average{PerSample: true})
	if err != nil {
		t.Fatalf("NewDerived: %v", err)
	}
	out, err := n.Get(0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if out.Samples[0] != 1 || out.Samples[1] != 3 {
		t.Fatalf("unexpected mean vector: %v", out.Samples)
	}
}

func TestVerifyDropsOnFailure(t *testing.T) {
	ctrl := pipeline.NewController()
	srcNode := ctrl.NewSource(&memBackend{traces: []*trace.Trace{
		floatTrace(nil, 0, nil, make([]byte, 48), []float32{1}),
	}}, pipeline.Shape{DataSize: 48, NumSamples: 1, Encoding: trace.EncodingFloat32, YScale: 1, NumTraces: 1})

	n, err := ctrl.NewDerived(srcNode, &Verify{Kind: CryptoAES128})
	if err != nil {
		t.Fatalf("NewDerived: %v", err)
	}
	out, err := n.Get(0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !out.Empty() {
		t.Fatalf("expected drop for data that does not satisfy the AES round trip, got %+v", out)
	}
}

func TestReduceAlongMeanByFixedSize(t *testing.T) {
	ctrl := pipeline.NewController()
	srcNode := ctrl.NewSource(&memBackend{traces: []*trace.Trace{
		floatTrace(nil, 0, nil, nil, []float32{0, 0}),
		floatTrace(nil, 1, nil, nil, []float32{2, 2}),
		floatTrace(nil, 2, nil, nil, []float32{10, 10}),
		floatTrace(nil, 3, nil, nil, []float32{20, 20}),
	}}, pipeline.Shape{NumSamples: 2, Encoding: trace.EncodingFloat32, YScale: 1, NumTraces: 4})

	n, err := ctrl.NewDerived(srcNode, &ReduceAlong{Along: AlongNum, Param: 2, Stat: SummaryMean})
	if err != nil {
		t.Fatalf("NewDerived: %v", err)
	}
	g0, err := n.Get(0)
	if err != nil {
		t.Fatalf("Get(0): %v", err)
	}
	if g0.Samples[0] != 1 {
		t.Fatalf("group 0 mean: got %v want 1", g0.Samples)
	}
	g1, err := n.Get(1)
	if err != nil {
		t.Fatalf("Get(1): %v", err)
	}
	if g1.Samples[0] != 15 {
		t.Fatalf("group 1 mean: got %v want 15", g1.Samples)
	}
}

func TestSelectAlongPicksLargest(t *testing.T) {
	ctrl := pipeline.NewController()
	srcNode := ctrl.NewSource(&memBackend{traces: []*trace.Trace{
		floatTrace(nil, 0, nil, nil, []float32{1}),
		floatTrace(nil, 1, nil, nil, []float32{9}),
		floatTrace(nil, 2, nil, nil, []float32{3}),
	}}, pipeline.Shape{NumSamples: 1, Encoding: trace.EncodingFloat32, YScale: 1, NumTraces: 3})

	n, err := ctrl.NewDerived(srcNode, &SelectAlong{Along: AlongNum, Param: 3, Stat: SummaryMax})
	if err != nil {
		t.Fatalf("NewDerived: %v", err)
	}
	out, err := n.Get(0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if out.Samples[0] != 9 {
		t.Fatalf("expected the trace scoring highest (9), got %v", out.Samples)
	}
}

func TestSortAlongEmitsAscending(t *testing.T) {
	ctrl := pipeline.NewController()
	srcNode := ctrl.NewSource(&memBackend{traces: []*trace.Trace{
		floatTrace(nil, 0, nil, nil, []float32{9}),
		floatTrace(nil, 1, nil, nil, []float32{1}),
		floatTrace(nil, 2, nil, nil, []float32{5}),
	}}, pipeline.Shape{NumSamples: 1, Encoding: trace.EncodingFloat32, YScale: 1, NumTraces: 3})

	n, err := ctrl.NewDerived(srcNode, &SortAlong{Along: AlongNum, Param: 3, Stat: SummaryMax})
	if err != nil {
		t.Fatalf("NewDerived: %v", err)
	}
	var got []float32
	for i := uint64(0); i < 3; i++ {
		out, err := n.Get(i)
		if err != nil {
			t.Fatalf("Get(%d): %v", i, err)
		}
		got = append(got, out.Samples[0])
	}
	want := []float32{1, 5, 9}
	for i, v := range want {
		if got[i] != v {
			t.Fatalf("got %v want ascending %v", got, want)
		}
	}
}

func TestMatchProducesPearsonCurve(t *testing.T) {
	ctrl := pipeline.NewController()
	pattern := []float32{0, 1, 0, -1}
	signal := make([]float32, 40)
	for i := range signal {
		signal[i] = float32(math.Sin(float64(i)))
	}
	srcNode := ctrl.NewSource(&memBackend{traces: []*trace.Trace{
		floatTrace(nil, 0, nil, nil, pattern),
		floatTrace(nil, 1, nil, nil, signal),
	}}, pipeline.Shape{NumSamples: 40, Encoding: trace.EncodingFloat32, YScale: 1, NumTraces: 2})

	n, err := ctrl.NewDerived(srcNode, &Match{
		PatternNode: srcNode,
		PatternIndex: 0,
		First: 0, Last: len(pattern),
	})
	if err != nil {
		t.Fatalf("NewDerived: %v", err)
	}
	out, err := n.Get(1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(out.Samples) == 0 {
		t.Fatalf("expected a non-empty Pearson curve")
	}
}

func TestCPAProducesOneCurvePerGuess(t *testing.T) {
	ctrl := pipeline.NewController()
	srcNode := ctrl.NewSource(&memBackend{traces: []*trace.Trace{
		floatTrace(nil, 0, nil, []byte{0x01}, []float32{1, 2}),
		floatTrace(nil, 1, nil, []byte{0x02}, []float32{3, 4}),
		floatTrace(nil, 2, nil, []byte{0x03}, []float32{5, 6}),
	}}, pipeline.Shape{DataSize: 1, NumSamples: 2, Encoding: trace.EncodingFloat32, YScale: 1, NumTraces: 3})

	model := byteLeakageModel{kind: AES128R0HWSboxOut, offset: 0}
	n, err := ctrl.NewDerived(srcNode, &CPA{Model: model, K: 4})
	if err != nil {
		t.Fatalf("NewDerived: %v", err)
	}
	if n.Shape().NumTraces != 4 {
		t.Fatalf("expected one output trace per guess, got %d", n.Shape().NumTraces)
	}
	out, err := n.Get(0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(out.Samples) != 2 {
		t.Fatalf("expected a curve with one value per sample index, got %v", out.Samples)
	}
}

// TestStaticAlignRecoversOriginalTrace mirrors spec scenario 3: a set of
// traces carrying the same Gaussian bump at known circular shifts must all
// come back bit-equal to the unshifted reference trace once corrected.
func TestStaticAlignRecoversOriginalTrace(t *testing.T) {
	const n = 100
	bump := make([]float32, n)
	for i := range bump {
		d := float64(i - 50)
		bump[i] = float32(math.Exp(-d * d / 50))
	}

	shifts := []int{0, -5, -4, -3, -2, -1, 1, 2, 3, 4}
	traces := make([]*trace.Trace, len(shifts))
	for i, s := range shifts {
		traces[i] = floatTrace(nil, uint64(i), nil, nil, circularShift(bump, s))
	}

	ctrl := pipeline.NewController()
	srcNode := ctrl.NewSource(&memBackend{traces: traces}, pipeline.Shape{
		NumSamples: n, Encoding: trace.EncodingFloat32, YScale: 1, NumTraces: int64(len(shifts)),
	})

	dn, err := ctrl.NewDerived(srcNode, &StaticAlign{
		RefTrace: 0, Lower: 40, Upper: 60, Confidence: 0.9, MaxShift: 10,
	})
	if err != nil {
		t.Fatalf("NewDerived: %v", err)
	}

	ref, err := srcNode.Get(0)
	if err != nil {
		t.Fatalf("Get reference: %v", err)
	}

	for i, s := range shifts {
		out, err := dn.Get(uint64(i))
		if err != nil {
			t.Fatalf("Get(%d) (shift %d): %v", i, s, err)
		}
		if len(out.Samples) != n {
			t.Fatalf("Get(%d): expected %d samples, got %d", i, n, len(out.Samples))
		}
		for j := range ref.Samples {
			if out.Samples[j] != ref.Samples[j] {
				t.Fatalf("trace %d (shift %d) sample %d: got %v want %v", i, s, j, out.Samples[j], ref.Samples[j])
			}
		}
	}
}

// TestAESIntermediateRecoversKeyByte mirrors spec scenario 4 in miniature:
// a leakage trace whose only informative sample is HW(sbox[pt[0]^0x2B])
// must peak CPA's correlation at guess 0x2B.
func TestAESIntermediateRecoversKeyByte(t *testing.T) {
	const trueKeyByte = 0x2B
	rng := rand.New(rand.NewSource(1))

	n := 2000
	traces := make([]*trace.Trace, n)
	for i := range traces {
		pt0 := byte(rng.Intn(256))
		leak := hammingWeight(crypto.Sbox(pt0 ^ trueKeyByte))
		traces[i] = floatTrace(nil, uint64(i), nil, []byte{pt0}, []float32{float32(leak)})
	}

	ctrl := pipeline.NewController()
	srcNode := ctrl.NewSource(&memBackend{traces: traces}, pipeline.Shape{
		DataSize: 1, NumSamples: 1, Encoding: trace.EncodingFloat32, YScale: 1, NumTraces: int64(n),
	})

	dn, err := ctrl.NewDerived(srcNode, &AESIntermediate{Kind: AES128R0HWSboxOut})
	if err != nil {
		t.Fatalf("NewDerived: %v", err)
	}

	bestGuess, bestAbs := -1, -1.0
	for g := 0; g < 256; g++ {
		out, err := dn.Get(uint64(g)) // byte offset 0: index == guess
		if err != nil {
			t.Fatalf("Get(%d): %v", g, err)
		}
		a := math.Abs(float64(out.Samples[0]))
		if a > bestAbs {
			bestAbs = a
			bestGuess = g
		}
	}
	if bestGuess != trueKeyByte {
		t.Fatalf("expected peak correlation at guess 0x%02X, got 0x%02X (|r|=%v)", trueKeyByte, bestGuess, bestAbs)
	}
}

// TestIOCorrelationProducesOneCurvePerChunk mirrors the CPA one-curve-per-guess
// shape check, but over io_correlation's associated-data bit chunks.
func TestIOCorrelationProducesOneCurvePerChunk(t *testing.T) {
	ctrl := pipeline.NewController()
	srcNode := ctrl.NewSource(&memBackend{traces: []*trace.Trace{
		floatTrace(nil, 0, nil, []byte{0x01}, []float32{1}),
		floatTrace(nil, 1, nil, []byte{0x02}, []float32{2}),
		floatTrace(nil, 2, nil, []byte{0x03}, []float32{3}),
	}}, pipeline.Shape{DataSize: 1, NumSamples: 1, Encoding: trace.EncodingFloat32, YScale: 1, NumTraces: 3})

	n, err := ctrl.NewDerived(srcNode, &IOCorrelation{Granularity: 8, Num: 1})
	if err != nil {
		t.Fatalf("NewDerived: %v", err)
	}
	if n.Shape().NumTraces != 1 {
		t.Fatalf("expected one output trace per chunk, got %d", n.Shape().NumTraces)
	}
	out, err := n.Get(0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(out.Samples) != 1 {
		t.Fatalf("expected a single-sample curve, got %v", out.Samples)
	}
}

// TestAESKnownKeyCoversFullTrellis checks aes_knownkey exposes the full
// 41-round x 16-byte trellis (spec §9 supplemented-features resolution),
// not just the round-0 subset aes_intermediate covers.
func TestAESKnownKeyCoversFullTrellis(t *testing.T) {
	key := make([]byte, 16)
	for i := range key {
		key[i] = byte(i)
	}
	data := make([]byte, 16)
	for i := range data {
		data[i] = byte(0xA0 + i)
	}

	ctrl := pipeline.NewController()
	srcNode := ctrl.NewSource(&memBackend{traces: []*trace.Trace{
		floatTrace(nil, 0, nil, data, []float32{1}),
		floatTrace(nil, 1, nil, data, []float32{2}),
	}}, pipeline.Shape{DataSize: 16, NumSamples: 1, Encoding: trace.EncodingFloat32, YScale: 1, NumTraces: 2})

	n, err := ctrl.NewDerived(srcNode, &AESKnownKey{Key: key})
	if err != nil {
		t.Fatalf("NewDerived: %v", err)
	}
	if n.Shape().NumTraces != 41*16 {
		t.Fatalf("expected 41*16 trellis positions, got %d", n.Shape().NumTraces)
	}
	if _, err := n.Get(0); err != nil {
		t.Fatalf("Get(0): %v", err)
	}
	if _, err := n.Get(uint64(41*16 - 1)); err != nil {
		t.Fatalf("Get(last): %v", err)
	}
	if _, err := n.Get(uint64(41 * 16)); !errs.Is(err, errs.NotFound) {
		t.Fatalf("expected NotFound past the trellis bound, got %v", err)
	}
}

// TestExtractTimingLocatesReferenceWindow mirrors spec §4.K: the reference
// window (samples 25..33 of the one upstream trace) is also the trace's own
// content at that offset, so it correlates with itself at exactly 1.0 there
// and nowhere else along a smooth non-periodic signal; extract_timing must
// locate it and emit a segment bit-equal to the reference.
func TestExtractTimingLocatesReferenceWindow(t *testing.T) {
	const n = 60
	signal := make([]float32, n)
	for i := range signal {
		signal[i] = float32(math.Sin(float64(i)))
	}
	want := append([]float32(nil), signal[25:33]...)

	ctrl := pipeline.NewController()
	srcNode := ctrl.NewSource(&memBackend{traces: []*trace.Trace{
		floatTrace(nil, 0, nil, nil, signal),
	}}, pipeline.Shape{NumSamples: n, Encoding: trace.EncodingFloat32, YScale: 1, NumTraces: 1})

	kern := &ExtractTiming{
		PatternSize: 8,
		Expecting:   1,
		RefTrace:    0,
		Lower:       25,
		Upper:       33,
		Cfg: patternmatch.Config{
			AvgLen:     8,
			MaxDev:     2,
			Confidence: 0.999999,
			RefMean:    1000,
			RefDev:     1,
		},
	}
	dn, err := ctrl.NewDerived(srcNode, kern)
	if err != nil {
		t.Fatalf("NewDerived: %v", err)
	}

	out, err := dn.Get(0)
	if err != nil {
		t.Fatalf("Get(0): %v", err)
	}
	if len(out.Samples) != len(want) {
		t.Fatalf("segment length: got %d want %d", len(out.Samples), len(want))
	}
	for i, s := range out.Samples {
		if s != want[i] {
			t.Fatalf("segment sample %d: got %v want %v", i, s, want[i])
		}
	}
}
