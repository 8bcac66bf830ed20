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
	"sync"

	"tracelab/internal/block"
	"tracelab/internal/errs"
	"tracelab/internal/patternmatch"
	"tracelab/internal/pipeline"
	"tracelab/internal/sidebus"
	"tracelab/internal/trace"
)

// extractTimingClient wraps each located segment in its own block under
// DoneSingular: one output per detected pattern (spec §4.E "extract_timing").
type extractTimingClient struct{}

func (extractTimingClient) ConsumerInit() {}
func (extractTimingClient) ConsumerExit() {}
func (extractTimingClient) Initialize(t *trace.Trace) *block.Block {
	return &block.Block{Payload: t.Clone()}
}
func (extractTimingClient) TraceInteresting(t *trace.Trace) bool         { return true }
func (extractTimingClient) TraceMatches(*trace.Trace, *block.Block) bool { return false }
func (extractTimingClient) Accumulate(*trace.Trace, *block.Block)        {}
func (extractTimingClient) Finalize(out *trace.Trace, b *block.Block) int {
	trace.Passthrough(out, b.Payload.(*trace.Trace))
	return 0
}

// ExtractTiming is extract_pattern/extract_timing (spec §4.E): runs the
// pattern-match core against each upstream trace and emits one sub-trace
// per located pattern occurrence. GapPredictable/GapUnpredictable entries
// report a count of interior matches but not a recovered sample position
// (spec §4.K), so only Confident and Tail entries — both carrying a real
// index — become output segments; predicted gap counts are published on
// sidebus.PortExtractTimingDebug for a waiter to inspect.
type ExtractTiming struct {
	base
	PatternSize  int
	Expecting    int
	RefTrace     uint64
	Lower, Upper int
	Cfg          patternmatch.Config
	Matcher      patternmatch.Matcher

	once       sync.Once
	pattern    []float32
	patternErr error

	pump pumpState
	eng  *block.Engine
}

func (k *ExtractTiming) Init(n *pipeline.Node) error {
	k.node = n
	if k.Matcher == nil {
		k.Matcher = patternmatch.PureGo{}
	}
	s := n.Upstream().Shape()
	s.NumSamples = k.PatternSize
	s.NumTraces = pipeline.NumTracesUnknown
	n.SetShape(s)
	k.eng = block.New("extract_timing", extractTimingClient{}, block.DoneSingular)
	return nil
}

func (k *ExtractTiming) loadPattern() {
	up := k.node.Upstream()
	pt, err := up.Get(k.RefTrace)
	if err != nil {
		k.patternErr = err
		return
	}
	k.pattern = append([]float32(nil), pt.Samples[k.Lower:k.Upper]...)
	up.Free(pt)
}

func (k *ExtractTiming) pumpOnce() error {
	up := k.node.Upstream()
	bus := k.node.Bus()
	var nextOut uint64
	for i := uint64(0); ; i++ {
		t, err := up.Get(i)
		if err != nil {
			if errs.Is(err, errs.NotFound) {
				break
			}
			return err
		}
		vec, verr := k.Matcher.PearsonVector(t.Samples, k.pattern)
		if verr != nil {
			up.Free(t)
			continue
		}
		entries, serr := patternmatch.Segment(vec, k.Expecting, k.Cfg)
		if serr != nil {
			up.Free(t)
			continue
		}
		for _, e := range entries {
			if e.Kind != patternmatch.Confident && e.Kind != patternmatch.Tail {
				if bus != nil {
					bus.Push(sidebus.PortExtractTimingDebug, uint64(e.Index), nil, nil, []float32{float32(e.PredictedLen)})
				}
				continue
			}
			end := e.Index + k.PatternSize
			if end > len(t.Samples) {
				continue
			}
			seg := &trace.Trace{
				Title:   append([]byte(nil), t.Title...),
				Data:    append([]byte(nil), t.Data...),
				Samples: append([]float32(nil), t.Samples[e.Index:end]...),
				Index:   nextOut,
			}
			nextOut++
			k.eng.Ingest(seg)
		}
		up.Free(t)
	}
	k.eng.CloseAllOpen()
	return nil
}

func (k *ExtractTiming) Get(t *trace.Trace) error {
	k.once.Do(k.loadPattern)
	if k.patternErr != nil {
		return k.patternErr
	}
	k.pump.start(k.pumpOnce)
	if err := k.eng.Get(t, int64(t.Index)); err != nil {
		if perr := k.pump.Err(); perr != nil {
			return perr
		}
		return err
	}
	return nil
}
