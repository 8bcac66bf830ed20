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
	"tracelab/internal/crypto"
	"tracelab/internal/errs"
	"tracelab/internal/pipeline"
	"tracelab/internal/trace"
)

// chunkModel computes the Hamming weight of the associated-data bit chunk
// at [chunkIndex*granularity, (chunkIndex+1)*granularity) (spec §4.E
// "io_correlation").
type chunkModel struct {
	granularity int
	chunkIndex  int
}

func (m chunkModel) Value(data []byte, _ int) float64 {
	return float64(bitsPopcount(data, m.chunkIndex*m.granularity, m.granularity))
}

func bitsPopcount(data []byte, bitOffset, width int) int {
	count := 0
	for i := 0; i < width; i++ {
		pos := bitOffset + i
		byteIdx, bitIdx := pos/8, pos%8
		if byteIdx >= len(data) {
			continue
		}
		if data[byteIdx]&(1<<uint(bitIdx)) != 0 {
			count++
		}
	}
	return count
}

// IOCorrelation is io_correlation (spec §4.E): N single-guess cpa engines,
// one per associated-data bit chunk, each correlating samples against the
// chunk's Hamming weight. Verify, when set, drops traces failing the
// AES-128 self-consistency check before they are folded into the
// accumulator.
type IOCorrelation struct {
	base
	Verify      bool
	Granularity int
	Num         int

	cores []*cpaCore
}

func (k *IOCorrelation) Init(n *pipeline.Node) error {
	k.node = n
	var filter func(*trace.Trace) bool
	if k.Verify {
		filter = func(t *trace.Trace) bool {
			ok, err := crypto.VerifyAES128(t.Data)
			return err == nil && ok
		}
	}
	k.cores = make([]*cpaCore, k.Num)
	for c := 0; c < k.Num; c++ {
		k.cores[c] = newFilteredCPACore(chunkModel{granularity: k.Granularity, chunkIndex: c}, 1, filter)
	}
	s := n.Upstream().Shape()
	s.NumTraces = int64(k.Num)
	n.SetShape(s)
	return nil
}

func (k *IOCorrelation) Get(t *trace.Trace) error {
	if int(t.Index) >= k.Num {
		return errs.New(errs.NotFound, "transform.IOCorrelation.Get", "index out of range")
	}
	core := k.cores[t.Index]
	if err := core.ensure(k.node.Upstream(), k.node.Bus()); err != nil {
		return err
	}
	t.Samples = core.column(0)
	return nil
}
