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
	"math/bits"

	"tracelab/internal/crypto"
	"tracelab/internal/errs"
	"tracelab/internal/pipeline"
	"tracelab/internal/trace"
)

// Leakage selects one of the five AES-128 round-0 power models
// aes_intermediate instantiates cpa with (spec §4.E "aes_intermediate").
type Leakage int

const (
	AES128R0HWSboxOut Leakage = iota
	AES128R0HWSboxIn
	AES128R0HDSboxInOut
	AES128R0HWGuess
	AES128R0LSBSboxOut
)

func hammingWeight(b byte) float64 { return float64(bits.OnesCount8(b)) }

// byteLeakageModel evaluates one Leakage at a fixed plaintext byte offset.
type byteLeakageModel struct {
	kind   Leakage
	offset int
}

func (m byteLeakageModel) Value(data []byte, guess int) float64 {
	pt := data[m.offset]
	g := byte(guess)
	in := pt ^ g
	out := crypto.Sbox(in)
	switch m.kind {
	case AES128R0HWSboxOut:
		return hammingWeight(out)
	case AES128R0HWSboxIn:
		return hammingWeight(in)
	case AES128R0HDSboxInOut:
		return hammingWeight(in ^ out)
	case AES128R0HWGuess:
		return hammingWeight(g)
	case AES128R0LSBSboxOut:
		return float64(out & 1)
	default:
		return 0
	}
}

// AESIntermediate is aes_intermediate(m) (spec §4.E): 16 independent
// 256-guess cpa engines, one per plaintext byte, concatenated into 4096
// output traces indexed byte-major (index = byte*256 + guess).
type AESIntermediate struct {
	base
	Kind Leakage

	cores [16]*cpaCore
}

func (k *AESIntermediate) Init(n *pipeline.Node) error {
	k.node = n
	for b := 0; b < 16; b++ {
		k.cores[b] = newCPACore(byteLeakageModel{kind: k.Kind, offset: b}, 256)
	}
	s := n.Upstream().Shape()
	s.NumTraces = 16 * 256
	n.SetShape(s)
	return nil
}

func (k *AESIntermediate) Get(t *trace.Trace) error {
	total := int64(16 * 256)
	if int64(t.Index) >= total {
		return errs.New(errs.NotFound, "transform.AESIntermediate.Get", "index out of range")
	}
	b := int(t.Index / 256)
	g := int(t.Index % 256)
	core := k.cores[b]
	if err := core.ensure(k.node.Upstream(), k.node.Bus()); err != nil {
		return err
	}
	t.Samples = core.column(g)
	return nil
}
