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
	"bytes"

	"tracelab/internal/crypto"
	"tracelab/internal/errs"
	"tracelab/internal/pipeline"
	"tracelab/internal/trace"
)

// knownKeyModel maps guess g to the trellis position (round g/16, byte
// g%16) of the real key's AES-128 round trellis (spec §4.E "aes_knownkey":
// ground-truth profiling, not key recovery). The trellis is memoized on
// the plaintext so a trace's 41*16 position lookups cost one key schedule,
// not one per position; cpaCore.compute calls Value single-threaded, so no
// lock is needed.
type knownKeyModel struct {
	key     []byte
	last    []byte
	trellis [41][16]byte
}

func (m *knownKeyModel) Value(data []byte, guess int) float64 {
	if len(data) < 16 {
		return 0
	}
	if !bytes.Equal(m.last, data[:16]) {
		trellis, err := crypto.RoundTrellis(data[:16], m.key)
		if err != nil {
			return 0
		}
		m.trellis = trellis
		m.last = append(m.last[:0], data[:16]...)
	}
	return float64(m.trellis[guess/16][guess%16])
}

// AESKnownKey is aes_knownkey (spec §4.E): one cpa engine over 41 round
// states x 16 bytes = 656 guesses, each guess one position of
// internal/crypto.RoundTrellis, output index = round*16 + byte.
type AESKnownKey struct {
	base
	Key []byte

	core *cpaCore
}

func (k *AESKnownKey) Init(n *pipeline.Node) error {
	k.node = n
	k.core = newCPACore(&knownKeyModel{key: k.Key}, 41*16)
	s := n.Upstream().Shape()
	s.NumTraces = 41 * 16
	n.SetShape(s)
	return nil
}

func (k *AESKnownKey) Get(t *trace.Trace) error {
	if int64(t.Index) >= 41*16 {
		return errs.New(errs.NotFound, "transform.AESKnownKey.Get", "index out of range")
	}
	if err := k.core.ensure(k.node.Upstream(), k.node.Bus()); err != nil {
		return err
	}
	t.Samples = k.core.column(int(t.Index))
	return nil
}
