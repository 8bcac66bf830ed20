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

// CryptoKind selects the associated-data self-consistency check verify
// applies (spec §4.E "verify"). AES-128 is the only kind this repo carries
// concrete machinery for (§1 Non-goals: crypto primitives are black-box).
type CryptoKind int

const (
	CryptoAES128 CryptoKind = iota
)

// Verify emits the input iff the associated-data self-consistency check
// for Kind passes, else a silent drop (nil trace fields).
type Verify struct {
	base
	Kind CryptoKind
}

func (k *Verify) Init(n *pipeline.Node) error {
	k.node = n
	n.SetShape(n.Upstream().Shape())
	return nil
}

func (k *Verify) Get(t *trace.Trace) error {
	up, err := getUpstream(k.node, t.Index)
	if err != nil {
		return err
	}
	defer k.node.Upstream().Free(up)

	var ok bool
	switch k.Kind {
	case CryptoAES128:
		ok, err = crypto.VerifyAES128(up.Data)
		if err != nil {
			return err
		}
	default:
		return errs.New(errs.Invalid, "transform.Verify.Get", "unknown crypto kind")
	}
	if !ok {
		t.Title, t.Data, t.Samples = nil, nil, nil
		return nil
	}
	trace.Passthrough(t, up)
	return nil
}
