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

// Package errs defines the closed set of error kinds every fallible
// operation in tracelab reports, plus the wrapping helper used throughout
// the pipeline, backends, and sinks.
package errs

import (
	"errors"
	"fmt"
)

// Kind is a closed enumeration of error categories. New kinds are not
// expected; callers may safely switch over the full set.
type Kind int

const (
	// Invalid marks a precondition violation (bad arguments, mismatched shapes).
	Invalid Kind = iota
	// NotFound marks an index out of range, an unknown port, or a missing trace.
	NotFound
	// IO marks a backend read/write/seek failure.
	IO
	// Decode marks a malformed TLV header, frame, or compressed payload.
	Decode
	// Memory marks an allocation or cache-slot refusal.
	Memory
	// Protocol marks a network framing or command-sequence violation.
	Protocol
	// Exhausted marks "no cache slot available" (all ways held).
	Exhausted
)

func (k Kind) String() string {
	switch k {
	case Invalid:
		return "invalid"
	case NotFound:
		return "not_found"
	case IO:
		return "io"
	case Decode:
		return "decode"
	case Memory:
		return "memory"
	case Protocol:
		return "protocol"
	case Exhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Error is a Kind-tagged error that wraps an optional underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with no underlying cause.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Err: errors.New(msg)}
}

// Wrap builds an *Error around an existing cause. If err is nil, Wrap
// returns nil so call sites can write `return errs.Wrap(...)` unconditionally
// after an `if err != nil` check without an extra branch.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err (or any error in its chain) is an *Error of kind k.
func Is(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}
