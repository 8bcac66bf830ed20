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

// Package config parses the textual pipeline configuration (spec §6): one
// verb per line, indentation by multiples of four spaces or a tab encoding
// the pipeline DAG (children are more-indented than their parent), with an
// optional trailing parenthesized sink/cache directive. This is the front
// door the CLI driver (cmd/tracelab) walks to build a pipeline.Controller
// graph; per spec §1 the grammar itself is treated as a thin layer, not a
// subsystem, so the parser below is a small hand-rolled line scanner rather
// than a parser-combinator or grammar library (the teacher's own "no
// framework" configuration convention, restated in SPEC_FULL.md §2).
package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"tracelab/internal/errs"
)

// SinkKind is one of the five trailing parenthesized directives a config
// line may carry (spec §6 "Per-line optional trailing parenthesized block").
type SinkKind string

const (
	SinkCache        SinkKind = "cache"
	SinkRender       SinkKind = "render"
	SinkExport       SinkKind = "export"
	SinkRenderAsync  SinkKind = "render_async"
	SinkExportAsync  SinkKind = "export_async"
)

// Sink is a parsed trailing directive, e.g. "( cache 65536 4 )" or
// "( render 8 )".
type Sink struct {
	Kind SinkKind
	Args []string
}

// Node is one parsed config line: a verb, its positional arguments, an
// optional trailing sink directive, and the more-indented lines nested
// beneath it (its downstream consumers in the pipeline DAG).
type Node struct {
	Verb     string
	Args     []string
	Sink     *Sink
	Children []*Node
	Line     int
}

// Parse reads a full config file and returns its top-level nodes (normally
// a single "source ..." root, but the grammar does not forbid multiple
// independent roots).
func Parse(r io.Reader) ([]*Node, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	type frame struct {
		indent int
		node   *Node
	}
	var roots []*Node
	var stack []frame

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := scanner.Text()
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" || strings.HasPrefix(trimmed, ";") || strings.HasPrefix(trimmed, "#") {
			continue
		}

		indent := indentLevel(raw)
		n, err := parseLine(trimmed, lineNo)
		if err != nil {
			return nil, err
		}

		for len(stack) > 0 && stack[len(stack)-1].indent >= indent {
			stack = stack[:len(stack)-1]
		}
		if len(stack) == 0 {
			roots = append(roots, n)
		} else {
			parent := stack[len(stack)-1].node
			parent.Children = append(parent.Children, n)
		}
		stack = append(stack, frame{indent: indent, node: n})
	}
	if err := scanner.Err(); err != nil {
		return nil, errs.Wrap(errs.Decode, "config.Parse", err)
	}
	return roots, nil
}

// indentLevel counts leading-whitespace indentation units: a tab counts as
// one level; every four leading spaces counts as one level (spec §6
// "indentation by multiples of 4 spaces or tabs").
func indentLevel(raw string) int {
	level := 0
	spaces := 0
	for _, r := range raw {
		switch r {
		case '\t':
			level++
		case ' ':
			spaces++
			if spaces == 4 {
				level++
				spaces = 0
			}
		default:
			return level
		}
	}
	return level
}

func parseLine(line string, lineNo int) (*Node, error) {
	body, sink, err := splitSink(line, lineNo)
	if err != nil {
		return nil, err
	}
	toks, err := tokenize(body)
	if err != nil {
		return nil, errs.Wrap(errs.Decode, "config.parseLine", fmt.Errorf("line %d: %w", lineNo, err))
	}
	if len(toks) == 0 {
		return nil, errs.New(errs.Decode, "config.parseLine", fmt.Sprintf("line %d: empty verb", lineNo))
	}
	return &Node{Verb: toks[0], Args: toks[1:], Sink: sink, Line: lineNo}, nil
}

// splitSink strips a trailing "( ... )" block, if present, and parses it as
// a Sink directive.
func splitSink(line string, lineNo int) (body string, sink *Sink, err error) {
	line = strings.TrimSpace(line)
	if !strings.HasSuffix(line, ")") {
		return line, nil, nil
	}
	open := strings.LastIndex(line, "(")
	if open < 0 {
		return "", nil, errs.New(errs.Decode, "config.splitSink", fmt.Sprintf("line %d: unmatched ')'", lineNo))
	}
	inner := strings.TrimSpace(line[open+1 : len(line)-1])
	toks := strings.Fields(inner)
	if len(toks) == 0 {
		return "", nil, errs.New(errs.Decode, "config.splitSink", fmt.Sprintf("line %d: empty sink directive", lineNo))
	}
	s := &Sink{Kind: SinkKind(toks[0]), Args: toks[1:]}
	switch s.Kind {
	case SinkCache, SinkRender, SinkExport, SinkRenderAsync, SinkExportAsync:
	default:
		return "", nil, errs.New(errs.Decode, "config.splitSink", fmt.Sprintf("line %d: unknown sink directive %q", lineNo, s.Kind))
	}
	return strings.TrimSpace(line[:open]), s, nil
}

// tokenize splits body into whitespace-separated tokens, honoring
// double-quoted strings for path-valued arguments (spec §6 `source "path"`).
func tokenize(body string) ([]string, error) {
	var toks []string
	var cur strings.Builder
	inQuote := false
	flush := func() {
		if cur.Len() > 0 {
			toks = append(toks, cur.String())
			cur.Reset()
		}
	}
	for i := 0; i < len(body); i++ {
		c := body[i]
		switch {
		case c == '"':
			inQuote = !inQuote
		case c == ' ' && !inQuote:
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	if inQuote {
		return nil, fmt.Errorf("unterminated quoted string")
	}
	flush()
	return toks, nil
}

// Int parses args[i] as an integer, wrapping parse failures as errs.Invalid.
func Int(args []string, i int, op string) (int, error) {
	if i >= len(args) {
		return 0, errs.New(errs.Invalid, op, fmt.Sprintf("missing argument %d", i))
	}
	v, err := strconv.Atoi(args[i])
	if err != nil {
		return 0, errs.Wrap(errs.Invalid, op, err)
	}
	return v, nil
}

// Float parses args[i] as a float64.
func Float(args []string, i int, op string) (float64, error) {
	if i >= len(args) {
		return 0, errs.New(errs.Invalid, op, fmt.Sprintf("missing argument %d", i))
	}
	v, err := strconv.ParseFloat(args[i], 64)
	if err != nil {
		return 0, errs.Wrap(errs.Invalid, op, err)
	}
	return v, nil
}

// Bool parses args[i] as a bool ("true"/"false"/"0"/"1").
func Bool(args []string, i int, op string) (bool, error) {
	if i >= len(args) {
		return false, errs.New(errs.Invalid, op, fmt.Sprintf("missing argument %d", i))
	}
	switch args[i] {
	case "true", "1":
		return true, nil
	case "false", "0":
		return false, nil
	default:
		return false, errs.New(errs.Invalid, op, "not a bool: "+args[i])
	}
}

// Str returns args[i], or an error if absent.
func Str(args []string, i int, op string) (string, error) {
	if i >= len(args) {
		return "", errs.New(errs.Invalid, op, fmt.Sprintf("missing argument %d", i))
	}
	return args[i], nil
}
