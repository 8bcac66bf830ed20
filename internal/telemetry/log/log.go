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

// Package log provides the small logging surface tracelab uses everywhere:
// level-prefixed Printf-style calls straight to an io.Writer (stderr by
// default), the same register the teacher's worker and server code writes
// its own progress lines in. Its only dependency is go-humanize, for the
// Bytes and Comma helpers.
package log

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/dustin/go-humanize"
)

// Logger is a minimal, mutex-guarded writer. The zero value writes to stderr.
type Logger struct {
	mu  sync.Mutex
	out io.Writer
}

// Default is the process-wide logger used by package-level helpers.
var Default = &Logger{out: os.Stderr}

// New constructs a Logger writing to w.
func New(w io.Writer) *Logger { return &Logger{out: w} }

func (l *Logger) printf(level, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.out
	if out == nil {
		out = os.Stderr
	}
	fmt.Fprintf(out, "["+level+"] "+format+"\n", args...)
}

// Infof logs an informational line.
func (l *Logger) Infof(format string, args ...interface{}) { l.printf("info", format, args...) }

// Warnf logs a warning line.
func (l *Logger) Warnf(format string, args ...interface{}) { l.printf("warn", format, args...) }

// Errorf logs an error line.
func (l *Logger) Errorf(format string, args ...interface{}) { l.printf("error", format, args...) }

// Infof logs through the default logger.
func Infof(format string, args ...interface{}) { Default.Infof(format, args...) }

// Warnf logs through the default logger.
func Warnf(format string, args ...interface{}) { Default.Warnf(format, args...) }

// Errorf logs through the default logger.
func Errorf(format string, args ...interface{}) { Default.Errorf(format, args...) }

// Bytes renders a byte count using SI-ish human units, used when logging
// cache budgets and throughput figures.
func Bytes(n uint64) string { return humanize.Bytes(n) }

// Comma renders an integer with thousands separators, used for trace/access counters.
func Comma(n int64) string { return humanize.Comma(n) }
