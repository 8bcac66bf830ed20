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

// Package visualize implements the visualize sink driver (spec §4.H): a
// dedicated worker that groups incoming traces into "base" batches of
// rows*cols*plots and renders each completed batch as a multi-chart page.
// The non-Linux native-display path is out of scope (spec §9 "tfm_visualize's
// non-Linux path is explicitly unimplemented"); tracelab always renders to
// the echarts HTML file path, one file per completed batch, in place of a
// live window.
package visualize

import (
	"fmt"
	"os"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"tracelab/internal/errs"
	"tracelab/internal/pipeline"
	"tracelab/internal/trace"
)

// Axis names one of the three grouping dimensions a visualize config's
// order0/order1/order2 verb arguments permute (spec §6 "visualize <rows>
// <cols> <plots> ... <order0> <order1> <order2>").
type Axis int

const (
	AxisRow Axis = iota
	AxisCol
	AxisPlot
)

func ParseAxis(s string) (Axis, error) {
	switch s {
	case "row":
		return AxisRow, nil
	case "col":
		return AxisCol, nil
	case "plot":
		return AxisPlot, nil
	default:
		return 0, errs.New(errs.Invalid, "visualize.ParseAxis", "unknown axis: "+s)
	}
}

// Config is the visualize(rows, cols, plots, samples, order, filename) verb's
// parsed arguments.
type Config struct {
	Rows, Cols, Plots int
	Samples           int
	Order             [3]Axis // within-batch traversal order, fastest-varying first
	Filename          string  // base path for rendered batches; "-<base>.html" is appended
}

// batchSize is the number of traces that complete one rendered group.
func (c Config) batchSize() int { return c.Rows * c.Cols * c.Plots }

// position maps a within-batch offset to (row, col, plot) using c.Order as a
// mixed-radix decomposition, Order[0] varying fastest. This is tracelab's
// own resolution of spec §6's row-major/column-major/plot-first axis-order
// verb, since spec.md only names the three axes without fixing a digit
// significance convention.
func (c Config) position(offset int) (row, col, plot int) {
	dims := [3]int{c.Rows, c.Cols, c.Plots}
	vals := [3]int{}
	rem := offset
	for _, axis := range c.Order {
		size := dims[axis]
		if size <= 0 {
			size = 1
		}
		vals[axis] = rem % size
		rem /= size
	}
	return vals[AxisRow], vals[AxisCol], vals[AxisPlot]
}

// Visualize is the visualize(...) sink driver (spec §4.H "Visualize").
type Visualize struct {
	node *pipeline.Node
	cfg  Config

	batches chan []*trace.Trace
	done    chan struct{}
	renderE error
}

// New binds a Visualize sink to n with the given config. The render worker
// goroutine is started immediately (spec §5 "Visualize render thread. One
// per visualize node").
func New(n *pipeline.Node, cfg Config) *Visualize {
	v := &Visualize{node: n, cfg: cfg, batches: make(chan []*trace.Trace, 4), done: make(chan struct{})}
	go v.renderLoop()
	return v
}

// Run pulls the upstream node dry, grouping traces into base = floor(index /
// batchSize) batches (spec §4.H). A final partial batch, if any, is still
// rendered once the upstream exhausts rather than silently dropped.
func (v *Visualize) Run() error {
	batchSize := v.cfg.batchSize()
	if batchSize <= 0 {
		return errs.New(errs.Invalid, "visualize.Run", "rows*cols*plots must be positive")
	}

	var current []*trace.Trace
	for i := uint64(0); ; i++ {
		t, err := v.node.Get(i)
		if err != nil {
			if errs.Is(err, errs.NotFound) {
				break
			}
			close(v.batches)
			<-v.done
			return err
		}
		current = append(current, t.Clone())
		v.node.Free(t)
		if len(current) == batchSize {
			v.batches <- current
			current = nil
		}
	}
	if len(current) > 0 {
		v.batches <- current
	}
	close(v.batches)
	<-v.done
	return v.renderE
}

func (v *Visualize) renderLoop() {
	defer close(v.done)
	base := 0
	for batch := range v.batches {
		if err := v.renderBatch(base, batch); err != nil {
			v.renderE = err
		}
		base++
	}
}

func (v *Visualize) renderBatch(base int, batch []*trace.Trace) error {
	page := components.NewPage()
	page.PageTitle = fmt.Sprintf("tracelab batch %d", base)

	for plot := 0; plot < v.cfg.Plots; plot++ {
		grid := make([]*charts.Line, 0, v.cfg.Rows*v.cfg.Cols)
		for row := 0; row < v.cfg.Rows; row++ {
			for col := 0; col < v.cfg.Cols; col++ {
				offset := -1
				for o := 0; o < len(batch); o++ {
					r, c, p := v.cfg.position(o)
					if r == row && c == col && p == plot {
						offset = o
						break
					}
				}
				if offset < 0 {
					continue
				}
				grid = append(grid, lineChartFor(batch[offset], row, col, plot))
			}
		}
		for _, l := range grid {
			page.AddCharts(l)
		}
	}

	name := v.cfg.Filename
	if name == "" {
		name = "tracelab-visualize"
	}
	f, err := os.Create(name + "-" + strconv.Itoa(base) + ".html")
	if err != nil {
		return errs.Wrap(errs.IO, "visualize.renderBatch", err)
	}
	defer f.Close()
	if err := page.Render(f); err != nil {
		return errs.Wrap(errs.IO, "visualize.renderBatch", err)
	}
	return nil
}

func lineChartFor(t *trace.Trace, row, col, plot int) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "480px", Height: "320px"}),
		charts.WithTitleOpts(opts.Title{
			Title: fmt.Sprintf("r%d c%d p%d (trace %d)", row, col, plot, t.Index),
		}),
	)

	xaxis := make([]string, len(t.Samples))
	data := make([]opts.LineData, len(t.Samples))
	for i, s := range t.Samples {
		xaxis[i] = strconv.Itoa(i)
		data[i] = opts.LineData{Value: s}
	}
	line.SetXAxis(xaxis).AddSeries("samples", data)
	line.SetSeriesOptions(charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(false)}))
	return line
}
