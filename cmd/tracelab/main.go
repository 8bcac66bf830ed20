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

// Package main is the tracelab CLI driver: it reads a textual pipeline
// configuration, walks it into a pipeline.Controller graph, attaches the
// configured sinks, and runs the pipeline to completion. The process exit
// code is 0 on a clean shutdown and nonzero if the first failing pipeline
// node reports an error.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/jedib0t/go-pretty/v6/table"

	"tracelab/internal/backend"
	"tracelab/internal/cache"
	"tracelab/internal/config"
	"tracelab/internal/errs"
	"tracelab/internal/patternmatch"
	"tracelab/internal/pipeline"
	"tracelab/internal/sidebus"
	"tracelab/internal/sink/export"
	"tracelab/internal/sink/render"
	"tracelab/internal/sink/save"
	"tracelab/internal/sink/visualize"
	"tracelab/internal/sync2"
	"tracelab/internal/telemetry/log"
	"tracelab/internal/telemetry/metrics"
	"tracelab/internal/trace"
	"tracelab/internal/transform"
)

// perSetCacheOverhead is the bookkeeping charge cache.SizeFor assumes per
// congruence set, used to convert a `( cache <bytes> <assoc> )` directive's
// byte budget into a slot count.
const perSetCacheOverhead = 64

func main() {
	configPath := flag.String("config", "", "path to the pipeline configuration file")
	metricsAddr := flag.String("metrics_addr", "", "if non-empty, expose Prometheus /metrics on this address")
	flag.Parse()

	if *configPath == "" && flag.NArg() > 0 {
		*configPath = flag.Arg(0)
	}
	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "usage: tracelab <config>")
		os.Exit(2)
	}

	if *metricsAddr != "" {
		metrics.ServeAddr(*metricsAddr)
	}

	if err := run(*configPath); err != nil {
		log.Errorf("pipeline failed: %v", err)
		os.Exit(1)
	}
}

// driverState accumulates the async render/export workers the driver must
// join before the process exits, and the summary rows printed on success.
type driverState struct {
	ctrl *pipeline.Controller

	wg       sync.WaitGroup
	errMu    sync.Mutex
	firstErr error

	rows [][]interface{}
}

func (d *driverState) fail(err error) {
	if err == nil {
		return
	}
	d.errMu.Lock()
	defer d.errMu.Unlock()
	if d.firstErr == nil {
		d.firstErr = err
	}
}

func run(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errs.Wrap(errs.IO, "main.run", err)
	}
	defer f.Close()

	roots, err := config.Parse(f)
	if err != nil {
		return err
	}

	d := &driverState{ctrl: pipeline.NewController()}
	for _, root := range roots {
		if root.Verb != "source" {
			return errs.New(errs.Invalid, "main.run", "top-level verb must be source, got "+root.Verb)
		}
		if err := d.walkSource(root); err != nil {
			d.fail(err)
		}
	}
	d.wg.Wait()

	d.printSummary()
	return d.firstErr
}

func (d *driverState) walkSource(n *config.Node) error {
	path, err := config.Str(n.Args, 0, "source")
	if err != nil {
		return err
	}
	be, shape, err := openBackend(path)
	if err != nil {
		return err
	}
	node := d.ctrl.NewSource(be, shape)
	d.rows = append(d.rows, []interface{}{"source", path, shape.NumSamples})
	if err := d.attachSink(n, node); err != nil {
		return err
	}
	return d.walkChildren(n, node)
}

func (d *driverState) walkChildren(n *config.Node, upstream *pipeline.Node) error {
	for _, child := range n.Children {
		if err := d.walkVerb(child, upstream); err != nil {
			return err
		}
	}
	return nil
}

// walkVerb dispatches one config.Node to the transform kernel (or terminal
// sink) it names, attaches any trailing sink directive, and recurses.
func (d *driverState) walkVerb(n *config.Node, upstream *pipeline.Node) error {
	switch n.Verb {
	case "visualize":
		return d.runVisualize(n, upstream)
	case "wait_on":
		return d.walkWaitOn(n, upstream)
	}

	kernel, err := d.buildKernel(n, upstream)
	if err != nil {
		return err
	}
	node, err := d.ctrl.NewDerived(upstream, kernel)
	if err != nil {
		return err
	}
	d.rows = append(d.rows, []interface{}{n.Verb, strings.Join(n.Args, " "), node.NumSamples()})
	if err := d.attachSink(n, node); err != nil {
		return err
	}
	return d.walkChildren(n, node)
}

func (d *driverState) walkWaitOn(n *config.Node, upstream *pipeline.Node) error {
	portName, err := config.Str(n.Args, 0, "wait_on")
	if err != nil {
		return err
	}
	port := sidebus.Port(portName)
	if !sidebus.KnownPorts[port] {
		return errs.New(errs.Invalid, "main.walkWaitOn", "unknown side-bus port: "+portName)
	}
	node, err := d.ctrl.NewWaiter(upstream, port, &transform.Waiter{Port: port})
	if err != nil {
		return err
	}
	d.rows = append(d.rows, []interface{}{"wait_on", portName, node.NumSamples()})
	if err := d.attachSink(n, node); err != nil {
		return err
	}
	return d.walkChildren(n, node)
}

// runVisualize is terminal: it drives upstream to completion itself and
// accepts no further config children beneath it.
func (d *driverState) runVisualize(n *config.Node, upstream *pipeline.Node) error {
	if len(n.Children) > 0 {
		return errs.New(errs.Invalid, "main.runVisualize", "visualize accepts no nested verbs")
	}
	rows, err := config.Int(n.Args, 0, "visualize")
	if err != nil {
		return err
	}
	cols, err := config.Int(n.Args, 1, "visualize")
	if err != nil {
		return err
	}
	plots, err := config.Int(n.Args, 2, "visualize")
	if err != nil {
		return err
	}
	samples, err := config.Int(n.Args, 3, "visualize")
	if err != nil {
		return err
	}
	var order [3]visualize.Axis
	for i := 0; i < 3; i++ {
		s, err := config.Str(n.Args, 4+i, "visualize")
		if err != nil {
			return err
		}
		axis, err := visualize.ParseAxis(s)
		if err != nil {
			return err
		}
		order[i] = axis
	}
	filename := "tracelab-visualize"
	if len(n.Args) > 7 {
		filename = n.Args[7]
	}
	v := visualize.New(upstream, visualize.Config{
		Rows: rows, Cols: cols, Plots: plots, Samples: samples,
		Order: order, Filename: filename,
	})
	return v.Run()
}

// attachSink interprets a config.Node's trailing parenthesized directive,
// if present (spec §6 "Per-line optional trailing parenthesized block").
func (d *driverState) attachSink(n *config.Node, node *pipeline.Node) error {
	if n.Sink == nil {
		return nil
	}
	s := n.Sink
	switch s.Kind {
	case config.SinkCache:
		size, err := config.Int(s.Args, 0, "cache")
		if err != nil {
			return err
		}
		assoc, err := config.Int(s.Args, 1, "cache")
		if err != nil {
			return err
		}
		traceSize := node.TitleSize() + node.DataSize() + node.NumSamples()*4
		nsets := cacheSetsFor(int64(size), assoc, int64(traceSize))
		d.ctrl.AttachCache(node, nsets, assoc)
		return nil

	case config.SinkRender:
		nthreads, err := config.Int(s.Args, 0, "render")
		if err != nil {
			return err
		}
		return render.New(node, nthreads).Run()

	case config.SinkRenderAsync:
		nthreads, err := config.Int(s.Args, 0, "render_async")
		if err != nil {
			return err
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.fail(render.New(node, nthreads).Run())
		}()
		return nil

	case config.SinkExport:
		addr, err := config.Str(s.Args, 0, "export")
		if err != nil {
			return err
		}
		e, err := export.New(node, addr, nil)
		if err != nil {
			return err
		}
		return e.Serve()

	case config.SinkExportAsync:
		addr, err := config.Str(s.Args, 0, "export_async")
		if err != nil {
			return err
		}
		e, err := export.New(node, addr, nil)
		if err != nil {
			return err
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.fail(e.Serve())
		}()
		return nil
	}
	return errs.New(errs.Invalid, "main.attachSink", "unknown sink kind: "+string(s.Kind))
}

func cacheSetsFor(budgetBytes int64, assoc int, traceSize int64) int {
	nsets := cache.SizeFor(budgetBytes, assoc, traceSize, perSetCacheOverhead)
	if nsets < 1 {
		nsets = 1
	}
	return nsets
}

func (d *driverState) printSummary() {
	tbl := table.NewWriter()
	tbl.SetStyle(table.StyleLight)
	tbl.AppendHeader(table.Row{"verb", "args", "samples"})
	for _, r := range d.rows {
		tbl.AppendRow(table.Row{r[0], r[1], r[2]})
	}
	fmt.Println(tbl.Render())
}

// openBackend dispatches a source string's backend prefix (spec §6
// "Backend source strings"): trs/ztrs take a filesystem path, net takes
// "<ip> <port>", and net_mirror takes "<ip> <port> <redis_addr>" to wrap
// the dialed net backend in a Redis-backed read mirror.
func openBackend(spec string) (pipeline.Backend, pipeline.Shape, error) {
	fields := strings.Fields(spec)
	if len(fields) < 2 {
		return nil, pipeline.Shape{}, errs.New(errs.Invalid, "main.openBackend", "malformed source string: "+spec)
	}
	kind, rest := fields[0], fields[1:]

	switch kind {
	case "trs":
		tr, err := backend.OpenTRS(rest[0], backend.Header{})
		if err != nil {
			return nil, pipeline.Shape{}, err
		}
		return tr, shapeFromHeader(tr.Stat()), nil
	case "ztrs":
		zt, err := backend.OpenZTRS(rest[0], backend.Header{})
		if err != nil {
			return nil, pipeline.Shape{}, err
		}
		return zt, shapeFromHeader(zt.Stat()), nil
	case "net":
		if len(rest) < 2 {
			return nil, pipeline.Shape{}, errs.New(errs.Invalid, "main.openBackend", "net source needs <ip> <port>")
		}
		n, err := backend.DialNet(rest[0] + ":" + rest[1])
		if err != nil {
			return nil, pipeline.Shape{}, err
		}
		return n, shapeFromNet(n.Stat()), nil
	case "net_mirror":
		if len(rest) < 3 {
			return nil, pipeline.Shape{}, errs.New(errs.Invalid, "main.openBackend", "net_mirror source needs <ip> <port> <redis_addr>")
		}
		n, err := backend.DialNet(rest[0] + ":" + rest[1])
		if err != nil {
			return nil, pipeline.Shape{}, err
		}
		shape := shapeFromNet(n.Stat())
		mirror := backend.NewRedisMirror(n, rest[2], rest[0]+":"+rest[1], 0)
		return mirror, shape, nil
	default:
		return nil, pipeline.Shape{}, errs.New(errs.Invalid, "main.openBackend", "unknown backend prefix: "+kind)
	}
}

func shapeFromHeader(h backend.Header) pipeline.Shape {
	return pipeline.Shape{
		TitleSize:  int(h.TitleSpace),
		DataSize:   int(h.LengthData),
		NumSamples: int(h.NumberSamples),
		Encoding:   h.SampleCoding,
		YScale:     h.ScaleY,
		NumTraces:  int64(h.NumberTraces),
	}
}

func shapeFromNet(s backend.Shape) pipeline.Shape {
	return pipeline.Shape{
		TitleSize:  int(s.TitleSize),
		DataSize:   int(s.DataSize),
		NumSamples: int(s.NumSamples),
		Encoding:   trace.SampleEncoding(s.DataType),
		YScale:     s.YScale,
		NumTraces:  int64(s.NumTraces),
	}
}

// buildKernel constructs the transform kernel a non-terminal verb names,
// parsing its positional config.Node args into the kernel's struct fields
// (spec §6 grammar).
func (d *driverState) buildKernel(n *config.Node, upstream *pipeline.Node) (pipeline.Kernel, error) {
	a := n.Args
	op := n.Verb
	switch n.Verb {
	case "save":
		path, err := config.Str(a, 0, op)
		if err != nil {
			return nil, err
		}
		s := upstream.Shape()
		hdr := backend.Header{
			NumberSamples: uint32(s.NumSamples),
			SampleCoding:  s.Encoding,
			LengthData:    uint16(s.DataSize),
			TitleSpace:    uint8(s.TitleSize),
			ScaleY:        s.YScale,
		}
		if hdr.SampleCoding == 0 {
			hdr.SampleCoding = trace.EncodingFloat32
		}
		if hdr.ScaleY == 0 {
			hdr.ScaleY = 1
		}
		be, err := backend.CreateTRS(path, hdr)
		if err != nil {
			return nil, err
		}
		return &save.Save{Backend: be}, nil

	case "synchronize":
		maxDist, err := config.Int(a, 0, op)
		if err != nil {
			return nil, err
		}
		return &transform.Synchronize{Sync: sync2.New(uint64(maxDist))}, nil

	case "average":
		perSample, err := config.Bool(a, 0, op)
		if err != nil {
			return nil, err
		}
		return &transform.Average{PerSample: perSample}, nil

	case "verify":
		kind, err := config.Int(a, 0, op)
		if err != nil {
			return nil, err
		}
		return &transform.Verify{Kind: transform.CryptoKind(kind)}, nil

	case "reduce_along", "select_along", "sort_along":
		return buildAlongKernel(op, a)

	case "split_tvla":
		which, err := config.Bool(a, 0, op)
		if err != nil {
			return nil, err
		}
		return &transform.SplitTVLA{Which: which}, nil

	case "narrow":
		t0, err := config.Int(a, 0, op)
		if err != nil {
			return nil, err
		}
		nt, err := config.Int(a, 1, op)
		if err != nil {
			return nil, err
		}
		s0, err := config.Int(a, 2, op)
		if err != nil {
			return nil, err
		}
		ns, err := config.Int(a, 3, op)
		if err != nil {
			return nil, err
		}
		return &transform.Narrow{T0: t0, NT: nt, S0: s0, NS: ns}, nil

	case "append":
		path, err := config.Str(a, 0, op)
		if err != nil {
			return nil, err
		}
		be, shape, err := openBackend("trs " + path)
		if err != nil {
			return nil, err
		}
		other := d.ctrl.NewSource(be, shape)
		return &transform.Append{Other: other}, nil

	case "static_align":
		ref, err := config.Int(a, 0, op)
		if err != nil {
			return nil, err
		}
		lower, err := config.Int(a, 1, op)
		if err != nil {
			return nil, err
		}
		upper, err := config.Int(a, 2, op)
		if err != nil {
			return nil, err
		}
		confidence, err := config.Float(a, 3, op)
		if err != nil {
			return nil, err
		}
		maxShift, err := config.Int(a, 4, op)
		if err != nil {
			return nil, err
		}
		return &transform.StaticAlign{
			RefTrace: uint64(ref), Lower: lower, Upper: upper,
			Confidence: confidence, MaxShift: maxShift,
		}, nil

	case "match":
		first, err := config.Int(a, 0, op)
		if err != nil {
			return nil, err
		}
		last, err := config.Int(a, 1, op)
		if err != nil {
			return nil, err
		}
		pattern, err := config.Int(a, 2, op)
		if err != nil {
			return nil, err
		}
		avgLen, err := config.Float(a, 3, op)
		if err != nil {
			return nil, err
		}
		maxDev, err := config.Int(a, 4, op)
		if err != nil {
			return nil, err
		}
		return &transform.Match{
			First: first, Last: last, PatternIndex: uint64(pattern),
			AvgLen: avgLen, MaxDev: maxDev, Matcher: patternmatch.PureGo{},
		}, nil

	case "extract_pattern":
		patternSize, err := config.Int(a, 0, op)
		if err != nil {
			return nil, err
		}
		expecting, err := config.Int(a, 1, op)
		if err != nil {
			return nil, err
		}
		avgLen, err := config.Float(a, 2, op)
		if err != nil {
			return nil, err
		}
		maxDev, err := config.Int(a, 3, op)
		if err != nil {
			return nil, err
		}
		ref, err := config.Int(a, 4, op)
		if err != nil {
			return nil, err
		}
		lower, err := config.Int(a, 5, op)
		if err != nil {
			return nil, err
		}
		upper, err := config.Int(a, 6, op)
		if err != nil {
			return nil, err
		}
		confidence, err := config.Float(a, 7, op)
		if err != nil {
			return nil, err
		}
		// args[8], the crypto_kind, gates how calling code chooses to
		// verify segments upstream; the pattern-match core itself is
		// crypto-agnostic and does not consume it.
		return &transform.ExtractTiming{
			PatternSize: patternSize, Expecting: expecting, RefTrace: uint64(ref),
			Lower: lower, Upper: upper,
			Cfg: patternmatch.Config{AvgLen: avgLen, MaxDev: maxDev, Confidence: confidence},
			Matcher: patternmatch.PureGo{},
		}, nil

	case "io_correlation":
		verify, err := config.Bool(a, 0, op)
		if err != nil {
			return nil, err
		}
		granularity, err := config.Int(a, 1, op)
		if err != nil {
			return nil, err
		}
		num, err := config.Int(a, 2, op)
		if err != nil {
			return nil, err
		}
		return &transform.IOCorrelation{Verify: verify, Granularity: granularity, Num: num}, nil

	case "aes_intermediate":
		leakage, err := config.Int(a, 0, op)
		if err != nil {
			return nil, err
		}
		return &transform.AESIntermediate{Kind: transform.Leakage(leakage)}, nil

	case "aes_knownkey":
		return &transform.AESKnownKey{Key: defaultKnownKey}, nil

	default:
		return nil, errs.New(errs.Invalid, "main.buildKernel", "unknown verb: "+op)
	}
}

// defaultKnownKey is the fixed profiling key aes_knownkey correlates
// against when a config doesn't supply one inline (spec §6 "aes_knownkey"
// takes no argument in the grammar; the key is a deployment constant set
// by whoever captured the profiling traces).
var defaultKnownKey = []byte{
	0x2b, 0x7e, 0x15, 0x16, 0x28, 0xae, 0xd2, 0xa6,
	0xab, 0xf7, 0x15, 0x88, 0x09, 0xcf, 0x4f, 0x3c,
}

func buildAlongKernel(op string, a []string) (pipeline.Kernel, error) {
	stat, err := config.Str(a, 0, op)
	if err != nil {
		return nil, err
	}
	summary, err := parseSummary(stat)
	if err != nil {
		return nil, err
	}
	filterName, err := config.Str(a, 1, op)
	if err != nil {
		return nil, err
	}
	filter, err := parseFilter(filterName)
	if err != nil {
		return nil, err
	}
	param := 0
	if len(a) > 2 {
		param, err = config.Int(a, 2, op)
		if err != nil {
			return nil, err
		}
	}
	switch op {
	case "reduce_along":
		return &transform.ReduceAlong{Along: filter, Param: param, Stat: summary}, nil
	case "select_along":
		return &transform.SelectAlong{Along: filter, Param: param, Stat: summary}, nil
	default:
		return &transform.SortAlong{Along: filter, Param: param, Stat: summary}, nil
	}
}

func parseFilter(s string) (transform.Filter, error) {
	switch s {
	case "num":
		return transform.AlongNum, nil
	case "data":
		return transform.AlongData, nil
	default:
		return 0, errs.New(errs.Invalid, "main.parseFilter", "unknown along-filter: "+s)
	}
}

func parseSummary(s string) (transform.Summary, error) {
	switch s {
	case "mean":
		return transform.SummaryMean, nil
	case "dev":
		return transform.SummaryDev, nil
	case "min":
		return transform.SummaryMin, nil
	case "max":
		return transform.SummaryMax, nil
	default:
		return 0, errs.New(errs.Invalid, "main.parseSummary", "unknown along-summary: "+s)
	}
}
