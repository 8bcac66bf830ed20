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

// Package metrics registers the Prometheus counters/gauges tracelab exposes
// for cache behavior, block-engine throughput, and CPA progress. Registration
// style (global vars, eager MustRegister in init, no label cardinality
// explosion) mirrors the teacher's churn/prom_counters.go.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CacheAccesses counts total cache lookups across all caches, labeled by node.
	CacheAccesses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tracelab_cache_accesses_total",
		Help: "Total trace cache lookups",
	}, []string{"node"})

	// CacheHits counts cache hits.
	CacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tracelab_cache_hits_total",
		Help: "Total trace cache hits",
	}, []string{"node"})

	// CacheMisses counts cache misses.
	CacheMisses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tracelab_cache_misses_total",
		Help: "Total trace cache misses",
	}, []string{"node"})

	// CacheEvictions counts cache evictions.
	CacheEvictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tracelab_cache_evictions_total",
		Help: "Total trace cache evictions",
	}, []string{"node"})

	// BlockOutputs counts outputs emitted by the block engine.
	BlockOutputs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tracelab_block_outputs_total",
		Help: "Total outputs emitted by block-engine clients",
	}, []string{"kernel"})

	// CPAProgress tracks accumulated traces per CPA node, published every 100,000 traces.
	CPAProgress = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tracelab_cpa_progress_traces",
		Help: "Traces accumulated so far by a CPA kernel",
	}, []string{"node"})

	// SaveWritten counts traces committed to disk by the save sink.
	SaveWritten = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tracelab_save_written_total",
		Help: "Total traces written by the save commit queue",
	}, []string{"node"})
)

func init() {
	prometheus.MustRegister(CacheAccesses, CacheHits, CacheMisses, CacheEvictions, BlockOutputs, CPAProgress, SaveWritten)
}

// ServeAddr starts a background /metrics endpoint, mirroring the teacher's
// churn.startMetricsEndpoint: a tiny dedicated server, best-effort, no
// deduplication across calls.
func ServeAddr(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		_ = server.ListenAndServe()
	}()
}
