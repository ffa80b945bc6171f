// Copyright 2023 The Cockroach Authors
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
//
// SPDX-License-Identifier: Apache-2.0

// Package metrics exposes the Prometheus counters and histograms
// observed from the cache's boundary: per-table request counts broken
// down by access type, and per-table/method query-duration histograms.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// LatencyBuckets are the histogram buckets shared by all duration
// metrics this package exposes.
var LatencyBuckets = []float64{
	.001, .002, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30,
}

// AccessType labels a request counter by why the cache was consulted.
type AccessType string

// The recognized request counter labels.
const (
	AccessHit      AccessType = "hit"
	AccessMiss     AccessType = "miss"
	AccessComplete AccessType = "complete"
	AccessPrefetch AccessType = "prefetch"
)

// Method labels a duration histogram by the operation performed.
type Method string

// The recognized duration histogram labels.
const (
	MethodFind  Method = "find"
	MethodFlush Method = "flush"
	MethodLoad  Method = "load"
)

var (
	requests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rowcache_requests_total",
		Help: "the number of cache requests observed, broken down by access type",
	}, []string{"table", "type"})

	queryDurations = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rowcache_query_duration_seconds",
		Help:    "the length of time a cache-driven database query took",
		Buckets: LatencyBuckets,
	}, []string{"table", "method"})

	diskReads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rowcache_disk_reads_total",
		Help: "the number of point reads served from the database for a table",
	}, []string{"table"})

	evictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rowcache_evictions_total",
		Help: "the number of times a table's cache was evicted to satisfy the byte budget",
	}, []string{"table"})
)

// Observe records an access-type counter increment for a table.
func Observe(table string, t AccessType) {
	requests.WithLabelValues(table, string(t)).Inc()
}

// Timer returns a function that, when called, records the elapsed time
// since Timer was invoked against the given table/method histogram.
func Timer(table string, m Method) func() {
	start := time.Now()
	return func() {
		queryDurations.WithLabelValues(table, string(m)).Observe(time.Since(start).Seconds())
	}
}

// RecordDiskRead increments the disk-read counter for a table.
func RecordDiskRead(table string) {
	diskReads.WithLabelValues(table).Inc()
}

// RecordEviction increments the eviction counter for a table.
func RecordEviction(table string) {
	evictions.WithLabelValues(table).Inc()
}
