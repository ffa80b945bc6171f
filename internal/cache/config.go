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

// Package cache implements a write-back, predictive row cache that
// sits between event handlers and a relational store, reached through
// a types.QueryBuilder.
package cache

import (
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

// Config contains the user-visible tuning knobs for a Cache.
type Config struct {
	// SamplingRate is the "1 in N" rate at which cache reads are
	// sampled into the profiler.
	SamplingRate int64

	// PredictionThreshold is the minimum expected hit rate
	// (count*samplingRate/eventCount) a pattern must clear before the
	// prefetcher will use it to predict a batch's keys.
	PredictionThreshold float64

	// LowBatchThreshold is the row count below which a table's flush
	// uses the row-by-row fast path instead of a bulk COPY.
	LowBatchThreshold int

	// MaxBytes bounds the cache's total estimated row-byte footprint;
	// crossing it triggers eviction of complete tables, lowest
	// disk-read count first.
	MaxBytes int64
}

// Bind registers the configuration's flags.
func (c *Config) Bind(flags *pflag.FlagSet) {
	flags.Int64Var(
		&c.SamplingRate,
		"cacheSamplingRate",
		10,
		"sample 1 in N cache reads into the access profiler")
	flags.Float64Var(
		&c.PredictionThreshold,
		"cachePredictionThreshold",
		0.25,
		"minimum expected hit rate before a profiled pattern is used to prefetch")
	flags.IntVar(
		&c.LowBatchThreshold,
		"cacheLowBatchThreshold",
		20,
		"row count below which a table flush uses row-by-row statements instead of COPY")
	flags.Int64Var(
		&c.MaxBytes,
		"cacheMaxBytes",
		256<<20,
		"approximate byte budget for cached rows across all tables")
}

// Preflight validates the configuration.
func (c *Config) Preflight() error {
	if c.SamplingRate < 1 {
		return errors.New("cacheSamplingRate must be at least 1")
	}
	if c.PredictionThreshold <= 0 || c.PredictionThreshold > 1 {
		return errors.New("cachePredictionThreshold must be in (0, 1]")
	}
	if c.LowBatchThreshold < 1 {
		return errors.New("cacheLowBatchThreshold must be at least 1")
	}
	if c.MaxBytes <= 0 {
		return errors.New("cacheMaxBytes must be positive")
	}
	return nil
}
