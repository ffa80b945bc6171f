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

// Package bisect implements the savepoint-bisect recovery used to
// attribute a batch-write failure to the single row that caused it.
package bisect

import (
	"context"
	"fmt"
)

// Attempt applies a candidate batch and reports whether it succeeded.
// Implementations are expected to roll back to a savepoint before
// re-driving the underlying write, and to leave the savepoint open on
// both success and failure so the caller can retry or recurse.
type Attempt[T any] func(ctx context.Context, batch []T) error

// RecoverBatchError isolates the single element of values responsible
// for a batch failure. It assumes exactly one element is at fault;
// attempt is tried against the full slice first (this lets a
// transient failure clear up without bisecting at all), and on error
// the slice is split in half, recursing into the left half before the
// right and returning as soon as either half reports an error.
//
// For a batch of N with exactly one offending element, this performs
// at most 1+2*ceil(log2(N)) calls to attempt: one for the full slice,
// then at most two per halving level.
func RecoverBatchError[T any](ctx context.Context, values []T, attempt Attempt[T]) (T, error) {
	var zero T
	if len(values) == 0 {
		return zero, nil
	}

	err := attempt(ctx, values)
	if err == nil {
		return zero, nil
	}
	if len(values) == 1 {
		return values[0], err
	}

	mid := len(values) / 2
	left, right := values[:mid], values[mid:]

	if v, lerr := RecoverBatchError(ctx, left, attempt); lerr != nil {
		return v, lerr
	}
	if v, rerr := RecoverBatchError(ctx, right, attempt); rerr != nil {
		return v, rerr
	}

	// Both halves succeeded in isolation but the full batch did not;
	// our single-offender assumption doesn't hold for this input.
	return zero, fmt.Errorf("bisection could not isolate a single offending row among %d candidates: %w", len(values), err)
}
