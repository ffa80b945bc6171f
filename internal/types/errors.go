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

package types

import (
	"fmt"

	"github.com/chainindex/rowcache/internal/ident"
)

// A CopyFlushError wraps a transport-level failure from the COPY path:
// the connection dropped, the driver rejected the payload outright, or
// similar. It carries no per-row attribution because the failure
// occurred before any row-level semantics were evaluated.
type CopyFlushError struct {
	Table ident.Table
	Err   error
}

func (e *CopyFlushError) Error() string {
	return fmt.Sprintf("copy into %s failed: %v", e.Table, e.Err)
}

// Unwrap exposes the underlying driver error to errors.Is/errors.As.
func (e *CopyFlushError) Unwrap() error { return e.Err }

// A DelayedInsertError identifies the single row, out of a batch that
// deferred its constraint checks until the bulk write completed, whose
// write actually failed. It is produced by the savepoint-bisect
// recovery path.
type DelayedInsertError struct {
	Table ident.Table
	Row   Row
	Event *Event
	Err   error
}

func (e *DelayedInsertError) Error() string {
	name := ""
	if e.Event != nil {
		name = e.Event.Name
	}
	return fmt.Sprintf("row in %s rejected by database (event %q): %v", e.Table, name, e.Err)
}

// Unwrap exposes the underlying driver error.
func (e *DelayedInsertError) Unwrap() error { return e.Err }

// A RetryableError is raised when the fast, non-bisecting flush path
// fails. It carries no row attribution; the caller is expected to
// retry the flush, which engages the precise bisection path and will
// either succeed or raise a DelayedInsertError.
type RetryableError struct {
	// Tables lists the tables whose fast-path flush failed.
	Tables []ident.Table
	Err    error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("flush failed for %v, retry to engage precise recovery: %v", e.Tables, e.Err)
}

// Unwrap exposes the underlying error.
func (e *RetryableError) Unwrap() error { return e.Err }
