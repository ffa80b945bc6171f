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

// Package stdpool creates standardized database connection pools for
// the cache's reference QueryBuilder implementations.
package stdpool

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// An Option configures OpenPostgres.
type Option func(*openOptions)

type openOptions struct {
	waitForStartup bool
	retryInterval  time.Duration
}

// WaitForStartup makes OpenPostgres retry a failed ping instead of
// returning immediately; useful when the pool is opened alongside a
// database container that may still be coming up.
func WaitForStartup() Option {
	return func(o *openOptions) { o.waitForStartup = true }
}

// RetryInterval overrides the default 2s ping-retry interval.
func RetryInterval(d time.Duration) Option {
	return func(o *openOptions) { o.retryInterval = d }
}

// OpenPostgres opens a pgx connection pool against a
// PostgreSQL/CockroachDB target, optionally retrying the initial ping
// until the database becomes reachable.
func OpenPostgres(ctx context.Context, connectString string, options ...Option) (*pgxpool.Pool, error) {
	opts := &openOptions{retryInterval: 2 * time.Second}
	for _, o := range options {
		o(opts)
	}

	cfg, err := pgxpool.ParseConfig(connectString)
	if err != nil {
		return nil, errors.Wrap(err, "parse postgres connect string")
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres pool")
	}

	for {
		err := pool.Ping(ctx)
		if err == nil {
			break
		}
		if !opts.waitForStartup {
			pool.Close()
			return nil, errors.Wrap(err, "could not ping postgres")
		}
		log.WithError(err).Info("waiting for database to become ready")
		select {
		case <-ctx.Done():
			pool.Close()
			return nil, ctx.Err()
		case <-time.After(opts.retryInterval):
		}
	}

	var version string
	if err := pool.QueryRow(ctx, "SHOW server_version").Scan(&version); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "could not query server version")
	}
	log.WithField("version", version).Info("connected to postgres target")

	return pool, nil
}
