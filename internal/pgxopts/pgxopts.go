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

// Package pgxopts opens the stream pool's *pgxpool.Pool, following the
// teacher's functional-options Open*As* shape (stdpool.OpenPgxAsStaging
// plus WithConnectionLifetime/WithDiagnostics/WithMetrics/WithPoolSize)
// generalized to the stream broker's single pgx pool instead of a
// staging/target pair.
package pgxopts

import (
	"context"
	"time"

	"github.com/hotmeshio/streambroker/internal/diag"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

var poolSizeGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "hmsh",
	Subsystem: "pgx",
	Name:      "pool_max_conns",
	Help:      "Configured maximum connections for a named pgx pool.",
}, []string{"pool"})

type settings struct {
	connLifetime time.Duration
	poolSize     int32
	diagnostics  *diag.Diagnostics
	diagName     string
	metricsName  string
}

// Option customizes OpenPgxPool, mirroring the teacher's
// stdpool.Option shape.
type Option func(*settings)

// WithConnectionLifetime bounds how long a pooled connection is kept
// before being recycled.
func WithConnectionLifetime(d time.Duration) Option {
	return func(s *settings) { s.connLifetime = d }
}

// WithPoolSize sets the maximum number of pooled connections.
func WithPoolSize(n int32) Option {
	return func(s *settings) { s.poolSize = n }
}

// WithDiagnostics registers a health check for the opened pool under
// name against registry.
func WithDiagnostics(registry *diag.Diagnostics, name string) Option {
	return func(s *settings) { s.diagnostics = registry; s.diagName = name }
}

// WithMetrics labels the pool-size gauge with name.
func WithMetrics(name string) Option {
	return func(s *settings) { s.metricsName = name }
}

func attachOptions(opts []Option) *settings {
	s := &settings{connLifetime: time.Hour, poolSize: 32}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OpenPgxPool opens a *pgxpool.Pool against dsn, applying opts. The
// returned cleanup function closes the pool; callers should invoke it
// on shutdown (the teacher's returnOrStop shape, simplified to a
// plain cleanup func since the broker manages its own stopper.Context
// at a higher level than the pool itself).
func OpenPgxPool(ctx context.Context, dsn string, opts ...Option) (*pgxpool.Pool, func(), error) {
	s := attachOptions(opts)

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, nil, errors.WithStack(err)
	}
	cfg.MaxConnLifetime = s.connLifetime
	cfg.MaxConns = s.poolSize

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, nil, errors.WithStack(err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, errors.Wrap(err, "could not ping the database")
	}

	if s.diagnostics != nil && s.diagName != "" {
		if err := s.diagnostics.Register(s.diagName, diag.CheckerFunc(func(ctx context.Context) error {
			return pool.Ping(ctx)
		})); err != nil {
			log.WithError(err).WithField("name", s.diagName).Warn("could not register pool diagnostics")
		}
	}
	if s.metricsName != "" {
		poolSizeGauge.WithLabelValues(s.metricsName).Set(float64(s.poolSize))
	}

	cleanup := func() { pool.Close() }
	return pool, cleanup, nil
}
