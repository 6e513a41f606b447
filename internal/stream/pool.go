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

// Package stream implements the Stream Engine: publish, fetch,
// soft-delete, trim and depth over the broker's append-only message
// table (spec §4.2).
package stream

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is implemented by pgxpool.Pool, pgxpool.Conn, pgxpool.Tx and
// pgx.Tx, giving the engine flexibility in what it is handed: a pool
// for ordinary calls, or a Tx when the caller wants to stage the
// publish SQL inside a larger transaction (spec §4.2 "If a transaction
// object is passed...").
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

var (
	_ Querier = (*pgxpool.Pool)(nil)
	_ Querier = (*pgxpool.Conn)(nil)
	_ Querier = pgx.Tx(nil)
)

// Tx is the subset of pgx.Tx the engine needs when a caller stages a
// publish inside an existing transaction.
type Tx interface {
	Querier
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

var _ Tx = pgx.Tx(nil)

// Pool wraps a *pgxpool.Pool, mirroring the teacher's StagingPool
// embedding pattern (internal/types/types.go) so call sites can treat
// it as both a Querier and a connection-lifecycle owner.
type Pool struct {
	*pgxpool.Pool
}

var _ Querier = (*Pool)(nil)

// Begin starts a transaction against the pool, returned as a Tx.
func (p *Pool) Begin(ctx context.Context) (Tx, error) {
	tx, err := p.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return tx, nil
}
