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

package stream

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakeStreamRow mirrors one row of the deployed streams table (see
// internal/schema/deploy.go's column defaults) closely enough to drive
// PostgresEngine's SQL against an in-memory substitute for a
// *pgxpool.Pool.
type fakeStreamRow struct {
	id                     int64
	streamName             string
	groupName              string
	message                string
	createdAt              time.Time
	visibleAt              time.Time
	retryAttempt           int
	maxRetryAttempts       int
	backoffCoefficient     float64
	maximumIntervalSeconds int
	reservedAt             time.Time
	reservedBy             string
	expiredAt              time.Time
}

func (r *fakeStreamRow) isReserved(timeout time.Duration, now time.Time) bool {
	return !r.reservedAt.IsZero() && now.Sub(r.reservedAt) < timeout
}

// fakeQuerier is a hand-rolled Querier that recognizes the handful of
// SQL shapes PostgresEngine emits, dispatched by substring match since
// every statement it builds is static beyond its placeholders. It
// stands in for a live *pgxpool.Pool, letting Publish/Fetch/SoftDelete
// /Trim/Depth/Depths run against the Querier boundary in-process.
type fakeQuerier struct {
	mu         sync.Mutex
	rows       []*fakeStreamRow
	nextID     int64
	fetchCalls int
}

func newFakeQuerier() *fakeQuerier { return &fakeQuerier{} }

var _ Querier = (*fakeQuerier)(nil)

func (f *fakeQuerier) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case strings.Contains(sql, "id = ANY($3)"):
		streamName := args[0].(string)
		groupName := args[1].(string)
		ids := args[2].([]int64)
		want := make(map[int64]bool, len(ids))
		for _, id := range ids {
			want[id] = true
		}
		n := 0
		for _, r := range f.rows {
			if r.streamName == streamName && r.groupName == groupName && want[r.id] && r.expiredAt.IsZero() {
				r.expiredAt = time.Now()
				n++
			}
		}
		return pgconn.NewCommandTag(fmt.Sprintf("UPDATE %d", n)), nil

	case strings.Contains(sql, "ORDER BY id DESC"):
		streamName := args[0].(string)
		maxLen := args[1].(int)
		var live []*fakeStreamRow
		for _, r := range f.rows {
			if r.streamName == streamName && r.expiredAt.IsZero() {
				live = append(live, r)
			}
		}
		sort.Slice(live, func(i, j int) bool { return live[i].id > live[j].id })
		n := 0
		if len(live) > maxLen {
			for _, r := range live[maxLen:] {
				r.expiredAt = time.Now()
				n++
			}
		}
		return pgconn.NewCommandTag(fmt.Sprintf("UPDATE %d", n)), nil

	case strings.Contains(sql, "created_at < now()"):
		streamName := args[0].(string)
		maxAgeSeconds := args[1].(int)
		cutoff := time.Now().Add(-time.Duration(maxAgeSeconds) * time.Second)
		n := 0
		for _, r := range f.rows {
			if r.streamName == streamName && r.expiredAt.IsZero() && r.createdAt.Before(cutoff) {
				r.expiredAt = time.Now()
				n++
			}
		}
		return pgconn.NewCommandTag(fmt.Sprintf("UPDATE %d", n)), nil
	}
	return pgconn.CommandTag{}, fmt.Errorf("fakeQuerier: unrecognized Exec sql: %s", sql)
}

var valuesGroupRe = regexp.MustCompile(`\(([^()]*)\)`)

func (f *fakeQuerier) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case strings.Contains(sql, "INSERT INTO"):
		return f.handleInsert(sql, args)
	case strings.Contains(sql, "FOR UPDATE SKIP LOCKED"):
		f.fetchCalls++
		return f.handleFetch(args)
	case strings.Contains(sql, "GROUP BY stream_name"):
		return f.handleDepths(args)
	}
	return nil, fmt.Errorf("fakeQuerier: unrecognized Query sql: %s", sql)
}

// handleInsert parses buildInsertSQL's VALUES clause. Each group is
// either a $N placeholder or the literal token DEFAULT, never an
// inlined literal with embedded parens or commas, so matching
// non-nested parenthesized groups is sufficient.
func (f *fakeQuerier) handleInsert(sql string, args []interface{}) (pgx.Rows, error) {
	includeRetry := strings.Contains(sql, "max_retry_attempts")
	start := strings.Index(sql, "VALUES ")
	end := strings.LastIndex(sql, " RETURNING")
	section := sql[start+len("VALUES ") : end]

	resolve := func(tok string) interface{} {
		tok = strings.TrimSpace(tok)
		if tok == "DEFAULT" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimPrefix(tok, "$"))
		if err != nil {
			panic("fakeQuerier: bad placeholder " + tok)
		}
		return args[n-1]
	}

	var ids []int64
	for _, m := range valuesGroupRe.FindAllStringSubmatch(section, -1) {
		tokens := strings.Split(m[1], ", ")
		row := &fakeStreamRow{
			streamName:             resolve(tokens[0]).(string),
			groupName:              resolve(tokens[1]).(string),
			message:                resolve(tokens[2]).(string),
			createdAt:              time.Now(),
			visibleAt:              time.Now(),
			maxRetryAttempts:       DefaultMaxRetryAttempts,
			backoffCoefficient:     DefaultBackoffCoefficient,
			maximumIntervalSeconds: DefaultMaximumIntervalSeconds,
		}
		if includeRetry {
			if v := resolve(tokens[3]); v != nil {
				row.visibleAt = v.(time.Time)
			}
			if v := resolve(tokens[4]); v != nil {
				row.retryAttempt = v.(int)
			}
			if v := resolve(tokens[5]); v != nil {
				row.maxRetryAttempts = v.(int)
			}
			if v := resolve(tokens[6]); v != nil {
				row.backoffCoefficient = v.(float64)
			}
			if v := resolve(tokens[7]); v != nil {
				row.maximumIntervalSeconds = v.(int)
			}
		}
		f.nextID++
		row.id = f.nextID
		f.rows = append(f.rows, row)
		ids = append(ids, row.id)
	}

	data := make([][]any, len(ids))
	for i, id := range ids {
		data[i] = []any{id}
	}
	return &fakeRows{data: data}, nil
}

func (f *fakeQuerier) handleFetch(args []interface{}) (pgx.Rows, error) {
	consumer := args[0].(string)
	streamName := args[1].(string)
	groupName := args[2].(string)
	timeout := time.Duration(args[3].(int)) * time.Second
	batchSize := args[4].(int)
	now := time.Now()

	var eligible []*fakeStreamRow
	for _, r := range f.rows {
		if r.streamName != streamName || r.groupName != groupName {
			continue
		}
		if !r.expiredAt.IsZero() {
			continue
		}
		if r.visibleAt.After(now) {
			continue
		}
		if r.isReserved(timeout, now) {
			continue
		}
		eligible = append(eligible, r)
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].id < eligible[j].id })
	if len(eligible) > batchSize {
		eligible = eligible[:batchSize]
	}

	data := make([][]any, 0, len(eligible))
	for _, r := range eligible {
		r.reservedAt = now
		r.reservedBy = consumer
		data = append(data, []any{r.id, r.message, r.retryAttempt, r.maxRetryAttempts, r.backoffCoefficient, r.maximumIntervalSeconds, r.createdAt})
	}
	return &fakeRows{data: data}, nil
}

func (f *fakeQuerier) handleDepths(args []interface{}) (pgx.Rows, error) {
	names := args[0].([]string)
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	counts := map[string]int{}
	for _, r := range f.rows {
		if want[r.streamName] && r.expiredAt.IsZero() {
			counts[r.streamName]++
		}
	}
	data := make([][]any, 0, len(counts))
	for name, n := range counts {
		data = append(data, []any{name, n})
	}
	return &fakeRows{data: data}, nil
}

func (f *fakeQuerier) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case strings.Contains(sql, "notify_visible_messages"):
		return &fakeRow{values: []any{f.promoteVisibleLocked()}}
	case strings.Contains(sql, "count(*)"):
		streamName := args[0].(string)
		n := 0
		for _, r := range f.rows {
			if r.streamName == streamName && r.expiredAt.IsZero() {
				n++
			}
		}
		return &fakeRow{values: []any{n}}
	}
	return &fakeRow{err: fmt.Errorf("fakeQuerier: unrecognized QueryRow sql: %s", sql)}
}

func (f *fakeQuerier) promoteVisibleLocked() int {
	now := time.Now()
	n := 0
	for _, r := range f.rows {
		if r.expiredAt.IsZero() && !r.visibleAt.After(now) {
			n++
		}
	}
	return n
}

// fakeRows implements pgx.Rows over a slice of pre-resolved column
// values, standing in for the rows pgx would decode off the wire.
type fakeRows struct {
	data [][]any
	pos  int
}

var _ pgx.Rows = (*fakeRows)(nil)

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	if r.pos >= len(r.data) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	if r.pos == 0 || r.pos > len(r.data) {
		return fmt.Errorf("fakeRows: Scan called out of range")
	}
	return scanInto(dest, r.data[r.pos-1])
}

func (r *fakeRows) Values() ([]any, error) {
	if r.pos == 0 || r.pos > len(r.data) {
		return nil, fmt.Errorf("fakeRows: Values called out of range")
	}
	return r.data[r.pos-1], nil
}

// fakeRow implements pgx.Row, returned by QueryRow.
type fakeRow struct {
	values []any
	err    error
}

var _ pgx.Row = (*fakeRow)(nil)

func (r *fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return scanInto(dest, r.values)
}

func scanInto(dest []any, src []any) error {
	if len(dest) != len(src) {
		return fmt.Errorf("fakeRows: column count mismatch: dest=%d src=%d", len(dest), len(src))
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *int64:
			*p = toInt64(src[i])
		case *int:
			*p = toInt(src[i])
		case *string:
			*p = src[i].(string)
		case *float64:
			*p = src[i].(float64)
		case *time.Time:
			*p = src[i].(time.Time)
		default:
			return fmt.Errorf("fakeRows: unsupported scan destination %T", d)
		}
	}
	return nil
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	}
	panic(fmt.Sprintf("fakeRows: cannot convert %T to int64", v))
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	}
	panic(fmt.Sprintf("fakeRows: cannot convert %T to int", v))
}
