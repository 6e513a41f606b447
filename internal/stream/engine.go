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
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hotmeshio/streambroker/internal/errs"
	"github.com/hotmeshio/streambroker/internal/keys"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Message is the hydrated view of a reserved stream row handed back to
// a consumer (spec §3, §4.2).
type Message struct {
	ID           string
	Stream       string
	Group        string
	Payload      json.RawMessage
	RetryAttempt int
	RetryPolicy  RetryPolicy
	CreatedAt    time.Time
}

// PublishOptions customizes a publish call.
type PublishOptions struct {
	// Tx, if set, stages the INSERT against the caller-managed
	// transaction instead of running it against the engine's own pool
	// (spec §4.2 "If a transaction object is passed...").
	Tx Tx
}

// PublishResult is returned by Publish.
type PublishResult struct {
	IDs []string
	// Tx is echoed back when the caller supplied one via
	// PublishOptions, so callers can chain further statements before
	// committing.
	Tx Tx
}

// FetchOptions customizes a fetch call.
type FetchOptions struct {
	BatchSize          int
	ReservationTimeout time.Duration

	// Backoff, when enabled, makes Fetch retry internally with
	// exponentially increasing sleeps when the first pass returns no
	// messages (spec §4.2 "If backoff is enabled...").
	Backoff        bool
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxRetries     int
}

// TrimOptions customizes a trim call. At least one of MaxLen or MaxAge
// must be set.
type TrimOptions struct {
	MaxLen *int
	MaxAge *time.Duration
}

// Engine is the Stream Engine contract (spec §4.2), deliberately
// expressed as an interface so that non-Postgres providers can satisfy
// the same envelope contract and universal properties (spec Design
// Notes §9 "Polymorphism for providers").
type Engine interface {
	Publish(ctx context.Context, stream string, messages []json.RawMessage, opts *PublishOptions) (*PublishResult, error)
	Fetch(ctx context.Context, stream, group, consumer string, opts FetchOptions) ([]Message, error)
	SoftDelete(ctx context.Context, stream, group string, ids []string) (int, error)
	Trim(ctx context.Context, stream string, opts TrimOptions) (int, error)
	Depth(ctx context.Context, stream string) (int, error)
	Depths(ctx context.Context, streams []string) (map[string]int, error)
	// AckAndDelete is an alias for SoftDelete (spec §4.2).
	AckAndDelete(ctx context.Context, stream, group string, ids []string) (int, error)
	// Acknowledge is a no-op: messages are retained until SoftDelete
	// (spec §4.2 "acknowledge is a no-op").
	Acknowledge(ctx context.Context, stream, group string, ids []string) error
}

// PostgresEngine is the Postgres-backed implementation of Engine (spec
// §4.2, the sole provider realized by this module).
type PostgresEngine struct {
	Pool       Querier
	SchemaName string
}

var _ Engine = (*PostgresEngine)(nil)

// NewPostgresEngine constructs a PostgresEngine targeting the schema
// deployed for appID (spec §4.1 "inside schema safe(appId)").
func NewPostgresEngine(pool Querier, appID string) *PostgresEngine {
	return &PostgresEngine{Pool: pool, SchemaName: keys.SchemaName(appID)}
}

func (e *PostgresEngine) table() string {
	return fmt.Sprintf("%s.streams", e.SchemaName)
}

type insertRow struct {
	groupName string
	message   json.RawMessage
	ctrl      ControlFields
}

// Publish implements Engine.
func (e *PostgresEngine) Publish(
	ctx context.Context, stream string, messages []json.RawMessage, opts *PublishOptions,
) (*PublishResult, error) {
	if len(messages) == 0 {
		return &PublishResult{}, nil
	}
	start := time.Now()
	group := keys.GroupForStream(stream)
	partition := strconv.Itoa(keys.Partition(stream))

	rows := make([]insertRow, 0, len(messages))
	includeRetryColumns := false
	for _, raw := range messages {
		payload, ctrl, err := StripControlFields(raw)
		if err != nil {
			return nil, err
		}
		if ctrl.HasRetryConfig() || ctrl.HasVisibilityDelay() || ctrl.RetryAttempt != nil {
			includeRetryColumns = true
		}
		rows = append(rows, insertRow{groupName: group, message: payload, ctrl: ctrl})
	}

	sql, args := buildInsertSQL(e.table(), stream, rows, includeRetryColumns)

	querier := e.Pool
	var tx Tx
	if opts != nil && opts.Tx != nil {
		querier = opts.Tx
		tx = opts.Tx
	}

	pgRows, err := querier.Query(ctx, sql, args...)
	if err != nil {
		publishErrors.WithLabelValues(stream, group, partition).Inc()
		return nil, wrapTransport(err)
	}
	defer pgRows.Close()

	var ids []string
	for pgRows.Next() {
		var id int64
		if err := pgRows.Scan(&id); err != nil {
			return nil, errors.WithStack(err)
		}
		ids = append(ids, strconv.FormatInt(id, 10))
	}
	if err := pgRows.Err(); err != nil {
		publishErrors.WithLabelValues(stream, group, partition).Inc()
		return nil, wrapTransport(err)
	}

	publishTotal.WithLabelValues(stream, group, partition).Add(float64(len(ids)))
	publishDurations.WithLabelValues(stream, group, partition).Observe(time.Since(start).Seconds())
	log.WithFields(log.Fields{
		"stream": stream,
		"group":  group,
		"count":  len(ids),
	}).Trace("published stream messages")

	return &PublishResult{IDs: ids, Tx: tx}, nil
}

// buildInsertSQL constructs a multi-row INSERT, emitting a literal
// DEFAULT sentinel per-row for any retry/visibility column a message
// did not set, per Design Notes §9 "Heterogeneous batch publish".
func buildInsertSQL(table, stream string, rows []insertRow, includeRetryColumns bool) (string, []interface{}) {
	var sb strings.Builder
	var args []interface{}

	if includeRetryColumns {
		fmt.Fprintf(&sb, "INSERT INTO %s (stream_name, group_name, message, visible_at, retry_attempt, max_retry_attempts, backoff_coefficient, maximum_interval_seconds) VALUES ", table)
	} else {
		fmt.Fprintf(&sb, "INSERT INTO %s (stream_name, group_name, message) VALUES ", table)
	}

	arg := func(v interface{}) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	for i, row := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		sb.WriteString(arg(stream))
		sb.WriteString(", ")
		sb.WriteString(arg(row.groupName))
		sb.WriteString(", ")
		sb.WriteString(arg(string(row.message)))

		if includeRetryColumns {
			sb.WriteString(", ")
			if row.ctrl.HasVisibilityDelay() {
				delay := time.Duration(*row.ctrl.VisibilityDelayMs) * time.Millisecond
				sb.WriteString(arg(time.Now().Add(delay)))
			} else {
				sb.WriteString("DEFAULT")
			}

			sb.WriteString(", ")
			if row.ctrl.RetryAttempt != nil {
				sb.WriteString(arg(*row.ctrl.RetryAttempt))
			} else {
				sb.WriteString("DEFAULT")
			}

			sb.WriteString(", ")
			if row.ctrl.RetryConfig != nil {
				sb.WriteString(arg(row.ctrl.RetryConfig.MaxRetryAttempts))
			} else {
				sb.WriteString("DEFAULT")
			}

			sb.WriteString(", ")
			if row.ctrl.RetryConfig != nil {
				sb.WriteString(arg(row.ctrl.RetryConfig.BackoffCoefficient))
			} else {
				sb.WriteString("DEFAULT")
			}

			sb.WriteString(", ")
			if row.ctrl.RetryConfig != nil {
				sb.WriteString(arg(row.ctrl.RetryConfig.MaximumIntervalSeconds))
			} else {
				sb.WriteString("DEFAULT")
			}
		}
		sb.WriteString(")")
	}

	sb.WriteString(" RETURNING id")
	return sb.String(), args
}

const fetchTemplate = `
UPDATE %[1]s AS s
SET reserved_at = now(), reserved_by = $1
FROM (
	SELECT id FROM %[1]s
	WHERE stream_name = $2 AND group_name = $3
	  AND expired_at IS NULL
	  AND visible_at <= now()
	  AND (reserved_at IS NULL OR reserved_at < now() - ($4 || ' seconds')::interval)
	ORDER BY id ASC
	FOR UPDATE SKIP LOCKED
	LIMIT $5
) AS elig
WHERE s.id = elig.id AND s.stream_name = $2
RETURNING s.id, s.message, s.retry_attempt, s.max_retry_attempts, s.backoff_coefficient, s.maximum_interval_seconds, s.created_at
`

// Fetch implements Engine.
func (e *PostgresEngine) Fetch(
	ctx context.Context, streamName, group, consumer string, opts FetchOptions,
) ([]Message, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1
	}
	if opts.ReservationTimeout <= 0 {
		opts.ReservationTimeout = 30 * time.Second
	}

	partition := strconv.Itoa(keys.Partition(streamName))

	backoff := opts.InitialBackoff
	attempts := 0
	for {
		start := time.Now()
		msgs, err := e.fetchOnce(ctx, streamName, group, consumer, opts)
		fetchDurations.WithLabelValues(streamName, group, partition).Observe(time.Since(start).Seconds())
		if err != nil {
			fetchErrors.WithLabelValues(streamName, group, partition).Inc()
			return nil, err
		}
		if len(msgs) > 0 || !opts.Backoff {
			return msgs, nil
		}
		attempts++
		if attempts > opts.MaxRetries {
			return msgs, nil
		}
		if backoff <= 0 {
			backoff = 10 * time.Millisecond
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
		if opts.MaxBackoff > 0 && backoff > opts.MaxBackoff {
			backoff = opts.MaxBackoff
		}
	}
}

func (e *PostgresEngine) fetchOnce(
	ctx context.Context, streamName, group, consumer string, opts FetchOptions,
) ([]Message, error) {
	sql := fmt.Sprintf(fetchTemplate, e.table())
	rows, err := e.Pool.Query(ctx, sql,
		consumer, streamName, group, int(opts.ReservationTimeout.Seconds()), opts.BatchSize)
	if err != nil {
		return nil, wrapTransport(err)
	}
	defer rows.Close()

	var ret []Message
	for rows.Next() {
		var (
			id           int64
			payload      string
			retryAttempt int
			maxAttempts  int
			coefficient  float64
			maxInterval  int
			createdAt    time.Time
		)
		if err := rows.Scan(&id, &payload, &retryAttempt, &maxAttempts, &coefficient, &maxInterval, &createdAt); err != nil {
			return nil, errors.WithStack(err)
		}

		policy := RetryPolicy{
			MaxRetryAttempts:       maxAttempts,
			BackoffCoefficient:     coefficient,
			MaximumIntervalSeconds: maxInterval,
		}

		hydrated := json.RawMessage(payload)
		var injectPolicy *RetryPolicy
		if !policy.IsSentinelDefault() {
			injectPolicy = &policy
		}
		var injectAttempt *int
		if retryAttempt != 0 {
			injectAttempt = &retryAttempt
		}
		hydrated, err = InjectControlFields(hydrated, injectPolicy, injectAttempt)
		if err != nil {
			return nil, err
		}

		ret = append(ret, Message{
			ID:           strconv.FormatInt(id, 10),
			Stream:       streamName,
			Group:        group,
			Payload:      hydrated,
			RetryAttempt: retryAttempt,
			RetryPolicy:  policy,
			CreatedAt:    createdAt,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapTransport(err)
	}

	fetchTotal.WithLabelValues(streamName, group, strconv.Itoa(keys.Partition(streamName))).Add(float64(len(ret)))
	return ret, nil
}

// SoftDelete implements Engine.
func (e *PostgresEngine) SoftDelete(ctx context.Context, streamName, group string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	numericIDs, err := toInt64s(ids)
	if err != nil {
		return 0, err
	}

	sql := fmt.Sprintf(`
UPDATE %s SET expired_at = now()
WHERE stream_name = $1 AND group_name = $2 AND id = ANY($3) AND expired_at IS NULL`, e.table())
	tag, err := e.Pool.Exec(ctx, sql, streamName, group, numericIDs)
	if err != nil {
		return 0, wrapTransport(err)
	}
	count := int(tag.RowsAffected())
	expireTotal.WithLabelValues(streamName, group, strconv.Itoa(keys.Partition(streamName))).Add(float64(count))
	return count, nil
}

// AckAndDelete implements Engine; it is an alias for SoftDelete (spec
// §4.2).
func (e *PostgresEngine) AckAndDelete(ctx context.Context, stream, group string, ids []string) (int, error) {
	return e.SoftDelete(ctx, stream, group, ids)
}

// Acknowledge implements Engine as a no-op: messages are retained
// until SoftDelete is called (spec §4.2).
func (e *PostgresEngine) Acknowledge(context.Context, string, string, []string) error {
	return nil
}

// Trim implements Engine.
func (e *PostgresEngine) Trim(ctx context.Context, streamName string, opts TrimOptions) (int, error) {
	if opts.MaxLen == nil && opts.MaxAge == nil {
		return 0, errors.New("stream: trim requires MaxLen or MaxAge")
	}

	total := 0
	if opts.MaxLen != nil {
		sql := fmt.Sprintf(`
UPDATE %[1]s SET expired_at = now()
WHERE stream_name = $1 AND expired_at IS NULL AND id IN (
	SELECT id FROM %[1]s
	WHERE stream_name = $1 AND expired_at IS NULL
	ORDER BY id DESC
	OFFSET $2
)`, e.table())
		tag, err := e.Pool.Exec(ctx, sql, streamName, *opts.MaxLen)
		if err != nil {
			return total, wrapTransport(err)
		}
		total += int(tag.RowsAffected())
	}

	if opts.MaxAge != nil {
		sql := fmt.Sprintf(`
UPDATE %s SET expired_at = now()
WHERE stream_name = $1 AND expired_at IS NULL
  AND created_at < now() - ($2 || ' seconds')::interval`, e.table())
		tag, err := e.Pool.Exec(ctx, sql, streamName, int(opts.MaxAge.Seconds()))
		if err != nil {
			return total, wrapTransport(err)
		}
		total += int(tag.RowsAffected())
	}

	expireTotal.WithLabelValues(streamName, "", strconv.Itoa(keys.Partition(streamName))).Add(float64(total))
	return total, nil
}

// ScanVisibleMessages invokes the deployed notify_visible_messages()
// function (spec §4.1, §4.3/§4.4 "fallback poller"/"Scout Manager"),
// satisfying notify.VisibilityScanner and scout.Scanner.
func (e *PostgresEngine) ScanVisibleMessages(ctx context.Context) (int, error) {
	sql := fmt.Sprintf(`SELECT %s.notify_visible_messages()`, e.SchemaName)
	var n int
	if err := e.Pool.QueryRow(ctx, sql).Scan(&n); err != nil {
		return 0, wrapTransport(err)
	}
	return n, nil
}

// Depth implements Engine.
func (e *PostgresEngine) Depth(ctx context.Context, streamName string) (int, error) {
	sql := fmt.Sprintf(`SELECT count(*) FROM %s WHERE stream_name = $1 AND expired_at IS NULL`, e.table())
	var n int
	if err := e.Pool.QueryRow(ctx, sql, streamName).Scan(&n); err != nil {
		return 0, wrapTransport(err)
	}
	return n, nil
}

// Depths implements Engine.
func (e *PostgresEngine) Depths(ctx context.Context, streamNames []string) (map[string]int, error) {
	ret := make(map[string]int, len(streamNames))
	if len(streamNames) == 0 {
		return ret, nil
	}
	sql := fmt.Sprintf(`
SELECT stream_name, count(*) FROM %s
WHERE stream_name = ANY($1) AND expired_at IS NULL
GROUP BY stream_name`, e.table())
	rows, err := e.Pool.Query(ctx, sql, streamNames)
	if err != nil {
		return nil, wrapTransport(err)
	}
	defer rows.Close()

	for _, s := range streamNames {
		ret[s] = 0
	}
	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return nil, errors.WithStack(err)
		}
		ret[name] = n
	}
	return ret, rows.Err()
}

func toInt64s(ids []string) ([]int64, error) {
	out := make([]int64, len(ids))
	for i, id := range ids {
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return nil, errs.NewInvariantError("non-numeric stream id %q", id)
		}
		out[i] = n
	}
	return out, nil
}

// wrapTransport classifies a pgx-originated error for the caller per
// spec §7: a closed connection or failed pipeline is a TransportError,
// anything else propagates wrapped with a stack trace.
func wrapTransport(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return errors.WithStack(err)
	}
	if errs.ClosedConnection(err) {
		return errs.NewTransportError(err)
	}
	return errors.WithStack(err)
}
