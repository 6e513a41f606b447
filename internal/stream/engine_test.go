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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishThenFetchRoundTrip(t *testing.T) {
	q := newFakeQuerier()
	engine := NewPostgresEngine(q, "app1")
	ctx := context.Background()

	res, err := engine.Publish(ctx, "ns:app1:orders", []json.RawMessage{
		json.RawMessage(`{"metadata":{"guid":"g1"},"data":{"x":1}}`),
	}, nil)
	require.NoError(t, err)
	require.Len(t, res.IDs, 1)

	msgs, err := engine.Fetch(ctx, "ns:app1:orders", "WORKER", "consumer-1", FetchOptions{BatchSize: 1})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, res.IDs[0], msgs[0].ID)
	require.JSONEq(t, `{"metadata":{"guid":"g1"},"data":{"x":1}}`, string(msgs[0].Payload))
	require.Equal(t, RetryPolicy{
		MaxRetryAttempts:       DefaultMaxRetryAttempts,
		BackoffCoefficient:     DefaultBackoffCoefficient,
		MaximumIntervalSeconds: DefaultMaximumIntervalSeconds,
	}, msgs[0].RetryPolicy)
}

func TestPublishNormalizesRetryConfigThroughToFetch(t *testing.T) {
	// spec.md §8 scenario 3: {maximumAttempts:7, backoffCoefficient:3,
	// maximumInterval:"600s"} must land in the row as (7, 3, 600) and
	// come back out non-sentinel, so the control field is re-injected.
	q := newFakeQuerier()
	engine := NewPostgresEngine(q, "app1")
	ctx := context.Background()

	raw := json.RawMessage(`{
		"data": {"x": 1},
		"_streamRetryConfig": {"maximumAttempts": 7, "backoffCoefficient": 3, "maximumInterval": "600s"}
	}`)
	_, err := engine.Publish(ctx, "ns:app1:orders", []json.RawMessage{raw}, nil)
	require.NoError(t, err)

	require.Len(t, q.rows, 1)
	require.Equal(t, 7, q.rows[0].maxRetryAttempts)
	require.Equal(t, 3.0, q.rows[0].backoffCoefficient)
	require.Equal(t, 600, q.rows[0].maximumIntervalSeconds)

	msgs, err := engine.Fetch(ctx, "ns:app1:orders", "WORKER", "consumer-1", FetchOptions{BatchSize: 1})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, RetryPolicy{MaxRetryAttempts: 7, BackoffCoefficient: 3, MaximumIntervalSeconds: 600}, msgs[0].RetryPolicy)

	var obj map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &obj))
	var gotPolicy RetryPolicy
	require.NoError(t, json.Unmarshal(obj[controlFieldRetryConfig], &gotPolicy))
	require.Equal(t, RetryPolicy{MaxRetryAttempts: 7, BackoffCoefficient: 3, MaximumIntervalSeconds: 600}, gotPolicy)
}

func TestFetchDoesNotReinjectSentinelDefaultPolicy(t *testing.T) {
	q := newFakeQuerier()
	engine := NewPostgresEngine(q, "app1")
	ctx := context.Background()

	// An explicit policy that happens to equal the row defaults: still
	// forces includeRetryColumns (a control field was present), but
	// fetchOnce must not rehydrate it into the payload.
	raw := json.RawMessage(`{"data":{}, "_streamRetryConfig": {"maximumAttempts": 3, "backoffCoefficient": 10, "maximumInterval": 120}}`)
	_, err := engine.Publish(ctx, "ns:app1:orders", []json.RawMessage{raw}, nil)
	require.NoError(t, err)

	msgs, err := engine.Fetch(ctx, "ns:app1:orders", "WORKER", "consumer-1", FetchOptions{BatchSize: 1})
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	var obj map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &obj))
	_, hasRetryConfig := obj[controlFieldRetryConfig]
	_, hasRetryAttempt := obj[controlFieldRetryAttempt]
	require.False(t, hasRetryConfig)
	require.False(t, hasRetryAttempt)
}

func TestFetchReservationExcludesConcurrentlyReservedRows(t *testing.T) {
	q := newFakeQuerier()
	engine := NewPostgresEngine(q, "app1")
	ctx := context.Background()

	_, err := engine.Publish(ctx, "ns:app1:orders", []json.RawMessage{
		json.RawMessage(`{}`),
	}, nil)
	require.NoError(t, err)

	opts := FetchOptions{BatchSize: 1, ReservationTimeout: 30 * time.Second}

	first, err := engine.Fetch(ctx, "ns:app1:orders", "WORKER", "consumer-a", opts)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// Still within the reservation window: a second consumer must not
	// see the same row (FOR UPDATE SKIP LOCKED exclusivity).
	second, err := engine.Fetch(ctx, "ns:app1:orders", "WORKER", "consumer-b", opts)
	require.NoError(t, err)
	require.Empty(t, second)

	// Force the reservation to look expired, as if ReservationTimeout
	// had elapsed; the row becomes eligible again.
	q.rows[0].reservedAt = time.Now().Add(-31 * time.Second)

	third, err := engine.Fetch(ctx, "ns:app1:orders", "WORKER", "consumer-c", opts)
	require.NoError(t, err)
	require.Len(t, third, 1)
	require.Equal(t, first[0].ID, third[0].ID)
}

func TestFetchBackoffRetriesUntilMaxRetriesOnEmptyStream(t *testing.T) {
	q := newFakeQuerier()
	engine := NewPostgresEngine(q, "ns1")
	ctx := context.Background()

	start := time.Now()
	msgs, err := engine.Fetch(ctx, "ns1:empty", "WORKER", "consumer-1", FetchOptions{
		BatchSize:      1,
		Backoff:        true,
		InitialBackoff: 5 * time.Millisecond,
		MaxRetries:     2,
	})
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.Empty(t, msgs)
	// Two backoff sleeps (5ms, then 10ms) must have elapsed before Fetch
	// gives up, and fetchOnce must have been tried on every pass.
	require.GreaterOrEqual(t, elapsed, 10*time.Millisecond)
	require.Equal(t, 3, q.fetchCalls)
}

func TestFetchStopsBackoffAsSoonAsAMessageArrives(t *testing.T) {
	q := newFakeQuerier()
	engine := NewPostgresEngine(q, "ns1")
	ctx := context.Background()

	_, err := engine.Publish(ctx, "ns1:orders", []json.RawMessage{json.RawMessage(`{}`)}, nil)
	require.NoError(t, err)

	msgs, err := engine.Fetch(ctx, "ns1:orders", "WORKER", "consumer-1", FetchOptions{
		BatchSize:      1,
		Backoff:        true,
		InitialBackoff: 5 * time.Millisecond,
		MaxRetries:     5,
	})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, 1, q.fetchCalls)
}

func TestSoftDeleteIsIdempotent(t *testing.T) {
	q := newFakeQuerier()
	engine := NewPostgresEngine(q, "ns1")
	ctx := context.Background()

	res, err := engine.Publish(ctx, "ns1:orders", []json.RawMessage{json.RawMessage(`{}`)}, nil)
	require.NoError(t, err)

	n, err := engine.SoftDelete(ctx, "ns1:orders", "WORKER", res.IDs)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = engine.SoftDelete(ctx, "ns1:orders", "WORKER", res.IDs)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestTrimMaxLenIsIdempotent(t *testing.T) {
	q := newFakeQuerier()
	engine := NewPostgresEngine(q, "ns1")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := engine.Publish(ctx, "ns1:orders", []json.RawMessage{json.RawMessage(`{}`)}, nil)
		require.NoError(t, err)
	}

	maxLen := 1
	n, err := engine.Trim(ctx, "ns1:orders", TrimOptions{MaxLen: &maxLen})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	depth, err := engine.Depth(ctx, "ns1:orders")
	require.NoError(t, err)
	require.Equal(t, 1, depth)

	n, err = engine.Trim(ctx, "ns1:orders", TrimOptions{MaxLen: &maxLen})
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestTrimMaxAgeExpiresOldRowsOnly(t *testing.T) {
	q := newFakeQuerier()
	engine := NewPostgresEngine(q, "ns1")
	ctx := context.Background()

	_, err := engine.Publish(ctx, "ns1:orders", []json.RawMessage{json.RawMessage(`{}`)}, nil)
	require.NoError(t, err)
	q.rows[0].createdAt = time.Now().Add(-2 * time.Hour)

	_, err = engine.Publish(ctx, "ns1:orders", []json.RawMessage{json.RawMessage(`{}`)}, nil)
	require.NoError(t, err)

	maxAge := time.Hour
	n, err := engine.Trim(ctx, "ns1:orders", TrimOptions{MaxAge: &maxAge})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	depth, err := engine.Depth(ctx, "ns1:orders")
	require.NoError(t, err)
	require.Equal(t, 1, depth)
}

func TestDepthsCountsOnlyLiveRowsPerStream(t *testing.T) {
	q := newFakeQuerier()
	engine := NewPostgresEngine(q, "ns1")
	ctx := context.Background()

	_, err := engine.Publish(ctx, "ns1:a", []json.RawMessage{json.RawMessage(`{}`), json.RawMessage(`{}`)}, nil)
	require.NoError(t, err)
	res, err := engine.Publish(ctx, "ns1:b", []json.RawMessage{json.RawMessage(`{}`)}, nil)
	require.NoError(t, err)
	_, err = engine.SoftDelete(ctx, "ns1:b", "WORKER", res.IDs)
	require.NoError(t, err)

	depths, err := engine.Depths(ctx, []string{"ns1:a", "ns1:b", "ns1:c"})
	require.NoError(t, err)
	require.Equal(t, map[string]int{"ns1:a": 2, "ns1:b": 0, "ns1:c": 0}, depths)
}
