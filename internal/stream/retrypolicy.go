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
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Default retry policy values, per spec §3.
const (
	DefaultMaxRetryAttempts      = 3
	DefaultBackoffCoefficient    = 10
	DefaultMaximumIntervalSeconds = 120
)

// RetryPolicy is the canonical, row-storage shape of a stream message's
// retry policy (spec §3 "Retry policy (canonical, stored per row)").
type RetryPolicy struct {
	MaxRetryAttempts       int     `json:"max_retry_attempts"`
	BackoffCoefficient     float64 `json:"backoff_coefficient"`
	MaximumIntervalSeconds int     `json:"maximum_interval_seconds"`
}

// IsSentinelDefault reports whether p matches the database's row
// defaults closely enough that no explicit policy needs to travel in
// the wire envelope (spec §4.2 "differ from the sentinel default
// (max=3 ∨ max=5) ∧ coef=10 ∧ interval=120").
func (p RetryPolicy) IsSentinelDefault() bool {
	maxOK := p.MaxRetryAttempts == DefaultMaxRetryAttempts || p.MaxRetryAttempts == 5
	return maxOK &&
		p.BackoffCoefficient == DefaultBackoffCoefficient &&
		p.MaximumIntervalSeconds == DefaultMaximumIntervalSeconds
}

// publicPolicy is the producer-facing JSON shape, which accepts either
// a duration string or a number of seconds for MaximumInterval (spec
// §3 "Public form accepts maximumInterval as either seconds or a
// duration string").
type publicPolicy struct {
	MaximumAttempts    *int            `json:"maximumAttempts,omitempty"`
	BackoffCoefficient *float64        `json:"backoffCoefficient,omitempty"`
	MaximumInterval    json.RawMessage `json:"maximumInterval,omitempty"`
}

// NormalizeRetryPolicy canonicalizes a producer-facing policy
// (string/number interval forms, possibly partially specified) into
// the row-storage RetryPolicy, applying defaults for any missing
// field (spec §3 "Retry Policy Normalizer").
func NormalizeRetryPolicy(raw json.RawMessage) (RetryPolicy, error) {
	ret := RetryPolicy{
		MaxRetryAttempts:       DefaultMaxRetryAttempts,
		BackoffCoefficient:     DefaultBackoffCoefficient,
		MaximumIntervalSeconds: DefaultMaximumIntervalSeconds,
	}
	if len(raw) == 0 {
		return ret, nil
	}

	var pub publicPolicy
	if err := json.Unmarshal(raw, &pub); err != nil {
		return RetryPolicy{}, errors.WithMessage(err, "stream: malformed retry policy")
	}

	if pub.MaximumAttempts != nil {
		ret.MaxRetryAttempts = *pub.MaximumAttempts
	}
	if pub.BackoffCoefficient != nil {
		ret.BackoffCoefficient = *pub.BackoffCoefficient
	}
	if len(pub.MaximumInterval) > 0 {
		secs, err := ParseMaximumInterval(pub.MaximumInterval)
		if err != nil {
			return RetryPolicy{}, err
		}
		ret.MaximumIntervalSeconds = secs
	}

	if ret.MaxRetryAttempts <= 0 {
		return RetryPolicy{}, errors.New("stream: maximumAttempts must be > 0")
	}
	if ret.BackoffCoefficient < 1 {
		return RetryPolicy{}, errors.New("stream: backoffCoefficient must be >= 1")
	}
	if ret.MaximumIntervalSeconds <= 0 {
		return RetryPolicy{}, errors.New("stream: maximumInterval must be > 0")
	}

	return ret, nil
}

// ParseMaximumInterval accepts either a bare JSON number (interpreted
// as seconds) or a JSON string duration ("300s", "5m") and returns the
// equivalent number of seconds.
func ParseMaximumInterval(raw json.RawMessage) (int, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return 0, errors.New("stream: empty maximumInterval")
	}

	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, errors.WithMessage(err, "stream: malformed maximumInterval string")
		}
		// A bare numeric string ("300") is also accepted as seconds.
		if n, err := strconv.Atoi(s); err == nil {
			return n, nil
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, errors.WithMessage(err, "stream: malformed maximumInterval duration")
		}
		return int(d.Seconds()), nil
	}

	var n float64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, errors.WithMessage(err, "stream: malformed maximumInterval number")
	}
	return int(n), nil
}

// NextVisibility computes the next-attempt visibility delay for a
// worker-level retry, per spec §4.5 "Worker-level retries": now +
// min(backoffCoefficient ^ attempt, maximumInterval) seconds.
func (p RetryPolicy) NextVisibility(attempt int) time.Duration {
	interval := pow(p.BackoffCoefficient, attempt)
	max := float64(p.MaximumIntervalSeconds)
	if interval > max {
		interval = max
	}
	return time.Duration(interval * float64(time.Second))
}

func pow(base float64, exp int) float64 {
	if exp <= 0 {
		return 1
	}
	ret := 1.0
	for i := 0; i < exp; i++ {
		ret *= base
	}
	return ret
}
