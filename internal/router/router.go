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

// Package router decides, for each worker response, whether to
// re-publish a retry or structure a terminal error envelope (spec
// §4.5).
package router

import (
	"context"
	"encoding/json"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/hotmeshio/streambroker/internal/errs"
)

// UnknownErrorCode is the sentinel used when neither the response nor
// its data payload carries a numeric error code.
const UnknownErrorCode = 599

// Metadata is the envelope metadata carried on both StreamData and
// StreamDataResponse (spec §7 "envelope").
type Metadata struct {
	Guid string `json:"guid"`
	Try  int    `json:"try"`
	// Aid records the attempt lineage when structureError mints a fresh
	// Guid, so the original message remains traceable (SPEC_FULL.md §7
	// decision 1).
	Aid string `json:"aid,omitempty"`
}

// Policies carries the per-code retry ladder a producer attached to a
// message (spec §4.5 "input.policies.retry").
type Policies struct {
	// Retry maps a numeric response code (as a string) to a one-element
	// slice holding the allowed max-retries for that code (1, 2, or 3).
	Retry map[string][]int `json:"retry,omitempty"`
}

// StreamData is the router's view of the original producer envelope.
type StreamData struct {
	Topic    string          `json:"topic"`
	Metadata Metadata        `json:"metadata"`
	Policies Policies        `json:"policies,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// StreamDataResponse is the router's view of a worker's response, and
// also what it produces for structureError/structureUnacknowledgedError.
type StreamDataResponse struct {
	Status   string          `json:"status"`
	Code     int             `json:"code,omitempty"`
	Message  string          `json:"message,omitempty"`
	Stack    string          `json:"stack,omitempty"`
	Metadata Metadata        `json:"metadata"`
	Data     json.RawMessage `json:"data,omitempty"`
	Topic    *string         `json:"topic"`
}

// Publisher republishes a StreamData envelope to a topic (the Stream
// Engine's Publish, adapted to the router's narrower needs).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Router is the Router / Error Handler (spec §4.5).
type Router struct {
	Publish Publisher
	// MaxRetries is the system-wide upper bound on tryCount
	// (HMSH_MAX_RETRIES), independent of any per-error-code policy
	// (SPEC_FULL.md §7 decision 2).
	MaxRetries int
}

// NewRouter constructs a Router bound to a publisher.
func NewRouter(publisher Publisher, maxRetries int) *Router {
	return &Router{Publish: publisher, MaxRetries: maxRetries}
}

// ShouldRetry implements spec §4.5 shouldRetry: looks up the
// per-code policy, clamps tryCount against the router's global bound,
// and returns the exponential delay 10^(tryCount+1) ms when a retry
// is allowed.
func (r *Router) ShouldRetry(input StreamData, output StreamDataResponse) (bool, time.Duration) {
	tryCount := input.Metadata.Try
	if r.MaxRetries > 0 && tryCount >= r.MaxRetries {
		return false, 0
	}

	policy, ok := input.Policies.Retry[strconv.Itoa(output.Code)]
	if !ok || len(policy) == 0 {
		return false, 0
	}
	max := policy[0]
	if max < 1 {
		max = 1
	} else if max > 3 {
		max = 3
	}

	if max > tryCount {
		delayMs := math.Pow(10, float64(tryCount+1))
		return true, time.Duration(delayMs) * time.Millisecond
	}
	return false, 0
}

// responseCode extracts a numeric code for structureError: prefer
// output.Code, else look for a "code" field in output.Data, else
// UnknownErrorCode (spec §4.5 "structureError").
func responseCode(output StreamDataResponse) int {
	if output.Code != 0 {
		return output.Code
	}
	if len(output.Data) > 0 {
		var probe struct {
			Code int `json:"code"`
		}
		if err := json.Unmarshal(output.Data, &probe); err == nil && probe.Code != 0 {
			return probe.Code
		}
	}
	return UnknownErrorCode
}

// StructureError implements spec §4.5 structureError: builds a
// terminal error response with a freshly minted guid, recording the
// original lineage under metadata.aid rather than preserving the
// original guid (SPEC_FULL.md §7 decision 1).
func (r *Router) StructureError(input StreamData, output StreamDataResponse) StreamDataResponse {
	message := output.Message
	if message == "" {
		message = output.Status
	}
	return StreamDataResponse{
		Status:  "error",
		Code:    responseCode(output),
		Message: message,
		Stack:   output.Stack,
		Metadata: Metadata{
			Guid: uuid.NewString(),
			Try:  input.Metadata.Try,
			Aid:  input.Metadata.Guid,
		},
		Data:  output.Data,
		Topic: nil,
	}
}

// StructureUnacknowledgedError implements spec §4.5
// structureUnacknowledgedError: used when a message has exceeded its
// reclaim count. The topic is cleared so the engine treats the
// response as terminal.
func (r *Router) StructureUnacknowledgedError(input StreamData, id string) StreamDataResponse {
	err := &errs.RetryExceededError{StreamName: input.Topic, ID: id}
	return StreamDataResponse{
		Status:  "error",
		Code:    UnknownErrorCode,
		Message: err.Error(),
		Metadata: Metadata{
			Guid: uuid.NewString(),
			Try:  input.Metadata.Try,
			Aid:  input.Metadata.Guid,
		},
		Topic: nil,
	}
}

// HandleRetry implements spec §4.5 handleRetry: retries by sleeping
// the computed delay and re-publishing to the same topic with
// metadata.try incremented and the original guid retained; otherwise
// publishes the structured terminal error to the null topic.
func (r *Router) HandleRetry(ctx context.Context, input StreamData, output StreamDataResponse) error {
	retry, delay := r.ShouldRetry(input, output)
	if !retry {
		errResp := r.StructureError(input, output)
		payload, err := json.Marshal(errResp)
		if err != nil {
			return err
		}
		return r.Publish.Publish(ctx, "", payload)
	}

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return ctx.Err()
	}

	next := input
	next.Metadata.Try = input.Metadata.Try + 1
	next.Metadata.Guid = input.Metadata.Guid // retained across retries

	payload, err := json.Marshal(next)
	if err != nil {
		return err
	}
	return r.Publish.Publish(ctx, input.Topic, payload)
}
