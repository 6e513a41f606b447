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

// Package kv declares the key-value store contract the Scout Manager
// and Quorum Service use for role reservations and job state (spec §1
// "out-of-scope collaborators", §3 "Scout reservation").
package kv

import (
	"context"
	"time"
)

// Store is the minimal key-value contract the broker needs: set-if-
// absent role reservations with a TTL, conditional release, and a
// small hash-map surface for job state (spec §3).
type Store interface {
	// Acquire sets key to holder with the given TTL iff key is currently
	// absent. It reports whether the caller now holds the reservation.
	Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	// Refresh extends the TTL on key iff it is still held by holder.
	Refresh(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	// Release deletes key iff it is currently held by holder.
	Release(ctx context.Context, key, holder string) error
	// Get returns the current holder of key, or "" if absent.
	Get(ctx context.Context, key string) (string, error)

	// HSet stores field/value pairs under a hash key.
	HSet(ctx context.Context, key string, fields map[string]string) error
	// HGetAll returns all field/value pairs under a hash key.
	HGetAll(ctx context.Context, key string) (map[string]string, error)
}
