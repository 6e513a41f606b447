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

// Package config holds the broker's user-visible configuration,
// following the Bind/Preflight shape used throughout the teacher's
// source-server configuration.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

// Config aggregates the tunables recognized by the broker (spec §6
// "Configuration options").
type Config struct {
	Namespace string
	AppID     string

	PostgresDSN string
	RedisAddr   string

	// EnableNotifications mirrors postgres.enableNotifications
	// (default true); forced false if
	// HOTMESH_POSTGRES_DISABLE_NOTIFICATIONS=true is set.
	EnableNotifications bool
	// NotificationFallbackInterval mirrors
	// postgres.notificationFallbackInterval (default 30s).
	NotificationFallbackInterval time.Duration
	// NotificationTimeout mirrors postgres.notificationTimeout
	// (default 5s).
	NotificationTimeout time.Duration

	// ReservationTimeout is the configured row-reservation window (30s).
	// Fetch does not read it; when a caller passes no reservation
	// timeout, Fetch applies its own 30s default.
	ReservationTimeout time.Duration
	// DefaultBatchSize is the configured fetch batch size; Preflight
	// rejects values below 1. Fetch does not read it; when a caller
	// passes no batch size, Fetch uses 1.
	DefaultBatchSize int

	// ScoutInterval is the role-holder's poll interval between
	// visibility-scan invocations (spec §4.4, ~100ms).
	ScoutInterval time.Duration
	// ScoutSafetyFactor multiplies ScoutRoleInterval to derive the TTL
	// on the scout role reservation (spec §3 "Scout reservation").
	ScoutSafetyFactor float64
	// ScoutRoleInterval is how often a non-holder retries acquisition.
	ScoutRoleInterval time.Duration

	// MaxRetries caps the reclaim-count independent of any per-error
	// code policy (HMSH_MAX_RETRIES, spec §9 open question 2).
	MaxRetries int

	// ActivationMaxRetry bounds Quorum's activate() retry loop
	// (HMSH_ACTIVATION_MAX_RETRY).
	ActivationMaxRetry int
	// RollCallCycles bounds doRollCall's iteration count
	// (HMSH_QUORUM_ROLLCALL_CYCLES).
	RollCallCycles int

	BindAddr string
}

// DefaultConfig returns a Config populated with the defaults named
// throughout spec.md.
func DefaultConfig() *Config {
	return &Config{
		Namespace:                    "hotmesh",
		EnableNotifications:          true,
		NotificationFallbackInterval: 30 * time.Second,
		NotificationTimeout:          5 * time.Second,
		ReservationTimeout:           30 * time.Second,
		DefaultBatchSize:             10,
		ScoutInterval:                100 * time.Millisecond,
		ScoutSafetyFactor:            3,
		ScoutRoleInterval:            2 * time.Second,
		MaxRetries:                   8,
		ActivationMaxRetry:           5,
		RollCallCycles:               10,
		BindAddr:                     ":8080",
	}
}

// Bind registers flags for every tunable onto flags.
func (c *Config) Bind(flags *pflag.FlagSet) {
	flags.StringVar(&c.Namespace, "namespace", c.Namespace, "logical namespace the broker operates under")
	flags.StringVar(&c.AppID, "appId", c.AppID, "application id; also used to derive the deployed schema name")
	flags.StringVar(&c.PostgresDSN, "postgresDSN", c.PostgresDSN, "Postgres connection string for the stream store")
	flags.StringVar(&c.RedisAddr, "redisAddr", c.RedisAddr, "Redis address backing scout reservations and quorum pub/sub")
	flags.BoolVar(&c.EnableNotifications, "postgres.enableNotifications", c.EnableNotifications, "enable LISTEN/NOTIFY event-driven delivery")
	flags.DurationVar(&c.NotificationFallbackInterval, "postgres.notificationFallbackInterval", c.NotificationFallbackInterval, "fallback poller interval")
	flags.DurationVar(&c.NotificationTimeout, "postgres.notificationTimeout", c.NotificationTimeout, "timeout for each notification-driven delivery and fallback pass")
	flags.DurationVar(&c.ReservationTimeout, "reservationTimeout", c.ReservationTimeout, "default row reservation window")
	flags.IntVar(&c.DefaultBatchSize, "batchSize", c.DefaultBatchSize, "default fetch batch size")
	flags.DurationVar(&c.ScoutInterval, "scoutInterval", c.ScoutInterval, "scout role-holder poll interval")
	flags.Float64Var(&c.ScoutSafetyFactor, "scoutSafetyFactor", c.ScoutSafetyFactor, "multiplier applied to scoutRoleInterval for the role reservation TTL")
	flags.DurationVar(&c.ScoutRoleInterval, "scoutRoleInterval", c.ScoutRoleInterval, "non-holder role-acquisition retry interval")
	flags.IntVar(&c.MaxRetries, "maxRetries", c.MaxRetries, "HMSH_MAX_RETRIES: reclaim-count bound, independent of per-error-code policy")
	flags.IntVar(&c.ActivationMaxRetry, "activationMaxRetry", c.ActivationMaxRetry, "HMSH_ACTIVATION_MAX_RETRY")
	flags.IntVar(&c.RollCallCycles, "rollCallCycles", c.RollCallCycles, "HMSH_QUORUM_ROLLCALL_CYCLES")
	flags.StringVar(&c.BindAddr, "bindAddr", c.BindAddr, "address to serve the health/diagnostics endpoint on")
}

// Preflight validates the configuration and applies the
// HOTMESH_POSTGRES_DISABLE_NOTIFICATIONS environment override (spec
// §6 "Environment variable").
func (c *Config) Preflight() error {
	if c.AppID == "" {
		return errors.New("appId unset")
	}
	if c.PostgresDSN == "" {
		return errors.New("postgresDSN unset")
	}
	if os.Getenv("HOTMESH_POSTGRES_DISABLE_NOTIFICATIONS") == "true" {
		c.EnableNotifications = false
	}
	if c.DefaultBatchSize < 1 {
		return errors.New("batchSize must be >= 1")
	}
	return nil
}
