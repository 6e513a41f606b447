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

// Package app assembles the broker's components into a running
// process, following the teacher's Provide*/wire.Build shape
// (internal/source/logical/provider.go).
package app

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/hotmeshio/streambroker/internal/config"
	"github.com/hotmeshio/streambroker/internal/diag"
	"github.com/hotmeshio/streambroker/internal/keys"
	"github.com/hotmeshio/streambroker/internal/kv"
	"github.com/hotmeshio/streambroker/internal/kv/rkv"
	"github.com/hotmeshio/streambroker/internal/notify"
	"github.com/hotmeshio/streambroker/internal/pgxopts"
	"github.com/hotmeshio/streambroker/internal/quorum"
	"github.com/hotmeshio/streambroker/internal/router"
	"github.com/hotmeshio/streambroker/internal/schema"
	"github.com/hotmeshio/streambroker/internal/scout"
	"github.com/hotmeshio/streambroker/internal/stream"
	"github.com/hotmeshio/streambroker/internal/transport"
	"github.com/hotmeshio/streambroker/internal/transport/rpubsub"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// ProvideGUID mints the identity this engine instance uses for scout
// reservations, quorum roll-call, and row reservation (spec §3
// "reserved_by").
func ProvideGUID() string { return uuid.NewString() }

// ProvideDiagnostics constructs an empty health-check registry.
func ProvideDiagnostics() *diag.Diagnostics { return diag.New() }

// ProvidePostgresPool opens the pgx pool backing the Stream Engine and
// Schema Deployer.
func ProvidePostgresPool(ctx context.Context, cfg *config.Config, diags *diag.Diagnostics) (*pgxpool.Pool, func(), error) {
	return pgxopts.OpenPgxPool(ctx, cfg.PostgresDSN,
		pgxopts.WithConnectionLifetime(5*time.Minute),
		pgxopts.WithDiagnostics(diags, "postgres"),
		pgxopts.WithMetrics("postgres"),
		pgxopts.WithPoolSize(32),
	)
}

// ProvideRedisClient opens the Redis client backing the out-of-scope
// kv.Store and transport.PubSub collaborators.
func ProvideRedisClient(cfg *config.Config) (*redis.Client, func()) {
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	return client, func() { _ = client.Close() }
}

// ProvideKVStore wires the Redis kv.Store implementation.
func ProvideKVStore(client *redis.Client) kv.Store { return rkv.New(client) }

// ProvidePubSub wires the Redis transport.PubSub implementation.
func ProvidePubSub(client *redis.Client) transport.PubSub { return rpubsub.New(client) }

// ProvideKeysMinter constructs the namespaced Key Minter.
func ProvideKeysMinter(cfg *config.Config) *keys.Minter {
	return keys.NewMinter(cfg.Namespace, cfg.AppID)
}

// ProvideEngine constructs the Postgres-backed Stream Engine.
func ProvideEngine(pool *pgxpool.Pool, cfg *config.Config) *stream.PostgresEngine {
	return stream.NewPostgresEngine(pool, cfg.AppID)
}

// ProvideDeployer constructs the Schema Deployer.
func ProvideDeployer(pool *pgxpool.Pool) *schema.Deployer { return schema.NewDeployer(pool) }

// ProvideNotifyHub constructs the Notification Manager, or nil when
// postgres.enableNotifications is false (spec §6 "Environment
// variable").
func ProvideNotifyHub(cfg *config.Config, engine *stream.PostgresEngine) *notify.Hub {
	if !cfg.EnableNotifications {
		return nil
	}
	return notify.NewHub(cfg.PostgresDSN, cfg.NotificationTimeout, cfg.NotificationFallbackInterval, engine)
}

// ProvideScoutManager constructs the Scout Manager.
func ProvideScoutManager(store kv.Store, engine *stream.PostgresEngine, guid string, cfg *config.Config) *scout.Manager {
	return scout.NewManager(store, engine, guid, cfg.ScoutInterval, cfg.ScoutRoleInterval, cfg.ScoutSafetyFactor)
}

// enginePublisher adapts the Stream Engine's batch Publish to the
// Router's single-message Publisher contract. A cleared topic (the
// Router's "publish the structured error to the null topic") is
// redirected to the reserved engine-intake stream rather than a real
// consumer topic.
type enginePublisher struct {
	engine *stream.PostgresEngine
	minter *keys.Minter
}

const engineIntakeTopic = "engine:"

func (p *enginePublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	target := topic
	if target == "" {
		target = p.minter.StreamName(engineIntakeTopic)
	}
	_, err := p.engine.Publish(ctx, target, []json.RawMessage{payload}, nil)
	return err
}

// ProvideRouter constructs the Router / Error Handler.
func ProvideRouter(engine *stream.PostgresEngine, minter *keys.Minter, cfg *config.Config) *router.Router {
	return router.NewRouter(&enginePublisher{engine: engine, minter: minter}, cfg.MaxRetries)
}

// ProvideQuorumService constructs the Quorum Service, subscribed to
// the shared and private channels derived from this engine's guid.
func ProvideQuorumService(pubsub transport.PubSub, store kv.Store, minter *keys.Minter, guid string, cfg *config.Config) *quorum.Service {
	return quorum.NewService(pubsub, store, guid, minter.QuorumChannel(), minter.QuorumPrivateChannel(guid), nil, cfg.ActivationMaxRetry, cfg.RollCallCycles)
}
