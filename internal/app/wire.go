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

//go:build wireinject
// +build wireinject

package app

import (
	"context"

	"github.com/google/wire"
	"github.com/hotmeshio/streambroker/internal/config"
)

// Injector builds a fully wired App from cfg (spec §4, the broker's
// top-level assembly).
func Injector(ctx context.Context, cfg *config.Config) (*App, func(), error) {
	panic(wire.Build(
		ProvideGUID,
		ProvideDiagnostics,
		ProvidePostgresPool,
		ProvideRedisClient,
		ProvideKVStore,
		ProvidePubSub,
		ProvideKeysMinter,
		ProvideEngine,
		ProvideDeployer,
		ProvideNotifyHub,
		ProvideScoutManager,
		ProvideRouter,
		ProvideQuorumService,
		wire.Struct(new(App), "*"),
	))
}
