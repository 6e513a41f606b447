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

package app

import (
	"context"
	"time"

	"github.com/hotmeshio/streambroker/internal/config"
	"github.com/hotmeshio/streambroker/internal/diag"
	"github.com/hotmeshio/streambroker/internal/notify"
	"github.com/hotmeshio/streambroker/internal/quorum"
	"github.com/hotmeshio/streambroker/internal/router"
	"github.com/hotmeshio/streambroker/internal/schema"
	"github.com/hotmeshio/streambroker/internal/scout"
	"github.com/hotmeshio/streambroker/internal/stream"
	"github.com/hotmeshio/streambroker/internal/util/stopper"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"
)

// scoutShutdownTimeout bounds how long Run waits for the Scout
// Manager's tracked goroutine to wind down before forcing cancellation.
const scoutShutdownTimeout = 5 * time.Second

// App aggregates the broker's wired components (spec §4 "Modules")
// into a single running process.
type App struct {
	Config      *config.Config
	Pool        *pgxpool.Pool
	Deployer    *schema.Deployer
	Engine      *stream.PostgresEngine
	Hub         *notify.Hub
	Scout       *scout.Manager
	Router      *router.Router
	Quorum      *quorum.Service
	Diagnostics *diag.Diagnostics
	GUID        string
}

// Run deploys the schema, subscribes the Quorum Service, starts the
// Scout Manager, and blocks until ctx is cancelled. The Notification
// Manager is already running from construction; Run only cleans it up
// on the way out.
func (a *App) Run(ctx context.Context) error {
	if err := a.Deployer.Deploy(ctx, a.Config.AppID); err != nil {
		return err
	}

	if err := a.Quorum.Subscribe(ctx); err != nil {
		return err
	}

	sc := stopper.WithContext(ctx)
	sc.Go(func() error {
		a.Scout.Run(sc)
		return nil
	})

	log.WithField("guid", a.GUID).Info("streambroker started")
	<-ctx.Done()
	log.Info("streambroker stopping")

	sc.Stop(scoutShutdownTimeout)
	a.Scout.Stop()
	a.Quorum.Close()
	if a.Hub != nil {
		a.Hub.Cleanup()
	}
	return nil
}
