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

// Command streambroker runs the durable stream-message broker (spec
// §1 "Overview"): the Stream Engine, Notification Manager, Scout
// Manager, Router, and Quorum Service wired against a single Postgres
// database and Redis instance.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/hotmeshio/streambroker/internal/app"
	"github.com/hotmeshio/streambroker/internal/config"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

func main() {
	cfg := config.DefaultConfig()
	cfg.Bind(pflag.CommandLine)
	pflag.Parse()

	if err := cfg.Preflight(); err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	log.SetFormatter(&log.JSONFormatter{})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, cleanup, err := app.Injector(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("could not wire streambroker")
	}
	defer cleanup()

	srv := &http.Server{Addr: cfg.BindAddr, Handler: healthzHandler(a)}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("health endpoint stopped")
		}
	}()

	if err := a.Run(ctx); err != nil {
		log.WithError(err).Fatal("streambroker exited with error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.NotificationTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func healthzHandler(a *app.App) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		results := a.Diagnostics.CheckAll(r.Context())
		status := http.StatusOK
		body := make(map[string]string, len(results))
		for name, err := range results {
			if err != nil {
				status = http.StatusServiceUnavailable
				body[name] = err.Error()
			} else {
				body[name] = "ok"
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	})
	return mux
}
