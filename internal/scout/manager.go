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

// Package scout ensures delayed, visibility-timed-out messages are
// surfaced promptly even though their inserts emitted no notification
// (spec §4.4).
package scout

import (
	"context"
	"time"

	"github.com/hotmeshio/streambroker/internal/errs"
	"github.com/hotmeshio/streambroker/internal/keys"
	"github.com/hotmeshio/streambroker/internal/kv"
	log "github.com/sirupsen/logrus"
)

// Scanner invokes the deployed notify_visible_messages() function.
type Scanner interface {
	ScanVisibleMessages(ctx context.Context) (int, error)
}

// Manager runs the role-reservation protocol described in spec §4.4:
// at most one engine holds the "router" scout role at a time; the
// holder tight-polls the visibility-scan function, non-holders
// periodically retry acquisition.
type Manager struct {
	Store   kv.Store
	Scanner Scanner
	Holder  string // this engine's guid

	Role         string
	PollInterval time.Duration
	RoleInterval time.Duration
	SafetyFactor float64

	stop chan struct{}
	done chan struct{}
}

// NewManager constructs a Manager for the given role (default
// "router" per spec §4.4).
func NewManager(store kv.Store, scanner Scanner, holder string, pollInterval, roleInterval time.Duration, safetyFactor float64) *Manager {
	return &Manager{
		Store:        store,
		Scanner:      scanner,
		Holder:       holder,
		Role:         "router",
		PollInterval: pollInterval,
		RoleInterval: roleInterval,
		SafetyFactor: safetyFactor,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Run drives the acquisition/poll loop until Stop is called or ctx is
// canceled. It is meant to be launched as its own goroutine.
func (m *Manager) Run(ctx context.Context) {
	defer close(m.done)
	key := keys.ScoutKey(m.Role)
	ttl := time.Duration(float64(m.RoleInterval) * m.SafetyFactor)

	for {
		select {
		case <-ctx.Done():
			m.release(key)
			return
		case <-m.stop:
			m.release(key)
			return
		default:
		}

		acquired, err := m.Store.Acquire(ctx, key, m.Holder, ttl)
		if err != nil {
			log.WithError(err).WithField("role", m.Role).Warn("scout role acquisition error")
			if !m.sleep(ctx, m.RoleInterval) {
				return
			}
			continue
		}
		if !acquired {
			if !m.sleep(ctx, m.RoleInterval) {
				return
			}
			continue
		}

		m.holdRole(ctx, key, ttl)
	}
}

// holdRole runs the tight poll loop while this engine holds the role,
// refreshing the reservation each pass. It returns when the hold is
// lost, the scan errors with a closed-connection TransportError, or
// shutdown is requested.
func (m *Manager) holdRole(ctx context.Context, key string, ttl time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		default:
		}

		held, err := m.Store.Refresh(ctx, key, m.Holder, ttl)
		if err != nil || !held {
			return
		}

		if m.Scanner != nil {
			if _, err := m.Scanner.ScanVisibleMessages(ctx); err != nil {
				if errs.ClosedConnection(err) {
					return
				}
				log.WithError(err).Warn("visibility scan failed")
			}
		}

		if !m.sleep(ctx, m.PollInterval) {
			return
		}
	}
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	case <-m.stop:
		return false
	}
}

func (m *Manager) release(key string) {
	if err := m.Store.Release(context.Background(), key, m.Holder); err != nil {
		log.WithError(err).WithField("role", m.Role).Warn("failed to release scout role on shutdown")
	}
}

// Stop requests the poll loop exit and waits for it to do so (spec
// §4.4 "stopRouterScoutPoller").
func (m *Manager) Stop() {
	close(m.stop)
	<-m.done
}
