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

// Package quorum implements the ping/pong roll-call and activation
// handshake engines use to agree on a shared compiled-schema version
// over the external pub/sub collaborator (spec §4.6).
package quorum

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/hotmeshio/streambroker/internal/errs"
	"github.com/hotmeshio/streambroker/internal/kv"
	"github.com/hotmeshio/streambroker/internal/transport"
	log "github.com/sirupsen/logrus"
)

// Message is the tagged union of quorum wire messages (spec §4.6
// "Message kinds").
type Message struct {
	Type string `json:"type"`

	Originator string          `json:"originator,omitempty"`
	Details    json.RawMessage `json:"details,omitempty"`
	Profile    json.RawMessage `json:"profile,omitempty"`

	CacheMode    string `json:"cache_mode,omitempty"`
	UntilVersion string `json:"until_version,omitempty"`

	Throttle *int            `json:"throttle,omitempty"`
	Topic    string          `json:"topic,omitempty"`
	Job      json.RawMessage `json:"job,omitempty"`
	Interval time.Duration   `json:"interval,omitempty"`
	Max      int             `json:"max,omitempty"`
}

const (
	typePing     = "ping"
	typePong     = "pong"
	typeActivate = "activate"
	typeThrottle = "throttle"
	typeWork     = "work"
	typeCron     = "cron"
	typeJob      = "job"
	typeRollCall = "rollcall"

	activateRole = "activate"
)

// Service is the Quorum Service (spec §4.6). One Service instance
// runs per engine, subscribed to a shared channel plus a private
// per-engine channel.
type Service struct {
	PubSub    transport.PubSub
	Store     kv.Store
	Activator Activator

	GUID           string
	QuorumChannel  string
	PrivateChannel string

	ActivationMaxRetry int
	RollCallCycles     int

	mu           sync.Mutex
	pongCount    int
	untilVersion string

	cancels []func()
}

// NewService constructs a Service. activator may be nil, in which
// case NullActivator is used.
func NewService(pubsub transport.PubSub, store kv.Store, guid, quorumChannel, privateChannel string, activator Activator, activationMaxRetry, rollCallCycles int) *Service {
	if activator == nil {
		activator = NullActivator{}
	}
	return &Service{
		PubSub:             pubsub,
		Store:              store,
		Activator:          activator,
		GUID:               guid,
		QuorumChannel:      quorumChannel,
		PrivateChannel:     privateChannel,
		ActivationMaxRetry: activationMaxRetry,
		RollCallCycles:     rollCallCycles,
	}
}

// Subscribe joins the shared quorum channel and this engine's private
// channel, dispatching every inbound message to handleMessage. It
// corresponds to the init -> subscribed transition (spec §4.6).
func (s *Service) Subscribe(ctx context.Context) error {
	for _, ch := range []string{s.QuorumChannel, s.PrivateChannel} {
		msgs, cancel, err := s.PubSub.Subscribe(ctx, ch)
		if err != nil {
			s.unsubscribeAll()
			return err
		}
		s.mu.Lock()
		s.cancels = append(s.cancels, cancel)
		s.mu.Unlock()
		go s.readLoop(ctx, msgs)
	}
	return nil
}

func (s *Service) readLoop(ctx context.Context, msgs <-chan []byte) {
	for raw := range msgs {
		var m Message
		if err := json.Unmarshal(raw, &m); err != nil {
			log.WithError(err).Warn("malformed quorum message")
			continue
		}
		s.handleMessage(ctx, m)
	}
}

func (s *Service) handleMessage(ctx context.Context, m Message) {
	switch m.Type {
	case typePing:
		if m.Originator == s.GUID {
			return // don't count ourselves as a respondent to our own ping
		}
		s.respondPong(ctx, m)
	case typeRollCall:
		go s.DoRollCall(ctx, m.Interval, m.Max)
	case typePong:
		if m.Originator == s.GUID {
			s.mu.Lock()
			s.pongCount++
			s.mu.Unlock()
		}
	case typeActivate:
		s.mu.Lock()
		s.untilVersion = m.UntilVersion
		s.mu.Unlock()
	case typeThrottle, typeWork, typeCron, typeJob:
		// Dispatched to the engine; this module has no engine-side
		// work/cron/job consumer to hand these to, so they are logged
		// at trace level for observability and otherwise dropped.
		log.WithField("type", m.Type).Trace("quorum message dispatched with no local consumer")
	default:
		log.WithField("type", m.Type).Warn("unrecognized quorum message type")
	}
}

func (s *Service) respondPong(ctx context.Context, m Message) {
	pong := Message{Type: typePong, Originator: m.Originator, Profile: s.profile()}
	payload, err := json.Marshal(pong)
	if err != nil {
		return
	}
	if err := s.PubSub.Publish(ctx, s.QuorumChannel, payload); err != nil {
		log.WithError(err).Warn("failed to publish pong")
	}
}

func (s *Service) profile() json.RawMessage {
	p, _ := json.Marshal(map[string]string{"engine": s.GUID})
	return p
}

// RequestQuorum implements spec §4.6 requestQuorum: resets the pong
// counter, publishes a ping, sleeps delay, and returns the
// accumulated pong count.
func (s *Service) RequestQuorum(ctx context.Context, delay time.Duration, details json.RawMessage) (int, error) {
	s.mu.Lock()
	s.pongCount = 0
	s.mu.Unlock()

	ping := Message{Type: typePing, Originator: s.GUID, Details: details}
	payload, err := json.Marshal(ping)
	if err != nil {
		return 0, err
	}
	if err := s.PubSub.Publish(ctx, s.QuorumChannel, payload); err != nil {
		return 0, err
	}

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pongCount, nil
}

// IsActive reports whether this engine has already activated version.
func (s *Service) IsActive(version string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.untilVersion == version
}

// Activate implements spec §4.6 activate: the holder of the
// cluster-scoped "activate" scout reservation runs three successive
// requestQuorum passes; if all three agree on a positive count, it
// broadcasts activate and hands off to the Activator. Divergent
// counts back off delay*2 and retry up to ActivationMaxRetry times.
func (s *Service) Activate(ctx context.Context, version string, delay time.Duration) (bool, error) {
	key := activateKey()
	acquired, err := s.Store.Acquire(ctx, key, s.GUID, delay*10)
	if err != nil {
		return false, err
	}
	if !acquired {
		select {
		case <-time.After(delay * 6):
		case <-ctx.Done():
			return false, ctx.Err()
		}
		return s.IsActive(version), nil
	}
	defer func() {
		if err := s.Store.Release(context.Background(), key, s.GUID); err != nil {
			log.WithError(err).Warn("failed to release activate role")
		}
	}()

	for attempt := 0; attempt < s.ActivationMaxRetry; attempt++ {
		var counts [3]int
		for i := 0; i < 3; i++ {
			c, err := s.RequestQuorum(ctx, delay, nil)
			if err != nil {
				return false, err
			}
			counts[i] = c
		}

		if counts[0] == counts[1] && counts[1] == counts[2] && counts[0] > 0 {
			activateMsg := Message{Type: typeActivate, UntilVersion: version}
			payload, err := json.Marshal(activateMsg)
			if err != nil {
				return false, err
			}
			if err := s.PubSub.Publish(ctx, s.QuorumChannel, payload); err != nil {
				return false, err
			}
			s.mu.Lock()
			s.untilVersion = version
			s.mu.Unlock()
			if err := s.Activator.Activate(ctx, version); err != nil {
				return false, err
			}
			return true, nil
		}

		select {
		case <-time.After(delay * 2):
		case <-ctx.Done():
			return false, ctx.Err()
		}
		delay *= 2
	}

	return false, errs.NewQuorumNotReachedError(version, s.ActivationMaxRetry)
}

// DoRollCall implements spec §4.6 doRollCall: up to max iterations
// (HMSH_QUORUM_ROLLCALL_CYCLES by default when max <= 0) with jittered
// inter-iteration delay, each emitting a pong carrying this engine's
// full profile.
func (s *Service) DoRollCall(ctx context.Context, interval time.Duration, max int) int {
	if max <= 0 {
		max = s.RollCallCycles
	}
	if max <= 0 {
		max = 10
	}
	iterations := 0
	for i := 0; i < max; i++ {
		base := interval / 2
		jitter := base + time.Duration(rand.Int63n(int64(base)+1))
		select {
		case <-time.After(jitter):
		case <-ctx.Done():
			return iterations
		}

		pong := Message{Type: typePong, Originator: s.GUID, Profile: s.profile()}
		payload, err := json.Marshal(pong)
		if err != nil {
			continue
		}
		if err := s.PubSub.Publish(ctx, s.QuorumChannel, payload); err != nil {
			log.WithError(err).Warn("roll call publish failed")
			continue
		}
		iterations++
	}
	return iterations
}

// Close unsubscribes from every channel this service joined.
func (s *Service) Close() {
	s.unsubscribeAll()
}

func (s *Service) unsubscribeAll() {
	s.mu.Lock()
	cancels := s.cancels
	s.cancels = nil
	s.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

func activateKey() string {
	return "scout/" + activateRole
}
