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

// Package notify demultiplexes Postgres LISTEN/NOTIFY traffic to the
// consumers registered against a single connection (spec §4.3). A Hub
// owns exactly one pq.Listener; pgx pool connections are not suited to
// long-held LISTEN sessions, so the listener is a dedicated
// lib/pq connection kept open for the process lifetime of the hub.
package notify

import (
	"context"
	"encoding/json"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/hotmeshio/streambroker/internal/errs"
	"github.com/hotmeshio/streambroker/internal/keys"
	"github.com/lib/pq"
	log "github.com/sirupsen/logrus"
)

// Consumer is notified when a stream/group it is listening on has new
// or newly-visible messages.
type Consumer interface {
	// FetchAndDeliver is invoked asynchronously off the notification
	// handler goroutine; it must not block the hub.
	FetchAndDeliver(ctx context.Context)
}

// VisibilityScanner invokes the deployed notify_visible_messages()
// function (spec §4.1, §4.3 "fallback poller").
type VisibilityScanner interface {
	ScanVisibleMessages(ctx context.Context) (int, error)
}

type consumerEntry struct {
	stream, group     string
	consumer          Consumer
	listening         bool
	lastFallbackCheck time.Time
}

// listener is the subset of *pq.Listener the hub depends on, narrowed
// to an interface so tests can exercise registry/dispatch behavior
// against a fake instead of a live Postgres connection.
type listener interface {
	Listen(channel string) error
	Unlisten(channel string) error
	Close() error
	NotifyChannel() <-chan *pq.Notification
}

type pqListener struct{ *pq.Listener }

func (l pqListener) NotifyChannel() <-chan *pq.Notification { return l.Notify }

// Hub is the per-connection Notification Manager (spec §4.3). One Hub
// is shared by every Stream Engine instance bound to the same
// database connection.
type Hub struct {
	listener listener
	scanner  VisibilityScanner

	fallbackInterval time.Duration
	timeout          time.Duration

	mu        sync.Mutex
	consumers map[string]map[string]*consumerEntry // channel -> consumerKey -> entry

	stopFallback chan struct{}
	fallbackDone chan struct{}
}

// NewHub dials a dedicated lib/pq listener connection against dsn and
// returns a Hub ready to accept subscriptions. scanner is used by the
// fallback poller; it may be nil to disable the visibility-scan half
// of the fallback (unit tests exercising only registry behavior).
func NewHub(dsn string, timeout, fallbackInterval time.Duration, scanner VisibilityScanner) *Hub {
	onEvent := func(ev pq.ListenerEventType, err error) {
		if err != nil && !errs.ClosedConnection(err) {
			log.WithError(err).Warn("notification listener event error")
		}
	}
	l := pq.NewListener(dsn, 10*time.Second, time.Minute, onEvent)
	return newHub(pqListener{l}, timeout, fallbackInterval, scanner)
}

func newHub(l listener, timeout, fallbackInterval time.Duration, scanner VisibilityScanner) *Hub {
	h := &Hub{
		listener:         l,
		fallbackInterval: fallbackInterval,
		timeout:          timeout,
		scanner:          scanner,
		consumers:        make(map[string]map[string]*consumerEntry),
	}
	go h.notificationLoop()
	h.startFallback()
	return h
}

// notificationLoop is the hub's single notification handler (spec
// §4.3 "Exactly one notification handler per connection").
func (h *Hub) notificationLoop() {
	for n := range h.listener.NotifyChannel() {
		if n == nil {
			continue
		}
		if !strings.HasPrefix(n.Channel, "stream_") {
			continue // quorum pub/sub multiplexed on the same connection
		}
		var payload struct {
			StreamName string `json:"stream_name"`
			GroupName  string `json:"group_name"`
		}
		if err := json.Unmarshal([]byte(n.Extra), &payload); err != nil {
			log.WithError(err).WithField("channel", n.Channel).Warn("malformed stream notification payload")
			continue
		}
		h.dispatch(n.Channel)
	}
}

func (h *Hub) dispatch(channel string) {
	h.mu.Lock()
	byKey := h.consumers[channel]
	entries := make([]*consumerEntry, 0, len(byKey))
	for _, e := range byKey {
		if e.listening {
			entries = append(entries, e)
		}
	}
	h.mu.Unlock()

	for _, e := range entries {
		go func(e *consumerEntry) {
			ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
			defer cancel()
			e.consumer.FetchAndDeliver(ctx)
		}(e)
	}
}

// Subscribe registers consumer against stream/group (spec §4.3
// "subscribe"). If this is the first subscriber for the channel, it
// issues LISTEN.
func (h *Hub) Subscribe(ctx context.Context, stream, group string, consumer Consumer) error {
	channel := keys.NotificationChannel(stream, group)
	consumerKey := stream + ":" + group

	h.mu.Lock()
	byKey, ok := h.consumers[channel]
	if !ok {
		byKey = make(map[string]*consumerEntry)
		h.consumers[channel] = byKey
	}
	first := len(byKey) == 0
	byKey[consumerKey] = &consumerEntry{
		stream: stream, group: group, consumer: consumer,
		listening: true, lastFallbackCheck: time.Now(),
	}
	h.mu.Unlock()

	if first {
		if err := h.listener.Listen(channel); err != nil && !errs.ClosedConnection(err) {
			return err
		}
	}
	return nil
}

// Unsubscribe removes consumer's registration; if it was the last
// entry for the channel, issues UNLISTEN (spec §4.3 "unsubscribe").
func (h *Hub) Unsubscribe(stream, group string) {
	channel := keys.NotificationChannel(stream, group)
	consumerKey := stream + ":" + group

	h.mu.Lock()
	byKey, ok := h.consumers[channel]
	empty := false
	if ok {
		delete(byKey, consumerKey)
		empty = len(byKey) == 0
		if empty {
			delete(h.consumers, channel)
		}
	}
	h.mu.Unlock()

	if empty {
		if err := h.listener.Unlisten(channel); err != nil && !errs.ClosedConnection(err) {
			log.WithError(err).WithField("channel", channel).Warn("unlisten failed")
		}
	}
}

// startFallback launches the bounded fallback poller (spec §4.3
// "Fallback poller"). A small jitter avoids every hub in a fleet
// waking in lockstep (SPEC_FULL.md §7 decision 3).
func (h *Hub) startFallback() {
	h.stopFallback = make(chan struct{})
	h.fallbackDone = make(chan struct{})
	go func() {
		defer close(h.fallbackDone)
		for {
			jitter := h.fallbackInterval.Seconds() * (0.9 + 0.2*rand.Float64())
			timer := time.NewTimer(time.Duration(jitter * float64(time.Second)))
			select {
			case <-h.stopFallback:
				timer.Stop()
				return
			case <-timer.C:
				h.runFallbackPass()
			}
		}
	}()
}

func (h *Hub) runFallbackPass() {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	if h.scanner != nil {
		if _, err := h.scanner.ScanVisibleMessages(ctx); err != nil && !errs.ClosedConnection(err) {
			log.WithError(err).Warn("fallback visibility scan failed")
		}
	}

	cutoff := time.Now().Add(-h.fallbackInterval)
	h.mu.Lock()
	var stale []*consumerEntry
	for _, byKey := range h.consumers {
		for _, e := range byKey {
			if e.lastFallbackCheck.Before(cutoff) {
				stale = append(stale, e)
			}
		}
	}
	h.mu.Unlock()

	for _, e := range stale {
		e.lastFallbackCheck = time.Now()
		go e.consumer.FetchAndDeliver(ctx)
	}
}

// Cleanup stops the fallback timer first, then UNLISTENs every
// channel this hub still holds (spec §4.3 "cleanup"). Errors
// containing "closed" are silently absorbed, matching a shutdown race
// against an already-torn-down connection.
func (h *Hub) Cleanup() {
	if h.stopFallback != nil {
		close(h.stopFallback)
		<-h.fallbackDone
	}

	h.mu.Lock()
	channels := make([]string, 0, len(h.consumers))
	for ch := range h.consumers {
		channels = append(channels, ch)
	}
	h.consumers = make(map[string]map[string]*consumerEntry)
	h.mu.Unlock()

	for _, ch := range channels {
		if err := h.listener.Unlisten(ch); err != nil && !errs.ClosedConnection(err) {
			log.WithError(err).WithField("channel", ch).Warn("unlisten during cleanup failed")
		}
	}
	_ = h.listener.Close()
}
