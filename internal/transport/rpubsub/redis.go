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

// Package rpubsub implements transport.PubSub on top of Redis.
package rpubsub

import (
	"context"

	"github.com/hotmeshio/streambroker/internal/transport"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// PubSub is a Redis-backed transport.PubSub.
type PubSub struct {
	client *redis.Client
}

var _ transport.PubSub = (*PubSub)(nil)

// New wraps an already-configured *redis.Client.
func New(client *redis.Client) *PubSub {
	return &PubSub{client: client}
}

// Publish implements transport.PubSub.
func (p *PubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := p.client.Publish(ctx, channel, payload).Err(); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// Subscribe implements transport.PubSub.
func (p *PubSub) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	sub := p.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, errors.WithStack(err)
	}

	out := make(chan []byte, 64)
	done := make(chan struct{})
	go func() {
		ch := sub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					close(out)
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-done:
					close(out)
					return
				}
			case <-done:
				close(out)
				return
			}
		}
	}()

	cancel := func() {
		close(done)
		_ = sub.Close()
	}
	return out, cancel, nil
}
