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

package stream

import (
	"context"
	"encoding/json"
	"math/rand"

	"github.com/hotmeshio/streambroker/internal/errs"
	"github.com/pkg/errors"
)

// ErrChaos is the error injected by WithChaos.
var ErrChaos = errors.New("chaos")

// WithChaos wraps an Engine so that each call has probability prob of
// failing with a TransportError instead of running. It exists to
// exercise the "transient TransportErrors are absorbed in background
// loops, surfaced in synchronous calls" policy from spec §7 without a
// live, flaky database. Returns delegate unmodified if prob <= 0.
func WithChaos(delegate Engine, prob float32) Engine {
	if prob <= 0 {
		return delegate
	}
	return &chaosEngine{delegate: delegate, prob: prob}
}

type chaosEngine struct {
	delegate Engine
	prob     float32
}

var _ Engine = (*chaosEngine)(nil)

func (c *chaosEngine) roll(op string) error {
	if rand.Float32() < c.prob {
		return errs.NewTransportError(errors.WithMessage(ErrChaos, op))
	}
	return nil
}

func (c *chaosEngine) Publish(ctx context.Context, stream string, messages []json.RawMessage, opts *PublishOptions) (*PublishResult, error) {
	if err := c.roll("Publish"); err != nil {
		return nil, err
	}
	return c.delegate.Publish(ctx, stream, messages, opts)
}

func (c *chaosEngine) Fetch(ctx context.Context, stream, group, consumer string, opts FetchOptions) ([]Message, error) {
	if err := c.roll("Fetch"); err != nil {
		return nil, err
	}
	return c.delegate.Fetch(ctx, stream, group, consumer, opts)
}

func (c *chaosEngine) SoftDelete(ctx context.Context, stream, group string, ids []string) (int, error) {
	if err := c.roll("SoftDelete"); err != nil {
		return 0, err
	}
	return c.delegate.SoftDelete(ctx, stream, group, ids)
}

func (c *chaosEngine) Trim(ctx context.Context, stream string, opts TrimOptions) (int, error) {
	if err := c.roll("Trim"); err != nil {
		return 0, err
	}
	return c.delegate.Trim(ctx, stream, opts)
}

func (c *chaosEngine) Depth(ctx context.Context, stream string) (int, error) {
	if err := c.roll("Depth"); err != nil {
		return 0, err
	}
	return c.delegate.Depth(ctx, stream)
}

func (c *chaosEngine) Depths(ctx context.Context, streams []string) (map[string]int, error) {
	if err := c.roll("Depths"); err != nil {
		return nil, err
	}
	return c.delegate.Depths(ctx, streams)
}

func (c *chaosEngine) AckAndDelete(ctx context.Context, stream, group string, ids []string) (int, error) {
	return c.SoftDelete(ctx, stream, group, ids)
}

func (c *chaosEngine) Acknowledge(ctx context.Context, stream, group string, ids []string) error {
	if err := c.roll("Acknowledge"); err != nil {
		return err
	}
	return c.delegate.Acknowledge(ctx, stream, group, ids)
}
