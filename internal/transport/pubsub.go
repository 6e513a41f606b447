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

// Package transport declares the publish/subscribe contract the
// Quorum Service uses for roll-call and activation broadcasts (spec §1
// "out-of-scope collaborators", §4.6).
package transport

import "context"

// PubSub is a broadcast transport: Publish sends a message to every
// current Subscribe-r of a channel. It does not persist messages for
// subscribers that join later.
type PubSub interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe returns a channel of raw message payloads and a cancel
	// function the caller must invoke to stop the subscription and
	// release its resources.
	Subscribe(ctx context.Context, channel string) (msgs <-chan []byte, cancel func(), err error)
}
