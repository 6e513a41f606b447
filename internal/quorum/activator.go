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

package quorum

import "context"

// Activator is the compiler collaborator a successful quorum
// activation hands off to (spec §4.6 "calls the compiler collaborator
// to activate"). It is declared out-of-scope for this module per
// spec.md's Non-goals, so it is expressed as a narrow interface with a
// no-op default.
type Activator interface {
	Activate(ctx context.Context, version string) error
}

// NullActivator satisfies Activator without doing anything; it lets
// the Quorum Service's state machine be exercised end-to-end without
// a real compiler collaborator wired in.
type NullActivator struct{}

// Activate implements Activator.
func (NullActivator) Activate(context.Context, string) error { return nil }
