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

// Package diag provides a small health-check registry that components
// register into, and that cmd/streambroker exposes over HTTP.
package diag

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// A Checker reports whether the component it represents is healthy.
type Checker interface {
	Check(ctx context.Context) error
}

// CheckerFunc adapts a function to a Checker.
type CheckerFunc func(ctx context.Context) error

// Check implements Checker.
func (f CheckerFunc) Check(ctx context.Context) error { return f(ctx) }

// Diagnostics is a named registry of Checkers.
type Diagnostics struct {
	mu struct {
		sync.Mutex
		checkers map[string]Checker
	}
}

// New constructs an empty Diagnostics registry.
func New() *Diagnostics {
	d := &Diagnostics{}
	d.mu.checkers = make(map[string]Checker)
	return d
}

// Register adds a named Checker. It returns an error if the name is
// already registered.
func (d *Diagnostics) Register(name string, c Checker) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.mu.checkers[name]; ok {
		return errors.Errorf("diagnostic %q already registered", name)
	}
	d.mu.checkers[name] = c
	return nil
}

// Unregister removes a named Checker, if present.
func (d *Diagnostics) Unregister(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.mu.checkers, name)
}

// CheckAll runs every registered Checker and returns a map of name to
// error (nil for a healthy component). The keys are deterministic.
func (d *Diagnostics) CheckAll(ctx context.Context) map[string]error {
	d.mu.Lock()
	names := make([]string, 0, len(d.mu.checkers))
	checkers := make(map[string]Checker, len(d.mu.checkers))
	for name, c := range d.mu.checkers {
		names = append(names, name)
		checkers[name] = c
	}
	d.mu.Unlock()

	sort.Strings(names)
	ret := make(map[string]error, len(names))
	for _, name := range names {
		ret[name] = checkers[name].Check(ctx)
	}
	return ret
}

// Healthy reports whether every registered Checker currently passes.
func (d *Diagnostics) Healthy(ctx context.Context) bool {
	for _, err := range d.CheckAll(ctx) {
		if err != nil {
			return false
		}
	}
	return true
}
