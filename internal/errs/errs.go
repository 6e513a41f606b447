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

// Package errs declares the broker's error taxonomy (see spec §7).
package errs

import (
	"strings"

	"github.com/pkg/errors"
)

// TransportError indicates a closed connection or failed query
// pipeline. It propagates from fetch paths but is silently absorbed in
// cleanup and fallback-poller paths.
type TransportError struct {
	Cause error
}

func (e *TransportError) Error() string { return "transport: " + e.Cause.Error() }
func (e *TransportError) Unwrap() error { return e.Cause }

// NewTransportError wraps a driver error as a TransportError.
func NewTransportError(cause error) *TransportError {
	return &TransportError{Cause: cause}
}

// IsTransport reports whether err is (or wraps) a TransportError.
func IsTransport(err error) bool {
	var t *TransportError
	return errors.As(err, &t)
}

// InvariantError indicates a schema violation or broken row ordering.
// It is always fatal and is never retried.
type InvariantError struct {
	Message string
}

func (e *InvariantError) Error() string { return "invariant violated: " + e.Message }

// NewInvariantError builds an InvariantError.
func NewInvariantError(format string, args ...interface{}) *InvariantError {
	return &InvariantError{Message: errors.Errorf(format, args...).Error()}
}

// RetryExceededError indicates a stream message has exceeded its
// maximumAttempts.
type RetryExceededError struct {
	StreamName string
	ID         string
}

func (e *RetryExceededError) Error() string {
	return "retry exceeded for " + e.StreamName + "/" + e.ID
}

// QuorumNotReachedError indicates that three successive requestQuorum
// passes did not agree, even after the bounded retry schedule.
type QuorumNotReachedError struct {
	Version string
	Retries int
}

func (e *QuorumNotReachedError) Error() string {
	return errors.Errorf("quorum not reached for version %s after %d retries", e.Version, e.Retries).Error()
}

// NewQuorumNotReachedError builds a QuorumNotReachedError.
func NewQuorumNotReachedError(version string, retries int) *QuorumNotReachedError {
	return &QuorumNotReachedError{Version: version, Retries: retries}
}

// DeploymentInProgressError indicates the schema-deploy advisory lock
// is held by another caller.
type DeploymentInProgressError struct {
	AppID string
}

func (e *DeploymentInProgressError) Error() string {
	return "schema deployment already in progress for " + e.AppID
}

// NewDeploymentInProgressError builds a DeploymentInProgressError.
func NewDeploymentInProgressError(appID string) *DeploymentInProgressError {
	return &DeploymentInProgressError{AppID: appID}
}

// ClosedConnection reports whether err's message contains the literal
// substring "closed", the convention background loops use to decide
// whether a TransportError can be absorbed silently (spec §4.3, §4.4).
func ClosedConnection(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "closed")
}
