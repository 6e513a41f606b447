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
	"encoding/json"

	"github.com/pkg/errors"
)

// controlFieldRetryConfig, controlFieldVisibilityDelay and
// controlFieldRetryAttempt are the producer-only JSON keys that are
// lifted out of the payload and stored as columns (spec §6 "Internal
// producer-only fields", Design Notes §9 "Retry config leakage").
const (
	controlFieldRetryConfig    = "_streamRetryConfig"
	controlFieldVisibilityDelay = "_visibilityDelayMs"
	controlFieldRetryAttempt   = "_retryAttempt"
)

// ControlFields holds the three producer→engine control values that
// never reach the persisted JSON payload.
type ControlFields struct {
	RetryConfig       *RetryPolicy
	VisibilityDelayMs *int64
	RetryAttempt      *int
}

// HasRetryConfig reports whether the producer supplied an explicit
// retry policy for this message.
func (c ControlFields) HasRetryConfig() bool { return c.RetryConfig != nil }

// HasVisibilityDelay reports whether the producer requested a delayed
// visibility.
func (c ControlFields) HasVisibilityDelay() bool {
	return c.VisibilityDelayMs != nil && *c.VisibilityDelayMs > 0
}

// StripControlFields removes the three control keys from a JSON
// message envelope, returning the remaining payload (safe to persist
// verbatim) and the extracted control values.
func StripControlFields(raw json.RawMessage) (json.RawMessage, ControlFields, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, ControlFields{}, errors.WithMessage(err, "stream: malformed message envelope")
	}

	var ctrl ControlFields

	if rc, ok := obj[controlFieldRetryConfig]; ok {
		policy, err := NormalizeRetryPolicy(rc)
		if err != nil {
			return nil, ControlFields{}, errors.WithMessage(err, "stream: malformed _streamRetryConfig")
		}
		ctrl.RetryConfig = &policy
		delete(obj, controlFieldRetryConfig)
	}

	if vd, ok := obj[controlFieldVisibilityDelay]; ok {
		var ms int64
		if err := json.Unmarshal(vd, &ms); err != nil {
			return nil, ControlFields{}, errors.WithMessage(err, "stream: malformed _visibilityDelayMs")
		}
		ctrl.VisibilityDelayMs = &ms
		delete(obj, controlFieldVisibilityDelay)
	}

	if ra, ok := obj[controlFieldRetryAttempt]; ok {
		var n int
		if err := json.Unmarshal(ra, &n); err != nil {
			return nil, ControlFields{}, errors.WithMessage(err, "stream: malformed _retryAttempt")
		}
		ctrl.RetryAttempt = &n
		delete(obj, controlFieldRetryAttempt)
	}

	out, err := json.Marshal(obj)
	if err != nil {
		return nil, ControlFields{}, errors.WithStack(err)
	}
	return out, ctrl, nil
}

// InjectControlFields re-adds a retry config and/or retry attempt to a
// hydrated payload. Per spec §4.2 "rehydrated", a retry config is only
// re-injected when it differs from the sentinel default; the caller
// (Engine.Fetch) is responsible for making that comparison before
// calling this with a non-nil policy.
func InjectControlFields(payload json.RawMessage, policy *RetryPolicy, retryAttempt *int) (json.RawMessage, error) {
	if policy == nil && retryAttempt == nil {
		return payload, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return nil, errors.WithStack(err)
	}

	if policy != nil {
		b, err := json.Marshal(policy)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		obj[controlFieldRetryConfig] = b
	}
	if retryAttempt != nil {
		b, err := json.Marshal(*retryAttempt)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		obj[controlFieldRetryAttempt] = b
	}

	out, err := json.Marshal(obj)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return out, nil
}
