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

// Package keys deterministically derives the various string keys the
// broker uses to name streams, notification channels, quorum channels,
// scout reservations and job records from a (namespace, appId, ...)
// tuple. Centralizing this avoids the "opaque identifier" construction
// from drifting between packages.
package keys

import (
	"fmt"
	"hash/fnv"
)

// StreamPartitions is the fixed partition count for the streams table
// (spec §3 "Partitioning").
const StreamPartitions = 8

// EngineGroup and WorkerGroup are the two group names a stream row can
// carry (spec §3 "group_name").
const (
	EngineGroup = "ENGINE"
	WorkerGroup = "WORKER"
)

// GroupForStream derives the group_name for a stream, per spec §3: a
// stream whose name ends in ":" belongs to the ENGINE group, all
// others belong to WORKER.
func GroupForStream(streamName string) string {
	if len(streamName) > 0 && streamName[len(streamName)-1] == ':' {
		return EngineGroup
	}
	return WorkerGroup
}

// Minter derives the broker's namespaced keys. It holds no state; it
// exists as a type so call sites can be swapped for tests without a
// global function table.
type Minter struct {
	Namespace string
	AppID     string
}

// NewMinter builds a Minter for the given namespace/appId pair.
func NewMinter(namespace, appID string) *Minter {
	return &Minter{Namespace: namespace, AppID: appID}
}

// StreamName composes the opaque stream identifier for a topic within
// this namespace/app.
func (m *Minter) StreamName(topic string) string {
	return fmt.Sprintf("%s:%s:%s", m.Namespace, m.AppID, topic)
}

// NotificationChannel derives the LISTEN/NOTIFY channel name for a
// (streamName, groupName) pair, truncated to 63 bytes as required by
// Postgres identifier limits (spec §6).
func NotificationChannel(streamName, groupName string) string {
	ch := fmt.Sprintf("stream_%s_%s", streamName, groupName)
	if len(ch) > 63 {
		return ch[:63]
	}
	return ch
}

// Partition hashes streamName into one of StreamPartitions buckets,
// mirroring the database's `PARTITION BY HASH (stream_name)` clause
// closely enough for client-side sharding decisions (e.g. metrics
// labels); the database's own hash function remains authoritative for
// physical partition placement.
func Partition(streamName string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(streamName))
	return int(h.Sum32() % StreamPartitions)
}

// QuorumChannel derives the shared roll-call channel for this
// namespace/app pair.
func (m *Minter) QuorumChannel() string {
	return fmt.Sprintf("quorum:%s:%s", m.Namespace, m.AppID)
}

// QuorumPrivateChannel derives a one-to-one channel addressed to a
// single engine instance identified by guid.
func (m *Minter) QuorumPrivateChannel(guid string) string {
	return fmt.Sprintf("quorum:%s:%s:%s", m.Namespace, m.AppID, guid)
}

// ScoutKey derives the key-value store key backing a named scout role
// reservation (spec §3 "Scout reservation").
func ScoutKey(role string) string {
	return "scout/" + role
}

// JobKey derives the key-value hash-store key for a job's persisted
// state.
func (m *Minter) JobKey(jobID string) string {
	return fmt.Sprintf("job:%s:%s:%s", m.Namespace, m.AppID, jobID)
}

// SchemaName derives the Postgres schema name the broker deploys
// tables into for a given appId (spec §4.1 "inside schema safe(appId)").
func SchemaName(appID string) string {
	return "hmsh_" + sanitize(appID)
}

func sanitize(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

// AdvisoryLockKey derives the deterministic 32-bit advisory-lock key
// used by the Schema Deployer (spec §4.1 "32-bit hash of appId").
func AdvisoryLockKey(appID string) int32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(appID))
	return int32(h.Sum32())
}
