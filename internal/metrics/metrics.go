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

// Package metrics holds shared Prometheus bucket and label definitions
// so that per-package metric files stay consistent with one another.
package metrics

// LatencyBuckets is used for all duration histograms across the
// broker.
var LatencyBuckets = []float64{
	.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30,
}

// StreamLabels labels metrics that are per (stream, group, partition).
// partition is the client-side hash bucket from keys.Partition, carried
// alongside the database's own PARTITION BY HASH placement so a single
// stream's load can be seen split across buckets on one dashboard.
var StreamLabels = []string{"stream", "group", "partition"}
