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
	"github.com/hotmeshio/streambroker/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	publishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stream_publish_messages_total",
		Help: "the number of messages successfully published",
	}, metrics.StreamLabels)
	publishDurations = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stream_publish_duration_seconds",
		Help:    "the length of time it took to publish a batch",
		Buckets: metrics.LatencyBuckets,
	}, metrics.StreamLabels)
	publishErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stream_publish_errors_total",
		Help: "the number of times an error was encountered while publishing",
	}, metrics.StreamLabels)

	fetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stream_fetch_messages_total",
		Help: "the number of messages successfully reserved",
	}, metrics.StreamLabels)
	fetchDurations = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stream_fetch_duration_seconds",
		Help:    "the length of time it took to reserve a batch",
		Buckets: metrics.LatencyBuckets,
	}, metrics.StreamLabels)
	fetchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stream_fetch_errors_total",
		Help: "the number of times an error was encountered while fetching",
	}, metrics.StreamLabels)

	expireTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stream_expired_messages_total",
		Help: "the number of messages soft-deleted via softDelete or trim",
	}, metrics.StreamLabels)
)
