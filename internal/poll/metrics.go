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

package poll

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/PlanetApostle/tdengine-tq/internal/metrics"
)

var (
	pollLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tq_poll_latency_seconds",
		Help:    "wall-clock time spent in Engine.Poll, from lookup through send-or-park",
		Buckets: metrics.LatencyBuckets,
	})
	pollsParked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tq_poll_parked_total",
		Help: "the number of polls that found nothing new and parked awaiting a wake",
	})
	pollsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tq_poll_sent_total",
		Help: "the number of polls answered with a response, directly or on a later wake",
	})
	pollsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tq_poll_rejected_total",
		Help: "the number of polls rejected, labeled by reason",
	}, []string{"reason"})
	pollsDiscardedStaleEpoch = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tq_poll_discarded_stale_epoch_total",
		Help: "the number of in-flight WAL scans abandoned because a rebalance advanced the epoch",
	})
)
