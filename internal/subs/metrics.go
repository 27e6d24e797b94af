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

package subs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/PlanetApostle/tdengine-tq/internal/metrics"
)

var (
	rebalances = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tq_subscribe_rebalances_total",
		Help: "the number of subscribe RPCs that re-owned an existing handle",
	})
	subscribesNew = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tq_subscribe_created_total",
		Help: "the number of subscribe RPCs that created a new handle",
	})
	unsubscribes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tq_unsubscribe_total",
		Help: "the number of unsubscribe RPCs processed",
	})
	pushParked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tq_push_wait_parked_total",
		Help: "the number of poll responses parked awaiting a writer-side wake",
	})
	pushWoken = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tq_push_wait_woken_total",
		Help: "the number of parked responses woken by the writer path",
	})
	pushOverwritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tq_push_wait_overwritten_total",
		Help: "the number of times Park replaced an existing entry for the same subkey; should always be zero",
	})
	pushWaitPending = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tq_push_wait_pending",
		Help: "1 while a subkey has a parked poll response awaiting a writer-side wake, 0 otherwise",
	}, metrics.SubkeyLabels)
)
