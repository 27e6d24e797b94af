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
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/PlanetApostle/tdengine-tq/internal/metrics"
	"github.com/PlanetApostle/tdengine-tq/internal/types"
)

var (
	tasksDeployed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tq_stream_tasks_deployed_total",
		Help: "stream tasks successfully deployed",
	})
	tasksDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tq_stream_tasks_dropped_total",
		Help: "stream tasks marked for drop",
	})
	recoveriesCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tq_stream_recoveries_completed_total",
		Help: "source tasks that reached NORMAL via the recovery state machine",
	})
	fanoutItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tq_stream_fanout_items_total",
		Help: "writer-path items fanned out to source tasks, by outcome",
	}, []string{"outcome"})
	taskStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tq_stream_task_status",
		Help: "current recovery-state-machine status of a stream task (types.TaskStatus numeric value), by task_id and level",
	}, metrics.TaskLabels)
)

// reportTaskStatus sets the taskStatus gauge for t to its current
// status. Called at every registry-driven status transition.
func reportTaskStatus(t *types.StreamTask) {
	taskStatus.WithLabelValues(strconv.FormatInt(t.TaskID, 10), t.Level.String()).Set(float64(t.Status()))
}

// clearTaskStatus removes taskID's gauge once it has been evicted from
// the registry.
func clearTaskStatus(t *types.StreamTask) {
	taskStatus.DeleteLabelValues(strconv.FormatInt(t.TaskID, 10), t.Level.String())
}
