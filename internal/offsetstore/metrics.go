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

package offsetstore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	commitAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tq_offset_commit_accepted_total",
		Help: "the number of offset commits that advanced the stored offset",
	})
	commitIgnored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tq_offset_commit_ignored_total",
		Help: "the number of offset commits silently ignored because they were not newer",
	})
	commitBumped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tq_offset_commit_boundary_bumped_total",
		Help: "the number of commits that triggered the commit-boundary bump rule",
	})
	storeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tq_offset_store_errors_total",
		Help: "the number of times an error was encountered while reading or writing an offset",
	}, []string{"op"})
)
