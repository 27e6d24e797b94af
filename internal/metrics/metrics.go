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

// Package metrics holds shared Prometheus bucket/label definitions so
// that per-component metric files (poll, stream, subs) stay
// consistent with one another, the same role this package plays in
// the teacher repo.
package metrics

// LatencyBuckets are the histogram buckets used for any
// duration-flavored metric in this module.
var LatencyBuckets = []float64{
	.001, .002, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10,
}

// SubkeyLabels is the label set attached to per-subscription metrics.
var SubkeyLabels = []string{"subkey"}

// TaskLabels is the label set attached to per-stream-task metrics.
var TaskLabels = []string{"task_id", "level"}
