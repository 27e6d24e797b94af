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

package rpcwire

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	encodedBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tq_rpc_response_bytes",
		Help:    "size in bytes of each encoded poll response body, before compression",
		Buckets: prometheus.ExponentialBuckets(64, 4, 10),
	})
	compressedResponses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tq_rpc_response_compressed_total",
		Help: "the number of response bodies sent zstd-compressed",
	})
	sendErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tq_rpc_send_errors_total",
		Help: "the number of responses that failed MallocCont or SendRsp",
	})
)

// highWaterMark is the largest single allocation ever requested from
// the RPC transport's allocator, mirroring the peak-usage accounting
// the original mallocator exposed. Exported as a Prometheus gauge
// rather than a plain counter because the interesting signal is the
// worst case, not the total.
var highWaterMark int64

var allocHighWaterMark = promauto.NewGaugeFunc(prometheus.GaugeOpts{
	Name: "tq_rpc_alloc_high_water_mark_bytes",
	Help: "the largest single buffer ever requested from the RPC allocator",
}, func() float64 {
	return float64(atomic.LoadInt64(&highWaterMark))
})

func observeAlloc(size int) {
	for {
		cur := atomic.LoadInt64(&highWaterMark)
		if int64(size) <= cur {
			return
		}
		if atomic.CompareAndSwapInt64(&highWaterMark, cur, int64(size)) {
			return
		}
	}
}
