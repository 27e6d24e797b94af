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

package types

import "sync/atomic"

// SubType selects the execution variant a Handle uses. See spec.md
// section 3.
type SubType int

const (
	// SubColumn is a single compiled-query subscription.
	SubColumn SubType = iota
	// SubTable subscribes to one table and its children.
	SubTable
	// SubDB subscribes to an entire database.
	SubDB
)

func (t SubType) String() string {
	switch t {
	case SubColumn:
		return "COLUMN"
	case SubTable:
		return "TABLE"
	case SubDB:
		return "DB"
	default:
		return "UNKNOWN"
	}
}

// WALRef is a refcounted pin on the WAL that prevents truncation past
// Version. Collaborators obtain one from WAL.RefXxx and release it
// via WAL.CloseRef.
type WALRef struct {
	Version int64
}

// ExecPipeline is the compiled execution plan attached to a Handle.
// COLUMN subscriptions wrap a compiled query; TABLE/DB subscriptions
// wrap a raw reader plus an optional table-UID filter set. The
// concrete implementation lives behind QExec; the poll engine only
// ever holds this interface.
type ExecPipeline interface {
	// Close releases any resources (readers, compiled queries) this
	// pipeline holds. It is safe to call multiple times.
	Close()
}

// Handle is the per-subscription execution state owned by the handle
// registry. See spec.md section 3.
type Handle struct {
	Subkey     Subkey
	ConsumerID int64
	Epoch      int32 // accessed via atomic.CompareAndSwap / LoadInt32
	SubType    SubType
	FetchMeta  bool

	SnapshotVer int64 // WAL version captured at subscription time
	WALRef      WALRef
	WALReader   WALReader // TABLE/DB only, nil for COLUMN

	Exec ExecPipeline

	// FilterTableUIDs restricts a TABLE/DB scan to the listed table
	// UIDs; nil means "no filter" (DB-wide).
	FilterTableUIDs map[int64]struct{}
}

// LoadEpoch atomically reads the current epoch.
func (h *Handle) LoadEpoch() int32 {
	return atomic.LoadInt32(&h.Epoch)
}

// AdvanceEpoch performs the fetch-max CAS loop described in spec.md
// DESIGN NOTES section 9: the epoch never decreases, and converges to
// max(current, target) even if other goroutines are racing the same
// call. It returns the resulting epoch.
func (h *Handle) AdvanceEpoch(target int32) int32 {
	for {
		cur := atomic.LoadInt32(&h.Epoch)
		if target <= cur {
			return cur
		}
		if atomic.CompareAndSwapInt32(&h.Epoch, cur, target) {
			return target
		}
	}
}

// BumpEpoch increments the epoch by one, used on rebalance, and
// returns the new value.
func (h *Handle) BumpEpoch() int32 {
	return atomic.AddInt32(&h.Epoch, 1)
}
