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

// TaskLevel is the position of a stream task within a pipeline.
type TaskLevel int

const (
	// TaskSource consumes WAL submits/deletes directly.
	TaskSource TaskLevel = iota
	// TaskAgg aggregates data from upstream tasks.
	TaskAgg
	// TaskSink writes final results to an external system.
	TaskSink
)

func (l TaskLevel) String() string {
	switch l {
	case TaskSource:
		return "SOURCE"
	case TaskAgg:
		return "AGG"
	case TaskSink:
		return "SINK"
	default:
		return "UNKNOWN"
	}
}

// TaskStatus is the recovery state machine described in spec.md
// section 4.F.
type TaskStatus int32

const (
	TaskInactive TaskStatus = iota
	TaskWaitDownstream
	TaskRecoverScan1
	TaskRecoverScan2
	TaskNormal
	TaskDropping
)

func (s TaskStatus) String() string {
	switch s {
	case TaskInactive:
		return "INACTIVE"
	case TaskWaitDownstream:
		return "WAIT_DOWNSTREAM"
	case TaskRecoverScan1:
		return "RECOVER_SCAN1"
	case TaskRecoverScan2:
		return "RECOVER_SCAN2"
	case TaskNormal:
		return "NORMAL"
	case TaskDropping:
		return "DROPPING"
	default:
		return "UNKNOWN"
	}
}

// StreamTask is an entry in the stream-task registry, per spec.md
// section 3.
type StreamTask struct {
	TaskID      int64
	Level       TaskLevel
	status      int32 // TaskStatus, accessed via atomic
	InputQueue  chan *StreamDataItem
	OutputQueue chan *StreamDataItem
	StartVer    int64
	FillHistory bool
	Exec        ExecPipeline
	SinkType    string
	Downstream  []int64 // downstream task IDs, for SOURCE tasks running recovery

	refcnt int32 // accessed via atomic
}

// Status atomically loads the task's current status.
func (t *StreamTask) Status() TaskStatus {
	return TaskStatus(atomic.LoadInt32(&t.status))
}

// SetStatus atomically stores a new status.
func (t *StreamTask) SetStatus(s TaskStatus) {
	atomic.StoreInt32(&t.status, int32(s))
}

// CASStatus performs a compare-and-swap on the task's status.
func (t *StreamTask) CASStatus(from, to TaskStatus) bool {
	return atomic.CompareAndSwapInt32(&t.status, int32(from), int32(to))
}

// Acquire increments the task's refcount. Paired with Release. See
// spec.md invariant 7.
func (t *StreamTask) Acquire() {
	atomic.AddInt32(&t.refcnt, 1)
}

// Release decrements the task's refcount and reports whether it
// reached zero (the task may now be freed).
func (t *StreamTask) Release() bool {
	return atomic.AddInt32(&t.refcnt, -1) == 0
}

// RefCount returns the current refcount, for tests and diagnostics.
func (t *StreamTask) RefCount() int32 {
	return atomic.LoadInt32(&t.refcnt)
}

// StreamDataItem is a refcounted block of stream data fanned out to
// source tasks from the writer path. See spec.md invariant 6.
type StreamDataItem struct {
	Ver     int64
	Submit  *SubmitBlock
	Delete  *DeleteBlock
	refcnt  int32
	onEmpty func()
}

// NewStreamDataItem wraps a payload with an initial refcount of 1 (the
// producer's own reference), matching DESIGN NOTES section 9: "the
// producer's initial +1 and each consumer's +1 must be explicit".
func NewStreamDataItem(ver int64, onEmpty func()) *StreamDataItem {
	return &StreamDataItem{Ver: ver, refcnt: 1, onEmpty: onEmpty}
}

// Ref increments the item's refcount. Must be called before handing
// the item to a new source task's input queue.
func (i *StreamDataItem) Ref() {
	atomic.AddInt32(&i.refcnt, 1)
}

// Unref decrements the item's refcount; when it reaches zero the
// optional onEmpty callback runs (freeing/accounting the block).
func (i *StreamDataItem) Unref() {
	if atomic.AddInt32(&i.refcnt, -1) == 0 && i.onEmpty != nil {
		i.onEmpty()
	}
}

// SubmitBlock wraps a packed submit batch for fan-out to source tasks.
type SubmitBlock struct {
	Raw []byte
}

// DeleteBlock materializes a deletion as a small columnar block, per
// spec.md section 4.F.
type DeleteBlock struct {
	StartTS     int64
	EndTS       int64
	UID         int64
	GroupID     *int64
	CalcStartTS *int64
	CalcEndTS   *int64
}
