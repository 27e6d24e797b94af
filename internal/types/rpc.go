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

// MsgType identifies the RPC message kinds handled by the core. See
// spec.md section 6.
type MsgType int

const (
	MsgPoll MsgType = iota
	MsgPollRsp
	MsgPollMetaRsp
	MsgTaosxRsp
	MsgOffsetCommit
	MsgSubscribe
	MsgDeleteSub
	MsgAddCheckInfo
	MsgDelCheckInfo
	MsgTaskDeploy
	MsgTaskDrop
	MsgTaskCheckReq
	MsgTaskCheckRsp
	MsgTaskRecoverStep1
	MsgTaskRecoverStep2
	MsgTaskRecoverFinish
	MsgTaskRun
	MsgTaskDispatchReq
	MsgTaskDispatchRsp
	MsgTaskRetrieveReq
	MsgTaskRetrieveRsp
)

// RPCHandle is an opaque reference to an in-flight RPC response
// channel, owned by the rpc transport. A parked PushEntry retains one
// until the writer path (or unsubscribe) completes it.
type RPCHandle interface {
	// ID is used for logging only.
	ID() string
}

// Envelope is the wire header shared by every response kind, per
// spec.md section 4.E Step 4.
type Envelope struct {
	MsgType    MsgType
	Epoch      int32
	ConsumerID int64
}

// PollReq is the inbound POLL RPC payload.
type PollReq struct {
	ConsumerID  int64
	Epoch       int32
	Subkey      Subkey
	ReqOffset   Offset
	UseSnapshot bool

	// RPCHandle identifies the in-flight RPC this poll arrived on, so
	// the engine can send a response immediately or hand the handle to
	// the push-wait table if it parks.
	RPCHandle RPCHandle
}

// DataRsp is a POLL_RSP body: zero or more decoded rows plus the
// offset the consumer should resume from next.
type DataRsp struct {
	Envelope  Envelope
	Blocks    [][]byte
	RspOffset Offset
}

// BlockNum reports how many row blocks this response carries.
func (d DataRsp) BlockNum() int { return len(d.Blocks) }

// MetaRsp is a POLL_META_RSP body: a single metadata record.
type MetaRsp struct {
	Envelope  Envelope
	Record    []byte
	RspOffset Offset
}

// TaosxRsp is the combined data+meta response used by the DB/TABLE
// snapshot scan path.
type TaosxRsp struct {
	Envelope Envelope
	Data     DataRsp
	Meta     MetaRsp
	HasMeta  bool
}

// OffsetCommitReq commits a consumer's position durably.
type OffsetCommitReq struct {
	Subkey Subkey
	Offset Offset
}

// SubscribeReq is the rebalance RPC payload, spec.md section 4.C.
type SubscribeReq struct {
	Subkey        Subkey
	VgID          int32
	NewConsumerID int64
	OldConsumerID int64
	SubType       SubType
	WithMeta      bool
	QMsg          []byte
	SUID          int64
	HasSUID       bool
}

// DeleteSubReq unsubscribes a subkey.
type DeleteSubReq struct {
	Subkey Subkey
}

// AddCheckInfoReq adds a CheckInfo row.
type AddCheckInfoReq struct {
	Info CheckInfo
}

// DelCheckInfoReq removes a CheckInfo row by topic.
type DelCheckInfoReq struct {
	Topic string
}

// TaskDeployReq deploys a serialized stream task.
type TaskDeployReq struct {
	TaskID      int64
	Level       TaskLevel
	Raw         []byte
	FillHistory bool
	Downstream  []int64
}

// TaskDropReq drops a stream task.
type TaskDropReq struct {
	TaskID int64
}

// TaskCheckReq probes whether a downstream task exists and is ready.
type TaskCheckReq struct {
	SourceTaskID int64
	TaskID       int64
}

// TaskCheckRsp answers a TaskCheckReq. Status 1 means ready.
type TaskCheckRsp struct {
	TaskID int64
	Status int32
}

// TaskRecoverStep1Req/Step2Req drive the two scan steps of recovery.
type TaskRecoverStep1Req struct{ TaskID int64 }
type TaskRecoverStep2Req struct {
	TaskID int64
	Step1  []byte
}

// TaskRecoverFinishReq notifies a downstream that upstream recovery
// completed.
type TaskRecoverFinishReq struct {
	TaskID       int64
	SourceTaskID int64
}

// TaskRunReq drives scheduled execution of a task.
type TaskRunReq struct{ TaskID int64 }

// TaskDispatchReq/Rsp and TaskRetrieveReq/Rsp are the data-plane
// dispatch messages between tasks.
type TaskDispatchReq struct {
	TaskID int64
	NodeID int32
	Data   []byte
}

type TaskDispatchRsp struct {
	TaskID      int64
	NodeID      int32
	InputStatus TaskStatus
	Code        int32
}

type TaskRetrieveReq struct {
	TaskID int64
	NodeID int32
}

type TaskRetrieveRsp struct {
	TaskID int64
	NodeID int32
	Data   []byte
}
