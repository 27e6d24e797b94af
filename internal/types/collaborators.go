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

// Package types contains data types and interfaces that define the
// major functional blocks of code within the topic queue. The goal of
// placing these into one package is to make it easy to compose
// functionality as the subsystem evolves, mirroring how the rest of
// the host node's collaborators (the WAL, the query executor, the RPC
// transport, and the metadata store) are consumed only through their
// interfaces here.
package types

import "context"

// WALRecordKind distinguishes a submit record from a metadata record
// in the write-ahead log.
type WALRecordKind int

const (
	WALRecordSubmit WALRecordKind = iota
	WALRecordMeta
)

// WALRecord is one versioned entry read back from the WAL.
type WALRecord struct {
	Version int64
	Kind    WALRecordKind
	Raw     []byte
}

// WALReader is a cursor into the WAL, used by TABLE/DB subscriptions.
type WALReader interface {
	// SetCapacity bounds how much the reader will buffer ahead.
	SetCapacity(n int)
}

// WAL is the write-ahead log collaborator. See spec.md section 6.
type WAL interface {
	RefCommittedVer(ctx context.Context) (WALRef, error)
	RefFirstVer(ctx context.Context) (WALRef, error)
	RefVer(ctx context.Context, version int64) (WALRef, error)
	CloseRef(ref WALRef)

	OpenReader(ctx context.Context) (WALReader, error)
	FetchLog(ctx context.Context, r WALReader, version int64) (WALRecord, error)

	GetLastVer(ctx context.Context) (int64, error)
	GetCommittedVer(ctx context.Context) (int64, error)

	// ChildTableUIDs returns the UIDs of tables whose parent is suid,
	// used to seed a TABLE subscription's reader.
	ChildTableUIDs(ctx context.Context, suid int64) ([]int64, error)
}

// QExec is the query/execution engine collaborator. See spec.md
// section 6.
type QExec interface {
	// CreateQueueExecTask compiles qmsg into a COLUMN execution
	// pipeline.
	CreateQueueExecTask(ctx context.Context, h *Handle, qmsg []byte) (ExecPipeline, error)

	// CreateStreamExecTask builds a query-less exec task for
	// TABLE/DB subscriptions.
	CreateStreamExecTask(ctx context.Context, h *Handle) (ExecPipeline, error)

	// ScanData runs a COLUMN scan starting at from, returning encoded
	// row blocks and the offset to resume from next.
	ScanData(ctx context.Context, h *Handle, from Offset) (blocks [][]byte, next Offset, err error)

	// ScanTaosx runs the DB/TABLE snapshot scan.
	ScanTaosx(ctx context.Context, h *Handle, from Offset) (data DataRsp, meta MetaRsp, err error)

	// ScanSubmit runs a DB/TABLE per-record submit scan, appending to
	// any accumulated blocks.
	ScanSubmit(ctx context.Context, h *Handle, rec WALRecord) (blocks [][]byte, err error)

	// DestroyTask releases the handle's compiled exec pipeline, if
	// any.
	DestroyTask(h *Handle)
}

// RPC is the transport collaborator. See spec.md section 6.
type RPC interface {
	// MallocCont allocates a contiguous buffer sized exactly for an
	// already size-probed payload.
	MallocCont(size int) ([]byte, error)

	// SendRsp sends an encoded response for the given handle.
	SendRsp(handle RPCHandle, msgType MsgType, body []byte, code int) error

	// FreeCont releases a buffer obtained from MallocCont that was
	// never sent (error paths).
	FreeCont(buf []byte)
}

// Meta is the metadata-store collaborator: durable persistence of
// handles, offsets, check-infos, and stream tasks across restarts.
// See spec.md section 6.
type Meta interface {
	SaveHandle(ctx context.Context, h *Handle) error
	DeleteHandle(ctx context.Context, subkey Subkey) error
	LoadHandles(ctx context.Context) ([]*Handle, error)

	SaveCheckInfo(ctx context.Context, ci CheckInfo) error
	DeleteCheckInfo(ctx context.Context, topic string) error
	LoadCheckInfo(ctx context.Context) ([]CheckInfo, error)

	ReadOffset(ctx context.Context, subkey Subkey) (Offset, bool, error)
	WriteOffset(ctx context.Context, subkey Subkey, off Offset) error
	DeleteOffset(ctx context.Context, subkey Subkey) error

	SaveStreamTask(ctx context.Context, t *StreamTask) error
	DeleteStreamTask(ctx context.Context, taskID int64) error
	LoadStreamTasks(ctx context.Context) ([]*StreamTask, error)
}

// Stream is the stream-processing collaborator exposed by the
// external `stream` module. The coordinator only drives ordering and
// cleanup; the heavy lifting (the two recovery scan steps, the actual
// per-task execution) lives behind this interface. See spec.md
// section 6.
type Stream interface {
	ProcessCheckReq(ctx context.Context, req TaskCheckReq) (TaskCheckRsp, error)
	ProcessRecoverFinishReq(ctx context.Context, req TaskRecoverFinishReq) error
	ProcessRunReq(ctx context.Context, req TaskRunReq) error
	ProcessDispatchReq(ctx context.Context, req TaskDispatchReq) (TaskDispatchRsp, error)
	ProcessDispatchRsp(ctx context.Context, req TaskDispatchRsp) error
	ProcessRetrieveReq(ctx context.Context, req TaskRetrieveReq) (TaskRetrieveRsp, error)
	ProcessRetrieveRsp(ctx context.Context, req TaskRetrieveRsp) error

	SourceRecoverScanStep1(ctx context.Context, t *StreamTask) ([]byte, error)
	BuildSourceRecover2Req(ctx context.Context, t *StreamTask, step1 []byte) (TaskRecoverStep2Req, error)
	SourceRecoverScanStep2(ctx context.Context, t *StreamTask, req TaskRecoverStep2Req) error

	SetStatusNormal(ctx context.Context, t *StreamTask) error
	RestoreParam(ctx context.Context, t *StreamTask) error
	DispatchRecoverFinishReq(ctx context.Context, t *StreamTask, downstream int64) error

	TaskInput(ctx context.Context, t *StreamTask, item *StreamDataItem) error
	TaskInputFail(ctx context.Context, t *StreamTask, err error)
	SchedExec(ctx context.Context, t *StreamTask) error
	SetupTrigger(ctx context.Context, t *StreamTask) error
}
