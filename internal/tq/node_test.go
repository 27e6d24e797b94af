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

package tq_test

import (
	"context"
	"sync"
	"testing"

	"github.com/davecgh/go-spew/spew"

	"github.com/PlanetApostle/tdengine-tq/internal/metamem"
	"github.com/PlanetApostle/tdengine-tq/internal/rpcwire"
	"github.com/PlanetApostle/tdengine-tq/internal/tq"
	"github.com/PlanetApostle/tdengine-tq/internal/types"
	"github.com/PlanetApostle/tdengine-tq/internal/walmem"
)

type noopPipeline struct{}

func (noopPipeline) Close() {}

// fakeQExec's first ScanData call reports fully caught up (so a
// COLUMN poll parks); every call after that reports one fresh block,
// so a subsequent writer-path wake completes the parked poll.
type fakeQExec struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeQExec) CreateQueueExecTask(ctx context.Context, h *types.Handle, qmsg []byte) (types.ExecPipeline, error) {
	return noopPipeline{}, nil
}
func (f *fakeQExec) CreateStreamExecTask(ctx context.Context, h *types.Handle) (types.ExecPipeline, error) {
	return noopPipeline{}, nil
}
func (f *fakeQExec) ScanData(ctx context.Context, h *types.Handle, from types.Offset) ([][]byte, types.Offset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls == 1 {
		return nil, from, nil
	}
	return [][]byte{[]byte("row")}, types.LogOffset(from.Version + 1), nil
}
func (f *fakeQExec) ScanTaosx(ctx context.Context, h *types.Handle, from types.Offset) (types.DataRsp, types.MetaRsp, error) {
	return types.DataRsp{}, types.MetaRsp{}, nil
}
func (f *fakeQExec) ScanSubmit(ctx context.Context, h *types.Handle, rec types.WALRecord) ([][]byte, error) {
	return [][]byte{rec.Raw}, nil
}
func (f *fakeQExec) DestroyTask(h *types.Handle) {}

type recordingRPC struct {
	mu   sync.Mutex
	sent int
}

func (r *recordingRPC) MallocCont(size int) ([]byte, error) { return make([]byte, size), nil }
func (r *recordingRPC) SendRsp(handle types.RPCHandle, msgType types.MsgType, body []byte, code int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent++
	return nil
}
func (r *recordingRPC) FreeCont(buf []byte) {}
func (r *recordingRPC) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent
}

type fakeHandle string

func (f fakeHandle) ID() string { return string(f) }

// noHooksStream implements types.Stream with no-op behavior, enough to
// satisfy deploys that never set fillHistory.
type noHooksStream struct{}

func (noHooksStream) ProcessCheckReq(ctx context.Context, req types.TaskCheckReq) (types.TaskCheckRsp, error) {
	return types.TaskCheckRsp{TaskID: req.TaskID, Status: 1}, nil
}
func (noHooksStream) ProcessRecoverFinishReq(ctx context.Context, req types.TaskRecoverFinishReq) error {
	return nil
}
func (noHooksStream) ProcessRunReq(ctx context.Context, req types.TaskRunReq) error { return nil }
func (noHooksStream) ProcessDispatchReq(ctx context.Context, req types.TaskDispatchReq) (types.TaskDispatchRsp, error) {
	return types.TaskDispatchRsp{}, nil
}
func (noHooksStream) ProcessDispatchRsp(ctx context.Context, req types.TaskDispatchRsp) error { return nil }
func (noHooksStream) ProcessRetrieveReq(ctx context.Context, req types.TaskRetrieveReq) (types.TaskRetrieveRsp, error) {
	return types.TaskRetrieveRsp{}, nil
}
func (noHooksStream) ProcessRetrieveRsp(ctx context.Context, req types.TaskRetrieveRsp) error { return nil }
func (noHooksStream) SourceRecoverScanStep1(ctx context.Context, t *types.StreamTask) ([]byte, error) {
	return nil, nil
}
func (noHooksStream) BuildSourceRecover2Req(ctx context.Context, t *types.StreamTask, step1 []byte) (types.TaskRecoverStep2Req, error) {
	return types.TaskRecoverStep2Req{}, nil
}
func (noHooksStream) SourceRecoverScanStep2(ctx context.Context, t *types.StreamTask, req types.TaskRecoverStep2Req) error {
	return nil
}
func (noHooksStream) SetStatusNormal(ctx context.Context, t *types.StreamTask) error { return nil }
func (noHooksStream) RestoreParam(ctx context.Context, t *types.StreamTask) error    { return nil }
func (noHooksStream) DispatchRecoverFinishReq(ctx context.Context, t *types.StreamTask, downstream int64) error {
	return nil
}
func (noHooksStream) TaskInput(ctx context.Context, t *types.StreamTask, item *types.StreamDataItem) error {
	return nil
}
func (noHooksStream) TaskInputFail(ctx context.Context, t *types.StreamTask, err error) {}
func (noHooksStream) SchedExec(ctx context.Context, t *types.StreamTask) error            { return nil }
func (noHooksStream) SetupTrigger(ctx context.Context, t *types.StreamTask) error         { return nil }

var _ types.Stream = noHooksStream{}

func newNode(t *testing.T, qexec types.QExec, rpc types.RPC) *tq.Node {
	t.Helper()
	n, err := tq.New(walmem.New(), qexec, rpc, metamem.New(), noHooksStream{}, rpcwire.DefaultCompressThreshold)
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func TestOpenCloseIdempotent(t *testing.T) {
	ctx := context.Background()
	n := newNode(t, &fakeQExec{}, &recordingRPC{})

	if err := n.Open(ctx); err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if err := n.Open(ctx); err != nil {
		t.Fatalf("second Open should be a no-op, got: %v", err)
	}
	if n.Wheel() == nil {
		t.Fatal("expected a timer wheel after Open")
	}

	if err := n.Close(ctx); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := n.Close(ctx); err != nil {
		t.Fatalf("second Close should be a no-op, got: %v", err)
	}
	if n.Wheel() != nil {
		t.Fatal("expected the timer wheel cleared after Close")
	}
}

func TestNotifySubmittedWakesParkedColumnPoll(t *testing.T) {
	ctx := context.Background()
	qexec := &fakeQExec{}
	rpc := &recordingRPC{}
	n := newNode(t, qexec, rpc)
	if err := n.Open(ctx); err != nil {
		t.Fatal(err)
	}

	subkey, err := types.NewSubkey([]byte("col"))
	if err != nil {
		t.Fatal(err)
	}
	h, err := n.Subs.Subscribe(ctx, types.SubscribeReq{Subkey: subkey, NewConsumerID: 1, SubType: types.SubColumn})
	if err != nil {
		t.Fatal(err)
	}

	// fakeQExec's first ScanData call reports fully caught up, so this
	// poll parks rather than sending a response.
	if err := n.Poll.Poll(ctx, types.PollReq{
		ConsumerID: 1,
		Epoch:      h.LoadEpoch(),
		Subkey:     subkey,
		ReqOffset:  types.LogOffset(0),
		RPCHandle:  fakeHandle("h1"),
	}); err != nil {
		t.Fatal(err)
	}
	if rpc.count() != 0 {
		t.Fatalf("want the poll parked rather than answered, got %d responses", rpc.count())
	}
	if pending := n.Subs.PendingWakes(); len(pending) != 1 {
		t.Fatalf("want exactly one parked subkey, got:\n%s", spew.Sdump(pending))
	}

	// The writer path notifying a submit should wake the parked poll:
	// fakeQExec's second ScanData call reports a fresh block.
	n.NotifySubmitted(ctx, 1, []byte("submit"))

	if rpc.count() != 1 {
		t.Fatalf("want the parked poll completed after NotifySubmitted, got %d responses", rpc.count())
	}
	if pending := n.Subs.PendingWakes(); len(pending) != 0 {
		t.Fatalf("want the push-wait table empty after the wake, got %v", pending)
	}
}
