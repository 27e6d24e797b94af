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

package stream_test

import (
	"context"
	"sync"
	"testing"

	"github.com/PlanetApostle/tdengine-tq/internal/metamem"
	"github.com/PlanetApostle/tdengine-tq/internal/stream"
	"github.com/PlanetApostle/tdengine-tq/internal/timerwheel"
	"github.com/PlanetApostle/tdengine-tq/internal/types"
)

// scriptedStream is a programmable types.Stream double: every
// downstream check reports ready and every recovery hook succeeds
// unless a test overrides the corresponding field.
type scriptedStream struct {
	mu sync.Mutex

	checkRsp    types.TaskCheckRsp
	checkErr    error
	recoverErr  error
	finishCalls []int64

	taskInputErr  error
	taskInputs    []int64 // task IDs that received an item
	taskInputFail []int64 // task IDs that received a TaskInputFail call

	dispatchRspCalls  []int64
	retrieveRspCalls  []int64
	setupTriggerCalls []int64
}

func (s *scriptedStream) ProcessCheckReq(ctx context.Context, req types.TaskCheckReq) (types.TaskCheckRsp, error) {
	if s.checkErr != nil {
		return types.TaskCheckRsp{}, s.checkErr
	}
	rsp := s.checkRsp
	if rsp.TaskID == 0 {
		rsp = types.TaskCheckRsp{TaskID: req.TaskID, Status: 1}
	}
	return rsp, nil
}

func (s *scriptedStream) ProcessRecoverFinishReq(ctx context.Context, req types.TaskRecoverFinishReq) error {
	return nil
}
func (s *scriptedStream) ProcessRunReq(ctx context.Context, req types.TaskRunReq) error { return nil }
func (s *scriptedStream) ProcessDispatchReq(ctx context.Context, req types.TaskDispatchReq) (types.TaskDispatchRsp, error) {
	return types.TaskDispatchRsp{TaskID: req.TaskID, NodeID: req.NodeID}, nil
}
func (s *scriptedStream) ProcessDispatchRsp(ctx context.Context, req types.TaskDispatchRsp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatchRspCalls = append(s.dispatchRspCalls, req.TaskID)
	return nil
}
func (s *scriptedStream) ProcessRetrieveReq(ctx context.Context, req types.TaskRetrieveReq) (types.TaskRetrieveRsp, error) {
	return types.TaskRetrieveRsp{TaskID: req.TaskID, NodeID: req.NodeID}, nil
}
func (s *scriptedStream) ProcessRetrieveRsp(ctx context.Context, req types.TaskRetrieveRsp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retrieveRspCalls = append(s.retrieveRspCalls, req.TaskID)
	return nil
}

func (s *scriptedStream) SourceRecoverScanStep1(ctx context.Context, t *types.StreamTask) ([]byte, error) {
	if s.recoverErr != nil {
		return nil, s.recoverErr
	}
	return []byte("step1"), nil
}
func (s *scriptedStream) BuildSourceRecover2Req(ctx context.Context, t *types.StreamTask, step1 []byte) (types.TaskRecoverStep2Req, error) {
	return types.TaskRecoverStep2Req{TaskID: t.TaskID, Step1: step1}, nil
}
func (s *scriptedStream) SourceRecoverScanStep2(ctx context.Context, t *types.StreamTask, req types.TaskRecoverStep2Req) error {
	return nil
}
func (s *scriptedStream) SetStatusNormal(ctx context.Context, t *types.StreamTask) error { return nil }
func (s *scriptedStream) RestoreParam(ctx context.Context, t *types.StreamTask) error    { return nil }
func (s *scriptedStream) DispatchRecoverFinishReq(ctx context.Context, t *types.StreamTask, downstream int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishCalls = append(s.finishCalls, downstream)
	return nil
}

func (s *scriptedStream) TaskInput(ctx context.Context, t *types.StreamTask, item *types.StreamDataItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.taskInputErr != nil {
		return s.taskInputErr
	}
	s.taskInputs = append(s.taskInputs, t.TaskID)
	return nil
}
func (s *scriptedStream) TaskInputFail(ctx context.Context, t *types.StreamTask, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.taskInputFail = append(s.taskInputFail, t.TaskID)
}
func (s *scriptedStream) SchedExec(ctx context.Context, t *types.StreamTask) error { return nil }
func (s *scriptedStream) SetupTrigger(ctx context.Context, t *types.StreamTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setupTriggerCalls = append(s.setupTriggerCalls, t.TaskID)
	return nil
}

var _ types.Stream = (*scriptedStream)(nil)

func TestDeployWithoutFillHistoryGoesStraightToNormal(t *testing.T) {
	ctx := context.Background()
	meta := metamem.New()
	st := &scriptedStream{}
	reg := stream.New(meta, st)

	if err := reg.Deploy(ctx, types.TaskDeployReq{TaskID: 1, Level: types.TaskSource}); err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	task, ok := reg.Acquire(1)
	if !ok {
		t.Fatal("expected task 1 to exist")
	}
	defer reg.Release(task)
	if task.Status() != types.TaskNormal {
		t.Fatalf("status = %v, want NORMAL", task.Status())
	}
}

func TestDeployWithFillHistoryRunsRecoveryToNormal(t *testing.T) {
	ctx := context.Background()
	meta := metamem.New()
	st := &scriptedStream{}
	reg := stream.New(meta, st)

	err := reg.Deploy(ctx, types.TaskDeployReq{
		TaskID:      1,
		Level:       types.TaskSource,
		FillHistory: true,
		Downstream:  []int64{2, 3},
	})
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	task, ok := reg.Acquire(1)
	if !ok {
		t.Fatal("expected task 1 to exist")
	}
	defer reg.Release(task)

	if task.Status() != types.TaskNormal {
		t.Fatalf("status = %v, want NORMAL after recovery", task.Status())
	}
	if task.FillHistory {
		t.Fatal("expected FillHistory cleared once recovery reaches NORMAL")
	}
	if len(st.finishCalls) != 2 {
		t.Fatalf("expected recover-finish dispatched to both downstreams, got %v", st.finishCalls)
	}
}

func TestDeployWithFillHistoryStallsWhenDownstreamNotReady(t *testing.T) {
	ctx := context.Background()
	meta := metamem.New()
	st := &scriptedStream{checkRsp: types.TaskCheckRsp{TaskID: 2, Status: 0}}
	reg := stream.New(meta, st)

	if err := reg.Deploy(ctx, types.TaskDeployReq{
		TaskID:      1,
		Level:       types.TaskSource,
		FillHistory: true,
		Downstream:  []int64{2},
	}); err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	task, ok := reg.Acquire(1)
	if !ok {
		t.Fatal("expected task 1 to exist")
	}
	defer reg.Release(task)
	if task.Status() != types.TaskWaitDownstream {
		t.Fatalf("status = %v, want WAIT_DOWNSTREAM", task.Status())
	}
}

func TestAcquireRejectsAfterDrop(t *testing.T) {
	ctx := context.Background()
	meta := metamem.New()
	st := &scriptedStream{}
	reg := stream.New(meta, st)

	if err := reg.Deploy(ctx, types.TaskDeployReq{TaskID: 1, Level: types.TaskSource}); err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	task, ok := reg.Acquire(1)
	if !ok {
		t.Fatal("expected task 1 to exist")
	}

	if err := reg.Drop(ctx, 1); err != nil {
		t.Fatalf("Drop: %v", err)
	}

	if _, ok := reg.Acquire(1); ok {
		t.Fatal("expected Acquire to reject a task marked DROPPING")
	}

	// The in-memory entry survives until the last outstanding reference
	// is released, per invariant 7.
	reg.Release(task)
	if _, ok := reg.Acquire(1); ok {
		t.Fatal("expected task to be evicted after its last reference was released")
	}
}

func TestFanOutDeliversToReadySourceTasksOnly(t *testing.T) {
	ctx := context.Background()
	meta := metamem.New()
	st := &scriptedStream{}
	reg := stream.New(meta, st)

	// task 1: SOURCE, NORMAL -> eligible.
	if err := reg.Deploy(ctx, types.TaskDeployReq{TaskID: 1, Level: types.TaskSource}); err != nil {
		t.Fatalf("Deploy task 1: %v", err)
	}
	// task 2: AGG -> never eligible for writer-path fan-out.
	if err := reg.Deploy(ctx, types.TaskDeployReq{TaskID: 2, Level: types.TaskAgg}); err != nil {
		t.Fatalf("Deploy task 2: %v", err)
	}
	// task 3: SOURCE, still WAIT_DOWNSTREAM -> not yet eligible.
	st.checkRsp = types.TaskCheckRsp{TaskID: 99, Status: 0}
	if err := reg.Deploy(ctx, types.TaskDeployReq{
		TaskID: 3, Level: types.TaskSource, FillHistory: true, Downstream: []int64{99},
	}); err != nil {
		t.Fatalf("Deploy task 3: %v", err)
	}

	reg.ProcessSubmit(ctx, 42, []byte("row-data"))

	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.taskInputs) != 1 || st.taskInputs[0] != 1 {
		t.Fatalf("taskInputs = %v, want exactly [1]", st.taskInputs)
	}
}

func TestFanOutMarksFailureOnTaskInputError(t *testing.T) {
	ctx := context.Background()
	meta := metamem.New()
	st := &scriptedStream{taskInputErr: errBoom}
	reg := stream.New(meta, st)

	if err := reg.Deploy(ctx, types.TaskDeployReq{TaskID: 1, Level: types.TaskSource}); err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	reg.ProcessDelete(ctx, 7, types.DeleteBlock{UID: 1})

	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.taskInputFail) != 1 || st.taskInputFail[0] != 1 {
		t.Fatalf("taskInputFail = %v, want exactly [1]", st.taskInputFail)
	}
}

func TestDispatchReqOnMissingTaskReturnsSyntheticResponse(t *testing.T) {
	ctx := context.Background()
	meta := metamem.New()
	st := &scriptedStream{}
	reg := stream.New(meta, st)

	rsp, err := reg.ProcessDispatchReq(ctx, types.TaskDispatchReq{TaskID: 404, NodeID: 1})
	if err != nil {
		t.Fatalf("ProcessDispatchReq: %v", err)
	}
	if rsp.TaskID != 404 || rsp.NodeID != 1 || rsp.InputStatus != types.TaskNormal || rsp.Code == 0 {
		t.Fatalf("unexpected synthetic response: %+v", rsp)
	}
}

func TestProcessDispatchRspCallsHookForLiveTask(t *testing.T) {
	ctx := context.Background()
	meta := metamem.New()
	st := &scriptedStream{}
	reg := stream.New(meta, st)

	if err := reg.Deploy(ctx, types.TaskDeployReq{TaskID: 1, Level: types.TaskSource}); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if err := reg.ProcessDispatchRsp(ctx, types.TaskDispatchRsp{TaskID: 1}); err != nil {
		t.Fatalf("ProcessDispatchRsp: %v", err)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.dispatchRspCalls) != 1 || st.dispatchRspCalls[0] != 1 {
		t.Fatalf("dispatchRspCalls = %v, want [1]", st.dispatchRspCalls)
	}
}

func TestProcessDispatchRspOnMissingTaskIsNotAnError(t *testing.T) {
	ctx := context.Background()
	meta := metamem.New()
	st := &scriptedStream{}
	reg := stream.New(meta, st)

	if err := reg.ProcessDispatchRsp(ctx, types.TaskDispatchRsp{TaskID: 404}); err != nil {
		t.Fatalf("ProcessDispatchRsp on missing task: %v", err)
	}
	if len(st.dispatchRspCalls) != 0 {
		t.Fatalf("hook should not run for a missing task, got %v", st.dispatchRspCalls)
	}
}

func TestProcessRetrieveRspCallsHookForLiveTask(t *testing.T) {
	ctx := context.Background()
	meta := metamem.New()
	st := &scriptedStream{}
	reg := stream.New(meta, st)

	if err := reg.Deploy(ctx, types.TaskDeployReq{TaskID: 1, Level: types.TaskSource}); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if err := reg.ProcessRetrieveRsp(ctx, types.TaskRetrieveRsp{TaskID: 1}); err != nil {
		t.Fatalf("ProcessRetrieveRsp: %v", err)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.retrieveRspCalls) != 1 || st.retrieveRspCalls[0] != 1 {
		t.Fatalf("retrieveRspCalls = %v, want [1]", st.retrieveRspCalls)
	}
}

func TestFanOutArmsTimerTrigger(t *testing.T) {
	ctx := context.Background()
	meta := metamem.New()
	st := &scriptedStream{}
	reg := stream.New(meta, st)
	reg.SetWheel(timerwheel.New())

	if err := reg.Deploy(ctx, types.TaskDeployReq{TaskID: 1, Level: types.TaskSource}); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	reg.ProcessSubmit(ctx, 1, []byte("row"))

	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.setupTriggerCalls) != 1 || st.setupTriggerCalls[0] != 1 {
		t.Fatalf("setupTriggerCalls = %v, want [1]", st.setupTriggerCalls)
	}
}

type boomError struct{}

func (boomError) Error() string { return "boom" }

var errBoom = boomError{}
