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

package subs_test

import (
	"context"
	"errors"
	"testing"

	"github.com/PlanetApostle/tdengine-tq/internal/metamem"
	"github.com/PlanetApostle/tdengine-tq/internal/offsetstore"
	"github.com/PlanetApostle/tdengine-tq/internal/subs"
	"github.com/PlanetApostle/tdengine-tq/internal/types"
	"github.com/PlanetApostle/tdengine-tq/internal/walmem"
)

type fakeQExec struct {
	destroyed []types.Subkey
}

func (f *fakeQExec) CreateQueueExecTask(ctx context.Context, h *types.Handle, qmsg []byte) (types.ExecPipeline, error) {
	return &fakePipeline{}, nil
}
func (f *fakeQExec) CreateStreamExecTask(ctx context.Context, h *types.Handle) (types.ExecPipeline, error) {
	return &fakePipeline{}, nil
}
func (f *fakeQExec) ScanData(ctx context.Context, h *types.Handle, from types.Offset) ([][]byte, types.Offset, error) {
	return nil, from, nil
}
func (f *fakeQExec) ScanTaosx(ctx context.Context, h *types.Handle, from types.Offset) (types.DataRsp, types.MetaRsp, error) {
	return types.DataRsp{}, types.MetaRsp{}, nil
}
func (f *fakeQExec) ScanSubmit(ctx context.Context, h *types.Handle, rec types.WALRecord) ([][]byte, error) {
	return nil, nil
}
func (f *fakeQExec) DestroyTask(h *types.Handle) {
	f.destroyed = append(f.destroyed, h.Subkey)
}

type fakePipeline struct{ closed bool }

func (p *fakePipeline) Close() { p.closed = true }

func newSubkey(t *testing.T, s string) types.Subkey {
	t.Helper()
	sk, err := types.NewSubkey([]byte(s))
	if err != nil {
		t.Fatal(err)
	}
	return sk
}

func TestSubscribeCreatesThenRebalances(t *testing.T) {
	ctx := context.Background()
	wal := walmem.New()
	qexec := &fakeQExec{}
	meta := metamem.New()
	reg := subs.New(wal, qexec, meta, offsetstore.New(meta))

	subkey := newSubkey(t, "orders")
	h, err := reg.Subscribe(ctx, types.SubscribeReq{
		Subkey:        subkey,
		NewConsumerID: 1,
		SubType:       types.SubColumn,
	})
	if err != nil {
		t.Fatal(err)
	}
	if h.Epoch != 0 || h.ConsumerID != 1 {
		t.Fatalf("unexpected fresh handle: %+v", h)
	}

	h2, err := reg.Subscribe(ctx, types.SubscribeReq{
		Subkey:        subkey,
		NewConsumerID: 2,
		SubType:       types.SubColumn,
	})
	if err != nil {
		t.Fatal(err)
	}
	if h2 != h {
		t.Fatal("rebalance should mutate and return the same handle")
	}
	if h2.Epoch != 1 {
		t.Fatalf("want epoch 1 after rebalance, got %d", h2.Epoch)
	}
	if h2.ConsumerID != 2 {
		t.Fatalf("want consumer 2 after rebalance, got %d", h2.ConsumerID)
	}
	if len(qexec.destroyed) != 1 || qexec.destroyed[0] != subkey {
		t.Fatalf("want COLUMN rebalance to destroy the compiled task, got %+v", qexec.destroyed)
	}
}

func TestSubscribeRejectsNewHandleWithoutConsumer(t *testing.T) {
	ctx := context.Background()
	wal := walmem.New()
	meta := metamem.New()
	reg := subs.New(wal, &fakeQExec{}, meta, offsetstore.New(meta))

	_, err := reg.Subscribe(ctx, types.SubscribeReq{
		Subkey:        newSubkey(t, "orders"),
		NewConsumerID: -1,
		SubType:       types.SubColumn,
	})
	if !errors.Is(err, types.ErrInvalidSubscribe) {
		t.Fatalf("want ErrInvalidSubscribe, got %v", err)
	}
}

func TestPushWaitUniqueness(t *testing.T) {
	ctx := context.Background()
	wal := walmem.New()
	meta := metamem.New()
	reg := subs.New(wal, &fakeQExec{}, meta, offsetstore.New(meta))
	subkey := newSubkey(t, "orders")

	reg.Lock()
	reg.ParkLocked(types.PushEntry{Subkey: subkey, ConsumerID: 1, Epoch: 0})
	if !reg.PeekLocked(subkey) {
		t.Fatal("expected a parked entry")
	}
	reg.Unlock()

	entry, ok := reg.Wake(subkey)
	if !ok || entry.ConsumerID != 1 {
		t.Fatalf("want woken entry for consumer 1, got %+v ok=%v", entry, ok)
	}

	// Waking an empty slot reports ok=false, not a second entry.
	if _, ok := reg.Wake(subkey); ok {
		t.Fatal("want no entry after it has been woken once")
	}
	_ = ctx
}

func TestUnsubscribeIsBestEffort(t *testing.T) {
	ctx := context.Background()
	wal := walmem.New()
	qexec := &fakeQExec{}
	meta := metamem.New()
	off := offsetstore.New(meta)
	reg := subs.New(wal, qexec, meta, off)
	subkey := newSubkey(t, "orders")

	if _, err := reg.Subscribe(ctx, types.SubscribeReq{
		Subkey:        subkey,
		NewConsumerID: 1,
		SubType:       types.SubColumn,
	}); err != nil {
		t.Fatal(err)
	}

	if err := reg.Unsubscribe(ctx, subkey); err != nil {
		t.Fatal(err)
	}
	if _, ok := reg.Get(subkey); ok {
		t.Fatal("handle should be gone after unsubscribe")
	}
	// A second unsubscribe of the same (now absent) subkey must still
	// succeed, per the best-effort contract.
	if err := reg.Unsubscribe(ctx, subkey); err != nil {
		t.Fatal(err)
	}
}
