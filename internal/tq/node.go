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

// Package tq assembles the offset store, check-info table, handle
// registry, poll engine, and stream-task registry into a single
// partition-scoped Node, and owns the subsystem's idempotent
// init/teardown lifecycle.
package tq

import (
	"context"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/PlanetApostle/tdengine-tq/internal/checkinfo"
	"github.com/PlanetApostle/tdengine-tq/internal/offsetstore"
	"github.com/PlanetApostle/tdengine-tq/internal/poll"
	"github.com/PlanetApostle/tdengine-tq/internal/rpcwire"
	"github.com/PlanetApostle/tdengine-tq/internal/stream"
	"github.com/PlanetApostle/tdengine-tq/internal/subs"
	"github.com/PlanetApostle/tdengine-tq/internal/timerwheel"
	"github.com/PlanetApostle/tdengine-tq/internal/types"
)

const (
	stateDown = iota
	stateUp
	stateTransition
)

// ErrTransitioning is returned by Open or Close when the other call is
// already in progress on another goroutine.
var ErrTransitioning = errors.New("tq: node is already transitioning")

// Node is one partition's topic-queue subsystem. The zero value is not
// usable; construct with New.
type Node struct {
	wal   types.WAL
	qexec types.QExec
	rpc   types.RPC
	meta  types.Meta

	CheckInfo *checkinfo.Table
	Offsets   *offsetstore.Store
	Subs      *subs.Registry
	Poll      *poll.Engine
	Stream    *stream.Registry

	wheel *timerwheel.Wheel

	inited int32 // stateDown/stateUp/stateTransition, accessed via atomic
}

// New wires a Node from its external collaborators. The returned Node
// is down; call Open before serving RPCs.
func New(wal types.WAL, qexec types.QExec, rpc types.RPC, meta types.Meta, streamHooks types.Stream, compressThreshold int) (*Node, error) {
	codec, err := rpcwire.NewCodec(compressThreshold)
	if err != nil {
		return nil, errors.Wrap(err, "tq: build rpc codec")
	}

	offs := offsetstore.New(meta)
	reg := subs.New(wal, qexec, meta, offs)

	return &Node{
		wal:       wal,
		qexec:     qexec,
		rpc:       rpc,
		meta:      meta,
		CheckInfo: checkinfo.New(meta),
		Offsets:   offs,
		Subs:      reg,
		Poll:      poll.New(reg, offs, wal, qexec, rpc, codec),
		Stream:    stream.New(meta, streamHooks),
	}, nil
}

// Open brings the subsystem up: it creates the shared timer wheel and
// restores the handle registry, check-info table, and stream-task
// registry from durable storage. Idempotent: a Node already up returns
// nil without doing anything.
func (n *Node) Open(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&n.inited, stateDown, stateTransition) {
		switch atomic.LoadInt32(&n.inited) {
		case stateUp:
			return nil
		default:
			return errors.WithStack(ErrTransitioning)
		}
	}

	if err := n.open(ctx); err != nil {
		atomic.StoreInt32(&n.inited, stateDown)
		return err
	}

	atomic.StoreInt32(&n.inited, stateUp)
	return nil
}

func (n *Node) open(ctx context.Context) error {
	n.wheel = timerwheel.New()
	n.Stream.SetWheel(n.wheel)

	if err := n.CheckInfo.Restore(ctx); err != nil {
		return errors.Wrap(err, "tq: restore check-info")
	}
	if err := n.Subs.Restore(ctx); err != nil {
		return errors.Wrap(err, "tq: restore handles")
	}
	if err := n.Stream.Restore(ctx); err != nil {
		return errors.Wrap(err, "tq: restore stream tasks")
	}
	return nil
}

// Close tears the subsystem down, reversing Open. Idempotent: a Node
// already down returns nil without doing anything.
func (n *Node) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&n.inited, stateUp, stateTransition) {
		switch atomic.LoadInt32(&n.inited) {
		case stateDown:
			return nil
		default:
			return errors.WithStack(ErrTransitioning)
		}
	}

	if n.wheel != nil {
		n.wheel.Close()
		n.wheel = nil
	}

	atomic.StoreInt32(&n.inited, stateDown)
	return nil
}

// NotifySubmitted is the writer-path entry point for a committed WAL
// submit record: it fans the batch out to every ready source task and
// then re-checks every currently parked COLUMN poll, since any of them
// might now have data to return. See spec.md section 3's "writer
// path" summary and DESIGN NOTES section 9, open question (ii).
func (n *Node) NotifySubmitted(ctx context.Context, ver int64, raw []byte) {
	n.Stream.ProcessSubmit(ctx, ver, raw)
	n.wakePending(ctx)
}

// NotifyDeleted is the writer-path entry point for a committed
// deletion, mirroring NotifySubmitted.
func (n *Node) NotifyDeleted(ctx context.Context, ver int64, block types.DeleteBlock) {
	n.Stream.ProcessDelete(ctx, ver, block)
	n.wakePending(ctx)
}

func (n *Node) wakePending(ctx context.Context) {
	for _, subkey := range n.Subs.PendingWakes() {
		n.Poll.Wake(ctx, subkey)
	}
}

// Wheel exposes the shared timer wheel created by Open (nil while the
// node is down). Open hands the same wheel to the stream registry,
// whose SetupTrigger schedules retriggers on it.
func (n *Node) Wheel() *timerwheel.Wheel {
	return n.wheel
}
