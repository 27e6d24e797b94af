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

// Package poll implements the poll engine: the end-to-end handling of
// a single POLL RPC, from handle lookup through response encoding, and
// the writer-side wake path that completes a parked poll once new
// data has landed.
package poll

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/PlanetApostle/tdengine-tq/internal/offsetstore"
	"github.com/PlanetApostle/tdengine-tq/internal/rpcwire"
	"github.com/PlanetApostle/tdengine-tq/internal/subs"
	"github.com/PlanetApostle/tdengine-tq/internal/types"
)

// scanAppendThreshold is the minimum number of appended blocks a
// submit record must produce before the WAL scan loop stops and
// responds; spec.md section 4.E Step 3 names this threshold as 1.
const scanAppendThreshold = 1

// Engine answers POLL RPCs against a handle registry, an offset
// store, and the WAL/query-engine/transport collaborators.
type Engine struct {
	reg   *subs.Registry
	offs  *offsetstore.Store
	wal   types.WAL
	qexec types.QExec
	rpc   types.RPC
	codec *rpcwire.Codec
}

// New builds an Engine from its collaborators.
func New(reg *subs.Registry, offs *offsetstore.Store, wal types.WAL, qexec types.QExec, rpc types.RPC, codec *rpcwire.Codec) *Engine {
	return &Engine{reg: reg, offs: offs, wal: wal, qexec: qexec, rpc: rpc, codec: codec}
}

// Poll processes one POLL RPC. A non-nil error means the RPC should
// be rejected with that error's code; a nil error means a response
// was already sent, the poll was parked for a later wake, or a DB/TABLE
// poll was dropped without a response because a newer epoch took over.
func (e *Engine) Poll(ctx context.Context, req types.PollReq) error {
	start := time.Now()
	defer func() { pollLatency.Observe(time.Since(start).Seconds()) }()

	h, ok := e.reg.Get(req.Subkey)
	if !ok {
		pollsRejected.WithLabelValues("not_found").Inc()
		return errors.WithStack(types.ErrNotFound)
	}
	if h.ConsumerID != req.ConsumerID {
		pollsRejected.WithLabelValues("consumer_mismatch").Inc()
		return errors.WithStack(types.ErrConsumerMismatch)
	}
	epoch := h.AdvanceEpoch(req.Epoch)

	env := types.Envelope{Epoch: epoch, ConsumerID: req.ConsumerID}

	f, done, err := e.resolveFetchPosition(ctx, req, h, env)
	if err != nil || done {
		return err
	}

	if h.SubType == types.SubColumn {
		return e.pollColumn(ctx, req, h, env, f)
	}
	return e.pollDBOrTable(ctx, req, h, env, f)
}

// resolveFetchPosition implements spec.md section 4.E Step 2. done is
// true when the reset-hint branch already produced a full response
// (RESET_LATEST) and Poll should return immediately.
func (e *Engine) resolveFetchPosition(ctx context.Context, req types.PollReq, h *types.Handle, env types.Envelope) (f types.Offset, done bool, err error) {
	if req.ReqOffset.IsConcrete() {
		return req.ReqOffset, false, nil
	}

	if stored, ok, err := e.offs.Read(ctx, req.Subkey); err != nil {
		return types.Offset{}, false, err
	} else if ok {
		return stored, false, nil
	}

	switch req.ReqOffset.Kind {
	case types.OffsetResetEarliest:
		if req.UseSnapshot {
			if h.FetchMeta {
				return types.SnapshotMetaOffset(0), false, nil
			}
			return types.SnapshotDataOffset(0, 0), false, nil
		}
		ref, err := e.wal.RefFirstVer(ctx)
		if err != nil {
			return types.Offset{}, false, errors.Wrap(err, "poll: pin first WAL version")
		}
		e.wal.CloseRef(ref)
		return types.LogOffset(ref.Version - 1), false, nil

	case types.OffsetResetLatest:
		lastVer, err := e.wal.GetLastVer(ctx)
		if err != nil {
			return types.Offset{}, false, errors.Wrap(err, "poll: read last WAL version")
		}
		// Per spec.md section 9 open question (iii): this branch
		// returns success without persisting anything to the offset
		// store. The consumer is expected to commit before it
		// disconnects; until then a retried RESET_LATEST poll will
		// recompute the same current-end-of-log baseline.
		rsp := types.DataRsp{Envelope: env, RspOffset: types.LogOffset(lastVer)}
		if sendErr := e.send(req, types.MsgPollRsp, e.codec.EncodeDataRsp(rsp)); sendErr != nil {
			return types.Offset{}, true, sendErr
		}
		pollsSent.Inc()
		return types.Offset{}, true, nil

	case types.OffsetResetNone:
		pollsRejected.WithLabelValues("no_committed_offset").Inc()
		return types.Offset{}, false, errors.WithStack(types.ErrNoCommittedOffset)

	default:
		return types.Offset{}, false, errors.Errorf("poll: unexpected reset hint %v", req.ReqOffset.Kind)
	}
}

// pollColumn implements the COLUMN variant of spec.md section 4.E
// Step 3: a single scan under pushLock, sending immediately or
// parking if the subscription is fully caught up.
func (e *Engine) pollColumn(ctx context.Context, req types.PollReq, h *types.Handle, env types.Envelope, f types.Offset) error {
	e.reg.Lock()
	blocks, next, err := e.qexec.ScanData(ctx, h, f)
	if err != nil {
		e.reg.Unlock()
		return errors.Wrap(err, "poll: COLUMN scan")
	}

	caughtUp := len(blocks) == 0 && f.Kind == types.OffsetLog && next.Kind == types.OffsetLog && f.Version == next.Version
	if caughtUp {
		e.reg.ParkLocked(types.PushEntry{
			Subkey:     req.Subkey,
			RPCHandle:  req.RPCHandle,
			Partial:    types.DataRsp{Envelope: env, RspOffset: f},
			ConsumerID: req.ConsumerID,
			Epoch:      env.Epoch,
		})
		e.reg.Unlock()
		pollsParked.Inc()
		return nil
	}
	e.reg.Unlock()

	rsp := types.DataRsp{Envelope: env, Blocks: blocks, RspOffset: next}
	if err := e.send(req, types.MsgPollRsp, e.codec.EncodeDataRsp(rsp)); err != nil {
		return err
	}
	pollsSent.Inc()
	return nil
}

// pollDBOrTable implements the DB/TABLE variant of spec.md section
// 4.E Step 3: an optional snapshot scan, then a WAL scan loop.
func (e *Engine) pollDBOrTable(ctx context.Context, req types.PollReq, h *types.Handle, env types.Envelope, f types.Offset) error {
	if f.Kind == types.OffsetSnapshotData || f.Kind == types.OffsetSnapshotMeta {
		data, meta, err := e.qexec.ScanTaosx(ctx, h, f)
		if err != nil {
			return errors.Wrap(err, "poll: snapshot scan")
		}
		switch {
		case len(meta.Record) > 0:
			meta.Envelope = env
			if err := e.send(req, types.MsgPollMetaRsp, e.codec.EncodeMetaRsp(meta)); err != nil {
				return err
			}
			pollsSent.Inc()
			return nil
		case data.BlockNum() > 0:
			data.Envelope = env
			if err := e.send(req, types.MsgPollRsp, e.codec.EncodeDataRsp(data)); err != nil {
				return err
			}
			pollsSent.Inc()
			return nil
		default:
			f = data.RspOffset
		}
	}

	epochAtStart := env.Epoch
	accumulated := types.DataRsp{Envelope: env}
	for fetchVer := f.Version + 1; ; fetchVer++ {
		if h.LoadEpoch() != epochAtStart {
			pollsDiscardedStaleEpoch.Inc()
			return nil
		}

		rec, err := e.wal.FetchLog(ctx, h.WALReader, fetchVer)
		if err != nil {
			accumulated.RspOffset = types.LogOffset(fetchVer)
			if sendErr := e.send(req, types.MsgPollRsp, e.codec.EncodeDataRsp(accumulated)); sendErr != nil {
				return sendErr
			}
			pollsSent.Inc()
			return nil
		}

		switch rec.Kind {
		case types.WALRecordSubmit:
			appended, err := e.qexec.ScanSubmit(ctx, h, rec)
			if err != nil {
				return errors.Wrap(err, "poll: WAL submit scan")
			}
			if len(appended) >= scanAppendThreshold {
				accumulated.Blocks = append(accumulated.Blocks, appended...)
				accumulated.RspOffset = types.LogOffset(fetchVer)
				if sendErr := e.send(req, types.MsgPollRsp, e.codec.EncodeDataRsp(accumulated)); sendErr != nil {
					return sendErr
				}
				pollsSent.Inc()
				return nil
			}

		case types.WALRecordMeta:
			meta := types.MetaRsp{Envelope: env, Record: rec.Raw, RspOffset: types.LogOffset(fetchVer)}
			if sendErr := e.send(req, types.MsgPollMetaRsp, e.codec.EncodeMetaRsp(meta)); sendErr != nil {
				return sendErr
			}
			pollsSent.Inc()
			return nil
		}
	}
}

// Wake completes a previously parked poll once the writer path has
// notified this subkey. It is best-effort: any failure drops the
// parked entry silently and leaves it to the consumer's next poll, per
// spec.md section 4.E's failure semantics.
func (e *Engine) Wake(ctx context.Context, subkey types.Subkey) {
	entry, ok := e.reg.Wake(subkey)
	if !ok {
		return
	}

	h, ok := e.reg.Get(subkey)
	if !ok || h.LoadEpoch() != entry.Epoch {
		return
	}

	e.reg.Lock()
	blocks, next, err := e.qexec.ScanData(ctx, h, entry.Partial.RspOffset)
	if err != nil {
		e.reg.Unlock()
		log.WithError(err).WithField("subkey", subkey).Warn("poll: wake scan failed, dropping parked entry")
		return
	}
	if len(blocks) == 0 {
		// Spurious wake: still nothing new. Re-park at the advanced
		// position rather than dropping the consumer's long poll.
		entry.Partial.RspOffset = next
		e.reg.ParkLocked(entry)
		e.reg.Unlock()
		return
	}
	e.reg.Unlock()

	rsp := types.DataRsp{Envelope: entry.Partial.Envelope, Blocks: blocks, RspOffset: next}
	if err := e.codec.Send(e.rpc, entry.RPCHandle, types.MsgPollRsp, e.codec.EncodeDataRsp(rsp), 0); err != nil {
		log.WithError(err).WithField("subkey", subkey).Warn("poll: wake send failed, dropping parked entry")
		return
	}
	pollsSent.Inc()
}

func (e *Engine) send(req types.PollReq, msgType types.MsgType, body []byte) error {
	return e.codec.Send(e.rpc, req.RPCHandle, msgType, body, 0)
}
