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

// Package subs implements the handle registry and the push-wait table:
// every subkey's live subscription state, and any response parked
// awaiting a writer-side wake, share one lock so that a scan-then-park
// decision can never race a concurrent subscribe, unsubscribe, or
// wake.
package subs

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/PlanetApostle/tdengine-tq/internal/offsetstore"
	"github.com/PlanetApostle/tdengine-tq/internal/types"
)

// Registry owns the handle map and the push-wait map behind a single
// RWMutex ("pushLock"). The zero value is not usable; construct with
// New.
type Registry struct {
	wal    types.WAL
	qexec  types.QExec
	meta   types.Meta
	offs   *offsetstore.Store

	mu struct {
		sync.RWMutex
		handles  map[types.Subkey]*types.Handle
		pushWait map[types.Subkey]*types.PushEntry
	}
}

// New builds a Registry backed by the given collaborators. offs is the
// offset store that Unsubscribe clears as part of its best-effort
// teardown sequence.
func New(wal types.WAL, qexec types.QExec, meta types.Meta, offs *offsetstore.Store) *Registry {
	r := &Registry{wal: wal, qexec: qexec, meta: meta, offs: offs}
	r.mu.handles = make(map[types.Subkey]*types.Handle)
	r.mu.pushWait = make(map[types.Subkey]*types.PushEntry)
	return r
}

// Restore repopulates the handle map from the metadata store. Intended
// to be called once during Node.Open, before any RPC is accepted.
func (r *Registry) Restore(ctx context.Context) error {
	handles, err := r.meta.LoadHandles(ctx)
	if err != nil {
		return errors.Wrap(err, "subs: restore handles")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range handles {
		r.mu.handles[h.Subkey] = h
	}
	return nil
}

// Lock/Unlock/RLock/RUnlock expose pushLock directly so that callers
// outside this package (the poll engine's COLUMN scan-and-park step,
// in particular) can hold it across a read of the handle, a scan
// against the query engine, and a park decision as one atomic section,
// per the rebalance/park race described in DESIGN NOTES section 9.
func (r *Registry) Lock()    { r.mu.Lock() }
func (r *Registry) Unlock()  { r.mu.Unlock() }
func (r *Registry) RLock()   { r.mu.RLock() }
func (r *Registry) RUnlock() { r.mu.RUnlock() }

// Get returns the handle for subkey, taking pushLock for reading
// itself. Use GetLocked from within a section already holding the
// lock.
func (r *Registry) Get(subkey types.Subkey) (*types.Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.GetLocked(subkey)
}

// GetLocked returns the handle for subkey. The caller must already
// hold pushLock, for reading or writing.
func (r *Registry) GetLocked(subkey types.Subkey) (*types.Handle, bool) {
	h, ok := r.mu.handles[subkey]
	return h, ok
}

// Subscribe processes a SUBSCRIBE RPC: creating a new handle if subkey
// has none, or rebalancing an existing one onto a new consumer. See
// spec.md section 4.C.
func (r *Registry) Subscribe(ctx context.Context, req types.SubscribeReq) (*types.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, exists := r.mu.handles[req.Subkey]; exists {
		return r.rebalanceLocked(ctx, h, req)
	}
	return r.createLocked(ctx, req)
}

// createLocked allocates a brand-new handle. The caller must hold
// pushLock for writing.
func (r *Registry) createLocked(ctx context.Context, req types.SubscribeReq) (*types.Handle, error) {
	if req.NewConsumerID == -1 {
		return nil, errors.WithStack(types.ErrInvalidSubscribe)
	}

	ref, err := r.wal.RefCommittedVer(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "subs: pin committed WAL version")
	}

	h := &types.Handle{
		Subkey:      req.Subkey,
		ConsumerID:  req.NewConsumerID,
		SubType:     req.SubType,
		FetchMeta:   req.WithMeta,
		SnapshotVer: ref.Version,
		WALRef:      ref,
	}

	if err := r.attachPipelineLocked(ctx, h, req); err != nil {
		r.wal.CloseRef(ref)
		return nil, err
	}

	r.mu.handles[req.Subkey] = h
	if err := r.meta.SaveHandle(ctx, h); err != nil {
		log.WithError(err).WithField("subkey", req.Subkey).Warn("subs: persist new handle failed")
	}
	subscribesNew.Inc()
	return h, nil
}

// attachPipelineLocked builds the subtype-specific execution pipeline
// for a freshly created handle: a compiled query for COLUMN, or a raw
// reader plus table-UID filter for TABLE/DB. See spec.md section 4.C.
func (r *Registry) attachPipelineLocked(ctx context.Context, h *types.Handle, req types.SubscribeReq) error {
	switch req.SubType {
	case types.SubColumn:
		pipeline, err := r.qexec.CreateQueueExecTask(ctx, h, req.QMsg)
		if err != nil {
			return errors.Wrap(err, "subs: compile COLUMN query")
		}
		h.Exec = pipeline
		return nil

	case types.SubDB:
		reader, err := r.wal.OpenReader(ctx)
		if err != nil {
			return errors.Wrap(err, "subs: open DB reader")
		}
		h.WALReader = reader
		pipeline, err := r.qexec.CreateStreamExecTask(ctx, h)
		if err != nil {
			return errors.Wrap(err, "subs: build DB exec task")
		}
		h.Exec = pipeline
		return nil

	case types.SubTable:
		reader, err := r.wal.OpenReader(ctx)
		if err != nil {
			return errors.Wrap(err, "subs: open TABLE reader")
		}
		h.WALReader = reader

		filter := map[int64]struct{}{req.SUID: {}}
		if children, err := r.wal.ChildTableUIDs(ctx, req.SUID); err != nil {
			return errors.Wrap(err, "subs: list child tables")
		} else {
			for _, uid := range children {
				filter[uid] = struct{}{}
			}
		}
		h.FilterTableUIDs = filter

		pipeline, err := r.qexec.CreateStreamExecTask(ctx, h)
		if err != nil {
			return errors.Wrap(err, "subs: build TABLE exec task")
		}
		h.Exec = pipeline
		return nil

	default:
		return errors.Errorf("subs: unknown sub type %v", req.SubType)
	}
}

// rebalanceLocked re-owns an existing handle for a new consumer. The
// epoch is bumped so any poll already in flight under the old epoch is
// rejected by the poll engine's epoch check. The caller must hold
// pushLock for writing.
func (r *Registry) rebalanceLocked(ctx context.Context, h *types.Handle, req types.SubscribeReq) (*types.Handle, error) {
	h.BumpEpoch()
	h.ConsumerID = req.NewConsumerID

	if h.SubType == types.SubColumn {
		// The compiled reader is tied to the old consumer's cursor;
		// tear it down so the next poll recompiles it from scratch.
		if h.Exec != nil {
			h.Exec.Close()
			h.Exec = nil
		}
		r.qexec.DestroyTask(h)
	}

	if err := r.meta.SaveHandle(ctx, h); err != nil {
		log.WithError(err).WithField("subkey", h.Subkey).Warn("subs: persist rebalanced handle failed")
	}
	rebalances.Inc()
	return h, nil
}

// Unsubscribe tears down a subkey: the push-wait entry, the WAL pin,
// the registry entry, the stored offset, and the persisted row. Each
// step is best-effort; a missing row anywhere is logged, never
// returned, per spec.md section 4.C.
func (r *Registry) Unsubscribe(ctx context.Context, subkey types.Subkey) error {
	r.mu.Lock()
	delete(r.mu.pushWait, subkey)
	pushWaitPending.DeleteLabelValues(subkey.String())

	h, exists := r.mu.handles[subkey]
	if exists {
		r.wal.CloseRef(h.WALRef)
		if h.Exec != nil {
			h.Exec.Close()
		}
		r.qexec.DestroyTask(h)
		delete(r.mu.handles, subkey)
	}
	r.mu.Unlock()

	unsubscribes.Inc()

	if err := r.offs.Delete(ctx, subkey); err != nil {
		log.WithError(err).WithField("subkey", subkey).Warn("subs: delete offset failed")
	}
	if err := r.meta.DeleteHandle(ctx, subkey); err != nil {
		log.WithError(err).WithField("subkey", subkey).Warn("subs: delete persisted handle failed")
	}
	return nil
}

// ParkLocked records a PushEntry for subkey, overwriting any entry already
// there. Invariant 1 (spec.md section 8) says there must never be more
// than one parked entry per subkey; the caller (the poll engine, under
// pushLock already) is responsible for only parking when no unparked
// data exists. An overwrite here means that invariant was violated
// upstream, so it is logged loudly rather than silently dropped.
//
// ParkLocked assumes the caller already holds pushLock for writing.
func (r *Registry) ParkLocked(entry types.PushEntry) {
	if _, exists := r.mu.pushWait[entry.Subkey]; exists {
		pushOverwritten.Inc()
		log.WithField("subkey", entry.Subkey).Error("subs: push-wait entry already present, overwriting")
	}
	r.mu.pushWait[entry.Subkey] = &entry
	pushParked.Inc()
	pushWaitPending.WithLabelValues(entry.Subkey.String()).Set(1)
}

// Wake removes and returns the parked entry for subkey, if any. This
// is the writer-path entry point (DESIGN NOTES section 9, open
// question ii): it takes pushLock for writing itself, since the writer
// does not otherwise hold it.
func (r *Registry) Wake(subkey types.Subkey) (types.PushEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.mu.pushWait[subkey]
	if !ok {
		return types.PushEntry{}, false
	}
	delete(r.mu.pushWait, subkey)
	pushWoken.Inc()
	pushWaitPending.DeleteLabelValues(subkey.String())
	return *entry, true
}

// PendingWakes returns a snapshot of every subkey currently parked in
// the push-wait table. The writer path calls this after a commit to
// know which parked polls might now have new data; each one is
// individually re-checked by the poll engine's Wake, so an entry that
// turns out to still have nothing new is simply re-parked.
func (r *Registry) PendingWakes() []types.Subkey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Subkey, 0, len(r.mu.pushWait))
	for subkey := range r.mu.pushWait {
		out = append(out, subkey)
	}
	return out
}

// DropLocked removes any parked entry for subkey without returning it.
// Unsubscribe removes its entry inline rather than through this method,
// and a rebalance leaves a parked entry in place.
// The caller must already hold pushLock for writing.
func (r *Registry) DropLocked(subkey types.Subkey) {
	delete(r.mu.pushWait, subkey)
	pushWaitPending.DeleteLabelValues(subkey.String())
}

// PeekLocked reports whether subkey currently has a parked entry,
// without removing it. The caller must hold pushLock, for reading or
// writing.
func (r *Registry) PeekLocked(subkey types.Subkey) bool {
	_, ok := r.mu.pushWait[subkey]
	return ok
}
