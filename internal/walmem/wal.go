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

// Package walmem is a reference in-memory implementation of
// types.WAL, used by tests, fixtures, and the demo server binary. A
// production node would instead bind the same interface to its real
// append-only log; this package exists so the TQ subsystem has
// something runnable behind that interface without depending on one.
//
// Stored record bytes are snappy-compressed, mirroring how Kafka
// clients in the retrieved example pack (franz-go) compress record
// batches before they hit the log; it keeps the encode/decode path
// exercised even though an in-memory test double has no real need for
// space savings.
package walmem

import (
	"context"
	"sync"

	"github.com/golang/snappy"
	"github.com/pkg/errors"

	"github.com/PlanetApostle/tdengine-tq/internal/types"
)

type storedRecord struct {
	kind       types.WALRecordKind
	compressed []byte
}

// WAL is an in-memory, append-only log with refcounted version pins.
type WAL struct {
	mu struct {
		sync.Mutex
		records  []storedRecord // index i holds version i+1
		refs     map[int64]int  // version -> pin count
		children map[int64][]int64
	}
}

// New returns an empty WAL.
func New() *WAL {
	w := &WAL{}
	w.mu.refs = make(map[int64]int)
	w.mu.children = make(map[int64][]int64)
	return w
}

// SetChildTables registers the child table UIDs returned by
// ChildTableUIDs for a given parent (super) table UID. Test-only.
func (w *WAL) SetChildTables(suid int64, children []int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.mu.children[suid] = children
}

// AppendSubmit appends a submit record and returns its version.
func (w *WAL) AppendSubmit(raw []byte) int64 {
	return w.append(types.WALRecordSubmit, raw)
}

// AppendMeta appends a metadata record and returns its version.
func (w *WAL) AppendMeta(raw []byte) int64 {
	return w.append(types.WALRecordMeta, raw)
}

func (w *WAL) append(kind types.WALRecordKind, raw []byte) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.mu.records = append(w.mu.records, storedRecord{kind: kind, compressed: snappy.Encode(nil, raw)})
	return int64(len(w.mu.records))
}

// RefCommittedVer pins the last committed (i.e. last appended)
// version.
func (w *WAL) RefCommittedVer(ctx context.Context) (types.WALRef, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	ver := int64(len(w.mu.records))
	w.mu.refs[ver]++
	return types.WALRef{Version: ver}, nil
}

// RefFirstVer pins version 1 (or 0 if the log is empty).
func (w *WAL) RefFirstVer(ctx context.Context) (types.WALRef, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	ver := int64(0)
	if len(w.mu.records) > 0 {
		ver = 1
	}
	w.mu.refs[ver]++
	return types.WALRef{Version: ver}, nil
}

// RefVer pins an explicit version.
func (w *WAL) RefVer(ctx context.Context, version int64) (types.WALRef, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.mu.refs[version]++
	return types.WALRef{Version: version}, nil
}

// CloseRef releases a previously obtained pin.
func (w *WAL) CloseRef(ref types.WALRef) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.mu.refs[ref.Version] > 0 {
		w.mu.refs[ref.Version]--
	}
}

// reader is the WALReader implementation for this package.
type reader struct {
	capacity int
}

func (r *reader) SetCapacity(n int) { r.capacity = n }

// OpenReader returns a new cursor into the log.
func (w *WAL) OpenReader(ctx context.Context) (types.WALReader, error) {
	return &reader{}, nil
}

// FetchLog reads the record at version, returning an error if it does
// not exist (the consumer should treat this as "not yet written").
func (w *WAL) FetchLog(ctx context.Context, r types.WALReader, version int64) (types.WALRecord, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if version < 1 || version > int64(len(w.mu.records)) {
		return types.WALRecord{}, errors.Errorf("walmem: no record at version %d", version)
	}
	sr := w.mu.records[version-1]
	raw, err := snappy.Decode(nil, sr.compressed)
	if err != nil {
		return types.WALRecord{}, errors.Wrap(err, "walmem: decompress record")
	}
	return types.WALRecord{Version: version, Kind: sr.kind, Raw: raw}, nil
}

// GetLastVer returns the version of the most recently appended
// record.
func (w *WAL) GetLastVer(ctx context.Context) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return int64(len(w.mu.records)), nil
}

// GetCommittedVer is an alias for GetLastVer in this in-memory
// implementation, since every append is immediately committed.
func (w *WAL) GetCommittedVer(ctx context.Context) (int64, error) {
	return w.GetLastVer(ctx)
}

// ChildTableUIDs returns the table UIDs registered via SetChildTables.
func (w *WAL) ChildTableUIDs(ctx context.Context, suid int64) ([]int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]int64(nil), w.mu.children[suid]...), nil
}

var _ types.WAL = (*WAL)(nil)
