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

// Package offsetstore implements the durable subkey -> offset mapping
// described in spec.md section 4.A, with a write-through in-memory
// cache fronting the metadata store.
package offsetstore

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/PlanetApostle/tdengine-tq/internal/types"
)

// Store is the offset store (component A). The zero value is not
// usable; construct with New.
type Store struct {
	meta types.Meta

	mu struct {
		sync.RWMutex
		cache map[types.Subkey]types.Offset
	}
}

// New builds a Store backed by the given metadata collaborator.
func New(meta types.Meta) *Store {
	s := &Store{meta: meta}
	s.mu.cache = make(map[types.Subkey]types.Offset)
	return s
}

// Read returns the stored offset for subkey, if any.
func (s *Store) Read(ctx context.Context, subkey types.Subkey) (types.Offset, bool, error) {
	s.mu.RLock()
	if off, ok := s.mu.cache[subkey]; ok {
		s.mu.RUnlock()
		return off, true, nil
	}
	s.mu.RUnlock()

	off, ok, err := s.meta.ReadOffset(ctx, subkey)
	if err != nil {
		storeErrors.WithLabelValues("read").Inc()
		return types.Offset{}, false, errors.Wrap(err, "offsetstore: read from meta")
	}
	if ok {
		s.mu.Lock()
		s.mu.cache[subkey] = off
		s.mu.Unlock()
	}
	return off, ok, nil
}

// Write overwrites the stored offset for subkey iff the incoming
// offset is strictly greater by the monotone rule in spec.md section
// 3: LOG offsets compare by version, anything else always replaces a
// missing entry but never regresses one that is already LOG-typed.
// The no-op case is not an error; Write always returns nil unless the
// metadata store itself failed.
func (s *Store) Write(ctx context.Context, subkey types.Subkey, off types.Offset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, exists := s.mu.cache[subkey]
	if !exists {
		var err error
		cur, exists, err = s.readLocked(ctx, subkey)
		if err != nil {
			return err
		}
	}

	if exists {
		if cmp, cmpErr := cur.Compare(off); (cmpErr == nil && cmp >= 0) || (cmpErr != nil && cur.Kind == types.OffsetLog) {
			commitIgnored.Inc()
			log.WithFields(log.Fields{
				"subkey":   subkey,
				"current":  cur,
				"proposed": off,
			}).Trace("offsetstore: ignoring non-advancing commit")
			return nil
		}
	}

	if err := s.meta.WriteOffset(ctx, subkey, off); err != nil {
		storeErrors.WithLabelValues("write").Inc()
		return errors.Wrap(err, "offsetstore: write to meta")
	}
	s.mu.cache[subkey] = off
	commitAccepted.Inc()
	return nil
}

// readLocked reads through to meta while mu is already held for
// writing.
func (s *Store) readLocked(ctx context.Context, subkey types.Subkey) (types.Offset, bool, error) {
	off, ok, err := s.meta.ReadOffset(ctx, subkey)
	if err != nil {
		storeErrors.WithLabelValues("read").Inc()
		return types.Offset{}, false, errors.Wrap(err, "offsetstore: read from meta")
	}
	return off, ok, nil
}

// ApplyCommit implements the commit-boundary bump rule from spec.md
// section 4.A: if the committed offset's version equals
// systemVersion-1, it is bumped by one before being handed to Write,
// reflecting that the committing transaction itself has now been
// applied. This is the only place offset mutation is not a straight
// copy (DESIGN NOTES section 9, item iv).
func (s *Store) ApplyCommit(ctx context.Context, subkey types.Subkey, off types.Offset, systemVersion int64) error {
	if off.Kind == types.OffsetLog && off.Version == systemVersion-1 {
		commitBumped.Inc()
		off.Version++
	}
	return s.Write(ctx, subkey, off)
}

// Delete removes subkey from the cache and the backing store. A
// missing key in the cache is not an error; a missing row in meta is
// propagated as informational only (logged, not returned), per
// spec.md section 4.A.
func (s *Store) Delete(ctx context.Context, subkey types.Subkey) error {
	s.mu.Lock()
	delete(s.mu.cache, subkey)
	s.mu.Unlock()

	if err := s.meta.DeleteOffset(ctx, subkey); err != nil {
		log.WithError(err).WithField("subkey", subkey).Warn("offsetstore: delete from meta failed")
	}
	return nil
}
