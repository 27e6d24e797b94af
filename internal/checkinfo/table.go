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

// Package checkinfo implements the check-info table described in
// spec.md section 4.B: a per-topic list of columns forbidden from
// schema change, because a subscription's compiled execution plan
// depends on them.
package checkinfo

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/PlanetApostle/tdengine-tq/internal/types"
)

// Table is the check-info table (component B). Correct behavior under
// concurrent mutation is not required: per spec.md section 4.B,
// schema alters are single-threaded per partition, so a plain mutex
// (rather than the pushLock shared by the handle registry) is enough.
type Table struct {
	meta types.Meta

	mu struct {
		sync.Mutex
		byTopic map[string]types.CheckInfo
	}
}

// New builds a Table backed by the given metadata collaborator.
func New(meta types.Meta) *Table {
	t := &Table{meta: meta}
	t.mu.byTopic = make(map[string]types.CheckInfo)
	return t
}

// Restore repopulates the table from the metadata store. Intended to
// be called once during Node.Open.
func (t *Table) Restore(ctx context.Context) error {
	rows, err := t.meta.LoadCheckInfo(ctx)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ci := range rows {
		t.mu.byTopic[ci.Topic] = ci
	}
	return nil
}

// Add inserts or replaces the CheckInfo for a topic, persisting via
// meta.
func (t *Table) Add(ctx context.Context, ci types.CheckInfo) error {
	if err := t.meta.SaveCheckInfo(ctx, ci); err != nil {
		return err
	}
	t.mu.Lock()
	t.mu.byTopic[ci.Topic] = ci
	t.mu.Unlock()
	return nil
}

// Delete removes the CheckInfo for a topic, persisting via meta. A
// missing topic is not an error, and a failed meta delete is logged
// only, matching the tolerant cleanup style used throughout this
// module.
func (t *Table) Delete(ctx context.Context, topic string) error {
	t.mu.Lock()
	delete(t.mu.byTopic, topic)
	t.mu.Unlock()

	if err := t.meta.DeleteCheckInfo(ctx, topic); err != nil {
		log.WithError(err).WithField("topic", topic).Warn("checkinfo: delete from meta failed")
	}
	return nil
}

// CheckColumnModifiable scans every entry whose TableUID matches and
// reports whether colID is forbidden anywhere. When it is, the
// offending topic is also returned so a caller can log which
// subscription blocked the alter (see SPEC_FULL.md's supplemented
// features, grounded on tq.c's tqCheckColModifiable).
func (t *Table) CheckColumnModifiable(tableUID, colID int64) (ok bool, conflictingTopic string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ci := range t.mu.byTopic {
		if ci.TableUID != tableUID {
			continue
		}
		if ci.Forbids(colID) {
			return false, ci.Topic
		}
	}
	return true, ""
}
