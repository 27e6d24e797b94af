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

// Package metamem is a process-local implementation of types.Meta,
// used by tests and by the demo server binary when started without a
// Postgres DSN (see internal/pgmeta for the durable implementation).
package metamem

import (
	"context"
	"sync"

	"github.com/PlanetApostle/tdengine-tq/internal/types"
)

// Meta is an in-memory, mutex-guarded types.Meta.
type Meta struct {
	mu struct {
		sync.Mutex
		handles    map[types.Subkey]*types.Handle
		checkInfos map[string]types.CheckInfo
		offsets    map[types.Subkey]types.Offset
		tasks      map[int64]*types.StreamTask
	}
}

// New returns an empty Meta.
func New() *Meta {
	m := &Meta{}
	m.mu.handles = make(map[types.Subkey]*types.Handle)
	m.mu.checkInfos = make(map[string]types.CheckInfo)
	m.mu.offsets = make(map[types.Subkey]types.Offset)
	m.mu.tasks = make(map[int64]*types.StreamTask)
	return m
}

func (m *Meta) SaveHandle(ctx context.Context, h *types.Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *h
	m.mu.handles[h.Subkey] = &cp
	return nil
}

func (m *Meta) DeleteHandle(ctx context.Context, subkey types.Subkey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.mu.handles, subkey)
	return nil
}

func (m *Meta) LoadHandles(ctx context.Context) ([]*types.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.Handle, 0, len(m.mu.handles))
	for _, h := range m.mu.handles {
		cp := *h
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Meta) SaveCheckInfo(ctx context.Context, ci types.CheckInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mu.checkInfos[ci.Topic] = ci
	return nil
}

func (m *Meta) DeleteCheckInfo(ctx context.Context, topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.mu.checkInfos, topic)
	return nil
}

func (m *Meta) LoadCheckInfo(ctx context.Context) ([]types.CheckInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.CheckInfo, 0, len(m.mu.checkInfos))
	for _, ci := range m.mu.checkInfos {
		out = append(out, ci)
	}
	return out, nil
}

func (m *Meta) ReadOffset(ctx context.Context, subkey types.Subkey) (types.Offset, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	off, ok := m.mu.offsets[subkey]
	return off, ok, nil
}

func (m *Meta) WriteOffset(ctx context.Context, subkey types.Subkey, off types.Offset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mu.offsets[subkey] = off
	return nil
}

func (m *Meta) DeleteOffset(ctx context.Context, subkey types.Subkey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.mu.offsets, subkey)
	return nil
}

func (m *Meta) SaveStreamTask(ctx context.Context, t *types.StreamTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mu.tasks[t.TaskID] = t
	return nil
}

func (m *Meta) DeleteStreamTask(ctx context.Context, taskID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.mu.tasks, taskID)
	return nil
}

func (m *Meta) LoadStreamTasks(ctx context.Context) ([]*types.StreamTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.StreamTask, 0, len(m.mu.tasks))
	for _, t := range m.mu.tasks {
		out = append(out, t)
	}
	return out, nil
}

var _ types.Meta = (*Meta)(nil)
