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

// Package timerwheel is the one shared delayed-callback facility a
// node creates on start and tears down on stop, used by the stream
// coordinator to schedule retriggers of tasks that set up a timed
// execution. It stands in for the C core's taosTmrInit/taosTmrReset
// timer, which every subsystem on the node shares rather than each
// owning its own timer thread.
package timerwheel

import (
	"sync"
	"time"
)

// Wheel hands out cancelable, one-shot delayed callbacks. The zero
// value is not usable; construct with New.
type Wheel struct {
	mu struct {
		sync.Mutex
		closed bool
		nextID int64
		timers map[int64]*time.Timer
	}
}

// New starts a Wheel. Callers must Close it when done.
func New() *Wheel {
	w := &Wheel{}
	w.mu.timers = make(map[int64]*time.Timer)
	return w
}

// Schedule arranges for fn to run after d elapses, returning an id
// that can be passed to Cancel. Scheduling after Close reports
// ok=false and never runs fn.
func (w *Wheel) Schedule(d time.Duration, fn func()) (id int64, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.mu.closed {
		return 0, false
	}

	w.mu.nextID++
	id = w.mu.nextID
	w.mu.timers[id] = time.AfterFunc(d, func() {
		w.mu.Lock()
		_, stillPending := w.mu.timers[id]
		delete(w.mu.timers, id)
		w.mu.Unlock()
		if stillPending {
			fn()
		}
	})
	return id, true
}

// Cancel prevents a previously scheduled callback from firing, if it
// has not already fired.
func (w *Wheel) Cancel(id int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.mu.timers[id]; ok {
		t.Stop()
		delete(w.mu.timers, id)
	}
}

// Close stops every pending callback and marks the wheel unusable for
// further scheduling.
func (w *Wheel) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, t := range w.mu.timers {
		t.Stop()
	}
	w.mu.timers = make(map[int64]*time.Timer)
	w.mu.closed = true
}
