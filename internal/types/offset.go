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

package types

import (
	"fmt"

	"github.com/pkg/errors"
)

// OffsetKind enumerates the variants an Offset can take. See spec.md
// section 3.
type OffsetKind int

const (
	// OffsetLog is a concrete position in the WAL.
	OffsetLog OffsetKind = iota
	// OffsetSnapshotData is a (uid, ts) cursor into pre-log table data.
	OffsetSnapshotData
	// OffsetSnapshotMeta is a uid cursor into pre-log metadata.
	OffsetSnapshotMeta
	// OffsetResetEarliest is the "start from the beginning" reset hint.
	OffsetResetEarliest
	// OffsetResetLatest is the "start from the end" reset hint.
	OffsetResetLatest
	// OffsetResetNone rejects the poll unless an offset is already committed.
	OffsetResetNone
)

func (k OffsetKind) String() string {
	switch k {
	case OffsetLog:
		return "LOG"
	case OffsetSnapshotData:
		return "SNAPSHOT_DATA"
	case OffsetSnapshotMeta:
		return "SNAPSHOT_META"
	case OffsetResetEarliest:
		return "RESET_EARLIEST"
	case OffsetResetLatest:
		return "RESET_LATEST"
	case OffsetResetNone:
		return "RESET_NONE"
	default:
		return fmt.Sprintf("OffsetKind(%d)", int(k))
	}
}

// Offset is a committed or requested position within a subscription's
// stream, per spec.md section 3.
type Offset struct {
	Kind    OffsetKind
	Version int64 // valid for OffsetLog
	UID     int64 // valid for OffsetSnapshotData/Meta
	TS      int64 // valid for OffsetSnapshotData
}

// LogOffset builds a concrete LOG offset.
func LogOffset(version int64) Offset { return Offset{Kind: OffsetLog, Version: version} }

// SnapshotDataOffset builds a SNAPSHOT_DATA offset.
func SnapshotDataOffset(uid, ts int64) Offset {
	return Offset{Kind: OffsetSnapshotData, UID: uid, TS: ts}
}

// SnapshotMetaOffset builds a SNAPSHOT_META offset.
func SnapshotMetaOffset(uid int64) Offset {
	return Offset{Kind: OffsetSnapshotMeta, UID: uid}
}

// IsConcrete reports whether the offset names an actual position
// (LOG or SNAPSHOT_*), as opposed to a reset hint.
func (o Offset) IsConcrete() bool {
	switch o.Kind {
	case OffsetLog, OffsetSnapshotData, OffsetSnapshotMeta:
		return true
	default:
		return false
	}
}

func (o Offset) String() string {
	switch o.Kind {
	case OffsetLog:
		return fmt.Sprintf("LOG(%d)", o.Version)
	case OffsetSnapshotData:
		return fmt.Sprintf("SNAPSHOT_DATA(%d,%d)", o.UID, o.TS)
	case OffsetSnapshotMeta:
		return fmt.Sprintf("SNAPSHOT_META(%d)", o.UID)
	default:
		return o.Kind.String()
	}
}

// ErrNotComparable is returned by Compare when the two offsets are
// not both LOG offsets. Per spec.md section 3, offsets are only
// ordered when both operands are LOG-typed; comparing anything else
// is always a caller bug in this codebase, never a runtime condition
// a poll needs to react to.
var ErrNotComparable = errors.New("offsets are not comparable")

// Compare returns -1, 0, or 1 if o is less than, equal to, or greater
// than other. Both offsets must be OffsetLog, or Compare returns
// ErrNotComparable.
func (o Offset) Compare(other Offset) (int, error) {
	if o.Kind != OffsetLog || other.Kind != OffsetLog {
		return 0, ErrNotComparable
	}
	switch {
	case o.Version < other.Version:
		return -1, nil
	case o.Version > other.Version:
		return 1, nil
	default:
		return 0, nil
	}
}
