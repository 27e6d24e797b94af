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
	"encoding/hex"

	"github.com/pkg/errors"
)

// MaxSubkeyLen is the upper bound on the number of bytes that make up
// a Subkey, per spec.md section 3 ("an opaque short byte string (<= N
// bytes)").
const MaxSubkeyLen = 32

// Subkey uniquely identifies a (topic, consumer-group) pair within a
// partition. It is the primary key of the offset store, the
// check-info table, and the handle registry. Subkey is a fixed-size,
// comparable value so it can be used directly as a map key without
// boxing a []byte.
type Subkey struct {
	len  uint8
	data [MaxSubkeyLen]byte
}

// NewSubkey validates and wraps raw bytes as a Subkey.
func NewSubkey(raw []byte) (Subkey, error) {
	var sk Subkey
	if len(raw) == 0 {
		return sk, errors.New("subkey must not be empty")
	}
	if len(raw) > MaxSubkeyLen {
		return sk, errors.Errorf("subkey exceeds %d bytes", MaxSubkeyLen)
	}
	sk.len = uint8(len(raw))
	copy(sk.data[:], raw)
	return sk, nil
}

// Bytes returns the underlying byte slice. The caller must not
// retain or mutate the returned slice across calls.
func (s Subkey) Bytes() []byte {
	return s.data[:s.len]
}

// String renders the subkey as a hex string for logging.
func (s Subkey) String() string {
	return hex.EncodeToString(s.Bytes())
}

// IsZero reports whether the Subkey was never assigned a value.
func (s Subkey) IsZero() bool {
	return s.len == 0
}
