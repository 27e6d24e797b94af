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

// PushEntry is a parked long-poll response awaiting a writer-side
// wake. At most one entry exists per Subkey (spec.md invariant 1).
type PushEntry struct {
	Subkey     Subkey
	RPCHandle  RPCHandle
	Partial    DataRsp // pre-filled envelope the writer path completes
	ConsumerID int64
	Epoch      int32
}
