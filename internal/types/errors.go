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

import "github.com/pkg/errors"

// Sentinel errors surfaced to RPC callers as response codes. See
// spec.md section 7 for the propagation policy: no internal retries,
// errors bubble straight to the caller.
var (
	// ErrNotFound is returned when a subkey or task is missing.
	ErrNotFound = errors.New("not found")

	// ErrConsumerMismatch is returned when a handle exists but is
	// currently owned by a different consumer.
	ErrConsumerMismatch = errors.New("consumer mismatch")

	// ErrNoCommittedOffset is returned when the reset policy is NONE
	// and no offset has ever been committed for the subscription.
	ErrNoCommittedOffset = errors.New("no committed offset")

	// ErrResourceExhaustion is returned when an allocation fails.
	ErrResourceExhaustion = errors.New("resource exhaustion")

	// ErrDecode is returned when an incoming RPC payload cannot be
	// decoded.
	ErrDecode = errors.New("decode error")

	// ErrDownstreamEjected names a downstream task reporting itself as
	// not ready. The recovery state machine does not return it: it
	// leaves the upstream task in WAIT_DOWNSTREAM instead.
	ErrDownstreamEjected = errors.New("downstream ejected")

	// ErrInvalidSubscribe is returned when a subscribe request would
	// create a handle with no owning consumer.
	ErrInvalidSubscribe = errors.New("invalid subscribe: no consumer")
)
