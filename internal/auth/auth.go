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

// Package auth authenticates incoming consumer RPCs (SUBSCRIBE,
// POLL, OFFSET_COMMIT) by bearer token. Tokens are never stored in
// the clear; only their blake2b-256 digest is kept, and comparisons
// run in constant time.
package auth

import (
	"crypto/subtle"

	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"
)

// Authenticator decides whether a bearer token may proceed.
type Authenticator interface {
	Check(token string) bool
}

// allowAll accepts every request. Used when a Config disables
// authentication.
type allowAll struct{}

func (allowAll) Check(string) bool { return true }

// AllowAll returns an Authenticator that accepts every request,
// for Config.DisableAuth.
func AllowAll() Authenticator { return allowAll{} }

// TokenAuth accepts only bearer tokens whose digest is in its set.
type TokenAuth struct {
	digests map[[blake2b.Size256]byte]struct{}
}

// NewTokenAuth hashes and stores each of tokens. An empty token is
// rejected since it would otherwise match a caller that sent no
// bearer token at all.
func NewTokenAuth(tokens []string) (*TokenAuth, error) {
	if len(tokens) == 0 {
		return nil, errors.New("auth: at least one token is required")
	}
	t := &TokenAuth{digests: make(map[[blake2b.Size256]byte]struct{}, len(tokens))}
	for _, tok := range tokens {
		if tok == "" {
			return nil, errors.New("auth: empty token is not allowed")
		}
		t.digests[blake2b.Sum256([]byte(tok))] = struct{}{}
	}
	return t, nil
}

// Check reports whether token's digest is a member of the configured
// set. Each digest comparison is constant-time, but the loop returns
// at the first match, so the time taken still depends on where in the
// set a digest matches; that is an accepted tradeoff for a fixed,
// small, operator-configured token set rather than a per-user secret
// store.
func (t *TokenAuth) Check(token string) bool {
	if token == "" {
		return false
	}
	want := blake2b.Sum256([]byte(token))
	for have := range t.digests {
		if subtle.ConstantTimeCompare(have[:], want[:]) == 1 {
			return true
		}
	}
	return false
}

var (
	_ Authenticator = allowAll{}
	_ Authenticator = (*TokenAuth)(nil)
)
