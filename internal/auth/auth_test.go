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

package auth

import "testing"

func TestAllowAllAcceptsAnything(t *testing.T) {
	a := AllowAll()
	if !a.Check("") {
		t.Fatal("AllowAll should accept an empty token")
	}
	if !a.Check("whatever") {
		t.Fatal("AllowAll should accept any token")
	}
}

func TestTokenAuthAcceptsKnownTokens(t *testing.T) {
	a, err := NewTokenAuth([]string{"alpha", "beta"})
	if err != nil {
		t.Fatal(err)
	}
	if !a.Check("alpha") {
		t.Fatal("want alpha accepted")
	}
	if !a.Check("beta") {
		t.Fatal("want beta accepted")
	}
	if a.Check("gamma") {
		t.Fatal("want an unknown token rejected")
	}
	if a.Check("") {
		t.Fatal("want an empty token rejected")
	}
}

func TestNewTokenAuthRejectsEmptyConfiguration(t *testing.T) {
	if _, err := NewTokenAuth(nil); err == nil {
		t.Fatal("want an error for an empty token list")
	}
	if _, err := NewTokenAuth([]string{""}); err == nil {
		t.Fatal("want an error for an empty token string")
	}
}
