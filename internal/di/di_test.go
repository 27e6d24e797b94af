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

package di_test

import (
	"context"
	"testing"

	"github.com/PlanetApostle/tdengine-tq/internal/config"
	"github.com/PlanetApostle/tdengine-tq/internal/di"
)

func TestNewCollaboratorsInMemory(t *testing.T) {
	cfg := &config.Config{DisableAuth: true}
	collab, cleanup, err := di.NewCollaborators(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer cleanup()
	if collab.Meta == nil {
		t.Fatal("want a non-nil in-memory Meta when MetaConn is empty")
	}
	if !collab.Auth.Check("anything") {
		t.Fatal("want AllowAll authenticator to accept any token when DisableAuth is set")
	}
}

func TestNewCollaboratorsTokenAuthRequiresTokens(t *testing.T) {
	cfg := &config.Config{}
	if _, _, err := di.NewCollaborators(context.Background(), cfg); err == nil {
		t.Fatal("want an error when auth is enabled but no tokens are configured")
	}
}
