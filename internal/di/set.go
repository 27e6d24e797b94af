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

//go:build wireinject
// +build wireinject

// Package di wires a Config into the collaborators a tq.Node needs
// that this repo itself provides (the metadata store and the
// consumer authenticator); the WAL, qexec, RPC transport, and stream
// hooks remain the caller's responsibility to supply, per spec.md
// section 1's external-collaborator boundary.
package di

import (
	"context"

	"github.com/google/wire"

	"github.com/PlanetApostle/tdengine-tq/internal/config"
)

// NewCollaborators builds a Collaborators from cfg. The returned
// cleanup func must be called once the caller is done with Meta.
func NewCollaborators(ctx context.Context, cfg *config.Config) (*Collaborators, func(), error) {
	panic(wire.Build(
		ProvideMeta,
		ProvideAuth,
		wire.Struct(new(Collaborators), "*"),
	))
}
