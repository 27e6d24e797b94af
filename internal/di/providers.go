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

package di

import (
	"context"

	"github.com/PlanetApostle/tdengine-tq/internal/auth"
	"github.com/PlanetApostle/tdengine-tq/internal/config"
	"github.com/PlanetApostle/tdengine-tq/internal/metamem"
	"github.com/PlanetApostle/tdengine-tq/internal/pgmeta"
	"github.com/PlanetApostle/tdengine-tq/internal/types"
)

// Collaborators bundles the repo-owned pieces a binary needs before
// it can call tq.New.
type Collaborators struct {
	Meta types.Meta
	Auth auth.Authenticator
}

// ProvideMeta selects the durable pgmeta store when cfg.MetaConn is
// set, otherwise an in-memory store suitable for demos and tests.
func ProvideMeta(ctx context.Context, cfg *config.Config) (types.Meta, func(), error) {
	if cfg.MetaConn == "" {
		return metamem.New(), func() {}, nil
	}
	m, cleanup, err := pgmeta.Open(ctx, cfg.MetaConn, cfg.MetaSchema,
		pgmeta.WithMaxConns(cfg.MetaPoolSize),
		pgmeta.WithConnectionLifetime(cfg.MetaConnLifetime))
	if err != nil {
		return nil, nil, err
	}
	return m, cleanup, nil
}

// ProvideAuth selects the no-op authenticator when disabled, otherwise
// a bearer-token authenticator over cfg.AuthTokens.
func ProvideAuth(cfg *config.Config) (auth.Authenticator, error) {
	if cfg.DisableAuth {
		return auth.AllowAll(), nil
	}
	return auth.NewTokenAuth(cfg.AuthTokens)
}
