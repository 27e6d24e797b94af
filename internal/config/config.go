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

// Package config holds the user-visible configuration for running a
// tq node: where its metadata is persisted, how it authenticates
// incoming RPCs, and the RPC codec's compression threshold.
package config

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/PlanetApostle/tdengine-tq/internal/rpcwire"
)

// Config is bound to a pflag.FlagSet by Bind and validated by
// Preflight before use.
type Config struct {
	// MetaConn is a Postgres connection string for the durable
	// metadata store. Empty selects the in-memory store, for demos
	// and tests.
	MetaConn         string
	MetaSchema       string
	MetaPoolSize     int32
	MetaConnLifetime time.Duration

	BindAddr          string
	DisableAuth       bool
	AuthTokens        []string
	CompressThreshold int
}

// Bind registers flags on flags.
func (c *Config) Bind(flags *pflag.FlagSet) {
	flags.StringVar(
		&c.MetaConn,
		"metaConn",
		"",
		"a Postgres connection string for the metadata store; empty runs against an in-memory store")
	flags.StringVar(
		&c.MetaSchema,
		"metaSchema",
		"tq",
		"the Postgres schema the metadata store uses")
	flags.Int32Var(
		&c.MetaPoolSize,
		"metaPoolSize",
		16,
		"maximum number of connections to the metadata store")
	flags.DurationVar(
		&c.MetaConnLifetime,
		"metaConnLifetime",
		5*time.Minute,
		"maximum lifetime of a pooled metadata-store connection")
	flags.StringVar(
		&c.BindAddr,
		"bindAddr",
		":26258",
		"the network address to bind to")
	flags.BoolVar(
		&c.DisableAuth,
		"disableAuthentication",
		false,
		"disable authentication of incoming consumer requests; not recommended for production")
	flags.StringArrayVar(
		&c.AuthTokens,
		"authToken",
		nil,
		"a bearer token accepted from consumers; repeatable. Ignored if disableAuthentication is set")
	flags.IntVar(
		&c.CompressThreshold,
		"compressThreshold",
		rpcwire.DefaultCompressThreshold,
		"response body size, in bytes, above which the RPC codec compresses")
}

// Preflight validates the configuration and fills in any
// zero-valued fields whose default depends on another field.
func (c *Config) Preflight() error {
	if c.BindAddr == "" {
		return errors.New("bindAddr unset")
	}
	if c.MetaConn != "" && c.MetaSchema == "" {
		return errors.New("metaSchema unset")
	}
	if c.MetaPoolSize <= 0 {
		return errors.New("metaPoolSize must be positive")
	}
	if !c.DisableAuth && len(c.AuthTokens) == 0 {
		return errors.New("at least one authToken is required unless disableAuthentication is set")
	}
	if c.CompressThreshold <= 0 {
		c.CompressThreshold = rpcwire.DefaultCompressThreshold
	}
	return nil
}
