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

package config

import (
	"testing"

	"github.com/spf13/pflag"
)

func TestPreflightDefaults(t *testing.T) {
	var c Config
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	c.Bind(flags)
	if err := flags.Parse([]string{"--disableAuthentication"}); err != nil {
		t.Fatal(err)
	}
	if err := c.Preflight(); err != nil {
		t.Fatalf("defaults with auth disabled should preflight cleanly: %v", err)
	}
	if c.CompressThreshold <= 0 {
		t.Fatal("want a positive default compress threshold")
	}
}

func TestPreflightRejectsEmptyBindAddr(t *testing.T) {
	c := Config{MetaPoolSize: 1, CompressThreshold: 4096}
	if err := c.Preflight(); err == nil {
		t.Fatal("want an error for an empty bindAddr")
	}
}

func TestPreflightRejectsMetaConnWithoutSchema(t *testing.T) {
	c := Config{BindAddr: ":1234", MetaPoolSize: 1, CompressThreshold: 4096, MetaConn: "postgres://x"}
	if err := c.Preflight(); err == nil {
		t.Fatal("want an error for metaConn set without metaSchema")
	}
}

func TestPreflightRejectsNonPositivePoolSize(t *testing.T) {
	c := Config{BindAddr: ":1234", CompressThreshold: 4096}
	if err := c.Preflight(); err == nil {
		t.Fatal("want an error for a non-positive pool size")
	}
}
