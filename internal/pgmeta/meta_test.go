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

package pgmeta

import (
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Exercising Open end-to-end needs a live Postgres, which isn't
// available in this test environment; these tests cover the pure
// Option plumbing instead.

func TestWithMaxConns(t *testing.T) {
	cfg, err := pgxpool.ParseConfig("postgres://user@localhost/db")
	if err != nil {
		t.Fatal(err)
	}
	WithMaxConns(7)(cfg)
	if cfg.MaxConns != 7 {
		t.Fatalf("want MaxConns 7, got %d", cfg.MaxConns)
	}
}

func TestWithConnectionLifetime(t *testing.T) {
	cfg, err := pgxpool.ParseConfig("postgres://user@localhost/db")
	if err != nil {
		t.Fatal(err)
	}
	WithConnectionLifetime(5 * time.Minute)(cfg)
	if cfg.MaxConnLifetime != 5*time.Minute {
		t.Fatalf("want MaxConnLifetime 5m, got %v", cfg.MaxConnLifetime)
	}
}
