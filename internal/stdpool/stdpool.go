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

// Package stdpool opens the standard-library *sql.DB connections that
// cmd/tqexport mirrors rows into. It carries forward the ping-retry
// discipline the node's own metadata pool uses (see internal/pgmeta),
// adapted here for the two wire sinks tqexport supports.
package stdpool

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/go-sql-driver/mysql" // register driver
	_ "github.com/lib/pq"              // register driver
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// pingRetryInterval is how long OpenXxxAsSink waits between failed
// pings while the target database is still starting up.
const pingRetryInterval = 2 * time.Second

// OpenPostgresAsSink opens a lib/pq connection to a Postgres- or
// Redshift-wire sink, retrying the initial ping until ctx is done.
func OpenPostgresAsSink(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "stdpool: open postgres sink")
	}
	if err := pingWithRetry(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// OpenMySQLAsSink opens a go-sql-driver/mysql connection to a MySQL
// sink, retrying the initial ping until ctx is done.
func OpenMySQLAsSink(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "stdpool: open mysql sink")
	}
	if err := pingWithRetry(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func pingWithRetry(ctx context.Context, db *sql.DB) error {
ping:
	if err := db.PingContext(ctx); err != nil {
		log.WithError(err).Info("stdpool: waiting for sink database to become ready")
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "stdpool: gave up waiting for sink database")
		case <-time.After(pingRetryInterval):
			goto ping
		}
	}
	return nil
}
