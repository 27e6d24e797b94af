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

// Package pgmeta is the durable, Postgres-backed implementation of
// types.Meta. It stores handles, check-infos, offsets, and stream
// tasks in four tables within a configurable schema, reusing the
// connection pool across all of them the way the host node shares one
// metadata store across every partition's worth of tq state.
package pgmeta

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/PlanetApostle/tdengine-tq/internal/types"
)

// Meta is a pgxpool-backed types.Meta. The zero value is not usable;
// construct with Open.
type Meta struct {
	pool   *pgxpool.Pool
	schema string
}

// Option configures a pool opened by Open.
type Option func(*pgxpool.Config)

// WithMaxConns bounds the pool's connection count.
func WithMaxConns(n int32) Option {
	return func(cfg *pgxpool.Config) { cfg.MaxConns = n }
}

// WithConnectionLifetime caps how long a pooled connection is reused
// before being recycled, mirroring the teacher's
// stdpool.WithConnectionLifetime.
func WithConnectionLifetime(d time.Duration) Option {
	return func(cfg *pgxpool.Config) { cfg.MaxConnLifetime = d }
}

// Open connects to Postgres and ensures the metadata schema exists.
// The returned cancel func closes the pool; callers should defer it.
func Open(ctx context.Context, connString string, schema string, opts ...Option) (*Meta, func(), error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, nil, errors.Wrap(err, "pgmeta: parse connection string")
	}
	for _, opt := range opts {
		opt(cfg)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, nil, errors.Wrap(err, "pgmeta: create pool")
	}

	m := &Meta{pool: pool, schema: schema}

ping:
	if err := pool.Ping(ctx); err != nil {
		select {
		case <-ctx.Done():
			pool.Close()
			return nil, nil, errors.Wrap(ctx.Err(), "pgmeta: waiting for database to become ready")
		case <-time.After(time.Second):
			log.WithError(err).Info("pgmeta: waiting for database to become ready")
			goto ping
		}
	}

	if err := m.createSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}

	return m, pool.Close, nil
}

// wrapErr records a query-error metric keyed by table when err is
// non-nil, then wraps it the usual way.
func (m *Meta) wrapErr(table string, err error, msg string) error {
	if err != nil {
		queryErrors.WithLabelValues(table).Inc()
	}
	return errors.Wrap(err, msg)
}

func (m *Meta) createSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + m.schema,
		`CREATE TABLE IF NOT EXISTS ` + m.schema + `.handles (
			subkey BYTEA PRIMARY KEY,
			consumer_id BIGINT NOT NULL,
			sub_type INT NOT NULL,
			fetch_meta BOOLEAN NOT NULL,
			snapshot_ver BIGINT NOT NULL,
			epoch INT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ` + m.schema + `.check_infos (
			topic TEXT PRIMARY KEY,
			table_uid BIGINT NOT NULL,
			forbidden_column_ids JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ` + m.schema + `.offsets (
			subkey BYTEA PRIMARY KEY,
			kind INT NOT NULL,
			version BIGINT NOT NULL,
			uid BIGINT NOT NULL,
			ts BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ` + m.schema + `.stream_tasks (
			task_id BIGINT PRIMARY KEY,
			level INT NOT NULL,
			status INT NOT NULL,
			start_ver BIGINT NOT NULL,
			fill_history BOOLEAN NOT NULL,
			sink_type TEXT NOT NULL,
			downstream JSONB NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := m.pool.Exec(ctx, stmt); err != nil {
			return errors.Wrapf(err, "pgmeta: create schema object")
		}
	}
	return nil
}

func (m *Meta) SaveHandle(ctx context.Context, h *types.Handle) error {
	_, err := m.pool.Exec(ctx, `
		INSERT INTO `+m.schema+`.handles (subkey, consumer_id, sub_type, fetch_meta, snapshot_ver, epoch)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (subkey) DO UPDATE SET
			consumer_id = EXCLUDED.consumer_id,
			sub_type = EXCLUDED.sub_type,
			fetch_meta = EXCLUDED.fetch_meta,
			snapshot_ver = EXCLUDED.snapshot_ver,
			epoch = EXCLUDED.epoch
	`, h.Subkey.Bytes(), h.ConsumerID, int(h.SubType), h.FetchMeta, h.SnapshotVer, h.LoadEpoch())
	return m.wrapErr("handles", err, "pgmeta: save handle")
}

func (m *Meta) DeleteHandle(ctx context.Context, subkey types.Subkey) error {
	_, err := m.pool.Exec(ctx, `DELETE FROM `+m.schema+`.handles WHERE subkey = $1`, subkey.Bytes())
	return m.wrapErr("handles", err, "pgmeta: delete handle")
}

// LoadHandles returns every persisted handle. Execution pipelines are
// never persisted; the caller (Node.Open, via the handle registry's
// Restore) is responsible for recompiling them on first use, the same
// way a rebalance forces recompilation.
func (m *Meta) LoadHandles(ctx context.Context) ([]*types.Handle, error) {
	rows, err := m.pool.Query(ctx, `SELECT subkey, consumer_id, sub_type, fetch_meta, snapshot_ver, epoch FROM `+m.schema+`.handles`)
	if err != nil {
		return nil, m.wrapErr("handles", err, "pgmeta: load handles")
	}
	defer rows.Close()

	var out []*types.Handle
	for rows.Next() {
		var (
			subkeyBytes []byte
			consumerID  int64
			subType     int
			fetchMeta   bool
			snapshotVer int64
			epoch       int32
		)
		if err := rows.Scan(&subkeyBytes, &consumerID, &subType, &fetchMeta, &snapshotVer, &epoch); err != nil {
			return nil, errors.Wrap(err, "pgmeta: scan handle row")
		}
		subkey, err := types.NewSubkey(subkeyBytes)
		if err != nil {
			return nil, errors.Wrap(err, "pgmeta: decode persisted subkey")
		}
		h := &types.Handle{
			Subkey:      subkey,
			ConsumerID:  consumerID,
			SubType:     types.SubType(subType),
			FetchMeta:   fetchMeta,
			SnapshotVer: snapshotVer,
		}
		h.AdvanceEpoch(epoch)
		out = append(out, h)
	}
	return out, m.wrapErr("handles", rows.Err(), "pgmeta: iterate handle rows")
}

func (m *Meta) SaveCheckInfo(ctx context.Context, ci types.CheckInfo) error {
	ids, err := json.Marshal(ci.ForbiddenColumnIDs)
	if err != nil {
		return errors.Wrap(err, "pgmeta: encode forbidden column ids")
	}
	_, err = m.pool.Exec(ctx, `
		INSERT INTO `+m.schema+`.check_infos (topic, table_uid, forbidden_column_ids)
		VALUES ($1, $2, $3)
		ON CONFLICT (topic) DO UPDATE SET
			table_uid = EXCLUDED.table_uid,
			forbidden_column_ids = EXCLUDED.forbidden_column_ids
	`, ci.Topic, ci.TableUID, ids)
	return m.wrapErr("check_infos", err, "pgmeta: save check-info")
}

func (m *Meta) DeleteCheckInfo(ctx context.Context, topic string) error {
	_, err := m.pool.Exec(ctx, `DELETE FROM `+m.schema+`.check_infos WHERE topic = $1`, topic)
	return m.wrapErr("check_infos", err, "pgmeta: delete check-info")
}

func (m *Meta) LoadCheckInfo(ctx context.Context) ([]types.CheckInfo, error) {
	rows, err := m.pool.Query(ctx, `SELECT topic, table_uid, forbidden_column_ids FROM `+m.schema+`.check_infos`)
	if err != nil {
		return nil, m.wrapErr("check_infos", err, "pgmeta: load check-infos")
	}
	defer rows.Close()

	var out []types.CheckInfo
	for rows.Next() {
		var (
			ci  types.CheckInfo
			ids []byte
		)
		if err := rows.Scan(&ci.Topic, &ci.TableUID, &ids); err != nil {
			return nil, errors.Wrap(err, "pgmeta: scan check-info row")
		}
		if err := json.Unmarshal(ids, &ci.ForbiddenColumnIDs); err != nil {
			return nil, errors.Wrap(err, "pgmeta: decode forbidden column ids")
		}
		out = append(out, ci)
	}
	return out, m.wrapErr("check_infos", rows.Err(), "pgmeta: iterate check-info rows")
}

func (m *Meta) ReadOffset(ctx context.Context, subkey types.Subkey) (types.Offset, bool, error) {
	var off types.Offset
	var kind int
	err := m.pool.QueryRow(ctx, `SELECT kind, version, uid, ts FROM `+m.schema+`.offsets WHERE subkey = $1`, subkey.Bytes()).
		Scan(&kind, &off.Version, &off.UID, &off.TS)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Offset{}, false, nil
	}
	if err != nil {
		return types.Offset{}, false, m.wrapErr("offsets", err, "pgmeta: read offset")
	}
	off.Kind = types.OffsetKind(kind)
	return off, true, nil
}

func (m *Meta) WriteOffset(ctx context.Context, subkey types.Subkey, off types.Offset) error {
	_, err := m.pool.Exec(ctx, `
		INSERT INTO `+m.schema+`.offsets (subkey, kind, version, uid, ts)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (subkey) DO UPDATE SET
			kind = EXCLUDED.kind,
			version = EXCLUDED.version,
			uid = EXCLUDED.uid,
			ts = EXCLUDED.ts
	`, subkey.Bytes(), int(off.Kind), off.Version, off.UID, off.TS)
	return m.wrapErr("offsets", err, "pgmeta: write offset")
}

func (m *Meta) DeleteOffset(ctx context.Context, subkey types.Subkey) error {
	_, err := m.pool.Exec(ctx, `DELETE FROM `+m.schema+`.offsets WHERE subkey = $1`, subkey.Bytes())
	return m.wrapErr("offsets", err, "pgmeta: delete offset")
}

// SaveStreamTask persists a task's durable fields, including its
// current recovery-state-machine status. The in-memory-only fields
// (InputQueue, OutputQueue, Exec, the refcount) are reconstructed by
// the stream registry on restore, not persisted here.
func (m *Meta) SaveStreamTask(ctx context.Context, t *types.StreamTask) error {
	downstream, err := json.Marshal(t.Downstream)
	if err != nil {
		return errors.Wrap(err, "pgmeta: encode downstream task ids")
	}
	_, err = m.pool.Exec(ctx, `
		INSERT INTO `+m.schema+`.stream_tasks (task_id, level, status, start_ver, fill_history, sink_type, downstream)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (task_id) DO UPDATE SET
			level = EXCLUDED.level,
			status = EXCLUDED.status,
			start_ver = EXCLUDED.start_ver,
			fill_history = EXCLUDED.fill_history,
			sink_type = EXCLUDED.sink_type,
			downstream = EXCLUDED.downstream
	`, t.TaskID, int(t.Level), int(t.Status()), t.StartVer, t.FillHistory, t.SinkType, downstream)
	return m.wrapErr("stream_tasks", err, "pgmeta: save stream task")
}

func (m *Meta) DeleteStreamTask(ctx context.Context, taskID int64) error {
	_, err := m.pool.Exec(ctx, `DELETE FROM `+m.schema+`.stream_tasks WHERE task_id = $1`, taskID)
	return m.wrapErr("stream_tasks", err, "pgmeta: delete stream task")
}

func (m *Meta) LoadStreamTasks(ctx context.Context) ([]*types.StreamTask, error) {
	rows, err := m.pool.Query(ctx, `SELECT task_id, level, status, start_ver, fill_history, sink_type, downstream FROM `+m.schema+`.stream_tasks`)
	if err != nil {
		return nil, m.wrapErr("stream_tasks", err, "pgmeta: load stream tasks")
	}
	defer rows.Close()

	var out []*types.StreamTask
	for rows.Next() {
		t := &types.StreamTask{}
		var (
			level      int
			status     int
			downstream []byte
		)
		if err := rows.Scan(&t.TaskID, &level, &status, &t.StartVer, &t.FillHistory, &t.SinkType, &downstream); err != nil {
			return nil, errors.Wrap(err, "pgmeta: scan stream task row")
		}
		t.Level = types.TaskLevel(level)
		if err := json.Unmarshal(downstream, &t.Downstream); err != nil {
			return nil, errors.Wrap(err, "pgmeta: decode downstream task ids")
		}
		t.SetStatus(types.TaskStatus(status))
		out = append(out, t)
	}
	return out, m.wrapErr("stream_tasks", rows.Err(), "pgmeta: iterate stream task rows")
}

var _ types.Meta = (*Meta)(nil)
