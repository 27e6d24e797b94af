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

// Command tqexport is a standalone consumer-group client: it
// subscribes to a single-topic COLUMN subscription against an
// in-process tq.Node, long-polls it, and mirrors every row it
// receives into a Postgres/Redshift or MySQL sink table, adapted from
// the original cdc-sink-redshift demo's Sink.upsertRow/deleteRow
// (sink.go) onto tq's DataRsp rows instead of an HTTP NDJSON body.
// WAL input is read as newline-delimited JSON from stdin, one row per
// line: {"key":{"col":"val",...},"after":{"col":"val",...}} for an
// upsert, or "after" omitted/null for a delete.
package main

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/PlanetApostle/tdengine-tq/internal/metamem"
	"github.com/PlanetApostle/tdengine-tq/internal/rpcwire"
	"github.com/PlanetApostle/tdengine-tq/internal/stdpool"
	"github.com/PlanetApostle/tdengine-tq/internal/tq"
	"github.com/PlanetApostle/tdengine-tq/internal/types"
	"github.com/PlanetApostle/tdengine-tq/internal/walmem"
)

func main() {
	if err := run(); err != nil {
		log.WithError(err).Fatal("tqexport")
	}
}

func run() error {
	var (
		sinkKind   = pflag.String("sink", "postgres", "sink database kind: postgres or mysql")
		sinkDSN    = pflag.String("sinkDSN", "", "connection string for the sink database")
		sinkTable  = pflag.String("sinkTable", "", "fully-qualified sink table name, e.g. public.events")
		keyColumns = pflag.StringArray("keyColumn", nil, "primary key column name, repeatable, in row order")
		subject    = pflag.String("subkey", "demo/export", "subscription key, as \"topic/consumer-group\"")
		consumerID = pflag.Int64("consumerId", 1, "this consumer's id")
	)
	pflag.Parse()

	if *sinkDSN == "" || *sinkTable == "" || len(*keyColumns) == 0 {
		return errors.New("tqexport: -sinkDSN, -sinkTable, and at least one -keyColumn are required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openSink(ctx, *sinkKind, *sinkDSN)
	if err != nil {
		return err
	}
	defer db.Close()

	subkey, err := types.NewSubkey([]byte(*subject))
	if err != nil {
		return errors.Wrap(err, "tqexport: invalid -subkey")
	}

	wal := walmem.New()
	exec := newPassthroughExec(wal)
	respCh := make(chan types.DataRsp, 16)
	rpc := &localRPC{respCh: respCh}

	n, err := tq.New(wal, exec, rpc, metamem.New(), noopStream{}, rpcwire.DefaultCompressThreshold)
	if err != nil {
		return errors.Wrap(err, "tqexport: build node")
	}
	if err := n.Open(ctx); err != nil {
		return errors.Wrap(err, "tqexport: open node")
	}
	defer n.Close(ctx)

	if _, err := n.Subs.Subscribe(ctx, types.SubscribeReq{
		Subkey:        subkey,
		NewConsumerID: *consumerID,
		SubType:       types.SubColumn,
	}); err != nil {
		return errors.Wrap(err, "tqexport: subscribe")
	}

	go ingestStdin(ctx, wal, n)

	sink := &pkSink{db: db, table: *sinkTable, keyColumns: *keyColumns}
	return exportLoop(ctx, n, subkey, *consumerID, respCh, sink)
}

func openSink(ctx context.Context, kind, dsn string) (*sql.DB, error) {
	switch kind {
	case "postgres":
		return stdpool.OpenPostgresAsSink(ctx, dsn)
	case "mysql":
		return stdpool.OpenMySQLAsSink(ctx, dsn)
	default:
		return nil, errors.Errorf("tqexport: unknown -sink kind %q", kind)
	}
}

// ingestStdin reads newline-delimited JSON rows from stdin, appends
// each as a WAL submit record, and notifies the node so any parked
// poll wakes.
func ingestStdin(ctx context.Context, wal *walmem.WAL, n *tq.Node) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		ver := wal.AppendSubmit([]byte(line))
		n.NotifySubmitted(ctx, ver, []byte(line))
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		log.WithError(err).Warn("tqexport: stdin scan")
	}
}

// exportLoop repeatedly polls the subscription, applies every row it
// receives to the sink, and commits the offset back to the node.
func exportLoop(
	ctx context.Context, n *tq.Node, subkey types.Subkey, consumerID int64,
	respCh <-chan types.DataRsp, sink *pkSink,
) error {
	reqOffset := types.Offset{Kind: types.OffsetResetEarliest}
	for {
		h, ok := n.Subs.Get(subkey)
		if !ok {
			return errors.New("tqexport: handle vanished")
		}
		err := n.Poll.Poll(ctx, types.PollReq{
			ConsumerID: consumerID,
			Epoch:      h.LoadEpoch(),
			Subkey:     subkey,
			ReqOffset:  reqOffset,
			RPCHandle:  exportHandle(subkey.String()),
		})
		if err != nil {
			return errors.Wrap(err, "tqexport: poll")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case rsp := <-respCh:
			for _, block := range rsp.Blocks {
				if err := sink.apply(ctx, block); err != nil {
					log.WithError(err).Warn("tqexport: apply row, skipping")
					continue
				}
			}
			if err := n.Offsets.Write(ctx, subkey, rsp.RspOffset); err != nil {
				log.WithError(err).Warn("tqexport: commit offset")
			}
			reqOffset = rsp.RspOffset
		}
	}
}

// row is the JSON shape each WAL submit line (and therefore each
// DataRsp block, in this passthrough demo) carries.
type row struct {
	Key   map[string]any `json:"key"`
	After map[string]any `json:"after"`
}

// pkSink upserts or deletes rows in a single sink table, keyed by a
// fixed set of primary-key columns. Adapted from sink.go's
// Sink.upsertRow/deleteRow.
type pkSink struct {
	db         *sql.DB
	table      string
	keyColumns []string
}

func (s *pkSink) apply(ctx context.Context, block []byte) error {
	var r row
	if err := json.Unmarshal(block, &r); err != nil {
		return errors.Wrap(err, "tqexport: decode row")
	}
	if r.After == nil {
		return s.deleteRow(ctx, r)
	}
	return s.upsertRow(ctx, r)
}

func (s *pkSink) deleteRow(ctx context.Context, r row) error {
	var stmt strings.Builder
	fmt.Fprintf(&stmt, "DELETE FROM %s WHERE ", s.table)
	args := make([]any, 0, len(s.keyColumns))
	for i, col := range s.keyColumns {
		if i > 0 {
			fmt.Fprint(&stmt, " AND ")
		}
		fmt.Fprintf(&stmt, "%s = $%d", col, i+1)
		args = append(args, r.Key[col])
	}
	_, err := s.db.ExecContext(ctx, stmt.String(), args...)
	return errors.Wrap(err, "tqexport: delete row")
}

func (s *pkSink) upsertRow(ctx context.Context, r row) error {
	columns := make(map[string]any, len(r.After)+len(r.Key))
	for name, value := range r.After {
		columns[name] = value
	}
	for _, col := range s.keyColumns {
		columns[col] = r.Key[col]
	}

	names := make([]string, 0, len(columns))
	values := make([]any, 0, len(columns))
	for name, value := range columns {
		names = append(names, name)
		values = append(values, value)
	}

	var stmt strings.Builder
	fmt.Fprintf(&stmt, "UPSERT INTO %s (%s) VALUES (", s.table, strings.Join(names, ", "))
	for i := range values {
		if i > 0 {
			fmt.Fprint(&stmt, ", ")
		}
		fmt.Fprintf(&stmt, "$%d", i+1)
	}
	stmt.WriteString(")")
	_, err := s.db.ExecContext(ctx, stmt.String(), values...)
	return errors.Wrap(err, "tqexport: upsert row")
}

// localRPC is the in-process types.RPC transport: MallocCont returns
// a plain slice, SendRsp decodes the wire body back into a DataRsp
// and hands it to the export loop over respCh.
type localRPC struct {
	respCh chan<- types.DataRsp
}

func (l *localRPC) MallocCont(size int) ([]byte, error) { return make([]byte, size), nil }

func (l *localRPC) SendRsp(handle types.RPCHandle, msgType types.MsgType, body []byte, code int) error {
	if code != 0 {
		return errors.Errorf("tqexport: poll rejected with code %d", code)
	}
	rsp, err := rpcwire.DecodeDataRsp(body)
	if err != nil {
		return errors.Wrap(err, "tqexport: decode response")
	}
	l.respCh <- rsp
	return nil
}

func (l *localRPC) FreeCont(buf []byte) {}

type exportHandle string

func (e exportHandle) ID() string { return string(e) }

// passthroughExec is a minimal types.QExec: every WAL submit record is
// surfaced to the COLUMN scan verbatim, with no query compilation.
// tqexport has no qexec collaborator of its own to wire against; this
// stands in for it, in the same spirit as the node tests' fakeQExec.
type passthroughExec struct {
	wal *walmem.WAL
}

func newPassthroughExec(wal *walmem.WAL) *passthroughExec { return &passthroughExec{wal: wal} }

type noopPipeline struct{}

func (noopPipeline) Close() {}

func (p *passthroughExec) CreateQueueExecTask(ctx context.Context, h *types.Handle, qmsg []byte) (types.ExecPipeline, error) {
	return noopPipeline{}, nil
}

func (p *passthroughExec) CreateStreamExecTask(ctx context.Context, h *types.Handle) (types.ExecPipeline, error) {
	return noopPipeline{}, nil
}

func (p *passthroughExec) ScanData(ctx context.Context, h *types.Handle, from types.Offset) ([][]byte, types.Offset, error) {
	last, err := p.wal.GetLastVer(ctx)
	if err != nil {
		return nil, from, err
	}
	if from.Kind != types.OffsetLog || from.Version >= last {
		return nil, from, nil
	}
	reader, err := p.wal.OpenReader(ctx)
	if err != nil {
		return nil, from, err
	}
	var blocks [][]byte
	next := from.Version
	start := from.Version + 1
	if start < 1 {
		start = 1
	}
	for ver := start; ver <= last; ver++ {
		rec, err := p.wal.FetchLog(ctx, reader, ver)
		if err != nil {
			break
		}
		next = ver
		if rec.Kind == types.WALRecordSubmit {
			blocks = append(blocks, rec.Raw)
		}
	}
	return blocks, types.LogOffset(next), nil
}

func (p *passthroughExec) ScanTaosx(ctx context.Context, h *types.Handle, from types.Offset) (types.DataRsp, types.MetaRsp, error) {
	return types.DataRsp{}, types.MetaRsp{}, nil
}

func (p *passthroughExec) ScanSubmit(ctx context.Context, h *types.Handle, rec types.WALRecord) ([][]byte, error) {
	return [][]byte{rec.Raw}, nil
}

func (p *passthroughExec) DestroyTask(h *types.Handle) {}

// noopStream satisfies types.Stream for a node that never deploys a
// stream task; tqexport only exercises the poll/offset path.
type noopStream struct{}

func (noopStream) ProcessCheckReq(ctx context.Context, req types.TaskCheckReq) (types.TaskCheckRsp, error) {
	return types.TaskCheckRsp{TaskID: req.TaskID, Status: 1}, nil
}
func (noopStream) ProcessRecoverFinishReq(ctx context.Context, req types.TaskRecoverFinishReq) error {
	return nil
}
func (noopStream) ProcessRunReq(ctx context.Context, req types.TaskRunReq) error { return nil }
func (noopStream) ProcessDispatchReq(ctx context.Context, req types.TaskDispatchReq) (types.TaskDispatchRsp, error) {
	return types.TaskDispatchRsp{}, nil
}
func (noopStream) ProcessDispatchRsp(ctx context.Context, req types.TaskDispatchRsp) error { return nil }
func (noopStream) ProcessRetrieveReq(ctx context.Context, req types.TaskRetrieveReq) (types.TaskRetrieveRsp, error) {
	return types.TaskRetrieveRsp{}, nil
}
func (noopStream) ProcessRetrieveRsp(ctx context.Context, req types.TaskRetrieveRsp) error { return nil }
func (noopStream) SourceRecoverScanStep1(ctx context.Context, t *types.StreamTask) ([]byte, error) {
	return nil, nil
}
func (noopStream) BuildSourceRecover2Req(ctx context.Context, t *types.StreamTask, step1 []byte) (types.TaskRecoverStep2Req, error) {
	return types.TaskRecoverStep2Req{}, nil
}
func (noopStream) SourceRecoverScanStep2(ctx context.Context, t *types.StreamTask, req types.TaskRecoverStep2Req) error {
	return nil
}
func (noopStream) SetStatusNormal(ctx context.Context, t *types.StreamTask) error { return nil }
func (noopStream) RestoreParam(ctx context.Context, t *types.StreamTask) error    { return nil }
func (noopStream) DispatchRecoverFinishReq(ctx context.Context, t *types.StreamTask, downstream int64) error {
	return nil
}
func (noopStream) TaskInput(ctx context.Context, t *types.StreamTask, item *types.StreamDataItem) error {
	return nil
}
func (noopStream) TaskInputFail(ctx context.Context, t *types.StreamTask, err error) {}
func (noopStream) SchedExec(ctx context.Context, t *types.StreamTask) error          { return nil }
func (noopStream) SetupTrigger(ctx context.Context, t *types.StreamTask) error       { return nil }

var _ types.Stream = noopStream{}
var _ types.QExec = (*passthroughExec)(nil)
var _ types.RPC = (*localRPC)(nil)
