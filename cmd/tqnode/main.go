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

// Command tqnode is the partition server's bootstrap entry point: it
// binds internal/config's flags, builds the metadata store and
// consumer authenticator through internal/di, brings up a tq.Node
// against them, and serves /healthz and /metrics while it waits for
// RPCs its caller-supplied WAL/query-engine/RPC transport would
// otherwise drive. Wiring the actual TDengine WAL reader and wire
// transport listener is out of scope here (see spec.md's
// external-collaborator boundary); this binary exists to exercise
// Config and the DI graph end to end, the way the host process that
// embeds this subsystem would at startup.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/PlanetApostle/tdengine-tq/internal/config"
	"github.com/PlanetApostle/tdengine-tq/internal/di"
	"github.com/PlanetApostle/tdengine-tq/internal/tq"
	"github.com/PlanetApostle/tdengine-tq/internal/types"
	"github.com/PlanetApostle/tdengine-tq/internal/walmem"
)

// shutdownGrace bounds how long /healthz has to start failing before
// the HTTP server is forced closed on signal.
const shutdownGrace = 5 * time.Second

func main() {
	if err := run(); err != nil {
		log.WithError(err).Fatal("tqnode")
	}
}

func run() error {
	cfg := &config.Config{}
	cfg.Bind(pflag.CommandLine)
	pflag.Parse()
	if err := cfg.Preflight(); err != nil {
		return errors.Wrap(err, "tqnode: invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	collab, cleanup, err := di.NewCollaborators(ctx, cfg)
	if err != nil {
		return errors.Wrap(err, "tqnode: build collaborators")
	}
	defer cleanup()

	wal := walmem.New()
	n, err := tq.New(wal, nullExec{}, nullRPC{}, collab.Meta, nullStream{}, cfg.CompressThreshold)
	if err != nil {
		return errors.Wrap(err, "tqnode: build node")
	}
	if err := n.Open(ctx); err != nil {
		return errors.Wrap(err, "tqnode: open node")
	}
	defer n.Close(ctx)

	var ready int32
	atomic.StoreInt32(&ready, 1)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if atomic.LoadInt32(&ready) == 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	// /authcheck exercises collab.Auth the same way a real RPC listener
	// would gate SUBSCRIBE/POLL/OFFSET_COMMIT on a bearer token, ahead
	// of that listener existing.
	mux.HandleFunc("/authcheck", func(w http.ResponseWriter, r *http.Request) {
		if !collab.Auth.Check(r.Header.Get("Authorization")) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{Addr: cfg.BindAddr, Handler: mux}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()
	log.WithField("addr", cfg.BindAddr).Info("tqnode: listening")

	select {
	case <-ctx.Done():
		atomic.StoreInt32(&ready, 0)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "tqnode: serve")
	}
}

// nullExec, nullRPC, and nullStream satisfy tq.New's external
// collaborator interfaces with no-op behavior: this binary's purpose
// is to exercise Config and the DI-built Meta/Auth graph through a
// real Node lifecycle, not to drive actual query execution or RPC
// transport, which belong to the host process embedding this
// subsystem.
type nullExec struct{}

func (nullExec) CreateQueueExecTask(ctx context.Context, h *types.Handle, qmsg []byte) (types.ExecPipeline, error) {
	return nullPipeline{}, nil
}
func (nullExec) CreateStreamExecTask(ctx context.Context, h *types.Handle) (types.ExecPipeline, error) {
	return nullPipeline{}, nil
}
func (nullExec) ScanData(ctx context.Context, h *types.Handle, from types.Offset) ([][]byte, types.Offset, error) {
	return nil, from, nil
}
func (nullExec) ScanTaosx(ctx context.Context, h *types.Handle, from types.Offset) (types.DataRsp, types.MetaRsp, error) {
	return types.DataRsp{}, types.MetaRsp{}, nil
}
func (nullExec) ScanSubmit(ctx context.Context, h *types.Handle, rec types.WALRecord) ([][]byte, error) {
	return nil, nil
}
func (nullExec) DestroyTask(h *types.Handle) {}

type nullPipeline struct{}

func (nullPipeline) Close() {}

type nullRPC struct{}

func (nullRPC) MallocCont(size int) ([]byte, error) { return make([]byte, size), nil }
func (nullRPC) SendRsp(handle types.RPCHandle, msgType types.MsgType, body []byte, code int) error {
	return nil
}
func (nullRPC) FreeCont(buf []byte) {}

type nullStream struct{}

func (nullStream) ProcessCheckReq(ctx context.Context, req types.TaskCheckReq) (types.TaskCheckRsp, error) {
	return types.TaskCheckRsp{TaskID: req.TaskID, Status: 1}, nil
}
func (nullStream) ProcessRecoverFinishReq(ctx context.Context, req types.TaskRecoverFinishReq) error {
	return nil
}
func (nullStream) ProcessRunReq(ctx context.Context, req types.TaskRunReq) error { return nil }
func (nullStream) ProcessDispatchReq(ctx context.Context, req types.TaskDispatchReq) (types.TaskDispatchRsp, error) {
	return types.TaskDispatchRsp{}, nil
}
func (nullStream) ProcessDispatchRsp(ctx context.Context, req types.TaskDispatchRsp) error { return nil }
func (nullStream) ProcessRetrieveReq(ctx context.Context, req types.TaskRetrieveReq) (types.TaskRetrieveRsp, error) {
	return types.TaskRetrieveRsp{}, nil
}
func (nullStream) ProcessRetrieveRsp(ctx context.Context, req types.TaskRetrieveRsp) error { return nil }
func (nullStream) SourceRecoverScanStep1(ctx context.Context, t *types.StreamTask) ([]byte, error) {
	return nil, nil
}
func (nullStream) BuildSourceRecover2Req(ctx context.Context, t *types.StreamTask, step1 []byte) (types.TaskRecoverStep2Req, error) {
	return types.TaskRecoverStep2Req{}, nil
}
func (nullStream) SourceRecoverScanStep2(ctx context.Context, t *types.StreamTask, req types.TaskRecoverStep2Req) error {
	return nil
}
func (nullStream) SetStatusNormal(ctx context.Context, t *types.StreamTask) error { return nil }
func (nullStream) RestoreParam(ctx context.Context, t *types.StreamTask) error    { return nil }
func (nullStream) DispatchRecoverFinishReq(ctx context.Context, t *types.StreamTask, downstream int64) error {
	return nil
}
func (nullStream) TaskInput(ctx context.Context, t *types.StreamTask, item *types.StreamDataItem) error {
	return nil
}
func (nullStream) TaskInputFail(ctx context.Context, t *types.StreamTask, err error) {}
func (nullStream) SchedExec(ctx context.Context, t *types.StreamTask) error          { return nil }
func (nullStream) SetupTrigger(ctx context.Context, t *types.StreamTask) error       { return nil }

var _ types.QExec = nullExec{}
var _ types.RPC = nullRPC{}
var _ types.Stream = nullStream{}
