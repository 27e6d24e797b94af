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

package rpcwire_test

import (
	"bytes"
	"testing"

	"github.com/PlanetApostle/tdengine-tq/internal/rpcwire"
	"github.com/PlanetApostle/tdengine-tq/internal/types"
)

func TestEncodeDecodeDataRspRoundTrip(t *testing.T) {
	codec, err := rpcwire.NewCodec(rpcwire.DefaultCompressThreshold)
	if err != nil {
		t.Fatal(err)
	}
	want := types.DataRsp{
		Envelope:  types.Envelope{MsgType: types.MsgPollRsp, Epoch: 3, ConsumerID: 7},
		Blocks:    [][]byte{[]byte("row-one"), []byte("row-two")},
		RspOffset: types.LogOffset(42),
	}

	encoded := codec.EncodeDataRsp(want)
	wire := append([]byte{0}, encoded...) // flagPlain, as maybeCompress would below threshold

	got, err := rpcwire.DecodeDataRsp(wire)
	if err != nil {
		t.Fatal(err)
	}
	if got.Envelope != want.Envelope {
		t.Fatalf("envelope mismatch: got %+v want %+v", got.Envelope, want.Envelope)
	}
	if got.RspOffset != want.RspOffset {
		t.Fatalf("rspOffset mismatch: got %v want %v", got.RspOffset, want.RspOffset)
	}
	if len(got.Blocks) != len(want.Blocks) {
		t.Fatalf("block count mismatch: got %d want %d", len(got.Blocks), len(want.Blocks))
	}
	for i := range want.Blocks {
		if !bytes.Equal(got.Blocks[i], want.Blocks[i]) {
			t.Fatalf("block %d mismatch: got %q want %q", i, got.Blocks[i], want.Blocks[i])
		}
	}
}

func TestDecodeDataRspCompressed(t *testing.T) {
	codec, err := rpcwire.NewCodec(1) // force compression for any body over one byte
	if err != nil {
		t.Fatal(err)
	}
	rpc := &captureRPC{}
	want := types.DataRsp{
		Envelope:  types.Envelope{MsgType: types.MsgPollRsp, Epoch: 1, ConsumerID: 1},
		Blocks:    [][]byte{bytes.Repeat([]byte("x"), 256)},
		RspOffset: types.LogOffset(9),
	}
	body := codec.EncodeDataRsp(want)
	if err := codec.Send(rpc, nil, types.MsgPollRsp, body, 0); err != nil {
		t.Fatal(err)
	}
	got, err := rpcwire.DecodeDataRsp(rpc.sent)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Blocks) != 1 || !bytes.Equal(got.Blocks[0], want.Blocks[0]) {
		t.Fatalf("compressed round trip mismatch: got %v", got.Blocks)
	}
}

type captureRPC struct {
	sent []byte
}

func (c *captureRPC) MallocCont(size int) ([]byte, error) { return make([]byte, size), nil }
func (c *captureRPC) SendRsp(handle types.RPCHandle, msgType types.MsgType, body []byte, code int) error {
	c.sent = append([]byte(nil), body...)
	return nil
}
func (c *captureRPC) FreeCont(buf []byte) {}
