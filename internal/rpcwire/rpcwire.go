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

// Package rpcwire implements the response envelope, the size-probed
// allocation discipline, and the optional compression step described
// in spec.md section 4.E Step 4: encode the body first, probe its
// size, allocate a buffer of exactly that size from the transport's
// allocator, then fill it in place.
package rpcwire

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"

	"github.com/PlanetApostle/tdengine-tq/internal/types"
)

// DefaultCompressThreshold is the body size, in bytes, above which a
// Codec compresses before handing the buffer to the allocator. Chosen
// to keep small poll responses (the overwhelming majority) on the
// uncompressed fast path.
const DefaultCompressThreshold = 4096

// flagPlain and flagZstd are the one-byte prefix on every wire body,
// so the consumer's decoder knows whether to inflate it first.
const (
	flagPlain    byte = 0
	flagZstd     byte = 1
	envelopeSize      = 4 + 4 + 8 // msgType + epoch + consumerId
)

// Codec encodes response bodies and hands them to the RPC transport.
// The zero value is not usable; construct with NewCodec.
type Codec struct {
	compressThreshold int
	encoder           *zstd.Encoder
}

// NewCodec builds a Codec with the given compression threshold. A
// threshold of 0 selects DefaultCompressThreshold.
func NewCodec(compressThreshold int) (*Codec, error) {
	if compressThreshold <= 0 {
		compressThreshold = DefaultCompressThreshold
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, errors.Wrap(err, "rpcwire: build zstd encoder")
	}
	return &Codec{compressThreshold: compressThreshold, encoder: enc}, nil
}

func writeEnvelope(buf *bytes.Buffer, env types.Envelope) {
	binary.Write(buf, binary.BigEndian, int32(env.MsgType))
	binary.Write(buf, binary.BigEndian, env.Epoch)
	binary.Write(buf, binary.BigEndian, env.ConsumerID)
}

func writeOffset(buf *bytes.Buffer, off types.Offset) {
	binary.Write(buf, binary.BigEndian, int32(off.Kind))
	binary.Write(buf, binary.BigEndian, off.Version)
	binary.Write(buf, binary.BigEndian, off.UID)
	binary.Write(buf, binary.BigEndian, off.TS)
}

func writeBlocks(buf *bytes.Buffer, blocks [][]byte) {
	binary.Write(buf, binary.BigEndian, int32(len(blocks)))
	for _, b := range blocks {
		binary.Write(buf, binary.BigEndian, uint32(len(b)))
		buf.Write(b)
	}
}

// EncodeDataRsp serializes a DataRsp: envelope, rspOffset, then the
// row blocks.
func (c *Codec) EncodeDataRsp(d types.DataRsp) []byte {
	var buf bytes.Buffer
	writeEnvelope(&buf, d.Envelope)
	writeOffset(&buf, d.RspOffset)
	writeBlocks(&buf, d.Blocks)
	return buf.Bytes()
}

// EncodeMetaRsp serializes a MetaRsp: envelope, rspOffset, then the
// single metadata record.
func (c *Codec) EncodeMetaRsp(m types.MetaRsp) []byte {
	var buf bytes.Buffer
	writeEnvelope(&buf, m.Envelope)
	writeOffset(&buf, m.RspOffset)
	binary.Write(&buf, binary.BigEndian, uint32(len(m.Record)))
	buf.Write(m.Record)
	return buf.Bytes()
}

// EncodeTaosxRsp serializes the combined data+meta snapshot response.
func (c *Codec) EncodeTaosxRsp(t types.TaosxRsp) []byte {
	var buf bytes.Buffer
	writeEnvelope(&buf, t.Envelope)
	writeOffset(&buf, t.Data.RspOffset)
	writeBlocks(&buf, t.Data.Blocks)
	if t.HasMeta {
		buf.WriteByte(1)
		binary.Write(&buf, binary.BigEndian, uint32(len(t.Meta.Record)))
		buf.Write(t.Meta.Record)
	} else {
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

func readEnvelope(r *bytes.Reader) (types.Envelope, error) {
	var env types.Envelope
	var msgType int32
	if err := binary.Read(r, binary.BigEndian, &msgType); err != nil {
		return env, errors.Wrap(err, "rpcwire: read envelope msgType")
	}
	env.MsgType = types.MsgType(msgType)
	if err := binary.Read(r, binary.BigEndian, &env.Epoch); err != nil {
		return env, errors.Wrap(err, "rpcwire: read envelope epoch")
	}
	if err := binary.Read(r, binary.BigEndian, &env.ConsumerID); err != nil {
		return env, errors.Wrap(err, "rpcwire: read envelope consumerId")
	}
	return env, nil
}

func readOffset(r *bytes.Reader) (types.Offset, error) {
	var off types.Offset
	var kind int32
	if err := binary.Read(r, binary.BigEndian, &kind); err != nil {
		return off, errors.Wrap(err, "rpcwire: read offset kind")
	}
	off.Kind = types.OffsetKind(kind)
	if err := binary.Read(r, binary.BigEndian, &off.Version); err != nil {
		return off, errors.Wrap(err, "rpcwire: read offset version")
	}
	if err := binary.Read(r, binary.BigEndian, &off.UID); err != nil {
		return off, errors.Wrap(err, "rpcwire: read offset uid")
	}
	if err := binary.Read(r, binary.BigEndian, &off.TS); err != nil {
		return off, errors.Wrap(err, "rpcwire: read offset ts")
	}
	return off, nil
}

func readBlocks(r *bytes.Reader) ([][]byte, error) {
	var n int32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, errors.Wrap(err, "rpcwire: read block count")
	}
	blocks := make([][]byte, 0, n)
	for i := int32(0); i < n; i++ {
		var size uint32
		if err := binary.Read(r, binary.BigEndian, &size); err != nil {
			return nil, errors.Wrap(err, "rpcwire: read block size")
		}
		block := make([]byte, size)
		if _, err := io.ReadFull(r, block); err != nil {
			return nil, errors.Wrap(err, "rpcwire: read block body")
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}

// decompress strips the leading flag byte a Codec prefixes every
// body with, inflating the payload first if it was sent compressed.
func decompress(wire []byte) ([]byte, error) {
	if len(wire) == 0 {
		return nil, errors.New("rpcwire: empty wire body")
	}
	flag, body := wire[0], wire[1:]
	switch flag {
	case flagPlain:
		return body, nil
	case flagZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, errors.Wrap(err, "rpcwire: build zstd decoder")
		}
		defer dec.Close()
		plain, err := dec.DecodeAll(body, nil)
		if err != nil {
			return nil, errors.Wrap(err, "rpcwire: inflate response body")
		}
		return plain, nil
	default:
		return nil, errors.Errorf("rpcwire: unknown compression flag %d", flag)
	}
}

// DecodeDataRsp is the inverse of EncodeDataRsp: a consumer-side
// client (see cmd/tqexport) calls it on the raw bytes handed to
// types.RPC.SendRsp to recover the envelope, resume offset, and row
// blocks a POLL_RSP carried.
func DecodeDataRsp(wire []byte) (types.DataRsp, error) {
	var d types.DataRsp
	plain, err := decompress(wire)
	if err != nil {
		return d, err
	}
	r := bytes.NewReader(plain)
	if d.Envelope, err = readEnvelope(r); err != nil {
		return d, err
	}
	if d.RspOffset, err = readOffset(r); err != nil {
		return d, err
	}
	if d.Blocks, err = readBlocks(r); err != nil {
		return d, err
	}
	return d, nil
}

// maybeCompress prefixes body with a one-byte flag, compressing the
// payload first if it is larger than the configured threshold.
func (c *Codec) maybeCompress(body []byte) []byte {
	if len(body) <= c.compressThreshold {
		return append([]byte{flagPlain}, body...)
	}
	compressed := c.encoder.EncodeAll(body, make([]byte, 0, len(body)))
	compressedResponses.Inc()
	return append([]byte{flagZstd}, compressed...)
}

// Send size-probes body (via maybeCompress), allocates a buffer of
// exactly that size from rpc's allocator, fills it, and sends it. On
// any transport failure the allocated buffer is returned via
// FreeCont, matching the "never retries internally" failure
// semantics of spec.md section 4.E.
func (c *Codec) Send(rpc types.RPC, h types.RPCHandle, msgType types.MsgType, body []byte, code int) error {
	encodedBytes.Observe(float64(len(body)))
	wire := c.maybeCompress(body)
	observeAlloc(len(wire))

	buf, err := rpc.MallocCont(len(wire))
	if err != nil {
		sendErrors.Inc()
		return errors.Wrap(err, "rpcwire: allocate response buffer")
	}
	copy(buf, wire)

	if err := rpc.SendRsp(h, msgType, buf, code); err != nil {
		rpc.FreeCont(buf)
		sendErrors.Inc()
		return errors.Wrap(err, "rpcwire: send response")
	}
	return nil
}
