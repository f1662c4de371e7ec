// Copyright 2019 PayPal Inc.
//
// Licensed to the Apache Software Foundation (ASF) under one or more
// contributor license agreements.  See the NOTICE file distributed with
// this work for additional information regarding copyright ownership.
// The ASF licenses this file to You under the Apache License, Version 2.0
// (the "License"); you may not use this file except in compliance with
// the License.  You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"github.com/rdcourier/fleet/utility/encoding/wire"
)

var handshakeChain = wire.NewChain(func() *Handshake { return &Handshake{} },
	wire.String(func(m *Handshake, v string) { m.Code = v }),
)

var managerInfoChain = wire.NewChain(func() *ManagerInfo { return &ManagerInfo{} },
	wire.Int32(func(m *ManagerInfo, v int32) { m.WorkerID = v }),
	wire.Int32(func(m *ManagerInfo, v int32) { m.StatPort = v }),
)

var checkChain = wire.NewChain(func() *Check { return &Check{} },
	wire.Int64(func(m *Check, v int64) { m.ID = v }),
)

var ackChain = wire.NewChain(func() *Ack { return &Ack{} },
	wire.Int8(func(m *Ack, v int8) { m.HasError = v != 0 }),
	wire.Optional(func(m *Ack) bool { return m.HasError },
		wire.String(func(m *Ack, v string) { m.Error = v })),
)

var stopChain = wire.NewChain(func() *Stop { return &Stop{} })

var processResultChain = wire.NewChain(func() *ProcessResult { return &ProcessResult{} },
	wire.Int64(func(m *ProcessResult, v int64) { m.ID = v }),
	wire.Int32(func(m *ProcessResult, v int32) { m.RecordCount = v }),
	wire.Int32(func(m *ProcessResult, v int32) { m.ErrorCount = v }),
	wire.String(func(m *ProcessResult, v string) { m.Error = v }),
	wire.String(func(m *ProcessResult, v string) { m.ErrorStack = v }),
	wire.Int64(func(m *ProcessResult, v int64) { m.StartTime = v }),
	wire.Int64(func(m *ProcessResult, v int64) { m.TotalTime = v }),
	wire.Int64(func(m *ProcessResult, v int64) { m.SourceTime = v }),
	wire.Int64(func(m *ProcessResult, v int64) { m.TargetTime = v }),
	wire.String(func(m *ProcessResult, v string) { m.Pipe = v }),
	wire.String(func(m *ProcessResult, v string) { m.SourceDbName = v }),
	wire.String(func(m *ProcessResult, v string) { m.SourceDbType = v }),
	wire.String(func(m *ProcessResult, v string) { m.SourceDbUrl = v }),
	wire.String(func(m *ProcessResult, v string) { m.TargetDbName = v }),
	wire.String(func(m *ProcessResult, v string) { m.TargetDbType = v }),
	wire.String(func(m *ProcessResult, v string) { m.TargetDbUrl = v }),
)

var processResultBatchChain = wire.NewChain(func() *ProcessResultBatch { return &ProcessResultBatch{} },
	wire.Array(processResultChain, MaxBatchSize, func(m *ProcessResultBatch, v []*ProcessResult) { m.Results = v }),
)

func writeHandshake(m *Handshake, w *wire.Writer) {
	w.PutString(m.Code)
}

func writeManagerInfo(m *ManagerInfo, w *wire.Writer) {
	w.PutInt32(m.WorkerID)
	w.PutInt32(m.StatPort)
}

func writeCheck(m *Check, w *wire.Writer) {
	w.PutInt64(m.ID)
}

func writeAck(m *Ack, w *wire.Writer) {
	if m.HasError {
		w.PutInt8(1)
		w.PutString(m.Error)
	} else {
		w.PutInt8(0)
	}
}

func writeStop(*Stop, *wire.Writer) {}

func writeProcessResult(m *ProcessResult, w *wire.Writer) {
	w.PutInt64(m.ID)
	w.PutInt32(m.RecordCount)
	w.PutInt32(m.ErrorCount)
	w.PutString(m.Error)
	w.PutString(m.ErrorStack)
	w.PutInt64(m.StartTime)
	w.PutInt64(m.TotalTime)
	w.PutInt64(m.SourceTime)
	w.PutInt64(m.TargetTime)
	w.PutString(m.Pipe)
	w.PutString(m.SourceDbName)
	w.PutString(m.SourceDbType)
	w.PutString(m.SourceDbUrl)
	w.PutString(m.TargetDbName)
	w.PutString(m.TargetDbType)
	w.PutString(m.TargetDbUrl)
}

func writeProcessResultBatch(m *ProcessResultBatch, w *wire.Writer) {
	w.PutInt32(int32(len(m.Results)))
	for _, r := range m.Results {
		writeProcessResult(r, w)
	}
}

// Codec registries, one per channel and direction
var (
	PrimaryUp   = wire.NewCodecFactory("primary-up")
	PrimaryDown = wire.NewCodecFactory("primary-down")
	StatsUp     = wire.NewCodecFactory("stats-up")
	StatsDown   = wire.NewCodecFactory("stats-down")
)

// Protocols as seen from each end of the two channels
var (
	ManagerPrimary = wire.Protocol{Name: "manager-primary", Decode: PrimaryUp, Encode: PrimaryDown}
	ManagerStats   = wire.Protocol{Name: "manager-stats", Decode: StatsUp, Encode: StatsDown}
	CourierPrimary = wire.Protocol{Name: "courier-primary", Decode: PrimaryDown, Encode: PrimaryUp}
	CourierStats   = wire.Protocol{Name: "courier-stats", Decode: StatsDown, Encode: StatsUp}
)

type registration struct {
	variant int
	code    uint16
	enc     wire.EncoderFactory
	dec     wire.DecoderFactory
}

func register(f *wire.CodecFactory, regs ...registration) {
	for _, r := range regs {
		if err := f.RegisterEncoder(r.variant, r.code, r.enc); err != nil {
			panic(err)
		}
		if err := f.RegisterDecoder(r.code, r.dec); err != nil {
			panic(err)
		}
	}
}

func init() {
	handshake := registration{variant: VariantHandshake, enc: wire.EncoderOf(writeHandshake), dec: wire.DecoderOf(handshakeChain)}
	managerInfo := registration{variant: VariantManagerInfo, enc: wire.EncoderOf(writeManagerInfo), dec: wire.DecoderOf(managerInfoChain)}
	check := registration{variant: VariantCheck, enc: wire.EncoderOf(writeCheck), dec: wire.DecoderOf(checkChain)}
	ack := registration{variant: VariantAck, enc: wire.EncoderOf(writeAck), dec: wire.DecoderOf(ackChain)}
	stop := registration{variant: VariantStop, enc: wire.EncoderOf(writeStop), dec: wire.DecoderOf(stopChain)}
	result := registration{variant: VariantProcessResult, enc: wire.EncoderOf(writeProcessResult), dec: wire.DecoderOf(processResultChain)}
	batch := registration{variant: VariantProcessResultBatch, enc: wire.EncoderOf(writeProcessResultBatch), dec: wire.DecoderOf(processResultBatchChain)}

	withCode := func(r registration, code uint16) registration {
		r.code = code
		return r
	}
	register(PrimaryUp,
		withCode(handshake, CodeUpHandshake),
		withCode(stop, CodeUpStop),
		withCode(check, CodeUpCheck),
		withCode(ack, CodeUpAck))
	register(PrimaryDown,
		withCode(managerInfo, CodeDownManagerInfo),
		withCode(ack, CodeDownAck),
		withCode(check, CodeDownCheck))
	register(StatsUp,
		withCode(result, CodeStatProcessResult),
		withCode(check, CodeStatCheck),
		withCode(managerInfo, CodeStatManagerInfo),
		withCode(batch, CodeStatProcessResultBatch))
	register(StatsDown,
		withCode(ack, CodeStatDownAck),
		withCode(check, CodeStatDownCheck))
}
