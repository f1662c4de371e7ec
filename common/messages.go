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

// Package common contains the message catalog exchanged by couriers and the manager and the codec
// registries of each channel
package common

import (
	"fmt"
)

// Handshake is the first message of a courier, Code identifies its configuration
type Handshake struct {
	Code string
}

// Variant implements wire.Message
func (*Handshake) Variant() int { return VariantHandshake }

// ManagerInfo is sent by the manager after accepting a courier: the id assigned and the port
// result reports go to. On the stats channel the courier sends it back to bind the session.
type ManagerInfo struct {
	WorkerID int32
	StatPort int32
}

// Variant implements wire.Message
func (*ManagerInfo) Variant() int { return VariantManagerInfo }

// Check is the heartbeat, the peer echoes the id
type Check struct {
	ID int64
}

// Variant implements wire.Message
func (*Check) Variant() int { return VariantCheck }

// Ack acknowledges a request, HasError set means the request failed with Error
type Ack struct {
	HasError bool
	Error    string
}

// Variant implements wire.Message
func (*Ack) Variant() int { return VariantAck }

// Err converts the acknowledgment to an error
func (a *Ack) Err() error {
	if a.HasError {
		return fmt.Errorf("peer error: %s", a.Error)
	}
	return nil
}

// AckOK is a successful acknowledgment
func AckOK() *Ack {
	return &Ack{}
}

// AckError is a failed acknowledgment
func AckError(msg string) *Ack {
	return &Ack{HasError: true, Error: msg}
}

// Stop is sent by a courier leaving the fleet
type Stop struct{}

// Variant implements wire.Message
func (*Stop) Variant() int { return VariantStop }

// ProcessResult is the report of one pipe run. Times are in milliseconds.
type ProcessResult struct {
	ID           int64
	RecordCount  int32
	ErrorCount   int32
	Error        string
	ErrorStack   string
	StartTime    int64
	TotalTime    int64
	SourceTime   int64
	TargetTime   int64
	Pipe         string
	SourceDbName string
	SourceDbType string
	SourceDbUrl  string
	TargetDbName string
	TargetDbType string
	TargetDbUrl  string
}

// Variant implements wire.Message
func (*ProcessResult) Variant() int { return VariantProcessResult }

func (r *ProcessResult) String() string {
	return fmt.Sprintf("result{id=%d pipe=%s records=%d errors=%d}", r.ID, r.Pipe, r.RecordCount, r.ErrorCount)
}

// ProcessResultBatch carries several reports in one message
type ProcessResultBatch struct {
	Results []*ProcessResult
}

// Variant implements wire.Message
func (*ProcessResultBatch) Variant() int { return VariantProcessResultBatch }
