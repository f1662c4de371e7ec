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

package lib

import (
	"errors"
)

// Errors
var (
	ErrBufferFull     = errors.New("Result buffer is full")
	ErrHandshake      = errors.New("Courier handshake failed")
	ErrCheckMismatch  = errors.New("Check reply does not match the request")
	ErrUnknownCourier = errors.New("Unknown courier")
	ErrNotBound       = errors.New("Stat session is not bound to a courier")
	ErrManagerStopped = errors.New("Manager is stopped")
)

// Configuration entry names
const (
	ConfigBindPort           = "bind_port"
	ConfigStatPort           = "stat_port"
	ConfigAdminPort          = "admin_port"
	ConfigTimeout            = "timeout_ms"
	ConfigHandshakeTimeout   = "handshake_timeout_ms"
	ConfigCheckInterval      = "check_interval_ms"
	ConfigMaxThreads         = "max_threads"
	ConfigMaxStatThreads     = "max_stat_threads"
	ConfigStatPortionSize    = "stat_portion_size"
	ConfigMaxStatBufferSize  = "max_stat_buffer_size"
	ConfigStatFlush          = "stat_flush_ms"
	ConfigStateStoreInterval = "state_store_interval_ms"
	ConfigStatPool           = "stat_pool"
	ConfigResultTemplate     = "result_template"
	ConfigPortionTemplate    = "portion_template"
	ConfigStateTemplate      = "state_template"
	ConfigJournalPath        = "journal_path"
)

// Template variables
const (
	VarHost         = "Host"
	VarConfig       = "Config"
	VarID           = "ID"
	VarState        = "State"
	VarPortion      = "Portion"
	VarPipe         = "Pipe"
	VarRecordCount  = "RecordCount"
	VarError        = "Error"
	VarErrorCount   = "ErrorCount"
	VarErrorStack   = "ErrorStack"
	VarStartTime    = "StartTime"
	VarTotalTime    = "TotalTime"
	VarSourceTime   = "SourceTime"
	VarTargetTime   = "TargetTime"
	VarSourceDb     = "SourceDb"
	VarSourceDbType = "SourceDbType"
	VarSourceDbURL  = "SourceDbUrl"
	VarTargetDb     = "TargetDb"
	VarTargetDbType = "TargetDbType"
	VarTargetDbURL  = "TargetDbUrl"
)

// Values of the State template variable
const (
	StateConnected    = "CONNECTED"
	StateDisconnected = "DISCONNECTED"
)

// session attribute holding the courier a session belongs to
const attrCourier = "courier"
