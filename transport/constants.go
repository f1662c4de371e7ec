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

// Package transport carries wire messages over TCP sessions: an accept server, a dialer, a session
// with its reader and writer goroutines, and a bridge giving request/response calls on top of it.
package transport

import (
	"errors"
	"time"
)

// Errors
var (
	ErrTimeout       = errors.New("Response timeout expired")
	ErrDisconnected  = errors.New("Session closed before the response")
	ErrSessionClosed = errors.New("Session is closed")
	ErrWriteQueue    = errors.New("Session write queue is full")
	ErrCloseTimeout  = errors.New("Session close not acknowledged in time")
)

// Defaults
const (
	DefaultReadBufferSize = 4096
	DefaultWriteQueueSize = 256
	DefaultCloseTimeout   = 1000 * time.Millisecond
)
