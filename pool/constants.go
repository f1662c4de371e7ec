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

package pool

import (
	"errors"
	"time"
)

// Errors returned by the pool
var (
	ErrTimeout        = errors.New("Pool get object timeout expired")
	ErrCancelled      = errors.New("Pool request cancelled")
	ErrExhausted      = errors.New("Pool max capacity has been reached")
	ErrClosed         = errors.New("Pool is not open")
	ErrAllocate       = errors.New("Pool failed to allocate object")
	ErrAlreadyStarted = errors.New("Pool already started")
	ErrDuplicate      = errors.New("Object already in pool")
	ErrWorkTimeout    = errors.New("Work thread did not finish in time")
	ErrThreadStopped  = errors.New("Work thread stopped")
)

// Defaults
const (
	DefaultRinseInterval = 5 * time.Second
	DefaultCloseTimeout  = 5 * time.Second
)

type activity uint8

// background activities, a bit each in Pool.activities
const (
	actExpand activity = 1 << iota
	actRinse
	actCheck
	actShrink
)

var activityNames = map[activity]string{actExpand: "expand", actRinse: "rinse", actCheck: "check", actShrink: "shrink"}

type poolState int

const (
	stateInitial poolState = iota
	stateStarted
	stateClosing
	stateClosed
)

var stateNames = [...]string{"initial", "started", "closing", "closed"}

func (s poolState) String() string {
	return stateNames[s]
}
