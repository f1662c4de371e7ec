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
	"fmt"
	"time"
)

type membership int8

// the disjoint sets an object can be in
const (
	memberNone membership = iota
	memberFree
	memberBusy
	memberInvalid
)

// wrapper holds the pool bookkeeping of one object. All the fields are guarded by the pool lock.
type wrapper[T comparable] struct {
	obj    T
	member membership
	// captured is set while a scan validates the object outside the lock
	captured bool
	// released is set once the object came back from a caller
	released bool
	// preexisting objects were added by AddObject, not created by the factory
	preexisting bool
	// invalid is set when validation failed
	invalid     bool
	createTime  time.Time
	releaseTime time.Time
}

func newWrapper[T comparable](obj T, preexisting bool) *wrapper[T] {
	now := time.Now()
	return &wrapper[T]{obj: obj, preexisting: preexisting, createTime: now, releaseTime: now}
}

func (w *wrapper[T]) String() string {
	return fmt.Sprintf("{obj=%v member=%d captured=%t released=%t preexisting=%t invalid=%t}",
		w.obj, w.member, w.captured, w.released, w.preexisting, w.invalid)
}
