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
	"sync"
)

// CancelHandle lets the owner of a GetObject call abort its wait. A cancelled handle stays cancelled.
type CancelHandle struct {
	mtx       sync.Mutex
	cancelled bool
	wake      func()
}

// NewCancelHandle creates a handle
func NewCancelHandle() *CancelHandle {
	return &CancelHandle{}
}

// Cancel wakes the waiting GetObject, which returns ErrCancelled
func (c *CancelHandle) Cancel() {
	c.mtx.Lock()
	c.cancelled = true
	wake := c.wake
	c.mtx.Unlock()
	if wake != nil {
		wake()
	}
}

// Cancelled tells if Cancel was called
func (c *CancelHandle) Cancelled() bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.cancelled
}

func (c *CancelHandle) set(wake func()) {
	c.mtx.Lock()
	c.wake = wake
	c.mtx.Unlock()
}
