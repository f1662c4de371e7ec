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

package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/rdcourier/fleet/utility/encoding/wire"
)

// SyncBridge gives a blocking request/response call over a session. The session handler routes the
// replies to ResultReceived. Only one Write is outstanding at a time.
type SyncBridge struct {
	session *Session
	call    sync.Mutex

	mtx    sync.Mutex
	cond   *sync.Cond
	result wire.Message
	closed bool
}

// NewSyncBridge wraps a session
func NewSyncBridge(s *Session) *SyncBridge {
	b := &SyncBridge{session: s}
	b.cond = sync.NewCond(&b.mtx)
	go func() {
		<-s.Closing()
		b.wakeAll()
	}()
	return b
}

func (b *SyncBridge) wakeAll() {
	b.mtx.Lock()
	b.cond.Broadcast()
	b.mtx.Unlock()
}

// Write sends msg and waits up to timeout for the reply. It fails with ErrTimeout when no reply came
// in time and with ErrDisconnected when the session closed first.
func (b *SyncBridge) Write(msg wire.Message, timeout time.Duration) (wire.Message, error) {
	b.call.Lock()
	defer b.call.Unlock()

	b.mtx.Lock()
	b.result = nil
	b.mtx.Unlock()

	if err := b.session.Write(msg).Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}

	deadline := time.Now().Add(timeout)
	// the broadcast at the deadline stands for the missing timed wait of sync.Cond
	wakeup := time.AfterFunc(timeout, b.wakeAll)
	defer wakeup.Stop()

	b.mtx.Lock()
	defer b.mtx.Unlock()
	for b.result == nil && b.session.Connected() && time.Now().Before(deadline) {
		b.cond.Wait()
	}
	if b.result != nil {
		res := b.result
		b.result = nil
		return res, nil
	}
	if !b.session.Connected() {
		return nil, ErrDisconnected
	}
	return nil, fmt.Errorf("%w: %v after %v", ErrTimeout, b.session, timeout)
}

// ResultReceived stores the reply of the pending Write and wakes it
func (b *SyncBridge) ResultReceived(msg wire.Message) {
	b.mtx.Lock()
	b.result = msg
	b.cond.Broadcast()
	b.mtx.Unlock()
}

// Send writes msg without waiting for a reply
func (b *SyncBridge) Send(msg wire.Message) *WriteFuture {
	return b.session.Write(msg)
}

// Close closes the session once and waits up to timeout for the close to complete
func (b *SyncBridge) Close(timeout time.Duration) error {
	b.mtx.Lock()
	if b.closed {
		b.mtx.Unlock()
		return nil
	}
	b.closed = true
	b.mtx.Unlock()
	return b.session.CloseWait(timeout)
}

// Connected tells if the session is open
func (b *SyncBridge) Connected() bool {
	return b.session.Connected()
}

// Session returns the wrapped session
func (b *SyncBridge) Session() *Session {
	return b.session
}
