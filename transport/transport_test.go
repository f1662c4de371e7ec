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
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rdcourier/fleet/common"
	"github.com/rdcourier/fleet/utility/encoding/wire"
)

type recorder struct {
	mtx       sync.Mutex
	msgs      []wire.Message
	errs      []error
	opened    int32
	closed    int32
	closedCh  chan struct{}
	onMessage func(s *Session, msg wire.Message)
}

func newRecorder() *recorder {
	return &recorder{closedCh: make(chan struct{})}
}

func (r *recorder) SessionOpened(s *Session) {
	atomic.AddInt32(&r.opened, 1)
}

func (r *recorder) MessageReceived(s *Session, msg wire.Message) {
	r.mtx.Lock()
	r.msgs = append(r.msgs, msg)
	r.mtx.Unlock()
	if r.onMessage != nil {
		r.onMessage(s, msg)
	}
}

func (r *recorder) SessionClosed(s *Session) {
	if atomic.AddInt32(&r.closed, 1) == 1 {
		close(r.closedCh)
	}
}

func (r *recorder) ExceptionCaught(s *Session, err error) {
	r.mtx.Lock()
	r.errs = append(r.errs, err)
	r.mtx.Unlock()
}

func (r *recorder) messages() []wire.Message {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return append([]wire.Message(nil), r.msgs...)
}

func (r *recorder) errors() []error {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return append([]error(nil), r.errs...)
}

func waitFor(t *testing.T, within time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(within)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// pipeSessions returns a manager side and a courier side session on the primary channel
func pipeSessions(manager, courier Handler) (*Session, *Session) {
	c1, c2 := net.Pipe()
	m := NewSession(c1, common.ManagerPrimary, manager)
	c := NewSession(c2, common.CourierPrimary, courier)
	m.Start()
	c.Start()
	return m, c
}

func TestSessionFragmentedInput(t *testing.T) {
	rec := newRecorder()
	c1, c2 := net.Pipe()
	s := NewSession(c1, common.ManagerStats, rec)
	s.Start()
	defer s.Close()

	enc := common.StatsUp.NewEncoder()
	batch := &common.ProcessResultBatch{Results: []*common.ProcessResult{
		{ID: 1, Pipe: "orders", RecordCount: 10},
		{ID: 2, Pipe: "customers", Error: "ORA-01555", ErrorCount: 1},
		{ID: 3, Pipe: "items", SourceDbUrl: "jdbc:oracle:thin:@db:1521/x"},
	}}
	data, err := enc.Marshal(batch)
	if err != nil {
		t.Fatal(err)
	}
	check, _ := enc.Marshal(&common.Check{ID: 9})
	data = append(data, check...)
	go func() {
		for i := range data {
			if _, err := c2.Write(data[i : i+1]); err != nil {
				return
			}
		}
	}()

	waitFor(t, 2*time.Second, "two messages", func() bool { return len(rec.messages()) == 2 })
	msgs := rec.messages()
	got, ok := msgs[0].(*common.ProcessResultBatch)
	if !ok || len(got.Results) != 3 {
		t.Fatalf("first message %#v", msgs[0])
	}
	for i, r := range got.Results {
		if *r != *batch.Results[i] {
			t.Errorf("result %d: %+v != %+v", i, r, batch.Results[i])
		}
	}
	if c, ok := msgs[1].(*common.Check); !ok || c.ID != 9 {
		t.Errorf("second message %#v", msgs[1])
	}
	if atomic.LoadInt32(&rec.opened) != 1 {
		t.Errorf("opened %d", rec.opened)
	}
	c2.Close()
}

func TestSessionProtocolErrorCloses(t *testing.T) {
	rec := newRecorder()
	c1, c2 := net.Pipe()
	s := NewSession(c1, common.ManagerPrimary, rec)
	s.Start()
	go c2.Write([]byte{0, 99, 1, 2, 3})

	select {
	case <-rec.closedCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("session not closed on unknown code")
	}
	errs := rec.errors()
	if len(errs) != 1 || !errors.Is(errs[0], wire.ErrProtocol) {
		t.Errorf("errors %v", errs)
	}
	var pe *wire.ProtocolError
	if len(errs) == 1 && (!errors.As(errs[0], &pe) || pe.Code != 99) {
		t.Errorf("protocol error code: %v", errs[0])
	}
	if s.Connected() {
		t.Errorf("session still connected")
	}
	if f := s.Write(&common.Check{ID: 1}); !errors.Is(f.Err(), ErrSessionClosed) {
		t.Errorf("write on closed session: %v", f.Err())
	}
}

// bridged routes every reply received by the manager side to a bridge
type bridged struct {
	*recorder
	bridge *SyncBridge
}

func (b *bridged) MessageReceived(s *Session, msg wire.Message) {
	b.recorder.MessageReceived(s, msg)
	b.bridge.ResultReceived(msg)
}

func echoCourier() *recorder {
	rec := newRecorder()
	rec.onMessage = func(s *Session, msg wire.Message) {
		if c, ok := msg.(*common.Check); ok {
			s.Write(&common.Check{ID: c.ID})
		}
	}
	return rec
}

func TestSyncBridgeWrite(t *testing.T) {
	mh := &bridged{recorder: newRecorder()}
	c1, c2 := net.Pipe()
	m := NewSession(c1, common.ManagerPrimary, mh)
	mh.bridge = NewSyncBridge(m)
	c := NewSession(c2, common.CourierPrimary, echoCourier())
	m.Start()
	c.Start()
	defer c.Close()

	for id := int64(1); id <= 3; id++ {
		res, err := mh.bridge.Write(&common.Check{ID: id}, time.Second)
		if err != nil {
			t.Fatalf("write %d: %v", id, err)
		}
		if check, ok := res.(*common.Check); !ok || check.ID != id {
			t.Errorf("reply %#v to check %d", res, id)
		}
	}
	if !mh.bridge.Connected() {
		t.Errorf("bridge disconnected")
	}
	if err := mh.bridge.Close(time.Second); err != nil {
		t.Errorf("close: %v", err)
	}
	if err := mh.bridge.Close(time.Second); err != nil {
		t.Errorf("second close: %v", err)
	}
	if mh.bridge.Connected() {
		t.Errorf("bridge connected after close")
	}
}

func TestSyncBridgeTimeout(t *testing.T) {
	mh := &bridged{recorder: newRecorder()}
	m, c := pipeSessions(mh, newRecorder())
	mh.bridge = NewSyncBridge(m)
	defer c.Close()
	defer m.Close()

	start := time.Now()
	_, err := mh.bridge.Write(&common.Check{ID: 1}, 100*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("expected timeout, got %v", err)
	}
	if el := time.Since(start); el < 100*time.Millisecond || el > time.Second {
		t.Errorf("timeout after %v", el)
	}
}

func TestSyncBridgeDisconnect(t *testing.T) {
	mh := &bridged{recorder: newRecorder()}
	m, c := pipeSessions(mh, newRecorder())
	mh.bridge = NewSyncBridge(m)

	time.AfterFunc(50*time.Millisecond, c.Close)
	start := time.Now()
	_, err := mh.bridge.Write(&common.Check{ID: 1}, 5*time.Second)
	if !errors.Is(err, ErrDisconnected) {
		t.Errorf("expected disconnected, got %v", err)
	}
	if el := time.Since(start); el > 2*time.Second {
		t.Errorf("disconnect noticed after %v", el)
	}
	if _, err := mh.bridge.Write(&common.Check{ID: 2}, time.Second); !errors.Is(err, ErrDisconnected) {
		t.Errorf("write after disconnect: %v", err)
	}
}

func TestServerAcceptAndStop(t *testing.T) {
	lsn, err := NewTCPListener("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srvRec := newRecorder()
	srv := NewServer(lsn, common.ManagerPrimary, srvRec)
	go srv.Run()

	cliRec := newRecorder()
	s, err := Dial(context.Background(), srv.Addr().String(), time.Second, nil, common.CourierPrimary, cliRec)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Write(&common.Handshake{Code: "cfg-1"}).Wait(time.Second); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, "handshake", func() bool { return len(srvRec.messages()) == 1 })
	if h, ok := srvRec.messages()[0].(*common.Handshake); !ok || h.Code != "cfg-1" {
		t.Errorf("received %#v", srvRec.messages()[0])
	}
	if srv.Sessions() != 1 {
		t.Errorf("sessions %d", srv.Sessions())
	}
	if s.Host() != "127.0.0.1" {
		t.Errorf("host %s", s.Host())
	}

	srv.Stop(time.Second)
	select {
	case <-srv.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("accept loop still running")
	}
	select {
	case <-cliRec.closedCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("client session not closed by the server stop")
	}
	waitFor(t, time.Second, "session removal", func() bool { return srv.Sessions() == 0 })
}
