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
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rdcourier/fleet/common"
	"github.com/rdcourier/fleet/transport"
	"github.com/rdcourier/fleet/utility/encoding/wire"
)

func testConfig() *Config {
	return &Config{
		Timeout:           500 * time.Millisecond,
		HandshakeTimeout:  500 * time.Millisecond,
		CheckInterval:     time.Hour,
		MaxThreads:        8,
		MaxStatThreads:    2,
		StatPortionSize:   1,
		MaxStatBufferSize: 100,
		StatPool:          "statistics",
	}
}

func startManager(t *testing.T, cfg *Config, stat *StatProcessor) *Manager {
	t.Helper()
	primary, err := transport.NewTCPListener("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	stats, err := transport.NewTCPListener("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	m := NewManager(cfg, stat)
	m.Start(primary, stats)
	t.Cleanup(m.Stop)
	return m
}

// fakeCourier plays the courier end of the primary channel
type fakeCourier struct {
	code     string
	ackInfo  bool
	checkOff int64

	info   chan *common.ManagerInfo
	acks   chan *common.Ack
	checks int32
	closed chan struct{}
}

func newFakeCourier(code string) *fakeCourier {
	return &fakeCourier{
		code:    code,
		ackInfo: true,
		info:    make(chan *common.ManagerInfo, 1),
		acks:    make(chan *common.Ack, 10),
		closed:  make(chan struct{}),
	}
}

func (f *fakeCourier) SessionOpened(s *transport.Session) {
	s.Write(&common.Handshake{Code: f.code})
}

func (f *fakeCourier) MessageReceived(s *transport.Session, msg wire.Message) {
	switch m := msg.(type) {
	case *common.ManagerInfo:
		f.info <- m
		if f.ackInfo {
			s.Write(common.AckOK())
		}
	case *common.Check:
		atomic.AddInt32(&f.checks, 1)
		s.Write(&common.Check{ID: m.ID + f.checkOff})
	case *common.Ack:
		f.acks <- m
	}
}

func (f *fakeCourier) SessionClosed(s *transport.Session) {
	close(f.closed)
}

func (f *fakeCourier) ExceptionCaught(s *transport.Session, err error) {}

func (f *fakeCourier) dial(t *testing.T, m *Manager) *transport.Session {
	t.Helper()
	s, err := transport.Dial(context.Background(), m.PrimaryAddr().String(), time.Second, nil, common.CourierPrimary, f)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Close)
	return s
}

func (f *fakeCourier) workerID(t *testing.T) int32 {
	t.Helper()
	select {
	case info := <-f.info:
		return info.WorkerID
	case <-time.After(2 * time.Second):
		t.Fatal("no manager info")
	}
	return 0
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatal(what, "not closed")
	}
}

type listenerRecorder struct {
	mtx       sync.Mutex
	connected []*ManagedCourier
	closing   []*ManagedCourier
	results   []*common.ProcessResult
	events    chan string
}

func newListenerRecorder() *listenerRecorder {
	return &listenerRecorder{events: make(chan string, 100)}
}

func (r *listenerRecorder) CourierConnected(c *ManagedCourier) {
	r.mtx.Lock()
	r.connected = append(r.connected, c)
	r.mtx.Unlock()
	r.events <- fmt.Sprintf("connected %d", c.ID())
}

func (r *listenerRecorder) CourierClosing(c *ManagedCourier) {
	r.mtx.Lock()
	r.closing = append(r.closing, c)
	r.mtx.Unlock()
	r.events <- fmt.Sprintf("closing %d", c.ID())
}

func (r *listenerRecorder) ResultReceived(c *ManagedCourier, res *common.ProcessResult) {
	r.mtx.Lock()
	r.results = append(r.results, res)
	r.mtx.Unlock()
	r.events <- fmt.Sprintf("result %d", res.ID)
}

func (r *listenerRecorder) expect(t *testing.T, event string) {
	t.Helper()
	select {
	case got := <-r.events:
		if got != event {
			t.Fatalf("event %q, want %q", got, event)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no event, want %q", event)
	}
}

func (r *listenerRecorder) counts() (int, int) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return len(r.connected), len(r.closing)
}

func TestHandshakeRegistersCourier(t *testing.T) {
	m := startManager(t, testConfig(), nil)
	rec := newListenerRecorder()
	m.AddListener(rec)

	fc := newFakeCourier("cfg-A")
	fc.dial(t, m)
	id := fc.workerID(t)
	rec.expect(t, fmt.Sprintf("connected %d", id))

	c := m.Courier(id)
	if c == nil || !c.Active() || c.Config() != "cfg-A" {
		t.Fatalf("courier %v", c)
	}
	var buf bytes.Buffer
	if err := m.WriteCouriers(&buf); err != nil {
		t.Fatal(err)
	}
	want := fmt.Sprintf("ID=%d Host=127.0.0.1 Config=cfg-A Active=true\n", id)
	if buf.String() != want {
		t.Errorf("couriers %q, want %q", buf.String(), want)
	}
	if infos := m.CourierInfos(); len(infos) != 1 || infos[0].State != "ACTIVE" {
		t.Errorf("infos %+v", infos)
	}
	if m.Pending() != 0 {
		t.Errorf("pending %d", m.Pending())
	}
}

func TestHandshakeTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.HandshakeTimeout = 200 * time.Millisecond
	m := startManager(t, cfg, nil)
	rec := newListenerRecorder()
	m.AddListener(rec)

	fc := newFakeCourier("cfg-B")
	fc.ackInfo = false
	fc.dial(t, m)
	fc.workerID(t)
	waitClosed(t, fc.closed, "courier session")

	var buf bytes.Buffer
	m.WriteCouriers(&buf)
	if buf.Len() != 0 {
		t.Errorf("couriers %q", buf.String())
	}
	// give a late notification the chance to show up
	time.Sleep(50 * time.Millisecond)
	if connected, closing := rec.counts(); connected != 0 || closing != 0 {
		t.Errorf("listener saw %d connected %d closing", connected, closing)
	}
	if m.Pending() != 0 {
		t.Errorf("pending %d", m.Pending())
	}
}

func TestCheckEcho(t *testing.T) {
	cfg := testConfig()
	cfg.CheckInterval = 20 * time.Millisecond
	m := startManager(t, cfg, nil)

	fc := newFakeCourier("cfg-C")
	fc.dial(t, m)
	id := fc.workerID(t)
	time.Sleep(300 * time.Millisecond)

	c := m.Courier(id)
	if c == nil || !c.Active() {
		t.Fatal("courier not active after checks")
	}
	if n := atomic.LoadInt32(&fc.checks); n < 2 {
		t.Errorf("%d checks", n)
	}
	if info := c.Info(); info.Checks < 2 {
		t.Errorf("info checks %d", info.Checks)
	}
}

func TestCheckMismatchDisposes(t *testing.T) {
	cfg := testConfig()
	cfg.CheckInterval = 30 * time.Millisecond
	m := startManager(t, cfg, nil)
	rec := newListenerRecorder()
	m.AddListener(rec)

	fc := newFakeCourier("cfg-D")
	fc.checkOff = 1
	fc.dial(t, m)
	id := fc.workerID(t)
	rec.expect(t, fmt.Sprintf("connected %d", id))
	rec.expect(t, fmt.Sprintf("closing %d", id))
	waitClosed(t, fc.closed, "courier session")

	rec.mtx.Lock()
	c := rec.connected[0]
	rec.mtx.Unlock()
	if c.State() != Disconnected {
		t.Errorf("state %v", c.State())
	}
	c.Dispose()
	time.Sleep(50 * time.Millisecond)
	if _, closing := rec.counts(); closing != 1 {
		t.Errorf("%d closing notifications", closing)
	}
	if m.Courier(id) != nil {
		t.Error("disposed courier still registered")
	}
}

func TestCourierStop(t *testing.T) {
	m := startManager(t, testConfig(), nil)
	rec := newListenerRecorder()
	m.AddListener(rec)

	fc := newFakeCourier("cfg-E")
	s := fc.dial(t, m)
	id := fc.workerID(t)
	rec.expect(t, fmt.Sprintf("connected %d", id))

	if err := s.Write(&common.Stop{}).Wait(time.Second); err != nil {
		t.Fatal(err)
	}
	select {
	case ack := <-fc.acks:
		if ack.HasError {
			t.Errorf("stop ack %v", ack.Err())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no stop ack")
	}
	waitClosed(t, fc.closed, "courier session")
	rec.expect(t, fmt.Sprintf("closing %d", id))
}

func TestManagerStopDisposesCouriers(t *testing.T) {
	m := startManager(t, testConfig(), nil)
	fc := newFakeCourier("cfg-F")
	fc.dial(t, m)
	id := fc.workerID(t)
	deadline := time.Now().Add(2 * time.Second)
	for m.Courier(id) == nil && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	m.Stop()
	waitClosed(t, fc.closed, "courier session")
	if len(m.Couriers()) != 0 {
		t.Errorf("couriers left %v", m.Couriers())
	}
	// idempotent
	m.Stop()
}

// statClient plays the courier end of the stats channel
type statClient struct {
	acks   chan *common.Ack
	closed chan struct{}
}

func (sc *statClient) SessionOpened(s *transport.Session) {}

func (sc *statClient) MessageReceived(s *transport.Session, msg wire.Message) {
	if ack, ok := msg.(*common.Ack); ok {
		sc.acks <- ack
	}
}

func (sc *statClient) SessionClosed(s *transport.Session) {
	close(sc.closed)
}

func (sc *statClient) ExceptionCaught(s *transport.Session, err error) {}

func dialStats(t *testing.T, m *Manager) (*transport.Session, *statClient) {
	t.Helper()
	sc := &statClient{acks: make(chan *common.Ack, 10), closed: make(chan struct{})}
	addr := fmt.Sprintf("127.0.0.1:%d", m.StatPort())
	s, err := transport.Dial(context.Background(), addr, time.Second, nil, common.CourierStats, sc)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Close)
	return s, sc
}

func (sc *statClient) ack(t *testing.T) *common.Ack {
	t.Helper()
	select {
	case ack := <-sc.acks:
		return ack
	case <-time.After(2 * time.Second):
		t.Fatal("no ack")
	}
	return nil
}

func TestStatSessionResults(t *testing.T) {
	cfg := testConfig()
	cfg.ResultTemplate = "insert into results values ([%ID], [%Pipe], [%Config])"
	db := newFakeExecutor()
	stat, err := NewStatProcessor(cfg, db, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer stat.Close(time.Second)
	m := startManager(t, cfg, stat)
	rec := newListenerRecorder()
	m.AddListener(rec)

	fc := newFakeCourier("cfg-G")
	fc.dial(t, m)
	id := fc.workerID(t)
	rec.expect(t, fmt.Sprintf("connected %d", id))

	s, sc := dialStats(t, m)
	s.Write(&common.ManagerInfo{WorkerID: id})
	if ack := sc.ack(t); ack.HasError {
		t.Fatal(ack.Err())
	}
	s.Write(&common.ProcessResult{ID: 7, Pipe: "orders", RecordCount: 3})
	if ack := sc.ack(t); ack.HasError {
		t.Fatal(ack.Err())
	}
	rec.expect(t, "result 7")
	if got, want := db.next(t), "insert into results values (7, 'orders', 'cfg-G')"; got != want {
		t.Errorf("statement %q, want %q", got, want)
	}

	s.Write(&common.ProcessResultBatch{Results: []*common.ProcessResult{{ID: 8, Pipe: "a"}, {ID: 9, Pipe: "b"}}})
	if ack := sc.ack(t); ack.HasError {
		t.Fatal(ack.Err())
	}
	rec.expect(t, "result 8")
	rec.expect(t, "result 9")
	if info := m.Courier(id).Info(); info.Results != 3 || info.StatSessions != 1 {
		t.Errorf("info %+v", info)
	}
}

func TestStatSessionUnknownCourier(t *testing.T) {
	m := startManager(t, testConfig(), nil)
	s, sc := dialStats(t, m)
	s.Write(&common.ManagerInfo{WorkerID: 4242})
	waitClosed(t, sc.closed, "stat session")
}

func TestStatSessionNotBound(t *testing.T) {
	m := startManager(t, testConfig(), nil)
	s, sc := dialStats(t, m)
	s.Write(&common.ProcessResult{ID: 1})
	if ack := sc.ack(t); !ack.HasError {
		t.Error("results of an unbound session accepted")
	}
}

func TestStatSessionClosedWithCourier(t *testing.T) {
	m := startManager(t, testConfig(), nil)
	fc := newFakeCourier("cfg-H")
	cs := fc.dial(t, m)
	id := fc.workerID(t)
	deadline := time.Now().Add(2 * time.Second)
	for m.Courier(id) == nil && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	s, sc := dialStats(t, m)
	s.Write(&common.ManagerInfo{WorkerID: id})
	sc.ack(t)
	cs.Close()
	waitClosed(t, sc.closed, "stat session")
}

func TestDisposeDuringHandshakeCompletion(t *testing.T) {
	m := NewManager(testConfig(), nil)
	t.Cleanup(m.Stop)
	rec := newListenerRecorder()
	m.AddListener(rec)

	conn, peer := net.Pipe()
	defer peer.Close()
	c := m.accept(transport.NewSession(conn, common.ManagerPrimary, m.PrimaryHandler()))

	// the handshake marked the courier active, the session drops before it is registered
	c.mtx.Lock()
	c.state = Active
	c.registered = true
	c.mtx.Unlock()
	c.Dispose()

	if m.courierConnected(c) {
		t.Error("disposed courier registered")
	}
	if m.Courier(c.ID()) != nil {
		t.Errorf("disposed courier %d still in the registry", c.ID())
	}
	if m.Pending() != 0 {
		t.Errorf("pending %d", m.Pending())
	}
	if connected, closing := rec.counts(); connected != 0 || closing != 0 {
		t.Errorf("connected=%d closing=%d", connected, closing)
	}
	var b bytes.Buffer
	m.WriteCouriers(&b)
	if b.Len() != 0 {
		t.Errorf("couriers %q", b.String())
	}
}
