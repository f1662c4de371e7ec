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
package courier

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rdcourier/fleet/common"
	"github.com/rdcourier/fleet/transport"
	"github.com/rdcourier/fleet/utility/encoding/wire"
	"github.com/rdcourier/fleet/utility/logger"
)

// StatSession is a connection to the stats port of the manager, bound to one courier
type StatSession struct {
	session *transport.Session
	bridge  *transport.SyncBridge
	timeout time.Duration
	checkID int64
}

type statHandler struct {
	bridge atomic.Pointer[transport.SyncBridge]
}

func (h *statHandler) SessionOpened(s *transport.Session) {}

func (h *statHandler) MessageReceived(s *transport.Session, msg wire.Message) {
	switch msg.(type) {
	case *common.Ack, *common.Check:
		if b := h.bridge.Load(); b != nil {
			b.ResultReceived(msg)
		}
	default:
		if logger.GetLogger().V(logger.Warning) {
			logger.GetLogger().Log(logger.Warning, s, "unexpected message", msg)
		}
	}
}

func (h *statHandler) SessionClosed(s *transport.Session) {}

func (h *statHandler) ExceptionCaught(s *transport.Session, err error) {
	if logger.GetLogger().V(logger.Info) {
		logger.GetLogger().Log(logger.Info, s, "stat session error:", err.Error())
	}
}

// dialStatSession connects to addr and binds the session to workerID
func dialStatSession(ctx context.Context, addr string, tlsConfig *tls.Config, workerID int32, timeout time.Duration) (*StatSession, error) {
	h := &statHandler{}
	s, err := transport.Dial(ctx, addr, timeout, tlsConfig, common.CourierStats, h)
	if err != nil {
		return nil, err
	}
	ss := &StatSession{session: s, bridge: transport.NewSyncBridge(s), timeout: timeout}
	h.bridge.Store(ss.bridge)
	if err = ss.request(&common.ManagerInfo{WorkerID: workerID}); err != nil {
		ss.Close()
		return nil, fmt.Errorf("bind stat session: %w", err)
	}
	return ss, nil
}

// request sends msg and expects a successful Ack
func (ss *StatSession) request(msg wire.Message) error {
	resp, err := ss.bridge.Write(msg, ss.timeout)
	if err != nil {
		return err
	}
	ack, ok := resp.(*common.Ack)
	if !ok {
		return fmt.Errorf("%w: %v", ErrUnexpectedReply, resp)
	}
	if ack.HasError {
		return fmt.Errorf("%w: %s", ErrRejected, ack.Error)
	}
	return nil
}

// Report sends one result and waits for the acknowledgment
func (ss *StatSession) Report(r *common.ProcessResult) error {
	return ss.request(r)
}

// ReportBatch sends several results in one message
func (ss *StatSession) ReportBatch(results []*common.ProcessResult) error {
	return ss.request(&common.ProcessResultBatch{Results: results})
}

// Check sends a heartbeat on the session, the manager echoes it
func (ss *StatSession) Check() error {
	id := atomic.AddInt64(&ss.checkID, 1)
	resp, err := ss.bridge.Write(&common.Check{ID: id}, ss.timeout)
	if err != nil {
		return err
	}
	if c, ok := resp.(*common.Check); !ok || c.ID != id {
		return fmt.Errorf("%w: check %d, got %v", ErrUnexpectedReply, id, resp)
	}
	return nil
}

// Connected tells if the session is open
func (ss *StatSession) Connected() bool {
	return ss.bridge.Connected()
}

// Close closes the connection
func (ss *StatSession) Close() error {
	return ss.bridge.Close(transport.DefaultCloseTimeout)
}

func (ss *StatSession) String() string {
	return ss.session.String()
}

// statFactory creates the stat sessions of a client
type statFactory struct {
	c *Client
}

func (f *statFactory) Allocate(ctx context.Context) (*StatSession, error) {
	id, port := f.c.registration()
	return dialStatSession(ctx, fmt.Sprintf("%s:%d", f.c.host, port), f.c.cfg.TLS, id, f.c.cfg.Timeout)
}

func (f *statFactory) Validate(ss *StatSession) bool {
	if !ss.Connected() {
		return false
	}
	if err := ss.Check(); err != nil {
		if logger.GetLogger().V(logger.Info) {
			logger.GetLogger().Log(logger.Info, ss, "check failed:", err.Error())
		}
		return false
	}
	return true
}

func (f *statFactory) Deallocate(ss *StatSession) error {
	return ss.Close()
}
