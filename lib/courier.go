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
	"fmt"
	"sync"
	"time"

	"github.com/rdcourier/fleet/common"
	"github.com/rdcourier/fleet/otel"
	"github.com/rdcourier/fleet/transport"
	"github.com/rdcourier/fleet/utility/logger"
	"github.com/rdcourier/fleet/utility/timer"
)

// CourierState is the lifecycle state of a managed courier
type CourierState int

// Courier states. Disconnected is terminal.
const (
	Connecting CourierState = iota
	Handshaking
	Active
	Disconnected
)

func (s CourierState) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Handshaking:
		return "HANDSHAKING"
	case Active:
		return "ACTIVE"
	case Disconnected:
		return "DISCONNECTED"
	}
	return fmt.Sprintf("CourierState(%d)", int(s))
}

// CourierInfo is a snapshot of a managed courier
type CourierInfo struct {
	ID           int32     `json:"id"`
	Host         string    `json:"host"`
	Config       string    `json:"config"`
	State        string    `json:"state"`
	Active       bool      `json:"active"`
	ConnectedAt  time.Time `json:"connected_at"`
	StatSessions int       `json:"stat_sessions"`
	Checks       int64     `json:"checks"`
	Results      int64     `json:"results"`
}

// ManagedCourier is the manager side of one courier: its primary session, the stat sessions bound to it
// and the heartbeat
type ManagedCourier struct {
	mgr         *Manager
	id          int32
	session     *transport.Session
	bridge      *transport.SyncBridge
	host        string
	connectedAt time.Time

	mtx          sync.Mutex
	state        CourierState
	code         string
	registered   bool
	checkID      int64
	results      int64
	checkTask    timer.Task
	statSessions map[int64]*transport.Session
}

func newManagedCourier(mgr *Manager, id int32, s *transport.Session) *ManagedCourier {
	return &ManagedCourier{
		mgr:          mgr,
		id:           id,
		session:      s,
		bridge:       transport.NewSyncBridge(s),
		host:         s.Host(),
		connectedAt:  time.Now(),
		state:        Connecting,
		statSessions: make(map[int64]*transport.Session),
	}
}

// ID is assigned by the manager when the primary session opens
func (c *ManagedCourier) ID() int32 {
	return c.id
}

// Host is the courier IP address
func (c *ManagedCourier) Host() string {
	return c.host
}

// Config is the configuration code the courier sent in its handshake
func (c *ManagedCourier) Config() string {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.code
}

// State returns the lifecycle state
func (c *ManagedCourier) State() CourierState {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.state
}

// Active tells if the courier is registered and not disposed
func (c *ManagedCourier) Active() bool {
	return c.State() == Active
}

// Session is the primary session
func (c *ManagedCourier) Session() *transport.Session {
	return c.session
}

func (c *ManagedCourier) String() string {
	return fmt.Sprintf("courier-%d(%s %s)", c.id, c.host, c.Config())
}

// Info returns a snapshot of the courier
func (c *ManagedCourier) Info() CourierInfo {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return CourierInfo{
		ID:           c.id,
		Host:         c.host,
		Config:       c.code,
		State:        c.state.String(),
		Active:       c.state == Active,
		ConnectedAt:  c.connectedAt,
		StatSessions: len(c.statSessions),
		Checks:       c.checkID,
		Results:      c.results,
	}
}

func (c *ManagedCourier) setCode(code string) {
	c.mtx.Lock()
	c.code = code
	c.mtx.Unlock()
}

// handshake sends the manager info and waits for the courier acknowledgment. It blocks, so it runs on a
// work thread.
func (c *ManagedCourier) handshake() {
	c.mtx.Lock()
	if c.state != Connecting {
		c.mtx.Unlock()
		return
	}
	c.state = Handshaking
	c.mtx.Unlock()

	resp, err := c.bridge.Write(&common.ManagerInfo{WorkerID: c.id, StatPort: c.mgr.StatPort()}, c.mgr.cfg.HandshakeTimeout)
	if err == nil {
		ack, ok := resp.(*common.Ack)
		switch {
		case !ok:
			err = fmt.Errorf("%w: unexpected reply %v", ErrHandshake, resp)
		case ack.HasError:
			err = fmt.Errorf("%w: %v", ErrHandshake, ack.Err())
		}
	}
	if err != nil {
		if logger.GetLogger().V(logger.Warning) {
			logger.GetLogger().Log(logger.Warning, c, "handshake:", err.Error())
		}
		c.Dispose()
		return
	}

	c.mtx.Lock()
	if c.state != Handshaking {
		// disposed while waiting for the ack
		c.mtx.Unlock()
		return
	}
	c.state = Active
	c.registered = true
	c.mtx.Unlock()

	if !c.mgr.courierConnected(c) {
		return
	}

	c.mtx.Lock()
	if c.state == Active {
		c.checkTask = c.mgr.sched.SchedulePeriodic(c.mgr.cfg.CheckInterval, c.mgr.cfg.CheckInterval, c.check)
	}
	c.mtx.Unlock()
}

// check sends the next heartbeat, a reply other than the echo of the request disposes the courier
func (c *ManagedCourier) check() {
	c.mtx.Lock()
	if c.state != Active {
		c.mtx.Unlock()
		return
	}
	req := &common.Check{ID: c.checkID}
	c.checkID++
	c.mtx.Unlock()

	resp, err := c.bridge.Write(req, c.mgr.cfg.Timeout)
	if err == nil {
		if reply, ok := resp.(*common.Check); !ok || reply.ID != req.ID {
			err = fmt.Errorf("%w: sent %d, received %v", ErrCheckMismatch, req.ID, resp)
		}
	}
	if err != nil {
		if logger.GetLogger().V(logger.Info) {
			logger.GetLogger().Log(logger.Info, c, "connection check failed:", err.Error())
		}
		otel.RecordHeartbeatFailure()
		c.Dispose()
		return
	}
	if logger.GetLogger().V(logger.Verbose) {
		logger.GetLogger().Log(logger.Verbose, c, "check", req.ID, "ok")
	}
}

// stop answers the Stop request of the courier and disposes it once the answer is written
func (c *ManagedCourier) stop() {
	if logger.GetLogger().V(logger.Info) {
		logger.GetLogger().Log(logger.Info, c, "stop requested")
	}
	if err := c.bridge.Send(common.AckOK()).Wait(c.mgr.cfg.Timeout); err != nil {
		if logger.GetLogger().V(logger.Warning) {
			logger.GetLogger().Log(logger.Warning, c, "stop ack:", err.Error())
		}
	}
	c.Dispose()
}

func (c *ManagedCourier) resultsReceived(n int) {
	c.mtx.Lock()
	c.results += int64(n)
	c.mtx.Unlock()
}

// addStatSession binds a stat session to the courier. It returns false when the courier is already
// disposed, the caller closes the session then.
func (c *ManagedCourier) addStatSession(s *transport.Session) bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.state == Disconnected {
		return false
	}
	c.statSessions[s.ID()] = s
	return true
}

func (c *ManagedCourier) removeStatSession(s *transport.Session) {
	c.mtx.Lock()
	delete(c.statSessions, s.ID())
	c.mtx.Unlock()
}

// Dispose disconnects the courier. Only the first call does something: it cancels the heartbeat,
// unregisters the courier, notifies the listeners and closes the sessions.
func (c *ManagedCourier) Dispose() {
	c.mtx.Lock()
	if c.state == Disconnected {
		c.mtx.Unlock()
		return
	}
	c.state = Disconnected
	task := c.checkTask
	c.checkTask = nil
	registered := c.registered
	stats := make([]*transport.Session, 0, len(c.statSessions))
	for _, s := range c.statSessions {
		stats = append(stats, s)
	}
	c.statSessions = make(map[int64]*transport.Session)
	c.mtx.Unlock()

	if task != nil {
		task.Cancel()
	}
	c.mgr.courierDisconnected(c, registered)

	if err := c.bridge.Close(transport.DefaultCloseTimeout); err != nil {
		if logger.GetLogger().V(logger.Warning) {
			logger.GetLogger().Log(logger.Warning, c, "close:", err.Error())
		}
	}
	for _, s := range stats {
		if err := s.CloseWait(transport.DefaultCloseTimeout); err != nil {
			if logger.GetLogger().V(logger.Warning) {
				logger.GetLogger().Log(logger.Warning, c, "stat session close:", err.Error())
			}
		}
	}
	if logger.GetLogger().V(logger.Info) {
		logger.GetLogger().Log(logger.Info, c, "disposed")
	}
}
