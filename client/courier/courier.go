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
// Package courier is the worker side of the fleet protocol: it registers a courier with the manager,
// answers the heartbeat and reports the pipe results over a pool of stat sessions.
package courier

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rdcourier/fleet/common"
	"github.com/rdcourier/fleet/pool"
	"github.com/rdcourier/fleet/transport"
	"github.com/rdcourier/fleet/utility/encoding/wire"
	"github.com/rdcourier/fleet/utility/logger"
)

// Errors
var (
	ErrRejected        = errors.New("Request rejected by the manager")
	ErrUnexpectedReply = errors.New("Unexpected reply")
	ErrNotRegistered   = errors.New("Courier is not registered")
	ErrClosed          = errors.New("Courier is closed")
)

// Config of a courier client
type Config struct {
	// Addr is the primary address of the manager, host:port
	Addr string
	// Code identifies the courier configuration, it shows in the manager registry
	Code string
	// TLS is nil for plain TCP
	TLS *tls.Config

	// Timeout bounds every request
	Timeout time.Duration
	// ConnectTimeout bounds the connects and the registration
	ConnectTimeout time.Duration
	// MaxStatSessions is the stat session pool capacity
	MaxStatSessions int
	// StatThreads run the stat session connects
	StatThreads int
	// CheckInterval is how often the idle stat sessions are checked, 0 disables it
	CheckInterval time.Duration
}

func (cfg *Config) normalize() {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 4 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = cfg.Timeout
	}
	if cfg.MaxStatSessions < 1 {
		cfg.MaxStatSessions = 2
	}
	if cfg.StatThreads < 1 {
		cfg.StatThreads = 2
	}
}

// Client is a registered courier
type Client struct {
	cfg     Config
	host    string
	session *transport.Session
	bridge  atomic.Pointer[transport.SyncBridge]

	mtx        sync.Mutex
	workerID   int32
	statPort   int32
	registered chan struct{}
	closed     bool

	threads *pool.Pool[*pool.WorkThread]
	stats   *pool.Pool[*StatSession]
}

// Connect connects to the manager and waits for the registration
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	cfg.normalize()
	host, _, err := net.SplitHostPort(cfg.Addr)
	if err != nil {
		return nil, err
	}
	c := &Client{cfg: cfg, host: host, registered: make(chan struct{})}
	h := &primaryHandler{c: c}
	c.session, err = transport.Dial(ctx, cfg.Addr, cfg.ConnectTimeout, cfg.TLS, common.CourierPrimary, h)
	if err != nil {
		return nil, err
	}
	c.bridge.Store(transport.NewSyncBridge(c.session))

	t := time.NewTimer(cfg.ConnectTimeout)
	defer t.Stop()
	select {
	case <-c.registered:
	case <-c.session.Done():
		return nil, fmt.Errorf("%w: closed by the manager", ErrNotRegistered)
	case <-t.C:
		c.session.CloseWait(transport.DefaultCloseTimeout)
		return nil, fmt.Errorf("%w: no manager info after %v", ErrNotRegistered, cfg.ConnectTimeout)
	case <-ctx.Done():
		c.session.CloseWait(transport.DefaultCloseTimeout)
		return nil, ctx.Err()
	}

	threadOpts := pool.DefaultOptions()
	threadOpts.Max = cfg.StatThreads
	c.threads = pool.NewWorkThreadPool(fmt.Sprintf("courier-%d-threads", c.WorkerID()), threadOpts)

	opts := pool.DefaultOptions()
	opts.Max = cfg.MaxStatSessions
	opts.CheckInterval = cfg.CheckInterval
	opts.ShrinkInterval = time.Minute
	opts.ShrinkIdlePeriod = 5 * time.Minute
	c.stats = pool.New[*StatSession](fmt.Sprintf("courier-%d-stats", c.WorkerID()), &statFactory{c: c}, opts)
	c.stats.SetExecutePolicy(pool.NewAsyncPolicy[*StatSession](c.threads, cfg.ConnectTimeout, cfg.Timeout))
	if err = c.stats.Start(); err != nil {
		c.Close()
		return nil, err
	}
	if logger.GetLogger().V(logger.Info) {
		logger.GetLogger().Log(logger.Info, "courier", c.WorkerID(), "registered with", cfg.Addr)
	}
	return c, nil
}

func (c *Client) registration() (int32, int32) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.workerID, c.statPort
}

// WorkerID is the id the manager assigned
func (c *Client) WorkerID() int32 {
	id, _ := c.registration()
	return id
}

// Done is closed once the primary session is closed
func (c *Client) Done() <-chan struct{} {
	return c.session.Done()
}

// StatStats returns the stat session pool counters
func (c *Client) StatStats() pool.Stats {
	return c.stats.Stats()
}

func (c *Client) withStatSession(ctx context.Context, call func(ss *StatSession) error) error {
	c.mtx.Lock()
	closed := c.closed
	c.mtx.Unlock()
	if closed {
		return ErrClosed
	}
	ss, err := c.stats.GetObjectContext(ctx, c.cfg.Timeout)
	if err != nil {
		return fmt.Errorf("stat session: %w", err)
	}
	err = call(ss)
	if err != nil && !errors.Is(err, ErrRejected) {
		// the session state is unknown after a transport error
		c.stats.ReleaseAndRemoveObject(ss)
		return err
	}
	c.stats.ReleaseObject(ss)
	return err
}

// Report sends one result and waits until the manager accepted it. ctx bounds the wait for a free
// stat session.
func (c *Client) Report(ctx context.Context, r *common.ProcessResult) error {
	return c.withStatSession(ctx, func(ss *StatSession) error { return ss.Report(r) })
}

// ReportBatch sends several results at once, the manager accepts all or none
func (c *Client) ReportBatch(ctx context.Context, results []*common.ProcessResult) error {
	if len(results) == 0 {
		return nil
	}
	return c.withStatSession(ctx, func(ss *StatSession) error { return ss.ReportBatch(results) })
}

// Close leaves the fleet: it sends Stop, waits for the acknowledgment and closes the sessions
func (c *Client) Close() error {
	c.mtx.Lock()
	if c.closed {
		c.mtx.Unlock()
		return nil
	}
	c.closed = true
	c.mtx.Unlock()

	var err error
	bridge := c.bridge.Load()
	if bridge.Connected() {
		var resp wire.Message
		resp, err = bridge.Write(&common.Stop{}, c.cfg.Timeout)
		if err == nil {
			if ack, ok := resp.(*common.Ack); !ok {
				err = fmt.Errorf("%w: %v", ErrUnexpectedReply, resp)
			} else {
				err = ack.Err()
			}
		}
	}
	if c.stats != nil {
		c.stats.Close()
	}
	if c.threads != nil {
		c.threads.Close()
	}
	if cerr := bridge.Close(transport.DefaultCloseTimeout); err == nil {
		err = cerr
	}
	if logger.GetLogger().V(logger.Info) {
		logger.GetLogger().Log(logger.Info, "courier", c.WorkerID(), "closed")
	}
	return err
}

type primaryHandler struct {
	c    *Client
	once sync.Once
}

func (h *primaryHandler) SessionOpened(s *transport.Session) {
	s.Write(&common.Handshake{Code: h.c.cfg.Code})
}

func (h *primaryHandler) MessageReceived(s *transport.Session, msg wire.Message) {
	switch m := msg.(type) {
	case *common.ManagerInfo:
		h.c.mtx.Lock()
		h.c.workerID = m.WorkerID
		h.c.statPort = m.StatPort
		h.c.mtx.Unlock()
		s.Write(common.AckOK())
		h.once.Do(func() { close(h.c.registered) })
	case *common.Check:
		s.Write(&common.Check{ID: m.ID})
	case *common.Ack:
		if b := h.c.bridge.Load(); b != nil {
			b.ResultReceived(m)
		}
	default:
		if logger.GetLogger().V(logger.Warning) {
			logger.GetLogger().Log(logger.Warning, s, "unexpected message", msg)
		}
	}
}

func (h *primaryHandler) SessionClosed(s *transport.Session) {
	if logger.GetLogger().V(logger.Info) {
		logger.GetLogger().Log(logger.Info, s, "manager session closed")
	}
}

func (h *primaryHandler) ExceptionCaught(s *transport.Session, err error) {
	if logger.GetLogger().V(logger.Info) {
		logger.GetLogger().Log(logger.Info, s, "manager session error:", err.Error())
	}
}
