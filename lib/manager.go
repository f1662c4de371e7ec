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
	"io"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rdcourier/fleet/common"
	"github.com/rdcourier/fleet/pool"
	"github.com/rdcourier/fleet/transport"
	"github.com/rdcourier/fleet/utility/encoding/wire"
	"github.com/rdcourier/fleet/utility/logger"
	"github.com/rdcourier/fleet/utility/timer"
)

// CourierListener is notified of the courier lifecycle. The callbacks run on work threads, a panic in one
// listener does not prevent the others from running.
type CourierListener interface {
	// CourierConnected is called once the handshake completed and the courier is registered
	CourierConnected(c *ManagedCourier)
	// CourierClosing is called once when a registered courier is disposed
	CourierClosing(c *ManagedCourier)
	// ResultReceived is called for every result a courier reported
	ResultReceived(c *ManagedCourier, r *common.ProcessResult)
}

// Manager accepts the couriers, keeps the registry of the active ones and routes their results to the
// StatProcessor
type Manager struct {
	cfg  *Config
	stat *StatProcessor

	nextID   int32
	statPort int32
	stopped  int32

	mtx       sync.RWMutex
	couriers  map[int32]*ManagedCourier
	pending   map[int32]*ManagedCourier
	listeners []CourierListener

	threads    *pool.Pool[*pool.WorkThread]
	exec       *pool.ThreadExecutor
	sched      *timer.Scheduler
	stateTask  timer.Task
	primarySrv *transport.Server
	statsSrv   *transport.Server
}

// NewManager creates a manager. stat may be nil when results are not processed.
func NewManager(cfg *Config, stat *StatProcessor) *Manager {
	opts := pool.DefaultOptions()
	opts.Max = cfg.MaxThreads
	opts.ShrinkInterval = time.Minute
	opts.ShrinkIdlePeriod = 5 * time.Minute
	threads := pool.NewWorkThreadPool("manager-threads", opts)
	m := &Manager{
		cfg:      cfg,
		stat:     stat,
		statPort: int32(cfg.StatPort),
		couriers: make(map[int32]*ManagedCourier),
		pending:  make(map[int32]*ManagedCourier),
		threads:  threads,
		exec:     pool.NewThreadExecutor(threads, cfg.Timeout),
		sched:    timer.NewScheduler("manager"),
	}
	if stat != nil && cfg.StateStoreInterval > 0 {
		m.stateTask = m.sched.SchedulePeriodic(cfg.StateStoreInterval, cfg.StateStoreInterval, m.storeState)
	}
	return m
}

// AddListener registers a courier listener
func (m *Manager) AddListener(l CourierListener) {
	m.mtx.Lock()
	m.listeners = append(m.listeners, l)
	m.mtx.Unlock()
}

func (m *Manager) getListeners() []CourierListener {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	return append([]CourierListener(nil), m.listeners...)
}

func (m *Manager) notify(what string, c *ManagedCourier, call func(l CourierListener)) {
	for _, l := range m.getListeners() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					if logger.GetLogger().V(logger.Warning) {
						logger.GetLogger().Log(logger.Warning, c, what, "listener panic:", r)
					}
				}
			}()
			call(l)
		}()
	}
}

// Start runs the accept loops of the primary and the stats listeners
func (m *Manager) Start(primary, stats transport.Listener) {
	if tcp, ok := stats.Addr().(*net.TCPAddr); ok {
		atomic.StoreInt32(&m.statPort, int32(tcp.Port))
	}
	m.primarySrv = transport.NewServer(primary, common.ManagerPrimary, m.PrimaryHandler())
	m.statsSrv = transport.NewServer(stats, common.ManagerStats, m.StatsHandler())
	go m.primarySrv.Run()
	go m.statsSrv.Run()
	if logger.GetLogger().V(logger.Info) {
		logger.GetLogger().Log(logger.Info, "manager listening on", primary.Addr(), "stats on", stats.Addr())
	}
}

// PrimaryAddr is the address couriers connect to, nil before Start
func (m *Manager) PrimaryAddr() net.Addr {
	if m.primarySrv == nil {
		return nil
	}
	return m.primarySrv.Addr()
}

// StatPort is the port sent to the couriers for their result reports
func (m *Manager) StatPort() int32 {
	return atomic.LoadInt32(&m.statPort)
}

// Stop closes the listeners and disposes every courier
func (m *Manager) Stop() {
	if !atomic.CompareAndSwapInt32(&m.stopped, 0, 1) {
		return
	}
	if m.stateTask != nil {
		m.stateTask.Cancel()
	}
	if m.primarySrv != nil {
		m.primarySrv.Stop(transport.DefaultCloseTimeout)
	}
	m.mtx.RLock()
	all := make([]*ManagedCourier, 0, len(m.couriers)+len(m.pending))
	for _, c := range m.couriers {
		all = append(all, c)
	}
	for _, c := range m.pending {
		all = append(all, c)
	}
	m.mtx.RUnlock()
	for _, c := range all {
		c.Dispose()
	}
	if m.statsSrv != nil {
		m.statsSrv.Stop(transport.DefaultCloseTimeout)
	}
	m.sched.Stop()
	m.threads.Close()
	if logger.GetLogger().V(logger.Info) {
		logger.GetLogger().Log(logger.Info, "manager stopped")
	}
}

// execute hands work off the session reader goroutines
func (m *Manager) execute(what string, task func()) {
	if err := m.exec.Execute(task); err != nil {
		if logger.GetLogger().V(logger.Warning) {
			logger.GetLogger().Log(logger.Warning, "no work thread for", what+":", err.Error())
		}
		go task()
	}
}

// Courier returns the active courier with that id, nil if none
func (m *Manager) Courier(id int32) *ManagedCourier {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	return m.couriers[id]
}

// lookup returns the courier with that id, registered or still handshaking
func (m *Manager) lookup(id int32) *ManagedCourier {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	if c, ok := m.couriers[id]; ok {
		return c
	}
	return m.pending[id]
}

// Couriers returns the active couriers sorted by id
func (m *Manager) Couriers() []*ManagedCourier {
	m.mtx.RLock()
	list := make([]*ManagedCourier, 0, len(m.couriers))
	for _, c := range m.couriers {
		list = append(list, c)
	}
	m.mtx.RUnlock()
	sort.Slice(list, func(i, j int) bool { return list[i].id < list[j].id })
	return list
}

// CourierInfos returns a snapshot of the active couriers
func (m *Manager) CourierInfos() []CourierInfo {
	list := m.Couriers()
	infos := make([]CourierInfo, 0, len(list))
	for _, c := range list {
		infos = append(infos, c.Info())
	}
	return infos
}

// Pending returns the number of couriers connected but not registered yet
func (m *Manager) Pending() int {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	return len(m.pending)
}

// WriteCouriers writes one line per registered courier
func (m *Manager) WriteCouriers(w io.Writer) error {
	for _, c := range m.Couriers() {
		if _, err := fmt.Fprintf(w, "ID=%d Host=%s Config=%s Active=%t\n", c.id, c.host, c.Config(), c.Active()); err != nil {
			return err
		}
	}
	return nil
}

// accept creates the courier of a new primary session
func (m *Manager) accept(s *transport.Session) *ManagedCourier {
	c := newManagedCourier(m, atomic.AddInt32(&m.nextID, 1), s)
	s.SetAttribute(attrCourier, c)
	m.mtx.Lock()
	m.pending[c.id] = c
	m.mtx.Unlock()
	if logger.GetLogger().V(logger.Info) {
		logger.GetLogger().Log(logger.Info, "courier", c.id, "connected from", s.RemoteAddr())
	}
	return c
}

// courierConnected registers an active courier. It returns false, registering nothing, when the
// courier was disposed after its handshake: Dispose marks the state before it takes m.mtx, so a
// courier seen Active here is still found by its courierDisconnected.
func (m *Manager) courierConnected(c *ManagedCourier) bool {
	m.mtx.Lock()
	delete(m.pending, c.id)
	if c.State() != Active {
		m.mtx.Unlock()
		return false
	}
	m.couriers[c.id] = c
	m.mtx.Unlock()
	if logger.GetLogger().V(logger.Info) {
		logger.GetLogger().Log(logger.Info, c, "active")
	}
	m.notify("connected", c, func(l CourierListener) { l.CourierConnected(c) })
	m.queueState(c, StateConnected)
	return true
}

// courierDisconnected removes the courier from the registry, the listeners hear about the couriers
// that were registered only
func (m *Manager) courierDisconnected(c *ManagedCourier, registered bool) {
	m.mtx.Lock()
	delete(m.pending, c.id)
	_, found := m.couriers[c.id]
	delete(m.couriers, c.id)
	m.mtx.Unlock()
	if !registered || !found {
		return
	}
	m.notify("closing", c, func(l CourierListener) { l.CourierClosing(c) })
	m.queueState(c, StateDisconnected)
}

func (m *Manager) queueState(c *ManagedCourier, state string) {
	if m.stat == nil || !m.stat.HasStateTemplate() {
		return
	}
	if err := m.stat.Add(newStateItem(c, state)); err != nil {
		if logger.GetLogger().V(logger.Warning) {
			logger.GetLogger().Log(logger.Warning, c, "state", state, "dropped:", err.Error())
		}
	}
}

// storeState queues the state of every active courier
func (m *Manager) storeState() {
	for _, c := range m.Couriers() {
		if c.Active() {
			m.queueState(c, StateConnected)
		}
	}
}

// results queues the results of a courier, the listeners are notified once they are accepted
func (m *Manager) results(c *ManagedCourier, results []*common.ProcessResult) error {
	if m.stat != nil {
		items := make([]statItem, 0, len(results))
		for _, r := range results {
			items = append(items, newResultItem(c, r))
		}
		if err := m.stat.Add(items...); err != nil {
			return err
		}
	}
	c.resultsReceived(len(results))
	if len(m.getListeners()) > 0 {
		m.execute("result listeners", func() {
			for _, r := range results {
				m.notify("result", c, func(l CourierListener) { l.ResultReceived(c, r) })
			}
		})
	}
	return nil
}

func courierOf(s *transport.Session) *ManagedCourier {
	c, _ := s.Attribute(attrCourier).(*ManagedCourier)
	return c
}

type primaryHandler struct {
	m *Manager
}

// PrimaryHandler returns the handler of the sessions accepted on the primary port
func (m *Manager) PrimaryHandler() transport.Handler {
	return &primaryHandler{m: m}
}

func (h *primaryHandler) SessionOpened(s *transport.Session) {
	if atomic.LoadInt32(&h.m.stopped) != 0 {
		s.Close()
		return
	}
	c := h.m.accept(s)
	h.m.execute("handshake", c.handshake)
}

func (h *primaryHandler) MessageReceived(s *transport.Session, msg wire.Message) {
	c := courierOf(s)
	if c == nil {
		return
	}
	switch m := msg.(type) {
	case *common.Handshake:
		c.setCode(m.Code)
		if logger.GetLogger().V(logger.Debug) {
			logger.GetLogger().Log(logger.Debug, c, "handshake code", m.Code)
		}
	case *common.Ack, *common.Check:
		c.bridge.ResultReceived(msg)
	case *common.Stop:
		h.m.execute("stop", c.stop)
	default:
		if logger.GetLogger().V(logger.Warning) {
			logger.GetLogger().Log(logger.Warning, c, "unexpected message", msg)
		}
	}
}

func (h *primaryHandler) SessionClosed(s *transport.Session) {
	if c := courierOf(s); c != nil {
		h.m.execute("dispose", c.Dispose)
	}
}

func (h *primaryHandler) ExceptionCaught(s *transport.Session, err error) {
	if logger.GetLogger().V(logger.Info) {
		logger.GetLogger().Log(logger.Info, s, "primary session error:", err.Error())
	}
}

type statsHandler struct {
	m *Manager
}

// StatsHandler returns the handler of the sessions accepted on the stats port
func (m *Manager) StatsHandler() transport.Handler {
	return &statsHandler{m: m}
}

func (h *statsHandler) SessionOpened(s *transport.Session) {
	if logger.GetLogger().V(logger.Debug) {
		logger.GetLogger().Log(logger.Debug, s, "stat session opened")
	}
}

func (h *statsHandler) MessageReceived(s *transport.Session, msg wire.Message) {
	switch m := msg.(type) {
	case *common.ManagerInfo:
		// the courier may open its stat sessions before its handshake ack is processed
		c := h.m.lookup(m.WorkerID)
		if c == nil || !c.addStatSession(s) {
			if logger.GetLogger().V(logger.Warning) {
				logger.GetLogger().Log(logger.Warning, s, "stat session for unknown courier", m.WorkerID)
			}
			s.Close()
			return
		}
		s.SetAttribute(attrCourier, c)
		s.Write(common.AckOK())
	case *common.ProcessResult:
		h.reply(s, []*common.ProcessResult{m})
	case *common.ProcessResultBatch:
		h.reply(s, m.Results)
	case *common.Check:
		s.Write(m)
	default:
		if logger.GetLogger().V(logger.Warning) {
			logger.GetLogger().Log(logger.Warning, s, "unexpected message", msg)
		}
	}
}

func (h *statsHandler) reply(s *transport.Session, results []*common.ProcessResult) {
	c := courierOf(s)
	var err error
	if c == nil {
		err = ErrNotBound
	} else {
		err = h.m.results(c, results)
	}
	if err != nil {
		if logger.GetLogger().V(logger.Warning) {
			logger.GetLogger().Log(logger.Warning, s, "results rejected:", err.Error())
		}
		s.Write(common.AckError(err.Error()))
		return
	}
	s.Write(common.AckOK())
}

func (h *statsHandler) SessionClosed(s *transport.Session) {
	if c := courierOf(s); c != nil {
		c.removeStatSession(s)
	}
}

func (h *statsHandler) ExceptionCaught(s *transport.Session, err error) {
	if logger.GetLogger().V(logger.Info) {
		logger.GetLogger().Log(logger.Info, s, "stat session error:", err.Error())
	}
}
