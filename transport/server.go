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
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rdcourier/fleet/utility/encoding/wire"
	"github.com/rdcourier/fleet/utility/logger"
)

// Server accepts connections from the Listener and runs a session speaking proto on each of them
type Server struct {
	listener Listener
	proto    wire.Protocol
	handler  Handler

	mtx      sync.Mutex
	sessions map[int64]*Session
	stopped  bool
	done     chan struct{}
}

// NewServer creates a server from the Listener and the handler of the sessions
func NewServer(lsn Listener, proto wire.Protocol, handler Handler) *Server {
	return &Server{listener: lsn, proto: proto, handler: handler, sessions: make(map[int64]*Session), done: make(chan struct{})}
}

// Addr is the listening address
func (srv *Server) Addr() net.Addr {
	return srv.listener.Addr()
}

// Run has a loop accepting connections until Stop is called
func (srv *Server) Run() {
	defer close(srv.done)
	for {
		conn, err := srv.listener.Accept()
		if err != nil {
			srv.mtx.Lock()
			stopped := srv.stopped
			srv.mtx.Unlock()
			if stopped || errors.Is(err, net.ErrClosed) {
				return
			}
			if logger.GetLogger().V(logger.Alert) {
				logger.GetLogger().Log(logger.Alert, "server: accept: ", err.Error())
			}
			if conn != nil {
				conn.Close()
			}
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if logger.GetLogger().V(logger.Info) {
			logger.GetLogger().Log(logger.Info, "server", srv.proto.Name, "accepted from", conn.RemoteAddr())
		}
		go srv.initAndHandle(conn)
	}
}

// initAndHandle calls the Listener Init. If successful it starts the session, otherwise closes the connection
func (srv *Server) initAndHandle(c net.Conn) {
	conn, err := srv.listener.Init(c)
	if err != nil {
		c.Close()
		return
	}
	s := NewSession(conn, srv.proto, srv.handler)
	srv.mtx.Lock()
	if srv.stopped {
		srv.mtx.Unlock()
		conn.Close()
		return
	}
	srv.sessions[s.ID()] = s
	srv.mtx.Unlock()
	go func() {
		<-s.Done()
		srv.mtx.Lock()
		delete(srv.sessions, s.ID())
		srv.mtx.Unlock()
	}()
	s.Start()
}

// Sessions returns the number of open sessions
func (srv *Server) Sessions() int {
	srv.mtx.Lock()
	defer srv.mtx.Unlock()
	return len(srv.sessions)
}

// Stop closes the listener and the sessions, waiting up to timeout for each session close
func (srv *Server) Stop(timeout time.Duration) {
	srv.mtx.Lock()
	if srv.stopped {
		srv.mtx.Unlock()
		return
	}
	srv.stopped = true
	sessions := make([]*Session, 0, len(srv.sessions))
	for _, s := range srv.sessions {
		sessions = append(sessions, s)
	}
	srv.mtx.Unlock()

	srv.listener.Close()
	for _, s := range sessions {
		if err := s.CloseWait(timeout); err != nil {
			if logger.GetLogger().V(logger.Warning) {
				logger.GetLogger().Log(logger.Warning, "server", srv.proto.Name, err.Error())
			}
		}
	}
	if logger.GetLogger().V(logger.Info) {
		logger.GetLogger().Log(logger.Info, "server", srv.proto.Name, "stopped")
	}
}

// Done is closed when the accept loop exited
func (srv *Server) Done() <-chan struct{} {
	return srv.done
}
