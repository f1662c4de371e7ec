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
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rdcourier/fleet/utility/encoding/wire"
	"github.com/rdcourier/fleet/utility/logger"
)

// Handler receives the events of a session. The callbacks run on the session reader goroutine,
// they must hand long work off to another goroutine.
type Handler interface {
	SessionOpened(s *Session)
	MessageReceived(s *Session, msg wire.Message)
	// SessionClosed is called once, after the connection is closed and the reader stopped
	SessionClosed(s *Session)
	ExceptionCaught(s *Session, err error)
}

// WriteFuture completes when the bytes of a message were written to the connection
type WriteFuture struct {
	data []byte
	done chan struct{}
	err  error
}

func newWriteFuture(data []byte) *WriteFuture {
	return &WriteFuture{data: data, done: make(chan struct{})}
}

func failedWrite(err error) *WriteFuture {
	f := newWriteFuture(nil)
	f.complete(err)
	return f
}

func (f *WriteFuture) complete(err error) {
	f.err = err
	close(f.done)
}

// Done is closed once the write completed
func (f *WriteFuture) Done() <-chan struct{} {
	return f.done
}

// Err returns the write error, nil while the write is pending
func (f *WriteFuture) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Wait waits up to timeout for the write
func (f *WriteFuture) Wait(timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-f.done:
		return f.err
	case <-t.C:
		return ErrTimeout
	}
}

var sessionSeq int64

// Session is one connection speaking a wire.Protocol. Each session has its own decoder state, so a
// message split over several reads resumes where it stopped.
type Session struct {
	id      int64
	conn    net.Conn
	proto   wire.Protocol
	decoder *wire.MultiDecoder
	encoder *wire.MultiEncoder
	handler Handler

	out        chan *WriteFuture
	closing    chan struct{}
	writerDone chan struct{}
	done       chan struct{}
	closeOnce  sync.Once
	started    int32

	mtx   sync.Mutex
	attrs map[string]interface{}
}

// NewSession wraps a connection. Nothing is read until Start.
func NewSession(conn net.Conn, proto wire.Protocol, handler Handler) *Session {
	return &Session{
		id:         atomic.AddInt64(&sessionSeq, 1),
		conn:       conn,
		proto:      proto,
		decoder:    proto.Decode.NewDecoder(),
		encoder:    proto.Encode.NewEncoder(),
		handler:    handler,
		out:        make(chan *WriteFuture, DefaultWriteQueueSize),
		closing:    make(chan struct{}),
		writerDone: make(chan struct{}),
		done:       make(chan struct{}),
		attrs:      make(map[string]interface{}),
	}
}

// Start launches the reader and writer goroutines. SessionOpened is delivered before any message.
func (s *Session) Start() {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return
	}
	go s.writeLoop()
	go s.readLoop()
}

// ID is unique for the process lifetime
func (s *Session) ID() int64 {
	return s.id
}

// Protocol returns the codec pair of the session
func (s *Session) Protocol() wire.Protocol {
	return s.proto
}

// RemoteAddr of the peer
func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// LocalAddr of the connection
func (s *Session) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Host is the peer IP address
func (s *Session) Host() string {
	return IPAddrStr(s.conn.RemoteAddr())
}

func (s *Session) String() string {
	return fmt.Sprintf("session-%d(%s %s)", s.id, s.proto.Name, s.conn.RemoteAddr())
}

// SetAttribute attaches a value to the session
func (s *Session) SetAttribute(key string, val interface{}) {
	s.mtx.Lock()
	s.attrs[key] = val
	s.mtx.Unlock()
}

// Attribute returns the value attached with SetAttribute, nil if none
func (s *Session) Attribute(key string) interface{} {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.attrs[key]
}

// Connected tells if the session was not closed yet
func (s *Session) Connected() bool {
	select {
	case <-s.closing:
		return false
	default:
		return true
	}
}

// Closing is closed as soon as the session starts to close
func (s *Session) Closing() <-chan struct{} {
	return s.closing
}

// Done is closed once the connection is closed and the reader stopped
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Write encodes msg and queues it for the writer goroutine
func (s *Session) Write(msg wire.Message) *WriteFuture {
	if !s.Connected() {
		return failedWrite(ErrSessionClosed)
	}
	data, err := s.encoder.Marshal(msg)
	if err != nil {
		return failedWrite(err)
	}
	f := newWriteFuture(data)
	select {
	case s.out <- f:
	case <-s.closing:
		return failedWrite(ErrSessionClosed)
	default:
		return failedWrite(ErrWriteQueue)
	}
	select {
	case <-s.writerDone:
		s.failPending()
	default:
	}
	if logger.GetLogger().V(logger.Verbose) {
		logger.GetLogger().Log(logger.Verbose, s, "write >>>", msg)
	}
	return f
}

// Close closes the connection. The reader and writer goroutines stop asynchronously.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closing)
		s.conn.Close()
	})
}

// CloseWait closes the session and waits up to timeout for the reader to stop
func (s *Session) CloseWait(timeout time.Duration) error {
	s.Close()
	if atomic.LoadInt32(&s.started) == 0 {
		return nil
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-s.done:
		return nil
	case <-t.C:
		return fmt.Errorf("%w: %v after %v", ErrCloseTimeout, s, timeout)
	}
}

func (s *Session) exception(err error) {
	defer func() {
		if r := recover(); r != nil {
			if logger.GetLogger().V(logger.Alert) {
				logger.GetLogger().Log(logger.Alert, s, "exception handler panic:", r)
			}
		}
	}()
	s.handler.ExceptionCaught(s, err)
}

func (s *Session) deliver(msg wire.Message) {
	defer func() {
		if r := recover(); r != nil {
			if logger.GetLogger().V(logger.Alert) {
				logger.GetLogger().Log(logger.Alert, s, "message handler panic:", r)
			}
		}
	}()
	s.handler.MessageReceived(s, msg)
}

func (s *Session) readLoop() {
	defer func() {
		s.Close()
		<-s.writerDone
		close(s.done)
		if logger.GetLogger().V(logger.Debug) {
			logger.GetLogger().Log(logger.Debug, s, "closed")
		}
		s.handler.SessionClosed(s)
	}()
	s.handler.SessionOpened(s)

	chunk := make([]byte, DefaultReadBufferSize)
	pending := make([]byte, 0, DefaultReadBufferSize)
	buf := wire.NewBuffer(nil)
	for {
		n, err := s.conn.Read(chunk)
		if n > 0 {
			pending = append(pending, chunk[:n]...)
			buf.Reset(pending)
			for s.Connected() {
				msg, done, derr := s.decoder.Decode(buf)
				if derr != nil {
					if logger.GetLogger().V(logger.Warning) {
						logger.GetLogger().Log(logger.Warning, s, "protocol error:", derr.Error())
					}
					s.exception(derr)
					return
				}
				if !done {
					break
				}
				if logger.GetLogger().V(logger.Verbose) {
					logger.GetLogger().Log(logger.Verbose, s, "read <<<", msg)
				}
				s.deliver(msg)
			}
			// keep only what the decoder has not accounted for yet
			pending = append(pending[:0], pending[buf.Position():]...)
		}
		if err != nil {
			if s.Connected() && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				if logger.GetLogger().V(logger.Info) {
					logger.GetLogger().Log(logger.Info, s, "read error:", err.Error())
				}
				s.exception(err)
			}
			return
		}
	}
}

func (s *Session) writeLoop() {
	defer close(s.writerDone)
	for {
		select {
		case f := <-s.out:
			_, err := s.conn.Write(f.data)
			f.complete(err)
			if err != nil {
				if s.Connected() {
					if logger.GetLogger().V(logger.Info) {
						logger.GetLogger().Log(logger.Info, s, "write error:", err.Error())
					}
					s.exception(err)
				}
				s.Close()
				s.failPending()
				return
			}
		case <-s.closing:
			s.failPending()
			return
		}
	}
}

func (s *Session) failPending() {
	for {
		select {
		case f := <-s.out:
			f.complete(ErrSessionClosed)
		default:
			return
		}
	}
}

// IPAddrStr returns the IP part of an address
func IPAddrStr(address net.Addr) string {
	if address == nil {
		return ""
	}
	if tcp, ok := address.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(address.String())
	if err != nil {
		return address.String()
	}
	return host
}
