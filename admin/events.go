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
package admin

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rdcourier/fleet/common"
	"github.com/rdcourier/fleet/lib"
	"github.com/rdcourier/fleet/utility/logger"
)

// Event types
const (
	EventConnected = "courier_connected"
	EventClosing   = "courier_closing"
	EventResult    = "result"
)

const (
	eventQueueSize = 64
	writeWait      = 5 * time.Second
	pingPeriod     = 30 * time.Second
)

// Event is one message of the /events stream
type Event struct {
	Type    string                `json:"type"`
	Time    time.Time             `json:"time"`
	Courier lib.CourierInfo       `json:"courier"`
	Result  *common.ProcessResult `json:"result,omitempty"`
}

type eventClient struct {
	conn *websocket.Conn
	send chan Event
}

// eventHub fans the courier events out to the websocket clients. A client that does not keep up is
// dropped.
type eventHub struct {
	mu      sync.RWMutex
	clients map[*eventClient]struct{}
}

func newEventHub() *eventHub {
	return &eventHub{clients: make(map[*eventClient]struct{})}
}

func (h *eventHub) CourierConnected(c *lib.ManagedCourier) {
	h.broadcast(Event{Type: EventConnected, Time: time.Now(), Courier: c.Info()})
}

func (h *eventHub) CourierClosing(c *lib.ManagedCourier) {
	h.broadcast(Event{Type: EventClosing, Time: time.Now(), Courier: c.Info()})
}

func (h *eventHub) ResultReceived(c *lib.ManagedCourier, r *common.ProcessResult) {
	if h.count() == 0 {
		return
	}
	h.broadcast(Event{Type: EventResult, Time: time.Now(), Courier: c.Info(), Result: r})
}

func (h *eventHub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *eventHub) broadcast(ev Event) {
	h.mu.RLock()
	var slow []*eventClient
	for cl := range h.clients {
		select {
		case cl.send <- ev:
		default:
			slow = append(slow, cl)
		}
	}
	h.mu.RUnlock()
	for _, cl := range slow {
		if logger.GetLogger().V(logger.Info) {
			logger.GetLogger().Log(logger.Info, "events: dropping slow client", cl.conn.RemoteAddr())
		}
		h.unregister(cl)
	}
}

// register starts serving conn until it closes
func (h *eventHub) register(conn *websocket.Conn) {
	cl := &eventClient{conn: conn, send: make(chan Event, eventQueueSize)}
	h.mu.Lock()
	h.clients[cl] = struct{}{}
	h.mu.Unlock()
	go h.writeEvents(cl)
	go h.readMessages(cl)
}

func (h *eventHub) unregister(cl *eventClient) {
	h.mu.Lock()
	if _, ok := h.clients[cl]; ok {
		delete(h.clients, cl)
		close(cl.send)
	}
	h.mu.Unlock()
}

// readMessages discards what the client sends, a read error means the client is gone
func (h *eventHub) readMessages(cl *eventClient) {
	defer h.unregister(cl)
	for {
		if _, _, err := cl.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *eventHub) writeEvents(cl *eventClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cl.conn.Close()
	}()
	for {
		select {
		case ev, ok := <-cl.send:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				cl.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := cl.conn.WriteJSON(ev); err != nil {
				if logger.GetLogger().V(logger.Debug) {
					logger.GetLogger().Log(logger.Debug, "events: write:", err.Error())
				}
				h.unregister(cl)
				return
			}
		case <-ticker.C:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.unregister(cl)
				return
			}
		}
	}
}

// closeAll disconnects every client
func (h *eventHub) closeAll() {
	h.mu.Lock()
	for cl := range h.clients {
		delete(h.clients, cl)
		close(cl.send)
	}
	h.mu.Unlock()
}
