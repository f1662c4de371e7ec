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
// Package admin serves the HTTP admin surface of the manager: the courier registry, the database
// pools, the journaled results, the Prometheus metrics and a websocket stream of the courier events.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rdcourier/fleet/lib"
	"github.com/rdcourier/fleet/sink"
	"github.com/rdcourier/fleet/utility/logger"
)

const (
	defaultResultLimit = 50
	maxResultLimit     = 1000
)

// Server is the admin HTTP server
type Server struct {
	mgr     *lib.Manager
	stat    *lib.StatProcessor
	pools   PoolStatser
	journal *sink.Journal

	hub      *eventHub
	registry *prometheus.Registry
	engine   *gin.Engine
	upgrader websocket.Upgrader
	srv      *http.Server
}

// New creates the admin server of the running services and subscribes to the courier events
func New(svc *lib.Services) *Server {
	s := &Server{
		mgr:      svc.Manager,
		stat:     svc.Stats,
		journal:  svc.Journal,
		hub:      newEventHub(),
		registry: prometheus.NewRegistry(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	if svc.Pools != nil {
		s.pools = svc.Pools
	}
	s.registry.MustRegister(newFleetCollector(s.mgr, s.stat, s.pools))
	s.registry.MustRegister(collectors.NewGoCollector())
	if s.mgr != nil {
		s.mgr.AddListener(s.hub)
	}
	s.engine = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())
	engine.GET("/couriers", s.listCouriers)
	engine.GET("/couriers/:id", s.getCourier)
	engine.GET("/pools", s.listPools)
	engine.GET("/results", s.listResults)
	engine.GET("/stats", s.stats)
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	engine.GET("/events", s.events)
	return engine
}

// requestLogger logs the requests at debug level
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if logger.GetLogger().V(logger.Debug) {
			logger.GetLogger().Log(logger.Debug, "admin:", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
		}
	}
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens on addr and serves in the background
func (s *Server) Start(addr string) (net.Addr, error) {
	lsn, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s.srv = &http.Server{Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := s.srv.Serve(lsn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if logger.GetLogger().V(logger.Alert) {
				logger.GetLogger().Log(logger.Alert, "admin server:", err.Error())
			}
		}
	}()
	if logger.GetLogger().V(logger.Info) {
		logger.GetLogger().Log(logger.Info, "admin listening on", lsn.Addr())
	}
	return lsn.Addr(), nil
}

// Shutdown stops the server and disconnects the event clients
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.closeAll()
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// Hook starts the admin server on the admin_port of the configuration, it stops with ctx. Port 0
// disables it.
func Hook() lib.StartHook {
	return func(ctx context.Context, svc *lib.Services) error {
		if svc.Config == nil || svc.Config.AdminPort == 0 {
			return nil
		}
		s := New(svc)
		if _, err := s.Start(fmt.Sprintf(":%d", svc.Config.AdminPort)); err != nil {
			return fmt.Errorf("admin: %w", err)
		}
		go func() {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			s.Shutdown(sctx)
		}()
		return nil
	}
}

func (s *Server) listCouriers(c *gin.Context) {
	if s.mgr == nil {
		c.JSON(http.StatusOK, []lib.CourierInfo{})
		return
	}
	if c.Query("format") == "text" {
		var b strings.Builder
		if err := s.mgr.WriteCouriers(&b); err != nil {
			c.String(http.StatusInternalServerError, err.Error())
			return
		}
		c.String(http.StatusOK, b.String())
		return
	}
	c.JSON(http.StatusOK, s.mgr.CourierInfos())
}

func (s *Server) getCourier(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid courier id"})
		return
	}
	var mc *lib.ManagedCourier
	if s.mgr != nil {
		mc = s.mgr.Courier(int32(id))
	}
	if mc == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": lib.ErrUnknownCourier.Error()})
		return
	}
	c.JSON(http.StatusOK, mc.Info())
}

func (s *Server) listPools(c *gin.Context) {
	if s.pools == nil {
		c.JSON(http.StatusOK, []struct{}{})
		return
	}
	c.JSON(http.StatusOK, s.pools.Stats())
}

func (s *Server) listResults(c *gin.Context) {
	if s.journal == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "result journal disabled"})
		return
	}
	limit := defaultResultLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}
	if limit > maxResultLimit {
		limit = maxResultLimit
	}
	records, err := s.journal.Recent(limit, c.Query("pipe"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, records)
}

func (s *Server) stats(c *gin.Context) {
	resp := gin.H{}
	if s.mgr != nil {
		resp["couriers"] = len(s.mgr.Couriers())
		resp["pending"] = s.mgr.Pending()
	}
	if s.stat != nil {
		resp["results"] = s.stat.Stats()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) events(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		if logger.GetLogger().V(logger.Info) {
			logger.GetLogger().Log(logger.Info, "events: upgrade:", err.Error())
		}
		return
	}
	s.hub.register(conn)
}
