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

package sink

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rdcourier/fleet/config"
	"github.com/rdcourier/fleet/pool"
	"github.com/rdcourier/fleet/utility"
	"github.com/rdcourier/fleet/utility/logger"
)

// PoolConfig describes one named database pool
type PoolConfig struct {
	Name   string
	Driver string
	DSN    string
	// GetTimeout bounds the wait for a connection
	GetTimeout time.Duration
	// CheckTimeout bounds a connection heartbeat
	CheckTimeout time.Duration
	// Async runs the connect and check calls on the work threads
	Async   bool
	Options pool.Options
}

// PoolConfigFromConfig reads the pool.<name>.* keys
func PoolConfigFromConfig(cfg config.Config, name string) PoolConfig {
	key := func(k string) string { return "pool." + name + "." + k }
	ms := func(k string, def int) time.Duration {
		return time.Duration(cfg.GetOrDefaultInt(key(k), def)) * time.Millisecond
	}
	opts := pool.DefaultOptions()
	opts.Initial = cfg.GetOrDefaultInt(key("initial"), 0)
	opts.Increment = cfg.GetOrDefaultInt(key("increment"), 1)
	opts.Min = cfg.GetOrDefaultInt(key("min"), 0)
	opts.Max = cfg.GetOrDefaultInt(key("max"), 10)
	opts.CheckInterval = ms("check_interval_ms", 60000)
	opts.ExpirePeriod = ms("expire_ms", 0)
	opts.ShrinkInterval = ms("shrink_interval_ms", 60000)
	opts.ShrinkCapacity = cfg.GetOrDefaultInt(key("shrink_capacity"), -1)
	opts.ShrinkIdlePeriod = ms("shrink_idle_ms", 300000)
	opts.RecreateInterval = ms("recreate_ms", 5000)
	opts.MaxAllocPerSec = cfg.GetOrDefaultInt(key("max_connect_per_sec"), 0)
	return PoolConfig{
		Name:         name,
		Driver:       cfg.GetOrDefaultString(key("driver"), "sqlite"),
		DSN:          cfg.GetOrDefaultString(key("dsn"), ""),
		GetTimeout:   ms("get_timeout_ms", int(DefaultGetTimeout/time.Millisecond)),
		CheckTimeout: ms("check_timeout_ms", int(DefaultCheckTimeout/time.Millisecond)),
		Async:        cfg.GetOrDefaultBool(key("async"), false),
		Options:      opts,
	}
}

// connFactory creates the pooled connections of one database handle
type connFactory struct {
	name    string
	db      *sql.DB
	adapter dbAdapter
	check   time.Duration
}

func (f *connFactory) Allocate(ctx context.Context) (*sql.Conn, error) {
	conn, err := f.db.Conn(ctx)
	if err != nil {
		if logger.GetLogger().V(logger.Warning) {
			logger.GetLogger().Log(logger.Warning, "pool", f.name, "connect failed:", err.Error(), f.adapter.ErrorCode(err))
		}
		return nil, err
	}
	return conn, nil
}

func (f *connFactory) Validate(conn *sql.Conn) bool {
	ctx, cancel := context.WithTimeout(context.Background(), f.check)
	defer cancel()
	if err := f.adapter.Heartbeat(ctx, conn); err != nil {
		if logger.GetLogger().V(logger.Info) {
			logger.GetLogger().Log(logger.Info, "pool", f.name, "heartbeat failed:", err.Error())
		}
		return false
	}
	return true
}

func (f *connFactory) Deallocate(conn *sql.Conn) error {
	return conn.Close()
}

type namedPool struct {
	cfg     PoolConfig
	db      *sql.DB
	adapter dbAdapter
	pool    *pool.Pool[*sql.Conn]
}

// NamedPools executes statements on database pools looked up by name
type NamedPools struct {
	threads *pool.Pool[*pool.WorkThread]

	mtx       sync.RWMutex
	pools     map[string]*namedPool
	listeners []pool.Listener
}

// NewNamedPools creates the registry. threads serve the pools configured as async, it may be nil
// when none is.
func NewNamedPools(threads *pool.Pool[*pool.WorkThread]) *NamedPools {
	return &NamedPools{threads: threads, pools: make(map[string]*namedPool)}
}

// AddListener registers a listener on the pools added afterwards
func (n *NamedPools) AddListener(l pool.Listener) {
	n.mtx.Lock()
	n.listeners = append(n.listeners, l)
	n.mtx.Unlock()
}

// Add opens the database and starts its connection pool
func (n *NamedPools) Add(cfg PoolConfig) error {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	if _, ok := n.pools[cfg.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicatePool, cfg.Name)
	}
	adapter, err := newAdapter(cfg.Driver)
	if err != nil {
		return err
	}
	db, err := adapter.InitDB(cfg.DSN)
	if err != nil {
		return fmt.Errorf("pool %s: %w", cfg.Name, err)
	}
	if cfg.Options.Max > 0 {
		db.SetMaxOpenConns(cfg.Options.Max)
		db.SetMaxIdleConns(cfg.Options.Max)
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = DefaultCheckTimeout
	}
	if cfg.GetTimeout <= 0 {
		cfg.GetTimeout = DefaultGetTimeout
	}
	p := pool.New[*sql.Conn](cfg.Name, &connFactory{name: cfg.Name, db: db, adapter: adapter, check: cfg.CheckTimeout}, cfg.Options)
	if cfg.Async && n.threads != nil {
		p.SetExecutePolicy(pool.NewAsyncPolicy[*sql.Conn](n.threads, cfg.GetTimeout, cfg.CheckTimeout))
	}
	for _, l := range n.listeners {
		p.AddListener(l)
	}
	if err := p.Start(); err != nil {
		db.Close()
		return err
	}
	n.pools[cfg.Name] = &namedPool{cfg: cfg, db: db, adapter: adapter, pool: p}
	if logger.GetLogger().V(logger.Info) {
		logger.GetLogger().Log(logger.Info, "pool", cfg.Name, "driver", cfg.Driver, "max", cfg.Options.Max, "async", cfg.Async)
	}
	return nil
}

// AddFromConfig adds the pools listed, comma separated, in the "pools" key
func (n *NamedPools) AddFromConfig(cfg config.Config) error {
	for _, name := range strings.Split(cfg.GetOrDefaultString("pools", ""), ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if err := n.Add(PoolConfigFromConfig(cfg, name)); err != nil {
			return err
		}
	}
	return nil
}

func (n *NamedPools) get(name string) (*namedPool, error) {
	n.mtx.RLock()
	defer n.mtx.RUnlock()
	np, ok := n.pools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPool, name)
	}
	return np, nil
}

// Execute borrows a connection of the named pool and executes the statement. A connection failing
// the statement is not reused.
func (n *NamedPools) Execute(ctx context.Context, name string, statement string) error {
	np, err := n.get(name)
	if err != nil {
		return err
	}
	conn, err := np.pool.GetObjectContext(ctx, np.cfg.GetTimeout)
	if err != nil {
		return fmt.Errorf("pool %s: %w", name, err)
	}
	sqlhash := utility.StatementHash(statement)
	if logger.GetLogger().V(logger.Verbose) {
		logger.GetLogger().Log(logger.Verbose, "pool", name, "exec sqlhash", sqlhash, ":", statement)
	}
	if _, err = conn.ExecContext(ctx, statement); err != nil {
		np.pool.ReleaseAndRemoveObject(conn)
		if code := np.adapter.ErrorCode(err); code != "" {
			return fmt.Errorf("pool %s sqlhash %d [%s]: %w", name, sqlhash, code, err)
		}
		return fmt.Errorf("pool %s sqlhash %d: %w", name, sqlhash, err)
	}
	np.pool.ReleaseObject(conn)
	return nil
}

// Has tells if a pool with that name exists
func (n *NamedPools) Has(name string) bool {
	_, err := n.get(name)
	return err == nil
}

// DB returns the database handle of a pool, for queries outside of the pooled connections
func (n *NamedPools) DB(name string) (*sql.DB, error) {
	np, err := n.get(name)
	if err != nil {
		return nil, err
	}
	return np.db, nil
}

// Stats returns a snapshot of every pool, sorted by name
func (n *NamedPools) Stats() []pool.Stats {
	n.mtx.RLock()
	stats := make([]pool.Stats, 0, len(n.pools))
	for _, np := range n.pools {
		stats = append(stats, np.pool.Stats())
	}
	n.mtx.RUnlock()
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// Close closes every pool and its database handle
func (n *NamedPools) Close() {
	n.mtx.Lock()
	pools := n.pools
	n.pools = make(map[string]*namedPool)
	n.mtx.Unlock()
	for name, np := range pools {
		if !np.pool.Close() {
			if logger.GetLogger().V(logger.Warning) {
				logger.GetLogger().Log(logger.Warning, "pool", name, "closed with busy connections")
			}
		}
		if err := np.db.Close(); err != nil {
			if logger.GetLogger().V(logger.Warning) {
				logger.GetLogger().Log(logger.Warning, "pool", name, "close:", err.Error())
			}
		}
	}
}
