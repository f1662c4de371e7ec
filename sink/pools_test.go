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
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rdcourier/fleet/common"
	"github.com/rdcourier/fleet/pool"
)

func sqlitePool(t *testing.T, name string) PoolConfig {
	opts := pool.DefaultOptions()
	opts.Max = 2
	return PoolConfig{
		Name:    name,
		Driver:  "sqlite",
		DSN:     filepath.Join(t.TempDir(), name+".db"),
		Options: opts,
	}
}

func TestNamedPoolsExecute(t *testing.T) {
	pools := NewNamedPools(nil)
	defer pools.Close()
	if err := pools.Add(sqlitePool(t, "statistics")); err != nil {
		t.Fatal(err)
	}
	if err := pools.Add(sqlitePool(t, "statistics")); !errors.Is(err, ErrDuplicatePool) {
		t.Errorf("duplicate add: %v", err)
	}

	ctx := context.Background()
	if err := pools.Execute(ctx, "statistics", "create table results (id integer, pipe text)"); err != nil {
		t.Fatal(err)
	}
	portion := "insert into results values (1, 'a');\ninsert into results values (2, 'b');"
	if err := pools.Execute(ctx, "statistics", portion); err != nil {
		t.Fatal(err)
	}
	db, _ := pools.DB("statistics")
	var n int
	if err := db.QueryRow("select count(*) from results").Scan(&n); err != nil || n != 2 {
		t.Errorf("count %d %v", n, err)
	}

	if err := pools.Execute(ctx, "statistics", "insert into missing values (1)"); err == nil {
		t.Errorf("statement on a missing table succeeded")
	}
	st := pools.Stats()
	if len(st) != 1 || st[0].Busy != 0 {
		t.Errorf("stats %+v", st)
	}
	if err := pools.Execute(ctx, "nope", "select 1"); !errors.Is(err, ErrUnknownPool) {
		t.Errorf("unknown pool: %v", err)
	}
}

func TestNamedPoolsAsync(t *testing.T) {
	threads := pool.NewWorkThreadPool("db-threads", pool.DefaultOptions())
	defer threads.Close()
	pools := NewNamedPools(threads)
	defer pools.Close()

	cfg := sqlitePool(t, "async")
	cfg.Async = true
	cfg.GetTimeout = time.Second
	if err := pools.Add(cfg); err != nil {
		t.Fatal(err)
	}
	if err := pools.Execute(context.Background(), "async", "create table t (v integer)"); err != nil {
		t.Errorf("execute: %v", err)
	}
}

func TestNamedPoolsExecuteCancelled(t *testing.T) {
	pools := NewNamedPools(nil)
	defer pools.Close()
	cfg := sqlitePool(t, "single")
	cfg.Options.Max = 1
	cfg.GetTimeout = 5 * time.Second
	if err := pools.Add(cfg); err != nil {
		t.Fatal(err)
	}
	np, err := pools.get("single")
	if err != nil {
		t.Fatal(err)
	}
	held, err := np.pool.GetObject(time.Second, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer np.pool.ReleaseObject(held)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	start := time.Now()
	err = pools.Execute(ctx, "single", "select 1")
	if !errors.Is(err, pool.ErrCancelled) || !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled execute: %v", err)
	}
	if el := time.Since(start); el > 2*time.Second {
		t.Errorf("cancel took %v", el)
	}

	if err = pools.Execute(ctx, "single", "select 1"); !errors.Is(err, pool.ErrCancelled) {
		t.Errorf("execute with a done context: %v", err)
	}

	dctx, dcancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer dcancel()
	start = time.Now()
	if err = pools.Execute(dctx, "single", "select 1"); err == nil {
		t.Error("execute on an exhausted pool succeeded")
	}
	if el := time.Since(start); el > 2*time.Second {
		t.Errorf("deadline ignored, waited %v", el)
	}
}

func TestNamedPoolsUnknownDriver(t *testing.T) {
	pools := NewNamedPools(nil)
	cfg := sqlitePool(t, "x")
	cfg.Driver = "dbase"
	if err := pools.Add(cfg); !errors.Is(err, ErrUnknownDriver) {
		t.Errorf("unknown driver: %v", err)
	}
}

func TestJournal(t *testing.T) {
	j, err := OpenJournal(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()

	now := time.Now()
	records := []ResultRecord{
		NewResultRecord(1, "etl-01", "cfg", &common.ProcessResult{ID: 10, Pipe: "orders", RecordCount: 5}, now),
		NewResultRecord(1, "etl-01", "cfg", &common.ProcessResult{ID: 11, Pipe: "items", ErrorCount: 1, Error: "boom"}, now),
		NewResultRecord(2, "etl-02", "cfg", &common.ProcessResult{ID: 12, Pipe: "orders"}, now),
	}
	if err := j.Append(records); err != nil {
		t.Fatal(err)
	}
	if n, err := j.Count(); err != nil || n != 3 {
		t.Errorf("count %d %v", n, err)
	}
	recent, err := j.Recent(10, "orders")
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 || recent[0].ResultID != 12 || recent[1].ResultID != 10 {
		t.Errorf("recent %+v", recent)
	}
	all, _ := j.Recent(1, "")
	if len(all) != 1 || all[0].ResultID != 12 {
		t.Errorf("limit %+v", all)
	}
}
