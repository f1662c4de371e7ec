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
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestStateLogReport(t *testing.T) {
	cfg := statConfig()
	stat, err := NewStatProcessor(cfg, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer stat.Close(time.Second)
	m := startManager(t, cfg, stat)

	fc := newFakeCourier("cfg-S")
	fc.dial(t, m)
	id := fc.workerID(t)
	deadline := time.Now().Add(2 * time.Second)
	for m.Courier(id) == nil && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	var buf bytes.Buffer
	sl := NewStateLog(&buf, m, stat)
	ch := sl.DataChannel()
	sl.genReport()
	sl.genReport()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines %q", lines)
	}
	if !strings.Contains(lines[0], "active") || !strings.Contains(lines[1], "fleet") {
		t.Errorf("report %q", buf.String())
	}
	select {
	case data := <-ch:
		if data.ActiveCouriers != 1 || data.PendingCouriers != 0 {
			t.Errorf("sample %+v", data)
		}
	default:
		t.Fatal("no sample sent")
	}
}

func TestProcStats(t *testing.T) {
	data := []byte("1234 (couriermgr) S 1 1234 1234 0 -1 4194560 1000 0 0 0 250 50 0 0 20 0 12 0 100 2000000 300 18446744073709551615")
	stats, err := procStats(data)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]int64{"utime": 2, "stime": 0, "threads": 12, "vss": 2000000, "rss": 1200}
	for k, v := range want {
		if stats[k] != v {
			t.Errorf("%s = %d, want %d", k, stats[k], v)
		}
	}
	if _, _, err := getInt([]byte("1 2"), 5); err == nil {
		t.Error("missing field found")
	}
}
