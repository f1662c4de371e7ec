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
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rdcourier/fleet/otel"
	"github.com/rdcourier/fleet/utility/logger"
	"github.com/rdcourier/fleet/utility/timer"
)

// stateLogHeaderInterval is how many status lines are written between two headers
const stateLogHeaderInterval = 20

var stateLogColumns = []string{"active", "pending", "sess", "buf", "flight", "recv", "rej", "fail"}

// StateLog writes one status line of the fleet to state.log every state_log_interval seconds. When a
// data channel is attached, the same sample is sent to the OTEL fleet metrics.
type StateLog struct {
	mgr  *Manager
	stat *StatProcessor

	fileLogger   *log.Logger
	closer       io.Closer
	header       string
	writeHeader  int
	lastReceived int64

	mtx      sync.Mutex
	dataChan chan otel.FleetStateData
	task     timer.Task
	sched    *timer.Scheduler
}

// NewStateLog writes to w. stat may be nil.
func NewStateLog(w io.Writer, mgr *Manager, stat *StatProcessor) *StateLog {
	var buf bytes.Buffer
	buf.WriteString(fmt.Sprintf("%-11s", "-----"))
	for _, c := range stateLogColumns {
		buf.WriteString(fmt.Sprintf("%8s", c))
	}
	sl := &StateLog{
		mgr:        mgr,
		stat:       stat,
		fileLogger: log.New(w, "", 0),
		header:     buf.String(),
	}
	if c, ok := w.(io.Closer); ok {
		sl.closer = c
	}
	return sl
}

// OpenStateLog creates the state log in the directory of the configuration file
func OpenStateLog(configFile string, mgr *Manager, stat *StatProcessor) (*StateLog, error) {
	filename := filepath.Join(filepath.Dir(configFile), "state.log")
	file, err := os.OpenFile(filename, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0666)
	if err != nil {
		return nil, err
	}
	return NewStateLog(file, mgr, stat), nil
}

// DataChannel returns the channel of the samples, created on the first call. Samples are dropped when
// nobody reads the channel.
func (sl *StateLog) DataChannel() <-chan otel.FleetStateData {
	sl.mtx.Lock()
	defer sl.mtx.Unlock()
	if sl.dataChan == nil {
		sl.dataChan = make(chan otel.FleetStateData, 100)
	}
	return sl.dataChan
}

// Start writes a status line every interval
func (sl *StateLog) Start(interval time.Duration) {
	if interval <= 0 {
		return
	}
	sl.mtx.Lock()
	defer sl.mtx.Unlock()
	if sl.sched != nil {
		return
	}
	sl.sched = timer.NewScheduler("statelog")
	sl.task = sl.sched.SchedulePeriodic(interval, interval, sl.genReport)
	if logger.GetLogger().V(logger.Verbose) {
		logger.GetLogger().Log(logger.Verbose, "statelog every", interval)
	}
}

// Stop stops the periodic report and closes the file
func (sl *StateLog) Stop() {
	sl.mtx.Lock()
	sched := sl.sched
	sl.sched = nil
	sl.mtx.Unlock()
	if sched != nil {
		sl.task.Cancel()
		sched.Stop()
	}
	if sl.closer != nil {
		sl.closer.Close()
	}
}

// Snapshot samples the fleet state
func (sl *StateLog) Snapshot() otel.FleetStateData {
	data := otel.FleetStateData{PendingCouriers: int64(sl.mgr.Pending())}
	for _, c := range sl.mgr.Couriers() {
		info := c.Info()
		if info.Active {
			data.ActiveCouriers++
		}
		data.StatSessions += int64(info.StatSessions)
	}
	if sl.stat != nil {
		st := sl.stat.Stats()
		data.Buffered = int64(st.Buffered)
		data.InFlight = int64(st.InFlight)
		data.Received = st.Received
		data.Rejected = st.Rejected
		data.Failed = st.Failed
	}
	return data
}

func (sl *StateLog) genReport() {
	data := sl.Snapshot()

	sl.writeHeader--
	if sl.writeHeader <= 0 {
		sl.fileLogger.Println(getTime() + sl.header)
		sl.writeHeader = stateLogHeaderInterval
	}
	var buf bytes.Buffer
	buf.WriteString(fmt.Sprintf("%-11s", "fleet"))
	// received is reported per interval, the other counters are totals
	for _, v := range []int64{data.ActiveCouriers, data.PendingCouriers, data.StatSessions, data.Buffered,
		data.InFlight, data.Received - sl.lastReceived, data.Rejected, data.Failed} {
		buf.WriteString(fmt.Sprintf("%8d", v))
	}
	sl.lastReceived = data.Received
	sl.fileLogger.Println(getTime() + buf.String())

	sl.mtx.Lock()
	ch := sl.dataChan
	sl.mtx.Unlock()
	if ch != nil {
		select {
		case ch <- data:
		default:
			if logger.GetLogger().V(logger.Debug) {
				logger.GetLogger().Log(logger.Debug, "statelog sample dropped")
			}
		}
	}
}

func getTime() string {
	t := time.Now()
	year, month, day := t.Date()
	hour, min, sec := t.Clock()
	return fmt.Sprintf("%02d/%02d/%d %02d:%02d:%02d: ", month, day, year, hour, min, sec)
}
