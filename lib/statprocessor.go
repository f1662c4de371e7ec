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
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rdcourier/fleet/common"
	"github.com/rdcourier/fleet/otel"
	"github.com/rdcourier/fleet/pool"
	"github.com/rdcourier/fleet/sink"
	"github.com/rdcourier/fleet/utility/logger"
)

// StatementExecutor runs a statement on a named database pool
type StatementExecutor interface {
	Execute(ctx context.Context, pool string, statement string) error
}

// ResultJournal keeps a copy of the results
type ResultJournal interface {
	Append(records []sink.ResultRecord) error
}

// statItem is either a result or a courier state change
type statItem struct {
	courierID int32
	host      string
	config    string
	received  time.Time
	result    *common.ProcessResult
	state     string
}

func newResultItem(c *ManagedCourier, r *common.ProcessResult) statItem {
	return statItem{courierID: c.id, host: c.host, config: c.Config(), received: time.Now(), result: r}
}

func newStateItem(c *ManagedCourier, state string) statItem {
	return statItem{courierID: c.id, host: c.host, config: c.Config(), received: time.Now(), state: state}
}

func (it *statItem) vars() sink.Vars {
	v := sink.Vars{
		VarHost:   it.host,
		VarConfig: it.config,
		VarID:     it.courierID,
	}
	if it.result == nil {
		v[VarState] = it.state
		return v
	}
	r := it.result
	v[VarID] = r.ID
	v[VarPipe] = r.Pipe
	v[VarRecordCount] = r.RecordCount
	v[VarError] = r.Error
	v[VarErrorCount] = r.ErrorCount
	v[VarErrorStack] = r.ErrorStack
	v[VarStartTime] = time.UnixMilli(r.StartTime)
	v[VarTotalTime] = r.TotalTime
	v[VarSourceTime] = r.SourceTime
	v[VarTargetTime] = r.TargetTime
	v[VarSourceDb] = r.SourceDbName
	v[VarSourceDbType] = r.SourceDbType
	v[VarSourceDbURL] = r.SourceDbUrl
	v[VarTargetDb] = r.TargetDbName
	v[VarTargetDbType] = r.TargetDbType
	v[VarTargetDbURL] = r.TargetDbUrl
	return v
}

// StatStats is a snapshot of the result processing counters
type StatStats struct {
	Buffered int   `json:"buffered"`
	InFlight int32 `json:"in_flight"`
	Received int64 `json:"received"`
	Flushed  int64 `json:"flushed"`
	Failed   int64 `json:"failed"`
	Rejected int64 `json:"rejected"`
}

// StatProcessor buffers the results and the courier states and writes them in portions: a portion is
// flushed when it is full or when the flush timer fires. At most max_stat_threads portions are written
// at the same time.
type StatProcessor struct {
	portionSize int
	maxBuffer   int
	flushEvery  time.Duration
	timeout     time.Duration
	statPool    string

	resultTmpl  *sink.Template
	portionTmpl *sink.Template
	stateTmpl   *sink.Template
	db          StatementExecutor
	journal     ResultJournal

	mtx    sync.Mutex
	buf    []statItem
	closed bool

	wakeup  chan struct{}
	stop    chan struct{}
	done    chan struct{}
	threads *pool.Pool[*pool.WorkThread]
	exec    *pool.ThreadExecutor
	wg      sync.WaitGroup

	inFlight int32
	received int64
	flushed  int64
	failed   int64
	rejected int64
}

// NewStatProcessor creates the processor and starts its dispatcher. db and journal may be nil.
func NewStatProcessor(cfg *Config, db StatementExecutor, journal ResultJournal) (*StatProcessor, error) {
	p := &StatProcessor{
		portionSize: cfg.StatPortionSize,
		maxBuffer:   cfg.MaxStatBufferSize,
		flushEvery:  cfg.StatFlush,
		timeout:     cfg.Timeout,
		statPool:    cfg.StatPool,
		db:          db,
		journal:     journal,
		wakeup:      make(chan struct{}, 1),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	var err error
	if p.resultTmpl, err = optionalTemplate(cfg.ResultTemplate); err != nil {
		return nil, err
	}
	if p.portionTmpl, err = optionalTemplate(cfg.PortionTemplate); err != nil {
		return nil, err
	}
	if p.stateTmpl, err = optionalTemplate(cfg.StateTemplate); err != nil {
		return nil, err
	}
	if p.portionSize < 1 {
		p.portionSize = 1
	}
	if p.maxBuffer < p.portionSize {
		p.maxBuffer = p.portionSize
	}

	opts := pool.DefaultOptions()
	opts.Max = cfg.MaxStatThreads
	if opts.Max < 1 {
		opts.Max = 1
	}
	p.threads = pool.NewWorkThreadPool("stat-threads", opts)
	p.exec = pool.NewThreadExecutor(p.threads, p.timeout)
	go p.dispatch()
	return p, nil
}

func optionalTemplate(text string) (*sink.Template, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	return sink.ParseTemplate(text)
}

// HasStateTemplate tells if courier states are stored
func (p *StatProcessor) HasStateTemplate() bool {
	return p.stateTmpl != nil
}

// Add queues the items, all or none: ErrBufferFull is returned when they do not fit in the buffer
func (p *StatProcessor) Add(items ...statItem) error {
	p.mtx.Lock()
	if p.closed {
		p.mtx.Unlock()
		return ErrManagerStopped
	}
	if len(p.buf)+len(items) > p.maxBuffer {
		p.mtx.Unlock()
		atomic.AddInt64(&p.rejected, int64(len(items)))
		return fmt.Errorf("%w: %d buffered, max %d", ErrBufferFull, len(p.buf), p.maxBuffer)
	}
	p.buf = append(p.buf, items...)
	full := len(p.buf) >= p.portionSize
	p.mtx.Unlock()
	atomic.AddInt64(&p.received, int64(len(items)))
	if full {
		select {
		case p.wakeup <- struct{}{}:
		default:
		}
	}
	return nil
}

// take removes the next portion from the buffer. A partial portion is taken only when all is set.
func (p *StatProcessor) take(all bool) []statItem {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	n := len(p.buf)
	if n == 0 || (n < p.portionSize && !all) {
		return nil
	}
	if n > p.portionSize {
		n = p.portionSize
	}
	portion := make([]statItem, n)
	copy(portion, p.buf)
	p.buf = append(p.buf[:0], p.buf[n:]...)
	return portion
}

func (p *StatProcessor) dispatch() {
	defer close(p.done)
	var tick <-chan time.Time
	if p.flushEvery > 0 {
		ticker := time.NewTicker(p.flushEvery)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		all := false
		select {
		case <-p.wakeup:
		case <-tick:
			all = true
		case <-p.stop:
			for portion := p.take(true); portion != nil; portion = p.take(true) {
				p.launch(portion)
			}
			return
		}
		for portion := p.take(all); portion != nil; portion = p.take(all) {
			p.launch(portion)
		}
	}
}

// launch waits for a free stat thread and writes the portion on it
func (p *StatProcessor) launch(portion []statItem) {
	p.wg.Add(1)
	atomic.AddInt32(&p.inFlight, 1)
	task := func() {
		defer p.wg.Done()
		defer atomic.AddInt32(&p.inFlight, -1)
		p.process(portion)
	}
	for {
		err := p.exec.Execute(task)
		if err == nil {
			return
		}
		if !errors.Is(err, pool.ErrTimeout) {
			if logger.GetLogger().V(logger.Warning) {
				logger.GetLogger().Log(logger.Warning, "stat threads unavailable, writing inline:", err.Error())
			}
			task()
			return
		}
		if logger.GetLogger().V(logger.Info) {
			logger.GetLogger().Log(logger.Info, "all stat threads busy, buffered", p.Stats().Buffered)
		}
	}
}

// statement calculates the statement of one item, "" when no template applies to it
func (p *StatProcessor) statement(it *statItem) (string, error) {
	tmpl := p.resultTmpl
	if it.result == nil {
		tmpl = p.stateTmpl
	}
	if tmpl == nil {
		return "", nil
	}
	return tmpl.Calculate(it.vars())
}

// portion builds the text executed for a portion: the item statements joined by new lines, passed to
// the portion template when there is one
func (p *StatProcessor) portion(items []statItem) (string, error) {
	stmts := make([]string, 0, len(items))
	for i := range items {
		stmt, err := p.statement(&items[i])
		if err != nil {
			return "", err
		}
		if stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	if len(stmts) == 0 {
		return "", nil
	}
	text := strings.Join(stmts, "\n")
	if p.portionTmpl == nil {
		return text, nil
	}
	return p.portionTmpl.Calculate(sink.Vars{VarPortion: sink.Raw(text)})
}

func (p *StatProcessor) process(items []statItem) {
	start := time.Now()
	var records []sink.ResultRecord
	if p.journal != nil {
		for i := range items {
			if r := items[i].result; r != nil {
				records = append(records, sink.NewResultRecord(items[i].courierID, items[i].host, items[i].config, r, items[i].received))
			}
		}
		if len(records) > 0 {
			if err := p.journal.Append(records); err != nil {
				if logger.GetLogger().V(logger.Warning) {
					logger.GetLogger().Log(logger.Warning, "journal:", err.Error())
				}
			}
		}
	}

	text, err := p.portion(items)
	if err == nil && text != "" && p.db != nil {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		err = p.db.Execute(ctx, p.statPool, text)
		cancel()
	}
	otel.RecordFlush(p.statPool, len(items), time.Since(start), err)
	if err != nil {
		atomic.AddInt64(&p.failed, int64(len(items)))
		if logger.GetLogger().V(logger.Warning) {
			logger.GetLogger().Log(logger.Warning, "portion of", len(items), "items failed:", err.Error())
		}
		return
	}
	atomic.AddInt64(&p.flushed, int64(len(items)))
	if logger.GetLogger().V(logger.Debug) {
		logger.GetLogger().Log(logger.Debug, "portion of", len(items), "items written in", time.Since(start))
	}
}

// Stats returns the processing counters
func (p *StatProcessor) Stats() StatStats {
	p.mtx.Lock()
	buffered := len(p.buf)
	p.mtx.Unlock()
	return StatStats{
		Buffered: buffered,
		InFlight: atomic.LoadInt32(&p.inFlight),
		Received: atomic.LoadInt64(&p.received),
		Flushed:  atomic.LoadInt64(&p.flushed),
		Failed:   atomic.LoadInt64(&p.failed),
		Rejected: atomic.LoadInt64(&p.rejected),
	}
}

// Close stops accepting items, writes what is buffered and waits up to timeout for the writes
func (p *StatProcessor) Close(timeout time.Duration) error {
	p.mtx.Lock()
	if p.closed {
		p.mtx.Unlock()
		return nil
	}
	p.closed = true
	p.mtx.Unlock()
	close(p.stop)
	<-p.done

	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()
	var err error
	select {
	case <-finished:
	case <-time.After(timeout):
		err = fmt.Errorf("%w: stat processor close", pool.ErrTimeout)
	}
	p.threads.Close()
	return err
}
