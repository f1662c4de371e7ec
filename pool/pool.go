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

// Package pool implements a generic concurrent object pool. Objects are created by a Factory through an
// ExecutePolicy, kept within a min/max capacity, validated by a background check, shrunk when idle and
// reclaimed by a rinse once marked invalid.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rdcourier/fleet/utility/logger"
	"github.com/rdcourier/fleet/utility/queue"
	"github.com/rdcourier/fleet/utility/timer"
)

// Factory creates, validates and disposes the pooled objects
type Factory[T any] interface {
	Allocate(ctx context.Context) (T, error)
	Validate(obj T) bool
	Deallocate(obj T) error
}

// Executor runs the background activities of a pool
type Executor interface {
	Execute(task func()) error
}

type goExecutor struct{}

func (goExecutor) Execute(task func()) error {
	go task()
	return nil
}

// Listener is notified of pool events
type Listener interface {
	// ObjectAdded is called after a new free object was added
	ObjectAdded(pool string)
	// ObjectAcquired is called when a GetObject returns, err is nil on success
	ObjectAcquired(pool string, wait time.Duration, err error)
}

// Stats is a snapshot of the pool sets
type Stats struct {
	Name     string `json:"name"`
	State    string `json:"state"`
	Free     int    `json:"free"`
	Busy     int    `json:"busy"`
	Invalid  int    `json:"invalid"`
	Creating int    `json:"creating"`
	Waiting  int    `json:"waiting"`
	Max      int    `json:"max"`
}

// Pool is a generic object pool. All the set changes happen under a single lock, validation and
// factory calls happen outside it on captured objects.
type Pool[T comparable] struct {
	name      string
	factory   Factory[T]
	policy    ExecutePolicy[T]
	executor  Executor
	opts      Options
	sched     *timer.Scheduler
	throttle  *Throttler
	listeners []Listener

	mtx  sync.Mutex
	cond *sync.Cond

	state   poolState
	free    queue.Queue[*wrapper[T]]
	busy    map[T]*wrapper[T]
	invalid queue.Queue[*wrapper[T]]
	// freeSeq changes every time an object becomes free, so a waiter can tell it missed a wakeup
	freeSeq uint64

	activities     activity
	creating       int
	waiting        int
	bulkExpand     int
	rinseRequested bool
	rinseTask      timer.Task
	checkTask      timer.Task
	shrinkTask     timer.Task
	closing        chan struct{}
	closed         chan struct{}
}

// New creates a pool in the initial state. Objects are created once Start is called.
func New[T comparable](name string, factory Factory[T], opts Options) *Pool[T] {
	opts.normalize()
	p := &Pool[T]{
		name:     name,
		factory:  factory,
		policy:   SyncPolicy[T]{},
		executor: goExecutor{},
		opts:     opts,
		sched:    timer.NewScheduler("pool " + name),
		free:     queue.NewQueue[*wrapper[T]](),
		busy:     make(map[T]*wrapper[T]),
		invalid:  queue.NewQueue[*wrapper[T]](),
		closing:  make(chan struct{}),
		closed:   make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mtx)
	if opts.MaxAllocPerSec > 0 {
		p.throttle = NewThrottler(uint32(opts.MaxAllocPerSec), name)
	}
	return p
}

// SetExecutePolicy selects how the factory is called. Must be called before Start.
func (p *Pool[T]) SetExecutePolicy(policy ExecutePolicy[T]) {
	p.policy = policy
}

// SetExecutor selects where background activities run. Must be called before Start.
func (p *Pool[T]) SetExecutor(executor Executor) {
	p.executor = executor
}

// AddListener registers a listener. Must be called before Start.
func (p *Pool[T]) AddListener(l Listener) {
	p.listeners = append(p.listeners, l)
}

// Name of the pool
func (p *Pool[T]) Name() string {
	return p.name
}

// Options returns the configuration the pool runs with
func (p *Pool[T]) Options() Options {
	return p.opts
}

func (p *Pool[T]) size() int {
	return p.free.Len() + len(p.busy)
}

// Size is the number of free plus busy objects
func (p *Pool[T]) Size() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.size()
}

// Stats returns a snapshot of the pool counters
func (p *Pool[T]) Stats() Stats {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return Stats{Name: p.name, State: p.state.String(), Free: p.free.Len(), Busy: len(p.busy),
		Invalid: p.invalid.Len(), Creating: p.creating, Waiting: p.waiting, Max: p.opts.Max}
}

// Start moves the pool to the started state, launches the initial expansion and schedules the
// check and shrink activities
func (p *Pool[T]) Start() error {
	p.mtx.Lock()
	if p.state != stateInitial {
		p.mtx.Unlock()
		return ErrAlreadyStarted
	}
	p.state = stateStarted
	if p.opts.Initial > 0 {
		p.bulkExpand = p.opts.Initial
		if p.opts.Min > 0 {
			p.bulkExpand -= p.opts.Min
		}
		if p.bulkExpand < 0 {
			p.bulkExpand = 0
		}
		if p.opts.Max > 0 && p.bulkExpand > p.opts.Max {
			p.bulkExpand = p.opts.Max
		}
	}
	launch := p.bulkExpand > 0 || p.opts.Min > 0
	if p.opts.ShrinkInterval > 0 {
		p.shrinkTask = p.sched.SchedulePeriodic(p.opts.ShrinkInterval, p.opts.ShrinkInterval, func() { p.tryToLaunch(actShrink) })
	}
	if p.opts.CheckInterval > 0 {
		p.checkTask = p.sched.SchedulePeriodic(p.opts.CheckInterval, p.opts.CheckInterval, func() { p.tryToLaunch(actCheck) })
	}
	p.rinseRequested = false
	p.mtx.Unlock()

	if logger.GetLogger().V(logger.Info) {
		logger.GetLogger().Log(logger.Info, "pool", p.name, "started, initial:", p.opts.Initial, "min:", p.opts.Min, "max:", p.opts.Max, "inc:", p.opts.Increment)
	}
	if launch {
		p.tryToLaunch(actExpand)
	}
	return nil
}

// tryToLaunch starts an activity unless the same activity is running already
func (p *Pool[T]) tryToLaunch(a activity) {
	p.mtx.Lock()
	if (p.state != stateStarted && p.state != stateClosing) || p.activities&a != 0 {
		p.mtx.Unlock()
		return
	}
	p.activities |= a
	p.mtx.Unlock()

	err := p.executor.Execute(func() {
		defer func() {
			if r := recover(); r != nil {
				if logger.GetLogger().V(logger.Alert) {
					logger.GetLogger().Log(logger.Alert, "pool", p.name, activityNames[a], "panic:", r)
				}
			}
			p.mtx.Lock()
			p.activities &^= a
			if p.state == stateClosing {
				p.cond.Broadcast()
			}
			p.mtx.Unlock()
		}()
		switch a {
		case actExpand:
			p.addNewObjects()
		case actCheck:
			p.check()
		case actShrink:
			p.shrink()
		case actRinse:
			p.rinse()
		}
	})
	if err != nil {
		if logger.GetLogger().V(logger.Warning) {
			logger.GetLogger().Log(logger.Warning, "pool", p.name, "could not launch", activityNames[a], err.Error())
		}
		p.mtx.Lock()
		p.activities &^= a
		p.mtx.Unlock()
	}
}

func (p *Pool[T]) requestRinse() {
	p.mtx.Lock()
	if !p.rinseRequested {
		p.rinseRequested = true
		if p.rinseTask != nil {
			p.rinseTask.Cancel()
		}
		p.rinseTask = p.sched.Schedule(p.opts.RinseInterval, func() {
			p.mtx.Lock()
			p.rinseRequested = false
			p.mtx.Unlock()
			p.tryToLaunch(actRinse)
		})
	}
	expand := p.state == stateStarted && p.opts.Min > 0 && p.size() < p.opts.Min
	p.mtx.Unlock()
	if expand {
		p.tryToLaunch(actExpand)
	}
}

func (p *Pool[T]) reachedMaxCapacity() bool {
	return p.opts.Max > 0 && p.size()+p.creating >= p.opts.Max
}

// needToAdd tells if the expansion should create one more object. With changeBulk the pending
// bulk expansion is consumed.
func (p *Pool[T]) needToAdd(changeBulk bool) bool {
	if p.state != stateStarted || p.reachedMaxCapacity() {
		return false
	}
	if p.opts.Min > 0 && p.size()+p.creating < p.opts.Min {
		return true
	}
	if p.bulkExpand > 0 {
		if changeBulk {
			p.bulkExpand--
		}
		return true
	}
	return p.waiting > p.creating
}

// reserveForExpand checks needToAdd and, when true, accounts the object as being created so
// concurrent creators can not exceed the max capacity
func (p *Pool[T]) reserveForExpand() bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if !p.needToAdd(true) {
		return false
	}
	p.creating++
	return true
}

func (p *Pool[T]) scheduleCreate() {
	if p.opts.RecreateInterval <= 0 {
		return
	}
	p.mtx.Lock()
	need := p.needToAdd(false)
	p.mtx.Unlock()
	if need {
		p.sched.Schedule(p.opts.RecreateInterval, func() { p.tryToLaunch(actExpand) })
	}
}

// addNewObjects is the expand activity
func (p *Pool[T]) addNewObjects() {
	if !p.opts.SelfExpand {
		return
	}
	for p.reserveForExpand() {
		if _, err := p.createReserved(false); err != nil {
			if logger.GetLogger().V(logger.Warning) {
				logger.GetLogger().Log(logger.Warning, "pool", p.name, "error adding new object:", err.Error())
			}
			p.scheduleCreate()
			break
		}
	}
}

// createReserved allocates an object for a slot already counted in p.creating
func (p *Pool[T]) createReserved(busy bool) (*wrapper[T], error) {
	if p.throttle != nil {
		if err := p.throttle.Wait(p.closing); err != nil {
			p.mtx.Lock()
			p.creating--
			p.mtx.Unlock()
			return nil, err
		}
	}
	obj, err := p.policy.Allocate(p.factory)
	p.mtx.Lock()
	p.creating--
	if err != nil {
		p.mtx.Unlock()
		return nil, fmt.Errorf("%w '%s': %v", ErrAllocate, p.name, err)
	}
	if p.state != stateStarted {
		p.mtx.Unlock()
		p.deallocate(obj)
		return nil, ErrClosed
	}
	w := newWrapper(obj, false)
	if busy {
		w.member = memberBusy
		p.busy[obj] = w
	} else {
		w.member = memberFree
		p.free.PushFront(w)
		p.freeSeq++
		p.cond.Broadcast()
	}
	p.mtx.Unlock()
	if !busy {
		for _, l := range p.listeners {
			l.ObjectAdded(p.name)
		}
	}
	if logger.GetLogger().V(logger.Verbose) {
		logger.GetLogger().Log(logger.Verbose, "pool", p.name, "new object", w, "busy:", busy)
	}
	return w, nil
}

func (p *Pool[T]) deallocate(obj T) {
	if err := p.policy.Deallocate(p.factory, obj); err != nil {
		if logger.GetLogger().V(logger.Warning) {
			logger.GetLogger().Log(logger.Warning, "pool", p.name, "error returning object:", err.Error())
		}
	}
}

func (p *Pool[T]) expired(w *wrapper[T]) bool {
	return p.opts.ExpirePeriod > 0 && time.Since(w.createTime) > p.opts.ExpirePeriod
}

// objectValid validates a captured object and records the outcome in its invalid flag
func (p *Pool[T]) objectValid(w *wrapper[T]) bool {
	p.mtx.Lock()
	valid := !w.invalid && !p.expired(w)
	p.mtx.Unlock()
	if valid {
		valid = p.policy.Validate(p.factory, w.obj)
	}
	p.mtx.Lock()
	w.invalid = !valid
	p.mtx.Unlock()
	return valid
}

// captureFree returns the first free object satisfying cond that no scan holds, and captures it
func (p *Pool[T]) captureFree(cond func(*wrapper[T]) bool) *wrapper[T] {
	var found *wrapper[T]
	p.free.ForEach(func(w *wrapper[T]) bool {
		if !w.captured && cond(w) {
			found = w
			return false
		}
		return true
	})
	if found != nil {
		found.captured = true
	}
	return found
}

// findValidObject moves the first free object passing validation to busy. Failing objects are
// moved to the invalid set for the rinse.
func (p *Pool[T]) findValidObject() (T, bool) {
	var zero T
	needRinse := false
	defer func() {
		if needRinse {
			p.requestRinse()
		}
	}()
	for {
		p.mtx.Lock()
		if p.state != stateStarted {
			p.mtx.Unlock()
			return zero, false
		}
		w := p.captureFree(func(w *wrapper[T]) bool { return !w.invalid })
		p.mtx.Unlock()
		if w == nil {
			return zero, false
		}

		valid := p.objectValid(w)

		p.mtx.Lock()
		w.captured = false
		p.free.Remove(w)
		if p.state != stateStarted {
			// the close may have swept the free and busy sets already
			w.member = memberNone
			p.cond.Broadcast()
			p.mtx.Unlock()
			p.deallocate(w.obj)
			return zero, false
		}
		if valid {
			w.member = memberBusy
			p.busy[w.obj] = w
			p.mtx.Unlock()
			return w.obj, true
		}
		w.member = memberInvalid
		p.invalid.PushFront(w)
		if p.state == stateClosing {
			p.cond.Broadcast()
		}
		p.mtx.Unlock()
		needRinse = true
	}
}

// GetObject returns a free object, creating one when the pool may expand, or waits up to timeout
// for one to be released. A zero timeout does not wait: ErrExhausted is returned at once. The wait
// ends early with ErrCancelled when cancel is cancelled.
func (p *Pool[T]) GetObject(timeout time.Duration, cancel *CancelHandle) (T, error) {
	start := time.Now()
	obj, err := p.getObject(timeout, cancel)
	for _, l := range p.listeners {
		l.ObjectAcquired(p.name, time.Since(start), err)
	}
	return obj, err
}

// GetObjectContext is GetObject bound to ctx: the wait is cut to the ctx deadline and ends with
// ErrCancelled, wrapping ctx.Err(), as soon as ctx is done.
func (p *Pool[T]) GetObjectContext(ctx context.Context, timeout time.Duration) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	cancel := NewCancelHandle()
	stop := context.AfterFunc(ctx, cancel.Cancel)
	defer stop()
	obj, err := p.GetObject(timeout, cancel)
	if err != nil && errors.Is(err, ErrCancelled) {
		if cerr := ctx.Err(); cerr != nil {
			return zero, fmt.Errorf("%w: %w", err, cerr)
		}
	}
	return obj, err
}

// PeekObject returns a free or newly created object without waiting
func (p *Pool[T]) PeekObject() (T, bool) {
	obj, err := p.getObject(0, nil)
	return obj, err == nil
}

func (p *Pool[T]) getObject(timeout time.Duration, cancel *CancelHandle) (T, error) {
	var zero T
	p.mtx.Lock()
	if p.state != stateStarted {
		p.mtx.Unlock()
		return zero, ErrClosed
	}
	p.mtx.Unlock()

	if obj, ok := p.findValidObject(); ok {
		return obj, nil
	}

	if p.opts.SelfExpand {
		p.mtx.Lock()
		reserved := p.state == stateStarted && !p.reachedMaxCapacity()
		launch := false
		if reserved {
			if p.opts.Increment > 1 && p.bulkExpand == 0 {
				p.bulkExpand = p.opts.Increment - 1
				if p.opts.Min > 0 && p.opts.Min < p.size() {
					p.bulkExpand -= p.size() - p.opts.Min
					if p.bulkExpand < 0 {
						p.bulkExpand = 0
					}
				}
			}
			launch = p.bulkExpand > 0
			p.creating++
		}
		p.mtx.Unlock()
		if reserved {
			if launch {
				p.tryToLaunch(actExpand)
			}
			w, err := p.createReserved(true)
			if err == nil {
				return w.obj, nil
			}
			if logger.GetLogger().V(logger.Warning) {
				logger.GetLogger().Log(logger.Warning, "pool", p.name, err.Error())
			}
			p.scheduleCreate()
			if timeout <= 0 {
				return zero, err
			}
		}
	}
	if timeout <= 0 {
		return zero, fmt.Errorf("%w: pool '%s' max %d", ErrExhausted, p.name, p.opts.Max)
	}
	return p.waitForObject(timeout, cancel)
}

func (p *Pool[T]) waitForObject(timeout time.Duration, cancel *CancelHandle) (T, error) {
	var zero T
	deadline := time.Now().Add(timeout)
	if cancel != nil {
		cancel.set(p.wakeAll)
		defer cancel.set(nil)
	}
	// go refused to add a wait timeout https://github.com/golang/go/issues/9578
	// a timer broadcast wakes the waiter at the deadline instead
	wakeup := time.AfterFunc(timeout, p.wakeAll)
	defer wakeup.Stop()

	p.mtx.Lock()
	p.waiting++
	defer func() {
		p.waiting--
		p.mtx.Unlock()
	}()
	for {
		if cancel != nil && cancel.Cancelled() {
			return zero, ErrCancelled
		}
		if p.state != stateStarted {
			return zero, ErrClosed
		}
		seq := p.freeSeq
		p.mtx.Unlock()
		obj, ok := p.findValidObject()
		p.mtx.Lock()
		if ok {
			return obj, nil
		}
		if !time.Now().Before(deadline) {
			return zero, fmt.Errorf("%w: pool '%s' (%v)", ErrTimeout, p.name, timeout)
		}
		// a cancel arriving while the scan ran had nobody to wake
		if seq == p.freeSeq && (cancel == nil || !cancel.Cancelled()) {
			p.cond.Wait()
		}
	}
}

func (p *Pool[T]) wakeAll() {
	p.mtx.Lock()
	p.cond.Broadcast()
	p.mtx.Unlock()
}

// AddObject adds an object created outside the pool as free
func (p *Pool[T]) AddObject(obj T) error {
	p.mtx.Lock()
	if p.state == stateClosing || p.state == stateClosed {
		p.mtx.Unlock()
		return ErrClosed
	}
	if p.reachedMaxCapacity() {
		p.mtx.Unlock()
		return fmt.Errorf("%w: pool '%s' max %d", ErrExhausted, p.name, p.opts.Max)
	}
	if _, ok := p.busy[obj]; ok {
		p.mtx.Unlock()
		return ErrDuplicate
	}
	dup := false
	p.free.ForEach(func(w *wrapper[T]) bool {
		dup = w.obj == obj
		return !dup
	})
	if dup {
		p.mtx.Unlock()
		return ErrDuplicate
	}
	w := newWrapper(obj, true)
	w.member = memberFree
	p.free.PushFront(w)
	p.freeSeq++
	p.cond.Broadcast()
	p.mtx.Unlock()
	for _, l := range p.listeners {
		l.ObjectAdded(p.name)
	}
	return nil
}

// ReleaseObject returns a busy object to the free set. Releasing an object that is not busy is
// logged and ignored.
func (p *Pool[T]) ReleaseObject(obj T) {
	p.mtx.Lock()
	w, ok := p.busy[obj]
	if ok {
		delete(p.busy, obj)
		w.member = memberFree
		w.released = true
		w.releaseTime = time.Now()
		p.free.PushFront(w)
		p.freeSeq++
		p.cond.Broadcast()
	}
	p.mtx.Unlock()
	if !ok {
		if logger.GetLogger().V(logger.Warning) {
			logger.GetLogger().Log(logger.Warning, "pool", p.name, "no release for object:", obj)
		}
	}
}

// ReleaseAndRemoveObject gives back a busy object known to be broken. It is disposed by the rinse.
func (p *Pool[T]) ReleaseAndRemoveObject(obj T) {
	p.mtx.Lock()
	w, ok := p.busy[obj]
	closing := p.state == stateClosing
	if ok {
		delete(p.busy, obj)
		w.member = memberInvalid
		w.invalid = true
		w.released = true
		p.invalid.PushFront(w)
		if closing {
			p.cond.Broadcast()
		}
	}
	p.mtx.Unlock()
	if !ok {
		if logger.GetLogger().V(logger.Warning) {
			logger.GetLogger().Log(logger.Warning, "pool", p.name, "no release for object to remove:", obj)
		}
		return
	}
	if !closing {
		p.requestRinse()
	}
}

// returnObjects disposes free objects satisfying cond. With checkObject only the ones failing
// validation are disposed. maxCount <= 0 means no limit. Outside of closing the scan stops at min
// when keepMin is set.
func (p *Pool[T]) returnObjects(cond func(*wrapper[T]) bool, checkObject bool, maxCount int, keepMin bool) int {
	visited := make(map[*wrapper[T]]bool)
	if cond == nil {
		cond = func(*wrapper[T]) bool { return true }
	}
	result := 0
	for {
		p.mtx.Lock()
		if p.state == stateClosed || p.state == stateInitial ||
			(p.state != stateClosing && ((maxCount > 0 && result >= maxCount) ||
				(keepMin && p.opts.Min > 0 && p.size() <= p.opts.Min))) {
			p.mtx.Unlock()
			break
		}
		w := p.captureFree(func(w *wrapper[T]) bool { return !visited[w] && cond(w) })
		p.mtx.Unlock()
		if w == nil {
			break
		}
		visited[w] = true

		remove := !checkObject || !p.objectValid(w)

		p.mtx.Lock()
		w.captured = false
		if remove {
			p.free.Remove(w)
			w.member = memberNone
		}
		if p.state == stateClosing {
			p.cond.Broadcast()
		}
		p.mtx.Unlock()
		if remove {
			if !w.released && logger.GetLogger().V(logger.Debug) {
				logger.GetLogger().Log(logger.Debug, "pool", p.name, "returns object never used:", w)
			}
			p.deallocate(w.obj)
			result++
		}
	}
	if result > 0 && logger.GetLogger().V(logger.Debug) {
		st := p.Stats()
		logger.GetLogger().Log(logger.Debug, "pool", p.name, "returned", result, "objects: busy =", st.Busy, "free =", st.Free)
	}
	return result
}

// check is the validation activity
func (p *Pool[T]) check() {
	n := p.returnObjects(nil, true, -1, false)
	if n <= 0 {
		return
	}
	if logger.GetLogger().V(logger.Info) {
		logger.GetLogger().Log(logger.Info, "pool", p.name, "check removed", n, "objects")
	}
	p.mtx.Lock()
	started := p.state == stateStarted
	p.mtx.Unlock()
	if started {
		p.tryToLaunch(actExpand)
	}
}

// shrink is the activity returning objects idle for longer than ShrinkIdlePeriod
func (p *Pool[T]) shrink() {
	if p.opts.ShrinkIdlePeriod <= 0 {
		return
	}
	now := time.Now()
	idle := func(w *wrapper[T]) bool {
		return now.Sub(w.releaseTime) > p.opts.ShrinkIdlePeriod
	}
	p.returnObjects(idle, false, p.opts.ShrinkCapacity, true)
}

// rinse disposes the objects marked invalid
func (p *Pool[T]) rinse() {
	for {
		p.mtx.Lock()
		w, ok := p.invalid.Poll()
		if ok {
			w.member = memberNone
		}
		p.mtx.Unlock()
		if !ok {
			return
		}
		p.deallocate(w.obj)
	}
}

// Close stops the activities, waits up to CloseTimeout for the busy objects and disposes all the
// objects. It returns false when busy objects or activities were still running at the deadline.
// Concurrent and repeated calls are safe.
func (p *Pool[T]) Close() bool {
	p.mtx.Lock()
	switch p.state {
	case stateInitial:
		p.state = stateClosed
		close(p.closing)
		close(p.closed)
		p.mtx.Unlock()
		return true
	case stateClosing:
		p.mtx.Unlock()
		<-p.closed
		return true
	case stateClosed:
		p.mtx.Unlock()
		return true
	}
	p.state = stateClosing
	close(p.closing)
	for _, t := range []timer.Task{p.checkTask, p.shrinkTask, p.rinseTask} {
		if t != nil {
			t.Cancel()
		}
	}
	p.rinseRequested = false
	p.cond.Broadcast()

	stopOK := p.activities == 0 && len(p.busy) == 0
	if !stopOK && p.opts.CloseTimeout > 0 {
		deadline := time.Now().Add(p.opts.CloseTimeout)
		wakeup := time.AfterFunc(p.opts.CloseTimeout, p.wakeAll)
		for !stopOK && time.Now().Before(deadline) {
			p.cond.Wait()
			stopOK = p.activities == 0 && len(p.busy) == 0
		}
		wakeup.Stop()
	}
	p.mtx.Unlock()
	if !stopOK && logger.GetLogger().V(logger.Warning) {
		logger.GetLogger().Log(logger.Warning, "pool", p.name, "closed with busy objects or running activities")
	}

	p.returnObjects(nil, false, -1, false)

	p.mtx.Lock()
	busy := make([]*wrapper[T], 0, len(p.busy))
	for obj, w := range p.busy {
		delete(p.busy, obj)
		w.member = memberNone
		busy = append(busy, w)
	}
	p.mtx.Unlock()
	for _, w := range busy {
		p.deallocate(w.obj)
	}
	p.rinse()

	p.mtx.Lock()
	p.state = stateClosed
	p.cond.Broadcast()
	close(p.closed)
	p.mtx.Unlock()
	p.sched.Stop()
	// scans that were validating during the close may have left invalid objects behind
	p.rinse()

	if logger.GetLogger().V(logger.Info) {
		logger.GetLogger().Log(logger.Info, "pool", p.name, "closed")
	}
	return stopOK
}

// IsStarted tells if the pool serves requests
func (p *Pool[T]) IsStarted() bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.state == stateStarted
}
