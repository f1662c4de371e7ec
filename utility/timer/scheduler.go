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

// Package timer runs delayed and periodic background tasks
package timer

import (
	"sync"
	"time"

	"github.com/rdcourier/fleet/utility/logger"
)

// Task is a scheduled activity
type Task interface {
	// Cancel stops future runs. It returns false if the task was already cancelled or, for a one shot task, already ran
	Cancel() bool
}

// Scheduler keeps track of the tasks it started so they can be stopped together
type Scheduler struct {
	name    string
	mtx     sync.Mutex
	tasks   map[*task]struct{}
	stopped bool
}

type task struct {
	sched    *Scheduler
	mtx      sync.Mutex
	timer    *time.Timer
	period   time.Duration
	fn       func()
	canceled bool
	done     bool
}

// NewScheduler creates a scheduler, name is used in logs
func NewScheduler(name string) *Scheduler {
	return &Scheduler{name: name, tasks: make(map[*task]struct{})}
}

// Schedule runs fn once after delay
func (s *Scheduler) Schedule(delay time.Duration, fn func()) Task {
	return s.schedule(delay, 0, fn)
}

// SchedulePeriodic runs fn after delay and then every period, measured from the end of the previous run
func (s *Scheduler) SchedulePeriodic(delay time.Duration, period time.Duration, fn func()) Task {
	return s.schedule(delay, period, fn)
}

func (s *Scheduler) schedule(delay time.Duration, period time.Duration, fn func()) Task {
	t := &task{sched: s, period: period, fn: fn}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.stopped {
		t.canceled = true
		return t
	}
	s.tasks[t] = struct{}{}
	t.mtx.Lock()
	t.timer = time.AfterFunc(delay, t.run)
	t.mtx.Unlock()
	return t
}

// Len returns how many tasks are pending
func (s *Scheduler) Len() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return len(s.tasks)
}

// Stop cancels all the pending tasks. Tasks scheduled after Stop never run
func (s *Scheduler) Stop() {
	s.mtx.Lock()
	s.stopped = true
	tasks := make([]*task, 0, len(s.tasks))
	for t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mtx.Unlock()
	for _, t := range tasks {
		t.Cancel()
	}
}

func (s *Scheduler) forget(t *task) {
	s.mtx.Lock()
	delete(s.tasks, t)
	s.mtx.Unlock()
}

func (t *task) run() {
	t.mtx.Lock()
	if t.canceled {
		t.mtx.Unlock()
		return
	}
	t.mtx.Unlock()

	func() {
		defer func() {
			if r := recover(); r != nil {
				if logger.GetLogger().V(logger.Alert) {
					logger.GetLogger().Log(logger.Alert, t.sched.name, "task panic:", r)
				}
			}
		}()
		t.fn()
	}()

	t.mtx.Lock()
	defer t.mtx.Unlock()
	if t.canceled {
		return
	}
	if t.period <= 0 {
		t.done = true
		t.sched.forget(t)
		return
	}
	t.timer = time.AfterFunc(t.period, t.run)
}

func (t *task) Cancel() bool {
	t.mtx.Lock()
	if t.canceled || t.done {
		t.mtx.Unlock()
		return false
	}
	t.canceled = true
	if t.timer != nil {
		t.timer.Stop()
	}
	t.mtx.Unlock()
	t.sched.forget(t)
	return true
}
