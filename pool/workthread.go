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

package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rdcourier/fleet/utility/logger"
)

// WorkThread is a long lived goroutine running the tasks handed to it, one at a time
type WorkThread struct {
	id      int32
	tasks   chan func()
	done    chan struct{}
	mtx     sync.Mutex
	stopped bool
	running int32
}

func newWorkThread(id int32) *WorkThread {
	wt := &WorkThread{id: id, tasks: make(chan func(), 1), done: make(chan struct{})}
	go wt.loop()
	return wt
}

func (wt *WorkThread) String() string {
	return fmt.Sprintf("WorkThread-%d", wt.id)
}

func (wt *WorkThread) loop() {
	defer close(wt.done)
	for task := range wt.tasks {
		wt.run(task)
	}
}

func (wt *WorkThread) run(task func()) {
	atomic.StoreInt32(&wt.running, 1)
	defer func() {
		atomic.StoreInt32(&wt.running, 0)
		if r := recover(); r != nil {
			if logger.GetLogger().V(logger.Alert) {
				logger.GetLogger().Log(logger.Alert, wt, "task panic:", r)
			}
		}
	}()
	task()
}

// Launch hands the task to the thread without waiting for it
func (wt *WorkThread) Launch(task func()) error {
	wt.mtx.Lock()
	defer wt.mtx.Unlock()
	if wt.stopped {
		return ErrThreadStopped
	}
	select {
	case wt.tasks <- task:
		return nil
	default:
		return fmt.Errorf("%v already has a pending task", wt)
	}
}

// LaunchAndWait runs the task and waits up to timeout for it to finish. On ErrWorkTimeout the task
// keeps running. timeout <= 0 waits without limit.
func (wt *WorkThread) LaunchAndWait(task func(), timeout time.Duration) error {
	finished := make(chan struct{})
	if err := wt.Launch(func() {
		defer close(finished)
		task()
	}); err != nil {
		return err
	}
	if timeout <= 0 {
		<-finished
		return nil
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-finished:
		return nil
	case <-t.C:
		return fmt.Errorf("%w: %v after %v", ErrWorkTimeout, wt, timeout)
	}
}

// Running tells if a task is executing
func (wt *WorkThread) Running() bool {
	return atomic.LoadInt32(&wt.running) == 1
}

// Stopped tells if Stop was called
func (wt *WorkThread) Stopped() bool {
	wt.mtx.Lock()
	defer wt.mtx.Unlock()
	return wt.stopped
}

// Stop lets the thread exit once its pending task is done
func (wt *WorkThread) Stop() {
	wt.mtx.Lock()
	defer wt.mtx.Unlock()
	if !wt.stopped {
		wt.stopped = true
		close(wt.tasks)
	}
}

// Done is closed when the goroutine exited
func (wt *WorkThread) Done() <-chan struct{} {
	return wt.done
}

type threadFactory struct {
	seq int32
}

func (f *threadFactory) Allocate(ctx context.Context) (*WorkThread, error) {
	return newWorkThread(atomic.AddInt32(&f.seq, 1)), nil
}

func (f *threadFactory) Validate(wt *WorkThread) bool {
	return !wt.Stopped()
}

func (f *threadFactory) Deallocate(wt *WorkThread) error {
	wt.Stop()
	return nil
}

// NewWorkThreadPool creates and starts a pool of work threads
func NewWorkThreadPool(name string, opts Options) *Pool[*WorkThread] {
	p := New[*WorkThread](name, &threadFactory{}, opts)
	p.Start()
	return p
}

// ThreadExecutor runs tasks on threads borrowed from a work thread pool, bounding the concurrency
// to the pool max capacity
type ThreadExecutor struct {
	threads *Pool[*WorkThread]
	wait    time.Duration
}

// NewThreadExecutor creates an executor waiting up to wait for a free thread
func NewThreadExecutor(threads *Pool[*WorkThread], wait time.Duration) *ThreadExecutor {
	return &ThreadExecutor{threads: threads, wait: wait}
}

// Execute implements Executor
func (e *ThreadExecutor) Execute(task func()) error {
	wt, err := e.threads.GetObject(e.wait, nil)
	if err != nil {
		return err
	}
	err = wt.Launch(func() {
		defer e.threads.ReleaseObject(wt)
		task()
	})
	if err != nil {
		e.threads.ReleaseAndRemoveObject(wt)
	}
	return err
}

// Threads returns the thread pool
func (e *ThreadExecutor) Threads() *Pool[*WorkThread] {
	return e.threads
}
