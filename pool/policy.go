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
	"time"

	"github.com/rdcourier/fleet/utility/logger"
)

// ExecutePolicy decides on which goroutine, and with which timeout, the factory calls run
type ExecutePolicy[T any] interface {
	Allocate(f Factory[T]) (T, error)
	Validate(f Factory[T], obj T) bool
	Deallocate(f Factory[T], obj T) error
}

// SyncPolicy calls the factory on the calling goroutine. A zero AllocateTimeout means the
// allocation context has no deadline.
type SyncPolicy[T any] struct {
	AllocateTimeout time.Duration
}

// Allocate implements ExecutePolicy
func (s SyncPolicy[T]) Allocate(f Factory[T]) (obj T, err error) {
	ctx := context.Background()
	if s.AllocateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.AllocateTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("allocate panic: %v", r)
		}
	}()
	return f.Allocate(ctx)
}

// Validate implements ExecutePolicy, a panicking validation counts as invalid
func (s SyncPolicy[T]) Validate(f Factory[T], obj T) (valid bool) {
	defer func() {
		if r := recover(); r != nil {
			if logger.GetLogger().V(logger.Warning) {
				logger.GetLogger().Log(logger.Warning, "error while checking object", obj, r)
			}
			valid = false
		}
	}()
	return f.Validate(obj)
}

// Deallocate implements ExecutePolicy
func (s SyncPolicy[T]) Deallocate(f Factory[T], obj T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("deallocate panic: %v", r)
		}
	}()
	return f.Deallocate(obj)
}

// AsyncPolicy runs the factory calls on a work thread borrowed from a thread pool, so a factory that
// hangs (a socket connect to a dead host) only costs the caller the policy timeout
type AsyncPolicy[T any] struct {
	threads *Pool[*WorkThread]
	// ThreadWait bounds the wait for a free work thread
	ThreadWait time.Duration
	// AllocateTimeout bounds Allocate and Deallocate
	AllocateTimeout time.Duration
	// CheckTimeout bounds Validate
	CheckTimeout time.Duration
}

// NewAsyncPolicy creates a policy borrowing threads from the given pool
func NewAsyncPolicy[T any](threads *Pool[*WorkThread], allocateTimeout, checkTimeout time.Duration) *AsyncPolicy[T] {
	return &AsyncPolicy[T]{threads: threads, ThreadWait: allocateTimeout, AllocateTimeout: allocateTimeout, CheckTimeout: checkTimeout}
}

type result[T any] struct {
	obj T
	ok  bool
	err error
}

// exec runs work on a borrowed thread. launched tells if the work was handed to a thread, it may
// still be running when the timeout error is returned.
func (a *AsyncPolicy[T]) exec(work func() result[T], timeout time.Duration) (r result[T], launched bool, err error) {
	wt, err := a.threads.GetObject(a.ThreadWait, nil)
	if err != nil {
		return result[T]{}, false, err
	}
	ch := make(chan result[T], 1)
	task := func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result[T]{err: fmt.Errorf("work panic: %v", r)}
			}
		}()
		ch <- work()
	}
	if err = wt.LaunchAndWait(task, timeout); err != nil {
		// the thread is still busy with the work, it is not handed out again
		a.threads.ReleaseAndRemoveObject(wt)
		return result[T]{}, true, err
	}
	a.threads.ReleaseObject(wt)
	return <-ch, true, nil
}

// Allocate implements ExecutePolicy. An object allocated after the timeout expired is deallocated.
func (a *AsyncPolicy[T]) Allocate(f Factory[T]) (T, error) {
	ctx, cancel := context.WithTimeout(context.Background(), a.AllocateTimeout)
	late := make(chan result[T], 1)
	r, launched, err := a.exec(func() (res result[T]) {
		res.err = ErrAllocate
		defer func() {
			cancel()
			late <- res
		}()
		obj, err := f.Allocate(ctx)
		res = result[T]{obj: obj, err: err}
		return res
	}, a.AllocateTimeout)
	if err != nil {
		cancel()
		if !launched {
			var zero T
			return zero, err
		}
		go func() {
			if res := <-late; res.err == nil {
				f.Deallocate(res.obj)
			}
		}()
		var zero T
		return zero, err
	}
	return r.obj, r.err
}

// Validate implements ExecutePolicy, a timeout counts as invalid
func (a *AsyncPolicy[T]) Validate(f Factory[T], obj T) bool {
	r, _, err := a.exec(func() result[T] {
		return result[T]{ok: f.Validate(obj)}
	}, a.CheckTimeout)
	if err != nil {
		if logger.GetLogger().V(logger.Warning) {
			logger.GetLogger().Log(logger.Warning, "check of", obj, "failed:", err.Error())
		}
		return false
	}
	if r.err != nil {
		if logger.GetLogger().V(logger.Warning) {
			logger.GetLogger().Log(logger.Warning, "check of", obj, "failed:", r.err.Error())
		}
		return false
	}
	return r.ok
}

// Deallocate implements ExecutePolicy
func (a *AsyncPolicy[T]) Deallocate(f Factory[T], obj T) error {
	r, _, err := a.exec(func() result[T] {
		return result[T]{err: f.Deallocate(obj)}
	}, a.AllocateTimeout)
	if err != nil {
		return err
	}
	return r.err
}
