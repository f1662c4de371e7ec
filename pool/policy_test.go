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
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type panicFactory struct {
	testFactory
}

func (f *panicFactory) Validate(o *testObj) bool {
	panic("validate")
}

func TestSyncPolicyRecoversPanic(t *testing.T) {
	f := &panicFactory{}
	var s SyncPolicy[*testObj]
	obj, err := s.Allocate(f)
	if err != nil {
		t.Fatal(err)
	}
	if s.Validate(f, obj) {
		t.Errorf("panicking validation reported valid")
	}
}

func TestAsyncPolicyAllocateTimeout(t *testing.T) {
	threads := NewWorkThreadPool("async", DefaultOptions())
	defer threads.Close()

	f := &testFactory{delay: 150 * time.Millisecond}
	p := New[*testObj]("slow", f, DefaultOptions())
	p.SetExecutePolicy(NewAsyncPolicy[*testObj](threads, 30*time.Millisecond, 30*time.Millisecond))
	p.Start()
	defer p.Close()

	start := time.Now()
	_, err := p.GetObject(0, nil)
	if !errors.Is(err, ErrAllocate) {
		t.Errorf("expected allocate error, got %v", err)
	}
	if el := time.Since(start); el > 120*time.Millisecond {
		t.Errorf("allocation not bounded by the policy: %v", el)
	}
	// the object created after the deadline is given back to the factory
	eventually(t, time.Second, "late deallocation", func() bool {
		return atomic.LoadInt32(&f.deallocs) == 1 && atomic.LoadInt32(&f.live) == 0
	})
}

func TestAsyncPolicyCheck(t *testing.T) {
	threads := NewWorkThreadPool("check", DefaultOptions())
	defer threads.Close()

	f := &testFactory{}
	policy := NewAsyncPolicy[*testObj](threads, time.Second, time.Second)
	obj, err := policy.Allocate(f)
	if err != nil {
		t.Fatal(err)
	}
	if !policy.Validate(f, obj) {
		t.Errorf("valid object reported invalid")
	}
	atomic.StoreInt32(&obj.invalid, 1)
	if policy.Validate(f, obj) {
		t.Errorf("invalid object reported valid")
	}
	if err := policy.Deallocate(f, obj); err != nil {
		t.Errorf("deallocate: %v", err)
	}
	if atomic.LoadInt32(&f.live) != 0 {
		t.Errorf("object not deallocated")
	}
}
