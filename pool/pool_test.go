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
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type testObj struct {
	id      int32
	invalid int32
}

func (o *testObj) String() string {
	return fmt.Sprintf("obj-%d", o.id)
}

type testFactory struct {
	seq       int32
	live      int32
	maxLive   int32
	deallocs  int32
	failAlloc int32
	delay     time.Duration
}

func (f *testFactory) Allocate(ctx context.Context) (*testObj, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if atomic.LoadInt32(&f.failAlloc) == 1 {
		return nil, errors.New("no backend")
	}
	live := atomic.AddInt32(&f.live, 1)
	for {
		m := atomic.LoadInt32(&f.maxLive)
		if live <= m || atomic.CompareAndSwapInt32(&f.maxLive, m, live) {
			break
		}
	}
	return &testObj{id: atomic.AddInt32(&f.seq, 1)}, nil
}

func (f *testFactory) Validate(o *testObj) bool {
	return atomic.LoadInt32(&o.invalid) == 0
}

func (f *testFactory) Deallocate(o *testObj) error {
	atomic.AddInt32(&f.live, -1)
	atomic.AddInt32(&f.deallocs, 1)
	return nil
}

func eventually(t *testing.T, within time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(within)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPoolGrowsToMin(t *testing.T) {
	f := &testFactory{}
	opts := DefaultOptions()
	opts.Min = 2
	opts.Max = 5
	opts.Increment = 2
	p := New[*testObj]("grow", f, opts)
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	start := time.Now()
	obj, err := p.GetObject(time.Second, nil)
	if err != nil {
		t.Fatalf("get object: %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Errorf("get object took %v", time.Since(start))
	}
	eventually(t, time.Second, "size >= 2", func() bool { return p.Size() >= 2 })
	p.ReleaseObject(obj)
	if p.Size() > 5 {
		t.Errorf("size %d above max", p.Size())
	}
	if err := p.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second start: %v", err)
	}
}

func TestPoolCapacityBound(t *testing.T) {
	f := &testFactory{delay: time.Millisecond}
	opts := DefaultOptions()
	opts.Max = 3
	opts.Increment = 2
	p := New[*testObj]("bound", f, opts)
	p.Start()
	defer p.Close()

	var inUseMtx sync.Mutex
	inUse := make(map[*testObj]bool)
	var wg sync.WaitGroup
	var gets int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				obj, err := p.GetObject(2*time.Second, nil)
				if err != nil {
					t.Errorf("get object: %v", err)
					return
				}
				inUseMtx.Lock()
				if inUse[obj] {
					t.Errorf("%v handed out twice", obj)
				}
				inUse[obj] = true
				inUseMtx.Unlock()
				atomic.AddInt32(&gets, 1)
				if st := p.Stats(); st.Free+st.Busy > 3 {
					t.Errorf("free %d + busy %d above max", st.Free, st.Busy)
				}
				time.Sleep(time.Millisecond)
				inUseMtx.Lock()
				delete(inUse, obj)
				inUseMtx.Unlock()
				p.ReleaseObject(obj)
			}
		}()
	}
	wg.Wait()
	if gets != 400 {
		t.Errorf("gets %d", gets)
	}
	if m := atomic.LoadInt32(&f.maxLive); m > 3 {
		t.Errorf("%d objects allocated at once, max is 3", m)
	}
}

func TestPoolReleaseUnknown(t *testing.T) {
	p := New[*testObj]("release", &testFactory{}, DefaultOptions())
	p.Start()
	defer p.Close()

	obj, err := p.GetObject(time.Second, nil)
	if err != nil {
		t.Fatal(err)
	}
	p.ReleaseObject(&testObj{id: 100})
	if p.Size() != 1 {
		t.Errorf("size %d after unknown release", p.Size())
	}
	p.ReleaseObject(obj)
	p.ReleaseObject(obj)
	st := p.Stats()
	if st.Free != 1 || st.Busy != 0 {
		t.Errorf("free %d busy %d after double release", st.Free, st.Busy)
	}
	p.ReleaseAndRemoveObject(obj)
	if p.Size() != 1 {
		t.Errorf("remove of a free object changed the size")
	}
}

func TestPoolExhausted(t *testing.T) {
	opts := DefaultOptions()
	opts.Max = 1
	p := New[*testObj]("exhausted", &testFactory{}, opts)
	p.Start()
	defer p.Close()

	if _, err := p.GetObject(time.Second, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := p.GetObject(0, nil); !errors.Is(err, ErrExhausted) {
		t.Errorf("expected exhausted, got %v", err)
	}
	if _, ok := p.PeekObject(); ok {
		t.Errorf("peek returned an object")
	}
}

func TestPoolTimeoutAndCancel(t *testing.T) {
	opts := DefaultOptions()
	opts.Max = 1
	p := New[*testObj]("wait", &testFactory{}, opts)
	p.Start()
	defer p.Close()

	held, err := p.GetObject(time.Second, nil)
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if _, err := p.GetObject(100*time.Millisecond, nil); !errors.Is(err, ErrTimeout) {
		t.Errorf("expected timeout, got %v", err)
	}
	if el := time.Since(start); el < 100*time.Millisecond || el > time.Second {
		t.Errorf("timeout after %v", el)
	}

	ch := NewCancelHandle()
	time.AfterFunc(50*time.Millisecond, ch.Cancel)
	start = time.Now()
	if _, err := p.GetObject(5*time.Second, ch); !errors.Is(err, ErrCancelled) {
		t.Errorf("expected cancelled, got %v", err)
	}
	if el := time.Since(start); el > 2*time.Second {
		t.Errorf("cancel took %v", el)
	}
	if !ch.Cancelled() {
		t.Errorf("handle not cancelled")
	}

	time.AfterFunc(50*time.Millisecond, func() { p.ReleaseObject(held) })
	obj, err := p.GetObject(2*time.Second, nil)
	if err != nil {
		t.Fatalf("waiting for release: %v", err)
	}
	if obj != held {
		t.Errorf("got %v, expected the released %v", obj, held)
	}
	if st := p.Stats(); st.Waiting != 0 {
		t.Errorf("waiting %d", st.Waiting)
	}
}

func TestPoolCheckRemovesInvalid(t *testing.T) {
	f := &testFactory{}
	opts := DefaultOptions()
	opts.Initial = 3
	opts.CheckInterval = 20 * time.Millisecond
	p := New[*testObj]("check", f, opts)
	p.Start()
	defer p.Close()

	eventually(t, time.Second, "initial objects", func() bool { return p.Size() == 3 })
	obj, _ := p.GetObject(time.Second, nil)
	atomic.StoreInt32(&obj.invalid, 1)
	p.ReleaseObject(obj)

	eventually(t, time.Second, "check", func() bool { return atomic.LoadInt32(&f.deallocs) == 1 })
	if p.Size() != 2 {
		t.Errorf("size %d after check", p.Size())
	}
}

func TestPoolExpiredObjects(t *testing.T) {
	f := &testFactory{}
	opts := DefaultOptions()
	opts.Min = 1
	opts.ExpirePeriod = 30 * time.Millisecond
	opts.CheckInterval = 20 * time.Millisecond
	p := New[*testObj]("expire", f, opts)
	p.Start()
	defer p.Close()

	eventually(t, time.Second, "recreated object", func() bool {
		return atomic.LoadInt32(&f.deallocs) >= 1 && p.Size() == 1
	})
}

func TestPoolShrinkKeepsMin(t *testing.T) {
	f := &testFactory{}
	opts := DefaultOptions()
	opts.Initial = 5
	opts.Min = 2
	opts.Max = 5
	opts.ShrinkInterval = 20 * time.Millisecond
	opts.ShrinkIdlePeriod = 10 * time.Millisecond
	p := New[*testObj]("shrink", f, opts)
	p.Start()
	defer p.Close()

	eventually(t, time.Second, "shrink to min", func() bool {
		return atomic.LoadInt32(&f.seq) >= 5 && p.Size() == 2
	})
	time.Sleep(60 * time.Millisecond)
	if p.Size() != 2 {
		t.Errorf("size %d below min", p.Size())
	}
}

func TestPoolReleaseAndRemove(t *testing.T) {
	f := &testFactory{}
	opts := DefaultOptions()
	opts.RinseInterval = 20 * time.Millisecond
	p := New[*testObj]("rinse", f, opts)
	p.Start()
	defer p.Close()

	obj, err := p.GetObject(time.Second, nil)
	if err != nil {
		t.Fatal(err)
	}
	p.ReleaseAndRemoveObject(obj)
	if p.Size() != 0 {
		t.Errorf("size %d after remove", p.Size())
	}
	if st := p.Stats(); st.Invalid != 1 {
		t.Errorf("invalid %d", st.Invalid)
	}
	eventually(t, time.Second, "rinse", func() bool { return atomic.LoadInt32(&f.deallocs) == 1 })
	if st := p.Stats(); st.Invalid != 0 {
		t.Errorf("invalid %d after rinse", st.Invalid)
	}
}

func TestPoolAllocationError(t *testing.T) {
	f := &testFactory{failAlloc: 1}
	p := New[*testObj]("fail", f, DefaultOptions())
	p.Start()
	defer p.Close()

	if _, err := p.GetObject(0, nil); !errors.Is(err, ErrAllocate) {
		t.Errorf("expected allocate error, got %v", err)
	}
	if st := p.Stats(); st.Creating != 0 {
		t.Errorf("creating %d after a failed allocation", st.Creating)
	}
	atomic.StoreInt32(&f.failAlloc, 0)
	if _, err := p.GetObject(0, nil); err != nil {
		t.Errorf("get after recovery: %v", err)
	}
}

func TestPoolAddObject(t *testing.T) {
	opts := DefaultOptions()
	opts.Max = 2
	opts.SelfExpand = false
	p := New[*testObj]("add", &testFactory{}, opts)
	p.Start()
	defer p.Close()

	a, b := &testObj{id: 1}, &testObj{id: 2}
	if err := p.AddObject(a); err != nil {
		t.Fatal(err)
	}
	if err := p.AddObject(a); !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected duplicate, got %v", err)
	}
	p.AddObject(b)
	if err := p.AddObject(&testObj{id: 3}); !errors.Is(err, ErrExhausted) {
		t.Errorf("expected exhausted, got %v", err)
	}
	got, err := p.GetObject(0, nil)
	if err != nil || (got != a && got != b) {
		t.Errorf("got %v %v", got, err)
	}
}

type countingListener struct {
	added, acquired, failed int32
}

func (l *countingListener) ObjectAdded(pool string) {
	atomic.AddInt32(&l.added, 1)
}

func (l *countingListener) ObjectAcquired(pool string, wait time.Duration, err error) {
	if err != nil {
		atomic.AddInt32(&l.failed, 1)
		return
	}
	atomic.AddInt32(&l.acquired, 1)
}

func TestPoolListener(t *testing.T) {
	opts := DefaultOptions()
	opts.Initial = 1
	opts.Max = 1
	p := New[*testObj]("listen", &testFactory{}, opts)
	l := &countingListener{}
	p.AddListener(l)
	p.Start()
	defer p.Close()

	eventually(t, time.Second, "object added", func() bool { return atomic.LoadInt32(&l.added) == 1 })
	p.GetObject(time.Second, nil)
	p.GetObject(0, nil)
	if l.acquired != 1 || l.failed != 1 {
		t.Errorf("acquired %d failed %d", l.acquired, l.failed)
	}
}

func TestPoolCloseConcurrent(t *testing.T) {
	f := &testFactory{}
	opts := DefaultOptions()
	opts.Initial = 3
	p := New[*testObj]("close", f, opts)
	p.Start()
	eventually(t, time.Second, "initial objects", func() bool { return p.Size() == 3 })

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !p.Close() {
				t.Errorf("close reported busy objects")
			}
		}()
	}
	wg.Wait()
	if live := atomic.LoadInt32(&f.live); live != 0 {
		t.Errorf("%d objects not deallocated", live)
	}
	if _, err := p.GetObject(time.Second, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("get after close: %v", err)
	}
	if !p.Close() {
		t.Errorf("repeated close")
	}
	if p.IsStarted() {
		t.Errorf("closed pool started")
	}
}

func TestPoolCloseWithBusy(t *testing.T) {
	f := &testFactory{}
	opts := DefaultOptions()
	opts.CloseTimeout = 50 * time.Millisecond
	p := New[*testObj]("busy", f, opts)
	p.Start()
	obj, _ := p.GetObject(time.Second, nil)

	start := time.Now()
	if p.Close() {
		t.Errorf("close with a busy object reported clean")
	}
	if el := time.Since(start); el < 50*time.Millisecond {
		t.Errorf("close did not wait: %v", el)
	}
	if live := atomic.LoadInt32(&f.live); live != 0 {
		t.Errorf("%d objects not deallocated", live)
	}
	p.ReleaseObject(obj)
	if p.Size() != 0 {
		t.Errorf("release after close changed the size")
	}
}

func TestPoolCloseWakesWaiters(t *testing.T) {
	opts := DefaultOptions()
	opts.Max = 1
	opts.CloseTimeout = 10 * time.Millisecond
	p := New[*testObj]("wake", &testFactory{}, opts)
	p.Start()
	p.GetObject(time.Second, nil)

	done := make(chan error, 1)
	go func() {
		_, err := p.GetObject(5*time.Second, nil)
		done <- err
	}()
	eventually(t, time.Second, "waiter", func() bool { return p.Stats().Waiting == 1 })
	p.Close()
	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("waiter got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("waiter not woken by close")
	}
}

func TestPoolGetObjectContext(t *testing.T) {
	opts := DefaultOptions()
	opts.Max = 1
	p := New[*testObj]("ctx", &testFactory{}, opts)
	p.Start()
	defer p.Close()
	held, err := p.GetObject(time.Second, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)
	start := time.Now()
	_, err = p.GetObjectContext(ctx, 5*time.Second)
	if !errors.Is(err, ErrCancelled) || !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled context: %v", err)
	}
	if el := time.Since(start); el > 2*time.Second {
		t.Errorf("cancel took %v", el)
	}
	if _, err = p.GetObjectContext(ctx, 5*time.Second); !errors.Is(err, ErrCancelled) {
		t.Errorf("done context: %v", err)
	}

	dctx, dcancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer dcancel()
	start = time.Now()
	if _, err = p.GetObjectContext(dctx, 5*time.Second); err == nil {
		t.Error("got an object from an exhausted pool")
	}
	if el := time.Since(start); el > 2*time.Second {
		t.Errorf("deadline ignored, waited %v", el)
	}
	if st := p.Stats(); st.Waiting != 0 {
		t.Errorf("waiters left %+v", st)
	}

	p.ReleaseObject(held)
	obj, err := p.GetObjectContext(context.Background(), time.Second)
	if err != nil || obj != held {
		t.Errorf("get after release: %v %v", obj, err)
	}
	p.ReleaseObject(obj)
}

// overlapFactory counts validations running on the same object at once
type overlapFactory struct {
	testFactory
	mtx        sync.Mutex
	validating map[*testObj]bool
	overlaps   int32
}

func (f *overlapFactory) Validate(o *testObj) bool {
	f.mtx.Lock()
	if f.validating[o] {
		atomic.AddInt32(&f.overlaps, 1)
	}
	f.validating[o] = true
	f.mtx.Unlock()
	time.Sleep(10 * time.Microsecond)
	f.mtx.Lock()
	delete(f.validating, o)
	f.mtx.Unlock()
	return f.testFactory.Validate(o)
}

func TestPoolActivitiesWithAcquisition(t *testing.T) {
	f := &overlapFactory{validating: make(map[*testObj]bool)}
	opts := DefaultOptions()
	opts.Min = 1
	opts.Max = 4
	opts.CheckInterval = time.Millisecond
	opts.ShrinkInterval = time.Millisecond
	p := New[*testObj]("activities", f, opts)
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	var (
		mtx     sync.Mutex
		leased  = make(map[*testObj]bool)
		doubles int32
		errs    int32
		wg      sync.WaitGroup
	)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 300; i++ {
				obj, err := p.GetObject(2*time.Second, nil)
				if err != nil {
					atomic.AddInt32(&errs, 1)
					continue
				}
				mtx.Lock()
				if leased[obj] {
					atomic.AddInt32(&doubles, 1)
				}
				leased[obj] = true
				mtx.Unlock()

				mtx.Lock()
				delete(leased, obj)
				mtx.Unlock()
				p.ReleaseObject(obj)
			}
		}()
	}
	wg.Wait()

	if n := atomic.LoadInt32(&f.overlaps); n != 0 {
		t.Errorf("%d overlapping validations", n)
	}
	if n := atomic.LoadInt32(&doubles); n != 0 {
		t.Errorf("%d objects leased twice", n)
	}
	if n := atomic.LoadInt32(&errs); n != 0 {
		t.Errorf("%d failed acquisitions", n)
	}
	if m := atomic.LoadInt32(&f.maxLive); m > 4 {
		t.Errorf("%d live objects, max 4", m)
	}
	if st := p.Stats(); st.Busy != 0 || st.Free+st.Busy > 4 {
		t.Errorf("stats %+v", st)
	}
}

// gatedFactory holds validations until the gate opens
type gatedFactory struct {
	testFactory
	block   int32
	entered chan struct{}
	gate    chan struct{}
}

func (f *gatedFactory) Validate(o *testObj) bool {
	if atomic.LoadInt32(&f.block) == 1 {
		f.entered <- struct{}{}
		<-f.gate
	}
	return f.testFactory.Validate(o)
}

func TestPoolScanDuringClose(t *testing.T) {
	f := &gatedFactory{entered: make(chan struct{}, 1), gate: make(chan struct{})}
	opts := DefaultOptions()
	opts.Max = 2
	opts.CloseTimeout = 2 * time.Second
	p := New[*testObj]("scan-close", f, opts)
	p.Start()
	busy, err := p.GetObject(time.Second, nil)
	if err != nil {
		t.Fatal(err)
	}
	free, err := p.GetObject(time.Second, nil)
	if err != nil {
		t.Fatal(err)
	}
	p.ReleaseObject(free)

	atomic.StoreInt32(&f.block, 1)
	got := make(chan error, 1)
	go func() {
		obj, err := p.GetObject(time.Second, nil)
		if err == nil {
			err = fmt.Errorf("got %v", obj)
		}
		got <- err
	}()
	select {
	case <-f.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("validation not started")
	}

	closed := make(chan bool, 1)
	go func() { closed <- p.Close() }()
	eventually(t, time.Second, "closing", func() bool { return !p.IsStarted() })
	close(f.gate)

	select {
	case err := <-got:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("scan finishing during close: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scan not finished")
	}
	p.ReleaseObject(busy)
	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatal("close not finished")
	}
	if live := atomic.LoadInt32(&f.live); live != 0 {
		t.Errorf("%d objects not deallocated", live)
	}
}
