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
	"sync"
	"time"

	"github.com/rdcourier/fleet/utility/logger"
)

// Throttler caps how many allocations start within one wall clock second
type Throttler struct {
	name   string
	max    int64
	mtx    sync.Mutex
	second int64
	count  int64
}

// NewThrottler creates a throttler allowing maxPerSec runs per second
func NewThrottler(maxPerSec uint32, name string) *Throttler {
	return &Throttler{name: name, max: int64(maxPerSec)}
}

// Wait blocks until one more run fits in the current second. It gives up with ErrClosed once done is
// closed, a nil done never closes.
func (t *Throttler) Wait(done <-chan struct{}) error {
	for {
		now := time.Now()
		sec := now.Unix()
		t.mtx.Lock()
		if sec > t.second {
			t.second = sec
			t.count = 0
		}
		if t.count < t.max {
			t.count++
			t.mtx.Unlock()
			return nil
		}
		t.mtx.Unlock()

		if logger.GetLogger().V(logger.Debug) {
			logger.GetLogger().Log(logger.Debug, "throttle", t.name, t.max, "per second")
		}
		next := time.NewTimer(time.Unix(sec+1, 0).Sub(now))
		select {
		case <-next.C:
		case <-done:
			next.Stop()
			return ErrClosed
		}
	}
}
