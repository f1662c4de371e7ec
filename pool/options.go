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
	"time"
)

// Options hold the capacity policy and the schedule of the background activities. Zero durations
// disable the corresponding activity.
type Options struct {
	// Initial is how many objects are created when the pool starts
	Initial int
	// Increment is how many objects a self expansion creates in one burst
	Increment int
	// Min is the number of objects the pool keeps, 0 means none
	Min int
	// Max bounds free plus busy objects, 0 means unbounded
	Max int

	// ShrinkInterval is how often idle objects are returned
	ShrinkInterval time.Duration
	// ShrinkCapacity is the maximum number of objects returned by one shrink, <= 0 means no limit
	ShrinkCapacity int
	// ShrinkIdlePeriod is how long an object stays free before it can be shrunk
	ShrinkIdlePeriod time.Duration

	// CheckInterval is how often free objects are validated
	CheckInterval time.Duration
	// ExpirePeriod is the age after which an object fails validation
	ExpirePeriod time.Duration
	// RinseInterval is the delay between an invalidation and the return of invalid objects
	RinseInterval time.Duration
	// RecreateInterval is the delay before retrying a failed expansion, 0 means no retry
	RecreateInterval time.Duration
	// CloseTimeout bounds how long Close waits for busy objects
	CloseTimeout time.Duration

	// SelfExpand lets the pool create objects on demand
	SelfExpand bool
	// MaxAllocPerSec throttles object creation, 0 means unthrottled
	MaxAllocPerSec int
}

// DefaultOptions returns a self expanding, unbounded pool configuration
func DefaultOptions() Options {
	return Options{
		Increment:      1,
		ShrinkCapacity: -1,
		RinseInterval:  DefaultRinseInterval,
		CloseTimeout:   DefaultCloseTimeout,
		SelfExpand:     true,
	}
}

func (o *Options) normalize() {
	if o.Increment < 1 {
		o.Increment = 1
	}
	if o.Min < 0 {
		o.Min = 0
	}
	if o.Max < 0 {
		o.Max = 0
	}
	if o.RinseInterval <= 0 {
		o.RinseInterval = DefaultRinseInterval
	}
}
