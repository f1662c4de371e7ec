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

// Package sink writes the fleet results downstream: named database pools executing the statements
// built from templates, and a local journal of the received results.
package sink

import (
	"errors"
	"time"
)

// Errors
var (
	ErrUnknownPool     = errors.New("Unknown pool")
	ErrUnknownDriver   = errors.New("Unknown database driver")
	ErrDuplicatePool   = errors.New("Pool already defined")
	ErrTemplate        = errors.New("Invalid template")
	ErrUnknownVariable = errors.New("Unknown template variable")
)

// Defaults
const (
	DefaultGetTimeout   = 5 * time.Second
	DefaultCheckTimeout = 2 * time.Second
)
