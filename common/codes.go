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

package common

// contains protocol constants shared by the courier and the manager

// Message variants, unique across the whole catalog
const (
	VariantHandshake = iota + 1
	VariantManagerInfo
	VariantCheck
	VariantAck
	VariantStop
	VariantProcessResult
	VariantProcessResultBatch
)

// Type codes on the primary channel, courier to manager
const (
	CodeUpHandshake uint16 = 1
	CodeUpStop      uint16 = 2
	CodeUpCheck     uint16 = 3
	CodeUpAck       uint16 = 4
)

// Type codes on the primary channel, manager to courier
const (
	CodeDownManagerInfo uint16 = 1
	CodeDownAck         uint16 = 2
	CodeDownCheck       uint16 = 3
)

// Type codes on the stats channel, courier to manager
const (
	CodeStatProcessResult      uint16 = 1
	CodeStatCheck              uint16 = 2
	CodeStatManagerInfo        uint16 = 3
	CodeStatProcessResultBatch uint16 = 4
)

// Type codes on the stats channel, manager to courier
const (
	CodeStatDownAck   uint16 = 1
	CodeStatDownCheck uint16 = 2
)

// MaxBatchSize is the largest ProcessResultBatch accepted
const MaxBatchSize = 10000
