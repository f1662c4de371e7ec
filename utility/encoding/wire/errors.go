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

package wire

import (
	"errors"
	"fmt"
)

// Errors
var (
	// ErrProtocol is matched by every *ProtocolError
	ErrProtocol        = errors.New("Protocol error")
	ErrUnknownVariant  = errors.New("No encoder registered for message variant")
	ErrDuplicateCode   = errors.New("Type code already registered")
	ErrUnexpectedValue = errors.New("Unexpected message type for codec")
)

// ProtocolError reports input that can not be decoded. The connection must be dropped.
type ProtocolError struct {
	Code   int
	Reason string
}

func (e *ProtocolError) Error() string {
	if e.Code >= 0 {
		return fmt.Sprintf("protocol error: code %d: %s", e.Code, e.Reason)
	}
	return "protocol error: " + e.Reason
}

// Is makes errors.Is(err, ErrProtocol) true
func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}

func protocolError(reason string, args ...interface{}) error {
	return &ProtocolError{Code: -1, Reason: fmt.Sprintf(reason, args...)}
}
