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

// DecoderState is the progress of one in-flight message. It is owned by a single connection direction.
type DecoderState[T any] struct {
	// Step is the index of the step being decoded
	Step int
	// CallCount is how many times the current step returned incomplete
	CallCount int
	// Message is the value under construction
	Message T
	// Processed is how many bytes past the buffer position the current step already scanned
	Processed int
	// Aux is step scratch, delimiter steps keep the partial delimiter match here
	Aux int

	// sub holds the nested progress of embedded and array steps
	sub     interface{}
	started bool
}

func (st *DecoderState[T]) nextStep() {
	st.Step++
	st.CallCount = 0
	st.Processed = 0
	st.Aux = 0
	st.sub = nil
}

func (st *DecoderState[T]) reset() {
	var zero T
	st.Step = 0
	st.CallCount = 0
	st.Processed = 0
	st.Aux = 0
	st.sub = nil
	st.Message = zero
	st.started = false
}

// DecodeStep decodes one property of the message. It returns true when the property is complete.
// When it returns false it leaves the position where it was, unless the bytes it moved past are
// fully recorded in the state (array counts, completed nested steps).
type DecodeStep[T any] interface {
	Decode(st *DecoderState[T], buf *Buffer) (bool, error)
}

// StepFunc adapts a function to DecodeStep
type StepFunc[T any] func(st *DecoderState[T], buf *Buffer) (bool, error)

// Decode implements DecodeStep
func (f StepFunc[T]) Decode(st *DecoderState[T], buf *Buffer) (bool, error) {
	return f(st, buf)
}

// Chain is the immutable description of how a message type is decoded: a constructor for the message
// and the ordered steps filling it. One chain is shared by all the connections.
type Chain[T any] struct {
	newMessage func() T
	steps      []DecodeStep[T]
}

// NewChain creates a chain
func NewChain[T any](newMessage func() T, steps ...DecodeStep[T]) *Chain[T] {
	return &Chain[T]{newMessage: newMessage, steps: steps}
}

// decode runs the steps from the saved index. On completion the message is handed off and the
// state is reset for the next one.
func (c *Chain[T]) decode(st *DecoderState[T], buf *Buffer) (T, bool, error) {
	var zero T
	if !st.started {
		st.Message = c.newMessage()
		st.started = true
	}
	for st.Step < len(c.steps) {
		done, err := c.steps[st.Step].Decode(st, buf)
		if err != nil {
			st.reset()
			return zero, false, err
		}
		if !done {
			st.CallCount++
			return zero, false, nil
		}
		st.nextStep()
	}
	msg := st.Message
	st.reset()
	return msg, true, nil
}

// NewDecoder creates a decoder with its own state
func (c *Chain[T]) NewDecoder() *StatedDecoder[T] {
	return &StatedDecoder[T]{chain: c}
}

// StatedDecoder decodes a stream of messages of one type, across any number of partial buffers
type StatedDecoder[T any] struct {
	chain *Chain[T]
	state DecoderState[T]
}

// Decode returns the message and true when the last step completed during this call. When it
// returns false more bytes are needed, and the next call resumes at the same step.
func (d *StatedDecoder[T]) Decode(buf *Buffer) (T, bool, error) {
	return d.chain.decode(&d.state, buf)
}

// InProgress tells if a message was partially decoded
func (d *StatedDecoder[T]) InProgress() bool {
	return d.state.started
}

// Reset drops any partial message
func (d *StatedDecoder[T]) Reset() {
	d.state.reset()
}

// State exposes the in-flight state, for diagnostics
func (d *StatedDecoder[T]) State() *DecoderState[T] {
	return &d.state
}
