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
	"fmt"
	"sync"
)

// Message is a value of the closed message catalog. Variant is unique per message type.
type Message interface {
	Variant() int
}

// Decoder decodes messages of one type code
type Decoder interface {
	Decode(buf *Buffer) (Message, bool, error)
	Reset()
}

// DecoderFactory creates a decoder for a single connection
type DecoderFactory func() Decoder

// Encoder writes the payload of one message type
type Encoder interface {
	Encode(msg Message, w *Writer) error
}

// EncoderFunc adapts a function to Encoder
type EncoderFunc func(msg Message, w *Writer) error

// Encode implements Encoder
func (f EncoderFunc) Encode(msg Message, w *Writer) error {
	return f(msg, w)
}

// EncoderFactory creates an encoder
type EncoderFactory func() Encoder

type typedDecoder[T Message] struct {
	dec *StatedDecoder[T]
}

func (d *typedDecoder[T]) Decode(buf *Buffer) (Message, bool, error) {
	m, done, err := d.dec.Decode(buf)
	if err != nil || !done {
		return nil, false, err
	}
	return m, true, nil
}

func (d *typedDecoder[T]) Reset() {
	d.dec.Reset()
}

// DecoderOf makes a DecoderFactory out of a chain
func DecoderOf[T Message](chain *Chain[T]) DecoderFactory {
	return func() Decoder {
		return &typedDecoder[T]{dec: chain.NewDecoder()}
	}
}

// EncoderOf makes an EncoderFactory out of a typed payload writer
func EncoderOf[T Message](write func(T, *Writer)) EncoderFactory {
	enc := EncoderFunc(func(msg Message, w *Writer) error {
		m, ok := msg.(T)
		if !ok {
			return fmt.Errorf("%w: %T", ErrUnexpectedValue, msg)
		}
		write(m, w)
		return nil
	})
	return func() Encoder {
		return enc
	}
}

type encoderEntry struct {
	code    uint16
	factory EncoderFactory
}

// CodecFactory is the registry of one channel direction: variant to type code and encoder on the
// sending side, type code to decoder on the receiving side. Registration happens at init time,
// lookups are concurrent.
type CodecFactory struct {
	name     string
	mtx      sync.RWMutex
	encoders map[int]encoderEntry
	codes    map[uint16]int
	decoders map[uint16]DecoderFactory
}

// NewCodecFactory creates an empty registry
func NewCodecFactory(name string) *CodecFactory {
	return &CodecFactory{
		name:     name,
		encoders: make(map[int]encoderEntry),
		codes:    make(map[uint16]int),
		decoders: make(map[uint16]DecoderFactory),
	}
}

// Name of the registry, for logs
func (f *CodecFactory) Name() string {
	return f.name
}

// RegisterEncoder maps a message variant to its type code and payload encoder
func (f *CodecFactory) RegisterEncoder(variant int, code uint16, factory EncoderFactory) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if v, ok := f.codes[code]; ok && v != variant {
		return fmt.Errorf("%w: %s code %d", ErrDuplicateCode, f.name, code)
	}
	f.codes[code] = variant
	f.encoders[variant] = encoderEntry{code: code, factory: factory}
	return nil
}

// RegisterDecoder maps a type code to the factory of its decoder
func (f *CodecFactory) RegisterDecoder(code uint16, factory DecoderFactory) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if _, ok := f.decoders[code]; ok {
		return fmt.Errorf("%w: %s code %d", ErrDuplicateCode, f.name, code)
	}
	f.decoders[code] = factory
	return nil
}

func (f *CodecFactory) decoderFactory(code uint16) DecoderFactory {
	f.mtx.RLock()
	defer f.mtx.RUnlock()
	return f.decoders[code]
}

func (f *CodecFactory) encoder(variant int) (encoderEntry, bool) {
	f.mtx.RLock()
	defer f.mtx.RUnlock()
	e, ok := f.encoders[variant]
	return e, ok
}

// NewDecoder creates the per connection decoder
func (f *CodecFactory) NewDecoder() *MultiDecoder {
	return &MultiDecoder{factory: f, decoders: make(map[uint16]Decoder)}
}

// NewEncoder creates the per connection encoder
func (f *CodecFactory) NewEncoder() *MultiEncoder {
	return &MultiEncoder{factory: f, encoders: make(map[int]Encoder)}
}

// MultiDecoder reads the 2 byte type code and dispatches to the decoder of that type. Not safe for
// concurrent use, each connection direction has its own.
type MultiDecoder struct {
	factory  *CodecFactory
	decoders map[uint16]Decoder
	current  Decoder
	code     uint16
}

// Decode returns a message and true when one completed during this call. Unknown codes are a
// *ProtocolError.
func (d *MultiDecoder) Decode(buf *Buffer) (Message, bool, error) {
	if d.current == nil {
		if buf.Remaining() < 2 {
			return nil, false, nil
		}
		code := buf.GetUint16()
		dec, ok := d.decoders[code]
		if !ok {
			factory := d.factory.decoderFactory(code)
			if factory == nil {
				return nil, false, &ProtocolError{Code: int(code), Reason: "no decoder registered in " + d.factory.name}
			}
			dec = factory()
			d.decoders[code] = dec
		}
		d.current = dec
		d.code = code
	}
	msg, done, err := d.current.Decode(buf)
	if err != nil {
		d.current = nil
		if pe, ok := err.(*ProtocolError); ok && pe.Code < 0 {
			pe.Code = int(d.code)
		}
		return nil, false, err
	}
	if !done {
		return nil, false, nil
	}
	d.current = nil
	return msg, true, nil
}

// InProgress tells if a message is partially decoded
func (d *MultiDecoder) InProgress() bool {
	return d.current != nil
}

// Reset drops any partial message
func (d *MultiDecoder) Reset() {
	if d.current != nil {
		d.current.Reset()
	}
	d.current = nil
}

// MultiEncoder writes the type code of the message variant and then its payload
type MultiEncoder struct {
	factory  *CodecFactory
	mtx      sync.Mutex
	encoders map[int]Encoder
}

// Encode appends the framed message to w
func (e *MultiEncoder) Encode(msg Message, w *Writer) error {
	entry, ok := e.factory.encoder(msg.Variant())
	if !ok {
		return fmt.Errorf("%w: %s variant %d", ErrUnknownVariant, e.factory.name, msg.Variant())
	}
	e.mtx.Lock()
	enc, ok := e.encoders[msg.Variant()]
	if !ok {
		enc = entry.factory()
		e.encoders[msg.Variant()] = enc
	}
	e.mtx.Unlock()
	w.PutUint16(entry.code)
	return enc.Encode(msg, w)
}

// Marshal encodes one framed message into a new byte slice
func (e *MultiEncoder) Marshal(msg Message) ([]byte, error) {
	w := NewWriter(64)
	if err := e.Encode(msg, w); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// Protocol pairs the registry used to decode incoming bytes with the one used to encode outgoing
// messages on one side of a channel
type Protocol struct {
	Name   string
	Decode *CodecFactory
	Encode *CodecFactory
}
