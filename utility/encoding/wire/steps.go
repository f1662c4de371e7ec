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

// DefaultDelimiter terminates strings on the wire
var DefaultDelimiter = []byte{0}

// DefaultMaxLen bounds delimited values so a peer that never sends the delimiter is detected
const DefaultMaxLen = 1 << 20

// DefaultMaxItems bounds array lengths
const DefaultMaxItems = 1 << 16

func fixed[T any](size int, read func(T, *Buffer)) DecodeStep[T] {
	return StepFunc[T](func(st *DecoderState[T], buf *Buffer) (bool, error) {
		if buf.Remaining() < size {
			return false, nil
		}
		read(st.Message, buf)
		return true, nil
	})
}

// Int8 decodes one byte
func Int8[T any](set func(T, int8)) DecodeStep[T] {
	return fixed(1, func(m T, buf *Buffer) { set(m, buf.GetInt8()) })
}

// Int16 decodes a big endian 16 bit integer
func Int16[T any](set func(T, int16)) DecodeStep[T] {
	return fixed(2, func(m T, buf *Buffer) { set(m, buf.GetInt16()) })
}

// Int32 decodes a big endian 32 bit integer
func Int32[T any](set func(T, int32)) DecodeStep[T] {
	return fixed(4, func(m T, buf *Buffer) { set(m, buf.GetInt32()) })
}

// Int64 decodes a big endian 64 bit integer
func Int64[T any](set func(T, int64)) DecodeStep[T] {
	return fixed(8, func(m T, buf *Buffer) { set(m, buf.GetInt64()) })
}

type delimitedStep[T any] struct {
	delim  []byte
	fail   []int
	maxLen int
	set    func(T, []byte)
}

// DelimitedBytes scans for delim and decodes the bytes in front of it. The scan resumes where the
// previous call stopped, and a delimiter split between two reads is still matched. maxLen <= 0
// means unbounded.
func DelimitedBytes[T any](delim []byte, maxLen int, set func(T, []byte)) DecodeStep[T] {
	if len(delim) == 0 {
		panic("wire: empty delimiter")
	}
	s := &delimitedStep[T]{delim: delim, maxLen: maxLen, set: set}
	// failure table: longest proper prefix of delim[:i+1] that is also its suffix
	s.fail = make([]int, len(delim))
	k := 0
	for i := 1; i < len(delim); i++ {
		for k > 0 && delim[i] != delim[k] {
			k = s.fail[k-1]
		}
		if delim[i] == delim[k] {
			k++
		}
		s.fail[i] = k
	}
	return s
}

// DelimitedString is DelimitedBytes converted to a string
func DelimitedString[T any](delim []byte, maxLen int, set func(T, string)) DecodeStep[T] {
	return DelimitedBytes(delim, maxLen, func(m T, b []byte) { set(m, string(b)) })
}

// String decodes a zero terminated string
func String[T any](set func(T, string)) DecodeStep[T] {
	return DelimitedString(DefaultDelimiter, DefaultMaxLen, set)
}

func (s *delimitedStep[T]) advance(matched int, b byte) int {
	for matched > 0 && s.delim[matched] != b {
		matched = s.fail[matched-1]
	}
	if s.delim[matched] == b {
		matched++
	}
	return matched
}

func (s *delimitedStep[T]) Decode(st *DecoderState[T], buf *Buffer) (bool, error) {
	if st.CallCount == 0 {
		st.Aux = 0
		st.Processed = 0
	}
	start := buf.Position()
	i := start + st.Processed
	for ; i < buf.Len(); i++ {
		st.Aux = s.advance(st.Aux, buf.At(i))
		if st.Aux == len(s.delim) {
			end := i + 1 - len(s.delim)
			if s.maxLen > 0 && end-start > s.maxLen {
				return false, protocolError("delimited value longer than %d bytes", s.maxLen)
			}
			s.set(st.Message, buf.Copy(start, end))
			buf.SetPosition(i + 1)
			return true, nil
		}
	}
	st.Processed = i - start
	if s.maxLen > 0 && st.Processed-st.Aux > s.maxLen {
		return false, protocolError("delimited value longer than %d bytes", s.maxLen)
	}
	return false, nil
}

// LengthPrefixed decodes a 4 byte length followed by that many bytes. Nothing is consumed until all
// of them are available.
func LengthPrefixed[T any](maxLen int, set func(T, []byte)) DecodeStep[T] {
	return StepFunc[T](func(st *DecoderState[T], buf *Buffer) (bool, error) {
		if buf.Remaining() < 4 {
			return false, nil
		}
		start := buf.Position()
		n := int(buf.GetInt32())
		buf.SetPosition(start)
		if n < 0 || (maxLen > 0 && n > maxLen) {
			return false, protocolError("invalid length %d", n)
		}
		if buf.Remaining() < 4+n {
			return false, nil
		}
		set(st.Message, buf.Copy(start+4, start+4+n))
		buf.SetPosition(start + 4 + n)
		return true, nil
	})
}

// Optional runs step only when the predicate holds for the message decoded so far
func Optional[T any](when func(T) bool, step DecodeStep[T]) DecodeStep[T] {
	return StepFunc[T](func(st *DecoderState[T], buf *Buffer) (bool, error) {
		if !when(st.Message) {
			return true, nil
		}
		return step.Decode(st, buf)
	})
}

type embeddedStep[T any, E any] struct {
	chain *Chain[E]
	set   func(T, E)
}

// Embedded decodes a nested message with its own chain, resuming inside it across calls
func Embedded[T any, E any](chain *Chain[E], set func(T, E)) DecodeStep[T] {
	return &embeddedStep[T, E]{chain: chain, set: set}
}

func (s *embeddedStep[T, E]) Decode(st *DecoderState[T], buf *Buffer) (bool, error) {
	sub, _ := st.sub.(*DecoderState[E])
	if sub == nil {
		sub = &DecoderState[E]{}
		st.sub = sub
	}
	v, done, err := s.chain.decode(sub, buf)
	if err != nil || !done {
		return false, err
	}
	s.set(st.Message, v)
	return true, nil
}

type arrayProgress[E any] struct {
	count int
	items []E
	item  DecoderState[E]
}

type arrayStep[T any, E any] struct {
	chain    *Chain[E]
	maxItems int
	set      func(T, []E)
}

// Array decodes a 4 byte item count then the items, each with the item chain. The count is read
// once, items completed in earlier calls are kept.
func Array[T any, E any](chain *Chain[E], maxItems int, set func(T, []E)) DecodeStep[T] {
	return &arrayStep[T, E]{chain: chain, maxItems: maxItems, set: set}
}

func (s *arrayStep[T, E]) Decode(st *DecoderState[T], buf *Buffer) (bool, error) {
	p, _ := st.sub.(*arrayProgress[E])
	if p == nil {
		if buf.Remaining() < 4 {
			return false, nil
		}
		n := int(buf.GetInt32())
		if n < 0 || (s.maxItems > 0 && n > s.maxItems) {
			return false, protocolError("invalid array length %d", n)
		}
		p = &arrayProgress[E]{count: n, items: make([]E, 0, n)}
		st.sub = p
	}
	for len(p.items) < p.count {
		v, done, err := s.chain.decode(&p.item, buf)
		if err != nil || !done {
			return false, err
		}
		p.items = append(p.items, v)
	}
	s.set(st.Message, p.items)
	return true, nil
}
