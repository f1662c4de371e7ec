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

// Package wire contains the binary message codec: a 2 byte type code followed by a payload decoded by a
// resumable chain of decode steps. Decoders never block; when the bytes are not there yet they report it
// and continue from the same place on the next call.
package wire

import (
	"encoding/binary"
)

// Buffer is a read cursor over bytes received so far. Steps read from the current position and move it
// only past bytes they have fully accounted for.
type Buffer struct {
	data []byte
	pos  int
}

// NewBuffer creates a buffer reading data from the start
func NewBuffer(data []byte) *Buffer {
	return &Buffer{data: data}
}

// Reset replaces the content and rewinds
func (b *Buffer) Reset(data []byte) {
	b.data = data
	b.pos = 0
}

// Remaining is the number of unread bytes
func (b *Buffer) Remaining() int {
	return len(b.data) - b.pos
}

// Position is the read offset
func (b *Buffer) Position() int {
	return b.pos
}

// SetPosition moves the read offset
func (b *Buffer) SetPosition(pos int) {
	b.pos = pos
}

// Len is the total number of bytes, read or not
func (b *Buffer) Len() int {
	return len(b.data)
}

// At returns the byte at the absolute index i
func (b *Buffer) At(i int) byte {
	return b.data[i]
}

// Unread returns the bytes not consumed yet, without copying
func (b *Buffer) Unread() []byte {
	return b.data[b.pos:]
}

// Copy returns a copy of the bytes between the absolute offsets from and to
func (b *Buffer) Copy(from, to int) []byte {
	out := make([]byte, to-from)
	copy(out, b.data[from:to])
	return out
}

// Skip advances the position by n bytes
func (b *Buffer) Skip(n int) {
	b.pos += n
}

// GetInt8 reads one byte
func (b *Buffer) GetInt8() int8 {
	v := b.data[b.pos]
	b.pos++
	return int8(v)
}

// GetUint16 reads 2 bytes, big endian
func (b *Buffer) GetUint16() uint16 {
	v := binary.BigEndian.Uint16(b.data[b.pos:])
	b.pos += 2
	return v
}

// GetInt16 reads 2 bytes, big endian
func (b *Buffer) GetInt16() int16 {
	return int16(b.GetUint16())
}

// GetInt32 reads 4 bytes, big endian
func (b *Buffer) GetInt32() int32 {
	v := binary.BigEndian.Uint32(b.data[b.pos:])
	b.pos += 4
	return int32(v)
}

// GetInt64 reads 8 bytes, big endian
func (b *Buffer) GetInt64() int64 {
	v := binary.BigEndian.Uint64(b.data[b.pos:])
	b.pos += 8
	return int64(v)
}

// Writer accumulates an encoded message
type Writer struct {
	buf []byte
}

// NewWriter creates a writer with the given initial capacity
func NewWriter(capacity int) *Writer {
	return &Writer{buf: make([]byte, 0, capacity)}
}

// Bytes returns the encoded bytes
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Len is the number of bytes written
func (w *Writer) Len() int {
	return len(w.buf)
}

// Reset discards the content, keeping the allocated memory
func (w *Writer) Reset() {
	w.buf = w.buf[:0]
}

// PutInt8 writes one byte
func (w *Writer) PutInt8(v int8) {
	w.buf = append(w.buf, byte(v))
}

// PutUint16 writes 2 bytes, big endian
func (w *Writer) PutUint16(v uint16) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
}

// PutInt16 writes 2 bytes, big endian
func (w *Writer) PutInt16(v int16) {
	w.PutUint16(uint16(v))
}

// PutInt32 writes 4 bytes, big endian
func (w *Writer) PutInt32(v int32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(v))
}

// PutInt64 writes 8 bytes, big endian
func (w *Writer) PutInt64(v int64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, uint64(v))
}

// PutBytes writes raw bytes
func (w *Writer) PutBytes(b []byte) {
	w.buf = append(w.buf, b...)
}

// PutDelimited writes the bytes followed by the delimiter
func (w *Writer) PutDelimited(b []byte, delim []byte) {
	w.buf = append(w.buf, b...)
	w.buf = append(w.buf, delim...)
}

// PutString writes a zero terminated string
func (w *Writer) PutString(s string) {
	w.buf = append(w.buf, s...)
	w.buf = append(w.buf, 0)
}

// PutLengthPrefixed writes a 4 byte length followed by the bytes
func (w *Writer) PutLengthPrefixed(b []byte) {
	w.PutInt32(int32(len(b)))
	w.buf = append(w.buf, b...)
}
