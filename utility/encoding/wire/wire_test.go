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
	"bytes"
	"errors"
	"reflect"
	"testing"
)

type point struct {
	X int32
	Y int64
}

func (p *point) Variant() int { return 2 }

type shape struct {
	ID      int16
	Name    string
	Label   string
	Flag    int8
	Note    string
	Blob    []byte
	Origin  *point
	Corners []*point
}

func (s *shape) Variant() int { return 1 }

var crlf = []byte("\r\n")

var pointChain = NewChain(func() *point { return &point{} },
	Int32(func(p *point, v int32) { p.X = v }),
	Int64(func(p *point, v int64) { p.Y = v }),
)

var shapeChain = NewChain(func() *shape { return &shape{} },
	Int16(func(s *shape, v int16) { s.ID = v }),
	String(func(s *shape, v string) { s.Name = v }),
	DelimitedString(crlf, 64, func(s *shape, v string) { s.Label = v }),
	Int8(func(s *shape, v int8) { s.Flag = v }),
	Optional(func(s *shape) bool { return s.Flag == 1 }, String(func(s *shape, v string) { s.Note = v })),
	LengthPrefixed(1024, func(s *shape, v []byte) { s.Blob = v }),
	Embedded(pointChain, func(s *shape, p *point) { s.Origin = p }),
	Array(pointChain, 16, func(s *shape, v []*point) { s.Corners = v }),
)

func writePoint(p *point, w *Writer) {
	w.PutInt32(p.X)
	w.PutInt64(p.Y)
}

func writeShape(s *shape, w *Writer) {
	w.PutInt16(s.ID)
	w.PutString(s.Name)
	w.PutDelimited([]byte(s.Label), crlf)
	w.PutInt8(s.Flag)
	if s.Flag == 1 {
		w.PutString(s.Note)
	}
	w.PutLengthPrefixed(s.Blob)
	writePoint(s.Origin, w)
	w.PutInt32(int32(len(s.Corners)))
	for _, c := range s.Corners {
		writePoint(c, w)
	}
}

func testFactory(t *testing.T) *CodecFactory {
	f := NewCodecFactory("test")
	if err := f.RegisterEncoder(1, 10, EncoderOf(writeShape)); err != nil {
		t.Fatal(err)
	}
	if err := f.RegisterEncoder(2, 20, EncoderOf(writePoint)); err != nil {
		t.Fatal(err)
	}
	if err := f.RegisterDecoder(10, DecoderOf(shapeChain)); err != nil {
		t.Fatal(err)
	}
	if err := f.RegisterDecoder(20, DecoderOf(pointChain)); err != nil {
		t.Fatal(err)
	}
	return f
}

func sampleShapes() []Message {
	return []Message{
		&shape{ID: 7, Name: "square", Label: "has\rcr", Flag: 1, Note: "noted", Blob: []byte{0, 1, 2},
			Origin: &point{X: -1, Y: 1 << 40}, Corners: []*point{{1, 2}, {3, 4}, {5, 6}, {7, 8}}},
		&point{X: 42, Y: -42},
		&shape{ID: -3, Name: "", Label: "", Flag: 0, Blob: []byte{}, Origin: &point{}, Corners: []*point{}},
	}
}

// feed simulates a connection: chunks are appended to the pending bytes and the consumed prefix is dropped
func feed(t *testing.T, dec *MultiDecoder, data []byte, chunk int) []Message {
	var out []Message
	var pending []byte
	buf := NewBuffer(nil)
	for off := 0; off < len(data); off += chunk {
		end := off + chunk
		if end > len(data) {
			end = len(data)
		}
		pending = append(pending, data[off:end]...)
		buf.Reset(pending)
		for {
			msg, done, err := dec.Decode(buf)
			if err != nil {
				t.Fatal("decode error", err)
			}
			if !done {
				break
			}
			out = append(out, msg)
		}
		pending = append([]byte(nil), pending[buf.Position():]...)
	}
	if len(pending) != 0 {
		t.Error("bytes left over:", len(pending))
	}
	return out
}

func TestFragmentationInvariance(t *testing.T) {
	f := testFactory(t)
	enc := f.NewEncoder()
	w := NewWriter(256)
	msgs := sampleShapes()
	for _, m := range msgs {
		if err := enc.Encode(m, w); err != nil {
			t.Fatal(err)
		}
	}
	data := w.Bytes()
	whole := feed(t, f.NewDecoder(), data, len(data))
	if !reflect.DeepEqual(whole, msgs) {
		t.Fatalf("whole buffer decode mismatch: %+v", whole)
	}
	for chunk := 1; chunk < len(data); chunk++ {
		got := feed(t, f.NewDecoder(), data, chunk)
		if !reflect.DeepEqual(got, msgs) {
			t.Errorf("chunk size %d: decoded messages differ", chunk)
		}
	}
}

func TestIncompleteLeavesPosition(t *testing.T) {
	dec := shapeChain.NewDecoder()
	w := NewWriter(64)
	w.PutInt16(1)
	w.PutBytes([]byte("partial-name"))
	buf := NewBuffer(w.Bytes())
	_, done, err := dec.Decode(buf)
	if err != nil || done {
		t.Fatal("expected incomplete decode", err)
	}
	if buf.Position() != 2 {
		t.Error("string step moved the position while incomplete:", buf.Position())
	}
	st := dec.State()
	if st.Step != 1 || st.Processed != len("partial-name") || st.CallCount != 1 {
		t.Errorf("unexpected state %+v", st)
	}
}

func TestSplitDelimiter(t *testing.T) {
	type line struct{ text string }
	chain := NewChain(func() *line { return &line{} },
		DelimitedString([]byte("\r\n\r\n"), 0, func(l *line, s string) { l.text = s }))
	dec := chain.NewDecoder()
	parts := [][]byte{[]byte("ab\r\n\r"), []byte("\r"), []byte("\n"), []byte("\r\n")}
	var pending []byte
	buf := NewBuffer(nil)
	var got *line
	for _, p := range parts {
		pending = append(pending, p...)
		buf.Reset(pending)
		l, done, err := dec.Decode(buf)
		if err != nil {
			t.Fatal(err)
		}
		if done {
			got = l
		}
		pending = pending[buf.Position():]
	}
	if got == nil || got.text != "ab\r\n\r" {
		t.Errorf("expected overlapping delimiter to be found, got %+v", got)
	}
}

func TestLastStepCompletesInSameCall(t *testing.T) {
	dec := pointChain.NewDecoder()
	w := NewWriter(16)
	w.PutInt32(9)
	buf := NewBuffer(w.Bytes())
	if _, done, _ := dec.Decode(buf); done {
		t.Fatal("should need more bytes")
	}
	w.PutInt64(10)
	buf.Reset(w.Bytes()[buf.Position():])
	p, done, err := dec.Decode(buf)
	if err != nil || !done || p.X != 9 || p.Y != 10 {
		t.Errorf("expected completed point, got %+v %v %v", p, done, err)
	}
	if dec.InProgress() {
		t.Error("state not reset after completion")
	}
}

func TestUnknownCode(t *testing.T) {
	f := testFactory(t)
	dec := f.NewDecoder()
	_, _, err := dec.Decode(NewBuffer([]byte{0, 99, 1, 2}))
	if !errors.Is(err, ErrProtocol) {
		t.Fatal("expected protocol error, got", err)
	}
	var pe *ProtocolError
	if !errors.As(err, &pe) || pe.Code != 99 {
		t.Error("expected code 99 in error", err)
	}
}

func TestOneByteWaitsForCode(t *testing.T) {
	f := testFactory(t)
	dec := f.NewDecoder()
	buf := NewBuffer([]byte{0})
	msg, done, err := dec.Decode(buf)
	if msg != nil || done || err != nil || buf.Position() != 0 {
		t.Error("single byte must not be consumed")
	}
}

func TestArrayLimit(t *testing.T) {
	f := testFactory(t)
	w := NewWriter(64)
	w.PutUint16(10)
	writeShape(&shape{Origin: &point{}}, w)
	data := w.Bytes()
	// overwrite the corner count with a value above the limit
	copy(data[len(data)-4:], []byte{0, 0, 1, 0})
	_, _, err := f.NewDecoder().Decode(NewBuffer(data))
	if !errors.Is(err, ErrProtocol) {
		t.Error("expected protocol error for oversized array, got", err)
	}
}

func TestDelimitedMaxLen(t *testing.T) {
	dec := shapeChain.NewDecoder()
	w := NewWriter(128)
	w.PutInt16(1)
	w.PutString("n")
	w.PutBytes(bytes.Repeat([]byte{'x'}, 100))
	_, _, err := dec.Decode(NewBuffer(w.Bytes()))
	if !errors.Is(err, ErrProtocol) {
		t.Error("expected protocol error for unterminated label, got", err)
	}
}

func TestDuplicateRegistration(t *testing.T) {
	f := testFactory(t)
	if err := f.RegisterDecoder(10, DecoderOf(pointChain)); !errors.Is(err, ErrDuplicateCode) {
		t.Error("expected duplicate decoder code error")
	}
	if err := f.RegisterEncoder(3, 10, EncoderOf(writePoint)); !errors.Is(err, ErrDuplicateCode) {
		t.Error("expected duplicate encoder code error")
	}
	if _, err := f.NewEncoder().Marshal(&unknownMsg{}); !errors.Is(err, ErrUnknownVariant) {
		t.Error("expected unknown variant error")
	}
}

type unknownMsg struct{}

func (u *unknownMsg) Variant() int { return 99 }
