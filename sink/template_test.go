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

package sink

import (
	"errors"
	"testing"
	"time"
)

func TestTemplateCalculate(t *testing.T) {
	tmpl, err := ParseTemplate("insert into results(host, pipe, cnt, err) values ([%Host], [%Pipe], [%RecordCount], [% Error ])")
	if err != nil {
		t.Fatal(err)
	}
	got, err := tmpl.Calculate(Vars{"Host": "etl-01", "Pipe": "o'brien", "RecordCount": int32(42), "Error": ""})
	if err != nil {
		t.Fatal(err)
	}
	want := "insert into results(host, pipe, cnt, err) values ('etl-01', 'o''brien', 42, NULL)"
	if got != want {
		t.Errorf("got  %s\nwant %s", got, want)
	}
	if names := tmpl.Variables(); len(names) != 4 || names[3] != "Error" {
		t.Errorf("variables %v", names)
	}
}

func TestTemplateErrors(t *testing.T) {
	tests := []struct {
		text string
		err  error
	}{
		{"select [%Host", ErrTemplate},
		{"select [%]", ErrTemplate},
		{"select 1", nil},
	}
	for _, tt := range tests {
		_, err := ParseTemplate(tt.text)
		if !errors.Is(err, tt.err) {
			t.Errorf("%q: got %v, expected %v", tt.text, err, tt.err)
		}
	}
	tmpl := MustParseTemplate("select [%Missing]")
	if _, err := tmpl.Calculate(Vars{}); !errors.Is(err, ErrUnknownVariable) {
		t.Errorf("missing variable: %v", err)
	}
}

func TestQuote(t *testing.T) {
	ts := time.Date(2024, 3, 1, 10, 20, 30, 400000000, time.UTC)
	tests := []struct {
		v    interface{}
		want string
	}{
		{nil, "NULL"},
		{"", "NULL"},
		{"a'b", "'a''b'"},
		{Raw("insert 1;\ninsert 2;"), "insert 1;\ninsert 2;"},
		{int64(-7), "-7"},
		{7, "7"},
		{true, "1"},
		{ts, "'2024-03-01 10:20:30.400'"},
		{3.5, "'3.5'"},
	}
	for _, tt := range tests {
		if got := Quote(tt.v); got != tt.want {
			t.Errorf("Quote(%v) = %s, expected %s", tt.v, got, tt.want)
		}
	}
}
