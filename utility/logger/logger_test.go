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

package logger

import (
	"bytes"
	"strings"
	"testing"
)

func TestSeverityFilter(t *testing.T) {
	var buf bytes.Buffer
	CreateWriterLogger(&buf, "TEST", Info)
	if GetLogger().V(Debug) {
		t.Error("Debug should be off at Info level")
	}
	GetLogger().Log(Debug, "hidden")
	GetLogger().Log(Warning, "shown")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("debug message logged at Info level:", out)
	}
	if !strings.Contains(out, "warn: [TEST logger_test.go:") || !strings.Contains(out, "shown") {
		t.Error("unexpected log line:", out)
	}
}

func TestAlertHook(t *testing.T) {
	var buf bytes.Buffer
	CreateWriterLogger(&buf, "TEST", Info)
	var got string
	SetAlertHook(func(msg string) { got = msg })
	defer SetAlertHook(nil)
	GetLogger().Log(Alert, "pool", "closed")
	if !strings.HasSuffix(got, "pool closed") {
		t.Error("alert hook got", got)
	}
}

func TestSetLogVerbosity(t *testing.T) {
	var buf bytes.Buffer
	CreateWriterLogger(&buf, "TEST", Info)
	SetLogVerbosity(100)
	if !GetLogger().V(Verbose) {
		t.Error("verbosity should be clamped to Verbose")
	}
}

func TestParseSeverity(t *testing.T) {
	tests := []struct {
		in   string
		want int32
	}{
		{"alert", Alert},
		{"WARN", Warning},
		{"warning", Warning},
		{" info ", Info},
		{"debug", Debug},
		{"verbose", Verbose},
		{"3", Debug},
		{"9", Verbose},
		{"-1", Alert},
	}
	for _, tt := range tests {
		got, err := ParseSeverity(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseSeverity(%q) = %d, %v, want %d", tt.in, got, err, tt.want)
		}
	}
	if _, err := ParseSeverity("loud"); err == nil {
		t.Error("unknown severity accepted")
	}
}
