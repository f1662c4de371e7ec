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
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	varBegin = "[%"
	varEnd   = "]"
)

// Vars are the values a template is calculated with
type Vars map[string]interface{}

// Raw is inserted in a statement as is, without quoting
type Raw string

type templatePart struct {
	text  string
	isVar bool
}

// Template is a statement text with [%Name] placeholders
type Template struct {
	text  string
	parts []templatePart
}

// ParseTemplate splits text into literals and placeholders
func ParseTemplate(text string) (*Template, error) {
	t := &Template{text: text}
	rest := text
	for len(rest) > 0 {
		i := strings.Index(rest, varBegin)
		if i < 0 {
			t.parts = append(t.parts, templatePart{text: rest})
			break
		}
		if i > 0 {
			t.parts = append(t.parts, templatePart{text: rest[:i]})
		}
		rest = rest[i+len(varBegin):]
		j := strings.Index(rest, varEnd)
		if j < 0 {
			return nil, fmt.Errorf("%w: unterminated placeholder in %q", ErrTemplate, text)
		}
		name := strings.TrimSpace(rest[:j])
		if name == "" {
			return nil, fmt.Errorf("%w: empty placeholder in %q", ErrTemplate, text)
		}
		t.parts = append(t.parts, templatePart{text: name, isVar: true})
		rest = rest[j+len(varEnd):]
	}
	return t, nil
}

// MustParseTemplate is ParseTemplate panicking on error, for templates known at compile time
func MustParseTemplate(text string) *Template {
	t, err := ParseTemplate(text)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Template) String() string {
	return t.text
}

// Variables returns the placeholder names in order of appearance
func (t *Template) Variables() []string {
	var names []string
	for _, p := range t.parts {
		if p.isVar {
			names = append(names, p.text)
		}
	}
	return names
}

// Calculate replaces every placeholder with the quoted value of its variable
func (t *Template) Calculate(vars Vars) (string, error) {
	var sb strings.Builder
	for _, p := range t.parts {
		if !p.isVar {
			sb.WriteString(p.text)
			continue
		}
		v, ok := vars[p.text]
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrUnknownVariable, p.text)
		}
		sb.WriteString(Quote(v))
	}
	return sb.String(), nil
}

// Quote renders v as an SQL literal. Empty strings and nil are NULL.
func Quote(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case Raw:
		return string(val)
	case string:
		if val == "" {
			return "NULL"
		}
		return "'" + strings.ReplaceAll(val, "'", "''") + "'"
	case int:
		return strconv.Itoa(val)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case int64:
		return strconv.FormatInt(val, 10)
	case bool:
		if val {
			return "1"
		}
		return "0"
	case time.Time:
		return "'" + val.Format("2006-01-02 15:04:05.000") + "'"
	case fmt.Stringer:
		return Quote(val.String())
	default:
		return Quote(fmt.Sprint(val))
	}
}
