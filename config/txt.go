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
package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// flatConfig is a RawConfig over dotted keys, the form both the txt and the yaml files are read into
type flatConfig struct {
	data map[string][]byte
}

func newFlatConfig() *flatConfig {
	return &flatConfig{data: make(map[string][]byte)}
}

func (cfg *flatConfig) set(key string, value string) {
	cfg.data[key] = []byte(value)
}

// implements rawConfig
func (cfg *flatConfig) GetAllValues() map[string][]byte {
	return cfg.data
}

// implements rawConfig
func (cfg *flatConfig) GetValue(key string) ([]byte, error) {
	if v, ok := cfg.data[key]; ok {
		return v, nil
	}
	return nil, ErrNotFound
}

// joinKey prefixes key with the section, both trimmed
func joinKey(section, key string) string {
	key = strings.TrimSpace(key)
	if section == "" {
		return key
	}
	return section + "." + key
}

// newTxtConfig reads lines of <key>=<value> pairs, the value is everything after the first "=" with
// the surrounding blanks trimmed. Lines starting with # or ; are comments. A "[pool.statistics]" line
// opens a section: the keys below it are read as pool.statistics.<key>, "[]" closes it. A value ending
// with a backslash continues on the next line, the lines joined with a new line.
func newTxtConfig(filename string) (RawConfig, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg := newFlatConfig()
	section := ""
	key := ""
	var value []string
	lineNo := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if key != "" {
			// continuation of a multi line value
			value = append(value, strings.TrimSuffix(line, "\\"))
			if !strings.HasSuffix(line, "\\") {
				cfg.set(key, strings.TrimSpace(strings.Join(value, "\n")))
				key, value = "", nil
			}
			continue
		}
		switch {
		case line == "", strings.HasPrefix(line, "#"), strings.HasPrefix(line, ";"):
		case strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]"):
			section = strings.TrimSpace(line[1 : len(line)-1])
		case strings.Contains(line, "="):
			pair := strings.SplitN(line, "=", 2)
			k := joinKey(section, pair[0])
			if k == "" || strings.HasSuffix(k, ".") {
				return nil, fmt.Errorf("%w: %s:%d empty key", ErrInvalidConfig, filename, lineNo)
			}
			v := strings.TrimSpace(pair[1])
			if strings.HasSuffix(v, "\\") {
				key, value = k, []string{strings.TrimSuffix(v, "\\")}
				continue
			}
			cfg.set(k, v)
		}
	}
	if err = scanner.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	if key != "" {
		cfg.set(key, strings.TrimSpace(strings.Join(value, "\n")))
	}
	return cfg, nil
}
