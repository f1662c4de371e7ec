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
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// NewYamlConfig creates a Config from a YAML file. Nested mappings are flattened, their keys joined
// with ".": {pool: {statistics: {max: 5}}} is read with the key pool.statistics.max. Sequences are
// joined with ",".
func NewYamlConfig(filename string) (Config, error) {
	raw, err := newYamlConfig(filename)
	if err != nil {
		return nil, err
	}
	return NewConfig(raw), nil
}

func newYamlConfig(filename string) (RawConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return parseYaml(data)
}

func parseYaml(data []byte) (*flatConfig, error) {
	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	cfg := newFlatConfig()
	flattenYaml(cfg, "", doc)
	return cfg, nil
}

func flattenYaml(cfg *flatConfig, prefix string, node map[string]interface{}) {
	for k, v := range node {
		key := joinKey(prefix, k)
		switch val := v.(type) {
		case map[string]interface{}:
			flattenYaml(cfg, key, val)
		case []interface{}:
			items := make([]string, 0, len(val))
			for _, item := range val {
				items = append(items, scalar(item))
			}
			cfg.set(key, strings.Join(items, ","))
		case nil:
			cfg.set(key, "")
		default:
			cfg.set(key, scalar(val))
		}
	}
}

func scalar(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprint(val)
	}
}
