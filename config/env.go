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
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// envOverlay looks a key up in the environment first: with the prefix COURIER_ the key
// check_interval_ms is overridden by COURIER_CHECK_INTERVAL_MS, pool.statistics.max by
// COURIER_POOL_STATISTICS_MAX
type envOverlay struct {
	base   RawConfig
	prefix string
}

// NewEnvOverlay returns a Config where environment variables override the values of base. The
// .env files given are loaded first, variables already set in the environment win over them.
func NewEnvOverlay(base Config, prefix string, envFiles ...string) (Config, error) {
	if len(envFiles) > 0 {
		existing := make([]string, 0, len(envFiles))
		for _, f := range envFiles {
			if _, err := os.Stat(f); err == nil {
				existing = append(existing, f)
			}
		}
		if len(existing) > 0 {
			if err := godotenv.Load(existing...); err != nil {
				return nil, err
			}
		}
	}
	raw, ok := base.(*wrapRawConfig)
	if !ok {
		return nil, ErrInvalidConfig
	}
	return NewConfig(&envOverlay{base: raw.cfg, prefix: prefix}), nil
}

func (e *envOverlay) envName(key string) string {
	r := strings.NewReplacer(".", "_", "-", "_")
	return e.prefix + strings.ToUpper(r.Replace(key))
}

// implements rawConfig
func (e *envOverlay) GetValue(key string) ([]byte, error) {
	if v, ok := os.LookupEnv(e.envName(key)); ok {
		return []byte(v), nil
	}
	return e.base.GetValue(key)
}

// implements rawConfig, the environment values are merged for the keys base knows
func (e *envOverlay) GetAllValues() map[string][]byte {
	all := make(map[string][]byte)
	for k, v := range e.base.GetAllValues() {
		all[k] = v
		if ev, ok := os.LookupEnv(e.envName(k)); ok {
			all[k] = []byte(ev)
		}
	}
	return all
}
