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
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	opscfgEntryFmt = "opscfg.default.server.%s"
)

// OpsConfig is used for config variables that can be changed at run time. A key is looked up as
// opscfg.<file>.server.<key> first, then as opscfg.default.server.<key>.
type OpsConfig interface {
	Config
	// reload the configuration
	Load() error
	// checks if the config needs to be reloaded, by checking if the file was changed after the previous config load
	Changed() bool
}

type opsConfig struct {
	mtx         sync.RWMutex
	cfg         Config
	cfgName     string
	lastModTime time.Time
	err         error
	keyPrefix   string
}

var gConfig OpsConfig

// GetOpsConfig gets the instance, nil before InitOpsConfigWithName
func GetOpsConfig() OpsConfig {
	return gConfig
}

// InitOpsConfigWithName initializes the ops config from the given file
func InitOpsConfigWithName(name string) error {
	cfg, err := NewOpsConfig(name)
	gConfig = cfg
	return err
}

// NewOpsConfig creates an ops config reading the file name. An error is returned when the first
// load fails, the config is usable anyway and serves defaults until a reload succeeds.
func NewOpsConfig(name string) (OpsConfig, error) {
	file := filepath.Base(name)
	cfg := &opsConfig{cfgName: name, err: ErrInvalidConfig,
		keyPrefix: fmt.Sprintf("opscfg.%s.server.", strings.TrimSuffix(file, filepath.Ext(file)))}
	cfg.Changed()
	return cfg, cfg.Load()
}

func (cfg *opsConfig) Load() error {
	c, err := Load(cfg.cfgName)
	cfg.mtx.Lock()
	defer cfg.mtx.Unlock()
	cfg.err = err
	if err == nil {
		cfg.cfg = c
	}
	return err
}

func (cfg *opsConfig) Changed() bool {
	if len(cfg.cfgName) == 0 {
		return false
	}
	stat, err := os.Stat(cfg.cfgName)
	cfg.mtx.Lock()
	defer cfg.mtx.Unlock()
	if err != nil {
		cfg.err = err
		return false
	}
	if stat.ModTime() != cfg.lastModTime {
		cfg.lastModTime = stat.ModTime()
		return true
	}
	return false
}

// lookup returns the config and the key holding the value, or an error
func (cfg *opsConfig) lookup(key string) (Config, string, error) {
	cfg.mtx.RLock()
	defer cfg.mtx.RUnlock()
	if cfg.cfg == nil {
		return nil, "", cfg.err
	}
	full := cfg.keyPrefix + key
	if _, err := cfg.cfg.GetString(full); err == nil {
		return cfg.cfg, full, nil
	}
	full = fmt.Sprintf(opscfgEntryFmt, key)
	if _, err := cfg.cfg.GetString(full); err == nil {
		return cfg.cfg, full, nil
	}
	return nil, "", ErrNotFound
}

// implements Config interface
func (cfg *opsConfig) GetInt(key string) (int, error) {
	c, full, err := cfg.lookup(key)
	if err != nil {
		return 0, err
	}
	return c.GetInt(full)
}

// implements Config interface
func (cfg *opsConfig) GetOrDefaultInt(key string, defaultVal int) int {
	val, err := cfg.GetInt(key)
	if err != nil {
		return defaultVal
	}
	return val
}

// implements Config interface
func (cfg *opsConfig) GetString(key string) (string, error) {
	c, full, err := cfg.lookup(key)
	if err != nil {
		return "", err
	}
	return c.GetString(full)
}

// implements Config interface
func (cfg *opsConfig) GetOrDefaultString(key string, def string) string {
	val, err := cfg.GetString(key)
	if err != nil {
		return def
	}
	return val
}

// implements Config interface
func (cfg *opsConfig) GetBool(key string) (bool, error) {
	c, full, err := cfg.lookup(key)
	if err != nil {
		return false, err
	}
	return c.GetBool(full)
}

// implements Config interface
func (cfg *opsConfig) GetOrDefaultBool(key string, def bool) bool {
	val, err := cfg.GetBool(key)
	if err != nil {
		return def
	}
	return val
}

// implements Config interface
func (cfg *opsConfig) IsSwitchEnabled(key string) bool {
	return cfg.GetOrDefaultBool(key, false)
}

// implements Config interface
func (cfg *opsConfig) Dump() string {
	cfg.mtx.RLock()
	defer cfg.mtx.RUnlock()
	if cfg.cfg == nil {
		return cfg.err.Error()
	}
	return cfg.cfg.Dump()
}
