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

package lib

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rdcourier/fleet/config"
	"github.com/rdcourier/fleet/sink"
	"github.com/rdcourier/fleet/utility/logger"
)

// EnvPrefix prefixes the environment variables overriding configuration entries
const EnvPrefix = "COURIER_"

// The Config contains all the static configuration
type Config struct {
	BindPort  int
	StatPort  int
	AdminPort int
	// leave blank for no SSL
	KeyFile       string
	CertChainFile string

	// timeout of the requests sent to the couriers
	Timeout          time.Duration
	HandshakeTimeout time.Duration
	CheckInterval    time.Duration
	// the work threads running the business logic of the sessions
	MaxThreads int

	//
	// result processing
	//
	MaxStatThreads     int
	StatPortionSize    int
	MaxStatBufferSize  int
	StatFlush          time.Duration
	StateStoreInterval time.Duration
	StatPool           string
	ResultTemplate     string
	PortionTemplate    string
	StateTemplate      string
	// local sqlite journal of the results, blank to disable
	JournalPath string
	// work threads of the pools configured as async
	DbThreads int

	LogFile  string
	LogLevel int
	// config_reload_time_ms(30 * 1000)
	ConfigReloadTimeMs int
	// statelog printing interval (in sec), 0 disables it
	StateLogInterval int
	GoStatsInterval  int

	// for testing, enabling profile
	EnableProfile   bool
	ProfileHTTPPort string

	OTelEnabled  bool
	OTelProtocol string
	OTelEndpoint string
	OTelInterval time.Duration

	// the whole configuration, the sink pools read their pool.<name>.* entries from it
	cdb config.Config
}

var gAppConfig *Config
var gOpsLogLevel = -1

// GetConfig returns the application config
func GetConfig() *Config {
	return gAppConfig
}

// Raw returns the configuration the Config was parsed from
func (cfg *Config) Raw() config.Config {
	return cfg.cdb
}

func millis(cdb config.Config, key string, def int) time.Duration {
	return time.Duration(cdb.GetOrDefaultInt(key, def)) * time.Millisecond
}

// NewConfig parses the configuration entries, applying the defaults
func NewConfig(cdb config.Config) (*Config, error) {
	cfg := &Config{cdb: cdb}
	cfg.BindPort = cdb.GetOrDefaultInt(ConfigBindPort, 4000)
	cfg.StatPort = cdb.GetOrDefaultInt(ConfigStatPort, 4001)
	cfg.AdminPort = cdb.GetOrDefaultInt(ConfigAdminPort, 4080)
	cfg.KeyFile = cdb.GetOrDefaultString("key_file", "")
	cfg.CertChainFile = cdb.GetOrDefaultString("cert_chain_file", "")
	if (cfg.KeyFile == "") != (cfg.CertChainFile == "") {
		return nil, fmt.Errorf("%w: key_file and cert_chain_file go together", config.ErrInvalidConfigValue)
	}

	cfg.Timeout = millis(cdb, ConfigTimeout, 4000)
	cfg.HandshakeTimeout = millis(cdb, ConfigHandshakeTimeout, 4000)
	cfg.CheckInterval = millis(cdb, ConfigCheckInterval, 5000)
	cfg.MaxThreads = cdb.GetOrDefaultInt(ConfigMaxThreads, 32)

	cfg.MaxStatThreads = cdb.GetOrDefaultInt(ConfigMaxStatThreads, 1)
	cfg.StatPortionSize = cdb.GetOrDefaultInt(ConfigStatPortionSize, 1)
	cfg.MaxStatBufferSize = cdb.GetOrDefaultInt(ConfigMaxStatBufferSize, 1000)
	cfg.StatFlush = millis(cdb, ConfigStatFlush, 1000)
	cfg.StateStoreInterval = millis(cdb, ConfigStateStoreInterval, 0)
	cfg.StatPool = cdb.GetOrDefaultString(ConfigStatPool, "statistics")
	cfg.ResultTemplate = cdb.GetOrDefaultString(ConfigResultTemplate, "")
	cfg.PortionTemplate = cdb.GetOrDefaultString(ConfigPortionTemplate, "")
	cfg.StateTemplate = cdb.GetOrDefaultString(ConfigStateTemplate, "")
	cfg.JournalPath = cdb.GetOrDefaultString(ConfigJournalPath, "")
	cfg.DbThreads = cdb.GetOrDefaultInt("db_threads", 4)

	if cfg.Timeout <= 0 || cfg.HandshakeTimeout <= 0 || cfg.CheckInterval <= 0 {
		return nil, fmt.Errorf("%w: timeouts and check interval must be positive", config.ErrInvalidConfigValue)
	}
	if cfg.MaxThreads < 1 {
		cfg.MaxThreads = 1
	}
	if cfg.MaxStatThreads < 1 {
		cfg.MaxStatThreads = 1
	}
	if cfg.StatPortionSize < 1 {
		cfg.StatPortionSize = 1
	}
	if cfg.MaxStatBufferSize < cfg.StatPortionSize {
		return nil, fmt.Errorf("%w: max_stat_buffer_size %d below stat_portion_size %d", config.ErrInvalidConfigValue,
			cfg.MaxStatBufferSize, cfg.StatPortionSize)
	}
	for _, t := range []string{cfg.ResultTemplate, cfg.PortionTemplate, cfg.StateTemplate} {
		if _, err := sink.ParseTemplate(t); err != nil {
			return nil, err
		}
	}

	cfg.LogFile = cdb.GetOrDefaultString("log_file", "couriermgr.log")
	level, err := logger.ParseSeverity(cdb.GetOrDefaultString("log_level", "info"))
	if err != nil {
		return nil, fmt.Errorf("%w: log_level: %v", config.ErrInvalidConfigValue, err)
	}
	cfg.LogLevel = int(level)
	cfg.ConfigReloadTimeMs = cdb.GetOrDefaultInt("config_reload_time_ms", 30*1000)
	cfg.StateLogInterval = cdb.GetOrDefaultInt("state_log_interval", 60)
	cfg.GoStatsInterval = cdb.GetOrDefaultInt("go_stats_interval", 0)
	cfg.EnableProfile = cdb.GetOrDefaultBool("enable_profile", false)
	cfg.ProfileHTTPPort = cdb.GetOrDefaultString("profile_http_port", "6060")

	cfg.OTelEnabled = cdb.GetOrDefaultBool("otel_enabled", false)
	cfg.OTelProtocol = strings.ToLower(cdb.GetOrDefaultString("otel_protocol", "http"))
	cfg.OTelEndpoint = cdb.GetOrDefaultString("otel_endpoint", "127.0.0.1:4318")
	cfg.OTelInterval = time.Duration(cdb.GetOrDefaultInt("otel_interval_sec", 5)) * time.Second
	return cfg, nil
}

// InitConfig initializes the configuration, both the static configuration (from the file, overridden by the
// COURIER_ environment variables) and the dynamic configuration
func InitConfig(filename string) error {
	cdb, err := config.Load(filename)
	if err != nil {
		return err
	}
	envFile := filepath.Join(filepath.Dir(filename), ".env")
	cdb, err = config.NewEnvOverlay(cdb, EnvPrefix, envFile)
	if err != nil {
		return err
	}
	cfg, err := NewConfig(cdb)
	if err != nil {
		return err
	}

	logFile := cfg.LogFile
	if logFile != "-" && !filepath.IsAbs(logFile) {
		logFile = filepath.Join(filepath.Dir(filename), logFile)
	}
	if logFile == "-" {
		logger.CreateWriterLogger(os.Stdout, "MGR", int32(cfg.LogLevel))
	} else if err = logger.CreateLogger(logFile, "MGR", int32(cfg.LogLevel)); err != nil {
		return err
	}
	gAppConfig = cfg
	gOpsLogLevel = cfg.LogLevel

	if err = config.InitOpsConfigWithName(filename); err != nil {
		if logger.GetLogger().V(logger.Info) {
			logger.GetLogger().Log(logger.Info, "ops config:", err.Error())
		}
	}
	if logger.GetLogger().V(logger.Debug) {
		logger.GetLogger().Log(logger.Debug, "configuration:", cdb.Dump())
	}
	return nil
}

// CheckOpsConfigChange checks if the ops config file needs to be reloaded and reloads it if necessary.
// it is called every several seconds from a dedicated go-routine.
func CheckOpsConfigChange() {
	cfg := config.GetOpsConfig()
	if cfg == nil || !cfg.Changed() {
		return
	}
	err := cfg.Load()
	if err != nil {
		if logger.GetLogger().V(logger.Info) {
			logger.GetLogger().Log(logger.Info, "Error loading ops config:", err.Error())
		}
		return
	}
	if logger.GetLogger().V(logger.Info) {
		logger.GetLogger().Log(logger.Info, "Loading ops config")
	}
	value, err := cfg.GetString("log_level")
	if err != nil {
		return
	}
	level, err := logger.ParseSeverity(value)
	if err != nil {
		if logger.GetLogger().V(logger.Warning) {
			logger.GetLogger().Log(logger.Warning, "ops config:", err.Error())
		}
		return
	}
	if logLevel := int(level); logLevel != gOpsLogLevel {
		logger.SetLogVerbosity(int32(logLevel))
		gOpsLogLevel = logLevel
	}
}

// watchOpsConfig calls CheckOpsConfigChange every interval until ctx is done. A non positive interval
// disables the reload, it returns false then.
func watchOpsConfig(ctx context.Context, interval time.Duration) bool {
	if interval <= 0 {
		if logger.GetLogger().V(logger.Info) {
			logger.GetLogger().Log(logger.Info, "ops config reload disabled")
		}
		return false
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			CheckOpsConfigChange()
		}
	}()
	return true
}
