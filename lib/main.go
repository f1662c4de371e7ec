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
	"time"

	"github.com/rdcourier/fleet/otel"
	"github.com/rdcourier/fleet/pool"
	"github.com/rdcourier/fleet/sink"
	"github.com/rdcourier/fleet/transport"
	"github.com/rdcourier/fleet/utility/logger"
)

// Services are the running parts of the manager process, handed to the start hooks
type Services struct {
	Config   *Config
	Manager  *Manager
	Pools    *sink.NamedPools
	Journal  *sink.Journal
	Stats    *StatProcessor
	StateLog *StateLog
}

// StartHook runs once the manager accepts couriers, a hook serving until ctx is done must do it in its
// own goroutine. An error aborts the start.
type StartHook func(ctx context.Context, svc *Services) error

func newListener(port int) (transport.Listener, error) {
	service := fmt.Sprintf("0.0.0.0:%d", port)
	if GetConfig().KeyFile != "" {
		return transport.NewTLSListener(service, GetConfig().KeyFile, GetConfig().CertChainFile)
	}
	return transport.NewTCPListener(service)
}

// Run is practically the main function of the manager. It performs the initializations, starts the
// listeners and blocks until ctx is done, then it stops everything in order.
func Run(ctx context.Context, configFile string, hooks ...StartHook) error {
	err := InitConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to initialize configuration: %w", err)
	}
	cfg := GetConfig()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.OTelEnabled {
		shutdownFunc, err := otel.Init(ctx, otel.Settings{
			Protocol: cfg.OTelProtocol,
			Endpoint: cfg.OTelEndpoint,
			Interval: cfg.OTelInterval,
		})
		if err != nil {
			// results are still processed, only the metrics are missing
			if logger.GetLogger().V(logger.Alert) {
				logger.GetLogger().Log(logger.Alert, fmt.Sprintf("failed to initialize OTEL, err: %v", err))
			}
		} else {
			logger.SetAlertHook(otel.AlertHook)
			defer shutdownFunc(context.Background())
		}
	}

	watchOpsConfig(ctx, time.Duration(cfg.ConfigReloadTimeMs)*time.Millisecond)
	CheckEnableProfiling()
	GoStats(ctx, time.Duration(cfg.GoStatsInterval)*time.Second)

	svc := &Services{Config: cfg}
	opts := pool.DefaultOptions()
	opts.Max = cfg.DbThreads
	dbThreads := pool.NewWorkThreadPool("db-threads", opts)
	defer dbThreads.Close()
	svc.Pools = sink.NewNamedPools(dbThreads)
	svc.Pools.AddListener(otel.PoolListener{})
	defer svc.Pools.Close()
	if err = svc.Pools.AddFromConfig(cfg.Raw()); err != nil {
		return err
	}

	var db StatementExecutor
	if svc.Pools.Has(cfg.StatPool) {
		db = svc.Pools
	} else if logger.GetLogger().V(logger.Warning) {
		logger.GetLogger().Log(logger.Warning, "no pool", cfg.StatPool, "configured, results are not stored")
	}
	var journal ResultJournal
	if cfg.JournalPath != "" {
		if svc.Journal, err = sink.OpenJournal(cfg.JournalPath); err != nil {
			return err
		}
		defer svc.Journal.Close()
		journal = svc.Journal
	}
	if svc.Stats, err = NewStatProcessor(cfg, db, journal); err != nil {
		return err
	}
	defer func() {
		if err := svc.Stats.Close(cfg.Timeout); err != nil && logger.GetLogger().V(logger.Warning) {
			logger.GetLogger().Log(logger.Warning, "stat processor:", err.Error())
		}
	}()

	primary, err := newListener(cfg.BindPort)
	if err != nil {
		return err
	}
	stats, err := newListener(cfg.StatPort)
	if err != nil {
		primary.Close()
		return err
	}
	svc.Manager = NewManager(cfg, svc.Stats)
	svc.Manager.Start(primary, stats)
	defer svc.Manager.Stop()

	if cfg.StateLogInterval > 0 {
		if svc.StateLog, err = OpenStateLog(configFile, svc.Manager, svc.Stats); err != nil {
			return err
		}
		if cfg.OTelEnabled {
			if _, err := otel.StartMetricsCollection(svc.StateLog.DataChannel()); err != nil && logger.GetLogger().V(logger.Warning) {
				logger.GetLogger().Log(logger.Warning, "fleet metrics:", err.Error())
			}
		}
		svc.StateLog.Start(time.Duration(cfg.StateLogInterval) * time.Second)
		defer svc.StateLog.Stop()
	}

	for _, hook := range hooks {
		if err = hook(ctx, svc); err != nil {
			return err
		}
	}
	if logger.GetLogger().V(logger.Info) {
		logger.GetLogger().Log(logger.Info, "courier manager started, couriers on", svc.Manager.PrimaryAddr())
	}
	<-ctx.Done()
	if logger.GetLogger().V(logger.Info) {
		logger.GetLogger().Log(logger.Info, "courier manager stopping")
	}
	return nil
}
