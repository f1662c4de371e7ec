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
package admin

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rdcourier/fleet/lib"
	"github.com/rdcourier/fleet/pool"
)

const namespace = "courier"

// PoolStatser reports the state of a set of pools
type PoolStatser interface {
	Stats() []pool.Stats
}

// fleetCollector samples the registry, the stat processor and the database pools at every scrape
type fleetCollector struct {
	mgr   *lib.Manager
	stat  *lib.StatProcessor
	pools PoolStatser

	active   *prometheus.Desc
	pending  *prometheus.Desc
	sessions *prometheus.Desc
	buffered *prometheus.Desc
	inFlight *prometheus.Desc
	received *prometheus.Desc
	flushed  *prometheus.Desc
	failed   *prometheus.Desc
	rejected *prometheus.Desc
	poolObjs *prometheus.Desc
	poolWait *prometheus.Desc
}

func newFleetCollector(mgr *lib.Manager, stat *lib.StatProcessor, pools PoolStatser) *fleetCollector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &fleetCollector{
		mgr:      mgr,
		stat:     stat,
		pools:    pools,
		active:   desc("couriers_active", "Registered couriers."),
		pending:  desc("couriers_pending", "Couriers connected but not registered yet."),
		sessions: desc("stat_sessions", "Stat sessions bound to the couriers."),
		buffered: desc("results_buffered", "Items waiting for a portion."),
		inFlight: desc("portions_in_flight", "Portions being written."),
		received: desc("results_received_total", "Items accepted by the stat processor."),
		flushed:  desc("results_flushed_total", "Items written."),
		failed:   desc("results_failed_total", "Items of failed portions."),
		rejected: desc("results_rejected_total", "Items rejected because the buffer was full."),
		poolObjs: desc("pool_objects", "Objects of a database pool by state.", "pool", "state"),
		poolWait: desc("pool_waiting", "Callers waiting for a pool object.", "pool"),
	}
}

func (c *fleetCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{c.active, c.pending, c.sessions, c.buffered, c.inFlight,
		c.received, c.flushed, c.failed, c.rejected, c.poolObjs, c.poolWait} {
		ch <- d
	}
}

func (c *fleetCollector) Collect(ch chan<- prometheus.Metric) {
	if c.mgr != nil {
		var active, sessions int
		for _, info := range c.mgr.CourierInfos() {
			if info.Active {
				active++
			}
			sessions += info.StatSessions
		}
		ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, float64(active))
		ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, float64(c.mgr.Pending()))
		ch <- prometheus.MustNewConstMetric(c.sessions, prometheus.GaugeValue, float64(sessions))
	}
	if c.stat != nil {
		st := c.stat.Stats()
		ch <- prometheus.MustNewConstMetric(c.buffered, prometheus.GaugeValue, float64(st.Buffered))
		ch <- prometheus.MustNewConstMetric(c.inFlight, prometheus.GaugeValue, float64(st.InFlight))
		ch <- prometheus.MustNewConstMetric(c.received, prometheus.CounterValue, float64(st.Received))
		ch <- prometheus.MustNewConstMetric(c.flushed, prometheus.CounterValue, float64(st.Flushed))
		ch <- prometheus.MustNewConstMetric(c.failed, prometheus.CounterValue, float64(st.Failed))
		ch <- prometheus.MustNewConstMetric(c.rejected, prometheus.CounterValue, float64(st.Rejected))
	}
	if c.pools != nil {
		for _, ps := range c.pools.Stats() {
			ch <- prometheus.MustNewConstMetric(c.poolObjs, prometheus.GaugeValue, float64(ps.Free), ps.Name, "free")
			ch <- prometheus.MustNewConstMetric(c.poolObjs, prometheus.GaugeValue, float64(ps.Busy), ps.Name, "busy")
			ch <- prometheus.MustNewConstMetric(c.poolObjs, prometheus.GaugeValue, float64(ps.Invalid), ps.Name, "invalid")
			ch <- prometheus.MustNewConstMetric(c.poolWait, prometheus.GaugeValue, float64(ps.Waiting), ps.Name)
		}
	}
}
