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

package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/global"
	"go.opentelemetry.io/otel/metric/instrument"
	"go.opentelemetry.io/otel/metric/instrument/asyncint64"

	"github.com/rdcourier/fleet/utility/logger"
)

// Following Metric Names will get instrumented as part of FleetMetrics
const (
	ActiveCouriersMetric  = "fleet.couriers.active"
	PendingCouriersMetric = "fleet.couriers.pending"
	StatSessionsMetric    = "fleet.stat_sessions"
	BufferedMetric        = "stat.buffered"
	InFlightMetric        = "stat.in_flight"

	ActiveCouriersMaxMetric = "fleet.couriers.active.max"
	BufferedMaxMetric       = "stat.buffered.max"

	ReceivedMetric = "stat.received"
	RejectedMetric = "stat.rejected"
	FailedMetric   = "stat.failed"
)

// FleetStateData is one sample of the fleet state. Gauge fields are the current values, the counter
// fields are totals since the manager started.
type FleetStateData struct {
	ActiveCouriers  int64
	PendingCouriers int64
	StatSessions    int64
	Buffered        int64
	InFlight        int64

	Received int64
	Rejected int64
	Failed   int64
}

// FleetMetrics reports the samples sent on its channel. The samples received between two collections
// are reduced to the last value and the max of the gauges.
type FleetMetrics struct {
	metricsConfig fleetMetricsConfig
	meter         metric.Meter
	dataChan      <-chan FleetStateData

	// prevents a race between the observer callback and the instrument registration
	lock sync.Mutex
	last FleetStateData

	active   asyncint64.Gauge
	pending  asyncint64.Gauge
	sessions asyncint64.Gauge
	buffered asyncint64.Gauge
	inFlight asyncint64.Gauge

	activeMax   asyncint64.Gauge
	bufferedMax asyncint64.Gauge

	received asyncint64.Counter
	rejected asyncint64.Counter
	failed   asyncint64.Counter
}

type fleetMetricsConfig struct {
	// MeterProvider sets the metric.MeterProvider. If nil, the global Provider will be used.
	MeterProvider metric.MeterProvider
	AppName       string
}

// Option configures the fleet metrics
type Option interface {
	apply(*fleetMetricsConfig)
}

// MetricProviderOption sets the meter provider
type MetricProviderOption struct {
	metric.MeterProvider
}

func (o MetricProviderOption) apply(c *fleetMetricsConfig) {
	if o.MeterProvider != nil {
		c.MeterProvider = o.MeterProvider
	}
}

// AppNameOption labels the metrics with the application name
type AppNameOption string

const defaultAppName string = "couriermgr"

func (name AppNameOption) apply(c *fleetMetricsConfig) {
	if name != "" {
		c.AppName = string(name)
	}
}

// WithAppName labels the metrics with name
func WithAppName(name string) Option {
	return AppNameOption(name)
}

// WithMetricProvider reports the metrics through provider
func WithMetricProvider(provider metric.MeterProvider) Option {
	return MetricProviderOption{provider}
}

func newConfig(opts ...Option) fleetMetricsConfig {
	cfg := fleetMetricsConfig{
		MeterProvider: global.MeterProvider(),
		AppName:       defaultAppName,
	}
	for _, opt := range opts {
		opt.apply(&cfg)
	}
	return cfg
}

// StartMetricsCollection registers the fleet instruments, the samples are read from dataChan at every
// collection
func StartMetricsCollection(dataChan <-chan FleetStateData, opts ...Option) (*FleetMetrics, error) {
	cfg := newConfig(opts...)
	fm := &FleetMetrics{
		meter:         cfg.MeterProvider.Meter("courier-fleet-data", metric.WithInstrumentationVersion("v1.0")),
		metricsConfig: cfg,
		dataChan:      dataChan,
	}
	if err := fm.register(); err != nil {
		return nil, err
	}
	return fm, nil
}

func (fm *FleetMetrics) gauge(name, desc string) (asyncint64.Gauge, error) {
	g, err := fm.meter.AsyncInt64().Gauge(populateMetricNamePrefix(name), instrument.WithDescription(desc))
	if err != nil {
		logger.GetLogger().Log(logger.Alert, "Failed to register gauge metric", name, err)
	}
	return g, err
}

func (fm *FleetMetrics) counter(name, desc string) (asyncint64.Counter, error) {
	c, err := fm.meter.AsyncInt64().Counter(populateMetricNamePrefix(name), instrument.WithDescription(desc))
	if err != nil {
		logger.GetLogger().Log(logger.Alert, "Failed to register counter metric", name, err)
	}
	return c, err
}

func (fm *FleetMetrics) register() (err error) {
	fm.lock.Lock()
	defer fm.lock.Unlock()

	if fm.active, err = fm.gauge(ActiveCouriersMetric, "Number of registered couriers"); err != nil {
		return err
	}
	if fm.pending, err = fm.gauge(PendingCouriersMetric, "Number of couriers in handshake"); err != nil {
		return err
	}
	if fm.sessions, err = fm.gauge(StatSessionsMetric, "Number of bound stat sessions"); err != nil {
		return err
	}
	if fm.buffered, err = fm.gauge(BufferedMetric, "Number of results waiting to be written"); err != nil {
		return err
	}
	if fm.inFlight, err = fm.gauge(InFlightMetric, "Number of portions being written"); err != nil {
		return err
	}
	if fm.activeMax, err = fm.gauge(ActiveCouriersMaxMetric, "Max number of registered couriers"); err != nil {
		return err
	}
	if fm.bufferedMax, err = fm.gauge(BufferedMaxMetric, "Max number of buffered results"); err != nil {
		return err
	}
	if fm.received, err = fm.counter(ReceivedMetric, "Results received"); err != nil {
		return err
	}
	if fm.rejected, err = fm.counter(RejectedMetric, "Results rejected with a full buffer"); err != nil {
		return err
	}
	if fm.failed, err = fm.counter(FailedMetric, "Results whose portion failed"); err != nil {
		return err
	}

	return fm.meter.RegisterCallback(
		[]instrument.Asynchronous{
			fm.active, fm.pending, fm.sessions, fm.buffered, fm.inFlight,
			fm.activeMax, fm.bufferedMax,
			fm.received, fm.rejected, fm.failed,
		}, func(ctx context.Context) {
			fm.poll(ctx)
		})
}

// aggregate drains the channel. ok is false when no sample arrived since the previous call.
func (fm *FleetMetrics) aggregate() (last FleetStateData, peak FleetStateData, ok bool) {
	for {
		select {
		case data, more := <-fm.dataChan:
			if !more {
				if logger.GetLogger().V(logger.Info) {
					logger.GetLogger().Log(logger.Info, "fleet metrics data channel has been closed")
				}
				return
			}
			ok = true
			last = data
			if data.ActiveCouriers > peak.ActiveCouriers {
				peak.ActiveCouriers = data.ActiveCouriers
			}
			if data.Buffered > peak.Buffered {
				peak.Buffered = data.Buffered
			}
		default:
			return
		}
	}
}

// poll is invoked by the collector at every collection
func (fm *FleetMetrics) poll(ctx context.Context) {
	fm.lock.Lock()
	defer fm.lock.Unlock()

	last, peak, ok := fm.aggregate()
	if ok {
		fm.last = last
	} else {
		last = fm.last
		peak = fm.last
	}
	attrs := []attribute.KeyValue{attribute.String("Application", fm.metricsConfig.AppName)}

	fm.active.Observe(ctx, last.ActiveCouriers, attrs...)
	fm.pending.Observe(ctx, last.PendingCouriers, attrs...)
	fm.sessions.Observe(ctx, last.StatSessions, attrs...)
	fm.buffered.Observe(ctx, last.Buffered, attrs...)
	fm.inFlight.Observe(ctx, last.InFlight, attrs...)
	fm.activeMax.Observe(ctx, peak.ActiveCouriers, attrs...)
	fm.bufferedMax.Observe(ctx, peak.Buffered, attrs...)
	fm.received.Observe(ctx, last.Received, attrs...)
	fm.rejected.Observe(ctx, last.Rejected, attrs...)
	fm.failed.Observe(ctx, last.Failed, attrs...)
}

// Last returns the most recent sample seen by a collection
func (fm *FleetMetrics) Last() FleetStateData {
	fm.lock.Lock()
	defer fm.lock.Unlock()
	return fm.last
}
