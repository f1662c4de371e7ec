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

// Package otel sets up the OpenTelemetry metric pipeline of the manager and records its measurements
package otel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/global"
	"go.opentelemetry.io/otel/metric/instrument"
	"go.opentelemetry.io/otel/metric/instrument/syncint64"
	"go.opentelemetry.io/otel/metric/unit"
	"go.opentelemetry.io/otel/sdk/metric/aggregator/histogram"
	controller "go.opentelemetry.io/otel/sdk/metric/controller/basic"
	"go.opentelemetry.io/otel/sdk/metric/export"
	"go.opentelemetry.io/otel/sdk/metric/export/aggregation"
	processor "go.opentelemetry.io/otel/sdk/metric/processor/basic"
	"go.opentelemetry.io/otel/sdk/metric/selector/simple"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"

	"github.com/rdcourier/fleet/utility/logger"
)

// Exporter protocols
const (
	ProtocolHTTP   = "http"
	ProtocolGRPC   = "grpc"
	ProtocolStdout = "stdout"
)

// MetricNamePrefix prefixes every metric name
const MetricNamePrefix = "courier."

// ErrProtocol is returned for an unknown exporter protocol
var ErrProtocol = errors.New("Unknown OTEL protocol")

// Settings select the exporter and the collect period
type Settings struct {
	Protocol string
	Endpoint string
	Interval time.Duration
	// Writer receives the stdout exporter output, os.Stdout when nil
	Writer io.Writer
}

// instruments are the synchronous instruments of the manager meter
type instruments struct {
	poolAcquire    syncint64.Histogram
	poolAcquireErr syncint64.Counter
	poolAdded      syncint64.Counter
	flush          syncint64.Histogram
	flushItems     syncint64.Counter
	heartbeatFail  syncint64.Counter
	alerts         syncint64.Counter
}

var gInstruments atomic.Value
var initMtx sync.Mutex

func init() {
	setMeter(global.Meter("courier-manager-meter"))
}

func populateMetricNamePrefix(metricName string) string {
	return MetricNamePrefix + metricName
}

// setMeter creates the instruments on meter, the record functions use them from then on
func setMeter(meter metric.Meter) error {
	inst := &instruments{}
	var errs []error
	check := func(e error) {
		errs = append(errs, e)
	}
	var e error
	inst.poolAcquire, e = meter.SyncInt64().Histogram(populateMetricNamePrefix("pool.acquire"),
		instrument.WithDescription("Wait for a pooled object"), instrument.WithUnit(unit.Milliseconds))
	check(e)
	inst.poolAcquireErr, e = meter.SyncInt64().Counter(populateMetricNamePrefix("pool.acquire.errors"),
		instrument.WithDescription("Failed pooled object requests"))
	check(e)
	inst.poolAdded, e = meter.SyncInt64().Counter(populateMetricNamePrefix("pool.added"),
		instrument.WithDescription("Objects created by the pools"))
	check(e)
	inst.flush, e = meter.SyncInt64().Histogram(populateMetricNamePrefix("stat.flush"),
		instrument.WithDescription("Time to write a portion of results"), instrument.WithUnit(unit.Milliseconds))
	check(e)
	inst.flushItems, e = meter.SyncInt64().Counter(populateMetricNamePrefix("stat.items"),
		instrument.WithDescription("Results and states written"))
	check(e)
	inst.heartbeatFail, e = meter.SyncInt64().Counter(populateMetricNamePrefix("heartbeat.failures"),
		instrument.WithDescription("Couriers disposed after a failed connection check"))
	check(e)
	inst.alerts, e = meter.SyncInt64().Counter(populateMetricNamePrefix("alerts"),
		instrument.WithDescription("Messages logged with the alert severity"))
	check(e)
	err := errors.Join(errs...)
	if err != nil {
		return err
	}
	gInstruments.Store(inst)
	return nil
}

func getInstruments() *instruments {
	return gInstruments.Load().(*instruments)
}

func newExporter(ctx context.Context, s Settings) (export.Exporter, aggregation.TemporalitySelector, error) {
	switch s.Protocol {
	case ProtocolHTTP, "":
		client := otlpmetrichttp.NewClient(
			otlpmetrichttp.WithInsecure(),
			otlpmetrichttp.WithEndpoint(s.Endpoint),
		)
		exp, err := otlpmetric.New(ctx, client, otlpmetric.WithMetricAggregationTemporalitySelector(aggregation.DeltaTemporalitySelector()))
		return exp, aggregation.DeltaTemporalitySelector(), err
	case ProtocolGRPC:
		client := otlpmetricgrpc.NewClient(
			otlpmetricgrpc.WithInsecure(),
			otlpmetricgrpc.WithEndpoint(s.Endpoint),
		)
		exp, err := otlpmetric.New(ctx, client, otlpmetric.WithMetricAggregationTemporalitySelector(aggregation.DeltaTemporalitySelector()))
		return exp, aggregation.DeltaTemporalitySelector(), err
	case ProtocolStdout:
		w := s.Writer
		if w == nil {
			w = os.Stdout
		}
		exp, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
		return exp, exp, err
	}
	return nil, nil, fmt.Errorf("%w: %s", ErrProtocol, s.Protocol)
}

// Init starts the metric pipeline. The returned function flushes and stops it.
func Init(ctx context.Context, s Settings) (shutdown func(ctx context.Context) error, err error) {
	initMtx.Lock()
	defer initMtx.Unlock()
	if s.Interval <= 0 {
		s.Interval = 5 * time.Second
	}
	exp, selector, err := newExporter(ctx, s)
	if err != nil {
		return nil, err
	}

	res := resource.NewWithAttributes("",
		semconv.ProcessRuntimeVersionKey.String(runtime.Version()),
		semconv.TelemetrySDKVersionKey.String(otel.Version()),
	)
	pusher := controller.New(
		processor.NewFactory(
			// histogram sum and count
			simple.NewWithHistogramDistribution(histogram.WithExplicitBoundaries([]float64{})),
			selector,
		),
		controller.WithExporter(exp),
		controller.WithCollectPeriod(s.Interval),
		controller.WithResource(res),
	)
	if err = pusher.Start(ctx); err != nil {
		return nil, err
	}
	global.SetMeterProvider(pusher)
	if err = setMeter(pusher.Meter("courier-manager-meter")); err != nil {
		pusher.Stop(ctx)
		return nil, err
	}
	if logger.GetLogger().V(logger.Info) {
		logger.GetLogger().Log(logger.Info, "OTEL metrics to", s.Protocol, s.Endpoint, "every", s.Interval)
	}

	return func(ctx context.Context) error {
		cxt, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		// pushes any last exports to the receiver
		err := pusher.Stop(cxt)
		if err != nil {
			otel.Handle(err)
		}
		return err
	}, nil
}

func outcome(err error) attribute.KeyValue {
	if err != nil {
		return attribute.String("outcome", "error")
	}
	return attribute.String("outcome", "ok")
}

// RecordFlush records the write of a portion of items to a database pool
func RecordFlush(pool string, items int, d time.Duration, err error) {
	ctx := context.Background()
	inst := getInstruments()
	attrs := []attribute.KeyValue{attribute.String("pool", pool), outcome(err)}
	inst.flush.Record(ctx, d.Milliseconds(), attrs...)
	inst.flushItems.Add(ctx, int64(items), attrs...)
}

// RecordHeartbeatFailure counts a courier disposed after a failed connection check
func RecordHeartbeatFailure() {
	getInstruments().heartbeatFail.Add(context.Background(), 1)
}

// AlertHook counts the alerts, it is registered with logger.SetAlertHook
func AlertHook(msg string) {
	getInstruments().alerts.Add(context.Background(), 1)
}

// PoolListener records the pool events
type PoolListener struct{}

// ObjectAdded implements pool.Listener
func (PoolListener) ObjectAdded(pool string) {
	getInstruments().poolAdded.Add(context.Background(), 1, attribute.String("pool", pool))
}

// ObjectAcquired implements pool.Listener
func (PoolListener) ObjectAcquired(pool string, wait time.Duration, err error) {
	ctx := context.Background()
	inst := getInstruments()
	attrs := []attribute.KeyValue{attribute.String("pool", pool), outcome(err)}
	inst.poolAcquire.Record(ctx, wait.Milliseconds(), attrs...)
	if err != nil {
		inst.poolAcquireErr.Add(ctx, 1, attrs...)
	}
}
