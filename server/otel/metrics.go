// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds OpenTelemetry metric instruments for the bridge.
type Metrics struct {
	meter metric.Meter

	// Counters
	framesReceived   metric.Int64Counter
	framesDropped    metric.Int64Counter
	archivePosts     metric.Int64Counter
	brokerPublishes  metric.Int64Counter
	ingressRequests  metric.Int64Counter
	connectionEvents metric.Int64Counter

	// UpDownCounters (Gauges)
	queueDepth metric.Int64UpDownCounter

	// Histograms
	payloadSize     metric.Int64Histogram
	archiveDuration metric.Float64Histogram
}

// NewMetricsWithMeter creates a Metrics instance on an explicit meter.
func NewMetricsWithMeter(meter metric.Meter) (*Metrics, error) {
	return newMetrics(meter)
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{meter: meter}

	var err error

	m.framesReceived, err = m.meter.Int64Counter(
		"bridge.frames.received.total",
		metric.WithDescription("Total frames delivered by the broker"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create framesReceived counter: %w", err)
	}

	m.framesDropped, err = m.meter.Int64Counter(
		"bridge.frames.dropped.total",
		metric.WithDescription("Frames dropped before reaching the archive, by reason"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create framesDropped counter: %w", err)
	}

	m.archivePosts, err = m.meter.Int64Counter(
		"bridge.archive.posts.total",
		metric.WithDescription("Archive POST attempts by result"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create archivePosts counter: %w", err)
	}

	m.brokerPublishes, err = m.meter.Int64Counter(
		"bridge.broker.publishes.total",
		metric.WithDescription("Publishes handed to the broker by result"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create brokerPublishes counter: %w", err)
	}

	m.ingressRequests, err = m.meter.Int64Counter(
		"bridge.ingress.requests.total",
		metric.WithDescription("Ingress HTTP requests by status code"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ingressRequests counter: %w", err)
	}

	m.connectionEvents, err = m.meter.Int64Counter(
		"bridge.broker.connection.events.total",
		metric.WithDescription("Broker link state changes"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connectionEvents counter: %w", err)
	}

	m.queueDepth, err = m.meter.Int64UpDownCounter(
		"bridge.dispatch.queue.depth",
		metric.WithDescription("Deliveries waiting for a dispatch worker"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queueDepth gauge: %w", err)
	}

	m.payloadSize, err = m.meter.Int64Histogram(
		"bridge.payload.size.bytes",
		metric.WithDescription("Broker payload size distribution"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create payloadSize histogram: %w", err)
	}

	m.archiveDuration, err = m.meter.Float64Histogram(
		"bridge.archive.duration.ms",
		metric.WithDescription("Archive POST duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create archiveDuration histogram: %w", err)
	}

	return m, nil
}

// RecordFrameReceived records a frame delivered by the broker.
func (m *Metrics) RecordFrameReceived(sizeBytes int64) {
	ctx := context.Background()
	m.framesReceived.Add(ctx, 1)
	m.payloadSize.Record(ctx, sizeBytes)
}

// RecordFrameDropped records a frame that never reached the archive.
func (m *Metrics) RecordFrameDropped(reason string) {
	m.framesDropped.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// RecordArchivePost records the outcome of one archive POST.
func (m *Metrics) RecordArchivePost(ok bool, durationMs float64) {
	ctx := context.Background()
	m.archivePosts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", result(ok)),
	))
	m.archiveDuration.Record(ctx, durationMs)
}

// RecordBrokerPublish records a publish handed to the broker client.
func (m *Metrics) RecordBrokerPublish(ok bool) {
	m.brokerPublishes.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("result", result(ok)),
	))
}

// RecordIngressRequest records an ingress response status.
func (m *Metrics) RecordIngressRequest(method string, status int) {
	m.ingressRequests.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.Int("status", status),
	))
}

// RecordConnectionEvent records a broker link state change.
func (m *Metrics) RecordConnectionEvent(state string) {
	m.connectionEvents.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("state", state),
	))
}

// RecordQueued records a delivery entering (1) or leaving (-1) the dispatch queue.
func (m *Metrics) RecordQueued(delta int64) {
	m.queueDepth.Add(context.Background(), delta)
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
