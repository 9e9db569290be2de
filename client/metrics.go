// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/absmach/mcsb/client"

// metrics holds the OpenTelemetry instruments of one client.
type metrics struct {
	attrs metric.MeasurementOption

	// Counters
	messagesSent     metric.Int64Counter
	messagesReceived metric.Int64Counter
	bytesSent        metric.Int64Counter
	bytesReceived    metric.Int64Counter
	checksumFailures metric.Int64Counter
	handlerFailures  metric.Int64Counter
	droppedSegments  metric.Int64Counter
	droppedBytes     metric.Int64Counter

	// Histograms
	messageSize  metric.Int64Histogram
	pollDuration metric.Float64Histogram
}

func newMetrics(mp metric.MeterProvider, clientName string) (*metrics, error) {
	meter := mp.Meter(instrumentationName)
	m := &metrics{
		attrs: metric.WithAttributeSet(attribute.NewSet(attribute.String("mcsb.client", clientName))),
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&m.messagesSent, "mcsb.messages.sent", "Messages handed to the transport", "{message}"},
		{&m.messagesReceived, "mcsb.messages.received", "Messages received from the transport", "{message}"},
		{&m.bytesSent, "mcsb.bytes.sent", "Payload bytes handed to the transport", "By"},
		{&m.bytesReceived, "mcsb.bytes.received", "Payload bytes received from the transport", "By"},
		{&m.checksumFailures, "mcsb.checksum.failures", "Inbound messages dropped on CRC mismatch", "{message}"},
		{&m.handlerFailures, "mcsb.handler.failures", "Handler calls that failed or panicked", "{call}"},
		{&m.droppedSegments, "mcsb.drops.segments", "Messages the Manager dropped for this client", "{message}"},
		{&m.droppedBytes, "mcsb.drops.bytes", "Bytes the Manager dropped for this client", "By"},
	}
	for _, c := range counters {
		inst, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.dst = inst
	}

	var err error
	m.messageSize, err = meter.Int64Histogram(
		"mcsb.message.size",
		metric.WithDescription("Size of received message payloads"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messageSize histogram: %w", err)
	}

	m.pollDuration, err = meter.Float64Histogram(
		"mcsb.poll.duration",
		metric.WithDescription("Time spent inside Poll"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pollDuration histogram: %w", err)
	}

	return m, nil
}

func (m *metrics) recordSend(n int) {
	ctx := context.Background()
	m.messagesSent.Add(ctx, 1, m.attrs)
	m.bytesSent.Add(ctx, int64(n), m.attrs)
}

func (m *metrics) recordReceive(n int) {
	ctx := context.Background()
	m.messagesReceived.Add(ctx, 1, m.attrs)
	m.bytesReceived.Add(ctx, int64(n), m.attrs)
	m.messageSize.Record(ctx, int64(n), m.attrs)
}

func (m *metrics) recordChecksumFailure() {
	m.checksumFailures.Add(context.Background(), 1, m.attrs)
}

func (m *metrics) recordHandlerFailure() {
	m.handlerFailures.Add(context.Background(), 1, m.attrs)
}

func (m *metrics) recordDrop(segments, bytes uint32) {
	ctx := context.Background()
	m.droppedSegments.Add(ctx, int64(segments), m.attrs)
	m.droppedBytes.Add(ctx, int64(bytes), m.attrs)
}

func (m *metrics) recordPoll(d time.Duration) {
	m.pollDuration.Record(context.Background(), d.Seconds(), m.attrs)
}
