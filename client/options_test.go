// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"testing"
	"time"

	"github.com/absmach/mcsb/crc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestOptionsDefaults(t *testing.T) {
	o := NewOptions()
	assert.Equal(t, int64(8<<20), o.MinProducerBytes)
	assert.Equal(t, int64(8<<20), o.MinConsumerBytes)
	assert.Equal(t, 4, o.MinProducerSlabs)
	assert.Equal(t, 4, o.MinConsumerSlabs)
	assert.Equal(t, "/tmp/mcsb-%U.sock", o.CtrlSockName)
	assert.Equal(t, crc.None, o.CRCPolicy)
	assert.Equal(t, 3, o.Verbosity)
	assert.NoError(t, o.Validate())
	assert.Regexp(t, `^.+\[\d+\]$`, DefaultClientName())
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name string
		opts *Options
	}{
		{"negative producer bytes", NewOptions().SetProducerWatermarks(-1, 4)},
		{"negative consumer slabs", NewOptions().SetConsumerWatermarks(1, -4)},
		{"unknown policy", NewOptions().SetCRCPolicy(crc.Policy(9))},
		{"negative verbosity", NewOptions().SetVerbosity(-1)},
		{"negative shutdown timeout", NewOptions().SetShutdownTimeout(-time.Second)},
		{"no socket", NewOptions().SetCtrlSockName("")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.opts.Validate(), ErrInvalidConfiguration)
			_, err := New(tt.opts)
			assert.ErrorIs(t, err, ErrInvalidConfiguration)
		})
	}
}

func TestTelemetry(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))

	m := newTestManager(64, crc.None)
	c := openClient(t, m, func(o *Options) {
		o.SetMeterProvider(mp)
		o.SetTracerProvider(tp)
	})
	require.NoError(t, c.Register(1, "h", &counter{}))
	require.NoError(t, c.Send(1, []byte("abc")))
	require.NoError(t, c.Poll(0))
	c.Close()
	pollUntilClosed(t, c)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	sums := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if sum, ok := md.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					sums[md.Name] += dp.Value
				}
			}
		}
	}
	assert.Equal(t, int64(1), sums["mcsb.messages.sent"])
	assert.Equal(t, int64(1), sums["mcsb.messages.received"])
	assert.Equal(t, int64(3), sums["mcsb.bytes.sent"])

	var names []string
	for _, s := range spans.Ended() {
		names = append(names, s.Name())
	}
	assert.ElementsMatch(t, []string{"mcsb.handshake", "mcsb.drain"}, names)
}
