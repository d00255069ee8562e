// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"testing"
	"time"

	"github.com/absmach/mqtt-service/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

func TestSetupDisabled(t *testing.T) {
	tel, err := Setup(context.Background(), config.OtelConfig{Enabled: false, Metrics: true, Traces: true}, Identity{})
	require.NoError(t, err)

	assert.Nil(t, tel.Metrics)
	assert.Nil(t, tel.Tracer)
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestSetupSignals(t *testing.T) {
	tests := []struct {
		name        string
		metrics     bool
		traces      bool
		wantMetrics bool
		wantTracer  bool
	}{
		{name: "metrics only", metrics: true, wantMetrics: true},
		{name: "traces only", traces: true, wantTracer: true},
		{name: "both", metrics: true, traces: true, wantMetrics: true, wantTracer: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default().Otel
			cfg.Enabled = true
			cfg.Endpoint = "127.0.0.1:1"
			cfg.ExportInterval = time.Hour
			cfg.Metrics = tt.metrics
			cfg.Traces = tt.traces

			tel, err := Setup(context.Background(), cfg, Identity{ClientID: "mqtt-service-test"})
			require.NoError(t, err)

			assert.Equal(t, tt.wantMetrics, tel.Metrics != nil)
			assert.Equal(t, tt.wantTracer, tel.Tracer != nil)

			// Nothing listens on the endpoint; only the flush can fail.
			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()
			_ = tel.Shutdown(ctx)
			assert.Empty(t, tel.shutdown)
		})
	}
}

func TestResourceIdentity(t *testing.T) {
	cfg := config.Default().Otel

	res, err := newResource(context.Background(), cfg, Identity{
		ClientID:    "mqtt-service-host1",
		BrokerURL:   "tcp://10.0.0.5:1883",
		ArchiveRoot: "http://resource/",
	})
	require.NoError(t, err)

	set := res.Set()
	for key, want := range map[attribute.Key]string{
		semconv.ServiceNameKey:       "mqtt-service",
		semconv.ServiceInstanceIDKey: "mqtt-service-host1",
		BrokerURLKey:                 "tcp://10.0.0.5:1883",
		ArchiveRootKey:               "http://resource/",
	} {
		v, ok := set.Value(key)
		require.True(t, ok, string(key))
		assert.Equal(t, want, v.AsString(), string(key))
	}

	_, ok := set.Value(semconv.HostNameKey)
	assert.True(t, ok)
}

func TestResourceOmitsUnknownPeers(t *testing.T) {
	res, err := newResource(context.Background(), config.Default().Otel, Identity{ClientID: "c"})
	require.NoError(t, err)

	_, ok := res.Set().Value(BrokerURLKey)
	assert.False(t, ok)
	_, ok = res.Set().Value(ArchiveRootKey)
	assert.False(t, ok)
}
