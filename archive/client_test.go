// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/mqtt-service/message"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func testConfig(root string) Config {
	return Config{
		APIRoot:      root,
		ResourceType: message.ResourceType,
		Timeout:      time.Second,
	}
}

func testDocument(t *testing.T) *message.Document {
	t.Helper()
	msg, err := message.FromBrokerFrame("sensor/1", []byte("42"), false)
	require.NoError(t, err)
	return msg.Document()
}

func TestClientPost(t *testing.T) {
	var received message.Document
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/mqtt-messages", r.URL.Path)
		assert.Equal(t, "application/vnd.api+json", r.Header.Get("Content-Type"))
		assert.Equal(t, "mqtt-service/1.0", r.Header.Get("User-Agent"))

		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.NoError(t, json.Unmarshal(body, &received))

		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	client, err := New(testConfig(server.URL+"/"), nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, server.URL+"/mqtt-messages", client.Endpoint())

	require.NoError(t, client.Post(context.Background(), testDocument(t)))

	require.NotNil(t, received.Data)
	require.NotNil(t, received.Data.Attributes)
	assert.Equal(t, "mqtt-messages", received.Data.Type)
	attrs := received.Data.Attributes
	assert.Equal(t, "PUBLISH", *attrs.MessageType)
	assert.Equal(t, "sensor/1", *attrs.Topic)
	assert.Equal(t, "42", *attrs.Body)
	assert.False(t, *attrs.Retain)
	assert.NotEmpty(t, *attrs.CreatedAt)
}

func TestClientPostFailures(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		delay       time.Duration
		errContains string
	}{
		{
			name:        "server returns 400",
			status:      http.StatusBadRequest,
			errContains: "non-2xx status: 400",
		},
		{
			name:        "server returns 500",
			status:      http.StatusInternalServerError,
			errContains: "non-2xx status: 500",
		},
		{
			name:   "timeout exceeded",
			status: http.StatusOK,
			delay:  2 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.delay > 0 {
					select {
					case <-time.After(tt.delay):
					case <-r.Context().Done():
						return
					}
				}
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			cfg := testConfig(server.URL)
			cfg.Timeout = 100 * time.Millisecond
			client, err := New(cfg, nil, nil, nil)
			require.NoError(t, err)

			start := time.Now()
			err = client.Post(context.Background(), testDocument(t))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrArchiveFailure)
			if tt.errContains != "" {
				assert.Contains(t, err.Error(), tt.errContains)
			}
			assert.Less(t, time.Since(start), time.Second)
		})
	}
}

func TestClientPostConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	root := server.URL
	server.Close()

	client, err := New(testConfig(root), nil, nil, nil)
	require.NoError(t, err)

	err = client.Post(context.Background(), testDocument(t))
	assert.ErrorIs(t, err, ErrArchiveFailure)
}

func TestClientPostNilDocument(t *testing.T) {
	client, err := New(testConfig("http://resource/"), nil, nil, nil)
	require.NoError(t, err)

	err = client.Post(context.Background(), nil)
	assert.ErrorIs(t, err, ErrArchiveFailure)
}

func TestClientCircuitBreaker(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.FailureThreshold = 2
	cfg.ResetTimeout = time.Minute
	client, err := New(cfg, nil, nil, nil)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, client.Post(context.Background(), testDocument(t)), ErrArchiveFailure)
	}

	err = client.Post(context.Background(), testDocument(t))
	assert.ErrorIs(t, err, ErrArchiveFailure)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(2), hits.Load())
}

func TestClientPostsAfterArchiveRecovers(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 5 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	require.Zero(t, cfg.FailureThreshold)
	client, err := New(cfg, nil, nil, nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, client.Post(context.Background(), testDocument(t)), ErrArchiveFailure)
	}

	assert.NoError(t, client.Post(context.Background(), testDocument(t)))
	assert.Equal(t, int32(6), hits.Load())
}

func TestNewRejectsNegativeThreshold(t *testing.T) {
	cfg := testConfig("http://resource/")
	cfg.FailureThreshold = -1
	_, err := New(cfg, nil, nil, nil)
	assert.Error(t, err)
}

func TestClientResourceType(t *testing.T) {
	var (
		path string
		doc  message.Document
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&doc))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.ResourceType = "mqtt-message"
	client, err := New(cfg, nil, nil, nil)
	require.NoError(t, err)

	original := testDocument(t)
	require.NoError(t, client.Post(context.Background(), original))

	assert.Equal(t, "/mqtt-message", path)
	assert.Equal(t, "mqtt-message", doc.Data.Type)
	assert.Equal(t, message.ResourceType, original.Data.Type)
}

func TestClientTracing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer provider.Shutdown(context.Background())

	client, err := New(testConfig(server.URL), nil, nil, provider.Tracer("test"))
	require.NoError(t, err)

	assert.Error(t, client.Post(context.Background(), testDocument(t)))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "archive.post", spans[0].Name())
	assert.NotEmpty(t, spans[0].Events())
}

func TestNewRejectsZeroTimeout(t *testing.T) {
	cfg := testConfig("http://resource/")
	cfg.Timeout = 0
	_, err := New(cfg, nil, nil, nil)
	assert.Error(t, err)
}
