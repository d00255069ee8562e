// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/absmach/mqtt-service/bridge"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSession struct {
	state bridge.State
}

func (m *mockSession) State() bridge.State {
	return m.state
}

func TestHandleHealth(t *testing.T) {
	s := New(Config{}, &mockSession{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp Status
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "healthy", resp.Status)
}

func TestHandleHealthMethodNotAllowed(t *testing.T) {
	s := New(Config{}, &mockSession{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/health", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHealthUnknownPath(t *testing.T) {
	s := New(Config{}, &mockSession{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleReady(t *testing.T) {
	tests := []struct {
		name       string
		session    SessionState
		wantStatus int
		wantBody   Status
	}{
		{
			name:       "connected",
			session:    &mockSession{state: bridge.StateConnected},
			wantStatus: http.StatusOK,
			wantBody:   Status{Status: "ready", Broker: "connected"},
		},
		{
			name:       "connecting",
			session:    &mockSession{state: bridge.StateConnecting},
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   Status{Status: "not_ready", Broker: "connecting", Details: "broker link is not connected"},
		},
		{
			name:       "stopping",
			session:    &mockSession{state: bridge.StateStopping},
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   Status{Status: "not_ready", Broker: "stopping", Details: "broker link is not connected"},
		},
		{
			name:       "no session",
			session:    nil,
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   Status{Status: "not_ready", Broker: "unknown", Details: "broker session not initialized"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(Config{}, tt.session, nil)

			req := httptest.NewRequest(http.MethodGet, "/ready", nil)
			w := httptest.NewRecorder()
			s.Handler().ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)

			var resp Status
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.Equal(t, tt.wantBody, resp)
		})
	}
}

func TestServerListen(t *testing.T) {
	s := New(Config{Address: "127.0.0.1:0", ShutdownTimeout: time.Second}, &mockSession{state: bridge.StateConnected}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Listen(ctx) }()

	require.Eventually(t, func() bool { return s.Addr() != "" }, time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + s.Addr() + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("health server did not stop")
	}
}
