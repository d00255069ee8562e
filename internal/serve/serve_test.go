// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package serve

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndpointAddr(t *testing.T) {
	var e Endpoint
	assert.Empty(t, e.Addr())

	ln, err := e.Bind("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	assert.Equal(t, ln.Addr().String(), e.Addr())
	assert.NotContains(t, e.Addr(), ":0")
}

func TestEndpointBindFailure(t *testing.T) {
	var e Endpoint
	_, err := e.Bind("not-an-address")
	assert.Error(t, err)
	assert.Empty(t, e.Addr())
}

func TestRun(t *testing.T) {
	var (
		e   Endpoint
		buf bytes.Buffer
	)
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	ln, err := e.Bind("127.0.0.1:0")
	require.NoError(t, err)

	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "pong")
	})}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- Run(ctx, srv, ln, time.Second, "test_listener", logger) }()

	resp, err := http.Get("http://" + e.Addr() + "/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "pong", string(body))

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}

	assert.Contains(t, buf.String(), "test_listener_starting")
	assert.Contains(t, buf.String(), "test_listener_stopped")
}
