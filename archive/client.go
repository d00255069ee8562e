// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package archive posts messages to the archive service as JSON:API documents.
package archive

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/absmach/mqtt-service/message"
	"github.com/absmach/mqtt-service/server/otel"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	contentType = "application/vnd.api+json"
	userAgent   = "mqtt-service/1.0"
)

// ErrArchiveFailure wraps every reason a document did not reach the archive.
var ErrArchiveFailure = errors.New("archive failure")

// Config holds archive client settings.
type Config struct {
	APIRoot            string
	ResourceType       string
	Timeout            time.Duration
	InsecureSkipVerify bool

	// Consecutive failures that open the breaker, and how long it stays open.
	// Zero disables the breaker and every document gets one POST.
	FailureThreshold int
	ResetTimeout     time.Duration
}

// Client posts documents to the archive's resource collection.
// It is safe for concurrent use.
type Client struct {
	endpoint     string
	resourceType string
	timeout      time.Duration
	http         *http.Client
	breaker      *gobreaker.CircuitBreaker // nil if disabled
	logger       *slog.Logger
	metrics      *otel.Metrics // nil if metrics disabled
	tracer       trace.Tracer  // nil if tracing disabled
}

// New creates an archive client for cfg.APIRoot/cfg.ResourceType.
func New(cfg Config, logger *slog.Logger, metrics *otel.Metrics, tracer trace.Tracer) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("archive timeout must be positive")
	}
	if cfg.ResourceType == "" {
		cfg.ResourceType = message.ResourceType
	}
	if cfg.FailureThreshold < 0 {
		return nil, fmt.Errorf("archive breaker threshold cannot be negative")
	}

	endpoint, err := url.JoinPath(cfg.APIRoot, cfg.ResourceType)
	if err != nil {
		return nil, fmt.Errorf("invalid archive api root %q: %w", cfg.APIRoot, err)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify} //nolint:gosec // opt-in via archive insecure-skip-verify

	c := &Client{
		endpoint:     endpoint,
		resourceType: cfg.ResourceType,
		timeout:      cfg.Timeout,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		logger:  logger,
		metrics: metrics,
		tracer:  tracer,
	}

	if cfg.FailureThreshold == 0 {
		return c, nil
	}

	threshold := uint32(cfg.FailureThreshold)
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "archive",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("archive circuit breaker state changed",
				slog.String("endpoint", endpoint),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	return c, nil
}

// Endpoint returns the collection URL documents are posted to.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Post sends doc to the archive once. Any failure is returned wrapped in
// ErrArchiveFailure; callers are expected to log it and carry on.
func (c *Client) Post(ctx context.Context, doc *message.Document) (err error) {
	start := time.Now()

	if c.tracer != nil {
		var span trace.Span
		ctx, span = c.tracer.Start(ctx, "archive.post",
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(attribute.String("http.url", c.endpoint)))
		defer func() {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}()
	}

	defer func() {
		if c.metrics != nil {
			c.metrics.RecordArchivePost(err == nil, float64(time.Since(start).Microseconds())/1000)
		}
	}()

	payload, err := c.encode(doc)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrArchiveFailure, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if c.breaker == nil {
		err = c.send(ctx, payload)
	} else {
		_, err = c.breaker.Execute(func() (interface{}, error) {
			return nil, c.send(ctx, payload)
		})
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrArchiveFailure, err)
	}
	return nil
}

func (c *Client) encode(doc *message.Document) ([]byte, error) {
	if doc == nil || doc.Data == nil {
		return nil, fmt.Errorf("document has no data")
	}

	// Stamp the configured type without touching the caller's document.
	data := *doc.Data
	data.Type = c.resourceType

	payload, err := json.Marshal(message.Document{Data: &data})
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	return payload, nil
}

func (c *Client) send(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", contentType)
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("archive returned non-2xx status: %d", resp.StatusCode)
	}

	return nil
}
