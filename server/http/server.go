// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/absmach/mqtt-service/internal/serve"
	"github.com/absmach/mqtt-service/message"
	"github.com/absmach/mqtt-service/server/otel"
	"github.com/absmach/mqtt-service/topics"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	contentType     = "application/vnd.api+json"
	requestIDHeader = "X-Request-ID"
	livenessBody    = "Hello world!"
)

var errTrailingData = errors.New("request body must hold a single JSON document")

// Publisher hands a validated message to the broker. *bridge.Session implements it.
type Publisher interface {
	Publish(msg *message.Message) error
}

type Config struct {
	Address         string
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64
}

// Server is the ingress endpoint: POST / publishes a resource document to
// the broker, GET / answers a liveness string.
type Server struct {
	config    Config
	publisher Publisher
	logger    *slog.Logger
	metrics   *otel.Metrics // nil if metrics disabled
	tracer    trace.Tracer  // nil if tracing disabled
	server    *http.Server
	endpoint  serve.Endpoint
}

func New(cfg Config, pub Publisher, logger *slog.Logger, metrics *otel.Metrics, tracer trace.Tracer) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}

	s := &Server{
		config:    cfg,
		publisher: pub,
		logger:    logger,
		metrics:   metrics,
		tracer:    tracer,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)

	s.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           s.instrument(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the routed and instrumented handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Addr returns the listener's network address, or "" before Listen.
func (s *Server) Addr() string {
	return s.endpoint.Addr()
}

// Listen serves until ctx is cancelled or the listener fails.
func (s *Server) Listen(ctx context.Context) error {
	ln, err := s.endpoint.Bind(s.config.Address)
	if err != nil {
		return err
	}
	return serve.Run(ctx, s.server, ln, s.config.ShutdownTimeout, "http_ingress", s.logger)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument tags every request with an id and records its outcome.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(withRequestID(r.Context(), id)))

		if s.metrics != nil {
			s.metrics.RecordIngressRequest(r.Method, rec.status)
		}
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet, http.MethodHead:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, livenessBody)
	case http.MethodPost:
		s.handlePublish(w, r)
	default:
		w.Header().Set("Allow", "GET, HEAD, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := s.logger.With(slog.String("request_id", requestID(ctx)))

	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.Start(ctx, "ingress.publish", trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()
	}

	doc, err := decodeDocument(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			// An empty body carries no document at all.
			writeErrors(w, http.StatusBadRequest, message.ErrMissingData.Error())
		case errors.As(err, &tooLarge):
			writeErrors(w, http.StatusRequestEntityTooLarge, err.Error())
		default:
			writeErrors(w, http.StatusBadRequest, err.Error())
		}
		logger.Warn("http_publish_invalid_request", slog.String("error", err.Error()))
		return
	}

	msg, err := message.FromDocument(doc)
	if err != nil {
		logger.Warn("http_publish_rejected", slog.String("error", err.Error()))
		writeErrors(w, http.StatusBadRequest, err.Error())
		return
	}

	logger.Debug("http_publish",
		slog.String("topic", msg.Topic()),
		slog.Bool("retain", msg.Retain()),
		slog.Int("payload_size", len(msg.Body())))

	if s.tracer != nil {
		trace.SpanFromContext(ctx).SetAttributes(attribute.String("mqtt.topic", msg.Topic()))
	}

	if err := s.publisher.Publish(msg); err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, topics.ErrInvalidTopicName) {
			status = http.StatusBadRequest
		}
		logger.Error("http_publish_failed", slog.String("error", err.Error()))
		writeErrors(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, message.Accepted())
}

func writeErrors(w http.ResponseWriter, status int, errs ...string) {
	writeJSON(w, status, message.ErrorDocument{Errors: errs})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type requestIDKey struct{}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// decodeDocument reads exactly one JSON value from body.
func decodeDocument(body io.Reader) (*message.Document, error) {
	var doc *message.Document
	dec := json.NewDecoder(body)
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}

	var extra json.RawMessage
	switch err := dec.Decode(&extra); {
	case errors.Is(err, io.EOF):
		return doc, nil
	case err != nil:
		return nil, err
	default:
		return nil, errTrailingData
	}
}
