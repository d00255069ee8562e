// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package wiring

import (
	"context"
	"errors"
	"log/slog"

	"github.com/absmach/mqtt-service/bridge"
	"github.com/absmach/mqtt-service/message"
	"github.com/absmach/mqtt-service/server/otel"
)

// Archiver stores a message document. *archive.Client implements it.
type Archiver interface {
	Post(ctx context.Context, doc *message.Document) error
}

// DispatcherConfig controls which deliveries reach the archive.
type DispatcherConfig struct {
	// LifecycleEvents archives CONNECT, SUBSCRIBE and DISCONNECT records.
	LifecycleEvents bool
}

// Dispatcher turns broker deliveries into archive records. Every failure is
// logged and swallowed so the dispatch workers keep running.
type Dispatcher struct {
	archiver Archiver
	cfg      DispatcherConfig
	logger   *slog.Logger
	metrics  *otel.Metrics // nil if metrics disabled
}

var _ bridge.Handler = (*Dispatcher)(nil)

// NewDispatcher builds the inbound path from the broker session to the archive.
func NewDispatcher(archiver Archiver, cfg DispatcherConfig, logger *slog.Logger, metrics *otel.Metrics) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		archiver: archiver,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
	}
}

// HandleFrame archives one PUBLISH frame.
func (d *Dispatcher) HandleFrame(ctx context.Context, f bridge.Frame) {
	msg, err := message.FromBrokerFrame(f.Topic, f.Payload, f.Retain)
	if err != nil {
		reason := "invalid"
		if errors.Is(err, message.ErrInvalidPayload) {
			reason = "decode"
		}
		d.logger.Warn("broker_frame_rejected",
			slog.String("delivery_id", f.ID),
			slog.String("topic", f.Topic),
			slog.String("error", err.Error()))
		if d.metrics != nil {
			d.metrics.RecordFrameDropped(reason)
		}
		return
	}

	d.logger.Debug("broker_frame_received",
		slog.String("delivery_id", f.ID),
		slog.String("topic", f.Topic),
		slog.Bool("retain", f.Retain),
		slog.Bool("duplicate", f.Duplicate),
		slog.Int("qos", int(f.QoS)),
		slog.Int("payload_size", len(f.Payload)))

	d.archive(ctx, f.ID, msg)
}

// HandleLifecycle archives a session event when lifecycle records are enabled.
func (d *Dispatcher) HandleLifecycle(ctx context.Context, e bridge.Lifecycle) {
	if !d.cfg.LifecycleEvents {
		return
	}

	msg, err := message.NewLifecycle(e.Kind, e.Topic, e.Detail)
	if err != nil {
		d.logger.Error("lifecycle_event_invalid",
			slog.String("kind", e.Kind.String()),
			slog.String("error", err.Error()))
		return
	}

	d.archive(ctx, "", msg)
}

func (d *Dispatcher) archive(ctx context.Context, deliveryID string, msg *message.Message) {
	if err := d.archiver.Post(ctx, msg.Document()); err != nil {
		d.logger.Error("archive_post_failed",
			slog.String("delivery_id", deliveryID),
			slog.String("kind", msg.Kind().String()),
			slog.String("topic", msg.Topic()),
			slog.String("error", err.Error()))
		if d.metrics != nil {
			d.metrics.RecordFrameDropped("archive")
		}
		return
	}

	d.logger.Debug("archive_post_ok",
		slog.String("delivery_id", deliveryID),
		slog.String("kind", msg.Kind().String()),
		slog.String("topic", msg.Topic()))
}
