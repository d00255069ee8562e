// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"

	"github.com/absmach/mqtt-service/message"
)

// Frame is a PUBLISH delivered by the broker.
type Frame struct {
	ID        string // local delivery id for log correlation
	Topic     string
	Payload   []byte
	Retain    bool
	Duplicate bool
	QoS       byte
}

// Lifecycle describes a change of the broker link.
type Lifecycle struct {
	Kind   message.Kind
	Topic  string
	Detail string
}

// Handler consumes deliveries on the dispatch workers. Implementations must
// not panic across calls and should bound their own blocking time.
type Handler interface {
	HandleFrame(ctx context.Context, f Frame)
	HandleLifecycle(ctx context.Context, e Lifecycle)
}
