// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"fmt"
	"time"
	"unicode/utf8"
)

// TimeLayout is the local, zone-less ISO-8601 form used for created-at.
const TimeLayout = "2006-01-02T15:04:05.000000"

// Message is an immutable MQTT message as seen by the bridge.
type Message struct {
	kind      Kind
	topic     string
	body      string
	retain    bool
	createdAt string
}

func newMessage(kind Kind, topic, body string, retain bool) *Message {
	return &Message{
		kind:      kind,
		topic:     topic,
		body:      body,
		retain:    retain,
		createdAt: time.Now().Format(TimeLayout),
	}
}

// FromBrokerFrame builds a PUBLISH message from a frame delivered by the broker.
func FromBrokerFrame(topic string, payload []byte, retain bool) (*Message, error) {
	if topic == "" {
		return nil, ErrEmptyTopic
	}
	if !utf8.Valid(payload) {
		return nil, fmt.Errorf("topic %q: %w", topic, ErrInvalidPayload)
	}
	return newMessage(KindPublish, topic, string(payload), retain), nil
}

// NewLifecycle builds a record describing a session event.
func NewLifecycle(kind Kind, topic, body string) (*Message, error) {
	if !kind.Valid() || kind == KindPublish {
		return nil, fmt.Errorf("%w: %s is not a lifecycle kind", ErrInvalidKind, kind)
	}
	if topic == "" {
		return nil, ErrEmptyTopic
	}
	return newMessage(kind, topic, body, false), nil
}

func (m *Message) Kind() Kind        { return m.kind }
func (m *Message) Topic() string     { return m.topic }
func (m *Message) Body() string      { return m.body }
func (m *Message) Retain() bool      { return m.retain }
func (m *Message) CreatedAt() string { return m.createdAt }

// Payload returns the body as the bytes published to the broker.
func (m *Message) Payload() []byte {
	return []byte(m.body)
}
