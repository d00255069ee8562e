// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

// ResourceType is the canonical resource type of archived messages.
const ResourceType = "mqtt-messages"

// Document is the JSON:API envelope exchanged with HTTP peers.
type Document struct {
	Data *Resource `json:"data"`
}

// Resource is the primary data of a Document.
type Resource struct {
	Type       string      `json:"type"`
	Attributes *Attributes `json:"attributes,omitempty"`
}

// Attributes holds the message fields. Pointers distinguish absent keys from
// zero values on ingress.
type Attributes struct {
	MessageType *string `json:"message-type,omitempty"`
	Topic       *string `json:"topic,omitempty"`
	Body        *string `json:"body,omitempty"`
	Retain      *bool   `json:"retain,omitempty"`
	CreatedAt   *string `json:"created-at,omitempty"`
}

// ErrorDocument is the body of a rejected ingress request.
type ErrorDocument struct {
	Errors []string `json:"errors"`
}

// Accepted returns the body of a successful ingress response.
func Accepted() *Document {
	return &Document{Data: &Resource{Type: ResourceType}}
}

// FromDocument validates an ingress document and builds a PUBLISH message
// from it. Rules are applied in order and the first failure is returned as
// a *ValidationError. A client-supplied created-at is ignored.
func FromDocument(doc *Document) (*Message, error) {
	if doc == nil || doc.Data == nil {
		return nil, ErrMissingData
	}
	if doc.Data.Type != ResourceType {
		return nil, ErrWrongType
	}
	attrs := doc.Data.Attributes
	if attrs == nil {
		return nil, ErrMissingAttributes
	}
	if attrs.MessageType != nil {
		if kind, ok := ParseKind(*attrs.MessageType); !ok || kind != KindPublish {
			return nil, ErrNotPublish
		}
	}
	if attrs.Topic == nil || *attrs.Topic == "" {
		return nil, ErrMissingTopic
	}

	var (
		body   string
		retain bool
	)
	if attrs.Body != nil {
		body = *attrs.Body
	}
	if attrs.Retain != nil {
		retain = *attrs.Retain
	}

	return newMessage(KindPublish, *attrs.Topic, body, retain), nil
}

// Document renders the message in canonical form with every attribute set.
func (m *Message) Document() *Document {
	var (
		kind      = m.kind.String()
		topic     = m.topic
		body      = m.body
		retain    = m.retain
		createdAt = m.createdAt
	)
	return &Document{
		Data: &Resource{
			Type: ResourceType,
			Attributes: &Attributes{
				MessageType: &kind,
				Topic:       &topic,
				Body:        &body,
				Retain:      &retain,
				CreatedAt:   &createdAt,
			},
		},
	}
}
