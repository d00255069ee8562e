// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

import "errors"

// Construction errors.
var (
	ErrEmptyTopic     = errors.New("topic cannot be empty")
	ErrInvalidPayload = errors.New("payload is not valid UTF-8")
	ErrInvalidKind    = errors.New("invalid message kind")
)

// ValidationError is returned when an ingress document is rejected.
// Its text is stable and returned verbatim to HTTP clients.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// Ingress validation failures, in the order the rules are applied.
var (
	ErrMissingData       = &ValidationError{Reason: "Invalid JSON data or missing 'data' field."}
	ErrWrongType         = &ValidationError{Reason: "mqtt-service can only handle type '" + ResourceType + "'."}
	ErrMissingAttributes = &ValidationError{Reason: "Missing 'attributes' field."}
	ErrNotPublish        = &ValidationError{Reason: "Can only PUBLISH new messages."}
	ErrMissingTopic      = &ValidationError{Reason: "Missing 'topic'"}
)
