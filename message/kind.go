// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

// Kind tags a message with the MQTT operation it describes.
type Kind uint8

// Message kinds. Only KindPublish is exchanged with the broker; the others
// describe session lifecycle events.
const (
	KindConnect Kind = iota + 1
	KindDisconnect
	KindPublish
	KindSubscribe
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "CONNECT"
	case KindDisconnect:
		return "DISCONNECT"
	case KindPublish:
		return "PUBLISH"
	case KindSubscribe:
		return "SUBSCRIBE"
	default:
		return "UNKNOWN"
	}
}

// Valid reports whether k is one of the defined kinds.
func (k Kind) Valid() bool {
	return k >= KindConnect && k <= KindSubscribe
}

// ParseKind maps a wire name back to its Kind.
func ParseKind(s string) (Kind, bool) {
	switch s {
	case "CONNECT":
		return KindConnect, true
	case "DISCONNECT":
		return KindDisconnect, true
	case "PUBLISH":
		return KindPublish, true
	case "SUBSCRIBE":
		return KindSubscribe, true
	default:
		return 0, false
	}
}
