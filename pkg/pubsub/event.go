// Package pubsub provides the publisher contract for resumable event
// delivery: named channels, in-process listener sets, bounded async
// iterators, and the subscribe-with-resume handshake shared by every
// backend.
//
// Channels are implicit: a non-empty name scoped by the backend's prefix.
// Event ids are assigned by the backend's event store at append time and are
// monotone per channel; a client-supplied id on publish is overwritten.
package pubsub

import "encoding/json"

// Meta is per-event metadata: the store-assigned id, an optional retry hint
// for reconnecting clients, and application annotations that ride along.
type Meta struct {
	ID          string            `json:"id,omitempty"`
	Retry       *int64            `json:"retry,omitempty"` // milliseconds
	Annotations map[string]string `json:"annotations,omitempty"`
}

// Event is one published unit on a channel. Payload is the serialized
// envelope produced by the codec; backends treat it as opaque bytes.
type Event struct {
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
	Meta    Meta            `json:"meta"`
}

// Listener receives events for one subscription. Invocation is
// single-threaded per subscription.
type Listener func(Event)
