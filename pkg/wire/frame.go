// Package wire implements the correlated-frame protocol carried over an
// ordered duplex message channel (websocket, message port, paired pipes).
//
// Four frame kinds exist: request, response, event-iterator and abort. Every
// frame carries a string correlation id; within one id frames are processed
// in receive order, across ids no ordering is assumed. Peers keep state only
// for outstanding requests and their in-flight iterators.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Kind tags a frame on the wire.
type Kind string

const (
	KindRequest  Kind = "req"
	KindResponse Kind = "res"
	KindEvent    Kind = "evt"
	KindAbort    Kind = "abrt"
)

// Frame is one unit of the protocol: correlation id, kind tag and payload.
type Frame struct {
	ID      string
	Kind    Kind
	Payload json.RawMessage
}

// Encode renders the compact text framing: <id>|<tag>|<json>.
// The id must not contain '|'; correlation ids are UUIDs so this holds.
func (f Frame) Encode() ([]byte, error) {
	if f.ID == "" {
		return nil, fmt.Errorf("wire: frame id is empty")
	}
	if bytes.ContainsRune([]byte(f.ID), '|') {
		return nil, fmt.Errorf("wire: frame id %q contains separator", f.ID)
	}
	switch f.Kind {
	case KindRequest, KindResponse, KindEvent, KindAbort:
	default:
		return nil, fmt.Errorf("wire: unknown frame kind %q", f.Kind)
	}
	payload := f.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	buf := make([]byte, 0, len(f.ID)+len(f.Kind)+len(payload)+2)
	buf = append(buf, f.ID...)
	buf = append(buf, '|')
	buf = append(buf, f.Kind...)
	buf = append(buf, '|')
	buf = append(buf, payload...)
	return buf, nil
}

// DecodeFrame parses the text framing. The payload is not validated beyond
// being non-empty; JSON errors surface when the payload is interpreted.
func DecodeFrame(data []byte) (Frame, error) {
	first := bytes.IndexByte(data, '|')
	if first < 1 {
		return Frame{}, fmt.Errorf("wire: malformed frame: missing id separator")
	}
	second := bytes.IndexByte(data[first+1:], '|')
	if second < 1 {
		return Frame{}, fmt.Errorf("wire: malformed frame: missing kind separator")
	}
	second += first + 1
	f := Frame{
		ID:      string(data[:first]),
		Kind:    Kind(data[first+1 : second]),
		Payload: json.RawMessage(append([]byte(nil), data[second+1:]...)),
	}
	switch f.Kind {
	case KindRequest, KindResponse, KindEvent, KindAbort:
	default:
		return Frame{}, fmt.Errorf("wire: unknown frame kind %q", f.Kind)
	}
	if len(f.Payload) == 0 {
		return Frame{}, fmt.Errorf("wire: malformed frame: empty payload")
	}
	return f, nil
}

// requestPayload is the JSON body of a request frame.
type requestPayload struct {
	Headers map[string][]string `json:"headers,omitempty"`
	Body    json.RawMessage     `json:"body,omitempty"`
	// Iterator marks that the request body continues as event frames.
	Iterator bool `json:"iterator,omitempty"`
}

// responsePayload is the JSON body of a response frame.
type responsePayload struct {
	Headers map[string][]string `json:"headers,omitempty"`
	Body    json.RawMessage     `json:"body,omitempty"`
	// Iterator marks that the response body continues as event frames.
	Iterator bool `json:"iterator,omitempty"`
	// Error carries a transport-level failure produced by the handler.
	Error string `json:"error,omitempty"`
}

// Iterator event names inside event frames.
const (
	eventMessage = "message"
	eventDone    = "done"
	eventError   = "error"
)

// EventMeta is per-event metadata carried alongside iterator items.
type EventMeta struct {
	ID    string `json:"id,omitempty"`
	Retry *int64 `json:"retry,omitempty"` // milliseconds
}

// eventPayload is the JSON body of an event frame.
type eventPayload struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  *EventMeta      `json:"meta,omitempty"`
}

// abortPayload is the JSON body of an abort frame.
type abortPayload struct {
	Reason string `json:"reason,omitempty"`
}

// EventBody is the decoded payload of an event frame, for transports that
// push event frames outside a request/response exchange (durable sockets).
type EventBody struct {
	Data json.RawMessage
	Meta *EventMeta
	// Done marks the stream terminator; Data then holds the final value.
	Done bool
	// Err carries the message of an error terminator.
	Err string
}

// NewMessageEvent builds a message event frame on stream id.
func NewMessageEvent(id string, data json.RawMessage, meta *EventMeta) (Frame, error) {
	return newEventFrame(id, eventPayload{Event: eventMessage, Data: data, Meta: meta})
}

// NewDoneEvent builds the done terminator; final may be nil for no value.
func NewDoneEvent(id string, final json.RawMessage) (Frame, error) {
	return newEventFrame(id, eventPayload{Event: eventDone, Data: final})
}

// NewErrorEvent builds the error terminator. The message travels in data as a
// JSON string; meta may carry the last event position.
func NewErrorEvent(id, message string, meta *EventMeta) (Frame, error) {
	data, err := json.Marshal(message)
	if err != nil {
		return Frame{}, fmt.Errorf("wire: marshal error terminator: %w", err)
	}
	return newEventFrame(id, eventPayload{Event: eventError, Data: data, Meta: meta})
}

func newEventFrame(id string, p eventPayload) (Frame, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return Frame{}, fmt.Errorf("wire: marshal event payload: %w", err)
	}
	return Frame{ID: id, Kind: KindEvent, Payload: payload}, nil
}

// DecodeEventBody interprets an event frame's payload.
func DecodeEventBody(f Frame) (EventBody, error) {
	if f.Kind != KindEvent {
		return EventBody{}, fmt.Errorf("wire: frame kind %q is not an event", f.Kind)
	}
	var p eventPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return EventBody{}, fmt.Errorf("wire: decode event payload: %w", err)
	}
	switch p.Event {
	case eventMessage:
		return EventBody{Data: p.Data, Meta: p.Meta}, nil
	case eventDone:
		return EventBody{Data: p.Data, Done: true}, nil
	case eventError:
		var msg string
		if len(p.Data) > 0 {
			if err := json.Unmarshal(p.Data, &msg); err != nil {
				return EventBody{}, fmt.Errorf("wire: decode error terminator: %w", err)
			}
		}
		if msg == "" {
			msg = "stream failed"
		}
		return EventBody{Meta: p.Meta, Err: msg}, nil
	default:
		return EventBody{}, fmt.Errorf("wire: unknown stream event %q", p.Event)
	}
}
