package codec

import "encoding/json"

// Envelope is the wire form of a serialized payload: the JSON-compatible
// tree plus the meta list. Meta is omitted when empty, which keeps plain
// JSON payloads readable on the wire.
type Envelope struct {
	JSON any    `json:"json"`
	Meta []Meta `json:"meta,omitempty"`
}

// Marshal serializes v and encodes the envelope to bytes.
func (c *Codec) Marshal(v any) ([]byte, error) {
	tree, meta, err := c.Serialize(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{JSON: tree, Meta: meta})
}

// Unmarshal decodes an envelope and reconstructs the original value.
func (c *Codec) Unmarshal(data []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return c.Deserialize(env.JSON, env.Meta)
}
