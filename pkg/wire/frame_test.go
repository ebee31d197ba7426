package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameEncodeDecode(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		in := Frame{ID: "abc-123", Kind: KindRequest, Payload: json.RawMessage(`{"x":1}`)}
		data, err := in.Encode()
		require.NoError(t, err)
		assert.Equal(t, `abc-123|req|{"x":1}`, string(data))

		out, err := DecodeFrame(data)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	})

	t.Run("payload may contain separators", func(t *testing.T) {
		in := Frame{ID: "id", Kind: KindEvent, Payload: json.RawMessage(`{"s":"a|b|c"}`)}
		data, err := in.Encode()
		require.NoError(t, err)
		out, err := DecodeFrame(data)
		require.NoError(t, err)
		assert.Equal(t, in.Payload, out.Payload)
	})

	t.Run("empty payload encodes as null", func(t *testing.T) {
		data, err := Frame{ID: "id", Kind: KindAbort}.Encode()
		require.NoError(t, err)
		assert.Equal(t, "id|abrt|null", string(data))
	})

	t.Run("rejects id with separator", func(t *testing.T) {
		_, err := Frame{ID: "a|b", Kind: KindRequest, Payload: json.RawMessage(`1`)}.Encode()
		require.Error(t, err)
	})

	t.Run("rejects unknown kind", func(t *testing.T) {
		_, err := Frame{ID: "id", Kind: "nope", Payload: json.RawMessage(`1`)}.Encode()
		require.Error(t, err)

		_, err = DecodeFrame([]byte("id|nope|1"))
		require.Error(t, err)
	})

	t.Run("rejects malformed framing", func(t *testing.T) {
		for _, raw := range []string{"", "id", "id|req", "|req|1", "id||1"} {
			_, err := DecodeFrame([]byte(raw))
			require.Error(t, err, "input %q", raw)
		}
	})
}
