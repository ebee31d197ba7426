package codec

import (
	"math"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializeRoundTrip(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	when := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

	t.Run("plain JSON values pass through with no meta", func(t *testing.T) {
		in := map[string]any{
			"order": float64(1),
			"tags":  []any{"a", "b"},
			"note":  nil,
		}
		tree, meta, err := c.Serialize(in)
		require.NoError(t, err)
		assert.Empty(t, meta)
		assert.Equal(t, in, tree)
	})

	t.Run("date", func(t *testing.T) {
		tree, meta, err := c.Serialize(map[string]any{"at": when})
		require.NoError(t, err)
		require.Len(t, meta, 1)
		assert.Equal(t, TagDate, meta[0].Tag)
		assert.Equal(t, []string{"at"}, meta[0].Path)

		out, err := c.Deserialize(tree, meta)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"at": when}, out)
	})

	t.Run("big integer", func(t *testing.T) {
		n, _ := new(big.Int).SetString("123456789012345678901234567890", 10)
		tree, meta, err := c.Serialize(n)
		require.NoError(t, err)
		assert.Equal(t, "123456789012345678901234567890", tree)

		out, err := c.Deserialize(tree, meta)
		require.NoError(t, err)
		assert.Zero(t, n.Cmp(out.(*big.Int)))
	})

	t.Run("bytes", func(t *testing.T) {
		tree, meta, err := c.Serialize([]byte{0x01, 0x02, 0xff})
		require.NoError(t, err)
		out, err := c.Deserialize(tree, meta)
		require.NoError(t, err)
		assert.Equal(t, []byte{0x01, 0x02, 0xff}, out)
	})

	t.Run("undefined sentinel is distinct from null", func(t *testing.T) {
		tree, meta, err := c.Serialize(map[string]any{"u": Undefined{}, "n": nil})
		require.NoError(t, err)
		require.Len(t, meta, 1)

		out, err := c.Deserialize(tree, meta)
		require.NoError(t, err)
		m := out.(map[string]any)
		assert.Equal(t, Undefined{}, m["u"])
		assert.Nil(t, m["n"])
	})

	t.Run("non-finite floats", func(t *testing.T) {
		in := []any{math.NaN(), math.Inf(1), math.Inf(-1)}
		tree, meta, err := c.Serialize(in)
		require.NoError(t, err)
		require.Len(t, meta, 3)

		out, err := c.Deserialize(tree, meta)
		require.NoError(t, err)
		vals := out.([]any)
		assert.True(t, math.IsNaN(vals[0].(float64)))
		assert.True(t, math.IsInf(vals[1].(float64), 1))
		assert.True(t, math.IsInf(vals[2].(float64), -1))
	})

	t.Run("set containing typed values", func(t *testing.T) {
		in := Set{when, "plain"}
		tree, meta, err := c.Serialize(in)
		require.NoError(t, err)
		// Child tag recorded before the container tag.
		require.Len(t, meta, 2)
		assert.Equal(t, TagDate, meta[0].Tag)
		assert.Equal(t, TagSet, meta[1].Tag)

		out, err := c.Deserialize(tree, meta)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	})

	t.Run("map with non-string keys", func(t *testing.T) {
		in := Map{{when, "birthday"}, {float64(7), "lucky"}}
		tree, meta, err := c.Serialize(in)
		require.NoError(t, err)
		out, err := c.Deserialize(tree, meta)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	})

	t.Run("nested containers", func(t *testing.T) {
		in := map[string]any{
			"events": []any{
				map[string]any{"at": when, "data": []byte("hi")},
			},
		}
		tree, meta, err := c.Serialize(in)
		require.NoError(t, err)
		out, err := c.Deserialize(tree, meta)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	})
}

func TestCustomCodecs(t *testing.T) {
	type temperature struct{ Celsius float64 }

	custom := Custom{
		Tag:   21,
		Match: func(v any) bool { _, ok := v.(temperature); return ok },
		Encode: func(v any) (any, error) {
			return v.(temperature).Celsius, nil
		},
		Decode: func(v any) (any, error) {
			return temperature{Celsius: v.(float64)}, nil
		},
	}

	t.Run("round trip", func(t *testing.T) {
		c, err := New(custom)
		require.NoError(t, err)

		in := map[string]any{"reading": temperature{Celsius: 21.5}}
		tree, meta, err := c.Serialize(in)
		require.NoError(t, err)
		require.Len(t, meta, 1)
		assert.Equal(t, 21, meta[0].Tag)

		out, err := c.Deserialize(tree, meta)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	})

	t.Run("rejects built-in tag collision", func(t *testing.T) {
		bad := custom
		bad.Tag = TagDate
		_, err := New(bad)
		require.Error(t, err)
	})

	t.Run("rejects duplicate custom tags", func(t *testing.T) {
		_, err := New(custom, custom)
		require.Error(t, err)
	})
}

func TestEnvelope(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	t.Run("marshal then unmarshal", func(t *testing.T) {
		when := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		in := map[string]any{"at": when, "order": float64(1)}

		data, err := c.Marshal(in)
		require.NoError(t, err)
		out, err := c.Unmarshal(data)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	})

	t.Run("meta omitted for plain payloads", func(t *testing.T) {
		data, err := c.Marshal(map[string]any{"order": float64(2)})
		require.NoError(t, err)
		assert.NotContains(t, string(data), `"meta"`)
	})
}

func TestDeserializeErrors(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	t.Run("unknown tag", func(t *testing.T) {
		_, err := c.Deserialize("x", []Meta{{Tag: 99}})
		require.Error(t, err)
	})

	t.Run("path not found", func(t *testing.T) {
		_, err := c.Deserialize(map[string]any{}, []Meta{{Tag: TagDate, Path: []string{"missing"}}})
		require.Error(t, err)
	})

	t.Run("bad date", func(t *testing.T) {
		_, err := c.Deserialize("not-a-date", []Meta{{Tag: TagDate}})
		require.Error(t, err)
	})
}
