// Package codec maps arbitrary payload trees to a JSON-compatible value plus
// a side-band meta list, so typed values (dates, big integers, byte buffers,
// sets, non-string-keyed maps) survive a JSON round trip.
//
// The meta list is minimal: it records only the positions where the default
// JSON mapping would lose information. Receivers replay the list against the
// decoded JSON tree to reconstruct the original values.
package codec

import (
	"encoding/base64"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"time"
)

// Built-in type tags. Custom codecs must register tags outside this range.
const (
	TagBigInt    = 0
	TagDate      = 1
	TagNaN       = 2
	TagPosInf    = 3
	TagNegInf    = 4
	TagUndefined = 5
	TagBytes     = 6
	TagSet       = 7
	TagMap       = 8

	// maxBuiltinTag is the highest tag reserved for built-ins.
	maxBuiltinTag = 8
)

// Undefined is the sentinel for a present-but-undefined value. It serializes
// to JSON null with an Undefined meta record so the receiver can distinguish
// it from an explicit null.
type Undefined struct{}

// Set is an ordered collection with set semantics on the wire.
type Set []any

// Map is an ordered key/value collection whose keys need not be strings.
type Map [][2]any

// Meta is one reconstruction record: apply Tag at Path.
type Meta struct {
	Tag  int      `json:"t"`
	Path []string `json:"p"`
}

// Custom extends the codec with an application type. Match decides whether a
// value belongs to this codec; Encode produces a JSON-compatible value whose
// children are serialized recursively; Decode inverts Encode.
type Custom struct {
	Tag    int
	Match  func(v any) bool
	Encode func(v any) (any, error)
	Decode func(v any) (any, error)
}

// Codec serializes payload trees. The zero value is not usable; construct
// with New.
type Codec struct {
	customs []Custom
	byTag   map[int]Custom
}

// New builds a codec with the given custom type registrations. Registration
// order is match order. A custom tag colliding with a built-in or with
// another custom registration is rejected.
func New(customs ...Custom) (*Codec, error) {
	byTag := make(map[int]Custom, len(customs))
	for _, c := range customs {
		if c.Tag <= maxBuiltinTag {
			return nil, fmt.Errorf("codec: custom tag %d collides with built-in tags", c.Tag)
		}
		if _, dup := byTag[c.Tag]; dup {
			return nil, fmt.Errorf("codec: duplicate custom tag %d", c.Tag)
		}
		if c.Match == nil || c.Encode == nil || c.Decode == nil {
			return nil, fmt.Errorf("codec: custom tag %d missing Match/Encode/Decode", c.Tag)
		}
		byTag[c.Tag] = c
	}
	return &Codec{customs: customs, byTag: byTag}, nil
}

// Serialize converts v into a JSON-compatible tree and the meta list needed
// to reconstruct it. The returned tree contains only nil, bool, string,
// numbers, []any and map[string]any.
func (c *Codec) Serialize(v any) (any, []Meta, error) {
	var meta []Meta
	out, err := c.serialize(v, nil, &meta)
	if err != nil {
		return nil, nil, err
	}
	return out, meta, nil
}

func (c *Codec) serialize(v any, path []string, meta *[]Meta) (any, error) {
	for _, cu := range c.customs {
		if cu.Match(v) {
			encoded, err := cu.Encode(v)
			if err != nil {
				return nil, fmt.Errorf("codec: encode tag %d at %v: %w", cu.Tag, path, err)
			}
			out, err := c.serialize(encoded, path, meta)
			if err != nil {
				return nil, err
			}
			// Post-order: children first, then the container tag, so
			// deserialization can navigate plain JSON all the way down.
			*meta = append(*meta, Meta{Tag: cu.Tag, Path: clonePath(path)})
			return out, nil
		}
	}

	switch val := v.(type) {
	case nil, bool, string, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, float32:
		return val, nil
	case float64:
		switch {
		case math.IsNaN(val):
			*meta = append(*meta, Meta{Tag: TagNaN, Path: clonePath(path)})
			return nil, nil
		case math.IsInf(val, 1):
			*meta = append(*meta, Meta{Tag: TagPosInf, Path: clonePath(path)})
			return nil, nil
		case math.IsInf(val, -1):
			*meta = append(*meta, Meta{Tag: TagNegInf, Path: clonePath(path)})
			return nil, nil
		}
		return val, nil
	case Undefined:
		*meta = append(*meta, Meta{Tag: TagUndefined, Path: clonePath(path)})
		return nil, nil
	case *big.Int:
		*meta = append(*meta, Meta{Tag: TagBigInt, Path: clonePath(path)})
		return val.String(), nil
	case time.Time:
		*meta = append(*meta, Meta{Tag: TagDate, Path: clonePath(path)})
		return val.Format(time.RFC3339Nano), nil
	case []byte:
		*meta = append(*meta, Meta{Tag: TagBytes, Path: clonePath(path)})
		return base64.StdEncoding.EncodeToString(val), nil
	case Set:
		out := make([]any, len(val))
		for i, item := range val {
			enc, err := c.serialize(item, append(path, strconv.Itoa(i)), meta)
			if err != nil {
				return nil, err
			}
			out[i] = enc
		}
		*meta = append(*meta, Meta{Tag: TagSet, Path: clonePath(path)})
		return out, nil
	case Map:
		out := make([]any, len(val))
		for i, pair := range val {
			entry := make([]any, 2)
			k, err := c.serialize(pair[0], append(path, strconv.Itoa(i), "0"), meta)
			if err != nil {
				return nil, err
			}
			vv, err := c.serialize(pair[1], append(path, strconv.Itoa(i), "1"), meta)
			if err != nil {
				return nil, err
			}
			entry[0], entry[1] = k, vv
			out[i] = entry
		}
		*meta = append(*meta, Meta{Tag: TagMap, Path: clonePath(path)})
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			enc, err := c.serialize(item, append(path, strconv.Itoa(i)), meta)
			if err != nil {
				return nil, err
			}
			out[i] = enc
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			enc, err := c.serialize(item, append(path, k), meta)
			if err != nil {
				return nil, err
			}
			out[k] = enc
		}
		return out, nil
	default:
		return nil, fmt.Errorf("codec: unsupported type %T at %v", v, path)
	}
}

// Deserialize reconstructs the original value tree from a JSON-compatible
// tree and its meta list. The meta list must be applied in the order it was
// produced by Serialize.
func (c *Codec) Deserialize(v any, meta []Meta) (any, error) {
	root := v
	for _, m := range meta {
		transformed, err := c.applyAt(root, m.Path, m.Tag)
		if err != nil {
			return nil, err
		}
		root = transformed
	}
	return root, nil
}

// applyAt navigates to Path in the tree and replaces the node there with its
// tag-decoded form. Ancestors are still plain JSON containers when a record
// is applied because Serialize emits container tags after their children.
func (c *Codec) applyAt(node any, path []string, tag int) (any, error) {
	if len(path) == 0 {
		return c.decodeTag(node, tag)
	}
	seg, rest := path[0], path[1:]
	switch parent := node.(type) {
	case map[string]any:
		child, ok := parent[seg]
		if !ok {
			return nil, fmt.Errorf("codec: meta path %q not found", seg)
		}
		replaced, err := c.applyAt(child, rest, tag)
		if err != nil {
			return nil, err
		}
		parent[seg] = replaced
		return parent, nil
	case []any:
		idx, err := strconv.Atoi(seg)
		if err != nil || idx < 0 || idx >= len(parent) {
			return nil, fmt.Errorf("codec: meta path index %q out of range", seg)
		}
		replaced, err := c.applyAt(parent[idx], rest, tag)
		if err != nil {
			return nil, err
		}
		parent[idx] = replaced
		return parent, nil
	default:
		return nil, fmt.Errorf("codec: meta path descends into non-container %T", node)
	}
}

func (c *Codec) decodeTag(node any, tag int) (any, error) {
	switch tag {
	case TagNaN:
		return math.NaN(), nil
	case TagPosInf:
		return math.Inf(1), nil
	case TagNegInf:
		return math.Inf(-1), nil
	case TagUndefined:
		return Undefined{}, nil
	case TagBigInt:
		s, ok := node.(string)
		if !ok {
			return nil, fmt.Errorf("codec: big integer node is %T, want string", node)
		}
		n, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return nil, fmt.Errorf("codec: invalid big integer %q", s)
		}
		return n, nil
	case TagDate:
		s, ok := node.(string)
		if !ok {
			return nil, fmt.Errorf("codec: date node is %T, want string", node)
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, fmt.Errorf("codec: invalid date %q: %w", s, err)
		}
		return t, nil
	case TagBytes:
		s, ok := node.(string)
		if !ok {
			return nil, fmt.Errorf("codec: bytes node is %T, want string", node)
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("codec: invalid base64: %w", err)
		}
		return b, nil
	case TagSet:
		items, ok := node.([]any)
		if !ok {
			return nil, fmt.Errorf("codec: set node is %T, want array", node)
		}
		return Set(items), nil
	case TagMap:
		items, ok := node.([]any)
		if !ok {
			return nil, fmt.Errorf("codec: map node is %T, want array", node)
		}
		out := make(Map, len(items))
		for i, entry := range items {
			pair, ok := entry.([]any)
			if !ok || len(pair) != 2 {
				return nil, fmt.Errorf("codec: map entry %d is not a pair", i)
			}
			out[i] = [2]any{pair[0], pair[1]}
		}
		return out, nil
	default:
		cu, ok := c.byTag[tag]
		if !ok {
			return nil, fmt.Errorf("codec: unknown tag %d", tag)
		}
		decoded, err := cu.Decode(node)
		if err != nil {
			return nil, fmt.Errorf("codec: decode tag %d: %w", tag, err)
		}
		return decoded, nil
	}
}

func clonePath(path []string) []string {
	if len(path) == 0 {
		return nil
	}
	out := make([]string, len(path))
	copy(out, path)
	return out
}
