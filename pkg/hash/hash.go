// Package hash provides content addressing: BLAKE3 digests over the canonical
// JSON encoding of a payload.
package hash

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"lukechampine.com/blake3"
)

// Size is the digest length in bytes.
const Size = 32

// ContentHash is the digest of a canonical payload encoding.
type ContentHash [Size]byte

var ErrInvalidHash = errors.New("invalid content hash")

// Compute hashes raw bytes.
func Compute(data []byte) ContentHash {
	return ContentHash(blake3.Sum256(data))
}

// Of canonically encodes v and hashes the result.
func Of(v any) (ContentHash, []byte, error) {
	data, err := CanonicalJSON(v)
	if err != nil {
		return ContentHash{}, nil, err
	}
	return Compute(data), data, nil
}

// Hasher accumulates parts into a single digest. Used for merkle hashes.
type Hasher struct {
	h *blake3.Hasher
}

func NewHasher() *Hasher {
	return &Hasher{h: blake3.New(Size, nil)}
}

func (h *Hasher) Write(p []byte) {
	_, _ = h.h.Write(p)
}

func (h *Hasher) WriteString(s string) {
	_, _ = h.h.Write([]byte(s))
}

func (h *Hasher) WriteHash(c ContentHash) {
	_, _ = h.h.Write(c[:])
}

func (h *Hasher) Sum() ContentHash {
	var out ContentHash
	copy(out[:], h.h.Sum(nil))
	return out
}

func (c ContentHash) String() string {
	return hex.EncodeToString(c[:])
}

// Short returns the first 8 hex characters, for logging.
func (c ContentHash) Short() string {
	return hex.EncodeToString(c[:4])
}

func (c ContentHash) IsZero() bool {
	return c == ContentHash{}
}

func Parse(s string) (ContentHash, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return ContentHash{}, fmt.Errorf("%w: %v", ErrInvalidHash, err)
	}
	if len(raw) != Size {
		return ContentHash{}, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidHash, Size, len(raw))
	}
	var c ContentHash
	copy(c[:], raw)
	return c, nil
}

func MustParse(s string) ContentHash {
	c, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return c
}

func (c ContentHash) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *ContentHash) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// CanonicalJSON converts a value to JSON with stable key ordering at every
// nesting level. HTML escaping is disabled so the bytes do not depend on the
// encoder defaults.
func CanonicalJSON(v any) ([]byte, error) {
	data, err := marshalNoEscape(v)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var obj any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := canonicalMarshal(&buf, obj); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func canonicalMarshal(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyBytes, err := marshalNoEscape(k)
			if err != nil {
				return err
			}
			buf.Write(keyBytes)
			buf.WriteByte(':')
			if err := canonicalMarshal(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := canonicalMarshal(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		b, err := marshalNoEscape(val)
		if err != nil {
			return err
		}
		buf.Write(b)
	}
	return nil
}

func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
