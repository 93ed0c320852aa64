package layerdb

import (
	"encoding/json"
	"fmt"

	"github.com/OFFIS-RIT/strata/pkg/graph"
	"github.com/OFFIS-RIT/strata/pkg/hash"
	"github.com/klauspost/compress/zstd"
)

// Codec turns values into their canonical byte form and back. Content
// addresses are computed over the canonical bytes, before compression.
type Codec[V any] interface {
	Marshal(v V) ([]byte, error)
	Unmarshal(data []byte) (V, error)
}

// JSONCodec stores values as canonical JSON.
type JSONCodec[V any] struct{}

func (JSONCodec[V]) Marshal(v V) ([]byte, error) {
	return hash.CanonicalJSON(v)
}

func (JSONCodec[V]) Unmarshal(data []byte) (V, error) {
	var v V
	err := json.Unmarshal(data, &v)
	return v, err
}

// GraphCodec stores workspace snapshot graphs in their versioned snapshot encoding.
type GraphCodec struct{}

func (GraphCodec) Marshal(g *graph.Graph) ([]byte, error) {
	return g.Encode()
}

func (GraphCodec) Unmarshal(data []byte) (*graph.Graph, error) {
	return graph.Decode(data)
}

var (
	zencoder = mustEncoder()
	zdecoder = mustDecoder()
)

func mustEncoder() *zstd.Encoder {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(err)
	}
	return enc
}

func mustDecoder() *zstd.Decoder {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		panic(err)
	}
	return dec
}

// pack compresses canonical bytes for the disk and durable tiers.
func pack(canonical []byte) []byte {
	return zencoder.EncodeAll(canonical, make([]byte, 0, len(canonical)/2+16))
}

func unpack(stored []byte) ([]byte, error) {
	return zdecoder.DecodeAll(stored, nil)
}

// decodeStored turns tier bytes into a value, checking that the canonical
// bytes hash to the key they were stored under.
func decodeStored[V any](codec Codec[V], db, key string, stored []byte) (V, error) {
	var zero V
	canonical, err := unpack(stored)
	if err != nil {
		return zero, &IntegrityError{DB: db, Key: key, Err: fmt.Errorf("decompress: %w", err)}
	}
	if got := hash.Compute(canonical).String(); got != key {
		return zero, &IntegrityError{DB: db, Key: key, Err: fmt.Errorf("content hash mismatch: got %s", got)}
	}
	v, err := codec.Unmarshal(canonical)
	if err != nil {
		return zero, &IntegrityError{DB: db, Key: key, Err: fmt.Errorf("decode: %w", err)}
	}
	return v, nil
}
