package canonicalize

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2): the same
// logical value always produces identical bytes, which the block byte-size
// headers depend on.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("canonicalize: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("canonicalize: CBOR decoder initialization failed: " + err.Error())
	}
}

// Pair is a (key, value) leaf pair as stored in snapshot and block blobs.
type Pair [2]string

// Key returns the leaf key.
func (p Pair) Key() string { return p[0] }

// Value returns the canonical leaf value.
func (p Pair) Value() string { return p[1] }

// Encode returns the deterministic byte encoding of v.
func Encode(v any) ([]byte, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: encode: %w", err)
	}
	return b, nil
}

// EncodePairs encodes a list of leaf pairs. A nil list encodes the same as
// an empty one.
func EncodePairs(pairs []Pair) ([]byte, error) {
	if pairs == nil {
		pairs = []Pair{}
	}
	return Encode(pairs)
}

// Decode decodes bytes produced by Encode into v.
func Decode(data []byte, v any) error {
	if err := decMode.Unmarshal(data, v); err != nil {
		return fmt.Errorf("canonicalize: decode: %w", err)
	}
	return nil
}

// DecodePairs decodes a blob produced by EncodePairs.
func DecodePairs(data []byte) ([]Pair, error) {
	var pairs []Pair
	if err := Decode(data, &pairs); err != nil {
		return nil, err
	}
	return pairs, nil
}
