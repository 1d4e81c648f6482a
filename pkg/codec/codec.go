// Package codec provides the engine's default binary codec for keyed
// state. The engine itself only ever sees opaque bytes plus an equality
// predicate (see §9, "Serialization of keyed state"); this package is the
// convenience codec operators may opt into instead of supplying their own
// encode/decode closures.
package codec

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"flowmesh/pkg/types"
)

// Codec encodes and decodes an operator's state value to/from the bytes
// the recovery log persists.
type Codec interface {
	Encode(v interface{}) ([]byte, error)
	Decode(b []byte) (interface{}, error)
}

// Gob is the default Codec, built on encoding/gob. It supports scalars,
// maps, slices, and any concrete type registered with Register. gob is
// the teacher's stack's choice for compact binary encoding of dynamically
// typed payloads wherever JSON's overhead was considered wasteful.
type Gob struct {
	sample interface{}
}

// NewGob returns a Gob codec, registering sample's concrete type with gob
// so it can travel inside the encoded interface{} envelope. Pass a zero
// value of the operator's state struct; nil is fine for codecs that only
// ever carry the types pkg/codec already registers at init.
func NewGob(sample interface{}) *Gob {
	if sample != nil {
		gob.Register(sample)
	}
	return &Gob{sample: sample}
}

func init() {
	gob.Register(map[string]int64{})
	gob.Register(map[string]interface{}{})
	gob.Register([]interface{}{})
	// WindowKey is the composite key every windowed operator's cells are
	// addressed by; it must be registered to survive a restore as itself
	// rather than flattening to a bare string.
	gob.Register(types.WindowKey{})
}

// Register makes a concrete type safe to carry inside a gob-encoded
// interface{} value, e.g. a custom accumulator struct.
func Register(v interface{}) {
	gob.Register(v)
}

// Encode gob-encodes v.
func (g *Gob) Encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&v); err != nil {
		return nil, fmt.Errorf("codec: gob encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode gob-decodes b into a new interface{} holding the same concrete
// type as the sample passed to NewGob.
func (g *Gob) Decode(b []byte) (interface{}, error) {
	var v interface{}
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&v); err != nil {
		return nil, fmt.Errorf("codec: gob decode: %w", err)
	}
	return v, nil
}

// Equal reports whether two gob-encoded byte slices represent equal
// state, used by the State Store's change-detection predicate when an
// operator does not supply its own equality closure.
func Equal(a, b []byte) bool {
	return bytes.Equal(a, b)
}
