// Package types defines the core data model shared by every engine
// component: records, epochs, keys, and the (key, value) Pair payload.
// Record payloads are plain interface{} values; Pair is the only payload
// shape defined here, and there are no scalar, sequence, map or boxed
// variant types.
package types

import (
	"fmt"

	"flowmesh/pkg/errors"
)

// Epoch is the monotonically increasing logical clock tick that tags every
// record at ingestion.
type Epoch uint64

// StepID is the stable, user-provided identity of a dataflow node. It is
// the snapshot namespace for stateful operators.
type StepID string

// Key is the routing/state-partitioning key of a keyed record. Only
// string and int64 are valid at a stateful operator boundary; anything
// else is a fatal TypeError.
type Key interface{}

// NormalizeKey validates that v is a valid Key (string or any signed/
// unsigned integer width) and returns it canonicalized to either string or
// int64, matching the Router's and State Store's expectations.
func NormalizeKey(v interface{}) (Key, bool) {
	switch k := v.(type) {
	case string:
		return k, true
	case int:
		return int64(k), true
	case int8:
		return int64(k), true
	case int16:
		return int64(k), true
	case int32:
		return int64(k), true
	case int64:
		return k, true
	case uint:
		return int64(k), true
	case uint8:
		return int64(k), true
	case uint16:
		return int64(k), true
	case uint32:
		return int64(k), true
	case uint64:
		return int64(k), true
	default:
		return nil, false
	}
}

// KeyBytes renders a normalized Key into the canonical byte encoding the
// Router hashes and the State Store and recovery log use as a key: raw
// UTF-8 bytes for strings, big-endian 8-byte two's complement for integers.
func KeyBytes(k Key) []byte {
	switch v := k.(type) {
	case string:
		return []byte(v)
	case int64:
		b := make([]byte, 8)
		u := uint64(v)
		for i := 7; i >= 0; i-- {
			b[i] = byte(u)
			u >>= 8
		}
		return b
	default:
		return []byte(fmt.Sprintf("%v", v))
	}
}

// Pair is the (key, value) shape stateful operators require as their
// input payload.
type Pair struct {
	Key   Key
	Value interface{}
}

// AsPair attempts to view payload as a (key, value) 2-tuple with a valid
// key, returning the typed errors §7/S5 mandate otherwise.
func AsPair(stepID StepID, payload interface{}) (Pair, error) {
	p, ok := payload.(Pair)
	if !ok {
		return Pair{}, errors.TypeErrorNotPair(string(stepID), payload)
	}
	key, ok := NormalizeKey(p.Key)
	if !ok {
		return Pair{}, errors.TypeErrorBadKey(string(stepID), p.Key)
	}
	return Pair{Key: key, Value: p.Value}, nil
}

// Record is a payload traveling through the dataflow, implicitly tagged
// with the epoch it was ingested or produced under.
type Record struct {
	Epoch   Epoch
	Payload interface{}
}

// NewRecord tags a payload with the given epoch.
func NewRecord(epoch Epoch, payload interface{}) Record {
	return Record{Epoch: epoch, Payload: payload}
}

// WindowID identifies a tumbling (or, in general, any) window assigned by
// a WindowAssigner. -1 is reserved to mean "before the assigner's
// start_at" and is never emitted; such timestamps are dropped instead.
type WindowID int64

// WindowKey identifies a window cell: (step_id, key, window_id).
type WindowKey struct {
	Step   StepID
	Key    Key
	Window WindowID
}
