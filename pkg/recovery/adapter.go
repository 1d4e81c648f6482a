package recovery

import (
	"fmt"

	"flowmesh/pkg/codec"
	"flowmesh/pkg/compression"
	"flowmesh/pkg/state"
	"flowmesh/pkg/types"
)

// EncodeEntries converts a state.Store snapshot drain into the byte-valued
// form a Log persists, using c to serialize each live cell's typed value
// and, if compressor is non-nil, shrinking the serialized blob before it
// is handed to the log. Tombstoned entries carry no value.
func EncodeEntries(c codec.Codec, compressor *compression.Manager, epoch types.Epoch, entries []state.Entry) ([]SnapshotEntry, error) {
	out := make([]SnapshotEntry, len(entries))
	for i, e := range entries {
		se := SnapshotEntry{Step: e.Step, Key: e.Key, Epoch: epoch, Tombstone: e.Tombstone}
		if !e.Tombstone {
			blob, err := c.Encode(e.Value)
			if err != nil {
				return nil, err
			}
			blob, err = compressBlob(compressor, blob)
			if err != nil {
				return nil, err
			}
			se.Value = blob
		}
		out[i] = se
	}
	return out, nil
}

// DecodingRestorer adapts a Log to state.Restorer, decompressing (if
// Compressor is set) and decoding each persisted blob back into its typed
// value before the Store installs it. A Log's ReadFrom alone would hand
// the Store raw bytes, which is wrong for every operator whose
// accumulator is not already a []byte.
type DecodingRestorer struct {
	Log        Log
	Codec      codec.Codec
	Compressor *compression.Manager
}

// ReadFrom implements state.Restorer.
func (d DecodingRestorer) ReadFrom(epoch types.Epoch) ([]state.RestoreRecord, error) {
	records, err := d.Log.ReadFrom(epoch)
	if err != nil {
		return nil, err
	}
	out := make([]state.RestoreRecord, len(records))
	for i, r := range records {
		out[i] = r
		if r.Tombstone {
			out[i].Value = nil
			continue
		}
		blob, ok := r.Value.([]byte)
		if !ok {
			out[i] = r
			continue
		}
		blob, err := decompressBlob(d.Compressor, blob)
		if err != nil {
			return nil, err
		}
		v, err := d.Codec.Decode(blob)
		if err != nil {
			return nil, err
		}
		out[i].Value = v
	}
	return out, nil
}

var _ state.Restorer = DecodingRestorer{}

// compressBlob tags data with the codec compressor chose so Decompress can
// reverse it without the caller tracking which algorithm won, then
// prefixes the tag. A nil compressor is a no-op, matching the rest of the
// scheduler's nil-disables convention.
func compressBlob(m *compression.Manager, data []byte) ([]byte, error) {
	if m == nil {
		return data, nil
	}
	name, compressed, err := m.Compress(data)
	if err != nil {
		return nil, err
	}
	if len(name) > 255 {
		return nil, fmt.Errorf("recovery: codec name %q too long to tag", name)
	}
	tagged := make([]byte, 1+len(name)+len(compressed))
	tagged[0] = byte(len(name))
	copy(tagged[1:], name)
	copy(tagged[1+len(name):], compressed)
	return tagged, nil
}

func decompressBlob(m *compression.Manager, data []byte) ([]byte, error) {
	if m == nil {
		return data, nil
	}
	if len(data) == 0 {
		return data, nil
	}
	n := int(data[0])
	if len(data) < 1+n {
		return nil, fmt.Errorf("recovery: truncated codec tag")
	}
	name := string(data[1 : 1+n])
	return m.Decompress(name, data[1+n:])
}
