// Package compression selects and applies a blob compression algorithm for
// snapshot values written to the recovery log. Adapted from the teacher's
// HTTP compression manager (pkg/compression/http_compression.go): the same
// size-based auto-selection between algorithms, retargeted from HTTP
// response bodies to recovery-log blobs and widened from gzip/zstd to
// gzip/snappy/lz4/zstd to exercise the retrieval pack's compression stack.
package compression

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec compresses and decompresses recovery-log blob values.
type Codec interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
	Name() string
	MinSize() int
}

// Manager auto-selects a Codec by payload size, mirroring the teacher's
// Accept-Encoding-driven selection with a fixed algorithm preference order
// instead of a negotiated header.
type Manager struct {
	codecs      map[string]Codec
	defaultName string
	autoSelect  bool
}

// NewManager returns a Manager with gzip, snappy, lz4, and zstd registered.
func NewManager() *Manager {
	m := &Manager{
		codecs:      make(map[string]Codec),
		defaultName: "snappy",
		autoSelect:  true,
	}
	m.Register(&Gzip{})
	m.Register(&Snappy{})
	m.Register(&LZ4{})
	m.Register(&Zstd{})
	return m
}

// Register adds or replaces a named codec.
func (m *Manager) Register(c Codec) { m.codecs[c.Name()] = c }

// SetAutoSelect toggles size-based codec selection.
func (m *Manager) SetAutoSelect(enabled bool) { m.autoSelect = enabled }

// Compress picks a codec for data and returns its name alongside the
// compressed bytes. Below MinSize for every registered codec, data passes
// through uncompressed under the name "none".
func (m *Manager) Compress(data []byte) (codecName string, compressed []byte, err error) {
	name := m.selectCodec(len(data))
	c, ok := m.codecs[name]
	if !ok {
		return "none", data, nil
	}
	if len(data) < c.MinSize() {
		return "none", data, nil
	}
	out, err := c.Compress(data)
	if err != nil {
		return "", nil, fmt.Errorf("compression: %s: %w", name, err)
	}
	if len(out) >= len(data) {
		return "none", data, nil
	}
	return name, out, nil
}

// Decompress reverses Compress given the codec name it returned.
func (m *Manager) Decompress(codecName string, data []byte) ([]byte, error) {
	if codecName == "" || codecName == "none" {
		return data, nil
	}
	c, ok := m.codecs[codecName]
	if !ok {
		return nil, fmt.Errorf("compression: unknown codec %q", codecName)
	}
	out, err := c.Decompress(data)
	if err != nil {
		return nil, fmt.Errorf("compression: %s: %w", codecName, err)
	}
	return out, nil
}

func (m *Manager) selectCodec(size int) string {
	if !m.autoSelect {
		return m.defaultName
	}
	// Small blobs: cheap, fast lz4. Mid-sized: snappy's better ratio is
	// worth the extra CPU. Large blobs: zstd's ratio advantage finally
	// outweighs its higher per-call cost. Gzip is kept registered for
	// interop with tools that expect a standard stream but is never
	// auto-selected.
	switch {
	case size < 1024:
		return "lz4"
	case size < 65536:
		return "snappy"
	default:
		return "zstd"
	}
}

// Gzip implements Codec over compress/gzip.
type Gzip struct{}

func (Gzip) Name() string  { return "gzip" }
func (Gzip) MinSize() int  { return 256 }
func (Gzip) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
func (Gzip) Decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// Snappy implements Codec over github.com/golang/snappy.
type Snappy struct{}

func (Snappy) Name() string                          { return "snappy" }
func (Snappy) MinSize() int                          { return 512 }
func (Snappy) Compress(data []byte) ([]byte, error)  { return snappy.Encode(nil, data), nil }
func (Snappy) Decompress(data []byte) ([]byte, error) { return snappy.Decode(nil, data) }

// LZ4 implements Codec over github.com/pierrec/lz4/v4.
type LZ4 struct{}

func (LZ4) Name() string { return "lz4" }
func (LZ4) MinSize() int { return 64 }

func (LZ4) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (LZ4) Decompress(data []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(data))
	return io.ReadAll(r)
}

// Zstd implements Codec over github.com/klauspost/compress/zstd, reserved
// for the largest snapshot blobs where its ratio advantage over lz4/snappy
// is worth the extra CPU.
type Zstd struct{}

func (Zstd) Name() string { return "zstd" }
func (Zstd) MinSize() int { return 65536 }

func (Zstd) Compress(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("compression: create zstd encoder: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil), nil
}

func (Zstd) Decompress(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("compression: create zstd decoder: %w", err)
	}
	defer dec.Close()
	return dec.DecodeAll(data, nil)
}
