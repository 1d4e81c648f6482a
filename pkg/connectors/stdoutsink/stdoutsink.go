// Package stdoutsink provides a stdout/stderr capture sink, grounded on
// the teacher's internal/sinks/local_file_sink.go JSON line-formatting but
// writing straight to a process stream instead of a rotated file.
package stdoutsink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"flowmesh/pkg/sink"
	"flowmesh/pkg/types"
)

// Sink writes one JSON line per record to an io.Writer (os.Stdout by
// default), serializing writes with a mutex since workers may share the
// underlying stream.
type Sink struct {
	w  io.Writer
	mu *sync.Mutex
}

// NewStdout returns a Sink over os.Stdout.
func NewStdout() *Sink { return &Sink{w: os.Stdout, mu: &sync.Mutex{}} }

// NewStderr returns a Sink over os.Stderr.
func NewStderr() *Sink { return &Sink{w: os.Stderr, mu: &sync.Mutex{}} }

// New returns a Sink over an arbitrary writer, e.g. a bytes.Buffer in a
// test.
func New(w io.Writer) *Sink { return &Sink{w: w, mu: &sync.Mutex{}} }

// Build implements sink.Sink. Every worker shares the same underlying
// writer and mutex, so concurrent workers' output lines never interleave.
func (s *Sink) Build(ctx context.Context, workerIndex, workerCount int) (sink.Writer, error) {
	return sink.Func(func(ctx context.Context, rec types.Record) error {
		line := map[string]interface{}{
			"epoch":        rec.Epoch,
			"payload":      rec.Payload,
			"processed_at": time.Now().UTC().Format(time.RFC3339Nano),
		}
		b, err := json.Marshal(line)
		if err != nil {
			return fmt.Errorf("stdio sink: marshal: %w", err)
		}
		b = append(b, '\n')
		s.mu.Lock()
		defer s.mu.Unlock()
		_, err = s.w.Write(b)
		return err
	}), nil
}

var _ sink.Sink = (*Sink)(nil)
