// Package filesink provides a local-filesystem capture sink, grounded on the
// teacher's internal/sinks/local_file_sink.go: JSON-line records, a
// queue-backed writer goroutine per worker, size-based rotation, gzip
// compression of rotated files, and retention cleanup of old rotations.
// Disk-space guarding and file-descriptor LRU eviction are dropped: this
// sink opens exactly one file per worker rather than one per dynamically
// discovered source, so the teacher's multi-file-descriptor pressure does
// not arise here.
package filesink

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"flowmesh/pkg/sink"
	"flowmesh/pkg/types"
)

// Config configures a Sink.
type Config struct {
	Directory string
	MaxSizeMB int  // 0 disables rotation
	MaxFiles  int  // 0 disables retention cleanup
	Compress  bool // gzip rotated files
	QueueSize int
	Logger    *logrus.Logger
}

// Sink is a sink.Sink that writes each worker's captured records to its
// own rotated, optionally compressed, append-only log file.
type Sink struct {
	cfg Config
}

// New returns a Sink over cfg, defaulting QueueSize and Logger.
func New(cfg Config) *Sink {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Sink{cfg: cfg}
}

// Build implements sink.Sink, opening this worker's own file and starting
// its background writer goroutine.
func (s *Sink) Build(ctx context.Context, workerIndex, workerCount int) (sink.Writer, error) {
	if err := os.MkdirAll(s.cfg.Directory, 0755); err != nil {
		return nil, fmt.Errorf("file sink: create directory: %w", err)
	}

	w := &writer{
		cfg:      s.cfg,
		path:     filepath.Join(s.cfg.Directory, fmt.Sprintf("worker-%d.log", workerIndex)),
		queue:    make(chan types.Record, s.cfg.QueueSize),
		done:     make(chan struct{}),
		flushErr: make(chan error, 1),
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	go w.loop()
	return w, nil
}

var _ sink.Sink = (*Sink)(nil)

type writer struct {
	cfg  Config
	path string

	mu          sync.Mutex
	file        *os.File
	currentSize int64

	queue    chan types.Record
	done     chan struct{}
	closeErr error
	once     sync.Once
	flushErr chan error
}

func (w *writer) open() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("file sink: open %s: %w", w.path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("file sink: stat %s: %w", w.path, err)
	}
	w.file = f
	w.currentSize = info.Size()
	return nil
}

// Write implements sink.Writer, queuing the record for the background
// writer goroutine; it blocks only if the queue is full, providing
// backpressure back to the scheduler rather than an unbounded buffer.
func (w *writer) Write(ctx context.Context, rec types.Record) error {
	select {
	case w.queue <- rec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *writer) loop() {
	for {
		select {
		case rec := <-w.queue:
			if err := w.writeLine(rec); err != nil {
				w.cfg.Logger.WithError(err).WithField("path", w.path).Error("file sink: write failed")
			}
		case <-w.done:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case rec := <-w.queue:
					w.writeLine(rec)
				default:
					return
				}
			}
		}
	}
}

func (w *writer) writeLine(rec types.Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	line := map[string]interface{}{
		"epoch":   rec.Epoch,
		"payload": rec.Payload,
	}
	b, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("file sink: marshal: %w", err)
	}
	b = append(b, '\n')

	n, err := w.file.Write(b)
	if err != nil {
		return err
	}
	w.currentSize += int64(n)

	if w.cfg.MaxSizeMB > 0 && w.currentSize > int64(w.cfg.MaxSizeMB)*1024*1024 {
		if err := w.rotate(); err != nil {
			w.cfg.Logger.WithError(err).WithField("path", w.path).Error("file sink: rotation failed")
		}
	}
	return nil
}

// rotate must be called with w.mu held.
func (w *writer) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	rotated := fmt.Sprintf("%s.%s", w.path, time.Now().UTC().Format("20060102-150405"))
	if err := os.Rename(w.path, rotated); err != nil {
		return err
	}
	if w.cfg.Compress {
		if err := compressFile(rotated); err != nil {
			w.cfg.Logger.WithError(err).WithField("path", rotated).Warn("file sink: compress rotation failed")
		} else if err := os.Remove(rotated); err != nil {
			w.cfg.Logger.WithError(err).WithField("path", rotated).Warn("file sink: remove uncompressed rotation failed")
		}
	}
	if w.cfg.MaxFiles > 0 {
		w.cleanupOldRotations()
	}
	return w.open()
}

func compressFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}
	defer dst.Close()

	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		gz.Close()
		return err
	}
	return gz.Close()
}

// cleanupOldRotations must be called with w.mu held.
func (w *writer) cleanupOldRotations() {
	matches, err := filepath.Glob(w.path + ".*")
	if err != nil {
		w.cfg.Logger.WithError(err).Warn("file sink: list rotations failed")
		return
	}
	if len(matches) <= w.cfg.MaxFiles {
		return
	}
	sort.Strings(matches) // rotation suffix is a sortable timestamp
	toRemove := matches[:len(matches)-w.cfg.MaxFiles]
	for _, path := range toRemove {
		if err := os.Remove(path); err != nil {
			w.cfg.Logger.WithError(err).WithField("path", path).Warn("file sink: remove old rotation failed")
		}
	}
}

// Close implements sink.Writer.
func (w *writer) Close() error {
	w.once.Do(func() {
		close(w.done)
		w.mu.Lock()
		defer w.mu.Unlock()
		w.closeErr = w.file.Close()
	})
	return w.closeErr
}
