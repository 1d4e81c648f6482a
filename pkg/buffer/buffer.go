// Package buffer stages recovery-log entries in memory ahead of a durable
// flush, coalescing many small appends into fewer transaction commits.
// Adapted from the teacher's DiskBuffer (pkg/buffer/disk_buffer.go): the
// same size-threshold-or-timer flush trigger and background sync loop,
// retargeted from a rotating on-disk file to an in-memory batch handed to
// the recovery log's SQLite writer.
package buffer

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Config controls when a StagingBuffer flushes.
type Config struct {
	MaxEntries    int
	FlushInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxEntries <= 0 {
		c.MaxEntries = 256
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 2 * time.Second
	}
	return c
}

// FlushFunc durably persists a batch; StagingBuffer only drops the batch
// from memory once FlushFunc returns nil.
type FlushFunc func(ctx context.Context, batch []interface{}) error

// Stats mirrors the teacher's BufferStats, trimmed to what a staging
// buffer (rather than a rotating file set) can report.
type Stats struct {
	TotalWrites  int64
	TotalFlushes int64
	Pending      int
	LastFlush    time.Time
}

// StagingBuffer accumulates entries and flushes them as a batch either when
// MaxEntries is reached or FlushInterval elapses, whichever comes first.
type StagingBuffer struct {
	cfg    Config
	flush  FlushFunc
	logger *logrus.Logger

	mu      sync.Mutex
	pending []interface{}
	stats   Stats

	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a StagingBuffer and starts its background sync loop.
func New(cfg Config, flush FlushFunc, logger *logrus.Logger) *StagingBuffer {
	if logger == nil {
		logger = logrus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &StagingBuffer{
		cfg:    cfg.withDefaults(),
		flush:  flush,
		logger: logger,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go b.syncLoop(ctx)
	return b
}

// Write stages one entry, flushing synchronously if MaxEntries is reached.
func (b *StagingBuffer) Write(ctx context.Context, entry interface{}) error {
	b.mu.Lock()
	b.pending = append(b.pending, entry)
	b.stats.TotalWrites++
	full := len(b.pending) >= b.cfg.MaxEntries
	b.mu.Unlock()

	if full {
		return b.Flush(ctx)
	}
	return nil
}

// Flush drains and durably persists whatever is currently pending.
func (b *StagingBuffer) Flush(ctx context.Context) error {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return nil
	}
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	if err := b.flush(ctx, batch); err != nil {
		// Put the batch back at the head so nothing is lost; the teacher's
		// DiskBuffer took the equivalent stance of never dropping entries
		// on a failed sync.
		b.mu.Lock()
		b.pending = append(batch, b.pending...)
		b.mu.Unlock()
		return err
	}

	b.mu.Lock()
	b.stats.TotalFlushes++
	b.stats.LastFlush = time.Now()
	b.mu.Unlock()
	return nil
}

func (b *StagingBuffer) syncLoop(ctx context.Context) {
	defer close(b.done)
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := b.Flush(context.Background()); err != nil {
				b.logger.WithError(err).Error("buffer: final flush on close failed")
			}
			return
		case <-ticker.C:
			if err := b.Flush(ctx); err != nil {
				b.logger.WithError(err).Warn("buffer: periodic flush failed, will retry")
			}
		}
	}
}

// GetStats returns a snapshot of buffer statistics.
func (b *StagingBuffer) GetStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.Pending = len(b.pending)
	return s
}

// Close stops the sync loop after flushing any pending entries.
func (b *StagingBuffer) Close() error {
	b.cancel()
	<-b.done
	return nil
}
