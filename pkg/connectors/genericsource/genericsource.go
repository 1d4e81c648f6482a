// Package genericsource provides in-memory source and sink connectors for
// tests and local experimentation, grounded on the teacher's simplest sink
// shape (internal/sinks/common.go's plain queue-backed Send) stripped of
// every production concern a real transport needs.
package genericsource

import (
	"context"
	"strconv"
	"sync"
	"time"

	"flowmesh/pkg/sink"
	"flowmesh/pkg/source"
	"flowmesh/pkg/types"
)

// ListSource replays a fixed, pre-built slice of items per worker, splitting
// the outer slice round-robin across workers by index so a multi-worker run
// exercises routing the same way a sharded external source would. Resume
// tokens are the count of items this worker has already emitted, letting a
// restarted Worker skip ahead without losing at-least-once delivery.
type ListSource struct {
	stepID types.StepID
	items  []interface{}
}

// NewListSource returns a ListSource over items, keyed under stepID for
// recovery-log namespacing.
func NewListSource(stepID types.StepID, items []interface{}) *ListSource {
	return &ListSource{stepID: stepID, items: items}
}

func (s *ListSource) StepID() types.StepID             { return s.stepID }
func (s *ListSource) AsPartitioned() source.Partitioned { return s }
func (s *ListSource) AsDynamic() source.Dynamic         { return nil }

// Build implements source.Partitioned.
func (s *ListSource) Build(ctx context.Context, workerIndex, workerCount int, resumeToken string) (source.Poller, error) {
	var shard []interface{}
	for i, item := range s.items {
		if i%workerCount == workerIndex {
			shard = append(shard, item)
		}
	}
	skip := 0
	if resumeToken != "" {
		n, err := strconv.Atoi(resumeToken)
		if err != nil {
			return nil, err
		}
		skip = n
	}
	if skip > len(shard) {
		skip = len(shard)
	}
	return &listPoller{items: shard[skip:], emitted: skip}, nil
}

var _ source.Source = (*ListSource)(nil)

type listPoller struct {
	items   []interface{}
	idx     int
	emitted int
}

// Poll implements source.Poller. Every item closes its own epoch: a
// generic list source has no notion of batching, so it advances the
// logical clock on every record to keep latency-sensitive tests simple.
func (p *listPoller) Poll(ctx context.Context) (*source.Item, error) {
	if p.idx >= len(p.items) {
		return source.EndOfStream, nil
	}
	payload := p.items[p.idx]
	p.idx++
	p.emitted++
	return &source.Item{
		Payload:      payload,
		ResumeToken:  strconv.Itoa(p.emitted),
		AdvanceEpoch: true,
	}, nil
}

func (p *listPoller) Close() error { return nil }

// CollectingSink appends every delivered record to an in-memory slice,
// safe for concurrent writers from multiple workers sharing one process.
type CollectingSink struct {
	mu  sync.Mutex
	out []types.Record
}

// NewCollectingSink returns an empty CollectingSink.
func NewCollectingSink() *CollectingSink { return &CollectingSink{} }

// Build implements sink.Sink.
func (c *CollectingSink) Build(ctx context.Context, workerIndex, workerCount int) (sink.Writer, error) {
	return sink.Func(func(ctx context.Context, rec types.Record) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.out = append(c.out, rec)
		return nil
	}), nil
}

// Records returns a snapshot copy of every record collected so far.
func (c *CollectingSink) Records() []types.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.Record, len(c.out))
	copy(out, c.out)
	return out
}

var _ sink.Sink = (*CollectingSink)(nil)

// Generator is a source.Dynamic emitting a synthetic payload every tick, for
// demos and load tests where no real external system is available. It
// carries no resume tokens: a restart simply resumes emitting from whatever
// the Next closure currently returns, matching a dynamic source's
// at-least-once, non-durable contract (§6).
type Generator struct {
	stepID types.StepID
	tick   time.Duration
	next   func(workerIndex int) interface{}
}

// NewGenerator returns a Generator calling next once per tick per worker.
func NewGenerator(stepID types.StepID, tick time.Duration, next func(workerIndex int) interface{}) *Generator {
	return &Generator{stepID: stepID, tick: tick, next: next}
}

func (g *Generator) StepID() types.StepID             { return g.stepID }
func (g *Generator) AsPartitioned() source.Partitioned { return nil }
func (g *Generator) AsDynamic() source.Dynamic         { return g }

var _ source.Source = (*Generator)(nil)

// Build implements source.Dynamic.
func (g *Generator) Build(ctx context.Context, workerIndex, workerCount int) (source.Poller, error) {
	return &generatorPoller{g: g, workerIndex: workerIndex, ticker: time.NewTicker(g.tick)}, nil
}

type generatorPoller struct {
	g           *Generator
	workerIndex int
	ticker      *time.Ticker
}

// Poll implements source.Poller, blocking until the next tick or ctx
// cancellation.
func (p *generatorPoller) Poll(ctx context.Context) (*source.Item, error) {
	select {
	case <-p.ticker.C:
		return &source.Item{Payload: p.g.next(p.workerIndex), AdvanceEpoch: true}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *generatorPoller) Close() error {
	p.ticker.Stop()
	return nil
}

var _ source.Poller = (*generatorPoller)(nil)
