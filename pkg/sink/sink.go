// Package sink defines the abstract sink contract (§6): a per-worker
// delivery function a capture operator forwards every record to. Sinks
// are explicitly permitted to observe duplicates across a recovery
// boundary (§8, P4) — the engine makes no exactly-once promise to them.
package sink

import (
	"context"

	"flowmesh/pkg/types"
)

// Sink builds a per-worker delivery function.
type Sink interface {
	Build(ctx context.Context, workerIndex, workerCount int) (Writer, error)
}

// Writer delivers one record. Implementations must not block
// indefinitely; if they do, the scheduler stalls (an accepted
// consequence per §5).
type Writer interface {
	Write(ctx context.Context, record types.Record) error
	Close() error
}

// Func adapts a plain function to Writer for simple sinks/tests.
type Func func(ctx context.Context, record types.Record) error

// Write implements Writer.
func (f Func) Write(ctx context.Context, record types.Record) error { return f(ctx, record) }

// Close implements Writer.
func (f Func) Close() error { return nil }
