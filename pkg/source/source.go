// Package source defines the abstract source contract (§6). Concrete
// connectors — Kafka, a generic in-memory/testing source, and so on —
// live under pkg/connectors and implement these interfaces; the engine
// itself only ever depends on this package.
package source

import (
	"context"

	"flowmesh/pkg/types"
)

// Item is one polled unit: a payload plus, for partitioned sources, the
// resume token identifying how far the source has progressed.
type Item struct {
	Payload     interface{}
	ResumeToken string
	// AdvanceEpoch, when true, instructs the engine to close the current
	// epoch after this item is ingested (or before it, if Payload is nil).
	AdvanceEpoch bool
}

// EndOfStream is returned by Poll to signal the partition is exhausted.
var EndOfStream = &Item{}

// IsEndOfStream reports whether item signals end of stream.
func IsEndOfStream(item *Item) bool { return item == EndOfStream }

// Partitioned is the "static partitioned" source flavor: the engine
// durably logs the most recent resume token at each epoch boundary and
// passes it back on restart.
type Partitioned interface {
	// Build constructs the poller for one worker's partition slice.
	Build(ctx context.Context, workerIndex, workerCount int, resumeToken string) (Poller, error)
}

// Poller yields the next item for a partitioned source, or io.EOF-style
// end via EndOfStream.
type Poller interface {
	Poll(ctx context.Context) (*Item, error)
	Close() error
}

// Dynamic is the stateless source flavor: no resume tokens; at-least-once
// delivery depends on the external system being replayable.
type Dynamic interface {
	Build(ctx context.Context, workerIndex, workerCount int) (Poller, error)
}

// Source is implemented by every concrete connector; exactly one of
// AsPartitioned/AsDynamic returns non-nil.
type Source interface {
	AsPartitioned() Partitioned
	AsDynamic() Dynamic
	// StepID names the input step for recovery-log namespacing of resume
	// tokens.
	StepID() types.StepID
}
