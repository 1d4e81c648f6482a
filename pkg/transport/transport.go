// Package transport implements the Cluster Transport abstraction of §4.8:
// Data and Progress messages, plus a Done end-of-input hint, delivered FIFO
// per (source worker, destination worker) pair. pkg/transport/local backs single-process
// multi-worker runs over buffered channels; pkg/transport/grpcx backs
// multi-process runs over a bidirectional-streaming gRPC call, one per
// worker pair, carrying both frame kinds.
package transport

import (
	"context"

	"flowmesh/pkg/router"
	"flowmesh/pkg/types"
)

// WorkerAddr identifies a worker within a dataflow's cluster.
type WorkerAddr = router.WorkerIndex

// DataMessage carries one record destined for a specific step on the
// owning worker, produced when the scheduler routes a keyed record away
// from the worker that received it. Index is the record's position in the
// dataflow's operator chain (shared across every worker, since all workers
// run an identical topology), so the receiving scheduler resumes exactly
// where routing diverted it rather than restarting from the input.
type DataMessage struct {
	StepID types.StepID
	Index  int
	Record types.Record
}

// ProgressMessage carries a frontier advancement: the sending worker has
// closed epoch and will not emit anything tagged with an earlier epoch
// again.
type ProgressMessage struct {
	Epoch types.Epoch
}

// DoneMessage announces that the sending worker's own input source has
// reached end-of-stream. It does not promise the sender will never forward
// another record — a peer may still route new data to it afterward — so
// receivers treat it as a hint for termination detection, not a guarantee.
type DoneMessage struct{}

// Envelope tags an inbound message with its kind and sender; the kind is
// whichever pointer is set. grpcx gob-encodes the Envelope itself as its
// wire frame.
type Envelope struct {
	From     WorkerAddr
	Data     *DataMessage
	Progress *ProgressMessage
	Done     *DoneMessage
}

// Transport is what pkg/scheduler depends on; it never constructs a
// concrete transport itself.
type Transport interface {
	// SendData delivers msg to dest, blocking if dest's inbound queue is
	// under backpressure. FIFO is guaranteed per (self, dest) pair.
	SendData(ctx context.Context, dest WorkerAddr, msg DataMessage) error
	// SendProgress delivers a frontier advancement to dest.
	SendProgress(ctx context.Context, dest WorkerAddr, msg ProgressMessage) error
	// SendDone tells dest this worker's own source has been fully consumed.
	SendDone(ctx context.Context, dest WorkerAddr) error
	// Inbox returns the channel of messages addressed to this worker from
	// every peer, in FIFO order per sender.
	Inbox() <-chan Envelope
	// Close releases the transport's resources (local: nothing to release;
	// grpcx: drops open outbound streams, which a later send re-dials).
	Close() error
}
