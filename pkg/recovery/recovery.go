// Package recovery implements the durable append-only recovery log: state
// snapshots and source progress frontiers, the two entry kinds described in
// §4.3. The abstract Log contract is append/read_from/truncate; SQLite is
// the concrete backend, grounded on the retrieval pack's estuary-flow and
// ClusterCockpit-cc-backend manifests, both of which embed
// github.com/mattn/go-sqlite3 as their local durable store.
package recovery

import (
	"context"

	"flowmesh/pkg/state"
	"flowmesh/pkg/types"
)

// SnapshotEntry is one durable (step, key, epoch) state record.
type SnapshotEntry struct {
	Step      types.StepID
	Key       types.Key
	Epoch     types.Epoch
	Value     []byte
	Tombstone bool
}

// FrontierEntry is one durable source-progress record: the resume token a
// given worker's partition slice had reached as of Epoch.
type FrontierEntry struct {
	SourceID    types.StepID
	WorkerIndex int
	Epoch       types.Epoch
	ResumeToken string
}

// Log is the abstract recovery log contract from §4.3. Every method blocks
// until its effect is durable (fsynced), except ReadFrom which is a pure
// read.
type Log interface {
	// AppendSnapshots durably persists entries, assigning each a monotonic
	// sequence number.
	AppendSnapshots(ctx context.Context, entries []SnapshotEntry) error
	// AppendFrontier durably persists one frontier record. Per the
	// ordering rule in §4.3, callers must have already durably appended
	// every snapshot with Epoch <= entry.Epoch before calling this.
	AppendFrontier(ctx context.Context, entry FrontierEntry) error
	// ReadFrom replays every durable snapshot entry in append order,
	// regardless of epoch; callers (state.Store.Restore) filter by epoch.
	ReadFrom(epoch types.Epoch) ([]state.RestoreRecord, error)
	// LatestFrontier returns the most recent resume token recorded for
	// (sourceID, workerIndex), or ("", false) if none exists.
	LatestFrontier(ctx context.Context, sourceID types.StepID, workerIndex int) (resumeToken string, epoch types.Epoch, ok bool, err error)
	// Truncate discards snapshot and frontier records superseded by a
	// later entry at or before upToEpoch, bounding log growth.
	Truncate(ctx context.Context, upToEpoch types.Epoch) error
	// Close releases underlying resources.
	Close() error
}

var _ state.Restorer = Log(nil)
