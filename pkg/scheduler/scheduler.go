// Package scheduler implements the worker-side cooperative loop of §4.7:
// poll the input source, push records through the operator chain, advance
// epochs, and snapshot state at epoch boundaries before acknowledging
// progress externally. Grounded on the teacher's pkg/workerpool lifecycle
// (context+cancel+WaitGroup start/stop) generalized from a reusable task
// pool into one fixed loop per worker, and on the checkpoint manager's
// ticker-driven periodic action turned into an epoch-boundary trigger.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	oteltrace "go.opentelemetry.io/otel/trace"

	"flowmesh/pkg/codec"
	"flowmesh/pkg/compression"
	"flowmesh/pkg/dataflow"
	"flowmesh/pkg/errors"
	"flowmesh/pkg/operator"
	"flowmesh/pkg/recovery"
	"flowmesh/pkg/router"
	"flowmesh/pkg/source"
	"flowmesh/pkg/state"
	"flowmesh/pkg/tracing"
	"flowmesh/pkg/transport"
	"flowmesh/pkg/types"
)

const (
	defaultDrainIdleTimeout  = 2 * time.Second
	defaultDrainPollInterval = 20 * time.Millisecond
)

// Config wires one worker's share of a dataflow to its collaborators.
type Config struct {
	Dataflow    *dataflow.Dataflow
	Store       *state.Store
	WorkerIndex int
	WorkerCount int

	// Transport is nil for a single-worker run; every stateful step then
	// trivially owns every key.
	Transport transport.Transport
	// Recovery is nil to run without durability (tests, dry runs).
	Recovery recovery.Log
	// Codec serializes keyed state for the recovery log. Defaults to a
	// fresh codec.Gob if nil.
	Codec codec.Codec
	// Compressor shrinks serialized snapshot blobs before they reach the
	// recovery log. Defaults to a fresh compression.Manager if nil; pass
	// a zero-value *compression.Manager with SetAutoSelect(false) and no
	// registered codecs to disable compression entirely.
	Compressor *compression.Manager

	// Tracer emits spans around epoch-close and snapshot operations. Nil
	// disables tracing entirely (no-op, not a noop-tracer allocation).
	Tracer *tracing.Manager

	// DrainIdleTimeout bounds how long Run, once every peer has announced
	// Done, waits without seeing any further inbound message before
	// declaring the cluster quiescent and returning. Defaults to 2s.
	DrainIdleTimeout time.Duration
	// DrainPollInterval paces the polling loop between inbox drains while
	// waiting for peers to go quiet. Defaults to 20ms.
	DrainPollInterval time.Duration

	Logger *logrus.Logger
}

// Worker runs one worker's slice of a dataflow to completion or failure.
type Worker struct {
	cfg       Config
	operators []operator.Operator
	poller    source.Poller
	inputStep types.StepID

	logger *logrus.Logger

	mu        sync.Mutex
	epoch     types.Epoch
	peerEpoch map[router.WorkerIndex]types.Epoch
	peerSeen  map[router.WorkerIndex]bool
	peerDone  map[router.WorkerIndex]bool
}

// New builds the operator chain, binds the capture sink(s), restores state
// from the recovery log if one is configured, and opens the input
// source's poller at the epoch the log last acknowledged.
func New(ctx context.Context, cfg Config) (*Worker, error) {
	if cfg.Dataflow == nil || len(cfg.Dataflow.Steps) == 0 || cfg.Dataflow.Steps[0].Kind != dataflow.KindInput {
		return nil, fmt.Errorf("scheduler: dataflow must begin with an input step")
	}
	if cfg.Store == nil {
		cfg.Store = state.New()
	}
	if cfg.Codec == nil {
		cfg.Codec = codec.NewGob(nil)
	}
	if cfg.Compressor == nil {
		cfg.Compressor = compression.NewManager()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	if cfg.DrainIdleTimeout <= 0 {
		cfg.DrainIdleTimeout = defaultDrainIdleTimeout
	}
	if cfg.DrainPollInterval <= 0 {
		cfg.DrainPollInterval = defaultDrainPollInterval
	}

	w := &Worker{
		cfg:       cfg,
		logger:    cfg.Logger,
		inputStep: cfg.Dataflow.Steps[0].StepID,
		peerEpoch: make(map[router.WorkerIndex]types.Epoch),
		peerSeen:  make(map[router.WorkerIndex]bool),
		peerDone:  make(map[router.WorkerIndex]bool),
	}

	resumeToken := ""
	if cfg.Recovery != nil {
		token, epoch, ok, err := cfg.Recovery.LatestFrontier(ctx, w.inputStep, cfg.WorkerIndex)
		if err != nil {
			return nil, errors.ResumeErr(string(w.inputStep), "read latest frontier", err)
		}
		if ok {
			resumeToken = token
			w.epoch = epoch + 1
			restorer := recovery.DecodingRestorer{Log: cfg.Recovery, Codec: cfg.Codec, Compressor: cfg.Compressor}
			if err := cfg.Store.Restore(restorer, epoch); err != nil {
				return nil, errors.ResumeErr(string(w.inputStep), "restore state", err)
			}
		}
	}

	ops := make([]operator.Operator, 0, len(cfg.Dataflow.Steps)-1)
	for _, step := range cfg.Dataflow.Steps[1:] {
		op, err := operator.Build(step, cfg.Store)
		if err != nil {
			return nil, err
		}
		if step.Kind == dataflow.KindCapture {
			writer, err := step.Sink.Build(ctx, cfg.WorkerIndex, cfg.WorkerCount)
			if err != nil {
				return nil, errors.SourceErr(string(step.StepID), "build sink", err)
			}
			operator.Bind(op, writer)
		}
		ops = append(ops, op)
	}
	w.operators = ops

	src := cfg.Dataflow.Steps[0].Source
	var poller source.Poller
	var err error
	if p := src.AsPartitioned(); p != nil {
		poller, err = p.Build(ctx, cfg.WorkerIndex, cfg.WorkerCount, resumeToken)
	} else if d := src.AsDynamic(); d != nil {
		poller, err = d.Build(ctx, cfg.WorkerIndex, cfg.WorkerCount)
	} else {
		return nil, fmt.Errorf("scheduler: source %q is neither partitioned nor dynamic", w.inputStep)
	}
	if err != nil {
		return nil, errors.SourceErr(string(w.inputStep), "build poller", err)
	}
	w.poller = poller

	return w, nil
}

// Run drives the loop until the source is exhausted, ctx is canceled, or a
// fatal error occurs. A returned error is always fatal: the engine never
// retries internally (§7).
func (w *Worker) Run(ctx context.Context) error {
	defer w.poller.Close()

	for {
		if _, err := w.drainInbox(ctx); err != nil {
			return err
		}

		item, err := w.poller.Poll(ctx)
		if err != nil {
			return errors.SourceErr(string(w.inputStep), "poll", err)
		}
		if source.IsEndOfStream(item) {
			if err := w.closeEpoch(ctx, w.epoch, ""); err != nil {
				return err
			}
			return w.drainUntilQuiescent(ctx)
		}

		if item.Payload != nil {
			rec := types.NewRecord(w.epoch, item.Payload)
			if err := w.process(ctx, 0, rec); err != nil {
				return err
			}
		}

		if item.AdvanceEpoch {
			if err := w.closeEpoch(ctx, w.epoch, item.ResumeToken); err != nil {
				return err
			}
			w.epoch++
		}
	}
}

// process pushes rec through w.operators starting at idx, routing away to
// the owning worker first if idx names a stateful step this worker is not
// authoritative for.
func (w *Worker) process(ctx context.Context, idx int, rec types.Record) error {
	if idx >= len(w.operators) {
		return nil
	}
	step := w.cfg.Dataflow.Steps[idx+1]

	if step.Kind.Stateful() && w.cfg.Transport != nil && w.cfg.WorkerCount > 1 {
		pair, owner, err := router.RoutePair(step.StepID, rec.Payload, w.cfg.WorkerCount)
		if err != nil {
			return err
		}
		if owner != router.WorkerIndex(w.cfg.WorkerIndex) {
			routed := types.NewRecord(rec.Epoch, pair)
			return w.cfg.Transport.SendData(ctx, owner, transport.DataMessage{StepID: step.StepID, Index: idx, Record: routed})
		}
	}

	outs, err := w.operators[idx].Process(ctx, rec)
	if err != nil {
		return err
	}
	for _, out := range outs {
		if err := w.process(ctx, idx+1, out); err != nil {
			return err
		}
	}
	return nil
}

// drainInbox applies every already-received remote message without
// blocking, so a backlog of routed records does not stall behind local
// polling. It reports whether it processed anything, so callers waiting
// for the cluster to go quiet can tell a drain pass was idle.
func (w *Worker) drainInbox(ctx context.Context) (bool, error) {
	if w.cfg.Transport == nil {
		return false, nil
	}
	inbox := w.cfg.Transport.Inbox()
	processed := false
	for {
		select {
		case env := <-inbox:
			processed = true
			if env.Data != nil {
				if err := w.process(ctx, env.Data.Index, env.Data.Record); err != nil {
					return processed, err
				}
			}
			if env.Progress != nil {
				w.mu.Lock()
				w.peerEpoch[env.From] = env.Progress.Epoch
				w.peerSeen[env.From] = true
				w.mu.Unlock()
			}
			if env.Done != nil {
				w.mu.Lock()
				w.peerDone[env.From] = true
				w.mu.Unlock()
			}
		default:
			return processed, nil
		}
	}
}

// broadcastDone tells every peer this worker's own source has reached
// end-of-stream. Best-effort, matching closeEpoch's progress broadcast:
// a peer temporarily unreachable should not abort termination.
func (w *Worker) broadcastDone(ctx context.Context) {
	if w.cfg.Transport == nil || w.cfg.WorkerCount <= 1 {
		return
	}
	for i := 0; i < w.cfg.WorkerCount; i++ {
		if i == w.cfg.WorkerIndex {
			continue
		}
		if err := w.cfg.Transport.SendDone(ctx, router.WorkerIndex(i)); err != nil {
			w.logger.WithError(err).Warn("scheduler: done broadcast failed")
		}
	}
}

// allPeersDone reports whether every other worker has announced Done.
func (w *Worker) allPeersDone() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := 0; i < w.cfg.WorkerCount; i++ {
		if i == w.cfg.WorkerIndex {
			continue
		}
		if !w.peerDone[router.WorkerIndex(i)] {
			return false
		}
	}
	return true
}

// drainUntilQuiescent keeps draining the peer inbox after this worker's own
// source is exhausted, since pkg/transport delivers cross-worker routed
// records asynchronously: a sibling worker still processing its own input
// may route a stateful record here well after this worker saw end-of-stream.
// It broadcasts this worker's own Done, then polls the inbox until every
// peer has likewise announced Done AND a full idle window has passed with
// nothing left to process — a pragmatic quiescence handshake, not a
// formally complete termination-detection algorithm.
func (w *Worker) drainUntilQuiescent(ctx context.Context) error {
	if w.cfg.Transport == nil || w.cfg.WorkerCount <= 1 {
		return nil
	}
	w.broadcastDone(ctx)

	var idleSince time.Time
	for {
		processed, err := w.drainInbox(ctx)
		if err != nil {
			return err
		}
		if processed {
			idleSince = time.Time{}
		} else if w.allPeersDone() {
			if idleSince.IsZero() {
				idleSince = time.Now()
			} else if time.Since(idleSince) >= w.cfg.DrainIdleTimeout {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return errors.SourceErr(string(w.inputStep), "drain until quiescent", ctx.Err())
		case <-time.After(w.cfg.DrainPollInterval):
		}
	}
}

// closeEpoch drains every windowed operator's eligible windows, snapshots
// dirty state, durably persists the snapshot and the frontier record (in
// that order, per §4.3's ordering rule), and broadcasts this worker's
// progress to its peers.
func (w *Worker) closeEpoch(ctx context.Context, epoch types.Epoch, resumeToken string) (err error) {
	if w.cfg.Tracer != nil {
		var span oteltrace.Span
		ctx, span = w.cfg.Tracer.SpanEpochAdvance(ctx, w.cfg.WorkerIndex, uint64(epoch))
		defer func() { tracing.EndSpan(span, err) }()
	}

	for idx, op := range w.operators {
		emitted, err := op.OnEpochClose(ctx, epoch)
		if err != nil {
			return err
		}
		for _, out := range emitted {
			if err := w.process(ctx, idx+1, out); err != nil {
				return err
			}
		}
	}

	if w.cfg.Recovery != nil {
		entries, commit := w.cfg.Store.Snapshot(epoch)
		if len(entries) > 0 {
			if w.cfg.Tracer != nil {
				var snapSpan oteltrace.Span
				ctx, snapSpan = w.cfg.Tracer.SpanSnapshot(ctx, string(w.inputStep), uint64(epoch), len(entries))
				defer snapSpan.End()
			}
			snapshotEntries, err := recovery.EncodeEntries(w.cfg.Codec, w.cfg.Compressor, epoch, entries)
			if err != nil {
				return err
			}
			if err := w.cfg.Recovery.AppendSnapshots(ctx, snapshotEntries); err != nil {
				return errors.ResumeErr(string(w.inputStep), "append snapshots", err)
			}
		}
		if resumeToken != "" {
			if err := w.cfg.Recovery.AppendFrontier(ctx, recovery.FrontierEntry{
				SourceID: w.inputStep, WorkerIndex: w.cfg.WorkerIndex, Epoch: epoch, ResumeToken: resumeToken,
			}); err != nil {
				return errors.ResumeErr(string(w.inputStep), "append frontier", err)
			}
		}
		commit()
	}

	if w.cfg.Transport != nil && w.cfg.WorkerCount > 1 {
		for i := 0; i < w.cfg.WorkerCount; i++ {
			if i == w.cfg.WorkerIndex {
				continue
			}
			if err := w.cfg.Transport.SendProgress(ctx, router.WorkerIndex(i), transport.ProgressMessage{Epoch: epoch}); err != nil {
				w.logger.WithError(err).Warn("scheduler: progress broadcast failed")
			}
		}
	}
	return nil
}

// Frontier returns the cluster-wide frontier as currently known: the
// minimum of this worker's current open epoch and every peer's
// last-announced closed epoch. Peers not yet heard from hold the frontier
// at 0.
func (w *Worker) Frontier() types.Epoch {
	w.mu.Lock()
	defer w.mu.Unlock()
	min := w.epoch
	for i := 0; i < w.cfg.WorkerCount; i++ {
		idx := router.WorkerIndex(i)
		if idx == router.WorkerIndex(w.cfg.WorkerIndex) {
			continue
		}
		if !w.peerSeen[idx] {
			return 0
		}
		if w.peerEpoch[idx] < min {
			min = w.peerEpoch[idx]
		}
	}
	return min
}
