// Package operator implements the per-operator execution contracts of
// §4.6: the stateless transforms, stateful map/reduce, windowed
// reduce/fold, and the terminal capture. Each operator is built once per
// worker and owns any keyed state it needs through pkg/state; routing to
// the correct worker has already happened by the time Process is called
// (see pkg/scheduler), so an operator here only ever observes records for
// keys it is authoritative for.
package operator

import (
	"context"
	"fmt"
	"sort"

	"flowmesh/pkg/clock"
	"flowmesh/pkg/dataflow"
	"flowmesh/pkg/errors"
	"flowmesh/pkg/sink"
	"flowmesh/pkg/state"
	"flowmesh/pkg/types"
)

// safeInvoke runs fn, recovering a panic raised out of user-supplied
// pipeline logic (map/filter/reduce/fold closures; state builders run
// unwrapped) and converting
// it into a typed UserClosureError instead of letting it crash the process,
// per the engine's error taxonomy.
func safeInvoke(stepID types.StepID, operation string, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.UserClosureError(string(stepID), operation, panicCause(r))
		}
	}()
	fn()
	return nil
}

func panicCause(r interface{}) error {
	if err, ok := r.(error); ok {
		return err
	}
	return fmt.Errorf("%v", r)
}

// Operator is the runtime form of a dataflow.Step.
type Operator interface {
	StepID() types.StepID
	// Process handles one input record and returns zero or more output
	// records, preserving (or intentionally advancing, for windowed ops)
	// epoch tagging.
	Process(ctx context.Context, rec types.Record) ([]types.Record, error)
	// OnEpochClose is invoked when this worker's scheduler closes epoch
	// locally. Windowed operators drain any window eligible to
	// close as of this epoch; stateless and reduce operators do nothing.
	OnEpochClose(ctx context.Context, epoch types.Epoch) ([]types.Record, error)
}

// Delete is the sentinel a stateful_map step() closure returns in place of
// a new state value to explicitly tombstone the cell, per the resolved
// open question in the design notes.
type Delete struct{}

// Build constructs the runtime Operator for a dataflow.Step. store is nil
// for stateless steps.
func Build(step dataflow.Step, store *state.Store) (Operator, error) {
	switch step.Kind {
	case dataflow.KindMap:
		return &mapOp{id: step.StepID, fn: step.MapFn}, nil
	case dataflow.KindFlatMap:
		return &flatMapOp{id: step.StepID, fn: step.FlatMapFn}, nil
	case dataflow.KindFilter:
		return &filterOp{id: step.StepID, pred: step.FilterFn}, nil
	case dataflow.KindInspect:
		return &inspectOp{id: step.StepID, fn: step.InspectFn}, nil
	case dataflow.KindInspectEpoch:
		return &inspectEpochOp{id: step.StepID, fn: step.InspectEpochFn}, nil
	case dataflow.KindReduce:
		return &reduceOp{id: step.StepID, store: store, merge: step.ReduceMerge, isComplete: step.ReduceIsComplete}, nil
	case dataflow.KindStatefulMap:
		return &statefulMapOp{id: step.StepID, store: store, builder: step.StatefulBuilder, step: step.StatefulStep}, nil
	case dataflow.KindReduceWindow:
		return &reduceWindowOp{id: step.StepID, store: store, clk: step.WindowClock, assigner: step.WindowAssigner, merge: step.WindowMerge}, nil
	case dataflow.KindFoldWindow:
		return &foldWindowOp{id: step.StepID, store: store, clk: step.WindowClock, assigner: step.WindowAssigner, builder: step.FoldBuilder, fold: step.FoldFn}, nil
	case dataflow.KindCapture:
		return &captureOp{id: step.StepID}, nil
	default:
		return nil, errors.New(errors.CodeUserClosure, string(step.StepID), "build", "unsupported operator kind").WithMetadata("kind", step.Kind.String())
	}
}

func passthroughEpochClose(context.Context, types.Epoch) ([]types.Record, error) {
	return nil, nil
}

// --- stateless operators ---

type mapOp struct {
	id types.StepID
	fn func(interface{}) interface{}
}

func (o *mapOp) StepID() types.StepID { return o.id }
func (o *mapOp) Process(ctx context.Context, rec types.Record) ([]types.Record, error) {
	var out interface{}
	if err := safeInvoke(o.id, "map", func() { out = o.fn(rec.Payload) }); err != nil {
		return nil, err
	}
	return []types.Record{types.NewRecord(rec.Epoch, out)}, nil
}
func (o *mapOp) OnEpochClose(ctx context.Context, e types.Epoch) ([]types.Record, error) {
	return passthroughEpochClose(ctx, e)
}

type flatMapOp struct {
	id types.StepID
	fn func(interface{}) []interface{}
}

func (o *flatMapOp) StepID() types.StepID { return o.id }
func (o *flatMapOp) Process(ctx context.Context, rec types.Record) ([]types.Record, error) {
	var outs []interface{}
	if err := safeInvoke(o.id, "flat_map", func() { outs = o.fn(rec.Payload) }); err != nil {
		return nil, err
	}
	recs := make([]types.Record, len(outs))
	for i, v := range outs {
		recs[i] = types.NewRecord(rec.Epoch, v)
	}
	return recs, nil
}
func (o *flatMapOp) OnEpochClose(ctx context.Context, e types.Epoch) ([]types.Record, error) {
	return passthroughEpochClose(ctx, e)
}

type filterOp struct {
	id   types.StepID
	pred func(interface{}) bool
}

func (o *filterOp) StepID() types.StepID { return o.id }
func (o *filterOp) Process(ctx context.Context, rec types.Record) ([]types.Record, error) {
	var keep bool
	if err := safeInvoke(o.id, "filter", func() { keep = o.pred(rec.Payload) }); err != nil {
		return nil, err
	}
	if keep {
		return []types.Record{rec}, nil
	}
	return nil, nil
}
func (o *filterOp) OnEpochClose(ctx context.Context, e types.Epoch) ([]types.Record, error) {
	return passthroughEpochClose(ctx, e)
}

type inspectOp struct {
	id types.StepID
	fn func(interface{})
}

func (o *inspectOp) StepID() types.StepID { return o.id }
func (o *inspectOp) Process(ctx context.Context, rec types.Record) ([]types.Record, error) {
	if err := safeInvoke(o.id, "inspect", func() { o.fn(rec.Payload) }); err != nil {
		return nil, err
	}
	return []types.Record{rec}, nil
}
func (o *inspectOp) OnEpochClose(ctx context.Context, e types.Epoch) ([]types.Record, error) {
	return passthroughEpochClose(ctx, e)
}

type inspectEpochOp struct {
	id types.StepID
	fn func(types.Epoch, interface{})
}

func (o *inspectEpochOp) StepID() types.StepID { return o.id }
func (o *inspectEpochOp) Process(ctx context.Context, rec types.Record) ([]types.Record, error) {
	if err := safeInvoke(o.id, "inspect_epoch", func() { o.fn(rec.Epoch, rec.Payload) }); err != nil {
		return nil, err
	}
	return []types.Record{rec}, nil
}
func (o *inspectEpochOp) OnEpochClose(ctx context.Context, e types.Epoch) ([]types.Record, error) {
	return passthroughEpochClose(ctx, e)
}

// --- reduce ---

type reduceOp struct {
	id         types.StepID
	store      *state.Store
	merge      func(acc, v interface{}) interface{}
	isComplete func(acc interface{}) bool
}

func (o *reduceOp) StepID() types.StepID { return o.id }

func (o *reduceOp) Process(ctx context.Context, rec types.Record) ([]types.Record, error) {
	pair, err := types.AsPair(o.id, rec.Payload)
	if err != nil {
		return nil, err
	}

	var zero interface{}
	acc := o.store.GetOrInit(o.id, pair.Key, func() interface{} { return zero })
	if err := safeInvoke(o.id, "reduce", func() { acc = o.merge(acc, pair.Value) }); err != nil {
		return nil, err
	}

	var complete bool
	if err := safeInvoke(o.id, "reduce_is_complete", func() { complete = o.isComplete(acc) }); err != nil {
		return nil, err
	}
	if complete {
		o.store.Remove(o.id, pair.Key)
		return []types.Record{types.NewRecord(rec.Epoch, types.Pair{Key: pair.Key, Value: acc})}, nil
	}
	o.store.Put(o.id, pair.Key, acc)
	return nil, nil
}

func (o *reduceOp) OnEpochClose(ctx context.Context, e types.Epoch) ([]types.Record, error) {
	return passthroughEpochClose(ctx, e)
}

// --- stateful_map ---

type statefulMapOp struct {
	id      types.StepID
	store   *state.Store
	builder state.Builder
	step    func(s interface{}, v interface{}) (interface{}, interface{})
}

func (o *statefulMapOp) StepID() types.StepID { return o.id }

func (o *statefulMapOp) Process(ctx context.Context, rec types.Record) ([]types.Record, error) {
	pair, err := types.AsPair(o.id, rec.Payload)
	if err != nil {
		return nil, err
	}

	cur := o.store.GetOrInit(o.id, pair.Key, o.builder)

	var newState, output interface{}
	if err := safeInvoke(o.id, "stateful_map", func() { newState, output = o.step(cur, pair.Value) }); err != nil {
		return nil, err
	}

	if _, isDelete := newState.(Delete); isDelete {
		o.store.Remove(o.id, pair.Key)
	} else {
		o.store.Put(o.id, pair.Key, newState)
	}

	return []types.Record{types.NewRecord(rec.Epoch, types.Pair{Key: pair.Key, Value: output})}, nil
}

func (o *statefulMapOp) OnEpochClose(ctx context.Context, e types.Epoch) ([]types.Record, error) {
	return passthroughEpochClose(ctx, e)
}

// --- windowed operators ---

func emitOrder(pairs []windowEmission) {
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].key != pairs[j].key {
			return pairs[i].key < pairs[j].key
		}
		return pairs[i].window < pairs[j].window
	})
}

type windowEmission struct {
	key    string
	window types.WindowID
	record types.Record
}

type reduceWindowOp struct {
	id       types.StepID
	store    *state.Store
	clk      clock.Clock
	assigner clock.WindowAssigner
	merge    func(acc, v interface{}) interface{}
}

func (o *reduceWindowOp) StepID() types.StepID { return o.id }

func (o *reduceWindowOp) Process(ctx context.Context, rec types.Record) ([]types.Record, error) {
	pair, err := types.AsPair(o.id, rec.Payload)
	if err != nil {
		return nil, err
	}
	ts := o.clk.NowFor(rec)
	wid, ok := o.assigner.AssignWindow(ts)
	if !ok {
		return nil, nil
	}
	cellKey := types.WindowKey{Step: o.id, Key: pair.Key, Window: wid}
	var zero interface{}
	acc := o.store.GetOrInit(o.id, cellKey, func() interface{} { return zero })
	if err := safeInvoke(o.id, "reduce_window", func() { acc = o.merge(acc, pair.Value) }); err != nil {
		return nil, err
	}
	o.store.Put(o.id, cellKey, acc)
	return nil, nil
}

func (o *reduceWindowOp) OnEpochClose(ctx context.Context, epoch types.Epoch) ([]types.Record, error) {
	var emissions []windowEmission
	var toDelete []types.WindowKey
	o.store.ForEach(o.id, func(key types.Key, value interface{}) {
		ck, ok := key.(types.WindowKey)
		if !ok {
			return
		}
		if !clock.Eligible(o.assigner, o.clk, ck.Window) {
			return
		}
		emissions = append(emissions, windowEmission{
			key:    stringifyKey(ck.Key),
			window: ck.Window,
			record: types.NewRecord(epoch, types.Pair{Key: ck.Key, Value: value}),
		})
		toDelete = append(toDelete, ck)
	})
	emitOrder(emissions)
	for _, ck := range toDelete {
		o.store.Remove(o.id, ck)
	}
	out := make([]types.Record, len(emissions))
	for i, e := range emissions {
		out[i] = e.record
	}
	return out, nil
}

type foldWindowOp struct {
	id       types.StepID
	store    *state.Store
	clk      clock.Clock
	assigner clock.WindowAssigner
	builder  state.Builder
	fold     func(acc interface{}, v interface{}) interface{}
}

func (o *foldWindowOp) StepID() types.StepID { return o.id }

func (o *foldWindowOp) Process(ctx context.Context, rec types.Record) ([]types.Record, error) {
	pair, err := types.AsPair(o.id, rec.Payload)
	if err != nil {
		return nil, err
	}
	ts := o.clk.NowFor(rec)
	wid, ok := o.assigner.AssignWindow(ts)
	if !ok {
		return nil, nil
	}
	cellKey := types.WindowKey{Step: o.id, Key: pair.Key, Window: wid}
	acc := o.store.GetOrInit(o.id, cellKey, o.builder)
	if err := safeInvoke(o.id, "fold_window", func() { acc = o.fold(acc, pair.Value) }); err != nil {
		return nil, err
	}
	o.store.Put(o.id, cellKey, acc)
	return nil, nil
}

func (o *foldWindowOp) OnEpochClose(ctx context.Context, epoch types.Epoch) ([]types.Record, error) {
	var emissions []windowEmission
	var toDelete []types.WindowKey
	o.store.ForEach(o.id, func(key types.Key, value interface{}) {
		ck, ok := key.(types.WindowKey)
		if !ok {
			return
		}
		if !clock.Eligible(o.assigner, o.clk, ck.Window) {
			return
		}
		emissions = append(emissions, windowEmission{
			key:    stringifyKey(ck.Key),
			window: ck.Window,
			record: types.NewRecord(epoch, types.Pair{Key: ck.Key, Value: value}),
		})
		toDelete = append(toDelete, ck)
	})
	emitOrder(emissions)
	for _, ck := range toDelete {
		o.store.Remove(o.id, ck)
	}
	out := make([]types.Record, len(emissions))
	for i, e := range emissions {
		out[i] = e.record
	}
	return out, nil
}

func stringifyKey(k types.Key) string {
	return string(types.KeyBytes(k))
}

// --- capture ---

type captureOp struct {
	id     types.StepID
	writer sink.Writer
}

// Bind attaches the per-worker sink Writer a capture operator forwards to.
func Bind(op Operator, writer sink.Writer) {
	if c, ok := op.(*captureOp); ok {
		c.writer = writer
	}
}

func (o *captureOp) StepID() types.StepID { return o.id }

func (o *captureOp) Process(ctx context.Context, rec types.Record) ([]types.Record, error) {
	if o.writer == nil {
		return nil, errors.New(errors.CodeUserClosure, string(o.id), "capture", "capture operator has no bound sink writer")
	}
	if err := o.writer.Write(ctx, rec); err != nil {
		return nil, errors.SourceErr(string(o.id), "capture", err)
	}
	return nil, nil
}

func (o *captureOp) OnEpochClose(ctx context.Context, e types.Epoch) ([]types.Record, error) {
	return passthroughEpochClose(ctx, e)
}
