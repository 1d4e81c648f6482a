// Package dataflow implements the declarative IR: a linear sequence of
// operator steps with a single input source and one or more capture
// sinks. The IR is immutable once Build succeeds; there is no cycle
// hazard because the builder only ever appends.
package dataflow

import (
	"fmt"

	"flowmesh/pkg/clock"
	"flowmesh/pkg/sink"
	"flowmesh/pkg/source"
	"flowmesh/pkg/state"
	"flowmesh/pkg/types"
)

// Kind identifies an operator variant.
type Kind int

const (
	KindInput Kind = iota
	KindMap
	KindFlatMap
	KindFilter
	KindInspect
	KindInspectEpoch
	KindReduce
	KindStatefulMap
	KindReduceWindow
	KindFoldWindow
	KindCapture
)

func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindMap:
		return "map"
	case KindFlatMap:
		return "flat_map"
	case KindFilter:
		return "filter"
	case KindInspect:
		return "inspect"
	case KindInspectEpoch:
		return "inspect_epoch"
	case KindReduce:
		return "reduce"
	case KindStatefulMap:
		return "stateful_map"
	case KindReduceWindow:
		return "reduce_window"
	case KindFoldWindow:
		return "fold_window"
	case KindCapture:
		return "capture"
	default:
		return "unknown"
	}
}

// Stateful reports whether a step owns a keyed state cell and therefore
// requires a stable, unique step_id.
func (k Kind) Stateful() bool {
	switch k {
	case KindReduce, KindStatefulMap, KindReduceWindow, KindFoldWindow:
		return true
	default:
		return false
	}
}

// Step is one node of the pipeline. Only the fields relevant to its Kind
// are populated; the operator runtime (pkg/operator) reads them by kind.
type Step struct {
	Kind   Kind
	StepID types.StepID

	Source source.Source
	Sink   sink.Sink

	MapFn          func(interface{}) interface{}
	FlatMapFn      func(interface{}) []interface{}
	FilterFn       func(interface{}) bool
	InspectFn      func(interface{})
	InspectEpochFn func(types.Epoch, interface{})

	ReduceMerge      func(acc, v interface{}) interface{}
	ReduceIsComplete func(acc interface{}) bool

	StatefulBuilder state.Builder
	StatefulStep    func(s interface{}, v interface{}) (newState interface{}, output interface{})

	WindowClock    clock.Clock
	WindowAssigner clock.WindowAssigner
	WindowMerge    func(acc, v interface{}) interface{}
	FoldBuilder    state.Builder
	FoldFn         func(acc interface{}, v interface{}) interface{}
}

// Dataflow is the built, immutable pipeline.
type Dataflow struct {
	Name  string
	Steps []Step
}

// Builder accumulates steps before Build validates the pipeline shape.
type Builder struct {
	name      string
	steps     []Step
	seenSteps map[types.StepID]bool
	err       error
}

// New starts building a dataflow with the given name, used only for
// logging/metrics labels.
func New(name string) *Builder {
	return &Builder{name: name, seenSteps: make(map[types.StepID]bool)}
}

func (b *Builder) fail(err error) *Builder {
	if b.err == nil {
		b.err = err
	}
	return b
}

func (b *Builder) requireUniqueStepID(id types.StepID) error {
	if id == "" {
		return fmt.Errorf("dataflow: stateful operator requires a non-empty step_id")
	}
	if b.seenSteps[id] {
		return fmt.Errorf("dataflow: duplicate step_id %q", id)
	}
	b.seenSteps[id] = true
	return nil
}

// Input appends the pipeline's single input source. stepID is required,
// matching §4.1's "input(step_id, source)".
func (b *Builder) Input(stepID types.StepID, src source.Source) *Builder {
	if b.err != nil {
		return b
	}
	if len(b.steps) != 0 {
		return b.fail(fmt.Errorf("dataflow: Input must be the first step"))
	}
	if err := b.requireUniqueStepID(stepID); err != nil {
		return b.fail(err)
	}
	b.steps = append(b.steps, Step{Kind: KindInput, StepID: stepID, Source: src})
	return b
}

func (b *Builder) positionalID(kind Kind) types.StepID {
	return types.StepID(fmt.Sprintf("%s_%d", kind, len(b.steps)))
}

// Map appends a stateless map(f) step.
func (b *Builder) Map(f func(interface{}) interface{}) *Builder {
	if b.err != nil {
		return b
	}
	b.steps = append(b.steps, Step{Kind: KindMap, StepID: b.positionalID(KindMap), MapFn: f})
	return b
}

// FlatMap appends a stateless flat_map(f) step.
func (b *Builder) FlatMap(f func(interface{}) []interface{}) *Builder {
	if b.err != nil {
		return b
	}
	b.steps = append(b.steps, Step{Kind: KindFlatMap, StepID: b.positionalID(KindFlatMap), FlatMapFn: f})
	return b
}

// Filter appends a stateless filter(p) step.
func (b *Builder) Filter(p func(interface{}) bool) *Builder {
	if b.err != nil {
		return b
	}
	b.steps = append(b.steps, Step{Kind: KindFilter, StepID: b.positionalID(KindFilter), FilterFn: p})
	return b
}

// Inspect appends a side-effect-only passthrough step.
func (b *Builder) Inspect(f func(interface{})) *Builder {
	if b.err != nil {
		return b
	}
	b.steps = append(b.steps, Step{Kind: KindInspect, StepID: b.positionalID(KindInspect), InspectFn: f})
	return b
}

// InspectEpoch appends a side-effect-only passthrough step that also
// observes the record's epoch.
func (b *Builder) InspectEpoch(f func(types.Epoch, interface{})) *Builder {
	if b.err != nil {
		return b
	}
	b.steps = append(b.steps, Step{Kind: KindInspectEpoch, StepID: b.positionalID(KindInspectEpoch), InspectEpochFn: f})
	return b
}

// Reduce appends a stateful reduce(step_id, merge, is_complete) step.
func (b *Builder) Reduce(stepID types.StepID, merge func(acc, v interface{}) interface{}, isComplete func(acc interface{}) bool) *Builder {
	if b.err != nil {
		return b
	}
	if err := b.requireUniqueStepID(stepID); err != nil {
		return b.fail(err)
	}
	b.steps = append(b.steps, Step{
		Kind: KindReduce, StepID: stepID,
		ReduceMerge: merge, ReduceIsComplete: isComplete,
	})
	return b
}

// StatefulMap appends a stateful_map(step_id, builder, step) step.
func (b *Builder) StatefulMap(stepID types.StepID, builder state.Builder, step func(s interface{}, v interface{}) (interface{}, interface{})) *Builder {
	if b.err != nil {
		return b
	}
	if err := b.requireUniqueStepID(stepID); err != nil {
		return b.fail(err)
	}
	b.steps = append(b.steps, Step{
		Kind: KindStatefulMap, StepID: stepID,
		StatefulBuilder: builder, StatefulStep: step,
	})
	return b
}

// ReduceWindow appends a reduce_window(step_id, clock, assigner, merge) step.
func (b *Builder) ReduceWindow(stepID types.StepID, clk clock.Clock, assigner clock.WindowAssigner, merge func(acc, v interface{}) interface{}) *Builder {
	if b.err != nil {
		return b
	}
	if err := b.requireUniqueStepID(stepID); err != nil {
		return b.fail(err)
	}
	b.steps = append(b.steps, Step{
		Kind: KindReduceWindow, StepID: stepID,
		WindowClock: clk, WindowAssigner: assigner, WindowMerge: merge,
	})
	return b
}

// FoldWindow appends a fold_window(step_id, clock, assigner, builder, fold) step.
func (b *Builder) FoldWindow(stepID types.StepID, clk clock.Clock, assigner clock.WindowAssigner, builder state.Builder, fold func(acc interface{}, v interface{}) interface{}) *Builder {
	if b.err != nil {
		return b
	}
	if err := b.requireUniqueStepID(stepID); err != nil {
		return b.fail(err)
	}
	b.steps = append(b.steps, Step{
		Kind: KindFoldWindow, StepID: stepID,
		WindowClock: clk, WindowAssigner: assigner, FoldBuilder: builder, FoldFn: fold,
	})
	return b
}

// Capture appends a terminal step forwarding each record to sink.
func (b *Builder) Capture(sk sink.Sink) *Builder {
	if b.err != nil {
		return b
	}
	b.steps = append(b.steps, Step{Kind: KindCapture, StepID: b.positionalID(KindCapture), Sink: sk})
	return b
}

// Build validates and returns the immutable dataflow, rejecting pipelines
// with no input or no capture.
func (b *Builder) Build() (*Dataflow, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.steps) == 0 || b.steps[0].Kind != KindInput {
		return nil, fmt.Errorf("dataflow: pipeline must begin with Input")
	}
	hasCapture := false
	for _, s := range b.steps {
		if s.Kind == KindCapture {
			hasCapture = true
		}
	}
	if !hasCapture {
		return nil, fmt.Errorf("dataflow: pipeline must end with at least one Capture")
	}
	return &Dataflow{Name: b.name, Steps: append([]Step(nil), b.steps...)}, nil
}
