package operator

import (
	"context"
	"strings"
	"testing"
	"time"

	"flowmesh/pkg/clock"
	"flowmesh/pkg/dataflow"
	"flowmesh/pkg/state"
	"flowmesh/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ctx = context.Background()

// S1 — stateless map.
func TestMap_S1(t *testing.T) {
	op, err := Build(dataflow.Step{Kind: dataflow.KindMap, StepID: "m", MapFn: func(v interface{}) interface{} {
		return v.(int) + 1
	}}, nil)
	require.NoError(t, err)

	got := map[int]bool{}
	for _, in := range []int{0, 1, 2} {
		out, err := op.Process(ctx, types.NewRecord(0, in))
		require.NoError(t, err)
		require.Len(t, out, 1)
		got[out[0].Payload.(int)] = true
	}
	assert.Equal(t, map[int]bool{1: true, 2: true, 3: true}, got)
}

// S2 — flat_map.
func TestFlatMap_S2(t *testing.T) {
	op, err := Build(dataflow.Step{Kind: dataflow.KindFlatMap, StepID: "fm", FlatMapFn: func(v interface{}) []interface{} {
		words := strings.Split(v.(string), " ")
		out := make([]interface{}, len(words))
		for i, w := range words {
			out[i] = w
		}
		return out
	}}, nil)
	require.NoError(t, err)

	out, err := op.Process(ctx, types.NewRecord(0, "split this"))
	require.NoError(t, err)
	got := map[string]bool{}
	for _, r := range out {
		got[r.Payload.(string)] = true
	}
	assert.Equal(t, map[string]bool{"split": true, "this": true}, got)
}

// S5 — type errors at a stateful operator boundary.
func TestReduce_S5_TypeErrors(t *testing.T) {
	store := state.New()
	op, err := Build(dataflow.Step{
		Kind: dataflow.KindReduce, StepID: "reduce",
		ReduceMerge:      func(acc, v interface{}) interface{} { return acc },
		ReduceIsComplete: func(acc interface{}) bool { return false },
	}, store)
	require.NoError(t, err)

	_, err = op.Process(ctx, types.NewRecord(0, map[string]string{"user": "a", "type": "login"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires a `(key, value)` 2-tuple")

	_, err = op.Process(ctx, types.NewRecord(0, types.Pair{Key: map[string]int{"id": 1}, Value: "x"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must return string or integer keys")
}

// S3-shaped — reduce accumulates a per-key event list and emits on logout.
func TestReduce_AccumulatesAndCompletesOnLogout(t *testing.T) {
	store := state.New()
	op, err := Build(dataflow.Step{
		Kind: dataflow.KindReduce, StepID: "sessions",
		ReduceMerge: func(acc, v interface{}) interface{} {
			var list []string
			if acc != nil {
				list = acc.([]string)
			}
			return append(list, v.(string))
		},
		ReduceIsComplete: func(acc interface{}) bool {
			list := acc.([]string)
			return len(list) > 0 && list[len(list)-1] == "logout"
		},
	}, store)
	require.NoError(t, err)

	events := []string{"login", "post", "logout"}
	var final []types.Record
	for _, e := range events {
		out, err := op.Process(ctx, types.NewRecord(0, types.Pair{Key: "a", Value: e}))
		require.NoError(t, err)
		final = append(final, out...)
	}
	require.Len(t, final, 1)
	pair := final[0].Payload.(types.Pair)
	assert.Equal(t, types.Key("a"), pair.Key)
	assert.Equal(t, []string{"login", "post", "logout"}, pair.Value)
}

// S4-shaped — stateful_map dedups by tracking "seen" state; a repeat of a
// seen key emits nothing and tombstones the cell via the Delete sentinel.
func TestStatefulMap_DedupWithExplicitDelete(t *testing.T) {
	store := state.New()
	op, err := Build(dataflow.Step{
		Kind: dataflow.KindStatefulMap, StepID: "dedup",
		StatefulBuilder: func() interface{} { return false },
		StatefulStep: func(s interface{}, v interface{}) (interface{}, interface{}) {
			seen := s.(bool)
			if seen {
				return Delete{}, nil
			}
			return true, v
		},
	}, store)
	require.NoError(t, err)

	var outputs []interface{}
	for _, k := range []string{"a", "b", "b", "c"} {
		out, err := op.Process(ctx, types.NewRecord(0, types.Pair{Key: k, Value: k}))
		require.NoError(t, err)
		require.Len(t, out, 1)
		pair := out[0].Payload.(types.Pair)
		if pair.Value != nil {
			outputs = append(outputs, pair.Value)
		}
	}
	assert.Equal(t, []interface{}{"a", "b", "c"}, outputs)
}

// S6-shaped — fold_window with a TestingClock, asserting P5's window
// boundary and emission-at-close-epoch behavior.
func TestFoldWindow_ClosesAndEmitsOnEligibility(t *testing.T) {
	start := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	tc := clock.NewTestingClock(start)
	assigner := clock.NewTumbling(start, 10*time.Second, nil)
	store := state.New()

	op, err := Build(dataflow.Step{
		Kind: dataflow.KindFoldWindow, StepID: "counts",
		WindowClock: tc, WindowAssigner: assigner,
		FoldBuilder: func() interface{} { return map[string]int{} },
		FoldFn: func(acc interface{}, v interface{}) interface{} {
			m := acc.(map[string]int)
			m[v.(string)]++
			return m
		},
	}, store)
	require.NoError(t, err)

	feed := func(key, typ string) {
		_, err := op.Process(ctx, types.NewRecord(0, types.Pair{Key: key, Value: typ}))
		require.NoError(t, err)
	}
	feed("a", "login")
	feed("a", "post")
	feed("a", "post")

	// Window 0 not yet eligible.
	out, err := op.OnEpochClose(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, out)

	tc.Advance(10 * time.Second)
	out, err = op.OnEpochClose(ctx, 1)
	require.NoError(t, err)
	require.Len(t, out, 1)
	pair := out[0].Payload.(types.Pair)
	assert.Equal(t, types.Key("a"), pair.Key)
	assert.Equal(t, map[string]int{"login": 1, "post": 2}, pair.Value)

	// Window is gone after close; a second close call is a no-op.
	out, err = op.OnEpochClose(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, out)
}
