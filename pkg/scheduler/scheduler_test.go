package scheduler

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"flowmesh/pkg/clock"
	"flowmesh/pkg/codec"
	"flowmesh/pkg/dataflow"
	"flowmesh/pkg/errors"
	"flowmesh/pkg/recovery"
	"flowmesh/pkg/router"
	"flowmesh/pkg/sink"
	"flowmesh/pkg/source"
	"flowmesh/pkg/state"
	"flowmesh/pkg/transport/local"
	"flowmesh/pkg/types"
)

var ctx = context.Background()

// TestMain verifies no worker leaves goroutines running past Run's
// return, matching the teacher's goroutine-leak test style.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("github.com/sirupsen/logrus.(*Entry).log"),
	)
}

// testItem is one unit a testSource hands back through Poll.
type testItem struct {
	payload      interface{}
	advanceEpoch bool
	resumeToken  string
	before       func()
}

// testSource is a Partitioned source over a fixed slice, skipping ahead by
// the integer count encoded in resumeToken so a second Worker built against
// the same slice can resume exactly where a prior run left off.
type testSource struct {
	stepID types.StepID
	items  []testItem
}

func (s *testSource) StepID() types.StepID             { return s.stepID }
func (s *testSource) AsPartitioned() source.Partitioned { return s }
func (s *testSource) AsDynamic() source.Dynamic         { return nil }

func (s *testSource) Build(ctx context.Context, workerIndex, workerCount int, resumeToken string) (source.Poller, error) {
	skip := 0
	if resumeToken != "" {
		n, err := strconv.Atoi(resumeToken)
		if err != nil {
			return nil, err
		}
		skip = n
	}
	if skip > len(s.items) {
		skip = len(s.items)
	}
	return &testPoller{items: s.items[skip:]}, nil
}

var _ source.Source = (*testSource)(nil)

type testPoller struct {
	items []testItem
	idx   int
}

func (p *testPoller) Poll(ctx context.Context) (*source.Item, error) {
	if p.idx >= len(p.items) {
		return source.EndOfStream, nil
	}
	it := p.items[p.idx]
	p.idx++
	if it.before != nil {
		it.before()
	}
	return &source.Item{Payload: it.payload, ResumeToken: it.resumeToken, AdvanceEpoch: it.advanceEpoch}, nil
}

func (p *testPoller) Close() error { return nil }

// captureSink records every delivered record, safe for concurrent writers.
type captureSink struct {
	mu  sync.Mutex
	out []types.Record
}

func (s *captureSink) Build(ctx context.Context, workerIndex, workerCount int) (sink.Writer, error) {
	return sink.Func(func(ctx context.Context, rec types.Record) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.out = append(s.out, rec)
		return nil
	}), nil
}

func (s *captureSink) records() []types.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Record, len(s.out))
	copy(out, s.out)
	return out
}

// S1-shaped — a single worker runs Input -> Map -> Capture to completion.
func TestWorker_MapThroughCapture(t *testing.T) {
	src := &testSource{stepID: "in", items: []testItem{
		{payload: 1}, {payload: 2}, {payload: 3},
	}}
	sk := &captureSink{}
	df, err := dataflow.New("double").
		Input("in", src).
		Map(func(v interface{}) interface{} { return v.(int) * 2 }).
		Capture(sk).
		Build()
	require.NoError(t, err)

	w, err := New(ctx, Config{Dataflow: df})
	require.NoError(t, err)
	require.NoError(t, w.Run(ctx))

	var got []int
	for _, r := range sk.records() {
		got = append(got, r.Payload.(int))
	}
	assert.Equal(t, []int{2, 4, 6}, got)
}

// S3-shaped — a reduce step accumulates per-key session events and emits on
// logout; a crash mid-session is simulated by running a second Worker
// against the same recovery log and state restored from where the first
// Worker's last acknowledged frontier left off.
func TestWorker_ReduceRecoversAndResumes(t *testing.T) {
	log, err := recovery.Open(":memory:", nil)
	require.NoError(t, err)
	defer log.Close()

	merge := func(acc, v interface{}) interface{} {
		var list []string
		if acc != nil {
			list = acc.([]string)
		}
		return append(list, v.(string))
	}
	isComplete := func(acc interface{}) bool {
		list := acc.([]string)
		return len(list) > 0 && list[len(list)-1] == "logout"
	}

	full := []testItem{
		{payload: types.Pair{Key: "a", Value: "login"}, advanceEpoch: true, resumeToken: "1"},
		{payload: types.Pair{Key: "a", Value: "post"}, advanceEpoch: true, resumeToken: "2"},
		{payload: types.Pair{Key: "a", Value: "logout"}, advanceEpoch: true, resumeToken: "3"},
	}

	sk1 := &captureSink{}
	src1 := &testSource{stepID: "in", items: full[:1]}
	df1, err := dataflow.New("sessions").
		Input("in", src1).
		Reduce("sess", merge, isComplete).
		Capture(sk1).
		Build()
	require.NoError(t, err)

	w1, err := New(ctx, Config{Dataflow: df1, Recovery: log, Codec: codec.NewGob([]string{})})
	require.NoError(t, err)
	require.NoError(t, w1.Run(ctx))
	assert.Empty(t, sk1.records(), "session not complete yet, nothing captured")

	sk2 := &captureSink{}
	src2 := &testSource{stepID: "in", items: full}
	df2, err := dataflow.New("sessions").
		Input("in", src2).
		Reduce("sess", merge, isComplete).
		Capture(sk2).
		Build()
	require.NoError(t, err)

	w2, err := New(ctx, Config{Dataflow: df2, Recovery: log, Codec: codec.NewGob([]string{})})
	require.NoError(t, err)
	require.NoError(t, w2.Run(ctx))

	records := sk2.records()
	require.Len(t, records, 1)
	pair := records[0].Payload.(types.Pair)
	assert.Equal(t, types.Key("a"), pair.Key)
	assert.Equal(t, []string{"login", "post", "logout"}, pair.Value)
}

// S6-shaped — a fold_window step's eligible windows are drained through the
// scheduler's own epoch-close path (not called directly on the operator),
// proving Worker.closeEpoch actually routes windowed emissions downstream.
func TestWorker_FoldWindowClosesThroughEpochBoundary(t *testing.T) {
	start := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	tc := clock.NewTestingClock(start)
	assigner := clock.NewTumbling(start, 10*time.Second, nil)

	src := &testSource{stepID: "in", items: []testItem{
		{payload: types.Pair{Key: "a", Value: "login"}},
		{payload: types.Pair{Key: "a", Value: "post"}},
		{payload: types.Pair{Key: "a", Value: "post"}},
		{payload: nil, advanceEpoch: true, before: func() { tc.Advance(10 * time.Second) }},
	}}
	sk := &captureSink{}
	df, err := dataflow.New("counts").
		Input("in", src).
		FoldWindow("counts", tc, assigner, func() interface{} { return map[string]int{} }, func(acc, v interface{}) interface{} {
			m := acc.(map[string]int)
			m[v.(string)]++
			return m
		}).
		Capture(sk).
		Build()
	require.NoError(t, err)

	w, err := New(ctx, Config{Dataflow: df})
	require.NoError(t, err)
	require.NoError(t, w.Run(ctx))

	records := sk.records()
	require.Len(t, records, 1)
	pair := records[0].Payload.(types.Pair)
	assert.Equal(t, types.Key("a"), pair.Key)
	assert.Equal(t, map[string]int{"login": 1, "post": 2}, pair.Value)
}

// S7-shaped — a stateful step's records addressed to a non-owning worker are
// routed over the cluster transport and processed on the owning worker.
func TestWorker_RoutesStatefulRecordsAcrossWorkers(t *testing.T) {
	const workerCount = 2
	cluster := local.NewCluster(workerCount, 0, nil)

	merge := func(acc, v interface{}) interface{} {
		count, _ := acc.(int)
		return count + v.(int)
	}
	neverComplete := func(interface{}) bool { return false }

	keys := []string{"alpha", "bravo", "charlie", "delta", "echo", "foxtrot"}
	owners := make(map[string]int, len(keys))
	for _, k := range keys {
		_, owner, err := router.RoutePair("sums", types.Pair{Key: k, Value: 1}, workerCount)
		require.NoError(t, err)
		owners[k] = int(owner)
	}

	// Every key is polled by worker 0 regardless of who owns it, forcing
	// every key owned by worker 1 to travel over the cluster transport.
	var items0 []testItem
	for _, k := range keys {
		items0 = append(items0, testItem{payload: types.Pair{Key: k, Value: 1}})
	}
	var items1 []testItem

	store0 := state.New()
	store1 := state.New()
	sk0 := &captureSink{}
	sk1 := &captureSink{}

	df0, err := dataflow.New("sums").
		Input("in", &testSource{stepID: "in", items: items0}).
		Reduce("sums", merge, neverComplete).
		Capture(sk0).
		Build()
	require.NoError(t, err)
	df1, err := dataflow.New("sums").
		Input("in", &testSource{stepID: "in", items: items1}).
		Reduce("sums", merge, neverComplete).
		Capture(sk1).
		Build()
	require.NoError(t, err)

	const (
		testDrainIdleTimeout  = 50 * time.Millisecond
		testDrainPollInterval = 2 * time.Millisecond
	)
	w0, err := New(ctx, Config{Dataflow: df0, Store: store0, WorkerIndex: 0, WorkerCount: workerCount, Transport: cluster.Transport(0),
		DrainIdleTimeout: testDrainIdleTimeout, DrainPollInterval: testDrainPollInterval})
	require.NoError(t, err)
	w1, err := New(ctx, Config{Dataflow: df1, Store: store1, WorkerIndex: 1, WorkerCount: workerCount, Transport: cluster.Transport(1),
		DrainIdleTimeout: testDrainIdleTimeout, DrainPollInterval: testDrainPollInterval})
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	errs := make(chan error, 2)
	go func() { defer wg.Done(); errs <- w0.Run(ctx) }()
	go func() { defer wg.Done(); errs <- w1.Run(ctx) }()
	wg.Wait()
	close(errs)
	for e := range errs {
		require.NoError(t, e)
	}

	// worker1's own poller had nothing to offer and may have reached end of
	// stream before worker0 finished routing keys it owns; Run now keeps
	// draining its inbox past its own end-of-stream until every peer has
	// announced Done and an idle window has passed, so no manual drain is
	// needed here — both workers block in drainUntilQuiescent until every
	// routed record above has actually landed.

	// Every key's routed contribution lands in exactly one owning worker's
	// state cell, regardless of which worker originally polled it; reduce
	// never completes, so nothing reaches either capture sink yet, but each
	// owning Store must hold the key.
	for _, k := range keys {
		var store *state.Store
		if owners[k] == 0 {
			store = store0
		} else {
			store = store1
		}
		found := false
		store.ForEach("sums", func(key types.Key, value interface{}) {
			if key == types.Key(k) {
				found = true
				assert.Equal(t, 1, value.(int))
			}
		})
		assert.True(t, found, "key %q missing from its owning worker's store", k)
	}
}

// S4/S6-shaped fault injection — a reduce merge closure panics mid-run
// instead of returning normally, proving the panic is recovered into a
// typed UserClosureError rather than crashing the test binary, and that a
// second Worker restarted against the same recovery log resumes correctly
// from the last epoch the first Worker actually closed before it panicked.
func TestWorker_ReduceMergePanicRecoversAndReplays(t *testing.T) {
	log, err := recovery.Open(":memory:", nil)
	require.NoError(t, err)
	defer log.Close()

	panickyMerge := func(acc, v interface{}) interface{} {
		if v.(string) == "boom" {
			panic("merge exploded")
		}
		var list []string
		if acc != nil {
			list = acc.([]string)
		}
		return append(list, v.(string))
	}
	soundMerge := func(acc, v interface{}) interface{} {
		var list []string
		if acc != nil {
			list = acc.([]string)
		}
		return append(list, v.(string))
	}
	isComplete := func(acc interface{}) bool {
		list := acc.([]string)
		return len(list) > 0 && list[len(list)-1] == "logout"
	}

	full := []testItem{
		{payload: types.Pair{Key: "a", Value: "login"}, advanceEpoch: true, resumeToken: "1"},
		{payload: types.Pair{Key: "a", Value: "boom"}, advanceEpoch: true, resumeToken: "2"},
		{payload: types.Pair{Key: "a", Value: "logout"}, advanceEpoch: true, resumeToken: "3"},
	}

	sk1 := &captureSink{}
	src1 := &testSource{stepID: "in", items: full}
	df1, err := dataflow.New("sessions").
		Input("in", src1).
		Reduce("sess", panickyMerge, isComplete).
		Capture(sk1).
		Build()
	require.NoError(t, err)

	w1, err := New(ctx, Config{Dataflow: df1, Recovery: log, Codec: codec.NewGob([]string{})})
	require.NoError(t, err)

	runErr := w1.Run(ctx)
	require.Error(t, runErr)
	appErr, ok := errors.AsAppError(runErr)
	require.True(t, ok, "expected a *errors.AppError, got %T: %v", runErr, runErr)
	assert.Equal(t, errors.CodeUserClosure, appErr.Code)
	assert.Equal(t, "sess", appErr.Component)
	assert.Equal(t, "reduce", appErr.Operation)
	assert.Empty(t, sk1.records(), "panic happened before the session ever completed")

	sk2 := &captureSink{}
	src2 := &testSource{stepID: "in", items: full}
	df2, err := dataflow.New("sessions").
		Input("in", src2).
		Reduce("sess", soundMerge, isComplete).
		Capture(sk2).
		Build()
	require.NoError(t, err)

	w2, err := New(ctx, Config{Dataflow: df2, Recovery: log, Codec: codec.NewGob([]string{})})
	require.NoError(t, err)
	require.NoError(t, w2.Run(ctx))

	records := sk2.records()
	require.Len(t, records, 1)
	pair := records[0].Payload.(types.Pair)
	assert.Equal(t, types.Key("a"), pair.Key)
	assert.Equal(t, []string{"login", "boom", "logout"}, pair.Value)
}
