package genericsource

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowmesh/pkg/source"
	"flowmesh/pkg/types"
)

var ctx = context.Background()

func TestListSource_ShardsAndResumes(t *testing.T) {
	src := NewListSource("in", []interface{}{0, 1, 2, 3, 4, 5})

	poller, err := src.Build(ctx, 0, 2, "")
	require.NoError(t, err)
	defer poller.Close()

	var got []interface{}
	var lastToken string
	for {
		item, err := poller.Poll(ctx)
		require.NoError(t, err)
		if source.IsEndOfStream(item) {
			break
		}
		got = append(got, item.Payload)
		lastToken = item.ResumeToken
	}
	assert.Equal(t, []interface{}{0, 2, 4}, got)

	// A fresh poller resuming from the prior run's last token emits nothing
	// further for this worker's shard.
	resumed, err := src.Build(ctx, 0, 2, lastToken)
	require.NoError(t, err)
	defer resumed.Close()
	item, err := resumed.Poll(ctx)
	require.NoError(t, err)
	assert.True(t, source.IsEndOfStream(item))
}

func TestListSource_ResumePartway(t *testing.T) {
	src := NewListSource("in", []interface{}{"a", "b", "c", "d"})

	poller, err := src.Build(ctx, 0, 1, "2")
	require.NoError(t, err)
	defer poller.Close()

	item, err := poller.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, "c", item.Payload)
}

func TestCollectingSink_Records(t *testing.T) {
	sk := NewCollectingSink()
	w, err := sk.Build(ctx, 0, 1)
	require.NoError(t, err)

	require.NoError(t, w.Write(ctx, types.NewRecord(1, "x")))
	require.NoError(t, w.Write(ctx, types.NewRecord(2, "y")))

	records := sk.Records()
	require.Len(t, records, 2)
	assert.Equal(t, "x", records[0].Payload)
	assert.Equal(t, "y", records[1].Payload)
}

func TestGenerator_EmitsOnTick(t *testing.T) {
	gen := NewGenerator("gen", 5*time.Millisecond, func(workerIndex int) interface{} {
		return workerIndex
	})

	poller, err := gen.AsDynamic().Build(ctx, 3, 4)
	require.NoError(t, err)
	defer poller.Close()

	item, err := poller.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, item.Payload)
	assert.True(t, item.AdvanceEpoch)
}
