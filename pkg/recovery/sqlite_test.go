package recovery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"flowmesh/pkg/types"
)

func openTestLog(t *testing.T) *SQLiteLog {
	t.Helper()
	log, err := Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, log.Close()) })
	return log
}

func TestSQLiteLog_AppendAndReadFrom(t *testing.T) {
	log := openTestLog(t)
	ctx := context.Background()

	err := log.AppendSnapshots(ctx, []SnapshotEntry{
		{Step: "sessions", Key: "alice", Epoch: 1, Value: []byte("v1")},
		{Step: "sessions", Key: "bob", Epoch: 1, Value: []byte("v2")},
		{Step: "sessions", Key: "alice", Epoch: 2, Value: []byte("v3")},
	})
	require.NoError(t, err)

	records, err := log.ReadFrom(0)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert := func(i int, key string, value string) {
		require.Equal(t, types.StepID("sessions"), records[i].Step)
		require.Equal(t, string(value), string(records[i].Value.([]byte)))
		require.Equal(t, key, string(records[i].Key.(string)))
	}
	assert(0, string(types.KeyBytes(types.Key("alice"))), "v1")
	assert(1, string(types.KeyBytes(types.Key("bob"))), "v2")
	assert(2, string(types.KeyBytes(types.Key("alice"))), "v3")
}

func TestSQLiteLog_TombstoneRoundTrips(t *testing.T) {
	log := openTestLog(t)
	ctx := context.Background()

	require.NoError(t, log.AppendSnapshots(ctx, []SnapshotEntry{
		{Step: "dedup", Key: "k", Epoch: 1, Value: []byte("x")},
		{Step: "dedup", Key: "k", Epoch: 2, Tombstone: true},
	}))

	records, err := log.ReadFrom(0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.False(t, records[0].Tombstone)
	require.True(t, records[1].Tombstone)
}

func TestSQLiteLog_FrontierRoundTrips(t *testing.T) {
	log := openTestLog(t)
	ctx := context.Background()

	_, _, ok, err := log.LatestFrontier(ctx, "orders", 0)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, log.AppendFrontier(ctx, FrontierEntry{SourceID: "orders", WorkerIndex: 0, Epoch: 1, ResumeToken: "offset-100"}))
	require.NoError(t, log.AppendFrontier(ctx, FrontierEntry{SourceID: "orders", WorkerIndex: 0, Epoch: 2, ResumeToken: "offset-200"}))

	token, epoch, ok, err := log.LatestFrontier(ctx, "orders", 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "offset-200", token)
	require.Equal(t, types.Epoch(2), epoch)
}

func TestSQLiteLog_TruncateKeepsLatestPerKey(t *testing.T) {
	log := openTestLog(t)
	ctx := context.Background()

	require.NoError(t, log.AppendSnapshots(ctx, []SnapshotEntry{
		{Step: "s", Key: "a", Epoch: 1, Value: []byte("v1")},
		{Step: "s", Key: "a", Epoch: 2, Value: []byte("v2")},
		{Step: "s", Key: "a", Epoch: 3, Value: []byte("v3")},
	}))
	require.NoError(t, log.Truncate(ctx, 2))

	records, err := log.ReadFrom(0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "v2", string(records[0].Value.([]byte)))
	require.Equal(t, "v3", string(records[1].Value.([]byte)))
}

func TestSQLiteLog_LargeValueCompressesAndDecompresses(t *testing.T) {
	log := openTestLog(t)
	ctx := context.Background()

	big := make([]byte, 4096)
	for i := range big {
		big[i] = byte(i % 7)
	}
	require.NoError(t, log.AppendSnapshots(ctx, []SnapshotEntry{
		{Step: "big", Key: "k", Epoch: 1, Value: big},
	}))

	records, err := log.ReadFrom(0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, big, records[0].Value)
}
