package state

import (
	"testing"

	"flowmesh/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_GetOrInit_ConstructsOnce(t *testing.T) {
	s := New()
	calls := 0
	builder := func() interface{} {
		calls++
		return 0
	}

	v1 := s.GetOrInit("reduce", "a", builder)
	v2 := s.GetOrInit("reduce", "a", builder)

	assert.Equal(t, 0, v1)
	assert.Equal(t, 0, v2)
	assert.Equal(t, 1, calls, "builder should only run on first observation")
}

func TestStore_SnapshotDrainsOnlyDirtyCells(t *testing.T) {
	s := New()
	s.Put("reduce", "a", 1)
	s.Put("reduce", "b", 2)

	entries, commit := s.Snapshot(1)
	require.Len(t, entries, 2)
	assert.Equal(t, types.StepID("reduce"), entries[0].Step)
	commit()

	// Nothing dirty: a second snapshot at a later epoch is empty.
	entries2, commit2 := s.Snapshot(2)
	assert.Empty(t, entries2)
	commit2()

	// Mutating one key dirties only that cell.
	s.Put("reduce", "a", 99)
	entries3, commit3 := s.Snapshot(3)
	require.Len(t, entries3, 1)
	assert.Equal(t, types.Key("a"), entries3[0].Key)
	assert.Equal(t, 99, entries3[0].Value)
	commit3()
}

func TestStore_RemoveTombstonesOnNextSnapshot(t *testing.T) {
	s := New()
	s.Put("reduce", "a", 1)
	_, commit := s.Snapshot(1)
	commit()

	s.Remove("reduce", "a")
	entries, commit2 := s.Snapshot(2)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Tombstone)
	commit2()

	// Re-observing the key after the tombstone rebuilds state via builder.
	calls := 0
	v := s.GetOrInit("reduce", "a", func() interface{} {
		calls++
		return "fresh"
	})
	assert.Equal(t, "fresh", v)
	assert.Equal(t, 1, calls)
}

type fakeLog struct {
	records []RestoreRecord
}

func (f *fakeLog) ReadFrom(epoch types.Epoch) ([]RestoreRecord, error) {
	return f.records, nil
}

func TestStore_RestoreAppliesLatestPerKeyUpToEpoch(t *testing.T) {
	log := &fakeLog{records: []RestoreRecord{
		{Step: "reduce", Key: "a", Epoch: 1, Value: "v1"},
		{Step: "reduce", Key: "a", Epoch: 2, Value: "v2"},
		{Step: "reduce", Key: "a", Epoch: 5, Value: "v5-too-late"},
		{Step: "reduce", Key: "b", Epoch: 1, Value: "b1"},
		{Step: "reduce", Key: "b", Epoch: 3, Tombstone: true},
	}}

	s := New()
	require.NoError(t, s.Restore(log, 3))

	got := s.GetOrInit("reduce", "a", func() interface{} { return "missing" })
	assert.Equal(t, "v2", got)

	calls := 0
	gotB := s.GetOrInit("reduce", "b", func() interface{} {
		calls++
		return "rebuilt"
	})
	assert.Equal(t, "rebuilt", gotB)
	assert.Equal(t, 1, calls, "tombstoned key must not resurrect prior value")
}
