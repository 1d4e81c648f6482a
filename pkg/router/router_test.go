package router

import (
	"testing"

	"flowmesh/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRoute_DeterministicAcrossCalls is P1: for any worker_count and key,
// routing is deterministic across repeated calls (standing in for "across
// runs/processes", which within one Go process means repeated evaluation
// of the same pure function).
func TestRoute_DeterministicAcrossCalls(t *testing.T) {
	keys := []types.Key{"a", "b", int64(42), "user-1234"}
	for _, wc := range []int{1, 2, 3, 8, 31} {
		for _, k := range keys {
			first := Route(k, wc)
			for i := 0; i < 50; i++ {
				assert.Equal(t, first, Route(k, wc))
			}
		}
	}
}

// TestOwns_AgreesWithRoute exercises invariant 1 (§3): exactly one worker
// considers itself the owner of any given key.
func TestOwns_AgreesWithRoute(t *testing.T) {
	const w = 4
	for i := int64(0); i < 100; i++ {
		owner := Route(i, w)
		owners := 0
		for self := WorkerIndex(0); self < w; self++ {
			if Owns(i, w, self) {
				owners++
				assert.Equal(t, owner, self)
			}
		}
		assert.Equal(t, 1, owners)
	}
}

func TestRoutePair_TypeErrors(t *testing.T) {
	_, _, err := RoutePair("reduce", map[string]string{"user": "a", "type": "login"}, 4)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires a `(key, value)` 2-tuple")

	_, _, err = RoutePair("reduce", types.Pair{Key: map[string]int{"id": 1}, Value: "x"}, 4)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must return string or integer keys")
}

func TestRoutePair_ValidPairRoutesConsistently(t *testing.T) {
	pair, w1, err := RoutePair("reduce", types.Pair{Key: "a", Value: 1}, 4)
	require.NoError(t, err)
	_, w2, err := RoutePair("reduce", types.Pair{Key: "a", Value: 2}, 4)
	require.NoError(t, err)
	assert.Equal(t, w1, w2)
	assert.Equal(t, types.Key("a"), pair.Key)
}
