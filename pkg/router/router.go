// Package router implements the deterministic key-to-worker mapping every
// stateful operator routes through. The hash must be stable across
// processes and Go versions, so it is built on xxhash's block algorithm
// (already a direct dependency for content hashing elsewhere in the
// stack) rather than Go's randomized runtime map hash.
package router

import (
	"flowmesh/pkg/errors"
	"flowmesh/pkg/types"

	"github.com/cespare/xxhash/v2"
)

// WorkerIndex identifies a worker within a cluster-wide, 0-based,
// contiguous numbering: process_index * workers_per_process + local_index.
type WorkerIndex int

// StableHash returns a deterministic 64-bit hash of a normalized key.
// Equal keys hash equally regardless of process or Go version, which is
// the property P1 requires.
func StableHash(key types.Key) uint64 {
	return xxhash.Sum64(types.KeyBytes(key))
}

// Route maps a key to its owning worker out of workerCount workers.
// workerCount must be >= 1.
func Route(key types.Key, workerCount int) WorkerIndex {
	if workerCount <= 0 {
		workerCount = 1
	}
	return WorkerIndex(StableHash(key) % uint64(workerCount))
}

// RoutePair validates and routes a stateful operator's incoming payload in
// one step, returning the typed errors §4.5/S5 require for malformed
// input before the record leaves the operator chain.
func RoutePair(stepID types.StepID, payload interface{}, workerCount int) (types.Pair, WorkerIndex, error) {
	pair, err := types.AsPair(stepID, payload)
	if err != nil {
		return types.Pair{}, 0, err
	}
	return pair, Route(pair.Key, workerCount), nil
}

// Owns reports whether worker `self` is the authoritative owner of key
// under a cluster of workerCount workers — invariant 1 in §3.
func Owns(key types.Key, workerCount int, self WorkerIndex) bool {
	return Route(key, workerCount) == self
}

// MustNormalizeKey is a convenience used by operators that already know
// their payload is a pair and only need to validate the key shape, e.g.
// after a user closure computes a new key.
func MustNormalizeKey(stepID types.StepID, key interface{}) (types.Key, error) {
	k, ok := types.NormalizeKey(key)
	if !ok {
		return nil, errors.TypeErrorBadKey(string(stepID), key)
	}
	return k, nil
}
