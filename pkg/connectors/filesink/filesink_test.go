package filesink

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowmesh/pkg/types"
)

func TestSink_WritesOnePerWorker(t *testing.T) {
	dir := t.TempDir()
	s := New(Config{Directory: dir})

	w0, err := s.Build(context.Background(), 0, 2)
	require.NoError(t, err)
	w1, err := s.Build(context.Background(), 1, 2)
	require.NoError(t, err)

	require.NoError(t, w0.Write(context.Background(), types.NewRecord(1, "a")))
	require.NoError(t, w1.Write(context.Background(), types.NewRecord(1, "b")))
	require.NoError(t, w0.Close())
	require.NoError(t, w1.Close())

	for _, name := range []string{"worker-0.log", "worker-1.log"} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err)
	}
}

func TestSink_RotatesOnSize(t *testing.T) {
	dir := t.TempDir()
	s := New(Config{Directory: dir, MaxSizeMB: 0, QueueSize: 10})
	// Force rotation after a tiny threshold by writing directly against the
	// writer's internal size check: MaxSizeMB must be > 0 to enable
	// rotation, so use the smallest unit that still triggers quickly.
	s.cfg.MaxSizeMB = 1

	w, err := s.Build(context.Background(), 0, 1)
	require.NoError(t, err)

	big := make([]byte, 2048)
	for i := range big {
		big[i] = 'x'
	}
	for i := 0; i < 2000; i++ {
		require.NoError(t, w.Write(context.Background(), types.NewRecord(types.Epoch(i), string(big))))
	}
	require.NoError(t, w.Close())

	matches, err := filepath.Glob(filepath.Join(dir, "worker-0.log.*"))
	require.NoError(t, err)
	assert.NotEmpty(t, matches, "expected at least one rotated file")
}

func TestSink_CompressesRotations(t *testing.T) {
	dir := t.TempDir()
	s := New(Config{Directory: dir, MaxSizeMB: 1, Compress: true, QueueSize: 10})

	w, err := s.Build(context.Background(), 0, 1)
	require.NoError(t, err)

	big := make([]byte, 2048)
	for i := range big {
		big[i] = 'y'
	}
	for i := 0; i < 2000; i++ {
		require.NoError(t, w.Write(context.Background(), types.NewRecord(types.Epoch(i), string(big))))
	}
	require.NoError(t, w.Close())

	matches, err := filepath.Glob(filepath.Join(dir, "worker-0.log.*.gz"))
	require.NoError(t, err)
	require.NotEmpty(t, matches, "expected at least one compressed rotation")

	f, err := os.Open(matches[0])
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	defer gz.Close()

	scanner := bufio.NewScanner(gz)
	require.True(t, scanner.Scan())
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &decoded))
	assert.Contains(t, decoded, "payload")
}

func TestSink_CleansUpOldRotations(t *testing.T) {
	dir := t.TempDir()
	s := New(Config{Directory: dir, MaxSizeMB: 1, MaxFiles: 2, QueueSize: 10})

	w, err := s.Build(context.Background(), 0, 1)
	require.NoError(t, err)

	big := make([]byte, 2048)
	for i := range big {
		big[i] = 'z'
	}
	// Enough writes to force several rotations.
	for i := 0; i < 6000; i++ {
		require.NoError(t, w.Write(context.Background(), types.NewRecord(types.Epoch(i), string(big))))
	}
	require.NoError(t, w.Close())

	matches, err := filepath.Glob(filepath.Join(dir, "worker-0.log.*"))
	require.NoError(t, err)
	assert.LessOrEqual(t, len(matches), 2)
}
