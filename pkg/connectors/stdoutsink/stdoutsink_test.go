package stdoutsink

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowmesh/pkg/types"
)

func TestSink_WritesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	s := New(&buf)

	w, err := s.Build(context.Background(), 0, 1)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Write(context.Background(), types.NewRecord(7, map[string]interface{}{"k": "v"})))
	require.NoError(t, w.Write(context.Background(), types.NewRecord(8, "plain")))

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)

	var first map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, float64(7), first["epoch"])
	assert.Contains(t, first, "processed_at")
}

func TestSink_ConcurrentWorkersShareWriter(t *testing.T) {
	var buf bytes.Buffer
	s := New(&buf)

	w1, err := s.Build(context.Background(), 0, 2)
	require.NoError(t, err)
	w2, err := s.Build(context.Background(), 1, 2)
	require.NoError(t, err)
	defer w1.Close()
	defer w2.Close()

	done := make(chan struct{}, 2)
	go func() {
		for i := 0; i < 50; i++ {
			w1.Write(context.Background(), types.NewRecord(types.Epoch(i), i))
		}
		done <- struct{}{}
	}()
	go func() {
		for i := 0; i < 50; i++ {
			w2.Write(context.Background(), types.NewRecord(types.Epoch(i), i))
		}
		done <- struct{}{}
	}()
	<-done
	<-done

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	assert.Len(t, lines, 100)
	for _, line := range lines {
		var decoded map[string]interface{}
		assert.NoError(t, json.Unmarshal([]byte(line), &decoded))
	}
}
