package local

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"flowmesh/pkg/transport"
	"flowmesh/pkg/types"
)

func TestCluster_DeliversDataFIFOPerSender(t *testing.T) {
	c := NewCluster(2, 8, nil)
	a, b := c.Transport(0), c.Transport(1)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, a.SendData(ctx, 1, transport.DataMessage{
			StepID: "sessions",
			Record: types.NewRecord(types.Epoch(i), i),
		}))
	}

	for i := 0; i < 3; i++ {
		env := <-b.Inbox()
		require.NotNil(t, env.Data)
		require.Equal(t, transport.WorkerAddr(0), env.From)
		require.Equal(t, i, env.Data.Record.Payload)
	}
}

func TestCluster_SendProgress(t *testing.T) {
	c := NewCluster(2, 8, nil)
	a, b := c.Transport(0), c.Transport(1)

	require.NoError(t, a.SendProgress(context.Background(), 1, transport.ProgressMessage{Epoch: 5}))
	env := <-b.Inbox()
	require.NotNil(t, env.Progress)
	require.Equal(t, types.Epoch(5), env.Progress.Epoch)
}

func TestTransport_RejectsUnknownDestination(t *testing.T) {
	c := NewCluster(1, 4, nil)
	a := c.Transport(0)
	err := a.SendData(context.Background(), 7, transport.DataMessage{})
	require.Error(t, err)
}
