// Package local implements transport.Transport over buffered Go channels
// for single-process multi-worker runs, with no network hop. Each worker
// has one inbound channel shared by every sender; a channel preserves each
// sender's send order, giving the FIFO-per-pair guarantee
// transport.Transport requires without any sequencing logic.
package local

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"flowmesh/pkg/backpressure"
	"flowmesh/pkg/errors"
	"flowmesh/pkg/transport"
)

const defaultQueueDepth = 256

// Cluster wires every worker's local.Transport to every other's, sharing
// no state beyond the channels themselves.
type Cluster struct {
	workers []*Transport
}

// NewCluster builds a fully connected in-process cluster of workerCount
// workers. Transport(i) returns the i'th worker's handle.
func NewCluster(workerCount int, queueDepth int, logger *logrus.Logger) *Cluster {
	if queueDepth <= 0 {
		queueDepth = defaultQueueDepth
	}
	if logger == nil {
		logger = logrus.New()
	}

	c := &Cluster{workers: make([]*Transport, workerCount)}
	// inbox[i] is the channel every other worker sends to when addressing
	// worker i.
	inboxes := make([]chan transport.Envelope, workerCount)
	for i := range inboxes {
		inboxes[i] = make(chan transport.Envelope, queueDepth*workerCount)
	}

	for i := 0; i < workerCount; i++ {
		t := &Transport{
			self:    transport.WorkerAddr(i),
			inboxes: inboxes,
			depth:   queueDepth,
			admission: make([]*backpressure.Manager, workerCount),
			logger:  logger,
		}
		for j := 0; j < workerCount; j++ {
			t.admission[j] = backpressure.NewManager(backpressure.Config{}, logger)
		}
		c.workers[i] = t
	}
	return c
}

// Transport returns the i'th worker's Transport handle.
func (c *Cluster) Transport(i int) *Transport { return c.workers[i] }

// Transport is one worker's view of the in-process cluster.
type Transport struct {
	self    transport.WorkerAddr
	inboxes []chan transport.Envelope
	depth   int

	mu        sync.Mutex
	admission []*backpressure.Manager

	logger *logrus.Logger
}

var _ transport.Transport = (*Transport)(nil)

// SendData implements transport.Transport.
func (t *Transport) SendData(ctx context.Context, dest transport.WorkerAddr, msg transport.DataMessage) error {
	return t.send(ctx, dest, transport.Envelope{From: t.self, Data: &msg})
}

// SendProgress implements transport.Transport.
func (t *Transport) SendProgress(ctx context.Context, dest transport.WorkerAddr, msg transport.ProgressMessage) error {
	return t.send(ctx, dest, transport.Envelope{From: t.self, Progress: &msg})
}

// SendDone implements transport.Transport.
func (t *Transport) SendDone(ctx context.Context, dest transport.WorkerAddr) error {
	return t.send(ctx, dest, transport.Envelope{From: t.self, Done: &transport.DoneMessage{}})
}

func (t *Transport) send(ctx context.Context, dest transport.WorkerAddr, env transport.Envelope) error {
	if int(dest) < 0 || int(dest) >= len(t.inboxes) {
		return errors.TransportErr("send", fmt.Sprintf("no such worker %d", dest))
	}
	ch := t.inboxes[dest]

	t.mu.Lock()
	mgr := t.admission[dest]
	t.mu.Unlock()
	mgr.UpdateMetrics(backpressure.Metrics{QueueUtilization: float64(len(ch)) / float64(cap(ch))})
	if mgr.ShouldReject() {
		t.logger.WithField("dest", dest).Warn("transport: dropping send, destination queue saturated")
		return errors.TransportErr("send", fmt.Sprintf("destination worker %d queue saturated", dest))
	}

	select {
	case ch <- env:
		return nil
	case <-ctx.Done():
		return errors.TransportErr("send", fmt.Sprintf("context canceled sending to worker %d", dest)).Wrap(ctx.Err())
	}
}

// Inbox implements transport.Transport.
func (t *Transport) Inbox() <-chan transport.Envelope { return t.inboxes[t.self] }

// Close implements transport.Transport. In-process channels need no
// teardown beyond letting them be garbage collected once every worker
// holding a reference exits; Close is a no-op kept for interface parity
// with the gRPC backend.
func (t *Transport) Close() error { return nil }
