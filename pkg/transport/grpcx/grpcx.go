// Package grpcx implements transport.Transport over gRPC for multi-process
// clusters: one bidirectional-streaming call per ordered worker pair,
// carrying both Data and Progress frames tagged by which pointer in
// transport.Envelope is set. There is no generated .pb.go for this
// service — the wire payload is a gob-encoded transport.Envelope wrapped
// in wrapperspb.BytesValue, a well-known protobuf message already shipped
// with google.golang.org/protobuf, so the standard gRPC codec and
// transport still apply without a protoc step. Grounded on the
// retrieval pack's inprocgrpc and grpc-proxy packages, which also build
// gRPC services and handlers without per-method generated stubs.
package grpcx

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"flowmesh/pkg/errors"
	"flowmesh/pkg/transport"
)

const serviceName = "flowmesh.transport.ClusterTransport"
const streamName = "Exchange"

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*any)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    streamName,
			Handler:       exchangeHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
}

func exchangeHandler(srv interface{}, stream grpc.ServerStream) error {
	s := srv.(*Server)
	return s.serve(stream)
}

func encodeEnvelope(env transport.Envelope) (*wrapperspb.BytesValue, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(env); err != nil {
		return nil, errors.TransportErr("encode", "malformed envelope").Wrap(err)
	}
	return wrapperspb.Bytes(buf.Bytes()), nil
}

func decodeEnvelope(msg *wrapperspb.BytesValue) (transport.Envelope, error) {
	var env transport.Envelope
	if err := gob.NewDecoder(bytes.NewReader(msg.GetValue())).Decode(&env); err != nil {
		return transport.Envelope{}, errors.TransportErr("decode", "malformed frame").Wrap(err)
	}
	return env, nil
}

// Server is the gRPC-side peer of Transport: it accepts one inbound stream
// per remote worker and forwards every decoded Envelope into inbox.
type Server struct {
	inbox chan transport.Envelope
	gs    *grpc.Server
}

// NewServer registers the cluster transport service on gs. inboxDepth
// bounds how many undelivered messages may queue locally before Inbox
// readers fall behind.
func NewServer(gs *grpc.Server, inboxDepth int) *Server {
	if inboxDepth <= 0 {
		inboxDepth = 1024
	}
	s := &Server{inbox: make(chan transport.Envelope, inboxDepth), gs: gs}
	gs.RegisterService(&serviceDesc, s)
	return s
}

func (s *Server) serve(stream grpc.ServerStream) error {
	for {
		var msg wrapperspb.BytesValue
		if err := stream.RecvMsg(&msg); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		env, err := decodeEnvelope(&msg)
		if err != nil {
			return err
		}
		s.inbox <- env
	}
}

// Inbox returns every Envelope received from any peer's stream.
func (s *Server) Inbox() <-chan transport.Envelope { return s.inbox }

// Transport is the client-side peer: it dials and maintains one
// persistent outbound stream per destination worker, lazily created on
// first send.
type Transport struct {
	self    transport.WorkerAddr
	dial    func(ctx context.Context, dest transport.WorkerAddr) (*grpc.ClientConn, error)
	server  *Server

	mu      sync.Mutex
	streams map[transport.WorkerAddr]grpc.ClientStream
}

// DialFunc resolves a worker address to a live gRPC connection, e.g. via a
// static peer table from internal/config.
type DialFunc func(ctx context.Context, dest transport.WorkerAddr) (*grpc.ClientConn, error)

// NewTransport returns a Transport for workers self, dialing peers with
// dial and receiving inbound frames through server.
func NewTransport(self transport.WorkerAddr, dial DialFunc, server *Server) *Transport {
	return &Transport{
		self:    self,
		dial:    dial,
		server:  server,
		streams: make(map[transport.WorkerAddr]grpc.ClientStream),
	}
}

var _ transport.Transport = (*Transport)(nil)

func (t *Transport) streamTo(ctx context.Context, dest transport.WorkerAddr) (grpc.ClientStream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cs, ok := t.streams[dest]; ok {
		return cs, nil
	}
	conn, err := t.dial(ctx, dest)
	if err != nil {
		return nil, errors.TransportErr("dial", fmt.Sprintf("dial worker %d", dest)).Wrap(err)
	}
	cs, err := conn.NewStream(context.Background(), &serviceDesc.Streams[0], fullMethod())
	if err != nil {
		return nil, errors.TransportErr("open_stream", fmt.Sprintf("open stream to worker %d", dest)).Wrap(err)
	}
	t.streams[dest] = cs
	return cs, nil
}

func fullMethod() string {
	return "/" + serviceName + "/" + streamName
}

func (t *Transport) send(ctx context.Context, dest transport.WorkerAddr, env transport.Envelope) error {
	cs, err := t.streamTo(ctx, dest)
	if err != nil {
		return err
	}
	msg, err := encodeEnvelope(env)
	if err != nil {
		return err
	}
	if err := cs.SendMsg(msg); err != nil {
		return errors.TransportErr("send", fmt.Sprintf("send to worker %d", dest)).Wrap(err)
	}
	return nil
}

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

// Inbox implements transport.Transport, delegating to the local Server.
func (t *Transport) Inbox() <-chan transport.Envelope { return t.server.Inbox() }

// Close closes every outbound stream this worker opened.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for dest, cs := range t.streams {
		_ = cs.CloseSend()
		delete(t.streams, dest)
	}
	return nil
}

// Listen is a small convenience for internal/app: start a gRPC server
// bound to addr with the cluster transport service registered.
func Listen(addr string, inboxDepth int) (*grpc.Server, *Server, net.Listener, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("grpcx: listen %s: %w", addr, err)
	}
	gs := grpc.NewServer()
	srv := NewServer(gs, inboxDepth)
	return gs, srv, lis, nil
}
