package raft

import (
	"bytes"
	"context"
	"encoding/gob"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/quorumkit/raft/internal/errors"
)

// grpcServiceName and grpcMethodDeliver name the single RPC GRPCTransport
// exposes. There is no protoc-generated stub backing this service (no
// .proto survives for this module — see DESIGN.md); the grpc.ServiceDesc
// below is written by hand, and every call carries a single opaque
// wrapperspb.BytesValue rather than a generated request/response pair.
const (
	grpcServiceName   = "quorumkit.raft.Consensus"
	grpcMethodDeliver = "Deliver"
	grpcFullMethod    = "/" + grpcServiceName + "/" + grpcMethodDeliver
)

// grpcEnvelope is this module's own wire format for a single peer message,
// gob-encoded and carried inside the gRPC call's BytesValue payload. gob is
// a standard-library choice rather than a third-party one; see DESIGN.md
// for why protobuf was not used here too (PeerMessage's Go-native oneof-via-
// pointer-fields shape does not map cleanly onto structpb without a real
// .proto schema, and the module already exercises protobuf elsewhere via
// the snapshot codec).
type grpcEnvelope struct {
	From    ServerID
	LogID   LogID
	Message PeerMessage
}

func encodeEnvelope(env grpcEnvelope) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(env); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeEnvelope(data []byte) (grpcEnvelope, error) {
	var env grpcEnvelope
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&env); err != nil {
		return grpcEnvelope{}, err
	}
	return env, nil
}

// grpcServiceServer is implemented by GRPCTransport and is the HandlerType
// grpcServiceDesc dispatches onto.
type grpcServiceServer interface {
	handleDeliver(ctx context.Context, env grpcEnvelope) error
}

var grpcServiceDesc = grpc.ServiceDesc{
	ServiceName: grpcServiceName,
	HandlerType: (*grpcServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: grpcMethodDeliver, Handler: grpcDeliverHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "raft.proto",
}

func grpcDeliverHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return grpcCallDeliver(srv.(grpcServiceServer), ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: grpcFullMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return grpcCallDeliver(srv.(grpcServiceServer), ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func grpcCallDeliver(s grpcServiceServer, ctx context.Context, in *wrapperspb.BytesValue) (interface{}, error) {
	env, err := decodeEnvelope(in.GetValue())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "malformed envelope: %v", err)
	}
	if err := s.handleDeliver(ctx, env); err != nil {
		return nil, status.Errorf(codes.Internal, "%v", err)
	}
	return &wrapperspb.BytesValue{}, nil
}

// GRPCTransport is the concrete, over-the-wire Transport: peer RPCs travel
// over gRPC unary calls to grpcServiceDesc's single method, dialed lazily
// and cached per peer.
type GRPCTransport struct {
	self       ServerID
	dispatcher *Dispatcher

	server   *grpc.Server
	listener net.Listener

	mu    sync.RWMutex
	addrs map[ServerID]string
	conns map[ServerID]*grpc.ClientConn
	down  map[ServerID]bool

	respMu    sync.RWMutex
	responses map[ClientID]chan CommandResponse
}

// NewGRPCTransport creates a GRPCTransport that identifies itself as self
// and dials peers at the addresses given in addrs.
func NewGRPCTransport(self ServerID, addrs map[ServerID]string) *GRPCTransport {
	addrsCopy := make(map[ServerID]string, len(addrs))
	for id, addr := range addrs {
		addrsCopy[id] = addr
	}
	return &GRPCTransport{
		self:      self,
		addrs:     addrsCopy,
		conns:     make(map[ServerID]*grpc.ClientConn),
		down:      make(map[ServerID]bool),
		responses: make(map[ClientID]chan CommandResponse),
	}
}

// AttachDispatcher wires the Dispatcher that inbound Deliver calls are
// routed to. It must be called before Listen.
func (t *GRPCTransport) AttachDispatcher(d *Dispatcher) {
	t.dispatcher = d
}

// Listen starts serving grpcServiceDesc on addr in a background goroutine.
func (t *GRPCTransport) Listen(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.WrapError(err, "failed to listen on %s", addr)
	}
	t.listener = lis
	t.server = grpc.NewServer()
	t.server.RegisterService(&grpcServiceDesc, t)
	go t.server.Serve(lis)
	return nil
}

func (t *GRPCTransport) handleDeliver(_ context.Context, env grpcEnvelope) error {
	if t.dispatcher == nil {
		return errors.New("grpc transport has no dispatcher attached")
	}
	wasDown := t.markUp(env.From)
	t.dispatcher.Deliver(env.From, env.LogID, env.Message)
	if wasDown {
		t.dispatcher.ConnectionResetAll(env.From)
	}
	return nil
}

func (t *GRPCTransport) markUp(peer ServerID) (wasDown bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	wasDown = t.down[peer]
	t.down[peer] = false
	return wasDown
}

func (t *GRPCTransport) markDown(peer ServerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.down[peer] = true
	if conn, ok := t.conns[peer]; ok {
		conn.Close()
		delete(t.conns, peer)
	}
}

func (t *GRPCTransport) dial(peer ServerID) (*grpc.ClientConn, error) {
	t.mu.RLock()
	conn, ok := t.conns[peer]
	t.mu.RUnlock()
	if ok {
		return conn, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if conn, ok := t.conns[peer]; ok {
		return conn, nil
	}
	addr, ok := t.addrs[peer]
	if !ok {
		return nil, errors.New("no address known for peer")
	}
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, errors.WrapError(err, "failed to dial peer %s", peer)
	}
	t.conns[peer] = conn
	return conn, nil
}

func (t *GRPCTransport) Send(to ServerID, logID LogID, msg PeerMessage) {
	conn, err := t.dial(to)
	if err != nil {
		return
	}
	data, err := encodeEnvelope(grpcEnvelope{From: t.self, LogID: logID, Message: msg})
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var resp wrapperspb.BytesValue
	if err := conn.Invoke(ctx, grpcFullMethod, wrapperspb.Bytes(data), &resp); err != nil {
		t.markDown(to)
	}
}

func (t *GRPCTransport) Broadcast(peers []ServerID, logID LogID, msg PeerMessage) {
	for _, p := range peers {
		t.Send(p, logID, msg)
	}
}

// RespondClient delivers resp to whichever local goroutine is waiting on
// Await(client). GRPCTransport only carries peer RPCs over the wire;
// client-facing delivery is left to whatever process embeds this
// Dispatcher, consistent with spec §6 leaving the client transport
// unspecified.
func (t *GRPCTransport) RespondClient(client ClientID, resp CommandResponse) {
	t.respMu.RLock()
	ch, ok := t.responses[client]
	t.respMu.RUnlock()
	if ok {
		ch <- resp
	}
}

// Await registers client as awaiting exactly one response and returns the
// channel it will arrive on.
func (t *GRPCTransport) Await(client ClientID) <-chan CommandResponse {
	t.respMu.Lock()
	defer t.respMu.Unlock()
	ch := make(chan CommandResponse, 1)
	t.responses[client] = ch
	return ch
}

// Close stops the gRPC server and closes every dialed client connection.
func (t *GRPCTransport) Close() error {
	if t.server != nil {
		t.server.GracefulStop()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	var firstErr error
	for peer, conn := range t.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(t.conns, peer)
	}
	return firstErr
}
