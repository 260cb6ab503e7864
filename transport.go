package raft

import "sync"

// Transport is how a Dispatcher moves PeerMessages to other servers and
// CommandResponses back to clients. Consensus never touches it: every
// message it wants sent arrives through an Actions value, and the
// Dispatcher is the only thing that calls into Transport.
type Transport interface {
	// Send delivers msg to the server identified by to, addressed to the
	// consensus group logID.
	Send(to ServerID, logID LogID, msg PeerMessage)

	// Broadcast delivers msg identically to every server in peers.
	Broadcast(peers []ServerID, logID LogID, msg PeerMessage)

	// RespondClient delivers resp back to whichever client session client
	// names, however the transport tracks that session.
	RespondClient(client ClientID, resp CommandResponse)
}

// LoopbackTransport wires a fixed set of in-process Dispatchers together
// directly, without touching the network. It is intended for tests;
// GRPCTransport is the concrete, over-the-wire implementation.
type LoopbackTransport struct {
	mu          sync.RWMutex
	self        ServerID
	dispatchers map[ServerID]*Dispatcher
	responses   map[ClientID]chan CommandResponse
}

// NewLoopbackTransport creates a LoopbackTransport that identifies itself as
// self when delivering messages to its peers.
func NewLoopbackTransport(self ServerID) *LoopbackTransport {
	return &LoopbackTransport{
		self:        self,
		dispatchers: make(map[ServerID]*Dispatcher),
		responses:   make(map[ClientID]chan CommandResponse),
	}
}

// Connect registers the Dispatcher reachable at id, so that Send/Broadcast
// calls addressed to id reach it directly.
func (t *LoopbackTransport) Connect(id ServerID, d *Dispatcher) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dispatchers[id] = d
}

func (t *LoopbackTransport) Send(to ServerID, logID LogID, msg PeerMessage) {
	t.mu.RLock()
	d, ok := t.dispatchers[to]
	t.mu.RUnlock()
	if !ok {
		return
	}
	d.Deliver(t.self, logID, msg)
}

func (t *LoopbackTransport) Broadcast(peers []ServerID, logID LogID, msg PeerMessage) {
	for _, p := range peers {
		t.Send(p, logID, msg)
	}
}

func (t *LoopbackTransport) RespondClient(client ClientID, resp CommandResponse) {
	t.mu.RLock()
	ch, ok := t.responses[client]
	t.mu.RUnlock()
	if ok {
		ch <- resp
	}
}

// Await registers client as awaiting exactly one response and returns the
// channel it will arrive on. Intended for tests driving a single
// request/response round trip at a time per client.
func (t *LoopbackTransport) Await(client ClientID) <-chan CommandResponse {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan CommandResponse, 1)
	t.responses[client] = ch
	return ch
}
