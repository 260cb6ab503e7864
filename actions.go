package raft

// TimeoutKind distinguishes the two timers Consensus asks its driver to
// arm: the randomized election timeout and a per-peer heartbeat.
type TimeoutKind int

const (
	// ElectionTimeout fires when a follower or candidate has heard nothing
	// from a leader for too long, and should start a new election.
	ElectionTimeout TimeoutKind = iota

	// HeartbeatTimeout fires when a leader should send (or re-send) an
	// AppendEntries to a specific, otherwise idle peer.
	HeartbeatTimeout
)

func (k TimeoutKind) String() string {
	switch k {
	case ElectionTimeout:
		return "election"
	case HeartbeatTimeout:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// Timeout names a timer Consensus wants armed or cleared. Peer is only
// meaningful for HeartbeatTimeout; it is the zero value for ElectionTimeout,
// which is per-log rather than per-peer.
type Timeout struct {
	Kind TimeoutKind
	Peer ServerID
}

// Actions is everything a single call into Consensus produced: messages to
// send, timers to arm or cancel, and client replies that are now ready to be
// delivered. Consensus never performs I/O itself; the caller (typically a
// Dispatcher) is responsible for carrying these out and feeding any
// resulting events back in.
//
// The zero value is a valid, empty Actions.
type Actions struct {
	// PeerMessages are outbound RPCs this call produced, addressed to a
	// specific peer.
	PeerMessages []PeerMessage

	// PeerMessagesBroadcast are outbound RPCs addressed to every peer in
	// the configuration alike (used for RequestVote during an election and
	// for transaction-control messages).
	PeerMessagesBroadcast []PeerMessage

	// ClientMessages are replies to already-received client requests that
	// are now ready to be sent back.
	ClientMessages []CommandResponse

	// TransactionQueue holds client messages that arrived while a
	// transaction is active and do not belong to it; the dispatcher
	// re-submits these once the active transaction ends.
	TransactionQueue []ClientMessage

	// Timeouts are timers that should be (re)armed, replacing any existing
	// timer of the same Kind/Peer.
	Timeouts []Timeout

	// ClearTimeouts are timers that should be cancelled without a
	// replacement being armed.
	ClearTimeouts []Timeout

	// ClearPeerMessages, when true, tells the caller to drop any
	// already-queued, not-yet-sent messages to peers; used when stepping
	// down so stale leader traffic is never delivered.
	ClearPeerMessages bool
}

// IsEmpty reports whether this Actions carries no work at all, which is the
// common case for a call that only updated internal bookkeeping.
func (a *Actions) IsEmpty() bool {
	return len(a.PeerMessages) == 0 &&
		len(a.PeerMessagesBroadcast) == 0 &&
		len(a.ClientMessages) == 0 &&
		len(a.TransactionQueue) == 0 &&
		len(a.Timeouts) == 0 &&
		len(a.ClearTimeouts) == 0 &&
		!a.ClearPeerMessages
}

func (a *Actions) sendPeer(to ServerID, msg PeerMessage) {
	msg.To = to
	a.PeerMessages = append(a.PeerMessages, msg)
}

func (a *Actions) broadcastPeer(msg PeerMessage) {
	a.PeerMessagesBroadcast = append(a.PeerMessagesBroadcast, msg)
}

func (a *Actions) replyClient(result CommandResponse) {
	a.ClientMessages = append(a.ClientMessages, result)
}

func (a *Actions) queueTransaction(msg ClientMessage) {
	a.TransactionQueue = append(a.TransactionQueue, msg)
}

func (a *Actions) arm(kind TimeoutKind, peer ServerID) {
	a.Timeouts = append(a.Timeouts, Timeout{Kind: kind, Peer: peer})
}

func (a *Actions) clear(kind TimeoutKind, peer ServerID) {
	a.ClearTimeouts = append(a.ClearTimeouts, Timeout{Kind: kind, Peer: peer})
}

// merge appends other's contents onto a, used when a single event handler
// delegates to several helpers that each build their own Actions.
func (a *Actions) merge(other Actions) {
	a.PeerMessages = append(a.PeerMessages, other.PeerMessages...)
	a.PeerMessagesBroadcast = append(a.PeerMessagesBroadcast, other.PeerMessagesBroadcast...)
	a.ClientMessages = append(a.ClientMessages, other.ClientMessages...)
	a.TransactionQueue = append(a.TransactionQueue, other.TransactionQueue...)
	a.Timeouts = append(a.Timeouts, other.Timeouts...)
	a.ClearTimeouts = append(a.ClearTimeouts, other.ClearTimeouts...)
	a.ClearPeerMessages = a.ClearPeerMessages || other.ClearPeerMessages
}
