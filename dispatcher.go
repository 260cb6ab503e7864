package raft

import (
	"sync"
	"time"

	"github.com/quorumkit/raft/internal/errors"
	"github.com/quorumkit/raft/internal/util"
)

var errLogExists = errors.New("log already exists")
var errLogNotFound = errors.New("log does not exist")

// StateMachineFactory creates a fresh StateMachine for a log newly created
// via CreateLog with a nil StateMachine argument.
type StateMachineFactory func(LogID) StateMachine

// SnapshotStorageFactory creates the SnapshotStorage a newly created log's
// Consensus persists its snapshots into, analogous to StateMachineFactory.
// A nil factory (the default) leaves every log without a SnapshotStorage, so
// MaybeSnapshot never compacts.
type SnapshotStorageFactory func(LogID) (SnapshotStorage, error)

// logHandle is everything the Dispatcher keeps per LogID beyond the
// Consensus instance itself: its own mutex (events for one log are
// serialized against each other but never against another log), the armed
// timers Actions asked for, and client messages deferred behind an active
// transaction.
type logHandle struct {
	mu               sync.Mutex
	consensus        *Consensus
	peers            []ServerID
	timers           map[Timeout]*time.Timer
	transactionQueue []ClientMessage
	closed           bool
}

// Dispatcher is the multi-log entry point: it owns one Consensus instance
// per LogID, arms and disarms the timers Actions request with
// time.AfterFunc, and carries out every other Action through a Transport.
// Demultiplexing on LogID lets several independent consensus groups share
// one peer set and one Dispatcher, generalizing the teacher's
// one-Raft-per-process model.
type Dispatcher struct {
	id              ServerID
	transport       Transport
	factory         StateMachineFactory
	snapshotFactory SnapshotStorageFactory
	rawOpts         []Option
	resolved        options

	mu   sync.RWMutex
	logs map[LogID]*logHandle
}

// NewDispatcher creates a Dispatcher identifying itself as id, using
// transport to carry peer and client messages, factory to create a
// StateMachine for any log CreateLog is asked to default, and
// snapshotFactory (which may be nil) to create each log's SnapshotStorage.
func NewDispatcher(id ServerID, transport Transport, factory StateMachineFactory, snapshotFactory SnapshotStorageFactory, opts ...Option) (*Dispatcher, error) {
	resolved, err := resolveOptions(opts...)
	if err != nil {
		return nil, err
	}
	return &Dispatcher{
		id:              id,
		transport:       transport,
		factory:         factory,
		snapshotFactory: snapshotFactory,
		rawOpts:         opts,
		resolved:        resolved,
		logs:            make(map[LogID]*logHandle),
	}, nil
}

// CreateLog registers a new consensus group under logID, backed by log for
// durable storage. If stateMachine is nil, the Dispatcher's factory creates
// one. If the Dispatcher has a SnapshotStorageFactory, it creates this log's
// SnapshotStorage too, so MaybeSnapshot can actually persist and compact.
// peers must not include the Dispatcher's own id.
func (d *Dispatcher) CreateLog(logID LogID, peers []ServerID, log Log, stateMachine StateMachine) error {
	d.mu.Lock()
	if _, exists := d.logs[logID]; exists {
		d.mu.Unlock()
		return errLogExists
	}
	d.mu.Unlock()

	if stateMachine == nil {
		stateMachine = d.factory(logID)
	}

	consensusOpts := d.rawOpts
	if d.snapshotFactory != nil {
		storage, err := d.snapshotFactory(logID)
		if err != nil {
			return errors.WrapError(err, "failed to create snapshot storage for log %s", logID)
		}
		consensusOpts = append(append([]Option{}, d.rawOpts...), WithSnapshotStorage(storage))
	}

	consensus, err := NewConsensus(d.id, logID, peers, log, stateMachine, consensusOpts...)
	if err != nil {
		return err
	}

	h := &logHandle{consensus: consensus, peers: peers, timers: make(map[Timeout]*time.Timer)}

	d.mu.Lock()
	d.logs[logID] = h
	d.mu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()
	var actions Actions
	actions.arm(ElectionTimeout, "")
	d.carryOutLocked(h, logID, actions)
	return nil
}

func (d *Dispatcher) handle(logID LogID) (*logHandle, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.logs[logID]
	return h, ok
}

// Status reports the current Status of logID, or ok=false if no such log is
// registered.
func (d *Dispatcher) Status(logID LogID) (status Status, ok bool) {
	h, exists := d.handle(logID)
	if !exists {
		return Status{}, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.consensus.Status(), true
}

// Deliver feeds an inbound peer message, received from from, into logID's
// Consensus instance. Unknown LogIDs are dropped silently, matching a peer
// that has not yet learned about a log this server already participates
// in.
func (d *Dispatcher) Deliver(from ServerID, logID LogID, msg PeerMessage) {
	h, ok := d.handle(logID)
	if !ok {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	actions, err := h.consensus.ApplyPeerMessage(from, msg)
	if err != nil {
		d.resolved.logger.Warnf("dropping malformed peer message: log = %s, from = %s, reason = %v", logID, from, err)
		return
	}
	d.carryOutLocked(h, logID, actions)
	d.drainTransactionQueueLocked(h, logID)
}

// SubmitClient feeds an inbound client request into logID's Consensus
// instance. It returns errLogNotFound if logID is not registered.
func (d *Dispatcher) SubmitClient(logID LogID, msg ClientMessage) error {
	h, ok := d.handle(logID)
	if !ok {
		return errLogNotFound
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errLogNotFound
	}
	actions, err := h.consensus.ApplyClientMessage(msg)
	if err != nil {
		return err
	}
	d.carryOutLocked(h, logID, actions)
	d.drainTransactionQueueLocked(h, logID)
	return nil
}

// ConnectionReset notifies logID's Consensus instance that its connection
// to peer has just been (re-)established, so a leader can retransmit its
// tail and a candidate can re-send its vote request.
func (d *Dispatcher) ConnectionReset(logID LogID, peer ServerID) {
	h, ok := d.handle(logID)
	if !ok {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	actions := h.consensus.PeerConnectionReset(peer)
	d.carryOutLocked(h, logID, actions)
}

// ConnectionResetAll notifies every registered log that the connection to
// peer has just been (re-)established. Intended for a Transport that only
// tracks connectivity per-peer, not per-log.
func (d *Dispatcher) ConnectionResetAll(peer ServerID) {
	d.mu.RLock()
	ids := make([]LogID, 0, len(d.logs))
	for id := range d.logs {
		ids = append(ids, id)
	}
	d.mu.RUnlock()
	for _, id := range ids {
		d.ConnectionReset(id, peer)
	}
}

// fireTimeout is called, via time.AfterFunc, when one of a log's armed
// timers elapses. It re-enters the same per-log serialization Deliver and
// SubmitClient use.
func (d *Dispatcher) fireTimeout(logID LogID, t Timeout) {
	h, ok := d.handle(logID)
	if !ok {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	delete(h.timers, t)
	actions := h.consensus.ApplyTimeout(t)
	d.carryOutLocked(h, logID, actions)
	d.drainTransactionQueueLocked(h, logID)
}

// carryOutLocked performs every side effect actions describes. h.mu must
// already be held by the caller.
//
// Outbound sends are dispatched on their own goroutines rather than called
// directly: a Transport (LoopbackTransport in particular) may deliver
// straight back into this same Dispatcher before Send/Broadcast returns, and
// a synchronous call here would try to re-lock h.mu while this very call
// frame still holds it. Handing the send to a goroutine lets carryOutLocked
// return and release h.mu first.
func (d *Dispatcher) carryOutLocked(h *logHandle, logID LogID, actions Actions) {
	// ClearPeerMessages has nothing to act on here: messages are sent
	// asynchronously below rather than buffered, so it is only meaningful
	// to a Transport that batches outbound traffic itself.

	for _, msg := range actions.PeerMessages {
		msg := msg
		go d.transport.Send(msg.To, logID, msg)
	}
	for _, msg := range actions.PeerMessagesBroadcast {
		msg := msg
		go d.transport.Broadcast(h.peers, logID, msg)
	}
	for _, resp := range actions.ClientMessages {
		resp := resp
		go d.transport.RespondClient(resp.Client, resp)
	}
	for _, t := range actions.ClearTimeouts {
		if timer, ok := h.timers[t]; ok {
			timer.Stop()
			delete(h.timers, t)
		}
	}
	for _, t := range actions.Timeouts {
		d.armTimer(h, logID, t)
	}
	if len(actions.TransactionQueue) > 0 {
		h.transactionQueue = append(h.transactionQueue, actions.TransactionQueue...)
	}
}

// drainTransactionQueueLocked resubmits queued client messages, in FIFO
// order, stopping as soon as one is deferred again (a later message could
// only belong to a transaction that opened after the one it is waiting on,
// so the remaining queue is still blocked too). Nothing is resubmitted while
// a transaction is active, so a message already waiting in the queue is not
// counted against the queue capacity a second time. h.mu must already be
// held.
func (d *Dispatcher) drainTransactionQueueLocked(h *logHandle, logID LogID) {
	for len(h.transactionQueue) > 0 {
		if h.consensus.transaction.Active() {
			return
		}
		msg := h.transactionQueue[0]
		actions, err := h.consensus.SubmitTransactionQueue(msg)
		if err != nil {
			h.transactionQueue = h.transactionQueue[1:]
			continue
		}
		if len(actions.TransactionQueue) > 0 {
			return
		}
		h.transactionQueue = h.transactionQueue[1:]
		d.carryOutLocked(h, logID, actions)
	}
}

func (d *Dispatcher) armTimer(h *logHandle, logID LogID, t Timeout) {
	if existing, ok := h.timers[t]; ok {
		existing.Stop()
	}
	h.timers[t] = time.AfterFunc(d.timeoutDelay(t), func() { d.fireTimeout(logID, t) })
}

func (d *Dispatcher) timeoutDelay(t Timeout) time.Duration {
	switch t.Kind {
	case ElectionTimeout:
		return util.RandomTimeout(d.resolved.electionMin, d.resolved.electionMax)
	case HeartbeatTimeout:
		return d.resolved.heartbeatInterval
	default:
		return d.resolved.heartbeatInterval
	}
}

// Close stops every armed timer and closes every registered log's Log.
// Registered logs remain in the Dispatcher but reject further events.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	logs := make([]*logHandle, 0, len(d.logs))
	for _, h := range d.logs {
		logs = append(logs, h)
	}
	d.mu.Unlock()

	var firstErr error
	for _, h := range logs {
		h.mu.Lock()
		h.closed = true
		for _, timer := range h.timers {
			timer.Stop()
		}
		h.timers = nil
		if err := h.consensus.log.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		if h.consensus.opts.snapshotStorage != nil {
			if err := h.consensus.opts.snapshotStorage.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		h.mu.Unlock()
	}
	return firstErr
}
