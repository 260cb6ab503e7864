package raft

import "github.com/quorumkit/raft/internal/errors"

var (
	errTransactionActive   = errors.New("a transaction is already active")
	errTransactionInactive = errors.New("no transaction is active")
)

// transactionState is the per-log bookkeeping a Transaction keeps so that a
// rollback can restore Consensus to exactly the state it was in before the
// transaction began. Grounded on spec §3's TransactionState and the
// teacher's options.go-style small-struct-plus-methods idiom.
type transactionState struct {
	active bool
	id     TransactionID

	savedCommitIndex LogIndex
	savedLastApplied LogIndex
	savedFollowerMin LogIndex
	hasFollowerMin   bool
	inflightCount    int
}

// Transaction is the per-log transaction manager (T in spec §2): it admits
// at most one active transaction at a time and remembers what to restore on
// rollback. It holds no reference to Log or StateMachine; Consensus performs
// the actual log/state-machine rollback using the values Rollback returns.
type Transaction struct {
	state transactionState
}

// NewTransaction creates an inactive Transaction.
func NewTransaction() *Transaction {
	return &Transaction{}
}

// Active reports whether a transaction is currently open.
func (t *Transaction) Active() bool { return t.state.active }

// Session returns the currently active transaction's id. Only meaningful
// when Active() is true.
func (t *Transaction) Session() TransactionID { return t.state.id }

// Begin opens a transaction named id, capturing the values that Rollback
// will later restore. followerMin is only supplied by follower-side
// mirroring; leaders pass hasFollowerMin=false.
func (t *Transaction) Begin(id TransactionID, commitIndex, lastApplied LogIndex, followerMin LogIndex, hasFollowerMin bool) error {
	if t.state.active {
		return errTransactionActive
	}
	t.state = transactionState{
		active:           true,
		id:               id,
		savedCommitIndex: commitIndex,
		savedLastApplied: lastApplied,
		savedFollowerMin: followerMin,
		hasFollowerMin:   hasFollowerMin,
	}
	return nil
}

// Compare reports whether a transaction is active and id names it.
func (t *Transaction) Compare(id TransactionID) bool {
	return t.state.active && t.state.id == id
}

// CountUp increments the advisory inflight counter, bumped whenever a
// non-matching client message is deferred to Actions.TransactionQueue
// instead of being admitted immediately.
func (t *Transaction) CountUp() { t.state.inflightCount++ }

// InflightCount returns the advisory counter CountUp increments.
func (t *Transaction) InflightCount() int { return t.state.inflightCount }

// End commits the active transaction, clearing all bookkeeping.
func (t *Transaction) End() error {
	if !t.state.active {
		return errTransactionInactive
	}
	t.state = transactionState{}
	return nil
}

// Rollback clears the active transaction and returns the
// (commitIndex, lastApplied, followerMin) values saved at Begin.
// hasFollowerMin reports whether followerMin was actually saved (it is only
// meaningful for follower-side mirrored transactions).
func (t *Transaction) Rollback() (commitIndex, lastApplied, followerMin LogIndex, hasFollowerMin bool, err error) {
	if !t.state.active {
		return 0, 0, 0, false, errTransactionInactive
	}
	s := t.state
	t.state = transactionState{}
	return s.savedCommitIndex, s.savedLastApplied, s.savedFollowerMin, s.hasFollowerMin, nil
}

// BroadcastBegin emits a TransactionBegin peer broadcast for id on logID at
// term.
func (t *Transaction) BroadcastBegin(logID LogID, term Term, id TransactionID, actions *Actions) {
	actions.broadcastPeer(PeerMessage{TransactionControl: &TransactionControl{
		LogID: logID, Term: term, Kind: TransactionBeginControl, TransactionID: id,
	}})
}

// BroadcastEnd emits a TransactionCommit peer broadcast for id on logID at
// term.
func (t *Transaction) BroadcastEnd(logID LogID, term Term, id TransactionID, actions *Actions) {
	actions.broadcastPeer(PeerMessage{TransactionControl: &TransactionControl{
		LogID: logID, Term: term, Kind: TransactionCommitControl, TransactionID: id,
	}})
}

// BroadcastRollback emits a TransactionRollback peer broadcast for id on
// logID at term.
func (t *Transaction) BroadcastRollback(logID LogID, term Term, id TransactionID, actions *Actions) {
	actions.broadcastPeer(PeerMessage{TransactionControl: &TransactionControl{
		LogID: logID, Term: term, Kind: TransactionRollbackControl, TransactionID: id,
	}})
}
