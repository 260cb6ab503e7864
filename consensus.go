package raft

import (
	"golang.org/x/exp/slices"

	"github.com/quorumkit/raft/internal/errors"
	"github.com/quorumkit/raft/internal/util"
)

// ConsensusRole is the role a Consensus instance currently occupies.
type ConsensusRole int

const (
	Follower ConsensusRole = iota
	Candidate
	Leader
)

func (r ConsensusRole) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

type followerState struct {
	hasLeader bool
	leader    ServerID
	minIndex  LogIndex
}

type candidateState struct {
	votes map[ServerID]bool
}

type proposalRecord struct {
	client ClientID
	index  LogIndex
}

type leaderState struct {
	nextIndex  map[ServerID]LogIndex
	matchIndex map[ServerID]LogIndex
	proposals  []proposalRecord
}

// Status is a point-in-time, read-only snapshot of a Consensus instance,
// safe to copy and hand to an observer.
type Status struct {
	ID          ServerID
	LogID       LogID
	Role        ConsensusRole
	Term        Term
	Leader      ServerID
	HasLeader   bool
	CommitIndex LogIndex
	LastApplied LogIndex
}

// Consensus is the per-log Raft state machine (C in spec §2). It is a pure
// function of event to (new state, Actions): it performs Log and
// StateMachine I/O directly (both are synchronous from its perspective) but
// never touches the network or a timer itself. A Consensus instance is not
// safe for concurrent use; the Dispatcher serializes all events for a given
// LogID behind that log's mutex.
type Consensus struct {
	id    ServerID
	logID LogID
	peers []ServerID

	log          Log
	stateMachine StateMachine
	transaction  *Transaction

	commitIndex LogIndex
	lastApplied LogIndex

	role      ConsensusRole
	follower  followerState
	candidate candidateState
	leader    leaderState

	appliedSinceCompact int

	opts options
}

// NewConsensus creates a Consensus instance in the Follower role, owning
// log and stateMachine, participating in a group alongside peers (which
// must not include id).
func NewConsensus(id ServerID, logID LogID, peers []ServerID, log Log, stateMachine StateMachine, opts ...Option) (*Consensus, error) {
	resolved, err := resolveOptions(opts...)
	if err != nil {
		return nil, err
	}
	peersCopy := make([]ServerID, len(peers))
	copy(peersCopy, peers)
	return &Consensus{
		id:           id,
		logID:        logID,
		peers:        peersCopy,
		log:          log,
		stateMachine: stateMachine,
		transaction:  NewTransaction(),
		role:         Follower,
		opts:         resolved,
	}, nil
}

// Status returns a snapshot of this instance's current role and progress.
func (c *Consensus) Status() Status {
	term, _ := c.log.CurrentTerm()
	return Status{
		ID:          c.id,
		LogID:       c.logID,
		Role:        c.role,
		Term:        term,
		Leader:      c.follower.leader,
		HasLeader:   c.isLeader() || c.follower.hasLeader,
		CommitIndex: c.commitIndex,
		LastApplied: c.lastApplied,
	}
}

func (c *Consensus) isLeader() bool    { return c.role == Leader }
func (c *Consensus) isCandidate() bool { return c.role == Candidate }
func (c *Consensus) isFollower() bool  { return c.role == Follower }

func (c *Consensus) majority() int {
	return (len(c.peers)+1)/2 + 1
}

func (c *Consensus) currentTerm() Term {
	term, _ := c.log.CurrentTerm()
	return term
}

// leaderHint returns who this instance currently believes the leader to be,
// which may be the empty ServerID.
func (c *Consensus) leaderHint() ServerID {
	if c.isLeader() {
		return c.id
	}
	return c.follower.leader
}

// ApplyPeerMessage dispatches an inbound peer RPC to the matching handler.
// Exactly one field of msg must be set; an empty msg is a protocol error.
func (c *Consensus) ApplyPeerMessage(from ServerID, msg PeerMessage) (Actions, error) {
	var actions Actions
	switch {
	case msg.AppendEntriesRequest != nil:
		c.appendEntriesRequest(msg.AppendEntriesRequest, &actions)
	case msg.AppendEntriesResponse != nil:
		c.appendEntriesResponse(from, msg.AppendEntriesResponse, &actions)
	case msg.RequestVoteRequest != nil:
		c.requestVoteRequest(msg.RequestVoteRequest, &actions)
	case msg.RequestVoteResponse != nil:
		c.requestVoteResponse(from, msg.RequestVoteResponse, &actions)
	case msg.TransactionControl != nil:
		c.transactionControl(msg.TransactionControl, &actions)
	default:
		return Actions{}, errors.New("peer message carries no recognized payload")
	}
	return actions, nil
}

// ApplyClientMessage dispatches an inbound client request. If a transaction
// is active and msg does not belong to it, msg is instead appended to
// Actions.TransactionQueue for the dispatcher to resubmit once the
// transaction ends. TransactionBegin is never queued this way: it always
// reaches clientTransactionBegin directly, which replies
// TransactionAlreadyActive itself when one is already open.
func (c *Consensus) ApplyClientMessage(msg ClientMessage) (Actions, error) {
	var actions Actions

	if msg.TransactionBegin != nil {
		c.clientTransactionBegin(msg.TransactionBegin, &actions)
		return actions, nil
	}

	if c.transaction.Active() && !c.belongsToActiveTransaction(msg) {
		if c.transaction.InflightCount() >= c.opts.transactionQueueCap {
			c.rejectQueueFull(msg, &actions)
			return actions, nil
		}
		c.transaction.CountUp()
		actions.queueTransaction(msg)
		return actions, nil
	}

	switch {
	case msg.Proposal != nil:
		c.clientProposal(msg.Proposal, &actions)
	case msg.Query != nil:
		c.clientQuery(msg.Query, &actions)
	case msg.TransactionCommit != nil:
		c.clientTransactionCommit(msg.TransactionCommit, &actions)
	case msg.TransactionRollback != nil:
		c.clientTransactionRollback(msg.TransactionRollback, &actions)
	default:
		return Actions{}, errors.New("client message carries no recognized payload")
	}
	return actions, nil
}

func (c *Consensus) belongsToActiveTransaction(msg ClientMessage) bool {
	switch {
	case msg.Proposal != nil:
		return c.transaction.Compare(msg.Proposal.TransactionID)
	case msg.TransactionCommit != nil:
		return c.transaction.Compare(msg.TransactionCommit.TransactionID)
	case msg.TransactionRollback != nil:
		return c.transaction.Compare(msg.TransactionRollback.TransactionID)
	default:
		return false
	}
}

// SubmitTransactionQueue admits one previously-queued client message,
// called by the dispatcher once the active transaction has ended.
func (c *Consensus) SubmitTransactionQueue(msg ClientMessage) (Actions, error) {
	return c.ApplyClientMessage(msg)
}

// ApplyTimeout handles an election or heartbeat timeout firing.
func (c *Consensus) ApplyTimeout(t Timeout) Actions {
	var actions Actions
	switch t.Kind {
	case ElectionTimeout:
		c.electionTimeout(&actions)
	case HeartbeatTimeout:
		c.heartbeatTimeout(t.Peer, &actions)
	}
	return actions
}

// PeerConnectionReset is called by the transport when a connection to peer
// re-establishes: the leader retransmits its tail to that peer, and a
// candidate re-sends its vote request.
func (c *Consensus) PeerConnectionReset(peer ServerID) Actions {
	var actions Actions
	if c.isLeader() {
		c.sendAppendEntries(peer, &actions)
	} else if c.isCandidate() {
		c.sendRequestVote(peer, &actions)
	}
	return actions
}

// --- Role transitions ---

func (c *Consensus) transitionToFollower(term Term, leader ServerID, hasLeader bool, actions *Actions) {
	if err := c.log.SetCurrentTerm(term); err != nil {
		panic(err)
	}
	c.role = Follower
	c.follower = followerState{hasLeader: hasLeader, leader: leader, minIndex: c.follower.minIndex}
	c.candidate = candidateState{}
	c.leader = leaderState{}
	actions.ClearPeerMessages = true
	for _, p := range c.peers {
		actions.clear(HeartbeatTimeout, p)
	}
	c.forceRollbackIfActive(actions)
	actions.arm(ElectionTimeout, "")
}

func (c *Consensus) transitionToCandidate(actions *Actions) {
	term, err := c.log.IncCurrentTerm()
	if err != nil {
		panic(err)
	}
	if err := c.log.SetVotedFor(c.id); err != nil {
		panic(err)
	}
	c.role = Candidate
	c.candidate = candidateState{votes: map[ServerID]bool{c.id: true}}
	actions.ClearPeerMessages = true

	if len(c.peers) == 0 {
		c.transitionToLeader(actions)
		return
	}

	actions.broadcastPeer(PeerMessage{RequestVoteRequest: &RequestVoteRequest{
		LogID:        c.logID,
		Candidate:    c.id,
		Term:         term,
		LastLogIndex: c.log.LatestIndex(),
		LastLogTerm:  c.log.LatestTerm(),
	}})
	actions.arm(ElectionTimeout, "")
}

func (c *Consensus) transitionToLeader(actions *Actions) {
	c.role = Leader
	c.follower = followerState{}
	c.leader = leaderState{
		nextIndex:  make(map[ServerID]LogIndex, len(c.peers)),
		matchIndex: make(map[ServerID]LogIndex, len(c.peers)),
	}
	for _, p := range c.peers {
		c.leader.nextIndex[p] = c.log.LatestIndex() + 1
		c.leader.matchIndex[p] = 0
	}

	actions.ClearPeerMessages = true
	actions.clear(ElectionTimeout, "")

	c.forceRollbackIfActive(actions)

	if len(c.peers) == 0 {
		c.advanceCommitIndex(actions)
		return
	}

	term := c.currentTerm()
	for _, p := range c.peers {
		actions.sendPeer(p, PeerMessage{AppendEntriesRequest: &AppendEntriesRequest{
			LogID:        c.logID,
			Leader:       c.id,
			Term:         term,
			PrevLogIndex: c.log.LatestIndex(),
			PrevLogTerm:  c.log.LatestTerm(),
			LeaderCommit: c.commitIndex,
		}})
		actions.arm(HeartbeatTimeout, p)
	}
}

// forceRollbackIfActive implements "a new leader never inherits an
// in-flight transaction": whenever a node transitions to Leader or steps
// down to Follower while a transaction is open, it is rolled back
// immediately and the rollback is broadcast.
func (c *Consensus) forceRollbackIfActive(actions *Actions) {
	if !c.transaction.Active() {
		return
	}
	id := c.transaction.Session()
	c.rollbackTransaction(actions)
	c.transaction.BroadcastRollback(c.logID, c.currentTerm(), id, actions)
}

// rollbackTransaction performs the log/state-machine rollback sequence
// shared by leader- and follower-side rollback, without broadcasting. Only
// the removed entries this replica had already applied are reverted.
func (c *Consensus) rollbackTransaction(actions *Actions) {
	commitIndex, lastApplied, followerMin, hasFollowerMin, err := c.transaction.Rollback()
	if err != nil {
		return
	}
	applied := c.lastApplied
	c.commitIndex = commitIndex
	c.lastApplied = lastApplied
	if hasFollowerMin {
		c.follower.minIndex = followerMin
	}

	entries, err := c.log.Rollback(commitIndex)
	if err != nil {
		panic(err)
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Index > applied || len(entries[i].Command) == 0 {
			continue
		}
		if err := c.stateMachine.Revert(entries[i].Command); err != nil {
			panic(err)
		}
	}
	if err := c.log.Truncate(commitIndex); err != nil {
		panic(err)
	}
	if err := c.stateMachine.Rollback(); err != nil {
		panic(err)
	}

	if c.isLeader() {
		for _, p := range c.peers {
			c.leader.nextIndex[p] = commitIndex + 1
		}
	}
}

// --- Log replication: leader ---

func (c *Consensus) clientProposal(req *ProposalRequest, actions *Actions) {
	if !c.isLeader() {
		c.replyNotLeader(req.Client, req.TransactionID, actions)
		return
	}

	term := c.currentTerm()
	index := c.log.LatestIndex() + 1
	if err := c.log.AppendEntries(index, []LogEntry{{Index: index, Term: term, Command: req.Command}}); err != nil {
		panic(err)
	}
	c.leader.proposals = append(c.leader.proposals, proposalRecord{client: req.Client, index: index})

	if len(c.peers) == 0 {
		c.advanceCommitIndex(actions)
		return
	}

	for _, p := range c.peers {
		if c.leader.nextIndex[p] == index {
			c.sendAppendEntries(p, actions)
		}
	}
}

// sendRequestVote re-sends this candidate's vote request to a single peer,
// used when a connection to that peer has just been re-established.
func (c *Consensus) sendRequestVote(peer ServerID, actions *Actions) {
	actions.sendPeer(peer, PeerMessage{RequestVoteRequest: &RequestVoteRequest{
		LogID:        c.logID,
		Candidate:    c.id,
		Term:         c.currentTerm(),
		LastLogIndex: c.log.LatestIndex(),
		LastLogTerm:  c.log.LatestTerm(),
	}})
}

// sendAppendEntries sends peer every entry from its nextIndex through the
// log tail (bounded by opts.maxEntriesPerAppend), and advances its
// nextIndex past what was sent.
func (c *Consensus) sendAppendEntries(peer ServerID, actions *Actions) {
	next := c.leader.nextIndex[peer]
	prevIndex := next - 1
	prevTerm := Term(0)
	if prevIndex > 0 {
		entry, err := c.log.Entry(prevIndex)
		if err == nil {
			prevTerm = entry.Term
		}
	}

	var entries []LogEntry
	latest := c.log.LatestIndex()
	for i := next; i <= latest && len(entries) < c.opts.maxEntriesPerAppend; i++ {
		entry, err := c.log.Entry(i)
		if err != nil {
			panic(err)
		}
		entries = append(entries, entry)
	}

	actions.sendPeer(peer, PeerMessage{AppendEntriesRequest: &AppendEntriesRequest{
		LogID:        c.logID,
		Leader:       c.id,
		Term:         c.currentTerm(),
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: c.commitIndex,
	}})

	if len(entries) > 0 {
		c.leader.nextIndex[peer] = entries[len(entries)-1].Index + 1
	}
}

func (c *Consensus) appendEntriesResponse(from ServerID, resp *AppendEntriesResponse, actions *Actions) {
	if resp.Term > c.currentTerm() {
		c.transitionToFollower(resp.Term, "", false, actions)
		return
	}
	if !c.isLeader() || resp.Term < c.currentTerm() {
		return
	}

	switch resp.Kind {
	case AppendSuccess:
		c.leader.matchIndex[from] = resp.LatestIndex
		c.advanceCommitIndex(actions)
		if c.leader.nextIndex[from] <= c.log.LatestIndex() {
			c.sendAppendEntries(from, actions)
		} else {
			actions.arm(HeartbeatTimeout, from)
		}
	case AppendInconsistentPrevEntry:
		c.leader.nextIndex[from] = resp.HintIndex
		c.sendAppendEntries(from, actions)
	case AppendStaleTerm:
		// silently dropped; term adoption already handled above.
	case AppendInternalError:
		c.opts.logger.Warnf("peer %s reported an internal error: %s", from, resp.Message)
	}
}

func (c *Consensus) heartbeatTimeout(peer ServerID, actions *Actions) {
	if !c.isLeader() {
		return
	}
	actions.sendPeer(peer, PeerMessage{AppendEntriesRequest: &AppendEntriesRequest{
		LogID:        c.logID,
		Leader:       c.id,
		Term:         c.currentTerm(),
		PrevLogIndex: c.log.LatestIndex(),
		PrevLogTerm:  c.log.LatestTerm(),
		LeaderCommit: c.commitIndex,
	}})
}

// --- Log replication: follower ---

func (c *Consensus) appendEntriesRequest(req *AppendEntriesRequest, actions *Actions) {
	if req.Term < c.currentTerm() {
		actions.sendPeer(req.Leader, PeerMessage{AppendEntriesResponse: &AppendEntriesResponse{
			LogID: c.logID, From: c.id, Term: c.currentTerm(), Kind: AppendStaleTerm,
		}})
		return
	}

	if req.Term > c.currentTerm() || c.isCandidate() {
		c.transitionToFollower(req.Term, req.Leader, true, actions)
	} else {
		c.follower.hasLeader = true
		c.follower.leader = req.Leader
	}

	if c.log.LatestIndex() < req.PrevLogIndex {
		actions.sendPeer(req.Leader, PeerMessage{AppendEntriesResponse: &AppendEntriesResponse{
			LogID: c.logID, From: c.id, Term: c.currentTerm(),
			Kind: AppendInconsistentPrevEntry, HintIndex: req.PrevLogIndex,
		}})
		actions.arm(ElectionTimeout, "")
		return
	}

	localPrevTerm := Term(0)
	if req.PrevLogIndex != 0 {
		entry, err := c.log.Entry(req.PrevLogIndex)
		if err != nil {
			panic(err)
		}
		localPrevTerm = entry.Term
	}
	if localPrevTerm != req.PrevLogTerm {
		actions.sendPeer(req.Leader, PeerMessage{AppendEntriesResponse: &AppendEntriesResponse{
			LogID: c.logID, From: c.id, Term: c.currentTerm(),
			Kind: AppendInconsistentPrevEntry, HintIndex: req.PrevLogIndex,
		}})
		actions.arm(ElectionTimeout, "")
		return
	}

	newLatest := req.PrevLogIndex + LogIndex(len(req.Entries))
	if newLatest < c.follower.minIndex {
		// Reordered duplicate: drop silently, do not reply.
		actions.arm(ElectionTimeout, "")
		return
	}

	if err := c.log.AppendEntries(req.PrevLogIndex+1, req.Entries); err != nil {
		panic(err)
	}
	c.follower.minIndex = newLatest

	if req.LeaderCommit > c.commitIndex {
		c.commitIndex = LogIndex(util.Min(uint64(req.LeaderCommit), uint64(newLatest)))
		c.applyCommits(actions)
	}

	actions.sendPeer(req.Leader, PeerMessage{AppendEntriesResponse: &AppendEntriesResponse{
		LogID: c.logID, From: c.id, Term: c.currentTerm(), Kind: AppendSuccess, LatestIndex: c.log.LatestIndex(),
	}})
	actions.arm(ElectionTimeout, "")
}

// --- Commit advancement and application ---

func (c *Consensus) advanceCommitIndex(actions *Actions) {
	if !c.isLeader() {
		return
	}

	if len(c.peers) == 0 {
		c.commitIndex = c.log.LatestIndex()
	} else {
		matches := make([]LogIndex, 0, len(c.peers)+1)
		matches = append(matches, c.log.LatestIndex())
		for _, p := range c.peers {
			matches = append(matches, c.leader.matchIndex[p])
		}
		slices.Sort(matches)

		majority := c.majority()
		candidate := matches[len(matches)-majority]

		if candidate > c.commitIndex {
			entry, err := c.log.Entry(candidate)
			if err != nil {
				panic(err)
			}
			if entry.Term == c.currentTerm() {
				c.commitIndex = candidate
			}
		}
	}

	c.applyCommits(actions)
}

// applyCommits hands every committed, not yet applied entry to the state
// machine exactly once. On the leader, each proposal whose index is now
// applied is answered with the state machine's response to that entry.
func (c *Consensus) applyCommits(actions *Actions) {
	for c.lastApplied < c.commitIndex {
		entry, err := c.log.Entry(c.lastApplied + 1)
		if err != nil {
			panic(err)
		}
		var response []byte
		if len(entry.Command) > 0 {
			if response, err = c.stateMachine.Apply(entry.Command); err != nil {
				c.opts.logger.Warnf("state machine rejected committed entry at index %d: %v", entry.Index, err)
			}
		}
		c.lastApplied++
		c.appliedSinceCompact++
		for c.isLeader() && len(c.leader.proposals) > 0 && c.leader.proposals[0].index <= c.lastApplied {
			p := c.leader.proposals[0]
			c.leader.proposals = c.leader.proposals[1:]
			actions.replyClient(CommandResponse{Client: p.client, Kind: ResponseSuccess, Response: response})
		}
	}

	c.MaybeSnapshot(actions)
}

// MaybeSnapshot asks the state machine for a snapshot once enough entries
// have accumulated since the last compaction, persists it via the configured
// SnapshotStorage, and only then compacts the log through the snapshotted
// index. Without a SnapshotStorage configured (the default) it does nothing:
// compacting the log without a durable snapshot to fall back on would lose
// the discarded entries for good. It is idempotent and cheap to call
// redundantly (applyCommits calls it after every commit application). No
// snapshot is ever sent to a lagging follower.
func (c *Consensus) MaybeSnapshot(actions *Actions) {
	if c.appliedSinceCompact < c.opts.snapshotThreshold {
		return
	}
	if c.opts.snapshotStorage == nil {
		return
	}
	data, err := c.stateMachine.Snapshot()
	if err != nil {
		c.opts.logger.Warnf("failed to snapshot state machine: %v", err)
		return
	}
	snapshot := NewSnapshot(c.lastApplied, c.currentTerm(), data)
	if err := c.opts.snapshotStorage.SaveSnapshot(snapshot); err != nil {
		c.opts.logger.Warnf("failed to persist snapshot through %d: %v", c.lastApplied, err)
		return
	}
	if err := c.log.Compact(c.lastApplied); err != nil {
		c.opts.logger.Warnf("failed to compact log through %d: %v", c.lastApplied, err)
		return
	}
	c.appliedSinceCompact = 0
}

// --- Elections and voting ---

func (c *Consensus) requestVoteRequest(req *RequestVoteRequest, actions *Actions) {
	if req.Term < c.currentTerm() {
		actions.sendPeer(req.Candidate, PeerMessage{RequestVoteResponse: &RequestVoteResponse{
			LogID: c.logID, From: c.id, Term: c.currentTerm(), Kind: VoteStaleTerm,
		}})
		return
	}
	if req.Term > c.currentTerm() {
		c.transitionToFollower(req.Term, "", false, actions)
	}

	votedFor, _ := c.log.VotedFor()
	if votedFor != "" && votedFor != req.Candidate {
		actions.sendPeer(req.Candidate, PeerMessage{RequestVoteResponse: &RequestVoteResponse{
			LogID: c.logID, From: c.id, Term: c.currentTerm(), Kind: VoteAlreadyVoted,
		}})
		return
	}

	localTerm := c.log.LatestTerm()
	localIndex := c.log.LatestIndex()
	upToDate := req.LastLogTerm > localTerm || (req.LastLogTerm == localTerm && req.LastLogIndex >= localIndex)
	if !upToDate {
		actions.sendPeer(req.Candidate, PeerMessage{RequestVoteResponse: &RequestVoteResponse{
			LogID: c.logID, From: c.id, Term: c.currentTerm(), Kind: VoteInconsistentLog,
		}})
		return
	}

	if err := c.log.SetVotedFor(req.Candidate); err != nil {
		panic(err)
	}
	actions.sendPeer(req.Candidate, PeerMessage{RequestVoteResponse: &RequestVoteResponse{
		LogID: c.logID, From: c.id, Term: c.currentTerm(), Kind: VoteGranted,
	}})
	actions.arm(ElectionTimeout, "")
}

func (c *Consensus) requestVoteResponse(from ServerID, resp *RequestVoteResponse, actions *Actions) {
	if resp.Term > c.currentTerm() {
		c.transitionToFollower(resp.Term, "", false, actions)
		return
	}
	if !c.isCandidate() || resp.Term < c.currentTerm() {
		return
	}
	if resp.Kind != VoteGranted {
		return
	}

	c.candidate.votes[from] = true
	if len(c.candidate.votes) >= c.majority() {
		c.transitionToLeader(actions)
	}
}

func (c *Consensus) electionTimeout(actions *Actions) {
	if c.isLeader() {
		return
	}
	if len(c.peers) == 0 {
		if err := c.log.SetVotedFor(c.id); err != nil {
			panic(err)
		}
		c.transitionToLeader(actions)
		return
	}
	c.transitionToCandidate(actions)
}

// --- Transaction semantics ---

// rejectQueueFull replies to msg with ResponseTransactionFailure/
// TransactionQueueFull, used when the active transaction's deferred-message
// queue has reached its configured capacity.
func (c *Consensus) rejectQueueFull(msg ClientMessage, actions *Actions) {
	client, txn := clientAndTransactionOf(msg)
	actions.replyClient(CommandResponse{
		Client: client, TransactionID: txn, Kind: ResponseTransactionFailure, FailureKind: TransactionQueueFull,
	})
}

func clientAndTransactionOf(msg ClientMessage) (ClientID, TransactionID) {
	switch {
	case msg.Proposal != nil:
		return msg.Proposal.Client, msg.Proposal.TransactionID
	case msg.Query != nil:
		return msg.Query.Client, TransactionID{}
	case msg.TransactionBegin != nil:
		return msg.TransactionBegin.Client, TransactionID{}
	case msg.TransactionCommit != nil:
		return msg.TransactionCommit.Client, msg.TransactionCommit.TransactionID
	case msg.TransactionRollback != nil:
		return msg.TransactionRollback.Client, msg.TransactionRollback.TransactionID
	default:
		return ClientID{}, TransactionID{}
	}
}

func (c *Consensus) replyNotLeader(client ClientID, txn TransactionID, actions *Actions) {
	actions.replyClient(CommandResponse{
		Client: client, TransactionID: txn, Kind: ResponseNotLeader, LeaderHint: c.leaderHint(),
	})
}

func (c *Consensus) clientQuery(req *QueryRequest, actions *Actions) {
	if !c.isLeader() && !c.follower.hasLeader {
		actions.replyClient(CommandResponse{Client: req.Client, Kind: ResponseUnknownLeader})
		return
	}
	response, err := c.stateMachine.Query(req.Command)
	if err != nil {
		c.opts.logger.Warnf("query rejected: %v", err)
	}
	actions.replyClient(CommandResponse{Client: req.Client, Kind: ResponseSuccess, Response: response})
}

func (c *Consensus) clientTransactionBegin(req *TransactionBeginRequest, actions *Actions) {
	if !c.isLeader() {
		c.replyNotLeader(req.Client, TransactionID{}, actions)
		return
	}
	if c.transaction.Active() {
		actions.replyClient(CommandResponse{
			Client: req.Client, Kind: ResponseTransactionFailure, FailureKind: TransactionAlreadyActive,
		})
		return
	}

	id := NewTransactionID()
	if err := c.transaction.Begin(id, c.commitIndex, c.lastApplied, 0, false); err != nil {
		panic(err)
	}
	c.transaction.BroadcastBegin(c.logID, c.currentTerm(), id, actions)
	actions.replyClient(CommandResponse{
		Client: req.Client, TransactionID: id, Kind: ResponseTransactionSuccess,
	})
}

func (c *Consensus) clientTransactionCommit(req *TransactionCommitRequest, actions *Actions) {
	if !c.isLeader() {
		c.replyNotLeader(req.Client, req.TransactionID, actions)
		return
	}
	if !c.transaction.Compare(req.TransactionID) {
		actions.replyClient(CommandResponse{
			Client: req.Client, TransactionID: req.TransactionID,
			Kind: ResponseTransactionFailure, FailureKind: c.transactionFailureKind(req.TransactionID),
		})
		return
	}

	c.transaction.BroadcastEnd(c.logID, c.currentTerm(), req.TransactionID, actions)
	if err := c.transaction.End(); err != nil {
		panic(err)
	}
	actions.replyClient(CommandResponse{
		Client: req.Client, TransactionID: req.TransactionID, Kind: ResponseTransactionSuccess,
	})
}

func (c *Consensus) clientTransactionRollback(req *TransactionRollbackRequest, actions *Actions) {
	if !c.isLeader() {
		c.replyNotLeader(req.Client, req.TransactionID, actions)
		return
	}
	if !c.transaction.Compare(req.TransactionID) {
		actions.replyClient(CommandResponse{
			Client: req.Client, TransactionID: req.TransactionID,
			Kind: ResponseTransactionFailure, FailureKind: c.transactionFailureKind(req.TransactionID),
		})
		return
	}

	c.transaction.BroadcastRollback(c.logID, c.currentTerm(), req.TransactionID, actions)
	c.rollbackTransaction(actions)
	actions.replyClient(CommandResponse{
		Client: req.Client, TransactionID: req.TransactionID, Kind: ResponseTransactionSuccess,
	})
}

func (c *Consensus) transactionFailureKind(id TransactionID) TransactionFailureKind {
	if !c.transaction.Active() {
		return TransactionNotActive
	}
	return TransactionUnknown
}

// transactionControl mirrors a leader's transaction-control broadcast onto
// this (follower) replica. Per the stricter term check adopted in
// DESIGN.md, a message bearing a term other than this replica's current
// term is silently dropped.
func (c *Consensus) transactionControl(msg *TransactionControl, actions *Actions) {
	if msg.Term != c.currentTerm() {
		return
	}

	switch msg.Kind {
	case TransactionBeginControl:
		if c.transaction.Active() {
			return
		}
		if err := c.transaction.Begin(msg.TransactionID, c.commitIndex, c.lastApplied, c.follower.minIndex, true); err != nil {
			return
		}
	case TransactionCommitControl:
		if !c.transaction.Compare(msg.TransactionID) {
			return
		}
		if err := c.transaction.End(); err != nil {
			return
		}
	case TransactionRollbackControl:
		if !c.transaction.Compare(msg.TransactionID) {
			return
		}
		c.rollbackTransaction(actions)
	}
}
