package raft

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fastOptions() []Option {
	return []Option{
		WithElectionTimeout(20*time.Millisecond, 40*time.Millisecond),
		WithHeartbeatInterval(5 * time.Millisecond),
	}
}

func TestDispatcherSolitaryLogElectsItself(t *testing.T) {
	transport := NewLoopbackTransport("A")
	d, err := NewDispatcher("A", transport, func(LogID) StateMachine { return NewMapStateMachine() }, nil, fastOptions()...)
	require.NoError(t, err)
	defer d.Close()
	transport.Connect("A", d)

	logID := NewLogID()
	require.NoError(t, d.CreateLog(logID, nil, NewMemoryLog(), nil))

	require.Eventually(t, func() bool {
		status, ok := d.Status(logID)
		return ok && status.Role == Leader
	}, time.Second, time.Millisecond)
}

func TestDispatcherCreateLogRejectsDuplicate(t *testing.T) {
	transport := NewLoopbackTransport("A")
	d, err := NewDispatcher("A", transport, func(LogID) StateMachine { return NewMapStateMachine() }, nil, fastOptions()...)
	require.NoError(t, err)
	defer d.Close()

	logID := NewLogID()
	require.NoError(t, d.CreateLog(logID, nil, NewMemoryLog(), nil))
	require.ErrorIs(t, d.CreateLog(logID, nil, NewMemoryLog(), nil), errLogExists)
}

func TestDispatcherSubmitClientUnknownLog(t *testing.T) {
	transport := NewLoopbackTransport("A")
	d, err := NewDispatcher("A", transport, func(LogID) StateMachine { return NewMapStateMachine() }, nil, fastOptions()...)
	require.NoError(t, err)
	defer d.Close()

	err = d.SubmitClient(NewLogID(), ClientMessage{Query: &QueryRequest{Client: NewClientID()}})
	require.ErrorIs(t, err, errLogNotFound)
}

func setupDispatcherCluster(t *testing.T, ids []ServerID) (map[ServerID]*Dispatcher, map[ServerID]*LoopbackTransport, LogID) {
	t.Helper()
	dispatchers := make(map[ServerID]*Dispatcher, len(ids))
	transports := make(map[ServerID]*LoopbackTransport, len(ids))
	for _, id := range ids {
		transport := NewLoopbackTransport(id)
		d, err := NewDispatcher(id, transport, func(LogID) StateMachine { return NewMapStateMachine() }, nil, fastOptions()...)
		require.NoError(t, err)
		dispatchers[id] = d
		transports[id] = transport
	}
	for _, id := range ids {
		for _, other := range ids {
			transports[id].Connect(other, dispatchers[other])
		}
	}

	logID := NewLogID()
	for _, id := range ids {
		var peers []ServerID
		for _, other := range ids {
			if other != id {
				peers = append(peers, other)
			}
		}
		require.NoError(t, dispatchers[id].CreateLog(logID, peers, NewMemoryLog(), nil))
	}
	return dispatchers, transports, logID
}

func awaitLeader(t *testing.T, dispatchers map[ServerID]*Dispatcher, logID LogID) ServerID {
	t.Helper()
	var leader ServerID
	require.Eventually(t, func() bool {
		for id, d := range dispatchers {
			status, ok := d.Status(logID)
			if ok && status.Role == Leader {
				leader = id
				return true
			}
		}
		return false
	}, 2*time.Second, time.Millisecond)
	return leader
}

func TestDispatcherThreeNodeClusterElectsAndReplicates(t *testing.T) {
	ids := []ServerID{"A", "B", "C"}
	dispatchers, transports, logID := setupDispatcherCluster(t, ids)
	defer func() {
		for _, d := range dispatchers {
			d.Close()
		}
	}()

	leader := awaitLeader(t, dispatchers, logID)

	client := NewClientID()
	respCh := transports[leader].Await(client)
	require.NoError(t, dispatchers[leader].SubmitClient(logID, ClientMessage{
		LogID:    logID,
		Proposal: &ProposalRequest{Client: client, Command: []byte("foo")},
	}))

	select {
	case resp := <-respCh:
		require.Equal(t, ResponseSuccess, resp.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for proposal response")
	}

	for _, id := range ids {
		require.Eventually(t, func() bool {
			status, ok := dispatchers[id].Status(logID)
			return ok && status.LastApplied >= 1
		}, 2*time.Second, time.Millisecond)
	}
}

func TestDispatcherMultiLogIndependence(t *testing.T) {
	transport := NewLoopbackTransport("A")
	d, err := NewDispatcher("A", transport, func(LogID) StateMachine { return NewMapStateMachine() }, nil, fastOptions()...)
	require.NoError(t, err)
	defer d.Close()
	transport.Connect("A", d)

	log1, log2 := NewLogID(), NewLogID()
	require.NoError(t, d.CreateLog(log1, nil, NewMemoryLog(), nil))
	require.NoError(t, d.CreateLog(log2, nil, NewMemoryLog(), nil))

	require.Eventually(t, func() bool {
		s1, ok1 := d.Status(log1)
		s2, ok2 := d.Status(log2)
		return ok1 && ok2 && s1.Role == Leader && s2.Role == Leader
	}, time.Second, time.Millisecond)

	client := NewClientID()
	respCh := transport.Await(client)
	require.NoError(t, d.SubmitClient(log1, ClientMessage{
		LogID:    log1,
		Proposal: &ProposalRequest{Client: client, Command: []byte("only-log1")},
	}))
	select {
	case resp := <-respCh:
		require.Equal(t, ResponseSuccess, resp.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for log1 proposal response")
	}

	status2, ok := d.Status(log2)
	require.True(t, ok)
	require.Equal(t, LogIndex(0), status2.LastApplied, "a proposal on log1 must not affect log2")
}

func TestDispatcherConnectionResetNoopOnFollower(t *testing.T) {
	transport := NewLoopbackTransport("B")
	d, err := NewDispatcher("B", transport, func(LogID) StateMachine { return NewMapStateMachine() }, nil, fastOptions()...)
	require.NoError(t, err)
	defer d.Close()

	logID := NewLogID()
	require.NoError(t, d.CreateLog(logID, []ServerID{"A"}, NewMemoryLog(), nil))

	require.NotPanics(t, func() {
		d.ConnectionReset(logID, "A")
	})
}

func TestDispatcherCloseRejectsFurtherSubmissions(t *testing.T) {
	transport := NewLoopbackTransport("A")
	d, err := NewDispatcher("A", transport, func(LogID) StateMachine { return NewMapStateMachine() }, nil, fastOptions()...)
	require.NoError(t, err)

	logID := NewLogID()
	require.NoError(t, d.CreateLog(logID, nil, NewMemoryLog(), nil))
	require.NoError(t, d.Close())

	err = d.SubmitClient(logID, ClientMessage{Query: &QueryRequest{Client: NewClientID()}})
	require.ErrorIs(t, err, errLogNotFound)
}

func TestDispatcherSnapshotsThroughConfiguredFactory(t *testing.T) {
	transport := NewLoopbackTransport("A")
	dir := t.TempDir()
	snapshotFactory := func(logID LogID) (SnapshotStorage, error) {
		return NewFileSnapshotStorage(filepath.Join(dir, logID.String()+".snap"))
	}
	opts := append(fastOptions(), WithSnapshotThreshold(1))
	d, err := NewDispatcher("A", transport, func(LogID) StateMachine { return NewMapStateMachine() }, snapshotFactory, opts...)
	require.NoError(t, err)
	defer d.Close()
	transport.Connect("A", d)

	logID := NewLogID()
	require.NoError(t, d.CreateLog(logID, nil, NewMemoryLog(), nil))
	require.Eventually(t, func() bool {
		status, ok := d.Status(logID)
		return ok && status.Role == Leader
	}, time.Second, time.Millisecond)

	client := NewClientID()
	respCh := transport.Await(client)
	require.NoError(t, d.SubmitClient(logID, ClientMessage{
		LogID:    logID,
		Proposal: &ProposalRequest{Client: client, Command: []byte("set x 1")},
	}))
	select {
	case resp := <-respCh:
		require.Equal(t, ResponseSuccess, resp.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for proposal response")
	}

	require.Eventually(t, func() bool {
		h, ok := d.handle(logID)
		require.True(t, ok)
		h.mu.Lock()
		defer h.mu.Unlock()
		_, err := h.consensus.log.Entry(1)
		return err != nil
	}, time.Second, time.Millisecond, "the committed entry must be compacted once it is durably snapshotted")
}
