package raft

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGRPCEnvelopeRoundTrip(t *testing.T) {
	original := grpcEnvelope{
		From:  "A",
		LogID: NewLogID(),
		Message: PeerMessage{
			To: "B",
			AppendEntriesRequest: &AppendEntriesRequest{
				Leader: "A",
				Term:   3,
				Entries: []LogEntry{
					{Index: 1, Term: 1, Command: []byte("foo")},
				},
			},
		},
	}

	data, err := encodeEnvelope(original)
	require.NoError(t, err)

	decoded, err := decodeEnvelope(data)
	require.NoError(t, err)
	require.Equal(t, original.From, decoded.From)
	require.Equal(t, original.LogID, decoded.LogID)
	require.NotNil(t, decoded.Message.AppendEntriesRequest)
	require.Equal(t, original.Message.AppendEntriesRequest.Term, decoded.Message.AppendEntriesRequest.Term)
	require.Equal(t, original.Message.AppendEntriesRequest.Entries, decoded.Message.AppendEntriesRequest.Entries)
}

func TestGRPCTransportTwoNodeElection(t *testing.T) {
	addrA, addrB := "127.0.0.1:41771", "127.0.0.1:41772"
	addrs := map[ServerID]string{"A": addrA, "B": addrB}

	transportA := NewGRPCTransport("A", addrs)
	transportB := NewGRPCTransport("B", addrs)

	dispatcherA, err := NewDispatcher("A", transportA, func(LogID) StateMachine { return NewMapStateMachine() }, nil, fastOptions()...)
	require.NoError(t, err)
	defer dispatcherA.Close()
	dispatcherB, err := NewDispatcher("B", transportB, func(LogID) StateMachine { return NewMapStateMachine() }, nil, fastOptions()...)
	require.NoError(t, err)
	defer dispatcherB.Close()

	transportA.AttachDispatcher(dispatcherA)
	transportB.AttachDispatcher(dispatcherB)
	require.NoError(t, transportA.Listen(addrA))
	defer transportA.Close()
	require.NoError(t, transportB.Listen(addrB))
	defer transportB.Close()

	logID := NewLogID()
	require.NoError(t, dispatcherA.CreateLog(logID, []ServerID{"B"}, NewMemoryLog(), nil))
	require.NoError(t, dispatcherB.CreateLog(logID, []ServerID{"A"}, NewMemoryLog(), nil))

	require.Eventually(t, func() bool {
		for _, d := range []*Dispatcher{dispatcherA, dispatcherB} {
			status, ok := d.Status(logID)
			if ok && status.Role == Leader {
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)
}
