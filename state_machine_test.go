package raft

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNullStateMachine(t *testing.T) {
	sm := NewNullStateMachine()

	resp, err := sm.Apply([]byte("anything"))
	require.NoError(t, err)
	require.Equal(t, []byte("anything"), resp)

	resp, err = sm.Query([]byte("query"))
	require.NoError(t, err)
	require.Equal(t, []byte("query"), resp)

	require.NoError(t, sm.Revert([]byte("anything")))
	require.NoError(t, sm.Rollback())
}

func TestMapStateMachineSetGetDel(t *testing.T) {
	sm := NewMapStateMachine()

	_, err := sm.Apply([]byte("set a 1"))
	require.NoError(t, err)

	resp, err := sm.Query([]byte("get a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), resp)

	_, err = sm.Apply([]byte("del a"))
	require.NoError(t, err)

	resp, err = sm.Query([]byte("get a"))
	require.NoError(t, err)
	require.Nil(t, resp)
}

func TestMapStateMachineRevertIsExactInverse(t *testing.T) {
	sm := NewMapStateMachine()

	_, err := sm.Apply([]byte("set a 1"))
	require.NoError(t, err)
	_, err = sm.Apply([]byte("set a 2"))
	require.NoError(t, err)
	_, err = sm.Apply([]byte("del a"))
	require.NoError(t, err)

	// Revert the del: a should come back as 2.
	require.NoError(t, sm.Revert([]byte("del a")))
	resp, err := sm.Query([]byte("get a"))
	require.NoError(t, err)
	require.Equal(t, []byte("2"), resp)

	// Revert the second set: a should go back to 1.
	require.NoError(t, sm.Revert([]byte("set a 2")))
	resp, err = sm.Query([]byte("get a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), resp)

	// Revert the first set: a should no longer exist.
	require.NoError(t, sm.Revert([]byte("set a 1")))
	resp, err = sm.Query([]byte("get a"))
	require.NoError(t, err)
	require.Nil(t, resp)

	require.Error(t, sm.Revert([]byte("set a 1")), "undo log must be exhausted")
}

func TestMapStateMachineSnapshotRoundTrip(t *testing.T) {
	sm := NewMapStateMachine()
	_, err := sm.Apply([]byte("set a 1"))
	require.NoError(t, err)
	_, err = sm.Apply([]byte("set b 2"))
	require.NoError(t, err)

	data, err := sm.Snapshot()
	require.NoError(t, err)

	restored := NewMapStateMachine()
	require.NoError(t, restored.RestoreSnapshot(data))

	resp, err := restored.Query([]byte("get a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), resp)

	resp, err = restored.Query([]byte("get b"))
	require.NoError(t, err)
	require.Equal(t, []byte("2"), resp)
}

func TestMapStateMachineRollbackClearsUndoLog(t *testing.T) {
	sm := NewMapStateMachine()
	_, err := sm.Apply([]byte("set a 1"))
	require.NoError(t, err)

	require.NoError(t, sm.Rollback())
	require.Error(t, sm.Revert([]byte("set a 1")), "rollback must discard the undo log")
}
