package raft

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func validateSnapshot(t *testing.T, expected Snapshot, actual *Snapshot) {
	t.Helper()
	require.Equal(t, expected.LastIncludedIndex, actual.LastIncludedIndex)
	require.Equal(t, expected.LastIncludedTerm, actual.LastIncludedTerm)
	require.Equal(t, expected.Data, actual.Data)
}

func TestSnapshotStore(t *testing.T) {
	storageFile := filepath.Join(t.TempDir(), "test-snap-storage.bin")
	snapshotStore, err := NewFileSnapshotStorage(storageFile)
	require.NoError(t, err)
	defer func() { require.NoError(t, snapshotStore.Close()) }()

	snapshot1 := NewSnapshot(1, 1, []byte("test1"))
	require.NoError(t, snapshotStore.SaveSnapshot(snapshot1))

	last1, ok, err := snapshotStore.LastSnapshot()
	require.NoError(t, err)
	require.True(t, ok)
	validateSnapshot(t, snapshot1, &last1)

	snapshot2 := NewSnapshot(2, 2, []byte("test2"))
	require.NoError(t, snapshotStore.SaveSnapshot(snapshot2))

	last2, ok, err := snapshotStore.LastSnapshot()
	require.NoError(t, err)
	require.True(t, ok)
	validateSnapshot(t, snapshot2, &last2)

	snapshots, err := snapshotStore.ListSnapshots()
	require.NoError(t, err)
	require.Len(t, snapshots, 2)

	require.NoError(t, snapshotStore.Close())

	reopened, err := NewFileSnapshotStorage(storageFile)
	require.NoError(t, err)
	defer func() { require.NoError(t, reopened.Close()) }()

	last2, ok, err = reopened.LastSnapshot()
	require.NoError(t, err)
	require.True(t, ok)
	validateSnapshot(t, snapshot2, &last2)

	snapshots, err = reopened.ListSnapshots()
	require.NoError(t, err)
	require.Len(t, snapshots, 2)
}
