package raft

import (
	"bufio"
	"io"
	"os"

	"github.com/quorumkit/raft/internal/errors"
)

var errSnapshotStoreNotOpen = errors.New("snapshot storage is not open")

// Snapshot is a point-in-time encoding of a StateMachine's state, together
// with the highest log index and term it reflects. The consensus core
// treats Data as opaque.
type Snapshot struct {
	LastIncludedIndex LogIndex
	LastIncludedTerm  Term
	Data              []byte
}

// NewSnapshot creates a Snapshot covering the state machine's state through
// lastIncludedIndex/lastIncludedTerm.
func NewSnapshot(lastIncludedIndex LogIndex, lastIncludedTerm Term, data []byte) Snapshot {
	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)
	return Snapshot{LastIncludedIndex: lastIncludedIndex, LastIncludedTerm: lastIncludedTerm, Data: dataCopy}
}

// SnapshotStorage persists the snapshots a StateMachine produces, so a
// replica can restore from its most recent snapshot after a restart instead
// of replaying the entire log.
type SnapshotStorage interface {
	// LastSnapshot returns the most recently saved snapshot, or ok=false
	// if none has been saved.
	LastSnapshot() (snapshot Snapshot, ok bool, err error)

	// SaveSnapshot persists snapshot as the newest snapshot.
	SaveSnapshot(snapshot Snapshot) error

	// ListSnapshots returns every snapshot persisted so far, oldest
	// first.
	ListSnapshots() ([]Snapshot, error)

	// Close releases any resources held by the storage.
	Close() error
}

// fileSnapshotStorage is a durable, append-only SnapshotStorage, adapted
// from the teacher's persistentSnapshotStorage.
type fileSnapshotStorage struct {
	path      string
	file      *os.File
	snapshots []Snapshot
}

// NewFileSnapshotStorage opens (creating if necessary) a durable
// SnapshotStorage backed by a single file at path.
func NewFileSnapshotStorage(path string) (SnapshotStorage, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return nil, errors.WrapError(err, "failed to open snapshot storage")
	}

	s := &fileSnapshotStorage{path: path, file: file}
	if err := s.replay(); err != nil {
		file.Close()
		return nil, err
	}
	return s, nil
}

func (s *fileSnapshotStorage) replay() error {
	reader := bufio.NewReader(s.file)
	for {
		snapshot, err := decodeSnapshot(reader)
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.WrapError(err, "failed while replaying snapshot storage")
		}
		s.snapshots = append(s.snapshots, snapshot)
	}
	return nil
}

func (s *fileSnapshotStorage) LastSnapshot() (Snapshot, bool, error) {
	if s.file == nil {
		return Snapshot{}, false, errSnapshotStoreNotOpen
	}
	if len(s.snapshots) == 0 {
		return Snapshot{}, false, nil
	}
	return s.snapshots[len(s.snapshots)-1], true, nil
}

func (s *fileSnapshotStorage) ListSnapshots() ([]Snapshot, error) {
	if s.file == nil {
		return nil, errSnapshotStoreNotOpen
	}
	return s.snapshots, nil
}

func (s *fileSnapshotStorage) SaveSnapshot(snapshot Snapshot) error {
	if s.file == nil {
		return errSnapshotStoreNotOpen
	}

	writer := bufio.NewWriter(s.file)
	if err := encodeSnapshot(writer, snapshot); err != nil {
		return errors.WrapError(err, "failed to save snapshot")
	}
	if err := writer.Flush(); err != nil {
		return errors.WrapError(err, "failed to save snapshot")
	}
	if err := s.file.Sync(); err != nil {
		return errors.WrapError(err, "failed to save snapshot")
	}

	s.snapshots = append(s.snapshots, snapshot)
	return nil
}

func (s *fileSnapshotStorage) Close() error {
	if s.file == nil {
		return nil
	}
	if err := s.file.Close(); err != nil {
		return errors.WrapError(err, "failed to close snapshot storage")
	}
	s.file = nil
	s.snapshots = nil
	return nil
}
