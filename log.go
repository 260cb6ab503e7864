package raft

import (
	"bufio"
	"io"
	"os"
	"path/filepath"

	"github.com/quorumkit/raft/internal/errors"
)

var (
	errIndexDoesNotExist = errors.New("index does not exist")
	errLogClosed         = errors.New("log is closed")
)

// Log is the replicated log a Consensus instance owns: the ordered sequence
// of entries plus the durable term/vote pair. Every mutating method must be
// durable before returning.
type Log interface {
	// CurrentTerm returns the most recently persisted term, or zero if
	// none has ever been set.
	CurrentTerm() (Term, error)

	// SetCurrentTerm persists term and atomically clears VotedFor.
	SetCurrentTerm(term Term) error

	// IncCurrentTerm persists CurrentTerm()+1, clears VotedFor, and
	// returns the new term.
	IncCurrentTerm() (Term, error)

	// VotedFor returns the candidate voted for in the current term, or
	// the empty ServerID if none.
	VotedFor() (ServerID, error)

	// SetVotedFor persists candidate as the vote for the current term.
	SetVotedFor(candidate ServerID) error

	// LatestIndex returns the index of the last entry in the log, or
	// zero if the log is empty.
	LatestIndex() LogIndex

	// LatestTerm returns the term of the last entry in the log, or zero
	// if the log is empty.
	LatestTerm() Term

	// Entry returns the entry at index. index must be in
	// [1, LatestIndex()].
	Entry(index LogIndex) (LogEntry, error)

	// AppendEntries truncates any existing entries at indices >=
	// fromIndex and appends entries in their place. fromIndex must be
	// <= LatestIndex()+1.
	AppendEntries(fromIndex LogIndex, entries []LogEntry) error

	// Truncate retains only entries in [1, lo].
	Truncate(lo LogIndex) error

	// Rollback returns, without removing them, the entries at indices >
	// lo, in index order.
	Rollback(lo LogIndex) ([]LogEntry, error)

	// Compact discards entries at indices <= index, used once the state
	// machine has produced a snapshot covering them.
	Compact(index LogIndex) error

	// Close releases any resources held by the log.
	Close() error
}

// memoryLog is an in-memory Log, intended for tests only; it holds no data
// across a process restart.
type memoryLog struct {
	entries  []LogEntry
	term     Term
	votedFor ServerID
	start    LogIndex
}

// NewMemoryLog creates an in-memory Log starting empty at index 0.
func NewMemoryLog() Log {
	return &memoryLog{}
}

func (l *memoryLog) CurrentTerm() (Term, error) { return l.term, nil }

func (l *memoryLog) SetCurrentTerm(term Term) error {
	l.term = term
	l.votedFor = ""
	return nil
}

func (l *memoryLog) IncCurrentTerm() (Term, error) {
	l.term++
	l.votedFor = ""
	return l.term, nil
}

func (l *memoryLog) VotedFor() (ServerID, error) { return l.votedFor, nil }

func (l *memoryLog) SetVotedFor(candidate ServerID) error {
	l.votedFor = candidate
	return nil
}

func (l *memoryLog) LatestIndex() LogIndex {
	if len(l.entries) == 0 {
		return l.start
	}
	return l.entries[len(l.entries)-1].Index
}

func (l *memoryLog) LatestTerm() Term {
	if len(l.entries) == 0 {
		return 0
	}
	return l.entries[len(l.entries)-1].Term
}

func (l *memoryLog) offset(index LogIndex) (int, bool) {
	if len(l.entries) == 0 {
		return 0, false
	}
	base := l.entries[0].Index
	if index < base || index > l.entries[len(l.entries)-1].Index {
		return 0, false
	}
	return int(index - base), true
}

func (l *memoryLog) Entry(index LogIndex) (LogEntry, error) {
	i, ok := l.offset(index)
	if !ok {
		return LogEntry{}, errIndexDoesNotExist
	}
	return l.entries[i], nil
}

func (l *memoryLog) AppendEntries(fromIndex LogIndex, entries []LogEntry) error {
	if i, ok := l.offset(fromIndex); ok {
		l.entries = l.entries[:i]
	} else if fromIndex != l.LatestIndex()+1 {
		return errors.New("append from index is not contiguous with the log")
	}
	l.entries = append(l.entries, entries...)
	return nil
}

func (l *memoryLog) Truncate(lo LogIndex) error {
	if lo == 0 {
		l.entries = nil
		return nil
	}
	i, ok := l.offset(lo)
	if !ok {
		if lo >= l.LatestIndex() {
			return nil
		}
		return errIndexDoesNotExist
	}
	l.entries = l.entries[:i+1]
	return nil
}

func (l *memoryLog) Rollback(lo LogIndex) ([]LogEntry, error) {
	i, ok := l.offset(lo)
	if !ok {
		if lo == 0 {
			out := make([]LogEntry, len(l.entries))
			copy(out, l.entries)
			return out, nil
		}
		if lo >= l.LatestIndex() {
			return nil, nil
		}
		return nil, errIndexDoesNotExist
	}
	out := make([]LogEntry, len(l.entries)-i-1)
	copy(out, l.entries[i+1:])
	return out, nil
}

func (l *memoryLog) Compact(index LogIndex) error {
	i, ok := l.offset(index)
	if !ok {
		return nil
	}
	l.start = l.entries[i].Index
	l.entries = l.entries[i+1:]
	return nil
}

func (l *memoryLog) Close() error { return nil }

// fileLog is a durable, file-backed Log adapted from the teacher's
// persistentLog/persistentStateStorage split: entries live in an
// append-only, length-prefixed entries file; term and vote live in a
// separately fsynced state file swapped into place with an atomic rename.
type fileLog struct {
	path string

	entriesFile *os.File
	entries     []LogEntry

	stateFile *os.File
	term      Term
	votedFor  ServerID
}

// NewFileLog opens (creating if necessary) a durable Log rooted at dir.
func NewFileLog(dir string) (Log, error) {
	l := &fileLog{path: dir}
	if err := l.openEntries(); err != nil {
		return nil, err
	}
	if err := l.openState(); err != nil {
		l.entriesFile.Close()
		return nil, err
	}
	if err := l.replay(); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

func (l *fileLog) openEntries() error {
	f, err := os.OpenFile(filepath.Join(l.path, "log.bin"), os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return errors.WrapError(err, "failed to open log entries file")
	}
	l.entriesFile = f
	return nil
}

func (l *fileLog) openState() error {
	f, err := os.OpenFile(filepath.Join(l.path, "state.bin"), os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return errors.WrapError(err, "failed to open log state file")
	}
	l.stateFile = f
	return nil
}

func (l *fileLog) replay() error {
	reader := bufio.NewReader(l.entriesFile)
	var offset int64
	for {
		entry, err := decodeLogEntry(reader)
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.WrapError(err, "failed while replaying log entries")
		}
		entry.Offset = offset
		offset += 8 + 8 + 4 + int64(len(entry.Command))
		l.entries = append(l.entries, entry)
	}

	state, err := decodeLogState(l.stateFile)
	if err != nil && err != io.EOF {
		return errors.WrapError(err, "failed while replaying log state")
	}
	l.term = state.term
	l.votedFor = state.votedFor
	return nil
}

func (l *fileLog) requireOpen() error {
	if l.entriesFile == nil || l.stateFile == nil {
		return errLogClosed
	}
	return nil
}

func (l *fileLog) CurrentTerm() (Term, error) {
	if err := l.requireOpen(); err != nil {
		return 0, err
	}
	return l.term, nil
}

func (l *fileLog) SetCurrentTerm(term Term) error {
	if err := l.requireOpen(); err != nil {
		return err
	}
	return l.persistState(term, "")
}

func (l *fileLog) IncCurrentTerm() (Term, error) {
	if err := l.requireOpen(); err != nil {
		return 0, err
	}
	next := l.term + 1
	if err := l.persistState(next, ""); err != nil {
		return 0, err
	}
	return next, nil
}

func (l *fileLog) VotedFor() (ServerID, error) {
	if err := l.requireOpen(); err != nil {
		return "", err
	}
	return l.votedFor, nil
}

func (l *fileLog) SetVotedFor(candidate ServerID) error {
	if err := l.requireOpen(); err != nil {
		return err
	}
	return l.persistState(l.term, candidate)
}

// persistState writes (term, votedFor) to a temp file and atomically
// renames it over the existing state file, then reopens for further
// appends. It is never safe to truncate-then-write in place.
func (l *fileLog) persistState(term Term, votedFor ServerID) error {
	tmp, err := os.CreateTemp(l.path, "state-tmp-")
	if err != nil {
		return errors.WrapError(err, "failed while persisting log state")
	}
	if err := encodeLogState(tmp, logState{term: term, votedFor: votedFor}); err != nil {
		return errors.WrapError(err, "failed while persisting log state")
	}
	if err := tmp.Sync(); err != nil {
		return errors.WrapError(err, "failed while persisting log state")
	}
	if err := tmp.Close(); err != nil {
		return errors.WrapError(err, "failed while persisting log state")
	}
	if err := l.stateFile.Close(); err != nil {
		return errors.WrapError(err, "failed while persisting log state")
	}
	if err := os.Rename(tmp.Name(), filepath.Join(l.path, "state.bin")); err != nil {
		return errors.WrapError(err, "failed while persisting log state")
	}
	if err := l.openState(); err != nil {
		return err
	}
	l.term = term
	l.votedFor = votedFor
	return nil
}

func (l *fileLog) LatestIndex() LogIndex {
	if len(l.entries) == 0 {
		return 0
	}
	return l.entries[len(l.entries)-1].Index
}

func (l *fileLog) LatestTerm() Term {
	if len(l.entries) == 0 {
		return 0
	}
	return l.entries[len(l.entries)-1].Term
}

func (l *fileLog) offset(index LogIndex) (int, bool) {
	if len(l.entries) == 0 {
		return 0, false
	}
	base := l.entries[0].Index
	if index < base || index > l.entries[len(l.entries)-1].Index {
		return 0, false
	}
	return int(index - base), true
}

func (l *fileLog) Entry(index LogIndex) (LogEntry, error) {
	if err := l.requireOpen(); err != nil {
		return LogEntry{}, err
	}
	i, ok := l.offset(index)
	if !ok {
		return LogEntry{}, errIndexDoesNotExist
	}
	return l.entries[i], nil
}

func (l *fileLog) AppendEntries(fromIndex LogIndex, entries []LogEntry) error {
	if err := l.requireOpen(); err != nil {
		return err
	}

	if i, ok := l.offset(fromIndex); ok {
		if err := l.truncateFile(l.entries[i].Offset); err != nil {
			return err
		}
		l.entries = l.entries[:i]
	} else if fromIndex != l.LatestIndex()+1 {
		return errors.New("append from index is not contiguous with the log")
	}

	for i := range entries {
		offset, err := l.entriesFile.Seek(0, io.SeekCurrent)
		if err != nil {
			return errors.WrapError(err, "failed while appending entries to log")
		}
		entries[i].Offset = offset
		if err := encodeLogEntry(l.entriesFile, entries[i]); err != nil {
			return errors.WrapError(err, "failed while appending entries to log")
		}
	}
	if err := l.entriesFile.Sync(); err != nil {
		return errors.WrapError(err, "failed while appending entries to log")
	}

	l.entries = append(l.entries, entries...)
	return nil
}

func (l *fileLog) truncateFile(size int64) error {
	if err := l.entriesFile.Truncate(size); err != nil {
		return errors.WrapError(err, "failed to truncate log")
	}
	if err := l.entriesFile.Sync(); err != nil {
		return errors.WrapError(err, "failed to truncate log")
	}
	if _, err := l.entriesFile.Seek(size, io.SeekStart); err != nil {
		return errors.WrapError(err, "failed to truncate log")
	}
	return nil
}

func (l *fileLog) Truncate(lo LogIndex) error {
	if err := l.requireOpen(); err != nil {
		return err
	}
	if lo == 0 {
		if err := l.truncateFile(0); err != nil {
			return err
		}
		l.entries = nil
		return nil
	}
	i, ok := l.offset(lo)
	if !ok {
		if lo >= l.LatestIndex() {
			return nil
		}
		return errIndexDoesNotExist
	}
	size := l.entries[i].Offset
	if i+1 < len(l.entries) {
		size = l.entries[i+1].Offset
	} else {
		var err error
		size, err = l.entriesFile.Seek(0, io.SeekEnd)
		if err != nil {
			return errors.WrapError(err, "failed to truncate log")
		}
	}
	if err := l.truncateFile(size); err != nil {
		return err
	}
	l.entries = l.entries[:i+1]
	return nil
}

func (l *fileLog) Rollback(lo LogIndex) ([]LogEntry, error) {
	if err := l.requireOpen(); err != nil {
		return nil, err
	}
	i, ok := l.offset(lo)
	if !ok {
		if lo == 0 {
			out := make([]LogEntry, len(l.entries))
			copy(out, l.entries)
			return out, nil
		}
		if lo >= l.LatestIndex() {
			return nil, nil
		}
		return nil, errIndexDoesNotExist
	}
	out := make([]LogEntry, len(l.entries)-i-1)
	copy(out, l.entries[i+1:])
	return out, nil
}

// Compact rewrites the entries file to discard everything at or below
// index, via a temporary file and atomic rename, mirroring the teacher's
// persistentLog.Compact.
func (l *fileLog) Compact(index LogIndex) error {
	if err := l.requireOpen(); err != nil {
		return err
	}
	i, ok := l.offset(index)
	if !ok {
		return nil
	}

	kept := make([]LogEntry, len(l.entries)-i-1)
	copy(kept, l.entries[i+1:])

	tmp, err := os.CreateTemp(l.path, "log-tmp-")
	if err != nil {
		return errors.WrapError(err, "failed to compact log")
	}
	for j := range kept {
		offset, err := tmp.Seek(0, io.SeekCurrent)
		if err != nil {
			return errors.WrapError(err, "failed to compact log")
		}
		kept[j].Offset = offset
		if err := encodeLogEntry(tmp, kept[j]); err != nil {
			return errors.WrapError(err, "failed to compact log")
		}
	}
	if err := tmp.Sync(); err != nil {
		return errors.WrapError(err, "failed to compact log")
	}
	if err := tmp.Close(); err != nil {
		return errors.WrapError(err, "failed to compact log")
	}
	if err := l.entriesFile.Close(); err != nil {
		return errors.WrapError(err, "failed to compact log")
	}
	if err := os.Rename(tmp.Name(), filepath.Join(l.path, "log.bin")); err != nil {
		return errors.WrapError(err, "failed to compact log")
	}
	if err := l.openEntries(); err != nil {
		return err
	}
	if _, err := l.entriesFile.Seek(0, io.SeekEnd); err != nil {
		return errors.WrapError(err, "failed to compact log")
	}

	l.entries = kept
	return nil
}

func (l *fileLog) Close() error {
	if l.entriesFile != nil {
		if err := l.entriesFile.Close(); err != nil {
			return errors.WrapError(err, "failed to close log entries file")
		}
		l.entriesFile = nil
	}
	if l.stateFile != nil {
		if err := l.stateFile.Close(); err != nil {
			return errors.WrapError(err, "failed to close log state file")
		}
		l.stateFile = nil
	}
	l.entries = nil
	return nil
}
