package raft

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newLogs(t *testing.T) map[string]func() Log {
	t.Helper()
	return map[string]func() Log{
		"memory": func() Log { return NewMemoryLog() },
		"file": func() Log {
			l, err := NewFileLog(t.TempDir())
			require.NoError(t, err)
			return l
		},
	}
}

func TestLogEmpty(t *testing.T) {
	for name, newLog := range newLogs(t) {
		t.Run(name, func(t *testing.T) {
			l := newLog()
			defer l.Close()

			require.Equal(t, LogIndex(0), l.LatestIndex())
			require.Equal(t, Term(0), l.LatestTerm())

			term, err := l.CurrentTerm()
			require.NoError(t, err)
			require.Equal(t, Term(0), term)

			votedFor, err := l.VotedFor()
			require.NoError(t, err)
			require.Equal(t, ServerID(""), votedFor)

			_, err = l.Entry(1)
			require.Error(t, err)
		})
	}
}

func TestLogAppendAndRead(t *testing.T) {
	for name, newLog := range newLogs(t) {
		t.Run(name, func(t *testing.T) {
			l := newLog()
			defer l.Close()

			entries := []LogEntry{
				{Index: 1, Term: 1, Command: []byte("a")},
				{Index: 2, Term: 1, Command: []byte("b")},
				{Index: 3, Term: 2, Command: []byte("c")},
			}
			require.NoError(t, l.AppendEntries(1, entries))
			require.Equal(t, LogIndex(3), l.LatestIndex())
			require.Equal(t, Term(2), l.LatestTerm())

			got, err := l.Entry(2)
			require.NoError(t, err)
			require.Equal(t, []byte("b"), got.Command)
			require.Equal(t, Term(1), got.Term)
		})
	}
}

func TestLogAppendOverwritesTail(t *testing.T) {
	for name, newLog := range newLogs(t) {
		t.Run(name, func(t *testing.T) {
			l := newLog()
			defer l.Close()

			require.NoError(t, l.AppendEntries(1, []LogEntry{
				{Index: 1, Term: 1, Command: []byte("a")},
				{Index: 2, Term: 1, Command: []byte("b")},
				{Index: 3, Term: 1, Command: []byte("c")},
			}))

			require.NoError(t, l.AppendEntries(2, []LogEntry{
				{Index: 2, Term: 2, Command: []byte("b2")},
			}))

			require.Equal(t, LogIndex(2), l.LatestIndex())
			got, err := l.Entry(2)
			require.NoError(t, err)
			require.Equal(t, []byte("b2"), got.Command)
			require.Equal(t, Term(2), got.Term)
		})
	}
}

func TestLogTermAndVote(t *testing.T) {
	for name, newLog := range newLogs(t) {
		t.Run(name, func(t *testing.T) {
			l := newLog()
			defer l.Close()

			require.NoError(t, l.SetVotedFor("a"))
			require.NoError(t, l.SetCurrentTerm(5))

			votedFor, err := l.VotedFor()
			require.NoError(t, err)
			require.Equal(t, ServerID(""), votedFor, "SetCurrentTerm must clear VotedFor")

			require.NoError(t, l.SetVotedFor("b"))
			next, err := l.IncCurrentTerm()
			require.NoError(t, err)
			require.Equal(t, Term(6), next)

			votedFor, err = l.VotedFor()
			require.NoError(t, err)
			require.Equal(t, ServerID(""), votedFor, "IncCurrentTerm must clear VotedFor")
		})
	}
}

func TestLogTruncateAndRollback(t *testing.T) {
	for name, newLog := range newLogs(t) {
		t.Run(name, func(t *testing.T) {
			l := newLog()
			defer l.Close()

			require.NoError(t, l.AppendEntries(1, []LogEntry{
				{Index: 1, Term: 1, Command: []byte("a")},
				{Index: 2, Term: 1, Command: []byte("b")},
				{Index: 3, Term: 1, Command: []byte("c")},
			}))

			rolledBack, err := l.Rollback(1)
			require.NoError(t, err)
			require.Len(t, rolledBack, 2)
			require.Equal(t, []byte("b"), rolledBack[0].Command)
			require.Equal(t, []byte("c"), rolledBack[1].Command)

			require.NoError(t, l.Truncate(1))
			require.Equal(t, LogIndex(1), l.LatestIndex())
			_, err = l.Entry(2)
			require.Error(t, err)
		})
	}
}

func TestLogCompact(t *testing.T) {
	for name, newLog := range newLogs(t) {
		t.Run(name, func(t *testing.T) {
			l := newLog()
			defer l.Close()

			require.NoError(t, l.AppendEntries(1, []LogEntry{
				{Index: 1, Term: 1, Command: []byte("a")},
				{Index: 2, Term: 1, Command: []byte("b")},
				{Index: 3, Term: 1, Command: []byte("c")},
			}))

			require.NoError(t, l.Compact(1))
			require.Equal(t, LogIndex(3), l.LatestIndex())

			got, err := l.Entry(2)
			require.NoError(t, err)
			require.Equal(t, []byte("b"), got.Command)

			_, err = l.Entry(1)
			require.Error(t, err)
		})
	}
}

func TestFileLogDurability(t *testing.T) {
	dir := t.TempDir()
	l, err := NewFileLog(dir)
	require.NoError(t, err)

	require.NoError(t, l.AppendEntries(1, []LogEntry{
		{Index: 1, Term: 1, Command: []byte("a")},
		{Index: 2, Term: 2, Command: []byte("b")},
	}))
	require.NoError(t, l.SetVotedFor("leader-1"))
	require.NoError(t, l.Close())

	reopened, err := NewFileLog(dir)
	require.NoError(t, err)
	defer reopened.Close()

	require.Equal(t, LogIndex(2), reopened.LatestIndex())
	require.Equal(t, Term(2), reopened.LatestTerm())

	votedFor, err := reopened.VotedFor()
	require.NoError(t, err)
	require.Equal(t, ServerID("leader-1"), votedFor)

	got, err := reopened.Entry(2)
	require.NoError(t, err)
	require.Equal(t, []byte("b"), got.Command)
}

func TestFileLogCompactPersists(t *testing.T) {
	dir := t.TempDir()
	l, err := NewFileLog(dir)
	require.NoError(t, err)

	require.NoError(t, l.AppendEntries(1, []LogEntry{
		{Index: 1, Term: 1, Command: []byte("a")},
		{Index: 2, Term: 1, Command: []byte("b")},
		{Index: 3, Term: 1, Command: []byte("c")},
	}))
	require.NoError(t, l.Compact(1))
	require.NoError(t, l.Close())

	reopened, err := NewFileLog(dir)
	require.NoError(t, err)
	defer reopened.Close()

	require.Equal(t, LogIndex(3), reopened.LatestIndex())
	_, err = reopened.Entry(1)
	require.Error(t, err)

	got, err := reopened.Entry(3)
	require.NoError(t, err)
	require.Equal(t, []byte("c"), got.Command)
}

func TestNewFileLogOpensEmptyDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sub")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	l, err := NewFileLog(dir)
	require.NoError(t, err)
	defer l.Close()
	require.Equal(t, LogIndex(0), l.LatestIndex())
}
