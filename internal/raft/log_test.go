package raft

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func logWithTerms(terms ...uint64) *raftLog {
	l := newRaftLog()
	for i, term := range terms {
		l.append(NewLogEntry(term, uint64(i+1), []byte{byte(i)}))
	}
	return l
}

func TestRaftLogIndexing(t *testing.T) {
	l := logWithTerms(1, 1, 2)

	assert.Equal(t, uint64(0), l.base())
	assert.Equal(t, uint64(3), l.lastIndex())
	assert.Equal(t, uint64(2), l.lastTerm())
	assert.Equal(t, uint64(4), l.length())
	assert.Equal(t, uint64(3), l.size())

	assert.Equal(t, uint64(0), l.termAt(0))
	assert.Equal(t, uint64(2), l.termAt(3))
	assert.Equal(t, uint64(0), l.termAt(4))

	_, ok := l.entry(0)
	assert.False(t, ok, "sentinel is not an entry")
	e, ok := l.entry(2)
	require.True(t, ok)
	assert.Equal(t, uint64(1), e.Term)

	assert.Len(t, l.slice(1, 0), 3)
	assert.Len(t, l.slice(2, 1), 1)
	assert.Nil(t, l.slice(4, 0))
}

func TestRaftLogSliceCopiesCommands(t *testing.T) {
	l := logWithTerms(1)
	out := l.slice(1, 0)
	out[0].Command[0] = 0xff

	e, _ := l.entry(1)
	assert.Equal(t, byte(0), e.Command[0])
}

func TestRaftLogAppendOutOfOrderPanics(t *testing.T) {
	l := logWithTerms(1)
	assert.Panics(t, func() { l.append(NewLogEntry(1, 3, nil)) })
}

func TestRaftLogTruncate(t *testing.T) {
	l := logWithTerms(1, 1, 2, 2)
	l.truncateFrom(3)
	assert.Equal(t, uint64(2), l.lastIndex())

	l.truncateFrom(10)
	assert.Equal(t, uint64(2), l.lastIndex())

	assert.Panics(t, func() { l.truncateFrom(0) })
}

func TestRaftLogFirstIndexOfTerm(t *testing.T) {
	l := logWithTerms(1, 2, 2, 2, 3)
	assert.Equal(t, uint64(2), l.firstIndexOfTerm(2, 4))
	assert.Equal(t, uint64(5), l.firstIndexOfTerm(3, 5))
	assert.Equal(t, uint64(1), l.firstIndexOfTerm(1, 1))
}

func TestRaftLogCompact(t *testing.T) {
	t.Run("keeps tail when term matches", func(t *testing.T) {
		l := logWithTerms(1, 1, 2, 2)
		l.compact(2, 1)

		assert.Equal(t, uint64(2), l.base())
		assert.Equal(t, uint64(1), l.termAt(2))
		assert.Equal(t, uint64(2), l.size())
		assert.Equal(t, uint64(4), l.lastIndex())
		_, ok := l.entry(2)
		assert.False(t, ok)
	})

	t.Run("drops everything on mismatch", func(t *testing.T) {
		l := logWithTerms(1, 1, 2, 2)
		l.compact(3, 5)

		assert.Equal(t, uint64(3), l.base())
		assert.Equal(t, uint64(3), l.lastIndex())
		assert.Equal(t, uint64(5), l.lastTerm())
		assert.Equal(t, uint64(0), l.size())
	})

	t.Run("beyond the end", func(t *testing.T) {
		l := logWithTerms(1)
		l.compact(10, 4)

		assert.Equal(t, uint64(10), l.base())
		assert.Equal(t, uint64(11), l.length())
	})
}

func TestLogEntryVerify(t *testing.T) {
	e := NewLogEntry(3, 7, []byte("set x=1"))
	assert.True(t, e.Verify())
	assert.NotZero(t, e.CreatedAt)

	tampered := e.clone()
	tampered.Command[0] = 'S'
	assert.False(t, tampered.Verify())

	moved := e
	moved.Index = 8
	assert.False(t, moved.Verify())
}

func TestLogEntryBinaryKeepsHash(t *testing.T) {
	e := NewLogEntry(2, 9, []byte("payload"))
	b, err := e.MarshalBinary()
	require.NoError(t, err)

	var got LogEntry
	require.NoError(t, got.UnmarshalBinary(b))
	assert.Equal(t, e, got)
	assert.True(t, got.Verify())
}

func TestAppendEntriesBinary(t *testing.T) {
	req := &AppendEntriesRequest{
		Term:         4,
		LeaderID:     "node1",
		PrevLogIndex: 10,
		PrevLogTerm:  3,
		Entries:      []LogEntry{NewLogEntry(4, 11, []byte("a")), NewLogEntry(4, 12, nil)},
		LeaderCommit: 10,
	}
	b, err := req.MarshalBinary()
	require.NoError(t, err)

	var got AppendEntriesRequest
	require.NoError(t, got.UnmarshalBinary(b))
	assert.Equal(t, req.Term, got.Term)
	assert.Equal(t, req.LeaderID, got.LeaderID)
	assert.Equal(t, req.PrevLogIndex, got.PrevLogIndex)
	assert.Equal(t, req.PrevLogTerm, got.PrevLogTerm)
	assert.Equal(t, req.LeaderCommit, got.LeaderCommit)
	require.Len(t, got.Entries, 2)
	for _, e := range got.Entries {
		assert.True(t, e.Verify())
	}
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	var req RequestVoteRequest
	assert.Error(t, req.UnmarshalBinary([]byte{0xff, 0xff, 0xff}))
}
