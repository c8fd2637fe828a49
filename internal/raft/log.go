package raft

import (
	"encoding/binary"
	"time"

	"github.com/spaolacci/murmur3"
)

// LogEntry represents a single entry in the Raft log.
type LogEntry struct {
	Term      uint64
	Index     uint64
	Command   []byte
	CreatedAt int64  // unix nanoseconds at the leader that created the entry
	Hash      uint64 // integrity hash over (Term, Index, Command)
}

// NewLogEntry builds an entry with its integrity hash set.
func NewLogEntry(term, index uint64, command []byte) LogEntry {
	e := LogEntry{
		Term:      term,
		Index:     index,
		Command:   command,
		CreatedAt: time.Now().UnixNano(),
	}
	e.Hash = e.computeHash()
	return e
}

func (e *LogEntry) computeHash() uint64 {
	h := murmur3.New64()
	binary.Write(h, binary.BigEndian, e.Term)
	binary.Write(h, binary.BigEndian, e.Index)
	h.Write(e.Command)
	return h.Sum64()
}

// Verify recomputes the integrity hash and compares it with the stored one.
func (e *LogEntry) Verify() bool {
	return e.Hash == e.computeHash()
}

func (e LogEntry) clone() LogEntry {
	e.Command = append([]byte(nil), e.Command...)
	return e
}

// raftLog holds the in-memory log. entries[0] is either the index-0 sentinel or,
// after compaction, a placeholder carrying the snapshot's (term, index). Entry i
// lives at entries[i-base].
type raftLog struct {
	entries []LogEntry
}

func newRaftLog() *raftLog {
	return &raftLog{entries: []LogEntry{placeholder(0, 0)}}
}

func placeholder(term, index uint64) LogEntry {
	e := LogEntry{Term: term, Index: index}
	e.Hash = e.computeHash()
	return e
}

// base is the index of entries[0].
func (l *raftLog) base() uint64 {
	return l.entries[0].Index
}

func (l *raftLog) lastIndex() uint64 {
	return l.entries[len(l.entries)-1].Index
}

func (l *raftLog) lastTerm() uint64 {
	return l.entries[len(l.entries)-1].Term
}

// length is the logical length of the log, i.e. the next index to be written.
func (l *raftLog) length() uint64 {
	return l.lastIndex() + 1
}

// size is the number of entries held past the placeholder.
func (l *raftLog) size() uint64 {
	return uint64(len(l.entries) - 1)
}

// termAt returns the term of the entry at index, or 0 when the index is not held.
func (l *raftLog) termAt(index uint64) uint64 {
	if index < l.base() || index > l.lastIndex() {
		return 0
	}
	return l.entries[index-l.base()].Term
}

// entry returns the entry at index. The placeholder itself is not returned.
func (l *raftLog) entry(index uint64) (LogEntry, bool) {
	if index <= l.base() || index > l.lastIndex() {
		return LogEntry{}, false
	}
	return l.entries[index-l.base()], true
}

// slice returns up to limit entries starting at from, copied.
func (l *raftLog) slice(from uint64, limit int) []LogEntry {
	if from <= l.base() || from > l.lastIndex() {
		return nil
	}
	lo := from - l.base()
	hi := uint64(len(l.entries))
	if limit > 0 && hi-lo > uint64(limit) {
		hi = lo + uint64(limit)
	}
	out := make([]LogEntry, 0, hi-lo)
	for _, e := range l.entries[lo:hi] {
		out = append(out, e.clone())
	}
	return out
}

// append stores entries that must continue the log without gaps.
func (l *raftLog) append(entries ...LogEntry) {
	for _, e := range entries {
		if e.Index != l.lastIndex()+1 {
			panic("raft: log append out of order")
		}
		l.entries = append(l.entries, e)
	}
}

// truncateFrom discards the entry at index and everything after it.
func (l *raftLog) truncateFrom(index uint64) {
	if index <= l.base() {
		panic("raft: truncating compacted log prefix")
	}
	if index > l.lastIndex() {
		return
	}
	l.entries = l.entries[:index-l.base()]
}

// firstIndexOfTerm walks back from index to the first held entry carrying term.
func (l *raftLog) firstIndexOfTerm(term, index uint64) uint64 {
	first := index
	for first > l.base()+1 && l.termAt(first-1) == term {
		first--
	}
	return first
}

// compact replaces everything up to and including index with a placeholder,
// keeping the tail after it. If the log does not hold index with the given term
// the whole log is discarded.
func (l *raftLog) compact(index, term uint64) {
	var tail []LogEntry
	if index >= l.base() && index <= l.lastIndex() && l.termAt(index) == term {
		tail = l.entries[index-l.base()+1:]
	}
	entries := make([]LogEntry, 0, len(tail)+1)
	entries = append(entries, placeholder(term, index))
	l.entries = append(entries, tail...)
}
