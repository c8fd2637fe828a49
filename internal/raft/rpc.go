package raft

import "time"

// RequestVoteRequest is sent by candidates to gather votes.
type RequestVoteRequest struct {
	Term         uint64 // candidate's term
	CandidateID  string // candidate requesting vote
	LastLogIndex uint64 // index of candidate's last log entry
	LastLogTerm  uint64 // term of candidate's last log entry
}

// RequestVoteResponse is the reply to RequestVoteRequest.
type RequestVoteResponse struct {
	Term        uint64 // currentTerm, for the candidate to update itself
	VoteGranted bool
}

// AppendEntriesRequest is sent by the leader to replicate entries; it doubles
// as the heartbeat when Entries is empty.
type AppendEntriesRequest struct {
	Term         uint64
	LeaderID     string
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []LogEntry
	LeaderCommit uint64
}

// AppendEntriesResponse is the reply to AppendEntriesRequest. On rejection the
// conflict fields let the leader skip a whole mismatched term at once.
type AppendEntriesResponse struct {
	Term          uint64
	Success       bool
	ConflictIndex uint64
	ConflictTerm  uint64
}

// InstallSnapshotRequest ships a full state machine snapshot to a lagging follower.
type InstallSnapshotRequest struct {
	Term      uint64
	LeaderID  string
	LastIndex uint64
	LastTerm  uint64
	Data      []byte
}

// InstallSnapshotResponse is the reply to InstallSnapshotRequest.
type InstallSnapshotResponse struct {
	Term uint64
}

// Snapshot is the serialized state machine as of (LastIndex, LastTerm).
type Snapshot struct {
	LastIndex uint64
	LastTerm  uint64
	Data      []byte
}

// Metrics is a point-in-time view of a node.
type Metrics struct {
	ID            string
	Term          uint64
	State         State
	LeaderID      string
	LogSize       uint64 // entries held past the snapshot placeholder
	LastIndex     uint64
	CommitIndex   uint64
	LastApplied   uint64
	SnapshotIndex uint64
	PeerCount     int
	IsLeader      bool
	LastHeartbeat time.Time // last accepted contact from a leader
	Fault         string
}
