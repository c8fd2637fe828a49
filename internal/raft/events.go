package raft

// event is anything the event loop processes.
type event interface{}

type result[T any] struct {
	val T
	err error
}

type requestVoteEvent struct {
	req   *RequestVoteRequest
	reply chan result[*RequestVoteResponse]
}

type appendEntriesEvent struct {
	req   *AppendEntriesRequest
	reply chan result[*AppendEntriesResponse]
}

type installSnapshotEvent struct {
	req   *InstallSnapshotRequest
	reply chan result[*InstallSnapshotResponse]
}

type clientCommandEvent struct {
	command []byte
	reply   chan result[*proposal]
}

type queryEvent struct {
	fn    func()
	reply chan result[struct{}]
}

type electionTimeoutEvent struct{}

type heartbeatTimeoutEvent struct{}

type shutdownEvent struct{}

// voteResultEvent carries a RequestVote reply for the election in term.
type voteResultEvent struct {
	peer string
	term uint64
	resp *RequestVoteResponse
	err  error
}

// appendResultEvent carries an AppendEntries reply for a request sent in term.
type appendResultEvent struct {
	peer    string
	term    uint64
	prev    uint64
	entries int
	resp    *AppendEntriesResponse
	err     error
}

type snapshotResultEvent struct {
	peer      string
	term      uint64
	lastIndex uint64
	resp      *InstallSnapshotResponse
	err       error
}
