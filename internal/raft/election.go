package raft

import (
	"context"
	"time"
)

// handleElectionTimeout starts an election once the deadline has passed
// without hearing from a leader.
func (n *Node) handleElectionTimeout() {
	if n.state == Leader || time.Now().Before(n.electionDeadline) {
		return
	}
	n.startElection()
}

// startElection begins a new election round.
func (n *Node) startElection() {
	n.resetElectionDeadline()
	if err := n.persistState(HardState{Term: n.currentTerm + 1, VotedFor: n.id}); err != nil {
		return
	}
	n.state = Candidate
	n.currentTerm++
	n.votedFor = n.id
	n.leaderID = ""

	n.logger.Printf("election timeout, campaigning in term %d", n.currentTerm)
	n.votes = map[string]bool{n.id: true}
	if len(n.votes) >= n.quorum() {
		n.becomeLeader()
		return
	}

	req := RequestVoteRequest{
		Term:         n.currentTerm,
		CandidateID:  n.id,
		LastLogIndex: n.log.lastIndex(),
		LastLogTerm:  n.log.lastTerm(),
	}
	for _, peer := range n.cfg.Peers {
		go n.sendRequestVote(peer, req)
	}
}

func (n *Node) sendRequestVote(peer string, req RequestVoteRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.RPCTimeout)
	defer cancel()
	resp, err := n.transport.RequestVote(ctx, peer, &req)
	n.post(&voteResultEvent{peer: peer, term: req.Term, resp: resp, err: err})
}

func (n *Node) handleVoteResult(ev *voteResultEvent) {
	if ev.err != nil {
		return
	}
	if n.observeTerm(ev.resp.Term) {
		return
	}
	if n.state != Candidate || ev.term != n.currentTerm || !ev.resp.VoteGranted {
		return
	}
	n.votes[ev.peer] = true
	if len(n.votes) >= n.quorum() {
		n.becomeLeader()
	}
}

// becomeLeader transitions the node to leader state and announces itself.
func (n *Node) becomeLeader() {
	n.state = Leader
	n.leaderID = n.id
	n.votes = nil
	n.nextIndex = make(map[string]uint64, len(n.cfg.Peers))
	n.matchIndex = make(map[string]uint64, len(n.cfg.Peers))
	n.inflight = make(map[string]bool, len(n.cfg.Peers))
	for _, peer := range n.cfg.Peers {
		n.nextIndex[peer] = n.log.length()
		n.matchIndex[peer] = 0
	}
	n.logger.Printf("became leader for term %d at last index %d", n.currentTerm, n.log.lastIndex())
	n.advanceCommit()
	n.broadcast()
}

// handleRequestVote decides whether to grant a vote. The vote is made
// durable before it is granted.
func (n *Node) handleRequestVote(req *RequestVoteRequest) (*RequestVoteResponse, error) {
	if req.Term < n.currentTerm {
		return &RequestVoteResponse{Term: n.currentTerm}, nil
	}
	if req.Term > n.currentTerm {
		if err := n.becomeFollower(req.Term); err != nil {
			return nil, err
		}
	}

	resp := &RequestVoteResponse{Term: n.currentTerm}
	if n.votedFor != "" && n.votedFor != req.CandidateID {
		return resp, nil
	}
	if !n.candidateUpToDate(req.LastLogTerm, req.LastLogIndex) {
		return resp, nil
	}

	if err := n.persistState(HardState{Term: n.currentTerm, VotedFor: req.CandidateID}); err != nil {
		return nil, err
	}
	n.votedFor = req.CandidateID
	n.resetElectionDeadline()
	resp.VoteGranted = true
	return resp, nil
}

// candidateUpToDate reports whether a candidate's log is at least as
// up-to-date as ours.
func (n *Node) candidateUpToDate(lastTerm, lastIndex uint64) bool {
	if lastTerm != n.log.lastTerm() {
		return lastTerm > n.log.lastTerm()
	}
	return lastIndex >= n.log.lastIndex()
}
