package raft

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// broadcast sends AppendEntries (or a snapshot) to every peer without a
// request already in flight.
func (n *Node) broadcast() {
	for _, peer := range n.cfg.Peers {
		n.replicateTo(peer)
	}
}

// replicateTo syncs a single follower from its nextIndex. At most one request
// per peer is outstanding at a time.
func (n *Node) replicateTo(peer string) {
	if n.state != Leader || n.inflight[peer] {
		return
	}

	next := n.nextIndex[peer]
	if next <= n.log.base() {
		if n.snapshot == nil {
			n.logger.Printf("peer %s needs index %d but no snapshot is held", peer, next)
			return
		}
		n.inflight[peer] = true
		go n.sendInstallSnapshot(peer, InstallSnapshotRequest{
			Term:      n.currentTerm,
			LeaderID:  n.id,
			LastIndex: n.snapshot.LastIndex,
			LastTerm:  n.snapshot.LastTerm,
			Data:      n.snapshot.Data,
		})
		return
	}

	prev := next - 1
	n.inflight[peer] = true
	go n.sendAppendEntries(peer, AppendEntriesRequest{
		Term:         n.currentTerm,
		LeaderID:     n.id,
		PrevLogIndex: prev,
		PrevLogTerm:  n.log.termAt(prev),
		Entries:      n.log.slice(next, n.cfg.MaxEntriesPerAppend),
		LeaderCommit: n.commitIndex,
	})
}

func (n *Node) sendAppendEntries(peer string, req AppendEntriesRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.RPCTimeout)
	defer cancel()
	resp, err := n.transport.AppendEntries(ctx, peer, &req)
	n.post(&appendResultEvent{
		peer:    peer,
		term:    req.Term,
		prev:    req.PrevLogIndex,
		entries: len(req.Entries),
		resp:    resp,
		err:     err,
	})
}

func (n *Node) sendInstallSnapshot(peer string, req InstallSnapshotRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.RPCTimeout)
	defer cancel()
	resp, err := n.transport.InstallSnapshot(ctx, peer, &req)
	n.post(&snapshotResultEvent{peer: peer, term: req.Term, lastIndex: req.LastIndex, resp: resp, err: err})
}

func (n *Node) handleAppendResult(ev *appendResultEvent) {
	if n.state == Leader && ev.term == n.currentTerm {
		delete(n.inflight, ev.peer)
	}
	if ev.err != nil {
		return
	}
	if n.observeTerm(ev.resp.Term) {
		return
	}
	if n.state != Leader || ev.term != n.currentTerm {
		return
	}

	if ev.resp.Success {
		if match := ev.prev + uint64(ev.entries); match > n.matchIndex[ev.peer] {
			n.matchIndex[ev.peer] = match
		}
		n.nextIndex[ev.peer] = n.matchIndex[ev.peer] + 1
		n.advanceCommit()
		if n.nextIndex[ev.peer] <= n.log.lastIndex() {
			n.replicateTo(ev.peer)
		}
		return
	}

	next := ev.resp.ConflictIndex
	if next < 1 {
		next = 1
	}
	if next > n.log.length() {
		next = n.log.length()
	}
	if next <= n.matchIndex[ev.peer] {
		next = n.matchIndex[ev.peer] + 1
	}
	previous := n.nextIndex[ev.peer]
	n.nextIndex[ev.peer] = next
	if next < previous {
		n.replicateTo(ev.peer)
	}
}

func (n *Node) handleSnapshotResult(ev *snapshotResultEvent) {
	if n.state == Leader && ev.term == n.currentTerm {
		delete(n.inflight, ev.peer)
	}
	if ev.err != nil {
		n.logger.Printf("install snapshot on %s failed: %v", ev.peer, ev.err)
		return
	}
	if n.observeTerm(ev.resp.Term) {
		return
	}
	if n.state != Leader || ev.term != n.currentTerm {
		return
	}
	if ev.lastIndex > n.matchIndex[ev.peer] {
		n.matchIndex[ev.peer] = ev.lastIndex
	}
	n.nextIndex[ev.peer] = n.matchIndex[ev.peer] + 1
	n.advanceCommit()
	if n.nextIndex[ev.peer] <= n.log.lastIndex() {
		n.replicateTo(ev.peer)
	}
}

// advanceCommit moves the commit index to the highest index stored on a
// majority, provided that entry is from the current term.
func (n *Node) advanceCommit() {
	if n.state != Leader {
		return
	}
	matches := make([]uint64, 0, len(n.cfg.Peers)+1)
	matches = append(matches, n.log.lastIndex())
	for _, peer := range n.cfg.Peers {
		matches = append(matches, n.matchIndex[peer])
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i] > matches[j] })

	candidate := matches[n.quorum()-1]
	if candidate <= n.commitIndex || n.log.termAt(candidate) != n.currentTerm {
		return
	}
	n.commitIndex = candidate
	n.applyCommitted()
}

// handleAppendEntries is the follower side of replication.
func (n *Node) handleAppendEntries(req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	if req.Term < n.currentTerm {
		return &AppendEntriesResponse{Term: n.currentTerm}, nil
	}
	if req.Term > n.currentTerm || n.state != Follower {
		if err := n.becomeFollower(req.Term); err != nil {
			return nil, err
		}
	}
	n.leaderID = req.LeaderID
	n.lastHeartbeat = time.Now()
	n.resetElectionDeadline()

	resp := &AppendEntriesResponse{Term: n.currentTerm}
	prevIndex, prevTerm, entries := req.PrevLogIndex, req.PrevLogTerm, req.Entries

	// Entries already folded into our snapshot are committed and match.
	if base := n.log.base(); prevIndex < base {
		skip := base - prevIndex
		if uint64(len(entries)) <= skip {
			entries = nil
		} else {
			entries = entries[skip:]
		}
		prevIndex, prevTerm = base, n.log.termAt(base)
	}

	if prevIndex > n.log.lastIndex() {
		resp.ConflictIndex = n.log.length()
		return resp, nil
	}
	if term := n.log.termAt(prevIndex); term != prevTerm {
		resp.ConflictTerm = term
		resp.ConflictIndex = n.log.firstIndexOfTerm(term, prevIndex)
		return resp, nil
	}

	var missing []LogEntry
	for i, e := range entries {
		idx := prevIndex + 1 + uint64(i)
		if e.Index != idx {
			return nil, fmt.Errorf("%w: leader %s sent entry %d at position %d",
				ErrLogCorrupted, req.LeaderID, e.Index, idx)
		}
		if idx > n.log.lastIndex() {
			missing = entries[i:]
			break
		}
		if n.log.termAt(idx) == e.Term {
			continue
		}
		if idx <= n.commitIndex {
			return nil, fmt.Errorf("%w: leader %s conflicts with committed entry %d",
				ErrLogCorrupted, req.LeaderID, idx)
		}
		if err := n.storage.TruncateLog(idx); err != nil {
			return nil, fmt.Errorf("truncate log at %d: %w", idx, err)
		}
		n.log.truncateFrom(idx)
		n.failWaiters(func(i uint64) bool { return i >= idx }, ErrLeadershipLost)
		missing = entries[i:]
		break
	}
	if len(missing) > 0 {
		if err := n.storage.AppendLog(missing); err != nil {
			return nil, fmt.Errorf("persist entries from %d: %w", missing[0].Index, err)
		}
		n.log.append(missing...)
	}

	if req.LeaderCommit > n.commitIndex {
		if commit := min(req.LeaderCommit, req.PrevLogIndex+uint64(len(req.Entries))); commit > n.commitIndex {
			n.commitIndex = commit
			n.applyCommitted()
		}
	}
	resp.Success = true
	return resp, nil
}
