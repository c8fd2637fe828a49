package raft

import (
	"fmt"
	"time"
)

// snapshotRetryDelay spaces out automatic snapshot attempts after a failure.
const snapshotRetryDelay = time.Second

// maybeSnapshot compacts the log once it has grown past SnapshotThreshold
// entries and some of them are applied. It runs after the current event's
// reply has been sent.
func (n *Node) maybeSnapshot() {
	if n.cfg.SnapshotThreshold == 0 || n.log.size() <= n.cfg.SnapshotThreshold {
		return
	}
	if n.lastApplied <= n.log.base() || time.Now().Before(n.snapshotRetry) {
		return
	}
	if _, err := n.createSnapshot(); err != nil {
		n.logger.Printf("automatic snapshot failed: %v", err)
		n.snapshotRetry = time.Now().Add(snapshotRetryDelay)
	}
}

// createSnapshot captures the state machine at lastApplied, persists it and
// drops the log prefix it covers. If nothing was applied since the latest
// snapshot, that snapshot is returned as is.
func (n *Node) createSnapshot() (*Snapshot, error) {
	index := n.lastApplied
	if n.snapshot != nil && index <= n.snapshot.LastIndex {
		return n.snapshot, nil
	}

	data, err := n.fsm.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSnapshot, err)
	}
	snap := &Snapshot{LastIndex: index, LastTerm: n.log.termAt(index), Data: data}
	if err := n.storage.SaveSnapshot(snap); err != nil {
		return nil, fmt.Errorf("%w: save at %d: %v", ErrSnapshot, index, err)
	}
	if err := n.storage.CompactLog(index); err != nil {
		return nil, fmt.Errorf("%w: compact log through %d: %v", ErrSnapshot, index, err)
	}
	n.log.compact(snap.LastIndex, snap.LastTerm)
	n.snapshot = snap

	n.logger.Printf("snapshot at index %d term %d (%d bytes), %d entries kept",
		snap.LastIndex, snap.LastTerm, len(snap.Data), n.log.size())
	return snap, nil
}

// installSnapshot replaces local state with snap when it is ahead of what has
// been applied. Log entries after the snapshot are kept only when the log
// agrees with the snapshot's last entry.
func (n *Node) installSnapshot(snap *Snapshot) error {
	if snap.LastIndex <= n.lastApplied {
		return nil
	}
	if err := n.fsm.Restore(snap.Data); err != nil {
		return fmt.Errorf("%w: restore at %d: %v", ErrSnapshot, snap.LastIndex, err)
	}

	owned := cloneSnapshot(snap)
	keepTail := snap.LastIndex <= n.log.lastIndex() && n.log.termAt(snap.LastIndex) == snap.LastTerm
	if err := n.persistInstalledSnapshot(&owned, keepTail); err != nil {
		// The state machine already moved past lastApplied.
		n.halt(err)
		return err
	}

	n.log.compact(owned.LastIndex, owned.LastTerm)
	n.snapshot = &owned
	n.failWaiters(func(i uint64) bool { return i <= owned.LastIndex }, ErrLeadershipLost)
	if owned.LastIndex > n.commitIndex {
		n.commitIndex = owned.LastIndex
	}
	n.lastApplied = owned.LastIndex

	n.logger.Printf("installed snapshot at index %d term %d", owned.LastIndex, owned.LastTerm)
	return nil
}

func (n *Node) persistInstalledSnapshot(snap *Snapshot, keepTail bool) error {
	if err := n.storage.SaveSnapshot(snap); err != nil {
		return fmt.Errorf("%w: save at %d: %v", ErrSnapshot, snap.LastIndex, err)
	}
	if keepTail {
		if err := n.storage.CompactLog(snap.LastIndex); err != nil {
			return fmt.Errorf("%w: compact log through %d: %v", ErrSnapshot, snap.LastIndex, err)
		}
		return nil
	}
	if err := n.storage.TruncateLog(0); err != nil {
		return fmt.Errorf("%w: discard log: %v", ErrSnapshot, err)
	}
	return nil
}

// handleInstallSnapshot is the follower side of snapshot shipping.
func (n *Node) handleInstallSnapshot(req *InstallSnapshotRequest) (*InstallSnapshotResponse, error) {
	if req.Term < n.currentTerm {
		return &InstallSnapshotResponse{Term: n.currentTerm}, nil
	}
	if req.Term > n.currentTerm || n.state != Follower {
		if err := n.becomeFollower(req.Term); err != nil {
			return nil, err
		}
	}
	n.leaderID = req.LeaderID
	n.lastHeartbeat = time.Now()
	n.resetElectionDeadline()

	snap := &Snapshot{LastIndex: req.LastIndex, LastTerm: req.LastTerm, Data: req.Data}
	if err := n.installSnapshot(snap); err != nil {
		return nil, err
	}
	return &InstallSnapshotResponse{Term: n.currentTerm}, nil
}
