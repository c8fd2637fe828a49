package raft

import (
	"errors"
	"fmt"
)

var (
	// ErrNotLeader is returned when a command is submitted to a node that is not the leader.
	ErrNotLeader = errors.New("raft: not the leader")

	// ErrStopped is returned when the node has been shut down.
	ErrStopped = errors.New("raft: node stopped")

	// ErrHalted is returned once the node has detected a consistency fault and stopped applying.
	ErrHalted = errors.New("raft: node halted after consistency fault")

	// ErrLeadershipLost is returned to a waiting submitter whose entry was overwritten
	// or compacted away before it could be confirmed as committed.
	ErrLeadershipLost = errors.New("raft: leadership lost before entry committed")

	// ErrIntegrity is returned when a log entry's hash does not match its contents.
	ErrIntegrity = errors.New("raft: entry integrity check failed")

	// ErrSnapshot wraps state machine snapshot and restore failures.
	ErrSnapshot = errors.New("raft: snapshot failed")

	// ErrLogCorrupted is returned when persisted log data cannot be reconciled.
	ErrLogCorrupted = errors.New("raft: log corrupted")

	// ErrInvalidConfig is returned when configuration is invalid.
	ErrInvalidConfig = errors.New("raft: invalid configuration")
)

// NotLeaderError is returned by Submit on a node that is not the leader.
// LeaderID is the last leader this node heard from, empty if unknown.
type NotLeaderError struct {
	LeaderID string
}

func (e *NotLeaderError) Error() string {
	if e.LeaderID == "" {
		return ErrNotLeader.Error()
	}
	return fmt.Sprintf("%s (leader is %s)", ErrNotLeader.Error(), e.LeaderID)
}

// Is makes errors.Is(err, ErrNotLeader) hold for any NotLeaderError.
func (e *NotLeaderError) Is(target error) bool {
	return target == ErrNotLeader
}
