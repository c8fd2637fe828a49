package raft

import (
	"fmt"
	"log"
	"os"
	"time"
)

// Config contains configuration for a Raft node. A Node copies its Config on
// construction and never modifies it afterwards.
type Config struct {
	ID    string   // this node's identifier
	Peers []string // identifiers of the other cluster members

	// Election timeouts are drawn uniformly from [ElectionTimeoutMin, ElectionTimeoutMax).
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration

	// RPCTimeout bounds every outgoing RPC, including one round of vote collection.
	RPCTimeout time.Duration

	// PollInterval caps how long the event loop waits before re-checking the
	// election deadline.
	PollInterval time.Duration

	MaxEntriesPerAppend int

	// SnapshotThreshold is the number of entries kept after the last snapshot
	// before a new snapshot is taken. Zero disables automatic snapshots.
	SnapshotThreshold uint64

	EventQueueSize int

	Logger *log.Logger
}

// DefaultConfig returns a Config with the default timing and batching values.
func DefaultConfig(id string, peers []string) Config {
	return Config{
		ID:                  id,
		Peers:               peers,
		ElectionTimeoutMin:  150 * time.Millisecond,
		ElectionTimeoutMax:  300 * time.Millisecond,
		HeartbeatInterval:   50 * time.Millisecond,
		RPCTimeout:          100 * time.Millisecond,
		PollInterval:        10 * time.Millisecond,
		MaxEntriesPerAppend: 64,
		SnapshotThreshold:   1024,
		EventQueueSize:      256,
	}
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: node ID must not be empty", ErrInvalidConfig)
	}
	seen := make(map[string]bool, len(c.Peers))
	for _, p := range c.Peers {
		if p == "" {
			return fmt.Errorf("%w: empty peer ID", ErrInvalidConfig)
		}
		if p == c.ID {
			return fmt.Errorf("%w: peer list contains the node itself (%s)", ErrInvalidConfig, p)
		}
		if seen[p] {
			return fmt.Errorf("%w: duplicate peer %s", ErrInvalidConfig, p)
		}
		seen[p] = true
	}
	if c.ElectionTimeoutMin <= 0 || c.ElectionTimeoutMax <= c.ElectionTimeoutMin {
		return fmt.Errorf("%w: election timeout range [%v,%v) is empty",
			ErrInvalidConfig, c.ElectionTimeoutMin, c.ElectionTimeoutMax)
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatInterval >= c.ElectionTimeoutMin {
		return fmt.Errorf("%w: heartbeat interval %v must be positive and below the election timeout",
			ErrInvalidConfig, c.HeartbeatInterval)
	}
	if c.RPCTimeout <= 0 {
		return fmt.Errorf("%w: RPC timeout must be positive, got %v", ErrInvalidConfig, c.RPCTimeout)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("%w: poll interval must be positive, got %v", ErrInvalidConfig, c.PollInterval)
	}
	if c.MaxEntriesPerAppend <= 0 {
		return fmt.Errorf("%w: max entries per append must be positive, got %d",
			ErrInvalidConfig, c.MaxEntriesPerAppend)
	}
	if c.EventQueueSize <= 0 {
		return fmt.Errorf("%w: event queue size must be positive, got %d", ErrInvalidConfig, c.EventQueueSize)
	}
	return nil
}

// clone returns a deep copy so later changes to the caller's slice are not observed.
func (c Config) clone() Config {
	c.Peers = append([]string(nil), c.Peers...)
	if c.Logger == nil {
		c.Logger = log.New(os.Stderr, fmt.Sprintf("[raft %s] ", c.ID), log.LstdFlags|log.Lmicroseconds)
	}
	return c
}
