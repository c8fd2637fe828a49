package raft

import (
	"fmt"
	"sync"
)

// HardState is the term and vote that must survive a restart.
type HardState struct {
	Term     uint64
	VotedFor string
}

// Storage persists the node's hard state, log entries and latest snapshot.
// Every method must be durable when it returns: the event loop calls them
// before replying to an RPC or granting a vote.
type Storage interface {
	LoadState() (HardState, error)
	SaveState(hs HardState) error

	// LoadLog returns the stored entries in index order. The placeholder for
	// a compacted prefix is not stored; it is rebuilt from the snapshot.
	LoadLog() ([]LogEntry, error)
	AppendLog(entries []LogEntry) error
	// TruncateLog removes every entry with index >= from.
	TruncateLog(from uint64) error
	// CompactLog removes every entry with index <= through.
	CompactLog(through uint64) error

	// LoadSnapshot returns nil when no snapshot has been saved.
	LoadSnapshot() (*Snapshot, error)
	SaveSnapshot(snap *Snapshot) error
}

// MemoryStorage is a Storage kept in process memory. State survives a Node
// being rebuilt over the same MemoryStorage, which is how tests model restarts.
type MemoryStorage struct {
	mu       sync.Mutex
	hs       HardState
	entries  []LogEntry
	snapshot *Snapshot
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (m *MemoryStorage) LoadState() (HardState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hs, nil
}

func (m *MemoryStorage) SaveState(hs HardState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hs = hs
	return nil
}

func (m *MemoryStorage) LoadLog() ([]LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]LogEntry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.clone())
	}
	return out, nil
}

func (m *MemoryStorage) AppendLog(entries []LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		if n := len(m.entries); n > 0 && e.Index != m.entries[n-1].Index+1 {
			return fmt.Errorf("append index %d after %d: %w", e.Index, m.entries[n-1].Index, ErrLogCorrupted)
		}
		m.entries = append(m.entries, e.clone())
	}
	return nil
}

func (m *MemoryStorage) TruncateLog(from uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.entries {
		if e.Index >= from {
			m.entries = m.entries[:i]
			break
		}
	}
	return nil
}

func (m *MemoryStorage) CompactLog(through uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := 0
	for i < len(m.entries) && m.entries[i].Index <= through {
		i++
	}
	m.entries = append([]LogEntry(nil), m.entries[i:]...)
	return nil
}

func (m *MemoryStorage) LoadSnapshot() (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snapshot == nil {
		return nil, nil
	}
	snap := *m.snapshot
	snap.Data = append([]byte(nil), m.snapshot.Data...)
	return &snap, nil
}

func (m *MemoryStorage) SaveSnapshot(snap *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *snap
	cp.Data = append([]byte(nil), snap.Data...)
	m.snapshot = &cp
	return nil
}
