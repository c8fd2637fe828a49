// Package store is a key-value state machine driven by a replicated raft log.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/google/uuid"
)

const (
	OpPut    = "put"
	OpDelete = "delete"
)

const (
	filterCapacity     = 100000
	filterFalsePosRate = 0.01
	// maxTrackedCommands bounds the duplicate-detection window.
	maxTrackedCommands = 10000
)

var ErrMalformedCommand = errors.New("store: malformed command")

// Command is the payload of a log entry.
type Command struct {
	ID    string `json:"id,omitempty"`
	Op    string `json:"op"`
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

// EncodeCommand builds a command with a fresh ID so a retried submission is
// applied only once.
func EncodeCommand(op, key, value string) ([]byte, error) {
	cmd := Command{ID: uuid.NewString(), Op: op, Key: key, Value: value}
	if err := cmd.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(cmd)
}

// ParseCommand decodes a JSON command, or the short form "key=value" for a put.
func ParseCommand(b []byte) (Command, error) {
	b = bytes.TrimSpace(b)
	var cmd Command
	if len(b) > 0 && b[0] == '{' {
		if err := json.Unmarshal(b, &cmd); err != nil {
			return Command{}, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
		}
	} else {
		key, value, ok := strings.Cut(string(b), "=")
		if !ok {
			return Command{}, fmt.Errorf("%w: %q", ErrMalformedCommand, b)
		}
		cmd = Command{Op: OpPut, Key: strings.TrimSpace(key), Value: value}
	}
	if err := cmd.validate(); err != nil {
		return Command{}, err
	}
	return cmd, nil
}

func (c Command) validate() error {
	if c.Key == "" {
		return fmt.Errorf("%w: empty key", ErrMalformedCommand)
	}
	if c.Op != OpPut && c.Op != OpDelete {
		return fmt.Errorf("%w: unknown op %q", ErrMalformedCommand, c.Op)
	}
	return nil
}

// KeyValue is a stored value and the apply sequence number that last wrote it.
type KeyValue struct {
	Value   string `json:"value"`
	Version uint64 `json:"version"`
}

// Metrics counts what the store has seen.
type Metrics struct {
	ActiveKeyCount int64
	Applied        uint64
	Duplicates     uint64
	Malformed      uint64
}

// KVStore implements raft.StateMachine. Every replica applying the same
// commands in the same order ends with the same contents. A Bloom filter
// short-circuits lookups of keys that were never written.
type KVStore struct {
	mu     sync.RWMutex
	data   map[string]*KeyValue
	filter *bloom.BloomFilter

	seen      map[string]struct{}
	seenOrder []string

	applied    uint64
	duplicates uint64
	malformed  uint64
}

func NewKVStore() *KVStore {
	return &KVStore{
		data:   make(map[string]*KeyValue),
		filter: bloom.NewWithEstimates(filterCapacity, filterFalsePosRate),
		seen:   make(map[string]struct{}),
	}
}

// Apply executes one committed command. Malformed commands are counted and
// skipped rather than failing, so every replica skips them the same way.
func (s *KVStore) Apply(command []byte) error {
	cmd, err := ParseCommand(command)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied++
	if err != nil {
		s.malformed++
		return nil
	}
	if cmd.ID != "" {
		if _, dup := s.seen[cmd.ID]; dup {
			s.duplicates++
			return nil
		}
		s.track(cmd.ID)
	}

	switch cmd.Op {
	case OpPut:
		s.data[cmd.Key] = &KeyValue{Value: cmd.Value, Version: s.applied}
		s.filter.AddString(cmd.Key)
	case OpDelete:
		delete(s.data, cmd.Key)
	}
	return nil
}

func (s *KVStore) track(id string) {
	s.seen[id] = struct{}{}
	s.seenOrder = append(s.seenOrder, id)
	if len(s.seenOrder) > maxTrackedCommands {
		delete(s.seen, s.seenOrder[0])
		s.seenOrder = s.seenOrder[1:]
	}
}

// Get returns the value for key and the version that wrote it.
func (s *KVStore) Get(key string) (string, uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.filter.TestString(key) {
		return "", 0, false
	}
	kv, exists := s.data[key]
	if !exists {
		return "", 0, false
	}
	return kv.Value, kv.Version, true
}

// keys returns all keys in sorted order.
func (s *KVStore) keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *KVStore) Metrics() Metrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Metrics{
		ActiveKeyCount: int64(len(s.data)),
		Applied:        s.applied,
		Duplicates:     s.duplicates,
		Malformed:      s.malformed,
	}
}

type snapshotState struct {
	Data       map[string]*KeyValue `json:"data"`
	Seen       []string             `json:"seen,omitempty"`
	Applied    uint64               `json:"applied"`
	Duplicates uint64               `json:"duplicates,omitempty"`
	Malformed  uint64               `json:"malformed,omitempty"`
}

// Snapshot serializes the full store, including the duplicate-detection window.
func (s *KVStore) Snapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return json.Marshal(snapshotState{
		Data:       s.data,
		Seen:       s.seenOrder,
		Applied:    s.applied,
		Duplicates: s.duplicates,
		Malformed:  s.malformed,
	})
}

// Restore replaces the store with a snapshot and rebuilds the filter.
func (s *KVStore) Restore(data []byte) error {
	var state snapshotState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("failed to decode snapshot: %v", err)
	}
	if state.Data == nil {
		state.Data = make(map[string]*KeyValue)
	}

	filter := bloom.NewWithEstimates(max(filterCapacity, uint(len(state.Data))), filterFalsePosRate)
	for k := range state.Data {
		filter.AddString(k)
	}
	seen := make(map[string]struct{}, len(state.Seen))
	for _, id := range state.Seen {
		seen[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = state.Data
	s.filter = filter
	s.seen = seen
	s.seenOrder = state.Seen
	s.applied = state.Applied
	s.duplicates = state.Duplicates
	s.malformed = state.Malformed
	return nil
}
