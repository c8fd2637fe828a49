// Package storage provides durable, file-backed persistence for a raft node:
// the hard state, a write-ahead log of entries and the latest snapshots.
package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spaolacci/murmur3"

	"raftlog/internal/raft"
)

const (
	maxSnapshots  = 3 // Keep last N snapshots
	snapshotPath  = "snapshots"
	walFileName   = "raft.wal"
	stateFileName = "state.json"
	nodeIDFile    = "node-id"
)

// maxWALSize is the size past which a truncation rewrites the WAL.
var maxWALSize int64 = 64 * 1024 * 1024

// Metrics describes what is currently on disk.
type Metrics struct {
	EntryCount       int64
	SnapshotIndex    uint64
	LastCompactionTS int64
	WALSize          int64
}

// FileStorage implements raft.Storage on a directory. The WAL holds append
// and truncate records. Compaction rewrites it to the retained entries.
type FileStorage struct {
	dir       string
	logger    *log.Logger
	mu        sync.Mutex
	walWriter *WALWriter
	entries   []raft.LogEntry
	state     raft.HardState
	snapshot  *raft.Snapshot

	lastCompaction int64
}

var _ raft.Storage = (*FileStorage)(nil)

// NewFileStorage opens or creates storage under dir and replays its WAL.
func NewFileStorage(dir string, logger *log.Logger) (*FileStorage, error) {
	if logger == nil {
		logger = log.Default()
	}
	if err := os.MkdirAll(filepath.Join(dir, snapshotPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %v", err)
	}

	s := &FileStorage{dir: dir, logger: logger}
	if err := s.recoverState(); err != nil {
		return nil, err
	}
	if err := s.recoverFromWAL(); err != nil {
		return nil, err
	}
	snap, err := s.recoverFromSnapshot()
	if err != nil {
		return nil, err
	}
	s.snapshot = snap

	w, err := NewWALWriter(s.walPath())
	if err != nil {
		return nil, err
	}
	s.walWriter = w
	return s, nil
}

func (s *FileStorage) walPath() string {
	return filepath.Join(s.dir, walFileName)
}

func (s *FileStorage) recoverState() error {
	data, err := os.ReadFile(filepath.Join(s.dir, stateFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read state file: %v", err)
	}
	if err := json.Unmarshal(data, &s.state); err != nil {
		return fmt.Errorf("%w: state file: %v", raft.ErrLogCorrupted, err)
	}
	return nil
}

func (s *FileStorage) recoverFromWAL() error {
	records, err := replayWAL(s.walPath(), s.logger)
	if err != nil {
		return err
	}
	for _, rec := range records {
		switch rec.Operation {
		case opAppend:
			if n := len(s.entries); n > 0 && rec.Entry.Index != s.entries[n-1].Index+1 {
				return fmt.Errorf("%w: WAL appends index %d after %d",
					raft.ErrLogCorrupted, rec.Entry.Index, s.entries[n-1].Index)
			}
			s.entries = append(s.entries, rec.Entry)
		case opTruncate:
			s.entries = s.entries[:s.position(rec.Index)]
		}
	}
	return nil
}

// position is the number of held entries with an index below index.
func (s *FileStorage) position(index uint64) int {
	return sort.Search(len(s.entries), func(i int) bool { return s.entries[i].Index >= index })
}

func (s *FileStorage) LoadState() (raft.HardState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, nil
}

func (s *FileStorage) SaveState(hs raft.HardState) error {
	data, err := json.Marshal(hs)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeFileAtomic(filepath.Join(s.dir, stateFileName), data); err != nil {
		return fmt.Errorf("failed to save state: %v", err)
	}
	s.state = hs
	return nil
}

func (s *FileStorage) LoadLog() ([]raft.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]raft.LogEntry, len(s.entries))
	copy(out, s.entries)
	return out, nil
}

func (s *FileStorage) AppendLog(entries []raft.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	last := uint64(0)
	if n := len(s.entries); n > 0 {
		last = s.entries[n-1].Index
	}
	records := make([]*WALEntry, 0, len(entries))
	for i, e := range entries {
		if (len(s.entries) > 0 || i > 0) && e.Index != last+1 {
			return fmt.Errorf("%w: append index %d after %d", raft.ErrLogCorrupted, e.Index, last)
		}
		last = e.Index
		records = append(records, &WALEntry{Operation: opAppend, Index: e.Index, Entry: e})
	}
	if err := s.walWriter.Write(records...); err != nil {
		return err
	}
	s.entries = append(s.entries, entries...)
	return nil
}

func (s *FileStorage) TruncateLog(from uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos := s.position(from)
	if pos == len(s.entries) {
		return nil
	}
	if err := s.walWriter.Write(&WALEntry{Operation: opTruncate, Index: from}); err != nil {
		return err
	}
	s.entries = s.entries[:pos]
	if s.walWriter.Size() > maxWALSize {
		// The truncate record is already durable, so a failed rewrite only
		// leaves a larger WAL behind.
		if err := s.rewriteLocked(); err != nil {
			s.logger.Printf("Warning: WAL rewrite after truncation failed: %v", err)
		}
	}
	return nil
}

func (s *FileStorage) CompactLog(through uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos := s.position(through + 1)
	if pos == 0 {
		return nil
	}
	s.entries = append([]raft.LogEntry(nil), s.entries[pos:]...)
	return s.rewriteLocked()
}

// rewriteLocked replaces the WAL with one append record per retained entry.
// The new file is complete before the old one is closed; on failure the old
// WAL stays open for appends.
func (s *FileStorage) rewriteLocked() error {
	tmp := s.walPath() + ".new"
	if err := writeWALFile(tmp, s.entries); err != nil {
		return fmt.Errorf("failed to rewrite WAL: %v", err)
	}
	if err := s.walWriter.Close(); err != nil {
		s.logger.Printf("Warning: closing WAL before rewrite: %v", err)
	}
	if err := os.Rename(tmp, s.walPath()); err != nil {
		os.Remove(tmp)
		if reopenErr := s.reopenWAL(); reopenErr != nil {
			return fmt.Errorf("failed to install rewritten WAL: %v (reopen: %v)", err, reopenErr)
		}
		return fmt.Errorf("failed to install rewritten WAL: %v", err)
	}
	if err := s.reopenWAL(); err != nil {
		return err
	}
	s.lastCompaction = time.Now().Unix()
	return nil
}

func (s *FileStorage) reopenWAL() error {
	w, err := NewWALWriter(s.walPath())
	if err != nil {
		return err
	}
	s.walWriter = w
	return nil
}

func (s *FileStorage) LoadSnapshot() (*raft.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot == nil {
		return nil, nil
	}
	snap := *s.snapshot
	snap.Data = append([]byte(nil), s.snapshot.Data...)
	return &snap, nil
}

func (s *FileStorage) SaveSnapshot(snap *raft.Snapshot) error {
	file := snapshotFile{LastIndex: snap.LastIndex, LastTerm: snap.LastTerm, Data: snap.Data}
	file.Checksum = file.computeChecksum()
	data, err := json.Marshal(&file)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	name := fmt.Sprintf("snapshot-%d-%d.snap", snap.LastIndex, snap.LastTerm)
	if err := writeFileAtomic(filepath.Join(s.dir, snapshotPath, name), data); err != nil {
		return fmt.Errorf("failed to write snapshot: %v", err)
	}
	cp := *snap
	cp.Data = append([]byte(nil), snap.Data...)
	s.snapshot = &cp

	if err := s.cleanupSnapshots(); err != nil {
		s.logger.Printf("Warning: failed to cleanup old snapshots: %v", err)
	}
	return nil
}

// Metrics reports the current on-disk footprint.
func (s *FileStorage) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := Metrics{
		EntryCount:       int64(len(s.entries)),
		LastCompactionTS: s.lastCompaction,
		WALSize:          s.walWriter.Size(),
	}
	if s.snapshot != nil {
		m.SnapshotIndex = s.snapshot.LastIndex
	}
	return m
}

// Close flushes and closes the WAL.
func (s *FileStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.walWriter.Close()
}

// snapshotFile is the on-disk form of a snapshot.
type snapshotFile struct {
	LastIndex uint64 `json:"last_index"`
	LastTerm  uint64 `json:"last_term"`
	Data      []byte `json:"data"`
	Checksum  uint32 `json:"checksum"`
}

func (f *snapshotFile) computeChecksum() uint32 {
	h := murmur3.New32()
	binary.Write(h, binary.BigEndian, f.LastIndex)
	binary.Write(h, binary.BigEndian, f.LastTerm)
	h.Write(f.Data)
	return h.Sum32()
}

type snapshotInfo struct {
	name  string
	index uint64
	term  uint64
}

// listSnapshots returns the snapshot files in the directory, newest first.
func (s *FileStorage) listSnapshots() ([]snapshotInfo, error) {
	files, err := os.ReadDir(filepath.Join(s.dir, snapshotPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read snapshot directory: %v", err)
	}

	snapshots := make([]snapshotInfo, 0, len(files))
	for _, file := range files {
		if !strings.HasPrefix(file.Name(), "snapshot-") || !strings.HasSuffix(file.Name(), ".snap") {
			continue
		}
		var info snapshotInfo
		if _, err := fmt.Sscanf(file.Name(), "snapshot-%d-%d.snap", &info.index, &info.term); err != nil {
			s.logger.Printf("Warning: invalid snapshot filename: %s", file.Name())
			continue
		}
		info.name = file.Name()
		snapshots = append(snapshots, info)
	}
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].index > snapshots[j].index
	})
	return snapshots, nil
}

// recoverFromSnapshot loads the newest snapshot whose checksum holds.
func (s *FileStorage) recoverFromSnapshot() (*raft.Snapshot, error) {
	snapshots, err := s.listSnapshots()
	if err != nil {
		return nil, err
	}
	for _, info := range snapshots {
		snap, err := s.readSnapshot(info.name)
		if err != nil {
			s.logger.Printf("Warning: skipping snapshot %s: %v", info.name, err)
			continue
		}
		return snap, nil
	}
	return nil, nil
}

func (s *FileStorage) readSnapshot(name string) (*raft.Snapshot, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, snapshotPath, name))
	if err != nil {
		return nil, err
	}
	var file snapshotFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %v", err)
	}
	if actual := file.computeChecksum(); actual != file.Checksum {
		return nil, fmt.Errorf("snapshot checksum mismatch: expected %d, got %d", file.Checksum, actual)
	}
	return &raft.Snapshot{LastIndex: file.LastIndex, LastTerm: file.LastTerm, Data: file.Data}, nil
}

// cleanupSnapshots removes all but the maxSnapshots most recent snapshots.
func (s *FileStorage) cleanupSnapshots() error {
	snapshots, err := s.listSnapshots()
	if err != nil {
		return err
	}
	for i := maxSnapshots; i < len(snapshots); i++ {
		path := filepath.Join(s.dir, snapshotPath, snapshots[i].name)
		if err := os.Remove(path); err != nil {
			s.logger.Printf("Warning: failed to remove old snapshot %s: %v", path, err)
		}
	}
	return nil
}

// LoadOrCreateNodeID returns the node ID stored in dir, generating and
// persisting a new one on first use.
func LoadOrCreateNodeID(dir string) (string, error) {
	path := filepath.Join(dir, nodeIDFile)
	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if _, err := uuid.Parse(id); err != nil {
			return "", fmt.Errorf("invalid node ID in %s: %v", path, err)
		}
		return id, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	id := uuid.NewString()
	if err := writeFileAtomic(path, []byte(id+"\n")); err != nil {
		return "", err
	}
	return id, nil
}

// writeFileAtomic writes data to a temporary file, syncs it and renames it
// over path.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	if d, err := os.Open(filepath.Dir(path)); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}
