package storage

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raftlog/internal/raft"
)

var quiet = log.New(io.Discard, "", 0)

func openStorage(t *testing.T, dir string) *FileStorage {
	t.Helper()
	s, err := NewFileStorage(dir, quiet)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func entries(term uint64, from, to uint64) []raft.LogEntry {
	var out []raft.LogEntry
	for i := from; i <= to; i++ {
		out = append(out, raft.NewLogEntry(term, i, []byte(fmt.Sprintf("cmd-%d", i))))
	}
	return out
}

func TestHardStateSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	s := openStorage(t, dir)

	hs, err := s.LoadState()
	require.NoError(t, err)
	assert.Equal(t, raft.HardState{}, hs)

	require.NoError(t, s.SaveState(raft.HardState{Term: 7, VotedFor: "node2"}))
	require.NoError(t, s.Close())

	s2 := openStorage(t, dir)
	hs, err = s2.LoadState()
	require.NoError(t, err)
	assert.Equal(t, raft.HardState{Term: 7, VotedFor: "node2"}, hs)
}

func TestWALRecovery(t *testing.T) {
	dir := t.TempDir()
	s := openStorage(t, dir)

	require.NoError(t, s.AppendLog(entries(1, 1, 5)))
	require.NoError(t, s.TruncateLog(4))
	require.NoError(t, s.AppendLog(entries(2, 4, 6)))
	require.NoError(t, s.Close())

	s2 := openStorage(t, dir)
	got, err := s2.LoadLog()
	require.NoError(t, err)
	require.Len(t, got, 6)
	for i, e := range got {
		assert.Equal(t, uint64(i+1), e.Index)
		assert.True(t, e.Verify())
	}
	assert.Equal(t, uint64(1), got[2].Term)
	assert.Equal(t, uint64(2), got[3].Term)
}

func TestAppendRejectsGap(t *testing.T) {
	s := openStorage(t, t.TempDir())
	require.NoError(t, s.AppendLog(entries(1, 1, 2)))
	assert.ErrorIs(t, s.AppendLog(entries(1, 4, 4)), raft.ErrLogCorrupted)
}

func TestTornTailIsDropped(t *testing.T) {
	dir := t.TempDir()
	s := openStorage(t, dir)
	require.NoError(t, s.AppendLog(entries(1, 1, 3)))
	require.NoError(t, s.Close())

	// Simulate a crash halfway through a record.
	f, err := os.OpenFile(filepath.Join(dir, walFileName), os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0, 0, 0, 40, 1, 2, 3, 4, 9, 9})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s2 := openStorage(t, dir)
	got, err := s2.LoadLog()
	require.NoError(t, err)
	assert.Len(t, got, 3)

	// Appends continue cleanly after the cut.
	require.NoError(t, s2.AppendLog(entries(1, 4, 4)))
	require.NoError(t, s2.Close())
	s3 := openStorage(t, dir)
	got, err = s3.LoadLog()
	require.NoError(t, err)
	assert.Len(t, got, 4)
}

func TestCorruptRecordStopsReplay(t *testing.T) {
	dir := t.TempDir()
	s := openStorage(t, dir)
	require.NoError(t, s.AppendLog(entries(1, 1, 3)))
	require.NoError(t, s.Close())

	path := filepath.Join(dir, walFileName)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0644))

	s2 := openStorage(t, dir)
	got, err := s2.LoadLog()
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestCompactLogRewritesWAL(t *testing.T) {
	dir := t.TempDir()
	s := openStorage(t, dir)
	require.NoError(t, s.AppendLog(entries(1, 1, 10)))
	before := s.Metrics().WALSize

	require.NoError(t, s.CompactLog(7))
	m := s.Metrics()
	assert.Equal(t, int64(3), m.EntryCount)
	assert.Less(t, m.WALSize, before)
	assert.NotZero(t, m.LastCompactionTS)

	require.NoError(t, s.AppendLog(entries(1, 11, 11)))
	require.NoError(t, s.Close())

	s2 := openStorage(t, dir)
	got, err := s2.LoadLog()
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, uint64(8), got[0].Index)
	assert.Equal(t, uint64(11), got[3].Index)
}

func TestFailedRewriteKeepsWALWritable(t *testing.T) {
	dir := t.TempDir()
	s := openStorage(t, dir)
	require.NoError(t, s.AppendLog(entries(1, 1, 5)))

	// A directory in the way of the temporary file makes the rewrite fail.
	blocker := s.walPath() + ".new"
	require.NoError(t, os.Mkdir(blocker, 0755))
	assert.Error(t, s.CompactLog(3))

	require.NoError(t, s.AppendLog(entries(1, 6, 6)))
	require.NoError(t, os.Remove(blocker))
	require.NoError(t, s.Close())

	s2 := openStorage(t, dir)
	got, err := s2.LoadLog()
	require.NoError(t, err)
	require.Len(t, got, 6)
	assert.Equal(t, uint64(6), got[5].Index)
}

func TestTruncateIsDurableWhenRewriteFails(t *testing.T) {
	saved := maxWALSize
	maxWALSize = 0
	t.Cleanup(func() { maxWALSize = saved })

	dir := t.TempDir()
	s := openStorage(t, dir)
	require.NoError(t, s.AppendLog(entries(1, 1, 5)))
	require.NoError(t, os.Mkdir(s.walPath()+".new", 0755))

	require.NoError(t, s.TruncateLog(3))
	got, err := s.LoadLog()
	require.NoError(t, err)
	assert.Len(t, got, 2)

	require.NoError(t, s.AppendLog(entries(2, 3, 3)))
	require.NoError(t, s.Close())

	s2 := openStorage(t, dir)
	got, err = s2.LoadLog()
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, uint64(2), got[2].Term)
}

func TestFailedWriteIsCutBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), walFileName)
	w, err := NewWALWriter(path)
	require.NoError(t, err)
	require.NoError(t, w.Write(&WALEntry{Operation: opAppend, Index: 1, Entry: entries(1, 1, 1)[0]}))

	// Half a record lands on disk, then the handle stops accepting writes.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0, 0, 0, 9, 1, 2})
	require.NoError(t, err)
	require.NoError(t, f.Close())
	writable := w.walFile
	readOnly, err := os.Open(path)
	require.NoError(t, err)
	w.walFile = readOnly

	assert.Error(t, w.Write(&WALEntry{Operation: opAppend, Index: 2, Entry: entries(1, 2, 2)[0]}))
	readOnly.Close()
	w.walFile = writable

	require.NoError(t, w.Write(&WALEntry{Operation: opAppend, Index: 2, Entry: entries(1, 2, 2)[0]}))
	require.NoError(t, w.Close())

	records, err := replayWAL(path, quiet)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, uint64(2), records[1].Index)
}

func TestTruncateEverything(t *testing.T) {
	dir := t.TempDir()
	s := openStorage(t, dir)
	require.NoError(t, s.AppendLog(entries(1, 1, 3)))
	require.NoError(t, s.TruncateLog(0))

	// After discarding, the log may restart past a snapshot.
	require.NoError(t, s.AppendLog(entries(2, 20, 21)))
	require.NoError(t, s.Close())

	s2 := openStorage(t, dir)
	got, err := s2.LoadLog()
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(20), got[0].Index)
}

func TestSnapshots(t *testing.T) {
	dir := t.TempDir()
	s := openStorage(t, dir)

	snap, err := s.LoadSnapshot()
	require.NoError(t, err)
	assert.Nil(t, snap)

	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, s.SaveSnapshot(&raft.Snapshot{LastIndex: i * 10, LastTerm: i, Data: []byte(fmt.Sprintf("state-%d", i))}))
	}

	files, err := os.ReadDir(filepath.Join(dir, snapshotPath))
	require.NoError(t, err)
	assert.Len(t, files, maxSnapshots)
	require.NoError(t, s.Close())

	s2 := openStorage(t, dir)
	snap, err = s2.LoadSnapshot()
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, uint64(50), snap.LastIndex)
	assert.Equal(t, uint64(5), snap.LastTerm)
	assert.Equal(t, "state-5", string(snap.Data))
}

func TestCorruptSnapshotFallsBack(t *testing.T) {
	dir := t.TempDir()
	s := openStorage(t, dir)
	require.NoError(t, s.SaveSnapshot(&raft.Snapshot{LastIndex: 10, LastTerm: 1, Data: []byte("old")}))
	require.NoError(t, s.SaveSnapshot(&raft.Snapshot{LastIndex: 20, LastTerm: 2, Data: []byte("new")}))
	require.NoError(t, s.Close())

	path := filepath.Join(dir, snapshotPath, "snapshot-20-2.snap")
	require.NoError(t, os.WriteFile(path, []byte(`{"last_index":20,"last_term":2,"data":"bmV3","checksum":1}`), 0644))

	s2 := openStorage(t, dir)
	snap, err := s2.LoadSnapshot()
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "old", string(snap.Data))
}

func TestLoadOrCreateNodeID(t *testing.T) {
	dir := t.TempDir()
	id, err := LoadOrCreateNodeID(dir)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	again, err := LoadOrCreateNodeID(dir)
	require.NoError(t, err)
	assert.Equal(t, id, again)

	require.NoError(t, os.WriteFile(filepath.Join(dir, nodeIDFile), []byte("not-a-uuid"), 0644))
	_, err = LoadOrCreateNodeID(dir)
	assert.Error(t, err)
}

// A node restarted over FileStorage keeps its log and vote.
func TestNodeRestartOverFileStorage(t *testing.T) {
	dir := t.TempDir()
	s := openStorage(t, dir)
	require.NoError(t, s.SaveState(raft.HardState{Term: 3, VotedFor: "a"}))
	require.NoError(t, s.AppendLog(entries(3, 1, 4)))
	require.NoError(t, s.SaveSnapshot(&raft.Snapshot{LastIndex: 2, LastTerm: 3, Data: []byte("{}")}))
	require.NoError(t, s.CompactLog(2))
	require.NoError(t, s.Close())

	s2 := openStorage(t, dir)
	cfg := raft.DefaultConfig("a", []string{"b", "c"})
	cfg.Logger = quiet
	node, err := raft.NewNode(cfg, raft.NewLocalNetwork().Transport("a"), nopFSM{}, s2)
	require.NoError(t, err)

	m := node.Metrics()
	assert.Equal(t, uint64(3), m.Term)
	assert.Equal(t, uint64(2), m.SnapshotIndex)
	assert.Equal(t, uint64(4), m.LastIndex)
	assert.Equal(t, uint64(2), m.CommitIndex)
}

type nopFSM struct{}

func (nopFSM) Apply([]byte) error        { return nil }
func (nopFSM) Snapshot() ([]byte, error) { return []byte("{}"), nil }
func (nopFSM) Restore([]byte) error      { return nil }
