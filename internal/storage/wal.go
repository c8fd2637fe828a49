package storage

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"github.com/spaolacci/murmur3"
	"google.golang.org/protobuf/encoding/protowire"

	"raftlog/internal/raft"
)

// WAL record operations.
const (
	opAppend   = 1
	opTruncate = 2
)

// recordHeaderSize is the length prefix plus the payload checksum.
const recordHeaderSize = 8

// maxRecordSize bounds a single record so a corrupt length cannot trigger a
// huge allocation during replay.
const maxRecordSize = 64 * 1024 * 1024

var errTornRecord = errors.New("storage: torn or corrupt WAL record")

// WALEntry is one record of the log file: either an appended log entry or a
// truncation of everything from Index on.
type WALEntry struct {
	Operation uint64
	Index     uint64
	Entry     raft.LogEntry
}

func (e *WALEntry) encode() ([]byte, error) {
	var payload []byte
	payload = protowire.AppendTag(payload, 1, protowire.VarintType)
	payload = protowire.AppendVarint(payload, e.Operation)
	payload = protowire.AppendTag(payload, 2, protowire.VarintType)
	payload = protowire.AppendVarint(payload, e.Index)
	if e.Operation == opAppend {
		entry, err := e.Entry.MarshalBinary()
		if err != nil {
			return nil, err
		}
		payload = protowire.AppendTag(payload, 3, protowire.BytesType)
		payload = protowire.AppendBytes(payload, entry)
	}

	rec := make([]byte, recordHeaderSize, recordHeaderSize+len(payload))
	binary.BigEndian.PutUint32(rec[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(rec[4:8], murmur3.Sum32(payload))
	return append(rec, payload...), nil
}

func decodeWALEntry(payload []byte) (*WALEntry, error) {
	e := &WALEntry{}
	for len(payload) > 0 {
		num, typ, n := protowire.ConsumeTag(payload)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		payload = payload[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			e.Operation, n = protowire.ConsumeVarint(payload)
		case num == 2 && typ == protowire.VarintType:
			e.Index, n = protowire.ConsumeVarint(payload)
		case num == 3 && typ == protowire.BytesType:
			var b []byte
			b, n = protowire.ConsumeBytes(payload)
			if n >= 0 {
				if err := e.Entry.UnmarshalBinary(b); err != nil {
					return nil, err
				}
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, payload)
		}
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		payload = payload[n:]
	}
	if e.Operation != opAppend && e.Operation != opTruncate {
		return nil, fmt.Errorf("unknown WAL operation %d", e.Operation)
	}
	return e, nil
}

// readRecord reads one framed record. io.EOF means a clean end of file.
func readRecord(r *bufio.Reader) (*WALEntry, int64, error) {
	var header [recordHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, 0, io.EOF
		}
		return nil, 0, errTornRecord
	}
	size := binary.BigEndian.Uint32(header[0:4])
	if size > maxRecordSize {
		return nil, 0, errTornRecord
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, 0, errTornRecord
	}
	if murmur3.Sum32(payload) != binary.BigEndian.Uint32(header[4:8]) {
		return nil, 0, errTornRecord
	}
	e, err := decodeWALEntry(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", errTornRecord, err)
	}
	return e, int64(recordHeaderSize) + int64(size), nil
}

// replayWAL reads every intact record of path. A torn tail, as left by a
// crash in the middle of a write, is cut off so later appends start from the
// last good record.
func replayWAL(path string, logger *log.Logger) ([]*WALEntry, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open WAL file: %v", err)
	}
	defer f.Close()

	var (
		records []*WALEntry
		good    int64
	)
	r := bufio.NewReader(f)
	for {
		rec, n, err := readRecord(r)
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			logger.Printf("WAL %s: dropping tail after offset %d: %v", path, good, err)
			if err := f.Truncate(good); err != nil {
				return nil, fmt.Errorf("failed to cut torn WAL tail: %v", err)
			}
			if err := f.Sync(); err != nil {
				return nil, fmt.Errorf("failed to sync WAL: %v", err)
			}
			return records, nil
		}
		records = append(records, rec)
		good += n
	}
}

// WALWriter appends framed records to the log file. Every Write is synced
// before it returns.
type WALWriter struct {
	path    string
	walFile *os.File
	mu      sync.Mutex
	size    int64
}

func NewWALWriter(path string) (*WALWriter, error) {
	walFile, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %v", err)
	}
	stat, err := walFile.Stat()
	if err != nil {
		walFile.Close()
		return nil, fmt.Errorf("failed to stat WAL file: %v", err)
	}
	return &WALWriter{path: path, walFile: walFile, size: stat.Size()}, nil
}

// Write appends the records as a single write followed by fsync. A failed
// write is cut back off the file, so a torn record never sits in front of
// later ones.
func (w *WALWriter) Write(entries ...*WALEntry) error {
	var buf []byte
	for _, e := range entries {
		rec, err := e.encode()
		if err != nil {
			return fmt.Errorf("failed to encode WAL record: %v", err)
		}
		buf = append(buf, rec...)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.walFile.Write(buf); err != nil {
		return w.rollback(fmt.Errorf("failed to write to WAL: %v", err))
	}
	if err := w.walFile.Sync(); err != nil {
		return w.rollback(fmt.Errorf("failed to sync WAL: %v", err))
	}
	w.size += int64(len(buf))
	return nil
}

// rollback truncates the file back to the last acknowledged record.
func (w *WALWriter) rollback(cause error) error {
	if err := os.Truncate(w.path, w.size); err != nil {
		return fmt.Errorf("%v (rollback failed: %v)", cause, err)
	}
	return cause
}

// Size is the number of bytes written to the file so far.
func (w *WALWriter) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

func (w *WALWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.walFile.Sync(); err != nil {
		w.walFile.Close()
		return err
	}
	return w.walFile.Close()
}

// writeWALFile writes a fresh, synced WAL holding exactly entries to path.
func writeWALFile(path string, entries []raft.LogEntry) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	for i := range entries {
		rec, err := (&WALEntry{Operation: opAppend, Index: entries[i].Index, Entry: entries[i]}).encode()
		if err == nil {
			_, err = bw.Write(rec)
		}
		if err != nil {
			f.Close()
			os.Remove(path)
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return err
	}
	return nil
}
