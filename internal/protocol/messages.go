package protocol

import (
	"google.golang.org/protobuf/encoding/protowire"

	"raftlog/internal/raft"
)

// SubmitRequest asks the leader to append Command to the log.
type SubmitRequest struct {
	Command []byte
}

// SubmitResponse carries the index the command was committed at.
type SubmitResponse struct {
	Index uint64
}

type EntryRequest struct {
	Index uint64
}

type EntryResponse struct {
	Entry raft.LogEntry
	Found bool
}

type CommittedEntriesRequest struct{}

type CommittedEntriesResponse struct {
	Entries []raft.LogEntry
}

type MetricsRequest struct{}

// GetRequest reads a key from the node's local state machine.
type GetRequest struct {
	Key string
}

type GetResponse struct {
	Value   string
	Version uint64
	Exists  bool
}

// walk decodes b field by field, skipping unknown fields.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte) int) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m := fn(num, typ, b)
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}

func varint(typ protowire.Type, b []byte, dst *uint64) int {
	if typ != protowire.VarintType {
		return 0
	}
	v, n := protowire.ConsumeVarint(b)
	if n > 0 {
		*dst = v
	}
	return n
}

func bytesField(typ protowire.Type, b []byte, dst *[]byte) int {
	if typ != protowire.BytesType {
		return 0
	}
	v, n := protowire.ConsumeBytes(b)
	if n > 0 {
		*dst = append([]byte(nil), v...)
	}
	return n
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func (m *SubmitRequest) MarshalBinary() ([]byte, error) {
	return appendBytes(nil, 1, m.Command), nil
}

func (m *SubmitRequest) UnmarshalBinary(b []byte) error {
	*m = SubmitRequest{}
	return walk(b, func(num protowire.Number, typ protowire.Type, v []byte) int {
		if num == 1 {
			return bytesField(typ, v, &m.Command)
		}
		return 0
	})
}

func (m *SubmitResponse) MarshalBinary() ([]byte, error) {
	return appendVarint(nil, 1, m.Index), nil
}

func (m *SubmitResponse) UnmarshalBinary(b []byte) error {
	*m = SubmitResponse{}
	return walk(b, func(num protowire.Number, typ protowire.Type, v []byte) int {
		if num == 1 {
			return varint(typ, v, &m.Index)
		}
		return 0
	})
}

func (m *EntryRequest) MarshalBinary() ([]byte, error) {
	return appendVarint(nil, 1, m.Index), nil
}

func (m *EntryRequest) UnmarshalBinary(b []byte) error {
	*m = EntryRequest{}
	return walk(b, func(num protowire.Number, typ protowire.Type, v []byte) int {
		if num == 1 {
			return varint(typ, v, &m.Index)
		}
		return 0
	})
}

func (m *EntryResponse) MarshalBinary() ([]byte, error) {
	if !m.Found {
		return nil, nil
	}
	entry, err := m.Entry.MarshalBinary()
	if err != nil {
		return nil, err
	}
	b := protowire.AppendTag(nil, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, entry)
	return appendVarint(b, 2, 1), nil
}

func (m *EntryResponse) UnmarshalBinary(b []byte) error {
	*m = EntryResponse{}
	var entry []byte
	var found uint64
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte) int {
		switch num {
		case 1:
			return bytesField(typ, v, &entry)
		case 2:
			return varint(typ, v, &found)
		}
		return 0
	})
	if err != nil {
		return err
	}
	m.Found = found != 0
	if entry != nil {
		return m.Entry.UnmarshalBinary(entry)
	}
	return nil
}

func (m *CommittedEntriesRequest) MarshalBinary() ([]byte, error) { return nil, nil }

func (m *CommittedEntriesRequest) UnmarshalBinary(b []byte) error {
	return walk(b, func(protowire.Number, protowire.Type, []byte) int { return 0 })
}

func (m *CommittedEntriesResponse) MarshalBinary() ([]byte, error) {
	var b []byte
	for i := range m.Entries {
		entry, err := m.Entries[i].MarshalBinary()
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return b, nil
}

func (m *CommittedEntriesResponse) UnmarshalBinary(b []byte) error {
	*m = CommittedEntriesResponse{}
	var decodeErr error
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte) int {
		if num != 1 {
			return 0
		}
		var raw []byte
		n := bytesField(typ, v, &raw)
		if n > 0 {
			var e raft.LogEntry
			if err := e.UnmarshalBinary(raw); err != nil {
				decodeErr = err
				return -1
			}
			m.Entries = append(m.Entries, e)
		}
		return n
	})
	if decodeErr != nil {
		return decodeErr
	}
	return err
}

func (m *MetricsRequest) MarshalBinary() ([]byte, error) { return nil, nil }

func (m *MetricsRequest) UnmarshalBinary(b []byte) error {
	return walk(b, func(protowire.Number, protowire.Type, []byte) int { return 0 })
}

func (m *GetRequest) MarshalBinary() ([]byte, error) {
	return appendBytes(nil, 1, []byte(m.Key)), nil
}

func (m *GetRequest) UnmarshalBinary(b []byte) error {
	*m = GetRequest{}
	var key []byte
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte) int {
		if num == 1 {
			return bytesField(typ, v, &key)
		}
		return 0
	})
	m.Key = string(key)
	return err
}

func (m *GetResponse) MarshalBinary() ([]byte, error) {
	b := appendBytes(nil, 1, []byte(m.Value))
	b = appendVarint(b, 2, m.Version)
	if m.Exists {
		b = appendVarint(b, 3, 1)
	}
	return b, nil
}

func (m *GetResponse) UnmarshalBinary(b []byte) error {
	*m = GetResponse{}
	var value []byte
	var exists uint64
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte) int {
		switch num {
		case 1:
			return bytesField(typ, v, &value)
		case 2:
			return varint(typ, v, &m.Version)
		case 3:
			return varint(typ, v, &exists)
		}
		return 0
	})
	m.Value = string(value)
	m.Exists = exists != 0
	return err
}
