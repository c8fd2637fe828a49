package raft

import (
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Every message has a protobuf-compatible binary form so it can travel over
// any byte transport and be written to disk. Field numbers are stable.

type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) int

// decodeFields walks b field by field. fn returns the bytes it consumed, or a
// negative protowire error code.
func decodeFields(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m := fn(num, typ, b)
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}

func consumeUint(num protowire.Number, typ protowire.Type, b []byte, dst *uint64) int {
	if typ != protowire.VarintType {
		return protowire.ConsumeFieldValue(num, typ, b)
	}
	v, n := protowire.ConsumeVarint(b)
	if n >= 0 {
		*dst = v
	}
	return n
}

func consumeInt(num protowire.Number, typ protowire.Type, b []byte, dst *int64) int {
	var v uint64
	n := consumeUint(num, typ, b, &v)
	if n >= 0 && typ == protowire.VarintType {
		*dst = int64(v)
	}
	return n
}

func consumeBool(num protowire.Number, typ protowire.Type, b []byte, dst *bool) int {
	var v uint64
	n := consumeUint(num, typ, b, &v)
	if n >= 0 && typ == protowire.VarintType {
		*dst = protowire.DecodeBool(v)
	}
	return n
}

func consumeFixed64(num protowire.Number, typ protowire.Type, b []byte, dst *uint64) int {
	if typ != protowire.Fixed64Type {
		return protowire.ConsumeFieldValue(num, typ, b)
	}
	v, n := protowire.ConsumeFixed64(b)
	if n >= 0 {
		*dst = v
	}
	return n
}

func consumeBytes(num protowire.Number, typ protowire.Type, b []byte, dst *[]byte) int {
	if typ != protowire.BytesType {
		return protowire.ConsumeFieldValue(num, typ, b)
	}
	v, n := protowire.ConsumeBytes(b)
	if n >= 0 {
		*dst = append([]byte(nil), v...)
	}
	return n
}

func consumeString(num protowire.Number, typ protowire.Type, b []byte, dst *string) int {
	if typ != protowire.BytesType {
		return protowire.ConsumeFieldValue(num, typ, b)
	}
	v, n := protowire.ConsumeString(b)
	if n >= 0 {
		*dst = v
	}
	return n
}

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	return appendUint(b, num, protowire.EncodeBool(v))
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

// AppendBinary appends the encoded entry to b.
func (e *LogEntry) AppendBinary(b []byte) []byte {
	b = appendUint(b, 1, e.Term)
	b = appendUint(b, 2, e.Index)
	b = appendBytes(b, 3, e.Command)
	b = appendUint(b, 4, uint64(e.CreatedAt))
	b = protowire.AppendTag(b, 5, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, e.Hash)
}

func (e *LogEntry) MarshalBinary() ([]byte, error) {
	return e.AppendBinary(nil), nil
}

func (e *LogEntry) UnmarshalBinary(b []byte) error {
	*e = LogEntry{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return consumeUint(num, typ, b, &e.Term)
		case 2:
			return consumeUint(num, typ, b, &e.Index)
		case 3:
			return consumeBytes(num, typ, b, &e.Command)
		case 4:
			return consumeInt(num, typ, b, &e.CreatedAt)
		case 5:
			return consumeFixed64(num, typ, b, &e.Hash)
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
}

func (r *RequestVoteRequest) MarshalBinary() ([]byte, error) {
	var b []byte
	b = appendUint(b, 1, r.Term)
	b = appendString(b, 2, r.CandidateID)
	b = appendUint(b, 3, r.LastLogIndex)
	b = appendUint(b, 4, r.LastLogTerm)
	return b, nil
}

func (r *RequestVoteRequest) UnmarshalBinary(b []byte) error {
	*r = RequestVoteRequest{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return consumeUint(num, typ, b, &r.Term)
		case 2:
			return consumeString(num, typ, b, &r.CandidateID)
		case 3:
			return consumeUint(num, typ, b, &r.LastLogIndex)
		case 4:
			return consumeUint(num, typ, b, &r.LastLogTerm)
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
}

func (r *RequestVoteResponse) MarshalBinary() ([]byte, error) {
	var b []byte
	b = appendUint(b, 1, r.Term)
	b = appendBool(b, 2, r.VoteGranted)
	return b, nil
}

func (r *RequestVoteResponse) UnmarshalBinary(b []byte) error {
	*r = RequestVoteResponse{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return consumeUint(num, typ, b, &r.Term)
		case 2:
			return consumeBool(num, typ, b, &r.VoteGranted)
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
}

func (r *AppendEntriesRequest) MarshalBinary() ([]byte, error) {
	var b []byte
	b = appendUint(b, 1, r.Term)
	b = appendString(b, 2, r.LeaderID)
	b = appendUint(b, 3, r.PrevLogIndex)
	b = appendUint(b, 4, r.PrevLogTerm)
	for i := range r.Entries {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Entries[i].AppendBinary(nil))
	}
	b = appendUint(b, 6, r.LeaderCommit)
	return b, nil
}

func (r *AppendEntriesRequest) UnmarshalBinary(b []byte) error {
	*r = AppendEntriesRequest{}
	var entryErr error
	err := decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return consumeUint(num, typ, b, &r.Term)
		case 2:
			return consumeString(num, typ, b, &r.LeaderID)
		case 3:
			return consumeUint(num, typ, b, &r.PrevLogIndex)
		case 4:
			return consumeUint(num, typ, b, &r.PrevLogTerm)
		case 5:
			var raw []byte
			n := consumeBytes(num, typ, b, &raw)
			if n >= 0 && typ == protowire.BytesType {
				var e LogEntry
				if err := e.UnmarshalBinary(raw); err != nil && entryErr == nil {
					entryErr = err
				}
				r.Entries = append(r.Entries, e)
			}
			return n
		case 6:
			return consumeUint(num, typ, b, &r.LeaderCommit)
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
	if err != nil {
		return err
	}
	return entryErr
}

func (r *AppendEntriesResponse) MarshalBinary() ([]byte, error) {
	var b []byte
	b = appendUint(b, 1, r.Term)
	b = appendBool(b, 2, r.Success)
	b = appendUint(b, 3, r.ConflictIndex)
	b = appendUint(b, 4, r.ConflictTerm)
	return b, nil
}

func (r *AppendEntriesResponse) UnmarshalBinary(b []byte) error {
	*r = AppendEntriesResponse{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return consumeUint(num, typ, b, &r.Term)
		case 2:
			return consumeBool(num, typ, b, &r.Success)
		case 3:
			return consumeUint(num, typ, b, &r.ConflictIndex)
		case 4:
			return consumeUint(num, typ, b, &r.ConflictTerm)
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
}

func (r *InstallSnapshotRequest) MarshalBinary() ([]byte, error) {
	var b []byte
	b = appendUint(b, 1, r.Term)
	b = appendString(b, 2, r.LeaderID)
	b = appendUint(b, 3, r.LastIndex)
	b = appendUint(b, 4, r.LastTerm)
	b = appendBytes(b, 5, r.Data)
	return b, nil
}

func (r *InstallSnapshotRequest) UnmarshalBinary(b []byte) error {
	*r = InstallSnapshotRequest{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return consumeUint(num, typ, b, &r.Term)
		case 2:
			return consumeString(num, typ, b, &r.LeaderID)
		case 3:
			return consumeUint(num, typ, b, &r.LastIndex)
		case 4:
			return consumeUint(num, typ, b, &r.LastTerm)
		case 5:
			return consumeBytes(num, typ, b, &r.Data)
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
}

func (r *InstallSnapshotResponse) MarshalBinary() ([]byte, error) {
	return appendUint(nil, 1, r.Term), nil
}

func (r *InstallSnapshotResponse) UnmarshalBinary(b []byte) error {
	*r = InstallSnapshotResponse{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if num == 1 {
			return consumeUint(num, typ, b, &r.Term)
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
}

func (s *Snapshot) MarshalBinary() ([]byte, error) {
	var b []byte
	b = appendUint(b, 1, s.LastIndex)
	b = appendUint(b, 2, s.LastTerm)
	b = appendBytes(b, 3, s.Data)
	return b, nil
}

func (s *Snapshot) UnmarshalBinary(b []byte) error {
	*s = Snapshot{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return consumeUint(num, typ, b, &s.LastIndex)
		case 2:
			return consumeUint(num, typ, b, &s.LastTerm)
		case 3:
			return consumeBytes(num, typ, b, &s.Data)
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
}

func (m *Metrics) MarshalBinary() ([]byte, error) {
	var b []byte
	b = appendString(b, 1, m.ID)
	b = appendUint(b, 2, m.Term)
	b = appendUint(b, 3, uint64(m.State))
	b = appendString(b, 4, m.LeaderID)
	b = appendUint(b, 5, m.LogSize)
	b = appendUint(b, 6, m.LastIndex)
	b = appendUint(b, 7, m.CommitIndex)
	b = appendUint(b, 8, m.LastApplied)
	b = appendUint(b, 9, m.SnapshotIndex)
	b = appendUint(b, 10, uint64(m.PeerCount))
	b = appendBool(b, 11, m.IsLeader)
	b = appendString(b, 12, m.Fault)
	if !m.LastHeartbeat.IsZero() {
		b = appendUint(b, 13, uint64(m.LastHeartbeat.UnixNano()))
	}
	return b, nil
}

func (m *Metrics) UnmarshalBinary(b []byte) error {
	*m = Metrics{}
	var state, peers uint64
	var heartbeat int64
	err := decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return consumeString(num, typ, b, &m.ID)
		case 2:
			return consumeUint(num, typ, b, &m.Term)
		case 3:
			return consumeUint(num, typ, b, &state)
		case 4:
			return consumeString(num, typ, b, &m.LeaderID)
		case 5:
			return consumeUint(num, typ, b, &m.LogSize)
		case 6:
			return consumeUint(num, typ, b, &m.LastIndex)
		case 7:
			return consumeUint(num, typ, b, &m.CommitIndex)
		case 8:
			return consumeUint(num, typ, b, &m.LastApplied)
		case 9:
			return consumeUint(num, typ, b, &m.SnapshotIndex)
		case 10:
			return consumeUint(num, typ, b, &peers)
		case 11:
			return consumeBool(num, typ, b, &m.IsLeader)
		case 12:
			return consumeString(num, typ, b, &m.Fault)
		case 13:
			return consumeInt(num, typ, b, &heartbeat)
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
	m.State = State(state)
	m.PeerCount = int(peers)
	if heartbeat != 0 {
		m.LastHeartbeat = time.Unix(0, heartbeat)
	}
	return err
}
