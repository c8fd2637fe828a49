package store

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustEncode(t *testing.T, op, key, value string) []byte {
	t.Helper()
	b, err := EncodeCommand(op, key, value)
	require.NoError(t, err)
	return b
}

func TestPutGetDelete(t *testing.T) {
	s := NewKVStore()

	require.NoError(t, s.Apply(mustEncode(t, OpPut, "key1", "value1")))
	require.NoError(t, s.Apply([]byte("key2=value=with=equals")))

	value, version, exists := s.Get("key1")
	assert.True(t, exists)
	assert.Equal(t, "value1", value)
	assert.Equal(t, uint64(1), version)

	value, _, exists = s.Get("key2")
	assert.True(t, exists)
	assert.Equal(t, "value=with=equals", value)

	require.NoError(t, s.Apply(mustEncode(t, OpDelete, "key1", "")))
	_, _, exists = s.Get("key1")
	assert.False(t, exists)

	_, _, exists = s.Get("never-written")
	assert.False(t, exists)

	assert.Equal(t, []string{"key2"}, s.keys())
}

func TestDuplicateCommandAppliedOnce(t *testing.T) {
	s := NewKVStore()
	put := mustEncode(t, OpPut, "counter", "1")
	require.NoError(t, s.Apply(put))
	require.NoError(t, s.Apply(mustEncode(t, OpPut, "counter", "2")))
	require.NoError(t, s.Apply(put))

	value, _, _ := s.Get("counter")
	assert.Equal(t, "2", value)
	assert.Equal(t, uint64(1), s.Metrics().Duplicates)
}

func TestMalformedCommandsAreSkipped(t *testing.T) {
	s := NewKVStore()
	for _, cmd := range []string{"", "no-equals", `{"op":"put"}`, `{"op":"incr","key":"k"}`, `{broken`} {
		require.NoError(t, s.Apply([]byte(cmd)), "command %q", cmd)
	}
	m := s.Metrics()
	assert.Equal(t, uint64(5), m.Malformed)
	assert.Equal(t, int64(0), m.ActiveKeyCount)
}

func TestEncodeCommandValidates(t *testing.T) {
	_, err := EncodeCommand("incr", "k", "")
	assert.ErrorIs(t, err, ErrMalformedCommand)
	_, err = EncodeCommand(OpPut, "", "v")
	assert.ErrorIs(t, err, ErrMalformedCommand)

	b := mustEncode(t, OpPut, "k", "v")
	var cmd Command
	require.NoError(t, json.Unmarshal(b, &cmd))
	assert.NotEmpty(t, cmd.ID)
}

func TestSnapshotRestore(t *testing.T) {
	s := NewKVStore()
	dup := mustEncode(t, OpPut, "dup", "x")
	require.NoError(t, s.Apply(dup))
	for i := 0; i < 50; i++ {
		require.NoError(t, s.Apply(mustEncode(t, OpPut, fmt.Sprintf("key-%d", i), fmt.Sprintf("value-%d", i))))
	}
	require.NoError(t, s.Apply(mustEncode(t, OpDelete, "key-7", "")))

	data, err := s.Snapshot()
	require.NoError(t, err)

	restored := NewKVStore()
	require.NoError(t, restored.Restore(data))
	assert.Equal(t, s.keys(), restored.keys())
	assert.Equal(t, s.Metrics(), restored.Metrics())
	for _, k := range s.keys() {
		want, wantVersion, _ := s.Get(k)
		got, gotVersion, ok := restored.Get(k)
		assert.True(t, ok, k)
		assert.Equal(t, want, got)
		assert.Equal(t, wantVersion, gotVersion)
	}

	// Both replicas stay identical after the same further command.
	next := mustEncode(t, OpPut, "after", "snap")
	require.NoError(t, s.Apply(next))
	require.NoError(t, restored.Apply(next))
	_, v1, _ := s.Get("after")
	_, v2, _ := restored.Get("after")
	assert.Equal(t, v1, v2)

	// The duplicate window survives the snapshot.
	require.NoError(t, restored.Apply(dup))
	assert.Equal(t, uint64(1), restored.Metrics().Duplicates)
}

func TestRestoreRejectsGarbage(t *testing.T) {
	assert.Error(t, NewKVStore().Restore([]byte("not json")))
}
