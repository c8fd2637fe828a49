package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"raftlog/internal/raft"
	"raftlog/internal/store"
)

const bufSize = 1 << 20

var discard = log.New(io.Discard, "", 0)

// grpcCluster runs raft nodes that talk to each other over in-memory gRPC
// connections. Node IDs double as dial targets.
type grpcCluster struct {
	t          *testing.T
	ids        []string
	listeners  map[string]*bufconn.Listener
	rafts      map[string]*raft.Node
	servers    map[string]*Node
	stores     map[string]*store.KVStore
	transports map[string]*GRPCTransport
}

func (c *grpcCluster) dialer() grpc.DialOption {
	return grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
		lis, ok := c.listeners[addr]
		if !ok {
			return nil, fmt.Errorf("no listener for %s", addr)
		}
		return lis.DialContext(ctx)
	})
}

func newGRPCCluster(t *testing.T, n int) *grpcCluster {
	c := &grpcCluster{
		t:          t,
		listeners:  make(map[string]*bufconn.Listener),
		rafts:      make(map[string]*raft.Node),
		servers:    make(map[string]*Node),
		stores:     make(map[string]*store.KVStore),
		transports: make(map[string]*GRPCTransport),
	}
	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("node-%d", i)
		c.ids = append(c.ids, id)
		c.listeners[id] = bufconn.Listen(bufSize)
	}

	for _, id := range c.ids {
		peers := make(map[string]string)
		var peerIDs []string
		for _, other := range c.ids {
			if other != id {
				peers[other] = "passthrough:///" + other
				peerIDs = append(peerIDs, other)
			}
		}
		cfg := raft.DefaultConfig(id, peerIDs)
		cfg.Logger = discard

		tr := NewGRPCTransport(peers, discard, c.dialer())
		kv := store.NewKVStore()
		rn, err := raft.NewNode(cfg, tr, kv, raft.NewMemoryStorage())
		require.NoError(t, err)

		srv := NewNode(rn, kv, discard)
		lis := c.listeners[id]
		go func() { _ = srv.Serve(lis) }()

		c.rafts[id] = rn
		c.servers[id] = srv
		c.stores[id] = kv
		c.transports[id] = tr
	}
	for _, id := range c.ids {
		require.NoError(t, c.rafts[id].Start(context.Background()))
	}

	t.Cleanup(func() {
		for _, id := range c.ids {
			c.rafts[id].Stop()
			c.servers[id].Stop()
			_ = c.transports[id].Close()
		}
	})
	return c
}

// client returns a client-service stub connected to id.
func (c *grpcCluster) client(id string) *ServiceClient {
	conn, err := grpc.NewClient("passthrough:///"+id, append(DialOptions(), c.dialer())...)
	require.NoError(c.t, err)
	c.t.Cleanup(func() { _ = conn.Close() })
	return NewServiceClient(conn)
}

// waitForStableLeader waits until every node agrees on one leader.
func (c *grpcCluster) waitForStableLeader(timeout time.Duration) string {
	var leader string
	require.Eventually(c.t, func() bool {
		leader = ""
		for _, id := range c.ids {
			m := c.rafts[id].Metrics()
			if m.LeaderID == "" || (leader != "" && m.LeaderID != leader) {
				return false
			}
			leader = m.LeaderID
		}
		return c.rafts[leader].Metrics().IsLeader
	}, timeout, 10*time.Millisecond, "cluster did not settle on a leader")
	return leader
}

func (c *grpcCluster) follower(leader string) string {
	for _, id := range c.ids {
		if id != leader {
			return id
		}
	}
	c.t.Fatal("no follower")
	return ""
}

func TestClusterOverGRPC(t *testing.T) {
	c := newGRPCCluster(t, 3)
	leader := c.waitForStableLeader(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cli := c.client(leader)
	var last uint64
	for i := 0; i < 10; i++ {
		cmd, err := store.EncodeCommand(store.OpPut, fmt.Sprintf("key-%d", i), fmt.Sprintf("value-%d", i))
		require.NoError(t, err)
		resp, err := cli.Submit(ctx, &SubmitRequest{Command: cmd})
		require.NoError(t, err)
		assert.Greater(t, resp.Index, last)
		last = resp.Index
	}

	// Every replica applies the same commands.
	for _, id := range c.ids {
		kv := c.stores[id]
		assert.Eventually(t, func() bool {
			v, _, ok := kv.Get("key-9")
			return ok && v == "value-9"
		}, 5*time.Second, 10*time.Millisecond, "node %s did not apply", id)
	}

	entry, err := cli.Entry(ctx, &EntryRequest{Index: last})
	require.NoError(t, err)
	require.True(t, entry.Found)
	assert.Equal(t, last, entry.Entry.Index)
	assert.True(t, entry.Entry.Verify())

	missing, err := cli.Entry(ctx, &EntryRequest{Index: last + 100})
	require.NoError(t, err)
	assert.False(t, missing.Found)

	committed, err := cli.CommittedEntries(ctx, &CommittedEntriesRequest{})
	require.NoError(t, err)
	require.Len(t, committed.Entries, int(last))
	for i, e := range committed.Entries {
		assert.Equal(t, uint64(i+1), e.Index)
	}

	metrics, err := cli.Metrics(ctx, &MetricsRequest{})
	require.NoError(t, err)
	assert.Equal(t, leader, metrics.ID)
	assert.True(t, metrics.IsLeader)
	assert.Equal(t, raft.Leader, metrics.State)
	assert.GreaterOrEqual(t, metrics.CommitIndex, last)
	assert.Equal(t, 2, metrics.PeerCount)

	follower := c.follower(leader)
	fcli := c.client(follower)
	assert.Eventually(t, func() bool {
		got, err := fcli.Get(ctx, &GetRequest{Key: "key-3"})
		return err == nil && got.Exists && got.Value == "value-3"
	}, 5*time.Second, 10*time.Millisecond)

	absent, err := fcli.Get(ctx, &GetRequest{Key: "nope"})
	require.NoError(t, err)
	assert.False(t, absent.Exists)

	for _, alive := range c.transports[leader].PeerStatus() {
		assert.True(t, alive)
	}
}

func TestSubmitToFollowerCarriesLeaderHint(t *testing.T) {
	c := newGRPCCluster(t, 3)
	leader := c.waitForStableLeader(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cmd, err := store.EncodeCommand(store.OpPut, "k", "v")
	require.NoError(t, err)
	_, err = c.client(c.follower(leader)).Submit(ctx, &SubmitRequest{Command: cmd})
	require.Error(t, err)

	hint, ok := NotLeader(err)
	assert.True(t, ok)
	assert.Equal(t, leader, hint)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestSubmitRejectsMalformedCommand(t *testing.T) {
	c := newGRPCCluster(t, 1)
	leader := c.waitForStableLeader(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cli := c.client(leader)
	_, err := cli.Submit(ctx, &SubmitRequest{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = cli.Submit(ctx, &SubmitRequest{Command: []byte("no-separator")})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = cli.Get(ctx, &GetRequest{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	resp, err := cli.Submit(ctx, &SubmitRequest{Command: []byte("a=1")})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), resp.Index)
}

func TestTransportMarksPeerDown(t *testing.T) {
	lis := bufconn.Listen(bufSize)
	require.NoError(t, lis.Close())

	dialer := grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
	tr := NewGRPCTransport(map[string]string{"node-2": "passthrough:///node-2"}, discard, dialer)
	defer tr.Close()

	req := &raft.RequestVoteRequest{Term: 1, CandidateID: "node-1"}
	for i := 0; i < failureThreshold; i++ {
		assert.True(t, tr.PeerStatus()["node-2"], "attempt %d", i)
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		_, err := tr.RequestVote(ctx, "node-2", req)
		cancel()
		assert.Error(t, err)
	}
	assert.False(t, tr.PeerStatus()["node-2"])

	_, err := tr.AppendEntries(context.Background(), "node-9", &raft.AppendEntriesRequest{})
	assert.ErrorContains(t, err, "unknown peer")
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code codes.Code
	}{
		{"not leader", &raft.NotLeaderError{LeaderID: "node-2"}, codes.FailedPrecondition},
		{"stopped", raft.ErrStopped, codes.Unavailable},
		{"halted", fmt.Errorf("apply: %w", raft.ErrHalted), codes.Internal},
		{"leadership lost", raft.ErrLeadershipLost, codes.Aborted},
		{"deadline", context.DeadlineExceeded, codes.DeadlineExceeded},
		{"canceled", context.Canceled, codes.Canceled},
		{"other", errors.New("boom"), codes.Unknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, status.Code(toStatus(tt.err)))
		})
	}

	hint, ok := NotLeader(toStatus(&raft.NotLeaderError{LeaderID: "node-2"}))
	assert.True(t, ok)
	assert.Equal(t, "node-2", hint)

	hint, ok = NotLeader(toStatus(&raft.NotLeaderError{}))
	assert.True(t, ok)
	assert.Empty(t, hint)

	_, ok = NotLeader(toStatus(raft.ErrStopped))
	assert.False(t, ok)
	_, ok = NotLeader(errors.New("plain"))
	assert.False(t, ok)
}

func TestWireCodec(t *testing.T) {
	codec := wireCodec{}
	assert.Equal(t, codecName, codec.Name())

	_, err := codec.Marshal(struct{}{})
	assert.Error(t, err)
	assert.Error(t, codec.Unmarshal(nil, &struct{}{}))

	entries := []raft.LogEntry{
		raft.NewLogEntry(1, 1, []byte("a=1")),
		raft.NewLogEntry(2, 2, []byte("b=2")),
	}
	data, err := codec.Marshal(&CommittedEntriesResponse{Entries: entries})
	require.NoError(t, err)
	var got CommittedEntriesResponse
	require.NoError(t, codec.Unmarshal(data, &got))
	require.Len(t, got.Entries, 2)
	for i := range entries {
		assert.Equal(t, entries[i].Hash, got.Entries[i].Hash)
		assert.True(t, got.Entries[i].Verify())
	}

	data, err = codec.Marshal(&GetResponse{Value: "v", Version: 7, Exists: true})
	require.NoError(t, err)
	var get GetResponse
	require.NoError(t, codec.Unmarshal(data, &get))
	assert.Equal(t, GetResponse{Value: "v", Version: 7, Exists: true}, get)

	data, err = codec.Marshal(&EntryResponse{})
	require.NoError(t, err)
	assert.Empty(t, data)

	assert.Error(t, codec.Unmarshal([]byte{0xff, 0xff}, &SubmitRequest{}))
}
