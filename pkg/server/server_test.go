package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"raftlog/pkg/client"
)

type testCluster struct {
	t       *testing.T
	dataDir string
	ids     []string
	servers map[string]*server
	logger  *log.Logger

	mu        sync.Mutex
	listeners map[string]*bufconn.Listener
}

func (tc *testCluster) dialer() grpc.DialOption {
	return grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
		tc.mu.Lock()
		lis, ok := tc.listeners[addr]
		tc.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("no listener for %s", addr)
		}
		return lis.DialContext(ctx)
	})
}

func setupTestCluster(t *testing.T, nodeCount int) *testCluster {
	tc := &testCluster{
		t:         t,
		dataDir:   t.TempDir(),
		servers:   make(map[string]*server),
		listeners: make(map[string]*bufconn.Listener),
		logger:    log.New(io.Discard, "", 0),
	}
	for i := 0; i < nodeCount; i++ {
		tc.ids = append(tc.ids, fmt.Sprintf("node-%d", i))
	}
	tc.startAll()
	t.Cleanup(tc.cleanup)
	return tc
}

// waitForStableLeader waits until every node agrees on one leader.
func (tc *testCluster) waitForStableLeader() string {
	var leader string
	require.Eventually(tc.t, func() bool {
		leader = ""
		for _, id := range tc.ids {
			m := tc.servers[id].raft.Metrics()
			if m.LeaderID == "" || (leader != "" && m.LeaderID != leader) {
				return false
			}
			leader = m.LeaderID
		}
		return tc.servers[leader].raft.Metrics().IsLeader
	}, 5*time.Second, 10*time.Millisecond, "cluster did not settle on a leader")
	return leader
}

// startAll creates fresh listeners for every node before starting any of
// them, so no peer dial ever finds a missing listener.
func (tc *testCluster) startAll() {
	tc.mu.Lock()
	for _, id := range tc.ids {
		tc.listeners[id] = bufconn.Listen(1024 * 1024)
	}
	tc.mu.Unlock()
	for _, id := range tc.ids {
		tc.start(id)
	}
}

func (tc *testCluster) start(id string) {
	peers := make(map[string]string)
	for _, other := range tc.ids {
		peers[other] = "passthrough:///" + other
	}
	s, err := NewServer(&ServerConfig{
		nodeID:            id,
		dataDir:           tc.dataDir,
		peers:             peers,
		snapshotThreshold: 0,
		dialOptions:       []grpc.DialOption{tc.dialer()},
		logger:            tc.logger,
	})
	require.NoError(tc.t, err)

	tc.mu.Lock()
	lis := tc.listeners[id]
	tc.mu.Unlock()
	require.NoError(tc.t, s.Start(lis))
	tc.servers[id] = s
}

func (tc *testCluster) stop(id string) {
	if s, ok := tc.servers[id]; ok {
		s.Stop()
		delete(tc.servers, id)
	}
}

func (tc *testCluster) cleanup() {
	for _, id := range tc.ids {
		tc.stop(id)
	}
}

func (tc *testCluster) client() *client.Client {
	servers := make(map[string]string, len(tc.ids))
	for _, id := range tc.ids {
		servers[id] = "passthrough:///" + id
	}
	c, err := client.NewClient(client.ClientConfig{
		Servers:       servers,
		Timeout:       2 * time.Second,
		RetryAttempts: 40,
		RetryDelay:    50 * time.Millisecond,
		DialOptions:   []grpc.DialOption{tc.dialer()},
		Logger:        tc.logger,
	})
	require.NoError(tc.t, err)
	tc.t.Cleanup(c.Close)
	return c
}

func TestParsePeers(t *testing.T) {
	peers, err := parsePeers("a=localhost:1, b=localhost:2")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "localhost:1", "b": "localhost:2"}, peers)

	peers, err = parsePeers("")
	require.NoError(t, err)
	assert.Empty(t, peers)

	for _, bad := range []string{"a", "a=", "=addr", "a=1,a=2"} {
		_, err := parsePeers(bad)
		assert.Error(t, err, bad)
	}
}

func TestNewServerValidation(t *testing.T) {
	_, err := NewServer(&ServerConfig{})
	assert.Error(t, err)

	_, err = NewServer(&ServerConfig{
		nodeID:             "n1",
		dataDir:            t.TempDir(),
		electionTimeoutMin: 100 * time.Millisecond,
		electionTimeoutMax: 50 * time.Millisecond,
		logger:             log.New(io.Discard, "", 0),
	})
	assert.Error(t, err)
}

func TestGeneratedNodeIDIsStable(t *testing.T) {
	dir := t.TempDir()
	logger := log.New(io.Discard, "", 0)

	s, err := NewServer(&ServerConfig{dataDir: dir, logger: logger})
	require.NoError(t, err)
	first := s.nodeID
	s.Stop()

	s, err = NewServer(&ServerConfig{dataDir: dir, logger: logger})
	require.NoError(t, err)
	defer s.Stop()
	assert.NotEmpty(t, first)
	assert.Equal(t, first, s.nodeID)
}

// Single-node PUT and GET
func TestSingleNodePutGet(t *testing.T) {
	tc := setupTestCluster(t, 1)
	tc.waitForStableLeader()
	c := tc.client()
	ctx := context.Background()

	_, err := c.Put(ctx, "test-key", "test-value")
	require.NoError(t, err)

	value, _, exists, err := c.Get(ctx, "test-key")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, "test-value", value)
}

// Multi-node writes replicate to every node
func TestMultiNodeReplication(t *testing.T) {
	tc := setupTestCluster(t, 3)
	tc.waitForStableLeader()
	c := tc.client()
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		_, err := c.Put(ctx, fmt.Sprintf("key-%d", i), fmt.Sprintf("value-%d", i))
		require.NoError(t, err)
	}

	for _, id := range tc.ids {
		kv := tc.servers[id].kv
		assert.Eventually(t, func() bool {
			v, _, ok := kv.Get("key-19")
			return ok && v == "value-19"
		}, 5*time.Second, 10*time.Millisecond, "node %s", id)
	}

	summary := tc.servers[tc.ids[0]].summary()
	assert.Contains(t, summary, "Node node-0: 20 keys")
	assert.Contains(t, summary, "0 malformed")
	assert.Contains(t, summary, "snapshot at 0")
}

// Committed data survives a full cluster restart
func TestRestartRecoversFromDisk(t *testing.T) {
	tc := setupTestCluster(t, 3)
	tc.waitForStableLeader()
	c := tc.client()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := c.Put(ctx, fmt.Sprintf("key-%d", i), "before")
		require.NoError(t, err)
	}

	tc.cleanup()
	tc.startAll()
	tc.waitForStableLeader()

	// Entries from the previous term are applied once the new leader commits
	// an entry of its own term.
	c = tc.client()
	_, err := c.Put(ctx, "after", "restart")
	require.NoError(t, err)

	for _, id := range tc.ids {
		kv := tc.servers[id].kv
		assert.Eventually(t, func() bool {
			v, _, ok := kv.Get("key-4")
			_, _, after := kv.Get("after")
			return ok && v == "before" && after
		}, 5*time.Second, 10*time.Millisecond, "node %s", id)
	}
}
