package protocol

import (
	"context"
	"fmt"
	"log"
	"sync"

	"google.golang.org/grpc"

	"raftlog/internal/raft"
)

// failureThreshold is the number of consecutive failed RPCs before a peer is
// reported as down.
const failureThreshold = 3

// GRPCTransport implements raft.Transport over gRPC. Connections are created
// lazily, one per peer, and reused.
type GRPCTransport struct {
	peers    map[string]string // nodeID -> address
	dialOpts []grpc.DialOption
	logger   *log.Logger

	clientsMu sync.Mutex
	conns     map[string]*grpc.ClientConn
	clients   map[string]*RaftClient

	statusMu     sync.Mutex
	failureCount map[string]int
	peerStatus   map[string]bool // nodeID -> isAlive
}

var _ raft.Transport = (*GRPCTransport)(nil)

// NewGRPCTransport creates a transport for the given peers. Extra dial
// options are applied after DialOptions().
func NewGRPCTransport(peers map[string]string, logger *log.Logger, opts ...grpc.DialOption) *GRPCTransport {
	if logger == nil {
		logger = log.Default()
	}
	t := &GRPCTransport{
		peers:        make(map[string]string, len(peers)),
		dialOpts:     append(DialOptions(), opts...),
		logger:       logger,
		conns:        make(map[string]*grpc.ClientConn),
		clients:      make(map[string]*RaftClient),
		failureCount: make(map[string]int),
		peerStatus:   make(map[string]bool),
	}
	for id, addr := range peers {
		t.peers[id] = addr
		t.peerStatus[id] = true
	}
	return t
}

func (t *GRPCTransport) client(peer string) (*RaftClient, error) {
	t.clientsMu.Lock()
	defer t.clientsMu.Unlock()
	if c, ok := t.clients[peer]; ok {
		return c, nil
	}
	addr, ok := t.peers[peer]
	if !ok {
		return nil, fmt.Errorf("unknown peer %q", peer)
	}
	conn, err := grpc.NewClient(addr, t.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("connect to %s at %s: %w", peer, addr, err)
	}
	c := NewRaftClient(conn)
	t.conns[peer] = conn
	t.clients[peer] = c
	return c, nil
}

func (t *GRPCTransport) RequestVote(ctx context.Context, peer string, req *raft.RequestVoteRequest) (*raft.RequestVoteResponse, error) {
	c, err := t.client(peer)
	if err != nil {
		return nil, err
	}
	resp, err := c.RequestVote(ctx, req)
	t.observe(peer, err)
	return resp, err
}

func (t *GRPCTransport) AppendEntries(ctx context.Context, peer string, req *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error) {
	c, err := t.client(peer)
	if err != nil {
		return nil, err
	}
	resp, err := c.AppendEntries(ctx, req)
	t.observe(peer, err)
	return resp, err
}

func (t *GRPCTransport) InstallSnapshot(ctx context.Context, peer string, req *raft.InstallSnapshotRequest) (*raft.InstallSnapshotResponse, error) {
	c, err := t.client(peer)
	if err != nil {
		return nil, err
	}
	resp, err := c.InstallSnapshot(ctx, req)
	t.observe(peer, err)
	return resp, err
}

// observe tracks consecutive failures per peer and logs status changes.
func (t *GRPCTransport) observe(peer string, err error) {
	t.statusMu.Lock()
	defer t.statusMu.Unlock()

	if err != nil {
		t.failureCount[peer]++
	} else {
		t.failureCount[peer] = 0
	}
	alive := t.failureCount[peer] < failureThreshold
	if t.peerStatus[peer] == alive {
		return
	}
	t.peerStatus[peer] = alive
	if alive {
		t.logger.Printf("Node %s is back online", peer)
	} else {
		t.logger.Printf("Node %s marked as down after %d consecutive failures: %v", peer, failureThreshold, err)
	}
}

// PeerStatus returns whether each peer is currently considered reachable.
func (t *GRPCTransport) PeerStatus() map[string]bool {
	t.statusMu.Lock()
	defer t.statusMu.Unlock()
	out := make(map[string]bool, len(t.peerStatus))
	for id, alive := range t.peerStatus {
		out[id] = alive
	}
	return out
}

// Close tears down all peer connections.
func (t *GRPCTransport) Close() error {
	t.clientsMu.Lock()
	defer t.clientsMu.Unlock()
	var firstErr error
	for id, conn := range t.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(t.conns, id)
		delete(t.clients, id)
	}
	return firstErr
}
