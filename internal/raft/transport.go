package raft

import (
	"context"
	"encoding"
	"errors"
	"sync"
)

// Transport delivers RPCs to peers. Implementations must honour ctx: a call
// that outlives it is reported as an error and treated by the caller as no reply.
type Transport interface {
	RequestVote(ctx context.Context, peer string, req *RequestVoteRequest) (*RequestVoteResponse, error)
	AppendEntries(ctx context.Context, peer string, req *AppendEntriesRequest) (*AppendEntriesResponse, error)
	InstallSnapshot(ctx context.Context, peer string, req *InstallSnapshotRequest) (*InstallSnapshotResponse, error)
}

// RPCHandler is the receiving side of Transport. *Node implements it.
type RPCHandler interface {
	HandleRequestVote(ctx context.Context, req *RequestVoteRequest) (*RequestVoteResponse, error)
	HandleAppendEntries(ctx context.Context, req *AppendEntriesRequest) (*AppendEntriesResponse, error)
	HandleInstallSnapshot(ctx context.Context, req *InstallSnapshotRequest) (*InstallSnapshotResponse, error)
}

// ErrUnreachable is returned by LocalNetwork when a link is down.
var ErrUnreachable = errors.New("raft: peer unreachable")

// LocalNetwork connects nodes living in one process. Messages are copied
// through their binary form so no memory is shared between nodes. Links can
// be cut to simulate partitions.
type LocalNetwork struct {
	mu       sync.RWMutex
	handlers map[string]RPCHandler
	isolated map[string]bool
}

func NewLocalNetwork() *LocalNetwork {
	return &LocalNetwork{
		handlers: make(map[string]RPCHandler),
		isolated: make(map[string]bool),
	}
}

// Register attaches a handler under id, replacing any previous one.
func (n *LocalNetwork) Register(id string, h RPCHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[id] = h
}

// Transport returns the sending side for node id.
func (n *LocalNetwork) Transport(id string) Transport {
	return &localTransport{network: n, from: id}
}

// Isolate drops all traffic to and from id.
func (n *LocalNetwork) Isolate(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.isolated[id] = true
}

// Heal reconnects id.
func (n *LocalNetwork) Heal(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.isolated, id)
}

func (n *LocalNetwork) route(from, to string) (RPCHandler, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	h, ok := n.handlers[to]
	if !ok || n.isolated[from] || n.isolated[to] {
		return nil, ErrUnreachable
	}
	return h, nil
}

type localTransport struct {
	network *LocalNetwork
	from    string
}

type wireMessage[T any] interface {
	*T
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

func copyMessage[T any, P wireMessage[T]](v P) (P, error) {
	b, err := v.MarshalBinary()
	if err != nil {
		return nil, err
	}
	out := P(new(T))
	if err := out.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	return out, nil
}

// deliver runs one request/response exchange, dropping the reply if the link
// went down while the handler was running.
func deliver[Req, Resp any, PReq wireMessage[Req], PResp wireMessage[Resp]](
	ctx context.Context, t *localTransport, peer string, req PReq,
	call func(RPCHandler, context.Context, PReq) (PResp, error),
) (PResp, error) {
	h, err := t.network.route(t.from, peer)
	if err != nil {
		return nil, err
	}
	in, err := copyMessage[Req, PReq](req)
	if err != nil {
		return nil, err
	}
	resp, err := call(h, ctx, in)
	if err != nil {
		return nil, err
	}
	if _, err := t.network.route(t.from, peer); err != nil {
		return nil, err
	}
	return copyMessage[Resp, PResp](resp)
}

func (t *localTransport) RequestVote(ctx context.Context, peer string, req *RequestVoteRequest) (*RequestVoteResponse, error) {
	return deliver[RequestVoteRequest, RequestVoteResponse](ctx, t, peer, req, RPCHandler.HandleRequestVote)
}

func (t *localTransport) AppendEntries(ctx context.Context, peer string, req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	return deliver[AppendEntriesRequest, AppendEntriesResponse](ctx, t, peer, req, RPCHandler.HandleAppendEntries)
}

func (t *localTransport) InstallSnapshot(ctx context.Context, peer string, req *InstallSnapshotRequest) (*InstallSnapshotResponse, error) {
	return deliver[InstallSnapshotRequest, InstallSnapshotResponse](ctx, t, peer, req, RPCHandler.HandleInstallSnapshot)
}
