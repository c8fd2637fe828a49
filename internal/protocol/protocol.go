// Package protocol carries raft RPCs and client requests over gRPC.
//
// Messages are not generated from .proto files. They encode themselves in
// protobuf wire format through MarshalBinary/UnmarshalBinary, and a custom
// gRPC codec calls those methods.
package protocol

import (
	"context"
	"encoding"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"raftlog/internal/raft"
)

const (
	raftServiceName   = "raftlog.Raft"
	clientServiceName = "raftlog.Client"
)

// codecName is the content-subtype advertised on the wire.
const codecName = "raftwire"

type wireCodec struct{}

func (wireCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(encoding.BinaryMarshaler)
	if !ok {
		return nil, fmt.Errorf("protocol: cannot marshal %T", v)
	}
	return m.MarshalBinary()
}

func (wireCodec) Unmarshal(data []byte, v any) error {
	m, ok := v.(encoding.BinaryUnmarshaler)
	if !ok {
		return fmt.Errorf("protocol: cannot unmarshal into %T", v)
	}
	return m.UnmarshalBinary(data)
}

func (wireCodec) Name() string {
	return codecName
}

// DialOptions returns the options every client connection needs: plaintext
// transport and the wire codec.
func DialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(wireCodec{})),
	}
}

// unary adapts a typed method to grpc.MethodHandler.
func unary[Req, Resp any](fullMethod string, call func(srv any, ctx context.Context, req *Req) (Resp, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv, ctx, req.(*Req))
		})
	}
}

var raftServiceDesc = grpc.ServiceDesc{
	ServiceName: raftServiceName,
	HandlerType: (*raft.RPCHandler)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "RequestVote",
			Handler: unary("/"+raftServiceName+"/RequestVote",
				func(srv any, ctx context.Context, req *raft.RequestVoteRequest) (*raft.RequestVoteResponse, error) {
					return srv.(raft.RPCHandler).HandleRequestVote(ctx, req)
				}),
		},
		{
			MethodName: "AppendEntries",
			Handler: unary("/"+raftServiceName+"/AppendEntries",
				func(srv any, ctx context.Context, req *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error) {
					return srv.(raft.RPCHandler).HandleAppendEntries(ctx, req)
				}),
		},
		{
			MethodName: "InstallSnapshot",
			Handler: unary("/"+raftServiceName+"/InstallSnapshot",
				func(srv any, ctx context.Context, req *raft.InstallSnapshotRequest) (*raft.InstallSnapshotResponse, error) {
					return srv.(raft.RPCHandler).HandleInstallSnapshot(ctx, req)
				}),
		},
	},
	Streams: []grpc.StreamDesc{},
}

// ClientService is what a node offers to clients.
type ClientService interface {
	Submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error)
	Entry(ctx context.Context, req *EntryRequest) (*EntryResponse, error)
	CommittedEntries(ctx context.Context, req *CommittedEntriesRequest) (*CommittedEntriesResponse, error)
	Metrics(ctx context.Context, req *MetricsRequest) (*raft.Metrics, error)
	Get(ctx context.Context, req *GetRequest) (*GetResponse, error)
}

var clientServiceDesc = grpc.ServiceDesc{
	ServiceName: clientServiceName,
	HandlerType: (*ClientService)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Submit",
			Handler: unary("/"+clientServiceName+"/Submit",
				func(srv any, ctx context.Context, req *SubmitRequest) (*SubmitResponse, error) {
					return srv.(ClientService).Submit(ctx, req)
				}),
		},
		{
			MethodName: "Entry",
			Handler: unary("/"+clientServiceName+"/Entry",
				func(srv any, ctx context.Context, req *EntryRequest) (*EntryResponse, error) {
					return srv.(ClientService).Entry(ctx, req)
				}),
		},
		{
			MethodName: "CommittedEntries",
			Handler: unary("/"+clientServiceName+"/CommittedEntries",
				func(srv any, ctx context.Context, req *CommittedEntriesRequest) (*CommittedEntriesResponse, error) {
					return srv.(ClientService).CommittedEntries(ctx, req)
				}),
		},
		{
			MethodName: "Metrics",
			Handler: unary("/"+clientServiceName+"/Metrics",
				func(srv any, ctx context.Context, req *MetricsRequest) (*raft.Metrics, error) {
					return srv.(ClientService).Metrics(ctx, req)
				}),
		},
		{
			MethodName: "Get",
			Handler: unary("/"+clientServiceName+"/Get",
				func(srv any, ctx context.Context, req *GetRequest) (*GetResponse, error) {
					return srv.(ClientService).Get(ctx, req)
				}),
		},
	},
	Streams: []grpc.StreamDesc{},
}

// RaftClient calls the raft service of one peer.
type RaftClient struct {
	cc grpc.ClientConnInterface
}

func NewRaftClient(cc grpc.ClientConnInterface) *RaftClient {
	return &RaftClient{cc: cc}
}

func (c *RaftClient) RequestVote(ctx context.Context, req *raft.RequestVoteRequest) (*raft.RequestVoteResponse, error) {
	out := new(raft.RequestVoteResponse)
	if err := c.cc.Invoke(ctx, "/"+raftServiceName+"/RequestVote", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *RaftClient) AppendEntries(ctx context.Context, req *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error) {
	out := new(raft.AppendEntriesResponse)
	if err := c.cc.Invoke(ctx, "/"+raftServiceName+"/AppendEntries", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *RaftClient) InstallSnapshot(ctx context.Context, req *raft.InstallSnapshotRequest) (*raft.InstallSnapshotResponse, error) {
	out := new(raft.InstallSnapshotResponse)
	if err := c.cc.Invoke(ctx, "/"+raftServiceName+"/InstallSnapshot", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ServiceClient calls the client service of one node.
type ServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewServiceClient(cc grpc.ClientConnInterface) *ServiceClient {
	return &ServiceClient{cc: cc}
}

func (c *ServiceClient) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error) {
	out := new(SubmitResponse)
	if err := c.cc.Invoke(ctx, "/"+clientServiceName+"/Submit", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ServiceClient) Entry(ctx context.Context, req *EntryRequest) (*EntryResponse, error) {
	out := new(EntryResponse)
	if err := c.cc.Invoke(ctx, "/"+clientServiceName+"/Entry", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ServiceClient) CommittedEntries(ctx context.Context, req *CommittedEntriesRequest) (*CommittedEntriesResponse, error) {
	out := new(CommittedEntriesResponse)
	if err := c.cc.Invoke(ctx, "/"+clientServiceName+"/CommittedEntries", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ServiceClient) Metrics(ctx context.Context, req *MetricsRequest) (*raft.Metrics, error) {
	out := new(raft.Metrics)
	if err := c.cc.Invoke(ctx, "/"+clientServiceName+"/Metrics", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ServiceClient) Get(ctx context.Context, req *GetRequest) (*GetResponse, error) {
	out := new(GetResponse)
	if err := c.cc.Invoke(ctx, "/"+clientServiceName+"/Get", req, out); err != nil {
		return nil, err
	}
	return out, nil
}
