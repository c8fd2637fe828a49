package protocol

import (
	"context"
	"errors"
	"log"
	"net"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"raftlog/internal/raft"
	"raftlog/internal/store"
)

const (
	errorDomain      = "raftlog"
	reasonNotLeader  = "NOT_LEADER"
	leaderIDMetadata = "leader_id"
)

// Reader serves local reads of the replicated state.
type Reader interface {
	Get(key string) (string, uint64, bool)
}

// Node exposes a raft node over gRPC: the peer RPCs and the client service.
type Node struct {
	raft   *raft.Node
	reader Reader
	logger *log.Logger
	server *grpc.Server
}

var _ ClientService = (*Node)(nil)

// NewNode registers both services for rn. reader may be nil, in which case
// Get reports every key as missing.
func NewNode(rn *raft.Node, reader Reader, logger *log.Logger, opts ...grpc.ServerOption) *Node {
	if logger == nil {
		logger = log.Default()
	}
	opts = append([]grpc.ServerOption{grpc.ForceServerCodec(wireCodec{})}, opts...)
	n := &Node{
		raft:   rn,
		reader: reader,
		logger: logger,
		server: grpc.NewServer(opts...),
	}
	n.server.RegisterService(&raftServiceDesc, rn)
	n.server.RegisterService(&clientServiceDesc, n)
	return n
}

// Serve accepts connections on lis until Stop is called.
func (n *Node) Serve(lis net.Listener) error {
	n.logger.Printf("serving raft node %s on %s", n.raft.ID(), lis.Addr())
	return n.server.Serve(lis)
}

// Stop finishes in-flight calls and closes the listeners.
func (n *Node) Stop() {
	n.server.GracefulStop()
}

func (n *Node) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error) {
	if len(req.Command) == 0 {
		return nil, status.Error(codes.InvalidArgument, "empty command")
	}
	if _, err := store.ParseCommand(req.Command); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	index, err := n.raft.Submit(ctx, req.Command)
	if err != nil {
		return nil, toStatus(err)
	}
	return &SubmitResponse{Index: index}, nil
}

func (n *Node) Entry(ctx context.Context, req *EntryRequest) (*EntryResponse, error) {
	e, ok, err := n.raft.LogEntry(ctx, req.Index)
	if err != nil {
		return nil, toStatus(err)
	}
	return &EntryResponse{Entry: e, Found: ok}, nil
}

func (n *Node) CommittedEntries(ctx context.Context, req *CommittedEntriesRequest) (*CommittedEntriesResponse, error) {
	entries, err := n.raft.CommittedEntries(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &CommittedEntriesResponse{Entries: entries}, nil
}

func (n *Node) Metrics(ctx context.Context, req *MetricsRequest) (*raft.Metrics, error) {
	m := n.raft.Metrics()
	return &m, nil
}

func (n *Node) Get(ctx context.Context, req *GetRequest) (*GetResponse, error) {
	if req.Key == "" {
		return nil, status.Error(codes.InvalidArgument, "empty key")
	}
	if n.reader == nil {
		return &GetResponse{}, nil
	}
	value, version, exists := n.reader.Get(req.Key)
	return &GetResponse{Value: value, Version: version, Exists: exists}, nil
}

// toStatus maps raft errors to gRPC status codes. A NotLeaderError carries
// the known leader in an ErrorInfo detail.
func toStatus(err error) error {
	if leader, ok := raft.IsNotLeader(err); ok {
		st := status.New(codes.FailedPrecondition, err.Error())
		info := &errdetails.ErrorInfo{
			Reason:   reasonNotLeader,
			Domain:   errorDomain,
			Metadata: map[string]string{leaderIDMetadata: leader},
		}
		if detailed, derr := st.WithDetails(info); derr == nil {
			st = detailed
		}
		return st.Err()
	}
	switch {
	case errors.Is(err, raft.ErrStopped):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, raft.ErrHalted):
		return status.Error(codes.Internal, err.Error())
	case errors.Is(err, raft.ErrLeadershipLost):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	}
	return status.Error(codes.Unknown, err.Error())
}

// NotLeader reports whether err is a not-leader status and returns the
// leader hint it carries, empty when the node did not know the leader.
func NotLeader(err error) (leaderID string, ok bool) {
	st, isStatus := status.FromError(err)
	if !isStatus || st.Code() != codes.FailedPrecondition {
		return "", false
	}
	for _, d := range st.Details() {
		if info, isInfo := d.(*errdetails.ErrorInfo); isInfo && info.Reason == reasonNotLeader {
			return info.Metadata[leaderIDMetadata], true
		}
	}
	return "", false
}
