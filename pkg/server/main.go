package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"raftlog/internal/protocol"
	"raftlog/internal/raft"
	"raftlog/internal/storage"
	"raftlog/internal/store"
)

type ServerConfig struct {
	nodeID             string
	dataDir            string
	peers              map[string]string // nodeID -> address
	electionTimeoutMin time.Duration
	electionTimeoutMax time.Duration
	heartbeatInterval  time.Duration
	rpcTimeout         time.Duration
	maxBatch           int
	snapshotThreshold  uint64
	dialOptions        []grpc.DialOption
	logger             *log.Logger
}

type server struct {
	nodeID    string
	logger    *log.Logger
	storage   *storage.FileStorage
	kv        *store.KVStore
	transport *protocol.GRPCTransport
	raft      *raft.Node
	rpc       *protocol.Node

	ctx    context.Context
	cancel context.CancelFunc
}

func NewServer(config *ServerConfig) (*server, error) {
	if config.dataDir == "" {
		return nil, fmt.Errorf("data directory must be set")
	}
	logger := config.logger
	if logger == nil {
		logger = log.Default()
	}

	nodeID := config.nodeID
	if nodeID == "" {
		id, err := storage.LoadOrCreateNodeID(config.dataDir)
		if err != nil {
			return nil, err
		}
		nodeID = id
	}

	peerIDs := make([]string, 0, len(config.peers))
	for id := range config.peers {
		if id == nodeID {
			continue
		}
		peerIDs = append(peerIDs, id)
	}
	sort.Strings(peerIDs)
	peers := make(map[string]string, len(peerIDs))
	for _, id := range peerIDs {
		peers[id] = config.peers[id]
	}

	cfg := raft.DefaultConfig(nodeID, peerIDs)
	if config.electionTimeoutMin > 0 {
		cfg.ElectionTimeoutMin = config.electionTimeoutMin
	}
	if config.electionTimeoutMax > 0 {
		cfg.ElectionTimeoutMax = config.electionTimeoutMax
	}
	if config.heartbeatInterval > 0 {
		cfg.HeartbeatInterval = config.heartbeatInterval
	}
	if config.rpcTimeout > 0 {
		cfg.RPCTimeout = config.rpcTimeout
	}
	if config.maxBatch > 0 {
		cfg.MaxEntriesPerAppend = config.maxBatch
	}
	cfg.SnapshotThreshold = config.snapshotThreshold
	cfg.Logger = log.New(logger.Writer(), fmt.Sprintf("[raft %s] ", nodeID), logger.Flags())
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	fs, err := storage.NewFileStorage(filepath.Join(config.dataDir, nodeID), logger)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	kv := store.NewKVStore()
	tr := protocol.NewGRPCTransport(peers, logger, config.dialOptions...)
	rn, err := raft.NewNode(cfg, tr, kv, fs)
	if err != nil {
		_ = tr.Close()
		_ = fs.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &server{
		nodeID:    nodeID,
		logger:    logger,
		storage:   fs,
		kv:        kv,
		transport: tr,
		raft:      rn,
		rpc:       protocol.NewNode(rn, kv, logger),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start launches the raft node and serves RPCs on lis in the background.
func (s *server) Start(lis net.Listener) error {
	if err := s.raft.Start(s.ctx); err != nil {
		return err
	}
	go func() {
		if err := s.rpc.Serve(lis); err != nil {
			s.logger.Printf("Serve stopped: %v", err)
		}
	}()
	return nil
}

func (s *server) Stop() {
	s.cancel()
	s.rpc.Stop()
	s.raft.Stop()
	s.logger.Print(s.summary())
	if err := s.transport.Close(); err != nil {
		s.logger.Printf("Error closing peer connections: %v", err)
	}
	if err := s.storage.Close(); err != nil {
		s.logger.Printf("Error closing storage: %v", err)
	}
}

// summary describes what the node holds in memory and on disk.
func (s *server) summary() string {
	kv := s.kv.Metrics()
	disk := s.storage.Metrics()
	return fmt.Sprintf("Node %s: %d keys, %d commands applied (%d duplicate, %d malformed); "+
		"%d log entries on disk, WAL %d bytes, snapshot at %d",
		s.nodeID, kv.ActiveKeyCount, kv.Applied, kv.Duplicates, kv.Malformed,
		disk.EntryCount, disk.WALSize, disk.SnapshotIndex)
}

// parsePeers parses "id=address" pairs separated by commas.
func parsePeers(list string) (map[string]string, error) {
	peers := make(map[string]string)
	if strings.TrimSpace(list) == "" {
		return peers, nil
	}
	for _, peer := range strings.Split(list, ",") {
		parts := strings.SplitN(strings.TrimSpace(peer), "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid peer format %q, expected 'id=address'", peer)
		}
		if _, dup := peers[parts[0]]; dup {
			return nil, fmt.Errorf("duplicate peer %s", parts[0])
		}
		peers[parts[0]] = parts[1]
	}
	return peers, nil
}

func main() {
	nodeID := flag.String("id", "", "Node ID (optional, generated and persisted in the data directory if empty)")
	addr := flag.String("addr", ":50051", "Address to listen on")
	peerList := flag.String("peers", "", "Comma-separated list of peers in format 'id=address'")
	dataDir := flag.String("data", "data", "Directory for the WAL, state and snapshots")
	electionMin := flag.Duration("election-timeout-min", 150*time.Millisecond, "Lower bound of the randomized election timeout")
	electionMax := flag.Duration("election-timeout-max", 300*time.Millisecond, "Upper bound of the randomized election timeout")
	heartbeatInterval := flag.Duration("heartbeat-interval", 50*time.Millisecond, "Leader heartbeat interval")
	rpcTimeout := flag.Duration("rpc-timeout", 100*time.Millisecond, "Timeout for peer RPCs")
	maxBatch := flag.Int("batch", 64, "Maximum entries per AppendEntries")
	snapshotThreshold := flag.Uint64("snapshot-threshold", 1024, "Log entries kept before a snapshot is taken (0 disables)")
	flag.Parse()

	peers, err := parsePeers(*peerList)
	if err != nil {
		log.Fatalf("Failed to parse peers: %v", err)
	}

	srv, err := NewServer(&ServerConfig{
		nodeID:             *nodeID,
		dataDir:            *dataDir,
		peers:              peers,
		electionTimeoutMin: *electionMin,
		electionTimeoutMax: *electionMax,
		heartbeatInterval:  *heartbeatInterval,
		rpcTimeout:         *rpcTimeout,
		maxBatch:           *maxBatch,
		snapshotThreshold:  *snapshotThreshold,
	})
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	lis, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Fatalf("Failed to listen on %s: %v", *addr, err)
	}
	if err := srv.Start(lis); err != nil {
		log.Fatalf("Failed to start node: %v", err)
	}
	log.Printf("Node %s listening on %s with %d peers", srv.nodeID, *addr, len(srv.transport.PeerStatus()))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	log.Println("Shutting down...")
	srv.Stop()
	log.Println("Server stopped")
}
