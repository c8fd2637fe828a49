// Package client talks to a raftlog cluster. Writes are routed to the leader,
// following the leader hints returned by followers.
package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"raftlog/internal/protocol"
	"raftlog/internal/raft"
	"raftlog/internal/store"
)

// ErrNoLeader is returned when no server accepted a write within the retry budget.
var ErrNoLeader = errors.New("client: no leader reachable")

// ClientConfig holds configuration options for the client.
type ClientConfig struct {
	Servers       map[string]string // node ID -> dial target
	Timeout       time.Duration     // per-call timeout
	RetryAttempts int
	RetryDelay    time.Duration
	DialOptions   []grpc.DialOption // applied after protocol.DialOptions()
	Logger        *log.Logger
}

// Client handles communication with raftlog servers.
type Client struct {
	config  ClientConfig
	logger  *log.Logger
	ids     []string
	conns   map[string]*grpc.ClientConn
	clients map[string]*protocol.ServiceClient

	mu      sync.RWMutex
	leader  string
	current int
}

// NewClient creates a client for the given servers. Connections are
// established lazily on first use.
func NewClient(config ClientConfig) (*Client, error) {
	if len(config.Servers) == 0 {
		return nil, fmt.Errorf("no server addresses provided")
	}
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}
	if config.RetryAttempts == 0 {
		config.RetryAttempts = 10
	}
	if config.RetryDelay == 0 {
		config.RetryDelay = 200 * time.Millisecond
	}
	logger := config.Logger
	if logger == nil {
		logger = log.Default()
	}

	c := &Client{
		config:  config,
		logger:  logger,
		conns:   make(map[string]*grpc.ClientConn),
		clients: make(map[string]*protocol.ServiceClient),
	}
	opts := append(protocol.DialOptions(), config.DialOptions...)
	for id, addr := range config.Servers {
		conn, err := grpc.NewClient(addr, opts...)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("connect to %s at %s: %w", id, addr, err)
		}
		c.conns[id] = conn
		c.clients[id] = protocol.NewServiceClient(conn)
		c.ids = append(c.ids, id)
	}
	sort.Strings(c.ids)
	return c, nil
}

// Close closes all connections.
func (c *Client) Close() {
	for id, conn := range c.conns {
		if err := conn.Close(); err != nil {
			c.logger.Printf("Error closing connection to %s: %v", id, err)
		}
	}
}

// Servers returns the configured node IDs in sorted order.
func (c *Client) Servers() []string {
	return append([]string(nil), c.ids...)
}

// Leader returns the last known leader, empty if none is known.
func (c *Client) Leader() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.leader
}

// UseServer makes id the server tried first for the next request.
func (c *Client) UseServer(id string) error {
	for i, known := range c.ids {
		if known == id {
			c.mu.Lock()
			c.current = i
			c.leader = ""
			c.mu.Unlock()
			return nil
		}
	}
	return fmt.Errorf("unknown server %q", id)
}

// target returns the server the next request should go to.
func (c *Client) target() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.leader != "" {
		return c.leader
	}
	return c.ids[c.current]
}

// rotate forgets the leader and moves on to the next server.
func (c *Client) rotate(failed string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.leader == failed {
		c.leader = ""
	}
	c.current = (c.current + 1) % len(c.ids)
}

func (c *Client) setLeader(id string) {
	if _, ok := c.clients[id]; !ok {
		return
	}
	c.mu.Lock()
	c.leader = id
	c.mu.Unlock()
}

// Submit appends command to the replicated log and returns its index once
// committed. A command re-sent after a lost response is applied once when it
// carries an ID (see store.EncodeCommand).
func (c *Client) Submit(ctx context.Context, command []byte) (uint64, error) {
	var lastErr error
	for attempt := 0; attempt < c.config.RetryAttempts; attempt++ {
		id := c.target()
		callCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
		resp, err := c.clients[id].Submit(callCtx, &protocol.SubmitRequest{Command: command})
		cancel()
		if err == nil {
			c.setLeader(id)
			return resp.Index, nil
		}
		lastErr = err

		if hint, ok := protocol.NotLeader(err); ok {
			// A hint may name a leader that has not yet won its election
			// everywhere, so it is followed after the usual delay.
			if hint != "" && hint != id {
				c.setLeader(hint)
			} else {
				c.rotate(id)
			}
		} else {
			switch status.Code(err) {
			case codes.InvalidArgument:
				return 0, err
			case codes.Canceled:
				if ctx.Err() != nil {
					return 0, ctx.Err()
				}
			}
			c.logger.Printf("Submit to %s failed (attempt %d): %v", id, attempt+1, err)
			c.rotate(id)
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(c.config.RetryDelay):
		}
	}
	return 0, fmt.Errorf("%w after %d attempts: %v", ErrNoLeader, c.config.RetryAttempts, lastErr)
}

// Put stores value under key.
func (c *Client) Put(ctx context.Context, key, value string) (uint64, error) {
	cmd, err := store.EncodeCommand(store.OpPut, key, value)
	if err != nil {
		return 0, err
	}
	return c.Submit(ctx, cmd)
}

// Delete removes key.
func (c *Client) Delete(ctx context.Context, key string) (uint64, error) {
	cmd, err := store.EncodeCommand(store.OpDelete, key, "")
	if err != nil {
		return 0, err
	}
	return c.Submit(ctx, cmd)
}

// Get reads key from the current target's local state, which may lag the
// leader.
func (c *Client) Get(ctx context.Context, key string) (string, uint64, bool, error) {
	id := c.target()
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()
	resp, err := c.clients[id].Get(ctx, &protocol.GetRequest{Key: key})
	if err != nil {
		return "", 0, false, err
	}
	return resp.Value, resp.Version, resp.Exists, nil
}

// Entry returns the log entry at index as stored on node id.
func (c *Client) Entry(ctx context.Context, id string, index uint64) (raft.LogEntry, bool, error) {
	sc, ok := c.clients[id]
	if !ok {
		return raft.LogEntry{}, false, fmt.Errorf("unknown server %q", id)
	}
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()
	resp, err := sc.Entry(ctx, &protocol.EntryRequest{Index: index})
	if err != nil {
		return raft.LogEntry{}, false, err
	}
	return resp.Entry, resp.Found, nil
}

// CommittedEntries returns the committed log held by node id.
func (c *Client) CommittedEntries(ctx context.Context, id string) ([]raft.LogEntry, error) {
	sc, ok := c.clients[id]
	if !ok {
		return nil, fmt.Errorf("unknown server %q", id)
	}
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()
	resp, err := sc.CommittedEntries(ctx, &protocol.CommittedEntriesRequest{})
	if err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// Metrics returns the metrics of node id.
func (c *Client) Metrics(ctx context.Context, id string) (*raft.Metrics, error) {
	sc, ok := c.clients[id]
	if !ok {
		return nil, fmt.Errorf("unknown server %q", id)
	}
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()
	return sc.Metrics(ctx, &protocol.MetricsRequest{})
}
