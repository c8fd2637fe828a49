// Package raft implements the Raft consensus protocol: leader election, log
// replication, commitment and snapshot-based log compaction.
//
// All protocol state of a Node is owned by a single event loop goroutine.
// RPC handlers, client submissions, timers and the results of outgoing RPCs
// are all turned into events and processed one at a time, so no lock guards
// the protocol state.
package raft

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spaolacci/murmur3"
)

// StateMachine is the application the log is replicated for. Apply is called
// from the event loop in index order, exactly once per committed entry.
type StateMachine interface {
	Apply(command []byte) error
	Snapshot() ([]byte, error)
	Restore(data []byte) error
}

// Node represents a single member of a Raft cluster.
type Node struct {
	id        string
	cfg       Config
	logger    *log.Logger
	transport Transport
	fsm       StateMachine
	storage   Storage

	events  chan event
	done    chan struct{}
	cancel  context.CancelFunc
	metrics atomic.Pointer[Metrics]

	lifecycle sync.Mutex
	started   bool
	stopped   bool

	// Owned by the event loop.
	state            State
	currentTerm      uint64
	votedFor         string
	leaderID         string
	log              *raftLog
	snapshot         *Snapshot
	commitIndex      uint64
	lastApplied      uint64
	electionDeadline time.Time
	lastHeartbeat    time.Time
	votes            map[string]bool
	nextIndex        map[string]uint64
	matchIndex       map[string]uint64
	inflight         map[string]bool
	waiters          map[uint64]*proposal
	snapshotRetry    time.Time
	fault            error
	rng              *rand.Rand
}

// proposal tracks a submitted entry until it is applied or lost.
type proposal struct {
	index uint64
	term  uint64
	done  chan error
}

// NewNode creates a node and restores its persisted term, vote, log and
// snapshot. The state machine must be empty: the latest snapshot is restored
// into it here. The node does nothing until Start is called.
func NewNode(cfg Config, transport Transport, fsm StateMachine, storage Storage) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if transport == nil || fsm == nil || storage == nil {
		return nil, fmt.Errorf("%w: transport, state machine and storage are required", ErrInvalidConfig)
	}
	cfg = cfg.clone()

	n := &Node{
		id:        cfg.ID,
		cfg:       cfg,
		logger:    cfg.Logger,
		transport: transport,
		fsm:       fsm,
		storage:   storage,
		events:    make(chan event, cfg.EventQueueSize),
		done:      make(chan struct{}),
		state:     Follower,
		log:       newRaftLog(),
		waiters:   make(map[uint64]*proposal),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(murmur3.Sum64([]byte(cfg.ID))))),
	}
	if err := n.loadPersistedState(); err != nil {
		return nil, err
	}
	n.publishMetrics()
	return n, nil
}

// loadPersistedState rebuilds the in-memory log from storage.
func (n *Node) loadPersistedState() error {
	hs, err := n.storage.LoadState()
	if err != nil {
		return fmt.Errorf("load hard state: %w", err)
	}
	n.currentTerm, n.votedFor = hs.Term, hs.VotedFor

	snap, err := n.storage.LoadSnapshot()
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if snap != nil {
		if err := n.fsm.Restore(snap.Data); err != nil {
			return fmt.Errorf("%w: restore snapshot at %d: %v", ErrSnapshot, snap.LastIndex, err)
		}
		n.log.compact(snap.LastIndex, snap.LastTerm)
		n.snapshot = snap
		n.commitIndex = snap.LastIndex
		n.lastApplied = snap.LastIndex
	}

	entries, err := n.storage.LoadLog()
	if err != nil {
		return fmt.Errorf("load log: %w", err)
	}
	for _, e := range entries {
		if e.Index <= n.log.base() {
			continue
		}
		if e.Index != n.log.lastIndex()+1 {
			return fmt.Errorf("%w: expected index %d, found %d", ErrLogCorrupted, n.log.lastIndex()+1, e.Index)
		}
		n.log.append(e)
	}

	if n.currentTerm > 0 || n.log.lastIndex() > 0 {
		n.logger.Printf("restored term %d, log (%d, %d], snapshot at %d",
			n.currentTerm, n.log.base(), n.log.lastIndex(), n.log.base())
	}
	return nil
}

// Start launches the event loop. Cancelling ctx stops the node as Stop does.
func (n *Node) Start(ctx context.Context) error {
	n.lifecycle.Lock()
	defer n.lifecycle.Unlock()
	if n.stopped {
		return ErrStopped
	}
	if n.started {
		return nil
	}
	n.started = true

	ctx, n.cancel = context.WithCancel(ctx)
	n.resetElectionDeadline()
	n.logger.Printf("started as %s in term %d with %d peers", n.state, n.currentTerm, len(n.cfg.Peers))
	go n.run(ctx)
	go n.tick(ctx)
	return nil
}

// Stop shuts the node down and waits for the event loop to exit. Pending
// Submit calls fail with ErrStopped.
func (n *Node) Stop() {
	n.lifecycle.Lock()
	defer n.lifecycle.Unlock()
	if n.stopped {
		return
	}
	n.stopped = true
	if !n.started {
		close(n.done)
		return
	}
	select {
	case n.events <- shutdownEvent{}:
	default:
	}
	n.cancel()
	<-n.done
}

// ID returns the node's identifier.
func (n *Node) ID() string {
	return n.id
}

// Metrics returns the view published after the most recent event.
func (n *Node) Metrics() Metrics {
	return *n.metrics.Load()
}

// Submit appends command to the log and waits until it is committed and
// applied locally. It returns the entry's index. A NotLeaderError is returned
// on followers and candidates. If the entry is overwritten by another leader
// or compacted away by an installed snapshot, ErrLeadershipLost is returned.
func (n *Node) Submit(ctx context.Context, command []byte) (uint64, error) {
	reply := make(chan result[*proposal], 1)
	p, err := call(ctx, n, &clientCommandEvent{command: command, reply: reply}, reply)
	if err != nil {
		return 0, err
	}
	select {
	case err := <-p.done:
		return p.index, err
	case <-ctx.Done():
		return p.index, ctx.Err()
	case <-n.done:
		return p.index, ErrStopped
	}
}

// LogEntry returns the entry at index if this node still holds it.
func (n *Node) LogEntry(ctx context.Context, index uint64) (LogEntry, bool, error) {
	var (
		e  LogEntry
		ok bool
	)
	err := n.inLoop(ctx, func() {
		e, ok = n.log.entry(index)
		if ok {
			e = e.clone()
		}
	})
	if err != nil {
		return LogEntry{}, false, err
	}
	return e, ok, nil
}

// CommittedEntries returns the committed entries still held in the log, that
// is the ones after the latest snapshot.
func (n *Node) CommittedEntries(ctx context.Context) ([]LogEntry, error) {
	var entries []LogEntry
	err := n.inLoop(ctx, func() {
		if n.commitIndex > n.log.base() {
			entries = n.log.slice(n.log.base()+1, int(n.commitIndex-n.log.base()))
		}
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// CreateSnapshot snapshots the state machine at the last applied index and
// compacts the log up to it.
func (n *Node) CreateSnapshot(ctx context.Context) (Snapshot, error) {
	var (
		snap    *Snapshot
		snapErr error
	)
	if err := n.inLoop(ctx, func() { snap, snapErr = n.createSnapshot() }); err != nil {
		return Snapshot{}, err
	}
	if snapErr != nil {
		return Snapshot{}, snapErr
	}
	return cloneSnapshot(snap), nil
}

// InstallSnapshot replaces the state machine and log prefix with snap. A
// snapshot that is not ahead of the applied state is ignored.
func (n *Node) InstallSnapshot(ctx context.Context, snap Snapshot) error {
	var installErr error
	if err := n.inLoop(ctx, func() { installErr = n.installSnapshot(&snap) }); err != nil {
		return err
	}
	return installErr
}

// HandleRequestVote processes a RequestVote RPC from a candidate.
func (n *Node) HandleRequestVote(ctx context.Context, req *RequestVoteRequest) (*RequestVoteResponse, error) {
	reply := make(chan result[*RequestVoteResponse], 1)
	return call(ctx, n, &requestVoteEvent{req: req, reply: reply}, reply)
}

// HandleAppendEntries processes an AppendEntries RPC from a leader.
func (n *Node) HandleAppendEntries(ctx context.Context, req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	reply := make(chan result[*AppendEntriesResponse], 1)
	return call(ctx, n, &appendEntriesEvent{req: req, reply: reply}, reply)
}

// HandleInstallSnapshot processes an InstallSnapshot RPC from a leader.
func (n *Node) HandleInstallSnapshot(ctx context.Context, req *InstallSnapshotRequest) (*InstallSnapshotResponse, error) {
	reply := make(chan result[*InstallSnapshotResponse], 1)
	return call(ctx, n, &installSnapshotEvent{req: req, reply: reply}, reply)
}

// run is the main event loop.
func (n *Node) run(ctx context.Context) {
	defer close(n.done)
	defer n.shutdown()

	timer := time.NewTimer(n.nextWakeup())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-n.events:
			if _, ok := ev.(shutdownEvent); ok {
				return
			}
			n.handle(ev)
		case <-timer.C:
			n.handle(electionTimeoutEvent{})
		}
		n.maybeSnapshot()
		n.publishMetrics()
		resetTimer(timer, n.nextWakeup())
	}
}

// tick posts a heartbeat event every HeartbeatInterval. Ticks are dropped
// while the event queue is full.
func (n *Node) tick(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			select {
			case n.events <- heartbeatTimeoutEvent{}:
			default:
			}
		}
	}
}

// nextWakeup is how long the loop may sleep without an event. Followers and
// candidates wake at least every PollInterval to check the election deadline.
func (n *Node) nextWakeup() time.Duration {
	if n.state == Leader {
		return n.cfg.HeartbeatInterval
	}
	d := time.Until(n.electionDeadline)
	if d > n.cfg.PollInterval {
		d = n.cfg.PollInterval
	}
	if d < 0 {
		d = 0
	}
	return d
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func (n *Node) handle(ev event) {
	switch ev := ev.(type) {
	case *requestVoteEvent:
		resp, err := n.handleRequestVote(ev.req)
		ev.reply <- result[*RequestVoteResponse]{val: resp, err: err}
	case *appendEntriesEvent:
		resp, err := n.handleAppendEntries(ev.req)
		ev.reply <- result[*AppendEntriesResponse]{val: resp, err: err}
	case *installSnapshotEvent:
		resp, err := n.handleInstallSnapshot(ev.req)
		ev.reply <- result[*InstallSnapshotResponse]{val: resp, err: err}
	case *clientCommandEvent:
		p, err := n.propose(ev.command)
		ev.reply <- result[*proposal]{val: p, err: err}
	case electionTimeoutEvent:
		n.handleElectionTimeout()
	case heartbeatTimeoutEvent:
		if n.state == Leader {
			n.broadcast()
		}
	case *voteResultEvent:
		n.handleVoteResult(ev)
	case *appendResultEvent:
		n.handleAppendResult(ev)
	case *snapshotResultEvent:
		n.handleSnapshotResult(ev)
	case *queryEvent:
		ev.fn()
		ev.reply <- result[struct{}]{}
	default:
		n.logger.Printf("dropping unknown event %T", ev)
	}
}

// propose appends a client command to the leader's log.
func (n *Node) propose(command []byte) (*proposal, error) {
	if n.fault != nil {
		return nil, fmt.Errorf("%w: %v", ErrHalted, n.fault)
	}
	if n.state != Leader {
		return nil, &NotLeaderError{LeaderID: n.leaderID}
	}
	entry := NewLogEntry(n.currentTerm, n.log.length(), append([]byte(nil), command...))
	if err := n.storage.AppendLog([]LogEntry{entry}); err != nil {
		n.logger.Printf("failed to persist entry %d: %v", entry.Index, err)
		return nil, fmt.Errorf("persist entry %d: %w", entry.Index, err)
	}
	n.log.append(entry)

	p := &proposal{index: entry.Index, term: entry.Term, done: make(chan error, 1)}
	n.waiters[p.index] = p
	n.advanceCommit()
	n.broadcast()
	return p, nil
}

// becomeFollower steps down to follower, adopting term if it is newer. The
// new term is made durable before it is adopted; on failure nothing changes.
func (n *Node) becomeFollower(term uint64) error {
	wasLeader := n.state == Leader
	if term > n.currentTerm {
		if err := n.persistState(HardState{Term: term}); err != nil {
			return err
		}
		n.currentTerm = term
		n.votedFor = ""
		n.leaderID = ""
	}
	n.state = Follower
	n.votes = nil
	if wasLeader {
		n.logger.Printf("stepping down in term %d", n.currentTerm)
		n.nextIndex, n.matchIndex, n.inflight = nil, nil, nil
		n.resetElectionDeadline()
	}
	return nil
}

// persistState makes hs durable. Callers adopt hs only once this succeeds.
func (n *Node) persistState(hs HardState) error {
	if err := n.storage.SaveState(hs); err != nil {
		n.logger.Printf("failed to persist term %d: %v", hs.Term, err)
		return fmt.Errorf("persist hard state: %w", err)
	}
	return nil
}

// observeTerm steps down when a response carries a newer term. It reports
// whether the response should be dropped.
func (n *Node) observeTerm(term uint64) bool {
	if term <= n.currentTerm {
		return false
	}
	if err := n.becomeFollower(term); err != nil {
		n.logger.Printf("could not adopt term %d: %v", term, err)
	}
	return true
}

func (n *Node) resetElectionDeadline() {
	spread := int64(n.cfg.ElectionTimeoutMax - n.cfg.ElectionTimeoutMin)
	n.electionDeadline = time.Now().Add(n.cfg.ElectionTimeoutMin + time.Duration(n.rng.Int63n(spread)))
}

func (n *Node) quorum() int {
	return (len(n.cfg.Peers)+1)/2 + 1
}

// applyCommitted feeds committed entries to the state machine in order. An
// entry failing its integrity check or the state machine halts the node.
func (n *Node) applyCommitted() {
	for n.fault == nil && n.lastApplied < n.commitIndex {
		idx := n.lastApplied + 1
		e, ok := n.log.entry(idx)
		if !ok {
			n.halt(fmt.Errorf("%w: committed entry %d not in log", ErrLogCorrupted, idx))
			return
		}
		if !e.Verify() {
			n.halt(fmt.Errorf("%w: index %d term %d", ErrIntegrity, e.Index, e.Term))
			return
		}
		if err := n.fsm.Apply(e.Command); err != nil {
			n.halt(fmt.Errorf("apply entry %d: %w", idx, err))
			return
		}
		n.lastApplied = idx
		n.resolve(idx, e.Term)
	}
}

// halt stops applying entries for good. The node keeps answering RPCs so the
// rest of the cluster is not disturbed, but it refuses new commands.
func (n *Node) halt(err error) {
	n.fault = err
	n.logger.Printf("halting at applied index %d: %v", n.lastApplied, err)
	n.failWaiters(func(uint64) bool { return true }, fmt.Errorf("%w: %v", ErrHalted, err))
}

// resolve completes the waiter for index, if any.
func (n *Node) resolve(index, term uint64) {
	p, ok := n.waiters[index]
	if !ok {
		return
	}
	delete(n.waiters, index)
	if p.term == term {
		p.done <- nil
	} else {
		p.done <- ErrLeadershipLost
	}
}

func (n *Node) failWaiters(match func(index uint64) bool, err error) {
	for idx, p := range n.waiters {
		if match(idx) {
			delete(n.waiters, idx)
			p.done <- err
		}
	}
}

func (n *Node) shutdown() {
	n.failWaiters(func(uint64) bool { return true }, ErrStopped)
	n.logger.Printf("stopped in term %d at applied index %d", n.currentTerm, n.lastApplied)
}

func (n *Node) publishMetrics() {
	m := &Metrics{
		ID:            n.id,
		Term:          n.currentTerm,
		State:         n.state,
		LeaderID:      n.leaderID,
		LogSize:       n.log.size(),
		LastIndex:     n.log.lastIndex(),
		CommitIndex:   n.commitIndex,
		LastApplied:   n.lastApplied,
		SnapshotIndex: n.log.base(),
		PeerCount:     len(n.cfg.Peers),
		IsLeader:      n.state == Leader,
		LastHeartbeat: n.lastHeartbeat,
	}
	if n.fault != nil {
		m.Fault = n.fault.Error()
	}
	n.metrics.Store(m)
}

// inLoop runs fn on the event loop and waits for it to finish.
func (n *Node) inLoop(ctx context.Context, fn func()) error {
	reply := make(chan result[struct{}], 1)
	_, err := call(ctx, n, &queryEvent{fn: fn, reply: reply}, reply)
	return err
}

// call posts ev and waits for the loop to answer on reply.
func call[T any](ctx context.Context, n *Node, ev event, reply chan result[T]) (T, error) {
	var zero T
	select {
	case n.events <- ev:
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-n.done:
		return zero, ErrStopped
	}
	select {
	case r := <-reply:
		return r.val, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-n.done:
		return zero, ErrStopped
	}
}

// post delivers the outcome of an outgoing RPC back to the loop. It is dropped
// once the node has stopped.
func (n *Node) post(ev event) {
	select {
	case n.events <- ev:
	case <-n.done:
	}
}

func cloneSnapshot(s *Snapshot) Snapshot {
	return Snapshot{LastIndex: s.LastIndex, LastTerm: s.LastTerm, Data: append([]byte(nil), s.Data...)}
}

// IsNotLeader reports whether err means the node was not the leader and, if
// known, which node is.
func IsNotLeader(err error) (leaderID string, ok bool) {
	var nle *NotLeaderError
	if errors.As(err, &nle) {
		return nle.LeaderID, true
	}
	return "", errors.Is(err, ErrNotLeader)
}
