// Package raft implements the consensus core of svcreg: leader
// election under randomized timeouts, majority-quorum log replication,
// and in-order application of committed entries to a state machine.
package raft

import (
	"context"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// State represents whether a node is a follower, candidate, or leader.
type State int

const (
	Follower State = iota
	Candidate
	Leader
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// LogEntry represents a single command within the replicated log.
// Indexes are 1-based and contiguous; the term records the election
// epoch of the leader that appended the entry.
type LogEntry struct {
	Index uint64 `json:"index"`
	Term  uint64 `json:"term"`
	Data  []byte `json:"data"`
}

// FSM represents the state machine that committed entries are applied
// to. Apply is called from a single goroutine in strictly increasing
// index order, exactly once per entry.
type FSM interface {
	Apply(e *LogEntry) error
}

// Progress tracks replication to a single peer. It exists only while
// the node is leader and is discarded on step-down so stale
// bookkeeping can never leak into a later term.
type Progress struct {
	NextIndex  uint64
	MatchIndex uint64
}

type waiter struct {
	term uint64
	ch   chan error
}

// Node is one participant in the cluster: the persistent term, vote
// and log state, the volatile commit and apply indexes, and the
// timer-driven election and heartbeat control loop. All state is
// serialized behind a single mutex; cross-node coordination happens
// exclusively through the Transport.
type Node struct {
	mu sync.Mutex

	config Config
	clock  clock.Clock
	rand   *rand.Rand
	logger *zap.Logger

	// The state machine that committed entries will be applied to.
	FSM FSM

	// The transport used to communicate with other nodes in the
	// cluster. Required.
	Transport Transport

	storage Storage

	// Persistent state.
	term     uint64
	votedFor string
	log      []LogEntry

	// Volatile state.
	state       State
	leaderID    string
	commitIndex uint64
	lastApplied uint64

	// Leader-only replication bookkeeping, nil unless leading.
	progress map[string]*Progress

	// Outstanding proposals by log index.
	waiters map[uint64]*waiter

	electionTimer   *clock.Timer
	heartbeatTicker *clock.Ticker

	applyCh chan struct{}
	wakeCh  chan struct{}
	stopCh  chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	opened  bool
}

// NewNode returns a node configured by c whose durable state lives in
// storage. A nil storage keeps all state in memory for the lifetime
// of the node. Set FSM and Transport before calling Open.
func NewNode(c Config, storage Storage) *Node {
	return &Node{
		config:  c,
		storage: storage,
		logger:  zap.NewNop(),
	}
}

// WithLogger sets the logger for the node.
func (n *Node) WithLogger(log *zap.Logger) {
	n.logger = log.With(zap.String("node", n.config.ID))
}

// ID returns the node's identifier.
func (n *Node) ID() string { return n.config.ID }

// Open validates the configuration, restores persistent state, and
// starts the election and apply loops.
func (n *Node) Open() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.opened {
		return ErrOpen
	}
	if err := n.config.Validate(); err != nil {
		return err
	}
	if n.Transport == nil {
		return ErrTransportRequired
	}

	if n.config.Clock == nil {
		n.config.Clock = clock.New()
	}
	n.clock = n.config.Clock

	// Each node draws its election timeouts from an independently
	// seeded source so simultaneous starts do not produce
	// synchronized elections.
	h := fnv.New64a()
	h.Write([]byte(n.config.ID))
	n.rand = rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(h.Sum64())))

	if n.storage != nil {
		state, err := n.storage.Load()
		if err != nil {
			return err
		}
		n.term = state.Term
		n.votedFor = state.VotedFor
		n.log = append([]LogEntry(nil), state.Entries...)
	}

	n.state = Follower
	n.leaderID = ""
	n.commitIndex = 0
	n.lastApplied = 0
	n.progress = nil
	n.waiters = make(map[uint64]*waiter)
	n.applyCh = make(chan struct{}, 1)
	n.wakeCh = make(chan struct{}, 1)
	n.stopCh = make(chan struct{})
	n.ctx, n.cancel = context.WithCancel(context.Background())
	n.opened = true

	n.resetElectionTimer()

	n.wg.Add(2)
	go n.run()
	go n.applyLoop()

	n.logger.Info("Node opened",
		zap.Uint64("term", n.term),
		zap.Int("log_length", len(n.log)))

	return nil
}

// Close stops the node. Timers are cancelled and pending proposals
// fail; the node participates in no further elections or replication.
func (n *Node) Close() error {
	n.mu.Lock()
	if !n.opened {
		n.mu.Unlock()
		return ErrClosed
	}
	n.opened = false
	close(n.stopCh)
	n.cancel()
	if n.electionTimer != nil {
		n.electionTimer.Stop()
	}
	if n.heartbeatTicker != nil {
		n.heartbeatTicker.Stop()
		n.heartbeatTicker = nil
	}
	n.failWaiters(ErrClosed)
	n.mu.Unlock()

	n.wg.Wait()
	n.logger.Info("Node closed")
	return nil
}

// State returns the node's current role.
func (n *Node) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Term returns the node's current term.
func (n *Node) Term() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.term
}

// LeaderID returns the id of the leader the node currently recognizes,
// or an empty string if none is known.
func (n *Node) LeaderID() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == Leader {
		return n.config.ID
	}
	return n.leaderID
}

// CommitIndex returns the highest log index known committed.
func (n *Node) CommitIndex() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.commitIndex
}

// AppliedIndex returns the highest log index applied to the FSM.
func (n *Node) AppliedIndex() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastApplied
}

// Entries returns a copy of the node's log.
func (n *Node) Entries() []LogEntry {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]LogEntry(nil), n.log...)
}

// Propose appends a command to the leader's log and blocks until the
// entry is committed and applied locally, the node steps down, the
// node closes, or ctx expires. Returns the entry's log index.
// Returns ErrNotLeader when called on a non-leader.
func (n *Node) Propose(ctx context.Context, command []byte) (uint64, error) {
	n.mu.Lock()
	if !n.opened {
		n.mu.Unlock()
		return 0, ErrClosed
	}
	if n.state != Leader {
		n.mu.Unlock()
		return 0, ErrNotLeader
	}

	e := LogEntry{
		Index: n.lastIndex() + 1,
		Term:  n.term,
		Data:  command,
	}
	n.log = append(n.log, e)
	n.persistEntries(e)

	w := &waiter{term: e.Term, ch: make(chan error, 1)}
	n.waiters[e.Index] = w

	// A single-node cluster commits on append.
	n.maybeCommit()
	n.mu.Unlock()

	n.broadcastAppendEntries()

	select {
	case err := <-w.ch:
		if err != nil {
			return 0, err
		}
		return e.Index, nil
	case <-ctx.Done():
		n.mu.Lock()
		delete(n.waiters, e.Index)
		n.mu.Unlock()
		return 0, ctx.Err()
	case <-n.stopCh:
		return 0, ErrClosed
	}
}

// run drives the election timer and, while leading, the heartbeat
// ticker. Timer channels are re-read every iteration because role
// transitions swap them out.
func (n *Node) run() {
	defer n.wg.Done()

	for {
		n.mu.Lock()
		var electionCh, heartbeatCh <-chan time.Time
		if n.electionTimer != nil {
			electionCh = n.electionTimer.C
		}
		if n.heartbeatTicker != nil {
			heartbeatCh = n.heartbeatTicker.C
		}
		n.mu.Unlock()

		select {
		case <-n.stopCh:
			return
		case <-n.wakeCh:
			// Role changed; re-read timer channels.
		case <-electionCh:
			if n.State() != Leader {
				n.startElection()
			}
		case <-heartbeatCh:
			if n.State() == Leader {
				n.broadcastAppendEntries()
			}
		}
	}
}

// startElection transitions to candidate and campaigns for votes in
// the new term.
func (n *Node) startElection() {
	n.mu.Lock()
	n.state = Candidate
	n.term++
	n.votedFor = n.config.ID
	n.leaderID = ""
	n.persistState()
	n.resetElectionTimer()

	term := n.term
	lastLogIndex := n.lastIndex()
	lastLogTerm := n.termAt(lastLogIndex)
	peers := n.config.Peers
	n.mu.Unlock()

	n.logger.Info("Calling election",
		zap.Uint64("term", term),
		zap.Uint64("last_log_index", lastLogIndex))

	n.wg.Add(1)
	go n.campaign(term, lastLogIndex, lastLogTerm, peers)
}

// campaign requests votes from every peer and becomes leader on a
// strict majority. A failed round leaves the node candidate; the
// already-reset election timer retries in a fresh term.
func (n *Node) campaign(term, lastLogIndex, lastLogTerm uint64, peers []string) {
	defer n.wg.Done()

	votesCh := make(chan bool, len(peers))
	req := &RequestVoteRequest{
		Term:         term,
		CandidateID:  n.config.ID,
		LastLogIndex: lastLogIndex,
		LastLogTerm:  lastLogTerm,
	}

	for _, peer := range peers {
		go func(peer string) {
			ctx, cancel := context.WithTimeout(n.ctx, n.config.RPCTimeout)
			defer cancel()

			resp, err := n.Transport.RequestVote(ctx, peer, req)
			if err != nil {
				votesCh <- false
				return
			}

			n.mu.Lock()
			if resp.Term > n.term {
				n.stepDown(resp.Term)
			}
			n.mu.Unlock()

			votesCh <- resp.VoteGranted && resp.Term == term
		}(peer)
	}

	votes := 1 // own vote
	if votes >= n.config.quorum() {
		n.becomeLeader(term)
		return
	}

	for i := 0; i < len(peers); i++ {
		select {
		case granted := <-votesCh:
			if granted {
				votes++
			}
		case <-n.stopCh:
			return
		}

		if votes >= n.config.quorum() {
			n.becomeLeader(term)
			return
		}
	}
}

// becomeLeader installs leader state for the given term, unless the
// node has already moved on.
func (n *Node) becomeLeader(term uint64) {
	n.mu.Lock()
	if n.state != Candidate || n.term != term {
		n.mu.Unlock()
		return
	}

	n.state = Leader
	n.leaderID = n.config.ID
	n.progress = make(map[string]*Progress, len(n.config.Peers))
	next := n.lastIndex() + 1
	for _, peer := range n.config.Peers {
		n.progress[peer] = &Progress{NextIndex: next}
	}

	if n.electionTimer != nil {
		n.electionTimer.Stop()
	}
	n.heartbeatTicker = n.clock.Ticker(n.config.HeartbeatInterval)
	n.wake()
	n.mu.Unlock()

	n.logger.Info("Became leader", zap.Uint64("term", term))

	// Assert authority immediately rather than waiting a tick.
	n.broadcastAppendEntries()
}

// stepDown reverts to follower, adopting the given term if it is
// newer. Leader-only bookkeeping is discarded and outstanding
// proposals fail. Callers must hold the mutex.
func (n *Node) stepDown(term uint64) {
	wasLeader := n.state == Leader

	if term > n.term {
		n.term = term
		n.votedFor = ""
		n.persistState()
	}
	n.state = Follower
	n.progress = nil
	if n.heartbeatTicker != nil {
		n.heartbeatTicker.Stop()
		n.heartbeatTicker = nil
	}
	n.failWaiters(ErrLeadershipLost)
	n.resetElectionTimer()
	n.wake()

	if wasLeader {
		n.logger.Info("Stepped down", zap.Uint64("term", n.term))
	}
}

// broadcastAppendEntries replicates to every peer concurrently.
func (n *Node) broadcastAppendEntries() {
	n.mu.Lock()
	if n.state != Leader {
		n.mu.Unlock()
		return
	}
	peers := n.config.Peers
	n.mu.Unlock()

	// Replication goroutines are not tracked by the waitgroup: their
	// RPCs are bounded by the node context, which Close cancels.
	for _, peer := range peers {
		go n.replicate(peer)
	}
}

// replicate sends one AppendEntries round to a peer, starting at the
// peer's nextIndex, and advances the commit index on success. Log
// mismatches back nextIndex off using the peer's conflict hint; RPC
// failures are dropped and retried on the next tick.
func (n *Node) replicate(peer string) {
	n.mu.Lock()
	if n.state != Leader {
		n.mu.Unlock()
		return
	}
	pr := n.progress[peer]
	term := n.term
	prevLogIndex := pr.NextIndex - 1
	prevLogTerm := n.termAt(prevLogIndex)
	var entries []LogEntry
	if pr.NextIndex <= n.lastIndex() {
		entries = append([]LogEntry(nil), n.log[pr.NextIndex-1:]...)
	}
	req := &AppendEntriesRequest{
		Term:         term,
		LeaderID:     n.config.ID,
		PrevLogIndex: prevLogIndex,
		PrevLogTerm:  prevLogTerm,
		Entries:      entries,
		LeaderCommit: n.commitIndex,
	}
	n.mu.Unlock()

	ctx, cancel := context.WithTimeout(n.ctx, n.config.RPCTimeout)
	defer cancel()

	resp, err := n.Transport.AppendEntries(ctx, peer, req)
	if err != nil {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state != Leader || n.term != term {
		return
	}
	if resp.Term > n.term {
		n.stepDown(resp.Term)
		return
	}

	if resp.Success {
		if match := prevLogIndex + uint64(len(entries)); match > pr.MatchIndex {
			pr.MatchIndex = match
		}
		pr.NextIndex = pr.MatchIndex + 1
		n.maybeCommit()
		return
	}

	// Rejected for log inconsistency: back off past the conflict.
	switch {
	case resp.ConflictTerm != 0:
		if last := n.lastIndexOfTerm(resp.ConflictTerm); last > 0 {
			pr.NextIndex = last + 1
		} else {
			pr.NextIndex = resp.ConflictIndex
		}
	case resp.ConflictIndex != 0:
		pr.NextIndex = resp.ConflictIndex
	case pr.NextIndex > 1:
		pr.NextIndex--
	}
	if pr.NextIndex < 1 {
		pr.NextIndex = 1
	}
}

// maybeCommit advances the commit index to the highest entry of the
// current term replicated on a strict majority. Entries from prior
// terms are never counted directly; they commit along with the first
// current-term entry that covers them. Callers must hold the mutex.
func (n *Node) maybeCommit() {
	advanced := false
	for index := n.commitIndex + 1; index <= n.lastIndex(); index++ {
		if n.log[index-1].Term != n.term {
			continue
		}
		count := 1 // leader's own log
		for _, pr := range n.progress {
			if pr.MatchIndex >= index {
				count++
			}
		}
		if count >= n.config.quorum() {
			n.commitIndex = index
			advanced = true
		}
	}
	if advanced {
		n.signalApply()
	}
}

// HandleRequestVote responds to a vote request from a candidate.
func (n *Node) HandleRequestVote(req *RequestVoteRequest) (*RequestVoteResponse, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.opened {
		return nil, ErrClosed
	}

	resp := &RequestVoteResponse{Term: n.term}

	// Stale candidates are rejected without side effects.
	if req.Term < n.term {
		return resp, nil
	}
	if req.Term > n.term {
		n.stepDown(req.Term)
		resp.Term = n.term
	}

	// Grant if we have not voted for anyone else this term and the
	// candidate's log is at least as up-to-date as ours.
	if (n.votedFor == "" || n.votedFor == req.CandidateID) &&
		n.logUpToDate(req.LastLogIndex, req.LastLogTerm) {
		n.votedFor = req.CandidateID
		n.persistState()
		n.resetElectionTimer()
		n.wake()
		resp.VoteGranted = true

		n.logger.Debug("Granted vote",
			zap.String("candidate", req.CandidateID),
			zap.Uint64("term", req.Term))
	}

	return resp, nil
}

// HandleAppendEntries responds to a replication or heartbeat request
// from the node that currently claims leadership.
func (n *Node) HandleAppendEntries(req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.opened {
		return nil, ErrClosed
	}

	resp := &AppendEntriesResponse{Term: n.term}

	// Reject stale leaders.
	if req.Term < n.term {
		return resp, nil
	}

	// The sender is the legitimate leader for this term.
	if req.Term > n.term || n.state != Follower {
		n.stepDown(req.Term)
	}
	n.leaderID = req.LeaderID
	n.resetElectionTimer()
	n.wake()
	resp.Term = n.term

	// The log must contain an entry at prevLogIndex whose term
	// matches. Report the conflicting run so the leader can back off
	// in one step.
	if req.PrevLogIndex > 0 {
		if req.PrevLogIndex > n.lastIndex() {
			resp.ConflictIndex = n.lastIndex() + 1
			return resp, nil
		}
		if t := n.log[req.PrevLogIndex-1].Term; t != req.PrevLogTerm {
			resp.ConflictTerm = t
			index := req.PrevLogIndex
			for index > 1 && n.log[index-2].Term == t {
				index--
			}
			resp.ConflictIndex = index
			return resp, nil
		}
	}

	// Truncate any conflicting suffix and append the new entries.
	for i := range req.Entries {
		e := req.Entries[i]
		if e.Index <= n.lastIndex() {
			if n.log[e.Index-1].Term == e.Term {
				continue
			}
			n.log = n.log[:e.Index-1]
			n.truncateEntries(e.Index)
		}
		n.log = append(n.log, e)
		n.persistEntries(e)
	}

	// Advance the commit index, bounded by the last entry this
	// request confirmed.
	if req.LeaderCommit > n.commitIndex {
		lastNew := req.PrevLogIndex + uint64(len(req.Entries))
		commit := req.LeaderCommit
		if lastNew < commit {
			commit = lastNew
		}
		if commit > n.commitIndex {
			n.commitIndex = commit
			n.signalApply()
		}
	}

	resp.Success = true
	resp.MatchIndex = req.PrevLogIndex + uint64(len(req.Entries))
	return resp, nil
}

// applyLoop feeds committed entries to the FSM in index order,
// exactly once each, and resolves proposal waiters.
func (n *Node) applyLoop() {
	defer n.wg.Done()

	for {
		select {
		case <-n.stopCh:
			return
		case <-n.applyCh:
		}

		for {
			n.mu.Lock()
			if n.lastApplied >= n.commitIndex {
				n.mu.Unlock()
				break
			}
			e := n.log[n.lastApplied]
			n.mu.Unlock()

			if n.FSM != nil {
				if err := n.FSM.Apply(&e); err != nil {
					n.logger.Error("Failed to apply entry",
						zap.Uint64("index", e.Index),
						zap.Error(err))
				}
			}

			n.mu.Lock()
			n.lastApplied = e.Index
			if w, ok := n.waiters[e.Index]; ok {
				delete(n.waiters, e.Index)
				if w.term == e.Term {
					w.ch <- nil
				} else {
					// A different leader's entry landed at this
					// index; the original proposal was discarded.
					w.ch <- ErrLeadershipLost
				}
			}
			n.mu.Unlock()
		}
	}
}

// resetElectionTimer rearms the election timer with a fresh random
// duration in [ElectionTimeout, 2*ElectionTimeout). Callers must hold
// the mutex.
func (n *Node) resetElectionTimer() {
	if n.electionTimer != nil {
		n.electionTimer.Stop()
	}
	d := n.config.ElectionTimeout +
		time.Duration(n.rand.Int63n(int64(n.config.ElectionTimeout)))
	n.electionTimer = n.clock.Timer(d)
}

// wake nudges the run loop to re-read its timer channels.
func (n *Node) wake() {
	select {
	case n.wakeCh <- struct{}{}:
	default:
	}
}

// signalApply nudges the apply loop.
func (n *Node) signalApply() {
	select {
	case n.applyCh <- struct{}{}:
	default:
	}
}

// failWaiters resolves every outstanding proposal with err. Callers
// must hold the mutex.
func (n *Node) failWaiters(err error) {
	for index, w := range n.waiters {
		delete(n.waiters, index)
		w.ch <- err
	}
}

// logUpToDate reports whether a candidate log described by its last
// index and term is at least as up-to-date as ours.
func (n *Node) logUpToDate(lastLogIndex, lastLogTerm uint64) bool {
	ourIndex := n.lastIndex()
	ourTerm := n.termAt(ourIndex)
	if lastLogTerm != ourTerm {
		return lastLogTerm > ourTerm
	}
	return lastLogIndex >= ourIndex
}

func (n *Node) lastIndex() uint64 { return uint64(len(n.log)) }

// termAt returns the term of the entry at index, or zero for the
// sentinel index 0.
func (n *Node) termAt(index uint64) uint64 {
	if index == 0 || index > n.lastIndex() {
		return 0
	}
	return n.log[index-1].Term
}

// lastIndexOfTerm returns the highest index holding term, or zero.
func (n *Node) lastIndexOfTerm(term uint64) uint64 {
	for index := n.lastIndex(); index > 0; index-- {
		if n.log[index-1].Term == term {
			return index
		}
	}
	return 0
}

func (n *Node) persistState() {
	if n.storage == nil {
		return
	}
	if err := n.storage.SaveState(n.term, n.votedFor); err != nil {
		n.logger.Error("Failed to persist term state", zap.Error(err))
	}
}

func (n *Node) persistEntries(entries ...LogEntry) {
	if n.storage == nil {
		return
	}
	if err := n.storage.AppendEntries(entries...); err != nil {
		n.logger.Error("Failed to persist log entries", zap.Error(err))
	}
}

func (n *Node) truncateEntries(from uint64) {
	if n.storage == nil {
		return
	}
	if err := n.storage.TruncateEntries(from); err != nil {
		n.logger.Error("Failed to truncate log entries", zap.Error(err))
	}
}
