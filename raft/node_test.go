package raft_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/svcreg/svcreg/raft"
)

// Ensure that a vote is granted to an up-to-date candidate with a
// newer term, and that the node adopts that term.
func TestNode_HandleRequestVote(t *testing.T) {
	n := OpenNode(t, "a", "b", "c")
	defer n.MustClose()

	resp, err := n.HandleRequestVote(&raft.RequestVoteRequest{
		Term:        1,
		CandidateID: "b",
	})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if !resp.VoteGranted {
		t.Fatalf("expected vote granted")
	}
	if resp.Term != 1 {
		t.Fatalf("unexpected term: %d", resp.Term)
	}
	if term := n.Term(); term != 1 {
		t.Fatalf("node did not adopt term: %d", term)
	}
}

// Ensure that a candidate with a stale term is rejected without the
// node changing its own term.
func TestNode_HandleRequestVote_StaleTerm(t *testing.T) {
	n := OpenNode(t, "a", "b", "c")
	defer n.MustClose()

	// Move the node to term 2 via a heartbeat.
	if _, err := n.HandleAppendEntries(&raft.AppendEntriesRequest{Term: 2, LeaderID: "b"}); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	resp, err := n.HandleRequestVote(&raft.RequestVoteRequest{Term: 1, CandidateID: "c"})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if resp.VoteGranted {
		t.Fatalf("expected vote denied")
	}
	if resp.Term != 2 {
		t.Fatalf("unexpected term: %d", resp.Term)
	}
}

// Ensure that at most one vote is granted per term, but that a
// repeated request from the same candidate is re-granted.
func TestNode_HandleRequestVote_SingleVotePerTerm(t *testing.T) {
	n := OpenNode(t, "a", "b", "c")
	defer n.MustClose()

	resp, err := n.HandleRequestVote(&raft.RequestVoteRequest{Term: 1, CandidateID: "b"})
	if err != nil || !resp.VoteGranted {
		t.Fatalf("expected vote granted: %v %v", resp, err)
	}

	// A different candidate in the same term is denied.
	resp, err = n.HandleRequestVote(&raft.RequestVoteRequest{Term: 1, CandidateID: "c"})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if resp.VoteGranted {
		t.Fatalf("expected vote denied for second candidate")
	}

	// The same candidate retrying is granted again.
	resp, err = n.HandleRequestVote(&raft.RequestVoteRequest{Term: 1, CandidateID: "b"})
	if err != nil || !resp.VoteGranted {
		t.Fatalf("expected repeated vote granted: %v %v", resp, err)
	}
}

// Ensure that a candidate whose log is behind is denied even in a
// newer term.
func TestNode_HandleRequestVote_StaleLog(t *testing.T) {
	n := OpenNode(t, "a", "b", "c")
	defer n.MustClose()

	// Install two entries at term 1.
	if _, err := n.HandleAppendEntries(&raft.AppendEntriesRequest{
		Term:     1,
		LeaderID: "b",
		Entries: []raft.LogEntry{
			{Index: 1, Term: 1, Data: []byte("x")},
			{Index: 2, Term: 1, Data: []byte("y")},
		},
	}); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	resp, err := n.HandleRequestVote(&raft.RequestVoteRequest{
		Term:         2,
		CandidateID:  "c",
		LastLogIndex: 1,
		LastLogTerm:  1,
	})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if resp.VoteGranted {
		t.Fatalf("expected vote denied for stale log")
	}
	if term := n.Term(); term != 2 {
		t.Fatalf("node should still adopt the newer term: %d", term)
	}

	// A candidate whose log is at least as long is granted.
	resp, err = n.HandleRequestVote(&raft.RequestVoteRequest{
		Term:         2,
		CandidateID:  "b",
		LastLogIndex: 2,
		LastLogTerm:  1,
	})
	if err != nil || !resp.VoteGranted {
		t.Fatalf("expected vote granted: %v %v", resp, err)
	}
}

// Ensure that appended entries are stored, committed and applied in
// order.
func TestNode_HandleAppendEntries(t *testing.T) {
	n := OpenNode(t, "a", "b", "c")
	defer n.MustClose()

	resp, err := n.HandleAppendEntries(&raft.AppendEntriesRequest{
		Term:         1,
		LeaderID:     "b",
		LeaderCommit: 2,
		Entries: []raft.LogEntry{
			{Index: 1, Term: 1, Data: []byte("x")},
			{Index: 2, Term: 1, Data: []byte("y")},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if !resp.Success {
		t.Fatalf("expected success")
	}
	if resp.MatchIndex != 2 {
		t.Fatalf("unexpected match index: %d", resp.MatchIndex)
	}
	if id := n.LeaderID(); id != "b" {
		t.Fatalf("unexpected leader id: %s", id)
	}

	n.MustWaitApplied(2)
	if got := n.FSM.Strings(); len(got) != 2 || got[0] != "x" || got[1] != "y" {
		t.Fatalf("unexpected applied commands: %v", got)
	}
}

// Ensure that the commit index never advances past the last entry the
// request confirmed, even if the leader's commit index is ahead.
func TestNode_HandleAppendEntries_CommitBound(t *testing.T) {
	n := OpenNode(t, "a", "b", "c")
	defer n.MustClose()

	if _, err := n.HandleAppendEntries(&raft.AppendEntriesRequest{
		Term:         1,
		LeaderID:     "b",
		LeaderCommit: 10,
		Entries:      []raft.LogEntry{{Index: 1, Term: 1, Data: []byte("x")}},
	}); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if index := n.CommitIndex(); index != 1 {
		t.Fatalf("unexpected commit index: %d", index)
	}
}

// Ensure that a request whose previous entry is beyond the log
// reports the next index the leader should try.
func TestNode_HandleAppendEntries_MissingPrev(t *testing.T) {
	n := OpenNode(t, "a", "b", "c")
	defer n.MustClose()

	resp, err := n.HandleAppendEntries(&raft.AppendEntriesRequest{
		Term:         1,
		LeaderID:     "b",
		PrevLogIndex: 5,
		PrevLogTerm:  1,
	})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if resp.Success {
		t.Fatalf("expected failure")
	}
	if resp.ConflictIndex != 1 {
		t.Fatalf("unexpected conflict index: %d", resp.ConflictIndex)
	}
}

// Ensure that a term mismatch at the previous index reports the first
// index of the conflicting term.
func TestNode_HandleAppendEntries_ConflictHint(t *testing.T) {
	n := OpenNode(t, "a", "b", "c")
	defer n.MustClose()

	// Install three entries, the last two at term 2.
	if _, err := n.HandleAppendEntries(&raft.AppendEntriesRequest{
		Term:     2,
		LeaderID: "b",
		Entries: []raft.LogEntry{
			{Index: 1, Term: 1, Data: []byte("x")},
			{Index: 2, Term: 2, Data: []byte("y")},
			{Index: 3, Term: 2, Data: []byte("z")},
		},
	}); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	// A leader at term 3 probing index 3 with the wrong term should
	// learn to back off to index 2 in one step.
	resp, err := n.HandleAppendEntries(&raft.AppendEntriesRequest{
		Term:         3,
		LeaderID:     "c",
		PrevLogIndex: 3,
		PrevLogTerm:  3,
	})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if resp.Success {
		t.Fatalf("expected failure")
	}
	if resp.ConflictTerm != 2 {
		t.Fatalf("unexpected conflict term: %d", resp.ConflictTerm)
	}
	if resp.ConflictIndex != 2 {
		t.Fatalf("unexpected conflict index: %d", resp.ConflictIndex)
	}
}

// Ensure that a conflicting suffix is truncated and replaced by the
// leader's entries.
func TestNode_HandleAppendEntries_TruncateConflict(t *testing.T) {
	n := OpenNode(t, "a", "b", "c")
	defer n.MustClose()

	if _, err := n.HandleAppendEntries(&raft.AppendEntriesRequest{
		Term:     1,
		LeaderID: "b",
		Entries: []raft.LogEntry{
			{Index: 1, Term: 1, Data: []byte("x")},
			{Index: 2, Term: 1, Data: []byte("old")},
		},
	}); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	// A new leader overwrites index 2 with a term 2 entry.
	resp, err := n.HandleAppendEntries(&raft.AppendEntriesRequest{
		Term:         2,
		LeaderID:     "c",
		PrevLogIndex: 1,
		PrevLogTerm:  1,
		Entries:      []raft.LogEntry{{Index: 2, Term: 2, Data: []byte("new")}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if !resp.Success {
		t.Fatalf("expected success")
	}

	entries := n.Entries()
	if len(entries) != 2 {
		t.Fatalf("unexpected log length: %d", len(entries))
	}
	if string(entries[1].Data) != "new" || entries[1].Term != 2 {
		t.Fatalf("unexpected entry: %+v", entries[1])
	}
}

// Ensure that a heartbeat from a stale leader is rejected.
func TestNode_HandleAppendEntries_StaleTerm(t *testing.T) {
	n := OpenNode(t, "a", "b", "c")
	defer n.MustClose()

	if _, err := n.HandleAppendEntries(&raft.AppendEntriesRequest{Term: 2, LeaderID: "b"}); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	resp, err := n.HandleAppendEntries(&raft.AppendEntriesRequest{Term: 1, LeaderID: "c"})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if resp.Success {
		t.Fatalf("expected failure")
	}
	if resp.Term != 2 {
		t.Fatalf("unexpected term: %d", resp.Term)
	}
	if id := n.LeaderID(); id != "b" {
		t.Fatalf("leader should be unchanged: %s", id)
	}
}

// Ensure that proposing on a follower fails fast.
func TestNode_Propose_ErrNotLeader(t *testing.T) {
	n := OpenNode(t, "a", "b", "c")
	defer n.MustClose()

	if _, err := n.Propose(context.Background(), []byte("x")); err != raft.ErrNotLeader {
		t.Fatalf("unexpected error: %v", err)
	}
}

// Ensure that a single-node cluster elects itself and commits a
// proposal without talking to anyone.
func TestNode_SingleNode(t *testing.T) {
	c := raft.NewConfig("a", nil)
	c.ElectionTimeout = 10 * time.Millisecond
	c.HeartbeatInterval = 5 * time.Millisecond
	n := NewTestNodeWithConfig(c)
	n.MustOpen()
	defer n.MustClose()

	n.MustWaitLeader()

	index, err := n.Propose(context.Background(), []byte("x"))
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if index != 1 {
		t.Fatalf("unexpected index: %d", index)
	}

	n.MustWaitApplied(1)
	if got := n.FSM.Strings(); len(got) != 1 || got[0] != "x" {
		t.Fatalf("unexpected applied commands: %v", got)
	}
}

// Ensure that opening an already open node returns an error.
func TestNode_Open_ErrOpen(t *testing.T) {
	n := OpenNode(t, "a", "b", "c")
	defer n.MustClose()
	if err := n.Open(); err != raft.ErrOpen {
		t.Fatalf("unexpected error: %v", err)
	}
}

// Ensure that closing a closed node returns an error.
func TestNode_Close_ErrClosed(t *testing.T) {
	n := OpenNode(t, "a", "b", "c")
	n.MustClose()
	if err := n.Close(); err != raft.ErrClosed {
		t.Fatalf("unexpected error: %v", err)
	}
}

// Ensure that opening without a transport fails.
func TestNode_Open_ErrTransportRequired(t *testing.T) {
	n := raft.NewNode(testConfig("a"), raft.NewMemoryStorage())
	n.FSM = NewRecordingFSM()
	if err := n.Open(); err != raft.ErrTransportRequired {
		t.Fatalf("unexpected error: %v", err)
	}
}

// TestNode wraps a raft.Node with a recording FSM and test helpers.
type TestNode struct {
	*raft.Node
	FSM *RecordingFSM
}

func testConfig(id string, peers ...string) raft.Config {
	c := raft.NewConfig(id, peers)
	// Keep timers out of the way for handler-level tests.
	c.ElectionTimeout = 10 * time.Second
	c.HeartbeatInterval = time.Second
	return c
}

// NewTestNode returns an unopened node with a recording FSM and a
// transport that drops everything.
func NewTestNode(id string, peers ...string) *TestNode {
	return NewTestNodeWithConfig(testConfig(id, peers...))
}

// NewTestNodeWithConfig is NewTestNode with explicit timing.
func NewTestNodeWithConfig(c raft.Config) *TestNode {
	n := &TestNode{
		Node: raft.NewNode(c, raft.NewMemoryStorage()),
		FSM:  NewRecordingFSM(),
	}
	n.Node.FSM = n.FSM
	n.Node.Transport = &blackholeTransport{}
	return n
}

// OpenNode returns an opened node.
func OpenNode(t *testing.T, id string, peers ...string) *TestNode {
	t.Helper()
	n := NewTestNode(id, peers...)
	n.MustOpen()
	return n
}

func (n *TestNode) MustOpen() {
	if err := n.Node.Open(); err != nil {
		panic("open: " + err.Error())
	}
}

func (n *TestNode) MustClose() {
	if err := n.Node.Close(); err != nil && err != raft.ErrClosed {
		panic("close: " + err.Error())
	}
}

// MustWaitLeader blocks until the node reports itself leader.
func (n *TestNode) MustWaitLeader() {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if n.State() == raft.Leader {
			return
		}
		time.Sleep(time.Millisecond)
	}
	panic("node did not become leader")
}

// MustWaitApplied blocks until the node has applied through index.
func (n *TestNode) MustWaitApplied(index uint64) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if n.AppliedIndex() >= index {
			return
		}
		time.Sleep(time.Millisecond)
	}
	panic("entries were not applied")
}

// RecordingFSM stores every applied command.
type RecordingFSM struct {
	mu       sync.Mutex
	commands [][]byte
}

func NewRecordingFSM() *RecordingFSM {
	return &RecordingFSM{}
}

func (f *RecordingFSM) Apply(e *raft.LogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, append([]byte(nil), e.Data...))
	return nil
}

// Strings returns the applied commands as strings.
func (f *RecordingFSM) Strings() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := make([]string, len(f.commands))
	for i, c := range f.commands {
		s[i] = string(c)
	}
	return s
}

// blackholeTransport fails every RPC, isolating the node.
type blackholeTransport struct{}

func (t *blackholeTransport) RequestVote(ctx context.Context, nodeID string, req *raft.RequestVoteRequest) (*raft.RequestVoteResponse, error) {
	return nil, errors.New("unreachable")
}

func (t *blackholeTransport) AppendEntries(ctx context.Context, nodeID string, req *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error) {
	return nil, errors.New("unreachable")
}
