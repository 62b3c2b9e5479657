package raft

// RequestVoteRequest represents the arguments for a RequestVote RPC.
type RequestVoteRequest struct {
	Term         uint64 `json:"term"`
	CandidateID  string `json:"candidateId"`
	LastLogIndex uint64 `json:"lastLogIndex"`
	LastLogTerm  uint64 `json:"lastLogTerm"`
}

// RequestVoteResponse represents the reply to a RequestVote RPC.
type RequestVoteResponse struct {
	Term        uint64 `json:"term"`
	VoteGranted bool   `json:"voteGranted"`
}

// AppendEntriesRequest represents the arguments for an AppendEntries
// RPC. A heartbeat is an AppendEntriesRequest with no entries.
type AppendEntriesRequest struct {
	Term         uint64     `json:"term"`
	LeaderID     string     `json:"leaderId"`
	PrevLogIndex uint64     `json:"prevLogIndex"`
	PrevLogTerm  uint64     `json:"prevLogTerm"`
	Entries      []LogEntry `json:"entries,omitempty"`
	LeaderCommit uint64     `json:"leaderCommit"`
}

// AppendEntriesResponse represents the reply to an AppendEntries RPC.
// On rejection the conflict fields carry enough information for the
// leader to back its nextIndex past the offending run of entries in a
// single step instead of decrementing one index at a time.
type AppendEntriesResponse struct {
	Term    uint64 `json:"term"`
	Success bool   `json:"success"`

	// MatchIndex is the index of the last entry known replicated on
	// the receiver after a successful append.
	MatchIndex uint64 `json:"matchIndex,omitempty"`

	// ConflictTerm is the term of the receiver's entry at
	// PrevLogIndex when that entry's term does not match. Zero when
	// the receiver's log is simply too short.
	ConflictTerm uint64 `json:"conflictTerm,omitempty"`

	// ConflictIndex is the first index held in ConflictTerm, or one
	// past the receiver's last index when the log is too short.
	ConflictIndex uint64 `json:"conflictIndex,omitempty"`
}
