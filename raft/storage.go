package raft

import "sync"

// PersistentState is the durable portion of a node's state. It is
// restored into the node on open.
type PersistentState struct {
	Term     uint64
	VotedFor string
	Entries  []LogEntry
}

// Storage persists a node's term, vote and log across restarts.
// Implementations must apply each call atomically; the node serializes
// calls itself.
type Storage interface {
	// SaveState stores the current term and the vote cast in it.
	SaveState(term uint64, votedFor string) error

	// AppendEntries adds entries to the end of the stored log.
	AppendEntries(entries ...LogEntry) error

	// TruncateEntries removes all stored entries with index >= from.
	TruncateEntries(from uint64) error

	// Load restores the persisted state. A fresh store returns a
	// zero-valued state, not an error.
	Load() (*PersistentState, error)

	Close() error
}

// MemoryStorage is a Storage kept entirely in memory. It is used by
// the in-process cluster harness and by tests; state survives node
// restarts but not process restarts.
type MemoryStorage struct {
	mu    sync.Mutex
	state PersistentState
}

// NewMemoryStorage returns an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

// SaveState stores the current term and vote.
func (s *MemoryStorage) SaveState(term uint64, votedFor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Term = term
	s.state.VotedFor = votedFor
	return nil
}

// AppendEntries adds entries to the end of the log.
func (s *MemoryStorage) AppendEntries(entries ...LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Entries = append(s.state.Entries, entries...)
	return nil
}

// TruncateEntries removes all entries with index >= from.
func (s *MemoryStorage) TruncateEntries(from uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.state.Entries {
		if e.Index >= from {
			s.state.Entries = s.state.Entries[:i]
			break
		}
	}
	return nil
}

// Load returns a copy of the stored state.
func (s *MemoryStorage) Load() (*PersistentState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := PersistentState{
		Term:     s.state.Term,
		VotedFor: s.state.VotedFor,
		Entries:  make([]LogEntry, len(s.state.Entries)),
	}
	copy(state.Entries, s.state.Entries)
	return &state, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStorage) Close() error { return nil }
