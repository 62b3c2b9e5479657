package raft_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/svcreg/svcreg/raft"
)

// Ensure that a vote request round-trips through the HTTP transport
// and handler.
func TestHandler_RequestVote(t *testing.T) {
	n := OpenNode(t, "a", "b", "c")
	defer n.MustClose()

	s := httptest.NewServer(raft.NewHandler(n.Node))
	defer s.Close()

	transport := raft.NewHTTPTransport()
	transport.SetURL("a", s.URL)

	resp, err := transport.RequestVote(context.Background(), "a", &raft.RequestVoteRequest{
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
}

// Ensure that an append request round-trips and mutates the remote
// node's log.
func TestHandler_AppendEntries(t *testing.T) {
	n := OpenNode(t, "a", "b", "c")
	defer n.MustClose()

	s := httptest.NewServer(raft.NewHandler(n.Node))
	defer s.Close()

	transport := raft.NewHTTPTransport()
	transport.SetURL("a", s.URL)

	resp, err := transport.AppendEntries(context.Background(), "a", &raft.AppendEntriesRequest{
		Term:     1,
		LeaderID: "b",
		Entries:  []raft.LogEntry{{Index: 1, Term: 1, Data: []byte("x")}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if !resp.Success {
		t.Fatalf("expected success")
	}
	if resp.MatchIndex != 1 {
		t.Fatalf("unexpected match index: %d", resp.MatchIndex)
	}
	if entries := n.Entries(); len(entries) != 1 {
		t.Fatalf("unexpected log length: %d", len(entries))
	}
}

// Ensure that a closed node answers 503 and the transport surfaces
// the error header.
func TestHandler_Closed(t *testing.T) {
	n := OpenNode(t, "a", "b", "c")
	h := raft.NewHandler(n.Node)
	n.MustClose()

	s := httptest.NewServer(h)
	defer s.Close()

	transport := raft.NewHTTPTransport()
	transport.SetURL("a", s.URL)

	if _, err := transport.RequestVote(context.Background(), "a", &raft.RequestVoteRequest{Term: 1, CandidateID: "b"}); err == nil {
		t.Fatalf("expected error")
	}
}

// Ensure that the ping route answers 200.
func TestHandler_Ping(t *testing.T) {
	n := OpenNode(t, "a", "b", "c")
	defer n.MustClose()

	s := httptest.NewServer(raft.NewHandler(n.Node))
	defer s.Close()

	resp, err := http.Get(s.URL + "/raft/v1/ping")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
}

// Ensure that sending to an unregistered peer fails.
func TestHTTPTransport_UnknownPeer(t *testing.T) {
	transport := raft.NewHTTPTransport()
	if _, err := transport.RequestVote(context.Background(), "z", &raft.RequestVoteRequest{}); err == nil {
		t.Fatalf("expected error")
	}
}
