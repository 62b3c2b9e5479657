package raft

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// Transport delivers RPCs to other nodes in the cluster. Calls must
// honor the context deadline; a timed-out peer is reported as an
// error and retried by the node on its next tick. No ordering is
// guaranteed between calls to different peers.
type Transport interface {
	RequestVote(ctx context.Context, nodeID string, req *RequestVoteRequest) (*RequestVoteResponse, error)
	AppendEntries(ctx context.Context, nodeID string, req *AppendEntriesRequest) (*AppendEntriesResponse, error)
}

// HTTPTransport sends RPCs to peers over HTTP using the routes served
// by Handler. Peer ids are resolved through a URL table populated by
// the caller.
type HTTPTransport struct {
	mu   sync.RWMutex
	urls map[string]string

	// Client is the HTTP client used for all requests. The node's
	// per-RPC context enforces the round-trip deadline.
	Client *http.Client
}

// NewHTTPTransport returns an HTTPTransport with an empty URL table.
func NewHTTPTransport() *HTTPTransport {
	return &HTTPTransport{
		urls:   make(map[string]string),
		Client: http.DefaultClient,
	}
}

// SetURL maps a node id to the base URL it serves raft RPCs on.
func (t *HTTPTransport) SetURL(nodeID, baseURL string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.urls[nodeID] = baseURL
}

func (t *HTTPTransport) url(nodeID string) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	u, ok := t.urls[nodeID]
	if !ok {
		return "", fmt.Errorf("raft: unknown peer: %s", nodeID)
	}
	return u, nil
}

// RequestVote sends a RequestVote RPC to the given peer.
func (t *HTTPTransport) RequestVote(ctx context.Context, nodeID string, req *RequestVoteRequest) (*RequestVoteResponse, error) {
	var resp RequestVoteResponse
	if err := t.post(ctx, nodeID, "/raft/v1/vote", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AppendEntries sends an AppendEntries RPC to the given peer.
func (t *HTTPTransport) AppendEntries(ctx context.Context, nodeID string, req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	var resp AppendEntriesResponse
	if err := t.post(ctx, nodeID, "/raft/v1/append", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// post sends a JSON request body and decodes the JSON response.
func (t *HTTPTransport) post(ctx context.Context, nodeID, path string, body, out interface{}) error {
	baseURL, err := t.url(nodeID)
	if err != nil {
		return err
	}

	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if msg := resp.Header.Get("X-Raft-Error"); msg != "" {
			return fmt.Errorf("raft: peer %s: %s", nodeID, msg)
		}
		return fmt.Errorf("raft: peer %s: unexpected status %d", nodeID, resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
