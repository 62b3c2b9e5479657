package cluster

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/svcreg/svcreg/raft"
)

var (
	// ErrUnknownNode is returned when sending to a node that was
	// never registered on the network.
	ErrUnknownNode = errors.New("cluster: unknown node")

	// ErrNodeStopped is returned when the target node is stopped.
	ErrNodeStopped = errors.New("cluster: node stopped")

	// ErrPartitioned is returned when a partition separates the two
	// nodes.
	ErrPartitioned = errors.New("cluster: network partition")

	// ErrDropped is returned when the network drops the message.
	ErrDropped = errors.New("cluster: message dropped")
)

// rpcHandler is the receiving side of the network: the subset of
// raft.Node the network delivers to.
type rpcHandler interface {
	HandleRequestVote(req *raft.RequestVoteRequest) (*raft.RequestVoteResponse, error)
	HandleAppendEntries(req *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error)
}

// Network is an in-process transport connecting the nodes of one
// cluster. It can inject faults: isolating nodes, dropping a fraction
// of messages, and delaying delivery.
type Network struct {
	mu       sync.RWMutex
	handlers map[string]rpcHandler
	stopped  map[string]bool
	isolated map[string]bool
	dropRate float64
	delay    time.Duration
}

// NewNetwork returns an empty network.
func NewNetwork() *Network {
	return &Network{
		handlers: make(map[string]rpcHandler),
		stopped:  make(map[string]bool),
		isolated: make(map[string]bool),
	}
}

// Register attaches a node's RPC handlers to the network.
func (net *Network) Register(id string, h rpcHandler) {
	net.mu.Lock()
	defer net.mu.Unlock()
	net.handlers[id] = h
	net.stopped[id] = false
}

// SetStopped marks a node as crashed; messages to and from it fail.
func (net *Network) SetStopped(id string, stopped bool) {
	net.mu.Lock()
	defer net.mu.Unlock()
	net.stopped[id] = stopped
}

// Isolate cuts a node off from every other node without stopping it,
// simulating a network partition.
func (net *Network) Isolate(id string, isolated bool) {
	net.mu.Lock()
	defer net.mu.Unlock()
	net.isolated[id] = isolated
}

// SetDropRate drops the given fraction of messages at random.
func (net *Network) SetDropRate(rate float64) {
	net.mu.Lock()
	defer net.mu.Unlock()
	net.dropRate = rate
}

// SetDelay delays every delivery by d.
func (net *Network) SetDelay(d time.Duration) {
	net.mu.Lock()
	defer net.mu.Unlock()
	net.delay = d
}

// Transport returns the transport endpoint for one node. Each node
// gets its own endpoint so the network knows the sender of every
// message.
func (net *Network) Transport(from string) raft.Transport {
	return &networkTransport{net: net, from: from}
}

// deliverable returns the target handler after applying fault rules.
func (net *Network) deliverable(from, to string) (rpcHandler, error) {
	net.mu.RLock()
	defer net.mu.RUnlock()

	h, ok := net.handlers[to]
	if !ok {
		return nil, ErrUnknownNode
	}
	if net.stopped[from] || net.stopped[to] {
		return nil, ErrNodeStopped
	}
	if net.isolated[from] || net.isolated[to] {
		return nil, ErrPartitioned
	}
	if net.dropRate > 0 && rand.Float64() < net.dropRate {
		return nil, ErrDropped
	}
	return h, nil
}

func (net *Network) sleep(ctx context.Context) error {
	net.mu.RLock()
	d := net.delay
	net.mu.RUnlock()
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// networkTransport implements raft.Transport for a single sender.
type networkTransport struct {
	net  *Network
	from string
}

func (t *networkTransport) RequestVote(ctx context.Context, nodeID string, req *raft.RequestVoteRequest) (*raft.RequestVoteResponse, error) {
	h, err := t.net.deliverable(t.from, nodeID)
	if err != nil {
		return nil, err
	}
	if err := t.net.sleep(ctx); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return h.HandleRequestVote(req)
}

func (t *networkTransport) AppendEntries(ctx context.Context, nodeID string, req *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error) {
	h, err := t.net.deliverable(t.from, nodeID)
	if err != nil {
		return nil, err
	}
	if err := t.net.sleep(ctx); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return h.HandleAppendEntries(req)
}
