// Package cluster wires a fixed set of raft nodes, each carrying a
// replicated registry, to a shared in-process transport. It is the
// harness for multi-node deployments inside one process and for the
// failure scenarios exercised by tests: crashing nodes, restarting
// them, and partitioning the network.
package cluster

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/svcreg/svcreg/raft"
	"github.com/svcreg/svcreg/registry"
)

var (
	// ErrOpen is returned when mutating membership of an open cluster.
	ErrOpen = errors.New("cluster: already open")

	// ErrClosed is returned when operating on a closed cluster.
	ErrClosed = errors.New("cluster: closed")

	// ErrNodeNotFound is returned when referencing an unknown node id.
	ErrNodeNotFound = errors.New("cluster: node not found")
)

// NodeInfo describes one cluster member.
type NodeInfo struct {
	ID      string `json:"id"`
	Addr    string `json:"addr"`
	Running bool   `json:"running"`
}

// member holds one node and its registry. The storage outlives the
// node so a restart rejoins with its persistent state intact.
type member struct {
	info     NodeInfo
	node     *raft.Node
	registry *registry.Registry
	storage  *raft.MemoryStorage
}

// Cluster owns the node set. Membership is fixed once opened.
type Cluster struct {
	mu      sync.Mutex
	base    raft.Config
	network *Network
	members map[string]*member
	logger  *zap.Logger
	opened  bool
}

// New returns an empty cluster. The base config supplies the timing
// parameters and clock for every node; its ID and Peers fields are
// ignored.
func New(base raft.Config) *Cluster {
	return &Cluster{
		base:    base,
		network: NewNetwork(),
		members: make(map[string]*member),
		logger:  zap.NewNop(),
	}
}

// WithLogger sets the logger for the cluster and its nodes.
func (c *Cluster) WithLogger(log *zap.Logger) {
	c.logger = log
}

// AddNode adds a member before the cluster is opened. Returns an
// error if the id or address is already taken.
func (c *Cluster) AddNode(id, addr string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.opened {
		return ErrOpen
	}
	if id == "" {
		return raft.ErrNodeIDRequired
	}
	for _, m := range c.members {
		if m.info.ID == id {
			return fmt.Errorf("cluster: node id already exists: %s", id)
		}
		if addr != "" && m.info.Addr == addr {
			return fmt.Errorf("cluster: node address already in use: %s", addr)
		}
	}

	c.members[id] = &member{
		info:    NodeInfo{ID: id, Addr: addr},
		storage: raft.NewMemoryStorage(),
	}
	return nil
}

// Open starts every member. Each node's first election timeout is
// drawn from its own seeded source, so simultaneous starts do not
// collide into split votes.
func (c *Cluster) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.opened {
		return ErrOpen
	}

	for _, id := range c.memberIDs() {
		if err := c.startMember(c.members[id]); err != nil {
			c.closeMembers()
			return err
		}
	}
	c.opened = true

	c.logger.Info("Cluster opened", zap.Int("nodes", len(c.members)))
	return nil
}

// Close stops every running member.
func (c *Cluster) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.opened {
		return ErrClosed
	}
	err := c.closeMembers()
	c.opened = false
	return err
}

func (c *Cluster) closeMembers() error {
	var err error
	for _, id := range c.memberIDs() {
		m := c.members[id]
		if !m.info.Running {
			continue
		}
		err = multierr.Append(err, m.node.Close())
		m.info.Running = false
		c.network.SetStopped(m.info.ID, true)
	}
	return err
}

// StopNode crashes one member: its timers stop and the network
// refuses its traffic until it is restarted.
func (c *Cluster) StopNode(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.members[id]
	if !ok {
		return ErrNodeNotFound
	}
	if !m.info.Running {
		return nil
	}

	err := m.node.Close()
	m.info.Running = false
	c.network.SetStopped(id, true)

	c.logger.Info("Stopped node", zap.String("node", id))
	return err
}

// RestartNode brings a stopped member back with its persistent state.
// The node rejoins as a follower; its registry rebuilds from the log
// as entries recommit.
func (c *Cluster) RestartNode(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.members[id]
	if !ok {
		return ErrNodeNotFound
	}
	if m.info.Running {
		return nil
	}
	return c.startMember(m)
}

// startMember builds a fresh node over the member's storage and
// registers it on the network. Callers must hold the mutex.
func (c *Cluster) startMember(m *member) error {
	config := c.base
	config.ID = m.info.ID
	config.Peers = c.peersOf(m.info.ID)

	node := raft.NewNode(config, m.storage)
	node.Transport = c.network.Transport(m.info.ID)
	node.WithLogger(c.logger)

	reg := registry.New(node)
	reg.WithLogger(c.logger.With(zap.String("node", m.info.ID)))

	if err := node.Open(); err != nil {
		return err
	}

	m.node = node
	m.registry = reg
	m.info.Running = true
	c.network.Register(m.info.ID, node)
	return nil
}

// Leader returns the id of the node currently in the leader role, or
// an empty string if none exists (mid-election or no quorum).
func (c *Cluster) Leader() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, id := range c.memberIDs() {
		m := c.members[id]
		if m.info.Running && m.node.State() == raft.Leader {
			return id
		}
	}
	return ""
}

// Nodes returns the cluster membership ordered by id.
func (c *Cluster) Nodes() []NodeInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	infos := make([]NodeInfo, 0, len(c.members))
	for _, id := range c.memberIDs() {
		infos = append(infos, c.members[id].info)
	}
	return infos
}

// Node returns the raft node of a member.
func (c *Cluster) Node(id string) (*raft.Node, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.members[id]
	if !ok || m.node == nil {
		return nil, ErrNodeNotFound
	}
	return m.node, nil
}

// Registry returns the registry of a member.
func (c *Cluster) Registry(id string) (*registry.Registry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.members[id]
	if !ok || m.registry == nil {
		return nil, ErrNodeNotFound
	}
	return m.registry, nil
}

// Quorum returns the number of members forming a strict majority.
func (c *Cluster) Quorum() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.members)/2 + 1
}

// Network returns the shared transport for fault injection.
func (c *Cluster) Network() *Network {
	return c.network
}

func (c *Cluster) memberIDs() []string {
	ids := make([]string, 0, len(c.members))
	for id := range c.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *Cluster) peersOf(id string) []string {
	var peers []string
	for _, other := range c.memberIDs() {
		if other != id {
			peers = append(peers, other)
		}
	}
	return peers
}
