package raft

import (
	"errors"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	// DefaultElectionTimeout is the base follower election timeout.
	// The effective timeout is drawn uniformly from
	// [ElectionTimeout, 2*ElectionTimeout) on every reset.
	DefaultElectionTimeout = 150 * time.Millisecond

	// DefaultHeartbeatInterval is the fixed interval between leader
	// heartbeats.
	DefaultHeartbeatInterval = 50 * time.Millisecond

	// DefaultRPCTimeout bounds a single RequestVote or AppendEntries
	// round trip. A peer that misses the deadline is treated as
	// unreachable for that round only.
	DefaultRPCTimeout = 100 * time.Millisecond
)

// Config represents the configuration for a raft node.
type Config struct {
	// Unique identifier of this node within the cluster.
	ID string

	// Identifiers of every other node in the cluster. The transport
	// is responsible for resolving them to endpoints.
	Peers []string

	// The base amount of time before a follower attempts an election.
	ElectionTimeout time.Duration

	// The amount of time between AppendEntries calls from the leader
	// to its followers.
	HeartbeatInterval time.Duration

	// Deadline for a single RPC round trip to one peer.
	RPCTimeout time.Duration

	// Clock is an abstraction of the time package. By default it will
	// use a real-time clock but a mock clock can be used for testing.
	Clock clock.Clock
}

// NewConfig returns a config for the given node with defaults set.
func NewConfig(id string, peers []string) Config {
	return Config{
		ID:                id,
		Peers:             peers,
		ElectionTimeout:   DefaultElectionTimeout,
		HeartbeatInterval: DefaultHeartbeatInterval,
		RPCTimeout:        DefaultRPCTimeout,
		Clock:             clock.New(),
	}
}

// Validate returns an error if the config cannot run a node.
func (c *Config) Validate() error {
	if c.ID == "" {
		return ErrNodeIDRequired
	}
	if c.ElectionTimeout <= 0 {
		return errors.New("raft: election timeout must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return errors.New("raft: heartbeat interval must be positive")
	}
	if c.HeartbeatInterval >= c.ElectionTimeout {
		return errors.New("raft: heartbeat interval must be shorter than election timeout")
	}
	if c.RPCTimeout <= 0 {
		return errors.New("raft: rpc timeout must be positive")
	}
	return nil
}

// clusterSize returns the total number of voting members.
func (c *Config) clusterSize() int { return len(c.Peers) + 1 }

// quorum returns the number of votes or replicas that form a strict
// majority of the cluster.
func (c *Config) quorum() int { return c.clusterSize()/2 + 1 }
