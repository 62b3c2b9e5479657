package raft

import "errors"

var (
	// ErrOpen is returned when opening an already open node.
	ErrOpen = errors.New("raft: node already open")

	// ErrClosed is returned when an operation is performed on a
	// closed node.
	ErrClosed = errors.New("raft: node closed")

	// ErrNotLeader is returned when proposing a command on a node
	// that is not the leader.
	ErrNotLeader = errors.New("raft: not leader")

	// ErrLeadershipLost is returned to proposal waiters when the node
	// stepped down before the entry committed.
	ErrLeadershipLost = errors.New("raft: leadership lost")

	// ErrNodeIDRequired is returned when a config has no node id.
	ErrNodeIDRequired = errors.New("raft: node id required")

	// ErrTransportRequired is returned when opening a node without a
	// transport.
	ErrTransportRequired = errors.New("raft: transport required")
)
