package svcreg

import "errors"

var (
	// ErrNoLeader is returned when a write is submitted while the
	// cluster has no elected leader.
	ErrNoLeader = errors.New("no leader")

	// ErrNoQuorum is returned when a leader accepted a write but could
	// not replicate it to a majority before the caller's deadline.
	ErrNoQuorum = errors.New("no quorum")

	// ErrLeadershipLost is returned when the node handling a write
	// stepped down before the entry committed. The outcome of the
	// write is indeterminate; callers must re-query or resubmit.
	ErrLeadershipLost = errors.New("leadership lost")

	// ErrServiceNameRequired is returned when registering an entry
	// with a blank name.
	ErrServiceNameRequired = errors.New("service name required")

	// ErrServiceHostRequired is returned when registering an entry
	// with a blank host.
	ErrServiceHostRequired = errors.New("service host required")

	// ErrServiceIDRequired is returned when deregistering a blank id.
	ErrServiceIDRequired = errors.New("service id required")
)
