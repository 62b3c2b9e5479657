// Package svcreg defines the domain types shared by the replicated
// service registry: service entries, the registry service contract,
// and the errors surfaced to registry clients.
package svcreg

import "context"

// ServiceEntry represents a single registered service instance.
// Entries are only ever created or removed through the replicated log,
// so every node that has applied the same log prefix holds an
// identical entry set.
type ServiceEntry struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Host     string            `json:"host"`
	Port     uint16            `json:"port"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy of the entry.
func (e *ServiceEntry) Clone() ServiceEntry {
	other := *e
	if e.Metadata != nil {
		other.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			other.Metadata[k] = v
		}
	}
	return other
}

// Valid returns an error if the entry cannot be registered.
func (e *ServiceEntry) Valid() error {
	if e.Name == "" {
		return ErrServiceNameRequired
	}
	if e.Host == "" {
		return ErrServiceHostRequired
	}
	return nil
}

// WriteResult is returned by registry mutations. A write submitted to
// a follower performs no mutation and instead names the current
// leader; the caller is expected to resubmit there.
type WriteResult struct {
	// Redirected is true when the receiving node is not the leader.
	Redirected bool `json:"redirected,omitempty"`

	// LeaderID names the node to resubmit to when Redirected is set.
	LeaderID string `json:"leaderId,omitempty"`

	// Index is the log index the mutation committed at.
	Index uint64 `json:"index,omitempty"`
}

// ServiceRegistry is the client surface of the replicated registry.
type ServiceRegistry interface {
	// Register stores a service entry, overwriting any entry with the
	// same id. Blocks until the entry is committed and applied locally.
	Register(ctx context.Context, entry ServiceEntry) (*WriteResult, error)

	// Deregister removes the entry with the given id.
	Deregister(ctx context.Context, id string) (*WriteResult, error)

	// Discover returns the locally applied entries whose name begins
	// with prefix. The read does not go through consensus.
	Discover(prefix string) []ServiceEntry
}
