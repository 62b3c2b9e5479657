// Package registry implements the replicated service registry: a
// state machine layered on the committed-entry stream of a raft node.
package registry

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/svcreg/svcreg"
	"github.com/svcreg/svcreg/raft"
)

// DefaultWriteTimeout bounds a blocking write when the caller's
// context carries no deadline.
const DefaultWriteTimeout = 5 * time.Second

// DefaultSyncInterval is the poll interval of the Sync read barrier.
const DefaultSyncInterval = time.Millisecond

// Registry is one node's view of the replicated service registry.
// Mutations go through the raft log; reads are served from the
// locally applied entry set.
type Registry struct {
	node *raft.Node

	// WriteTimeout bounds Register and Deregister calls whose context
	// has no deadline.
	WriteTimeout time.Duration

	mu      sync.RWMutex
	entries map[string]svcreg.ServiceEntry

	logger *zap.Logger
}

// New returns a registry bound to node as its state machine.
func New(node *raft.Node) *Registry {
	r := &Registry{
		node:         node,
		WriteTimeout: DefaultWriteTimeout,
		entries:      make(map[string]svcreg.ServiceEntry),
		logger:       zap.NewNop(),
	}
	node.FSM = r
	return r
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(log *zap.Logger) {
	r.logger = log.With(zap.String("service", "registry"))
}

// Register stores a service entry, overwriting any entry with the
// same id. An empty id is assigned one. The call blocks until the
// entry is committed and applied locally; on a follower it performs
// no mutation and returns a redirect naming the current leader.
func (r *Registry) Register(ctx context.Context, entry svcreg.ServiceEntry) (*svcreg.WriteResult, error) {
	if err := entry.Valid(); err != nil {
		return nil, err
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	return r.write(ctx, &command{Op: opRegister, Entry: &entry})
}

// Deregister removes the entry with the given id via the replicated
// log. Removing an unknown id is not an error: the command still
// commits and applies as a no-op.
func (r *Registry) Deregister(ctx context.Context, id string) (*svcreg.WriteResult, error) {
	if id == "" {
		return nil, svcreg.ErrServiceIDRequired
	}
	return r.write(ctx, &command{Op: opDeregister, ID: id})
}

// write proposes a command and waits for local apply. Quorum-loss
// conditions surface as distinct errors so callers never mistake an
// unreplicated write for a durable one.
func (r *Registry) write(ctx context.Context, cmd *command) (*svcreg.WriteResult, error) {
	if r.node.State() != raft.Leader {
		return r.redirect()
	}

	data, err := encodeCommand(cmd)
	if err != nil {
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.WriteTimeout)
		defer cancel()
	}

	index, err := r.node.Propose(ctx, data)
	switch {
	case err == nil:
		return &svcreg.WriteResult{Index: index}, nil
	case errors.Is(err, raft.ErrNotLeader):
		// Leadership moved between the check and the proposal.
		return r.redirect()
	case errors.Is(err, raft.ErrLeadershipLost), errors.Is(err, raft.ErrClosed):
		return nil, svcreg.ErrLeadershipLost
	case errors.Is(err, context.DeadlineExceeded):
		if r.node.State() == raft.Leader {
			return nil, svcreg.ErrNoQuorum
		}
		return nil, svcreg.ErrLeadershipLost
	default:
		return nil, err
	}
}

// redirect names the current leader, or fails when none is known.
// Followers never forward writes on the caller's behalf.
func (r *Registry) redirect() (*svcreg.WriteResult, error) {
	leader := r.node.LeaderID()
	if leader == "" {
		return nil, svcreg.ErrNoLeader
	}
	return &svcreg.WriteResult{Redirected: true, LeaderID: leader}, nil
}

// Discover returns the locally applied entries whose name begins with
// prefix, ordered by id. The read does not go through consensus and
// may trail the latest committed write; it is always monotonic.
func (r *Registry) Discover(prefix string) []svcreg.ServiceEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matches []svcreg.ServiceEntry
	for _, e := range r.entries {
		if strings.HasPrefix(e.Name, prefix) {
			matches = append(matches, e.Clone())
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].ID < matches[j].ID })
	return matches
}

// Entry returns the locally applied entry with the given id.
func (r *Registry) Entry(id string) (svcreg.ServiceEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return svcreg.ServiceEntry{}, false
	}
	return e.Clone(), true
}

// Len returns the number of locally applied entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Sync blocks until this node has applied everything it knows to be
// committed, making a following Discover strongly consistent when the
// node is the leader.
func (r *Registry) Sync(ctx context.Context) error {
	commit := r.node.CommitIndex()
	for r.node.AppliedIndex() < commit {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(DefaultSyncInterval):
		}
	}
	return nil
}

// Apply decodes a committed log entry and mutates the local entry
// set. It is invoked by the node's apply loop in index order, exactly
// once per entry, on every node in the cluster.
func (r *Registry) Apply(e *raft.LogEntry) error {
	cmd, err := decodeCommand(e.Data)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch cmd.Op {
	case opRegister:
		r.entries[cmd.Entry.ID] = cmd.Entry.Clone()
		r.logger.Debug("Applied register",
			zap.Uint64("index", e.Index),
			zap.String("id", cmd.Entry.ID))
	case opDeregister:
		delete(r.entries, cmd.ID)
		r.logger.Debug("Applied deregister",
			zap.Uint64("index", e.Index),
			zap.String("id", cmd.ID))
	}
	return nil
}
