package raft_test

import (
	"testing"
	"time"

	"github.com/svcreg/svcreg/raft"
)

// Ensure that a default config passes validation.
func TestConfig_Validate(t *testing.T) {
	c := raft.NewConfig("a", []string{"b", "c"})
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
}

// Ensure that invalid configs are rejected.
func TestConfig_Validate_Error(t *testing.T) {
	tests := []struct {
		fn func(c *raft.Config)
	}{
		// 0. Missing node id.
		{fn: func(c *raft.Config) { c.ID = "" }},
		// 1. Zero election timeout.
		{fn: func(c *raft.Config) { c.ElectionTimeout = 0 }},
		// 2. Zero heartbeat interval.
		{fn: func(c *raft.Config) { c.HeartbeatInterval = 0 }},
		// 3. Heartbeat not shorter than election timeout.
		{fn: func(c *raft.Config) { c.HeartbeatInterval = c.ElectionTimeout }},
		// 4. Zero rpc timeout.
		{fn: func(c *raft.Config) { c.RPCTimeout = 0 }},
	}
	for i, tt := range tests {
		c := raft.NewConfig("a", []string{"b", "c"})
		tt.fn(&c)
		if err := c.Validate(); err == nil {
			t.Fatalf("%d. expected error", i)
		}
	}
}

// Ensure that a missing node id is reported with the sentinel error.
func TestConfig_Validate_ErrNodeIDRequired(t *testing.T) {
	c := raft.NewConfig("", nil)
	if err := c.Validate(); err != raft.ErrNodeIDRequired {
		t.Fatalf("unexpected error: %v", err)
	}
}

// Ensure that defaults leave room for several heartbeats per election
// timeout.
func TestConfig_Defaults(t *testing.T) {
	c := raft.NewConfig("a", nil)
	if c.ElectionTimeout < 2*c.HeartbeatInterval {
		t.Fatalf("election timeout too close to heartbeat interval: %s vs %s",
			c.ElectionTimeout, c.HeartbeatInterval)
	}
	if c.ElectionTimeout != 150*time.Millisecond {
		t.Fatalf("unexpected default election timeout: %s", c.ElectionTimeout)
	}
}
