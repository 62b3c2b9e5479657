package registry

import (
	"encoding/json"
	"fmt"

	"github.com/svcreg/svcreg"
)

// Command opcodes carried in replicated log entries.
const (
	opRegister   = "register"
	opDeregister = "deregister"
)

// command is the wire form of a registry mutation. It is encoded into
// the opaque data field of a log entry on the leader and decoded
// identically on every node at apply time.
type command struct {
	Op    string               `json:"op"`
	Entry *svcreg.ServiceEntry `json:"entry,omitempty"`
	ID    string               `json:"id,omitempty"`
}

func encodeCommand(cmd *command) ([]byte, error) {
	return json.Marshal(cmd)
}

func decodeCommand(data []byte) (*command, error) {
	var cmd command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil, fmt.Errorf("registry: invalid command: %w", err)
	}
	switch cmd.Op {
	case opRegister:
		if cmd.Entry == nil {
			return nil, fmt.Errorf("registry: register command without entry")
		}
	case opDeregister:
		if cmd.ID == "" {
			return nil, fmt.Errorf("registry: deregister command without id")
		}
	default:
		return nil, fmt.Errorf("registry: unknown command op: %q", cmd.Op)
	}
	return &cmd, nil
}
