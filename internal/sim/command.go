package sim

import "time"

// CommandType enumerates the control commands applied at the start of a tick.
type CommandType string

const (
	CommandRecreateWorld CommandType = "RecreateWorld"
	CommandUnloadWorld   CommandType = "UnloadWorld"
)

// Command represents an operator intent captured for processing on the next
// tick.
type Command struct {
	OriginTick uint64      `json:"originTick"`
	Type       CommandType `json:"type"`
	World      string      `json:"world"`
	IssuedAt   time.Time   `json:"issuedAt"`
	// Result receives the outcome once the command was applied. It is
	// buffered so the tick goroutine never blocks on it.
	Result chan error `json:"-"`
}

// NewCommand constructs a command with a result channel.
func NewCommand(kind CommandType, world string, issuedAt time.Time) Command {
	return Command{Type: kind, World: world, IssuedAt: issuedAt, Result: make(chan error, 1)}
}

func (c Command) resolve(err error) {
	if c.Result == nil {
		return
	}
	select {
	case c.Result <- err:
	default:
	}
}
