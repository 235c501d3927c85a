// Package intake validates operator requests and stages them as loop commands.
package intake

import (
	"time"

	"blockphysics/server/internal/sim"
)

const (
	// RejectInvalidCommand is returned for command types operators may not issue.
	RejectInvalidCommand = "invalid_command"
	// RejectUnknownWorld is returned when the target world is not loaded.
	RejectUnknownWorld = "unknown_world"
)

// Queue accepts staged commands.
type Queue interface {
	Enqueue(cmd sim.Command) (bool, string)
}

type CommandContext struct {
	Queue    Queue
	HasWorld func(string) bool
	Tick     func() uint64
	Now      func() time.Time
}

// StageWorldCommand validates and enqueues a world control command. The
// returned command carries the Result channel the caller may wait on.
func StageWorldCommand(ctx CommandContext, kind sim.CommandType, world string) (sim.Command, bool, string) {
	var zero sim.Command

	switch kind {
	case sim.CommandRecreateWorld, sim.CommandUnloadWorld:
	default:
		return zero, false, RejectInvalidCommand
	}
	if world == "" {
		return zero, false, RejectUnknownWorld
	}
	if ctx.HasWorld != nil && !ctx.HasWorld(world) {
		return zero, false, RejectUnknownWorld
	}

	issuedAt := time.Now()
	if ctx.Now != nil {
		issuedAt = ctx.Now()
	}
	command := sim.NewCommand(kind, world, issuedAt)
	if ctx.Tick != nil {
		command.OriginTick = ctx.Tick()
	}

	if ctx.Queue == nil {
		return zero, false, sim.CommandRejectStopped
	}
	if ok, reason := ctx.Queue.Enqueue(command); !ok {
		return zero, false, reason
	}

	return command, true, ""
}
