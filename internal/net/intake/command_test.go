package intake

import (
	"testing"
	"time"

	"blockphysics/server/internal/sim"
)

type fakeQueue struct {
	enqueueOK     bool
	enqueueReason string
	commands      []sim.Command
}

func (f *fakeQueue) Enqueue(cmd sim.Command) (bool, string) {
	f.commands = append(f.commands, cmd)
	if f.enqueueOK {
		return true, ""
	}
	if f.enqueueReason == "" {
		f.enqueueReason = sim.CommandRejectQueueFull
	}
	return false, f.enqueueReason
}

func TestStageWorldCommandAcceptsRecreate(t *testing.T) {
	queue := &fakeQueue{enqueueOK: true}
	issuedAt := time.Unix(100, 0)
	ctx := CommandContext{
		Queue:    queue,
		HasWorld: func(name string) bool { return name == "overworld" },
		Tick:     func() uint64 { return 42 },
		Now:      func() time.Time { return issuedAt },
	}

	cmd, ok, reason := StageWorldCommand(ctx, sim.CommandRecreateWorld, "overworld")
	if !ok {
		t.Fatalf("expected command to be accepted, got reason %q", reason)
	}
	if cmd.OriginTick != 42 || !cmd.IssuedAt.Equal(issuedAt) {
		t.Fatalf("expected tick and time to be stamped, got %+v", cmd)
	}
	if cmd.Result == nil {
		t.Fatalf("expected result channel")
	}
	if len(queue.commands) != 1 || queue.commands[0].World != "overworld" {
		t.Fatalf("expected one enqueued command, got %+v", queue.commands)
	}
}

func TestStageWorldCommandRejections(t *testing.T) {
	tests := []struct {
		name   string
		kind   sim.CommandType
		world  string
		queue  Queue
		reason string
	}{
		{name: "invalid type", kind: "Explode", world: "overworld", queue: &fakeQueue{enqueueOK: true}, reason: RejectInvalidCommand},
		{name: "empty world", kind: sim.CommandUnloadWorld, world: "", queue: &fakeQueue{enqueueOK: true}, reason: RejectUnknownWorld},
		{name: "unknown world", kind: sim.CommandRecreateWorld, world: "nether", queue: &fakeQueue{enqueueOK: true}, reason: RejectUnknownWorld},
		{name: "queue full", kind: sim.CommandRecreateWorld, world: "overworld", queue: &fakeQueue{}, reason: sim.CommandRejectQueueFull},
		{name: "no queue", kind: sim.CommandRecreateWorld, world: "overworld", reason: sim.CommandRejectStopped},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := CommandContext{
				Queue:    tt.queue,
				HasWorld: func(name string) bool { return name == "overworld" },
			}
			_, ok, reason := StageWorldCommand(ctx, tt.kind, tt.world)
			if ok {
				t.Fatalf("expected rejection")
			}
			if reason != tt.reason {
				t.Fatalf("expected reason %q, got %q", tt.reason, reason)
			}
		})
	}
}
