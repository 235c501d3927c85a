package physics

import (
	"context"

	"blockphysics/server/logging"
)

const (
	// EventBodyDemoted is emitted when a diverged body is replaced by a static body.
	EventBodyDemoted logging.EventType = "physics.body_demoted"
	// EventWorldFaulted is emitted when a world stops simulating until recreated.
	EventWorldFaulted logging.EventType = "physics.world_faulted"
	// EventBodyCreationFailed is emitted once per entity that could not join the simulation.
	EventBodyCreationFailed logging.EventType = "physics.body_creation_failed"
	// EventBakeDiscarded is emitted when hull bakes finish for cancelled requests.
	EventBakeDiscarded logging.EventType = "physics.bake_discarded"
	// EventImpulseDropped is emitted when a queued impulse has no live target.
	EventImpulseDropped logging.EventType = "physics.impulse_dropped"
	// EventCommitFailed is emitted when the host rejects a transform write.
	EventCommitFailed logging.EventType = "physics.commit_failed"
)

// BodyDemotedPayload describes a demotion to static.
type BodyDemotedPayload struct {
	Body     string     `json:"body"`
	Position [3]float64 `json:"position"`
	Reason   string     `json:"reason"`
}

// BodyDemoted publishes a warning for a demoted body. actor is the entity
// that lost its binding.
func BodyDemoted(ctx context.Context, pub logging.Publisher, tick uint64, world string, actor logging.EntityRef, payload BodyDemotedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventBodyDemoted,
		Tick:     tick,
		World:    world,
		Actor:    actor,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryPhysics,
		Payload:  payload,
		Extra:    extra,
	})
}

// WorldFaultedPayload describes a world-level failure.
type WorldFaultedPayload struct {
	Reason          string `json:"reason"`
	UnboundEntities int    `json:"unboundEntities"`
}

// WorldFaulted publishes an error for a faulted world.
func WorldFaulted(ctx context.Context, pub logging.Publisher, tick uint64, world string, payload WorldFaultedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventWorldFaulted,
		Tick:     tick,
		World:    world,
		Actor:    logging.World(world),
		Severity: logging.SeverityError,
		Category: logging.CategoryPhysics,
		Payload:  payload,
		Extra:    extra,
	})
}

// BodyCreationFailedPayload describes why an entity stays outside the simulation.
type BodyCreationFailedPayload struct {
	Kind   string `json:"kind"`
	Shape  string `json:"shape,omitempty"`
	Reason string `json:"reason"`
}

// BodyCreationFailed publishes a warning for an entity without a body.
func BodyCreationFailed(ctx context.Context, pub logging.Publisher, tick uint64, world string, actor logging.EntityRef, payload BodyCreationFailedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventBodyCreationFailed,
		Tick:     tick,
		World:    world,
		Actor:    actor,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryPhysics,
		Payload:  payload,
		Extra:    extra,
	})
}

// BakeDiscardedPayload counts dropped hull results.
type BakeDiscardedPayload struct {
	Count int `json:"count"`
}

func BakeDiscarded(ctx context.Context, pub logging.Publisher, tick uint64, world string, payload BakeDiscardedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventBakeDiscarded,
		Tick:     tick,
		World:    world,
		Severity: logging.SeverityDebug,
		Category: logging.CategoryPhysics,
		Payload:  payload,
		Extra:    extra,
	})
}

// ImpulseDroppedPayload describes an impulse that could not be applied.
type ImpulseDroppedPayload struct {
	Reason string `json:"reason"`
}

func ImpulseDropped(ctx context.Context, pub logging.Publisher, tick uint64, world string, actor logging.EntityRef, payload ImpulseDroppedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventImpulseDropped,
		Tick:     tick,
		World:    world,
		Actor:    actor,
		Severity: logging.SeverityDebug,
		Category: logging.CategoryPhysics,
		Payload:  payload,
		Extra:    extra,
	})
}

// CommitFailedPayload describes a rejected transform write.
type CommitFailedPayload struct {
	Reason string `json:"reason"`
}

func CommitFailed(ctx context.Context, pub logging.Publisher, tick uint64, world string, actor logging.EntityRef, payload CommitFailedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventCommitFailed,
		Tick:     tick,
		World:    world,
		Actor:    actor,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryPhysics,
		Payload:  payload,
		Extra:    extra,
	})
}
