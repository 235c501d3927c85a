package lifecycle

import (
	"context"

	"blockphysics/server/logging"
)

const (
	// EventEngineLoaded is emitted when the physics backend initialised.
	EventEngineLoaded logging.EventType = "lifecycle.engine_loaded"
	// EventEngineInitFailed is emitted when the physics backend could not load.
	EventEngineInitFailed logging.EventType = "lifecycle.engine_init_failed"
	// EventWorldLoaded is emitted when a physics world is created for a host world.
	EventWorldLoaded logging.EventType = "lifecycle.world_loaded"
	// EventWorldUnloaded is emitted when a physics world is destroyed.
	EventWorldUnloaded logging.EventType = "lifecycle.world_unloaded"
	// EventWorldRecreated is emitted when a faulted world is rebuilt.
	EventWorldRecreated logging.EventType = "lifecycle.world_recreated"
)

// EnginePayload identifies the physics backend.
type EnginePayload struct {
	Backend string `json:"backend"`
	Version string `json:"version,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// EngineLoaded publishes the backend that will run every world.
func EngineLoaded(ctx context.Context, pub logging.Publisher, payload EnginePayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventEngineLoaded,
		Actor:    logging.EntityRef{ID: payload.Backend, Kind: logging.EntityKindEngine},
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
		Extra:    extra,
	})
}

// EngineInitFailed publishes a fatal backend load failure.
func EngineInitFailed(ctx context.Context, pub logging.Publisher, payload EnginePayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventEngineInitFailed,
		Actor:    logging.EntityRef{ID: payload.Backend, Kind: logging.EntityKindEngine},
		Severity: logging.SeverityError,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
		Extra:    extra,
	})
}

// WorldPayload captures the parameters of a physics world.
type WorldPayload struct {
	Gravity        [3]float64 `json:"gravity"`
	TimestepMillis float64    `json:"timestepMillis"`
	Bodies         int        `json:"bodies"`
	Reason         string     `json:"reason,omitempty"`
}

// WorldLoaded publishes a world creation.
func WorldLoaded(ctx context.Context, pub logging.Publisher, tick uint64, world string, payload WorldPayload, extra map[string]any) {
	publishWorld(ctx, pub, EventWorldLoaded, tick, world, payload, extra)
}

// WorldUnloaded publishes a world teardown.
func WorldUnloaded(ctx context.Context, pub logging.Publisher, tick uint64, world string, payload WorldPayload, extra map[string]any) {
	publishWorld(ctx, pub, EventWorldUnloaded, tick, world, payload, extra)
}

// WorldRecreated publishes the rebuild of a faulted world.
func WorldRecreated(ctx context.Context, pub logging.Publisher, tick uint64, world string, payload WorldPayload, extra map[string]any) {
	publishWorld(ctx, pub, EventWorldRecreated, tick, world, payload, extra)
}

func publishWorld(ctx context.Context, pub logging.Publisher, eventType logging.EventType, tick uint64, world string, payload WorldPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     eventType,
		Tick:     tick,
		World:    world,
		Actor:    logging.World(world),
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
		Extra:    extra,
	})
}
