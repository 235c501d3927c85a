package network

import (
	"context"

	"blockphysics/server/logging"
)

const (
	// EventObserverConnected is emitted when a snapshot stream observer connects.
	EventObserverConnected logging.EventType = "network.observer_connected"
	// EventObserverDisconnected is emitted when an observer leaves or its writes fail.
	EventObserverDisconnected logging.EventType = "network.observer_disconnected"
	// EventFramesDropped is emitted when a slow observer lost queued frames.
	EventFramesDropped logging.EventType = "network.frames_dropped"
)

// ObserverPayload describes an observer session.
type ObserverPayload struct {
	Remote string   `json:"remote,omitempty"`
	Worlds []string `json:"worlds,omitempty"`
	Reason string   `json:"reason,omitempty"`
	Frames uint64   `json:"frames,omitempty"`
}

// Observer returns the event actor for a session id.
func Observer(id string) logging.EntityRef {
	return logging.EntityRef{ID: id, Kind: logging.EntityKindObserver}
}

func ObserverConnected(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload ObserverPayload, extra map[string]any) {
	publish(ctx, pub, EventObserverConnected, logging.SeverityInfo, tick, actor, payload, extra)
}

func ObserverDisconnected(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload ObserverPayload, extra map[string]any) {
	publish(ctx, pub, EventObserverDisconnected, logging.SeverityInfo, tick, actor, payload, extra)
}

// FramesDropped publishes a debug event for frames a slow observer lost.
func FramesDropped(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload ObserverPayload, extra map[string]any) {
	publish(ctx, pub, EventFramesDropped, logging.SeverityDebug, tick, actor, payload, extra)
}

func publish(ctx context.Context, pub logging.Publisher, eventType logging.EventType, severity logging.Severity, tick uint64, actor logging.EntityRef, payload ObserverPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     eventType,
		Tick:     tick,
		Actor:    actor,
		Severity: severity,
		Category: logging.CategoryNetwork,
		Payload:  payload,
		Extra:    extra,
	})
}
