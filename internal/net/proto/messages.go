// Package proto defines the binary websocket frames of the observer stream.
package proto

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"blockphysics/server/internal/physics"
)

const (
	// Version tracks the wire-protocol revision expected by clients.
	Version = 1

	typeSnapshot  = "snapshot"
	typeHeartbeat = "heartbeat"
	typeError     = "error"
)

// Client message type identifiers.
const (
	TypeSubscribe = "subscribe"
	TypeHeartbeat = "heartbeat"
)

// Exported aliases for outbound message type identifiers.
const (
	TypeSnapshot = typeSnapshot
	TypeError    = typeError
)

// SnapshotFrame carries the worlds selected by the subscriber.
type SnapshotFrame struct {
	Ver        int                     `msgpack:"ver"`
	Type       string                  `msgpack:"type"`
	Tick       uint64                  `msgpack:"tick"`
	ServerTime int64                   `msgpack:"serverTime"`
	Backend    string                  `msgpack:"backend,omitempty"`
	Worlds     []physics.WorldSnapshot `msgpack:"worlds"`
}

// HeartbeatFrame answers a client heartbeat.
type HeartbeatFrame struct {
	Ver        int    `msgpack:"ver"`
	Type       string `msgpack:"type"`
	ServerTime int64  `msgpack:"serverTime"`
	ClientTime int64  `msgpack:"clientTime"`
	RTTMillis  int64  `msgpack:"rtt"`
}

// ErrorFrame reports a rejected client message.
type ErrorFrame struct {
	Ver    int    `msgpack:"ver"`
	Type   string `msgpack:"type"`
	Reason string `msgpack:"reason"`
}

// ClientMessage is any frame sent by an observer.
type ClientMessage struct {
	Ver    int      `msgpack:"ver,omitempty"`
	Type   string   `msgpack:"type"`
	Worlds []string `msgpack:"worlds,omitempty"`
	SentAt int64    `msgpack:"sentAt,omitempty"`
}

// EncodeSnapshot renders the worlds of snapshot accepted by filter. A nil
// filter accepts every world; a nil snapshot encodes an empty frame.
func EncodeSnapshot(snapshot *physics.Snapshot, filter func(world string) bool, serverTime int64) ([]byte, error) {
	frame := SnapshotFrame{Ver: Version, Type: typeSnapshot, ServerTime: serverTime, Worlds: []physics.WorldSnapshot{}}
	if snapshot != nil {
		frame.Tick = snapshot.Tick
		frame.Backend = snapshot.Backend
		for _, world := range snapshot.Worlds {
			if filter != nil && !filter(world.Name) {
				continue
			}
			frame.Worlds = append(frame.Worlds, world)
		}
	}
	data, err := msgpack.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot frame: %w", err)
	}
	return data, nil
}

// EncodeHeartbeat renders a heartbeat acknowledgement.
func EncodeHeartbeat(serverTime, clientTime int64) ([]byte, error) {
	rtt := int64(0)
	if clientTime > 0 && serverTime >= clientTime {
		rtt = serverTime - clientTime
	}
	return msgpack.Marshal(HeartbeatFrame{
		Ver:        Version,
		Type:       typeHeartbeat,
		ServerTime: serverTime,
		ClientTime: clientTime,
		RTTMillis:  rtt,
	})
}

// EncodeError renders an error frame.
func EncodeError(reason string) ([]byte, error) {
	return msgpack.Marshal(ErrorFrame{Ver: Version, Type: typeError, Reason: reason})
}

// DecodeClientMessage parses an observer frame. Frames from a newer protocol
// revision are rejected.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := msgpack.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("decode client message: %w", err)
	}
	if msg.Ver > Version {
		return ClientMessage{}, fmt.Errorf("unsupported protocol version %d", msg.Ver)
	}
	switch msg.Type {
	case TypeSubscribe, TypeHeartbeat:
	default:
		return ClientMessage{}, fmt.Errorf("unknown message type %q", msg.Type)
	}
	return msg, nil
}

// DecodeSnapshot parses a snapshot frame.
func DecodeSnapshot(data []byte) (SnapshotFrame, error) {
	var frame SnapshotFrame
	if err := msgpack.Unmarshal(data, &frame); err != nil {
		return SnapshotFrame{}, fmt.Errorf("decode snapshot frame: %w", err)
	}
	if frame.Type != typeSnapshot {
		return SnapshotFrame{}, fmt.Errorf("unexpected frame type %q", frame.Type)
	}
	return frame, nil
}
