// Package ws streams physics snapshots to observers over websockets.
package ws

import (
	"context"
	nethttp "net/http"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"blockphysics/server/internal/net/proto"
	"blockphysics/server/internal/physics"
	"blockphysics/server/internal/telemetry"
	"blockphysics/server/logging"
	"blockphysics/server/logging/network"
)

const (
	writeWait    = 10 * time.Second
	maxFrameSize = 4096

	framesSentMetricKey    = "ws_frames_sent_total"
	framesDroppedMetricKey = "ws_frames_dropped_total"
	sessionsMetricKey      = "ws_sessions"
)

// SnapshotSource provides the latest published snapshot.
type SnapshotSource interface {
	Snapshot() *physics.Snapshot
}

type HandlerConfig struct {
	Logger    telemetry.Logger
	Metrics   telemetry.Metrics
	Publisher logging.Publisher
	Now       func() time.Time
	// SendBuffer bounds the frames queued per observer.
	SendBuffer int
}

// Handler upgrades observer connections and fans snapshots out to them.
type Handler struct {
	source    SnapshotSource
	logger    telemetry.Logger
	metrics   telemetry.Metrics
	publisher logging.Publisher
	now       func() time.Time
	buffer    int
	upgrader  websocket.Upgrader

	mu       sync.Mutex
	sessions map[uint64]*session
	nextID   atomic.Uint64
}

func NewHandler(source SnapshotSource, cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.LoggerFunc(func(string, ...any) {})
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	buffer := cfg.SendBuffer
	if buffer < 1 {
		buffer = 4
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *nethttp.Request) bool {
			return true
		},
	}

	return &Handler{
		source:    source,
		logger:    logger,
		metrics:   cfg.Metrics,
		publisher: cfg.Publisher,
		now:       now,
		buffer:    buffer,
		upgrader:  upgrader,
		sessions:  make(map[uint64]*session),
	}
}

// Handle serves one observer. The world query parameter may be repeated to
// limit the stream to some worlds.
func (h *Handler) Handle(w nethttp.ResponseWriter, r *nethttp.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("[ws] upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}
	conn.SetReadLimit(maxFrameSize)

	worlds := r.URL.Query()["world"]
	sess := newSession(h.nextID.Add(1), conn, worlds, h.buffer)
	h.register(sess)
	network.ObserverConnected(context.Background(), h.publisher, h.tick(), observerRef(sess), network.ObserverPayload{Remote: r.RemoteAddr, Worlds: worlds}, nil)
	reason := "closed"
	defer func() { h.disconnect(sess, reason) }()

	if !h.sendSnapshot(sess, h.latest()) {
		reason = "initial snapshot failed"
		return
	}
	go sess.writeLoop(func(err error) {
		h.logger.Printf("[ws] write to observer %d failed: %v", sess.id, err)
		h.disconnect(sess, "write failed")
	})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}

		msg, err := proto.DecodeClientMessage(payload)
		if err != nil {
			h.logger.Printf("[ws] discarding malformed message from observer %d: %v", sess.id, err)
			if data, encErr := proto.EncodeError(err.Error()); encErr == nil {
				if sess.write(data) != nil {
					return
				}
			}
			continue
		}

		switch msg.Type {
		case proto.TypeSubscribe:
			sess.setWorlds(msg.Worlds)
			if !h.sendSnapshot(sess, h.latest()) {
				return
			}
		case proto.TypeHeartbeat:
			data, err := proto.EncodeHeartbeat(h.now().UnixMilli(), msg.SentAt)
			if err != nil {
				h.logger.Printf("[ws] failed to encode heartbeat for observer %d: %v", sess.id, err)
				continue
			}
			if sess.write(data) != nil {
				return
			}
		}
	}
}

// Broadcast queues snapshot for every observer. It never blocks on the
// network.
func (h *Handler) Broadcast(snapshot *physics.Snapshot) {
	if h == nil || snapshot == nil {
		return
	}
	serverTime := h.now().UnixMilli()
	for _, sess := range h.snapshotSessions() {
		data, err := proto.EncodeSnapshot(snapshot, sess.accepts, serverTime)
		if err != nil {
			h.logger.Printf("[ws] failed to encode snapshot for observer %d: %v", sess.id, err)
			continue
		}
		if sess.offer(data) {
			h.addMetric(framesSentMetricKey, 1)
			continue
		}
		h.addMetric(framesDroppedMetricKey, 1)
		network.FramesDropped(context.Background(), h.publisher, snapshot.Tick, observerRef(sess), network.ObserverPayload{Frames: sess.dropped.Add(1)}, nil)
	}
}

// Sessions reports the number of connected observers.
func (h *Handler) Sessions() int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Close disconnects every observer.
func (h *Handler) Close() {
	if h == nil {
		return
	}
	for _, sess := range h.snapshotSessions() {
		h.disconnect(sess, "shutdown")
	}
}

func (h *Handler) latest() *physics.Snapshot {
	if h.source == nil {
		return nil
	}
	return h.source.Snapshot()
}

func (h *Handler) sendSnapshot(sess *session, snapshot *physics.Snapshot) bool {
	data, err := proto.EncodeSnapshot(snapshot, sess.accepts, h.now().UnixMilli())
	if err != nil {
		h.logger.Printf("[ws] failed to marshal snapshot for observer %d: %v", sess.id, err)
		return false
	}
	if err := sess.write(data); err != nil {
		return false
	}
	h.addMetric(framesSentMetricKey, 1)
	return true
}

func (h *Handler) register(sess *session) {
	h.mu.Lock()
	h.sessions[sess.id] = sess
	count := len(h.sessions)
	h.mu.Unlock()
	h.storeMetric(sessionsMetricKey, uint64(count))
}

func (h *Handler) disconnect(sess *session, reason string) {
	h.mu.Lock()
	_, ok := h.sessions[sess.id]
	delete(h.sessions, sess.id)
	count := len(h.sessions)
	h.mu.Unlock()
	sess.close()
	if !ok {
		return
	}
	h.storeMetric(sessionsMetricKey, uint64(count))
	network.ObserverDisconnected(context.Background(), h.publisher, h.tick(), observerRef(sess), network.ObserverPayload{Reason: reason, Frames: sess.dropped.Load()}, nil)
}

func (h *Handler) tick() uint64 {
	if snap := h.latest(); snap != nil {
		return snap.Tick
	}
	return 0
}

func observerRef(sess *session) logging.EntityRef {
	return network.Observer(strconv.FormatUint(sess.id, 10))
}

func (h *Handler) snapshotSessions() []*session {
	h.mu.Lock()
	out := make([]*session, 0, len(h.sessions))
	for _, sess := range h.sessions {
		out = append(out, sess)
	}
	h.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (h *Handler) addMetric(key string, delta uint64) {
	if h.metrics != nil {
		h.metrics.Add(key, delta)
	}
}

func (h *Handler) storeMetric(key string, value uint64) {
	if h.metrics != nil {
		h.metrics.Store(key, value)
	}
}
